package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/szaher/convmem/internal/compaction"
	"github.com/szaher/convmem/internal/memory"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS conversations (
    conv_key   TEXT PRIMARY KEY,
    state      JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS compaction_jobs (
    id         TEXT PRIMARY KEY,
    conv_key   TEXT NOT NULL,
    status     TEXT NOT NULL,
    step       TEXT NOT NULL,
    record     JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS compaction_jobs_active_key
    ON compaction_jobs (conv_key) WHERE status IN ('pending', 'running');
CREATE INDEX IF NOT EXISTS compaction_jobs_finished
    ON compaction_jobs (updated_at) WHERE status IN ('completed', 'failed');
`

// uniqueViolation is the PostgreSQL SQLSTATE for unique constraint failures.
const uniqueViolation = "23505"

// PostgresStore keeps conversation state in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn and creates the schema if it is missing.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Jobs returns a job store sharing this pool.
func (s *PostgresStore) Jobs() *PostgresJobStore {
	return &PostgresJobStore{pool: s.pool}
}

// Get returns the state for key.
func (s *PostgresStore) Get(ctx context.Context, key string) (memory.State, bool, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT state FROM conversations WHERE conv_key = $1`, key).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return memory.State{}, false, nil
	}
	if err != nil {
		return memory.State{}, false, fmt.Errorf("query conversation: %w", err)
	}
	st, err := decodeState(data)
	if err != nil {
		return memory.State{}, false, err
	}
	return st, true, nil
}

// Put upserts the state for key.
func (s *PostgresStore) Put(ctx context.Context, key string, state memory.State) error {
	if err := checkKey(key); err != nil {
		return err
	}
	data, err := encodeState(state)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO conversations (conv_key, state, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (conv_key) DO UPDATE SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`,
		key, string(data))
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}

// PostgresJobStore implements compaction.JobStore on PostgreSQL. The partial
// unique index enforces one active job per conversation.
type PostgresJobStore struct {
	pool *pgxpool.Pool
}

// Create inserts rec unless its key already has an active job.
func (s *PostgresJobStore) Create(ctx context.Context, rec compaction.JobRecord) error {
	data, err := encodeJob(rec)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO compaction_jobs (id, conv_key, status, step, record, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.Key, string(rec.Status), string(rec.Step), data, rec.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return compaction.ErrJobActive
	}
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Update replaces an existing record.
func (s *PostgresJobStore) Update(ctx context.Context, rec compaction.JobRecord) error {
	data, err := encodeJob(rec)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE compaction_jobs SET status = $2, step = $3, record = $4, updated_at = $5
		WHERE id = $1`,
		rec.ID, string(rec.Status), string(rec.Step), data, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return compaction.ErrJobNotFound
	}
	return nil
}

// Get returns the record with the given ID.
func (s *PostgresJobStore) Get(ctx context.Context, id string) (compaction.JobRecord, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT record FROM compaction_jobs WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return compaction.JobRecord{}, compaction.ErrJobNotFound
	}
	if err != nil {
		return compaction.JobRecord{}, fmt.Errorf("query job: %w", err)
	}
	return decodeJob(data)
}

// List returns all records ordered by ID.
func (s *PostgresJobStore) List(ctx context.Context) ([]compaction.JobRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT record FROM compaction_jobs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []compaction.JobRecord
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		rec, err := decodeJob(data)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteFinished removes completed and failed records last updated before
// the cutoff.
func (s *PostgresJobStore) DeleteFinished(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM compaction_jobs
		WHERE status IN ('completed', 'failed') AND updated_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("delete finished jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
