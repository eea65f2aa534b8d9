package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // pure Go driver, registered as "sqlite"

	"github.com/szaher/convmem/internal/compaction"
	"github.com/szaher/convmem/internal/memory"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore keeps conversation state in a SQLite database. The same
// database holds compaction job records, see Jobs.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies
// pending migrations.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Jobs returns a job store sharing this database.
func (s *SQLiteStore) Jobs() *SQLiteJobStore {
	return &SQLiteJobStore{db: s.db}
}

// Get returns the state for key.
func (s *SQLiteStore) Get(ctx context.Context, key string) (memory.State, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM conversations WHERE conv_key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return memory.State{}, false, nil
	}
	if err != nil {
		return memory.State{}, false, fmt.Errorf("query conversation: %w", err)
	}
	st, err := decodeState([]byte(data))
	if err != nil {
		return memory.State{}, false, err
	}
	return st, true, nil
}

// Put upserts the state for key.
func (s *SQLiteStore) Put(ctx context.Context, key string, state memory.State) error {
	if err := checkKey(key); err != nil {
		return err
	}
	data, err := encodeState(state)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (conv_key, state, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (conv_key) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		key, string(data), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}

// SQLiteJobStore implements compaction.JobStore on the SQLite database.
type SQLiteJobStore struct {
	db *sql.DB
}

// Create inserts rec unless its key already has an active job.
func (s *SQLiteJobStore) Create(ctx context.Context, rec compaction.JobRecord) error {
	data, err := encodeJob(rec)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var active int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM compaction_jobs WHERE conv_key = ? AND status IN ('pending', 'running')`,
		rec.Key).Scan(&active); err != nil {
		return fmt.Errorf("count active jobs: %w", err)
	}
	if active > 0 {
		return compaction.ErrJobActive
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO compaction_jobs (id, conv_key, status, step, record, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Key, string(rec.Status), string(rec.Step), data, formatTime(rec.UpdatedAt)); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return tx.Commit()
}

// Update replaces an existing record.
func (s *SQLiteJobStore) Update(ctx context.Context, rec compaction.JobRecord) error {
	data, err := encodeJob(rec)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE compaction_jobs SET status = ?, step = ?, record = ?, updated_at = ?
		WHERE id = ?`,
		string(rec.Status), string(rec.Step), data, formatTime(rec.UpdatedAt), rec.ID)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return compaction.ErrJobNotFound
	}
	return nil
}

// Get returns the record with the given ID.
func (s *SQLiteJobStore) Get(ctx context.Context, id string) (compaction.JobRecord, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM compaction_jobs WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return compaction.JobRecord{}, compaction.ErrJobNotFound
	}
	if err != nil {
		return compaction.JobRecord{}, fmt.Errorf("query job: %w", err)
	}
	return decodeJob([]byte(data))
}

// List returns all records ordered by ID.
func (s *SQLiteJobStore) List(ctx context.Context) ([]compaction.JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM compaction_jobs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []compaction.JobRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		rec, err := decodeJob([]byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteFinished removes completed and failed records last updated before
// the cutoff.
func (s *SQLiteJobStore) DeleteFinished(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM compaction_jobs
		WHERE status IN ('completed', 'failed') AND updated_at < ?`,
		formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("delete finished jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// timeLayout is fixed width so stored timestamps compare as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
