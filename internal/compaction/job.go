// Package compaction runs the two-step background job that folds older
// conversation turns into a durable summary.
//
// A job is persisted as a JobRecord carrying a step cursor. The summarize
// step checkpoints its output into the record before the write-back step
// runs, so a retry re-enters at the last incomplete step.
package compaction

import (
	"context"
	"errors"
	"time"

	"github.com/szaher/convmem/internal/memory"
)

var (
	// ErrJobActive is returned when a conversation already has a pending or
	// running compaction job.
	ErrJobActive = errors.New("compaction job already active for conversation")
	// ErrJobNotFound is returned when a job ID is unknown.
	ErrJobNotFound = errors.New("compaction job not found")
	// ErrClosed is returned by Submit after the runner has been closed.
	ErrClosed = errors.New("compaction runner closed")
)

// Params are captured when a job is submitted. History and ExistingSummary
// are a snapshot and may be stale by the time the job runs.
type Params struct {
	Key             string        `json:"key"`
	History         []memory.Turn `json:"history"`
	ExistingSummary string        `json:"existing_summary"`
}

// Step is the job's cursor.
type Step string

const (
	StepSummarize Step = "summarize"
	StepWriteBack Step = "write-back"
	StepDone      Step = "done"
)

// Status is the job's overall state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Active reports whether a job in this status may still make progress.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusRunning
}

// JobRecord is the persisted form of a compaction job.
type JobRecord struct {
	ID     string `json:"id"`
	Key    string `json:"key"`
	Params Params `json:"params"`
	Step   Step   `json:"step"`
	// Summary holds the summarize step's output once it has completed.
	Summary   string    `json:"summary,omitempty"`
	Attempts  int       `json:"attempts"`
	Status    Status    `json:"status"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// JobStore persists job records.
type JobStore interface {
	// Create inserts a new record. It returns ErrJobActive when another
	// active record exists for the same key.
	Create(ctx context.Context, rec JobRecord) error

	// Update replaces an existing record.
	Update(ctx context.Context, rec JobRecord) error

	// Get returns a record by ID, or ErrJobNotFound.
	Get(ctx context.Context, id string) (JobRecord, error)

	// List returns all records ordered by ID.
	List(ctx context.Context) ([]JobRecord, error)

	// DeleteFinished removes completed and failed records last updated
	// before the cutoff and returns how many were removed.
	DeleteFinished(ctx context.Context, before time.Time) (int, error)
}

// Applier writes a computed summary back into conversation state.
type Applier interface {
	ApplySummary(ctx context.Context, key, summary string) error
}

// ApplierFunc adapts a function to the Applier interface.
type ApplierFunc func(ctx context.Context, key, summary string) error

// ApplySummary calls f.
func (f ApplierFunc) ApplySummary(ctx context.Context, key, summary string) error {
	return f(ctx, key, summary)
}
