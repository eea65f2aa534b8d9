package compaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/semaphore"

	"github.com/szaher/convmem/internal/events"
	"github.com/szaher/convmem/internal/llm"
	"github.com/szaher/convmem/internal/telemetry"
)

// Runner defaults.
const (
	DefaultWorkers     = 4
	DefaultMaxAttempts = 5
	DefaultBackoff     = time.Second
	DefaultMaxBackoff  = 30 * time.Second
	DefaultStaleAfter  = 2 * time.Minute
	DefaultRetention   = 24 * time.Hour
)

// Runner executes compaction jobs in the background with per-step retries.
// Delivery is at least once: a job interrupted by shutdown or a crash is
// picked up again by Resume from its last checkpoint.
type Runner struct {
	client  llm.Client
	model   string
	applier Applier
	jobs    JobStore

	workers     *semaphore.Weighted
	maxAttempts int
	backoff     time.Duration
	maxBackoff  time.Duration
	staleAfter  time.Duration
	retention   time.Duration

	emitter events.Emitter
	logger  *slog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]bool
	closed   bool
	cron     *cron.Cron
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithModel sets the model used by the summarize step.
func WithModel(model string) RunnerOption {
	return func(r *Runner) { r.model = model }
}

// WithWorkers bounds the number of jobs executing at once.
func WithWorkers(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.workers = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithRetry sets the per-step attempt budget and the exponential backoff
// bounds between attempts.
func WithRetry(maxAttempts int, backoff, maxBackoff time.Duration) RunnerOption {
	return func(r *Runner) {
		if maxAttempts > 0 {
			r.maxAttempts = maxAttempts
		}
		if backoff > 0 {
			r.backoff = backoff
		}
		if maxBackoff > 0 {
			r.maxBackoff = maxBackoff
		}
	}
}

// WithStaleAfter sets how long an active job may go without progress before
// Resume picks it up.
func WithStaleAfter(d time.Duration) RunnerOption {
	return func(r *Runner) { r.staleAfter = d }
}

// WithRetention sets how long completed and failed job records are kept
// before Prune removes them. Zero keeps them forever.
func WithRetention(d time.Duration) RunnerOption {
	return func(r *Runner) { r.retention = d }
}

// WithEmitter sets the lifecycle event sink.
func WithEmitter(e events.Emitter) RunnerOption {
	return func(r *Runner) { r.emitter = e }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.Metrics) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

// NewRunner creates a runner. The summarize step calls client; the
// write-back step calls applier; progress is checkpointed in jobs.
func NewRunner(client llm.Client, applier Applier, jobs JobStore, opts ...RunnerOption) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		client:      client,
		applier:     applier,
		jobs:        jobs,
		workers:     semaphore.NewWeighted(DefaultWorkers),
		maxAttempts: DefaultMaxAttempts,
		backoff:     DefaultBackoff,
		maxBackoff:  DefaultMaxBackoff,
		staleAfter:  DefaultStaleAfter,
		retention:   DefaultRetention,
		emitter:     events.NoopEmitter{},
		logger:      slog.Default(),
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
		inflight:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Submit records a new job for p and starts it in the background. It does
// not block: the returned channel receives nil once the job is recorded, or
// the reason it was not, and is then closed.
func (r *Runner) Submit(_ context.Context, p Params) <-chan error {
	result := make(chan error, 1)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.metrics.RecordSubmission("closed")
		result <- ErrClosed
		close(result)
		return result
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()

		now := r.now()
		rec := JobRecord{
			ID:        ulid.Make().String(),
			Key:       p.Key,
			Params:    p,
			Step:      StepSummarize,
			Status:    StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := r.jobs.Create(r.ctx, rec); err != nil {
			r.recordRejection(p.Key, err)
			result <- err
			close(result)
			return
		}
		r.metrics.RecordSubmission("accepted")
		r.emitter.Emit(events.New(events.JobSubmitted, rec.ID, rec.Key).
			WithData("history_len", len(p.History)))
		result <- nil
		close(result)

		r.execute(rec)
	}()
	return result
}

func (r *Runner) recordRejection(key string, err error) {
	result := "error"
	if errors.Is(err, ErrJobActive) {
		result = "duplicate"
	}
	r.metrics.RecordSubmission(result)
	r.logger.Debug("compaction submission discarded", "conversation", key, "error", err)
}

// execute runs rec to completion unless the runner shuts down first or
// another goroutine in this process already owns it.
func (r *Runner) execute(rec JobRecord) {
	if !r.claim(rec.ID) {
		return
	}
	defer r.release(rec.ID)

	if err := r.workers.Acquire(r.ctx, 1); err != nil {
		return
	}
	defer r.workers.Release(1)

	_ = r.run(r.ctx, rec)
}

func (r *Runner) claim(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight[id] {
		return false
	}
	r.inflight[id] = true
	return true
}

func (r *Runner) release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, id)
}

// run drives rec through its remaining steps. It returns nil when the job
// completes, the last step error when the attempt budget is exhausted, or
// the context error when interrupted.
func (r *Runner) run(ctx context.Context, rec JobRecord) error {
	rec.Status = StatusRunning
	r.save(ctx, &rec)

	for rec.Step != StepDone {
		exhausted := false
		err := retry.Do(ctx, r.stepBackoff(rec.Attempts), func(ctx context.Context) error {
			err := r.runStep(ctx, &rec)
			if err == nil || ctx.Err() != nil {
				return err
			}

			rec.Attempts++
			rec.LastError = err.Error()
			r.metrics.RecordStep(string(rec.Step), "error")
			r.emitter.Emit(events.New(events.StepFailed, rec.ID, rec.Key).
				WithData("step", string(rec.Step)).
				WithData("attempt", rec.Attempts).
				WithData("error", err.Error()))

			if rec.Attempts >= r.maxAttempts {
				exhausted = true
				return err
			}
			r.save(ctx, &rec)
			return retry.RetryableError(err)
		})
		switch {
		case err == nil:
			r.metrics.RecordStep(string(rec.Step), "ok")
			r.emitter.Emit(events.New(events.StepCompleted, rec.ID, rec.Key).
				WithData("step", string(rec.Step)))
			r.advance(&rec)
			r.save(ctx, &rec)
		case exhausted:
			rec.Status = StatusFailed
			r.save(ctx, &rec)
			r.emitter.Emit(events.New(events.JobFailed, rec.ID, rec.Key).
				WithData("step", string(rec.Step)).
				WithData("error", err.Error()))
			return fmt.Errorf("compaction job %s: step %s: %w", rec.ID, rec.Step, err)
		default:
			return err
		}
	}

	rec.Status = StatusCompleted
	r.save(ctx, &rec)
	r.emitter.Emit(events.New(events.JobCompleted, rec.ID, rec.Key))
	return nil
}

func (r *Runner) runStep(ctx context.Context, rec *JobRecord) error {
	switch rec.Step {
	case StepSummarize:
		summary, err := r.summarize(ctx, rec.Params)
		if err != nil {
			return err
		}
		rec.Summary = summary
		return nil
	case StepWriteBack:
		return r.applier.ApplySummary(ctx, rec.Key, rec.Summary)
	default:
		return fmt.Errorf("unknown step %q", rec.Step)
	}
}

func (r *Runner) summarize(ctx context.Context, p Params) (string, error) {
	start := time.Now()
	resp, err := r.client.Chat(ctx, SummaryRequest(r.model, p))
	if err != nil {
		r.metrics.RecordInference("summarize", "error", time.Since(start), 0, 0)
		return "", fmt.Errorf("summarize: %w", err)
	}
	r.metrics.RecordInference("summarize", "ok", time.Since(start), resp.Usage.InputTokens, resp.Usage.OutputTokens)
	return resp.Content, nil
}

func (r *Runner) advance(rec *JobRecord) {
	switch rec.Step {
	case StepSummarize:
		rec.Step = StepWriteBack
	case StepWriteBack:
		rec.Step = StepDone
	}
	rec.Attempts = 0
	rec.LastError = ""
}

// save checkpoints rec. A failed checkpoint is logged and the job carries on
// from its in-memory cursor; the worst case is a repeated step on resume.
func (r *Runner) save(ctx context.Context, rec *JobRecord) {
	rec.UpdatedAt = r.now()
	if err := r.jobs.Update(context.WithoutCancel(ctx), *rec); err != nil {
		r.logger.Warn("checkpoint compaction job failed",
			"job_id", rec.ID, "conversation", rec.Key, "step", rec.Step, "error", err)
	}
}

// stepBackoff returns the capped exponential backoff for a step that has
// already failed the given number of times, so a resumed step continues
// the curve where it left off.
func (r *Runner) stepBackoff(failed int) retry.Backoff {
	b := retry.WithCappedDuration(r.maxBackoff, retry.NewExponential(r.backoff))
	for i := 0; i < failed; i++ {
		b.Next()
	}
	return b
}

// Resume dispatches active jobs that have made no progress for the stale
// period and are not already running in this process. It returns the number
// of jobs dispatched.
func (r *Runner) Resume(ctx context.Context) (int, error) {
	recs, err := r.jobs.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list compaction jobs: %w", err)
	}

	cutoff := r.now().Add(-r.staleAfter)
	n := 0
	for _, rec := range recs {
		if !rec.Status.Active() || rec.UpdatedAt.After(cutoff) || r.isInflight(rec.ID) {
			continue
		}
		if !r.dispatch(rec) {
			break
		}
		n++
	}
	return n, nil
}

func (r *Runner) isInflight(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inflight[id]
}

func (r *Runner) dispatch(rec JobRecord) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	r.wg.Add(1)
	r.mu.Unlock()

	r.emitter.Emit(events.New(events.JobResumed, rec.ID, rec.Key).
		WithData("step", string(rec.Step)))
	go func() {
		defer r.wg.Done()
		r.execute(rec)
	}()
	return true
}

// Prune deletes completed and failed job records that have not changed for
// the retention period. It returns the number of records removed.
func (r *Runner) Prune(ctx context.Context) (int, error) {
	if r.retention <= 0 {
		return 0, nil
	}
	n, err := r.jobs.DeleteFinished(ctx, r.now().Add(-r.retention))
	if err != nil {
		return 0, fmt.Errorf("prune compaction jobs: %w", err)
	}
	return n, nil
}

// RunJob executes the job with the given ID in the calling goroutine,
// starting from its checkpointed step. A failed job gets a fresh attempt
// budget. It is meant for operators retrying a job by hand.
func (r *Runner) RunJob(ctx context.Context, id string) (JobRecord, error) {
	rec, err := r.jobs.Get(ctx, id)
	if err != nil {
		return JobRecord{}, err
	}
	if rec.Status == StatusCompleted {
		return rec, nil
	}
	if !r.claim(rec.ID) {
		return rec, fmt.Errorf("compaction job %s is already running", id)
	}
	defer r.release(rec.ID)

	if rec.Status == StatusFailed {
		rec.Attempts = 0
		rec.LastError = ""
	}
	r.emitter.Emit(events.New(events.JobResumed, rec.ID, rec.Key).
		WithData("step", string(rec.Step)))
	if err := r.run(ctx, rec); err != nil {
		latest, getErr := r.jobs.Get(context.WithoutCancel(ctx), id)
		if getErr != nil {
			return rec, err
		}
		return latest, err
	}
	return r.jobs.Get(ctx, id)
}

// Jobs lists all job records.
func (r *Runner) Jobs(ctx context.Context) ([]JobRecord, error) {
	return r.jobs.List(ctx)
}

// Schedule runs Resume and Prune on a cron schedule, such as "@every 1m",
// until Close.
func (r *Runner) Schedule(spec string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.cron != nil {
		return fmt.Errorf("resume schedule already set")
	}

	c := cron.New()
	if _, err := c.AddFunc(spec, r.sweep); err != nil {
		return fmt.Errorf("parse resume schedule %q: %w", spec, err)
	}
	c.Start()
	r.cron = c
	return nil
}

func (r *Runner) sweep() {
	if n, err := r.Resume(r.ctx); err != nil {
		r.logger.Warn("compaction resume sweep failed", "error", err)
	} else if n > 0 {
		r.logger.Info("resumed stale compaction jobs", "count", n)
	}
	if n, err := r.Prune(r.ctx); err != nil {
		r.logger.Warn("compaction prune failed", "error", err)
	} else if n > 0 {
		r.logger.Info("pruned finished compaction jobs", "count", n)
	}
}

// Close stops the resume schedule, interrupts running jobs at their next
// suspension point and waits for background goroutines to exit. Interrupted
// jobs stay active in the job store and are resumed later.
func (r *Runner) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	c := r.cron
	r.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	r.cancel()
	r.wg.Wait()
}

// Wait blocks until every submitted or resumed job has finished or been
// interrupted. It does not stop the runner.
func (r *Runner) Wait() {
	r.wg.Wait()
}
