package compaction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/szaher/convmem/internal/events"
	"github.com/szaher/convmem/internal/llm"
	"github.com/szaher/convmem/internal/memory"
)

type recordingApplier struct {
	mu       sync.Mutex
	failures int
	calls    []string
}

func (a *recordingApplier) ApplySummary(_ context.Context, key, summary string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, key+"="+summary)
	if a.failures > 0 {
		a.failures--
		return errors.New("store unavailable")
	}
	return nil
}

func (a *recordingApplier) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

func history(n int) []memory.Turn {
	out := make([]memory.Turn, n)
	for i := range out {
		role := llm.RoleUser
		if i%2 == 1 {
			role = llm.RoleAssistant
		}
		out[i] = memory.Turn{Role: role, Content: fmt.Sprintf("turn-%d", i)}
	}
	return out
}

func newTestRunner(client llm.Client, applier Applier, jobs JobStore, opts ...RunnerOption) (*Runner, *events.CollectorEmitter) {
	collector := &events.CollectorEmitter{}
	base := []RunnerOption{
		WithModel("test-model"),
		WithRetry(3, time.Millisecond, 4*time.Millisecond),
		WithEmitter(collector),
	}
	return NewRunner(client, applier, jobs, append(base, opts...)...), collector
}

func onlyJob(t *testing.T, jobs JobStore) JobRecord {
	t.Helper()
	recs, err := jobs.List(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	return recs[0]
}

func TestSubmitRunsBothSteps(t *testing.T) {
	client := llm.NewMockClient(llm.MockResponse{Content: "likes Go"})
	applier := &recordingApplier{}
	jobs := NewMemoryJobStore()
	r, collector := newTestRunner(client, applier, jobs)
	defer r.Close()

	err := <-r.Submit(context.Background(), Params{Key: "k1", History: history(25), ExistingSummary: "old"})
	require.NoError(t, err)
	r.Wait()

	assert.Equal(t, []string{"k1=likes Go"}, applier.Calls())

	rec := onlyJob(t, jobs)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, StepDone, rec.Step)
	assert.Equal(t, "likes Go", rec.Summary)
	assert.Len(t, rec.ID, 26)

	assert.Equal(t, []events.Type{
		events.JobSubmitted,
		events.StepCompleted,
		events.StepCompleted,
		events.JobCompleted,
	}, collector.Types())

	calls := client.Calls()
	require.Len(t, calls, 1)
	req := calls[0]
	assert.Equal(t, "test-model", req.Model)
	assert.Equal(t, SummaryMaxTokens, req.MaxTokens)
	require.NotNil(t, req.Temperature)
	assert.Equal(t, SummaryTemperature, *req.Temperature)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, llm.Message{Role: llm.RoleSystem, Content: SummarySystem}, req.Messages[0])
	assert.Contains(t, req.Messages[1].Content, "Existing summary:\nold\n")
}

func TestWriteBackRetryDoesNotResummarize(t *testing.T) {
	client := llm.NewMockClient(llm.MockResponse{Content: "S"})
	applier := &recordingApplier{failures: 2}
	jobs := NewMemoryJobStore()
	r, collector := newTestRunner(client, applier, jobs)
	defer r.Close()

	require.NoError(t, <-r.Submit(context.Background(), Params{Key: "k", History: history(24)}))
	r.Wait()

	assert.Len(t, client.Calls(), 1, "summarize must run once")
	assert.Equal(t, []string{"k=S", "k=S", "k=S"}, applier.Calls())

	rec := onlyJob(t, jobs)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Zero(t, rec.Attempts)
	assert.Empty(t, rec.LastError)

	failed := 0
	for _, typ := range collector.Types() {
		if typ == events.StepFailed {
			failed++
		}
	}
	assert.Equal(t, 2, failed)
}

func TestRetryBudgetExhausted(t *testing.T) {
	client := llm.NewMockClient(llm.MockResponse{Error: errors.New("provider down")})
	applier := &recordingApplier{}
	jobs := NewMemoryJobStore()
	r, collector := newTestRunner(client, applier, jobs)
	defer r.Close()

	require.NoError(t, <-r.Submit(context.Background(), Params{Key: "k", History: history(24)}))
	r.Wait()

	assert.Len(t, client.Calls(), 3)
	assert.Empty(t, applier.Calls(), "summary must stay untouched")

	rec := onlyJob(t, jobs)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, StepSummarize, rec.Step)
	assert.Equal(t, 3, rec.Attempts)
	assert.Contains(t, rec.LastError, "provider down")

	types := collector.Types()
	assert.Equal(t, events.JobFailed, types[len(types)-1])
}

func TestEmptySummaryIsWrittenBack(t *testing.T) {
	client := llm.NewMockClient(llm.MockResponse{Content: ""})
	applier := &recordingApplier{}
	r, _ := newTestRunner(client, applier, NewMemoryJobStore())
	defer r.Close()

	require.NoError(t, <-r.Submit(context.Background(), Params{Key: "k"}))
	r.Wait()
	assert.Equal(t, []string{"k="}, applier.Calls())
}

func TestSubmitRejectsActiveJob(t *testing.T) {
	jobs := NewMemoryJobStore()
	require.NoError(t, jobs.Create(context.Background(), JobRecord{ID: "01A", Key: "k", Status: StatusRunning, Step: StepSummarize}))

	client := llm.NewMockClient(llm.MockResponse{Content: "S"})
	r, _ := newTestRunner(client, &recordingApplier{}, jobs)
	defer r.Close()

	err := <-r.Submit(context.Background(), Params{Key: "k"})
	assert.ErrorIs(t, err, ErrJobActive)
	r.Wait()
	assert.Empty(t, client.Calls())

	// Other keys are unaffected.
	require.NoError(t, <-r.Submit(context.Background(), Params{Key: "other"}))
}

func TestSubmitAfterClose(t *testing.T) {
	r, _ := newTestRunner(llm.NewMockClient(), &recordingApplier{}, NewMemoryJobStore())
	r.Close()
	assert.ErrorIs(t, <-r.Submit(context.Background(), Params{Key: "k"}), ErrClosed)
	r.Close()
}

func TestResumeFromCheckpoint(t *testing.T) {
	jobs := NewMemoryJobStore()
	ctx := context.Background()
	stale := time.Now().Add(-time.Hour)
	require.NoError(t, jobs.Create(ctx, JobRecord{
		ID: "01A", Key: "k", Step: StepWriteBack, Summary: "checkpointed",
		Status: StatusRunning, UpdatedAt: stale,
	}))
	require.NoError(t, jobs.Create(ctx, JobRecord{
		ID: "01B", Key: "fresh", Step: StepSummarize, Status: StatusPending, UpdatedAt: time.Now(),
	}))
	require.NoError(t, jobs.Create(ctx, JobRecord{
		ID: "01C", Key: "done", Step: StepDone, Status: StatusCompleted, UpdatedAt: stale,
	}))

	client := llm.NewMockClient(llm.MockResponse{Content: "unused"})
	applier := &recordingApplier{}
	r, _ := newTestRunner(client, applier, jobs, WithStaleAfter(time.Minute))
	defer r.Close()

	n, err := r.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	r.Wait()

	assert.Empty(t, client.Calls(), "summarize already checkpointed")
	assert.Equal(t, []string{"k=checkpointed"}, applier.Calls())

	rec, err := jobs.Get(ctx, "01A")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
}

func TestRunJobRetriesFailedJob(t *testing.T) {
	jobs := NewMemoryJobStore()
	ctx := context.Background()
	require.NoError(t, jobs.Create(ctx, JobRecord{
		ID: "01A", Key: "k", Params: Params{Key: "k", History: history(3)},
		Step: StepSummarize, Status: StatusFailed, Attempts: 3, LastError: "boom",
	}))

	applier := &recordingApplier{}
	r, _ := newTestRunner(llm.NewMockClient(llm.MockResponse{Content: "S"}), applier, jobs)
	defer r.Close()

	rec, err := r.RunJob(ctx, "01A")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, []string{"k=S"}, applier.Calls())

	_, err = r.RunJob(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestCloseInterruptsBackoff(t *testing.T) {
	client := llm.NewMockClient(llm.MockResponse{Error: errors.New("down")})
	jobs := NewMemoryJobStore()
	r := NewRunner(client, &recordingApplier{}, jobs, WithRetry(5, time.Hour, time.Hour))

	require.NoError(t, <-r.Submit(context.Background(), Params{Key: "k"}))
	require.Eventually(t, func() bool {
		recs, _ := jobs.List(context.Background())
		return len(recs) == 1 && recs[0].Attempts == 1
	}, time.Second, time.Millisecond)

	done := make(chan struct{})
	go func() {
		r.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not interrupt backoff")
	}

	rec := onlyJob(t, jobs)
	assert.True(t, rec.Status.Active(), "interrupted job stays resumable, got %s", rec.Status)
	assert.Equal(t, 1, rec.Attempts)
}

func TestWorkerLimit(t *testing.T) {
	var (
		mu      sync.Mutex
		current int
		peak    int
	)
	client := llm.ClientFunc(func(ctx context.Context, _ llm.ChatRequest) (*llm.ChatResponse, error) {
		mu.Lock()
		current++
		if current > peak {
			peak = current
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		current--
		mu.Unlock()
		return &llm.ChatResponse{Content: "S"}, nil
	})
	r, _ := newTestRunner(client, &recordingApplier{}, NewMemoryJobStore(), WithWorkers(2))
	defer r.Close()

	for i := 0; i < 8; i++ {
		require.NoError(t, <-r.Submit(context.Background(), Params{Key: fmt.Sprintf("k%d", i)}))
	}
	r.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, 2)
}

func TestStepBackoff(t *testing.T) {
	r := NewRunner(nil, nil, nil, WithRetry(5, time.Second, 5*time.Second))
	defer r.Close()

	next := func(failed, n int) []time.Duration {
		b := r.stepBackoff(failed)
		var out []time.Duration
		for i := 0; i < n; i++ {
			d, stop := b.Next()
			require.False(t, stop)
			out = append(out, d)
		}
		return out
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}, next(0, 5))
	// A resumed step continues the curve.
	assert.Equal(t, []time.Duration{4 * time.Second, 5 * time.Second}, next(2, 2))
	assert.Equal(t, []time.Duration{5 * time.Second}, next(70, 1))
}

func TestPrune(t *testing.T) {
	jobs := NewMemoryJobStore()
	ctx := context.Background()
	now := time.Now()
	for _, rec := range []JobRecord{
		{ID: "01A", Key: "a", Status: StatusCompleted, Step: StepDone, UpdatedAt: now.Add(-48 * time.Hour)},
		{ID: "01B", Key: "b", Status: StatusFailed, Step: StepSummarize, UpdatedAt: now.Add(-48 * time.Hour)},
		{ID: "01C", Key: "c", Status: StatusCompleted, Step: StepDone, UpdatedAt: now},
		{ID: "01D", Key: "d", Status: StatusRunning, Step: StepWriteBack, UpdatedAt: now.Add(-48 * time.Hour)},
	} {
		require.NoError(t, jobs.Create(ctx, rec))
	}

	r, _ := newTestRunner(llm.NewMockClient(), &recordingApplier{}, jobs, WithRetention(24*time.Hour))
	defer r.Close()

	n, err := r.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	recs, err := jobs.List(ctx)
	require.NoError(t, err)
	var ids []string
	for _, rec := range recs {
		ids = append(ids, rec.ID)
	}
	assert.Equal(t, []string{"01C", "01D"}, ids, "recent and active jobs are kept")
}

func TestPruneDisabled(t *testing.T) {
	jobs := NewMemoryJobStore()
	ctx := context.Background()
	require.NoError(t, jobs.Create(ctx, JobRecord{ID: "01A", Key: "a", Status: StatusCompleted, UpdatedAt: time.Now().Add(-time.Hour * 24 * 365)}))

	r, _ := newTestRunner(llm.NewMockClient(), &recordingApplier{}, jobs, WithRetention(0))
	defer r.Close()

	n, err := r.Prune(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, onlyJob(t, jobs).ID, 3)
}

func TestSweepResumesAndPrunes(t *testing.T) {
	jobs := NewMemoryJobStore()
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, jobs.Create(ctx, JobRecord{ID: "01A", Key: "done", Status: StatusCompleted, Step: StepDone, UpdatedAt: old}))
	require.NoError(t, jobs.Create(ctx, JobRecord{ID: "01B", Key: "k", Status: StatusRunning, Step: StepWriteBack, Summary: "S", UpdatedAt: old}))

	applier := &recordingApplier{}
	r, _ := newTestRunner(llm.NewMockClient(), applier, jobs, WithStaleAfter(time.Minute), WithRetention(time.Hour))
	defer r.Close()

	r.sweep()
	r.Wait()

	assert.Equal(t, []string{"k=S"}, applier.Calls())
	rec := onlyJob(t, jobs)
	assert.Equal(t, "01B", rec.ID)
	assert.Equal(t, StatusCompleted, rec.Status)
}

func TestSchedule(t *testing.T) {
	r := NewRunner(nil, nil, NewMemoryJobStore())
	assert.Error(t, r.Schedule("not a schedule"))
	require.NoError(t, r.Schedule("@every 1h"))
	assert.Error(t, r.Schedule("@every 1h"))
	r.Close()
	assert.ErrorIs(t, r.Schedule("@every 1h"), ErrClosed)
}

func TestBuildSummaryPrompt(t *testing.T) {
	got := BuildSummaryPrompt(Params{
		History: []memory.Turn{
			{Role: llm.RoleUser, Content: "I prefer tabs"},
			{Role: llm.RoleAssistant, Content: "Noted"},
		},
		ExistingSummary: "Works on Go services.",
	})
	want := "Create a concise long-term memory summary for an AI chat agent.\n" +
		"Only include stable preferences, ongoing goals, and recurring context.\n" +
		"Do not include sensitive personal data.\n" +
		"Keep it under 1200 characters.\n" +
		"\n" +
		"Existing summary:\nWorks on Go services.\n\n" +
		"Recent conversation turns:\n" +
		"USER: I prefer tabs\n" +
		"ASSISTANT: Noted"
	assert.Equal(t, want, got)
}

func TestBuildSummaryPromptWindow(t *testing.T) {
	got := BuildSummaryPrompt(Params{History: history(40)})
	assert.NotContains(t, got, "turn-9\n")
	assert.Contains(t, got, "USER: turn-10\n")
	assert.Contains(t, got, "ASSISTANT: turn-39")
	assert.Contains(t, got, "Keep it under 1200 characters.\n\n\nRecent conversation turns:")
	assert.NotContains(t, got, "Existing summary")
}
