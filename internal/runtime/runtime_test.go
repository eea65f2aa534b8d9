package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/szaher/convmem/internal/compaction"
	"github.com/szaher/convmem/internal/config"
	"github.com/szaher/convmem/internal/events"
	"github.com/szaher/convmem/internal/llm"
	"github.com/szaher/convmem/internal/memory"
	"github.com/szaher/convmem/internal/store"
)

// summarizingClient answers chat turns with "ok" and summarize requests
// with a fixed summary.
func summarizingClient(summary string) llm.Client {
	return llm.ClientFunc(func(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		if len(req.Messages) > 0 && req.Messages[0].Content == compaction.SummarySystem {
			return &llm.ChatResponse{Content: summary}, nil
		}
		return &llm.ChatResponse{Content: "ok"}, nil
	})
}

func newTestRuntime(t *testing.T, client llm.Client, mutate func(*config.Config)) (*Runtime, *store.MemoryStore, *events.CollectorEmitter) {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Driver = store.DriverMemory
	cfg.Compaction.Backoff = time.Millisecond
	cfg.Compaction.MaxBackoff = time.Millisecond
	cfg.Compaction.ResumeSchedule = ""
	if mutate != nil {
		mutate(cfg)
	}

	st := store.NewMemoryStore()
	collector := &events.CollectorEmitter{}
	rt, err := New(context.Background(), cfg, Options{
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		LLMClient: client,
		Backend:   &store.Backend{State: st, Jobs: compaction.NewMemoryJobStore()},
		Emitter:   collector,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Shutdown(context.Background()) })
	return rt, st, collector
}

func TestCompactionEndToEnd(t *testing.T) {
	rt, st, collector := newTestRuntime(t, summarizingClient("User likes Go."), nil)
	h := rt.Server().Handler()

	for i := 0; i < 12; i++ {
		rec := do(t, h, http.MethodPost, "/chat",
			fmt.Sprintf(`{"messages":[{"role":"user","content":"turn %d"}]}`, i),
			map[string]string{"X-User-Id": "dana"})
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rt.Runner().Wait()

	got, ok, err := st.Get(context.Background(), "dana")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "User likes Go.", got.Summary)
	assert.LessOrEqual(t, len(got.History), memory.CompactedHistory)

	jobs, err := rt.Runner().Jobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, compaction.StatusCompleted, jobs[0].Status)
	assert.Len(t, jobs[0].Params.History, memory.CompactionThreshold)
	assert.Contains(t, collector.Types(), events.JobCompleted)
}

func TestReload(t *testing.T) {
	level := new(slog.LevelVar)
	cfg := config.Default()
	cfg.Store.Driver = store.DriverMemory
	cfg.Compaction.ResumeSchedule = ""
	rt, err := New(context.Background(), cfg, Options{
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Level:     level,
		LLMClient: llm.NewMockClient(llm.MockResponse{Content: "ok"}),
	})
	require.NoError(t, err)
	defer rt.Shutdown(context.Background())

	next := config.Default()
	next.LogLevel = "debug"
	next.Compaction.When = "history_len >= 4"
	require.NoError(t, rt.Reload(next))
	assert.Equal(t, slog.LevelDebug, level.Level())
	assert.Equal(t, "history_len >= 4", rt.Conversations().Policy().String())

	next.Compaction.When = "nonsense +"
	assert.Error(t, rt.Reload(next))
	assert.Equal(t, "history_len >= 4", rt.Conversations().Policy().String())
}

func TestStartBackgroundResumes(t *testing.T) {
	jobs := compaction.NewMemoryJobStore()
	ctx := context.Background()
	require.NoError(t, jobs.Create(ctx, compaction.JobRecord{
		ID: "01A", Key: "erin", Step: compaction.StepWriteBack, Summary: "resumed",
		Status: compaction.StatusRunning, UpdatedAt: time.Now().Add(-time.Hour),
	}))

	cfg := config.Default()
	cfg.Compaction.ResumeSchedule = "@every 1h"
	st := store.NewMemoryStore()
	rt, err := New(ctx, cfg, Options{
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		LLMClient: llm.NewMockClient(),
		Backend:   &store.Backend{State: st, Jobs: jobs},
	})
	require.NoError(t, err)
	defer rt.Shutdown(ctx)

	require.NoError(t, rt.StartBackground(ctx))
	rt.Runner().Wait()

	got, _, _ := st.Get(ctx, "erin")
	assert.Equal(t, "resumed", got.Summary)
}

func TestNewRejectsBadPolicy(t *testing.T) {
	cfg := config.Default()
	cfg.Compaction.When = "history_len"
	_, err := New(context.Background(), cfg, Options{LLMClient: llm.NewMockClient()})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "compaction policy"))
}
