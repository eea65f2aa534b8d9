// Package conversation implements the per-conversation actor: one logical
// state machine per key, with every operation on a key running to
// completion before the next one starts.
package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/szaher/convmem/internal/compaction"
	"github.com/szaher/convmem/internal/llm"
	"github.com/szaher/convmem/internal/memory"
	"github.com/szaher/convmem/internal/prompt"
	"github.com/szaher/convmem/internal/telemetry"
)

// Fixed replies.
const (
	StartMessage  = "Send a message to start."
	FallbackReply = "I could not generate a response."
)

// Sampling parameters for chat turns.
const (
	ChatTemperature = 0.3
	ChatMaxTokens   = 700
)

// Submitter dispatches a compaction job without waiting for it. The returned
// channel yields the submission outcome; callers on the chat path drop it.
type Submitter interface {
	Submit(ctx context.Context, p compaction.Params) <-chan error
}

// Manager is the registry of conversation actors.
type Manager struct {
	store     memory.Store
	client    llm.Client
	model     string
	submitter Submitter
	policy    atomic.Pointer[Policy]
	logger    *slog.Logger
	metrics   *telemetry.Metrics

	mu     sync.Mutex
	actors map[string]*actor
}

// actor serializes operations for one key. Waiters queue in arrival order
// and the holder hands the key directly to the head of the queue.
type actor struct {
	busy    bool
	waiters []chan struct{}
	refs    int
}

// Option configures a Manager.
type Option func(*Manager)

// WithModel sets the model identifier passed to the inference client.
func WithModel(model string) Option {
	return func(m *Manager) { m.model = model }
}

// WithSubmitter sets the background job submitter. Without one, compaction
// is never triggered.
func WithSubmitter(s Submitter) Option {
	return func(m *Manager) { m.submitter = s }
}

// WithPolicy sets the compaction trigger policy.
func WithPolicy(p *Policy) Option {
	return func(m *Manager) { m.policy.Store(p) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// NewManager creates a conversation manager over store and client.
func NewManager(store memory.Store, client llm.Client, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		client: client,
		logger: slog.Default(),
		actors: make(map[string]*actor),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.policy.Load() == nil {
		m.policy.Store(MustPolicy(DefaultPolicy))
	}
	return m
}

// SetPolicy swaps the compaction policy. Turns already in flight keep the
// policy they loaded.
func (m *Manager) SetPolicy(p *Policy) {
	m.policy.Store(p)
}

// Policy returns the current compaction policy.
func (m *Manager) Policy() *Policy {
	return m.policy.Load()
}

// acquire blocks until the caller holds exclusive access to key. Callers
// are granted the key in the order they arrive.
func (m *Manager) acquire(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	a, ok := m.actors[key]
	if !ok {
		a = &actor{}
		m.actors[key] = a
	}
	a.refs++
	if !a.busy {
		a.busy = true
		m.mu.Unlock()
		return m.releaser(key, a), nil
	}
	ready := make(chan struct{})
	a.waiters = append(a.waiters, ready)
	m.mu.Unlock()

	select {
	case <-ready:
		return m.releaser(key, a), nil
	case <-ctx.Done():
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-ready:
		// Granted while giving up; pass it on.
		m.handoff(a)
	default:
		for i, w := range a.waiters {
			if w == ready {
				a.waiters = append(a.waiters[:i], a.waiters[i+1:]...)
				break
			}
		}
	}
	m.unref(key, a)
	return nil, ctx.Err()
}

func (m *Manager) releaser(key string, a *actor) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.handoff(a)
			m.unref(key, a)
		})
	}
}

// handoff passes the key to the next waiter. m.mu must be held.
func (m *Manager) handoff(a *actor) {
	if len(a.waiters) == 0 {
		a.busy = false
		return
	}
	next := a.waiters[0]
	a.waiters = a.waiters[1:]
	close(next)
}

// unref drops a reference to a. m.mu must be held.
func (m *Manager) unref(key string, a *actor) {
	a.refs--
	if a.refs == 0 {
		delete(m.actors, key)
	}
}

// ActiveKeys reports how many keys currently have an operation running or
// queued.
func (m *Manager) ActiveKeys() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.actors)
}

// DecodeMessages parses a chat payload. It must be a JSON array of objects
// whose role and content fields, when present, are strings.
func DecodeMessages(raw json.RawMessage) ([]memory.Turn, error) {
	trimmed := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(trimmed, "[") {
		return nil, fmt.Errorf("%w: messages must be an array", ErrInvalidInput)
	}
	var turns []memory.Turn
	if err := json.Unmarshal([]byte(trimmed), &turns); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return turns, nil
}

// LastUserText returns the trimmed content of the most recent user entry.
// It returns "" when there is none or when that entry is blank.
func LastUserText(messages []memory.Turn) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llm.RoleUser {
			return strings.TrimSpace(messages[i].Content)
		}
	}
	return ""
}

// HandleMessage records one chat turn for key from a raw messages payload
// and returns the assistant reply.
func (m *Manager) HandleMessage(ctx context.Context, key string, raw json.RawMessage) (string, error) {
	messages, err := DecodeMessages(raw)
	if err != nil {
		m.metrics.RecordTurn("invalid_input", 0)
		return "", err
	}
	return m.HandleTurns(ctx, key, messages)
}

// HandleTurns is HandleMessage for already decoded messages.
func (m *Manager) HandleTurns(ctx context.Context, key string, messages []memory.Turn) (string, error) {
	release, err := m.acquire(ctx, key)
	if err != nil {
		return "", err
	}
	defer release()

	logger := telemetry.ConversationLogger(m.logger, ctx, key)

	state, err := m.load(ctx, key)
	if err != nil {
		logger.Error("load conversation failed", "error", err)
		m.metrics.RecordTurn("error", 0)
		return "", err
	}

	userText := LastUserText(messages)
	if userText == "" {
		m.metrics.RecordTurn("no_user_turn", 0)
		return StartMessage, nil
	}

	state.History = append(state.History, memory.Turn{Role: llm.RoleUser, Content: userText})

	reply, degraded := m.infer(ctx, logger, prompt.Build(state, userText))
	if err := ctx.Err(); err != nil {
		logger.Info("turn abandoned before it was recorded", "error", err)
		m.metrics.RecordTurn("canceled", 0)
		return "", err
	}

	state.History = append(state.History, memory.Turn{Role: llm.RoleAssistant, Content: reply})
	state.History = memory.Tail(state.History, memory.MaxHistory)

	if err := m.store.Put(ctx, key, state); err != nil {
		logger.Error("persist conversation failed", "error", err)
		m.metrics.RecordTurn("error", 0)
		return "", fmt.Errorf("persist conversation %q: %w", key, err)
	}

	outcome := "reply"
	if degraded {
		outcome = "fallback"
	}
	m.metrics.RecordTurn(outcome, len(state.History))

	m.maybeCompact(ctx, logger, key, state)

	return reply, nil
}

func (m *Manager) infer(ctx context.Context, logger *slog.Logger, messages []llm.Message) (string, bool) {
	start := time.Now()
	resp, err := m.client.Chat(ctx, llm.ChatRequest{
		Model:       m.model,
		Messages:    messages,
		MaxTokens:   ChatMaxTokens,
		Temperature: llm.Float(ChatTemperature),
	})
	if err != nil && ctx.Err() != nil {
		m.metrics.RecordInference("chat", "canceled", time.Since(start), 0, 0)
		return "", true
	}
	if err != nil {
		m.metrics.RecordInference("chat", "error", time.Since(start), 0, 0)
		logger.Warn("inference failed, using fallback reply", "error", err)
		return FallbackReply, true
	}
	m.metrics.RecordInference("chat", "ok", time.Since(start), resp.Usage.InputTokens, resp.Usage.OutputTokens)
	if strings.TrimSpace(resp.Content) == "" {
		logger.Warn("inference returned no text, using fallback reply")
		return FallbackReply, true
	}
	return resp.Content, false
}

// maybeCompact submits a compaction job when the policy asks for one. The
// submission is best effort: its future is dropped and it never changes the
// reply.
func (m *Manager) maybeCompact(ctx context.Context, logger *slog.Logger, key string, state memory.State) {
	if m.submitter == nil {
		return
	}
	ok, err := m.policy.Load().ShouldCompact(state)
	if err != nil {
		logger.Warn("compaction policy evaluation failed", "error", err)
		return
	}
	if !ok {
		return
	}
	snapshot := state.Clone()
	_ = m.submitter.Submit(context.WithoutCancel(ctx), compaction.Params{
		Key:             key,
		History:         snapshot.History,
		ExistingSummary: snapshot.Summary,
	})
}

// ApplySummary replaces the summary for key, truncated to
// memory.MaxSummaryChars, and sheds all but the most recent
// memory.CompactedHistory turns. Applying the same summary twice with no
// chat turn in between leaves state unchanged.
func (m *Manager) ApplySummary(ctx context.Context, key, summary string) error {
	release, err := m.acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()

	state, err := m.load(ctx, key)
	if err != nil {
		return err
	}

	state.Summary = memory.TruncateChars(summary, memory.MaxSummaryChars)
	state.History = memory.Tail(state.History, memory.CompactedHistory)

	if err := m.store.Put(ctx, key, state); err != nil {
		return fmt.Errorf("persist conversation %q: %w", key, err)
	}
	m.metrics.RecordSummaryWrite()
	telemetry.ConversationLogger(m.logger, ctx, key).Info("summary applied",
		"summary_chars", len([]rune(state.Summary)),
		"history_len", len(state.History),
	)
	return nil
}

// State returns the persisted state for key, serialized with the key's
// other operations.
func (m *Manager) State(ctx context.Context, key string) (memory.State, error) {
	release, err := m.acquire(ctx, key)
	if err != nil {
		return memory.State{}, err
	}
	defer release()
	return m.load(ctx, key)
}

func (m *Manager) load(ctx context.Context, key string) (memory.State, error) {
	state, ok, err := m.store.Get(ctx, key)
	if err != nil {
		return memory.State{}, fmt.Errorf("load conversation %q: %w", key, err)
	}
	if !ok {
		return memory.State{}, nil
	}
	return state, nil
}
