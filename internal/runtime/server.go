package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/szaher/convmem/internal/auth"
	"github.com/szaher/convmem/internal/compaction"
	"github.com/szaher/convmem/internal/conversation"
	"github.com/szaher/convmem/internal/memory"
	"github.com/szaher/convmem/internal/telemetry"
)

// DefaultUserKey is the conversation key used when a request carries no
// X-User-Id header.
const DefaultUserKey = "demo-user"

const maxBodyBytes = 1 << 20

// Conversations is the conversation surface served over HTTP.
type Conversations interface {
	HandleMessage(ctx context.Context, key string, raw json.RawMessage) (string, error)
	ApplySummary(ctx context.Context, key, summary string) error
	State(ctx context.Context, key string) (memory.State, error)
}

// JobLister lists compaction jobs.
type JobLister interface {
	Jobs(ctx context.Context) ([]compaction.JobRecord, error)
}

// Server is the HTTP transport for conversations.
type Server struct {
	conversations Conversations
	jobs          JobLister
	metrics       *telemetry.Metrics
	mux           *http.ServeMux
	server        *http.Server
	logger        *slog.Logger
	apiKey        string
	corsOrigins   []string
	limiter       *auth.RateLimiter
}

// ServerOption configures the Server.
type ServerOption func(*Server)

// WithAPIKey requires X-API-Key or a bearer token on every route except
// the health check.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) { s.apiKey = key }
}

// WithRateLimit limits requests per client IP. Failed authentication
// attempts are tracked against the same limiter.
func WithRateLimit(cfg auth.RateLimitConfig) ServerOption {
	return func(s *Server) { s.limiter = auth.NewRateLimiter(cfg) }
}

// WithCORSOrigins sets the allowed origins. "*" allows any origin.
func WithCORSOrigins(origins []string) ServerOption {
	return func(s *Server) { s.corsOrigins = origins }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics exposes metrics on GET /metrics.
func WithMetrics(m *telemetry.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithJobs exposes compaction jobs on GET /compaction/jobs.
func WithJobs(jobs JobLister) ServerOption {
	return func(s *Server) { s.jobs = jobs }
}

// NewServer creates the HTTP server.
func NewServer(conversations Conversations, opts ...ServerOption) *Server {
	s := &Server{
		conversations: conversations,
		logger:        slog.Default(),
		corsOrigins:   []string{"*"},
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("GET /conversations/{key}", s.handleGetConversation)
	mux.HandleFunc("POST /conversations/{key}/summary", s.handleUpdateSummary)
	if s.jobs != nil {
		mux.HandleFunc("GET /compaction/jobs", s.handleListJobs)
	}
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	s.mux = mux
	return s
}

// Handler returns the HTTP handler for use with httptest or custom servers.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = auth.Middleware(s.apiKey, []string{"/healthz"}, s.limiter)(h)
	if s.limiter != nil {
		h = s.limiter.Middleware(auth.ClientIP)(h)
	}
	return s.corsMiddleware(s.requestMiddleware(h))
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("http server starting", "addr", addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := s.allowedOrigin(r.Header.Get("Origin")); origin != "" {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-User-Id")
			if origin != "*" {
				h.Add("Vary", "Origin")
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowedOrigin(origin string) string {
	for _, o := range s.corsOrigins {
		if o == "*" {
			return "*"
		}
		if origin != "" && strings.EqualFold(o, origin) {
			return origin
		}
	}
	return ""
}

// requestMiddleware attaches a correlation ID, taken from X-Request-Id when
// present, and logs each request.
func (s *Server) requestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := telemetry.WithCorrelationID(r.Context(), r.Header.Get("X-Request-Id"))
		id := telemetry.CorrelationID(ctx)
		w.Header().Set("X-Request-Id", id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"correlation_id", id,
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("X-User-Id")
	if key == "" {
		key = DefaultUserKey
	}

	var raw json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	// A body that is valid JSON but not an object simply has no messages.
	var body struct {
		Messages json.RawMessage `json:"messages"`
	}
	_ = json.Unmarshal(raw, &body)

	reply, err := s.conversations.HandleMessage(r.Context(), key, body.Messages)
	switch {
	case errors.Is(err, conversation.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "`messages` must be an array")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		telemetry.ConversationLogger(s.logger, r.Context(), key).Info("chat abandoned", "error", err)
		writeError(w, http.StatusServiceUnavailable, "Request canceled")
	case err != nil:
		telemetry.ConversationLogger(s.logger, r.Context(), key).Error("chat failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal error")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"message": reply})
	}
}

func (s *Server) handleUpdateSummary(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	var body struct {
		Summary json.RawMessage `json:"summary"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	// A missing or non-string summary is ignored.
	var summary string
	if len(body.Summary) > 0 && body.Summary[0] == '"' && json.Unmarshal(body.Summary, &summary) == nil {
		if err := s.conversations.ApplySummary(r.Context(), key, summary); err != nil {
			telemetry.ConversationLogger(s.logger, r.Context(), key).Error("apply summary failed", "error", err)
			writeError(w, http.StatusInternalServerError, "Internal error")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	st, err := s.conversations.State(r.Context(), key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	if st.History == nil {
		st.History = []memory.Turn{}
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.jobs.Jobs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	key := r.URL.Query().Get("key")
	out := make([]compaction.JobRecord, 0, len(jobs))
	for _, j := range jobs {
		if key == "" || j.Key == key {
			out = append(out, j)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": out})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
