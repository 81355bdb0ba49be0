// Package httpapi is the orchestrator's HTTP surface: run submission
// (sync, async, SSE), task status, health and status probes, Prometheus
// metrics, and the advisory board endpoint.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	maestro "github.com/nevindra/maestro"
)

// Runner is the conductor subset the HTTP layer drives.
type Runner interface {
	Run(ctx context.Context, req maestro.RunRequest) (maestro.RunResult, error)
	RunAsync(ctx context.Context, req maestro.RunRequest) (string, error)
	Status(ctx context.Context, taskID string) (maestro.TaskStatusReport, error)
}

// Consulter is the advisory board call behind POST /api/board/consult.
type Consulter interface {
	Consult(ctx context.Context, goal, failures string) maestro.BoardDecision
}

// LatencyReporter supplies the rag_latency block of GET /status.
type LatencyReporter interface {
	Snapshot() maestro.LatencySnapshot
}

// HealthCheck probes one subsystem. A failing critical check makes the
// whole service unhealthy; a failing non-critical one only degrades it.
type HealthCheck struct {
	Name     string
	Critical bool
	Probe    func(ctx context.Context) error
}

// Server routes orchestrator HTTP traffic. Construct with NewServer and
// mount via Handler.
type Server struct {
	runner  Runner
	board   Consulter
	latency LatencyReporter
	checks  []HealthCheck

	version   string
	apiKey    string
	bodyLimit int64
	heartbeat time.Duration

	metrics http.Handler
	logger  *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithBoard enables POST /api/board/consult.
func WithBoard(b Consulter) Option {
	return func(s *Server) { s.board = b }
}

// WithLatencyReporter sets the source of the rag_latency status block.
func WithLatencyReporter(r LatencyReporter) Option {
	return func(s *Server) { s.latency = r }
}

// WithHealthChecks registers subsystem probes for GET /health.
func WithHealthChecks(checks ...HealthCheck) Option {
	return func(s *Server) { s.checks = append(s.checks, checks...) }
}

// WithVersion sets the version string reported by GET /status.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithAPIKey sets the key required in X-API-Key for board consults.
// Empty keeps the endpoint disabled.
func WithAPIKey(key string) Option {
	return func(s *Server) { s.apiKey = key }
}

// WithBodyLimit caps request body size in bytes. Default: 256KB.
func WithBodyLimit(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.bodyLimit = n
		}
	}
}

// WithStreamHeartbeat sets the SSE keepalive interval. Default: 15s.
func WithStreamHeartbeat(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// WithMetricsHandler overrides the GET /metrics handler. Default:
// promhttp over the default registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// NewServer creates the HTTP surface over the conductor.
func NewServer(runner Runner, opts ...Option) *Server {
	s := &Server{
		runner:    runner,
		version:   "dev",
		bodyLimit: 256 << 10,
		heartbeat: 15 * time.Second,
		metrics:   promhttp.Handler(),
		logger:    nopLogger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler wrapped in the middleware chain:
// panic recovery outermost, then correlation IDs, request logging, and
// body limits.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /run", s.handleRun)
	mux.HandleFunc("GET /run/status/{id}", s.handleRunStatus)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics)
	mux.HandleFunc("POST /api/board/consult", s.handleBoardConsult)

	var h http.Handler = mux
	h = s.limitBody(h)
	h = s.logRequests(h)
	h = s.withCorrelation(h)
	h = s.recoverPanics(h)
	return h
}

type ctxKey int

const correlationKey ctxKey = iota

// correlationFrom returns the request's correlation ID injected by the
// middleware chain.
func correlationFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey).(string)
	return id
}

// withCorrelation accepts the caller's X-Correlation-ID or mints one, and
// echoes it on the response.
func (s *Server) withCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Correlation-ID")
		if id == "" {
			id = maestro.NewCorrelationID()
		}
		w.Header().Set("X-Correlation-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationKey, id)))
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.code,
			"duration_ms", time.Since(start).Milliseconds(),
			"correlation_id", correlationFrom(r.Context()))
	})
}

func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				s.logger.Error("handler panic",
					"path", r.URL.Path,
					"panic", p,
					"stack", string(debug.Stack()))
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.bodyLimit)
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response code for the request log. Flush
// passes through so SSE streaming keeps working behind the wrapper.
type statusRecorder struct {
	http.ResponseWriter
	code  int
	wrote bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wrote {
		r.code = code
		r.wrote = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "marshal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs([]slog.Attr) slog.Handler        { return discardHandler{} }
func (discardHandler) WithGroup(string) slog.Handler             { return discardHandler{} }
