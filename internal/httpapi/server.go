// Package httpapi serves the resolvers over JSON HTTP and the live registry
// over websockets.
package httpapi

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/ripkitten-co/parley"
	"github.com/ripkitten-co/parley/internal/codecs"
	"github.com/ripkitten-co/parley/internal/metrics"
	"github.com/ripkitten-co/parley/request"
	"github.com/ripkitten-co/parley/resolvers"
)

const maxBody = 1 << 20

// Pinger reports backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	builder  *request.Builder
	resolver *resolvers.Resolver
	codec    codecs.Codec
	logger   *slog.Logger
	metrics  *metrics.Metrics
	health   Pinger
	limiter  *limiterPool
	origins  map[string]bool
	upgrader websocket.Upgrader

	pingInterval time.Duration
	writeTimeout time.Duration
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

func WithHealth(p Pinger) Option {
	return func(s *Server) { s.health = p }
}

// WithRateLimit limits each principal to rps requests per second.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		if rps > 0 {
			s.limiter = newLimiterPool(rps, burst)
		}
	}
}

// WithAllowedOrigins restricts websocket origins. Empty allows same-host only.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) {
		for _, o := range origins {
			s.origins[o] = true
		}
	}
}

func WithPingInterval(d time.Duration) Option {
	return func(s *Server) { s.pingInterval = d }
}

func New(b *request.Builder, r *resolvers.Resolver, opts ...Option) *Server {
	s := &Server{
		builder:      b,
		resolver:     r,
		codec:        codecs.NewJSONIter(),
		logger:       slog.Default(),
		origins:      make(map[string]bool),
		pingInterval: 30 * time.Second,
		writeTimeout: 10 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
	}
	if len(s.origins) > 0 {
		s.upgrader.CheckOrigin = func(r *http.Request) bool {
			return s.origins[r.Header.Get("Origin")]
		}
	}
	return s
}

// Close releases background resources. Live connections are closed by the
// registry.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Stop()
	}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Handle("/meetings/query", s.route("meetings.query", s.queryMeetings)).Methods(http.MethodPost)
	v1.Handle("/meetings/status", s.route("meetings.status", s.updateStatus)).Methods(http.MethodPost)
	v1.Handle("/meetings/title", s.route("meetings.title", s.renameMeeting)).Methods(http.MethodPost)
	v1.Handle("/meetings/{id}", s.route("meetings.get", s.getMeeting)).Methods(http.MethodGet)
	v1.Handle("/organizations/{id}/meetings", s.route("organizations.meetings", s.organizationMeetings)).Methods(http.MethodGet)
	v1.Handle("/subscribe", s.route("subscribe", s.subscribe)).Methods(http.MethodGet)
	return r
}

type handlerFunc func(w http.ResponseWriter, r *http.Request) error

// route authenticates, rate limits and maps errors for one endpoint.
func (s *Server) route(name string, h handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := s.serve(w, r, h)
		code := http.StatusOK
		if err != nil {
			code = s.writeError(w, r, err)
		}
		if s.metrics != nil {
			s.metrics.Request(name, code)
		}
	})
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request, h handlerFunc) error {
	rc, err := s.builder.Build(r.Context(), r)
	if err != nil {
		return err
	}
	if s.limiter != nil && !s.limiter.Allow(rc.Principal.UserID) {
		return fmt.Errorf("principal %s: %w", rc.Principal.UserID, errRateLimited)
	}
	return h(w, r.WithContext(request.WithContext(r.Context(), rc)))
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) int {
	code, kind := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "internal error"
	}
	s.writeJSON(w, code, errorBody{Error: msg, Code: kind})
	return code
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := s.codec.Marshal(v)
	if err != nil {
		s.logger.Error("encode response", "error", err)
		http.Error(w, `{"error":"internal error","code":"internal"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(b)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read body: %w: %v", parley.ErrInvalidInput, err)
	}
	return b, nil
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			s.logger.Warn("health check failed", "error", err)
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
