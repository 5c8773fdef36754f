// Package admin implements the appender's operational HTTP surface:
// liveness/readiness probes, force-flush, and aggregate buffer stats,
// behind a single bcrypt-hashed admin token instead of the session/role
// system this codebase's web console uses.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/coffersTech/nanolog/server/internal/config"
)

// Flusher is the subset of coordinator.Coordinator the admin surface drives.
type Flusher interface {
	ForceFlushAll(ctx context.Context, timeout time.Duration) error
	WorkerCount() int
}

// Readiness reports whether the Iceberg attach has completed.
type Readiness interface {
	Ready() bool
}

// Server is the admin HTTP surface: /health, /ready, /flush, /stats.
type Server struct {
	srv           *http.Server
	flusher       Flusher
	readiness     Readiness
	tokenHash     string
	flushTimeout  time.Duration
	logger        *zap.Logger
	running       func() bool
}

// New builds the admin server's handler tree. running reports whether the
// coordinator's poll loop is currently active, for /stats.
func New(cfg *config.Config, flusher Flusher, readiness Readiness, running func() bool, logger *zap.Logger) *Server {
	s := &Server{
		flusher:      flusher,
		readiness:    readiness,
		tokenHash:    cfg.AdminTokenHash,
		flushTimeout: 30 * time.Second,
		logger:       logger,
		running:      running,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.Handle("/flush", s.authMiddleware(http.HandlerFunc(s.handleFlush)))
	mux.Handle("/stats", s.authMiddleware(http.HandlerFunc(s.handleStats)))

	s.srv = &http.Server{Addr: cfg.AdminListenAddr, Handler: mux}
	return s
}

// ListenAndServe runs the admin server until Shutdown is called.
func (s *Server) ListenAndServe() error {
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the admin server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// authMiddleware requires a bearer token matching the configured admin
// token hash. If no hash is configured, the admin surface is open — meant
// for local/dev deployments behind a trusted network boundary.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.tokenHash == "" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="appender-admin"`)
			http.Error(w, "unauthorized: missing token", http.StatusUnauthorized)
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(s.tokenHash), []byte(token)); err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="appender-admin"`)
			http.Error(w, "unauthorized: invalid token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleHealth is a bare liveness probe: the process is up and serving.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// handleReady reports readiness as Iceberg attach success.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.readiness.Ready() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleFlush drives Coordinator.ForceFlushAll and reports success or
// partial failure.
func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.flushTimeout)
	defer cancel()

	if err := s.flusher.ForceFlushAll(ctx, s.flushTimeout); err != nil {
		s.logger.Warn("force flush reported failures", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleStats reports aggregate worker count and whether the coordinator
// is currently running.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"workers_assigned": s.flusher.WorkerCount(),
		"running":          s.running(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		s.logger.Warn("stats encode failed", zap.Error(err))
	}
}
