// Package web serves the control API, metrics and a playback bridge for the
// active stream session.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/christian-lee/radiotap/internal/history"
	"github.com/christian-lee/radiotap/internal/loader"
	"github.com/christian-lee/radiotap/internal/logging"
	"github.com/christian-lee/radiotap/internal/matchlog"
	"github.com/christian-lee/radiotap/internal/metrics"
	"github.com/christian-lee/radiotap/internal/session"
)

const shutdownTimeout = 10 * time.Second

// Sessions is the stream session controller.
type Sessions interface {
	Start(streamURL string) error
	Stop() error
	Status() (session.Status, error)
	Loader() (*loader.Loader, error)
}

// History lists surfaced matches.
type History interface {
	Recent(ctx context.Context, limit int) ([]history.Detection, error)
}

// Options configures a Server.
type Options struct {
	Sessions Sessions
	History  History          // optional
	Metrics  *metrics.Metrics // optional
	Logger   *slog.Logger     // request log, default slog.Default()
	LogDir   string           // match log directory listed by /api/logs
	ReadSize int              // bytes per playback read
	Username string
	// PasswordHash is a bcrypt hash. Auth is off unless both are set.
	PasswordHash string
}

// Server serves the control panel, API and stream bridge.
type Server struct {
	opts      Options
	listening atomic.Bool

	mu           sync.RWMutex
	username     string
	passwordHash string
}

func NewServer(opts Options) *Server {
	if opts.ReadSize <= 0 {
		opts.ReadSize = 16 * 1024
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		opts:         opts,
		username:     opts.Username,
		passwordHash: opts.PasswordHash,
	}
}

// UpdateAuth updates credentials (hot reload).
func (s *Server) UpdateAuth(username, passwordHash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.username == username && s.passwordHash == passwordHash {
		return
	}
	s.username = username
	s.passwordHash = passwordHash
	slog.Info("auth credentials updated", "enabled", username != "" && passwordHash != "")
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(logging.RequestLogger(s.opts.Logger))
	if s.opts.Metrics != nil {
		r.Use(metrics.RequestMiddleware(s.opts.Metrics))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	if s.opts.Metrics != nil {
		r.Handle("/metrics", s.opts.Metrics.Handler(s.refreshGauges))
	}

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/", s.handleIndex)
		r.Get("/stream", s.handleStream)
		r.Route("/api", func(r chi.Router) {
			r.Get("/session", s.handleStatus)
			r.Post("/session", s.handleStart)
			r.Delete("/session", s.handleStop)
			r.Get("/matches", s.handleMatches)
			r.Get("/logs", s.handleLogs)
		})
	})
	return r
}

// ListenAndServe serves on addr until ctx is done, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	slog.Info("web server started", "addr", addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("web server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("web shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("web server: %w", err)
	}
	slog.Info("web server stopped")
	return nil
}

func (s *Server) refreshGauges() {
	active := 0
	pending := 0
	if st, err := s.opts.Sessions.Status(); err == nil {
		if st.State == session.Active.String() {
			active = 1
		}
		pending = st.PendingLoads
	}
	s.opts.Metrics.SetActiveSessions(active)
	s.opts.Metrics.SetPendingLoads(pending)
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.RLock()
		username, hash := s.username, s.passwordHash
		s.mu.RUnlock()
		if username == "" || hash == "" {
			next.ServeHTTP(w, r)
			return
		}

		user, pass, ok := r.BasicAuth()
		if ok && subtle.ConstantTimeCompare([]byte(user), []byte(username)) == 1 &&
			bcrypt.CompareHashAndPassword([]byte(hash), []byte(pass)) == nil {
			next.ServeHTTP(w, r)
			return
		}
		slog.Warn("unauthorized request", "path", r.URL.Path, "ip", r.RemoteAddr)
		w.Header().Set("WWW-Authenticate", `Basic realm="radiotap"`)
		writeError(w, http.StatusUnauthorized, "unauthorized")
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.opts.Sessions.Status()
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type startRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var body startRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := s.opts.Sessions.Start(body.URL); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	slog.Info("session start requested via web", "url", body.URL, "ip", r.RemoteAddr)
	s.handleStatus(w, r)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Sessions.Stop(); err != nil {
		if errors.Is(err, session.ErrNoSession) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	slog.Info("session stopped via web", "ip", r.RemoteAddr)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMatches(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	if s.opts.History == nil {
		writeJSON(w, http.StatusOK, []history.Detection{})
		return
	}
	recent, err := s.opts.History.Recent(r.Context(), limit)
	if err != nil {
		slog.Error("list matches failed", "err", err)
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	if recent == nil {
		recent = []history.Detection{}
	}
	writeJSON(w, http.StatusOK, recent)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	files, err := matchlog.ListFiles(s.opts.LogDir)
	if err != nil {
		slog.Error("list match logs failed", "err", err)
		writeError(w, http.StatusInternalServerError, "logs unavailable")
		return
	}
	if files == nil {
		files = []matchlog.FileInfo{}
	}
	writeJSON(w, http.StatusOK, files)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, indexHTML)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
