// Package server is the control plane: session lifecycle over HTTP, the
// signaling WebSocket and the detached video endpoints.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pagecast/pagecast/internal/config"
	"github.com/pagecast/pagecast/internal/logging"
	"github.com/pagecast/pagecast/internal/session"
	"github.com/pagecast/pagecast/internal/signaling"
	"github.com/pagecast/pagecast/internal/transport"
	"github.com/pagecast/pagecast/internal/videocache"
)

// Server wires the HTTP surface over the pool, registry and video cache.
type Server struct {
	cfg      *config.Config
	version  string
	pool     *session.Pool
	registry *transport.Registry
	videos   *videocache.Cache
	log      *slog.Logger

	http      *http.Server
	startedAt time.Time
}

// New builds the router and the underlying http.Server.
func New(cfg *config.Config, version string, pool *session.Pool, registry *transport.Registry, videos *videocache.Cache) *Server {
	s := &Server{
		cfg:       cfg,
		version:   version,
		pool:      pool,
		registry:  registry,
		videos:    videos,
		log:       logging.L("server"),
		startedAt: time.Now(),
	}

	connector := &peerConnector{cfg: cfg, pool: pool, registry: registry}
	sig := signaling.NewHandler(connector, s.originAllowed)

	r := chi.NewRouter()
	r.Use(s.recoverer)
	r.Use(s.requestLogger)
	r.Use(s.cors)

	r.Get("/health", s.handleHealth)
	r.Get("/api/info", s.handleInfo)

	r.Post("/api/session/create", s.handleSessionCreate)
	r.Post("/api/session/{id}/load", s.handleSessionLoad)
	r.Delete("/api/session/{id}", s.handleSessionDelete)
	r.Get("/api/sessions", s.handleSessions)

	r.Get("/ws/signaling", sig.ServeHTTP)

	r.Route("/api/video", func(r chi.Router) {
		r.Get("/", s.handleVideoList)
		r.Post("/{id}/prepare", s.handleVideoPrepare)
		r.Get("/{id}/status", s.handleVideoStatus)
		r.Get("/{id}/info", s.handleVideoInfo)
		r.Get("/{id}/stream", s.handleVideoStream)
	})

	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	s.log.Info("control plane listening", "addr", s.cfg.ListenAddr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("handler panic", "panic", rec, "path", r.URL.Path)
				writeError(w, http.StatusInternalServerError, kindInternal, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			logging.KeyDurationMs, time.Since(start).Milliseconds(),
		)
	})
}

// cors applies the configured origin policy and answers preflights.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originValueAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return s.originValueAllowed(origin)
}

func (s *Server) originValueAllowed(origin string) bool {
	for _, allowed := range s.cfg.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
