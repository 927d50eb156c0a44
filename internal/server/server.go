package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yansir/kiro-relay/internal/auth"
	"github.com/yansir/kiro-relay/internal/config"
	"github.com/yansir/kiro-relay/internal/credential"
	"github.com/yansir/kiro-relay/internal/events"
	"github.com/yansir/kiro-relay/internal/ratelimit"
	"github.com/yansir/kiro-relay/internal/store"
	"github.com/yansir/kiro-relay/internal/transport"
	"github.com/yansir/kiro-relay/internal/upstream"
)

// Server is the main HTTP server: it wires the credential pool, the
// upstream call engine, and the admin surface over a single mux.
type Server struct {
	cfg            *config.Config
	store          store.Store
	pool           *credential.Pool
	refresher      *credential.Refresher
	background     *credential.BackgroundRefresher
	affinity       *credential.AffinityTracker
	authMw         *auth.Middleware
	rateLimit      *ratelimit.Limiter
	upstreamEngine *upstream.Engine
	transportMgr   *transport.Manager
	bus            *events.Bus
	logHandler     *events.LogHandler
	httpServer     *http.Server
	version        string
	startTime      time.Time
}

func New(cfg *config.Config, s store.Store, crypto *credential.Crypto, tm *transport.Manager, bus *events.Bus, lh *events.LogHandler, version string) *Server {
	pool := credential.NewPool(s, crypto, cfg)
	refreshClient := &http.Client{Timeout: cfg.RequestTimeout}
	refresher := credential.NewRefresher(pool, cfg, s, refreshClient)
	background := credential.NewBackgroundRefresher(pool, refresher, cfg)
	affinity := credential.NewAffinityTracker(cfg.UserAffinityTTL)
	rl := ratelimit.New(s, cfg)
	engine := upstream.NewEngine(pool, refresher, rl, tm, cfg, bus)
	authMw := auth.NewMiddleware(cfg.APIKey, cfg.AdminKey)

	srv := &Server{
		cfg:            cfg,
		store:          s,
		pool:           pool,
		refresher:      refresher,
		background:     background,
		affinity:       affinity,
		authMw:         authMw,
		rateLimit:      rl,
		upstreamEngine: engine,
		transportMgr:   tm,
		bus:            bus,
		logHandler:     lh,
		version:        version,
		startTime:      time.Now(),
	}

	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	srv.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:        requestLogger(mux),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   cfg.RequestTimeout + 30*time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	return srv
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	authed := s.authMw.Authenticate
	admin := s.authMw.RequireAdmin

	// Public relay surface (client API key)
	mux.Handle("POST /v1/messages", authed(http.HandlerFunc(s.handleMessages)))
	mux.Handle("POST /v1/messages/count_tokens", authed(http.HandlerFunc(s.handleCountTokens)))
	mux.Handle("GET /v1/models", authed(http.HandlerFunc(s.handleModels)))

	// Admin: credential pool CRUD
	mux.Handle("GET /admin/credentials", admin(http.HandlerFunc(s.handleListCredentials)))
	mux.Handle("POST /admin/credentials", admin(http.HandlerFunc(s.handleCreateCredential)))
	mux.Handle("GET /admin/credentials/{id}", admin(http.HandlerFunc(s.handleGetCredential)))
	mux.Handle("DELETE /admin/credentials/{id}", admin(http.HandlerFunc(s.handleDeleteCredential)))
	mux.Handle("POST /admin/credentials/{id}/disable", admin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.handleSetDisabled(w, r, true)
	})))
	mux.Handle("POST /admin/credentials/{id}/enable", admin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.handleSetDisabled(w, r, false)
	})))
	mux.Handle("POST /admin/credentials/{id}/priority", admin(http.HandlerFunc(s.handlePriority)))
	mux.Handle("POST /admin/credentials/{id}/refresh", admin(http.HandlerFunc(s.handleForceRefresh)))
	mux.Handle("GET /admin/credentials/{id}/balance", admin(http.HandlerFunc(s.handleGetBalance)))
	mux.Handle("POST /admin/credentials/{id}/balance/refresh", admin(http.HandlerFunc(s.handleRefreshBalance)))
	mux.Handle("POST /admin/credentials/import", admin(http.HandlerFunc(s.handleImport)))

	// Admin: operational visibility
	mux.Handle("GET /admin/dashboard", admin(http.HandlerFunc(s.handleDashboard)))
	mux.Handle("GET /admin/requests", admin(http.HandlerFunc(s.handleRequestLog)))
	mux.Handle("GET /admin/events", admin(http.HandlerFunc(s.handleEvents)))
	mux.Handle("GET /admin/health", admin(http.HandlerFunc(s.handleHealth)))

	// Unauthenticated liveness probe
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if err := s.store.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"error","store":"%s"}`, jsonEscape(err.Error()))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
}

// Run starts the server and blocks until shutdown.
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.background.Run(ctx)
	go s.rateLimit.RunCleanup(ctx, 5*time.Minute)
	go s.transportMgr.RunCleanup(ctx)
	go s.runAffinityCleanup(ctx)
	go s.runLogPurge(ctx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

// runLogPurge deletes request_log entries older than 30 days every 6 hours.
func (s *Server) runLogPurge(ctx context.Context) {
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			before := time.Now().Add(-30 * 24 * time.Hour)
			n, err := s.store.PurgeOldLogs(ctx, before)
			if err != nil {
				slog.Error("purge old logs failed", "error", err)
			} else if n > 0 {
				slog.Info("purged old request logs", "count", n)
			}
		}
	}
}

// runAffinityCleanup evicts expired user-to-credential bindings.
func (s *Server) runAffinityCleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.affinity.Cleanup()
		}
	}
}
