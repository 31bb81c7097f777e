// Package server exposes the flow engine over HTTP: run control, status,
// flow import, the UI data document, and an SSE stream of progress events.
package server

import (
	"context"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowfile/flowfile/internal/flow/cache"
	"github.com/flowfile/flowfile/internal/flow/engine"
	"github.com/flowfile/flowfile/internal/worker"
)

// Config holds server configuration.
type Config struct {
	Addr      string // listen address, e.g. ":8080"
	CacheDir  string
	WorkerURL string // empty disables remote dispatch

	// Kernels is optional; python script nodes fail without it.
	Kernels engine.KernelExecutor
}

// Server is the HTTP frontend over a flow registry.
type Server struct {
	config   Config
	registry *FlowRegistry
	metrics  *prometheus.Registry
	baseCtx  context.Context
	cancel   context.CancelFunc
	httpSrv  *http.Server
	logger   *log.Logger
}

// New creates a Server, its cache store, and its metrics registry.
func New(cfg Config) (*Server, error) {
	logger := log.New(os.Stderr, "[flowfile] ", log.LstdFlags)

	store, err := cache.NewStore(cfg.CacheDir, logger)
	if err != nil {
		return nil, err
	}
	reg := prometheus.NewRegistry()
	opts := engine.Options{
		Store:   store,
		Logger:  logger,
		Metrics: engine.NewMetrics(reg),
		Kernels: cfg.Kernels,
	}
	if cfg.WorkerURL != "" {
		opts.Remote = worker.NewClient(cfg.WorkerURL, logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:   cfg,
		registry: NewFlowRegistry(opts, logger),
		metrics:  reg,
		baseCtx:  ctx,
		cancel:   cancel,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /flow/run/", s.handleRunFlow)
	mux.HandleFunc("GET /flow/run_status/", s.handleRunStatus)
	mux.HandleFunc("POST /flow/cancel/", s.handleCancelFlow)
	mux.HandleFunc("GET /flow_data/v2", s.handleFlowData)
	mux.HandleFunc("GET /import_flow/", s.handleImportFlow)
	mux.HandleFunc("GET /flow/events/", s.handleFlowEvents)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	s.httpSrv = &http.Server{
		Handler:      csrfProtect(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE requires no write timeout
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	return s, nil
}

// Registry exposes the flow registry for CLI wiring and tests.
func (s *Server) Registry() *FlowRegistry { return s.registry }

// Handler returns the routed handler, for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// ListenAndServe starts the server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		s.logger.Printf("received %s, shutting down...", sig)
		s.Shutdown()
	}()

	s.logger.Printf("listening on %s", s.config.Addr)
	s.httpSrv.Addr = s.config.Addr
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// csrfProtect rejects cross-origin POST requests. Browsers set the Origin
// header on cross-origin requests, so checking it blocks CSRF from remote
// pages while allowing CLI and local UI callers.
func csrfProtect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			origin := r.Header.Get("Origin")
			if origin != "" {
				u, err := url.Parse(origin)
				if err != nil {
					http.Error(w, `{"error":"invalid Origin header"}`, http.StatusForbidden)
					return
				}
				host := u.Hostname()
				if host != "localhost" && host != "127.0.0.1" && host != "::1" {
					http.Error(w, `{"error":"cross-origin request blocked"}`, http.StatusForbidden)
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Shutdown gracefully stops the server and cancels active runs.
func (s *Server) Shutdown() {
	s.registry.CancelAll("server shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)

	s.cancel()
}
