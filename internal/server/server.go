package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jackzampolin/pageturner/internal/api"
	"github.com/jackzampolin/pageturner/internal/browser"
	"github.com/jackzampolin/pageturner/internal/config"
	"github.com/jackzampolin/pageturner/internal/home"
	"github.com/jackzampolin/pageturner/internal/server/endpoints"
	"github.com/jackzampolin/pageturner/internal/svcctx"
)

// Server is the main pageturner HTTP server.
// It owns the page store and the browser connection for its lifetime.
type Server struct {
	httpServer *http.Server
	home       *home.Dir
	configMgr  *config.Manager
	browser    *browser.Browser
	logger     *slog.Logger

	// services holds all core services for context enrichment
	services *svcctx.Services
	// newServices builds services on Start; replaced in tests
	newServices func() (*svcctx.Services, error)

	// endpoints registry for HTTP routes
	endpointRegistry *api.Registry

	mu      sync.RWMutex
	running bool
}

// Config holds server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1)
	Host string
	// Port is the port to listen on (default: 8080)
	Port string
	// Home is the pageturner home directory (store, exports, config)
	Home *home.Dir
	// ConfigManager provides configuration with hot-reload support
	ConfigManager *config.Manager
	// Logger is the structured logger to use
	Logger *slog.Logger
}

// New creates a new Server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Home == nil {
		return nil, errors.New("home directory is required")
	}
	if cfg.ConfigManager == nil {
		return nil, errors.New("config manager is required")
	}

	bc := cfg.ConfigManager.Get().Browser
	br := browser.New(browser.Config{
		ControlURL: bc.ControlURL,
		Launch:     bc.Launch,
		Bin:        bc.Bin,
		Headless:   bc.Headless,
		Logger:     cfg.Logger,
	})

	s := &Server{
		home:      cfg.Home,
		configMgr: cfg.ConfigManager,
		browser:   br,
		logger:    cfg.Logger,
	}
	s.newServices = func() (*svcctx.Services, error) {
		return NewServices(ServicesConfig{
			Home:          cfg.Home,
			ConfigManager: cfg.ConfigManager,
			Browser:       br,
			Logger:        cfg.Logger,
		})
	}

	// Create endpoint registry and register all endpoints
	s.endpointRegistry = api.NewRegistry()
	for _, ep := range endpoints.All() {
		s.endpointRegistry.Register(ep)
	}

	s.httpServer = &http.Server{
		Addr:        net.JoinHostPort(cfg.Host, cfg.Port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: /api/events streams and exports can run long.
		IdleTimeout: 120 * time.Second,
	}

	return s, nil
}

// Handler returns the HTTP handler with every endpoint registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.endpointRegistry.RegisterRoutes(mux, s.requireInit)
	return s.withServices(mux)
}

// Start opens the page store, starts the HTTP server and blocks until the
// context is cancelled or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("opening page store", "path", s.home.DBPath())
	services, err := s.newServices()
	if err != nil {
		s.setNotRunning()
		return fmt.Errorf("failed to initialize services: %w", err)
	}
	s.mu.Lock()
	s.services = services
	s.mu.Unlock()

	// Connecting early surfaces a bad control URL at startup; capture
	// reconnects on demand.
	if err := s.browser.Connect(ctx); err != nil {
		s.logger.Warn("browser not available yet", "error", err)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			_ = s.shutdown()
			return fmt.Errorf("HTTP server error: %w", err)
		}
	}

	return s.shutdown()
}

// shutdown stops the HTTP server, any capture session and the store.
func (s *Server) shutdown() error {
	s.logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	s.mu.Lock()
	services := s.services
	s.services = nil
	s.mu.Unlock()

	if err := CloseServices(shutdownCtx, services); err != nil {
		s.logger.Error("page store close error", "error", err)
	}

	s.setNotRunning()
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) setNotRunning() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Services returns the running services, or nil before Start.
func (s *Server) Services() *svcctx.Services {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.services
}

// withServices wraps a handler to enrich the request context with services.
func (s *Server) withServices(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if services := s.Services(); services != nil {
			ctx = svcctx.WithServices(ctx, services)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireInit is middleware that ensures the server is fully initialized.
// Returns 503 Service Unavailable if the page store isn't open yet.
func (s *Server) requireInit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Services() == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":"server not fully initialized"}`))
			return
		}
		next(w, r)
	}
}
