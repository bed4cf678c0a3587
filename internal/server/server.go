package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Davincible/modelbridge/internal/config"
	"github.com/Davincible/modelbridge/internal/handlers"
	"github.com/Davincible/modelbridge/internal/middleware"
	"github.com/Davincible/modelbridge/internal/providers"
)

type Server struct {
	config   *config.Manager
	registry *providers.Registry
	logger   *slog.Logger
	server   *http.Server
}

func New(configManager *config.Manager, logger *slog.Logger) *Server {
	registry := providers.NewRegistry()
	registry.LoadFromConfig(configManager.Get(), logger)

	return &Server{
		config:   configManager,
		registry: registry,
		logger:   logger,
	}
}

// Registry exposes the provider set built from configuration.
func (s *Server) Registry() *providers.Registry {
	return s.registry
}

// Start serves until SIGINT/SIGTERM, then drains in-flight requests.
func (s *Server) Start() error {
	cfg := s.config.Get()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	mux := s.setupRoutes()

	s.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	s.logger.Info("Starting server", "address", addr, "providers", len(cfg.Providers))

	errCh := make(chan error, 1)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-quit:
	}

	s.logger.Info("Server is shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	s.logger.Info("Server exited")

	return nil
}

func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	chatHandler := handlers.NewChatHandler(s.registry, s.logger)
	modelsHandler := handlers.NewModelsHandler(s.registry, s.logger)
	tokensHandler := handlers.NewTokensHandler(s.registry, s.logger)
	healthHandler := handlers.NewHealthHandler(s.logger)

	set := middleware.NewSet(s.config, s.logger)

	mux.Handle("/health", set.HealthChain().Handler(healthHandler))
	mux.Handle("/v1/chat", set.DefaultChain().Handler(chatHandler))
	mux.Handle("/v1/models", set.DefaultChain().Handler(modelsHandler))
	mux.Handle("/v1/tokens", set.DefaultChain().Handler(tokensHandler))

	return mux
}
