package middleware

import (
	"log/slog"
	"net/http"

	"github.com/Davincible/modelbridge/internal/config"
)

// Middleware wraps an http.Handler with cross-cutting behavior.
type Middleware func(http.Handler) http.Handler

// Chain is an ordered middleware stack.
type Chain struct {
	middlewares []Middleware
}

func New(middlewares ...Middleware) Chain {
	return Chain{middlewares: middlewares}
}

// Then returns a new chain with more middleware appended.
func (c Chain) Then(middlewares ...Middleware) Chain {
	return Chain{middlewares: append(c.middlewares, middlewares...)}
}

// Handler applies the chain to handler, first middleware outermost.
func (c Chain) Handler(handler http.Handler) http.Handler {
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		handler = c.middlewares[i](handler)
	}

	return handler
}

// Set holds the configured middleware for route composition.
type Set struct {
	Logging Middleware
	Auth    Middleware
}

func NewSet(cfg *config.Manager, logger *slog.Logger) Set {
	return Set{
		Logging: NewLoggingMiddleware(logger),
		Auth:    NewAuthMiddleware(cfg, logger),
	}
}

// DefaultChain is the standard stack for API endpoints.
func (s Set) DefaultChain() Chain {
	return New(s.Logging, s.Auth)
}

// HealthChain skips auth so liveness probes work without credentials.
func (s Set) HealthChain() Chain {
	return New(s.Logging)
}
