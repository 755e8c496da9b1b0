// Package server exposes the Anthropic-compatible HTTP surface and maps
// internal failures onto the wire error taxonomy.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/antigravityproxy/gateway/pkg/accounts"
	"github.com/antigravityproxy/gateway/pkg/anthropic"
	"github.com/antigravityproxy/gateway/pkg/config"
	"github.com/antigravityproxy/gateway/pkg/upstream"
)

// Backend serves one validated request: the Cloud-Code dispatcher or the
// local gateway, chosen by route.
type Backend interface {
	Dispatch(ctx context.Context, req *anthropic.MessagesRequest) (*upstream.Result, error)
}

// Server is the HTTP listener.
type Server struct {
	cfg        *config.Config
	cloud      Backend
	local      Backend
	pool       *accounts.Pool
	tokens     *accounts.TokenStore
	httpServer *http.Server
}

func New(cfg *config.Config, cloud, local Backend, pool *accounts.Pool, tokens *accounts.TokenStore) *Server {
	s := &Server{
		cfg:    cfg,
		cloud:  cloud,
		local:  local,
		pool:   pool,
		tokens: tokens,
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)

	r.Post("/v1/messages", s.handleMessages)
	r.Post("/v1/messages/count_tokens", s.handleCountTokens)
	r.Get("/v1/models", s.handleModels)
	r.Get("/health", s.handleHealth)
	r.Get("/account-limits", s.handleAccountLimits)
	r.Post("/refresh-token", s.handleRefreshToken)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found_error", "Not found")
	})
	return r
}

// securityHeaders is applied to every response, including errors.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Content-Security-Policy", "default-src 'self'; frame-ancestors 'none'")
		h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		next.ServeHTTP(w, r)
	})
}

// Start blocks serving requests. A bind failure is returned immediately.
func (s *Server) Start() error {
	slog.Info("gateway listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listener failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests with a bounded deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the route tree for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
