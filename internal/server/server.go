// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jeranaias/bizcopilot/internal/assistant"
	"github.com/jeranaias/bizcopilot/internal/config"
	"github.com/jeranaias/bizcopilot/internal/jobs"
	"github.com/jeranaias/bizcopilot/internal/logging"
	"github.com/jeranaias/bizcopilot/internal/storage"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// MaxRequestBodySize caps JSON bodies, attachments included (16MB).
	MaxRequestBodySize = 16 * 1024 * 1024

	// MaxMessageLength is the longest text accepted in one message.
	MaxMessageLength = 100000

	// MaxTitleLength is the longest accepted chat title.
	MaxTitleLength = 200

	// DefaultHeartbeat is the interval of keep-alive frames on event streams.
	DefaultHeartbeat = 15 * time.Second

	// eventBuffer is the per-subscriber event queue length.
	eventBuffer = 64

	// Version is the API version reported by /health.
	Version = "1.0.0"
)

// ============================================================================
// SERVER
// ============================================================================

// Server is the HTTP front end of an assistant.Service.
type Server struct {
	svc    *assistant.Service
	logger *zap.Logger

	addr      string
	auth      *AuthConfig
	cors      *CORSConfig
	limiter   *RateLimiter
	heartbeat time.Duration
	upgrader  websocket.Upgrader

	mux     *http.ServeMux
	handler http.Handler
	started time.Time

	mu     sync.Mutex
	server *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = logging.OrNop(l) }
}

// WithAuth replaces the auth configuration derived from config.
func WithAuth(a *AuthConfig) Option {
	return func(s *Server) { s.auth = a }
}

// WithHeartbeat sets the keep-alive interval of event streams.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// New builds a server for svc using the [server] section of the config.
func New(svc *assistant.Service, cfg config.ServerConfig, opts ...Option) *Server {
	s := &Server{
		svc:       svc,
		logger:    zap.NewNop(),
		addr:      cfg.Addr,
		auth:      NewAuthConfig(cfg.AuthToken),
		cors:      NewCORSConfig(cfg.AllowedOrigins),
		limiter:   NewRateLimiter(cfg.RateLimitRPS, 0),
		heartbeat: DefaultHeartbeat,
		mux:       http.NewServeMux(),
		started:   time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	s.setupRoutes()
	s.handler = Chain(
		RecoveryMiddleware(s.logger),
		LoggingMiddleware(s.logger.Named("http")),
		SecurityHeadersMiddleware(),
		CORSMiddleware(s.cors),
		RateLimitMiddleware(s.limiter, s.logger),
		AuthMiddleware(s.auth, s.logger),
	)(s.mux)
	return s
}

// Handler returns the routed handler with all middleware applied.
func (s *Server) Handler() http.Handler { return s.handler }

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.addr }

// ============================================================================
// ROUTES
// ============================================================================

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /v1/chats", s.handleListChats)
	s.mux.HandleFunc("POST /v1/chats", s.handleCreateChat)
	s.mux.HandleFunc("GET /v1/chats/{id}", s.handleGetChat)
	s.mux.HandleFunc("PATCH /v1/chats/{id}", s.handleRenameChat)
	s.mux.HandleFunc("DELETE /v1/chats/{id}", s.handleDeleteChat)
	s.mux.HandleFunc("POST /v1/chats/{id}/select", s.handleSelectChat)
	s.mux.HandleFunc("GET /v1/chats/{id}/messages", s.handleListMessages)
	s.mux.HandleFunc("POST /v1/chats/{id}/messages", s.handleSend)
	s.mux.HandleFunc("GET /v1/chats/{id}/events", s.handleEvents)
	s.mux.HandleFunc("GET /v1/chats/{id}/export", s.handleExport)
	s.mux.HandleFunc("GET /v1/ws", s.handleWebSocket)

	s.mux.HandleFunc("POST /v1/lifecycle", s.handleLifecycle)
	s.mux.HandleFunc("GET /v1/personas", s.handlePersonas)
	s.mux.HandleFunc("GET /v1/settings", s.handleGetSettings)
	s.mux.HandleFunc("PATCH /v1/settings", s.handleUpdateSettings)

	s.mux.HandleFunc("GET /health", s.handleHealth)
}

// ============================================================================
// LIFECYCLE
// ============================================================================

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("server listening", zap.String("addr", ln.Addr().String()), zap.Bool("auth", s.auth.Enabled))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.logger.Info("server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

// ============================================================================
// HELPERS
// ============================================================================

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeServiceError maps assistant errors onto HTTP statuses. Unknown
// errors are logged and reported generically.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrChatNotFound):
		writeError(w, http.StatusNotFound, "chat not found")
	case errors.Is(err, jobs.ErrGenerationInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, assistant.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, assistant.ErrClosed), errors.Is(err, jobs.ErrManagerClosed):
		writeError(w, http.StatusServiceUnavailable, "service is shutting down")
	default:
		s.logger.Error("request failed",
			zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "request processing failed")
	}
}

// decodeJSON reads a size-limited JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("request body exceeds maximum size of %d bytes", MaxRequestBodySize))
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request format")
		return false
	}
	return true
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return s.cors.allowsAny() || s.cors.isOriginAllowed(origin)
}
