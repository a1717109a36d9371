// Package server exposes the streaming chat pipeline over HTTP: an SSE
// chat endpoint, a WebSocket carrier, conversation listing and health and
// metrics surfaces.
package server

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"chatty/internal/config"
	"chatty/internal/domain"
	"chatty/internal/metrics"
	"chatty/internal/stream"
)

type Server struct {
	cfg       config.ServerConfig
	manager   *stream.Manager
	store     domain.MessageStore
	gen       domain.Generator
	collector *metrics.Collector
	logger    *slog.Logger

	httpSrv *http.Server
}

func New(cfg config.ServerConfig, manager *stream.Manager, store domain.MessageStore, gen domain.Generator, collector *metrics.Collector, logger *slog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		manager:   manager,
		store:     store,
		gen:       gen,
		collector: collector,
		logger:    logger.With("component", "server"),
	}
	s.httpSrv = &http.Server{
		Addr:              net.JoinHostPort(cfg.Bind, fmt.Sprintf("%d", cfg.Port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("GET /api/chat/ws", s.handleChatWS)
	mux.HandleFunc("GET /api/conversations", s.handleListConversations)
	mux.HandleFunc("GET /api/conversations/{id}/messages", s.handleGetMessages)
	mux.HandleFunc("DELETE /api/conversations/{id}", s.handleDeleteConversation)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /metrics", s.collector.Handler())
	return s.withAuth(mux)
}

// Start serves until ctx is cancelled, then drains connections.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("shutting down")
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

// withAuth enforces HTTP basic auth when configured. The stored credential
// is a sha256 hex digest so the config file never holds the password.
func (s *Server) withAuth(next http.Handler) http.Handler {
	if !s.cfg.Auth.Enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || !s.checkCredentials(user, pass) {
			w.Header().Set("WWW-Authenticate", `Basic realm="chatty"`)
			writeJSONError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkCredentials(user, pass string) bool {
	sum := sha256.Sum256([]byte(pass))
	hashed := hex.EncodeToString(sum[:])
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.cfg.Auth.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(hashed), []byte(s.cfg.Auth.PasswordHash)) == 1
	return userOK && passOK
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	providerHealthy := s.gen.Healthy(ctx) == nil
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"provider":         s.gen.Name(),
		"provider_healthy": providerHealthy,
		"uptime_s":         int64(s.collector.Uptime().Seconds()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
