// Package server provides HTTP server construction for admin-session.
package server

import (
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/alexjbarnes/admin-session/internal/auth"
	"github.com/alexjbarnes/admin-session/internal/promptserver"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Hub        *promptserver.Hub
	Session    promptserver.Session
	AppOrigin  string
	MCPHandler http.Handler
	MCPAPIKey  string
	Logger     *slog.Logger
}

// NewMux builds the HTTP mux with the prompt bridge endpoints and, when
// MCPHandler is set, the MCP endpoint behind the API key middleware.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	origins := OriginPatterns(cfg.AppOrigin)

	mux.HandleFunc("/session/ws", promptserver.HandleSocket(cfg.Hub, cfg.Session, origins, cfg.Logger))
	mux.HandleFunc("/session/status", promptserver.HandleStatus(cfg.Hub, cfg.Session))
	mux.HandleFunc("/session/continue", promptserver.HandleContinue(cfg.Session, origins, cfg.Logger))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	if cfg.MCPHandler != nil {
		mux.Handle("/mcp", auth.Middleware(cfg.MCPAPIKey, cfg.Logger)(cfg.MCPHandler))
	}

	return mux
}

// OriginPatterns returns the WebSocket origin allow-list for the
// dashboard origin: its host, port included.
func OriginPatterns(appOrigin string) []string {
	u, err := url.Parse(appOrigin)
	if err != nil || u.Host == "" {
		return nil
	}

	return []string{u.Host}
}

// NewHTTPServer wraps handler with the service's timeouts. WriteTimeout
// is left at zero so WebSocket connections are not cut off.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
