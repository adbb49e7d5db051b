// Package promptserver bridges the watchdog to the admin dashboard.
//
// The dashboard holds a WebSocket open to /session/ws. The Hub fans out
// prompt renders and logout redirects to every connected dashboard tab
// and replays the latest state to tabs that connect late.
package promptserver

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/alexjbarnes/admin-session/internal/watchdog"
)

// sendBuffer is the per-client outbound queue length. A client that
// falls this far behind is disconnected.
const sendBuffer = 16

// PromptMessage is sent whenever the renewal prompt changes.
type PromptMessage struct {
	Op               string `json:"op"`
	Visible          bool   `json:"visible"`
	SecondsRemaining int    `json:"seconds_remaining"`
}

// RedirectMessage tells the dashboard to navigate away.
type RedirectMessage struct {
	Op  string `json:"op"`
	URL string `json:"url"`
}

// ClientMessage is sent by the dashboard.
type ClientMessage struct {
	Op string `json:"op"`
}

const (
	opPrompt   = "prompt"
	opRedirect = "redirect"
	opContinue = "continue"
)

type client struct {
	send chan []byte
}

// Hub implements watchdog.Prompt and watchdog.Navigator over the set of
// connected dashboards.
type Hub struct {
	logger *slog.Logger

	mu       sync.Mutex
	clients  map[*client]struct{}
	prompt   watchdog.PromptState
	redirect string
}

var (
	_ watchdog.Prompt    = (*Hub)(nil)
	_ watchdog.Navigator = (*Hub)(nil)
)

// NewHub creates an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}

	return &Hub{
		logger:  logger.With(slog.String("component", "promptserver")),
		clients: make(map[*client]struct{}),
	}
}

// Render broadcasts a prompt state. Showing the prompt again drops any
// pending redirect left by an earlier session.
func (h *Hub) Render(ps watchdog.PromptState) {
	data, err := json.Marshal(PromptMessage{Op: opPrompt, Visible: ps.Visible, SecondsRemaining: ps.SecondsRemaining})
	if err != nil {
		h.logger.Error("encoding prompt message", slog.String("error", err.Error()))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.prompt = ps
	if ps.Visible {
		h.redirect = ""
	}

	h.broadcast(data)
}

// Navigate broadcasts a redirect and keeps it for dashboards that
// connect afterwards.
func (h *Hub) Navigate(target string) {
	data, err := json.Marshal(RedirectMessage{Op: opRedirect, URL: target})
	if err != nil {
		h.logger.Error("encoding redirect message", slog.String("error", err.Error()))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.redirect = target
	h.prompt = watchdog.PromptState{}

	h.logger.Info("redirecting dashboards", slog.Int("clients", len(h.clients)))
	h.broadcast(data)
}

// ClearRedirect forgets the pending redirect, for use once new
// credentials have been installed.
func (h *Hub) ClearRedirect() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.redirect = ""
}

// PendingRedirect returns the redirect replayed to late joiners, or "".
func (h *Hub) PendingRedirect() string {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.redirect
}

// Clients returns the number of connected dashboards.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.clients)
}

// register adds a client and queues the current prompt state, followed
// by the pending redirect if there is one.
func (h *Hub) register() *client {
	c := &client{send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	defer h.mu.Unlock()

	if data, err := json.Marshal(PromptMessage{
		Op:               opPrompt,
		Visible:          h.prompt.Visible,
		SecondsRemaining: h.prompt.SecondsRemaining,
	}); err == nil {
		c.send <- data
	}

	if h.redirect != "" {
		if data, err := json.Marshal(RedirectMessage{Op: opRedirect, URL: h.redirect}); err == nil {
			c.send <- data
		}
	}

	h.clients[c] = struct{}{}

	return c
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// broadcast queues data on every client. Callers hold h.mu. Clients
// with a full queue are dropped; their send channel is closed so the
// writer goroutine disconnects them.
func (h *Hub) broadcast(data []byte) {
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			delete(h.clients, c)
			close(c.send)
			h.logger.Warn("dropping slow dashboard client")
		}
	}
}
