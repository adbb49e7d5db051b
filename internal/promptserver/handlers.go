package promptserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/alexjbarnes/admin-session/internal/watchdog"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	// writeTimeout bounds a single WebSocket write to a dashboard.
	writeTimeout = 10 * time.Second

	// clientReadLimit caps inbound dashboard frames. Clients only send
	// tiny control messages.
	clientReadLimit = 4096
)

//go:generate mockgen -source=handlers.go -destination=mock_handlers_test.go -package=promptserver

// Session is the watchdog surface the HTTP handlers need.
// *watchdog.Watchdog satisfies it.
type Session interface {
	Continue()
	Snapshot() watchdog.Snapshot
}

// StatusResponse is the GET /session/status body.
type StatusResponse struct {
	watchdog.Snapshot
	Clients  int    `json:"clients"`
	Redirect string `json:"redirect,omitempty"`
}

// HandleSocket returns the /session/ws handler. originPatterns lists
// the host patterns allowed to open a socket besides the server's own
// host.
func HandleSocket(hub *Hub, sess Session, originPatterns []string, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: originPatterns,
		})
		if err != nil {
			logger.Warn("websocket accept failed",
				slog.String("remote", r.RemoteAddr),
				slog.String("error", err.Error()),
			)

			return
		}
		defer conn.CloseNow()

		conn.SetReadLimit(clientReadLimit)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		c := hub.register()
		defer hub.unregister(c)

		logger.Debug("dashboard connected", slog.String("remote", r.RemoteAddr))

		go func() {
			defer cancel()
			readLoop(ctx, conn, sess, logger)
		}()

		for {
			select {
			case <-ctx.Done():
				conn.Close(websocket.StatusNormalClosure, "")
				return

			case data, ok := <-c.send:
				if !ok {
					conn.Close(websocket.StatusPolicyViolation, "client too slow")
					return
				}

				wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
				err := conn.Write(wctx, websocket.MessageText, data)

				wcancel()

				if err != nil {
					logger.Debug("dashboard write failed", slog.String("error", err.Error()))
					return
				}
			}
		}
	}
}

// readLoop handles dashboard messages until the connection fails.
func readLoop(ctx context.Context, conn *websocket.Conn, sess Session, logger *slog.Logger) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			logger.Debug("dashboard disconnected", slog.String("reason", err.Error()))
			return
		}

		if typ != websocket.MessageText {
			continue
		}

		switch op := gjson.GetBytes(data, "op").String(); op {
		case opContinue:
			logger.Info("continue requested from dashboard")
			sess.Continue()
		default:
			logger.Debug("ignoring dashboard message", slog.String("op", op))
		}
	}
}

// HandleStatus returns the GET /session/status handler.
func HandleStatus(hub *Hub, sess Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		writeJSON(w, http.StatusOK, StatusResponse{
			Snapshot: sess.Snapshot(),
			Clients:  hub.Clients(),
			Redirect: hub.PendingRedirect(),
		})
	}
}

// HandleContinue returns the POST /session/continue handler. The
// refresh runs asynchronously; the outcome is reported over the socket.
// Browser requests must come from the server's own host or one matching
// originPatterns, the same rule the socket upgrade applies.
func HandleContinue(sess Session, originPatterns []string, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if origin := r.Header.Get("Origin"); origin != "" && !originAllowed(origin, r.Host, originPatterns) {
			logger.Warn("continue rejected, foreign origin",
				slog.String("origin", origin),
				slog.String("remote", r.RemoteAddr),
			)
			http.Error(w, "origin not allowed", http.StatusForbidden)

			return
		}

		logger.Info("continue requested over http", slog.String("remote", r.RemoteAddr))
		sess.Continue()

		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}

// originAllowed reports whether origin's host is host itself or matches
// one of patterns (path.Match syntax, case-insensitive).
func originAllowed(origin, host string, patterns []string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}

	if strings.EqualFold(u.Host, host) {
		return true
	}

	for _, p := range patterns {
		if ok, err := path.Match(strings.ToLower(p), strings.ToLower(u.Host)); err == nil && ok {
			return true
		}
	}

	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
