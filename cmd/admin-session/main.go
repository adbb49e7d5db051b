package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alexjbarnes/admin-session/internal/authapi"
	"github.com/alexjbarnes/admin-session/internal/config"
	sessionerrors "github.com/alexjbarnes/admin-session/internal/errors"
	"github.com/alexjbarnes/admin-session/internal/handoff"
	"github.com/alexjbarnes/admin-session/internal/logging"
	"github.com/alexjbarnes/admin-session/internal/mcpserver"
	"github.com/alexjbarnes/admin-session/internal/models"
	"github.com/alexjbarnes/admin-session/internal/promptserver"
	"github.com/alexjbarnes/admin-session/internal/server"
	"github.com/alexjbarnes/admin-session/internal/state"
	"github.com/alexjbarnes/admin-session/internal/token"
	"github.com/alexjbarnes/admin-session/internal/watchdog"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

// maxTokenLine bounds a single token line read from stdin.
const maxTokenLine = 64 * 1024

func main() {
	var err error

	switch {
	case len(os.Args) > 1 && os.Args[1] == "set-credentials":
		err = setCredentials(os.Stdin, os.Stdout)
	case len(os.Args) > 1 && os.Args[1] == "status":
		err = status(os.Stdout)
	default:
		err = run()
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("admin-session starting",
		slog.String("version", Version),
		slog.String("listen", cfg.ListenAddr),
		slog.Bool("mcp", cfg.EnableMCP),
		slog.Bool("handoff", cfg.HandoffDir != ""),
		slog.Bool("sealed", cfg.StateSecret != ""),
	)
	warnProductionSettings(cfg, logger)

	appState, err := state.LoadAt(cfg.StatePath, cfg.StateSecret)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	hub := promptserver.NewHub(logger)

	wd := watchdog.New(watchdog.Config{
		LoginBaseURL:     cfg.LoginBaseURL,
		AppOrigin:        cfg.AppOrigin,
		WarningWindow:    cfg.WarningWindow,
		CountdownSeconds: cfg.CountdownSeconds,
		RefreshTimeout:   cfg.RefreshTimeout,
	}, watchdog.Deps{
		Store:     appState,
		Refresher: authapi.NewClient(cfg.APIBaseURL, cfg.RefreshPath, nil),
		Prompt:    hub,
		Navigator: hub,
		Logger:    logger,
	})

	var mcpHandler http.Handler

	if cfg.EnableMCP {
		mcpServer := mcp.NewServer(
			&mcp.Implementation{Name: "admin-session", Version: Version},
			nil,
		)
		mcpserver.RegisterTools(mcpServer, wd, appState)

		mcpHandler = mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
			return mcpServer
		}, nil)
	}

	httpServer := server.NewHTTPServer(cfg.ListenAddr, server.NewMux(server.MuxConfig{
		Hub:        hub,
		Session:    wd,
		AppOrigin:  cfg.AppOrigin,
		MCPHandler: mcpHandler,
		MCPAPIKey:  cfg.MCPAPIKey,
		Logger:     logger.With(slog.String("component", "http")),
	}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return wd.Run(gctx)
	})

	if cfg.HandoffDir != "" {
		watcher := handoff.NewWatcher(cfg.HandoffDir, appState, func() {
			hub.ClearRedirect()
			wd.Rearm()
		}, logger)

		g.Go(func() error {
			if err := watcher.Watch(gctx); !errors.Is(err, context.Canceled) {
				return err
			}

			return nil
		})
	}

	g.Go(func() error {
		logger.Info("starting HTTP server", slog.String("listen", cfg.ListenAddr))

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	// Shutdown when context is cancelled.
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// warnProductionSettings flags settings that are acceptable on a
// developer machine but not in production.
func warnProductionSettings(cfg *config.Config, logger *slog.Logger) {
	if !cfg.IsProduction() {
		return
	}

	if cfg.StateSecret == "" {
		logger.Warn("STATE_SECRET is not set, credentials are stored unsealed")
	}

	if cfg.EnableMCP && cfg.MCPAPIKey == "" {
		logger.Warn("MCP is enabled without MCP_API_KEY, /mcp is unauthenticated")
	}
}

// setCredentials reads an access token and a refresh token, one per
// line, and stores them as a pair.
func setCredentials(in io.Reader, out io.Writer) error {
	cfg, err := config.LoadStorage()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	fmt.Fprintln(os.Stderr, "Paste the access token, then the refresh token, one per line:")

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 4096), maxTokenLine)

	var lines []string

	for len(lines) < 2 && scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading tokens: %w", err)
	}

	if len(lines) < 2 {
		return sessionerrors.ErrPartialCredentials
	}

	creds := models.Credentials{AccessToken: lines[0], RefreshToken: lines[1]}

	appState, err := state.LoadAt(cfg.StatePath, cfg.StateSecret)
	if err != nil {
		return lockedHint(err)
	}
	defer appState.Close()

	if err := appState.SetCredentials(creds); err != nil {
		return fmt.Errorf("storing credentials: %w", err)
	}

	if exp, ok := token.ExpiresAt(creds.AccessToken); ok {
		fmt.Fprintf(out, "credentials stored, access token expires %s\n", exp.UTC().Format(time.RFC3339))
	} else {
		fmt.Fprintf(out, "credentials stored; warning: %v, the watchdog will stay idle\n", sessionerrors.ErrMalformedToken)
	}

	return nil
}

// status prints the stored token's expiry and the last forced logout.
func status(out io.Writer) error {
	cfg, err := config.LoadStorage()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	appState, err := state.LoadAt(cfg.StatePath, cfg.StateSecret)
	if err != nil {
		return lockedHint(err)
	}
	defer appState.Close()

	creds, err := appState.Credentials()

	switch {
	case errors.Is(err, sessionerrors.ErrNoCredentials):
		fmt.Fprintln(out, "credentials: none stored")
	case errors.Is(err, sessionerrors.ErrPartialCredentials):
		fmt.Fprintln(out, "credentials: incomplete pair (the next start forces a logout)")
	case err != nil:
		return fmt.Errorf("reading credentials: %w", err)
	default:
		if exp, ok := token.ExpiresAt(creds.AccessToken); ok {
			fmt.Fprintf(out, "access token expires: %s (%s)\n",
				exp.UTC().Format(time.RFC3339), describeRemaining(time.Until(exp)))
		} else {
			fmt.Fprintln(out, "access token expires: unknown (token has no readable expiry)")
		}
	}

	rec, err := appState.LastLogout()
	if err != nil {
		return fmt.Errorf("reading last logout: %w", err)
	}

	if rec == nil {
		fmt.Fprintln(out, "last forced logout: none")
		return nil
	}

	fmt.Fprintf(out, "last forced logout: %s (%s)\n", rec.At.UTC().Format(time.RFC3339), rec.Reason)

	return nil
}

func describeRemaining(d time.Duration) string {
	if d <= 0 {
		return "expired " + (-d).Round(time.Second).String() + " ago"
	}

	return "in " + d.Round(time.Second).String()
}

func lockedHint(err error) error {
	if errors.Is(err, sessionerrors.ErrStateLocked) {
		return fmt.Errorf("%w; the service is probably running, use HANDOFF_DIR or GET /session/status instead", err)
	}

	return fmt.Errorf("loading state: %w", err)
}
