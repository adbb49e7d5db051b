// Package watchdog keeps the admin operator's session alive.
//
// Architecture: a single event loop goroutine (Run) owns the current
// Watch Session: its expiry, the one-shot warning timer, the 1 Hz
// countdown ticker and the refresh in-flight flag. Timer fires, user
// "Continue Session" requests, re-arm requests and refresh results all
// arrive as channel receives in that loop, so transitions never race.
// The refresh HTTP call runs on its own goroutine and posts its result
// back to the loop.
//
// A Watch Session moves Idle -> Armed -> Counting and ends either in a
// fresh Armed session (successful refresh) or Expired (forced logout:
// credentials cleared, browser redirected to the logout-sync page).
package watchdog

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/admin-session/internal/authapi"
	"github.com/alexjbarnes/admin-session/internal/clock"
	sessionerrors "github.com/alexjbarnes/admin-session/internal/errors"
	"github.com/alexjbarnes/admin-session/internal/models"
	"github.com/alexjbarnes/admin-session/internal/token"
	"github.com/google/uuid"
)

const (
	defaultWarningWindow    = 60 * time.Second
	defaultCountdownSeconds = 60
	defaultRefreshTimeout   = 15 * time.Second

	tickInterval = time.Second
)

// Logout reasons recorded in the audit log.
const (
	ReasonCountdown      = "countdown exhausted"
	ReasonMissingRefresh = "refresh token missing"
	ReasonPartialPair    = "incomplete credential pair"
	ReasonRefreshFailed  = "refresh failed"
	ReasonStoreFailed    = "storing refreshed credentials failed"
)

//go:generate mockgen -source=watchdog.go -destination=mock_watchdog_test.go -package=watchdog

// CredentialStore is the persistent client storage holding the pair.
type CredentialStore interface {
	Credentials() (models.Credentials, error)
	RefreshToken() string
	StoreRefreshed(accessToken, refreshToken string) error
	Clear() error
	RecordLogout(reason string, at time.Time) error
}

// Refresher exchanges a refresh token for new credentials.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*authapi.RefreshResponse, error)
}

// PromptState is what the renewal prompt shows.
type PromptState struct {
	Visible          bool `json:"visible"`
	SecondsRemaining int  `json:"seconds_remaining"`
}

// Prompt renders the renewal prompt. Render is called on every change.
type Prompt interface {
	Render(PromptState)
}

// Navigator sends the dashboard to another URL.
type Navigator interface {
	Navigate(target string)
}

// Phase is the state of the current Watch Session.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseArmed    Phase = "armed"
	PhaseCounting Phase = "counting"
	PhaseExpired  Phase = "expired"
)

// Config holds watchdog settings.
type Config struct {
	LoginBaseURL     string
	AppOrigin        string
	WarningWindow    time.Duration
	CountdownSeconds int
	RefreshTimeout   time.Duration
}

// Deps holds the watchdog's collaborators. Clock defaults to the real
// clock and Logger to slog.Default.
type Deps struct {
	Store     CredentialStore
	Refresher Refresher
	Prompt    Prompt
	Navigator Navigator
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Snapshot is a read-only view of the current Watch Session.
type Snapshot struct {
	Phase            Phase     `json:"phase"`
	SessionID        string    `json:"session_id,omitempty"`
	ExpiresAt        time.Time `json:"expires_at,omitzero"`
	PromptVisible    bool      `json:"prompt_visible"`
	SecondsRemaining int       `json:"seconds_remaining"`
	Refreshing       bool      `json:"refreshing"`
}

// session is one Watch Session. Only the event loop touches it.
type session struct {
	id        string
	expiry    time.Time
	phase     Phase
	warning   clock.Timer
	countdown clock.Ticker
	remaining int
}

func (s *session) stopTimers() {
	if s.warning != nil {
		s.warning.Stop()
		s.warning = nil
	}

	if s.countdown != nil {
		s.countdown.Stop()
		s.countdown = nil
	}
}

type refreshResult struct {
	sessionID string
	resp      *authapi.RefreshResponse
	err       error
}

// Watchdog drives the session-expiry state machine.
type Watchdog struct {
	cfg       Config
	store     CredentialStore
	refresher Refresher
	prompt    Prompt
	navigator Navigator
	clock     clock.Clock
	logger    *slog.Logger

	continueCh chan struct{}
	rearmCh    chan struct{}
	resultCh   chan refreshResult

	// inflight tracks refresh goroutines so Run can wait for them.
	inflight sync.WaitGroup

	sess          session
	promptVisible bool

	// refreshing spans Watch Sessions: it is set when a refresh call
	// starts and cleared only when its result reaches the loop, stale
	// or not, so calls never overlap.
	refreshing bool

	snapMu sync.RWMutex
	snap   Snapshot
}

// New creates a Watchdog. Zero config durations fall back to a 60 s
// warning window, a 60 s countdown and a 15 s refresh timeout.
func New(cfg Config, deps Deps) *Watchdog {
	if cfg.WarningWindow <= 0 {
		cfg.WarningWindow = defaultWarningWindow
	}

	if cfg.CountdownSeconds <= 0 {
		cfg.CountdownSeconds = defaultCountdownSeconds
	}

	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = defaultRefreshTimeout
	}

	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}

	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	return &Watchdog{
		cfg:        cfg,
		store:      deps.Store,
		refresher:  deps.Refresher,
		prompt:     deps.Prompt,
		navigator:  deps.Navigator,
		clock:      deps.Clock,
		logger:     deps.Logger.With(slog.String("component", "watchdog")),
		continueCh: make(chan struct{}, 1),
		rearmCh:    make(chan struct{}, 1),
		resultCh:   make(chan refreshResult, 1),
		sess:       session{phase: PhaseIdle},
		snap:       Snapshot{Phase: PhaseIdle},
	}
}

// RedirectTarget builds the logout-sync URL for a forced logout.
func RedirectTarget(loginBase, origin string) string {
	return strings.TrimRight(loginBase, "/") + "/logout-sync?return_to=" + url.QueryEscape(origin)
}

// Continue requests a credential refresh, as the prompt's "Continue
// Session" action does. Requests made while one is already queued or
// in flight are dropped.
func (w *Watchdog) Continue() {
	select {
	case w.continueCh <- struct{}{}:
	default:
	}
}

// Rearm discards the current Watch Session and starts a new one from
// the credentials in storage.
func (w *Watchdog) Rearm() {
	select {
	case w.rearmCh <- struct{}{}:
	default:
	}
}

// Snapshot returns the current Watch Session state.
func (w *Watchdog) Snapshot() Snapshot {
	w.snapMu.RLock()
	defer w.snapMu.RUnlock()

	return w.snap
}

// Run arms the first Watch Session from storage and processes events
// until ctx is cancelled. Both timers are stopped and outstanding
// refresh calls are waited for before Run returns. Session failures are
// handled inside the loop; Run only returns nil.
func (w *Watchdog) Run(ctx context.Context) error {
	defer w.inflight.Wait()
	defer w.teardown()

	w.armFromStore()
	w.publish()

	for {
		var warningC, tickC <-chan time.Time
		if w.sess.warning != nil {
			warningC = w.sess.warning.C()
		}

		if w.sess.countdown != nil {
			tickC = w.sess.countdown.C()
		}

		select {
		case <-ctx.Done():
			return nil

		case <-warningC:
			w.sess.warning = nil
			w.startCountdown()

		case <-tickC:
			w.tick()

		case <-w.continueCh:
			w.requestRefresh(ctx)

		case <-w.rearmCh:
			w.logger.Info("re-arming from storage")
			w.armFromStore()

		case res := <-w.resultCh:
			w.finishRefresh(res)
		}

		w.publish()
	}
}

func (w *Watchdog) teardown() {
	w.sess.stopTimers()
	w.logger.Debug("watchdog stopped", slog.String("session", w.sess.id))
}

// armFromStore reads the pair and arms a Watch Session for it.
func (w *Watchdog) armFromStore() {
	creds, err := w.store.Credentials()

	switch {
	case errors.Is(err, sessionerrors.ErrNoCredentials):
		w.idle()
		w.logger.Info("no stored credentials, watchdog idle")

		return
	case errors.Is(err, sessionerrors.ErrPartialCredentials):
		w.logger.Warn("stored credential pair is incomplete")
		w.forceLogout(ReasonPartialPair)

		return
	case err != nil:
		w.idle()
		w.logger.Error("reading credentials", slog.String("error", err.Error()))

		return
	}

	w.armToken(creds.AccessToken)
}

// armToken arms a Watch Session from an access token, or goes idle if
// the token carries no readable expiry.
func (w *Watchdog) armToken(accessToken string) {
	expiry, ok := token.ExpiresAt(accessToken)
	if !ok {
		w.idle()
		w.logger.Warn("access token has no readable expiry, watchdog disabled",
			slog.String("error", sessionerrors.ErrMalformedToken.Error()))

		return
	}

	w.arm(expiry)
}

// arm replaces the current Watch Session with one for expiry. When the
// warning threshold has already passed the countdown starts at once.
func (w *Watchdog) arm(expiry time.Time) {
	w.sess.stopTimers()
	w.sess = session{
		id:     uuid.NewString(),
		expiry: expiry,
		phase:  PhaseArmed,
	}

	w.render(PromptState{Visible: false})

	delay := expiry.Sub(w.clock.Now()) - w.cfg.WarningWindow

	w.logger.Info("watch session armed",
		slog.String("session", w.sess.id),
		slog.Time("expires_at", expiry),
		slog.Duration("warning_in", max(delay, 0)),
	)

	if delay <= 0 {
		w.startCountdown()
		return
	}

	w.sess.warning = w.clock.NewTimer(delay)
}

func (w *Watchdog) startCountdown() {
	if w.sess.warning != nil {
		w.sess.warning.Stop()
		w.sess.warning = nil
	}

	w.sess.phase = PhaseCounting
	w.sess.remaining = w.cfg.CountdownSeconds
	w.sess.countdown = w.clock.NewTicker(tickInterval)

	w.logger.Info("session expiring, prompting for renewal",
		slog.String("session", w.sess.id),
		slog.Int("seconds", w.sess.remaining),
	)

	w.render(PromptState{Visible: true, SecondsRemaining: w.sess.remaining})
}

func (w *Watchdog) tick() {
	if w.sess.phase != PhaseCounting {
		return
	}

	w.sess.remaining--
	if w.sess.remaining > 0 {
		w.render(PromptState{Visible: true, SecondsRemaining: w.sess.remaining})
		return
	}

	w.render(PromptState{Visible: true, SecondsRemaining: 0})
	w.logger.Warn("renewal prompt timed out",
		slog.String("session", w.sess.id),
		slog.String("error", sessionerrors.ErrSessionExpired.Error()),
	)
	w.forceLogout(ReasonCountdown)
}

// requestRefresh starts a refresh for the current Watch Session unless
// one is already in flight.
func (w *Watchdog) requestRefresh(ctx context.Context) {
	if w.sess.phase != PhaseArmed && w.sess.phase != PhaseCounting {
		w.logger.Debug("continue ignored, no active session", slog.String("phase", string(w.sess.phase)))
		return
	}

	if w.refreshing {
		w.logger.Debug("continue ignored, refresh already in flight", slog.String("session", w.sess.id))
		return
	}

	refreshToken := w.store.RefreshToken()
	if refreshToken == "" {
		w.logger.Warn("cannot refresh", slog.String("error", sessionerrors.ErrMissingRefreshToken.Error()))
		w.forceLogout(ReasonMissingRefresh)

		return
	}

	w.refreshing = true
	id := w.sess.id

	w.logger.Info("refreshing credentials", slog.String("session", id))

	w.inflight.Add(1)

	go func() {
		defer w.inflight.Done()

		rctx, cancel := context.WithTimeout(ctx, w.cfg.RefreshTimeout)
		defer cancel()

		resp, err := w.refresher.Refresh(rctx, refreshToken)

		select {
		case w.resultCh <- refreshResult{sessionID: id, resp: resp, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (w *Watchdog) finishRefresh(res refreshResult) {
	w.refreshing = false

	if res.sessionID != w.sess.id || w.sess.phase == PhaseExpired {
		w.logger.Debug("discarding refresh result for ended session", slog.String("session", res.sessionID))
		return
	}

	if res.err != nil {
		w.logger.Warn("credential refresh failed",
			slog.String("session", res.sessionID),
			slog.String("error", res.err.Error()),
		)
		w.forceLogout(ReasonRefreshFailed)

		return
	}

	if err := w.store.StoreRefreshed(res.resp.AccessToken, res.resp.RefreshToken); err != nil {
		w.logger.Error("storing refreshed credentials", slog.String("error", err.Error()))
		w.forceLogout(ReasonStoreFailed)

		return
	}

	w.logger.Info("credentials refreshed",
		slog.String("session", res.sessionID),
		slog.Bool("refresh_rotated", res.resp.RefreshToken != ""),
	)

	w.armToken(res.resp.AccessToken)
}

// forceLogout ends the Watch Session: credentials are cleared and the
// dashboard is sent to the logout-sync page.
func (w *Watchdog) forceLogout(reason string) {
	w.sess.stopTimers()
	w.sess.phase = PhaseExpired
	w.sess.remaining = 0

	if err := w.store.Clear(); err != nil {
		w.logger.Error("clearing credentials", slog.String("error", err.Error()))
	}

	if err := w.store.RecordLogout(reason, w.clock.Now()); err != nil {
		w.logger.Warn("recording logout", slog.String("error", err.Error()))
	}

	w.render(PromptState{Visible: false})

	target := RedirectTarget(w.cfg.LoginBaseURL, w.cfg.AppOrigin)
	w.logger.Warn("forced logout",
		slog.String("session", w.sess.id),
		slog.String("reason", reason),
		slog.String("redirect", target),
	)
	w.navigator.Navigate(target)
}

func (w *Watchdog) idle() {
	w.sess.stopTimers()
	w.sess = session{phase: PhaseIdle}
	w.render(PromptState{Visible: false})
}

// render forwards prompt changes. Hidden states are only sent when the
// prompt was visible.
func (w *Watchdog) render(ps PromptState) {
	if !ps.Visible && !w.promptVisible {
		return
	}

	w.promptVisible = ps.Visible
	w.prompt.Render(ps)
}

func (w *Watchdog) publish() {
	snap := Snapshot{
		Phase:            w.sess.phase,
		SessionID:        w.sess.id,
		ExpiresAt:        w.sess.expiry,
		PromptVisible:    w.promptVisible,
		SecondsRemaining: w.sess.remaining,
		Refreshing:       w.refreshing,
	}

	w.snapMu.Lock()
	w.snap = snap
	w.snapMu.Unlock()
}
