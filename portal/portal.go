// Package portal wires the session machine, request client, idle monitor
// and route guard into one object with an explicit lifecycle: Init at
// process start, Teardown at exit.
package portal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sync"

	"github.com/jmcleod/gatekeeper/authapi"
	"github.com/jmcleod/gatekeeper/credstore"
	"github.com/jmcleod/gatekeeper/guard"
	"github.com/jmcleod/gatekeeper/idle"
	"github.com/jmcleod/gatekeeper/session"
	"github.com/jmcleod/gatekeeper/transport"
)

// Messages shown on the login screen after a forced sign-out.
const (
	MessageSessionExpired = "Your session expired. Please sign in again."
	MessageIdle           = "You were signed out after a period of inactivity."
	MessageChallenge      = "The verification step could not be completed. Please sign in again."
)

// Presenter is the user interface the portal drives.
type Presenter interface {
	// Navigate shows path. message is empty for ordinary navigation.
	Navigate(path, message string)
	IdleWarning(n idle.Notice)
	DismissIdleWarning()
}

// Options configures a Portal.
type Options struct {
	// Store holds the credential record. Required.
	Store credstore.Store
	// Backend is the authentication backend. When nil one is built from
	// BaseURL.
	Backend    session.Backend
	BaseURL    string
	HTTPClient *http.Client

	Idle      idle.Config
	Routes    guard.Routes
	Presenter Presenter
	Logger    *slog.Logger

	// StrictInvariants makes data calls during a pending challenge panic.
	StrictInvariants bool
	Session          []session.Option
	IdleOptions      []idle.Option
}

// Portal is the client-side session context.
type Portal struct {
	machine   *session.Machine
	client    *transport.Client
	monitor   *idle.Monitor
	activity  *idle.Hub
	routes    guard.Routes
	presenter Presenter
	logger    *slog.Logger

	mu          sync.Mutex
	location    string
	unsubscribe func()
}

// New builds a Portal. Call Init before use.
func New(opts Options) (*Portal, error) {
	if opts.Store == nil {
		return nil, errors.New("portal: credential store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	backend := opts.Backend
	if backend == nil {
		if opts.BaseURL == "" {
			return nil, errors.New("portal: backend or base URL is required")
		}
		backend = authapi.NewClient(opts.BaseURL, authapi.WithHTTPClient(httpClient))
	}

	idleCfg := opts.Idle
	if idleCfg == (idle.Config{}) {
		idleCfg = idle.DefaultConfig()
	}
	routes := opts.Routes
	if routes.Login == "" {
		routes = guard.DefaultRoutes()
	}
	presenter := opts.Presenter
	if presenter == nil {
		presenter = logPresenter{logger: logger}
	}

	p := &Portal{
		activity:  &idle.Hub{},
		routes:    routes,
		presenter: presenter,
		logger:    logger.With("component", "portal"),
	}

	sessOpts := append([]session.Option{session.WithLogger(logger)}, opts.Session...)
	p.machine = session.NewMachine(opts.Store, backend, sessOpts...)

	monitor, err := idle.New(idleCfg, presenter.IdleWarning, p.idleTimeout,
		append([]idle.Option{idle.WithDismiss(presenter.DismissIdleWarning)}, opts.IdleOptions...)...)
	if err != nil {
		return nil, fmt.Errorf("portal: %w", err)
	}
	p.monitor = monitor

	tOpts := []transport.Option{
		transport.WithHTTPClient(httpClient),
		transport.WithLogger(logger),
		transport.WithStrictInvariants(opts.StrictInvariants),
	}
	if opts.BaseURL != "" {
		u, err := url.Parse(opts.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("portal: parsing base URL: %w", err)
		}
		tOpts = append(tOpts, transport.WithBaseURL(u))
	}
	p.client = transport.New(p.machine, tOpts...)
	return p, nil
}

// Init restores the session from the store and starts reacting to state
// changes. It returns the restored state.
func (p *Portal) Init(ctx context.Context) session.State {
	p.mu.Lock()
	if p.unsubscribe == nil {
		p.unsubscribe = p.machine.Subscribe(p.onState)
	}
	p.mu.Unlock()

	s := p.machine.Init(ctx)
	p.applyIdle(s)
	return s
}

// Teardown stops the idle monitor and state subscription. Stored
// credentials are kept so the next Init resumes the session.
func (p *Portal) Teardown() {
	p.mu.Lock()
	unsubscribe := p.unsubscribe
	p.unsubscribe = nil
	p.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
	p.monitor.Disarm()
}

// State returns the current session state.
func (p *Portal) State() session.State { return p.machine.State() }

// Credentials returns the stored credential record.
func (p *Portal) Credentials() (credstore.Record, error) { return p.machine.Credentials() }

// Subscribe registers fn for session state changes.
func (p *Portal) Subscribe(fn func(session.State)) (cancel func()) {
	return p.machine.Subscribe(fn)
}

// Login submits the first factor.
func (p *Portal) Login(ctx context.Context, email, password, method string) (session.LoginResult, error) {
	return p.machine.Login(ctx, email, password, method)
}

// VerifySecondFactor submits a second-factor code.
func (p *Portal) VerifySecondFactor(ctx context.Context, code string) error {
	return p.machine.VerifySecondFactor(ctx, code)
}

// Logout signs out. It is safe to call when already signed out.
func (p *Portal) Logout(ctx context.Context) {
	p.machine.Logout(ctx)
}

// ChallengeAttemptsRemaining reports how many codes the pending challenge
// still accepts, or -1.
func (p *Portal) ChallengeAttemptsRemaining() int {
	return p.machine.ChallengeAttemptsRemaining()
}

// Do sends an authenticated request.
func (p *Portal) Do(req *http.Request) (*http.Response, error) { return p.client.Do(req) }

// Get sends an authenticated GET.
func (p *Portal) Get(ctx context.Context, path string) (*http.Response, error) {
	return p.client.Get(ctx, path)
}

// PostJSON sends an authenticated JSON POST.
func (p *Portal) PostJSON(ctx context.Context, path string, v any) (*http.Response, error) {
	return p.client.PostJSON(ctx, path, v)
}

// Navigate runs the route guard for path and shows the resulting screen.
// Before Init has settled the state nothing is shown and the decision is
// held.
func (p *Portal) Navigate(path string) guard.Decision {
	d := guard.Decide(p.machine.State(), path, p.routes)
	if d.Hold {
		return d
	}
	target := path
	if !d.Allow {
		target = d.RedirectTo
	}
	p.show(target, "")
	return d
}

// Location returns the screen last shown.
func (p *Portal) Location() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.location
}

// RecordActivity reports a user activity event to the idle monitor.
func (p *Portal) RecordActivity(kind idle.Kind) { p.activity.Record(kind) }

// IdleArmed reports whether the idle monitor is running.
func (p *Portal) IdleArmed() bool { return p.monitor.Armed() }

// Routes returns the configured screens.
func (p *Portal) Routes() guard.Routes { return p.routes }

func (p *Portal) onState(s session.State) {
	p.applyIdle(s)
	if s.Kind != session.Anonymous {
		return
	}
	switch s.Reason {
	case session.ReasonExpired:
		p.show(p.routes.Login, MessageSessionExpired)
	case session.ReasonIdle:
		p.show(p.routes.Login, MessageIdle)
	case session.ReasonChallengeAbandoned:
		p.show(p.routes.Login, MessageChallenge)
	case session.ReasonLogout:
		p.show(p.routes.Login, "")
	}
}

func (p *Portal) applyIdle(s session.State) {
	if s.Kind == session.Authenticated {
		p.monitor.Arm(p.activity)
		return
	}
	p.monitor.Disarm()
}

func (p *Portal) idleTimeout() {
	p.logger.Info("idle timeout", "event", "idle_logout")
	p.machine.End(context.Background(), session.ReasonIdle)
}

func (p *Portal) show(path, message string) {
	p.mu.Lock()
	p.location = path
	p.mu.Unlock()
	p.presenter.Navigate(path, message)
}

type logPresenter struct {
	logger *slog.Logger
}

func (l logPresenter) Navigate(path, message string) {
	l.logger.Info("navigate", "path", path, "message", message)
}

func (l logPresenter) IdleWarning(n idle.Notice) {
	l.logger.Warn(n.Message, "expires_at", n.ExpiresAt)
}

func (l logPresenter) DismissIdleWarning() {}
