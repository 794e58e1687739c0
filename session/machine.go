package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jmcleod/gatekeeper/authapi"
	"github.com/jmcleod/gatekeeper/credstore"
	"github.com/jmcleod/gatekeeper/internal/util"
)

// Backend is the authentication backend the machine talks to.
// *authapi.Client satisfies it.
type Backend interface {
	Login(ctx context.Context, email, password, method string) (authapi.LoginResult, error)
	VerifySecondFactor(ctx context.Context, restrictedToken, pendingSessionID, code string) (authapi.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (authapi.RefreshResult, error)
	Profile(ctx context.Context, accessToken string) (authapi.Identity, error)
	Revoke(ctx context.Context, accessToken, refreshToken string) error
}

var _ Backend = (*authapi.Client)(nil)

// Outcome is the result of a successful first factor.
type Outcome int

const (
	OutcomeAuthenticated Outcome = iota + 1
	OutcomeChallengeRequired
)

// LoginResult reports how a login completed.
type LoginResult struct {
	Outcome Outcome
	// Method is the second-factor method when Outcome is
	// OutcomeChallengeRequired.
	Method string
}

// Machine owns the session state. The credential store is the source of
// truth; the in-memory State is derived from it once at Init and thereafter
// changes only through the machine's own transitions.
//
// Store reads, store writes and state changes happen under mu. Calls to the
// backend never do; a store backed by a network service (RedisStore) still
// does its round trip under mu.
// Every transition that changes which session is current bumps generation,
// and a network result is committed only if the generation it started under
// is still current.
type Machine struct {
	store   credstore.Store
	backend Backend
	events  *eventLogger
	now     func() time.Time

	maxChallengeAttempts int
	challengeTTL         time.Duration
	refreshTimeout       time.Duration
	revokeTimeout        time.Duration
	revoke               bool

	refreshes singleflight.Group

	mu         sync.Mutex
	state      State
	generation uint64
	challenge  *challengeTracker

	subMu      sync.Mutex
	subs       map[int]func(State)
	nextSub    int
	queue      []State
	delivering bool
}

// NewMachine returns a machine in the Bootstrapping state. Call Init before
// using it.
func NewMachine(store credstore.Store, backend Backend, opts ...Option) *Machine {
	m := &Machine{
		store:                store,
		backend:              backend,
		now:                  time.Now,
		maxChallengeAttempts: defaultMaxChallengeAttempts,
		challengeTTL:         defaultChallengeTTL,
		refreshTimeout:       defaultRefreshTimeout,
		revokeTimeout:        defaultRevokeTimeout,
		revoke:               true,
		state:                State{Kind: Bootstrapping},
		subs:                 make(map[int]func(State)),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.events == nil {
		m.events = newEventLogger(defaultLogger())
	}
	return m
}

// State returns the current session state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Credentials returns the stored credential record.
func (m *Machine) Credentials() (credstore.Record, error) {
	return m.store.Read()
}

// Snapshot returns the stored record together with the generation of the
// session it belongs to. A caller that later asks for a refresh passes the
// generation back so a token from a different session is never handed out.
func (m *Machine) Snapshot() (credstore.Record, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.store.Read()
	return rec, m.generation, err
}

// Subscribe registers fn to receive every state change, in order. fn may
// call back into the machine. The returned function unsubscribes.
func (m *Machine) Subscribe(fn func(State)) (cancel func()) {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subMu.Unlock()
	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

// Init derives the initial state from the stored record. It is a no-op once
// the machine has left Bootstrapping.
func (m *Machine) Init(ctx context.Context) State {
	m.mu.Lock()
	if m.state.Kind != Bootstrapping {
		s := m.state
		m.mu.Unlock()
		return s
	}
	gen := m.generation
	resume := false
	rec, err := m.store.Read()
	switch {
	case err != nil:
		m.events.failure(ctx, EventBootstrap, err)
		m.resetLocked(ctx, ReasonNone)
	case rec.Pending() && rec.AccessToken != "":
		m.challenge = newChallengeTracker(m.now(), m.maxChallengeAttempts, m.challengeTTL)
		m.setLocked(State{Kind: MfaPending})
	case rec.Pending():
		// A pending id without its restricted token cannot be verified.
		m.resetLocked(ctx, ReasonNone)
	case rec.RefreshToken != "":
		resume = true
	case !rec.Empty():
		// An access token alone cannot be renewed.
		m.resetLocked(ctx, ReasonNone)
	default:
		m.setLocked(State{Kind: Anonymous})
	}
	m.mu.Unlock()
	m.flush()

	if resume {
		_, _ = m.authenticate(ctx, gen)
	}
	s := m.State()
	m.events.log(ctx, EventBootstrap, slog.String("state", s.Kind.String()), slog.Bool("stale", s.Stale))
	return s
}

// Login submits the first factor. On a challenge the machine moves to
// MfaPending; on tokens it fetches the profile and moves to Authenticated.
// A failed login leaves the store untouched.
func (m *Machine) Login(ctx context.Context, email, password, method string) (LoginResult, error) {
	email = util.NormalizeEmail(email)
	if email == "" || password == "" {
		return LoginResult{}, fmt.Errorf("%w: email and password are required", ErrInvalidCredentials)
	}

	m.mu.Lock()
	if k := m.state.Kind; k != Anonymous && k != MfaPending {
		m.mu.Unlock()
		return LoginResult{}, fmt.Errorf("%w: login while %s", ErrWrongState, k)
	}
	gen := m.generation
	m.mu.Unlock()

	res, err := m.backend.Login(ctx, email, password, method)
	if err != nil {
		m.events.failure(ctx, EventLoginFailure, err)
		return LoginResult{}, err
	}

	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		return LoginResult{}, ErrSuperseded
	}

	if c := res.Challenge; c != nil {
		err := m.store.Write(credstore.Patch{
			AccessToken:      credstore.Set(c.RestrictedToken),
			RefreshToken:     credstore.Null(),
			PendingSessionID: credstore.Set(c.PendingSessionID),
		})
		if err != nil {
			m.mu.Unlock()
			return LoginResult{}, fmt.Errorf("storing challenge: %w", err)
		}
		m.generation++
		m.challenge = newChallengeTracker(m.now(), m.maxChallengeAttempts, m.challengeTTL)
		m.setLocked(State{Kind: MfaPending, Method: c.Method})
		m.mu.Unlock()
		m.flush()
		m.events.log(ctx, EventLoginChallenge, slog.String("method", c.Method))
		return LoginResult{Outcome: OutcomeChallengeRequired, Method: c.Method}, nil
	}

	err = m.store.Write(credstore.Patch{
		AccessToken:      credstore.Set(res.Tokens.AccessToken),
		RefreshToken:     credstore.Set(res.Tokens.RefreshToken),
		PendingSessionID: credstore.Null(),
	})
	if err != nil {
		m.mu.Unlock()
		return LoginResult{}, fmt.Errorf("storing tokens: %w", err)
	}
	m.generation++
	gen = m.generation
	m.challenge = nil
	m.mu.Unlock()

	s, err := m.authenticate(ctx, gen)
	if err != nil {
		return LoginResult{}, err
	}
	m.events.log(ctx, EventLoginSuccess, slog.String("user_id", s.Identity.UserID))
	return LoginResult{Outcome: OutcomeAuthenticated}, nil
}

// VerifySecondFactor submits a code for the pending challenge. A rejected
// code leaves the record unchanged until the challenge is exhausted or
// expires, at which point the record is cleared.
func (m *Machine) VerifySecondFactor(ctx context.Context, code string) error {
	m.mu.Lock()
	if m.state.Kind != MfaPending {
		k := m.state.Kind
		m.mu.Unlock()
		return fmt.Errorf("%w: verify while %s", ErrWrongState, k)
	}
	rec, err := m.store.Read()
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if !rec.Pending() {
		m.mu.Unlock()
		return fmt.Errorf("%w: no pending challenge", ErrWrongState)
	}
	if m.challenge != nil && m.challenge.expired(m.now()) {
		m.resetLocked(ctx, ReasonChallengeAbandoned)
		m.mu.Unlock()
		m.flush()
		m.events.log(ctx, EventSessionExpired, slog.String("reason", string(ReasonChallengeAbandoned)))
		return fmt.Errorf("%w: challenge expired", ErrSessionExpired)
	}
	gen := m.generation
	m.mu.Unlock()

	pair, err := m.backend.VerifySecondFactor(ctx, rec.AccessToken, rec.PendingSessionID, code)
	if err != nil {
		return m.verifyFailed(ctx, gen, err)
	}

	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		return ErrSuperseded
	}
	patch := credstore.Patch{
		RefreshToken:     credstore.Set(pair.RefreshToken),
		PendingSessionID: credstore.Null(),
	}
	if pair.AccessToken != "" {
		patch.AccessToken = credstore.Set(pair.AccessToken)
	}
	if err := m.store.Write(patch); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("storing tokens: %w", err)
	}
	m.generation++
	gen = m.generation
	m.challenge = nil
	m.mu.Unlock()

	s, err := m.authenticate(ctx, gen)
	if err != nil {
		return err
	}
	m.events.log(ctx, EventMFASuccess, slog.String("user_id", s.Identity.UserID))
	return nil
}

func (m *Machine) verifyFailed(ctx context.Context, gen uint64, err error) error {
	m.events.failure(ctx, EventMFAFailure, err)
	switch {
	case errors.Is(err, ErrChallengeRejected):
		m.mu.Lock()
		if m.generation != gen {
			m.mu.Unlock()
			return err
		}
		if m.challenge == nil {
			m.challenge = newChallengeTracker(m.now(), m.maxChallengeAttempts, m.challengeTTL)
		}
		if !m.challenge.recordFailure() {
			m.mu.Unlock()
			return err
		}
		m.resetLocked(ctx, ReasonChallengeAbandoned)
		m.mu.Unlock()
		m.flush()
		return fmt.Errorf("%w: %w", ErrChallengeExhausted, err)
	case errors.Is(err, ErrSessionExpired):
		m.expire(ctx, gen, ReasonChallengeAbandoned, err)
		return err
	default:
		return err
	}
}

// Refresh returns a full-scope access token newer than stale for the
// session identified by gen, as reported by Snapshot. If the session has
// changed since, it returns ErrSuperseded. If the stored token already
// differs from stale, it is returned without a network call. Otherwise one
// refresh runs for the current session no matter how many callers ask, and
// every caller gets its result.
//
// A transport failure is returned as is and keeps the session. A rejected
// refresh token clears the store and returns ErrSessionExpired.
func (m *Machine) Refresh(ctx context.Context, gen uint64, stale string) (string, error) {
	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		return "", ErrSuperseded
	}
	rec, err := m.store.Read()
	if err != nil {
		m.mu.Unlock()
		return "", err
	}
	if rec.Pending() {
		m.mu.Unlock()
		return "", ErrSecondFactorPending
	}
	if rec.RefreshToken != "" && rec.AccessToken != "" && rec.AccessToken != stale {
		m.mu.Unlock()
		return rec.AccessToken, nil
	}
	ch := m.refreshes.DoChan(strconv.FormatUint(gen, 10), func() (any, error) {
		return m.runRefresh(gen)
	})
	m.mu.Unlock()

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", ErrNetworkUnavailable, ctx.Err())
	}
}

func (m *Machine) runRefresh(gen uint64) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.refreshTimeout)
	defer cancel()

	rec, err := m.store.Read()
	if err != nil {
		return "", err
	}
	if rec.RefreshToken == "" {
		err := fmt.Errorf("%w: no refresh token", ErrSessionExpired)
		m.expire(ctx, gen, ReasonExpired, err)
		return "", err
	}

	res, err := m.backend.Refresh(ctx, rec.RefreshToken)
	if err != nil {
		m.events.failure(ctx, EventRefreshFailure, err)
		if errors.Is(err, ErrSessionExpired) {
			m.expire(ctx, gen, ReasonExpired, err)
		}
		return "", err
	}

	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		return "", ErrSuperseded
	}
	patch := credstore.Patch{AccessToken: credstore.Set(res.AccessToken)}
	if res.RefreshToken != "" {
		patch.RefreshToken = credstore.Set(res.RefreshToken)
	}
	err = m.store.Write(patch)
	m.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("storing refreshed token: %w", err)
	}
	m.events.log(ctx, EventRefreshSuccess, slog.Bool("rotated", res.RefreshToken != ""))
	return res.AccessToken, nil
}

// Logout clears the store and moves to Anonymous, then asks the backend to
// revoke the tokens. Logging out an anonymous session is a no-op.
func (m *Machine) Logout(ctx context.Context) {
	m.End(ctx, ReasonLogout)
}

// End is Logout with an explicit reason, such as ReasonIdle.
func (m *Machine) End(ctx context.Context, reason Reason) {
	m.mu.Lock()
	rec, err := m.store.Read()
	if err == nil && rec.Empty() && m.state.Kind == Anonymous {
		m.mu.Unlock()
		return
	}
	m.resetLocked(ctx, reason)
	m.mu.Unlock()
	m.flush()
	m.events.log(ctx, EventLogout, slog.String("reason", string(reason)))

	if !m.revoke || rec.AccessToken == "" {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.revokeTimeout)
	defer cancel()
	if err := m.backend.Revoke(rctx, rec.AccessToken, rec.RefreshToken); err != nil {
		m.events.failure(ctx, EventRevokeFailure, err)
	}
}

// authenticate fetches the identity for the stored tokens and commits
// Authenticated if gen is still current.
func (m *Machine) authenticate(ctx context.Context, gen uint64) (State, error) {
	identity, stale, err := m.fetchIdentity(ctx, gen)
	if errors.Is(err, ErrSuperseded) {
		return m.State(), err
	}
	if err != nil {
		if !errors.Is(err, ErrSessionExpired) {
			err = fmt.Errorf("%w: %w", ErrSessionExpired, err)
		}
		m.expire(ctx, gen, ReasonExpired, err)
		return m.State(), err
	}

	m.mu.Lock()
	if m.generation != gen {
		s := m.state
		m.mu.Unlock()
		return s, ErrSuperseded
	}
	m.setLocked(State{Kind: Authenticated, Identity: identity, Stale: stale})
	s := m.state
	m.mu.Unlock()
	m.flush()
	return s, nil
}

// fetchIdentity asks the backend who the stored token belongs to, refreshing
// once if the token is rejected. When the backend cannot be reached the
// identity is decoded from the token and marked stale.
func (m *Machine) fetchIdentity(ctx context.Context, gen uint64) (authapi.Identity, bool, error) {
	rec, err := m.store.Read()
	if err != nil {
		return authapi.Identity{}, false, err
	}
	token := rec.AccessToken
	if token == "" {
		token, err = m.Refresh(ctx, gen, "")
		if err != nil {
			return m.provisional(rec.AccessToken, err)
		}
	}

	id, err := m.backend.Profile(ctx, token)
	if errors.Is(err, authapi.ErrUnauthorized) {
		token, err = m.Refresh(ctx, gen, token)
		if err != nil {
			return m.provisional(rec.AccessToken, err)
		}
		id, err = m.backend.Profile(ctx, token)
	}
	if err != nil {
		return m.provisional(token, err)
	}
	return id, false, nil
}

func (m *Machine) provisional(token string, err error) (authapi.Identity, bool, error) {
	if authapi.IsCredentialError(err) || errors.Is(err, ErrSuperseded) {
		return authapi.Identity{}, false, err
	}
	if token == "" {
		return authapi.Identity{}, true, nil
	}
	claims, cerr := authapi.ClaimsFromToken(token)
	if cerr != nil {
		return authapi.Identity{}, false, errors.Join(err, cerr)
	}
	return claims.Identity(), true, nil
}

// expire clears the session if gen is still current and not already
// cleared.
func (m *Machine) expire(ctx context.Context, gen uint64, reason Reason, cause error) {
	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		return
	}
	if rec, err := m.store.Read(); err == nil && rec.Empty() && m.state.Kind == Anonymous {
		m.mu.Unlock()
		return
	}
	m.resetLocked(ctx, reason)
	m.mu.Unlock()
	m.flush()
	m.events.failure(ctx, EventSessionExpired, cause, slog.String("cause", string(reason)))
}

// resetLocked clears the store and moves to Anonymous. The in-memory state
// moves even if the clear fails so the user is never shown as signed in
// with credentials the machine has given up on.
func (m *Machine) resetLocked(ctx context.Context, reason Reason) {
	if err := m.store.Clear(); err != nil {
		m.events.failure(ctx, EventSessionExpired, fmt.Errorf("clearing credentials: %w", err))
	}
	m.generation++
	m.challenge = nil
	m.setLocked(State{Kind: Anonymous, Reason: reason})
}

func (m *Machine) setLocked(s State) {
	m.state = s
	m.subMu.Lock()
	m.queue = append(m.queue, s)
	m.subMu.Unlock()
}

// flush delivers queued states to subscribers. Only one goroutine delivers
// at a time; a subscriber that triggers another transition has its state
// appended and delivered after the current one.
func (m *Machine) flush() {
	m.subMu.Lock()
	if m.delivering {
		m.subMu.Unlock()
		return
	}
	m.delivering = true
	for len(m.queue) > 0 {
		s := m.queue[0]
		m.queue = m.queue[1:]
		fns := make([]func(State), 0, len(m.subs))
		for _, fn := range m.subs {
			fns = append(fns, fn)
		}
		m.subMu.Unlock()
		for _, fn := range fns {
			fn(s)
		}
		m.subMu.Lock()
	}
	m.delivering = false
	m.subMu.Unlock()
}

// ChallengeAttemptsRemaining reports how many more codes the pending
// challenge accepts, or -1 when unbounded or no challenge is pending.
func (m *Machine) ChallengeAttemptsRemaining() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.challenge == nil {
		return -1
	}
	return m.challenge.remaining()
}
