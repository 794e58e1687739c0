package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/gatekeeper/authapi"
	"github.com/jmcleod/gatekeeper/credstore"
)

// fakeBackend is a scripted authentication backend.
type fakeBackend struct {
	mu sync.Mutex

	login   func(email, password, method string) (authapi.LoginResult, error)
	verify  func(restricted, pending, code string) (authapi.TokenPair, error)
	refresh func(rt string) (authapi.RefreshResult, error)
	profile func(at string) (authapi.Identity, error)

	refreshGate chan struct{}

	refreshCalls atomic.Int32
	profileCalls atomic.Int32
	revoked      []string
}

func newFakeBackend() *fakeBackend {
	fb := &fakeBackend{}
	fb.login = func(email, password, method string) (authapi.LoginResult, error) {
		if password != "correct horse" {
			return authapi.LoginResult{}, authapi.ErrInvalidCredentials
		}
		return authapi.LoginResult{Tokens: authapi.TokenPair{AccessToken: "at-1", RefreshToken: "rt-1"}}, nil
	}
	fb.verify = func(restricted, pending, code string) (authapi.TokenPair, error) {
		if code != "123456" {
			return authapi.TokenPair{}, authapi.ErrChallengeRejected
		}
		return authapi.TokenPair{AccessToken: "at-full", RefreshToken: "rt-full"}, nil
	}
	fb.refresh = func(rt string) (authapi.RefreshResult, error) {
		return authapi.RefreshResult{AccessToken: "at-refreshed"}, nil
	}
	fb.profile = func(at string) (authapi.Identity, error) {
		return authapi.Identity{UserID: "u-1", Email: "ada@example.com", Role: "user", Verified: true}, nil
	}
	return fb
}

func (fb *fakeBackend) Login(_ context.Context, email, password, method string) (authapi.LoginResult, error) {
	return fb.login(email, password, method)
}

func (fb *fakeBackend) VerifySecondFactor(_ context.Context, restricted, pending, code string) (authapi.TokenPair, error) {
	return fb.verify(restricted, pending, code)
}

func (fb *fakeBackend) Refresh(_ context.Context, rt string) (authapi.RefreshResult, error) {
	fb.refreshCalls.Add(1)
	if fb.refreshGate != nil {
		<-fb.refreshGate
	}
	return fb.refresh(rt)
}

func (fb *fakeBackend) Profile(_ context.Context, at string) (authapi.Identity, error) {
	fb.profileCalls.Add(1)
	return fb.profile(at)
}

func (fb *fakeBackend) Revoke(_ context.Context, at, rt string) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.revoked = append(fb.revoked, at)
	return nil
}

func (fb *fakeBackend) revokeCount() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return len(fb.revoked)
}

func challengeLogin(email, password, method string) (authapi.LoginResult, error) {
	return authapi.LoginResult{Challenge: &authapi.Challenge{
		RestrictedToken:  "at-restricted",
		PendingSessionID: "pending-1",
		Method:           "sms",
	}}, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMachine(t *testing.T, store credstore.Store, fb *fakeBackend, opts ...Option) *Machine {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	m := NewMachine(store, fb, opts...)
	m.Init(context.Background())
	return m
}

func readRecord(t *testing.T, store credstore.Store) credstore.Record {
	t.Helper()
	rec, err := store.Read()
	require.NoError(t, err)
	return rec
}

func currentGeneration(t *testing.T, m *Machine) uint64 {
	t.Helper()
	_, gen, err := m.Snapshot()
	require.NoError(t, err)
	return gen
}

func TestInitEmptyStoreIsAnonymous(t *testing.T) {
	m := newTestMachine(t, credstore.NewMemoryStore(), newFakeBackend())
	s := m.State()
	assert.Equal(t, Anonymous, s.Kind)
	assert.Equal(t, ReasonNone, s.Reason)
}

func TestInitIsIdempotent(t *testing.T) {
	store := credstore.NewMemoryStore()
	fb := newFakeBackend()
	m := newTestMachine(t, store, fb)
	_, err := m.Login(context.Background(), "ada@example.com", "correct horse", "")
	require.NoError(t, err)

	s := m.Init(context.Background())
	assert.Equal(t, Authenticated, s.Kind)
}

func TestLoginWithTokens(t *testing.T) {
	store := credstore.NewMemoryStore()
	m := newTestMachine(t, store, newFakeBackend())

	res, err := m.Login(context.Background(), "  Ada@Example.com ", "correct horse", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAuthenticated, res.Outcome)

	s := m.State()
	assert.Equal(t, Authenticated, s.Kind)
	assert.Equal(t, "u-1", s.Identity.UserID)
	assert.False(t, s.Stale)

	assert.Equal(t, credstore.Record{AccessToken: "at-1", RefreshToken: "rt-1"}, readRecord(t, store))
}

func TestLoginNormalizesEmail(t *testing.T) {
	fb := newFakeBackend()
	var got string
	fb.login = func(email, password, method string) (authapi.LoginResult, error) {
		got = email
		return authapi.LoginResult{Tokens: authapi.TokenPair{AccessToken: "a", RefreshToken: "r"}}, nil
	}
	m := newTestMachine(t, credstore.NewMemoryStore(), fb)
	_, err := m.Login(context.Background(), "  Ada@Example.COM ", "pw", "")
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", got)
}

func TestLoginFailureLeavesStoreUntouched(t *testing.T) {
	store := credstore.NewMemoryStore()
	m := newTestMachine(t, store, newFakeBackend())

	_, err := m.Login(context.Background(), "ada@example.com", "wrong", "")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Equal(t, Anonymous, m.State().Kind)
	assert.True(t, readRecord(t, store).Empty())
}

func TestLoginRequiresFields(t *testing.T) {
	m := newTestMachine(t, credstore.NewMemoryStore(), newFakeBackend())
	_, err := m.Login(context.Background(), " ", "pw", "")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginWhileAuthenticatedIsWrongState(t *testing.T) {
	m := newTestMachine(t, credstore.NewMemoryStore(), newFakeBackend())
	_, err := m.Login(context.Background(), "ada@example.com", "correct horse", "")
	require.NoError(t, err)

	_, err = m.Login(context.Background(), "ada@example.com", "correct horse", "")
	require.ErrorIs(t, err, ErrWrongState)
}

func TestSecondFactorFlow(t *testing.T) {
	store := credstore.NewMemoryStore()
	fb := newFakeBackend()
	fb.login = challengeLogin
	m := newTestMachine(t, store, fb)
	ctx := context.Background()

	res, err := m.Login(ctx, "ada@example.com", "correct horse", "sms")
	require.NoError(t, err)
	assert.Equal(t, OutcomeChallengeRequired, res.Outcome)
	assert.Equal(t, "sms", res.Method)
	assert.Equal(t, MfaPending, m.State().Kind)

	pending := credstore.Record{AccessToken: "at-restricted", PendingSessionID: "pending-1"}
	assert.Equal(t, pending, readRecord(t, store))

	// A refresh is never attempted while a challenge is outstanding.
	_, err = m.Refresh(ctx, currentGeneration(t, m), "at-restricted")
	require.ErrorIs(t, err, ErrSecondFactorPending)
	assert.Zero(t, fb.refreshCalls.Load())

	err = m.VerifySecondFactor(ctx, "000000")
	require.ErrorIs(t, err, ErrChallengeRejected)
	assert.Equal(t, MfaPending, m.State().Kind)
	assert.Equal(t, pending, readRecord(t, store))
	assert.Equal(t, defaultMaxChallengeAttempts-1, m.ChallengeAttemptsRemaining())

	require.NoError(t, m.VerifySecondFactor(ctx, "123456"))
	assert.Equal(t, Authenticated, m.State().Kind)
	assert.Equal(t, credstore.Record{AccessToken: "at-full", RefreshToken: "rt-full"}, readRecord(t, store))
	assert.Equal(t, -1, m.ChallengeAttemptsRemaining())
}

func TestVerifyKeepsRestrictedTokenWhenNotReissued(t *testing.T) {
	store := credstore.NewMemoryStore()
	fb := newFakeBackend()
	fb.login = challengeLogin
	fb.verify = func(restricted, pending, code string) (authapi.TokenPair, error) {
		return authapi.TokenPair{RefreshToken: "rt-full"}, nil
	}
	m := newTestMachine(t, store, fb)
	ctx := context.Background()

	_, err := m.Login(ctx, "ada@example.com", "correct horse", "")
	require.NoError(t, err)
	require.NoError(t, m.VerifySecondFactor(ctx, "123456"))

	rec := readRecord(t, store)
	assert.Equal(t, "at-restricted", rec.AccessToken)
	assert.Equal(t, "rt-full", rec.RefreshToken)
	assert.False(t, rec.Pending())
}

func TestVerifyOutsideChallengeIsWrongState(t *testing.T) {
	m := newTestMachine(t, credstore.NewMemoryStore(), newFakeBackend())
	err := m.VerifySecondFactor(context.Background(), "123456")
	require.ErrorIs(t, err, ErrWrongState)
}

func TestChallengeExhausted(t *testing.T) {
	store := credstore.NewMemoryStore()
	fb := newFakeBackend()
	fb.login = challengeLogin
	m := newTestMachine(t, store, fb, WithMaxChallengeAttempts(3))
	ctx := context.Background()

	_, err := m.Login(ctx, "ada@example.com", "correct horse", "")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		err = m.VerifySecondFactor(ctx, "bad")
		require.ErrorIs(t, err, ErrChallengeRejected)
		require.NotErrorIs(t, err, ErrChallengeExhausted)
	}
	err = m.VerifySecondFactor(ctx, "bad")
	require.ErrorIs(t, err, ErrChallengeExhausted)

	s := m.State()
	assert.Equal(t, Anonymous, s.Kind)
	assert.Equal(t, ReasonChallengeAbandoned, s.Reason)
	assert.True(t, readRecord(t, store).Empty())
}

func TestChallengeExpires(t *testing.T) {
	store := credstore.NewMemoryStore()
	fb := newFakeBackend()
	fb.login = challengeLogin
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	m := newTestMachine(t, store, fb, WithChallengeTTL(time.Minute), WithClock(clock))
	ctx := context.Background()

	_, err := m.Login(ctx, "ada@example.com", "correct horse", "")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	err = m.VerifySecondFactor(ctx, "123456")
	require.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, Anonymous, m.State().Kind)
	assert.True(t, readRecord(t, store).Empty())
}

func TestChallengeRefusedByBackendClearsRecord(t *testing.T) {
	store := credstore.NewMemoryStore()
	fb := newFakeBackend()
	fb.login = challengeLogin
	fb.verify = func(restricted, pending, code string) (authapi.TokenPair, error) {
		return authapi.TokenPair{}, &authapi.APIError{Status: 410, Code: authapi.CodeChallengeExpired, Err: authapi.ErrSessionExpired}
	}
	m := newTestMachine(t, store, fb)
	ctx := context.Background()

	_, err := m.Login(ctx, "ada@example.com", "correct horse", "")
	require.NoError(t, err)
	err = m.VerifySecondFactor(ctx, "123456")
	require.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, Anonymous, m.State().Kind)
	assert.True(t, readRecord(t, store).Empty())
}

func TestVerifyTransportErrorKeepsChallenge(t *testing.T) {
	store := credstore.NewMemoryStore()
	fb := newFakeBackend()
	fb.login = challengeLogin
	fb.verify = func(restricted, pending, code string) (authapi.TokenPair, error) {
		return authapi.TokenPair{}, authapi.ErrNetworkUnavailable
	}
	m := newTestMachine(t, store, fb)
	ctx := context.Background()

	_, err := m.Login(ctx, "ada@example.com", "correct horse", "")
	require.NoError(t, err)
	err = m.VerifySecondFactor(ctx, "123456")
	require.ErrorIs(t, err, ErrNetworkUnavailable)
	assert.Equal(t, MfaPending, m.State().Kind)
	assert.True(t, readRecord(t, store).Pending())
}

func TestReloadRestoresAuthenticated(t *testing.T) {
	store := credstore.NewMemoryStore()
	fb := newFakeBackend()
	m := newTestMachine(t, store, fb)
	_, err := m.Login(context.Background(), "ada@example.com", "correct horse", "")
	require.NoError(t, err)

	reloaded := newTestMachine(t, store, fb)
	s := reloaded.State()
	assert.Equal(t, Authenticated, s.Kind)
	assert.Equal(t, "u-1", s.Identity.UserID)
}

func TestReloadRestoresPendingChallenge(t *testing.T) {
	store := credstore.NewMemoryStore()
	require.NoError(t, store.Write(credstore.Patch{
		AccessToken:      credstore.Set("at-restricted"),
		PendingSessionID: credstore.Set("pending-1"),
	}))
	fb := newFakeBackend()
	m := newTestMachine(t, store, fb)
	assert.Equal(t, MfaPending, m.State().Kind)
	assert.Zero(t, fb.profileCalls.Load())

	require.NoError(t, m.VerifySecondFactor(context.Background(), "123456"))
	assert.Equal(t, Authenticated, m.State().Kind)
}

func TestReloadWithOnlyAccessTokenIsAnonymous(t *testing.T) {
	store := credstore.NewMemoryStore()
	require.NoError(t, store.Write(credstore.Patch{AccessToken: credstore.Set("at-orphan")}))
	m := newTestMachine(t, store, newFakeBackend())
	assert.Equal(t, Anonymous, m.State().Kind)
	assert.True(t, readRecord(t, store).Empty())
}

func TestReloadWithRejectedRefreshTokenIsAnonymous(t *testing.T) {
	store := credstore.NewMemoryStore()
	require.NoError(t, store.Write(credstore.Patch{
		AccessToken:  credstore.Set("at-old"),
		RefreshToken: credstore.Set("rt-old"),
	}))
	fb := newFakeBackend()
	fb.profile = func(at string) (authapi.Identity, error) {
		return authapi.Identity{}, authapi.ErrUnauthorized
	}
	fb.refresh = func(rt string) (authapi.RefreshResult, error) {
		return authapi.RefreshResult{}, authapi.ErrSessionExpired
	}
	m := newTestMachine(t, store, fb)

	s := m.State()
	assert.Equal(t, Anonymous, s.Kind)
	assert.Equal(t, ReasonExpired, s.Reason)
	assert.True(t, readRecord(t, store).Empty())
}

func TestReloadRefreshesExpiredAccessToken(t *testing.T) {
	store := credstore.NewMemoryStore()
	require.NoError(t, store.Write(credstore.Patch{
		AccessToken:  credstore.Set("at-old"),
		RefreshToken: credstore.Set("rt-old"),
	}))
	fb := newFakeBackend()
	fb.profile = func(at string) (authapi.Identity, error) {
		if at == "at-old" {
			return authapi.Identity{}, authapi.ErrUnauthorized
		}
		return authapi.Identity{UserID: "u-1"}, nil
	}
	m := newTestMachine(t, store, fb)

	assert.Equal(t, Authenticated, m.State().Kind)
	assert.Equal(t, "at-refreshed", readRecord(t, store).AccessToken)
	assert.Equal(t, int32(1), fb.refreshCalls.Load())
}

func TestReloadOfflineUsesTokenClaims(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, authapi.Claims{
		UserID: "u-9",
		Email:  "grace@example.com",
		Role:   "admin",
		Scope:  authapi.ScopeFull,
	}).SignedString([]byte("test-key"))
	require.NoError(t, err)

	store := credstore.NewMemoryStore()
	require.NoError(t, store.Write(credstore.Patch{
		AccessToken:  credstore.Set(token),
		RefreshToken: credstore.Set("rt-1"),
	}))
	fb := newFakeBackend()
	fb.profile = func(at string) (authapi.Identity, error) {
		return authapi.Identity{}, authapi.ErrNetworkUnavailable
	}
	m := newTestMachine(t, store, fb)

	s := m.State()
	assert.Equal(t, Authenticated, s.Kind)
	assert.True(t, s.Stale)
	assert.Equal(t, "u-9", s.Identity.UserID)
	assert.Equal(t, "admin", s.Identity.Role)
	assert.Equal(t, token, readRecord(t, store).AccessToken)
}

func TestRefreshReturnsNewerStoredToken(t *testing.T) {
	store := credstore.NewMemoryStore()
	fb := newFakeBackend()
	m := newTestMachine(t, store, fb)
	_, err := m.Login(context.Background(), "ada@example.com", "correct horse", "")
	require.NoError(t, err)

	token, err := m.Refresh(context.Background(), currentGeneration(t, m), "at-0")
	require.NoError(t, err)
	assert.Equal(t, "at-1", token)
	assert.Zero(t, fb.refreshCalls.Load())
}

func TestRefreshForEndedSessionIsSuperseded(t *testing.T) {
	store := credstore.NewMemoryStore()
	fb := newFakeBackend()
	m := newTestMachine(t, store, fb)
	ctx := context.Background()
	_, err := m.Login(ctx, "ada@example.com", "correct horse", "")
	require.NoError(t, err)
	rec, gen, err := m.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "at-1", rec.AccessToken)

	m.Logout(ctx)
	_, err = m.Login(ctx, "grace@example.com", "correct horse", "")
	require.NoError(t, err)

	// The new session's token differs from stale but must not be handed to
	// a caller that started under the old session.
	token, err := m.Refresh(ctx, gen, "at-0")
	require.ErrorIs(t, err, ErrSuperseded)
	assert.Empty(t, token)
	assert.Zero(t, fb.refreshCalls.Load())
	assert.Equal(t, Authenticated, m.State().Kind)
}

func TestRefreshRotatesRefreshToken(t *testing.T) {
	store := credstore.NewMemoryStore()
	fb := newFakeBackend()
	fb.refresh = func(rt string) (authapi.RefreshResult, error) {
		return authapi.RefreshResult{AccessToken: "at-2", RefreshToken: "rt-2"}, nil
	}
	m := newTestMachine(t, store, fb)
	_, err := m.Login(context.Background(), "ada@example.com", "correct horse", "")
	require.NoError(t, err)

	token, err := m.Refresh(context.Background(), currentGeneration(t, m), "at-1")
	require.NoError(t, err)
	assert.Equal(t, "at-2", token)
	assert.Equal(t, credstore.Record{AccessToken: "at-2", RefreshToken: "rt-2"}, readRecord(t, store))
}

func TestConcurrentRefreshIsShared(t *testing.T) {
	store := credstore.NewMemoryStore()
	fb := newFakeBackend()
	m := newTestMachine(t, store, fb)
	_, err := m.Login(context.Background(), "ada@example.com", "correct horse", "")
	require.NoError(t, err)

	fb.refreshGate = make(chan struct{})
	const callers = 8
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	gen := currentGeneration(t, m)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = m.Refresh(context.Background(), gen, "at-1")
		}(i)
	}

	require.Eventually(t, func() bool { return fb.refreshCalls.Load() == 1 }, time.Second, time.Millisecond)
	// Give the remaining callers time to join the flight before it lands.
	time.Sleep(20 * time.Millisecond)
	close(fb.refreshGate)
	wg.Wait()

	assert.Equal(t, int32(1), fb.refreshCalls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "at-refreshed", tokens[i])
	}
}

func TestRefreshRejectedExpiresSession(t *testing.T) {
	store := credstore.NewMemoryStore()
	fb := newFakeBackend()
	fb.refresh = func(rt string) (authapi.RefreshResult, error) {
		return authapi.RefreshResult{}, &authapi.APIError{Status: 401, Code: authapi.CodeInvalidRefreshToken, Err: authapi.ErrSessionExpired}
	}
	m := newTestMachine(t, store, fb)
	_, err := m.Login(context.Background(), "ada@example.com", "correct horse", "")
	require.NoError(t, err)

	var seen []State
	m.Subscribe(func(s State) { seen = append(seen, s) })

	_, err = m.Refresh(context.Background(), currentGeneration(t, m), "at-1")
	require.ErrorIs(t, err, ErrSessionExpired)

	s := m.State()
	assert.Equal(t, Anonymous, s.Kind)
	assert.Equal(t, ReasonExpired, s.Reason)
	assert.True(t, readRecord(t, store).Empty())
	require.Len(t, seen, 1)
	assert.Equal(t, ReasonExpired, seen[0].Reason)
}

func TestRefreshTransportErrorKeepsSession(t *testing.T) {
	store := credstore.NewMemoryStore()
	fb := newFakeBackend()
	fb.refresh = func(rt string) (authapi.RefreshResult, error) {
		return authapi.RefreshResult{}, &authapi.APIError{Status: 503, Err: authapi.ErrNetworkUnavailable}
	}
	m := newTestMachine(t, store, fb)
	_, err := m.Login(context.Background(), "ada@example.com", "correct horse", "")
	require.NoError(t, err)

	_, err = m.Refresh(context.Background(), currentGeneration(t, m), "at-1")
	require.ErrorIs(t, err, ErrNetworkUnavailable)
	assert.Equal(t, Authenticated, m.State().Kind)
	assert.Equal(t, credstore.Record{AccessToken: "at-1", RefreshToken: "rt-1"}, readRecord(t, store))
}

func TestLogoutDuringRefreshDiscardsResult(t *testing.T) {
	store := credstore.NewMemoryStore()
	fb := newFakeBackend()
	m := newTestMachine(t, store, fb)
	_, err := m.Login(context.Background(), "ada@example.com", "correct horse", "")
	require.NoError(t, err)

	fb.refreshGate = make(chan struct{})
	gen := currentGeneration(t, m)
	done := make(chan error, 1)
	go func() {
		_, err := m.Refresh(context.Background(), gen, "at-1")
		done <- err
	}()
	require.Eventually(t, func() bool { return fb.refreshCalls.Load() == 1 }, time.Second, time.Millisecond)

	m.Logout(context.Background())
	close(fb.refreshGate)

	require.ErrorIs(t, <-done, ErrSuperseded)
	assert.Equal(t, Anonymous, m.State().Kind)
	assert.True(t, readRecord(t, store).Empty())
}

func TestRefreshHonoursCallerContext(t *testing.T) {
	store := credstore.NewMemoryStore()
	fb := newFakeBackend()
	m := newTestMachine(t, store, fb)
	_, err := m.Login(context.Background(), "ada@example.com", "correct horse", "")
	require.NoError(t, err)

	fb.refreshGate = make(chan struct{})
	defer close(fb.refreshGate)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = m.Refresh(ctx, currentGeneration(t, m), "at-1")
	require.ErrorIs(t, err, ErrNetworkUnavailable)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLogoutIsIdempotent(t *testing.T) {
	store := credstore.NewMemoryStore()
	fb := newFakeBackend()
	m := newTestMachine(t, store, fb)
	_, err := m.Login(context.Background(), "ada@example.com", "correct horse", "")
	require.NoError(t, err)

	var seen []State
	m.Subscribe(func(s State) { seen = append(seen, s) })

	m.Logout(context.Background())
	m.Logout(context.Background())

	s := m.State()
	assert.Equal(t, Anonymous, s.Kind)
	assert.Equal(t, ReasonLogout, s.Reason)
	assert.True(t, readRecord(t, store).Empty())
	assert.Equal(t, 1, fb.revokeCount())
	assert.Len(t, seen, 1)
}

func TestLogoutWithoutRevoke(t *testing.T) {
	fb := newFakeBackend()
	m := newTestMachine(t, credstore.NewMemoryStore(), fb, WithRevoke(false, 0))
	_, err := m.Login(context.Background(), "ada@example.com", "correct horse", "")
	require.NoError(t, err)

	m.Logout(context.Background())
	assert.Zero(t, fb.revokeCount())
}

func TestLogoutFromPendingChallenge(t *testing.T) {
	store := credstore.NewMemoryStore()
	fb := newFakeBackend()
	fb.login = challengeLogin
	m := newTestMachine(t, store, fb)
	_, err := m.Login(context.Background(), "ada@example.com", "correct horse", "")
	require.NoError(t, err)

	m.Logout(context.Background())
	assert.Equal(t, Anonymous, m.State().Kind)
	assert.True(t, readRecord(t, store).Empty())
}

func TestEndWithIdleReason(t *testing.T) {
	m := newTestMachine(t, credstore.NewMemoryStore(), newFakeBackend())
	_, err := m.Login(context.Background(), "ada@example.com", "correct horse", "")
	require.NoError(t, err)

	m.End(context.Background(), ReasonIdle)
	assert.Equal(t, State{Kind: Anonymous, Reason: ReasonIdle}, m.State())
}

func TestSubscribersSeeTransitionsInOrder(t *testing.T) {
	fb := newFakeBackend()
	fb.login = challengeLogin
	m := newTestMachine(t, credstore.NewMemoryStore(), fb)

	var kinds []Kind
	cancel := m.Subscribe(func(s State) { kinds = append(kinds, s.Kind) })

	ctx := context.Background()
	_, err := m.Login(ctx, "ada@example.com", "correct horse", "")
	require.NoError(t, err)
	require.NoError(t, m.VerifySecondFactor(ctx, "123456"))
	m.Logout(ctx)

	assert.Equal(t, []Kind{MfaPending, Authenticated, Anonymous}, kinds)

	cancel()
	_, err = m.Login(ctx, "ada@example.com", "correct horse", "")
	require.NoError(t, err)
	assert.Len(t, kinds, 3)
}

func TestSubscriberMayTransition(t *testing.T) {
	m := newTestMachine(t, credstore.NewMemoryStore(), newFakeBackend())

	var kinds []Kind
	m.Subscribe(func(s State) {
		kinds = append(kinds, s.Kind)
		if s.Kind == Authenticated {
			m.Logout(context.Background())
		}
	})

	_, err := m.Login(context.Background(), "ada@example.com", "correct horse", "")
	require.NoError(t, err)
	assert.Equal(t, []Kind{Authenticated, Anonymous}, kinds)
}

func TestCorruptStoreBootsAnonymous(t *testing.T) {
	store := &failingStore{Store: credstore.NewMemoryStore(), readErr: credstore.ErrCorruptRecord}
	m := newTestMachine(t, store, newFakeBackend())
	assert.Equal(t, Anonymous, m.State().Kind)
	assert.True(t, store.cleared)
}

type failingStore struct {
	credstore.Store
	readErr error
	cleared bool
}

func (f *failingStore) Read() (credstore.Record, error) {
	if f.readErr != nil {
		return credstore.Record{}, f.readErr
	}
	return f.Store.Read()
}

func (f *failingStore) Clear() error {
	f.cleared = true
	f.readErr = nil
	return f.Store.Clear()
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "mfa_pending", State{Kind: MfaPending}.String())
	assert.Equal(t, "anonymous (idle)", State{Kind: Anonymous, Reason: ReasonIdle}.String())
	assert.True(t, errors.Is(ErrSessionExpired, authapi.ErrSessionExpired))
}
