package session

import (
	"log/slog"
	"os"
	"time"
)

const (
	defaultRefreshTimeout = 20 * time.Second
	defaultRevokeTimeout  = 3 * time.Second
)

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the structured logger for session events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		if logger != nil {
			m.events = newEventLogger(logger)
		}
	}
}

// WithMaxChallengeAttempts bounds how many rejected codes a pending challenge
// tolerates before it is abandoned. Zero disables the bound.
func WithMaxChallengeAttempts(n int) Option {
	return func(m *Machine) { m.maxChallengeAttempts = n }
}

// WithChallengeTTL bounds how long a pending challenge may be retried,
// measured from when the client first saw it. Zero disables the bound.
func WithChallengeTTL(d time.Duration) Option {
	return func(m *Machine) { m.challengeTTL = d }
}

// WithRefreshTimeout bounds a single refresh call. The refresh runs on its
// own context so one caller giving up does not fail the others waiting on it.
func WithRefreshTimeout(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.refreshTimeout = d
		}
	}
}

// WithRevoke enables or disables the best-effort server-side revoke on logout.
func WithRevoke(enabled bool, timeout time.Duration) Option {
	return func(m *Machine) {
		m.revoke = enabled
		if timeout > 0 {
			m.revokeTimeout = timeout
		}
	}
}

// WithClock replaces time.Now for challenge bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

func defaultLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, nil))
}
