// Package idle signs a session out after a period without user activity.
// A Monitor runs two timers from the last qualifying activity: a warning
// and a logout. Activity before the logout deadline restarts both.
package idle

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	DefaultWarning = 13 * time.Minute
	DefaultLogout  = 15 * time.Minute
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid idle configuration")

// Config holds the two thresholds, both measured from the last activity.
type Config struct {
	Warning time.Duration `yaml:"warning"`
	Logout  time.Duration `yaml:"logout"`
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{Warning: DefaultWarning, Logout: DefaultLogout}
}

// Validate checks that both thresholds are positive and the warning comes
// strictly before the logout.
func (c Config) Validate() error {
	if c.Warning <= 0 || c.Logout <= 0 {
		return fmt.Errorf("%w: thresholds must be positive", ErrInvalidConfig)
	}
	if c.Warning >= c.Logout {
		return fmt.Errorf("%w: warning %s must be less than logout %s", ErrInvalidConfig, c.Warning, c.Logout)
	}
	return nil
}

// Notice is the warning shown before an idle logout. Any activity dismisses
// it.
type Notice struct {
	Message   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Remaining returns the time left before logout as seen from now.
func (n Notice) Remaining(now time.Time) time.Duration {
	if d := n.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Timer is a cancellable scheduled callback. *time.Timer satisfies it.
type Timer interface {
	Stop() bool
}

// Scheduler runs f after d.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
	Now() time.Time
}

type wallClock struct{}

func (wallClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
func (wallClock) Now() time.Time                            { return time.Now() }

// Option configures a Monitor.
type Option func(*Monitor)

// WithScheduler replaces the wall-clock scheduler.
func WithScheduler(s Scheduler) Option {
	return func(m *Monitor) {
		if s != nil {
			m.sched = s
		}
	}
}

// WithDismiss registers a callback run when activity dismisses a shown
// warning.
func WithDismiss(fn func()) Option {
	return func(m *Monitor) { m.onDismiss = fn }
}

// Monitor tracks idleness while armed.
//
// Every arm, reset and disarm bumps gen. A timer callback carries the gen it
// was scheduled under and does nothing if that is no longer current, so a
// timer that was stopped too late to prevent its callback still never acts.
type Monitor struct {
	cfg       Config
	sched     Scheduler
	onWarn    func(Notice)
	onTimeout func()
	onDismiss func()

	mu           sync.Mutex
	armed        bool
	armings      uint64
	gen          uint64
	warnTimer    Timer
	logoutTimer  Timer
	stopListen   func()
	lastActivity time.Time
	warned       bool
}

// New returns a disarmed monitor. onWarn and onTimeout run on the
// scheduler's goroutine and may call back into the monitor.
func New(cfg Config, onWarn func(Notice), onTimeout func(), opts ...Option) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Monitor{
		cfg:       cfg,
		sched:     wallClock{},
		onWarn:    onWarn,
		onTimeout: onTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Arm starts both timers and subscribes to src. Arming an armed monitor is
// a no-op.
func (m *Monitor) Arm(src ActivitySource) {
	m.mu.Lock()
	if m.armed {
		m.mu.Unlock()
		return
	}
	m.armed = true
	m.armings++
	arming := m.armings
	m.scheduleLocked()
	m.mu.Unlock()

	if src == nil {
		return
	}
	stop := src.Listen(m.observe)

	m.mu.Lock()
	if m.armed && m.armings == arming {
		m.stopListen = stop
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	stop()
}

// Disarm cancels both timers and stops listening. It is safe to call on a
// disarmed monitor.
func (m *Monitor) Disarm() {
	m.mu.Lock()
	stop := m.disarmLocked()
	m.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// Reset restarts both timers from now, dismissing a shown warning.
func (m *Monitor) Reset() {
	m.mu.Lock()
	if !m.armed {
		m.mu.Unlock()
		return
	}
	dismissed := m.warned
	m.cancelLocked()
	m.scheduleLocked()
	m.mu.Unlock()
	if dismissed && m.onDismiss != nil {
		m.onDismiss()
	}
}

// Armed reports whether the monitor is armed.
func (m *Monitor) Armed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.armed
}

// LastActivity returns when the current idle period started.
func (m *Monitor) LastActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActivity
}

func (m *Monitor) observe(a Activity) {
	if a.Kind.Qualifies() {
		m.Reset()
	}
}

func (m *Monitor) scheduleLocked() {
	m.gen++
	gen := m.gen
	m.warned = false
	m.lastActivity = m.sched.Now()
	m.warnTimer = m.sched.AfterFunc(m.cfg.Warning, func() { m.warn(gen) })
	m.logoutTimer = m.sched.AfterFunc(m.cfg.Logout, func() { m.timeout(gen) })
}

func (m *Monitor) cancelLocked() {
	m.gen++
	if m.warnTimer != nil {
		m.warnTimer.Stop()
		m.warnTimer = nil
	}
	if m.logoutTimer != nil {
		m.logoutTimer.Stop()
		m.logoutTimer = nil
	}
}

func (m *Monitor) disarmLocked() (stop func()) {
	if !m.armed {
		return nil
	}
	m.armed = false
	m.warned = false
	m.cancelLocked()
	stop = m.stopListen
	m.stopListen = nil
	return stop
}

func (m *Monitor) warn(gen uint64) {
	m.mu.Lock()
	if !m.armed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.warned = true
	n := Notice{
		Message:   "You will be signed out soon due to inactivity.",
		IssuedAt:  m.sched.Now(),
		ExpiresAt: m.lastActivity.Add(m.cfg.Logout),
	}
	m.mu.Unlock()
	if m.onWarn != nil {
		m.onWarn(n)
	}
}

func (m *Monitor) timeout(gen uint64) {
	m.mu.Lock()
	if !m.armed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	stop := m.disarmLocked()
	m.mu.Unlock()
	if stop != nil {
		stop()
	}
	if m.onTimeout != nil {
		m.onTimeout()
	}
}
