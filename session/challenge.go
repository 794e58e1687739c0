package session

import "time"

const (
	defaultMaxChallengeAttempts = 5
	defaultChallengeTTL         = 10 * time.Minute
)

// challengeTracker bounds a pending second-factor challenge: a maximum
// number of rejected codes and a lifetime measured from when the client
// first saw the challenge.
type challengeTracker struct {
	issuedAt    time.Time
	failures    int
	maxFailures int
	ttl         time.Duration
}

func newChallengeTracker(now time.Time, maxFailures int, ttl time.Duration) *challengeTracker {
	return &challengeTracker{issuedAt: now, maxFailures: maxFailures, ttl: ttl}
}

func (c *challengeTracker) expired(now time.Time) bool {
	return c.ttl > 0 && now.Sub(c.issuedAt) > c.ttl
}

// recordFailure counts a rejected code and reports whether the challenge is
// now exhausted.
func (c *challengeTracker) recordFailure() bool {
	c.failures++
	return c.maxFailures > 0 && c.failures >= c.maxFailures
}

func (c *challengeTracker) remaining() int {
	if c.maxFailures <= 0 {
		return -1
	}
	return c.maxFailures - c.failures
}
