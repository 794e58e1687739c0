package session

import (
	"errors"

	"github.com/jmcleod/gatekeeper/authapi"
)

// Credential and transport errors are shared with authapi so a caller can
// test with errors.Is regardless of which layer produced them.
var (
	ErrInvalidCredentials = authapi.ErrInvalidCredentials
	ErrChallengeRejected  = authapi.ErrChallengeRejected
	ErrNetworkUnavailable = authapi.ErrNetworkUnavailable
	ErrSessionExpired     = authapi.ErrSessionExpired
)

var (
	// ErrChallengeExhausted is returned when a pending challenge is abandoned
	// after too many rejected codes.
	ErrChallengeExhausted = errors.New("too many rejected codes; sign in again")
	// ErrWrongState is returned when an operation is invoked from a state
	// that does not allow it.
	ErrWrongState = errors.New("operation not valid in the current session state")
	// ErrSecondFactorPending is returned when full-scope credentials are
	// requested while a second-factor challenge is outstanding.
	ErrSecondFactorPending = errors.New("second factor pending")
	// ErrSuperseded is returned when the session changed (logout, a new
	// login) while the operation was in flight; its result was discarded.
	ErrSuperseded = errors.New("session changed while the operation was in flight")
)
