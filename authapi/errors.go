package authapi

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidCredentials indicates the email/password pair was rejected.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrChallengeRejected indicates a second-factor code was rejected.
	ErrChallengeRejected = errors.New("second-factor code rejected")
	// ErrSessionExpired indicates the refresh token or pending challenge is
	// no longer usable; the user must sign in again.
	ErrSessionExpired = errors.New("session expired")
	// ErrUnauthorized indicates an access token was not accepted.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNetworkUnavailable covers transport failures: no connection,
	// timeouts and 5xx responses. It never means the credential is bad.
	ErrNetworkUnavailable = errors.New("network unavailable")
	// ErrRateLimited indicates the backend is throttling attempts.
	ErrRateLimited = errors.New("too many attempts")
	// ErrUnexpectedResponse indicates a response that fits no known shape.
	ErrUnexpectedResponse = errors.New("unexpected response")
)

// APIError is the decoded form of a non-2xx response. It unwraps to one of
// the sentinel errors above so callers can use errors.Is.
type APIError struct {
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s (status %d, %s: %s)", e.Err, e.Status, e.Code, e.Message)
	}
	if e.Code != "" {
		return fmt.Sprintf("%s (status %d, %s)", e.Err, e.Status, e.Code)
	}
	return fmt.Sprintf("%s (status %d)", e.Err, e.Status)
}

func (e *APIError) Unwrap() error { return e.Err }

// IsTransport reports whether err is a transport failure rather than a
// credential failure.
func IsTransport(err error) bool {
	return errors.Is(err, ErrNetworkUnavailable)
}
