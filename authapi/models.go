// Package authapi is the typed client for the authentication backend: login,
// second-factor verification, token refresh, identity profile and revoke.
// Every response is decoded once here into a typed result or a sentinel
// error; nothing downstream inspects raw payloads.
package authapi

// Error codes carried in ErrorResponse.Error.
const (
	CodeInvalidCredentials  = "invalid_credentials"
	CodeInvalidCode         = "invalid_code"
	CodeChallengeExpired    = "challenge_expired"
	CodeInvalidRefreshToken = "invalid_refresh_token"
	CodeUnauthorized        = "unauthorized"
	CodeMFAPending          = "mfa_pending"
	CodeRateLimited         = "rate_limited"
)

// Factor methods accepted by the login endpoint.
const (
	MethodSMS   = "sms"
	MethodEmail = "email"
	MethodTOTP  = "totp"
)

// LoginRequest is the JSON body for POST /auth/login.
type LoginRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	MFAMethod string `json:"mfa_method,omitempty"`
}

// LoginResponse is returned from POST /auth/login. When MFARequired is set,
// AccessToken is restricted and RefreshToken is empty.
type LoginResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	MFARequired      bool   `json:"mfa_required,omitempty"`
	PendingSessionID string `json:"pending_session_id,omitempty"`
	MFAMethod        string `json:"mfa_method,omitempty"`
}

// VerifyRequest is the JSON body for POST /auth/mfa/verify.
type VerifyRequest struct {
	Code             string `json:"code"`
	PendingSessionID string `json:"pending_session_id"`
}

// TokenResponse is returned from POST /auth/mfa/verify and POST /auth/refresh.
type TokenResponse struct {
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// RefreshRequest is the JSON body for POST /auth/refresh.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// LogoutRequest is the JSON body for POST /auth/logout.
type LogoutRequest struct {
	RefreshToken string `json:"refresh_token,omitempty"`
}

// Identity is the authenticated identity summary returned by GET /auth/me.
type Identity struct {
	UserID   string `json:"user_id"`
	Email    string `json:"email,omitempty"`
	Role     string `json:"role"`
	Verified bool   `json:"verified"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// TokenPair is a full-scope credential.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// Challenge describes an outstanding second-factor challenge.
type Challenge struct {
	RestrictedToken  string
	PendingSessionID string
	Method           string
}

// LoginResult is the tagged outcome of a successful first factor: exactly
// one of Tokens or Challenge is meaningful.
type LoginResult struct {
	Tokens    TokenPair
	Challenge *Challenge
}

// RefreshResult carries a new access token and, when the backend rotates
// refresh tokens, its replacement.
type RefreshResult struct {
	AccessToken  string
	RefreshToken string
}
