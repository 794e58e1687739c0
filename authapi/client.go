package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout  = 15 * time.Second
	maxResponseSize = 1 << 20

	pathLogin   = "/auth/login"
	pathVerify  = "/auth/mfa/verify"
	pathRefresh = "/auth/refresh"
	pathProfile = "/auth/me"
	pathLogout  = "/auth/logout"
)

type endpoint int

const (
	endpointLogin endpoint = iota
	endpointVerify
	endpointRefresh
	endpointProfile
	endpointLogout
)

// Client talks to the authentication backend over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithUserAgent sets the User-Agent header on every request.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// NewClient creates a client rooted at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the backend root the client was created with.
func (c *Client) BaseURL() string { return c.baseURL }

// Login submits the first factor. A nil error means the credentials were
// accepted; the result says whether a second factor is still required.
func (c *Client) Login(ctx context.Context, email, password, method string) (LoginResult, error) {
	var resp LoginResponse
	err := c.do(ctx, endpointLogin, http.MethodPost, pathLogin, "", LoginRequest{
		Email:     email,
		Password:  password,
		MFAMethod: method,
	}, &resp)
	if err != nil {
		return LoginResult{}, err
	}
	if resp.AccessToken == "" {
		return LoginResult{}, fmt.Errorf("%w: login response without access token", ErrUnexpectedResponse)
	}
	if resp.MFARequired {
		if resp.PendingSessionID == "" {
			return LoginResult{}, fmt.Errorf("%w: challenge without pending session id", ErrUnexpectedResponse)
		}
		return LoginResult{Challenge: &Challenge{
			RestrictedToken:  resp.AccessToken,
			PendingSessionID: resp.PendingSessionID,
			Method:           resp.MFAMethod,
		}}, nil
	}
	if resp.RefreshToken == "" {
		return LoginResult{}, fmt.Errorf("%w: login response without refresh token", ErrUnexpectedResponse)
	}
	return LoginResult{Tokens: TokenPair{AccessToken: resp.AccessToken, RefreshToken: resp.RefreshToken}}, nil
}

// VerifySecondFactor submits a one-time code for the pending session,
// authenticated with the restricted access token. The returned AccessToken
// is empty when the backend keeps the restricted token valid for full use.
func (c *Client) VerifySecondFactor(ctx context.Context, restrictedToken, pendingSessionID, code string) (TokenPair, error) {
	var resp TokenResponse
	err := c.do(ctx, endpointVerify, http.MethodPost, pathVerify, restrictedToken, VerifyRequest{
		Code:             strings.TrimSpace(code),
		PendingSessionID: pendingSessionID,
	}, &resp)
	if err != nil {
		return TokenPair{}, err
	}
	if resp.RefreshToken == "" {
		return TokenPair{}, fmt.Errorf("%w: verification response without refresh token", ErrUnexpectedResponse)
	}
	return TokenPair{AccessToken: resp.AccessToken, RefreshToken: resp.RefreshToken}, nil
}

// Refresh exchanges a refresh token for a new access token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (RefreshResult, error) {
	var resp TokenResponse
	err := c.do(ctx, endpointRefresh, http.MethodPost, pathRefresh, "", RefreshRequest{RefreshToken: refreshToken}, &resp)
	if err != nil {
		return RefreshResult{}, err
	}
	if resp.AccessToken == "" {
		return RefreshResult{}, fmt.Errorf("%w: refresh response without access token", ErrUnexpectedResponse)
	}
	return RefreshResult{AccessToken: resp.AccessToken, RefreshToken: resp.RefreshToken}, nil
}

// Profile fetches the identity summary for an access token.
func (c *Client) Profile(ctx context.Context, accessToken string) (Identity, error) {
	var id Identity
	if err := c.do(ctx, endpointProfile, http.MethodGet, pathProfile, accessToken, nil, &id); err != nil {
		return Identity{}, err
	}
	if id.UserID == "" {
		return Identity{}, fmt.Errorf("%w: profile without user id", ErrUnexpectedResponse)
	}
	return id, nil
}

// Revoke asks the backend to invalidate the session. Callers treat it as
// best effort.
func (c *Client) Revoke(ctx context.Context, accessToken, refreshToken string) error {
	return c.do(ctx, endpointLogout, http.MethodPost, pathLogout, accessToken, LogoutRequest{RefreshToken: refreshToken}, nil)
}

func (c *Client) do(ctx context.Context, ep endpoint, method, path, bearer string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%w: read response: %w", ErrNetworkUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(ep, resp.StatusCode, payload)
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrUnexpectedResponse, err)
	}
	return nil
}

func decodeError(ep endpoint, status int, payload []byte) error {
	var parsed ErrorResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		parsed.Message = strings.TrimSpace(string(payload))
	}
	return &APIError{
		Status:  status,
		Code:    parsed.Error,
		Message: parsed.Message,
		Err:     classify(ep, status, parsed.Error),
	}
}

// classify maps a failed response onto the error taxonomy. Only 401-class
// responses from the credential endpoints become credential errors; 5xx is
// always a transport failure.
func classify(ep endpoint, status int, code string) error {
	switch {
	case status >= 500:
		return ErrNetworkUnavailable
	case status == http.StatusTooManyRequests || code == CodeRateLimited:
		return ErrRateLimited
	case code == CodeChallengeExpired || status == http.StatusGone:
		return ErrSessionExpired
	case code == CodeInvalidRefreshToken:
		return ErrSessionExpired
	}

	unauthorized := status == http.StatusUnauthorized || status == http.StatusForbidden
	switch ep {
	case endpointLogin:
		if code == CodeInvalidCredentials || unauthorized {
			return ErrInvalidCredentials
		}
	case endpointVerify:
		if code == CodeInvalidCode {
			return ErrChallengeRejected
		}
		if unauthorized {
			// The restricted token itself was refused: the challenge is gone.
			return ErrSessionExpired
		}
	case endpointRefresh:
		if unauthorized || status == http.StatusBadRequest {
			return ErrSessionExpired
		}
	case endpointProfile, endpointLogout:
		if unauthorized {
			return ErrUnauthorized
		}
	}
	return ErrUnexpectedResponse
}

// IsCredentialError reports whether err means the user must act (re-enter a
// password or code, or sign in again), as opposed to a transport failure.
func IsCredentialError(err error) bool {
	return errors.Is(err, ErrInvalidCredentials) ||
		errors.Is(err, ErrChallengeRejected) ||
		errors.Is(err, ErrSessionExpired) ||
		errors.Is(err, ErrUnauthorized)
}
