package authapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cannedServer(t *testing.T, status int, body any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestLoginFullTokens(t *testing.T) {
	var got LoginRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, pathLogin, r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(LoginResponse{AccessToken: "acc", RefreshToken: "ref"})
	}))
	defer srv.Close()

	res, err := NewClient(srv.URL+"/").Login(t.Context(), "a@b.com", "pw", MethodSMS)
	require.NoError(t, err)
	assert.Nil(t, res.Challenge)
	assert.Equal(t, TokenPair{AccessToken: "acc", RefreshToken: "ref"}, res.Tokens)
	assert.Equal(t, LoginRequest{Email: "a@b.com", Password: "pw", MFAMethod: "sms"}, got)
}

func TestLoginChallenge(t *testing.T) {
	srv := cannedServer(t, http.StatusOK, LoginResponse{
		AccessToken:      "restricted",
		MFARequired:      true,
		PendingSessionID: "pending-1",
		MFAMethod:        MethodSMS,
	})
	res, err := NewClient(srv.URL).Login(t.Context(), "a@b.com", "pw", MethodSMS)
	require.NoError(t, err)
	require.NotNil(t, res.Challenge)
	assert.Equal(t, "restricted", res.Challenge.RestrictedToken)
	assert.Equal(t, "pending-1", res.Challenge.PendingSessionID)
}

func TestLoginMalformedChallenge(t *testing.T) {
	srv := cannedServer(t, http.StatusOK, LoginResponse{AccessToken: "restricted", MFARequired: true})
	_, err := NewClient(srv.URL).Login(t.Context(), "a@b.com", "pw", "")
	require.ErrorIs(t, err, ErrUnexpectedResponse)
}

func TestVerifySendsBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer restricted", r.Header.Get("Authorization"))
		var req VerifyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "123456", req.Code)
		assert.Equal(t, "pending-1", req.PendingSessionID)
		json.NewEncoder(w).Encode(TokenResponse{AccessToken: "full", RefreshToken: "ref"})
	}))
	defer srv.Close()

	pair, err := NewClient(srv.URL).VerifySecondFactor(t.Context(), "restricted", "pending-1", " 123456 ")
	require.NoError(t, err)
	assert.Equal(t, TokenPair{AccessToken: "full", RefreshToken: "ref"}, pair)
}

func TestErrorClassification(t *testing.T) {
	type call func(c *Client) error
	login := func(c *Client) error { _, err := c.Login(context.Background(), "e", "p", ""); return err }
	verify := func(c *Client) error { _, err := c.VerifySecondFactor(context.Background(), "t", "p", "1"); return err }
	refresh := func(c *Client) error { _, err := c.Refresh(context.Background(), "r"); return err }
	profile := func(c *Client) error { _, err := c.Profile(context.Background(), "a"); return err }

	tests := []struct {
		name   string
		status int
		code   string
		call   call
		want   error
	}{
		{"login bad password", http.StatusUnauthorized, CodeInvalidCredentials, login, ErrInvalidCredentials},
		{"login 5xx", http.StatusBadGateway, "", login, ErrNetworkUnavailable},
		{"login throttled", http.StatusTooManyRequests, CodeRateLimited, login, ErrRateLimited},
		{"verify wrong code", http.StatusUnauthorized, CodeInvalidCode, verify, ErrChallengeRejected},
		{"verify expired challenge", http.StatusGone, CodeChallengeExpired, verify, ErrSessionExpired},
		{"verify restricted token refused", http.StatusUnauthorized, CodeUnauthorized, verify, ErrSessionExpired},
		{"refresh rejected", http.StatusUnauthorized, CodeInvalidRefreshToken, refresh, ErrSessionExpired},
		{"refresh 503", http.StatusServiceUnavailable, "", refresh, ErrNetworkUnavailable},
		{"profile unauthorized", http.StatusUnauthorized, CodeUnauthorized, profile, ErrUnauthorized},
		{"profile teapot", http.StatusTeapot, "", profile, ErrUnexpectedResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := cannedServer(t, tt.status, ErrorResponse{Error: tt.code})
			err := tt.call(NewClient(srv.URL))
			require.ErrorIs(t, err, tt.want)

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.Status)
			assert.Equal(t, tt.want == ErrNetworkUnavailable, IsTransport(err))
		})
	}
}

func TestNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(url).Refresh(t.Context(), "r")
	require.ErrorIs(t, err, ErrNetworkUnavailable)
	assert.False(t, IsCredentialError(err))
}

func TestNonJSONErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Profile(t.Context(), "a")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "upstream exploded", apiErr.Message)
}

func TestClaimsFromToken(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID:   "u-1",
		Role:     "provider",
		Verified: true,
		Scope:    ScopeFull,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	signed, err := token.SignedString([]byte("any-secret"))
	require.NoError(t, err)

	claims, err := ClaimsFromToken(signed)
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: "u-1", Role: "provider", Verified: true}, claims.Identity())
	assert.True(t, claims.Expiry().Equal(exp))

	_, err = ClaimsFromToken("not-a-jwt")
	require.Error(t, err)
}
