package devserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/jmcleod/gatekeeper/authapi"
	"github.com/jmcleod/gatekeeper/internal/util"
)

const totpIssuer = "Gatekeeper"

var errInvalidToken = errors.New("invalid access token")

type claimsKey struct{}

// issueAccess signs an access token for u. Caller must hold s.mu.
func (s *Server) issueAccess(u *user, sid, scope string) (string, error) {
	now := s.now()
	jti := uuid.NewString()
	claims := authapi.Claims{
		UserID:   u.id,
		Email:    u.email,
		Role:     u.role,
		Verified: u.verified,
		Scope:    scope,
		SID:      sid,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   u.id,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	s.live[jti] = sid
	return signed, nil
}

// issueRefresh creates an opaque refresh token. Caller must hold s.mu.
func (s *Server) issueRefresh(u *user, sid string) (string, error) {
	token, err := util.RandomToken(32)
	if err != nil {
		return "", err
	}
	s.grants[token] = refreshGrant{userID: u.id, sid: sid, expiresAt: s.now().Add(s.refreshTTL)}
	return token, nil
}

// issuePair creates a full-scope access token and a refresh token. Caller
// must hold s.mu.
func (s *Server) issuePair(u *user, sid string) (authapi.TokenResponse, error) {
	access, err := s.issueAccess(u, sid, authapi.ScopeFull)
	if err != nil {
		return authapi.TokenResponse{}, err
	}
	refresh, err := s.issueRefresh(u, sid)
	if err != nil {
		return authapi.TokenResponse{}, err
	}
	return authapi.TokenResponse{AccessToken: access, RefreshToken: refresh}, nil
}

func (s *Server) parseAccess(raw string) (authapi.Claims, error) {
	if strings.TrimSpace(raw) == "" {
		return authapi.Claims{}, errInvalidToken
	}
	claims := &authapi.Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(_ *jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}), jwt.WithTimeFunc(s.now))
	if err != nil || token == nil || !token.Valid {
		return authapi.Claims{}, errInvalidToken
	}

	s.mu.Lock()
	_, live := s.live[claims.ID]
	s.mu.Unlock()
	if !live {
		return authapi.Claims{}, errInvalidToken
	}
	return *claims, nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// requireScope rejects requests whose bearer token is missing, invalid or
// of a different scope.
func (s *Server) requireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := s.parseAccess(bearerToken(r))
			if err != nil {
				writeError(w, http.StatusUnauthorized, authapi.CodeUnauthorized, "access token invalid or expired")
				return
			}
			if claims.Scope != scope {
				writeError(w, http.StatusForbidden, authapi.CodeMFAPending, "second factor required")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
		})
	}
}

func claimsFrom(r *http.Request) authapi.Claims {
	claims, _ := r.Context().Value(claimsKey{}).(authapi.Claims)
	return claims
}

func generateTOTPSecret(account string) (string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      totpIssuer,
		AccountName: account,
		Algorithm:   otp.AlgorithmSHA1,
		Digits:      otp.DigitsSix,
		Period:      30,
	})
	if err != nil {
		return "", fmt.Errorf("generating totp secret: %w", err)
	}
	return key.Secret(), nil
}

func validTOTP(secret, code string, now time.Time) bool {
	code = strings.TrimSpace(strings.ReplaceAll(code, " ", ""))
	if len(code) != 6 {
		return false
	}
	valid, err := totp.ValidateCustom(code, secret, now, totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && valid
}
