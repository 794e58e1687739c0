package devserver

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/jmcleod/gatekeeper/authapi"
	"github.com/jmcleod/gatekeeper/internal/util"
)

// dummyHash keeps the unknown-user path roughly as slow as a real check.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("gatekeeper-dummy"), bcrypt.DefaultCost)

// Login handles POST /auth/login.
func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	var req authapi.LoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	email := util.NormalizeEmail(req.Email)

	s.mu.Lock()
	u := s.users[email]
	s.mu.Unlock()

	hash := dummyHash
	if u != nil {
		hash = u.hash
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(req.Password)); err != nil || u == nil {
		s.logger.Info("login failed", "email", email)
		writeError(w, http.StatusUnauthorized, authapi.CodeInvalidCredentials, "invalid email or password")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sid := uuid.NewString()

	if u.method == "" {
		pair, err := s.issuePair(u, sid)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, authapi.LoginResponse{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken})
		return
	}

	method := u.method
	if method != authapi.MethodTOTP && (req.MFAMethod == authapi.MethodSMS || req.MFAMethod == authapi.MethodEmail) {
		method = req.MFAMethod
	}
	restricted, err := s.issueAccess(u, sid, authapi.ScopeMFA)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	pending := uuid.NewString()
	s.challenges[pending] = &challenge{
		userID:    u.id,
		sid:       sid,
		method:    method,
		expiresAt: s.now().Add(s.challengeTTL),
	}
	if method != authapi.MethodTOTP {
		s.logger.Info("second-factor code issued", slog.String("method", method), slog.String("email", u.email), slog.String("code", s.devCode))
	}
	writeJSON(w, http.StatusOK, authapi.LoginResponse{
		AccessToken:      restricted,
		MFARequired:      true,
		PendingSessionID: pending,
		MFAMethod:        method,
	})
}

// VerifySecondFactor handles POST /auth/mfa/verify.
func (s *Server) VerifySecondFactor(w http.ResponseWriter, r *http.Request) {
	claims, err := s.parseAccess(bearerToken(r))
	if err != nil || claims.Scope != authapi.ScopeMFA {
		writeError(w, http.StatusUnauthorized, authapi.CodeUnauthorized, "restricted token invalid or expired")
		return
	}
	var req authapi.VerifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.challenges[req.PendingSessionID]
	if !ok || c.sid != claims.SID {
		writeError(w, http.StatusGone, authapi.CodeChallengeExpired, "challenge not found")
		return
	}
	if s.now().After(c.expiresAt) {
		delete(s.challenges, req.PendingSessionID)
		writeError(w, http.StatusGone, authapi.CodeChallengeExpired, "challenge expired")
		return
	}
	u := s.usersByID[c.userID]
	if u == nil || !s.checkCode(u, c, req.Code) {
		c.failures++
		if c.failures >= maxCodeFailures {
			delete(s.challenges, req.PendingSessionID)
		}
		writeError(w, http.StatusUnauthorized, authapi.CodeInvalidCode, "code rejected")
		return
	}

	delete(s.challenges, req.PendingSessionID)
	delete(s.live, claims.ID)
	pair, err := s.issuePair(u, c.sid)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) checkCode(u *user, c *challenge, code string) bool {
	if c.method == authapi.MethodTOTP {
		return validTOTP(u.totpSecret, code, s.now())
	}
	return subtle.ConstantTimeCompare([]byte(code), []byte(s.devCode)) == 1
}

// Refresh handles POST /auth/refresh. Refresh tokens rotate: the presented
// token is consumed and a replacement is returned.
func (s *Server) Refresh(w http.ResponseWriter, r *http.Request) {
	s.refreshCalls.Add(1)
	var req authapi.RefreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	grant, ok := s.grants[req.RefreshToken]
	if !ok || s.now().After(grant.expiresAt) {
		delete(s.grants, req.RefreshToken)
		writeError(w, http.StatusUnauthorized, authapi.CodeInvalidRefreshToken, "refresh token invalid or expired")
		return
	}
	delete(s.grants, req.RefreshToken)
	u := s.usersByID[grant.userID]
	if u == nil {
		writeError(w, http.StatusUnauthorized, authapi.CodeInvalidRefreshToken, "unknown user")
		return
	}
	pair, err := s.issuePair(u, grant.sid)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// Profile handles GET /auth/me.
func (s *Server) Profile(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	s.mu.Lock()
	u := s.usersByID[claims.UserID]
	s.mu.Unlock()
	if u == nil {
		writeError(w, http.StatusUnauthorized, authapi.CodeUnauthorized, "unknown user")
		return
	}
	writeJSON(w, http.StatusOK, authapi.Identity{UserID: u.id, Email: u.email, Role: u.role, Verified: u.verified})
}

// Logout handles POST /auth/logout. It revokes every token of the session
// the bearer token belongs to.
func (s *Server) Logout(w http.ResponseWriter, r *http.Request) {
	claims, err := s.parseAccess(bearerToken(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, authapi.CodeUnauthorized, "access token invalid or expired")
		return
	}
	var req authapi.LogoutRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}

	s.mu.Lock()
	for jti, sid := range s.live {
		if sid == claims.SID {
			delete(s.live, jti)
		}
	}
	for token, grant := range s.grants {
		if grant.sid == claims.SID {
			delete(s.grants, token)
		}
	}
	for id, c := range s.challenges {
		if c.sid == claims.SID {
			delete(s.challenges, id)
		}
	}
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

// Record is a sample protected resource.
type Record struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	OwnerID string `json:"owner_id"`
}

// ListRecords handles GET /api/records.
func (s *Server) ListRecords(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	writeJSON(w, http.StatusOK, []Record{
		{ID: "rec-1", Title: "Intake form", OwnerID: claims.UserID},
		{ID: "rec-2", Title: "Referral letter", OwnerID: claims.UserID},
	})
}

// EchoRecord handles POST /api/records by echoing the decoded record back
// with the caller as owner.
func (s *Server) EchoRecord(w http.ResponseWriter, r *http.Request) {
	var rec Record
	if !decodeJSON(w, r, &rec) {
		return
	}
	rec.OwnerID = claimsFrom(r).UserID
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	writeJSON(w, http.StatusCreated, rec)
}
