// Package devserver is a reference authentication backend for local
// development and integration tests. It implements the login, second-factor,
// refresh, profile and logout endpoints the client talks to, plus a small
// protected data API.
package devserver

import (
	_ "embed"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/jmcleod/gatekeeper/authapi"
	"github.com/jmcleod/gatekeeper/internal/util"
)

//go:embed openapi.yaml
var openapiSpec []byte

const (
	defaultAccessTTL    = 5 * time.Minute
	defaultRefreshTTL   = 30 * 24 * time.Hour
	defaultChallengeTTL = 5 * time.Minute
	defaultDevCode      = "123456"
	maxCodeFailures     = 5
)

type user struct {
	id         string
	email      string
	hash       []byte
	role       string
	verified   bool
	method     string
	totpSecret string
}

type challenge struct {
	userID    string
	sid       string
	method    string
	expiresAt time.Time
	failures  int
}

type refreshGrant struct {
	userID    string
	sid       string
	expiresAt time.Time
}

// Server is an in-memory authentication backend.
type Server struct {
	secret       []byte
	accessTTL    time.Duration
	refreshTTL   time.Duration
	challengeTTL time.Duration
	devCode      string
	now          func() time.Time
	logger       *slog.Logger

	mu sync.Mutex
	// users is keyed by normalised email.
	users     map[string]*user
	usersByID map[string]*user
	// challenges is keyed by pending session id.
	challenges map[string]*challenge
	// grants is keyed by refresh token.
	grants map[string]refreshGrant
	// live maps the id of every valid access token to its session id.
	live map[string]string

	offline      atomic.Bool
	refreshCalls atomic.Int64
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. Second-factor codes for sms and email are
// delivered to this log.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSigningKey sets the HS256 key for access tokens.
func WithSigningKey(key []byte) Option {
	return func(s *Server) { s.secret = util.CopyBytes(key) }
}

// WithAccessTTL sets the access token lifetime.
func WithAccessTTL(d time.Duration) Option {
	return func(s *Server) { s.accessTTL = d }
}

// WithChallengeTTL sets how long a second-factor challenge stays valid.
func WithChallengeTTL(d time.Duration) Option {
	return func(s *Server) { s.challengeTTL = d }
}

// WithDevCode sets the fixed code accepted for sms and email challenges.
func WithDevCode(code string) Option {
	return func(s *Server) { s.devCode = code }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New creates a server with no users.
func New(opts ...Option) (*Server, error) {
	s := &Server{
		accessTTL:    defaultAccessTTL,
		refreshTTL:   defaultRefreshTTL,
		challengeTTL: defaultChallengeTTL,
		devCode:      defaultDevCode,
		now:          time.Now,
		users:        make(map[string]*user),
		usersByID:    make(map[string]*user),
		challenges:   make(map[string]*challenge),
		grants:       make(map[string]refreshGrant),
		live:         make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	s.logger = s.logger.With("component", "devserver")
	if len(s.secret) == 0 {
		key, err := util.RandomBytes(32)
		if err != nil {
			return nil, fmt.Errorf("generating signing key: %w", err)
		}
		s.secret = key
	}
	return s, nil
}

// UserSpec describes a user to register.
type UserSpec struct {
	Email    string
	Password string
	Role     string
	Verified bool
	// Method is the second-factor method: "", sms, email or totp.
	Method string
	// TOTPSecret is the base32 secret for totp users. One is generated when
	// empty.
	TOTPSecret string
}

// AddUser registers a user and returns its id and, for totp users, the
// secret.
func (s *Server) AddUser(spec UserSpec) (id, totpSecret string, err error) {
	email := util.NormalizeEmail(spec.Email)
	if email == "" || spec.Password == "" {
		return "", "", fmt.Errorf("email and password are required")
	}
	switch spec.Method {
	case "", authapi.MethodSMS, authapi.MethodEmail:
	case authapi.MethodTOTP:
		if spec.TOTPSecret == "" {
			spec.TOTPSecret, err = generateTOTPSecret(email)
			if err != nil {
				return "", "", err
			}
		}
	default:
		return "", "", fmt.Errorf("unknown second-factor method %q", spec.Method)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(spec.Password), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hashing password: %w", err)
	}
	role := spec.Role
	if role == "" {
		role = "provider"
	}
	u := &user{
		id:         uuid.NewString(),
		email:      email,
		hash:       hash,
		role:       role,
		verified:   spec.Verified,
		method:     spec.Method,
		totpSecret: spec.TOTPSecret,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[email]; exists {
		return "", "", fmt.Errorf("user %s already exists", email)
	}
	s.users[email] = u
	s.usersByID[u.id] = u
	return u.id, u.totpSecret, nil
}

// Router returns the HTTP routes.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(s.outage)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})
	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/openapi.yaml",
		Path:    "redoc",
	}, nil))

	r.Post("/auth/login", s.Login)
	r.Post("/auth/mfa/verify", s.VerifySecondFactor)
	r.Post("/auth/refresh", s.Refresh)
	r.With(s.requireScope(authapi.ScopeFull)).Get("/auth/me", s.Profile)
	r.Post("/auth/logout", s.Logout)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireScope(authapi.ScopeFull))
		r.Get("/records", s.ListRecords)
		r.Post("/records", s.EchoRecord)
	})
	return r
}

// SetOffline makes every endpoint answer 503 until cleared.
func (s *Server) SetOffline(offline bool) { s.offline.Store(offline) }

// ExpireAccessTokens invalidates every access token issued so far. Refresh
// tokens stay valid.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.live)
}

// RevokeRefreshTokens invalidates every refresh token issued so far.
func (s *Server) RevokeRefreshTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.grants)
}

// RefreshCalls returns how many refresh requests have been received.
func (s *Server) RefreshCalls() int64 { return s.refreshCalls.Load() }

func (s *Server) outage(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.offline.Load() {
			writeError(w, http.StatusServiceUnavailable, "unavailable", "backend offline")
			return
		}
		next.ServeHTTP(w, r)
	})
}
