// Package guard decides whether a navigation is allowed for the current
// session state.
package guard

import (
	"net/http"
	"path"
	"strings"

	"github.com/jmcleod/gatekeeper/session"
)

// Routes names the screens the guard redirects to and classifies the rest.
type Routes struct {
	Login        string `yaml:"login"`
	SecondFactor string `yaml:"second_factor"`
	Landing      string `yaml:"landing"`

	// AnonymousOnly screens are hidden from signed-in users. Login is
	// always anonymous-only.
	AnonymousOnly []string `yaml:"anonymous_only"`
	// Public screens are open to everyone.
	Public []string `yaml:"public"`
}

// DefaultRoutes returns the portal's standard screens.
func DefaultRoutes() Routes {
	return Routes{
		Login:         "/login",
		SecondFactor:  "/mfa",
		Landing:       "/dashboard",
		AnonymousOnly: []string{"/login", "/register", "/welcome"},
		Public:        []string{"/help", "/terms", "/privacy"},
	}
}

// Decision is the outcome of Decide. When Allow is false RedirectTo names
// the screen to show instead, unless Hold is set.
type Decision struct {
	Allow      bool
	RedirectTo string
	// Hold means the session state is not known yet. Nothing should be
	// shown; decide again once the state settles.
	Hold bool
}

// Allowed is the decision to proceed.
var Allowed = Decision{Allow: true}

// Held is the decision to wait for the session state.
var Held = Decision{Hold: true}

func redirect(to string) Decision { return Decision{RedirectTo: to} }

// Decide applies the navigation rules to a requested path. It is a pure
// function of its inputs.
func Decide(s session.State, requested string, routes Routes) Decision {
	p := clean(requested)
	switch s.Kind {
	case session.Bootstrapping:
		if !routes.public(p) {
			return Held
		}
	case session.MfaPending:
		if p != clean(routes.SecondFactor) {
			return redirect(routes.SecondFactor)
		}
	case session.Authenticated:
		if routes.anonymousOnly(p) {
			return redirect(routes.Landing)
		}
	case session.Anonymous:
		if routes.restricted(p) {
			return redirect(routes.Login)
		}
	}
	return Allowed
}

func (r Routes) anonymousOnly(p string) bool {
	if matches(p, r.Login) {
		return true
	}
	for _, prefix := range r.AnonymousOnly {
		if matches(p, prefix) {
			return true
		}
	}
	return false
}

func (r Routes) public(p string) bool {
	for _, prefix := range r.Public {
		if matches(p, prefix) {
			return true
		}
	}
	return false
}

func (r Routes) restricted(p string) bool {
	return !r.anonymousOnly(p) && !r.public(p)
}

func clean(p string) string {
	if p == "" {
		return "/"
	}
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// matches reports whether p is prefix or lies beneath it on a segment
// boundary.
func matches(p, prefix string) bool {
	if prefix == "" {
		return false
	}
	prefix = clean(prefix)
	if prefix == "/" {
		return p == "/"
	}
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

// Middleware applies Decide to every request, answering disallowed ones
// with a 303 redirect and held ones with 503 and Retry-After. state is
// consulted on each request.
func Middleware(state func() session.State, routes Routes) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := Decide(state(), r.URL.Path, routes)
			if d.Hold {
				w.Header().Set("Retry-After", "1")
				http.Error(w, "session is starting", http.StatusServiceUnavailable)
				return
			}
			if !d.Allow {
				http.Redirect(w, r, d.RedirectTo, http.StatusSeeOther)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
