// Package session implements the client's authentication state machine. It
// derives one of four session states from the credential store and owns every
// transition: login, second-factor verification, token refresh and logout.
package session

import "github.com/jmcleod/gatekeeper/authapi"

// Kind enumerates the session states.
type Kind int

const (
	Bootstrapping Kind = iota
	Anonymous
	MfaPending
	Authenticated
)

func (k Kind) String() string {
	switch k {
	case Bootstrapping:
		return "bootstrapping"
	case Anonymous:
		return "anonymous"
	case MfaPending:
		return "mfa_pending"
	case Authenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// Reason records why the machine entered Anonymous.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonLogout             Reason = "logout"
	ReasonExpired            Reason = "session_expired"
	ReasonIdle               Reason = "idle"
	ReasonChallengeAbandoned Reason = "challenge_abandoned"
)

// State is the derived, in-memory session state.
type State struct {
	Kind Kind
	// Identity is set only when Kind is Authenticated.
	Identity authapi.Identity
	// Stale marks an identity decoded from the access token because the
	// profile endpoint could not be reached.
	Stale bool
	// Method is the second-factor method while Kind is MfaPending, when known.
	Method string
	// Reason explains an Anonymous state entered by a transition.
	Reason Reason
}

func (s State) String() string {
	if s.Kind == Anonymous && s.Reason != ReasonNone {
		return s.Kind.String() + " (" + string(s.Reason) + ")"
	}
	return s.Kind.String()
}
