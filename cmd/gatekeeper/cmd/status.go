package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/gatekeeper/authapi"
	"github.com/jmcleod/gatekeeper/session"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current session state",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		printStatus(cmd.OutOrStdout(), s)
		return nil
	},
}

// profileLister is implemented by stores that keep several profiles in one
// repository.
type profileLister interface {
	Profiles() ([]string, error)
}

func printStatus(w io.Writer, s *cliSession) {
	st := s.State()
	fmt.Fprintf(w, "Backend:  %s\n", cfg.Backend.URL)
	fmt.Fprintf(w, "Profile:  %s (%s store)\n", cfg.Store.Profile, cfg.Store.Driver)
	if lister, ok := s.store.(profileLister); ok {
		if names, err := lister.Profiles(); err == nil && len(names) > 0 {
			fmt.Fprintf(w, "Stored:   %s\n", strings.Join(names, ", "))
		}
	}
	fmt.Fprintf(w, "State:    %s\n", st)
	switch st.Kind {
	case session.Authenticated:
		id := st.Identity
		fmt.Fprintf(w, "User:     %s (%s)\n", id.Email, id.Role)
		if st.Stale {
			fmt.Fprintln(w, "          identity taken from the access token; backend unreachable")
		}
	case session.MfaPending:
		fmt.Fprintf(w, "Method:   %s\n", methodLabel(st.Method))
		if n := s.ChallengeAttemptsRemaining(); n >= 0 {
			fmt.Fprintf(w, "Attempts: %d left\n", n)
		}
	}
	if rec, err := s.Credentials(); err == nil {
		printExpiry(w, rec.AccessToken)
	}
}

func printExpiry(w io.Writer, token string) {
	if token == "" {
		return
	}
	claims, err := authapi.ClaimsFromToken(token)
	if err != nil {
		return
	}
	if exp := claims.Expiry(); !exp.IsZero() {
		fmt.Fprintf(w, "Token:    %s scope, expires in %s\n", claims.Scope, time.Until(exp).Round(time.Second))
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
