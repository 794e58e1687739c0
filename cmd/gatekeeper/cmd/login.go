package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/gatekeeper/session"
)

var (
	loginEmail  string
	loginMethod string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in and complete a second-factor challenge when one is required",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		in := bufio.NewReader(cmd.InOrStdin())
		out := cmd.OutOrStdout()
		ctx := commandContext(cmd)

		email := loginEmail
		if email == "" {
			if email, err = prompt(in, out, "Email: "); err != nil {
				return err
			}
		}
		password := os.Getenv("GATEKEEPER_PASSWORD")
		if password == "" {
			if password, err = prompt(in, out, "Password: "); err != nil {
				return err
			}
		}

		res, err := s.Login(ctx, email, password, loginMethod)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		if res.Outcome == session.OutcomeAuthenticated {
			fmt.Fprintf(out, "Signed in as %s\n", s.State().Identity.Email)
			return nil
		}

		fmt.Fprintf(out, "A verification code was sent via %s.\n", methodLabel(res.Method))
		for {
			code, err := prompt(in, out, "Code: ")
			if err != nil {
				return err
			}
			err = s.VerifySecondFactor(ctx, code)
			switch {
			case err == nil:
				fmt.Fprintf(out, "Signed in as %s\n", s.State().Identity.Email)
				return nil
			case errors.Is(err, session.ErrChallengeRejected) && !errors.Is(err, session.ErrChallengeExhausted):
				fmt.Fprintf(out, "Incorrect code, %d attempts left.\n", s.ChallengeAttemptsRemaining())
			default:
				return fmt.Errorf("verification failed: %w", err)
			}
		}
	},
}

func methodLabel(method string) string {
	if method == "" {
		return "your default method"
	}
	return method
}

func init() {
	rootCmd.AddCommand(loginCmd)
	loginCmd.Flags().StringVar(&loginEmail, "email", "", "Account email (prompted when empty)")
	loginCmd.Flags().StringVar(&loginMethod, "method", "", "Second-factor method: sms, email or totp")
}
