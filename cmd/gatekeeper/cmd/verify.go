package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var verifyCmd = &cobra.Command{
	Use:   "verify CODE",
	Short: "Submit a second-factor code for a pending sign-in",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.VerifySecondFactor(commandContext(cmd), args[0]); err != nil {
			if n := s.ChallengeAttemptsRemaining(); n > 0 {
				return fmt.Errorf("verification failed (%d attempts left): %w", n, err)
			}
			return fmt.Errorf("verification failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s\n", s.State().Identity.Email)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}
