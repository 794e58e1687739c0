package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var getCmd = &cobra.Command{
	Use:   "get PATH",
	Short: "Make an authenticated GET request and print the response body",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		return fetch(cmd, s, args[0], cmd.OutOrStdout())
	},
}

func fetch(cmd *cobra.Command, s *cliSession, path string, out io.Writer) error {
	resp, err := s.Get(commandContext(cmd), path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s\n", resp.Status)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(getCmd)
}
