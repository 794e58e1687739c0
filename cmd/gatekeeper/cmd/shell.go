package cmd

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmcleod/gatekeeper/idle"
	"github.com/jmcleod/gatekeeper/session"
)

const shellHelp = `Commands:
  go PATH          open a screen through the route guard
  get PATH         authenticated GET
  post PATH JSON   authenticated POST with a JSON body
  verify CODE      submit a second-factor code
  status           show the session state
  logout           sign out
  quit             leave the shell (credentials are kept)
`

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Start an interactive session with idle sign-out",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		out := cmd.OutOrStdout()
		printBanner(out, "Portal Shell")
		printStatus(out, s)
		s.Navigate(s.Routes().Landing)

		in := bufio.NewReader(cmd.InOrStdin())
		for {
			line, err := prompt(in, out, "> ")
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			s.RecordActivity(idle.KeyPress)
			if done := runShellLine(cmd, s, line); done {
				return nil
			}
		}
	},
}

// runShellLine executes one shell command and reports whether the shell
// should exit.
func runShellLine(cmd *cobra.Command, s *cliSession, line string) bool {
	out := cmd.OutOrStdout()
	ctx := commandContext(cmd)
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	arg := func(i int) string {
		if i < len(fields) {
			return fields[i]
		}
		return ""
	}

	switch fields[0] {
	case "quit", "exit":
		return true
	case "help":
		fmt.Fprint(out, shellHelp)
	case "status":
		printStatus(out, s)
	case "go":
		s.Navigate(arg(1))
	case "get":
		if err := fetch(cmd, s, arg(1), out); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
		fmt.Fprintln(out)
	case "post":
		parts := strings.SplitN(strings.TrimSpace(line), " ", 3)
		if len(parts) < 3 {
			fmt.Fprintln(out, "usage: post PATH JSON")
			return false
		}
		var v any
		if err := json.Unmarshal([]byte(parts[2]), &v); err != nil {
			fmt.Fprintf(out, "error: invalid JSON body: %v\n", err)
			return false
		}
		resp, err := s.PostJSON(ctx, parts[1], v)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			return false
		}
		defer resp.Body.Close()
		fmt.Fprintf(out, "%s\n", resp.Status)
		io.Copy(out, resp.Body)
		fmt.Fprintln(out)
	case "verify":
		err := s.VerifySecondFactor(ctx, arg(1))
		switch {
		case err == nil:
			s.Navigate(s.Routes().Landing)
		case errors.Is(err, session.ErrChallengeRejected) && !errors.Is(err, session.ErrChallengeExhausted):
			fmt.Fprintf(out, "Incorrect code, %d attempts left.\n", s.ChallengeAttemptsRemaining())
		default:
			fmt.Fprintf(out, "error: %v\n", err)
		}
	case "logout":
		s.Logout(ctx)
	default:
		fmt.Fprintf(out, "unknown command %q; try help\n", fields[0])
	}
	return false
}

func init() {
	rootCmd.AddCommand(shellCmd)
}
