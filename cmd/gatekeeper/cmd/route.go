package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var routeCmd = &cobra.Command{
	Use:   "route PATH",
	Short: "Show whether the current session may open a screen",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		d := s.Navigate(args[0])
		switch {
		case d.Hold:
			fmt.Fprintf(cmd.OutOrStdout(), "hold %s\n", args[0])
		case d.Allow:
			fmt.Fprintf(cmd.OutOrStdout(), "allow %s\n", args[0])
		default:
			fmt.Fprintf(cmd.OutOrStdout(), "redirect %s -> %s\n", args[0], d.RedirectTo)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(routeCmd)
}
