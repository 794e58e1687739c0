package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/gatekeeper/internal/devserver"
)

var (
	devAddr  string
	devUsers []string
)

var devServerCmd = &cobra.Command{
	Use:   "dev-server",
	Short: "Run an in-memory authentication backend for local development",
	Long: `Run an in-memory authentication backend implementing login, second-factor
verification, refresh, profile and logout, plus a small /api/records data
endpoint. Users are given as email:password[:method] where method is sms,
email or totp. Every sms and email challenge accepts the configured code.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := cfg.Log.NewLogger(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		dc := cfg.DevServer
		if devAddr != "" {
			dc.Addr = devAddr
		}
		opts := []devserver.Option{
			devserver.WithLogger(logger),
			devserver.WithAccessTTL(dc.AccessTTL),
			devserver.WithChallengeTTL(dc.ChallengeTTL),
			devserver.WithDevCode(dc.Code),
		}
		if dc.SigningKey != "" {
			opts = append(opts, devserver.WithSigningKey([]byte(dc.SigningKey)))
		}
		srv, err := devserver.New(opts...)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, u := range devUsers {
			spec, err := parseDevUser(u)
			if err != nil {
				return err
			}
			_, secret, err := srv.AddUser(spec)
			if err != nil {
				return err
			}
			if secret != "" {
				fmt.Fprintf(out, "TOTP secret for %s: %s\n", spec.Email, secret)
			}
		}

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})
		r.Mount("/", srv.Router())

		server := &http.Server{
			Addr:              dc.Addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner(out, "Development Backend")
		fmt.Fprintf(out, "Listening on http://%s (API docs at /redoc)\n", dc.Addr)

		select {
		case <-commandContext(cmd).Done():
			fmt.Fprintln(out, "\nShutting down...")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

// parseDevUser parses email:password[:method].
func parseDevUser(s string) (devserver.UserSpec, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return devserver.UserSpec{}, fmt.Errorf("invalid user %q: want email:password[:method]", s)
	}
	spec := devserver.UserSpec{Email: parts[0], Password: parts[1], Verified: true}
	if len(parts) == 3 {
		spec.Method = parts[2]
	}
	return spec, nil
}

func init() {
	rootCmd.AddCommand(devServerCmd)
	devServerCmd.Flags().StringVar(&devAddr, "addr", "", "Listen address (defaults to dev_server.addr)")
	devServerCmd.Flags().StringArrayVar(&devUsers, "user", nil, "User to register as email:password[:method] (repeatable)")
}
