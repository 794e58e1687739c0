package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmcleod/gatekeeper/config"
)

var (
	configPath string
	backendURL string
	storeFlag  string
	profile    string
	logLevel   string
	logFormat  string

	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:   "gatekeeper",
	Short: "Gatekeeper manages a provider portal session from the terminal",
	Long: `Sign in to the provider portal, complete second-factor challenges and make
authenticated requests. Credentials are kept in an encrypted local store and
renewed automatically.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := loadConfig()
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

// loadConfig layers the command-line flags over the file and environment,
// then validates the result once.
func loadConfig() (config.Config, error) {
	loaded, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if backendURL != "" {
		loaded.Backend.URL = backendURL
	}
	if storeFlag != "" {
		loaded.Store.Driver = storeFlag
	}
	if profile != "" {
		loaded.Store.Profile = profile
	}
	if logLevel != "" {
		loaded.Log.Level = logLevel
	}
	if logFormat != "" {
		loaded.Log.Format = logFormat
	}
	if err := loaded.Validate(); err != nil {
		return config.Config{}, err
	}
	return loaded, nil
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	defaultConfig := os.Getenv("GATEKEEPER_CONFIG")
	if defaultConfig == "" {
		defaultConfig = fmt.Sprintf("%s/config.yaml", config.DefaultDir())
	}
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", defaultConfig, "Path to the YAML configuration file")
	flags.StringVar(&backendURL, "backend-url", "", "Base URL of the authentication backend")
	flags.StringVar(&storeFlag, "store", "", "Credential store driver: memory, bolt or redis")
	flags.StringVar(&profile, "profile", "", "Credential profile name")
	flags.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error")
	flags.StringVar(&logFormat, "log-format", "", "Log format: text or json")
}
