package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tsarna/gateway-client/pkg/config"
)

var (
	verbose    bool
	debug      bool
	logLevel   string
	configPath string
	gatewayURL string
	token      string
	intents    int64
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "gwclient",
	Short: "Gateway client",
	Long: `gwclient keeps a session with a realtime gateway open, resuming or
re-identifying after disconnects, and prints the events it receives.

Settings come from an HCL, JSON or YAML config file, then the GWCLIENT_URL,
GWCLIENT_TOKEN and GWCLIENT_INTENTS environment variables, then flags.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "debug output")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $"+config.EnvConfig+")")
	rootCmd.PersistentFlags().StringVar(&gatewayURL, "url", "", "gateway url")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "authentication token")
	rootCmd.PersistentFlags().Int64Var(&intents, "intents", 0, "gateway intents bitmask")
}

func resolveConfig(cmd *cobra.Command) (*config.Config, error) {
	overrides := config.Overrides{URL: gatewayURL, Token: token}
	if cmd.Flags().Changed("intents") {
		overrides.Intents = &intents
	}
	return config.Resolve(configPath, nil, overrides)
}

func setupLogger() (*zap.Logger, error) {
	level := logLevel

	// Override log level based on flags
	if debug {
		level = "debug"
	} else if verbose && level == "info" {
		level = "debug"
	}

	var zapLevel zap.AtomicLevel
	switch strings.ToLower(level) {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn", "warning":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zapLevel
	cfg.Development = debug

	return cfg.Build()
}
