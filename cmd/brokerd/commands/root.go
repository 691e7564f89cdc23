package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nimbusmq/broker/internal/config"
)

var (
	// Global flags
	verbose    bool
	configPath string

	// Global configuration, loaded lazily on first GetConfig call.
	globalConfig *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "brokerd",
	Short: "MQTT broker daemon",
	Long: `brokerd - a standalone MQTT 3.1.1 / 5.0 broker.

Commands:
  serve            Run the broker, accepting connections on the configured ports
  config validate  Load and validate the TOML config without starting the broker
  version          Show version information

Configuration is a single TOML file, defaulting to ./broker.toml (see --config).`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "broker.toml", "path to the broker's TOML config file")
}

// GetConfig loads the broker config from the --config path, caching it for
// the lifetime of the process.
func GetConfig() (*config.Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("config not available: %w", err)
	}
	globalConfig = cfg
	return cfg, nil
}

// IsVerbose returns whether verbose mode is enabled.
func IsVerbose() bool {
	return verbose
}
