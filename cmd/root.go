package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-pipeline/internal/config"
	"github.com/kozaktomas/face-pipeline/internal/logging"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "face-pipeline",
	Short: "Distributed face analysis pipeline",
	Long: `face-pipeline runs a fan-in face analysis pipeline. A landmark worker and an
age/gender worker analyze the same image independently and store partial
results in a shared store; whichever finishes second triggers the aggregator,
which merges both halves into <id>.json next to a copy of the image.

Run each service on its own (worker, aggregator, dispatch) or everything in
one process with "run".`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "TOML config file applied over the environment")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL)")
	rootCmd.PersistentFlags().String("log-format", "", "Log format: console or json (overrides LOG_FORMAT)")
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}

// loadConfig reads the configuration, applies the logging flags and builds
// the logger every service gets.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return nil, nil, err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	if format, _ := cmd.Flags().GetString("log-format"); format != "" {
		cfg.Log.Format = format
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
