package main

import (
	"fmt"
	"os"

	"duet/internal/config"
	"duet/internal/logging"

	"github.com/spf13/cobra"
)

var (
	version  = "0.1.0"
	cfgFile  string
	logLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "duet",
		Short: "Dual-loop conversational action coordinator",
		Long: `Duet answers each utterance within a latency budget while slow work
(searches, bookings, calls, research) runs in the background and is
surfaced when it completes.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("duet version %s\n", version)
		},
	})
	rootCmd.AddCommand(newClassifyCmd())
	rootCmd.AddCommand(newToolsCmd())
	rootCmd.AddCommand(newSimulateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config and sets up logging from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	level := logging.ParseLevel(cfg.Logging.Level)
	if cfg.Logging.Dir != "" {
		if err := logging.EnableFileLogging(cfg.Logging.Dir, level); err != nil {
			return nil, fmt.Errorf("failed to enable file logging: %w", err)
		}
	} else {
		logging.Configure(level, logging.Format(cfg.Logging.Format), os.Stderr)
	}
	return cfg, nil
}
