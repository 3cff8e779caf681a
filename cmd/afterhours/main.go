// Package main is the entry point for the afterhours scheduling service.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dtorcivia/afterhours/internal/config"
	"github.com/dtorcivia/afterhours/internal/util"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:           "afterhours",
	Short:         "Books after-hours meetings on Google Calendar from plain-language requests",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file (overrides AFTERHOURS_CONFIG_FILE)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration and installs the logger it describes.
func loadConfig() (*config.Config, error) {
	if configFile != "" {
		if err := os.Setenv("AFTERHOURS_CONFIG_FILE", configFile); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	util.SetDefaultLogger(util.NewLogger(cfg.Logging.Level, cfg.Logging.Format))
	return cfg, nil
}
