// Package cmd provides the contentlayer command-line interface.
//
// Settings are resolved with the following precedence:
//  1. Command-line flags (--log-level, --log-format)
//  2. Environment variables (CONTENTLAYER_<SECTION>_<OPTION>, e.g. CONTENTLAYER_WORKERS_COUNT)
//  3. The settings file (--settings, CONTENTLAYER_SETTINGS_FILE, or .contentlayer.yml)
//  4. Built-in defaults
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/contentlayer/internal/config"
	"github.com/conneroisu/contentlayer/internal/logging"
)

var settingsFile string

var rootCmd = &cobra.Command{
	Use:   "contentlayer",
	Short: "Turn content files into typed, validated JSON documents",
	Long: `Contentlayer validates content files against the document types declared in
contentlayer.config.yaml, resolves computed fields, and writes JSON artifacts
plus generated index modules and type declarations to .contentlayer/.

Quick Start:
  contentlayer build              Build all documents once
  contentlayer dev                Build and keep rebuilding on changes
  contentlayer version            Show version information`,
	SilenceUsage: true,
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command's
// context so builds shut down cleanly.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&settingsFile, "settings", "", "settings file (default is .contentlayer.yml, can also use CONTENTLAYER_SETTINGS_FILE env var)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text, json)")
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// initConfig points viper at the settings file and enables CONTENTLAYER_
// environment overrides. A missing settings file is not an error.
func initConfig() {
	if settingsFile != "" {
		viper.SetConfigFile(settingsFile)
	} else if envFile := os.Getenv("CONTENTLAYER_SETTINGS_FILE"); envFile != "" {
		viper.SetConfigFile(envFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".contentlayer")
	}

	viper.SetEnvPrefix("CONTENTLAYER")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.BindEnv(viper.GetViper())

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using settings file:", viper.ConfigFileUsed())
	}
}

// newLogger builds the process logger from settings. Logs always go to
// standard error; a worker's standard output carries the protocol.
func newLogger(settings *config.Settings) logging.Logger {
	level, err := logging.ParseLevel(settings.Log.Level)
	if err != nil {
		level = logging.LevelInfo
	}

	return logging.NewLogger(&logging.LoggerConfig{
		Level:  level,
		Format: settings.Log.Format,
		Output: os.Stderr,
	})
}
