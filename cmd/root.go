// Package cmd implements the faceid command line interface.
package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/faceid/internal/backend"
	"github.com/kozaktomas/faceid/internal/config"
	"github.com/kozaktomas/faceid/internal/store"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "faceid",
	Short: "A CLI tool for identifying faces in photo collections",
	Long: `Faceid detects and identifies faces in photo collections using a
pluggable embedding backend. It keeps a local encoding database, escalates
detection through resolution tiers until faces classify confidently, and
refines the database by removing outlier encodings.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}

// newLogger builds the CLI logger: human console output, debug level only
// with --verbose.
func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()
}

// openService opens the store under the configured data directory.
func openService(cfg *config.Config, log zerolog.Logger) (*store.Service, error) {
	st, err := store.New(cfg.DataDir, log)
	if err != nil {
		return nil, fmt.Errorf("opening store at %s: %w", cfg.DataDir, err)
	}
	svc, err := store.NewService(st)
	if err != nil {
		return nil, fmt.Errorf("initializing store service: %w", err)
	}
	return svc, nil
}

// newBackend builds the detection backend from configuration.
func newBackend(cfg *config.Config) backend.Backend {
	return backend.NewRemote(backend.RemoteConfig{
		URL:   cfg.Embedding.URL,
		Model: cfg.Embedding.Model,
		Dim:   cfg.Embedding.Dim,
	})
}
