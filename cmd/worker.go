package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/conneroisu/contentlayer/internal/buildconfig"
	"github.com/conneroisu/contentlayer/internal/config"
	"github.com/conneroisu/contentlayer/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Serve document processing requests over standard input and output",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, _ []string) error {
	settings, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	logger := newLogger(settings).With("pid", os.Getpid())

	dir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolving working directory: %w", err)
	}

	handler := worker.NewHandler(worker.Options{
		Load:    buildconfig.FileLoadFunc(compileOptions(settings, logger)),
		Storage: newStorage(dir, settings),
		IdleTTL: settings.Workers.IdleTTL,
		Logger:  logger,
	})
	defer handler.Close()

	return worker.Serve(cmd.Context(), os.Stdin, os.Stdout, handler, logger)
}
