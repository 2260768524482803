package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/conneroisu/contentlayer/internal/config"
)

var devCmd = &cobra.Command{
	Use:   "dev",
	Short: "Build all documents and rebuild on changes",
	Long: `Equivalent to "contentlayer build --watch". Content and configuration files
are watched; changed documents are rebuilt and the generated index is
refreshed. A configuration change starts a new build generation.`,
	RunE: runDev,
}

func init() {
	rootCmd.AddCommand(devCmd)
	addBuildFlags(devCmd.Flags())
}

func runDev(cmd *cobra.Command, _ []string) error {
	opts, err := resolveBuildOptions(cmd.Flags(), os.Getenv)
	if err != nil {
		return err
	}
	opts.Watch = true

	settings, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	return build(cmd.Context(), opts, settings, newLogger(settings))
}
