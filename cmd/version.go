package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/conneroisu/contentlayer/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Long: `Display version information for contentlayer.

Examples:
  contentlayer version                # Show version
  contentlayer version --detailed     # Show build details
  contentlayer version --format json  # Output as JSON`,
	RunE: runVersionCommand,
}

func init() {
	rootCmd.AddCommand(versionCmd)

	versionCmd.Flags().StringP("format", "f", "text", "Output format (text, json)")
	versionCmd.Flags().Bool("detailed", false, "Show detailed version information")
}

func runVersionCommand(cmd *cobra.Command, _ []string) error {
	format, _ := cmd.Flags().GetString("format")
	detailed, _ := cmd.Flags().GetBool("detailed")

	return writeVersion(cmd.OutOrStdout(), format, detailed)
}

func writeVersion(w io.Writer, format string, detailed bool) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		return enc.Encode(version.GetBuildInfo())
	case "text":
		if detailed {
			_, err := fmt.Fprintln(w, version.GetDetailedVersion())

			return err
		}
		_, err := fmt.Fprintf(w, "contentlayer %s\n", version.GetShortVersion())

		return err
	default:
		return fmt.Errorf("unsupported format: %s (supported: text, json)", format)
	}
}
