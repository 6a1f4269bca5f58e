package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"optrack.evalgo.org/common"
	httpapi "optrack.evalgo.org/http"
	"optrack.evalgo.org/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version and build information",
	RunE: func(cmd *cobra.Command, args []string) error {
		verbose, _ := cmd.Flags().GetBool("verbose")
		out := cmd.OutOrStdout()
		if !verbose {
			_, err := fmt.Fprintln(out, version.GetVersion())
			return err
		}
		return yaml.NewEncoder(out).Encode(version.GetBuildInfo())
	},
}

var issuesCmd = &cobra.Command{
	Use:   "issues",
	Short: "Inspect the issue log of a running optrack",
}

var issuesExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the issue log of a running optrack to a file",
	Long: `Fetches GET /issues from a running optrack and writes the text export
to --output, falling back to issues.file from the configuration. Use
--output - to print to stdout.`,
	RunE: runIssuesExport,
}

func init() {
	versionCmd.Flags().BoolP("verbose", "v", false, "print module and dependency versions")

	issuesExportCmd.Flags().StringP("output", "o", "", "output file (default issues.file)")
	issuesExportCmd.Flags().String("server", "", "base URL of the running optrack (default from server.host/port)")
	issuesExportCmd.Flags().Duration("timeout", 10*time.Second, "request timeout")
	issuesCmd.AddCommand(issuesExportCmd)
}

func runIssuesExport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	server, _ := cmd.Flags().GetString("server")
	if server == "" {
		server = fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	}
	output, _ := cmd.Flags().GetString("output")
	if output == "" {
		output = cfg.Issues.File
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")

	fetcher := httpapi.NewFetcher(timeout, logrus.NewEntry(common.Logger))
	text, err := fetcher.Get(context.Background(), server+"/issues")
	if err != nil {
		return fmt.Errorf("failed to fetch issue log: %w", err)
	}

	return writeExport(cmd.OutOrStdout(), output, text)
}

// writeExport writes text to path, or to stdout when path is "-" or empty
func writeExport(stdout io.Writer, path string, text []byte) error {
	if path == "" || path == "-" {
		_, err := stdout.Write(text)
		return err
	}
	if err := os.WriteFile(path, text, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	common.Logger.WithField("file", path).Info("Exported issue log")
	return nil
}
