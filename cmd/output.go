package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"github.com/bundlekit/bundlekit/pkg/config"
	"github.com/bundlekit/bundlekit/pkg/exitcode"
	"github.com/bundlekit/bundlekit/pkg/logger"
	"github.com/bundlekit/bundlekit/pkg/manifest"
	"github.com/bundlekit/bundlekit/pkg/report"
	"github.com/bundlekit/bundlekit/pkg/run"
)

// runContext derives a context that is cancelled on SIGINT/SIGTERM so
// in-flight entries stop and unstarted ones are recorded as cancelled.
func runContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

// effectiveConcurrency prefers the --concurrency flag over the config value.
func effectiveConcurrency(flags *pflag.FlagSet, cfg *config.Config) int {
	if n, err := flags.GetInt("concurrency"); err == nil && n > 0 {
		return n
	}
	return cfg.Concurrency
}

// defaultResultPath derives the result manifest path from the input path.
// The result is always JSON regardless of the input format.
func defaultResultPath(manifestPath string) string {
	return strings.TrimSuffix(manifestPath, filepath.Ext(manifestPath)) + ".result.json"
}

// finishRun is the shared tail of the plugins and assets commands: render the
// summary, write the result manifest and the optional failures file, and turn
// per-entry failures into the run's exit code.
func finishRun(cmd *cobra.Command, m *manifest.Manifest, records []run.Record, orphans []string, manifestPath string, dryRun bool) error {
	outputPath, _ := cmd.Flags().GetString("output")
	failuresPath, _ := cmd.Flags().GetString("failures")

	summary := report.New(records, orphans)
	summary.Render(cmd.OutOrStdout())

	if !dryRun {
		if outputPath == "" {
			outputPath = defaultResultPath(manifestPath)
		}
		entries := report.ResultEntries(m, records)
		if err := report.WriteResultManifest(manifestPath, outputPath, entries); err != nil {
			return failWith(exitcode.GeneralError, err)
		}
		logger.Info("result manifest written",
			logger.String("path", outputPath),
			logger.Int("entries", len(entries)))

		if failuresPath != "" {
			if err := summary.WriteFailures(failuresPath); err != nil {
				return failWith(exitcode.GeneralError, err)
			}
		}
	}

	if failures := summary.Failures(); len(failures) > 0 {
		return failWith(exitcode.SyncFailures,
			fmt.Errorf("completed with %d failed entries", len(failures)))
	}
	return nil
}
