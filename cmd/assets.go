package cmd

import (
	"fmt"
	"os"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"

	"github.com/bundlekit/bundlekit/pkg/config"
	"github.com/bundlekit/bundlekit/pkg/exitcode"
	"github.com/bundlekit/bundlekit/pkg/fetch"
	"github.com/bundlekit/bundlekit/pkg/logger"
	"github.com/bundlekit/bundlekit/pkg/manifest"
	"github.com/bundlekit/bundlekit/pkg/probe"
	"github.com/bundlekit/bundlekit/pkg/run"
)

func newAssetsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assets",
		Short: "Download and verify remote assets listed in a manifest",
		Long: `Assets downloads the files a manifest lists into the root directory.
Downloads go through a staging path, are verified against their size and
sha256 hints, and are atomically published. Files that are already complete
are skipped, so re-runs download nothing.`,
		RunE: runAssets,
	}

	cmd.Flags().String("manifest", "", "Manifest file (JSON array, legacy keyed map, or YAML)")
	cmd.Flags().String("root", ".", "Directory the assets live under")
	cmd.Flags().String("output", "", "Result manifest path (default <manifest>.result.json)")
	cmd.Flags().String("failures", "", "Write failed entries as JSON to this path")
	_ = cmd.MarkFlagRequired("manifest")

	return cmd
}

func runAssets(cmd *cobra.Command, _ []string) error {
	manifestPath, _ := cmd.Flags().GetString("manifest")
	root, _ := cmd.Flags().GetString("root")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	cfg, err := config.LoadConfig()
	if err != nil {
		return failWith(exitcode.ConfigError, err)
	}

	m, err := manifest.Load(manifestPath)
	if err != nil {
		return failWith(exitcode.ManifestError, err)
	}
	logger.Info("manifest loaded",
		logger.String("path", manifestPath),
		logger.Int("entries", len(m.Entries)))

	if !dryRun {
		if err := os.MkdirAll(root, 0o750); err != nil {
			return failWith(exitcode.GeneralError, fmt.Errorf("failed to create root %s: %w", root, err))
		}
	}

	ctx, stop := runContext(cmd)
	defer stop()

	engine := fetch.NewEngine(osfs.New(root), fetch.Options{
		Timeout:   cfg.HTTP.Timeout,
		RetryMax:  cfg.HTTP.RetryMax,
		RetryWait: cfg.HTTP.RetryWait,
		RetryCeil: cfg.HTTP.RetryCeil,
	}, cfg.Mirrors.HuggingFace, dryRun)

	if !dryRun {
		engine.SweepStaging()
	}

	records := run.Process(ctx, effectiveConcurrency(cmd.Flags(), cfg), m.Entries, engine.FetchEntry)
	orphans := probe.Orphans(root, m)

	return finishRun(cmd, m, records, orphans, manifestPath, dryRun)
}
