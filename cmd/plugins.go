package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bundlekit/bundlekit/pkg/config"
	"github.com/bundlekit/bundlekit/pkg/exitcode"
	"github.com/bundlekit/bundlekit/pkg/logger"
	"github.com/bundlekit/bundlekit/pkg/manifest"
	"github.com/bundlekit/bundlekit/pkg/probe"
	"github.com/bundlekit/bundlekit/pkg/run"
	"github.com/bundlekit/bundlekit/pkg/sync"
)

func newPluginsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Sync git plugin checkouts with a manifest",
		Long: `Plugins syncs a tree of git checkouts with a manifest. Missing entries are
cloned; in refresh mode, present entries are fast-forwarded to the latest
upstream state. Checkouts with local changes are reported and left untouched.`,
		RunE: runPlugins,
	}

	cmd.Flags().String("manifest", "", "Manifest file (JSON array, legacy keyed map, or YAML)")
	cmd.Flags().String("root", ".", "Directory the checkouts live under")
	cmd.Flags().String("mode", "acquire", "Sync mode: acquire (clone missing) or refresh (also update present)")
	cmd.Flags().String("output", "", "Result manifest path (default <manifest>.result.json)")
	cmd.Flags().String("failures", "", "Write failed entries as JSON to this path")
	_ = cmd.MarkFlagRequired("manifest")

	return cmd
}

func runPlugins(cmd *cobra.Command, _ []string) error {
	manifestPath, _ := cmd.Flags().GetString("manifest")
	root, _ := cmd.Flags().GetString("root")
	modeStr, _ := cmd.Flags().GetString("mode")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	mode, err := sync.ParseMode(modeStr)
	if err != nil {
		return failWith(exitcode.ConfigError, err)
	}

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
		logger.Int("entries", len(m.Entries)),
		logger.String("mode", mode.String()))

	if !dryRun {
		if err := os.MkdirAll(root, 0o750); err != nil {
			return failWith(exitcode.GeneralError, fmt.Errorf("failed to create root %s: %w", root, err))
		}
	}

	ctx, stop := runContext(cmd)
	defer stop()

	engine := sync.NewEngine(root, mode, cfg.Mirrors.GitHub, dryRun)
	records := run.Process(ctx, effectiveConcurrency(cmd.Flags(), cfg), m.Entries, engine.SyncEntry)
	orphans := probe.Orphans(root, m)

	return finishRun(cmd, m, records, orphans, manifestPath, dryRun)
}
