package cmd

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/bundlekit/bundlekit/pkg/buildinfo"
	"github.com/bundlekit/bundlekit/pkg/exitcode"
	"github.com/bundlekit/bundlekit/pkg/logger"
)

// newRootCommand creates a fresh root command instance.
// The factory pattern allows tests to create isolated command trees without shared state.
func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundlekit",
		Short: "Manifest-driven sync of plugin checkouts and model assets",
		Long: `Bundlekit brings a local directory tree into agreement with a manifest:
git repositories are cloned or fast-forwarded, remote assets are downloaded,
verified, and atomically published. Runs are idempotent and local state is
never deleted on the manifest's behalf.

Examples:
   bundlekit plugins --manifest plugins.json --root custom_nodes
   bundlekit plugins --manifest plugins.json --root custom_nodes --mode refresh
   bundlekit assets --manifest models.json --root models
   bundlekit version`,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			initializeLogger(cmd)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	cmd.PersistentFlags().String("log-level", "info", "Set log level (debug|info|warn|error)")
	cmd.PersistentFlags().Bool("json", false, "Output logs in JSON format")
	cmd.PersistentFlags().Bool("no-color", false, "Disable colored output")
	cmd.PersistentFlags().Bool("dry-run", false, "Report what would change without touching anything")
	cmd.PersistentFlags().Int("concurrency", 0, "Maximum parallel entries (0 = from config)")

	cmd.Version = buildinfo.BinaryVersion
	cmd.SetVersionTemplate("bundlekit {{.Version}}\n")

	return cmd
}

// registerSubcommands adds all subcommands to the root command.
// Called from init() for production; tests call it on isolated roots.
func registerSubcommands(cmd *cobra.Command) {
	cmd.AddCommand(newPluginsCommand())
	cmd.AddCommand(newAssetsCommand())
	cmd.AddCommand(versionCmd)
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = newRootCommand()

// Execute runs the CLI. Called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.Error("command failed", logger.Err(err))
		var coded *codedError
		if errors.As(err, &coded) {
			os.Exit(coded.code)
		}
		os.Exit(exitcode.GeneralError)
	}
}

func init() {
	registerSubcommands(rootCmd)
}

// codedError carries the process exit code for a failed command.
type codedError struct {
	code int
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }

func failWith(code int, err error) error {
	return &codedError{code: code, err: err}
}

// initializeLogger sets up the logger based on the global flags.
func initializeLogger(cmd *cobra.Command) {
	levelStr, _ := cmd.Flags().GetString("log-level")
	jsonLogs, _ := cmd.Flags().GetBool("json")
	noColor, _ := cmd.Flags().GetBool("no-color")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	config := logger.Config{
		Level:     logger.ParseLevel(levelStr),
		UseColor:  !noColor,
		JSON:      jsonLogs,
		Component: "bundlekit",
		DryRun:    dryRun,
	}

	if err := logger.Initialize(config); err != nil {
		if _, writeErr := os.Stderr.WriteString("Failed to initialize logger: " + err.Error() + "\n"); writeErr != nil {
			_ = writeErr
		}
		os.Exit(exitcode.ConfigError)
	}
}
