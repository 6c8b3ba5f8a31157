package cmd

import (
	"github.com/spf13/cobra"

	"github.com/bundlekit/bundlekit/pkg/buildinfo"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print bundlekit version information",
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Printf("bundlekit %s\n", buildinfo.BinaryVersion)
		if mv := buildinfo.ModuleVersion(); mv != "" && mv != "(devel)" {
			cmd.Printf("module %s\n", mv)
		}
	},
}
