// Package cmd wires the CLI: serve runs the HTTP service, transcribe
// runs a one-shot file transcription, version prints build metadata.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/voxflow/voxflow-go/internal/buildinfo"
)

type rootOptions struct {
	configPath string
	debug      bool
}

// RootCommand creates the root command with all subcommands attached.
func RootCommand(build buildinfo.Context) *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "voxflow",
		Short:         "Voxflow audio transcription service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config file")
	rootCmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(
		serveCommand(opts, build),
		transcribeCommand(opts, build),
		versionCommand(build),
	)
	return rootCmd
}
