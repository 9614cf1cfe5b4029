package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/voxflow/voxflow-go/internal/buildinfo"
)

func versionCommand(build buildinfo.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Printf("voxflow %s\n", build.DisplayVersion())
			if build.BuildDate != "" {
				fmt.Printf("built:  %s\n", build.BuildDate)
			}
			fmt.Printf("go:     %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
