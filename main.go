package main

import (
	"os"

	"github.com/voxflow/voxflow-go/cmd"
	"github.com/voxflow/voxflow-go/internal/buildinfo"
	"github.com/voxflow/voxflow-go/internal/logging"
)

// Populated at build time via -ldflags.
var (
	version   = ""
	buildDate = ""
)

func main() {
	build := buildinfo.Context{Version: version, BuildDate: buildDate}

	if err := cmd.RootCommand(build).Execute(); err != nil {
		logging.Error("command failed", "error", err)
		os.Exit(1)
	}
}
