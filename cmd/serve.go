package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/voxflow/voxflow-go/internal/api"
	"github.com/voxflow/voxflow-go/internal/buildinfo"
	"github.com/voxflow/voxflow-go/internal/conf"
	"github.com/voxflow/voxflow-go/internal/core"
	"github.com/voxflow/voxflow-go/internal/logging"
	"github.com/voxflow/voxflow-go/internal/telemetry"
)

const shutdownGrace = 30 * time.Second

func serveCommand(opts *rootOptions, build buildinfo.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the transcription HTTP service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts, build)
		},
	}
}

func runServe(ctx context.Context, opts *rootOptions, build buildinfo.Context) error {
	settings, err := setup(opts)
	if err != nil {
		return err
	}

	c, err := core.New(settings, core.Options{Build: build})
	if err != nil {
		return err
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logging.Info("starting voxflow",
		"version", build.DisplayVersion(),
		"model", settings.Model.Name,
		"device", settings.Model.Device)

	if err := c.Start(runCtx); err != nil {
		return err
	}

	server := api.New(c, settings.Web)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Start()
	}()

	select {
	case err := <-serveErr:
		return err
	case <-runCtx.Done():
	}

	logging.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logging.Warn("http shutdown failed", "error", err)
	}
	return c.Shutdown(shutdownCtx)
}

// setup loads configuration and initializes logging and telemetry.
func setup(opts *rootOptions) (*conf.Settings, error) {
	settings, err := conf.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.debug {
		settings.Debug = true
	}

	logging.Init()
	if settings.Debug {
		logging.SetLevel(slog.LevelDebug)
	}

	if settings.Telemetry.Enabled {
		if err := telemetry.Init(&telemetry.Settings{
			Enabled:     true,
			DSN:         settings.Telemetry.DSN,
			Environment: settings.Telemetry.Environment,
			Debug:       settings.Debug,
		}); err != nil {
			logging.Warn("telemetry init failed", "error", err)
		}
	}
	return settings, nil
}
