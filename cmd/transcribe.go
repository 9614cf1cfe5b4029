package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/voxflow/voxflow-go/internal/buildinfo"
	"github.com/voxflow/voxflow-go/internal/core"
	"github.com/voxflow/voxflow-go/internal/format"
	"github.com/voxflow/voxflow-go/internal/jobs"
)

func transcribeCommand(opts *rootOptions, build buildinfo.Context) *cobra.Command {
	var (
		language     string
		outputFormat string
		outputPath   string
		timestamps   bool
		confidence   bool
	)

	cmd := &cobra.Command{
		Use:   "transcribe [audio file]",
		Short: "Transcribe a single audio file and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTranscribe(cmd.Context(), opts, build, transcribeOptions{
				inputPath:    args[0],
				language:     language,
				outputFormat: outputFormat,
				outputPath:   outputPath,
				timestamps:   timestamps,
				confidence:   confidence,
			})
		},
	}

	cmd.Flags().StringVar(&language, "language", "auto", "language hint, auto detects")
	cmd.Flags().StringVar(&outputFormat, "format", format.TXT, "output format: json, txt, srt, vtt")
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "write result to file instead of stdout")
	cmd.Flags().BoolVar(&timestamps, "timestamps", false, "request segment timestamps")
	cmd.Flags().BoolVar(&confidence, "confidence", false, "request confidence scores")
	return cmd
}

type transcribeOptions struct {
	inputPath    string
	language     string
	outputFormat string
	outputPath   string
	timestamps   bool
	confidence   bool
}

func runTranscribe(ctx context.Context, opts *rootOptions, build buildinfo.Context, t transcribeOptions) error {
	settings, err := setup(opts)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(t.inputPath)
	if err != nil {
		return err
	}

	c, err := core.New(settings, core.Options{Build: build})
	if err != nil {
		return err
	}
	if err := c.Start(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = c.Shutdown(shutdownCtx)
	}()

	id, err := c.SubmitFile(jobs.Request{
		Filename:       filepath.Base(t.inputPath),
		Data:           data,
		Language:       t.language,
		WantTimestamps: t.timestamps || t.outputFormat == format.SRT || t.outputFormat == format.VTT,
		WantConfidence: t.confidence,
	})
	if err != nil {
		return err
	}

	snap, err := waitForJob(ctx, c, id)
	if err != nil {
		return err
	}
	switch snap.Status {
	case jobs.StatusFailed:
		return fmt.Errorf("transcription failed: %s", snap.Error)
	case jobs.StatusCancelled:
		return fmt.Errorf("transcription cancelled")
	}

	out, err := format.Render(snap.Response, t.outputFormat)
	if err != nil {
		return err
	}

	if t.outputPath != "" {
		return os.WriteFile(t.outputPath, []byte(out), 0o644)
	}
	fmt.Println(out)
	return nil
}

// waitForJob polls the job until it reaches a terminal state.
func waitForJob(ctx context.Context, c *core.Core, id string) (jobs.Snapshot, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.CancelJob(id)
			return jobs.Snapshot{}, ctx.Err()
		case <-ticker.C:
			snap, ok := c.GetJob(id)
			if !ok {
				return jobs.Snapshot{}, fmt.Errorf("job %s disappeared", id)
			}
			if snap.Status.Terminal() {
				return snap, nil
			}
		}
	}
}
