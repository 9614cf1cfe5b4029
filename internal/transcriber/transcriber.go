// Package transcriber drives the model runtime for single chunks and
// shapes the output into chunk results.
package transcriber

import (
	"context"
	"log/slog"
	"time"

	"github.com/voxflow/voxflow-go/internal/chunker"
	"github.com/voxflow/voxflow-go/internal/logging"
	"github.com/voxflow/voxflow-go/internal/modelrt"
	"github.com/voxflow/voxflow-go/internal/stitch"
)

// Chunk result status values.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Result is the outcome of transcribing one chunk. Segment times are
// chunk-local; the orchestrator rebases them to absolute job time.
type Result struct {
	ChunkIndex     int
	StartTime      float64
	Duration       float64
	Segments       []stitch.Segment
	ProcessingTime time.Duration
	Status         string
	Error          string
	Confidence     *float64
	Warnings       []string
}

// Options configure a transcriber.
type Options struct {
	Language         string
	SystemPrompt     string
	WantTimestamps   bool
	WantConfidence   bool
	InferenceTimeout time.Duration
}

// Transcriber turns chunks into results using a runtime.
type Transcriber struct {
	runtime modelrt.Runtime
	opts    Options
	logger  *slog.Logger
}

// New creates a transcriber over the given runtime.
func New(runtime modelrt.Runtime, opts Options) *Transcriber {
	logger := logging.ForService("transcriber")
	if logger == nil {
		logger = slog.Default().With("service", "transcriber")
	}
	return &Transcriber{runtime: runtime, opts: opts, logger: logger}
}

// Transcribe runs one chunk through the runtime. Runtime failures are
// captured in the result, not returned, so the job can continue; only
// context cancellation propagates as an error.
func (t *Transcriber) Transcribe(ctx context.Context, chunk *chunker.Chunk) (*Result, error) {
	result := &Result{
		ChunkIndex: chunk.Index,
		StartTime:  chunk.StartTime,
		Duration:   chunk.Duration,
		Status:     StatusCompleted,
	}

	maxTokens := modelrt.MaxTokensFor(chunk.Duration)

	callCtx := ctx
	if t.opts.InferenceTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, t.opts.InferenceTimeout)
		defer cancel()
	}

	start := time.Now()
	res, err := t.runtime.Transcribe(callCtx, modelrt.TranscribeRequest{
		Samples:        chunk.Samples,
		SampleRate:     chunk.SampleRate,
		Language:       t.opts.Language,
		WantTimestamps: t.opts.WantTimestamps,
		WantConfidence: t.opts.WantConfidence,
		SystemPrompt:   t.opts.SystemPrompt,
		MaxTokens:      maxTokens,
	})
	result.ProcessingTime = time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			// The job itself was cancelled, let the orchestrator handle it.
			return nil, ctx.Err()
		}
		t.logger.Error("chunk transcription failed",
			"session_id", chunk.SessionID,
			"chunk_index", chunk.Index,
			"error", err)
		result.Status = StatusFailed
		result.Error = err.Error()
		return result, nil
	}

	result.Confidence = res.Confidence

	if modelrt.PossiblyTruncated(res.TokensUsed, maxTokens) {
		result.Warnings = append(result.Warnings, "output possibly truncated")
	}

	if len(res.Segments) > 0 {
		for _, s := range res.Segments {
			result.Segments = append(result.Segments, stitch.Segment{
				Start:      s.Start,
				End:        s.End,
				Text:       s.Text,
				Confidence: s.Confidence,
			})
		}
	} else {
		// No sub-chunk timing from the backend, synthesize one segment
		// spanning the whole chunk.
		result.Segments = []stitch.Segment{{
			Start:      0,
			End:        chunk.Duration,
			Text:       res.Text,
			Confidence: res.Confidence,
		}}
	}

	return result, nil
}

// Rebase shifts a result's segment times from chunk-local to absolute
// job time.
func Rebase(result *Result) []stitch.Segment {
	segments := make([]stitch.Segment, len(result.Segments))
	for i, s := range result.Segments {
		segments[i] = stitch.Segment{
			Start:      s.Start + result.StartTime,
			End:        s.End + result.StartTime,
			Text:       s.Text,
			Confidence: s.Confidence,
		}
	}
	return segments
}
