// Package jobs orchestrates transcription jobs: admission through a
// bounded semaphore, single-owner processing per job, cooperative
// cancellation, and terminal-state cleanup.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/voxflow/voxflow-go/internal/audio"
	"github.com/voxflow/voxflow-go/internal/chunker"
	"github.com/voxflow/voxflow-go/internal/dsp"
	"github.com/voxflow/voxflow-go/internal/errors"
	"github.com/voxflow/voxflow-go/internal/logging"
	"github.com/voxflow/voxflow-go/internal/modelrt"
	"github.com/voxflow/voxflow-go/internal/notify"
	"github.com/voxflow/voxflow-go/internal/observability"
	"github.com/voxflow/voxflow-go/internal/session"
	"github.com/voxflow/voxflow-go/internal/stitch"
	"github.com/voxflow/voxflow-go/internal/transcriber"
)

// Status is a job lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

const maxSystemPromptChars = 2000

// Terminal reports whether s is a sink state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Request is a transcription submission.
type Request struct {
	Filename       string
	Data           []byte
	Language       string
	WantTimestamps bool
	WantConfidence bool
	SystemPrompt   string
}

// Response is the final result of a completed job.
type Response struct {
	JobID          string           `json:"job_id"`
	Filename       string           `json:"filename"`
	Status         Status           `json:"status"`
	Segments       []stitch.Segment `json:"segments"`
	FullText       string           `json:"full_text"`
	AudioDuration  float64          `json:"audio_duration"`
	ProcessingTime float64          `json:"processing_time"`
	ChunkCount     int              `json:"chunk_count"`
	Confidence     *float64         `json:"confidence,omitempty"`
}

// Snapshot is an immutable copy of a job's observable state.
type Snapshot struct {
	ID           string    `json:"job_id"`
	Filename     string    `json:"filename"`
	Status       Status    `json:"status"`
	Progress     float64   `json:"progress"`
	CurrentChunk int       `json:"current_chunk"`
	TotalChunks  int       `json:"total_chunks"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	Response     *Response `json:"response,omitempty"`
}

// job is the mutable record owned by one orchestrator goroutine.
type job struct {
	mu sync.Mutex

	id        string
	filename  string
	status    Status
	progress  float64
	current   int
	total     int
	err       string
	createdAt time.Time
	response  *Response

	// cancelled is the cooperative flag checked between chunks.
	cancelled bool
}

func (j *job) snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Snapshot{
		ID:           j.id,
		Filename:     j.filename,
		Status:       j.status,
		Progress:     j.progress,
		CurrentChunk: j.current,
		TotalChunks:  j.total,
		Error:        j.err,
		CreatedAt:    j.createdAt,
		Response:     j.response,
	}
}

func (j *job) isCancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelled
}

// Config controls orchestration and the per-job processing pipeline.
type Config struct {
	MaxConcurrentRequests int64
	CleanupDelay          time.Duration
	UploadTimeout         time.Duration
	InferenceTimeout      time.Duration
	MaxAudioLength        float64 // seconds
	MaxFileSizeBytes      int64
	SampleRate            int
	ChunkDuration         time.Duration
	Overlap               time.Duration
	NoiseReduction        bool
	VADEnabled            bool
	SpillThresholdBytes   int64
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrentRequests <= 0 {
		c.MaxConcurrentRequests = 5
	}
	if c.CleanupDelay <= 0 {
		c.CleanupDelay = 300 * time.Second
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.ChunkDuration <= 0 {
		c.ChunkDuration = 10 * time.Minute
	}
	if c.Overlap < 0 {
		c.Overlap = 0
	}
}

// Deps are the collaborators the orchestrator drives.
type Deps struct {
	Runtime  modelrt.Runtime
	Sessions *session.Manager
	Notifier *notify.Notifier
	Metrics  *observability.Metrics

	// DecoderFor builds a decoder spilling into the given session
	// directory. Swappable for tests.
	DecoderFor func(spillDir string) audio.Decoder
}

// Orchestrator owns the job map and the admission semaphore.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	pre    *dsp.Preprocessor
	sem    *semaphore.Weighted

	mu   sync.Mutex
	jobs map[string]*job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an orchestrator. Processing goroutines run until Shutdown.
func New(cfg Config, deps Deps) *Orchestrator {
	cfg.applyDefaults()
	if deps.DecoderFor == nil {
		deps.DecoderFor = func(spillDir string) audio.Decoder {
			return audio.NewDecoder(audio.Options{
				TargetRate:          cfg.SampleRate,
				SpillThresholdBytes: cfg.SpillThresholdBytes,
				SpillDir:            spillDir,
			})
		}
	}

	logger := logging.ForService("jobs")
	if logger == nil {
		logger = slog.Default().With("service", "jobs")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		pre: dsp.NewPreprocessor(dsp.Config{
			TargetRate:     cfg.SampleRate,
			NoiseReduction: cfg.NoiseReduction,
			VADEnabled:     cfg.VADEnabled,
		}),
		sem:    semaphore.NewWeighted(cfg.MaxConcurrentRequests),
		jobs:   make(map[string]*job),
		ctx:    ctx,
		cancel: cancel,
	}
}

// SubmitFile validates the upload and enqueues a job. It returns as
// soon as the job is registered; processing happens concurrently.
func (o *Orchestrator) SubmitFile(req Request) (string, error) {
	if len(req.Data) == 0 {
		return "", errors.Newf("empty upload").
			Category(errors.CategoryValidation).
			Build()
	}
	if o.cfg.MaxFileSizeBytes > 0 && int64(len(req.Data)) > o.cfg.MaxFileSizeBytes {
		return "", errors.Newf("file size %d exceeds limit %d", len(req.Data), o.cfg.MaxFileSizeBytes).
			Category(errors.CategoryLimit).
			Build()
	}
	if len(req.SystemPrompt) > maxSystemPromptChars {
		return "", errors.Newf("system prompt exceeds %d characters", maxSystemPromptChars).
			Category(errors.CategoryValidation).
			Build()
	}
	if _, err := audio.DetectFormat(req.Data, req.Filename); err != nil {
		return "", err
	}

	j := &job{
		id:        uuid.New().String(),
		filename:  req.Filename,
		status:    StatusPending,
		createdAt: time.Now(),
	}

	o.mu.Lock()
	o.jobs[j.id] = j
	o.mu.Unlock()

	o.logger.Info("job submitted", "job_id", j.id, "filename", req.Filename, "bytes", len(req.Data))

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(j, req)
	}()
	return j.id, nil
}

// GetJob returns a snapshot of the job, if known.
func (o *Orchestrator) GetJob(id string) (Snapshot, bool) {
	o.mu.Lock()
	j, ok := o.jobs[id]
	o.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return j.snapshot(), true
}

// CancelJob requests cooperative cancellation. It returns true when the
// job exists and is not already in a terminal state other than
// cancelled; repeat calls are idempotent.
func (o *Orchestrator) CancelJob(id string) bool {
	o.mu.Lock()
	j, ok := o.jobs[id]
	o.mu.Unlock()
	if !ok {
		return false
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	switch j.status {
	case StatusCompleted, StatusFailed:
		return false
	case StatusCancelled:
		return true
	}
	j.cancelled = true
	return true
}

// ProcessingCount returns the number of jobs not yet in a terminal
// state. Model reload is refused while this is non-zero.
func (o *Orchestrator) ProcessingCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	count := 0
	for _, j := range o.jobs {
		j.mu.Lock()
		if !j.status.Terminal() {
			count++
		}
		j.mu.Unlock()
	}
	return count
}

// Shutdown stops admitting work and waits for running jobs up to the
// context deadline.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the single owner goroutine for one job.
func (o *Orchestrator) run(j *job, req Request) {
	queuedAt := time.Now()
	if err := o.sem.Acquire(o.ctx, 1); err != nil {
		o.finishFailed(j, "", "service shutting down before admission")
		return
	}
	defer o.sem.Release(1)

	if m := o.deps.Metrics; m != nil {
		m.QueueWait.Observe(time.Since(queuedAt).Seconds())
		m.JobsActive.Inc()
		defer m.JobsActive.Dec()
	}

	// Cancelled while pending: no session exists yet.
	if j.isCancelled() {
		o.finishCancelled(j, "")
		return
	}

	j.mu.Lock()
	j.status = StatusProcessing
	j.mu.Unlock()

	startedAt := time.Now()
	resp, sessionID, err := o.process(j, req, startedAt)
	switch {
	case err == nil:
		o.finishCompleted(j, sessionID, resp, time.Since(startedAt))
	case errors.IsCategory(err, errors.CategoryCancellation):
		o.finishCancelled(j, sessionID)
	default:
		o.finishFailed(j, sessionID, err.Error())
	}
}

var errCancelled = errors.Newf("job cancelled").
	Category(errors.CategoryCancellation).
	Build()

// process runs the decode/preprocess/chunk/transcribe pipeline. It
// returns the assembled response, or a cancellation or job-fatal error.
func (o *Orchestrator) process(j *job, req Request, startedAt time.Time) (*Response, string, error) {
	sessionDir, err := o.deps.Sessions.Register(j.id)
	if err != nil {
		return nil, "", err
	}
	sessionID := j.id

	decodeCtx := o.ctx
	if o.cfg.UploadTimeout > 0 {
		var cancel context.CancelFunc
		decodeCtx, cancel = context.WithTimeout(o.ctx, o.cfg.UploadTimeout)
		defer cancel()
	}

	clip, err := o.deps.DecoderFor(sessionDir).Decode(decodeCtx, req.Data, req.Filename)
	if err != nil {
		return nil, sessionID, err
	}
	if clip.SpillPath != "" {
		o.deps.Sessions.Protect(sessionID, clip.SpillPath)
	}
	duration := clip.Seconds()
	if o.cfg.MaxAudioLength > 0 && duration > o.cfg.MaxAudioLength {
		return nil, sessionID, errors.Newf("audio duration %.1fs exceeds limit %.1fs", duration, o.cfg.MaxAudioLength).
			Category(errors.CategoryLimit).
			Build()
	}

	samples := o.pre.Process(clip.Samples, clip.SampleRate, clip.Channels)

	ck, err := chunker.New(samples, o.cfg.SampleRate, chunker.Config{
		ChunkDuration: o.cfg.ChunkDuration,
		Overlap:       o.cfg.Overlap,
		SessionID:     sessionID,
		SpillDir:      sessionDir,
	})
	if err != nil {
		return nil, sessionID, err
	}
	total := ck.Count()

	j.mu.Lock()
	j.total = total
	j.mu.Unlock()

	o.notifyAsync(func(ctx context.Context) error {
		return o.deps.Notifier.Started(ctx, j.id, req.Filename, duration, total)
	})

	tr := transcriber.New(o.deps.Runtime, transcriber.Options{
		Language:         req.Language,
		SystemPrompt:     req.SystemPrompt,
		WantTimestamps:   req.WantTimestamps,
		WantConfidence:   req.WantConfidence,
		InferenceTimeout: o.cfg.InferenceTimeout,
	})

	var segments []stitch.Segment
	completed := 0
	for {
		if j.isCancelled() {
			return nil, sessionID, errCancelled
		}

		chunk, err := ck.Next()
		if err != nil {
			break // stream exhausted
		}
		o.deps.Sessions.Touch(sessionID)

		result, err := tr.Transcribe(o.ctx, chunk)
		if err != nil {
			if j.isCancelled() {
				return nil, sessionID, errCancelled
			}
			return nil, sessionID, err
		}

		if m := o.deps.Metrics; m != nil {
			m.RecordChunk(result.Status, result.ProcessingTime.Seconds(), chunk.Duration)
		}
		if result.Status == transcriber.StatusCompleted {
			segments = append(segments, transcriber.Rebase(result)...)
		} else {
			o.logger.Warn("chunk failed, continuing",
				"job_id", j.id, "chunk_index", chunk.Index, "error", result.Error)
		}

		completed++
		progress := float64(completed) / float64(total) * 100

		j.mu.Lock()
		j.current = completed
		j.progress = progress
		j.mu.Unlock()

		// Preview the head of the chunk's text; the notifier truncates.
		preview := stitch.FullText(result.Segments)
		chunkConf := result.Confidence
		chunkTime := result.ProcessingTime
		o.notifyAsync(func(ctx context.Context) error {
			return o.deps.Notifier.ChunkCompleted(ctx, j.id, progress, completed, total, chunkTime, chunkConf, preview)
		})
	}

	if j.isCancelled() {
		return nil, sessionID, errCancelled
	}

	deduped := stitch.Dedup(segments, o.cfg.Overlap.Seconds())
	resp := &Response{
		JobID:          j.id,
		Filename:       req.Filename,
		Status:         StatusCompleted,
		Segments:       deduped,
		FullText:       stitch.FullText(deduped),
		AudioDuration:  duration,
		ProcessingTime: time.Since(startedAt).Seconds(),
		ChunkCount:     total,
		Confidence:     stitch.MeanConfidence(deduped),
	}
	return resp, sessionID, nil
}

func (o *Orchestrator) finishCompleted(j *job, sessionID string, resp *Response, elapsed time.Duration) {
	j.mu.Lock()
	j.status = StatusCompleted
	j.progress = 100.0
	j.response = resp
	j.mu.Unlock()

	o.logger.Info("job completed",
		"job_id", j.id,
		"chunks", resp.ChunkCount,
		"processing_time", elapsed,
		"text_length", len(resp.FullText))

	if m := o.deps.Metrics; m != nil {
		m.RecordJobFinished(string(StatusCompleted), elapsed.Seconds())
		m.AudioSeconds.Add(resp.AudioDuration)
	}

	o.notifyAsync(func(ctx context.Context) error {
		return o.deps.Notifier.Completed(ctx, j.id, elapsed, len(resp.FullText), resp.Confidence)
	})

	o.deps.Sessions.MarkInactive(sessionID)
	o.deps.Sessions.ScheduleDelayedCleanup(sessionID, o.cfg.CleanupDelay)
	o.forgetLater(j.id)
}

func (o *Orchestrator) finishFailed(j *job, sessionID, message string) {
	j.mu.Lock()
	j.status = StatusFailed
	j.err = message
	j.mu.Unlock()

	o.logger.Error("job failed", "job_id", j.id, "error", message)

	if m := o.deps.Metrics; m != nil {
		m.RecordJobFinished(string(StatusFailed), time.Since(j.createdAt).Seconds())
	}

	o.notifyAsync(func(ctx context.Context) error {
		return o.deps.Notifier.Failed(ctx, j.id, message)
	})

	if sessionID != "" {
		if err := o.deps.Sessions.CleanupSession(sessionID, true); err != nil {
			o.logger.Warn("session cleanup failed", "session_id", sessionID, "error", err)
		}
	}
	o.forgetLater(j.id)
}

func (o *Orchestrator) finishCancelled(j *job, sessionID string) {
	j.mu.Lock()
	j.status = StatusCancelled
	j.cancelled = true
	// Partial results are discarded, never returned.
	j.response = nil
	j.mu.Unlock()

	o.logger.Info("job cancelled", "job_id", j.id)

	if m := o.deps.Metrics; m != nil {
		m.RecordJobFinished(string(StatusCancelled), time.Since(j.createdAt).Seconds())
	}

	o.notifyAsync(func(ctx context.Context) error {
		return o.deps.Notifier.Cancelled(ctx, j.id)
	})

	if sessionID != "" {
		if err := o.deps.Sessions.CleanupSession(sessionID, true); err != nil {
			o.logger.Warn("session cleanup failed", "session_id", sessionID, "error", err)
		}
	}
	o.forgetLater(j.id)
}

// forgetLater keeps the terminal snapshot retrievable for the cleanup
// delay, then drops the job record.
func (o *Orchestrator) forgetLater(id string) {
	time.AfterFunc(o.cfg.CleanupDelay, func() {
		o.mu.Lock()
		delete(o.jobs, id)
		o.mu.Unlock()
	})
}

// notifyAsync fires a notification without blocking the pipeline.
// Failures are logged by the notifier and counted here.
func (o *Orchestrator) notifyAsync(send func(context.Context) error) {
	if o.deps.Notifier == nil {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		outcome := "ok"
		if err := send(context.Background()); err != nil {
			outcome = "error"
		}
		if m := o.deps.Metrics; m != nil {
			m.NotifyTotal.WithLabelValues(outcome).Inc()
		}
	}()
}

// String implements fmt.Stringer for log readability.
func (s Snapshot) String() string {
	return fmt.Sprintf("job %s [%s] %.1f%% (%d/%d)", s.ID, s.Status, s.Progress, s.CurrentChunk, s.TotalChunks)
}
