// Package notify pushes job status events to the configured receiver
// endpoint over HTTP. Delivery is best effort: the transcription
// pipeline never blocks on or fails from a notification.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/voxflow/voxflow-go/internal/errors"
	"github.com/voxflow/voxflow-go/internal/logging"
)

// Status values carried in notifications.
const (
	StatusStarted    = "started"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

const (
	defaultTimeout        = 5 * time.Second
	defaultConnectTimeout = 2 * time.Second
	serverErrorRetries    = 2
	serverErrorBackoff    = 500 * time.Millisecond
	previewLimit          = 100
)

// Config controls the notifier.
type Config struct {
	Enabled        bool
	ReceiverURL    string // node service endpoint receiving the POSTs
	Timeout        time.Duration
	ConnectTimeout time.Duration
}

// Notifier delivers events to the receiver endpoint.
type Notifier struct {
	cfg    Config
	logger *slog.Logger

	client *http.Client

	// sleep is swappable for tests.
	sleep func(time.Duration)
}

// New creates a notifier. A disabled notifier swallows all events.
func New(cfg Config) *Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}

	logger := logging.ForService("notify")
	if logger == nil {
		logger = slog.Default().With("service", "notify")
	}

	return &Notifier{
		cfg:    cfg,
		logger: logger,
		client: newClient(cfg.Timeout, cfg.ConnectTimeout),
		sleep:  time.Sleep,
	}
}

func newClient(timeout, connectTimeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: connectTimeout,
			}).DialContext,
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// Started reports that processing began for a job.
func (n *Notifier) Started(ctx context.Context, jobID, filename string, duration float64, totalChunks int) error {
	return n.send(ctx, jobID, StatusStarted, map[string]any{
		"filename":       filename,
		"audio_duration": duration,
		"total_chunks":   totalChunks,
	})
}

// ChunkCompleted reports chunk-level progress for a running job.
func (n *Notifier) ChunkCompleted(ctx context.Context, jobID string, progress float64, currentChunk, totalChunks int, processingTime time.Duration, confidence *float64, textPreview string) error {
	body := map[string]any{
		"progress_percent":      progress,
		"current_chunk":         currentChunk,
		"total_chunks":          totalChunks,
		"chunk_processing_time": processingTime.Seconds(),
		"chunk_text_preview":    truncatePreview(textPreview),
	}
	if confidence != nil {
		body["chunk_confidence"] = *confidence
	}
	return n.send(ctx, jobID, StatusProcessing, body)
}

// Completed reports a finished job.
func (n *Notifier) Completed(ctx context.Context, jobID string, processingTime time.Duration, fullTextLength int, confidence *float64) error {
	body := map[string]any{
		"processing_time":  processingTime.Seconds(),
		"full_text_length": fullTextLength,
	}
	if confidence != nil {
		body["confidence"] = *confidence
	}
	return n.send(ctx, jobID, StatusCompleted, body)
}

// Failed reports a job-fatal error.
func (n *Notifier) Failed(ctx context.Context, jobID, errorMessage string) error {
	return n.send(ctx, jobID, StatusFailed, map[string]any{
		"error_message": errorMessage,
	})
}

// Cancelled reports a cooperative cancellation.
func (n *Notifier) Cancelled(ctx context.Context, jobID string) error {
	return n.send(ctx, jobID, StatusCancelled, nil)
}

func truncatePreview(text string) string {
	if len(text) <= previewLimit {
		return text
	}
	return text[:previewLimit]
}

// send posts the event, applying the retry policy. All failures are
// logged; the returned error is informational.
func (n *Notifier) send(ctx context.Context, jobID, status string, extra map[string]any) error {
	if !n.cfg.Enabled || n.cfg.ReceiverURL == "" {
		return nil
	}

	payload := map[string]any{
		"jobId":     jobID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"status":    status,
	}
	for k, v := range extra {
		payload[k] = v
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return errors.New(err).Category(errors.CategoryNotification).Build()
	}

	err = n.post(ctx, n.client, body)
	for attempt := 1; err != nil; attempt++ {
		retryClient, wait, retry := n.retryPlan(err, attempt)
		if !retry {
			break
		}
		if wait > 0 {
			n.sleep(wait)
		}
		err = n.post(ctx, retryClient, body)
	}

	if err != nil {
		n.logger.Warn("notification delivery failed",
			"job_id", jobID,
			"status", status,
			"url", n.cfg.ReceiverURL,
			"error", err)
		return errors.New(err).
			Category(errors.CategoryNotification).
			Context("status", status).
			Build()
	}
	return nil
}

// retryPlan decides whether the attempt-th retry happens, with which
// client and after what backoff. Server errors get two linearly backed
// off retries, connection failures one retry after a doubled backoff,
// timeouts none.
func (n *Notifier) retryPlan(err error, attempt int) (*http.Client, time.Duration, bool) {
	switch {
	case isTimeout(err):
		return nil, 0, false
	case isConnectError(err):
		if attempt > 1 {
			return nil, 0, false
		}
		return n.client, 2 * serverErrorBackoff, true
	case isServerError(err):
		if attempt > serverErrorRetries {
			return nil, 0, false
		}
		return n.client, time.Duration(attempt) * serverErrorBackoff, true
	default:
		return nil, 0, false
	}
}

// statusError marks a response with a retryable 5xx status.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("server returned status %d", e.code)
}

func (n *Notifier) post(ctx context.Context, client *http.Client, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.ReceiverURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 500 {
		return &statusError{code: resp.StatusCode}
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("notification rejected with status %d", resp.StatusCode)
	}
	return nil
}

func isServerError(err error) bool {
	var se *statusError
	return errors.As(err, &se)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isConnectError(err error) bool {
	if isTimeout(err) {
		return false
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		var oe *net.OpError
		if errors.As(ue.Err, &oe) && oe.Op == "dial" {
			return true
		}
		// httpmock and some transports surface dial failures without an
		// OpError; treat any non-timeout transport error as connect.
		return true
	}
	return false
}
