package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorBuilderBasic(t *testing.T) {
	t.Parallel()

	base := stderrors.New("model file missing")
	ee := New(base).
		Component("modelrt").
		Category(CategoryModelLoad).
		Context("model_path", "whisper-small").
		Build()

	require.NotNil(t, ee)
	assert.Equal(t, "model file missing", ee.Error())
	assert.Equal(t, "modelrt", ee.GetComponent())
	assert.Equal(t, CategoryModelLoad, ee.Category)
	assert.Equal(t, "whisper-small", ee.GetContext()["model_path"])
	assert.False(t, ee.GetTimestamp().IsZero())
	assert.ErrorIs(t, ee, base)
}

func TestNewf(t *testing.T) {
	t.Parallel()

	ee := Newf("chunk %d out of range", 7).Category(CategoryChunking).Build()
	assert.Equal(t, "chunk 7 out of range", ee.Error())
	assert.Equal(t, CategoryChunking, ee.Category)
}

func TestCategoryDetection(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		expected ErrorCategory
	}{
		{"model load", stderrors.New("failed to load model weights"), CategoryModelLoad},
		{"decode", stderrors.New("unable to decode stream"), CategoryAudioDecode},
		{"timeout", stderrors.New("context deadline exceeded"), CategoryTimeout},
		{"cancellation", stderrors.New("operation cancelled by caller"), CategoryCancellation},
		{"network", stderrors.New("connection refused"), CategoryNetwork},
		{"validation", stderrors.New("unsupported audio format"), CategoryValidation},
		{"unknown", stderrors.New("something odd happened"), CategoryGeneric},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ee := New(tt.err).Build()
			assert.Equal(t, tt.expected, ee.Category)
		})
	}
}

func TestIsCategory(t *testing.T) {
	t.Parallel()

	ee := New(stderrors.New("queue full")).Category(CategoryJobQueue).Build()
	wrapped := fmt.Errorf("submit: %w", ee)

	assert.True(t, IsCategory(wrapped, CategoryJobQueue))
	assert.False(t, IsCategory(wrapped, CategoryNotFound))
	assert.False(t, IsCategory(stderrors.New("plain"), CategoryJobQueue))
}

func TestIsNotFound(t *testing.T) {
	t.Parallel()

	ee := Newf("job %q not found", "abc").Category(CategoryNotFound).Build()
	assert.True(t, IsNotFound(ee))
	assert.False(t, IsNotFound(stderrors.New("other")))
}

func TestEnhancedErrorIsMatchesCategory(t *testing.T) {
	t.Parallel()

	a := New(stderrors.New("one")).Category(CategoryTimeout).Build()
	b := New(stderrors.New("two")).Category(CategoryTimeout).Build()
	c := New(stderrors.New("three")).Category(CategoryNetwork).Build()

	assert.True(t, stderrors.Is(a, b))
	assert.False(t, stderrors.Is(a, c))
}

func TestFileContextAnonymizes(t *testing.T) {
	t.Parallel()

	ee := New(stderrors.New("decode failed")).
		FileContext("/home/user/secret-recording.mp3", 42*1024*1024).
		Build()

	ctx := ee.GetContext()
	assert.Equal(t, "mp3", ctx["file_extension"])
	assert.Equal(t, "large", ctx["file_size_category"])
	assert.NotContains(t, fmt.Sprint(ctx), "secret-recording")
}

func TestTiming(t *testing.T) {
	t.Parallel()

	ee := New(stderrors.New("slow")).
		Timing("transcribe_chunk", 1500*time.Millisecond).
		Build()

	ctx := ee.GetContext()
	assert.Equal(t, "transcribe_chunk", ctx["operation"])
	assert.Equal(t, int64(1500), ctx["duration_ms"])
}

type recordingReporter struct {
	reported []*EnhancedError
}

func (r *recordingReporter) ReportError(ee *EnhancedError) {
	r.reported = append(r.reported, ee)
	ee.MarkReported()
}

func (r *recordingReporter) IsEnabled() bool { return true }

func TestTelemetryReporting(t *testing.T) {
	reporter := &recordingReporter{}
	SetTelemetryReporter(reporter)
	defer SetTelemetryReporter(nil)

	ee := New(stderrors.New("boom")).Category(CategoryInference).Build()

	require.Len(t, reporter.reported, 1)
	assert.Same(t, ee, reporter.reported[0])
	assert.True(t, ee.IsReported())
}

func TestScrubMessage(t *testing.T) {
	t.Parallel()

	scrubbed := ScrubMessage("failed to open /home/alice/uploads/call.wav: token=abc123secret")
	assert.NotContains(t, scrubbed, "alice")
	assert.NotContains(t, scrubbed, "abc123secret")
}

func TestErrorTitle(t *testing.T) {
	t.Parallel()

	ee := New(stderrors.New("boom")).
		Component("notify").
		Category(CategoryNotification).
		Context("operation", "send_progress").
		Build()

	title := ErrorTitle(ee)
	assert.Contains(t, title, "Notify")
	assert.Contains(t, title, "Notification Error")
	assert.Contains(t, title, "Send Progress")
}
