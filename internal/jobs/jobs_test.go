package jobs

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxflow/voxflow-go/internal/audio"
	"github.com/voxflow/voxflow-go/internal/modelrt"
	"github.com/voxflow/voxflow-go/internal/notify"
	"github.com/voxflow/voxflow-go/internal/session"
)

// stubDecoder returns a fixed-length silent clip, or a scripted error.
type stubDecoder struct {
	seconds float64
	rate    int
	err     error
}

func (d *stubDecoder) Decode(context.Context, []byte, string) (*audio.Clip, error) {
	if d.err != nil {
		return nil, d.err
	}
	return &audio.Clip{
		Samples:    make([]float32, int(d.seconds*float64(d.rate))),
		SampleRate: d.rate,
		Channels:   1,
		Format:     "wav",
	}, nil
}

func (d *stubDecoder) Probe(context.Context, []byte, string) (*audio.Info, error) {
	return &audio.Info{Format: "wav", SampleRate: d.rate, Channels: 1}, nil
}

// eventRecorder is an in-process notification receiver.
type eventRecorder struct {
	mu     sync.Mutex
	events []map[string]any
}

func (r *eventRecorder) handler(w http.ResponseWriter, req *http.Request) {
	var payload map[string]any
	if err := json.NewDecoder(req.Body).Decode(&payload); err == nil {
		r.mu.Lock()
		r.events = append(r.events, payload)
		r.mu.Unlock()
	}
	w.WriteHeader(http.StatusOK)
}

func (r *eventRecorder) statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e["status"].(string))
	}
	return out
}

func (r *eventRecorder) firstField(status, key string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e["status"] == status {
			v, ok := e[key].(string)
			return v, ok
		}
	}
	return "", false
}

func (r *eventRecorder) count(status string) int {
	n := 0
	for _, s := range r.statuses() {
		if s == status {
			n++
		}
	}
	return n
}

type testHarness struct {
	orch     *Orchestrator
	sessions *session.Manager
	tempRoot string
	recorder *eventRecorder
}

func newHarness(t *testing.T, cfg Config, rt modelrt.Runtime, dec audio.Decoder) *testHarness {
	t.Helper()

	tempRoot := t.TempDir()
	sessions, err := session.NewManager(session.Config{Root: tempRoot})
	require.NoError(t, err)

	recorder := &eventRecorder{}
	server := httptest.NewServer(http.HandlerFunc(recorder.handler))
	t.Cleanup(server.Close)

	orch := New(cfg, Deps{
		Runtime:    rt,
		Sessions:   sessions,
		Notifier:   notify.New(notify.Config{Enabled: true, ReceiverURL: server.URL}),
		DecoderFor: func(string) audio.Decoder { return dec },
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
		sessions.Stop()
	})

	return &testHarness{orch: orch, sessions: sessions, tempRoot: tempRoot, recorder: recorder}
}

func waitForStatus(t *testing.T, orch *Orchestrator, id string, want Status) Snapshot {
	t.Helper()
	var snap Snapshot
	require.Eventually(t, func() bool {
		s, ok := orch.GetJob(id)
		if !ok {
			return false
		}
		snap = s
		return s.Status == want
	}, 10*time.Second, 5*time.Millisecond, "job never reached %s", want)
	return snap
}

func TestSubmitRejectsUnsupportedFormat(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{SampleRate: 100}, modelrt.NewFakeRuntime(), &stubDecoder{seconds: 10, rate: 100})

	_, err := h.orch.SubmitFile(Request{Filename: "file.xyz", Data: make([]byte, 100)})
	require.Error(t, err)

	// No session directory was created.
	entries, readErr := os.ReadDir(h.tempRoot)
	require.NoError(t, readErr)
	assert.Empty(t, entries)
}

func TestSubmitRejectsEmptyUpload(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, modelrt.NewFakeRuntime(), &stubDecoder{seconds: 10, rate: 16000})
	_, err := h.orch.SubmitFile(Request{Filename: "a.wav", Data: nil})
	require.Error(t, err)
}

func TestSubmitRejectsOversizedFile(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{MaxFileSizeBytes: 10}, modelrt.NewFakeRuntime(), &stubDecoder{seconds: 10, rate: 16000})
	_, err := h.orch.SubmitFile(Request{Filename: "a.wav", Data: make([]byte, 11)})
	require.Error(t, err)
}

func TestSubmitRejectsLongSystemPrompt(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, modelrt.NewFakeRuntime(), &stubDecoder{seconds: 10, rate: 16000})
	_, err := h.orch.SubmitFile(Request{
		Filename:     "a.wav",
		Data:         []byte("RIFF"),
		SystemPrompt: string(make([]byte, 2001)),
	})
	require.Error(t, err)
}

func TestSingleChunkJobCompletes(t *testing.T) {
	t.Parallel()

	rt := modelrt.NewFakeRuntime()
	rt.Responses = []modelrt.TranscribeResult{{Text: "twelve seconds of speech"}}

	cfg := Config{SampleRate: 100, ChunkDuration: 10 * time.Minute, Overlap: 3 * time.Second}
	h := newHarness(t, cfg, rt, &stubDecoder{seconds: 12, rate: 100})

	id, err := h.orch.SubmitFile(Request{Filename: "short.wav", Data: []byte("RIFF")})
	require.NoError(t, err)

	snap := waitForStatus(t, h.orch, id, StatusCompleted)
	assert.Equal(t, 100.0, snap.Progress)
	assert.Equal(t, 1, snap.TotalChunks)

	require.NotNil(t, snap.Response)
	assert.Equal(t, "twelve seconds of speech", snap.Response.FullText)
	assert.Equal(t, 1, snap.Response.ChunkCount)
	assert.InDelta(t, 12.0, snap.Response.AudioDuration, 0.1)
	assert.Greater(t, snap.Response.ProcessingTime, 0.0)
}

func TestChunkPreviewIsHeadOfChunkText(t *testing.T) {
	t.Parallel()

	rt := modelrt.NewFakeRuntime()
	rt.Responses = []modelrt.TranscribeResult{{
		Text: "opening words of the chunk and then the rest",
		Segments: []modelrt.SubSegment{
			{Start: 0, End: 6, Text: "opening words of the chunk"},
			{Start: 6, End: 12, Text: "and then the rest"},
		},
	}}

	cfg := Config{SampleRate: 100, ChunkDuration: 10 * time.Minute, Overlap: 3 * time.Second}
	h := newHarness(t, cfg, rt, &stubDecoder{seconds: 12, rate: 100})

	id, err := h.orch.SubmitFile(Request{Filename: "short.wav", Data: []byte("RIFF")})
	require.NoError(t, err)
	waitForStatus(t, h.orch, id, StatusCompleted)

	var preview string
	require.Eventually(t, func() bool {
		v, ok := h.recorder.firstField(notify.StatusProcessing, "chunk_text_preview")
		preview = v
		return ok
	}, 5*time.Second, 5*time.Millisecond, "no processing notification arrived")

	assert.Equal(t, "opening words of the chunk and then the rest", preview,
		"preview starts at the head of the chunk text, not its tail")
}

func TestMultiChunkProgressMonotonicAndComplete(t *testing.T) {
	t.Parallel()

	rt := modelrt.NewFakeRuntime()
	rt.Delay = 10 * time.Millisecond

	// 40 minutes at chunk=10min gives 4 chunks.
	cfg := Config{SampleRate: 100, ChunkDuration: 10 * time.Minute, Overlap: 3 * time.Second}
	h := newHarness(t, cfg, rt, &stubDecoder{seconds: 2400, rate: 100})

	id, err := h.orch.SubmitFile(Request{Filename: "long.wav", Data: []byte("RIFF")})
	require.NoError(t, err)

	var observed []float64
	require.Eventually(t, func() bool {
		s, ok := h.orch.GetJob(id)
		if ok {
			observed = append(observed, s.Progress)
		}
		return ok && s.Status == StatusCompleted
	}, 10*time.Second, time.Millisecond)

	for i := 1; i < len(observed); i++ {
		assert.GreaterOrEqual(t, observed[i], observed[i-1], "progress must never decrease")
	}
	assert.Equal(t, 100.0, observed[len(observed)-1])

	snap, _ := h.orch.GetJob(id)
	assert.Equal(t, 4, snap.TotalChunks)
	assert.Equal(t, 4, rt.Calls())
}

func TestCancellationMidway(t *testing.T) {
	t.Parallel()

	rt := modelrt.NewFakeRuntime()
	rt.Delay = 50 * time.Millisecond

	cfg := Config{SampleRate: 100, ChunkDuration: 10 * time.Minute, Overlap: 3 * time.Second}
	h := newHarness(t, cfg, rt, &stubDecoder{seconds: 2400, rate: 100})

	id, err := h.orch.SubmitFile(Request{Filename: "long.wav", Data: []byte("RIFF")})
	require.NoError(t, err)

	// Wait for chunk 2 to complete, then cancel.
	require.Eventually(t, func() bool {
		s, ok := h.orch.GetJob(id)
		return ok && s.CurrentChunk >= 2
	}, 10*time.Second, time.Millisecond)
	require.True(t, h.orch.CancelJob(id))

	snap := waitForStatus(t, h.orch, id, StatusCancelled)

	// At most one more chunk ran after the cancel point.
	assert.LessOrEqual(t, rt.Calls(), 4)
	assert.Nil(t, snap.Response, "partial results are discarded")

	// The session directory is gone.
	assert.NoDirExists(t, filepath.Join(h.tempRoot, id))

	// A cancelled notification was sent once and completed never.
	require.Eventually(t, func() bool {
		return h.recorder.count(notify.StatusCancelled) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, h.recorder.count(notify.StatusCompleted))
}

func TestCancelSemantics(t *testing.T) {
	t.Parallel()

	rt := modelrt.NewFakeRuntime()
	cfg := Config{SampleRate: 100}
	h := newHarness(t, cfg, rt, &stubDecoder{seconds: 12, rate: 100})

	assert.False(t, h.orch.CancelJob("no-such-job"))

	id, err := h.orch.SubmitFile(Request{Filename: "a.wav", Data: []byte("RIFF")})
	require.NoError(t, err)
	waitForStatus(t, h.orch, id, StatusCompleted)

	assert.False(t, h.orch.CancelJob(id), "completed jobs cannot be cancelled")
}

func TestCancelIsIdempotent(t *testing.T) {
	t.Parallel()

	rt := modelrt.NewFakeRuntime()
	rt.Delay = 50 * time.Millisecond

	cfg := Config{SampleRate: 100, ChunkDuration: 10 * time.Minute}
	h := newHarness(t, cfg, rt, &stubDecoder{seconds: 2400, rate: 100})

	id, err := h.orch.SubmitFile(Request{Filename: "a.wav", Data: []byte("RIFF")})
	require.NoError(t, err)

	assert.True(t, h.orch.CancelJob(id))
	assert.True(t, h.orch.CancelJob(id), "second cancel still reports success")
	waitForStatus(t, h.orch, id, StatusCancelled)
	assert.True(t, h.orch.CancelJob(id))
}

func TestChunkFailureDegradesButCompletes(t *testing.T) {
	t.Parallel()

	rt := modelrt.NewFakeRuntime()
	rt.Responses = []modelrt.TranscribeResult{{Text: "part one"}, {Text: "part two"}}
	rt.TranscribeErrs = []error{nil, stderrors.New("inference exploded")}

	// 20 minutes gives 2 chunks; the second fails.
	cfg := Config{SampleRate: 100, ChunkDuration: 10 * time.Minute}
	h := newHarness(t, cfg, rt, &stubDecoder{seconds: 1200, rate: 100})

	id, err := h.orch.SubmitFile(Request{Filename: "a.wav", Data: []byte("RIFF")})
	require.NoError(t, err)

	snap := waitForStatus(t, h.orch, id, StatusCompleted)
	require.NotNil(t, snap.Response)
	assert.Equal(t, "part one", snap.Response.FullText, "failed chunk contributes no text")
	assert.Equal(t, 100.0, snap.Progress)
}

func TestDecodeErrorFailsJobAndCleansSession(t *testing.T) {
	t.Parallel()

	rt := modelrt.NewFakeRuntime()
	h := newHarness(t, Config{SampleRate: 100}, rt, &stubDecoder{err: stderrors.New("corrupt container")})

	id, err := h.orch.SubmitFile(Request{Filename: "a.wav", Data: []byte("RIFF")})
	require.NoError(t, err)

	snap := waitForStatus(t, h.orch, id, StatusFailed)
	assert.Contains(t, snap.Error, "corrupt container")
	assert.NoDirExists(t, filepath.Join(h.tempRoot, id))
	assert.Zero(t, rt.Calls())

	require.Eventually(t, func() bool {
		return h.recorder.count(notify.StatusFailed) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDurationLimitFailsJob(t *testing.T) {
	t.Parallel()

	cfg := Config{SampleRate: 100, MaxAudioLength: 60}
	h := newHarness(t, cfg, modelrt.NewFakeRuntime(), &stubDecoder{seconds: 120, rate: 100})

	id, err := h.orch.SubmitFile(Request{Filename: "a.wav", Data: []byte("RIFF")})
	require.NoError(t, err)

	snap := waitForStatus(t, h.orch, id, StatusFailed)
	assert.Contains(t, snap.Error, "exceeds limit")
}

func TestAdmissionQueuesBeyondCapacity(t *testing.T) {
	t.Parallel()

	rt := modelrt.NewFakeRuntime()
	rt.Delay = 100 * time.Millisecond

	cfg := Config{SampleRate: 100, MaxConcurrentRequests: 1, ChunkDuration: 10 * time.Minute}
	h := newHarness(t, cfg, rt, &stubDecoder{seconds: 600, rate: 100})

	first, err := h.orch.SubmitFile(Request{Filename: "first.wav", Data: []byte("RIFF")})
	require.NoError(t, err)
	second, err := h.orch.SubmitFile(Request{Filename: "second.wav", Data: []byte("RIFF")})
	require.NoError(t, err)

	// While the first job holds the only slot the second stays pending.
	require.Eventually(t, func() bool {
		s, ok := h.orch.GetJob(first)
		return ok && s.Status == StatusProcessing
	}, 5*time.Second, time.Millisecond)
	s, ok := h.orch.GetJob(second)
	require.True(t, ok)
	assert.Equal(t, StatusPending, s.Status)

	waitForStatus(t, h.orch, first, StatusCompleted)
	waitForStatus(t, h.orch, second, StatusCompleted)
}

func TestProcessingCount(t *testing.T) {
	t.Parallel()

	rt := modelrt.NewFakeRuntime()
	rt.Delay = 100 * time.Millisecond

	cfg := Config{SampleRate: 100, ChunkDuration: 10 * time.Minute}
	h := newHarness(t, cfg, rt, &stubDecoder{seconds: 600, rate: 100})

	assert.Zero(t, h.orch.ProcessingCount())

	id, err := h.orch.SubmitFile(Request{Filename: "a.wav", Data: []byte("RIFF")})
	require.NoError(t, err)
	assert.Positive(t, h.orch.ProcessingCount())

	waitForStatus(t, h.orch, id, StatusCompleted)
	assert.Zero(t, h.orch.ProcessingCount())
}

func TestGetJobUnknown(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, modelrt.NewFakeRuntime(), &stubDecoder{seconds: 1, rate: 16000})
	_, ok := h.orch.GetJob("missing")
	assert.False(t, ok)
}
