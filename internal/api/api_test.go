package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxflow/voxflow-go/internal/audio"
	"github.com/voxflow/voxflow-go/internal/buildinfo"
	"github.com/voxflow/voxflow-go/internal/conf"
	"github.com/voxflow/voxflow-go/internal/core"
	"github.com/voxflow/voxflow-go/internal/jobs"
	"github.com/voxflow/voxflow-go/internal/modelrt"
)

func testServer(t *testing.T, rt modelrt.Runtime) *Server {
	t.Helper()

	settings := &conf.Settings{
		Main: conf.MainSettings{Name: "voxflow-test"},
		Model: conf.ModelSettings{
			Name:        "fake-model",
			Device:      conf.DeviceCPU,
			LoadTimeout: 10 * time.Second,
		},
		Processing: conf.ProcessingSettings{
			SampleRate:    16000,
			ChunkDuration: 10 * time.Minute,
			Overlap:       3 * time.Second,
		},
		Jobs: conf.JobSettings{
			MaxConcurrentRequests: 2,
			CleanupDelay:          time.Minute,
			MaxAudioLength:        30 * time.Minute,
			MaxFileSizeBytes:      500 * 1024 * 1024,
		},
		Temp: conf.TempSettings{Dir: t.TempDir()},
		Web:  conf.WebSettings{Host: "127.0.0.1", Port: "0"},
	}

	c, err := core.New(settings, core.Options{
		Runtime: rt,
		Build:   buildinfo.Context{Version: "1.2.3"},
	})
	require.NoError(t, err)
	require.NoError(t, c.Start(t.Context()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})

	return New(c, settings.Web)
}

func wavUpload(t *testing.T, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "tone.wav")
	require.NoError(t, audio.SaveWAV(path, make([]float32, 8000), 16000))
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fw, err := w.CreateFormFile("file", "tone.wav")
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())
	return &body, w.FormDataContentType()
}

func do(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Echo.ServeHTTP(rec, req)
	return rec
}

func submitAndWait(t *testing.T, s *Server) string {
	t.Helper()

	body, contentType := wavUpload(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/transcribe", body)
	req.Header.Set("Content-Type", contentType)
	rec := do(s, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	id := resp["job_id"]
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		rec := do(s, httptest.NewRequest(http.MethodGet, "/api/jobs/"+id, nil))
		var snap jobs.Snapshot
		return json.Unmarshal(rec.Body.Bytes(), &snap) == nil && snap.Status == jobs.StatusCompleted
	}, 10*time.Second, 5*time.Millisecond)
	return id
}

func TestSubmitReturnsJobID(t *testing.T) {
	t.Parallel()

	rt := modelrt.NewFakeRuntime()
	rt.Responses = []modelrt.TranscribeResult{{Text: "hello from the api"}}
	s := testServer(t, rt)

	id := submitAndWait(t, s)

	rec := do(s, httptest.NewRequest(http.MethodGet, "/api/jobs/"+id, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var snap jobs.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, 100.0, snap.Progress)
	require.NotNil(t, snap.Response)
	assert.Equal(t, "hello from the api", snap.Response.FullText)
}

func TestSubmitWithoutFile(t *testing.T) {
	t.Parallel()

	s := testServer(t, modelrt.NewFakeRuntime())

	req := httptest.NewRequest(http.MethodPost, "/api/transcribe", bytes.NewReader(nil))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=x")
	rec := do(s, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitRejectsBadOutputFormat(t *testing.T) {
	t.Parallel()

	s := testServer(t, modelrt.NewFakeRuntime())

	body, contentType := wavUpload(t, map[string]string{"output_format": "xml"})
	req := httptest.NewRequest(http.MethodPost, "/api/transcribe", body)
	req.Header.Set("Content-Type", contentType)
	rec := do(s, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()

	s := testServer(t, modelrt.NewFakeRuntime())
	rec := do(s, httptest.NewRequest(http.MethodGet, "/api/jobs/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetResultFormats(t *testing.T) {
	t.Parallel()

	rt := modelrt.NewFakeRuntime()
	rt.Responses = []modelrt.TranscribeResult{{Text: "formatted output"}}
	s := testServer(t, rt)
	id := submitAndWait(t, s)

	rec := do(s, httptest.NewRequest(http.MethodGet, "/api/jobs/"+id+"/result?format=txt", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "formatted output", rec.Body.String())

	rec = do(s, httptest.NewRequest(http.MethodGet, "/api/jobs/"+id+"/result?format=srt", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "-->")

	rec = do(s, httptest.NewRequest(http.MethodGet, "/api/jobs/"+id+"/result", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get(echo.HeaderContentType))
}

func TestCancelJobEndpoint(t *testing.T) {
	t.Parallel()

	s := testServer(t, modelrt.NewFakeRuntime())

	rec := do(s, httptest.NewRequest(http.MethodDelete, "/api/jobs/missing", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp["cancelled"])
}

func TestReloadModelBusy(t *testing.T) {
	t.Parallel()

	rt := modelrt.NewFakeRuntime()
	rt.Delay = 300 * time.Millisecond
	s := testServer(t, rt)

	body, contentType := wavUpload(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/transcribe", body)
	req.Header.Set("Content-Type", contentType)
	require.Equal(t, http.StatusAccepted, do(s, req).Code)

	// While the job is in flight the reload must be refused.
	require.Eventually(t, func() bool {
		rec := do(s, httptest.NewRequest(http.MethodPost, "/api/model/reload", nil))
		return rec.Code == http.StatusConflict
	}, 5*time.Second, 5*time.Millisecond)
}

func TestReloadModelWhenIdle(t *testing.T) {
	t.Parallel()

	s := testServer(t, modelrt.NewFakeRuntime())
	rec := do(s, httptest.NewRequest(http.MethodPost, "/api/model/reload", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	s := testServer(t, modelrt.NewFakeRuntime())
	rec := do(s, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var h core.Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.True(t, h.Alive)
	assert.True(t, h.Ready)
	assert.Equal(t, "fake", h.Engine)
}

func TestInfoEndpoint(t *testing.T) {
	t.Parallel()

	s := testServer(t, modelrt.NewFakeRuntime())
	rec := do(s, httptest.NewRequest(http.MethodGet, "/api/info", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var info core.Info
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "voxflow-test", info.Name)
	assert.Equal(t, "1.2.3", info.Version)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	s := testServer(t, modelrt.NewFakeRuntime())
	rec := do(s, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "voxflow_model_loaded")
}
