package notify

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testReceiver = "http://node.internal:3000/api/transcription/events"

// mockNotifier returns an enabled notifier routed through httpmock
// with sleeping disabled.
func mockNotifier(t *testing.T) (*Notifier, *[]time.Duration) {
	t.Helper()

	n := New(Config{Enabled: true, ReceiverURL: testReceiver})
	httpmock.ActivateNonDefault(n.client)
	t.Cleanup(httpmock.DeactivateAndReset)

	var slept []time.Duration
	n.sleep = func(d time.Duration) { slept = append(slept, d) }
	return n, &slept
}

// timeoutError satisfies net.Error with Timeout() == true.
type timeoutError struct{}

func (timeoutError) Error() string   { return "request timed out" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestStartedPayload(t *testing.T) {
	n, _ := mockNotifier(t)

	httpmock.RegisterResponder(http.MethodPost, testReceiver,
		func(req *http.Request) (*http.Response, error) {
			var payload map[string]any
			require.NoError(t, json.NewDecoder(req.Body).Decode(&payload))
			assert.Equal(t, "job-1", payload["jobId"])
			assert.Equal(t, "started", payload["status"])
			assert.Equal(t, "meeting.mp3", payload["filename"])
			assert.Equal(t, 4.0, payload["total_chunks"])
			assert.NotEmpty(t, payload["timestamp"])
			return httpmock.NewStringResponse(http.StatusOK, "{}"), nil
		})

	err := n.Started(context.Background(), "job-1", "meeting.mp3", 2400, 4)
	require.NoError(t, err)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestChunkCompletedPayload(t *testing.T) {
	n, _ := mockNotifier(t)

	httpmock.RegisterResponder(http.MethodPost, testReceiver,
		func(req *http.Request) (*http.Response, error) {
			var payload map[string]any
			require.NoError(t, json.NewDecoder(req.Body).Decode(&payload))
			assert.Equal(t, "processing", payload["status"])
			assert.Equal(t, 50.0, payload["progress_percent"])
			assert.Equal(t, 2.0, payload["current_chunk"])
			assert.Equal(t, 4.0, payload["total_chunks"])
			assert.Equal(t, 0.9, payload["chunk_confidence"])
			preview := payload["chunk_text_preview"].(string)
			assert.LessOrEqual(t, len(preview), 100)
			return httpmock.NewStringResponse(http.StatusOK, "{}"), nil
		})

	conf := 0.9
	long := strings.Repeat("transcribed text ", 20)
	err := n.ChunkCompleted(context.Background(), "job-2", 50.0, 2, 4, 30*time.Second, &conf, long)
	require.NoError(t, err)
}

func TestCompletedOmitsNilConfidence(t *testing.T) {
	n, _ := mockNotifier(t)

	httpmock.RegisterResponder(http.MethodPost, testReceiver,
		func(req *http.Request) (*http.Response, error) {
			var payload map[string]any
			require.NoError(t, json.NewDecoder(req.Body).Decode(&payload))
			assert.Equal(t, "completed", payload["status"])
			assert.Equal(t, 120.0, payload["full_text_length"])
			_, present := payload["confidence"]
			assert.False(t, present)
			return httpmock.NewStringResponse(http.StatusOK, "{}"), nil
		})

	require.NoError(t, n.Completed(context.Background(), "job-3", time.Minute, 120, nil))
}

func TestServerErrorRetriesWithLinearBackoff(t *testing.T) {
	n, slept := mockNotifier(t)

	calls := 0
	httpmock.RegisterResponder(http.MethodPost, testReceiver,
		func(*http.Request) (*http.Response, error) {
			calls++
			if calls < 3 {
				return httpmock.NewStringResponse(http.StatusBadGateway, ""), nil
			}
			return httpmock.NewStringResponse(http.StatusOK, "{}"), nil
		})

	err := n.Failed(context.Background(), "job-4", "decode error")
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, *slept)
}

func TestServerErrorGivesUpAfterTwoRetries(t *testing.T) {
	n, _ := mockNotifier(t)

	httpmock.RegisterResponder(http.MethodPost, testReceiver,
		httpmock.NewStringResponder(http.StatusInternalServerError, ""))

	err := n.Failed(context.Background(), "job-5", "decode error")
	require.Error(t, err)
	assert.Equal(t, 3, httpmock.GetTotalCallCount(), "initial attempt plus two retries")
}

func TestClientErrorNeverRetries(t *testing.T) {
	n, slept := mockNotifier(t)

	httpmock.RegisterResponder(http.MethodPost, testReceiver,
		httpmock.NewStringResponder(http.StatusBadRequest, ""))

	err := n.Cancelled(context.Background(), "job-6")
	require.Error(t, err)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
	assert.Empty(t, *slept)
}

func TestConnectErrorRetriesOnceWithDoubledBackoff(t *testing.T) {
	n, slept := mockNotifier(t)

	httpmock.RegisterResponder(http.MethodPost, testReceiver,
		httpmock.NewErrorResponder(stderrors.New("dial tcp: connection refused")))

	err := n.Cancelled(context.Background(), "job-7")
	require.Error(t, err)
	assert.Equal(t, 2, httpmock.GetTotalCallCount(), "one retry after a connect failure")
	assert.Equal(t, []time.Duration{time.Second}, *slept, "connect retry waits twice the base backoff")
}

func TestTimeoutNeverRetries(t *testing.T) {
	n, _ := mockNotifier(t)

	httpmock.RegisterResponder(http.MethodPost, testReceiver,
		httpmock.NewErrorResponder(timeoutError{}))

	err := n.Cancelled(context.Background(), "job-8")
	require.Error(t, err)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestDisabledNotifierIsSilent(t *testing.T) {
	n := New(Config{Enabled: false, ReceiverURL: testReceiver})
	httpmock.ActivateNonDefault(n.client)
	t.Cleanup(httpmock.DeactivateAndReset)

	require.NoError(t, n.Started(context.Background(), "job-9", "a.wav", 10, 1))
	assert.Zero(t, httpmock.GetTotalCallCount())
}
