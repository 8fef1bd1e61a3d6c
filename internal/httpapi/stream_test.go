package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/healops/internal/events"
	"github.com/fyrsmithlabs/healops/internal/queue"
	"github.com/fyrsmithlabs/healops/internal/store"
)

// streamRecorder is a ResponseWriter safe for reading while the stream
// handler is still writing.
type streamRecorder struct {
	mu     sync.Mutex
	header http.Header
	code   int
	body   bytes.Buffer
}

func newStreamRecorder() *streamRecorder {
	return &streamRecorder{header: make(http.Header)}
}

func (r *streamRecorder) Header() http.Header { return r.header }

func (r *streamRecorder) WriteHeader(code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.code == 0 {
		r.code = code
	}
}

func (r *streamRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body.Write(p)
}

func (r *streamRecorder) Flush() {}

func (r *streamRecorder) snapshot() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body.String()
}

func (r *streamRecorder) status() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.code
}

// startStream serves one SSE request in the background and returns a
// recorder the test can poll. Cleanup cancels the request and waits for
// the handler to exit.
func startStream(t *testing.T, srv *Server, target string) (*streamRecorder, context.CancelFunc) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, target, nil).WithContext(ctx)
	rw := newStreamRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.echo.ServeHTTP(rw, req)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("stream handler did not stop after cancel")
		}
	})

	return rw, cancel
}

func waitForFrame(t *testing.T, rw *streamRecorder, substr string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return strings.Contains(rw.snapshot(), substr)
	}, 5*time.Second, 10*time.Millisecond, "stream never carried %q", substr)
}

func parseFrames(t *testing.T, body string) []map[string]any {
	t.Helper()
	var frames []map[string]any
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var frame map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame))
		frames = append(frames, frame)
	}
	return frames
}

// natsHarness runs an embedded NATS server so recorded events reach the
// stream over the live bus.
func natsHarness(t *testing.T) *apiHarness {
	t.Helper()

	ns, err := queue.StartEmbeddedServer(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(ns.Shutdown)

	nc, err := queue.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	return newAPIHarness(t, harnessConfig{healing: enabledHealing(), nc: nc})
}

func TestStreamWithoutLiveBus(t *testing.T) {
	h := defaultHarness(t)
	h.server.heartbeat = 20 * time.Millisecond

	rw, cancel := startStream(t, h.server, "/api/v1/events/stream")

	waitForFrame(t, rw, events.TypeStreamConnected)
	require.Eventually(t, func() bool {
		return strings.Count(rw.snapshot(), events.TypeStreamHeartbeat) >= 2
	}, 5*time.Second, 10*time.Millisecond, "heartbeats never arrived")

	cancel()

	assert.Equal(t, http.StatusOK, rw.status())
	assert.Equal(t, "text/event-stream", rw.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rw.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", rw.Header().Get("Connection"))
	assert.Equal(t, "no", rw.Header().Get("X-Accel-Buffering"))

	frames := parseFrames(t, rw.snapshot())
	require.NotEmpty(t, frames)
	assert.Equal(t, events.TypeStreamConnected, frames[0]["eventType"])
	assert.NotEmpty(t, frames[0]["createdAt"])
}

func TestStreamDeliversRunEvents(t *testing.T) {
	h := natsHarness(t)
	ctx := context.Background()

	run := seedRun(t, h.store, store.StatusQueued)
	other := seedRunFor(t, h.store, "acme/web", store.StatusQueued)

	rw, cancel := startStream(t, h.server, "/api/v1/events/stream?runId="+run.ID)
	waitForFrame(t, rw, events.TypeStreamConnected)

	_, err := h.events.Record(ctx, other.ID, events.TypeAttemptStarted, store.ActorSystem,
		"only for the other run", nil)
	require.NoError(t, err)
	_, err = h.events.Record(ctx, run.ID, events.TypeAttemptStarted, store.ActorSystem,
		"Attempt 1 of 3 started", nil)
	require.NoError(t, err)

	waitForFrame(t, rw, "Attempt 1 of 3 started")
	cancel()

	body := rw.snapshot()
	assert.NotContains(t, body, "only for the other run")

	frames := parseFrames(t, body)
	require.GreaterOrEqual(t, len(frames), 2)
	assert.Equal(t, events.TypeStreamConnected, frames[0]["eventType"])
	assert.Equal(t, run.ID, frames[0]["runId"])

	last := frames[len(frames)-1]
	assert.Equal(t, events.TypeAttemptStarted, last["eventType"])
	assert.Equal(t, run.ID, last["runId"])
	assert.Equal(t, "system", last["actor"])
}

func TestStreamCarriesAllRunsWithoutFilter(t *testing.T) {
	h := natsHarness(t)
	ctx := context.Background()

	one := seedRunFor(t, h.store, "acme/api", store.StatusQueued)
	two := seedRunFor(t, h.store, "acme/web", store.StatusQueued)

	rw, cancel := startStream(t, h.server, "/api/v1/events/stream")
	waitForFrame(t, rw, events.TypeStreamConnected)

	_, err := h.events.Record(ctx, one.ID, events.TypeRunQueued, store.ActorSystem, "first run event", nil)
	require.NoError(t, err)
	_, err = h.events.Record(ctx, two.ID, events.TypeRunQueued, store.ActorSystem, "second run event", nil)
	require.NoError(t, err)

	waitForFrame(t, rw, "first run event")
	waitForFrame(t, rw, "second run event")
	cancel()
}

func TestStreamSkipsMalformedEvents(t *testing.T) {
	h := natsHarness(t)
	ctx := context.Background()

	run := seedRun(t, h.store, store.StatusQueued)

	rw, cancel := startStream(t, h.server, "/api/v1/events/stream?runId="+run.ID)
	waitForFrame(t, rw, events.TypeStreamConnected)

	require.NoError(t, h.server.nc.Publish(h.events.Subject(run.ID), []byte("{malformed")))
	_, err := h.events.Record(ctx, run.ID, events.TypeAttemptStarted, store.ActorSystem,
		"event after the malformed one", nil)
	require.NoError(t, err)

	waitForFrame(t, rw, "event after the malformed one")
	cancel()

	assert.NotContains(t, rw.snapshot(), "{malformed")
}
