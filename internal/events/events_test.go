package events

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/healops/internal/store"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()

	opts := &natsserver.Options{
		Host:      "127.0.0.1",
		Port:      -1, // Random port
		NoLog:     true,
		NoSigs:    true,
		JetStream: true,
		StoreDir:  t.TempDir(),
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "events-test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedRun(t *testing.T, s *store.Store) *store.Run {
	t.Helper()

	run := &store.Run{
		ID:          uuid.NewString(),
		Provider:    "github-actions",
		Repository:  "acme/api",
		Branch:      "main",
		CommitSHA:   "abc123",
		ErrorHash:   uuid.NewString(),
		Status:      store.StatusQueued,
		MaxAttempts: 3,
	}
	require.NoError(t, s.CreateRun(context.Background(), run))
	return run
}

// TestRecordPersistsAndPublishes verifies an event lands in the durable log
// and on the per-run live subject.
func TestRecordPersistsAndPublishes(t *testing.T) {
	srv := startTestNATSServer(t)
	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	s := newTestStore(t)
	run := seedRun(t, s)
	rec := NewRecorder(s, nc, "healops", zaptest.NewLogger(t))

	msgChan := make(chan *nats.Msg, 4)
	sub, err := nc.ChanSubscribe(rec.Subject(run.ID), msgChan)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	e, err := rec.Record(context.Background(), run.ID, TypeAttemptStarted,
		store.ActorSystem, "attempt 1 started", map[string]any{"attemptNo": 1})
	require.NoError(t, err)
	assert.Equal(t, TypeAttemptStarted, e.EventType)

	// Durable log.
	events, err := s.ListEvents(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, TypeAttemptStarted, events[0].EventType)
	assert.Equal(t, store.ActorSystem, events[0].Actor)

	// Live bus.
	select {
	case msg := <-msgChan:
		var got store.Event
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, run.ID, got.RunID)
		assert.Equal(t, TypeAttemptStarted, got.EventType)
		assert.JSONEq(t, `{"attemptNo":1}`, string(got.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("no event received on live bus")
	}
}

// TestRecordWithoutBus verifies the recorder works with the live bus
// disabled.
func TestRecordWithoutBus(t *testing.T) {
	s := newTestStore(t)
	run := seedRun(t, s)
	rec := NewRecorder(s, nil, "healops", zaptest.NewLogger(t))

	_, err := rec.Record(context.Background(), run.ID, TypeRunCreated,
		store.ActorSystem, "run created", nil)
	require.NoError(t, err)

	events, err := s.ListEvents(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

// TestEmitSwallowsFailures verifies the best-effort tier never propagates
// persistence errors.
func TestEmitSwallowsFailures(t *testing.T) {
	s := newTestStore(t)
	rec := NewRecorder(s, nil, "healops", zaptest.NewLogger(t))

	// Unknown run id violates the foreign key; Emit must not panic and
	// must not return anything.
	rec.Emit(context.Background(), "no-such-run", TypeRunCreated,
		store.ActorSystem, "orphan", nil)
}

func TestSubjects(t *testing.T) {
	s := newTestStore(t)
	rec := NewRecorder(s, nil, "healops", zaptest.NewLogger(t))

	assert.Equal(t, "healops.events.run-1", rec.Subject("run-1"))
	assert.Equal(t, "healops.events.*", rec.SubjectAll())
}
