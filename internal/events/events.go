// Package events owns the event taxonomy, the durable audit trail, and the
// live fan-out. Every event is appended to the store first; the NATS publish
// that feeds connected stream clients is a best-effort follow-up, so clients
// can always recover history from the persisted log.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/healops/internal/metrics"
	"github.com/fyrsmithlabs/healops/internal/store"
)

// Event types emitted over a run's lifetime.
const (
	TypeRunCreated   = "run.created"
	TypeRunQueued    = "run.queued"
	TypeRunRequeued  = "run.requeued"
	TypeRunEscalated = "run.escalated"

	TypeAttemptStarted    = "attempt.started"
	TypeAttemptThinking   = "attempt.thinking"
	TypeAttemptValidation = "attempt.container-validation"
	TypeAttemptSucceeded  = "attempt.succeeded"
	TypeAttemptFailed     = "attempt.failed"

	TypePROpened  = "pr.opened"
	TypePRSkipped = "pr.skipped"

	TypeRunApproved   = "run.approved"
	TypeRunDenied     = "run.denied"
	TypeRunAborted    = "run.aborted"
	TypeRunHumanFixed = "run.human-fixed"

	// Stream markers are synthetic: emitted to live subscribers only,
	// never persisted.
	TypeStreamConnected = "stream.connected"
	TypeStreamHeartbeat = "stream.heartbeat"
)

// Recorder appends durable events and mirrors them onto the live bus.
type Recorder struct {
	store  *store.Store
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

// NewRecorder builds a Recorder. nc may be nil, which disables the live
// fan-out but keeps the durable log intact.
func NewRecorder(st *store.Store, nc *nats.Conn, subjectPrefix string, logger *zap.Logger) *Recorder {
	return &Recorder{
		store:  st,
		nc:     nc,
		prefix: subjectPrefix,
		logger: logger.Named("events"),
	}
}

// Subject returns the live-bus subject carrying one run's events.
func (r *Recorder) Subject(runID string) string {
	return fmt.Sprintf("%s.events.%s", r.prefix, runID)
}

// SubjectAll returns the wildcard subject carrying every run's events.
func (r *Recorder) SubjectAll() string {
	return fmt.Sprintf("%s.events.*", r.prefix)
}

// Record appends an event to the durable log and publishes it to live
// subscribers. The durable append is the primary operation; a publish
// failure is counted and logged but does not fail the call.
func (r *Recorder) Record(ctx context.Context, runID, eventType string, actor store.Actor, message string, payload map[string]any) (*store.Event, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshaling event payload: %w", err)
		}
		raw = data
	}

	e := &store.Event{
		ID:        uuid.NewString(),
		RunID:     runID,
		EventType: eventType,
		Actor:     actor,
		Message:   message,
		Payload:   raw,
	}
	if err := r.store.AppendEvent(ctx, e); err != nil {
		return nil, err
	}

	r.publish(e)
	return e, nil
}

// Emit is the best-effort variant of Record for the side-effect tier:
// failures are logged and swallowed.
func (r *Recorder) Emit(ctx context.Context, runID, eventType string, actor store.Actor, message string, payload map[string]any) {
	if _, err := r.Record(ctx, runID, eventType, actor, message, payload); err != nil {
		r.logger.Warn("failed to record event",
			zap.String("run_id", runID),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

func (r *Recorder) publish(e *store.Event) {
	if r.nc == nil {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		metrics.EventPublishFailures.Inc()
		r.logger.Warn("failed to marshal event for live bus", zap.Error(err))
		return
	}
	if err := r.nc.Publish(r.Subject(e.RunID), data); err != nil {
		metrics.EventPublishFailures.Inc()
		r.logger.Warn("failed to publish event to live bus",
			zap.String("subject", r.Subject(e.RunID)),
			zap.Error(err))
	}
}
