package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/healops/internal/events"
)

// markerEvent is a synthetic frame the stream emits itself: the initial
// stream.connected and the periodic heartbeats. Persisted run events pass
// through exactly as the recorder published them.
type markerEvent struct {
	EventType string    `json:"eventType"`
	RunID     string    `json:"runId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// handleStream serves GET /api/v1/events/stream as server-sent events.
// With runId it carries one run's events, without it every run's. The
// handler holds the connection until the client goes away; heartbeats
// keep idle proxies from reaping it. Without a live bus the stream still
// opens and heartbeats, it just never carries run events.
func (s *Server) handleStream(c echo.Context) error {
	runID := c.QueryParam("runId")

	res := c.Response()
	h := res.Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set(echo.HeaderCacheControl, "no-cache")
	h.Set(echo.HeaderConnection, "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	// The server's WriteTimeout would sever a long-lived stream.
	if err := http.NewResponseController(res).SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("could not clear stream write deadline", zap.Error(err))
	}

	// Subscribe before announcing the stream so no event can slip into
	// the gap between the connected marker and the first delivery.
	var msgs chan *nats.Msg
	if s.nc != nil {
		subject := s.events.SubjectAll()
		if runID != "" {
			subject = s.events.Subject(runID)
		}
		msgs = make(chan *nats.Msg, 64)
		sub, err := s.nc.ChanSubscribe(subject, msgs)
		if err != nil {
			s.logger.Error("event stream subscribe failed",
				zap.String("subject", subject),
				zap.Error(err),
			)
			return echo.NewHTTPError(http.StatusInternalServerError, "event stream unavailable")
		}
		defer func() { _ = sub.Unsubscribe() }()

		s.logger.Debug("event stream connected", zap.String("subject", subject))
	}

	res.WriteHeader(http.StatusOK)

	if err := s.writeMarker(res, events.TypeStreamConnected, runID); err != nil {
		return nil
	}

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.writeMarker(res, events.TypeStreamHeartbeat, runID); err != nil {
				return nil
			}
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			if !json.Valid(msg.Data) {
				s.logger.Warn("skipping malformed event on live bus", zap.String("subject", msg.Subject))
				continue
			}
			if err := writeFrame(res, msg.Data); err != nil {
				return nil
			}
		}
	}
}

func (s *Server) writeMarker(res *echo.Response, eventType, runID string) error {
	data, err := json.Marshal(markerEvent{
		EventType: eventType,
		RunID:     runID,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return writeFrame(res, data)
}

// writeFrame sends one SSE data frame and flushes it so the client sees
// the event immediately.
func writeFrame(res *echo.Response, data []byte) error {
	if _, err := fmt.Fprintf(res, "data: %s\n\n", data); err != nil {
		return err
	}
	res.Flush()
	return nil
}
