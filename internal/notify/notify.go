// Package notify delivers best-effort chat notifications for run
// escalations and fixes. Delivery failures are reported to the caller but
// must never fail the run that triggered them.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/healops/internal/metrics"
	"github.com/fyrsmithlabs/healops/internal/store"
)

// Severity maps a notification onto a chat color.
type Severity int

const (
	SeverityInfo Severity = iota
	SeveritySuccess
	SeverityWarning
	SeverityError
)

// Notification is one message bound for the chat webhook.
type Notification struct {
	Title    string
	Body     string
	Severity Severity
	RunID    string
	PRURL    string
}

// Notifier sends a notification to a chat sink.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// New returns a webhook notifier, or a no-op when no URL is configured.
func New(webhookURL string) Notifier {
	if webhookURL == "" {
		return Noop{}
	}
	return &Webhook{
		url: webhookURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Noop discards all notifications.
type Noop struct{}

func (Noop) Send(context.Context, Notification) error { return nil }

// Webhook posts Slack-compatible payloads to an incoming-webhook URL.
type Webhook struct {
	url    string
	client *http.Client
}

type webhookPayload struct {
	Text        string              `json:"text"`
	Attachments []webhookAttachment `json:"attachments,omitempty"`
}

type webhookAttachment struct {
	Color  string `json:"color"`
	Title  string `json:"title,omitempty"`
	Text   string `json:"text"`
	Footer string `json:"footer,omitempty"`
}

func colorFor(s Severity) string {
	switch s {
	case SeveritySuccess:
		return "good"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "danger"
	default:
		return "#439FE0"
	}
}

func (w *Webhook) Send(ctx context.Context, n Notification) error {
	payload := webhookPayload{
		Text: n.Title,
		Attachments: []webhookAttachment{
			{
				Color:  colorFor(n.Severity),
				Title:  n.RunID,
				Text:   n.Body,
				Footer: "healops",
			},
		},
	}
	if n.PRURL != "" {
		payload.Attachments[0].Text += "\n" + n.PRURL
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notification webhook returned %d", resp.StatusCode)
	}
	return nil
}

// Try sends n and absorbs any delivery failure, logging and counting it
// instead. Runs never fail because a chat message did.
func Try(ctx context.Context, notifier Notifier, n Notification, logger *zap.Logger) {
	if err := notifier.Send(ctx, n); err != nil {
		metrics.NotificationFailures.Inc()
		logger.Warn("notification delivery failed",
			zap.String("run_id", n.RunID),
			zap.String("title", n.Title),
			zap.Error(err))
	}
}

// Created builds the message sent when a webhook opens a new run.
func Created(run *store.Run) Notification {
	return Notification{
		Title:    fmt.Sprintf("Run created: %s @ %s", run.Repository, run.Branch),
		Body:     fmt.Sprintf("Error: %s\nBudget: %d attempts", run.ErrorSummary, run.MaxAttempts),
		Severity: SeverityWarning,
		RunID:    run.ID,
	}
}

// Retrying builds the message sent when a failed attempt still leaves
// retry budget and the run goes back on the queue.
func Retrying(run *store.Run, reason string) Notification {
	return Notification{
		Title:    fmt.Sprintf("Run retrying: %s @ %s", run.Repository, run.Branch),
		Body:     fmt.Sprintf("Attempt %d of %d failed: %s", run.AttemptCount, run.MaxAttempts, reason),
		Severity: SeverityWarning,
		RunID:    run.ID,
	}
}

// Escalated builds the message sent when a run exhausts its attempts or
// fails without retry budget.
func Escalated(run *store.Run, reason string) Notification {
	return Notification{
		Title:    fmt.Sprintf("Run escalated: %s @ %s", run.Repository, run.Branch),
		Body:     fmt.Sprintf("Attempts: %d of %d\nReason: %s", run.AttemptCount, run.MaxAttempts, reason),
		Severity: SeverityError,
		RunID:    run.ID,
	}
}

// Fixed builds the message sent when an attempt produces a validated fix.
func Fixed(run *store.Run) Notification {
	n := Notification{
		Title:    fmt.Sprintf("Run fixed: %s @ %s", run.Repository, run.Branch),
		Body:     fmt.Sprintf("Fixed on attempt %d of %d", run.AttemptCount, run.MaxAttempts),
		Severity: SeveritySuccess,
		RunID:    run.ID,
	}
	if run.PRURL != "" {
		n.PRURL = run.PRURL
	}
	return n
}
