package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/healops/internal/store"
)

func TestWebhookSend(t *testing.T) {
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := New(server.URL)
	err := n.Send(context.Background(), Notification{
		Title:    "Run escalated: acme/api / ci",
		Body:     "Attempts: 3 of 3",
		Severity: SeverityError,
		RunID:    "run-123",
	})
	require.NoError(t, err)

	var payload webhookPayload
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	assert.Equal(t, "Run escalated: acme/api / ci", payload.Text)
	require.Len(t, payload.Attachments, 1)
	assert.Equal(t, "danger", payload.Attachments[0].Color)
	assert.Equal(t, "run-123", payload.Attachments[0].Title)
	assert.Equal(t, "healops", payload.Attachments[0].Footer)
}

func TestWebhookSendRejectedStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	n := New(server.URL)
	err := n.Send(context.Background(), Notification{Title: "x"})
	assert.ErrorContains(t, err, "403")
}

func TestEmptyURLIsNoop(t *testing.T) {
	n := New("")
	assert.IsType(t, Noop{}, n)
	assert.NoError(t, n.Send(context.Background(), Notification{Title: "dropped"}))
}

func TestSeverityColors(t *testing.T) {
	tests := []struct {
		severity Severity
		want     string
	}{
		{SeveritySuccess, "good"},
		{SeverityWarning, "warning"},
		{SeverityError, "danger"},
		{SeverityInfo, "#439FE0"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, colorFor(tt.severity))
	}
}

func TestEscalatedMessage(t *testing.T) {
	run := &store.Run{
		ID:           "run-9",
		Repository:   "acme/api",
		Branch:       "main",
		AttemptCount: 3,
		MaxAttempts:  3,
	}
	n := Escalated(run, "retry limit exhausted")
	assert.Equal(t, SeverityError, n.Severity)
	assert.Contains(t, n.Title, "acme/api")
	assert.Contains(t, n.Body, "retry limit exhausted")
	assert.Contains(t, n.Body, "3 of 3")
}

func TestFixedMessage(t *testing.T) {
	run := &store.Run{
		ID:           "run-5",
		Repository:   "acme/api",
		Branch:       "main",
		AttemptCount: 2,
		MaxAttempts:  3,
		PRURL:        "https://github.com/acme/api/pull/42",
	}
	n := Fixed(run)
	assert.Equal(t, SeveritySuccess, n.Severity)
	assert.Contains(t, n.Body, "attempt 2 of 3")
	assert.Equal(t, "https://github.com/acme/api/pull/42", n.PRURL)
}
