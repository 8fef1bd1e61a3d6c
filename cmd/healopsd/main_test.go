package main

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDaemonIntegration boots the full daemon with an embedded queue and
// temp-dir state, waits for the health endpoint, and shuts it down.
func TestDaemonIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	dir := t.TempDir()
	const port = 18844
	t.Setenv("HEALOPS_SERVER_HOST", "127.0.0.1")
	t.Setenv("HEALOPS_SERVER_PORT", fmt.Sprintf("%d", port))
	t.Setenv("HEALOPS_STORE_PATH", filepath.Join(dir, "healops.db"))
	t.Setenv("HEALOPS_MEMORY_PATH", filepath.Join(dir, "memory"))
	t.Setenv("HEALOPS_AI_API_KEY", "test-key")
	t.Setenv("HEALOPS_LOG_LEVEL", "error")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- run(ctx) }()

	healthURL := fmt.Sprintf("http://127.0.0.1:%d/healthz", port)
	var status int
	require.Eventually(t, func() bool {
		resp, err := http.Get(healthURL)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		status = resp.StatusCode
		return true
	}, 15*time.Second, 100*time.Millisecond, "daemon never became healthy")
	assert.Equal(t, http.StatusOK, status)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("daemon did not shut down in time")
	}
}
