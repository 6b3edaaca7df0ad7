// Package testutil provides testing utilities for erpconnect connectors.
package testutil

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/erpconnect/pkg/config"
)

// TestLogger creates a test logger that writes to the test output.
// The logger is automatically cleaned up when the test completes.
func TestLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

// TestContext creates a test context with a 30-second timeout.
// The caller must call the returned cancel function to avoid leaks.
func TestContext(_ *testing.T) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// AssertEventually asserts that a condition becomes true within the specified timeout.
// It checks the condition every 10ms until it succeeds or the timeout expires.
func AssertEventually(t *testing.T, condition func() bool, timeout time.Duration, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

// ConnectorConfig returns a basic-auth connector configuration pointing at
// baseURL with a short timeout and a single attempt, so failing tests fail fast.
func ConnectorConfig(id, baseURL string, protocol config.Protocol) *config.ConnectorConfig {
	return &config.ConnectorConfig{
		ID:            id,
		Name:          id,
		ERPType:       "generic",
		BaseURL:       baseURL,
		Protocol:      protocol,
		AuthType:      config.AuthBasic,
		Credentials:   &config.BasicCredentials{Username: "u", Password: "p"},
		Timeout:       2 * time.Second,
		RetryAttempts: 1,
	}
}

// JSONServer starts an httptest server answering each path in routes with
// the given JSON body. Unknown paths get 404. The server is closed on cleanup.
func JSONServer(t *testing.T, routes map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := routes[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}
