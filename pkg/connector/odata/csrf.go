package odata

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ajitpratap0/erpconnect/pkg/clients"
	"github.com/ajitpratap0/erpconnect/pkg/errors"
)

const (
	csrfHeader = "X-CSRF-Token"
	// CSRFTokenTTL is how long a fetched token is reused before refetching
	CSRFTokenTTL = 30 * time.Minute
)

// csrfManager fetches and caches the X-CSRF-Token that SAP Gateway style
// services require on every modifying request. Concurrent fetches are
// coalesced.
type csrfManager struct {
	client *clients.HTTPClient
	path   string
	ttl    time.Duration
	logger *zap.Logger

	mu        sync.Mutex
	value     string
	expiresAt time.Time
	group     singleflight.Group
}

func newCSRFManager(client *clients.HTTPClient, path string, l *zap.Logger) *csrfManager {
	return &csrfManager{client: client, path: path, ttl: CSRFTokenTTL, logger: l}
}

// Token returns the cached token or fetches a new one.
func (m *csrfManager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.value != "" && time.Now().Before(m.expiresAt) {
		v := m.value
		m.mu.Unlock()
		return v, nil
	}
	m.mu.Unlock()

	v, err, _ := m.group.Do("token", func() (interface{}, error) {
		return m.fetch(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *csrfManager) fetch(ctx context.Context) (string, error) {
	resp, err := m.client.Do(ctx, &clients.Request{
		Method:    http.MethodGet,
		Path:      m.path,
		Headers:   http.Header{csrfHeader: []string{"Fetch"}},
		SkipRetry: true,
	})
	if err != nil {
		return "", err
	}
	token := resp.Headers.Get(csrfHeader)
	if token == "" || strings.EqualFold(token, "Required") {
		return "", errors.New(errors.ErrorTypeAuthentication, "service returned no CSRF token")
	}

	m.mu.Lock()
	m.value = token
	m.expiresAt = time.Now().Add(m.ttl)
	m.mu.Unlock()
	m.logger.Debug("fetched CSRF token")
	return token, nil
}

// Invalidate drops the cached token so the next Token call refetches.
func (m *csrfManager) Invalidate() {
	m.mu.Lock()
	m.value = ""
	m.expiresAt = time.Time{}
	m.mu.Unlock()
}

// csrfRejected reports a 403 that asks for a fresh token.
func csrfRejected(resp *clients.Response) bool {
	return resp != nil && resp.Status == http.StatusForbidden &&
		strings.EqualFold(resp.Headers.Get(csrfHeader), "Required")
}
