package base

import (
	"context"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/erpconnect/pkg/config"
	"github.com/ajitpratap0/erpconnect/pkg/errors"
	"github.com/ajitpratap0/erpconnect/pkg/metrics"
)

func testConfig(baseURL string) *config.ConnectorConfig {
	return &config.ConnectorConfig{
		ID:            "erp-1",
		Name:          "Test ERP",
		ERPType:       "test",
		BaseURL:       baseURL,
		AuthType:      config.AuthAPIKey,
		Credentials:   &config.APIKeyCredentials{Key: "k-123"},
		Timeout:       2 * time.Second,
		RetryAttempts: 1,
		HealthPath:    "/health",
	}
}

type recordingHooks struct {
	connects    int32
	disconnects int32
	connectErr  error
}

func (h *recordingHooks) OnConnect(context.Context) error {
	atomic.AddInt32(&h.connects, 1)
	return h.connectErr
}

func (h *recordingHooks) OnDisconnect(context.Context) error {
	atomic.AddInt32(&h.disconnects, 1)
	return nil
}

func newHealthServer(t *testing.T, status *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(int(atomic.LoadInt32(status)))
		_, _ = w.Write([]byte(`{"version":"2.1"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewBaseConnector_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig("")
	_, err := NewBaseConnector(cfg)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	_, err = NewBaseConnector(nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestBaseConnector_Lifecycle(t *testing.T) {
	status := int32(http.StatusOK)
	srv := newHealthServer(t, &status)

	bc, err := NewBaseConnector(testConfig(srv.URL))
	require.NoError(t, err)
	hooks := &recordingHooks{}
	bc.SetHooks(hooks)

	events := NewChannelListener(16)
	remove := bc.AddListener(events)
	defer remove()

	assert.Equal(t, StatusDisconnected, bc.Status())

	ctx := context.Background()
	require.NoError(t, bc.Connect(ctx))
	assert.Equal(t, StatusConnected, bc.Status())
	assert.Equal(t, int32(1), atomic.LoadInt32(&hooks.connects))

	err = bc.Connect(ctx)
	assert.True(t, errors.IsReason(err, errors.ReasonAlreadyConnected))

	resp, err := bc.Get(ctx, "/items", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)

	require.NoError(t, bc.Disconnect(ctx))
	assert.Equal(t, StatusDisconnected, bc.Status())
	assert.Equal(t, int32(1), atomic.LoadInt32(&hooks.disconnects))

	// A second disconnect is a no-op.
	require.NoError(t, bc.Disconnect(ctx))
	assert.Equal(t, int32(1), atomic.LoadInt32(&hooks.disconnects))

	var got []EventType
	for len(events.Events()) > 0 {
		ev := <-events.Events()
		assert.Equal(t, "erp-1", ev.ConnectorID)
		got = append(got, ev.Type)
	}
	assert.Equal(t, []EventType{EventConnecting, EventConnected, EventDisconnected}, got)
}

func TestBaseConnector_RequestRequiresConnection(t *testing.T) {
	status := int32(http.StatusOK)
	srv := newHealthServer(t, &status)

	bc, err := NewBaseConnector(testConfig(srv.URL))
	require.NoError(t, err)

	_, err = bc.Get(context.Background(), "/items", nil)
	require.Error(t, err)
	assert.True(t, errors.IsReason(err, errors.ReasonNotConnected))
	assert.Equal(t, int64(0), bc.Metrics().TotalRequests)
}

func TestBaseConnector_ConnectFailsOnHealthCheck(t *testing.T) {
	status := int32(http.StatusServiceUnavailable)
	srv := newHealthServer(t, &status)

	bc, err := NewBaseConnector(testConfig(srv.URL))
	require.NoError(t, err)

	var errEvents int32
	bc.AddListener(EventListenerFunc(func(ev Event) {
		if ev.Type == EventError {
			atomic.AddInt32(&errEvents, 1)
			assert.Equal(t, StatusError, ev.Status)
		}
	}))

	err = bc.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StatusError, bc.Status())
	assert.Equal(t, err, bc.LastError())
	assert.Equal(t, int32(1), atomic.LoadInt32(&errEvents))

	// The connector can retry from the error state.
	atomic.StoreInt32(&status, http.StatusOK)
	require.NoError(t, bc.Connect(context.Background()))
	assert.Equal(t, StatusConnected, bc.Status())
	assert.NoError(t, bc.LastError())
}

func TestBaseConnector_ConnectFailsOnHook(t *testing.T) {
	status := int32(http.StatusOK)
	srv := newHealthServer(t, &status)

	bc, err := NewBaseConnector(testConfig(srv.URL))
	require.NoError(t, err)
	hookErr := stderrors.New("csrf fetch failed")
	bc.SetHooks(&recordingHooks{connectErr: hookErr})

	err = bc.Connect(context.Background())
	assert.ErrorIs(t, err, hookErr)
	assert.Equal(t, StatusError, bc.Status())
}

func TestBaseConnector_Metrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	bc, err := NewBaseConnector(testConfig(srv.URL))
	require.NoError(t, err)
	require.NoError(t, bc.Connect(context.Background()))
	defer bc.Disconnect(context.Background())

	_, err = bc.Get(context.Background(), "/ok", nil)
	require.NoError(t, err)
	resp, err := bc.Get(context.Background(), "/missing", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.Status)

	m := bc.Metrics()
	assert.Equal(t, int64(2), m.TotalRequests)
	assert.Equal(t, int64(1), m.SuccessfulRequests)
	assert.Equal(t, int64(1), m.FailedRequests)
	assert.Equal(t, int64(1), m.ErrorsByType["request"])
	assert.False(t, m.LastRequestAt.IsZero())
	assert.Greater(t, m.Uptime, time.Duration(0))
}

func TestBaseConnector_AuthStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"tok","token_type":"Bearer","expires_in":3600}`))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	apiKey, err := NewBaseConnector(testConfig(srv.URL))
	require.NoError(t, err)
	_, ok := apiKey.AuthStats()
	assert.False(t, ok)

	cfg := testConfig(srv.URL)
	cfg.ID = "erp-oauth"
	cfg.AuthType = config.AuthOAuth2
	cfg.Credentials = config.NewOAuth2Credentials("client", "secret", srv.URL+"/token", "")
	bc, err := NewBaseConnector(cfg)
	require.NoError(t, err)
	require.NoError(t, bc.Connect(context.Background()))
	defer bc.Disconnect(context.Background())

	stats, ok := bc.AuthStats()
	require.True(t, ok)
	assert.Equal(t, int64(1), stats.TokenRequests)
	assert.Zero(t, stats.AuthFailures)
}

func TestBaseConnector_RateLimitHitEvent(t *testing.T) {
	status := int32(http.StatusOK)
	srv := newHealthServer(t, &status)

	cfg := testConfig(srv.URL)
	cfg.RateLimit = &config.RateLimitConfig{MaxRequests: 1, Window: 50 * time.Millisecond}
	bc, err := NewBaseConnector(cfg)
	require.NoError(t, err)
	require.NoError(t, bc.Connect(context.Background()))
	defer bc.Disconnect(context.Background())

	var hits int32
	bc.AddListener(EventListenerFunc(func(ev Event) {
		if ev.Type == EventRateLimitHit {
			atomic.AddInt32(&hits, 1)
		}
	}))

	for i := 0; i < 2; i++ {
		_, err := bc.Get(context.Background(), "/items", nil)
		require.NoError(t, err)
	}

	assert.GreaterOrEqual(t, atomic.LoadInt32(&hits), int32(1))
	assert.GreaterOrEqual(t, bc.Metrics().RateLimitHits, int64(1))
	stats, ok := bc.RateLimiterStats()
	require.True(t, ok)
	assert.GreaterOrEqual(t, stats.QueuedRequests, int64(1))
}

func TestBaseConnector_CircuitBreakerEvents(t *testing.T) {
	var fail int32 = 1
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" && atomic.LoadInt32(&fail) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.CircuitBreaker = &config.CircuitBreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Minute}
	bc, err := NewBaseConnector(cfg)
	require.NoError(t, err)
	require.NoError(t, bc.Connect(context.Background()))
	defer bc.Disconnect(context.Background())

	opened := make(chan Event, 1)
	bc.AddListener(EventListenerFunc(func(ev Event) {
		if ev.Type == EventCircuitBreakerOpen {
			opened <- ev
		}
	}))

	for i := 0; i < 2; i++ {
		_, err := bc.Get(context.Background(), "/orders", nil)
		require.Error(t, err)
	}

	select {
	case ev := <-opened:
		assert.Contains(t, ev.Data, "next_attempt")
	default:
		t.Fatal("expected circuit breaker open event")
	}
	assert.Equal(t, "open", bc.CircuitBreakerState().State)
	assert.Equal(t, int64(1), bc.Metrics().CircuitBreakerOpens)

	_, err = bc.Get(context.Background(), "/orders", nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCircuitBreaker))
}

func TestBaseConnector_ConfigIsCopied(t *testing.T) {
	cfg := testConfig("http://erp.example.com")
	bc, err := NewBaseConnector(cfg)
	require.NoError(t, err)

	cfg.Name = "changed"
	assert.Equal(t, "Test ERP", bc.Config().Name)

	got := bc.Config()
	got.Name = "also changed"
	assert.Equal(t, "Test ERP", bc.Config().Name)
	assert.Equal(t, HealthUnknown, bc.Health().Status)
}

func TestStatus_HasGaugeLabel(t *testing.T) {
	for _, s := range []Status{StatusDisconnected, StatusConnecting, StatusConnected, StatusReconnecting, StatusError} {
		assert.Contains(t, metrics.ConnectorStatuses, string(s))
	}
}
