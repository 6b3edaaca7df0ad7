// Package base provides the BaseConnector that every protocol connector
// embeds. It owns the connection lifecycle state machine and the resilience
// stack of one ERP connection: authentication, rate limiting, circuit
// breaking and retries, all routed through a shared clients.HTTPClient.
//
// # Usage
//
// Protocol connectors embed BaseConnector and register themselves as
// lifecycle hooks:
//
//	type MyConnector struct {
//	    *base.BaseConnector
//	}
//
//	func NewMyConnector(cfg *config.ConnectorConfig) (*MyConnector, error) {
//	    bc, err := base.NewBaseConnector(cfg)
//	    if err != nil {
//	        return nil, err
//	    }
//	    c := &MyConnector{BaseConnector: bc}
//	    bc.SetHooks(c)
//	    return c, nil
//	}
//
// # Lifecycle
//
// disconnected -> connecting -> connected, with any failure moving to error.
// Disconnect returns to disconnected from any state. Request helpers require
// the connected state.
package base

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/erpconnect/pkg/clients"
	"github.com/ajitpratap0/erpconnect/pkg/config"
	"github.com/ajitpratap0/erpconnect/pkg/errors"
	"github.com/ajitpratap0/erpconnect/pkg/logger"
	"github.com/ajitpratap0/erpconnect/pkg/metrics"
)

// Status is the connection state of a connector.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
	// StatusReconnecting is reserved for automatic reconnection and is not
	// entered yet.
	StatusReconnecting Status = "reconnecting"
)

// Hooks lets a protocol connector extend Connect and Disconnect.
type Hooks interface {
	// OnConnect runs after authentication and the health check succeeded
	OnConnect(ctx context.Context) error
	// OnDisconnect runs before the connector is marked disconnected
	OnDisconnect(ctx context.Context) error
}

// RequestOptions tune a single request.
type RequestOptions struct {
	Query       url.Values
	RawQuery    string
	Headers     http.Header
	ContentType string
	// Timeout overrides the configured request timeout
	Timeout   time.Duration
	SkipRetry bool
}

// Option configures a BaseConnector.
type Option func(*BaseConnector)

// WithLogger sets the base logger. The global logger is used otherwise.
func WithLogger(l *zap.Logger) Option {
	return func(bc *BaseConnector) { bc.logger = l }
}

// WithTransport replaces the HTTP transport client, mainly for tests.
func WithTransport(hc *http.Client) Option {
	return func(bc *BaseConnector) { bc.transport = hc }
}

// BaseConnector implements the lifecycle and request plumbing shared by the
// REST and OData connectors.
type BaseConnector struct {
	config    *config.ConnectorConfig
	logger    *zap.Logger
	transport *http.Client

	client  *clients.HTTPClient
	auth    clients.AuthHandler
	limiter *clients.TokenBucketRateLimiter
	breaker *clients.CircuitBreaker
	retry   *clients.RetryStrategy
	tester  *ConnectionTester
	health  *HealthChecker
	hooks   Hooks

	mu          sync.RWMutex
	status      Status
	connectedAt time.Time
	lastError   error

	events  eventBus
	metrics *metricsRecorder
}

// NewBaseConnector validates cfg and builds the resilience stack for it. The
// config is copied; later changes by the caller have no effect.
func NewBaseConnector(cfg *config.ConnectorConfig, opts ...Option) (*BaseConnector, error) {
	if cfg == nil {
		return nil, errors.Configuration("config", "connector config is required")
	}
	cfg = cfg.Clone()
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	bc := &BaseConnector{
		config:  cfg,
		status:  StatusDisconnected,
		metrics: newMetricsRecorder(),
	}
	for _, opt := range opts {
		opt(bc)
	}
	bc.logger = logger.ForComponent(bc.logger, "connector", cfg.ID).With(
		zap.String("erp_type", cfg.ERPType),
		zap.String("protocol", string(cfg.Protocol)))

	auth, err := clients.NewAuthHandler(cfg.ID, cfg.Credentials, bc.logger)
	if err != nil {
		return nil, err
	}
	bc.auth = auth
	bc.retry = clients.NewRetryStrategy(cfg.RetryAttempts, cfg.RetryDelay, bc.logger)
	bc.breaker = clients.NewCircuitBreaker(breakerConfig(cfg.CircuitBreaker), cfg.ID, bc.logger)
	bc.breaker.OnEvent(bc.onCircuitEvent)

	clientOpts := []clients.Option{
		clients.WithAuth(bc.auth),
		clients.WithRetry(bc.retry),
		clients.WithCircuitBreaker(bc.breaker),
	}
	if cfg.RateLimit != nil {
		bc.limiter = clients.NewTokenBucketRateLimiter(cfg.RateLimit.MaxRequests, cfg.RateLimit.Window, cfg.ID, bc.logger)
		bc.limiter.OnLimited(bc.onRateLimited)
		clientOpts = append(clientOpts, clients.WithRateLimiter(bc.limiter))
	}
	if bc.transport != nil {
		clientOpts = append(clientOpts, clients.WithHTTPClient(bc.transport))
	}

	httpCfg := clients.DefaultHTTPConfig()
	httpCfg.BaseURL = cfg.BaseURL
	httpCfg.ConnectorID = cfg.ID
	httpCfg.Timeout = cfg.Timeout
	httpCfg.DefaultHeaders = cfg.Headers
	bc.client, err = clients.NewHTTPClient(httpCfg, bc.logger, clientOpts...)
	if err != nil {
		return nil, err
	}

	bc.tester = NewConnectionTester(bc.client, bc.auth, cfg.HealthPath, cfg.AuthTestPath, metadataPath(cfg), bc.logger)
	if cfg.HealthCheckInterval > 0 {
		bc.health = NewHealthChecker(cfg.HealthCheckInterval, func(ctx context.Context) TestResult {
			return bc.tester.TestConnection(ctx, cfg.HealthPath)
		}, bc.logger)
	}

	metrics.SetConnectorStatus(cfg.ID, string(StatusDisconnected))
	return bc, nil
}

func breakerConfig(c *config.CircuitBreakerConfig) clients.CircuitBreakerConfig {
	if c == nil {
		return clients.DefaultCircuitBreakerConfig()
	}
	return clients.CircuitBreakerConfig{
		FailureThreshold: c.FailureThreshold,
		SuccessThreshold: c.SuccessThreshold,
		Timeout:          c.Timeout,
		MonitoringPeriod: c.MonitoringPeriod,
	}
}

func metadataPath(cfg *config.ConnectorConfig) string {
	if cfg.Protocol == config.ProtocolOData {
		return cfg.OData.MetadataPath
	}
	return cfg.REST.MetadataPath
}

// SetHooks registers the protocol hooks. It must be called before Connect.
func (bc *BaseConnector) SetHooks(h Hooks) {
	bc.mu.Lock()
	bc.hooks = h
	bc.mu.Unlock()
}

// AddListener registers l and returns a function that removes it.
func (bc *BaseConnector) AddListener(l EventListener) (remove func()) {
	return bc.events.add(l)
}

// Connect authenticates, checks the health path and runs the OnConnect hook.
func (bc *BaseConnector) Connect(ctx context.Context) error {
	bc.mu.Lock()
	switch bc.status {
	case StatusConnected:
		bc.mu.Unlock()
		return errors.Connection(bc.config.ID, errors.ReasonAlreadyConnected, "connector is already connected", nil)
	case StatusConnecting:
		bc.mu.Unlock()
		return errors.Connection(bc.config.ID, errors.ReasonAlreadyConnected, "connect already in progress", nil)
	}
	bc.status = StatusConnecting
	hooks := bc.hooks
	bc.mu.Unlock()

	start := time.Now()
	bc.emit(EventConnecting, nil, nil)
	bc.logger.Info("connecting", zap.String("base_url", bc.config.BaseURL))

	if err := bc.auth.Authenticate(ctx, bc.client.HTTPClient()); err != nil {
		return bc.fail("authentication failed", err)
	}

	res := bc.tester.TestConnection(ctx, bc.config.HealthPath)
	if !res.Success {
		err := res.Err
		if err == nil {
			err = errors.Connection(bc.config.ID, errors.ReasonCannotConnect,
				"health check returned "+res.Message, nil).WithDetail("status", res.Status)
		}
		return bc.fail("health check failed", err)
	}

	if hooks != nil {
		if err := hooks.OnConnect(ctx); err != nil {
			return bc.fail("protocol connect failed", err)
		}
	}

	bc.mu.Lock()
	bc.status = StatusConnected
	bc.connectedAt = time.Now()
	bc.lastError = nil
	bc.mu.Unlock()

	if bc.health != nil {
		bc.health.Start(context.WithoutCancel(ctx))
	}
	bc.emit(EventConnected, nil, map[string]interface{}{"version": res.Version})
	bc.logger.Info("connected",
		zap.Duration("duration", time.Since(start)),
		zap.String("version", res.Version))
	return nil
}

// fail records a connect failure and returns err.
func (bc *BaseConnector) fail(msg string, err error) error {
	bc.mu.Lock()
	bc.status = StatusError
	bc.lastError = err
	bc.mu.Unlock()

	bc.logger.Error(msg, zap.Error(err))
	bc.emit(EventError, err, nil)
	return err
}

// Disconnect runs the OnDisconnect hook and marks the connector
// disconnected. It is a no-op when already disconnected.
func (bc *BaseConnector) Disconnect(ctx context.Context) error {
	bc.mu.Lock()
	if bc.status == StatusDisconnected {
		bc.mu.Unlock()
		return nil
	}
	hooks := bc.hooks
	bc.mu.Unlock()

	if bc.health != nil {
		bc.health.Stop()
	}

	var hookErr error
	if hooks != nil {
		if hookErr = hooks.OnDisconnect(ctx); hookErr != nil {
			bc.logger.Warn("protocol disconnect failed", zap.Error(hookErr))
		}
	}

	bc.mu.Lock()
	bc.status = StatusDisconnected
	bc.connectedAt = time.Time{}
	bc.mu.Unlock()

	bc.client.Close()
	bc.emit(EventDisconnected, nil, nil)
	bc.logger.Info("disconnected")
	return hookErr
}

// EnsureConnected returns a not_connected error unless the connector is
// connected.
func (bc *BaseConnector) EnsureConnected() error {
	bc.mu.RLock()
	status := bc.status
	bc.mu.RUnlock()
	if status != StatusConnected {
		return errors.Connection(bc.config.ID, errors.ReasonNotConnected,
			"connector is not connected (status "+string(status)+")", nil)
	}
	return nil
}

// Request sends a request through the full pipeline and updates metrics.
// On an error status the response is returned along with the error.
func (bc *BaseConnector) Request(ctx context.Context, method, path string, body interface{}, opts *RequestOptions) (*clients.Response, error) {
	req := &clients.Request{Method: method, Path: path, Body: body}
	if opts != nil {
		req.Query = opts.Query
		req.RawQuery = opts.RawQuery
		req.Headers = opts.Headers
		req.ContentType = opts.ContentType
		req.Timeout = opts.Timeout
		req.SkipRetry = opts.SkipRetry
	}
	return bc.Do(ctx, req)
}

// Do sends req through the full pipeline and updates metrics.
func (bc *BaseConnector) Do(ctx context.Context, req *clients.Request) (*clients.Response, error) {
	if err := bc.EnsureConnected(); err != nil {
		return nil, err
	}

	timer := metrics.NewTimer()
	resp, err := bc.client.Do(ctx, req)
	bc.metrics.request(timer.Stop(), err)
	if err != nil {
		bc.logger.Debug("request failed",
			zap.String("method", req.Method),
			zap.String("path", req.Path),
			zap.Error(err))
	}
	return resp, err
}

// Get sends a GET request.
func (bc *BaseConnector) Get(ctx context.Context, path string, opts *RequestOptions) (*clients.Response, error) {
	return bc.Request(ctx, http.MethodGet, path, nil, opts)
}

// Post sends a POST request.
func (bc *BaseConnector) Post(ctx context.Context, path string, body interface{}, opts *RequestOptions) (*clients.Response, error) {
	return bc.Request(ctx, http.MethodPost, path, body, opts)
}

// Put sends a PUT request.
func (bc *BaseConnector) Put(ctx context.Context, path string, body interface{}, opts *RequestOptions) (*clients.Response, error) {
	return bc.Request(ctx, http.MethodPut, path, body, opts)
}

// Patch sends a PATCH request.
func (bc *BaseConnector) Patch(ctx context.Context, path string, body interface{}, opts *RequestOptions) (*clients.Response, error) {
	return bc.Request(ctx, http.MethodPatch, path, body, opts)
}

// Delete sends a DELETE request.
func (bc *BaseConnector) Delete(ctx context.Context, path string, opts *RequestOptions) (*clients.Response, error) {
	return bc.Request(ctx, http.MethodDelete, path, nil, opts)
}

// ID returns the connection id.
func (bc *BaseConnector) ID() string { return bc.config.ID }

// Protocol returns the configured wire protocol.
func (bc *BaseConnector) Protocol() config.Protocol { return bc.config.Protocol }

// TestConnection runs the full connectivity, authentication and metadata
// check. It does not require the connector to be connected.
func (bc *BaseConnector) TestConnection(ctx context.Context) FullTestResult {
	return bc.tester.RunFullTest(ctx)
}

// Status returns the current connection status.
func (bc *BaseConnector) Status() Status {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.status
}

// LastError returns the error that moved the connector to the error state.
func (bc *BaseConnector) LastError() error {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.lastError
}

// Metrics returns a snapshot of the connector counters.
func (bc *BaseConnector) Metrics() ConnectorMetrics {
	bc.mu.RLock()
	connectedAt := bc.connectedAt
	bc.mu.RUnlock()
	return bc.metrics.snapshot(connectedAt)
}

// Config returns a deep copy of the configuration.
func (bc *BaseConnector) Config() *config.ConnectorConfig {
	return bc.config.Clone()
}

// Health returns the latest periodic health status. It reports unknown when
// periodic checks are disabled.
func (bc *BaseConnector) Health() HealthStatus {
	if bc.health == nil {
		return HealthStatus{Status: HealthUnknown}
	}
	return bc.health.Status()
}

// CircuitBreakerState returns the breaker snapshot.
func (bc *BaseConnector) CircuitBreakerState() clients.CircuitBreakerState {
	return bc.breaker.State()
}

// RateLimiterStats returns limiter statistics; ok is false without a limiter.
func (bc *BaseConnector) RateLimiterStats() (stats clients.RateLimiterStats, ok bool) {
	if bc.limiter == nil {
		return clients.RateLimiterStats{}, false
	}
	return bc.limiter.Stats(), true
}

// AuthStats returns token endpoint counters; ok is false unless the
// connector authenticates with OAuth2.
func (bc *BaseConnector) AuthStats() (stats clients.OAuth2Stats, ok bool) {
	h, ok := bc.auth.(*clients.OAuth2Handler)
	if !ok {
		return clients.OAuth2Stats{}, false
	}
	return h.Stats(), true
}

// Tester returns the connection tester bound to this connector.
func (bc *BaseConnector) Tester() *ConnectionTester { return bc.tester }

// Client returns the HTTP client. Requests sent through it directly bypass
// the connected guard and the connector metrics.
func (bc *BaseConnector) Client() *clients.HTTPClient { return bc.client }

// Logger returns the connector scoped logger.
func (bc *BaseConnector) Logger() *zap.Logger { return bc.logger }

func (bc *BaseConnector) onRateLimited() {
	bc.metrics.rateLimitHit()
	metrics.RateLimitHits.WithLabelValues(bc.config.ID).Inc()
	bc.emit(EventRateLimitHit, nil, nil)
}

func (bc *BaseConnector) onCircuitEvent(ev clients.CircuitEvent) {
	var state float64
	switch ev.Type {
	case clients.CircuitEventOpen:
		state = 1
		bc.metrics.circuitOpened()
		metrics.CircuitBreakerOpens.WithLabelValues(bc.config.ID).Inc()
		bc.emit(EventCircuitBreakerOpen, nil, map[string]interface{}{"next_attempt": ev.State.NextAttempt})
	case clients.CircuitEventHalfOpen:
		state = 2
	case clients.CircuitEventClose, clients.CircuitEventReset:
		bc.emit(EventCircuitBreakerClose, nil, nil)
	}
	metrics.CircuitBreakerState.WithLabelValues(bc.config.ID).Set(state)
}

func (bc *BaseConnector) emit(typ EventType, err error, data map[string]interface{}) {
	status := bc.Status()
	if typ != EventRateLimitHit && !isBreakerEvent(typ) {
		metrics.SetConnectorStatus(bc.config.ID, string(status))
	}
	bc.events.publish(Event{
		Type:        typ,
		ConnectorID: bc.config.ID,
		Status:      status,
		Timestamp:   time.Now(),
		Err:         err,
		Data:        data,
	})
}

func isBreakerEvent(t EventType) bool {
	return t == EventCircuitBreakerOpen || t == EventCircuitBreakerClose
}
