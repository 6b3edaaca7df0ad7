// Package clients provides the HTTP machinery shared by every ERP connector:
// authentication handlers, a token bucket rate limiter, a circuit breaker, a
// retry strategy and the HTTP client that composes them.
package clients

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/ajitpratap0/erpconnect/pkg/compression"
	"github.com/ajitpratap0/erpconnect/pkg/errors"
	"github.com/ajitpratap0/erpconnect/pkg/json"
	"github.com/ajitpratap0/erpconnect/pkg/observability"
)

// HTTPConfig configures the HTTP client
type HTTPConfig struct {
	BaseURL     string `json:"base_url"`
	ConnectorID string `json:"connector_id"`

	// Timeout bounds each attempt unless the request overrides it
	Timeout        time.Duration     `json:"timeout"`
	DefaultHeaders map[string]string `json:"default_headers"`
	UserAgent      string            `json:"user_agent"`

	// MaxResponseBytes caps the decoded body size
	MaxResponseBytes int64 `json:"max_response_bytes"`

	// Connection settings
	MaxIdleConns        int           `json:"max_idle_conns"`
	MaxIdleConnsPerHost int           `json:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `json:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `json:"idle_conn_timeout"`
	DialTimeout         time.Duration `json:"dial_timeout"`
	TLSHandshakeTimeout time.Duration `json:"tls_handshake_timeout"`
	KeepAlive           time.Duration `json:"keep_alive"`

	EnableHTTP2        bool   `json:"enable_http2"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify"`
	TLSMinVersion      uint16 `json:"tls_min_version"`
}

// DefaultHTTPConfig returns defaults suited to ERP APIs: few hosts, long
// lived connections and slow responses.
func DefaultHTTPConfig() *HTTPConfig {
	return &HTTPConfig{
		Timeout:             30 * time.Second,
		UserAgent:           "erpconnect/1.0",
		MaxResponseBytes:    64 << 20,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		MaxConnsPerHost:     50,
		IdleConnTimeout:     90 * time.Second,
		DialTimeout:         10 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		KeepAlive:           30 * time.Second,
		EnableHTTP2:         true,
		TLSMinVersion:       tls.VersionTLS12,
	}
}

// Request describes one logical call. Retries and the 401 replay resend it
// unchanged.
type Request struct {
	Method string
	// Path is relative to the base URL unless it is an absolute URL
	Path string
	// Query is encoded with %20 for spaces
	Query url.Values
	// RawQuery is appended verbatim after Query
	RawQuery string
	Headers  http.Header
	// Body is sent as is when it is []byte, string or io.Reader and JSON
	// encoded otherwise
	Body        interface{}
	ContentType string
	// Timeout overrides the per-attempt timeout
	Timeout time.Duration

	SkipAuth           bool
	SkipRetry          bool
	SkipRateLimit      bool
	SkipCircuitBreaker bool
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithAuth sets the handler whose headers are attached to every request.
func WithAuth(h AuthHandler) Option {
	return func(c *HTTPClient) { c.auth = h }
}

// WithRateLimiter sets the limiter consulted before each request.
func WithRateLimiter(l RateLimiter) Option {
	return func(c *HTTPClient) { c.limiter = l }
}

// WithCircuitBreaker sets the breaker wrapping each request.
func WithCircuitBreaker(cb *CircuitBreaker) Option {
	return func(c *HTTPClient) { c.breaker = cb }
}

// WithRetry sets the retry strategy. The default makes a single attempt.
func WithRetry(r *RetryStrategy) Option {
	return func(c *HTTPClient) { c.retry = r }
}

// WithHTTPClient replaces the underlying transport client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) { c.httpClient = hc }
}

// HTTPClient sends requests through rate limiting, circuit breaking, retry
// and authentication, in that order.
type HTTPClient struct {
	config     *HTTPConfig
	logger     *zap.Logger
	httpClient *http.Client
	transport  *http.Transport

	auth    AuthHandler
	limiter RateLimiter
	breaker *CircuitBreaker
	retry   *RetryStrategy

	metrics *HTTPMetrics
}

// NewHTTPClient creates a client for config.BaseURL.
func NewHTTPClient(config *HTTPConfig, logger *zap.Logger, opts ...Option) (*HTTPClient, error) {
	if config == nil {
		config = DefaultHTTPConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.BaseURL != "" {
		u, err := url.Parse(config.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, errors.Configuration("base_url", fmt.Sprintf("invalid base url %q", config.BaseURL))
		}
	}

	client := &HTTPClient{
		config:  config,
		logger:  logger.With(zap.String("component", "http_client"), zap.String("connector_id", config.ConnectorID)),
		metrics: NewHTTPMetrics(config.ConnectorID),
	}
	for _, opt := range opts {
		opt(client)
	}
	if client.retry == nil {
		client.retry = NoRetry()
	}

	if client.httpClient == nil {
		client.transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   config.DialTimeout,
				KeepAlive: config.KeepAlive,
			}).DialContext,
			MaxIdleConns:          config.MaxIdleConns,
			MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
			MaxConnsPerHost:       config.MaxConnsPerHost,
			IdleConnTimeout:       config.IdleConnTimeout,
			TLSHandshakeTimeout:   config.TLSHandshakeTimeout,
			ExpectContinueTimeout: 1 * time.Second,
			// Content codings are negotiated and decoded by Do.
			DisableCompression: true,
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: config.InsecureSkipVerify, //nolint:gosec // opt-in for sandbox systems
				MinVersion:         config.TLSMinVersion,
			},
		}
		if config.EnableHTTP2 {
			if err := http2.ConfigureTransport(client.transport); err != nil {
				client.logger.Warn("failed to configure HTTP/2", zap.Error(err))
			}
		}
		client.httpClient = &http.Client{
			Transport: client.transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		}
	}

	return client, nil
}

// Do executes req. On an error status the response is returned together
// with the request error.
func (c *HTTPClient) Do(ctx context.Context, req *Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	ctx, span := observability.StartSpan(ctx, "http.request", c.config.ConnectorID,
		attribute.String("http.method", req.Method),
		attribute.String("http.path", req.Path))

	resp, err := c.do(ctx, req)
	if resp != nil {
		span.SetAttributes(attribute.Int("http.status_code", resp.Status))
	}
	observability.EndSpan(span, err)
	return resp, err
}

func (c *HTTPClient) do(ctx context.Context, req *Request) (*Response, error) {
	body, contentType, err := encodeBody(req.Body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "failed to encode request body").WithConnector(c.config.ConnectorID)
	}
	if req.ContentType != "" {
		contentType = req.ContentType
	}
	target := c.ResolveURL(req.Path, req.encodedQuery())

	if c.limiter != nil && !req.SkipRateLimit {
		if err := c.limiter.Acquire(ctx); err != nil {
			return nil, err
		}
	}

	retry := c.retry
	if req.SkipRetry {
		retry = retry.WithMaxAttempts(1)
	}

	var (
		resp      *Response
		refreshed bool
	)
	call := func(ctx context.Context) error {
		return retry.Execute(ctx, func(ctx context.Context, attempt int) error {
			if attempt > 1 {
				c.metrics.RecordRetry()
			}
			r, err := c.send(ctx, req, target, body, contentType)
			if err != nil && !refreshed && c.shouldReplay(req, r) {
				refreshed = true
				r, err = c.replayAfterRefresh(ctx, req, target, body, contentType)
			}
			resp = r
			if err != nil {
				return err
			}
			resp.Attempts = attempt
			return nil
		})
	}

	if c.breaker != nil && !req.SkipCircuitBreaker {
		err = c.breaker.Execute(ctx, call)
	} else {
		err = call(ctx)
	}
	return resp, err
}

// shouldReplay reports whether a failed attempt earned the one refresh and
// replay: a 401 with a handler able to refresh.
func (c *HTTPClient) shouldReplay(req *Request, r *Response) bool {
	if req.SkipAuth || r == nil || r.Status != http.StatusUnauthorized {
		return false
	}
	_, ok := c.auth.(TokenRefresher)
	return ok
}

func (c *HTTPClient) replayAfterRefresh(ctx context.Context, req *Request, target string, body []byte, contentType string) (*Response, error) {
	refresher := c.auth.(TokenRefresher)
	c.logger.Debug("received 401, refreshing token and replaying request", zap.String("method", req.Method))
	if err := refresher.RefreshToken(ctx); err != nil {
		c.logger.Warn("token refresh after 401 failed", zap.Error(err))
		return nil, err
	}
	c.metrics.RecordAuthRefresh()
	return c.send(ctx, req, target, body, contentType)
}

// send performs a single transport round trip.
func (c *HTTPClient) send(ctx context.Context, req *Request, target string, body []byte, contentType string) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.config.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, target, reader)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "failed to build request").WithConnector(c.config.ConnectorID)
	}
	if err := c.applyHeaders(ctx, hreq, req, contentType); err != nil {
		return nil, err
	}
	hreq = hreq.WithContext(httptrace.WithClientTrace(ctx, c.metrics.ClientTrace()))

	start := time.Now()
	hresp, err := c.httpClient.Do(hreq)
	if err != nil {
		elapsed := time.Since(start)
		err = c.transportError(req.Method, target, err)
		c.metrics.RecordRequest(req.Method, 0, elapsed, err)
		return nil, err
	}
	defer hresp.Body.Close()

	raw, err := c.readBody(hresp)
	elapsed := time.Since(start)
	if err != nil {
		err = c.transportError(req.Method, target, err)
		c.metrics.RecordRequest(req.Method, hresp.StatusCode, elapsed, err)
		return nil, err
	}

	resp := newResponse(hresp, raw, req.Method, target, elapsed)
	if hresp.StatusCode >= 400 {
		reqErr := errors.Request(c.config.ConnectorID, req.Method, target, hresp.StatusCode, raw)
		reqErr.RetryAfter = parseRetryAfter(hresp.Header.Get("Retry-After"), time.Now())
		err = reqErr
		c.metrics.RecordRequest(req.Method, hresp.StatusCode, elapsed, err)
		c.logger.Debug("request failed",
			zap.String("method", req.Method),
			zap.String("url", redactURL(target)),
			zap.Int("status", hresp.StatusCode),
			zap.Duration("duration", elapsed))
		return resp, err
	}

	c.metrics.RecordRequest(req.Method, hresp.StatusCode, elapsed, nil)
	c.logger.Debug("request completed",
		zap.String("method", req.Method),
		zap.String("url", redactURL(target)),
		zap.Int("status", hresp.StatusCode),
		zap.Duration("duration", elapsed))
	return resp, nil
}

// applyHeaders sets defaults, auth, per-request headers and trace context.
// Auth headers are read at send time so a refreshed token is always used.
func (c *HTTPClient) applyHeaders(ctx context.Context, hreq *http.Request, req *Request, contentType string) error {
	hreq.Header.Set("Accept", "application/json")
	hreq.Header.Set("Accept-Encoding", compression.AcceptEncoding)
	if c.config.UserAgent != "" {
		hreq.Header.Set("User-Agent", c.config.UserAgent)
	}
	if contentType != "" {
		hreq.Header.Set("Content-Type", contentType)
	}
	for k, v := range c.config.DefaultHeaders {
		hreq.Header.Set(k, v)
	}

	if c.auth != nil && !req.SkipAuth {
		if c.auth.IsTokenExpired() {
			if r, ok := c.auth.(TokenRefresher); ok {
				if err := r.RefreshToken(ctx); err != nil {
					return err
				}
			}
		}
		h, err := c.auth.AuthHeaders()
		if err != nil {
			return err
		}
		for k, vs := range h {
			hreq.Header[k] = vs
		}
	}

	for k, vs := range req.Headers {
		hreq.Header[http.CanonicalHeaderKey(k)] = vs
	}
	observability.InjectHeaders(ctx, propagation.HeaderCarrier(hreq.Header))
	return nil
}

func (c *HTTPClient) readBody(hresp *http.Response) ([]byte, error) {
	limit := c.config.MaxResponseBytes
	var r io.Reader = hresp.Body
	if enc := hresp.Header.Get("Content-Encoding"); enc != "" {
		dr, err := compression.NewReader(hresp.Body, enc)
		if err != nil {
			return nil, err
		}
		defer dr.Close()
		r = dr
		hresp.Header.Del("Content-Encoding")
		hresp.Header.Del("Content-Length")
	}
	if limit > 0 {
		r = io.LimitReader(r, limit+1)
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if limit > 0 && int64(len(raw)) > limit {
		return nil, fmt.Errorf("response body exceeds %d bytes", limit)
	}
	return raw, nil
}

// transportError classifies a failure that produced no usable response.
func (c *HTTPClient) transportError(method, target string, err error) error {
	if _, ok := errors.As(err); ok {
		return err
	}
	details := &errors.HTTPDetails{Method: method, URL: target}

	code := errors.NetworkCode(err)
	if code == "" {
		e := errors.Wrap(err, errors.ErrorTypeInternal, fmt.Sprintf("%s %s failed", method, target)).WithConnector(c.config.ConnectorID)
		e.HTTP = details
		return e
	}

	reason := errors.ReasonCannotConnect
	if code == errors.CodeTimedOut {
		reason = errors.ReasonTimeout
	}
	e := errors.Connection(c.config.ConnectorID, reason, fmt.Sprintf("%s %s failed", method, target), err)
	e.HTTP = details
	return e.WithDetail("network_code", code)
}

// ResolveURL joins path onto the base URL and appends query. Absolute URLs
// are used as is.
func (c *HTTPClient) ResolveURL(path, query string) string {
	target := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		base := strings.TrimRight(c.config.BaseURL, "/")
		switch {
		case path == "":
			target = base
		case strings.HasPrefix(path, "?"):
			target = base + path
		default:
			target = base + "/" + strings.TrimLeft(path, "/")
		}
	}
	if query != "" {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + query
	}
	return target
}

// Get is shorthand for a GET request to path.
func (c *HTTPClient) Get(ctx context.Context, path string, query url.Values) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodGet, Path: path, Query: query})
}

// Post sends body to path.
func (c *HTTPClient) Post(ctx context.Context, path string, body interface{}) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodPost, Path: path, Body: body})
}

// Put replaces the resource at path.
func (c *HTTPClient) Put(ctx context.Context, path string, body interface{}) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodPut, Path: path, Body: body})
}

// Patch partially updates the resource at path.
func (c *HTTPClient) Patch(ctx context.Context, path string, body interface{}) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodPatch, Path: path, Body: body})
}

// Delete removes the resource at path.
func (c *HTTPClient) Delete(ctx context.Context, path string) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodDelete, Path: path})
}

// Auth returns the configured auth handler, if any.
func (c *HTTPClient) Auth() AuthHandler { return c.auth }

// HTTPClient returns the underlying transport client.
func (c *HTTPClient) HTTPClient() *http.Client { return c.httpClient }

// Metrics returns request statistics.
func (c *HTTPClient) Metrics() HTTPStats { return c.metrics.Snapshot() }

// Close releases idle connections.
func (c *HTTPClient) Close() {
	if c.transport != nil {
		c.transport.CloseIdleConnections()
	}
}

func (r *Request) encodedQuery() string {
	q := ""
	if len(r.Query) > 0 {
		q = strings.ReplaceAll(r.Query.Encode(), "+", "%20")
	}
	if r.RawQuery != "" {
		if q != "" {
			q += "&"
		}
		q += r.RawQuery
	}
	return q
}

// encodeBody turns a request body into bytes so attempts can resend it.
func encodeBody(body interface{}) ([]byte, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case []byte:
		return b, "", nil
	case string:
		return []byte(b), "", nil
	case io.Reader:
		raw, err := io.ReadAll(b)
		return raw, "", err
	default:
		raw, err := json.Encode(b)
		if err != nil {
			return nil, "", err
		}
		return raw, "application/json", nil
	}
}

// redactURL drops the query string, which may carry API keys.
func redactURL(target string) string {
	if i := strings.IndexByte(target, '?'); i >= 0 {
		return target[:i]
	}
	return target
}

// parseRetryAfter reads a Retry-After value given in seconds or as an
// HTTP date. Missing, malformed and past values yield 0.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	at, err := http.ParseTime(v)
	if err != nil || !at.After(now) {
		return 0
	}
	return at.Sub(now)
}
