package base

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/erpconnect/pkg/clients"
	"github.com/ajitpratap0/erpconnect/pkg/errors"
)

// DefaultTestTimeout bounds each check of the connection tester.
const DefaultTestTimeout = 10 * time.Second

// Test names reported in results.
const (
	TestConnectivity   = "connectivity"
	TestAuthentication = "authentication"
	TestMetadata       = "metadata"
)

// versionFields are the response fields searched for a system version.
var versionFields = []string{"version", "apiVersion", "api_version"}

// versionHeaders are consulted when the body names no version.
var versionHeaders = []string{"OData-Version", "DataServiceVersion", "X-API-Version"}

// TestResult is the outcome of one check.
type TestResult struct {
	Name         string        `json:"name"`
	Success      bool          `json:"success"`
	Skipped      bool          `json:"skipped,omitempty"`
	Status       int           `json:"status,omitempty"`
	ResponseTime time.Duration `json:"response_time"`
	Version      string        `json:"version,omitempty"`
	Message      string        `json:"message,omitempty"`
	Err          error         `json:"-"`
}

// FullTestResult aggregates the checks of RunFullTest.
type FullTestResult struct {
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	Checks   []TestResult  `json:"checks"`
}

// Check returns the result named name, if it ran.
func (r FullTestResult) Check(name string) (TestResult, bool) {
	for _, c := range r.Checks {
		if c.Name == name {
			return c, true
		}
	}
	return TestResult{}, false
}

// ConnectionTester checks a system without the connected guard, rate
// limiter, circuit breaker or retries.
type ConnectionTester struct {
	client       *clients.HTTPClient
	auth         clients.AuthHandler
	logger       *zap.Logger
	timeout      time.Duration
	healthPath   string
	authPath     string
	metadataPath string
}

// NewConnectionTester creates a tester. metadataPath may be empty, in which
// case the metadata check is skipped.
func NewConnectionTester(client *clients.HTTPClient, auth clients.AuthHandler, healthPath, authPath, metadataPath string, logger *zap.Logger) *ConnectionTester {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConnectionTester{
		client:       client,
		auth:         auth,
		logger:       logger.With(zap.String("component", "connection_tester")),
		timeout:      DefaultTestTimeout,
		healthPath:   healthPath,
		authPath:     authPath,
		metadataPath: metadataPath,
	}
}

// SetTimeout changes the per-check timeout.
func (t *ConnectionTester) SetTimeout(d time.Duration) {
	if d > 0 {
		t.timeout = d
	}
}

// TestConnection sends a GET to path and succeeds on a 2xx response.
// Credentials are attached when they are already available.
func (t *ConnectionTester) TestConnection(ctx context.Context, path string) TestResult {
	if path == "" {
		path = t.healthPath
	}
	skipAuth := true
	if t.auth != nil && !t.auth.IsTokenExpired() {
		if _, err := t.auth.AuthHeaders(); err == nil {
			skipAuth = false
		}
	}
	return t.run(ctx, TestConnectivity, path, skipAuth)
}

// TestAuthentication authenticates and sends a GET to path with the
// resulting credentials.
func (t *ConnectionTester) TestAuthentication(ctx context.Context, path string) TestResult {
	if path == "" {
		path = t.authPath
	}
	if t.auth == nil {
		return TestResult{Name: TestAuthentication, Success: true, Skipped: true, Message: "no authentication configured"}
	}

	start := time.Now()
	authCtx, cancel := context.WithTimeout(ctx, t.timeout)
	err := t.auth.Authenticate(authCtx, t.client.HTTPClient())
	cancel()
	if err != nil {
		return TestResult{
			Name:         TestAuthentication,
			ResponseTime: time.Since(start),
			Message:      err.Error(),
			Err:          err,
		}
	}

	res := t.run(ctx, TestAuthentication, path, false)
	if res.Status == http.StatusUnauthorized || res.Status == http.StatusForbidden {
		res.Message = "credentials rejected by the server"
	}
	return res
}

// RunFullTest checks connectivity, then authentication, then fetches
// metadata best-effort. A connectivity failure skips the other checks and a
// metadata failure does not fail the run.
func (t *ConnectionTester) RunFullTest(ctx context.Context) FullTestResult {
	start := time.Now()
	out := FullTestResult{}

	conn := t.TestConnection(ctx, t.healthPath)
	out.Checks = append(out.Checks, conn)
	if !conn.Success {
		out.Checks = append(out.Checks,
			TestResult{Name: TestAuthentication, Skipped: true, Message: "skipped after connectivity failure"},
			TestResult{Name: TestMetadata, Skipped: true, Message: "skipped after connectivity failure"})
		out.Duration = time.Since(start)
		return out
	}

	auth := t.TestAuthentication(ctx, t.authPath)
	out.Checks = append(out.Checks, auth)

	var meta TestResult
	switch {
	case t.metadataPath == "":
		meta = TestResult{Name: TestMetadata, Success: true, Skipped: true, Message: "no metadata endpoint"}
	case !auth.Success:
		meta = TestResult{Name: TestMetadata, Skipped: true, Message: "skipped after authentication failure"}
	default:
		meta = t.run(ctx, TestMetadata, t.metadataPath, false)
		if !meta.Success {
			t.logger.Warn("metadata fetch failed", zap.String("message", meta.Message))
		}
	}
	out.Checks = append(out.Checks, meta)

	out.Success = conn.Success && auth.Success
	out.Duration = time.Since(start)
	t.logger.Info("connection test finished",
		zap.Bool("success", out.Success),
		zap.Duration("duration", out.Duration))
	return out
}

func (t *ConnectionTester) run(ctx context.Context, name, path string, skipAuth bool) TestResult {
	req := &clients.Request{
		Method:             http.MethodGet,
		Path:               path,
		Timeout:            t.timeout,
		SkipAuth:           skipAuth,
		SkipRetry:          true,
		SkipRateLimit:      true,
		SkipCircuitBreaker: true,
	}
	if name == TestMetadata {
		req.Headers = http.Header{"Accept": {"application/xml, application/json"}}
	}

	start := time.Now()
	resp, err := t.client.Do(ctx, req)
	res := TestResult{Name: name, ResponseTime: time.Since(start)}
	if resp != nil {
		res.Status = resp.Status
		res.Version = extractVersion(resp)
	}
	if err != nil {
		res.Err = err
		res.Message = err.Error()
		if res.Status == 0 && errors.IsType(err, errors.ErrorTypeConnection) {
			res.Message = "cannot reach " + path + ": " + err.Error()
		}
		t.logger.Debug("check failed", zap.String("check", name), zap.Error(err))
		return res
	}
	res.Success = resp.Status >= 200 && resp.Status < 300
	if !res.Success {
		res.Message = resp.StatusText
	}
	return res
}

// extractVersion looks for a version in common response fields, then in
// version headers.
func extractVersion(resp *clients.Response) string {
	if obj := resp.Object(); obj != nil {
		for _, f := range versionFields {
			if v, ok := obj[f].(string); ok && v != "" {
				return v
			}
		}
	}
	for _, h := range versionHeaders {
		if v := resp.Headers.Get(h); v != "" {
			return v
		}
	}
	return ""
}
