package base

import (
	"sync"
	"time"

	"github.com/ajitpratap0/erpconnect/pkg/errors"
)

// ConnectorMetrics is a snapshot of a connector's counters. Counters are
// only reset by constructing a new connector; reconnecting keeps them.
type ConnectorMetrics struct {
	TotalRequests       int64            `json:"total_requests"`
	SuccessfulRequests  int64            `json:"successful_requests"`
	FailedRequests      int64            `json:"failed_requests"`
	RateLimitHits       int64            `json:"rate_limit_hits"`
	CircuitBreakerOpens int64            `json:"circuit_breaker_opens"`
	AverageResponseTime time.Duration    `json:"average_response_time"`
	LastRequestAt       time.Time        `json:"last_request_at,omitempty"`
	Uptime              time.Duration    `json:"uptime"`
	ErrorsByType        map[string]int64 `json:"errors_by_type,omitempty"`
}

type metricsRecorder struct {
	mu sync.Mutex
	m  ConnectorMetrics
}

func newMetricsRecorder() *metricsRecorder {
	return &metricsRecorder{m: ConnectorMetrics{ErrorsByType: make(map[string]int64)}}
}

// request records a completed request. The running average follows
// newAvg = (oldAvg*(n-1) + latest) / n.
func (r *metricsRecorder) request(latency time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.m.TotalRequests++
	n := r.m.TotalRequests
	r.m.AverageResponseTime = (r.m.AverageResponseTime*time.Duration(n-1) + latency) / time.Duration(n)
	r.m.LastRequestAt = time.Now()

	if err == nil {
		r.m.SuccessfulRequests++
		return
	}
	r.m.FailedRequests++
	r.m.ErrorsByType[categorize(err)]++
}

func (r *metricsRecorder) rateLimitHit() {
	r.mu.Lock()
	r.m.RateLimitHits++
	r.mu.Unlock()
}

func (r *metricsRecorder) circuitOpened() {
	r.mu.Lock()
	r.m.CircuitBreakerOpens++
	r.mu.Unlock()
}

func (r *metricsRecorder) snapshot(connectedAt time.Time) ConnectorMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.m
	out.ErrorsByType = make(map[string]int64, len(r.m.ErrorsByType))
	for k, v := range r.m.ErrorsByType {
		out.ErrorsByType[k] = v
	}
	if !connectedAt.IsZero() {
		out.Uptime = time.Since(connectedAt)
	}
	return out
}

// categorize names an error by type and reason, e.g. "request" or
// "connection(timeout)".
func categorize(err error) string {
	e, ok := errors.As(err)
	if !ok {
		return string(errors.ErrorTypeInternal)
	}
	if e.Reason != "" {
		return string(e.Type) + "(" + string(e.Reason) + ")"
	}
	return string(e.Type)
}
