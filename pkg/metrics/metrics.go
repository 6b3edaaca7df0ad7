// Package metrics exposes Prometheus collectors for ERP connectors. Every
// series is labelled with the connector ID so that one process can serve
// many ERP systems.
//
// # Basic Usage
//
//	timer := metrics.NewTimer()
//	resp, err := client.Do(ctx, req)
//	metrics.ObserveRequest("sap-prod", req.Method, resp.Status, timer.Stop())
//
// Collectors are registered with the default registry on package load.
package metrics

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequests counts completed HTTP attempts.
	// Labels: connector_id, method, status (HTTP status or "error")
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "erpconnect_http_requests_total",
			Help: "Total number of HTTP requests sent to ERP systems",
		},
		[]string{"connector_id", "method", "status"},
	)

	// HTTPRequestDuration tracks the latency of HTTP attempts in seconds.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "erpconnect_http_request_duration_seconds",
			Help: "HTTP request latency in seconds",
			Buckets: []float64{
				0.005, // 5ms - cached metadata
				0.025,
				0.1, // 100ms - typical entity read
				0.25,
				0.5,
				1,
				2.5, // large collection pages
				5,
				10,
				30, // default request timeout
			},
		},
		[]string{"connector_id", "method"},
	)

	// Retries counts attempts beyond the first.
	Retries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "erpconnect_http_retries_total",
			Help: "Total number of retried HTTP attempts",
		},
		[]string{"connector_id"},
	)

	// RateLimitHits counts requests that could not be admitted immediately.
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "erpconnect_rate_limit_hits_total",
			Help: "Requests delayed or rejected by the rate limiter",
		},
		[]string{"connector_id"},
	)

	// CircuitBreakerState is 0 closed, 1 open, 2 half-open.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "erpconnect_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"connector_id"},
	)

	// CircuitBreakerOpens counts transitions into the open state.
	CircuitBreakerOpens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "erpconnect_circuit_breaker_opens_total",
			Help: "Number of times the circuit breaker opened",
		},
		[]string{"connector_id"},
	)

	// TokenRefreshes counts OAuth2 token grants by outcome.
	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "erpconnect_token_refreshes_total",
			Help: "OAuth2 token grants by outcome",
		},
		[]string{"connector_id", "outcome"},
	)

	// ConnectorStatus is 1 for the connector's current status and 0 for the
	// others.
	ConnectorStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "erpconnect_connector_status",
			Help: "Current connector status",
		},
		[]string{"connector_id", "status"},
	)
)

// ConnectorStatuses lists the status label values set by SetConnectorStatus.
var ConnectorStatuses = []string{"disconnected", "connecting", "connected", "reconnecting", "error"}

// ObserveRequest records one HTTP attempt. A status of 0 means the request
// failed before a response arrived.
func ObserveRequest(connectorID, method string, status int, d time.Duration) {
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	HTTPRequests.WithLabelValues(connectorID, method, label).Inc()
	HTTPRequestDuration.WithLabelValues(connectorID, method).Observe(d.Seconds())
}

// SetConnectorStatus flips the status gauge of connectorID to status.
func SetConnectorStatus(connectorID, status string) {
	for _, s := range ConnectorStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		ConnectorStatus.WithLabelValues(connectorID, s).Set(v)
	}
}

// DeleteConnector drops every series of connectorID.
func DeleteConnector(connectorID string) {
	labels := prometheus.Labels{"connector_id": connectorID}
	HTTPRequests.DeletePartialMatch(labels)
	HTTPRequestDuration.DeletePartialMatch(labels)
	Retries.DeletePartialMatch(labels)
	RateLimitHits.DeletePartialMatch(labels)
	CircuitBreakerState.DeletePartialMatch(labels)
	CircuitBreakerOpens.DeletePartialMatch(labels)
	TokenRefreshes.DeletePartialMatch(labels)
	ConnectorStatus.DeletePartialMatch(labels)
}

// Timer measures the duration of one operation.
type Timer struct {
	start time.Time
}

// NewTimer starts timing immediately.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop returns the elapsed duration. It can be called more than once.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// LatencyTracker keeps the most recent samples for percentile queries.
type LatencyTracker struct {
	mu      sync.Mutex
	values  []time.Duration
	next    int
	full    bool
	maxSize int
}

// NewLatencyTracker creates a tracker holding at most maxSize samples.
func NewLatencyTracker(maxSize int) *LatencyTracker {
	if maxSize < 1 {
		maxSize = 1
	}
	return &LatencyTracker{
		values:  make([]time.Duration, maxSize),
		maxSize: maxSize,
	}
}

// Record adds a sample, overwriting the oldest once full.
func (l *LatencyTracker) Record(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.values[l.next] = d
	l.next = (l.next + 1) % l.maxSize
	if l.next == 0 {
		l.full = true
	}
}

// Count returns the number of samples held.
func (l *LatencyTracker) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.countLocked()
}

func (l *LatencyTracker) countLocked() int {
	if l.full {
		return l.maxSize
	}
	return l.next
}

// Percentile returns the p-th percentile (0-100) using nearest rank.
func (l *LatencyTracker) Percentile(p float64) time.Duration {
	l.mu.Lock()
	n := l.countLocked()
	sorted := make([]time.Duration, n)
	copy(sorted, l.values[:n])
	l.mu.Unlock()

	if n == 0 {
		return 0
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(n-1) * p / 100)
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

// Average returns the mean of the samples held.
func (l *LatencyTracker) Average() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.countLocked()
	if n == 0 {
		return 0
	}
	var total time.Duration
	for _, v := range l.values[:n] {
		total += v
	}
	return total / time.Duration(n)
}
