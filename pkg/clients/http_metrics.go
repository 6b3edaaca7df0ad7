package clients

import (
	"net/http/httptrace"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ajitpratap0/erpconnect/pkg/errors"
	"github.com/ajitpratap0/erpconnect/pkg/metrics"
)

// HTTPMetrics tracks in-process HTTP statistics for one client: request
// counts, latency percentiles per method, connection reuse and errors by
// type. Prometheus series are updated alongside.
type HTTPMetrics struct {
	connectorID string

	totalRequests      int64
	successfulRequests int64
	failedRequests     int64
	retries            int64
	authRefreshes      int64

	connectionsCreated int64
	connectionsReused  int64

	latency *metrics.LatencyTracker

	mu           sync.RWMutex
	endpoints    map[string]*endpointBucket
	errorsByType map[errors.ErrorType]int64
}

type endpointBucket struct {
	count        int64
	totalLatency time.Duration
	minLatency   time.Duration
	maxLatency   time.Duration
}

// NewHTTPMetrics creates a tracker keeping the last 1000 latency samples.
func NewHTTPMetrics(connectorID string) *HTTPMetrics {
	return &HTTPMetrics{
		connectorID:  connectorID,
		latency:      metrics.NewLatencyTracker(1000),
		endpoints:    make(map[string]*endpointBucket),
		errorsByType: make(map[errors.ErrorType]int64),
	}
}

// RecordRequest records one HTTP attempt. status is 0 when no response was
// received.
func (hm *HTTPMetrics) RecordRequest(method string, status int, latency time.Duration, err error) {
	atomic.AddInt64(&hm.totalRequests, 1)
	if err != nil {
		atomic.AddInt64(&hm.failedRequests, 1)
	} else {
		atomic.AddInt64(&hm.successfulRequests, 1)
	}
	hm.latency.Record(latency)
	metrics.ObserveRequest(hm.connectorID, method, status, latency)

	hm.mu.Lock()
	defer hm.mu.Unlock()

	b, ok := hm.endpoints[method]
	if !ok {
		b = &endpointBucket{minLatency: latency, maxLatency: latency}
		hm.endpoints[method] = b
	}
	b.count++
	b.totalLatency += latency
	if latency < b.minLatency {
		b.minLatency = latency
	}
	if latency > b.maxLatency {
		b.maxLatency = latency
	}

	if err != nil {
		errType := errors.ErrorTypeInternal
		if e, ok := errors.As(err); ok {
			errType = e.Type
		}
		hm.errorsByType[errType]++
	}
}

// RecordRetry counts an attempt beyond the first.
func (hm *HTTPMetrics) RecordRetry() {
	atomic.AddInt64(&hm.retries, 1)
	metrics.Retries.WithLabelValues(hm.connectorID).Inc()
}

// RecordAuthRefresh counts a replay after a 401.
func (hm *HTTPMetrics) RecordAuthRefresh() {
	atomic.AddInt64(&hm.authRefreshes, 1)
}

// RecordConnectionReuse tracks whether a pooled connection was reused.
func (hm *HTTPMetrics) RecordConnectionReuse(reused bool) {
	if reused {
		atomic.AddInt64(&hm.connectionsReused, 1)
	} else {
		atomic.AddInt64(&hm.connectionsCreated, 1)
	}
}

// ClientTrace returns an httptrace hook feeding RecordConnectionReuse.
func (hm *HTTPMetrics) ClientTrace() *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			hm.RecordConnectionReuse(info.Reused)
		},
	}
}

// EndpointMetrics summarises the requests of one method.
type EndpointMetrics struct {
	Method         string        `json:"method"`
	RequestCount   int64         `json:"request_count"`
	AverageLatency time.Duration `json:"average_latency"`
	MinLatency     time.Duration `json:"min_latency"`
	MaxLatency     time.Duration `json:"max_latency"`
}

// HTTPStats is a snapshot of HTTPMetrics.
type HTTPStats struct {
	TotalRequests      int64                       `json:"total_requests"`
	SuccessfulRequests int64                       `json:"successful_requests"`
	FailedRequests     int64                       `json:"failed_requests"`
	Retries            int64                       `json:"retries"`
	AuthRefreshes      int64                       `json:"auth_refreshes"`
	ConnectionReuse    float64                     `json:"connection_reuse_percent"`
	AverageLatency     time.Duration               `json:"average_latency"`
	P95Latency         time.Duration               `json:"p95_latency"`
	P99Latency         time.Duration               `json:"p99_latency"`
	Endpoints          []EndpointMetrics           `json:"endpoints"`
	ErrorsByType       map[errors.ErrorType]int64 `json:"errors_by_type"`
}

// Snapshot returns the current statistics.
func (hm *HTTPMetrics) Snapshot() HTTPStats {
	stats := HTTPStats{
		TotalRequests:      atomic.LoadInt64(&hm.totalRequests),
		SuccessfulRequests: atomic.LoadInt64(&hm.successfulRequests),
		FailedRequests:     atomic.LoadInt64(&hm.failedRequests),
		Retries:            atomic.LoadInt64(&hm.retries),
		AuthRefreshes:      atomic.LoadInt64(&hm.authRefreshes),
		AverageLatency:     hm.latency.Average(),
		P95Latency:         hm.latency.Percentile(95),
		P99Latency:         hm.latency.Percentile(99),
	}

	created := atomic.LoadInt64(&hm.connectionsCreated)
	reused := atomic.LoadInt64(&hm.connectionsReused)
	if total := created + reused; total > 0 {
		stats.ConnectionReuse = float64(reused) / float64(total) * 100
	}

	hm.mu.RLock()
	defer hm.mu.RUnlock()

	for method, b := range hm.endpoints {
		em := EndpointMetrics{
			Method:       method,
			RequestCount: b.count,
			MinLatency:   b.minLatency,
			MaxLatency:   b.maxLatency,
		}
		if b.count > 0 {
			em.AverageLatency = b.totalLatency / time.Duration(b.count)
		}
		stats.Endpoints = append(stats.Endpoints, em)
	}
	stats.ErrorsByType = make(map[errors.ErrorType]int64, len(hm.errorsByType))
	for k, v := range hm.errorsByType {
		stats.ErrorsByType[k] = v
	}
	return stats
}
