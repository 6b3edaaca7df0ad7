package clients

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/erpconnect/pkg/errors"
)

// CircuitState represents the state of a circuit breaker
type CircuitState int32

const (
	// StateClosed allows all requests to pass through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen lets trial requests test whether the upstream has recovered
	StateHalfOpen
)

// String returns closed, open or half_open.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitEventType names a breaker transition.
type CircuitEventType string

const (
	CircuitEventOpen     CircuitEventType = "open"
	CircuitEventClose    CircuitEventType = "close"
	CircuitEventHalfOpen CircuitEventType = "half_open"
	CircuitEventReset    CircuitEventType = "reset"
)

// CircuitEvent is delivered to the breaker's listener on every transition.
type CircuitEvent struct {
	Type        CircuitEventType
	State       CircuitBreakerState
	OccurredAt  time.Time
	ConnectorID string
}

// CircuitBreakerConfig is the configuration for circuit breaker
type CircuitBreakerConfig struct {
	FailureThreshold int           // failures before opening
	SuccessThreshold int           // half-open successes before closing
	Timeout          time.Duration // time spent open before checking
	// MonitoringPeriod sizes the statistics window reported by State. It does
	// not expire failures: the failure count only resets on a success or Reset.
	MonitoringPeriod time.Duration
}

// DefaultCircuitBreakerConfig returns 5 failures, 2 successes, 60s open, 120s window.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          60 * time.Second,
		MonitoringPeriod: 120 * time.Second,
	}
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	d := DefaultCircuitBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MonitoringPeriod <= 0 {
		c.MonitoringPeriod = d.MonitoringPeriod
	}
	return c
}

// CircuitBreaker implements the circuit breaker pattern for one upstream
// system. A single instance is shared by every request a connector issues.
type CircuitBreaker struct {
	config      CircuitBreakerConfig
	connectorID string
	logger      *zap.Logger
	listener    func(CircuitEvent)
	now         func() time.Time

	mu           sync.Mutex
	state        CircuitState
	failureCount int
	successCount int
	lastFailure  time.Time
	lastSuccess  time.Time
	nextAttempt  time.Time
	lastChange   time.Time

	window *SlidingWindow
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(config CircuitBreakerConfig, connectorID string, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	config = config.withDefaults()
	buckets := 12
	cb := &CircuitBreaker{
		config:      config,
		connectorID: connectorID,
		logger:      logger.With(zap.String("component", "circuit_breaker")),
		now:         time.Now,
		state:       StateClosed,
		lastChange:  time.Now(),
	}
	cb.window = NewSlidingWindow(config.MonitoringPeriod/time.Duration(buckets), config.MonitoringPeriod)
	return cb
}

// OnEvent registers the transition listener. It is called without the
// breaker's lock held.
func (cb *CircuitBreaker) OnEvent(fn func(CircuitEvent)) {
	cb.mu.Lock()
	cb.listener = fn
	cb.mu.Unlock()
}

// Execute runs fn with circuit breaker protection.
// While the circuit is open and the timeout has not elapsed it returns a
// circuit breaker error carrying the next attempt time and does not call fn.
// Every error returned by fn counts as a failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.allow(); err != nil {
		return err
	}

	if err := fn(ctx); err != nil {
		cb.RecordFailure()
		return err
	}

	cb.RecordSuccess()
	return nil
}

// allow admits a call, moving an expired open circuit to half-open.
func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	if cb.state != StateOpen {
		cb.mu.Unlock()
		return nil
	}
	now := cb.now()
	if now.Before(cb.nextAttempt) {
		next := cb.nextAttempt
		cb.mu.Unlock()
		return errors.CircuitOpen(cb.connectorID, next)
	}
	ev := cb.transitionLocked(StateHalfOpen, now)
	cb.mu.Unlock()

	cb.emit(ev)
	return nil
}

// RecordSuccess records a successful call.
// In half-open state, enough consecutive successes close the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.window.RecordRequest(true)

	cb.mu.Lock()
	now := cb.now()
	cb.lastSuccess = now

	var ev *CircuitEvent
	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			ev = cb.transitionLocked(StateClosed, now)
		}
	}
	cb.mu.Unlock()

	cb.emit(ev)
}

// RecordFailure records a failed call.
// In closed state, reaching the failure threshold opens the circuit.
// In half-open state, any failure reopens it.
func (cb *CircuitBreaker) RecordFailure() {
	cb.window.RecordRequest(false)

	cb.mu.Lock()
	now := cb.now()
	cb.lastFailure = now
	cb.failureCount++

	var ev *CircuitEvent
	switch cb.state {
	case StateClosed:
		if cb.failureCount >= cb.config.FailureThreshold {
			ev = cb.transitionLocked(StateOpen, now)
		}
	case StateHalfOpen:
		ev = cb.transitionLocked(StateOpen, now)
	}
	cb.mu.Unlock()

	cb.emit(ev)
}

// Reset closes the circuit and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	now := cb.now()
	cb.state = StateClosed
	cb.failureCount = 0
	cb.successCount = 0
	cb.nextAttempt = time.Time{}
	cb.lastChange = now
	ev := &CircuitEvent{Type: CircuitEventReset, State: cb.snapshotLocked(), OccurredAt: now, ConnectorID: cb.connectorID}
	cb.mu.Unlock()

	cb.logger.Info("circuit breaker reset")
	cb.emit(ev)
}

// transitionLocked moves to state and returns the event to emit once the
// lock is released.
func (cb *CircuitBreaker) transitionLocked(to CircuitState, now time.Time) *CircuitEvent {
	cb.state = to
	cb.lastChange = now

	var typ CircuitEventType
	switch to {
	case StateOpen:
		typ = CircuitEventOpen
		cb.successCount = 0
		cb.nextAttempt = now.Add(cb.config.Timeout)
		cb.logger.Warn("circuit breaker opened",
			zap.Time("next_attempt", cb.nextAttempt),
			zap.Int("failure_count", cb.failureCount))
	case StateHalfOpen:
		typ = CircuitEventHalfOpen
		cb.successCount = 0
		cb.logger.Info("circuit breaker half-open")
	case StateClosed:
		typ = CircuitEventClose
		cb.failureCount = 0
		cb.successCount = 0
		cb.nextAttempt = time.Time{}
		cb.logger.Info("circuit breaker closed")
	}

	return &CircuitEvent{Type: typ, State: cb.snapshotLocked(), OccurredAt: now, ConnectorID: cb.connectorID}
}

func (cb *CircuitBreaker) emit(ev *CircuitEvent) {
	if ev == nil {
		return
	}
	cb.mu.Lock()
	fn := cb.listener
	cb.mu.Unlock()
	if fn != nil {
		fn(*ev)
	}
}

// State returns the current state of the circuit breaker along with
// statistics over the monitoring period.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.snapshotLocked()
}

func (cb *CircuitBreaker) snapshotLocked() CircuitBreakerState {
	stats := cb.window.GetStats()
	return CircuitBreakerState{
		State:            cb.state.String(),
		FailureCount:     cb.failureCount,
		SuccessCount:     cb.successCount,
		LastFailure:      cb.lastFailure,
		LastSuccess:      cb.lastSuccess,
		NextAttempt:      cb.nextAttempt,
		LastStateChange:  cb.lastChange,
		WindowRequests:   stats.TotalRequests,
		WindowFailures:   stats.FailedRequests,
		FailureRate:      stats.FailureRate,
		MonitoringPeriod: cb.config.MonitoringPeriod,
	}
}

// CircuitBreakerState represents the current state and statistics of a circuit breaker
type CircuitBreakerState struct {
	State            string        `json:"state"`
	FailureCount     int           `json:"failure_count"`
	SuccessCount     int           `json:"success_count"`
	LastFailure      time.Time     `json:"last_failure,omitempty"`
	LastSuccess      time.Time     `json:"last_success,omitempty"`
	NextAttempt      time.Time     `json:"next_attempt,omitempty"`
	LastStateChange  time.Time     `json:"last_state_change"`
	WindowRequests   int64         `json:"window_requests"`
	WindowFailures   int64         `json:"window_failures"`
	FailureRate      float64       `json:"failure_rate"`
	MonitoringPeriod time.Duration `json:"monitoring_period"`
}

// SlidingWindow tracks requests and failures over a time window for
// reporting failure rates.
type SlidingWindow struct {
	buckets        []int64
	failureBuckets []int64
	bucketSize     time.Duration
	currentBucket  int
	lastUpdate     time.Time
	mu             sync.Mutex
}

// NewSlidingWindow creates a window of windowSize split into bucketSize buckets.
func NewSlidingWindow(bucketSize, windowSize time.Duration) *SlidingWindow {
	if bucketSize <= 0 {
		bucketSize = time.Second
	}
	numBuckets := int(windowSize / bucketSize)
	if numBuckets < 1 {
		numBuckets = 1
	}
	return &SlidingWindow{
		buckets:        make([]int64, numBuckets),
		failureBuckets: make([]int64, numBuckets),
		bucketSize:     bucketSize,
		lastUpdate:     time.Now(),
	}
}

// RecordRequest records a request result in the current bucket.
func (sw *SlidingWindow) RecordRequest(success bool) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.advance()
	sw.buckets[sw.currentBucket]++
	if !success {
		sw.failureBuckets[sw.currentBucket]++
	}
}

// advance rotates out buckets older than the window.
func (sw *SlidingWindow) advance() {
	elapsed := time.Since(sw.lastUpdate)
	if elapsed < sw.bucketSize {
		return
	}

	steps := int(elapsed / sw.bucketSize)
	if steps > len(sw.buckets) {
		steps = len(sw.buckets)
	}
	for i := 0; i < steps; i++ {
		sw.currentBucket = (sw.currentBucket + 1) % len(sw.buckets)
		sw.buckets[sw.currentBucket] = 0
		sw.failureBuckets[sw.currentBucket] = 0
	}
	sw.lastUpdate = sw.lastUpdate.Add(time.Duration(int(elapsed/sw.bucketSize)) * sw.bucketSize)
}

// GetStats returns totals and the failure rate across the window.
func (sw *SlidingWindow) GetStats() WindowStats {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.advance()
	var total, failed int64
	for i := range sw.buckets {
		total += sw.buckets[i]
		failed += sw.failureBuckets[i]
	}

	rate := float64(0)
	if total > 0 {
		rate = float64(failed) / float64(total)
	}
	return WindowStats{TotalRequests: total, FailedRequests: failed, FailureRate: rate}
}

// WindowStats represents statistics collected over a sliding time window
type WindowStats struct {
	TotalRequests  int64   `json:"total_requests"`
	FailedRequests int64   `json:"failed_requests"`
	FailureRate    float64 `json:"failure_rate"`
}
