package base

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Health status values.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
	HealthUnknown   = "unknown"
)

// unhealthyAfter is the number of consecutive failed checks that turn a
// degraded connector unhealthy.
const unhealthyAfter = 3

// HealthStatus is the latest result of periodic health checks.
type HealthStatus struct {
	Status              string        `json:"status"`
	Timestamp           time.Time     `json:"timestamp"`
	ResponseTime        time.Duration `json:"response_time"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	CheckCount          int64         `json:"check_count"`
	FailureCount        int64         `json:"failure_count"`
	LastError           string        `json:"last_error,omitempty"`
}

// HealthChecker checks a connected system periodically.
type HealthChecker struct {
	interval  time.Duration
	checkFunc func(ctx context.Context) TestResult
	logger    *zap.Logger

	statusMutex      sync.RWMutex
	status           HealthStatus
	consecutiveFails int

	checkCount   int64
	failureCount int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewHealthChecker creates a checker running check every interval.
func NewHealthChecker(interval time.Duration, check func(ctx context.Context) TestResult, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthChecker{
		interval:  interval,
		checkFunc: check,
		logger:    logger.With(zap.String("component", "health_checker")),
		status:    HealthStatus{Status: HealthUnknown, Timestamp: time.Now()},
	}
}

// Start begins periodic checks. The first check runs after one interval
// because connecting has just checked the system.
func (hc *HealthChecker) Start(ctx context.Context) {
	hc.stopCh = make(chan struct{})
	hc.wg.Add(1)
	go func() {
		defer hc.wg.Done()
		ticker := time.NewTicker(hc.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-hc.stopCh:
				return
			case <-ticker.C:
				hc.Check(ctx)
			}
		}
	}()
}

// Stop stops the checker and waits for a running check to finish.
func (hc *HealthChecker) Stop() {
	if hc.stopCh == nil {
		return
	}
	close(hc.stopCh)
	hc.wg.Wait()
	hc.stopCh = nil
}

// Check runs one check and updates the status.
func (hc *HealthChecker) Check(ctx context.Context) HealthStatus {
	atomic.AddInt64(&hc.checkCount, 1)
	res := hc.checkFunc(ctx)

	hc.statusMutex.Lock()
	defer hc.statusMutex.Unlock()

	hc.status.Timestamp = time.Now()
	hc.status.ResponseTime = res.ResponseTime

	if !res.Success {
		atomic.AddInt64(&hc.failureCount, 1)
		hc.consecutiveFails++
		if hc.consecutiveFails >= unhealthyAfter {
			hc.status.Status = HealthUnhealthy
		} else {
			hc.status.Status = HealthDegraded
		}
		hc.status.LastError = res.Message

		hc.logger.Warn("health check failed",
			zap.String("status", hc.status.Status),
			zap.String("error", res.Message),
			zap.Int("consecutive_failures", hc.consecutiveFails))
	} else {
		hc.consecutiveFails = 0
		hc.status.Status = HealthHealthy
		hc.status.LastError = ""
		hc.logger.Debug("health check passed", zap.Duration("response_time", res.ResponseTime))
	}

	hc.status.ConsecutiveFailures = hc.consecutiveFails
	hc.status.CheckCount = atomic.LoadInt64(&hc.checkCount)
	hc.status.FailureCount = atomic.LoadInt64(&hc.failureCount)
	return hc.status
}

// Status returns the latest health status.
func (hc *HealthChecker) Status() HealthStatus {
	hc.statusMutex.RLock()
	defer hc.statusMutex.RUnlock()
	return hc.status
}
