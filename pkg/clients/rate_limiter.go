package clients

import (
	"container/list"
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/erpconnect/pkg/errors"
)

// RateLimiter defines admission control for outgoing requests.
type RateLimiter interface {
	// Acquire blocks until a token is granted or ctx is done
	Acquire(ctx context.Context) error

	// TryAcquire takes a token if one is available right now
	TryAcquire() bool

	// AcquireOrError takes a token or returns a rate limit error with RetryAfter
	AcquireOrError() error

	// Reset refills the bucket and releases every waiter
	Reset()

	// Stats returns rate limiter statistics
	Stats() RateLimiterStats
}

// RateLimiterStats provides statistics about rate limiter state for
// monitoring and debugging.
type RateLimiterStats struct {
	MaxRequests      int           `json:"max_requests"`
	Window           time.Duration `json:"window"`
	CurrentTokens    float64       `json:"current_tokens"`
	QueueLength      int           `json:"queue_length"`
	AllowedRequests  int64         `json:"allowed_requests"`
	QueuedRequests   int64         `json:"queued_requests"`
	RejectedRequests int64         `json:"rejected_requests"`
	LastRefill       time.Time     `json:"last_refill"`
	AverageWaitTime  time.Duration `json:"average_wait_time"`
}

type waiter struct {
	ch       chan error
	done     bool
	enqueued time.Time
}

// TokenBucketRateLimiter admits MaxRequests per Window. Tokens refill in
// whole units, floor(elapsed/window*max) at a time, and requests that find
// the bucket empty wait in a FIFO queue served by a single goroutine.
type TokenBucketRateLimiter struct {
	maxRequests int
	window      time.Duration
	connectorID string
	logger      *zap.Logger
	onLimited   func()
	now         func() time.Time

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	queue      *list.List
	processing bool
	wake       chan struct{}

	allowed   int64
	queued    int64
	rejected  int64
	waitTotal time.Duration
	waitCount int64
}

// NewTokenBucketRateLimiter creates a full bucket of maxRequests tokens that
// refills over window.
func NewTokenBucketRateLimiter(maxRequests int, window time.Duration, connectorID string, logger *zap.Logger) *TokenBucketRateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxRequests < 1 {
		maxRequests = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &TokenBucketRateLimiter{
		maxRequests: maxRequests,
		window:      window,
		connectorID: connectorID,
		logger:      logger.With(zap.String("component", "rate_limiter")),
		now:         time.Now,
		tokens:      float64(maxRequests),
		lastRefill:  time.Now(),
		queue:       list.New(),
		wake:        make(chan struct{}, 1),
	}
}

// OnLimited registers a hook called whenever a request cannot be admitted
// immediately.
func (tb *TokenBucketRateLimiter) OnLimited(fn func()) {
	tb.mu.Lock()
	tb.onLimited = fn
	tb.mu.Unlock()
}

// Acquire takes a token, waiting in FIFO order behind earlier callers when
// the bucket is empty. It only fails when ctx is done or Reset releases the
// queue.
func (tb *TokenBucketRateLimiter) Acquire(ctx context.Context) error {
	tb.mu.Lock()
	tb.refillLocked()
	if tb.queue.Len() == 0 && tb.tokens >= 1 {
		tb.tokens--
		tb.allowed++
		tb.mu.Unlock()
		return nil
	}

	w := &waiter{ch: make(chan error, 1), enqueued: tb.now()}
	elem := tb.queue.PushBack(w)
	tb.queued++
	if !tb.processing {
		tb.processing = true
		go tb.processQueue()
	}
	hook := tb.onLimited
	tb.mu.Unlock()

	if hook != nil {
		hook()
	}
	tb.logger.Debug("request queued by rate limiter", zap.String("connector_id", tb.connectorID))

	select {
	case err := <-w.ch:
		return err
	case <-ctx.Done():
		tb.mu.Lock()
		if w.done {
			tb.mu.Unlock()
			return <-w.ch
		}
		w.done = true
		tb.queue.Remove(elem)
		tb.mu.Unlock()
		return ctx.Err()
	}
}

// TryAcquire takes a token if one is available and nobody is queued.
func (tb *TokenBucketRateLimiter) TryAcquire() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refillLocked()
	if tb.queue.Len() == 0 && tb.tokens >= 1 {
		tb.tokens--
		tb.allowed++
		return true
	}
	tb.rejected++
	return false
}

// AcquireOrError takes a token or returns a rate limit error whose RetryAfter
// is the time until the next token, rounded up to whole seconds.
func (tb *TokenBucketRateLimiter) AcquireOrError() error {
	tb.mu.Lock()
	tb.refillLocked()
	if tb.queue.Len() == 0 && tb.tokens >= 1 {
		tb.tokens--
		tb.allowed++
		tb.mu.Unlock()
		return nil
	}
	tb.rejected++
	retryAfter := tb.untilNextTokenLocked()
	hook := tb.onLimited
	tb.mu.Unlock()

	if hook != nil {
		hook()
	}
	return errors.RateLimit(tb.connectorID, retryAfter)
}

// Reset restores a full bucket and empties the queue. Released waiters get a
// rate limit error with reason reset.
func (tb *TokenBucketRateLimiter) Reset() {
	tb.mu.Lock()
	tb.tokens = float64(tb.maxRequests)
	tb.lastRefill = tb.now()
	released := 0
	for e := tb.queue.Front(); e != nil; e = e.Next() {
		w := e.Value.(*waiter)
		w.done = true
		w.ch <- errors.RateLimit(tb.connectorID, 0).WithReason(errors.ReasonLimiterReset)
		released++
	}
	tb.queue.Init()
	tb.mu.Unlock()

	select {
	case tb.wake <- struct{}{}:
	default:
	}
	tb.logger.Info("rate limiter reset", zap.Int("released_waiters", released))
}

// processQueue serves waiters in order, sleeping until the next token
// whenever the bucket is empty. It exits once the queue drains.
func (tb *TokenBucketRateLimiter) processQueue() {
	for {
		tb.mu.Lock()
		tb.refillLocked()
		for tb.tokens >= 1 && tb.queue.Len() > 0 {
			w := tb.queue.Remove(tb.queue.Front()).(*waiter)
			w.done = true
			tb.tokens--
			tb.allowed++
			tb.waitTotal += tb.now().Sub(w.enqueued)
			tb.waitCount++
			w.ch <- nil
		}
		if tb.queue.Len() == 0 {
			tb.processing = false
			tb.mu.Unlock()
			return
		}
		sleep := tb.untilNextTokenLocked()
		tb.mu.Unlock()

		timer := time.NewTimer(sleep)
		select {
		case <-timer.C:
		case <-tb.wake:
			timer.Stop()
		}
	}
}

// refillLocked adds whole tokens for the time elapsed since the last refill.
// lastRefill only moves when at least one token is added.
func (tb *TokenBucketRateLimiter) refillLocked() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill)
	toAdd := math.Floor(float64(elapsed) * float64(tb.maxRequests) / float64(tb.window))
	if toAdd <= 0 {
		return
	}
	tb.tokens = math.Min(float64(tb.maxRequests), tb.tokens+toAdd)
	tb.lastRefill = now
}

// untilNextTokenLocked returns how long until refill yields one more token.
func (tb *TokenBucketRateLimiter) untilNextTokenLocked() time.Duration {
	perToken := time.Duration(math.Ceil(float64(tb.window) / float64(tb.maxRequests)))
	wait := perToken - tb.now().Sub(tb.lastRefill)
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

// Stats returns a snapshot of the limiter.
func (tb *TokenBucketRateLimiter) Stats() RateLimiterStats {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refillLocked()
	var avg time.Duration
	if tb.waitCount > 0 {
		avg = tb.waitTotal / time.Duration(tb.waitCount)
	}
	return RateLimiterStats{
		MaxRequests:      tb.maxRequests,
		Window:           tb.window,
		CurrentTokens:    tb.tokens,
		QueueLength:      tb.queue.Len(),
		AllowedRequests:  tb.allowed,
		QueuedRequests:   tb.queued,
		RejectedRequests: tb.rejected,
		LastRefill:       tb.lastRefill,
		AverageWaitTime:  avg,
	}
}
