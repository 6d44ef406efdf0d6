// Copyright 2017 Aleksey Blinov. All rights reserved.

package eventhttp

import (
	"sync"
	"time"
)

// bucket is a named token bucket with a concurrency counter and adaptive
// 429 backoff, grounded on original_source/src/rate_manager.c.
type bucket struct {
	maxConcurrent int
	maxRPS        float64

	tokens     float64
	lastRefill time.Time

	currentRequests int
	hpWaiting       int

	backoffSeconds int
	lastSuccess    time.Time
}

// RateManager is a per-key token bucket registry with high-priority
// preemption and adaptive 429 backoff. All operations are guarded by a
// single mutex and are safe to call from any goroutine, though in practice
// they are only ever called from the loop thread (see spec.md §5).
type RateManager struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewRateManager constructs an empty rate manager. Unlike the original's
// process-wide atexit-destroyed singleton (spec.md §9 flags this as
// undesirable), a RateManager is an explicit service object passed to
// NewLoop.
func NewRateManager() *RateManager {
	return &RateManager{buckets: make(map[string]*bucket)}
}

// SetLimit creates or replaces the bucket for key, resetting its token
// count to maxRPS and its backoff to 1 second.
func (m *RateManager) SetLimit(key string, maxConcurrent int, maxRPS float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.buckets[key] = &bucket{
		maxConcurrent:  maxConcurrent,
		maxRPS:         maxRPS,
		tokens:         maxRPS,
		lastRefill:     now,
		lastSuccess:    now,
		backoffSeconds: 1,
	}
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.maxRPS
		if b.tokens > b.maxRPS {
			b.tokens = b.maxRPS
		}
	}
	b.lastRefill = now
}

func waitFor(b *bucket) time.Duration {
	if b.maxRPS <= 0 {
		return 0
	}
	need := 1.0 - b.tokens
	if need <= 0 {
		// A token is available but held back for a waiting high-priority
		// request: wait one refill interval.
		need = 1.0
	}
	return time.Duration(need / b.maxRPS * float64(time.Second))
}

// CanProceed is a pure query (aside from the HP waiter bookkeeping spec.md
// §9 flags as a known overcounting risk) returning how long the caller
// would have to wait before a token is available. Absent key is a no-op
// returning 0.
func (m *RateManager) CanProceed(key string, highPriority bool) time.Duration {
	if key == "" {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[key]
	if !ok {
		return 0
	}
	b.refill(time.Now())

	if highPriority {
		if b.tokens >= 1 {
			return 0
		}
		b.hpWaiting++
		return waitFor(b)
	}

	if b.tokens >= 1 && b.hpWaiting == 0 {
		return 0
	}
	return waitFor(b)
}

// StartRequest attempts to consume one token. A zero return means the
// request may proceed immediately and current_requests has been
// incremented; any other value is the duration the caller must wait before
// retrying. While a high-priority waiter is registered, normal requests
// wait even if a token is available. Absent key is a no-op returning 0; a
// bucket with maxRPS <= 0 is not throttled and returns 0 without counting
// the request.
func (m *RateManager) StartRequest(key string, highPriority bool) time.Duration {
	if key == "" {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[key]
	if !ok {
		return 0
	}
	b.refill(time.Now())

	if highPriority || (b.hpWaiting == 0 && b.tokens >= 1) {
		if b.tokens >= 1 {
			b.tokens -= 1.0
			b.currentRequests++
			if highPriority && b.hpWaiting > 0 {
				b.hpWaiting--
			}
			return 0
		}
	}
	return waitFor(b)
}

// RequestDone decrements the concurrency counter, stamps last-success, and
// resets backoff to 1 second. Absent key is a no-op.
func (m *RateManager) RequestDone(key string) {
	if key == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[key]
	if !ok {
		return
	}
	if b.currentRequests > 0 {
		b.currentRequests--
	}
	b.lastSuccess = time.Now()
	b.backoffSeconds = 1
}

// Handle429 decrements the concurrency counter and returns the number of
// seconds the caller should wait before retrying, doubling the backoff
// (capped at 60s) unless a success was seen in the last 2 seconds, in
// which case backoff resets to 1. Absent key is a no-op returning 0.
func (m *RateManager) Handle429(key string) int {
	if key == "" {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[key]
	if !ok {
		return 0
	}
	if b.currentRequests > 0 {
		b.currentRequests--
	}
	now := time.Now()
	if now.Sub(b.lastSuccess) < 2*time.Second {
		b.backoffSeconds = 1
	} else {
		b.backoffSeconds *= 2
		if b.backoffSeconds > 60 {
			b.backoffSeconds = 60
		}
	}
	return b.backoffSeconds
}

// Destroy releases all buckets. There is no global registry to tear down
// (spec.md §9 singled this out as undesirable in the original), so this
// only exists for symmetry with the public API surface named in spec.md §6.
func (m *RateManager) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets = make(map[string]*bucket)
}
