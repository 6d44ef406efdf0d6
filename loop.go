// Copyright 2017 Aleksey Blinov. All rights reserved.

package eventhttp

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// RequestHandle is the opaque identity returned by Submit/Inject, used to
// Cancel a request later. It is safe to hold and call Cancel from any
// goroutine.
type RequestHandle struct {
	lr *loopRequest
}

// Loop is the single-threaded cooperative scheduler: one goroutine runs
// Run's tick loop, while Submit/Cancel/the Registry's *Async methods may
// be called from any goroutine. Grounded on
// original_source/src/curl_event_loop.c's curl_event_loop_t and its
// init/inject/cancel/submit/run/destroy operations, restructured around
// Go channels and goroutines in place of libuv/poll.
type Loop struct {
	resources *Registry
	rates     *RateManager
	transport Transport
	metrics   *Metrics

	queued      *timeline
	inactive    *timeline
	refresh     *timeline
	rateLimited *timeline

	submitMu     sync.Mutex
	pendingHead  *loopRequest
	pendingTail  *loopRequest
	cancelHead   *loopRequest

	inFlight map[*loopRequest]bool

	completions chan completionEvent
	wakeCh      chan struct{}
	stopCh      chan struct{}
	stopOnce    sync.Once

	rng *rand.Rand

	// OnLoop, if set, is called once per tick, after cross-thread resource
	// ops, submissions and cancellations have been applied and before
	// promotion and starts, mirroring curl_event_loop_run's on_loop hook.
	OnLoop func()

	now func() time.Time

	// counters back GetMetrics, grounded on loop_get_metrics's
	// {total, completed, failed, retried} struct. They are tracked
	// independently of the optional Prometheus Metrics (SetMetrics) so
	// GetMetrics always answers even when no collector is attached.
	totalSubmitted int64
	totalCompleted int64
	totalFailed    int64
	totalRetried   int64
}

// LoopMetrics is the point-in-time snapshot GetMetrics returns, grounded
// on loop_get_metrics's {total, completed, failed, retried} struct.
type LoopMetrics struct {
	Total     int64
	Completed int64
	Failed    int64
	Retried   int64
}

// GetMetrics returns a snapshot of the loop's request counters. Safe from
// any goroutine.
func (l *Loop) GetMetrics() LoopMetrics {
	return LoopMetrics{
		Total:     atomic.LoadInt64(&l.totalSubmitted),
		Completed: atomic.LoadInt64(&l.totalCompleted),
		Failed:    atomic.LoadInt64(&l.totalFailed),
		Retried:   atomic.LoadInt64(&l.totalRetried),
	}
}

type completionEvent struct {
	lr     *loopRequest
	result attemptResult
}

// NewLoop builds a Loop around the given transport and rate manager. A nil
// rates creates a private RateManager with no configured buckets (every
// rate-limit key is then treated as unthrottled).
func NewLoop(transport Transport, rates *RateManager) *Loop {
	if rates == nil {
		rates = NewRateManager()
	}
	l := &Loop{
		rates:       rates,
		transport:   transport,
		queued:      newTimeline(),
		inactive:    newTimeline(),
		refresh:     newTimeline(),
		rateLimited: newTimeline(),
		inFlight:    make(map[*loopRequest]bool),
		completions: make(chan completionEvent, 256),
		wakeCh:      make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		rng:         rand.New(rand.NewSource(1)),
		now:         time.Now,
	}
	l.resources = newRegistry(l.wake)
	l.resources.onPublish = l.dispatchPublish
	return l
}

// SetMetrics attaches a Metrics set the loop will update as requests move
// between states.
func (l *Loop) SetMetrics(m *Metrics) { l.metrics = m }

// Resources returns the loop's resource registry.
func (l *Loop) Resources() *Registry { return l.resources }

func (l *Loop) wake() {
	select {
	case l.wakeCh <- struct{}{}:
	default:
	}
}

// Submit enqueues req for scheduling. Safe from any goroutine.
// Grounded on curl_event_loop_submit: priority biases the request's
// initial next_retry_at backwards in time (higher priority runs sooner).
func (l *Loop) Submit(req *Request) *RequestHandle {
	atomic.AddInt64(&l.totalSubmitted, 1)
	if l.metrics != nil {
		l.metrics.Total.Inc()
	}
	now := l.now()
	req.firstSubmittedAt = now
	req.nextRetryAt = now.UnixNano() - int64(req.Priority*float64(time.Second))
	wireSinkDefaults(req)

	lr := &loopRequest{request: req, owner: l}

	l.submitMu.Lock()
	lr.nextPending = nil
	if l.pendingTail == nil {
		l.pendingHead, l.pendingTail = lr, lr
	} else {
		l.pendingTail.nextPending = lr
		l.pendingTail = lr
	}
	l.submitMu.Unlock()
	l.wake()
	return &RequestHandle{lr: lr}
}

// Inject submits req bypassing the normal dependency gating, for urgent
// out-of-band work: the request goes straight to the ready queue even if a
// dependency is unpublished. It is still subject to its rate-limit bucket
// like any other request. Grounded on curl_event_loop_inject.
func (l *Loop) Inject(req *Request) *RequestHandle {
	h := l.Submit(req)
	h.lr.isInjected = true
	return h
}

// Cancel marks h's request cancelled. Idempotent: cancelling an
// already-cancelled or already-completed handle is a no-op. Safe from any
// goroutine. Grounded on curl_event_loop_cancel's next_cancelled guard.
func (h *RequestHandle) Cancel() {
	l := h.lr.owner
	l.submitMu.Lock()
	defer l.submitMu.Unlock()
	if h.lr.isCancelled {
		return
	}
	h.lr.isCancelled = true
	h.lr.nextCancelled = l.cancelHead
	l.cancelHead = h.lr
	l.wake()
}

// Stop makes Run return at its next check, whether or not the loop is
// idle; requests still pending or in flight are left as they are. Safe
// from any goroutine.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wake()
}

// drainCrossThread moves the mutex-protected pending-submit and
// pending-cancel lists onto the loop's own data structures, and applies
// any resource-registry inbox ops. Loop-thread only. Grounded on the
// first step of curl_event_loop_run.
func (l *Loop) drainCrossThread() {
	l.resources.applyInbox()

	l.submitMu.Lock()
	submitted := l.pendingHead
	l.pendingHead, l.pendingTail = nil, nil
	cancelled := l.cancelHead
	l.cancelHead = nil
	l.submitMu.Unlock()

	for lr := submitted; lr != nil; {
		next := lr.nextPending
		lr.nextPending = nil
		l.admit(lr)
		lr = next
	}
	for lr := cancelled; lr != nil; {
		next := lr.nextCancelled
		lr.nextCancelled = nil
		l.finish(lr, nil)
		lr = next
	}
}

// admit places a freshly submitted request into the resource registry's
// waiter FIFO (if it has unresolved dependencies — the BLOCKED state,
// which is event-driven and carries no deadline, so it is not a member of
// any timeline) or queued (otherwise), mirroring enqueue_request's
// blocked-vs-queued routing, with deps retained on first touch
// (process_cancelled_and_pending_requests). admit is also how a request
// a publish just unblocked is reconsidered: checkAndBlockList resumes
// checking at whichever dep follows the one that just settled.
func (l *Loop) admit(lr *loopRequest) {
	l.resources.retainRequestDeps(lr)
	if lr.isInjected {
		l.queued.insert(lr)
		return
	}
	if blocked, on := l.resources.checkAndBlockList(lr.request.Deps, lr); blocked {
		lr.isPending = true
		lr.blockedOn = []ResourceID{on}
		return
	}
	lr.blockedOn = nil
	l.queued.insert(lr)
}

// promote moves requests whose time has come from rate_limited, then
// refresh, then inactive into queued, in that priority order, matching
// move_inactive_requests_to_queue. Requests land in these three timelines
// only once their dependencies are already resolved (BLOCKED requests
// live solely in the resource registry's waiter FIFO and are re-admitted
// by dispatchPublish, not by promote), so no dependency recheck is needed
// here.
func (l *Loop) promote(now int64) {
	l.rateLimited.drainReady(now, func(lr *loopRequest) {
		l.queued.insert(lr)
	})
	l.refresh.drainReady(now, func(lr *loopRequest) {
		lr.request.currentRetries = 0
		l.queued.insert(lr)
	})
	l.inactive.drainReady(now, func(lr *loopRequest) {
		l.queued.insert(lr)
	})
}

// startReady pulls ready requests off queued and starts a transport
// attempt for each, subject to its rate-limit bucket. Grounded on the
// "perform" step of curl_event_loop_run / curl_event_loop_request_start's
// rate-check-first ordering.
func (l *Loop) startReady(now int64) {
	for {
		lr := l.queued.first()
		if lr == nil || lr.request.nextRetryAt > now {
			return
		}
		l.queued.remove(lr)

		req := lr.request
		if wait := l.rates.StartRequest(req.RateLimitKey, req.HighPriority); wait > 0 {
			req.nextRetryAt = now + int64(wait)
			l.rateLimited.insert(lr)
			if l.metrics != nil {
				l.metrics.RateLimitWaits.Inc()
			}
			logTrace(0, req.CorrelationID, "deferred by rate limit key %q for %s", req.RateLimitKey, time.Duration(wait))
			continue
		}
		l.startAttempt(lr)
	}
}

func (l *Loop) startAttempt(lr *loopRequest) {
	req := lr.request
	if req.OnPrepare != nil {
		if err := req.OnPrepare(req); err != nil {
			logWarn(req.CorrelationID, "on_prepare refused request: %v", err)
			l.completions <- completionEvent{lr: lr, result: attemptResult{err: &PrepareRefusedError{}}}
			return
		}
	}
	req.requestStartedAt = l.now()
	req.bytesDownloaded = 0
	req.contentLengthFound = false
	req.sinkInitialized = false

	l.inFlight[lr] = true
	if l.metrics != nil {
		l.metrics.InFlight.Inc()
	}

	onHeader := func(status int, contentLength int64) {
		req.lastAttemptHTTPCode = status
		if contentLength >= 0 {
			req.contentLength = contentLength
			req.contentLengthFound = true
		}
	}
	onWrite := func(p []byte) (int, error) {
		n, err := req.onWrite(p, req)
		req.bytesDownloaded += int64(n)
		return n, err
	}
	done := func(res attemptResult) {
		l.completions <- completionEvent{lr: lr, result: res}
		l.wake()
	}
	lr.handle = l.transport.Start(context.Background(), req, onHeader, onWrite, done)
}

// processCompletions drains every finished attempt currently buffered in
// the completions channel without blocking. Grounded on
// process_completed_requests.
func (l *Loop) processCompletions() {
	for {
		select {
		case ev := <-l.completions:
			l.handleCompletion(ev)
		default:
			return
		}
	}
}

func (l *Loop) handleCompletion(ev completionEvent) {
	lr := ev.lr
	req := lr.request
	if _, ok := l.inFlight[lr]; ok {
		delete(l.inFlight, lr)
		if l.metrics != nil {
			l.metrics.InFlight.Dec()
		}
	}

	if lr.isCancelled {
		l.finish(lr, nil)
		return
	}
	if lr.finished {
		return
	}

	status := ev.result.status
	err := ev.result.err

	if err == nil && status == http429 {
		backoffSec := l.rates.Handle429(req.RateLimitKey)
		req.nextRetryAt = l.now().UnixNano() + int64(backoffSec)*int64(time.Second)
		l.rateLimited.insert(lr)
		logInfo(req.CorrelationID, "429 from rate limit key %q, backing off %ds", req.RateLimitKey, backoffSec)
		return
	}

	l.rates.RequestDone(req.RateLimitKey)

	if _, refused := err.(*PrepareRefusedError); refused {
		// Prepare refused: destroyed without any completion callback and
		// without counting a retry (spec.md §7 — distinct from a
		// dependency failure, which does call OnFailure).
		atomic.AddInt64(&l.totalFailed, 1)
		if l.metrics != nil {
			l.metrics.Failed.Inc()
		}
		l.finish(lr, nil)
		return
	}

	var decision RetryDecision
	if err != nil {
		decision = req.onFailure(err, 0, req)
	} else if status >= 200 && status < 300 {
		decision = req.onComplete(req)
	} else {
		decision = req.onFailure(&HTTPError{Status: status}, status, req)
	}

	l.applyDecision(lr, decision, err, status, false)
}

const http429 = 429

// applyDecision dispatches a RetryDecision, resolving AskRetry through
// OnRetry (or the default jittered policy installed by EnableRetries) and
// routing the final outcome to completion, refresh, or rescheduling.
// askedOnce prevents OnRetry's own AskRetry from recursing forever: an
// AskRetry returned from within OnRetry resolution is treated as Terminal.
// retried_requests (P9) is incremented only for a RetryIn that came out of
// this AskRetry resolution, never for a RetryIn returned directly by
// OnComplete/OnFailure (spec.md §4.E's "positive return does not count as
// a retry").
func (l *Loop) applyDecision(lr *loopRequest, decision RetryDecision, err error, status int, askedOnce bool) {
	req := lr.request
	viaRetryHandler := false

	if decision.kind == retryAskHandler {
		viaRetryHandler = true
		if askedOnce {
			decision = Terminal()
		} else if req.OnRetry != nil {
			decision = req.OnRetry(req, err, status)
			if decision.kind == retryAskHandler {
				decision = Terminal()
			}
		} else {
			decision = l.defaultRetryDecision(req, err, status)
		}
	}

	switch decision.kind {
	case retryAfterDuration:
		if viaRetryHandler {
			atomic.AddInt64(&l.totalRetried, 1)
			if l.metrics != nil {
				l.metrics.Retried.Inc()
			}
		}
		req.nextRetryAt = l.now().UnixNano() + int64(decision.after)
		if req.RateLimitKey != "" {
			l.rateLimited.insert(lr)
		} else {
			l.inactive.insert(lr)
		}
	case retryTerminal:
		success := err == nil && status >= 200 && status < 300
		if success {
			atomic.AddInt64(&l.totalCompleted, 1)
			if l.metrics != nil {
				l.metrics.Completed.Inc()
			}
			if req.OnComplete == nil {
				notifySinkTerminal(req, true, nil, status)
			}
			if req.RefreshInterval > 0 {
				req.currentRetries = 0
				req.nextRetryAt = l.now().UnixNano() + int64(req.RefreshInterval)
				l.refresh.insert(lr)
				return
			}
		} else {
			atomic.AddInt64(&l.totalFailed, 1)
			if l.metrics != nil {
				l.metrics.Failed.Inc()
			}
			if req.usesDefaultFailureHook {
				notifySinkTerminal(req, false, err, status)
			}
		}
		l.finish(lr, nil)
	default:
		l.finish(lr, nil)
	}
}

// defaultRetryDecision implements default_calculate_retry_enhanced: retry
// with jittered exponential backoff while under MaxRetries and the failure
// is retryable (any transport error, or a status isRetryableStatus
// accepts), else terminal.
func (l *Loop) defaultRetryDecision(req *Request, err error, status int) RetryDecision {
	if req.MaxRetries <= 0 || req.currentRetries >= req.MaxRetries {
		return Terminal()
	}
	if err == nil && !req.isRetryableStatus(status) {
		return Terminal()
	}
	req.currentRetries++
	return RetryIn(req.computeBackoff(l.rng))
}

// finish releases a request's dependency retentions and destroys its
// sink. If lr is still sitting in a resource's waiter FIFO (the BLOCKED
// state, e.g. a request cancelled before its dependency ever published),
// it is first removed from there so a later publish cannot dispatch it a
// second time. The loopRequest itself is simply dropped; Go's GC reclaims
// it.
func (l *Loop) finish(lr *loopRequest, _ error) {
	if lr.finished {
		return
	}
	lr.finished = true
	if lr.isPending && len(lr.blockedOn) > 0 {
		l.resources.unblockRequest(lr.blockedOn[0], lr)
	}
	lr.isPending = false
	lr.blockedOn = nil
	if _, ok := l.inFlight[lr]; ok {
		delete(l.inFlight, lr)
		if l.metrics != nil {
			l.metrics.InFlight.Dec()
		}
	}
	l.resources.releaseRequestDeps(lr)
	if lr.request.sink != nil {
		lr.request.sink.Destroy()
	}
	if lr.handle != nil {
		lr.handle.Cancel()
	}
}

// idle reports whether the loop has nothing pending and nothing
// in-flight, the condition on which Run returns by itself.
func (l *Loop) idle() bool {
	l.submitMu.Lock()
	hasPending := l.pendingHead != nil || l.cancelHead != nil
	l.submitMu.Unlock()
	return !hasPending &&
		l.queued.len() == 0 && l.inactive.len() == 0 &&
		l.refresh.len() == 0 && l.rateLimited.len() == 0 &&
		len(l.inFlight) == 0 && !l.resources.hasWaiters()
}

// reportQueueGauges refreshes the optional Metrics set's per-state gauges
// from the timelines' current sizes, once per tick. A nil Metrics (the
// common case in tests and for callers relying only on GetMetrics) makes
// this a no-op.
func (l *Loop) reportQueueGauges() {
	if l.metrics == nil {
		return
	}
	l.metrics.Queued.Set(float64(l.queued.len()))
	l.metrics.Inactive.Set(float64(l.inactive.len()))
	l.metrics.RateLimited.Set(float64(l.rateLimited.len()))
	l.metrics.Refresh.Set(float64(l.refresh.len()))
}

// nextDeadline returns the earliest next_retry_at across every timeline,
// or zero if nothing is scheduled, mirroring
// calculate_next_timer_expiry.
func (l *Loop) nextDeadline() (int64, bool) {
	best := int64(0)
	found := false
	for _, t := range []*timeline{l.queued, l.inactive, l.refresh, l.rateLimited} {
		if lr := t.first(); lr != nil {
			if !found || lr.request.nextRetryAt < best {
				best = lr.request.nextRetryAt
				found = true
			}
		}
	}
	return best, found
}

// Run executes the scheduler's tick loop until it goes idle (no active
// transfers, nothing pending/inactive/refresh/rate-limited) or ctx is
// cancelled. Stop is a separate, optional early-exit signal, not a
// prerequisite for the idle exit. Grounded on curl_event_loop_run's
// nine-step tick: drain inbox, on_loop hook, process cancelled/pending,
// promote ready sets, perform, process completions, drain again, check
// exit unconditionally once still_running==0 and every map is empty
// (curl_event_loop_stop only short-circuits that check early), wait.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-l.stopCh:
			return nil
		default:
		}

		l.drainCrossThread()
		if l.OnLoop != nil {
			l.OnLoop()
		}

		now := l.now().UnixNano()
		l.promote(now)
		l.startReady(now)
		l.processCompletions()
		l.drainCrossThread()
		l.reportQueueGauges()

		if l.idle() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stopCh:
			return nil
		case <-l.wakeCh:
			continue
		case ev := <-l.completions:
			l.handleCompletion(ev)
			continue
		default:
		}

		deadline, ok := l.nextDeadline()
		var timer *time.Timer
		var timerCh <-chan time.Time
		if ok {
			d := time.Duration(deadline - l.now().UnixNano())
			if d < 0 {
				d = 0
			}
			timer = time.NewTimer(d)
			timerCh = timer.C
		} else {
			timer = time.NewTimer(time.Second)
			timerCh = timer.C
		}
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-l.stopCh:
			timer.Stop()
			return nil
		case <-l.wakeCh:
		case ev := <-l.completions:
			l.handleCompletion(ev)
		case <-timerCh:
		}
		timer.Stop()
	}
}

// Close tears down the loop's resource registry and transport. Call after
// Run has returned.
func (l *Loop) Close() error {
	for _, lr := range l.resources.destroyAll() {
		var on ResourceID
		if len(lr.blockedOn) > 0 {
			on = lr.blockedOn[0]
		}
		l.failDependent(lr, on)
	}
	return l.transport.Close()
}
