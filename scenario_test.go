// Copyright 2017 Aleksey Blinov. All rights reserved.

package eventhttp

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// These scenarios exercise end-to-end combinations of retry, rate
// limiting, dependencies, and cancellation together, the way a real
// workload would mix them, rather than isolating one mechanism at a time.

func TestScenarioManyIndependentRequestsAllComplete(t *testing.T) {
	l, ft := mustNewTestLoop(t)
	const n = 50
	var completed int32
	for i := 0; i < n; i++ {
		url := "http://many/" + string(rune('a'+i%26))
		ft.mustScript(t, url, scriptedResponse{status: 200})
		req := NewRequest(url)
		req.OnComplete = func(r *Request) RetryDecision {
			atomic.AddInt32(&completed, 1)
			return Terminal()
		}
		l.Submit(req)
	}

	runFor(l, 2*time.Second)
	assert.Equal(t, int32(n), atomic.LoadInt32(&completed))
}

func TestScenarioUncountedRetryInDoesNotConsumeRetryBudget(t *testing.T) {
	l, ft := mustNewTestLoop(t)
	ft.mustScript(t, "http://hold", scriptedResponse{status: 200})
	ft.mustScript(t, "http://hold", scriptedResponse{status: 200})

	var attempts int32
	var done int32
	req := NewRequest("http://hold")
	req.EnableRetries(1, time.Millisecond, 5*time.Millisecond, FullJitter)
	req.OnComplete = func(r *Request) RetryDecision {
		n := atomic.AddInt32(&attempts, 1)
		if n == 1 {
			return RetryIn(10 * time.Millisecond)
		}
		atomic.StoreInt32(&done, 1)
		return Terminal()
	}
	l.Submit(req)

	runFor(l, time.Second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&done))
	assert.Equal(t, 0, req.Retries(), "RetryIn must not increment the counted retry budget")
}

func TestScenarioDependencyChainReleasesInOrder(t *testing.T) {
	l, ft := mustNewTestLoop(t)
	ft.mustScript(t, "http://downstream", scriptedResponse{status: 200})

	tokenID := l.Resources().declareNamed("chain-token")

	var order []string
	var mu sync.Mutex
	req := NewRequest("http://downstream")
	req.DependsOn(tokenID)
	req.OnPrepare = func(r *Request) error {
		mu.Lock()
		order = append(order, "prepared")
		mu.Unlock()
		return nil
	}
	req.OnComplete = func(r *Request) RetryDecision {
		mu.Lock()
		order = append(order, "completed")
		mu.Unlock()
		return Terminal()
	}
	l.Submit(req)

	go func() {
		time.Sleep(20 * time.Millisecond)
		l.Resources().PublishAsync(tokenID, "ok", nil)
	}()

	runFor(l, 500*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"prepared", "completed"}, order)
}

func TestScenarioInjectedRequestBypassesDependencyGate(t *testing.T) {
	l, ft := mustNewTestLoop(t)
	ft.mustScript(t, "http://urgent", scriptedResponse{status: 200})

	neverPublished := l.Resources().declareNamed("never")

	var started int32
	req := NewRequest("http://urgent")
	req.DependsOn(neverPublished)
	req.OnPrepare = func(r *Request) error {
		atomic.StoreInt32(&started, 1)
		return nil
	}
	req.OnComplete = func(r *Request) RetryDecision { return Terminal() }
	l.Inject(req)

	runFor(l, 200*time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&started))
}

func TestScenarioCancelWhileBlockedOnDependencyNeverCompletesOrFails(t *testing.T) {
	l, _ := mustNewTestLoop(t)

	neverPublished := l.Resources().declareNamed("cancel-blocked")

	req := NewRequest("http://blocked")
	req.DependsOn(neverPublished)
	req.OnComplete = func(r *Request) RetryDecision {
		t.Fatal("cancelled-while-blocked request must never complete")
		return Terminal()
	}
	req.OnFailure = func(err error, status int, r *Request) RetryDecision {
		t.Fatal("cancelled-while-blocked request must never fail through OnFailure")
		return Terminal()
	}
	h := l.Submit(req)

	runFor(l, 50*time.Millisecond)
	h.Cancel()
	runFor(l, 50*time.Millisecond)

	m := l.GetMetrics()
	assert.Equal(t, int64(1), m.Total)
	assert.Equal(t, int64(0), m.Completed)
	assert.Equal(t, int64(0), m.Failed)

	// Publishing afterward must not dispatch the cancelled request a
	// second time now that it has been removed from the waiter FIFO.
	l.Resources().PublishAsync(neverPublished, "late", nil)
	runFor(l, 50*time.Millisecond)
	assert.False(t, l.Resources().hasWaiters())
}

func TestScenarioTransportErrorGoesThroughOnFailureNotOnComplete(t *testing.T) {
	l, ft := mustNewTestLoop(t)
	ft.mustScript(t, "http://unreachable", scriptedResponse{err: &TransportError{Err: assert.AnError}})

	var failed int32
	req := NewRequest("http://unreachable")
	req.OnFailure = func(err error, status int, r *Request) RetryDecision {
		atomic.StoreInt32(&failed, 1)
		assert.Equal(t, 0, status)
		return Terminal()
	}
	req.OnComplete = func(r *Request) RetryDecision {
		t.Fatal("transport failure must not reach OnComplete")
		return Terminal()
	}
	l.Submit(req)

	runFor(l, 300*time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&failed))
}
