// Copyright 2017 Aleksey Blinov. All rights reserved.

package eventhttp

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopCompletesASimpleRequest(t *testing.T) {
	l, ft := mustNewTestLoop(t)
	ft.mustScript(t, "http://ok", scriptedResponse{status: 200, body: []byte("hi")})

	var completed int32
	req := NewRequest("http://ok")
	req.OnComplete = func(r *Request) RetryDecision {
		atomic.StoreInt32(&completed, 1)
		return Terminal()
	}
	l.Submit(req)

	runFor(l, 500*time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&completed))
}

func TestLoopRetriesOnFailureThenSucceeds(t *testing.T) {
	l, ft := mustNewTestLoop(t)
	ft.mustScript(t, "http://flaky", scriptedResponse{status: 500})
	ft.mustScript(t, "http://flaky", scriptedResponse{status: 200})

	var done int32
	req := NewRequest("http://flaky")
	req.EnableRetries(3, 5*time.Millisecond, 20*time.Millisecond, FullJitter)
	req.OnComplete = func(r *Request) RetryDecision {
		atomic.StoreInt32(&done, 1)
		return Terminal()
	}
	req.OnFailure = func(err error, status int, r *Request) RetryDecision {
		return AskRetry()
	}
	l.Submit(req)

	runFor(l, time.Second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&done))
	assert.Equal(t, 1, req.Retries())
	assert.Equal(t, 2, ft.callCount("http://flaky"))
}

func TestLoopGivesUpAfterMaxRetries(t *testing.T) {
	l, ft := mustNewTestLoop(t)
	for i := 0; i < 5; i++ {
		ft.mustScript(t, "http://always-fails", scriptedResponse{status: 500})
	}

	var failed int32
	req := NewRequest("http://always-fails")
	req.EnableRetries(2, time.Millisecond, 5*time.Millisecond, FullJitter)
	req.OnFailure = func(err error, status int, r *Request) RetryDecision {
		return AskRetry()
	}
	req.OnComplete = func(r *Request) RetryDecision {
		t.Fatal("should never complete")
		return Terminal()
	}
	l.Submit(req)

	runFor(l, time.Second)
	require.Equal(t, int32(0), atomic.LoadInt32(&failed))
	assert.Equal(t, 2, req.Retries())
	assert.Equal(t, 3, ft.callCount("http://always-fails")) // initial + 2 retries
}

func TestLoopRequestWaitsOnDependency(t *testing.T) {
	l, ft := mustNewTestLoop(t)
	ft.mustScript(t, "http://dep-consumer", scriptedResponse{status: 200})

	resID := l.Resources().declareNamed("upstream-token")

	var started int32
	req := NewRequest("http://dep-consumer")
	req.DependsOn(resID)
	req.OnPrepare = func(r *Request) error {
		atomic.StoreInt32(&started, 1)
		return nil
	}
	l.Submit(req)

	// give the loop a couple ticks with the dependency still unpublished.
	ctx := make(chan struct{})
	go func() { runFor(l, 100*time.Millisecond); close(ctx) }()
	<-ctx
	assert.Equal(t, int32(0), atomic.LoadInt32(&started))

	l.Resources().PublishAsync(resID, "token-value", nil)
	runFor(l, 300*time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&started))
}

func TestLoopCancelIsIdempotentAndSkipsCallbacks(t *testing.T) {
	l, ft := mustNewTestLoop(t)
	ft.mustScript(t, "http://slow", scriptedResponse{status: 200, delay: 200 * time.Millisecond})

	req := NewRequest("http://slow")
	req.OnComplete = func(r *Request) RetryDecision {
		t.Fatal("cancelled request must not complete")
		return Terminal()
	}
	h := l.Submit(req)

	go func() {
		time.Sleep(10 * time.Millisecond)
		h.Cancel()
		h.Cancel() // idempotent
	}()

	runFor(l, 400*time.Millisecond)
}

func TestLoopHandles429WithRateLimiterBackoff(t *testing.T) {
	l, ft := mustNewTestLoop(t)
	l.rates.SetLimit("limited", 10, 1000)
	ft.mustScript(t, "http://throttled", scriptedResponse{status: 429})
	ft.mustScript(t, "http://throttled", scriptedResponse{status: 200})

	var done int32
	req := NewRequest("http://throttled")
	req.WithRateLimitKey("limited")
	req.OnComplete = func(r *Request) RetryDecision {
		atomic.StoreInt32(&done, 1)
		return Terminal()
	}
	l.Submit(req)

	runFor(l, 2*time.Second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&done))
	assert.Equal(t, 2, ft.callCount("http://throttled"))
}

func TestLoopRefreshResubmitsOnInterval(t *testing.T) {
	l, ft := mustNewTestLoop(t)
	ft.mustScript(t, "http://poll", scriptedResponse{status: 200})
	ft.mustScript(t, "http://poll", scriptedResponse{status: 200})
	ft.mustScript(t, "http://poll", scriptedResponse{status: 200})

	req := NewRequest("http://poll")
	req.WithRefresh(30 * time.Millisecond)
	req.OnComplete = func(r *Request) RetryDecision { return Terminal() }
	l.Submit(req)

	runFor(l, 300*time.Millisecond)
	assert.GreaterOrEqual(t, ft.callCount("http://poll"), 2)
}
