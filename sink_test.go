// Copyright 2017 Aleksey Blinov. All rights reserved.

package eventhttp

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSink is a minimal Sink fake that records every Init/Write/
// Complete/Failure call, used to exercise the default (no custom
// OnComplete/OnFailure) sink-wiring path in loop.go/sink.go.
type recordingSink struct {
	mu        sync.Mutex
	inits     int
	written   []byte
	completed int
	failed    int
	lastErr   error
	lastCode  int
}

func (s *recordingSink) Init(contentLengthHint int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inits++
	s.written = nil
	return nil
}

func (s *recordingSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, p...)
	return len(p), nil
}

func (s *recordingSink) Complete(r *Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed++
}

func (s *recordingSink) Failure(err error, httpStatus int, r *Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed++
	s.lastErr = err
	s.lastCode = httpStatus
}

func (s *recordingSink) Destroy() {}

func (s *recordingSink) snapshot() (inits, completed, failed int, written []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inits, s.completed, s.failed, append([]byte(nil), s.written...)
}

// TestDefaultSinkWiringRetriesWithoutCustomCallbacks exercises
// EnableRetries with no custom OnComplete/OnFailure at all: the sink's
// Failure slot must not fire on a retryable attempt, only once retries
// are exhausted or the request ultimately succeeds. This is the path
// cmd/eventhttpd's -max-retries flag relies on.
func TestDefaultSinkWiringRetriesWithoutCustomCallbacks(t *testing.T) {
	l, ft := mustNewTestLoop(t)
	ft.mustScript(t, "http://sink-retry", scriptedResponse{status: 500, body: []byte("err-body")})
	ft.mustScript(t, "http://sink-retry", scriptedResponse{status: 200, body: []byte("ok")})

	sink := &recordingSink{}
	req := NewRequest("http://sink-retry")
	req.EnableRetries(3, time.Millisecond, 5*time.Millisecond, FullJitter)
	req.WithSink(sink)
	l.Submit(req)

	runFor(l, time.Second)

	inits, completed, failed, written := sink.snapshot()
	require.Equal(t, 2, inits, "Init must be re-armed for the retried attempt")
	assert.Equal(t, 1, completed)
	assert.Equal(t, 0, failed, "a retryable failure must not notify Failure")
	assert.Equal(t, "ok", string(written))
}

// TestDefaultSinkWiringFailsAfterRetriesExhausted checks the terminal-
// failure side of the same path: once MaxRetries is exhausted, Failure
// must fire exactly once.
func TestDefaultSinkWiringFailsAfterRetriesExhausted(t *testing.T) {
	l, ft := mustNewTestLoop(t)
	for i := 0; i < 3; i++ {
		ft.mustScript(t, "http://sink-always-fails", scriptedResponse{status: 500})
	}

	sink := &recordingSink{}
	req := NewRequest("http://sink-always-fails")
	req.EnableRetries(2, time.Millisecond, 5*time.Millisecond, FullJitter)
	req.WithSink(sink)
	l.Submit(req)

	runFor(l, time.Second)

	_, completed, failed, _ := sink.snapshot()
	assert.Equal(t, 0, completed)
	assert.Equal(t, 1, failed)
}

// TestDefaultSinkWiringNoRetriesFailsImmediately covers the MaxRetries==0
// case: Failure must fire right away, on the first and only attempt.
func TestDefaultSinkWiringNoRetriesFailsImmediately(t *testing.T) {
	l, ft := mustNewTestLoop(t)
	ft.mustScript(t, "http://sink-no-retry", scriptedResponse{status: 503})

	sink := &recordingSink{}
	req := NewRequest("http://sink-no-retry")
	req.WithSink(sink)
	l.Submit(req)

	runFor(l, 500*time.Millisecond)

	inits, completed, failed, _ := sink.snapshot()
	assert.Equal(t, 1, inits)
	assert.Equal(t, 0, completed)
	assert.Equal(t, 1, failed)
}

// TestDependencyFailureNotifiesDefaultSink checks that a dependency
// publish-failed cascade still notifies a sink relying on the default
// wiring, even though it bypasses applyDecision entirely.
func TestDependencyFailureNotifiesDefaultSink(t *testing.T) {
	l, _ := mustNewTestLoop(t)
	resID := l.Resources().declareNamed("sink-dep")

	sink := &recordingSink{}
	req := NewRequest("http://sink-dep-consumer")
	req.DependsOn(resID)
	req.WithSink(sink)
	l.Submit(req)

	go func() {
		time.Sleep(20 * time.Millisecond)
		l.Resources().PublishFailedAsync(resID, nil)
	}()

	runFor(l, 500*time.Millisecond)

	_, completed, failed, _ := sink.snapshot()
	assert.Equal(t, 0, completed)
	assert.Equal(t, 1, failed)
}
