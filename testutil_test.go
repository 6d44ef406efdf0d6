// Copyright 2017 Aleksey Blinov. All rights reserved.

package eventhttp

import (
	"context"
	"sync"
	"time"
)

// tester is the minimal subset of *testing.T the must* helpers need,
// adapted from test_harness.go's tester interface so these helpers stay
// usable from table-driven subtests and benchmarks alike.
type tester interface {
	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})
}

// scriptedResponse is one canned outcome a fakeTransport will hand back
// for a given URL, in place of apns2mock's HTTP-level mock server: this
// package's unit under test is scheduling, not wire format, so a
// same-process fake is enough (no apns2mock equivalent is in the
// retrieved pack; this stands in for it the way mustNewMockServer stood
// in for a real APNs endpoint).
type scriptedResponse struct {
	status  int
	body    []byte
	err     error
	delay   time.Duration
}

// fakeTransport is a Transport whose attempts are resolved by a
// caller-supplied script instead of a real socket, grounded on the
// mustNewMockServer/mustNewHTTPClient pairing in test_harness.go.
type fakeTransport struct {
	mu      sync.Mutex
	scripts map[string][]scriptedResponse
	calls   map[string]int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		scripts: make(map[string][]scriptedResponse),
		calls:   make(map[string]int),
	}
}

// mustScript queues resp as the next outcome fakeTransport will return for
// url. It never fails t; the parameter is kept for parity with the must*
// naming convention test_harness.go establishes.
func (f *fakeTransport) mustScript(t tester, url string, resp scriptedResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[url] = append(f.scripts[url], resp)
}

func (f *fakeTransport) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

type fakeHandle struct{ cancelled *bool }

func (h *fakeHandle) Cancel() { *h.cancelled = true }

func (f *fakeTransport) Start(ctx context.Context, req *Request, onHeader func(status int, contentLength int64), onWrite func(p []byte) (int, error), done func(attemptResult)) transportHandle {
	f.mu.Lock()
	queue := f.scripts[req.URL]
	var resp scriptedResponse
	if len(queue) > 0 {
		resp = queue[0]
		f.scripts[req.URL] = queue[1:]
	} else {
		resp = scriptedResponse{status: 200}
	}
	f.calls[req.URL]++
	f.mu.Unlock()

	cancelled := false
	go func() {
		if resp.delay > 0 {
			time.Sleep(resp.delay)
		}
		if resp.err != nil {
			done(attemptResult{err: resp.err})
			return
		}
		onHeader(resp.status, int64(len(resp.body)))
		if len(resp.body) > 0 {
			_, _ = onWrite(resp.body)
		}
		done(attemptResult{status: resp.status})
	}()
	return &fakeHandle{cancelled: &cancelled}
}

func (f *fakeTransport) Close() error { return nil }

// mustNewTestLoop builds a Loop wired to a fakeTransport, ready for a test
// to Submit requests against and drive with a bounded Run.
func mustNewTestLoop(t tester) (*Loop, *fakeTransport) {
	ft := newFakeTransport()
	l := NewLoop(ft, NewRateManager())
	return l, ft
}

// runFor drives l.Run for at most d, returning once it exits or the
// deadline passes.
func runFor(l *Loop, d time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	_ = l.Run(ctx)
}
