// Copyright 2017 Aleksey Blinov. All rights reserved.

// Package sinks provides ready-made eventhttp.Sink implementations for
// tests and simple demo use, grounded on the output targets
// test_harness.go exercises apns2's dispatcher against.
package sinks

import (
	"bytes"
	"sync"

	"github.com/arcflow-dev/eventhttp"
)

// Memory is a Sink that buffers the full response body in memory and
// records the outcome of the request it was attached to. Safe for
// concurrent reads of its accessor methods once Complete/Failure has run.
type Memory struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	done     bool
	failed   bool
	httpCode int
	err      error
}

// NewMemory returns an empty Memory sink.
func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Init(contentLengthHint int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buf.Reset()
	if contentLengthHint > 0 {
		m.buf.Grow(int(contentLengthHint))
	}
	return nil
}

func (m *Memory) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf.Write(p)
}

func (m *Memory) Complete(req *eventhttp.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.done = true
}

func (m *Memory) Failure(err error, httpStatus int, req *eventhttp.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.done = true
	m.failed = true
	m.httpCode = httpStatus
	m.err = err
}

func (m *Memory) Destroy() {}

// Bytes returns a copy of everything written so far.
func (m *Memory) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, m.buf.Len())
	copy(out, m.buf.Bytes())
	return out
}

// Done reports whether Complete or Failure has been called.
func (m *Memory) Done() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// Err returns the failure error, if Failure was called.
func (m *Memory) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Failed reports whether Failure (rather than Complete) was called.
func (m *Memory) Failed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failed
}
