// Copyright 2017 Aleksey Blinov. All rights reserved.

package eventhttp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateManagerStartRequestConsumesToken(t *testing.T) {
	rm := NewRateManager()
	rm.SetLimit("k", 10, 2) // 2 tokens/sec, starts full

	assert.Equal(t, time.Duration(0), rm.StartRequest("k", false))
	assert.Equal(t, time.Duration(0), rm.StartRequest("k", false))
	// third request exhausts the bucket and must wait.
	assert.Greater(t, rm.StartRequest("k", false), time.Duration(0))
}

func TestRateManagerUnknownKeyIsUnthrottled(t *testing.T) {
	rm := NewRateManager()
	assert.Equal(t, time.Duration(0), rm.StartRequest("missing", false))
	assert.Equal(t, time.Duration(0), rm.CanProceed("", true))
}

func TestRateManagerHighPriorityPreemption(t *testing.T) {
	rm := NewRateManager()
	rm.SetLimit("k", 10, 1)
	rm.StartRequest("k", false) // drains the single token

	// a high-priority caller finds no token and registers as an HP waiter.
	assert.Greater(t, rm.CanProceed("k", true), time.Duration(0))
	// a normal-priority caller must wait too.
	assert.Greater(t, rm.CanProceed("k", false), time.Duration(0))

	// once a token is available again it is held for the HP waiter: the
	// normal caller still waits and the HP caller takes it.
	rm.buckets["k"].tokens = 1
	assert.Greater(t, rm.StartRequest("k", false), time.Duration(0))
	assert.Equal(t, time.Duration(0), rm.StartRequest("k", true))
}

func TestRateManagerHandle429BacksOff(t *testing.T) {
	rm := NewRateManager()
	rm.SetLimit("k", 10, 5)
	rm.StartRequest("k", false)
	// simulate that the bucket's last success was well over 2s ago, so
	// Handle429 takes the doubling branch rather than the reset-to-1 one.
	rm.buckets["k"].lastSuccess = time.Now().Add(-time.Minute)

	first := rm.Handle429("k")
	assert.Equal(t, 2, first)
	rm.buckets["k"].lastSuccess = time.Now().Add(-time.Minute)
	second := rm.Handle429("k")
	assert.Equal(t, 4, second)
}

func TestRateManagerHandle429ResetsAfterRecentSuccess(t *testing.T) {
	rm := NewRateManager()
	rm.SetLimit("k", 10, 5)
	rm.StartRequest("k", false)
	rm.RequestDone("k")

	assert.Equal(t, 1, rm.Handle429("k"))
}
