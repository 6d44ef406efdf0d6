// Copyright 2017 Aleksey Blinov. All rights reserved.

package eventhttp

import (
	"sync/atomic"

	"github.com/emirpasic/gods/maps/treemap"
)

// timeKey orders entries first by nanosecond timestamp, then by insertion
// sequence, so that a red-black tree (which requires unique keys) behaves
// like the ordered multiset spec.md describes: many requests may share the
// same next_retry_at, and ties break in arrival order.
type timeKey struct {
	at  int64
	seq uint64
}

var timelineSeq uint64

func nextTimelineSeq() uint64 { return atomic.AddUint64(&timelineSeq, 1) }

func compareTimeKey(a, b interface{}) int {
	ka, kb := a.(timeKey), b.(timeKey)
	if ka.at != kb.at {
		if ka.at < kb.at {
			return -1
		}
		return 1
	}
	if ka.seq != kb.seq {
		if ka.seq < kb.seq {
			return -1
		}
		return 1
	}
	return 0
}

// timeline is the "ordered multiset keyed by next_retry_at" abstraction
// spec.md §3 and §9 call for: a binary-heap-equivalent backed here by an
// emirpasic/gods red-black tree treemap, matching the note in spec.md §9
// that "the source happens to use an RB-tree".
type timeline struct {
	tree *treemap.Map
	keys map[*loopRequest]timeKey
}

func newTimeline() *timeline {
	return &timeline{
		tree: treemap.NewWith(compareTimeKey),
		keys: make(map[*loopRequest]timeKey),
	}
}

// insert places req into the timeline ordered by its NextRetryAt field at
// the moment of insertion. Callers must Remove before mutating NextRetryAt
// and re-insert afterward, mirroring the original's erase-then-insert
// pattern around the RB-tree.
func (t *timeline) insert(req *loopRequest) {
	k := timeKey{at: req.request.nextRetryAt, seq: nextTimelineSeq()}
	t.tree.Put(k, req)
	t.keys[req] = k
}

func (t *timeline) remove(req *loopRequest) {
	if k, ok := t.keys[req]; ok {
		t.tree.Remove(k)
		delete(t.keys, req)
	}
}

func (t *timeline) len() int { return t.tree.Size() }

// first returns the earliest-ordered entry without removing it, or nil.
func (t *timeline) first() *loopRequest {
	k, v := t.tree.Min()
	if k == nil {
		return nil
	}
	return v.(*loopRequest)
}

// popFirst removes and returns the earliest-ordered entry, or nil.
func (t *timeline) popFirst() *loopRequest {
	req := t.first()
	if req != nil {
		t.remove(req)
	}
	return req
}

// drainReady calls fn for every entry whose timeKey.at <= now, in order,
// stopping at the first entry whose time has not yet arrived (the map is
// ordered, so nothing past that point can be ready either). fn may choose
// to reinsert req elsewhere; it must not reinsert into this same timeline
// during iteration.
func (t *timeline) drainReady(now int64, fn func(req *loopRequest)) {
	for {
		req := t.first()
		if req == nil || req.request.nextRetryAt > now {
			return
		}
		t.remove(req)
		fn(req)
	}
}
