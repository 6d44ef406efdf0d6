// Copyright 2017 Aleksey Blinov. All rights reserved.

package eventhttp

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

// ResourceNode is a named, refcounted, publish/subscribe payload slot.
// Requests block on a node's id until it is published, then proceed with
// the published payload available to their OnPrepare hook. Grounded on
// original_source/src/curl_resource.c's curl_resource_t.
type ResourceNode struct {
	id        ResourceID
	name      string
	refcount  int32
	published bool
	// failed is set iff the last publish on this node installed an absent
	// payload: publish called with ok=false (as opposed to a nil payload).
	// A failed node is still "published" (it no longer blocks anyone) but
	// fast-fails whoever was waiting on it, per spec.md §4.B.
	failed  bool
	payload interface{}
	// cleanup is invoked exactly once per installed payload: when the node
	// is republished (on the old payload) or when its refcount reaches
	// zero (on the current one).
	cleanup func(interface{})

	autoReleaseOwner bool

	// waitHead/waitTail is the FIFO of requests blocked on this node,
	// threaded through loopRequest.nextPending exactly as
	// check_and_block_list reuses that field for the resource waiter
	// list.
	waitHead *loopRequest
	waitTail *loopRequest
}

// inboxOpKind distinguishes the operations curl_resource.c allows to be
// posted from a non-loop thread.
type inboxOpKind int

const (
	inboxRegister inboxOpKind = iota
	inboxPublish
	inboxPublishFailed
	inboxRelease
)

type inboxOp struct {
	kind    inboxOpKind
	id      ResourceID
	payload interface{}
	cleanup func(interface{})
}

// inboxNode is one link of the lock-free MPSC stack (Treiber stack)
// resource.go uses to accept register/publish/release calls from any
// goroutine without blocking the loop thread, grounded on
// curl_resource.c's inbox_push and the drain-with-reverse consumer in
// curl_event_loop_run.
type inboxNode struct {
	next *inboxNode
	op   inboxOp
}

// publishResult is what applying a publish op (sync or drained from the
// inbox) produces: the waiters that were unblocked and should be
// re-admitted into scheduling, and the waiters that must be failed and
// destroyed because the node that settled their dependency failed.
type publishResult struct {
	id     ResourceID
	ready  []*loopRequest
	failed []*loopRequest
}

// Registry owns all resource nodes plus the cross-thread inbox. Declare/
// publish/release/peek/addRef/blockOn/allReady are loop-thread-only by
// convention (spec.md §4.B); the *Async family is safe from any goroutine
// and simply posts to the inbox, waking the loop so it can drain and apply
// the op on its own thread (spec.md §5's two-concurrency-primitive model:
// a mutex-protected list for requests, a lock-free stack for resource
// ops). The mutex below exists to make the data itself race-free even
// though ownership of the *consequences* of an op (requeuing or failing a
// waiter) still belongs to the loop thread.
type Registry struct {
	mu     sync.Mutex
	byID   map[ResourceID]*ResourceNode
	byName map[string]*ResourceNode

	inboxHead unsafe.Pointer // *inboxNode, accessed via atomic CAS

	wake func()

	// onPublish is invoked synchronously, still on whatever goroutine
	// called publish/applyInbox, with the waiters that publish just
	// settled. Set by NewLoop so the registry never needs to know about
	// Loop's admit/fail machinery directly.
	onPublish func(publishResult)
}

func newRegistry(wake func()) *Registry {
	return &Registry{
		byID:   make(map[ResourceID]*ResourceNode),
		byName: make(map[string]*ResourceNode),
		wake:   wake,
	}
}

func (reg *Registry) push(op inboxOp) {
	n := &inboxNode{op: op}
	for {
		old := atomic.LoadPointer(&reg.inboxHead)
		n.next = (*inboxNode)(old)
		if atomic.CompareAndSwapPointer(&reg.inboxHead, old, unsafe.Pointer(n)) {
			break
		}
	}
	if reg.wake != nil {
		reg.wake()
	}
}

// drain atomically detaches the whole inbox and returns its operations in
// the order they were pushed (the stack itself is LIFO, so the detached
// chain is reversed before returning).
func (reg *Registry) drain() []inboxOp {
	old := atomic.SwapPointer(&reg.inboxHead, nil)
	var ops []inboxOp
	for n := (*inboxNode)(old); n != nil; n = n.next {
		ops = append(ops, n.op)
	}
	for i, j := 0, len(ops)-1; i < j; i, j = i+1, j-1 {
		ops[i], ops[j] = ops[j], ops[i]
	}
	return ops
}

// applyInbox drains and applies every pending op; called once per tick
// from the loop goroutine, mirroring curl_resource_set_owner_thread plus
// its drain call at the top of curl_event_loop_run. Any waiters a publish
// op settles are dispatched through onPublish as they are applied.
func (reg *Registry) applyInbox() {
	for _, op := range reg.drain() {
		switch op.kind {
		case inboxRegister:
			reg.declareWithID(op.id)
		case inboxPublish:
			reg.dispatchPublish(reg.publish(op.id, op.payload, true, op.cleanup))
		case inboxPublishFailed:
			reg.dispatchPublish(reg.publish(op.id, nil, false, op.cleanup))
		case inboxRelease:
			reg.release(op.id)
		}
	}
}

func (reg *Registry) dispatchPublish(res publishResult) {
	if reg.onPublish != nil && (len(res.ready) > 0 || len(res.failed) > 0) {
		reg.onPublish(res)
	}
}

// declare creates a fresh, anonymous node with an initial refcount of 1,
// owned by the caller. Loop-thread only.
func (reg *Registry) declare() ResourceID {
	id := newResourceID()
	return reg.declareWithID(id)
}

// getOrCreate returns id's node, creating an unpublished placeholder with
// refcount 0 if it does not already exist — mirroring curl_resource.c's
// res_get_or_create: a request may depend on (block_on) an id before it
// has ever been declared, typically racing a register_async call posted
// from another goroutine. Callers must hold reg.mu.
func (reg *Registry) getOrCreate(id ResourceID) *ResourceNode {
	n, ok := reg.byID[id]
	if !ok {
		n = &ResourceNode{id: id}
		reg.byID[id] = n
	}
	return n
}

// declareWithID declares a specific, caller-chosen id — always a fresh id
// from newResourceID, used by declare() itself and by the register_async
// inbox path. If a dependent already raced ahead and created a placeholder
// for this id (via blockOn/checkAndBlockList/addRef before the declare op
// was drained), its refcount already reflects those early references; this
// call adds the owner's own reference on top rather than resetting it,
// mirroring res_get_or_create's "placeholder refcnt=0; addref bumps it"
// contract applied to the owner ref itself.
func (reg *Registry) declareWithID(id ResourceID) ResourceID {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if n, ok := reg.byID[id]; ok {
		n.refcount++
		return id
	}
	reg.byID[id] = &ResourceNode{id: id, refcount: 1}
	return id
}

// declareNamed is declare's named-node variant, used by tests and by any
// caller that wants to look a node up by a stable name instead of
// threading the id around. Loop-thread only.
func (reg *Registry) declareNamed(name string) ResourceID {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if n, ok := reg.byName[name]; ok {
		n.refcount++
		return n.id
	}
	id := newResourceID()
	n := &ResourceNode{id: id, name: name, refcount: 1}
	reg.byID[id] = n
	reg.byName[name] = n
	return id
}

// RegisterAsync posts a declare op to the inbox and returns the id that
// will be assigned to it once the loop drains the op. Safe from any
// goroutine.
func (reg *Registry) RegisterAsync() ResourceID {
	id := newResourceID()
	reg.push(inboxOp{kind: inboxRegister, id: id})
	return id
}

// publish marks id's payload available (ok=true) or marks the node failed
// (ok=false, payload ignored), invoking cleanup on whatever payload it
// previously held (if any) before installing the new one. It returns the
// waiters that were blocked on id, split into those ready to be
// re-admitted into scheduling and those that must be failed and
// destroyed, mirroring curl_resource_publish's "detach blocked list, then
// either on_failure+destroy or re-enqueue each" step. Loop-thread only.
func (reg *Registry) publish(id ResourceID, payload interface{}, ok bool, cleanup func(interface{})) publishResult {
	reg.mu.Lock()
	n, exists := reg.byID[id]
	if !exists {
		n = &ResourceNode{id: id}
		reg.byID[id] = n
	}
	var oldCleanup func(interface{})
	var oldPayload interface{}
	if n.published && n.cleanup != nil {
		oldCleanup, oldPayload = n.cleanup, n.payload
	}
	n.published = true
	n.failed = !ok
	n.payload = payload
	n.cleanup = cleanup
	head := n.waitHead
	n.waitHead, n.waitTail = nil, nil
	reg.mu.Unlock()

	if oldCleanup != nil {
		oldCleanup(oldPayload)
	}

	res := publishResult{id: id}
	for w := head; w != nil; {
		next := w.nextPending
		w.nextPending = nil
		if n.failed {
			res.failed = append(res.failed, w)
		} else {
			res.ready = append(res.ready, w)
		}
		w = next
	}
	return res
}

// PublishAsync posts a successful publish op to the inbox.
func (reg *Registry) PublishAsync(id ResourceID, payload interface{}, cleanup func(interface{})) {
	reg.push(inboxOp{kind: inboxPublish, id: id, payload: payload, cleanup: cleanup})
}

// PublishFailedAsync posts a failed publish (absent payload) op to the
// inbox.
func (reg *Registry) PublishFailedAsync(id ResourceID, cleanup func(interface{})) {
	reg.push(inboxOp{kind: inboxPublishFailed, id: id, cleanup: cleanup})
}

// addRef increments id's refcount, creating an unpublished placeholder
// node first if id has not been declared yet (see getOrCreate) — a
// request's dependency list is retained eagerly regardless of whether the
// id it names has been declared/published already. Loop-thread only.
func (reg *Registry) addRef(id ResourceID) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.getOrCreate(id).refcount++
}

// release decrements id's refcount, destroying the node (and invoking its
// cleanup exactly once, on its current payload) once it reaches zero.
// When autoReleaseOwner is enabled and the decrement leaves exactly the
// owner's own reference with no waiters left, the owner ref is dropped
// automatically too, per spec.md §4.B's autorelease_owner contract.
// Loop-thread only.
func (reg *Registry) release(id ResourceID) {
	reg.mu.Lock()
	n, ok := reg.byID[id]
	if !ok {
		reg.mu.Unlock()
		return
	}
	n.refcount--
	if n.refcount > 0 {
		auto := n.autoReleaseOwner && n.refcount == 1 && n.waitHead == nil
		reg.mu.Unlock()
		if auto {
			reg.release(id)
		}
		return
	}
	delete(reg.byID, id)
	if n.name != "" {
		delete(reg.byName, n.name)
	}
	cleanup, payload, published := n.cleanup, n.payload, n.published
	reg.mu.Unlock()
	if cleanup != nil && published {
		cleanup(payload)
	}
}

// ReleaseAsync posts a release op to the inbox.
func (reg *Registry) ReleaseAsync(id ResourceID) {
	reg.push(inboxOp{kind: inboxRelease, id: id})
}

// autoreleaseOwner toggles id's auto-release behavior. Loop-thread only.
func (reg *Registry) autoreleaseOwner(id ResourceID, enable bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if n, ok := reg.byID[id]; ok {
		n.autoReleaseOwner = enable
	}
}

// peek returns id's payload and whether it is currently usable: false if
// the node does not exist, has not been published yet, or was published
// failed. Loop-thread only (valid only within a loop callback, per
// spec.md §4.B).
func (reg *Registry) peek(id ResourceID) (interface{}, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	n, ok := reg.byID[id]
	if !ok || !n.published || n.failed {
		return nil, false
	}
	return n.payload, true
}

// blockOn adds req to id's waiter FIFO and returns false, or returns true
// immediately if id is already published (successfully or failed — either
// way it will never block again). An id nobody has declared yet gets a
// placeholder node created on the spot (getOrCreate) and req is queued on
// it exactly as if the node already existed, matching res_get_or_create's
// treatment of a dependency racing ahead of its declare/register_async.
// Loop-thread only.
func (reg *Registry) blockOn(id ResourceID, req *loopRequest) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	n := reg.getOrCreate(id)
	if n.published {
		return true
	}
	req.nextPending = nil
	if n.waitTail == nil {
		n.waitHead, n.waitTail = req, req
	} else {
		n.waitTail.nextPending = req
		n.waitTail = req
	}
	return false
}

// unblockRequest removes req from id's waiter FIFO if it is currently
// there, used when cancelling or otherwise destroying a request that is
// blocked (BLOCKED state, not a member of any timeline) so it cannot be
// dispatched a second time once the node it was waiting on eventually
// publishes. Loop-thread only.
func (reg *Registry) unblockRequest(id ResourceID, req *loopRequest) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	n, ok := reg.byID[id]
	if !ok {
		return
	}
	var prev *loopRequest
	for w := n.waitHead; w != nil; w = w.nextPending {
		if w == req {
			if prev == nil {
				n.waitHead = w.nextPending
			} else {
				prev.nextPending = w.nextPending
			}
			if n.waitTail == w {
				n.waitTail = prev
			}
			w.nextPending = nil
			return
		}
		prev = w
	}
}

// hasWaiters reports whether any node currently has a request blocked on
// it, used by Loop.idle to account for the BLOCKED state, which (unlike
// inactive/refresh/rate_limited) is not tracked in any timeline.
func (reg *Registry) hasWaiters() bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for _, n := range reg.byID {
		if n.waitHead != nil {
			return true
		}
	}
	return false
}

// waitingRequests returns every request currently blocked in a resource's
// waiter FIFO, for introspection (DependencyGraph.Snapshot) — the BLOCKED
// state has no timeline entry to walk instead.
func (reg *Registry) waitingRequests() []*loopRequest {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	var out []*loopRequest
	for _, n := range reg.byID {
		for w := n.waitHead; w != nil; w = w.nextPending {
			out = append(out, w)
		}
	}
	return out
}

// checkAndBlockList blocks req on the first not-yet-published id in deps,
// in order, leaving every later dep untouched — a request may only live
// in one waiter FIFO at a time, since nextPending is the single intrusive
// link it is threaded through. An id nobody has declared yet gets a
// placeholder node created on the spot (getOrCreate), so a DependsOn naming
// an id ahead of its RegisterAsync/declare still blocks instead of running
// immediately. Returns (false, 0) if every dep is already published.
// Grounded on check_and_block_list. Loop-thread only.
func (reg *Registry) checkAndBlockList(deps []ResourceID, req *loopRequest) (blocked bool, on ResourceID) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for _, id := range deps {
		n := reg.getOrCreate(id)
		if n.published {
			continue
		}
		req.nextPending = nil
		if n.waitTail == nil {
			n.waitHead, n.waitTail = req, req
		} else {
			n.waitTail.nextPending = req
			n.waitTail = req
		}
		return true, id
	}
	return false, 0
}

// allReady reports whether every id in deps is currently published
// (successfully or failed — all_ready_list treats both as "resolved"). An
// id nobody has declared yet is not ready: it behaves exactly like a
// placeholder node with published=false, consistent with blockOn/
// checkAndBlockList creating one the moment anything blocks on it.
func (reg *Registry) allReady(deps []ResourceID) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for _, id := range deps {
		n, ok := reg.byID[id]
		if !ok || !n.published {
			return false
		}
	}
	return true
}

// destroyAll releases every node unconditionally, used by Loop.Close to
// mirror curl_resource_destroy_all's teardown sweep. Any outstanding
// waiters are returned so the loop can fail and destroy them the same way
// a failed publish would.
func (reg *Registry) destroyAll() []*loopRequest {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	var waiters []*loopRequest
	for _, n := range reg.byID {
		for w := n.waitHead; w != nil; {
			next := w.nextPending
			w.nextPending = nil
			waiters = append(waiters, w)
			w = next
		}
		if n.cleanup != nil && n.published {
			n.cleanup(n.payload)
		}
	}
	reg.byID = make(map[ResourceID]*ResourceNode)
	reg.byName = make(map[string]*ResourceNode)
	return waiters
}

// retainRequestDeps addrefs every dependency the first time a request is
// touched by the loop, so that a dependency cannot be destroyed out from
// under a request still waiting on it. Loop-thread only.
func (reg *Registry) retainRequestDeps(lr *loopRequest) {
	if lr.request.depsRetained {
		return
	}
	for _, id := range lr.request.Deps {
		reg.addRef(id)
	}
	lr.request.depsRetained = true
	lr.retainedOn = append([]ResourceID(nil), lr.request.Deps...)
}

// releaseRequestDeps releases everything retainRequestDeps retained, once,
// when the request reaches a terminal state or is destroyed.
func (reg *Registry) releaseRequestDeps(lr *loopRequest) {
	if !lr.request.depsRetained {
		return
	}
	for _, id := range lr.retainedOn {
		reg.release(id)
	}
	lr.request.depsRetained = false
	lr.retainedOn = nil
}
