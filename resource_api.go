// Copyright 2017 Aleksey Blinov. All rights reserved.

package eventhttp

import "sync/atomic"

// This file is the loop-thread-facing half of the Resource Registry: the
// public res_declare/res_publish/res_register/res_release/res_peek/
// res_addref/res_autorelease_owner/res_get_str/res_publish_str surface
// spec.md §6 names, each a thin wrapper around Registry's unexported
// primitives that also drives the scheduling consequences a publish can
// have — re-admitting waiters that are now ready, and failing+destroying
// waiters whose dependency just failed. Grounded on
// original_source/src/curl_resource.c's public entry points plus the
// curl_event_loop_run step that reacts to what publish just unblocked.

// Declare creates a new, anonymous resource node with no payload yet and
// an owner refcount of 1. Grounded on res_declare.
func (l *Loop) Declare() ResourceID {
	return l.resources.declare()
}

// DeclareNamed is Declare for a node that should also be reachable by a
// stable name (declaring the same name twice addrefs the existing node
// instead of creating a second one).
func (l *Loop) DeclareNamed(name string) ResourceID {
	return l.resources.declareNamed(name)
}

// Publish installs payload on id (creating the node if it does not exist
// yet) and re-admits every request that was blocked on it. cleanup, if
// non-nil, is invoked exactly once on payload, the next time id is
// republished or released to zero; a payload id already held has its own
// cleanup invoked now.
// Loop-thread only — call from OnPrepare/OnComplete/OnFailure or before
// Run starts; use PublishAsync from any other goroutine. Grounded on
// res_publish.
func (l *Loop) Publish(id ResourceID, payload interface{}, cleanup func(interface{})) {
	l.dispatchPublish(l.resources.publish(id, payload, true, cleanup))
}

// PublishFailed marks id's node failed — payload absent — which fast-fails
// every request currently blocked on it with a DependencyFailedError and
// destroys them without ever calling OnComplete (spec.md §4.B, P5).
// Loop-thread only; see PublishFailedAsync for the cross-thread form.
func (l *Loop) PublishFailed(id ResourceID, cleanup func(interface{})) {
	l.dispatchPublish(l.resources.publish(id, nil, false, cleanup))
}

// Register is declare+publish in one call, grounded on res_register.
// Because the node is brand new, there can be no existing waiters to
// dispatch.
func (l *Loop) Register(payload interface{}, cleanup func(interface{})) ResourceID {
	id := l.resources.declare()
	l.Publish(id, payload, cleanup)
	return id
}

// Release drops one reference to id, invoking its cleanup and erasing the
// node once the refcount reaches zero. Loop-thread only; see ReleaseAsync
// for the cross-thread form.
func (l *Loop) Release(id ResourceID) {
	l.resources.release(id)
}

// Peek returns id's payload and whether it is currently available (valid
// only within a loop callback, per spec.md §4.B).
func (l *Loop) Peek(id ResourceID) (interface{}, bool) {
	return l.resources.peek(id)
}

// GetStr is Peek with the common case of a string-typed payload (API
// keys, session ids, bearer tokens) pre-asserted for the caller.
func (l *Loop) GetStr(id ResourceID) (string, bool) {
	payload, ok := l.resources.peek(id)
	if !ok {
		return "", false
	}
	s, ok := payload.(string)
	return s, ok
}

// PublishStr is Publish for a string payload with no cleanup, the common
// case for auth tokens and session ids.
func (l *Loop) PublishStr(id ResourceID, s string) {
	l.Publish(id, s, nil)
}

// AddRef adds an owner reference to id.
func (l *Loop) AddRef(id ResourceID) {
	l.resources.addRef(id)
}

// AutoreleaseOwner enables or disables automatic dropping of the owner
// reference to id once it is the only reference left and no request is
// waiting on it.
func (l *Loop) AutoreleaseOwner(id ResourceID, enable bool) {
	l.resources.autoreleaseOwner(id, enable)
}

// dispatchPublish re-admits every request a publish just freed, and fails
// and destroys every request whose dependency just failed. Common to the
// synchronous Publish/PublishFailed path and the inbox-drained async path
// (Registry.onPublish calls back into this).
func (l *Loop) dispatchPublish(res publishResult) {
	for _, lr := range res.ready {
		l.admit(lr)
	}
	for _, lr := range res.failed {
		l.failDependent(lr, res.id)
	}
}

// failDependent destroys lr because one of its dependencies was published
// failed: it calls OnFailure (if set) with a DependencyFailedError, counts
// it in Metrics.Failed, and releases the request the same way any other
// terminal outcome would, without ever calling OnComplete or consulting
// OnRetry. Grounded on curl_resource_publish's "on_failure + destroy, no
// retry accounting" branch for blocked waiters.
func (l *Loop) failDependent(lr *loopRequest, id ResourceID) {
	req := lr.request
	depErr := &DependencyFailedError{ResourceID: id, Code: abortedByCallbackCode}
	if req.onFailure != nil {
		req.onFailure(depErr, 0, req)
	}
	if req.usesDefaultFailureHook {
		notifySinkTerminal(req, false, depErr, 0)
	}
	atomic.AddInt64(&l.totalFailed, 1)
	if l.metrics != nil {
		l.metrics.Failed.Inc()
	}
	l.finish(lr, nil)
}
