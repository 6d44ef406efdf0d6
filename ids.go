// Copyright 2017 Aleksey Blinov. All rights reserved.

package eventhttp

import "sync/atomic"

// ResourceID identifies a node in the resource registry. IDs are
// process-unique and monotonically increasing, starting at 1.
type ResourceID uint64

var nextResourceID uint64

// newResourceID allocates the next process-unique resource id. Safe to call
// from any thread: both the loop thread (declare/register) and non-loop
// threads (register_async) need fresh ids before an op reaches the inbox.
func newResourceID() ResourceID {
	return ResourceID(atomic.AddUint64(&nextResourceID, 1))
}
