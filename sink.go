// Copyright 2017 Aleksey Blinov. All rights reserved.

package eventhttp

// Sink is a streaming consumer of response bytes, grounded on
// original_source/src/curl_output.c's curl_output_interface_t and
// spec.md §4.D. Init is called lazily, at most once per attempt, the first
// time either Write or Complete/Failure would otherwise fire; a retried
// request gets a fresh Init call on its next attempt.
type Sink interface {
	// Init is called with the advertised content length, or -1 if unknown.
	Init(contentLengthHint int64) error
	// Write consumes a chunk of response body. Returning fewer bytes than
	// len(p) aborts the transfer (mirrors libcurl's write-callback
	// contract, which the size-cap gate in transport.go also relies on).
	Write(p []byte) (n int, err error)
	// Complete is the terminal success notification.
	Complete(req *Request)
	// Failure is the terminal error notification.
	Failure(err error, httpStatus int, req *Request)
	// Destroy releases any resources the sink holds. Called exactly once,
	// when the owning request is destroyed.
	Destroy()
}

// wireSinkDefaults copies the caller's exported OnWrite/OnComplete/
// OnFailure hooks (if any) into the internal slots the loop actually
// invokes, falling back to defaults that defer to the request's own retry
// policy and leave sink terminal notification to the loop's
// applyDecision/failDependent, which are the only places that know an
// outcome is genuinely terminal rather than about to retry — exactly as
// curl_sink_defaults wires the default write_cb/on_complete/on_failure
// around a curl_sink_interface_t only where the caller has not supplied
// their own. usesDefaultFailureHook records whether the failure slot is
// this package's own (as opposed to caller-supplied), so the loop knows
// whether a terminal failure still needs its sink notified.
func wireSinkDefaults(req *Request) {
	if req.OnWrite != nil {
		req.onWrite = req.OnWrite
	} else if req.onWrite == nil {
		req.onWrite = func(p []byte, r *Request) (int, error) {
			if r.sink == nil {
				return len(p), nil
			}
			ensureSinkInit(r)
			return r.sink.Write(p)
		}
	}
	if req.OnComplete != nil {
		req.onComplete = req.OnComplete
	} else if req.onComplete == nil {
		req.onComplete = func(r *Request) RetryDecision {
			return Terminal()
		}
	}
	if req.OnFailure != nil {
		req.onFailure = req.OnFailure
	} else if req.onFailure == nil {
		req.usesDefaultFailureHook = true
		req.onFailure = func(err error, httpStatus int, r *Request) RetryDecision {
			if r.MaxRetries != 0 {
				return AskRetry()
			}
			return Terminal()
		}
	}
}

// notifySinkTerminal fires the sink's Complete or Failure slot exactly
// once, called only once the loop has resolved an attempt's outcome as
// genuinely terminal (as opposed to about to retry or refresh).
func notifySinkTerminal(r *Request, success bool, err error, httpStatus int) {
	if r.sink == nil {
		return
	}
	ensureSinkInit(r)
	if success {
		r.sink.Complete(r)
	} else {
		r.sink.Failure(err, httpStatus, r)
	}
}

func ensureSinkInit(r *Request) {
	if r.sinkInitialized || r.sink == nil {
		return
	}
	_ = r.sink.Init(r.ContentLength())
	r.sinkInitialized = true
}
