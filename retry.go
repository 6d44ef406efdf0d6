// Copyright 2017 Aleksey Blinov. All rights reserved.

package eventhttp

import "time"

type retryKind int

const (
	retryTerminal retryKind = iota
	retryAfterDuration
	retryAskHandler
)

// RetryDecision is the three-way outcome spec.md §4.E / §9 describes for
// on_complete and on_failure return values: terminal, "retry after a fixed
// duration without counting it as a retry", or "ask on_retry to decide".
type RetryDecision struct {
	kind  retryKind
	after time.Duration
}

// Terminal ends the request: on success this counts as completed, on
// failure this counts as failed. No further attempts are made.
func Terminal() RetryDecision { return RetryDecision{kind: retryTerminal} }

// RetryIn reschedules the request after d. Returned directly from
// OnComplete/OnFailure it is not counted as a retry (spec.md P9); a RetryIn
// that comes out of AskRetry resolution (OnRetry or the default policy) is
// counted in the loop's Retried metric.
func RetryIn(d time.Duration) RetryDecision {
	return RetryDecision{kind: retryAfterDuration, after: d}
}

// AskRetry defers the decision to the request's OnRetry handler (or the
// default jittered-backoff policy installed by EnableRetries).
func AskRetry() RetryDecision { return RetryDecision{kind: retryAskHandler} }
