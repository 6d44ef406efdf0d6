// Copyright 2017 Aleksey Blinov. All rights reserved.

package eventhttp

import "fmt"

// TransportError wraps a non-HTTP failure from the underlying transport
// (connect failure, timeout, etc). A size-cap abort is reported as
// SizeExceededError instead. OnFailure receives status 0 for it.
type TransportError struct {
	Code int
	Err  error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport error (code %d): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("transport error (code %d)", e.Code)
}

func (e *TransportError) Unwrap() error { return e.Err }

// HTTPError wraps a successful transport exchange that returned a status
// outside 2xx. The loop counts every 2xx status as success, not only 200,
// so no 2xx response produces an HTTPError. 429 is special-cased by the
// loop before this error would ever reach on_failure for the rate-limited
// path (see Loop.handleCompletion).
type HTTPError struct {
	Status int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d", e.Status)
}

// DependencyFailedError is delivered to on_failure for every request still
// blocked on a resource when that resource is published with an absent
// payload. It carries the synthetic "aborted by callback" code used
// throughout the original implementation.
type DependencyFailedError struct {
	ResourceID ResourceID
	Code       int
}

// abortedByCallbackCode is the synthetic transport code a dependency
// failure carries, mirroring the original's aborted-by-callback sentinel
// for a request that never reached the transport at all.
const abortedByCallbackCode = -1

func (e *DependencyFailedError) Error() string {
	return fmt.Sprintf("dependency %d failed to publish (code %d)", e.ResourceID, e.Code)
}

// SizeExceededError is raised when a response body (or its advertised
// Content-Length) exceeds the request's MaxDownloadSize.
type SizeExceededError struct {
	Limit, Got int64
}

func (e *SizeExceededError) Error() string {
	return fmt.Sprintf("response size %d exceeds limit %d", e.Got, e.Limit)
}

// PrepareRefusedError marks a request destroyed because its OnPrepare hook
// returned false. No completion callback is ever invoked for this case.
type PrepareRefusedError struct{}

func (e *PrepareRefusedError) Error() string { return "on_prepare refused request" }

// ConfigError is returned by LoadConfig and NewHTTPTransport for
// configuration problems. Submit does not validate requests (a missing URL
// or a request submitted twice is not detected) and never returns it.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "configuration error: " + e.Reason }
