// Copyright 2017 Aleksey Blinov. All rights reserved.

package eventhttp

import (
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// JitterMode selects how computeBackoff spreads retry delays, grounded on
// original_source/src/curl_event_request.c's compute_backoff_ms.
type JitterMode int

const (
	// FullJitter picks uniformly in [0, backoff].
	FullJitter JitterMode = iota
	// EqualJitter picks uniformly in [backoff/2, backoff].
	EqualJitter
)

// OnPrepareFunc is invoked on every attempt, immediately before the
// transport is configured, mirroring curl_event_request.c's unconditional
// per-attempt on_prepare call (this resolved an Open Question in spec.md
// §9: the URL and headers are rebuilt every attempt, not cached).
type OnPrepareFunc func(r *Request) error

// OnWriteFunc consumes a chunk of response body as it streams in.
type OnWriteFunc func(p []byte, r *Request) (int, error)

// OnCompleteFunc is the terminal-success hook.
type OnCompleteFunc func(r *Request) RetryDecision

// OnFailureFunc is the terminal-failure hook. status is 0 for transport
// failures that never reached an HTTP response.
type OnFailureFunc func(err error, status int, r *Request) RetryDecision

// OnRetryFunc is consulted when a failure handler returns AskRetry(); it
// decides whether and when to retry a request whose OnFailure/OnComplete
// deferred the decision.
type OnRetryFunc func(r *Request, err error, status int) RetryDecision

// Request is a single HTTP operation plus its retry, rate-limit, refresh,
// dependency, and sink configuration. It is built with the With* methods
// and submitted to a Loop; the zero value is not usable, use NewRequest.
//
// Grounded on original_source/src/curl_event_request.c's
// curl_event_request_t and the builder functions around it
// (curl_event_request_init, build_get/build_post/build_post_json, the
// add_header/set_header/depend/rate_limit_key/retry_policy/refresh/
// timeout/callback setters).
type Request struct {
	URL    string
	Method string
	Header http.Header
	Body   []byte

	Priority     float64
	HighPriority bool
	RateLimitKey string

	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	LowSpeedLimit  int64
	LowSpeedTime   time.Duration

	MaxRetries    int
	MinBackoff    time.Duration
	MaxBackoff    time.Duration
	BackoffFactor float64
	Jitter        JitterMode
	RetryOnCodes  map[int]bool

	RefreshInterval time.Duration

	MaxResponseSize int64

	Deps []ResourceID

	OnPrepare  OnPrepareFunc
	OnWrite    OnWriteFunc
	OnComplete OnCompleteFunc
	OnFailure  OnFailureFunc
	OnRetry    OnRetryFunc

	sink            Sink
	sinkInitialized bool

	// usesDefaultFailureHook is true when onFailure is this package's own
	// retry-policy-aware default rather than a caller-supplied OnFailure,
	// telling the loop it still needs to notify the sink once the outcome
	// is resolved as genuinely terminal (see notifySinkTerminal).
	usesDefaultFailureHook bool

	// onWrite/onComplete/onFailure mirror the exported fields but are the
	// ones actually invoked by the loop; wireSinkDefaults only fills these
	// when the exported hook was never set, so a caller-supplied OnWrite
	// etc. always wins.
	onWrite    func(p []byte, r *Request) (int, error)
	onComplete func(r *Request) RetryDecision
	onFailure  func(err error, status int, r *Request) RetryDecision

	CorrelationID string

	jsonRoot *jsonValue
	postData []byte

	PluginData map[string]interface{}

	currentRetries      int
	nextRetryAt         int64
	requestStartedAt    time.Time
	firstSubmittedAt    time.Time
	bytesDownloaded     int64
	contentLength       int64
	contentLengthFound  bool
	depsRetained        bool
	lastAttemptHTTPCode int
}

// NewRequest builds a Request with the library defaults: GET method, no
// retries, no rate-limit key, no low-speed abort threshold (LowSpeedLimit
// and LowSpeedTime are zero), and a fresh correlation id. Use WithGet/WithPost/WithPostJSON for the common
// shapes, mirroring build_get/build_post/build_post_json.
func NewRequest(url string) *Request {
	r := &Request{
		URL:            url,
		Method:         http.MethodGet,
		Header:         make(http.Header),
		Priority:       0,
		ConnectTimeout: 10 * time.Second,
		RequestTimeout: 60 * time.Second,
		LowSpeedLimit:  0,
		LowSpeedTime:   0,
		BackoffFactor:  2.0,
		contentLength:  -1,
		CorrelationID:  uuid.NewString(),
	}
	r.onWrite = nil
	return r
}

// WithGet is equivalent to NewRequest plus Method("GET"); provided for
// symmetry with WithPost/WithPostJSON.
func WithGet(url string) *Request {
	r := NewRequest(url)
	r.Method = http.MethodGet
	return r
}

// WithPost sets the method to POST and installs body as the request body,
// grounded on build_post.
func WithPost(url string, body []byte) *Request {
	r := NewRequest(url)
	r.Method = http.MethodPost
	r.Body = body
	return r
}

// WithPostJSON begins a POST request whose body is built incrementally via
// the root returned by JSONRoot (its Set/Append/Object/Array methods) and
// then serialized by CommitJSON, grounded on build_post_json / json_begin /
// json_commit.
func WithPostJSON(url string) *Request {
	r := NewRequest(url)
	r.Method = http.MethodPost
	r.jsonRoot = newJSONValue(false)
	if r.Header.Get("Content-Type") == "" {
		r.Header.Set("Content-Type", "application/json")
	}
	return r
}

// JSONRoot returns the request's JSON AST root for incremental building.
// Returns nil if the request was not created with WithPostJSON.
func (r *Request) JSONRoot() *jsonValue { return r.jsonRoot }

// CommitJSON serializes the JSON AST built via JSONRoot into Body. It is
// idempotent: calling it again after Body has already been set directly
// is a no-op, mirroring json_commit's "do nothing if post_data is already
// set" contract.
func (r *Request) CommitJSON() error {
	if r.Body != nil || r.jsonRoot == nil {
		return nil
	}
	s, err := r.jsonRoot.stringify()
	if err != nil {
		return err
	}
	r.Body = []byte(s)
	return nil
}

// AddHeader appends a header value, preserving any existing values under
// the same key (net/http.Header.Add semantics, matching curl_event_request
// add_header).
func (r *Request) AddHeader(key, val string) *Request {
	r.Header.Add(key, val)
	return r
}

// SetHeader replaces all values under key, matching set_header's
// rebuild-on-match semantics.
func (r *Request) SetHeader(key, val string) *Request {
	r.Header.Set(key, val)
	return r
}

// WithTimeout sets the per-attempt request timeout.
func (r *Request) WithTimeout(d time.Duration) *Request {
	r.RequestTimeout = d
	return r
}

// WithConnectTimeout records ConnectTimeout on the request. The default
// HTTP transport does not read it; its dialer uses a fixed 10s timeout.
func (r *Request) WithConnectTimeout(d time.Duration) *Request {
	r.ConnectTimeout = d
	return r
}

// WithPriority sets the scheduling priority used to bias NextRetryAt at
// submission time (higher runs sooner; see spec.md §4.E submit semantics).
func (r *Request) WithPriority(p float64) *Request {
	r.Priority = p
	return r
}

// WithHighPriority marks the request to preempt its rate-limit bucket's
// normal waiters, grounded on rate_manager.c's hp_waiting path.
func (r *Request) WithHighPriority(hp bool) *Request {
	r.HighPriority = hp
	return r
}

// WithRateLimitKey assigns the bucket this request is throttled against.
// An empty key (the default) means unthrottled.
func (r *Request) WithRateLimitKey(key string) *Request {
	r.RateLimitKey = key
	return r
}

// WithBackoffFactor sets the exponential growth rate computeBackoff applies
// per retry (default 2.0, i.e. the delay doubles each attempt). A factor of
// 1.0 yields a flat retry interval; values below 1.0 are nonsensical for a
// backoff and are the caller's mistake to avoid, same as a negative
// MinBackoff would be.
func (r *Request) WithBackoffFactor(factor float64) *Request {
	r.BackoffFactor = factor
	return r
}

// ApplyBrowserProfile sets the User-Agent, Accept, and Accept-Language
// headers a browser-shaped request is expected to carry. It deliberately
// stops there: Sec-Fetch-* and Connection are transport/fetch-metadata
// headers this package never sets on the caller's behalf (spec.md §4.C,
// §6).
func (r *Request) ApplyBrowserProfile(ua, acceptLanguage string) *Request {
	r.Header.Set("User-Agent", ua)
	r.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	r.Header.Set("Accept-Language", acceptLanguage)
	return r
}

// EnableRetries installs the default jittered-backoff retry policy,
// grounded on compute_backoff_ms / default_calculate_retry_enhanced.
// retryableCodes, if non-empty, restricts automatic retries to those HTTP
// statuses (in addition to transport-level failures, which always retry);
// an empty set retries on any non-2xx status plus transport errors.
func (r *Request) EnableRetries(maxRetries int, minBackoff, maxBackoff time.Duration, jitter JitterMode, retryableCodes ...int) *Request {
	r.MaxRetries = maxRetries
	r.MinBackoff = minBackoff
	r.MaxBackoff = maxBackoff
	r.Jitter = jitter
	if len(retryableCodes) > 0 {
		r.RetryOnCodes = make(map[int]bool, len(retryableCodes))
		for _, c := range retryableCodes {
			r.RetryOnCodes[c] = true
		}
	}
	return r
}

// WithRefresh marks the request to be automatically resubmitted every
// interval after it completes successfully, resetting its retry counter
// each time (spec.md §4.E enqueue_request refresh-vs-inactive split).
func (r *Request) WithRefresh(interval time.Duration) *Request {
	r.RefreshInterval = interval
	return r
}

// WithMaxResponseSize caps the number of response bytes accepted before
// the transfer is aborted with SizeExceededError. Zero means unlimited.
func (r *Request) WithMaxResponseSize(n int64) *Request {
	r.MaxResponseSize = n
	return r
}

// DependsOn adds resource ids this request must wait on before it is
// eligible to run, grounded on curl_resource.c's block_on/depend family.
func (r *Request) DependsOn(ids ...ResourceID) *Request {
	r.Deps = append(r.Deps, ids...)
	return r
}

// WithSink attaches a streaming consumer for the response body.
func (r *Request) WithSink(s Sink) *Request {
	r.sink = s
	return r
}

// ContentLength returns the advertised response content length, or -1 if
// it has not been seen yet (no Content-Length header, or before the
// response headers have arrived).
func (r *Request) ContentLength() int64 {
	if !r.contentLengthFound {
		return -1
	}
	return r.contentLength
}

// BytesDownloaded returns the number of response body bytes received so
// far on the current attempt.
func (r *Request) BytesDownloaded() int64 { return r.bytesDownloaded }

// Retries returns the number of counted retry attempts made so far.
func (r *Request) Retries() int { return r.currentRetries }

// computeBackoff applies the configured jitter mode to an exponentially
// growing base delay, clamped to [MinBackoff, MaxBackoff]. The base grows
// as 100ms * BackoffFactor^attempt (BackoffFactor defaults to 2.0, i.e.
// 100ms, 200ms, 400ms, ...), per spec.md's retry-delay formula; a
// BackoffFactor of zero is treated as the default. Grounded on
// compute_backoff_ms's growth-then-clamp-then-jitter shape; no pack
// library reproduces this exact configurable-factor dual-jitter-mode
// formula (see DESIGN.md), so it stays hand-rolled on top of math/rand
// rather than e.g. cenkalti/backoff, which only implements
// full-jitter-equivalent exponential backoff and is reserved here for
// transport dial backoff instead.
func (r *Request) computeBackoff(rng *rand.Rand) time.Duration {
	factor := r.BackoffFactor
	if factor == 0 {
		factor = 2.0
	}
	base := time.Duration(float64(100*time.Millisecond) * math.Pow(factor, float64(r.currentRetries)))
	if base > r.MaxBackoff {
		base = r.MaxBackoff
	}
	if base < r.MinBackoff {
		base = r.MinBackoff
	}
	var d time.Duration
	switch r.Jitter {
	case EqualJitter:
		half := base / 2
		d = half + time.Duration(rng.Int63n(int64(half)+1))
	default:
		d = time.Duration(rng.Int63n(int64(base) + 1))
	}
	if d < r.MinBackoff {
		d = r.MinBackoff
	}
	return d
}

// isRetryableStatus reports whether status should trigger the default
// retry policy. With no explicit RetryOnCodes it retries anything other
// than a 2xx; 429 is handled separately by the loop's rate-limit path and
// never reaches here.
func (r *Request) isRetryableStatus(status int) bool {
	if len(r.RetryOnCodes) > 0 {
		return r.RetryOnCodes[status]
	}
	return status < 200 || status >= 300
}

// loopRequest is the scheduler-private wrapper around a Request, carrying
// the bookkeeping fields the original keeps directly on
// curl_event_request_t (is_pending/is_cancelled/is_injected, the
// next_pending/next_cancelled intrusive-list pointers, and the live
// transport handle). Kept separate from Request so the public type stays
// a plain builder object with no scheduler-internal state leaking into
// its exported surface.
type loopRequest struct {
	request *Request

	isPending   bool
	isCancelled bool
	isInjected  bool
	finished    bool

	// nextPending threads this node through whichever singly-linked list
	// currently owns it: the cross-thread submission list, or a resource's
	// blocked-waiter FIFO — exactly as next_pending is reused for both
	// purposes in curl_resource.c and curl_event_loop.c.
	nextPending *loopRequest

	// nextCancelled threads this node through the cross-thread
	// cancellation list.
	nextCancelled *loopRequest

	blockedOn  []ResourceID
	retainedOn []ResourceID

	handle transportHandle

	owner *Loop
}
