// Copyright 2017 Aleksey Blinov. All rights reserved.

// Package eventhttp is an asynchronous HTTP request orchestrator built atop
// a non-blocking, multiplexed transport. A single-threaded event loop
// schedules many concurrent outbound requests against per-key rate limits,
// a resource dependency graph, jittered retry backoff, and a pluggable
// streaming sink.
package eventhttp
