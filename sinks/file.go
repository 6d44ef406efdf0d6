// Copyright 2017 Aleksey Blinov. All rights reserved.

package sinks

import (
	"os"

	"github.com/arcflow-dev/eventhttp"
)

// File is a Sink that streams the response body straight to disk,
// avoiding the full in-memory buffering Memory does; useful for large
// downloads where MaxResponseSize is left unset or set high. Complete/
// Failure/Destroy all run on the loop's own goroutine (see loop.go's
// applyDecision/finish), so closing (and flushing) the file descriptor is
// handed off to a WorkerPool when one is supplied, rather than blocking
// the scheduler on disk I/O the way worker_pool.c's work_queue_t exists to
// avoid for its own callers.
type File struct {
	path string
	pool *eventhttp.WorkerPool
	f    *os.File
}

// NewFile returns a Sink that will create (or truncate) path on Init and
// close it synchronously on Complete/Failure/Destroy.
func NewFile(path string) *File {
	return &File{path: path}
}

// NewFileWithPool is NewFile, but offloads the closing file descriptor's
// flush onto pool instead of blocking the caller (the loop goroutine).
func NewFileWithPool(path string, pool *eventhttp.WorkerPool) *File {
	return &File{path: path, pool: pool}
}

func (s *File) Init(contentLengthHint int64) error {
	f, err := os.Create(s.path)
	if err != nil {
		return err
	}
	s.f = f
	return nil
}

func (s *File) Write(p []byte) (int, error) {
	if s.f == nil {
		return len(p), nil
	}
	return s.f.Write(p)
}

func (s *File) Complete(req *eventhttp.Request) {
	s.close()
}

func (s *File) Failure(err error, httpStatus int, req *eventhttp.Request) {
	s.close()
}

func (s *File) Destroy() {
	s.close()
}

func (s *File) close() {
	f := s.f
	s.f = nil
	if f == nil {
		return
	}
	if s.pool != nil {
		s.pool.Submit(func() { _ = f.Close() })
		return
	}
	_ = f.Close()
}
