// Package accel provides the device abstraction the two solver workers run
// on: Streams (bounded worker pools, one set per worker thread) and the
// data-parallel primitives the contact-detection and force pipelines are
// built from (parallel for, stable key-value radix sort, exclusive scan,
// run-length encoding, reductions).
//
// The primitives are pure: they touch only the slices they are given and
// never share state between calls, so a Stream owned by the kinematic
// worker can never interfere with one owned by the dynamic worker.
package accel

import (
	"runtime"
	"sync"
)

// serialThreshold is the element count below which parallel dispatch costs
// more than it saves and loops run on the calling goroutine.
const serialThreshold = 2048

// Stream is a bounded pool of workers that executes data-parallel loops.
// Each solver worker holds its own Streams; Streams are never shared
// across workers.
type Stream struct {
	workers int
}

// NewStream creates a Stream with the given worker count. A non-positive
// count selects a default based on the machine size, leaving headroom for
// the other worker thread and the coordinator.
func NewStream(workers int) *Stream {
	if workers <= 0 {
		workers = runtime.NumCPU() / 2
		if workers < 1 {
			workers = 1
		}
	}
	return &Stream{workers: workers}
}

// Workers reports the worker count of the stream.
func (s *Stream) Workers() int { return s.workers }

// For executes body(i) for every i in [0, n), in parallel when n is large
// enough to pay for the dispatch. Iterations must not depend on each other.
func (s *Stream) For(n int, body func(i int)) {
	s.ForChunk(n, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			body(i)
		}
	})
}

// ForChunk splits [0, n) into contiguous chunks and executes body(lo, hi)
// on each, in parallel. Useful when the body wants per-chunk scratch space.
func (s *Stream) ForChunk(n int, body func(lo, hi int)) {
	if n <= 0 {
		return
	}
	if n < serialThreshold || s.workers == 1 {
		body(0, n)
		return
	}
	nchunks := s.workers
	chunk := (n + nchunks - 1) / nchunks
	var wg sync.WaitGroup
	for lo := 0; lo < n; lo += chunk {
		hi := lo + chunk
		if hi > n {
			hi = n
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			body(lo, hi)
		}(lo, hi)
	}
	wg.Wait()
}
