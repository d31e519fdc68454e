// Package parallel splits per-image work across goroutines in contiguous
// chunks.
package parallel

import (
	"runtime"
	"sync"
)

// Options bounds the fan-out of Range and Each.
type Options struct {
	Workers  int // 0 selects GOMAXPROCS.
	MinChunk int // Items per goroutine below which work stays sequential.
}

// DefaultOptions uses every available CPU with chunks of at least 64 items.
func DefaultOptions() Options {
	return Options{Workers: runtime.GOMAXPROCS(0), MinChunk: 64}
}

// Range calls f on disjoint [lo, hi) chunks covering [0, n) and returns
// once all calls are done. f must only touch state owned by its chunk.
func Range(n int, o Options, f func(lo, hi int)) {
	if n <= 0 {
		return
	}
	workers := o.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	chunk := max((n+workers-1)/workers, o.MinChunk, 1)
	if workers == 1 || chunk >= n {
		f(0, n)
		return
	}

	var wg sync.WaitGroup
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(lo, hi)
		}()
	}
	wg.Wait()
}

// Each calls f(i) for every i in [0, n).
func Each(n int, o Options, f func(i int)) {
	Range(n, o, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			f(i)
		}
	})
}
