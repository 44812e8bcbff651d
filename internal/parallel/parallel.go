// Package parallel provides the fork-join parallel-for used by the state
// codecs. Work is split into at most NumWorkers contiguous chunks and each
// chunk is told its worker index, so callers can give every worker its own
// scratch space.
package parallel

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

type Pool struct {
	workers  int
	minChunk int
}

// New creates a pool. workers <= 0 means GOMAXPROCS; minChunk is the
// smallest iteration count that is worth splitting.
func New(workers, minChunk int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if minChunk < 1 {
		minChunk = 1
	}
	return &Pool{workers: workers, minChunk: minChunk}
}

// Sequential is a single-worker pool.
func Sequential() *Pool {
	return New(1, 1)
}

func (p *Pool) NumWorkers() int { return p.workers }

// For runs fn(worker, start, end) over [0, n) and blocks until every chunk
// has finished. worker is in [0, NumWorkers()) and unique among concurrently
// running chunks.
func (p *Pool) For(n int, fn func(worker, start, end int)) {
	if n <= 0 {
		return
	}
	workers := min(p.workers, n)
	if workers == 1 || n < p.minChunk {
		fn(0, 0, n)
		return
	}

	chunk := (n + workers - 1) / workers
	var g errgroup.Group
	g.SetLimit(workers)
	for w := 0; w < workers; w++ {
		start := w * chunk
		if start >= n {
			break
		}
		end := min(start+chunk, n)
		g.Go(func() error {
			fn(w, start, end)
			return nil
		})
	}
	_ = g.Wait()
}

// For3D runs fn for every (i, j, k) in [0,d0)x[0,d1)x[0,d2).
func (p *Pool) For3D(d0, d1, d2 int, fn func(worker, i, j, k int)) {
	if d0 <= 0 || d1 <= 0 || d2 <= 0 {
		return
	}
	inner := d1 * d2
	p.For(d0*inner, func(worker, start, end int) {
		for idx := start; idx < end; idx++ {
			i := idx / inner
			r := idx % inner
			fn(worker, i, r/d2, r%d2)
		}
	})
}
