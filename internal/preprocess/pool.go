package preprocess

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Pool runs Prepare over a bounded set of goroutines.
type Pool struct {
	prep    *Preprocessor
	workers int
}

// NewPool returns a Pool with the given number of workers; workers <= 0
// uses one worker per CPU.
func NewPool(prep *Preprocessor, workers int) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Pool{prep: prep, workers: workers}
}

// Workers returns the pool size.
func (p *Pool) Workers() int {
	return p.workers
}

// Run prepares paths concurrently and returns items in input order. Each
// worker writes only its own slot, so no locking is needed.
func (p *Pool) Run(ctx context.Context, paths []string) []Item {
	items := make([]Item, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, path := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				items[i] = Item{Path: path, Err: err}
				return nil
			}
			items[i] = p.prep.Prepare(path)
			return nil
		})
	}
	_ = g.Wait()
	return items
}
