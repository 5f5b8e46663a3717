// Package worker runs per-unit work across a pool of goroutines. Work is
// partitioned into index-range chunks; each chunk writes only to its own
// disjoint slice of the preallocated output buffers, so no locking is needed.
package worker

import (
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Pool describes a chunked parallel map over unit indices.
type Pool struct {
	// Workers is the number of concurrent goroutines. Values < 1 mean one.
	Workers int

	// ChunkSize is the number of units per chunk, a load-balancing tunable.
	// Values < 1 fall back to a size that yields roughly 4 chunks per worker.
	ChunkSize int

	// Progress, when non-nil, is called after each completed chunk with the
	// cumulative number of processed units. It must not affect results.
	Progress func(done, total int)
}

// Range is a half-open chunk of unit indices [Start, End).
type Range struct {
	Start, End int
}

// Chunks partitions n units into ranges of the configured chunk size.
func (p *Pool) Chunks(n int) []Range {
	chunk := p.ChunkSize
	if chunk < 1 {
		workers := p.Workers
		if workers < 1 {
			workers = 1
		}
		chunk = (n + workers*4 - 1) / (workers * 4)
		if chunk < 1 {
			chunk = 1
		}
	}
	var out []Range
	for start := 0; start < n; start += chunk {
		end := start + chunk
		if end > n {
			end = n
		}
		out = append(out, Range{Start: start, End: end})
	}
	return out
}

// Run executes fn over every chunk of n units. fn is called with the chunk
// range and must only write to outputs at indices within it. The first error
// stops the pool and is returned.
func (p *Pool) Run(n int, fn func(r Range) error) error {
	if n <= 0 {
		return fmt.Errorf("no units to process")
	}
	workers := p.Workers
	if workers < 1 {
		workers = 1
	}

	chunks := p.Chunks(n)
	if workers == 1 {
		done := 0
		for _, r := range chunks {
			if err := fn(r); err != nil {
				return err
			}
			done += r.End - r.Start
			if p.Progress != nil {
				p.Progress(done, n)
			}
		}
		return nil
	}

	// Both channels are buffered to the chunk count so a failing worker can
	// drain out without blocking the others or the reporter.
	work := make(chan Range, len(chunks))
	counts := make(chan int, len(chunks))
	for _, r := range chunks {
		work <- r
	}
	close(work)

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for r := range work {
				if err := fn(r); err != nil {
					return err
				}
				counts <- r.End - r.Start
			}
			return nil
		})
	}

	// Progress accounting runs outside the worker group so workers never
	// block on the callback.
	reporterDone := make(chan struct{})
	go func() {
		done := 0
		for c := range counts {
			done += c
			if p.Progress != nil {
				p.Progress(done, n)
			}
		}
		close(reporterDone)
	}()

	err := g.Wait()
	close(counts)
	<-reporterDone
	return err
}
