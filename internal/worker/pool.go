// Package worker runs queue messages through a bounded goroutine
// pool. The distributed fleet runs one single-threaded worker per
// process; this pool serves the single-machine mode, where the file
// queue drains locally and parallelism has to come from within.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/tilezen/joerd/internal/queue"
)

// Result is the outcome of one processed message.
type Result struct {
	Err     error
	Elapsed time.Duration
}

// ProgressFunc is called after each message completes.
type ProgressFunc func(completed, total, failed int)

type Config struct {
	Workers    int
	Handler    queue.Handler
	OnProgress ProgressFunc
}

type Pool struct {
	workers    int
	handler    queue.Handler
	onProgress ProgressFunc
}

func New(cfg Config) *Pool {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		workers:    workers,
		handler:    cfg.Handler,
		onProgress: cfg.OnProgress,
	}
}

// OnProgress replaces the progress callback, so one pool can serve
// multiple phases with separate reporters.
func (p *Pool) OnProgress(fn ProgressFunc) {
	p.onProgress = fn
}

// Run processes every message body and blocks until all are done or
// the context is cancelled. Cancelled messages report ctx.Err().
func (p *Pool) Run(ctx context.Context, bodies [][]byte) []Result {
	if len(bodies) == 0 {
		return nil
	}

	work := make(chan []byte, len(bodies))
	resultCh := make(chan Result, len(bodies))

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for body := range work {
				resultCh <- p.process(ctx, body)
			}
		}()
	}

	for _, body := range bodies {
		work <- body
	}
	close(work)
	wg.Wait()
	close(resultCh)

	var completed, failed int
	results := make([]Result, 0, len(bodies))
	for r := range resultCh {
		results = append(results, r)
		completed++
		if r.Err != nil {
			failed++
		}
		if p.onProgress != nil {
			p.onProgress(completed, len(bodies), failed)
		}
	}
	return results
}

func (p *Pool) process(ctx context.Context, body []byte) Result {
	if err := ctx.Err(); err != nil {
		return Result{Err: err}
	}
	start := time.Now()
	err := p.handler(body)
	return Result{Err: err, Elapsed: time.Since(start)}
}
