// Package worker fans jobs out to one ordered loop per key, throttled by
// a shared semaphore: one key's jobs run strictly in arrival order while
// distinct keys interleave up to the concurrency limit. Loops are started
// lazily and torn down when their key is dropped, so a long-lived process
// does not accumulate loops for retired keys.
package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
)

var (
	// ErrQueueFull reports a dropped job; enqueueing never blocks the
	// caller.
	ErrQueueFull = errors.New("worker: queue full")
	ErrClosed    = errors.New("worker: group closed")
)

type GroupOptions[J any] struct {
	Ctx            context.Context
	MaxConcurrency int
	QueueSize      int
	Handle         func(context.Context, J)
}

// Group owns the per-key loops. Channel creation, sends, and closes all
// happen under one mutex so a drop can never race an enqueue into a
// send on a closed channel.
type Group[J any] struct {
	ctx       context.Context
	sem       chan struct{}
	queueSize int
	handle    func(context.Context, J)

	mu     sync.Mutex
	jobs   map[string]chan J
	closed bool
}

func NewGroup[J any](opts GroupOptions[J]) *Group[J] {
	if opts.Ctx == nil {
		opts.Ctx = context.Background()
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1
	}
	return &Group[J]{
		ctx:       opts.Ctx,
		sem:       make(chan struct{}, opts.MaxConcurrency),
		queueSize: opts.QueueSize,
		handle:    opts.Handle,
		jobs:      make(map[string]chan J),
	}
}

// Enqueue hands a job to the key's loop, starting the loop on first use.
// A full queue drops the job with ErrQueueFull so a slow key cannot
// stall the event source feeding the group.
func (g *Group[J]) Enqueue(key string, job J) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrClosed
	}
	jobs, ok := g.jobs[key]
	if !ok {
		jobs = make(chan J, g.queueSize)
		g.jobs[key] = jobs
		g.run(jobs)
	}
	select {
	case jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// DropPrefix closes and forgets every loop whose key starts with prefix.
// Each loop drains its buffered jobs and exits.
func (g *Group[J]) DropPrefix(prefix string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for key, jobs := range g.jobs {
		if strings.HasPrefix(key, prefix) {
			close(jobs)
			delete(g.jobs, key)
		}
	}
}

// Close rejects further jobs and closes every loop. Buffered jobs still
// drain unless the context is canceled first.
func (g *Group[J]) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	for key, jobs := range g.jobs {
		close(jobs)
		delete(g.jobs, key)
	}
}

func (g *Group[J]) run(jobs <-chan J) {
	go func() {
		for {
			select {
			case <-g.ctx.Done():
				return
			case job, ok := <-jobs:
				if !ok {
					return
				}
				select {
				case g.sem <- struct{}{}:
				case <-g.ctx.Done():
					return
				}
				g.handle(g.ctx, job)
				<-g.sem
			}
		}
	}()
}
