package storage

import (
	"context"
	"sync"
	"sync/atomic"

	serrors "github.com/xtxerr/timestore/internal/errors"
)

// task is one unit of work for the collection worker.
type task struct {
	ctx  context.Context
	run  func(ctx context.Context) error
	done chan error
}

// queue is a bounded single-consumer task queue. Rollups and batch
// mutations run on its worker one at a time, in submission order.
type queue struct {
	mu     sync.RWMutex
	closed bool
	ch     chan task
	wg     sync.WaitGroup

	onDepth func(int)

	// Statistics
	stats queueStats
}

type queueStats struct {
	Submitted atomic.Int64
	Completed atomic.Int64
	Failed    atomic.Int64
}

func newQueue(size int, onDepth func(int)) *queue {
	if onDepth == nil {
		onDepth = func(int) {}
	}
	return &queue{
		ch:      make(chan task, size),
		onDepth: onDepth,
	}
}

func (q *queue) start() {
	q.wg.Add(1)
	go q.worker()
}

func (q *queue) worker() {
	defer q.wg.Done()

	for t := range q.ch {
		q.onDepth(len(q.ch))
		err := t.run(t.ctx)
		if err != nil {
			q.stats.Failed.Add(1)
		} else {
			q.stats.Completed.Add(1)
		}
		t.done <- err
	}
}

// submit enqueues fn and returns a channel that receives its result. It
// blocks while the queue is full, until ctx is done.
func (q *queue) submit(ctx context.Context, fn func(ctx context.Context) error) (<-chan error, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return nil, serrors.ErrClosed
	}

	t := task{ctx: ctx, run: fn, done: make(chan error, 1)}
	select {
	case q.ch <- t:
		q.stats.Submitted.Add(1)
		q.onDepth(len(q.ch))
		return t.done, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// do submits fn and waits for it to finish.
func (q *queue) do(ctx context.Context, fn func(ctx context.Context) error) error {
	done, err := q.submit(ctx, fn)
	if err != nil {
		return err
	}
	return <-done
}

// drain waits until every task submitted before it has run.
func (q *queue) drain(ctx context.Context) error {
	return q.do(ctx, func(context.Context) error { return nil })
}

// stop rejects new tasks, runs the ones already queued, and waits for the
// worker to exit. Calling it twice is safe.
func (q *queue) stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()

	q.wg.Wait()
}

func (q *queue) depth() int {
	return len(q.ch)
}
