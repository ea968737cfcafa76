// Package queue implements the bounded-concurrency scheduler that admits
// remote-session jobs. Admission is strictly FIFO: jobs start in the exact
// order they were enqueued, with at most the configured maximum in flight.
// The queue publishes nothing; callers observe outcomes through handles.
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/sourcegraph/conc/panics"
)

// ErrCleared settles every handle drained by Clear.
var ErrCleared = errors.New("job canceled: queue cleared")

// Job is one unit of deferred work. The context is canceled when the queue
// is cleared; jobs that block must honor it.
type Job func(ctx context.Context) error

// Handle tracks one enqueued job and settles exactly once, with whatever the
// job eventually returns, or with ErrCleared.
type Handle struct {
	done chan struct{}
	once sync.Once
	err  error
}

// Done is closed when the handle has settled.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the job's outcome. Only valid once Done is closed.
func (h *Handle) Err() error {
	return h.err
}

// Wait blocks until the handle settles or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) settle(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

type entry struct {
	job    Job
	handle *Handle
}

// Queue runs enqueued jobs with bounded concurrency and FIFO admission.
type Queue struct {
	mu      sync.Mutex
	max     int
	backlog []*entry
	running map[*entry]context.CancelFunc
}

// New creates a queue running at most maxConcurrency jobs at once.
// A maximum of zero or less means unbounded.
func New(maxConcurrency int) *Queue {
	return &Queue{
		max:     maxConcurrency,
		running: make(map[*entry]context.CancelFunc),
	}
}

// Enqueue admits job and returns its handle. If capacity is free the job
// starts immediately; otherwise it waits its turn behind every job enqueued
// before it. A job's failure settles only its own handle.
func (q *Queue) Enqueue(job Job) *Handle {
	e := &entry{
		job:    job,
		handle: &Handle{done: make(chan struct{})},
	}

	q.mu.Lock()
	q.backlog = append(q.backlog, e)
	q.promote()
	q.mu.Unlock()

	return e.handle
}

// promote starts backlog entries while capacity remains. Callers hold q.mu.
func (q *Queue) promote() {
	for len(q.backlog) > 0 && (q.max <= 0 || len(q.running) < q.max) {
		e := q.backlog[0]
		q.backlog = q.backlog[1:]

		ctx, cancel := context.WithCancel(context.Background())
		q.running[e] = cancel
		go q.run(ctx, cancel, e)
	}
}

func (q *Queue) run(ctx context.Context, cancel context.CancelFunc, e *entry) {
	defer cancel()

	var err error
	if r := panics.Try(func() { err = e.job(ctx) }); r != nil {
		err = r.AsError()
	}

	q.mu.Lock()
	delete(q.running, e)
	q.promote()
	q.mu.Unlock()

	e.handle.settle(err)
}

// Clear cancels every pending and in-flight job. Pending jobs never start;
// in-flight jobs get their contexts canceled. Every affected handle settles
// with ErrCleared. The queue stays usable for jobs enqueued afterwards.
func (q *Queue) Clear() {
	q.mu.Lock()
	pending := q.backlog
	q.backlog = nil

	inflight := make([]*entry, 0, len(q.running))
	cancels := make([]context.CancelFunc, 0, len(q.running))
	for e, cancel := range q.running {
		inflight = append(inflight, e)
		cancels = append(cancels, cancel)
	}
	q.mu.Unlock()

	for _, e := range pending {
		e.handle.settle(ErrCleared)
	}
	for i, e := range inflight {
		e.handle.settle(ErrCleared)
		cancels[i]()
	}
}

// Active returns the number of jobs currently executing.
func (q *Queue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.running)
}

// Pending returns the number of jobs waiting to start.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.backlog)
}
