package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// waitForCondition polls until condition returns true or the timeout expires
func waitForCondition(t *testing.T, condition func() bool, timeout time.Duration, msg string) {
	t.Helper()
	deadline := time.After(timeout)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for condition: %s", msg)
		case <-ticker.C:
			if condition() {
				return
			}
		}
	}
}

// startTracker records the order in which jobs begin and the peak number
// executing at once
type startTracker struct {
	mu    sync.Mutex
	order []int
	cur   int
	peak  int
}

func (s *startTracker) begin(i int) {
	s.mu.Lock()
	s.order = append(s.order, i)
	s.cur++
	if s.cur > s.peak {
		s.peak = s.cur
	}
	s.mu.Unlock()
}

func (s *startTracker) end() {
	s.mu.Lock()
	s.cur--
	s.mu.Unlock()
}

func (s *startTracker) started() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

func (s *startTracker) startOrder() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.order...)
}

// TestQueueStartsJobsInEnqueueOrder tests FIFO admission with a concurrency bound:
// jobs start in exactly the order they were enqueued and never more than the
// maximum run at once
func TestQueueStartsJobsInEnqueueOrder(t *testing.T) {
	const (
		numJobs = 6
		maxRun  = 2
	)

	q := New(maxRun)
	tracker := &startTracker{}
	release := make([]chan struct{}, numJobs)
	handles := make([]*Handle, numJobs)

	for i := 0; i < numJobs; i++ {
		release[i] = make(chan struct{})
		i := i
		handles[i] = q.Enqueue(func(ctx context.Context) error {
			tracker.begin(i)
			defer tracker.end()
			<-release[i]
			return nil
		})
	}

	waitForCondition(t, func() bool { return tracker.started() == maxRun }, time.Second, "first two jobs start")
	assert.Equal(t, []int{0, 1}, tracker.startOrder())
	assert.Equal(t, numJobs-maxRun, q.Pending())

	// Finishing one job promotes exactly the next backlog entry.
	close(release[0])
	waitForCondition(t, func() bool { return tracker.started() == 3 }, time.Second, "third job starts")
	assert.Equal(t, []int{0, 1, 2}, tracker.startOrder())

	for i := 1; i < numJobs; i++ {
		close(release[i])
	}
	for i, h := range handles {
		require.NoError(t, h.Wait(context.Background()), "job %d", i)
	}

	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, tracker.startOrder())
	assert.LessOrEqual(t, tracker.peak, maxRun, "active jobs must never exceed the bound")
	assert.Equal(t, 0, q.Active())
	assert.Equal(t, 0, q.Pending())
}

// TestQueueUnboundedConcurrency tests that a non-positive maximum places no bound
func TestQueueUnboundedConcurrency(t *testing.T) {
	q := New(0)
	tracker := &startTracker{}
	release := make(chan struct{})

	var handles []*Handle
	for i := 0; i < 4; i++ {
		i := i
		handles = append(handles, q.Enqueue(func(ctx context.Context) error {
			tracker.begin(i)
			defer tracker.end()
			<-release
			return nil
		}))
	}

	waitForCondition(t, func() bool { return tracker.started() == 4 }, time.Second, "all jobs start immediately")
	close(release)
	for _, h := range handles {
		require.NoError(t, h.Wait(context.Background()))
	}
}

// TestQueueFailureIsolation tests that one job's failure settles only its own
// handle and does not block promotion of the next entry
func TestQueueFailureIsolation(t *testing.T) {
	q := New(1)
	failure := errors.New("job one broke")

	h1 := q.Enqueue(func(ctx context.Context) error {
		return failure
	})
	h2 := q.Enqueue(func(ctx context.Context) error {
		return nil
	})

	err1 := h1.Wait(context.Background())
	err2 := h2.Wait(context.Background())

	assert.ErrorIs(t, err1, failure)
	assert.NoError(t, err2, "the second job must still run and succeed")
}

// TestQueueClearCancelsEverything tests that Clear settles every pending and
// in-flight handle with ErrCleared and starts nothing further
func TestQueueClearCancelsEverything(t *testing.T) {
	const numJobs = 5

	q := New(2)
	tracker := &startTracker{}
	handles := make([]*Handle, numJobs)

	for i := 0; i < numJobs; i++ {
		i := i
		handles[i] = q.Enqueue(func(ctx context.Context) error {
			tracker.begin(i)
			defer tracker.end()
			<-ctx.Done()
			return ctx.Err()
		})
	}

	waitForCondition(t, func() bool { return tracker.started() == 2 }, time.Second, "two jobs in flight")

	q.Clear()

	for i, h := range handles {
		require.ErrorIs(t, h.Wait(context.Background()), ErrCleared, "handle %d", i)
	}
	assert.Equal(t, 2, tracker.started(), "no pending job may start after Clear")
	waitForCondition(t, func() bool { return q.Active() == 0 }, time.Second, "in-flight jobs drain")
	assert.Equal(t, 0, q.Pending())
}

// TestQueuePanicBecomesError tests that a panicking job settles its handle
// with an error instead of crashing the queue
func TestQueuePanicBecomesError(t *testing.T) {
	q := New(1)

	h1 := q.Enqueue(func(ctx context.Context) error {
		panic("kaboom")
	})
	h2 := q.Enqueue(func(ctx context.Context) error {
		return nil
	})

	err := h1.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
	assert.NoError(t, h2.Wait(context.Background()), "queue keeps promoting after a panic")
}

// TestQueueWaitHonorsContext tests that Wait returns when the caller's
// context expires before the job settles
func TestQueueWaitHonorsContext(t *testing.T) {
	q := New(1)
	release := make(chan struct{})
	defer close(release)

	h := q.Enqueue(func(ctx context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := h.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestQueueUsableAfterClear tests that jobs enqueued after Clear still run
func TestQueueUsableAfterClear(t *testing.T) {
	q := New(1)
	q.Clear()

	h := q.Enqueue(func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, h.Wait(context.Background()))
}
