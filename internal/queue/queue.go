// Package queue serializes runs: at most one run holds the slot, generator
// jobs submitted meanwhile wait in memory and block-mode runs claim the slot
// once the queue is idle.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/bigstream/internal/log"
)

// ErrNilRun is reported when a StartFunc returns no run.
var ErrNilRun = errors.New("start returned no run")

// Queue holds the single run slot.
type Queue struct {
	order  Order
	start  StartFunc
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	busy    bool
	pending []*Job
	// idle is closed when the slot is released with nothing pending.
	idle chan struct{}
}

// New returns an idle queue starting jobs with start.
func New(order Order, start StartFunc) *Queue {
	if order == "" {
		order = LIFO
	}
	idle := make(chan struct{})
	close(idle)
	return &Queue{
		order:  order,
		start:  start,
		now:    time.Now,
		logger: log.WithComponent("queue"),
		idle:   idle,
	}
}

// Submit starts job right away when the slot is free, in the caller's
// goroutine, otherwise queues it. It returns the job id.
func (q *Queue) Submit(job *Job) string {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = q.now()
	}

	q.mu.Lock()
	if q.busy {
		q.pending = append(q.pending, job)
		depth := len(q.pending)
		q.mu.Unlock()
		q.logger.Debug("job queued", "job_id", job.ID, "generator", job.Generator, "depth", depth)
		return job.ID
	}
	q.claim()
	q.mu.Unlock()

	q.run(job)
	return job.ID
}

// Exclusive waits until the queue is idle, claims the slot and calls fn.
// The slot is released when the returned run is done.
func (q *Queue) Exclusive(ctx context.Context, fn func() Run) (Run, error) {
	for {
		q.mu.Lock()
		if !q.busy {
			q.claim()
			q.mu.Unlock()
			break
		}
		idle := q.idle
		q.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	r := fn()
	if r == nil {
		q.release()
		return nil, ErrNilRun
	}
	go q.await(r)
	return r, nil
}

// Depth returns the number of queued jobs.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Busy reports whether a run holds the slot.
func (q *Queue) Busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.busy
}

// Stats returns a snapshot of the queue, pending ids in run order.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := make([]string, 0, len(q.pending))
	for i := range q.pending {
		ids = append(ids, q.pending[q.index(i)].ID)
	}
	return Stats{Busy: q.busy, Depth: len(q.pending), Pending: ids, Order: q.order}
}

// Drain blocks until every queued job ran and the slot is free.
func (q *Queue) Drain(ctx context.Context) error {
	for {
		q.mu.Lock()
		if !q.busy {
			q.mu.Unlock()
			return nil
		}
		idle := q.idle
		q.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// claim marks the slot taken. Caller holds mu.
func (q *Queue) claim() {
	q.busy = true
	q.idle = make(chan struct{})
}

func (q *Queue) release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.busy = false
	close(q.idle)
}

// index maps a position in run order onto the pending slice. Caller holds mu.
func (q *Queue) index(i int) int {
	if q.order == FIFO {
		return i
	}
	return len(q.pending) - 1 - i
}

func (q *Queue) run(job *Job) {
	q.logger.Debug("starting job", "job_id", job.ID, "generator", job.Generator, "waited", q.now().Sub(job.SubmittedAt))
	r := q.start(job)
	if r == nil {
		q.logger.Error("job did not start", "job_id", job.ID, "error", ErrNilRun)
		q.next()
		return
	}
	go q.await(r)
}

func (q *Queue) await(r Run) {
	<-r.Done()
	q.next()
}

// next hands the slot to the next pending job or releases it.
func (q *Queue) next() {
	q.mu.Lock()
	if len(q.pending) == 0 {
		q.busy = false
		close(q.idle)
		q.mu.Unlock()
		return
	}
	i := q.index(0)
	job := q.pending[i]
	q.pending = append(q.pending[:i], q.pending[i+1:]...)
	q.mu.Unlock()

	q.run(job)
}
