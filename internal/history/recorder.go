package history

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/bigstream/internal/log"
	"github.com/mattjoyce/bigstream/internal/mux"
	"github.com/mattjoyce/bigstream/internal/pipeerr"
	"github.com/mattjoyce/bigstream/internal/protocol"
)

const (
	writeTimeout = 5 * time.Second
	queueSize    = 256
)

// ErrRecorderClosed is returned by Flush after Close.
var ErrRecorderClosed = errors.New("history recorder closed")

// Recorder is a mux.Host writing one history entry per terminal control
// record. Errors reported after a failed run classify that run.
//
// Send and ReportError are called with the engine's emission locks held, so
// writes go through a buffered queue drained by a single worker. Writes are
// applied in order. When the queue is full the write is dropped and logged.
type Recorder struct {
	store  *Store
	logger *slog.Logger

	ops  chan func(context.Context)
	done chan struct{}

	mu         sync.RWMutex
	closed     bool
	lastFailed string
}

var _ mux.Host = (*Recorder)(nil)

// NewRecorder returns a Recorder writing to store. Close it to flush pending
// writes before the store's database is closed.
func NewRecorder(store *Store) *Recorder {
	r := &Recorder{
		store:  store,
		logger: log.WithComponent("history"),
		ops:    make(chan func(context.Context), queueSize),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.done)
	for op := range r.ops {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		op(ctx)
		cancel()
	}
}

// enqueue hands op to the worker without blocking. It fails when the queue
// is full or the recorder is closed.
func (r *Recorder) enqueue(op func(context.Context)) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false
	}
	select {
	case r.ops <- op:
		return true
	default:
		return false
	}
}

func (r *Recorder) Send(out protocol.Outbound) {
	msg := out.Channel(mux.ControlChannel)
	if msg == nil || msg.Control == nil {
		return
	}
	c := msg.Control
	if c.State != protocol.StateEnd && c.State != protocol.StateError {
		return
	}

	entry := EntryFrom(c)
	ok := r.enqueue(func(ctx context.Context) {
		if err := r.store.Record(ctx, entry); err != nil {
			r.logger.Error("failed to record run", "run_id", entry.RunID, "error", err)
		}
	})
	if !ok {
		r.logger.Warn("history write dropped, run not recorded", "run_id", c.RunID)
	}

	r.mu.Lock()
	if ok && c.State == protocol.StateError {
		r.lastFailed = c.RunID
	} else {
		r.lastFailed = ""
	}
	r.mu.Unlock()
}

func (r *Recorder) SetStatus(mux.Status) {}

func (r *Recorder) ReportError(err error) {
	r.mu.Lock()
	runID := r.lastFailed
	r.lastFailed = ""
	r.mu.Unlock()
	if runID == "" {
		return
	}

	kind := pipeerr.Kind(err)
	ok := r.enqueue(func(ctx context.Context) {
		if err := r.store.SetErrorKind(ctx, runID, kind); err != nil {
			r.logger.Error("failed to classify run", "run_id", runID, "error", err)
		}
	})
	if !ok {
		r.logger.Warn("history write dropped, run not classified", "run_id", runID)
	}
}

// Flush waits until every write queued before the call has been applied.
func (r *Recorder) Flush(ctx context.Context) error {
	applied := make(chan struct{})
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return ErrRecorderClosed
	}
	select {
	case r.ops <- func(context.Context) { close(applied) }:
	case <-ctx.Done():
		r.mu.RUnlock()
		return ctx.Err()
	}
	r.mu.RUnlock()

	select {
	case <-applied:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close applies pending writes and stops the worker. Later Sends are
// dropped. Close is idempotent.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.ops)
	}
	r.mu.Unlock()
	<-r.done
	return nil
}
