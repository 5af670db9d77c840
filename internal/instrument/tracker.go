// Package instrument owns the RuntimeControl record of the engine: the single
// mutable record tracking counters, timing, state and last error of the
// current (or just finished) run.
package instrument

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/mattjoyce/bigstream/internal/config"
	"github.com/mattjoyce/bigstream/internal/log"
	"github.com/mattjoyce/bigstream/internal/mux"
	"github.com/mattjoyce/bigstream/internal/protocol"
	"github.com/mattjoyce/bigstream/internal/ratelimit"
)

const (
	messageRunning = "running..."
	messageSuccess = "success"
)

// Tracker instruments one run at a time. Every emission happens under the
// tracker lock so the control stream keeps its order: start, running...,
// then exactly one end or error.
type Tracker struct {
	mu       sync.Mutex
	out      *mux.Mux
	limiter  *ratelimit.Limiter
	now      func() time.Time
	progress string
	logger   *slog.Logger

	ctl        protocol.Control
	checkpoint int64
	sent       int64
	busy       bool
	finished   bool
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithProgress selects the progress rendering: config.ProgressFilesize or
// config.ProgressRecords.
func WithProgress(kind string) Option {
	return func(t *Tracker) { t.progress = kind }
}

// New returns an idle Tracker emitting through out.
func New(out *mux.Mux, opts ...Option) *Tracker {
	t := &Tracker{
		out:      out,
		limiter:  ratelimit.New(ratelimit.DefaultInterval, ratelimit.DefaultInterval),
		now:      time.Now,
		progress: config.ProgressFilesize,
		logger:   log.WithComponent("instrument"),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.ctl.State = protocol.StateEnd
	return t
}

// OnStart resets the record for a new run, emits the start control message
// unconditionally and marks the engine busy. It returns the new run id.
func (t *Tracker) OnStart(cfg config.Resolved, parent *protocol.Control) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.ctl = protocol.Control{
		RunID:   uuid.NewString(),
		State:   protocol.StateStart,
		Message: messageRunning,
		Start:   &now,
		Config:  cfg.Redacted(),
		Control: parent.Clone(),
	}
	t.checkpoint = cfg.Int(config.OptCheckpoint, 100)
	if t.checkpoint <= 0 {
		t.checkpoint = 100
	}
	t.sent = 0
	t.limiter.SetIntervals(
		cfg.Millis(config.OptStatusRate, ratelimit.DefaultInterval),
		cfg.Millis(config.OptControlRate, ratelimit.DefaultInterval),
	)
	t.busy = true
	t.finished = false

	t.out.EmitControl(t.ctl.Clone())
	t.logger.Debug("run started", "run_id", t.ctl.RunID)
	return t.ctl.RunID
}

// OnTick adds counter deltas and offers a rate-limited running update. The
// update is only sent once at least one whole second has elapsed.
func (t *Tracker) OnTick(deltaBytes, deltaRecords int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.busy {
		return
	}
	t.ctl.Size += deltaBytes
	t.ctl.Records += deltaRecords

	now := t.now()
	t.limiter.TryEmit(ratelimit.Control, now, func() {
		elapsed := int64(now.Sub(*t.ctl.Start) / time.Second)
		if elapsed <= 0 {
			return
		}
		t.ctl.Speed = float64(t.ctl.Size) / float64(elapsed)
		t.ctl.State = protocol.StateRunning
		t.out.EmitControl(t.ctl.Clone())
	})
}

// OnSend is called for every record sent on the payload channel. Every
// checkpoint-th record offers a rate-limited visual progress update.
func (t *Tracker) OnSend() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.busy {
		return
	}
	t.sent++
	if t.sent%t.checkpoint != 0 {
		return
	}
	t.limiter.TryEmit(ratelimit.Status, t.now(), func() {
		t.out.SetStatus(mux.Sending(t.progressText()))
	})
}

// OnFinish closes the run: it emits the terminal control message, sets the
// visual state, marks the engine idle and reports errors to the host. A
// second call for the same run is ignored and returns false.
func (t *Tracker) OnFinish(err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finished || t.ctl.Start == nil {
		return false
	}
	t.finished = true

	end := t.now()
	t.ctl.End = &end
	t.ctl.Speed = 0
	if err != nil {
		t.ctl.State = protocol.StateError
		t.ctl.Error = err.Error()
		t.ctl.Message = err.Error()
		t.out.SetStatus(mux.Failed(err))
	} else {
		t.ctl.State = protocol.StateEnd
		t.ctl.Error = ""
		t.ctl.Message = messageSuccess
		t.out.SetStatus(mux.Done(t.progressText()))
	}

	t.out.EmitControl(t.ctl.Clone())
	t.busy = false

	if err != nil {
		t.out.ReportError(err)
		t.logger.Warn("run failed", "run_id", t.ctl.RunID, "error", err)
	} else {
		t.logger.Debug("run finished", "run_id", t.ctl.RunID, "records", t.ctl.Records, "size", t.ctl.Size)
	}
	return true
}

// SetParent records the inbound control that closes a block-mode stream.
func (t *Tracker) SetParent(parent *protocol.Control) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ctl.Control = parent.Clone()
}

// Snapshot returns a copy of the current record.
func (t *Tracker) Snapshot() protocol.Control {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.ctl.Clone()
}

// Busy reports whether a run is between OnStart and OnFinish.
func (t *Tracker) Busy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.busy
}

// Progress renders the current progress text.
func (t *Tracker) Progress() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progressText()
}

func (t *Tracker) progressText() string {
	switch t.progress {
	case config.ProgressRecords:
		return fmt.Sprintf("%d records", t.ctl.Records)
	case config.ProgressFilesize, "":
		return humanize.Bytes(uint64(t.ctl.Size))
	default:
		return "..."
	}
}
