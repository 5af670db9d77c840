// Package engine turns inbound messages into serialized, instrumented runs.
//
// Handle dispatches each message either to the block-mode state machine
// (explicit start/data/end control messages) or, when a generator kind and a
// trigger value are present, to the job queue as a generator-mode run.
// Control-less messages without a generator role are treated as standalone:
// a self-contained start, data and end triple.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/bigstream/internal/config"
	"github.com/mattjoyce/bigstream/internal/instrument"
	"github.com/mattjoyce/bigstream/internal/log"
	"github.com/mattjoyce/bigstream/internal/mux"
	"github.com/mattjoyce/bigstream/internal/parser"
	"github.com/mattjoyce/bigstream/internal/pipeline"
	"github.com/mattjoyce/bigstream/internal/protocol"
	"github.com/mattjoyce/bigstream/internal/queue"
	"github.com/mattjoyce/bigstream/internal/source"
)

// Options configures an Engine.
type Options struct {
	// Base is the static configuration every request override merges onto.
	Base        map[string]any
	Credentials config.Credentials
	Generators  *source.Registry
	Parsers     *parser.Registry
	QueueOrder  queue.Order
	// TemplateFields are copied from the first request of a run onto every
	// emitted message. Nil selects config.DefaultTemplateFields.
	TemplateFields []string
	Progress       string
	Clock          func() time.Time
}

// FromConfig builds engine options from the service configuration.
func FromConfig(cfg *config.Config) (Options, error) {
	order, err := queue.ParseOrder(cfg.Engine.QueueOrder)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Base:           cfg.Base(),
		Credentials:    config.Credentials(cfg.Credentials),
		QueueOrder:     order,
		TemplateFields: cfg.Engine.TemplateFields,
		Progress:       cfg.Engine.Progress,
	}, nil
}

// Status is a point-in-time view of the engine.
type Status struct {
	Busy      bool             `json:"busy"`
	BlockOpen bool             `json:"block_open"`
	Control   protocol.Control `json:"control"`
	Queue     queue.Stats      `json:"queue"`
}

// Engine owns the single instrumentation record, the output multiplexer and
// the run slot.
type Engine struct {
	ctx       context.Context
	opts      Options
	out       *mux.Mux
	tracker   *instrument.Tracker
	assembler *pipeline.Assembler
	queue     *queue.Queue
	logger    *slog.Logger

	// mu serializes Handle so inbound order is kept across modes.
	mu        sync.Mutex
	run       *pipeline.Run
	input     *pipeline.Input
	blockOpen atomic.Bool
}

// New returns an Engine emitting to host. Runs are bound to ctx: cancelling
// it fails the active run and stops queued ones from producing data.
func New(ctx context.Context, host mux.Host, opts Options) *Engine {
	if opts.Generators == nil {
		opts.Generators = source.Default()
	}
	if opts.Parsers == nil {
		opts.Parsers = parser.Default()
	}
	if opts.TemplateFields == nil {
		opts.TemplateFields = config.DefaultTemplateFields
	}
	if opts.Base == nil {
		opts.Base = map[string]any{}
	}

	out := mux.New(host, opts.TemplateFields)
	trackerOpts := []instrument.Option{instrument.WithProgress(opts.Progress)}
	if opts.Clock != nil {
		trackerOpts = append(trackerOpts, instrument.WithClock(opts.Clock))
	}
	tracker := instrument.New(out, trackerOpts...)

	e := &Engine{
		ctx:       ctx,
		opts:      opts,
		out:       out,
		tracker:   tracker,
		assembler: pipeline.NewAssembler(tracker, out),
		logger:    log.WithComponent("engine"),
	}
	e.queue = queue.New(opts.QueueOrder, e.startJob)
	return e
}

// Handle processes one inbound message. Generator runs are started or
// queued before Handle returns; block-mode payload writes block while the
// pipeline applies backpressure.
func (e *Engine) Handle(ctx context.Context, msg *protocol.Message) error {
	if msg == nil {
		return errors.New("nil message")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if msg.Control != nil || e.input != nil {
		return e.block(ctx, msg)
	}

	job, err := e.generatorJob(msg)
	if err != nil {
		e.fail(err)
		return err
	}
	if job != nil {
		id := e.queue.Submit(job)
		e.logger.Debug("generator job submitted", "job_id", id, "generator", job.Generator)
		return nil
	}

	standalone := msg.Clone()
	standalone.Control = &protocol.Control{State: protocol.StateStandalone}
	return e.block(ctx, standalone)
}

// Status returns the current instrumentation record and queue state.
func (e *Engine) Status() Status {
	return Status{
		Busy:      e.tracker.Busy(),
		BlockOpen: e.blockOpen.Load(),
		Control:   e.tracker.Snapshot(),
		Queue:     e.queue.Stats(),
	}
}

// Drain closes any open block-mode input and waits until every queued job
// ran to a terminal state.
func (e *Engine) Drain(ctx context.Context) error {
	e.mu.Lock()
	run := e.closeInput()
	e.mu.Unlock()

	if run != nil {
		if err := waitDone(ctx, run); err != nil {
			return err
		}
	}
	return e.queue.Drain(ctx)
}

func (e *Engine) startJob(job *queue.Job) queue.Run {
	return e.assembler.Assemble(e.ctx, job.Request)
}

// fail reports an error raised outside any run.
func (e *Engine) fail(err error) {
	e.logger.Warn("request rejected", "error", err)
	e.out.SetStatus(mux.Failed(err))
	e.out.ReportError(err)
}

func waitDone(ctx context.Context, run *pipeline.Run) error {
	select {
	case <-run.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
