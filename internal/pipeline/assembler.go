package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/bigstream/internal/config"
	"github.com/mattjoyce/bigstream/internal/log"
	"github.com/mattjoyce/bigstream/internal/mux"
	"github.com/mattjoyce/bigstream/internal/protocol"
)

// Request describes one run.
type Request struct {
	// Message is the inbound request; its template fields are stamped on
	// every emission and its control becomes the parent control.
	Message *protocol.Message
	Config  config.Resolved
	// Source opens the generator-mode source. Nil assembles a block-mode
	// run fed through Run.Input.
	Source     SourceFactory
	Middleware []StageFactory
	Parser     ParserFactory
}

// Assembler wires requests into runs against one instrumentation record.
// Callers must not assemble a run while another is still active.
type Assembler struct {
	inst   Instrument
	out    Output
	logger *slog.Logger
}

// NewAssembler returns an Assembler driving inst and emitting to out.
func NewAssembler(inst Instrument, out Output) *Assembler {
	return &Assembler{
		inst:   inst,
		out:    out,
		logger: log.WithComponent("pipeline"),
	}
}

// Run is one assembled pipeline.
type Run struct {
	ID string

	input  *Input
	done   chan struct{}
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

// Input returns the block-mode write handle, or nil for generator runs.
func (r *Run) Input() *Input { return r.input }

// Done is closed after the terminal control message was emitted.
func (r *Run) Done() <-chan struct{} { return r.done }

// Err returns the terminal error once Done is closed.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Wait blocks until the run finished or ctx is done.
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fail injects err into the failure domain and tears the run down. Only the
// first failure of a run is kept.
func (r *Run) Fail(err error) {
	if err == nil {
		return
	}
	r.record(err)
	r.cancel()
}

func (r *Run) record(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil {
		r.err = err
	}
}

// Assemble starts a run. The start control message is emitted before
// Assemble returns; factory failures surface as the run's terminal error,
// so a caller always gets a Run whose Done eventually closes.
func (a *Assembler) Assemble(ctx context.Context, req Request) *Run {
	a.out.SetTemplate(req.Message)
	var parent *protocol.Control
	if req.Message != nil {
		parent = req.Message.Control
	}
	cfg := req.Config
	if cfg == nil {
		cfg = config.Resolved{}
	}
	runID := a.inst.OnStart(cfg, parent)

	runCtx, cancel := context.WithCancel(ctx)
	run := &Run{
		ID:     runID,
		done:   make(chan struct{}),
		cancel: cancel,
	}
	if req.Source == nil {
		run.input = newInput(runCtx.Done())
	}

	g, gctx := errgroup.WithContext(runCtx)
	if err := a.wire(gctx, g, run, req, cfg); err != nil {
		run.record(err)
		cancel()
	}

	go func() {
		if err := g.Wait(); err != nil {
			run.record(err)
		}
		cancel()
		if run.input != nil {
			run.input.Close()
		}
		err := run.Err()
		a.inst.OnFinish(err)
		if err != nil {
			a.logger.Debug("run failed", "run_id", run.ID, "error", err)
		}
		close(run.done)
	}()
	return run
}

// wire builds every stage of the run into g. A factory error aborts wiring;
// stages already started unwind through the cancelled context.
func (a *Assembler) wire(ctx context.Context, g *errgroup.Group, run *Run, req Request, cfg config.Resolved) error {
	var (
		src      Source
		branches []Source
	)
	if req.Source == nil {
		src = run.input
	} else {
		s, err := req.Source(cfg)
		if err != nil {
			return err
		}
		src = s
	}
	if b, ok := src.(Brancher); ok {
		branches = append(branches, b.Branches()...)
	}

	var stages []Stage
	for _, factory := range req.Middleware {
		st, err := factory(cfg, a.inst)
		if err != nil {
			return err
		}
		stages = append(stages, st)
	}
	if req.Parser != nil {
		p, err := req.Parser(cfg)
		if err != nil {
			return err
		}
		stages = append(stages, p)
		if b, ok := p.(Brancher); ok {
			branches = append(branches, b.Branches()...)
		}
	}
	stages = append(stages, counter(a.inst, false))

	format := FormatterFor(cfg.String(config.OptFormat, FormatUTF8))

	head := make(chan []byte)
	run.spawn(g, "source", func() error {
		defer close(head)
		return src.Stream(ctx, head)
	})

	in := (<-chan []byte)(head)
	for i, st := range stages {
		next := make(chan []byte)
		stage, upstream := st, in
		run.spawn(g, fmt.Sprintf("stage %d", i), func() error {
			defer close(next)
			return stage.Process(ctx, upstream, next)
		})
		in = next
	}

	final := in
	run.spawn(g, "output", func() error {
		return drain(ctx, final, func(data []byte) {
			a.out.Emit(mux.PayloadChannel, format(data))
			a.inst.OnSend()
		})
	})

	for i, branch := range branches {
		channel := mux.FirstAux + i
		ch := make(chan []byte)
		b := branch
		run.spawn(g, fmt.Sprintf("branch %d", channel), func() error {
			defer close(ch)
			return b.Stream(ctx, ch)
		})
		run.spawn(g, fmt.Sprintf("branch %d output", channel), func() error {
			return drain(ctx, ch, func(data []byte) {
				a.out.Emit(channel, format(data))
			})
		})
	}
	return nil
}

// spawn runs fn in the failure domain, converting panics into errors and
// recording the first failure of the run.
func (r *Run) spawn(g *errgroup.Group, name string, fn func() error) {
	g.Go(func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("%s panicked: %v", name, p)
			}
			if err != nil {
				r.record(err)
			}
		}()
		return fn()
	})
}
