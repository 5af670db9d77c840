package engine

import (
	"context"
	"fmt"

	"github.com/mattjoyce/bigstream/internal/config"
	"github.com/mattjoyce/bigstream/internal/mux"
	"github.com/mattjoyce/bigstream/internal/pipeerr"
	"github.com/mattjoyce/bigstream/internal/pipeline"
	"github.com/mattjoyce/bigstream/internal/protocol"
	"github.com/mattjoyce/bigstream/internal/queue"
)

// block drives the block-mode state machine for one inbound message. A
// standalone control both opens and closes the stream around its payload.
// Caller holds e.mu.
func (e *Engine) block(ctx context.Context, msg *protocol.Message) error {
	ctl := msg.Control

	if ctl.Opens() {
		if err := e.open(ctx, msg); err != nil {
			return err
		}
	}

	if msg.HasPayload() {
		if err := e.write(ctx, msg); err != nil {
			return err
		}
	}

	if ctl.Terminal() {
		e.close(msg)
	}
	return nil
}

// open closes the previous stream, waits for its run to finish and assembles
// a new block run once the queue slot is free.
func (e *Engine) open(ctx context.Context, msg *protocol.Message) error {
	if prev := e.closeInput(); prev != nil {
		if err := waitDone(ctx, prev); err != nil {
			return fmt.Errorf("wait for previous run: %w", err)
		}
	}
	e.out.SetStatus(mux.Ready)

	req, err := e.blockRequest(msg)
	if err != nil {
		e.fail(err)
		return err
	}

	var run *pipeline.Run
	_, err = e.queue.Exclusive(ctx, func() queue.Run {
		run = e.assembler.Assemble(e.ctx, req)
		return run
	})
	if err != nil {
		return fmt.Errorf("claim run slot: %w", err)
	}

	e.run = run
	e.input = run.Input()
	e.blockOpen.Store(true)
	return nil
}

func (e *Engine) blockRequest(msg *protocol.Message) (pipeline.Request, error) {
	eng, err := config.Resolve(e.opts.Base, msg.Config, e.opts.Credentials, config.EngineOptions())
	if err != nil {
		return pipeline.Request{}, err
	}
	parserFactory, parserOpts, err := e.parser(eng.String(config.OptParser, ""))
	if err != nil {
		return pipeline.Request{}, err
	}
	cfg, err := config.Resolve(e.opts.Base, msg.Config, e.opts.Credentials, append(config.EngineOptions(), parserOpts...))
	if err != nil {
		return pipeline.Request{}, err
	}
	return pipeline.Request{
		Message:    msg,
		Config:     cfg,
		Middleware: []pipeline.StageFactory{pipeline.Size},
		Parser:     parserFactory,
	}, nil
}

// write hands the payload to the open input.
func (e *Engine) write(ctx context.Context, msg *protocol.Message) error {
	if e.input == nil {
		err := &pipeerr.UnexpectedStateError{Reason: "payload received with no open pipeline"}
		e.fail(err)
		return err
	}
	data, err := protocol.PayloadBytes(msg.Payload)
	if err != nil {
		e.run.Fail(err)
		return err
	}
	if err := e.input.Write(ctx, data); err != nil {
		return fmt.Errorf("write to run %s: %w", e.run.ID, err)
	}
	return nil
}

// close ends the open stream. An inbound error is forwarded unchanged on the
// payload channel and then fails the run.
func (e *Engine) close(msg *protocol.Message) {
	ctl := msg.Control
	if e.input == nil {
		if ctl.State == protocol.StateError {
			e.out.Forward(mux.PayloadChannel, msg)
		}
		e.logger.Debug("terminal control with no open pipeline", "state", ctl.State)
		return
	}

	e.tracker.SetParent(ctl)
	if ctl.State == protocol.StateError {
		e.out.Forward(mux.PayloadChannel, msg)
		e.run.Fail(&pipeerr.UpstreamError{Message: ctl.Error})
	}
	e.closeInput()
}

// closeInput closes the open input, if any, and returns the run it fed.
// Caller holds e.mu.
func (e *Engine) closeInput() *pipeline.Run {
	if e.input != nil {
		e.input.Close()
		e.input = nil
		e.blockOpen.Store(false)
	}
	run := e.run
	e.run = nil
	return run
}
