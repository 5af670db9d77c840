package pipeline

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrInputClosed is returned when writing to a closed block-mode input.
	ErrInputClosed = errors.New("pipeline input closed")
	// ErrRunFinished is returned when writing to a run that already ended.
	ErrRunFinished = errors.New("pipeline run finished")
)

// Input is the write end of a block-mode run. Writes block while the
// pipeline is busy; Close lets the run complete naturally.
type Input struct {
	ch     chan []byte
	closed chan struct{}
	stop   <-chan struct{}
	once   sync.Once
}

func newInput(stop <-chan struct{}) *Input {
	return &Input{
		ch:     make(chan []byte),
		closed: make(chan struct{}),
		stop:   stop,
	}
}

// Write hands one chunk to the pipeline.
func (in *Input) Write(ctx context.Context, data []byte) error {
	select {
	case <-in.closed:
		return ErrInputClosed
	default:
	}

	select {
	case in.ch <- data:
		return nil
	case <-in.closed:
		return ErrInputClosed
	case <-in.stop:
		return ErrRunFinished
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the input stream. It is safe to call more than once.
func (in *Input) Close() {
	in.once.Do(func() { close(in.closed) })
}

// Stream makes Input the source of its own run.
func (in *Input) Stream(ctx context.Context, out chan<- []byte) error {
	for {
		select {
		case data := <-in.ch:
			if err := Send(ctx, out, data); err != nil {
				return err
			}
		case <-in.closed:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
