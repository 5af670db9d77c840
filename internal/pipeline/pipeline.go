// Package pipeline assembles instrumented runs: a source, middleware stages,
// an optional parser, a record counter and the output stage, plus auxiliary
// branches, all sharing one failure domain.
//
// Stages run in their own goroutines connected by unbuffered channels, so a
// slow downstream stage suspends upstream production. Chunks handed to a
// channel belong to the receiver; producers must not reuse the slice.
package pipeline

import (
	"context"

	"github.com/mattjoyce/bigstream/internal/config"
	"github.com/mattjoyce/bigstream/internal/protocol"
)

// Source produces chunks until exhausted. It must return when ctx is done.
type Source interface {
	Stream(ctx context.Context, out chan<- []byte) error
}

// Stage transforms chunks. It must drain in until it is closed or ctx is
// done. Returning closes out.
type Stage interface {
	Process(ctx context.Context, in <-chan []byte, out chan<- []byte) error
}

// Brancher is implemented by sources and parsers exposing auxiliary streams,
// such as an external process's stderr. Each branch feeds its own output
// channel, starting at channel 2.
type Brancher interface {
	Branches() []Source
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, out chan<- []byte) error

func (f SourceFunc) Stream(ctx context.Context, out chan<- []byte) error { return f(ctx, out) }

// StageFunc adapts a function to Stage.
type StageFunc func(ctx context.Context, in <-chan []byte, out chan<- []byte) error

func (f StageFunc) Process(ctx context.Context, in <-chan []byte, out chan<- []byte) error {
	return f(ctx, in, out)
}

// Ticker receives counter deltas from instrumentation stages.
type Ticker interface {
	OnTick(deltaBytes, deltaRecords int64)
}

// Instrument is the per-engine instrumentation record the assembler drives.
type Instrument interface {
	Ticker
	OnStart(cfg config.Resolved, parent *protocol.Control) string
	OnSend()
	OnFinish(err error) bool
}

// Output receives the run's emissions.
type Output interface {
	SetTemplate(msg *protocol.Message)
	Emit(channel int, data any)
}

// SourceFactory opens the source of a generator-mode run.
type SourceFactory func(cfg config.Resolved) (Source, error)

// StageFactory builds a middleware stage layered between source and parser.
type StageFactory func(cfg config.Resolved, tick Ticker) (Stage, error)

// ParserFactory builds the parser stage.
type ParserFactory func(cfg config.Resolved) (Stage, error)

// Send hands a chunk downstream, giving up when ctx is done.
func Send(ctx context.Context, out chan<- []byte, data []byte) error {
	select {
	case out <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
