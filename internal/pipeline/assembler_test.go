package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/bigstream/internal/config"
	"github.com/mattjoyce/bigstream/internal/instrument"
	"github.com/mattjoyce/bigstream/internal/mux"
	"github.com/mattjoyce/bigstream/internal/mux/muxtest"
	"github.com/mattjoyce/bigstream/internal/pipeerr"
	"github.com/mattjoyce/bigstream/internal/protocol"
)

func newHarness(t *testing.T) (*Assembler, *muxtest.Recorder) {
	t.Helper()
	rec := &muxtest.Recorder{}
	out := mux.New(rec, config.DefaultTemplateFields)
	return NewAssembler(instrument.New(out), out), rec
}

func engineConfig(t *testing.T, overrides map[string]any) config.Resolved {
	t.Helper()
	cfg, err := config.Resolve(nil, overrides, nil, config.EngineOptions())
	require.NoError(t, err)
	return cfg
}

func chunks(parts ...string) SourceFactory {
	return func(config.Resolved) (Source, error) {
		return SourceFunc(func(ctx context.Context, out chan<- []byte) error {
			for _, p := range parts {
				if err := Send(ctx, out, []byte(p)); err != nil {
					return err
				}
			}
			return nil
		}), nil
	}
}

func waitRun(t *testing.T, run *Run) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := run.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "run did not finish")
	return err
}

func TestGeneratorRunOrdering(t *testing.T) {
	a, rec := newHarness(t)

	run := a.Assemble(context.Background(), Request{
		Message:    &protocol.Message{Fields: map[string]any{"topic": "t", "filename": "a.txt"}},
		Config:     engineConfig(t, nil),
		Source:     chunks("one\n", "two\n", "three\n"),
		Middleware: []StageFactory{Size},
	})
	require.NoError(t, waitRun(t, run))

	sent := rec.Sent()
	require.Len(t, sent, 5)
	assert.Equal(t, protocol.StateStart, sent[0].Channel(1).Control.State, "start precedes data")
	assert.Equal(t, protocol.StateEnd, sent[4].Channel(1).Control.State, "terminal follows data")

	assert.Equal(t, []any{"one\n", "two\n", "three\n"}, rec.Payloads(0))
	for _, m := range rec.Messages(0) {
		assert.Equal(t, map[string]any{"topic": "t"}, m.Fields)
	}

	terminal := rec.Terminal()
	assert.Equal(t, int64(14), terminal.Size)
	assert.Equal(t, int64(3), terminal.Records)
	assert.Equal(t, run.ID, terminal.RunID)
}

func TestSourceFactoryError(t *testing.T) {
	a, rec := newHarness(t)

	srcErr := &pipeerr.SourceError{Source: "blocks", Err: fs.ErrNotExist}
	run := a.Assemble(context.Background(), Request{
		Config: engineConfig(t, nil),
		Source: func(config.Resolved) (Source, error) { return nil, srcErr },
	})
	err := waitRun(t, run)

	require.ErrorIs(t, err, fs.ErrNotExist)
	assert.Equal(t, []string{protocol.StateStart, protocol.StateError}, rec.States())
	assert.Empty(t, rec.Payloads(0))
	assert.Len(t, rec.Errors(), 1)
}

func TestStageErrorSingleTerminal(t *testing.T) {
	a, rec := newHarness(t)

	boom := errors.New("parse failed")
	failing := func(config.Resolved) (Stage, error) {
		return StageFunc(func(ctx context.Context, in <-chan []byte, out chan<- []byte) error {
			n := 0
			for data := range in {
				n++
				if n == 2 {
					return boom
				}
				if err := Send(ctx, out, data); err != nil {
					return err
				}
			}
			return nil
		}), nil
	}

	run := a.Assemble(context.Background(), Request{
		Config: engineConfig(t, nil),
		Source: chunks("a", "b", "c", "d"),
		Parser: failing,
	})
	err := waitRun(t, run)

	require.ErrorIs(t, err, boom)
	states := rec.States()
	assert.Equal(t, protocol.StateStart, states[0])
	assert.Equal(t, protocol.StateError, states[len(states)-1])
	assert.Equal(t, 1, countState(states, protocol.StateError))
	assert.Len(t, rec.Errors(), 1)
}

func TestPanicIsContained(t *testing.T) {
	a, rec := newHarness(t)

	run := a.Assemble(context.Background(), Request{
		Config: engineConfig(t, nil),
		Source: func(config.Resolved) (Source, error) {
			return SourceFunc(func(context.Context, chan<- []byte) error {
				panic("reader exploded")
			}), nil
		},
	})
	err := waitRun(t, run)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.Equal(t, protocol.StateError, rec.Terminal().State)
}

func TestBlockModeInput(t *testing.T) {
	a, rec := newHarness(t)
	ctx := context.Background()

	run := a.Assemble(ctx, Request{
		Message:    &protocol.Message{Control: &protocol.Control{State: protocol.StateStart}},
		Config:     engineConfig(t, nil),
		Middleware: []StageFactory{Size},
	})
	require.NotNil(t, run.Input())

	require.NoError(t, run.Input().Write(ctx, []byte("hello")))
	require.NoError(t, run.Input().Write(ctx, []byte("world")))
	run.Input().Close()
	require.NoError(t, waitRun(t, run))

	assert.Equal(t, []any{"hello", "world"}, rec.Payloads(0))
	assert.Equal(t, int64(10), rec.Terminal().Size)
	assert.ErrorIs(t, run.Input().Write(ctx, []byte("late")), ErrInputClosed)
}

func TestFailInjectsUpstreamError(t *testing.T) {
	a, rec := newHarness(t)
	ctx := context.Background()

	run := a.Assemble(ctx, Request{Config: engineConfig(t, nil), Middleware: []StageFactory{Size}})
	require.NoError(t, run.Input().Write(ctx, []byte("partial")))

	run.Fail(&pipeerr.UpstreamError{Message: "boom"})
	run.Fail(errors.New("ignored second failure"))
	run.Input().Close()
	err := waitRun(t, run)

	var upErr *pipeerr.UpstreamError
	require.ErrorAs(t, err, &upErr)
	terminal := rec.Terminal()
	assert.Equal(t, protocol.StateError, terminal.State)
	assert.Contains(t, terminal.Message, "boom")
	assert.Len(t, rec.Errors(), 1)
}

func TestWriteAfterFailure(t *testing.T) {
	a, _ := newHarness(t)
	ctx := context.Background()

	run := a.Assemble(ctx, Request{
		Config: engineConfig(t, nil),
		Parser: func(config.Resolved) (Stage, error) { return nil, &pipeerr.ConfigError{Option: "parser", Err: errors.New("bad")} },
	})
	waitRun(t, run)

	err := run.Input().Write(ctx, []byte("x"))
	assert.True(t, errors.Is(err, ErrRunFinished) || errors.Is(err, ErrInputClosed), "got %v", err)
}

type branchingSource struct {
	main, aux []string
}

func (b *branchingSource) Stream(ctx context.Context, out chan<- []byte) error {
	return emitAll(ctx, out, b.main)
}

func (b *branchingSource) Branches() []Source {
	return []Source{SourceFunc(func(ctx context.Context, out chan<- []byte) error {
		return emitAll(ctx, out, b.aux)
	})}
}

func emitAll(ctx context.Context, out chan<- []byte, parts []string) error {
	for _, p := range parts {
		if err := Send(ctx, out, []byte(p)); err != nil {
			return err
		}
	}
	return nil
}

func TestAuxiliaryBranches(t *testing.T) {
	a, rec := newHarness(t)

	src := &branchingSource{main: []string{"out1", "out2"}, aux: []string{"err1"}}
	run := a.Assemble(context.Background(), Request{
		Config: engineConfig(t, nil),
		Source: func(config.Resolved) (Source, error) { return src, nil },
	})
	require.NoError(t, waitRun(t, run))

	assert.Equal(t, []any{"out1", "out2"}, rec.Payloads(0))
	assert.Equal(t, []any{"err1"}, rec.Payloads(2))
	assert.Equal(t, int64(2), rec.Terminal().Records, "aux data is not counted as records")

	sent := rec.Sent()
	assert.Equal(t, protocol.StateEnd, sent[len(sent)-1].Channel(1).Control.State, "terminal follows aux data too")
}

func TestParserCountsRecords(t *testing.T) {
	a, rec := newHarness(t)

	splitter := func(config.Resolved) (Stage, error) {
		return StageFunc(func(ctx context.Context, in <-chan []byte, out chan<- []byte) error {
			for data := range in {
				for _, field := range bytes.Fields(data) {
					if err := Send(ctx, out, field); err != nil {
						return err
					}
				}
			}
			return nil
		}), nil
	}

	run := a.Assemble(context.Background(), Request{
		Config:     engineConfig(t, nil),
		Source:     chunks("a b c", "d e"),
		Middleware: []StageFactory{Size},
		Parser:     splitter,
	})
	require.NoError(t, waitRun(t, run))

	terminal := rec.Terminal()
	assert.Equal(t, int64(5), terminal.Records)
	assert.Equal(t, int64(8), terminal.Size)
}

func TestFormats(t *testing.T) {
	tests := []struct {
		format string
		want   any
	}{
		{FormatUTF8, "hi"},
		{FormatBase64, "aGk="},
		{FormatBinary, []byte("hi")},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			a, rec := newHarness(t)
			run := a.Assemble(context.Background(), Request{
				Config: engineConfig(t, map[string]any{"format": tt.format}),
				Source: chunks("hi"),
			})
			require.NoError(t, waitRun(t, run))
			assert.Equal(t, []any{tt.want}, rec.Payloads(0))
		})
	}
}

func TestParentCancellationEndsRun(t *testing.T) {
	a, rec := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	run := a.Assemble(ctx, Request{Config: engineConfig(t, nil)})
	cancel()
	err := waitRun(t, run)

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, protocol.StateError, rec.Terminal().State)
}

func countState(states []string, want string) int {
	n := 0
	for _, s := range states {
		if s == want {
			n++
		}
	}
	return n
}
