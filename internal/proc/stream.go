package proc

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/mattjoyce/bigstream/internal/pipeerr"
	"github.com/mattjoyce/bigstream/internal/pipeline"
)

// DefaultChunkSize is the read size for stdout and stderr.
const DefaultChunkSize = 64 * 1024

// Stream runs one command per run. It is a pipeline.Source (no stdin), a
// pipeline.Stage (stdin fed from upstream) and a pipeline.Brancher exposing
// stderr. A Stream must not be reused across runs.
type Stream struct {
	Name      string
	Command   string
	Threshold int
	ChunkSize int

	start Starter

	ready    chan struct{}
	handle   Handle
	startErr error

	mu       sync.Mutex
	branched bool
	errDone  chan struct{}
}

// NewStream returns a Stream starting its command with start.
func NewStream(name, command string, threshold int, start Starter) *Stream {
	return &Stream{
		Name:      name,
		Command:   command,
		Threshold: threshold,
		ChunkSize: DefaultChunkSize,
		start:     start,
		ready:     make(chan struct{}),
		errDone:   make(chan struct{}),
	}
}

// Stream implements pipeline.Source.
func (s *Stream) Stream(ctx context.Context, out chan<- []byte) error {
	return s.run(ctx, nil, out)
}

// Process implements pipeline.Stage.
func (s *Stream) Process(ctx context.Context, in <-chan []byte, out chan<- []byte) error {
	return s.run(ctx, in, out)
}

// Branches implements pipeline.Brancher: stderr is the only branch.
func (s *Stream) Branches() []pipeline.Source {
	s.mu.Lock()
	s.branched = true
	s.mu.Unlock()
	return []pipeline.Source{pipeline.SourceFunc(s.streamStderr)}
}

func (s *Stream) hasBranch() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.branched
}

func (s *Stream) run(ctx context.Context, in <-chan []byte, out chan<- []byte) error {
	h, err := s.start(ctx)
	if err != nil {
		s.startErr = &pipeerr.TransportError{Op: "start " + s.Name, Err: err}
		close(s.ready)
		return s.startErr
	}
	s.handle = h
	close(s.ready)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			h.Terminate()
		case <-stop:
		}
	}()

	var feedWG sync.WaitGroup
	if in != nil {
		feedWG.Add(1)
		go func() {
			defer feedWG.Done()
			feed(ctx, in, h.Stdin())
		}()
	}

	if !s.hasBranch() {
		go func() {
			defer close(s.errDone)
			_, _ = io.Copy(io.Discard, h.Stderr())
		}()
	}

	readErr := readChunks(ctx, h.Stdout(), out, s.chunkSize())
	if readErr != nil {
		h.Terminate()
	}

	select {
	case <-s.errDone:
	case <-ctx.Done():
	}
	feedWG.Wait()

	status, waitErr := h.Wait()
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case readErr != nil:
		return readErr
	case waitErr != nil:
		return &pipeerr.TransportError{Op: "wait " + s.Name, Err: waitErr}
	case status > s.Threshold:
		return &pipeerr.NonZeroExitError{Command: s.Command, Status: status, Threshold: s.Threshold}
	}
	return nil
}

func (s *Stream) streamStderr(ctx context.Context, out chan<- []byte) error {
	defer close(s.errDone)

	select {
	case <-s.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	if s.startErr != nil {
		return nil
	}
	return readChunks(ctx, s.handle.Stderr(), out, s.chunkSize())
}

func (s *Stream) chunkSize() int {
	if s.ChunkSize <= 0 {
		return DefaultChunkSize
	}
	return s.ChunkSize
}

// readChunks sends fresh buffers read from r until EOF.
func readChunks(ctx context.Context, r io.Reader, out chan<- []byte, size int) error {
	for {
		buf := make([]byte, size)
		n, err := r.Read(buf)
		if n > 0 {
			if sendErr := pipeline.Send(ctx, out, buf[:n]); sendErr != nil {
				return sendErr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &pipeerr.TransportError{Op: "read", Err: err}
		}
	}
}

// feed writes upstream chunks to stdin and closes it at the end of input.
// After a write failure the rest of the input is discarded so upstream
// stages never block on a command that stopped reading.
func feed(ctx context.Context, in <-chan []byte, stdin io.WriteCloser) {
	if stdin == nil {
		discard(in)
		return
	}
	defer stdin.Close()

	for {
		select {
		case data, ok := <-in:
			if !ok {
				return
			}
			if _, err := stdin.Write(data); err != nil {
				stdin.Close()
				discard(in)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func discard(in <-chan []byte) {
	for range in {
	}
}
