package parser

import (
	"bytes"
	"context"

	"github.com/mattjoyce/bigstream/internal/config"
	"github.com/mattjoyce/bigstream/internal/pipeline"
)

// LineName is the registry name of the line parser.
const LineName = "line"

// Line returns the parser splitting chunks into lines on \n, \r\n and \r.
// Empty lines are kept; a trailing line without terminator is emitted at
// the end of input.
func Line() *Parser {
	return &Parser{
		Name: LineName,
		New: func(config.Resolved) (pipeline.Stage, error) {
			return pipeline.StageFunc(splitLines), nil
		},
	}
}

func splitLines(ctx context.Context, in <-chan []byte, out chan<- []byte) error {
	var s lineSplitter
	for data := range in {
		for _, line := range s.feed(data) {
			if err := pipeline.Send(ctx, out, line); err != nil {
				return err
			}
		}
	}
	if rest := s.flush(); rest != nil {
		return pipeline.Send(ctx, out, rest)
	}
	return nil
}

// lineSplitter carries a partial line and a pending \r across chunks.
type lineSplitter struct {
	partial   []byte
	pendingCR bool
}

func (s *lineSplitter) feed(data []byte) [][]byte {
	var lines [][]byte
	for len(data) > 0 {
		if s.pendingCR {
			s.pendingCR = false
			if data[0] == '\n' {
				data = data[1:]
				continue
			}
		}

		i := bytes.IndexAny(data, "\r\n")
		if i < 0 {
			s.partial = append(s.partial, data...)
			break
		}

		line := make([]byte, 0, len(s.partial)+i)
		line = append(line, s.partial...)
		line = append(line, data[:i]...)
		lines = append(lines, line)
		s.partial = s.partial[:0]

		if data[i] == '\r' {
			s.pendingCR = true
		}
		data = data[i+1:]
	}
	return lines
}

func (s *lineSplitter) flush() []byte {
	if len(s.partial) == 0 {
		return nil
	}
	out := append([]byte(nil), s.partial...)
	s.partial = nil
	return out
}
