// Package host provides the environments an engine emits into: an NDJSON
// stream, the event hub behind the HTTP API, and a fan-out of several.
package host

import (
	"io"
	"log/slog"
	"sync"

	"github.com/mattjoyce/bigstream/internal/log"
	"github.com/mattjoyce/bigstream/internal/mux"
	"github.com/mattjoyce/bigstream/internal/pipeerr"
	"github.com/mattjoyce/bigstream/internal/protocol"
)

// Stream writes every outbound array as one JSON line. Status changes and
// reported errors go to the logger since the writer carries data only.
type Stream struct {
	mu     sync.Mutex
	enc    *protocol.Encoder
	logger *slog.Logger
	err    error
}

var _ mux.Host = (*Stream)(nil)

// NewStream returns a Stream host writing to w.
func NewStream(w io.Writer) *Stream {
	return &Stream{enc: protocol.NewEncoder(w), logger: log.WithComponent("host")}
}

func (s *Stream) Send(out protocol.Outbound) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	if err := s.enc.Encode(out); err != nil {
		s.err = err
		s.logger.Error("output stream failed, dropping further output", "error", err)
	}
}

func (s *Stream) SetStatus(st mux.Status) {
	s.logger.Debug("status", "fill", st.Fill, "text", st.Text)
}

func (s *Stream) ReportError(err error) {
	s.logger.Error("run error", "kind", pipeerr.Kind(err), "error", err)
}

// Err returns the first write error, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Multi fans every call out to each host in order.
type Multi []mux.Host

var _ mux.Host = Multi(nil)

func (m Multi) Send(out protocol.Outbound) {
	for _, h := range m {
		h.Send(out)
	}
}

func (m Multi) SetStatus(st mux.Status) {
	for _, h := range m {
		h.SetStatus(st)
	}
}

func (m Multi) ReportError(err error) {
	for _, h := range m {
		h.ReportError(err)
	}
}
