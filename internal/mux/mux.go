// Package mux fans pipeline output into positional channels and owns the
// visual status and error reporting toward the hosting environment.
//
// Channel 0 carries payloads, channel 1 control records and channels 2..N
// auxiliary streams such as an external process's stderr.
package mux

import (
	"sync"

	"github.com/mattjoyce/bigstream/internal/protocol"
)

//go:generate mockgen -destination=mocks/host.go -package=mocks github.com/mattjoyce/bigstream/internal/mux Host

// Output channel positions.
const (
	PayloadChannel = 0
	ControlChannel = 1
	FirstAux       = 2
)

// Status is the visual state shown by the host.
type Status struct {
	Fill  string `json:"fill"`
	Shape string `json:"shape"`
	Text  string `json:"text"`
}

// Ready is the status set when a block-mode stream (re)opens.
var Ready = Status{Fill: "blue", Shape: "dot", Text: "ready !"}

// Sending, Done and Failed build the run status texts.
func Sending(progress string) Status {
	return Status{Fill: "blue", Shape: "dot", Text: "sending... " + progress + " so far"}
}

func Done(progress string) Status {
	return Status{Fill: "green", Shape: "dot", Text: "done with " + progress}
}

func Failed(err error) Status {
	return Status{Fill: "red", Shape: "dot", Text: err.Error()}
}

// Host is the hosting environment: the outbound sink, the visual status
// sink and the generic error reporter.
type Host interface {
	Send(out protocol.Outbound)
	SetStatus(s Status)
	ReportError(err error)
}

// Mux wraps emissions in the run's message template and serializes them
// toward the host, so hosts need not be goroutine-safe.
type Mux struct {
	mu       sync.Mutex
	host     Host
	fields   []string
	template map[string]any
}

// New returns a Mux sending to host. fields is the whitelist of inbound
// fields copied onto every emitted message of a run.
func New(host Host, fields []string) *Mux {
	return &Mux{host: host, fields: fields}
}

// SetTemplate captures the whitelisted fields of the first request of a run.
func (m *Mux) SetTemplate(msg *protocol.Message) {
	tmpl := make(map[string]any, len(m.fields))
	if msg != nil {
		for _, name := range m.fields {
			if v, ok := msg.Field(name); ok {
				tmpl[name] = v
			}
		}
	}
	m.mu.Lock()
	m.template = tmpl
	m.mu.Unlock()
}

// Template returns a copy of the current template fields.
func (m *Mux) Template() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]any, len(m.template))
	for k, v := range m.template {
		out[k] = v
	}
	return out
}

func (m *Mux) wrap() *protocol.Message {
	msg := &protocol.Message{}
	if len(m.template) > 0 {
		msg.Fields = make(map[string]any, len(m.template))
		for k, v := range m.template {
			msg.Fields[k] = v
		}
	}
	return msg
}

// Emit sends data on a channel. On the control channel a *protocol.Control
// is wrapped as control; everything else is wrapped as payload.
func (m *Mux) Emit(channel int, data any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg := m.wrap()
	if c, ok := data.(*protocol.Control); ok && channel == ControlChannel {
		msg.Control = c
	} else {
		msg.Payload = data
	}
	m.host.Send(protocol.On(channel, msg))
}

// EmitControl sends a control record on channel 1.
func (m *Mux) EmitControl(c *protocol.Control) {
	m.Emit(ControlChannel, c)
}

// Forward re-emits an inbound message unchanged.
func (m *Mux) Forward(channel int, msg *protocol.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.host.Send(protocol.On(channel, msg))
}

// SetStatus forwards a visual status to the host.
func (m *Mux) SetStatus(s Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.host.SetStatus(s)
}

// ReportError surfaces a terminal failure to the host's error reporter.
func (m *Mux) ReportError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.host.ReportError(err)
}
