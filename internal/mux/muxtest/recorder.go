// Package muxtest provides an in-memory Host that records everything sent to it.
package muxtest

import (
	"sync"

	"github.com/mattjoyce/bigstream/internal/mux"
	"github.com/mattjoyce/bigstream/internal/protocol"
)

// Recorder is a goroutine-safe mux.Host for tests.
type Recorder struct {
	mu       sync.Mutex
	sent     []protocol.Outbound
	statuses []mux.Status
	errs     []error
}

var _ mux.Host = (*Recorder)(nil)

func (r *Recorder) Send(out protocol.Outbound) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, out)
}

func (r *Recorder) SetStatus(s mux.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *Recorder) ReportError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

// Sent returns every outbound array in send order.
func (r *Recorder) Sent() []protocol.Outbound {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Outbound(nil), r.sent...)
}

// Controls returns the control records emitted on channel 1, in order.
func (r *Recorder) Controls() []*protocol.Control {
	var out []*protocol.Control
	for _, o := range r.Sent() {
		if m := o.Channel(mux.ControlChannel); m != nil && m.Control != nil {
			out = append(out, m.Control)
		}
	}
	return out
}

// States returns the state of every emitted control record.
func (r *Recorder) States() []string {
	var out []string
	for _, c := range r.Controls() {
		out = append(out, c.State)
	}
	return out
}

// Messages returns the messages sent on a channel, in order.
func (r *Recorder) Messages(channel int) []*protocol.Message {
	var out []*protocol.Message
	for _, o := range r.Sent() {
		if m := o.Channel(channel); m != nil {
			out = append(out, m)
		}
	}
	return out
}

// Payloads returns the payloads sent on a channel, in order.
func (r *Recorder) Payloads(channel int) []any {
	var out []any
	for _, m := range r.Messages(channel) {
		out = append(out, m.Payload)
	}
	return out
}

// Statuses returns every visual status set.
func (r *Recorder) Statuses() []mux.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]mux.Status(nil), r.statuses...)
}

// Errors returns every reported error.
func (r *Recorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

// Terminal returns the last control record if it is end or error.
func (r *Recorder) Terminal() *protocol.Control {
	controls := r.Controls()
	if len(controls) == 0 {
		return nil
	}
	last := controls[len(controls)-1]
	if last.State == protocol.StateEnd || last.State == protocol.StateError {
		return last
	}
	return nil
}
