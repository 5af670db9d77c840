package host

import (
	"github.com/mattjoyce/bigstream/internal/events"
	"github.com/mattjoyce/bigstream/internal/mux"
	"github.com/mattjoyce/bigstream/internal/pipeerr"
	"github.com/mattjoyce/bigstream/internal/protocol"
)

// OutputEvent is the data of an events.TypeOutput event.
type OutputEvent struct {
	Channel int               `json:"channel"`
	Message *protocol.Message `json:"message"`
}

// ErrorEvent is the data of an events.TypeError event.
type ErrorEvent struct {
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

// Hub publishes emissions to an event hub.
type Hub struct {
	hub *events.Hub
}

var _ mux.Host = (*Hub)(nil)

// NewHub returns a host publishing to hub.
func NewHub(hub *events.Hub) *Hub {
	return &Hub{hub: hub}
}

func (h *Hub) Send(out protocol.Outbound) {
	for ch, msg := range out {
		if msg == nil {
			continue
		}
		if ch == mux.ControlChannel && msg.Control != nil {
			h.hub.Publish(events.TypeControl, msg.Control)
			continue
		}
		h.hub.Publish(events.TypeOutput, OutputEvent{Channel: ch, Message: msg})
	}
}

func (h *Hub) SetStatus(st mux.Status) {
	h.hub.Publish(events.TypeStatus, st)
}

func (h *Hub) ReportError(err error) {
	h.hub.Publish(events.TypeError, ErrorEvent{Kind: pipeerr.Kind(err), Error: err.Error()})
}
