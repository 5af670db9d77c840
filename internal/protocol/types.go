package protocol

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// Control states.
const (
	StateStart      = "start"
	StateRunning    = "running"
	StateEnd        = "end"
	StateError      = "error"
	StateStandalone = "standalone"
)

// Control is the side-channel status record of a run. Inbound messages carry
// a partial Control (state and optional error); the engine emits full copies.
type Control struct {
	RunID   string         `json:"run_id,omitempty"`
	State   string         `json:"state"`
	Error   string         `json:"error,omitempty"`
	Message string         `json:"message,omitempty"`
	Records int64          `json:"records"`
	Size    int64          `json:"size"`
	Start   *time.Time     `json:"start,omitempty"`
	End     *time.Time     `json:"end,omitempty"`
	Speed   float64        `json:"speed"`
	Config  map[string]any `json:"config,omitempty"`
	Control *Control       `json:"control,omitempty"` // parent control that triggered the run
}

// Clone returns a deep enough copy for emission: timestamps and the parent
// are copied, Config is shallow-copied.
func (c *Control) Clone() *Control {
	if c == nil {
		return nil
	}
	out := *c
	if c.Start != nil {
		t := *c.Start
		out.Start = &t
	}
	if c.End != nil {
		t := *c.End
		out.End = &t
	}
	if c.Config != nil {
		out.Config = maps.Clone(c.Config)
	}
	out.Control = c.Control.Clone()
	return &out
}

// Terminal reports whether the state ends a block-mode stream.
func (c *Control) Terminal() bool {
	if c == nil {
		return false
	}
	switch c.State {
	case StateEnd, StateError, StateStandalone:
		return true
	}
	return false
}

// Opens reports whether the state opens a block-mode stream.
func (c *Control) Opens() bool {
	if c == nil {
		return false
	}
	return c.State == StateStart || c.State == StateStandalone
}

// Message is one inbound or outbound record. Well-known keys are typed;
// everything else (template fields, generator triggers) lives in Fields.
type Message struct {
	Payload any
	Control *Control
	Config  map[string]any
	Fields  map[string]any
}

// HasPayload reports whether the message carries data.
func (m *Message) HasPayload() bool {
	return m != nil && m.Payload != nil
}

// Field returns an extra field by name.
func (m *Message) Field(name string) (any, bool) {
	if m == nil || m.Fields == nil {
		return nil, false
	}
	v, ok := m.Fields[name]
	return v, ok
}

// Clone returns a copy of the message with its maps copied.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	return &Message{
		Payload: m.Payload,
		Control: m.Control.Clone(),
		Config:  maps.Clone(m.Config),
		Fields:  maps.Clone(m.Fields),
	}
}

const (
	keyPayload = "payload"
	keyControl = "control"
	keyConfig  = "config"
)

// MarshalJSON flattens Fields next to the typed keys.
func (m Message) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Fields)+3)
	for k, v := range m.Fields {
		out[k] = v
	}
	if m.Payload != nil {
		out[keyPayload] = m.Payload
	}
	if m.Control != nil {
		out[keyControl] = m.Control
	}
	if m.Config != nil {
		out[keyConfig] = m.Config
	}
	return json.Marshal(out)
}

// UnmarshalJSON collects unknown keys into Fields.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*m = Message{}
	for k, v := range raw {
		switch k {
		case keyPayload:
			if err := json.Unmarshal(v, &m.Payload); err != nil {
				return fmt.Errorf("payload: %w", err)
			}
		case keyControl:
			if string(v) == "null" {
				continue
			}
			m.Control = &Control{}
			if err := json.Unmarshal(v, m.Control); err != nil {
				return fmt.Errorf("control: %w", err)
			}
		case keyConfig:
			if err := json.Unmarshal(v, &m.Config); err != nil {
				return fmt.Errorf("config: %w", err)
			}
		default:
			var fv any
			if err := json.Unmarshal(v, &fv); err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			if m.Fields == nil {
				m.Fields = make(map[string]any)
			}
			m.Fields[k] = fv
		}
	}
	return nil
}

// Outbound is one emission, positionally indexed by output channel.
// Channel 0 is the payload, channel 1 the control record, 2.. auxiliary.
type Outbound []*Message

// Channel returns the message on a channel, or nil.
func (o Outbound) Channel(i int) *Message {
	if i < 0 || i >= len(o) {
		return nil
	}
	return o[i]
}

// On builds an outbound array with msg at position channel.
func On(channel int, msg *Message) Outbound {
	out := make(Outbound, channel+1)
	out[channel] = msg
	return out
}

// PayloadBytes converts an inbound payload into bytes for a pipeline input.
func PayloadBytes(p any) ([]byte, error) {
	switch v := p.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		return data, nil
	}
}
