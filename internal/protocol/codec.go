package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// maxLineBytes bounds a single inbound NDJSON record.
const maxLineBytes = 16 << 20

// Decoder reads newline-delimited inbound messages.
type Decoder struct {
	scanner *bufio.Scanner
	line    int
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), maxLineBytes)
	return &Decoder{scanner: s}
}

// Decode returns the next message. Blank lines are skipped; io.EOF marks the
// end of input.
func (d *Decoder) Decode() (*Message, error) {
	for d.scanner.Scan() {
		d.line++
		raw := d.scanner.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		msg, err := DecodeMessage(raw)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", d.line, err)
		}
		return msg, nil
	}
	if err := d.scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	return nil, io.EOF
}

// DecodeMessage parses one JSON message. A bare JSON value that is not an
// object becomes the payload of an otherwise empty message.
func DecodeMessage(data []byte) (*Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] != '{' {
		var payload any
		if err := json.Unmarshal(trimmed, &payload); err != nil {
			return nil, fmt.Errorf("failed to decode message: %w", err)
		}
		return &Message{Payload: payload}, nil
	}

	var msg Message
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return &msg, nil
}

// Encoder writes outbound arrays as NDJSON.
type Encoder struct {
	enc *json.Encoder
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &Encoder{enc: enc}
}

// Encode writes one outbound array followed by a newline.
func (e *Encoder) Encode(out Outbound) error {
	if err := e.enc.Encode(out); err != nil {
		return fmt.Errorf("failed to encode outbound: %w", err)
	}
	return nil
}
