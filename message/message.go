// Package message defines the data exchanged between event sockets and the RPC layer on top.
//
// Packet is the envelope of every named notification. It gets serialized by the codec layer
// and wrapped in a protocol frame for transmission. Its payload is always a JSON array of
// positional arguments, so both ends can address arguments by index.
package message

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// Packet carries one named notification.
//
//   - Event frames: Event is the notification name, Payload the argument list.
//   - Ack frames:   Event is empty, Payload the argument list handed to the reply channel.
type Packet struct {
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"` // JSON array, e.g. ["add",3,4]
}

// NewPacket encodes args as the packet's positional argument list.
func NewPacket(event string, args ...any) (*Packet, error) {
	if args == nil {
		args = []any{}
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, errors.Wrapf(err, "encode arguments of %q", event)
	}
	return &Packet{Event: event, Payload: payload}, nil
}

// Args decodes the payload into its positional arguments.
// An empty or null payload is an empty argument list.
func (p *Packet) Args() (Args, error) {
	trimmed := bytes.TrimSpace(p.Payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Args{}, nil
	}
	var args Args
	if err := json.Unmarshal(trimmed, &args); err != nil {
		return nil, errors.Wrapf(err, "decode arguments of %q", p.Event)
	}
	return args, nil
}

// Args is an ordered list of still-encoded call arguments.
type Args []json.RawMessage

// Bind decodes argument i into v.
func (a Args) Bind(i int, v any) error {
	if i < 0 || i >= len(a) {
		return errors.Errorf("argument %d missing, got %d arguments", i, len(a))
	}
	if err := json.Unmarshal(a[i], v); err != nil {
		return errors.Wrapf(err, "argument %d", i)
	}
	return nil
}

// String returns argument i when it is a JSON string. Any other JSON value is
// returned as its literal text with ok=false.
func (a Args) String(i int) (s string, ok bool) {
	if i < 0 || i >= len(a) {
		return "", false
	}
	if err := json.Unmarshal(a[i], &s); err == nil {
		return s, true
	}
	return string(a[i]), false
}

// Shift splits off the first argument.
func (a Args) Shift() (json.RawMessage, Args) {
	if len(a) == 0 {
		return nil, Args{}
	}
	return a[0], a[1:]
}

// Values encodes vs as an argument list.
func Values(vs ...any) (Args, error) {
	args := make(Args, 0, len(vs))
	for i, v := range vs {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, errors.Wrapf(err, "argument %d", i)
		}
		args = append(args, raw)
	}
	return args, nil
}

// Token renders a correlation token found on the wire. Strings are unquoted,
// numbers and other literals keep their JSON text.
func Token(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if raw[0] == '"' && json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}
