package message

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Invocation is the per-call record built when a call notification arrives.
// It lives until its single reply is sent or dropped.
type Invocation struct {
	Method string // Declared method name
	Cookie string // Correlation token; empty when the reply rides on an ack
	Peer   string // Socket id of the caller
	Args   Args
}

// Return is the reply to one invocation. Exactly one field is populated;
// the other is omitted from the wire.
type Return struct {
	ReturnedValue   json.RawMessage  `json:"returnedValue,omitempty"`
	ThrownException *TranslatedError `json:"thrownException,omitempty"`
}

// Returned builds a successful reply. A nil value leaves returnedValue undefined.
func Returned(v any) (*Return, error) {
	if v == nil {
		return &Return{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "encode returned value")
	}
	return &Return{ReturnedValue: raw}, nil
}

// Thrown builds a failed reply from a caught error.
func Thrown(err error, withStack bool) *Return {
	return &Return{ThrownException: Translate(err, withStack)}
}

// Err returns the thrown exception, or nil when the call succeeded.
func (r *Return) Err() error {
	if r.ThrownException == nil {
		return nil
	}
	return r.ThrownException
}

// Decode unmarshals the returned value into v. An undefined value leaves v untouched.
func (r *Return) Decode(v any) error {
	if err := r.Err(); err != nil {
		return err
	}
	if len(r.ReturnedValue) == 0 || v == nil {
		return nil
	}
	return errors.Wrap(json.Unmarshal(r.ReturnedValue, v), "decode returned value")
}
