package message

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// Variant selects how a call and its reply are carried over event sockets.
//
// SharedChannel (canonical):
//
//	→ "call"                      [method, args...] with an ack
//	← ack                         {returnedValue, thrownException}
//	← "<event>"                   [args...]
//
// PerMethod:
//
//	→ "<method>..call"            {cookie, args}
//	← "<method>..return..<cookie>" {returnedValue, thrownException}
//	← "<event>..event"            [args...]
type Variant int

const (
	SharedChannel Variant = iota
	PerMethod
)

const (
	CallEvent   = "call"
	CallSuffix  = "..call"
	ReturnInfix = "..return.."
	EventSuffix = "..event"
)

// PerMethodCall is the single argument of a PerMethod call event.
// A call without a cookie expects no reply.
type PerMethodCall struct {
	Cookie json.RawMessage `json:"cookie,omitempty"`
	Args   Args            `json:"args"`
}

func ParseVariant(name string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "shared", "shared-channel":
		return SharedChannel, nil
	case "per-method", "permethod":
		return PerMethod, nil
	}
	return 0, errors.Errorf("unknown wire variant %q", name)
}

func (v Variant) String() string {
	if v == PerMethod {
		return "per-method"
	}
	return "shared"
}

// BroadcastEvent is the wire name of a published event.
func (v Variant) BroadcastEvent(event string) string {
	if v == PerMethod {
		return event + EventSuffix
	}
	return event
}

// ReturnEvent is the wire name of a PerMethod reply.
func ReturnEvent(method, cookie string) string {
	return method + ReturnInfix + cookie
}

// CallMethod extracts the method name from a PerMethod call event name.
func CallMethod(event string) (string, bool) {
	if !strings.HasSuffix(event, CallSuffix) {
		return "", false
	}
	return strings.TrimSuffix(event, CallSuffix), true
}
