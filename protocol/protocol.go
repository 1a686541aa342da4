// Package protocol implements the frame layer that event sockets speak on the wire.
//
// A fixed 14-byte header is followed by a variable-length body. The receiver reads the
// header first to learn the body length, then reads exactly that many bytes.
//
// Frame format:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│  ackID  │ bodyLen │    body ...    │
//	│ erp  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
//
// An Event frame with a non-zero ack id asks the receiver for exactly one Ack frame
// carrying the same ack id. Ack id 0 means the sender supplied no reply channel.
package protocol

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Magic number bytes: "erp" (event rpc protocol).
const (
	MagicNumber byte = 0x65 // 'e'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01
	HeaderSize  int  = 14 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (ackID) + 4 (bodyLen)

	// MaxBodyLen bounds a single frame so a corrupt length cannot force a huge allocation.
	MaxBodyLen uint32 = 16 << 20
)

// MsgType distinguishes event, ack, and heartbeat frames.
type MsgType byte

const (
	MsgTypeEvent     MsgType = 0 // Named notification, either direction
	MsgTypeAck       MsgType = 1 // Reply to an Event that asked for one
	MsgTypeHeartbeat MsgType = 2 // KeepAlive probe (no body)
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeEvent:
		return "event"
	case MsgTypeAck:
		return "ack"
	case MsgTypeHeartbeat:
		return "heartbeat"
	}
	return "unknown"
}

// Codec type constants, mirrored from codec package to avoid circular import.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

// Header represents the fixed 14-byte frame header.
type Header struct {
	CodecType byte    // Serialization format: 0=JSON, 1=Binary
	MsgType   MsgType // Event, Ack, or Heartbeat
	AckID     uint32  // Correlates an Ack with the Event that requested it; 0 = none
	BodyLen   uint32
}

// Encode writes a complete frame (header + body) to w.
// Callers sharing a writer must serialize calls, otherwise frames interleave.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint32(len(body)) > MaxBodyLen {
		return errors.Errorf("frame body too large: %d bytes", len(body))
	}
	buf := make([]byte, HeaderSize, HeaderSize+len(body))

	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], h.AckID)
	binary.BigEndian.PutUint32(buf[10:14], uint32(len(body)))

	// One Write per frame keeps a frame contiguous even on unbuffered conns.
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame (header + body) from r.
// It validates the magic number, version, codec type, message type, and body length.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, errors.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, errors.Errorf("unsupported version: %d", headerBuf[3])
	}
	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeBinary {
		return nil, nil, errors.Errorf("unsupported codec type: %d", headerBuf[4])
	}
	msgType := MsgType(headerBuf[5])
	if msgType != MsgTypeEvent && msgType != MsgTypeAck && msgType != MsgTypeHeartbeat {
		return nil, nil, errors.Errorf("unsupported message type: %d", msgType)
	}

	ackID := binary.BigEndian.Uint32(headerBuf[6:10])
	bodyLen := binary.BigEndian.Uint32(headerBuf[10:14])
	if bodyLen > MaxBodyLen {
		return nil, nil, errors.Errorf("frame body too large: %d bytes", bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		MsgType:   msgType,
		AckID:     ackID,
		BodyLen:   bodyLen,
	}, body, nil
}
