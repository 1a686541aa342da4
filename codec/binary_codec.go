package codec

import (
	"encoding/binary"

	"event-rpc/message"

	"github.com/pkg/errors"
)

// BinaryCodec lays a packet out as length-prefixed fields:
//
//	eventLen(2) | event | payloadLen(4) | payload
//
// The payload stays a JSON argument list; only the envelope is binary.
type BinaryCodec struct{}

var errShortPacket = errors.New("BinaryCodec: packet truncated")

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.Packet)
	if !ok {
		return nil, errors.New("BinaryCodec: v must be *message.Packet")
	}
	if len(msg.Event) > 0xFFFF {
		return nil, errors.Errorf("BinaryCodec: event name too long (%d bytes)", len(msg.Event))
	}
	buf := make([]byte, 2+len(msg.Event)+4+len(msg.Payload))

	offset := 0
	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(msg.Event)))
	offset += 2
	offset += copy(buf[offset:], msg.Event)

	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(msg.Payload)))
	offset += 4
	copy(buf[offset:], msg.Payload)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.Packet)
	if !ok {
		return errors.New("BinaryCodec: v must be *message.Packet")
	}

	offset := 0
	if len(data) < offset+2 {
		return errShortPacket
	}
	eventLen := int(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += 2
	if len(data) < offset+eventLen+4 {
		return errShortPacket
	}
	msg.Event = string(data[offset : offset+eventLen])
	offset += eventLen

	payloadLen := int(binary.BigEndian.Uint32(data[offset : offset+4]))
	offset += 4
	if len(data) < offset+payloadLen {
		return errShortPacket
	}
	msg.Payload = nil
	if payloadLen > 0 {
		msg.Payload = make([]byte, payloadLen)
		copy(msg.Payload, data[offset:offset+payloadLen])
	}
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}
