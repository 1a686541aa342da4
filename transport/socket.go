// Package transport implements event sockets: named, bidirectional notifications over a
// single TCP connection, with optional one-shot reply channels (acks).
//
// Both ends of a connection hold a *Socket. Either side may Emit a named event or
// EmitWithAck, in which case the frame carries a fresh ack id and the receiver's handler
// gets an AckFunc that answers exactly once:
//
//	peer A ──Event(name, ackID=7)──→ peer B: handler(args, ack)
//	peer A ←──────Ack(ackID=7)────── peer B: ack(reply...)
//
// A single reader goroutine per socket decodes frames and runs handlers in arrival order.
// Handlers must hand slow work to another goroutine. Writes are serialized by a
// per-socket mutex so concurrent emitters never interleave frames.
package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"event-rpc/codec"
	"event-rpc/message"
	"event-rpc/protocol"

	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
	"go.uber.org/zap"
)

// ErrClosed is returned by operations on a socket whose connection has ended.
var ErrClosed = errors.New("transport: socket closed")

// AckFunc answers an event that requested a reply. Only the first call sends anything.
type AckFunc func(args ...any) error

// EventHandler handles one named event. ack is nil when the sender supplied no reply channel.
type EventHandler func(args message.Args, ack AckFunc)

// AnyHandler receives events that have no dedicated handler.
type AnyHandler func(event string, args message.Args, ack AckFunc)

// MalformedHandler receives events whose body or argument list could not be decoded.
// event is empty when the body itself was unreadable. ack is nil when the sender
// supplied no reply channel.
type MalformedHandler func(event string, cause error, ack AckFunc)

type ackResult struct {
	args message.Args
	err  error
}

// Socket is one live connection.
type Socket struct {
	id     string
	conn   net.Conn
	opts   options
	logger *zap.Logger

	sending sync.Mutex // Write lock, also protects ackSeq
	ackSeq  uint32
	pending sync.Map // map[uint32]chan ackResult

	mu           sync.RWMutex
	handlers     map[string]EventHandler
	fallback     AnyHandler
	malformed    MalformedHandler
	onDisconnect []func()

	closeOnce sync.Once
	closed    chan struct{}
	err       error // set before closed is closed
}

func newSocket(conn net.Conn, opts options) *Socket {
	id := uuid.NewV4().String()
	return &Socket{
		id:       id,
		conn:     conn,
		opts:     opts,
		logger:   opts.logger.With(zap.String("socket", id)),
		handlers: make(map[string]EventHandler),
		closed:   make(chan struct{}),
	}
}

// ID returns the socket's opaque identity.
func (s *Socket) ID() string {
	return s.id
}

// RemoteAddr returns the address of the other end.
func (s *Socket) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// On installs the handler for event, replacing any previous one.
func (s *Socket) On(event string, h EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = h
}

// Off removes the handler for event.
func (s *Socket) Off(event string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, event)
}

// OnAny installs the handler for events that have no dedicated handler.
func (s *Socket) OnAny(h AnyHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = h
}

// OnMalformed installs the handler for events that cannot be decoded. Without one
// they are logged and dropped.
func (s *Socket) OnMalformed(h MalformedHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.malformed = h
}

// OnDisconnect registers fn to run once the connection ends.
// If it already ended, fn runs immediately.
func (s *Socket) OnDisconnect(fn func()) {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		fn()
		return
	default:
	}
	s.onDisconnect = append(s.onDisconnect, fn)
	s.mu.Unlock()
}

// Done is closed when the connection ends.
func (s *Socket) Done() <-chan struct{} {
	return s.closed
}

// Err reports why the connection ended, or nil while it is live.
func (s *Socket) Err() error {
	select {
	case <-s.closed:
		return s.err
	default:
		return nil
	}
}

// Emit sends a named event without a reply channel.
func (s *Socket) Emit(event string, args ...any) error {
	pkt, err := message.NewPacket(event, args...)
	if err != nil {
		return err
	}
	return s.EmitPacket(pkt)
}

// EmitPacket sends an already encoded event without a reply channel.
func (s *Socket) EmitPacket(pkt *message.Packet) error {
	s.sending.Lock()
	defer s.sending.Unlock()
	return s.writeLocked(byte(s.opts.codec), protocol.MsgTypeEvent, 0, pkt)
}

// EmitWithAck sends a named event and waits for the receiver's single reply.
// ctx bounds the wait; the event itself cannot be recalled once written.
func (s *Socket) EmitWithAck(ctx context.Context, event string, args ...any) (message.Args, error) {
	pkt, err := message.NewPacket(event, args...)
	if err != nil {
		return nil, err
	}

	s.sending.Lock()
	s.ackSeq++
	if s.ackSeq == 0 { // 0 means "no ack" on the wire
		s.ackSeq++
	}
	ackID := s.ackSeq

	// Register before writing so a fast reply cannot race the bookkeeping.
	ch := make(chan ackResult, 1)
	s.pending.Store(ackID, ch)

	err = s.writeLocked(byte(s.opts.codec), protocol.MsgTypeEvent, ackID, pkt)
	s.sending.Unlock()
	if err != nil {
		s.pending.Delete(ackID)
		return nil, err
	}

	select {
	case res := <-ch:
		return res.args, res.err
	case <-ctx.Done():
		s.pending.Delete(ackID)
		return nil, ctx.Err()
	}
}

// Close ends the connection and runs the disconnect hooks.
func (s *Socket) Close() error {
	s.shutdown(ErrClosed)
	return nil
}

func (s *Socket) writeLocked(codecType byte, msgType protocol.MsgType, ackID uint32, pkt *message.Packet) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}

	var body []byte
	if pkt != nil {
		var err error
		body, err = codec.GetCodec(codec.CodecType(codecType)).Encode(pkt)
		if err != nil {
			return errors.Wrap(err, "encode packet")
		}
	}
	if s.opts.writeTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.opts.writeTimeout))
	}
	header := protocol.Header{
		CodecType: codecType,
		MsgType:   msgType,
		AckID:     ackID,
		BodyLen:   uint32(len(body)),
	}
	if err := protocol.Encode(s.conn, &header, body); err != nil {
		// A failed write leaves the stream in an unknown state.
		go s.shutdown(err)
		return errors.Wrap(err, "write frame")
	}
	return nil
}

// serve runs the read loop until the connection ends.
func (s *Socket) serve() {
	for {
		if s.opts.idleTimeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(s.opts.idleTimeout))
		}
		header, body, err := protocol.Decode(s.conn)
		if err != nil {
			s.shutdown(err)
			return
		}
		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}

		pkt := message.Packet{}
		if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, &pkt); err != nil {
			s.rejectFrame(header, "", errors.Wrap(err, "decode packet"))
			continue
		}
		args, err := pkt.Args()
		if err != nil {
			s.rejectFrame(header, pkt.Event, err)
			continue
		}

		switch header.MsgType {
		case protocol.MsgTypeAck:
			if ch, ok := s.pending.LoadAndDelete(header.AckID); ok {
				ch.(chan ackResult) <- ackResult{args: args}
			}
		case protocol.MsgTypeEvent:
			s.dispatch(pkt.Event, args, s.ackFunc(header.CodecType, header.AckID))
		}
	}
}

// rejectFrame fails the caller of an undecodable ack, and hands an undecodable event
// to the malformed handler.
func (s *Socket) rejectFrame(header *protocol.Header, event string, cause error) {
	if header.MsgType == protocol.MsgTypeAck {
		if ch, ok := s.pending.LoadAndDelete(header.AckID); ok {
			ch.(chan ackResult) <- ackResult{err: cause}
		}
		return
	}

	s.mu.RLock()
	h := s.malformed
	s.mu.RUnlock()
	if h == nil {
		s.logger.Warn("dropping malformed frame", zap.Stringer("type", header.MsgType), zap.String("event", event), zap.Error(cause))
		return
	}
	h(event, cause, s.ackFunc(header.CodecType, header.AckID))
}

func (s *Socket) dispatch(event string, args message.Args, ack AckFunc) {
	s.mu.RLock()
	h, ok := s.handlers[event]
	fallback := s.fallback
	s.mu.RUnlock()

	switch {
	case ok:
		h(args, ack)
	case fallback != nil:
		fallback(event, args, ack)
	default:
		s.logger.Debug("no handler for event", zap.String("event", event))
	}
}

// ackFunc builds the reply channel for an event, answering in the codec the sender used.
func (s *Socket) ackFunc(codecType byte, ackID uint32) AckFunc {
	if ackID == 0 {
		return nil
	}
	var used atomic.Bool
	return func(args ...any) error {
		if !used.CompareAndSwap(false, true) {
			return errors.Errorf("ack %d already sent", ackID)
		}
		pkt, err := message.NewPacket("", args...)
		if err != nil {
			return err
		}
		s.sending.Lock()
		defer s.sending.Unlock()
		return s.writeLocked(codecType, protocol.MsgTypeAck, ackID, pkt)
	}
}

// shutdown closes the connection once, fails every pending ack and runs the disconnect hooks.
func (s *Socket) shutdown(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = cause
		close(s.closed)
		hooks := s.onDisconnect
		s.onDisconnect = nil
		s.mu.Unlock()

		s.conn.Close()
		s.pending.Range(func(key, _ any) bool {
			if ch, ok := s.pending.LoadAndDelete(key); ok {
				ch.(chan ackResult) <- ackResult{err: ErrClosed}
			}
			return true
		})
		s.logger.Debug("socket closed", zap.Error(cause))

		for _, fn := range hooks {
			fn()
		}
	})
}

// heartbeatLoop sends periodic heartbeat frames so the other end's idle timeout never fires
// on a healthy but quiet connection.
func (s *Socket) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
		}
		s.sending.Lock()
		err := s.writeLocked(byte(s.opts.codec), protocol.MsgTypeHeartbeat, 0, nil)
		s.sending.Unlock()
		if err != nil {
			return
		}
	}
}
