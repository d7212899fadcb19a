package network

import (
	"errors"
	"log"
	"sync"

	"github.com/incware/inc/pkg/protocol"
	"github.com/incware/inc/pkg/shm"
)

// StreamState is the lifecycle state of a Stream
type StreamState int32

const (
	StreamDetached StreamState = iota
	StreamAttaching
	StreamAttached
)

// String returns the state name
func (s StreamState) String() string {
	switch s {
	case StreamDetached:
		return "DETACHED"
	case StreamAttaching:
		return "ATTACHING"
	case StreamAttached:
		return "ATTACHED"
	default:
		return "UNKNOWN"
	}
}

// Stream is a bulk-data channel scoped to one Context. Attach
// negotiates a server-assigned channel ID and a shared-memory segment
// over the control connection; after that, payload bytes move through
// the segment's ring and only small position/ack messages travel on the
// socket. A write-mode stream owns the write cursor; a read-mode stream
// consumes through the data callback. The channel ID is valid only
// while attached.
type Stream struct {
	ctx *Context

	mu        sync.Mutex
	state     StreamState
	mode      uint8
	channelID uint32
	seg       *shm.Segment
	ring      *shm.Ring

	notifier stateNotifier

	// OnStateChanged receives stream state transitions; the ATTACHED
	// or back-to-DETACHED outcome of Attach arrives here. At most one
	// pending notification is coalesced per stream.
	OnStateChanged func(oldState, newState StreamState)

	// OnData receives consumed bytes on a read-mode stream
	OnData func(position uint64, data []byte)
}

// NewStream creates a detached stream owned by this context
func (c *Context) NewStream() *Stream {
	s := &Stream{ctx: c, state: StreamDetached}

	c.mu.Lock()
	c.all[s] = struct{}{}
	c.mu.Unlock()

	return s
}

// State returns the current stream state
func (s *Stream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ChannelID returns the server-assigned channel ID; 0 while detached
func (s *Stream) ChannelID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channelID
}

// CanWrite reports whether Write will accept data
func (s *Stream) CanWrite() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StreamAttached && s.mode == protocol.ModeWrite
}

func (s *Stream) setState(state StreamState) {
	s.mu.Lock()
	old := s.state
	s.state = state
	s.mu.Unlock()

	if old == state {
		return
	}
	if s.OnStateChanged != nil {
		s.notifier.post(s.ctx.dispatch, int32(old), int32(state), func(from, to int32) {
			s.OnStateChanged(StreamState(from), StreamState(to))
		})
	}
}

// Attach sends a channel request and returns immediately; true means
// the request went out, not that the stream is attached. The eventual
// ATTACHED or back-to-DETACHED transition arrives through the stream's
// state-change notification. Only a detached stream on a connected
// context can attach.
func (s *Stream) Attach(mode uint8) bool {
	if mode != protocol.ModeWrite && mode != protocol.ModeRead {
		return false
	}

	conn := s.ctx.connection()
	if conn == nil {
		return false
	}

	s.mu.Lock()
	if s.state != StreamDetached {
		s.mu.Unlock()
		return false
	}
	s.mode = mode
	s.mu.Unlock()

	req := &protocol.ChannelRequestMessage{Mode: mode}
	seq := conn.nextSequence()
	msg := protocol.NewMessage(protocol.MsgTypeChannelRequest, seq, req.Encode())

	s.ctx.mu.Lock()
	s.ctx.attaching[seq] = s
	s.ctx.mu.Unlock()

	s.setState(StreamAttaching)

	if err := conn.send(msg); err != nil {
		s.ctx.mu.Lock()
		delete(s.ctx.attaching, seq)
		s.ctx.mu.Unlock()
		s.setState(StreamDetached)
		return false
	}

	return true
}

// attachGranted maps the granted segment and moves to ATTACHED
func (s *Stream) attachGranted(grant *protocol.ChannelGrantMessage) error {
	seg, err := shm.Open(s.ctx.config.SharedMemoryDir, string(grant.SegmentName), int(grant.SegmentSize))
	if err != nil {
		s.setState(StreamDetached)
		return err
	}

	ring, err := shm.NewRing(seg)
	if err != nil {
		seg.Close()
		s.setState(StreamDetached)
		return err
	}

	s.mu.Lock()
	if s.state != StreamAttaching {
		// Detached while the grant was in flight.
		s.mu.Unlock()
		seg.Close()
		return nil
	}
	s.channelID = grant.ChannelID
	s.seg = seg
	s.ring = ring
	s.mu.Unlock()

	s.setState(StreamAttached)
	return nil
}

// attachDenied moves back to DETACHED after a server denial
func (s *Stream) attachDenied() {
	s.setState(StreamDetached)
}

// Write copies data into the shared segment at the given logical
// position (wrapping per the ring capacity) and announces it to the
// peer. The returned operation completes when the peer acknowledges
// consumption up to that position. While the stream cannot write, nil
// is returned rather than blocking or failing asynchronously.
func (s *Stream) Write(position uint64, data []byte) *Operation {
	s.mu.Lock()
	if s.state != StreamAttached || s.mode != protocol.ModeWrite {
		s.mu.Unlock()
		return nil
	}
	ring := s.ring
	id := s.channelID
	s.mu.Unlock()

	conn := s.ctx.connection()
	if conn == nil {
		return completedOperation(protocol.CodeConnectionClosed)
	}

	if len(data) == 0 {
		return completedOperation(protocol.CodeOK)
	}

	if err := ring.WriteAt(position, data); err != nil {
		if errors.Is(err, shm.ErrSegmentClosed) {
			// Detached while the write was in flight.
			return completedOperation(protocol.CodeInvalidState)
		}
		return completedOperation(protocol.CodeInvalidArgs)
	}

	meta := &protocol.BinaryDataMessage{Position: position, Length: uint32(len(data))}
	msg := protocol.NewMessage(protocol.MsgTypeBinaryData, conn.nextSequence(), meta.Encode(true))
	msg.Header.ChannelID = id
	msg.Header.SetFlag(protocol.FlagShared)

	return conn.request(msg)
}

// handleData consumes inbound bytes on a read-mode stream and
// acknowledges them.
func (s *Stream) handleData(conn *Connection, msg *protocol.Message) {
	s.mu.Lock()
	ring := s.ring
	id := s.channelID
	readable := s.state == StreamAttached && s.mode == protocol.ModeRead
	s.mu.Unlock()

	if !readable {
		return
	}

	shared := msg.Header.HasFlag(protocol.FlagShared)
	var data protocol.BinaryDataMessage
	if err := data.Decode(msg.Payload, shared); err != nil {
		conn.closeWithError(err)
		return
	}

	payload := data.Data
	if shared {
		var err error
		payload, err = ring.ReadAt(data.Position, int(data.Length))
		if errors.Is(err, shm.ErrSegmentClosed) {
			// Detached while the announcement was in flight; the
			// server side gets told through the channel release.
			return
		}
		if err != nil {
			conn.closeWithError(err)
			return
		}
	}

	if s.OnData != nil {
		s.OnData(data.Position, payload)
	}

	end := data.Position + uint64(data.Length)
	if shared {
		ring.Ack(end)
	}
	ack := &protocol.BinaryAckMessage{Position: end}
	reply := protocol.NewMessage(protocol.MsgTypeBinaryAck, msg.Header.SeqNum, ack.Encode())
	reply.Header.ChannelID = id
	if err := conn.send(reply); err != nil {
		conn.closeWithError(err)
	}
}

// handleAck republishes the peer's consumption cursor
func (s *Stream) handleAck(position uint64) {
	s.mu.Lock()
	ring := s.ring
	s.mu.Unlock()

	if ring != nil {
		ring.Ack(position)
	}
}

// Detach releases the channel ID and unmaps the segment. Idempotent
// and safe to call from any state, including repeatedly.
func (s *Stream) Detach() {
	s.detach(true)
}

// detachLocal tears down stream state without telling the server; used
// when the connection is already gone.
func (s *Stream) detachLocal() {
	s.detach(false)
}

func (s *Stream) detach(notifyServer bool) {
	s.mu.Lock()
	if s.state == StreamDetached {
		s.mu.Unlock()
		return
	}
	id := s.channelID
	seg := s.seg
	s.channelID = 0
	s.seg = nil
	s.ring = nil
	s.mu.Unlock()

	s.ctx.mu.Lock()
	if id != 0 {
		delete(s.ctx.streams, id)
	}
	for seq, pending := range s.ctx.attaching {
		if pending == s {
			delete(s.ctx.attaching, seq)
		}
	}
	s.ctx.mu.Unlock()

	if notifyServer && id != 0 {
		s.ctx.releaseChannelID(id)
	}

	if seg != nil {
		if err := seg.Close(); err != nil {
			log.Printf("Segment close failed: %v", err)
		}
	}

	s.setState(StreamDetached)
}
