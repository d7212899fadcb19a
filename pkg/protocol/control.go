package protocol

import (
	"encoding/binary"
	"fmt"
)

// Control payload encodings. Variable-length fields are prefixed with a
// 2-byte length; integers are little-endian like the header.

// ===== HANDSHAKE =====

// HandshakeMessage opens a session; sent by the client immediately
// after the socket connects.
type HandshakeMessage struct {
	ProtocolVersion uint16 // Client's protocol version
	ClientName      []byte // Optional client identity
}

// Encode encodes handshake to bytes
func (m *HandshakeMessage) Encode() []byte {
	buf := make([]byte, 2+2+len(m.ClientName))
	binary.LittleEndian.PutUint16(buf[0:], m.ProtocolVersion)
	binary.LittleEndian.PutUint16(buf[2:], uint16(len(m.ClientName)))
	copy(buf[4:], m.ClientName)
	return buf
}

// Decode decodes handshake from bytes
func (m *HandshakeMessage) Decode(buf []byte) error {
	if len(buf) < 4 {
		return fmt.Errorf("buffer too short for handshake")
	}

	m.ProtocolVersion = binary.LittleEndian.Uint16(buf[0:])
	nameLen := int(binary.LittleEndian.Uint16(buf[2:]))
	if len(buf) < 4+nameLen {
		return fmt.Errorf("buffer too short for handshake name")
	}

	m.ClientName = make([]byte, nameLen)
	copy(m.ClientName, buf[4:4+nameLen])

	return nil
}

// HandshakeAckMessage is the server's answer, advertising its protocol
// version and name.
type HandshakeAckMessage struct {
	ProtocolVersion uint16
	ServerName      []byte
}

// Encode encodes handshake ACK to bytes
func (m *HandshakeAckMessage) Encode() []byte {
	buf := make([]byte, 2+2+len(m.ServerName))
	binary.LittleEndian.PutUint16(buf[0:], m.ProtocolVersion)
	binary.LittleEndian.PutUint16(buf[2:], uint16(len(m.ServerName)))
	copy(buf[4:], m.ServerName)
	return buf
}

// Decode decodes handshake ACK from bytes
func (m *HandshakeAckMessage) Decode(buf []byte) error {
	if len(buf) < 4 {
		return fmt.Errorf("buffer too short for handshake ACK")
	}

	m.ProtocolVersion = binary.LittleEndian.Uint16(buf[0:])
	nameLen := int(binary.LittleEndian.Uint16(buf[2:]))
	if len(buf) < 4+nameLen {
		return fmt.Errorf("buffer too short for server name")
	}

	m.ServerName = make([]byte, nameLen)
	copy(m.ServerName, buf[4:4+nameLen])

	return nil
}

// ===== METHOD CALL / REPLY =====

// MethodCallMessage invokes a named method on the peer. The payload
// schema version travels in the header's PayloadVersion field.
type MethodCallMessage struct {
	Name []byte // Method name
	Args []byte // Opaque argument bytes
}

// Encode encodes method call to bytes
func (m *MethodCallMessage) Encode() []byte {
	buf := make([]byte, 2+len(m.Name)+len(m.Args))
	binary.LittleEndian.PutUint16(buf[0:], uint16(len(m.Name)))
	copy(buf[2:], m.Name)
	copy(buf[2+len(m.Name):], m.Args)
	return buf
}

// Decode decodes method call from bytes
func (m *MethodCallMessage) Decode(buf []byte) error {
	if len(buf) < 2 {
		return fmt.Errorf("buffer too short for method call")
	}

	nameLen := int(binary.LittleEndian.Uint16(buf[0:]))
	if nameLen == 0 || len(buf) < 2+nameLen {
		return fmt.Errorf("invalid method name length")
	}

	m.Name = make([]byte, nameLen)
	copy(m.Name, buf[2:2+nameLen])

	m.Args = make([]byte, len(buf)-2-nameLen)
	copy(m.Args, buf[2+nameLen:])

	return nil
}

// MethodReplyMessage answers a method call; SeqNum in the header echoes
// the caller's sequence number.
type MethodReplyMessage struct {
	Code uint16 // CodeOK or a failure code
	Data []byte // Result bytes
}

// Encode encodes method reply to bytes
func (m *MethodReplyMessage) Encode() []byte {
	buf := make([]byte, 2+len(m.Data))
	binary.LittleEndian.PutUint16(buf[0:], m.Code)
	copy(buf[2:], m.Data)
	return buf
}

// Decode decodes method reply from bytes
func (m *MethodReplyMessage) Decode(buf []byte) error {
	if len(buf) < 2 {
		return fmt.Errorf("buffer too short for method reply")
	}

	m.Code = binary.LittleEndian.Uint16(buf[0:])
	m.Data = make([]byte, len(buf)-2)
	copy(m.Data, buf[2:])

	return nil
}

// ===== EVENT =====

// EventMessage is a server-to-client notification. The event payload
// version travels in the header's PayloadVersion field.
type EventMessage struct {
	Name []byte // Event name, matched against subscription patterns
	Data []byte // Opaque event payload
}

// Encode encodes event to bytes
func (m *EventMessage) Encode() []byte {
	buf := make([]byte, 2+len(m.Name)+len(m.Data))
	binary.LittleEndian.PutUint16(buf[0:], uint16(len(m.Name)))
	copy(buf[2:], m.Name)
	copy(buf[2+len(m.Name):], m.Data)
	return buf
}

// Decode decodes event from bytes
func (m *EventMessage) Decode(buf []byte) error {
	if len(buf) < 2 {
		return fmt.Errorf("buffer too short for event")
	}

	nameLen := int(binary.LittleEndian.Uint16(buf[0:]))
	if nameLen == 0 || len(buf) < 2+nameLen {
		return fmt.Errorf("invalid event name length")
	}

	m.Name = make([]byte, nameLen)
	copy(m.Name, buf[2:2+nameLen])

	m.Data = make([]byte, len(buf)-2-nameLen)
	copy(m.Data, buf[2+nameLen:])

	return nil
}

// ===== STREAM CHANNELS =====

// Stream attach modes
const (
	ModeWrite uint8 = 0x01
	ModeRead  uint8 = 0x02
)

// ChannelRequestMessage asks the server to allocate a stream channel.
type ChannelRequestMessage struct {
	Mode uint8 // ModeWrite or ModeRead
}

// Encode encodes channel request to bytes
func (m *ChannelRequestMessage) Encode() []byte {
	return []byte{m.Mode}
}

// Decode decodes channel request from bytes
func (m *ChannelRequestMessage) Decode(buf []byte) error {
	if len(buf) < 1 {
		return fmt.Errorf("buffer too short for channel request")
	}
	m.Mode = buf[0]
	return nil
}

// ChannelGrantMessage assigns a channel ID and names the shared-memory
// segment backing it.
type ChannelGrantMessage struct {
	ChannelID   uint32 // Assigned channel ID (> 0)
	SegmentSize uint32 // Ring capacity in bytes
	SegmentName []byte // OS-level shared memory name
}

// Encode encodes channel grant to bytes
func (m *ChannelGrantMessage) Encode() []byte {
	buf := make([]byte, 4+4+2+len(m.SegmentName))
	binary.LittleEndian.PutUint32(buf[0:], m.ChannelID)
	binary.LittleEndian.PutUint32(buf[4:], m.SegmentSize)
	binary.LittleEndian.PutUint16(buf[8:], uint16(len(m.SegmentName)))
	copy(buf[10:], m.SegmentName)
	return buf
}

// Decode decodes channel grant from bytes
func (m *ChannelGrantMessage) Decode(buf []byte) error {
	if len(buf) < 10 {
		return fmt.Errorf("buffer too short for channel grant")
	}

	m.ChannelID = binary.LittleEndian.Uint32(buf[0:])
	m.SegmentSize = binary.LittleEndian.Uint32(buf[4:])
	nameLen := int(binary.LittleEndian.Uint16(buf[8:]))
	if len(buf) < 10+nameLen {
		return fmt.Errorf("buffer too short for segment name")
	}

	m.SegmentName = make([]byte, nameLen)
	copy(m.SegmentName, buf[10:10+nameLen])

	return nil
}

// ChannelDenyMessage rejects a channel request.
type ChannelDenyMessage struct {
	Code uint16
}

// Encode encodes channel deny to bytes
func (m *ChannelDenyMessage) Encode() []byte {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, m.Code)
	return buf
}

// Decode decodes channel deny from bytes
func (m *ChannelDenyMessage) Decode(buf []byte) error {
	if len(buf) < 2 {
		return fmt.Errorf("buffer too short for channel deny")
	}
	m.Code = binary.LittleEndian.Uint16(buf)
	return nil
}

// ===== BINARY DATA / FLOW CONTROL =====

// BinaryDataMessage announces bytes written on a stream channel. When
// the header carries FlagShared the data lives in the shared segment
// and only (Position, Length) travel on the wire; otherwise the data
// bytes follow inline.
type BinaryDataMessage struct {
	Position uint64 // Logical write position in the ring
	Length   uint32 // Byte count at Position
	Data     []byte // Inline data; nil for shared transfers
}

// Encode encodes binary data meta (and inline bytes when shared is
// false) to bytes.
func (m *BinaryDataMessage) Encode(shared bool) []byte {
	if shared {
		buf := make([]byte, 8+4)
		binary.LittleEndian.PutUint64(buf[0:], m.Position)
		binary.LittleEndian.PutUint32(buf[8:], m.Length)
		return buf
	}

	buf := make([]byte, 8+len(m.Data))
	binary.LittleEndian.PutUint64(buf[0:], m.Position)
	copy(buf[8:], m.Data)
	return buf
}

// Decode decodes binary data from bytes
func (m *BinaryDataMessage) Decode(buf []byte, shared bool) error {
	if len(buf) < 8 {
		return fmt.Errorf("buffer too short for binary data")
	}

	m.Position = binary.LittleEndian.Uint64(buf[0:])

	if shared {
		if len(buf) < 12 {
			return fmt.Errorf("buffer too short for shared binary data")
		}
		m.Length = binary.LittleEndian.Uint32(buf[8:])
		m.Data = nil
		return nil
	}

	m.Data = make([]byte, len(buf)-8)
	copy(m.Data, buf[8:])
	m.Length = uint32(len(m.Data))

	return nil
}

// BinaryAckMessage acknowledges consumption up to Position (exclusive),
// releasing ring capacity back to the writer.
type BinaryAckMessage struct {
	Position uint64
}

// Encode encodes binary ack to bytes
func (m *BinaryAckMessage) Encode() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, m.Position)
	return buf
}

// Decode decodes binary ack from bytes
func (m *BinaryAckMessage) Decode(buf []byte) error {
	if len(buf) < 8 {
		return fmt.Errorf("buffer too short for binary ack")
	}
	m.Position = binary.LittleEndian.Uint64(buf)
	return nil
}
