package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

var (
	ErrInvalidMagic   = errors.New("invalid protocol magic")
	ErrInvalidVersion = errors.New("unsupported protocol version")
	ErrInvalidHeader  = errors.New("invalid header")
	ErrOversized      = errors.New("declared payload exceeds maximum message size")
)

// Header represents the protocol message header.
//
// All multi-byte fields are little-endian on the wire regardless of
// host byte order.
type Header struct {
	Magic          uint32 // Magic number (0x494E4331)
	Version        uint16 // Protocol version
	PayloadVersion uint16 // Caller-defined payload schema version
	Type           uint16 // Message type
	Flags          uint16 // Feature flags
	ChannelID      uint32 // 0 = control channel
	SeqNum         uint32 // Caller-assigned sequence number
	Length         uint32 // Payload length
	Deadline       int64  // Absolute deadline (Unix ms); DeadlineNever = no expiry
}

// Encode encodes the header to bytes
func (h *Header) Encode() []byte {
	buf := make([]byte, HeaderSize)

	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint16(buf[4:6], h.Version)
	binary.LittleEndian.PutUint16(buf[6:8], h.PayloadVersion)
	binary.LittleEndian.PutUint16(buf[8:10], h.Type)
	binary.LittleEndian.PutUint16(buf[10:12], h.Flags)
	binary.LittleEndian.PutUint32(buf[12:16], h.ChannelID)
	binary.LittleEndian.PutUint32(buf[16:20], h.SeqNum)
	binary.LittleEndian.PutUint32(buf[20:24], h.Length)
	binary.LittleEndian.PutUint64(buf[24:32], uint64(h.Deadline))

	return buf
}

// Decode decodes the header from bytes
func (h *Header) Decode(buf []byte) error {
	if len(buf) < HeaderSize {
		return ErrInvalidHeader
	}

	h.Magic = binary.LittleEndian.Uint32(buf[0:4])
	h.Version = binary.LittleEndian.Uint16(buf[4:6])
	h.PayloadVersion = binary.LittleEndian.Uint16(buf[6:8])
	h.Type = binary.LittleEndian.Uint16(buf[8:10])
	h.Flags = binary.LittleEndian.Uint16(buf[10:12])
	h.ChannelID = binary.LittleEndian.Uint32(buf[12:16])
	h.SeqNum = binary.LittleEndian.Uint32(buf[16:20])
	h.Length = binary.LittleEndian.Uint32(buf[20:24])
	h.Deadline = int64(binary.LittleEndian.Uint64(buf[24:32]))

	return nil
}

// Validate validates the header. A failure here is fatal for the
// connection that received it.
func (h *Header) Validate() error {
	if h.Magic != ProtocolMagic {
		return ErrInvalidMagic
	}

	if h.Version != ProtocolVersion {
		return ErrInvalidVersion
	}

	if h.Length > MaxPayloadSize {
		return ErrOversized
	}

	return nil
}

// Expired reports whether the header's deadline has passed at time now
// (Unix ms). The DeadlineNever sentinel never expires.
func (h *Header) Expired(now int64) bool {
	return h.Deadline != DeadlineNever && now > h.Deadline
}

// HasFlag checks if a flag is set
func (h *Header) HasFlag(flag uint16) bool {
	return (h.Flags & flag) != 0
}

// SetFlag sets a flag
func (h *Header) SetFlag(flag uint16) {
	h.Flags |= flag
}

// ClearFlag clears a flag
func (h *Header) ClearFlag(flag uint16) {
	h.Flags &^= flag
}

// ReadHeader reads a header from an io.Reader
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)

	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	header := &Header{}
	if err := header.Decode(buf); err != nil {
		return nil, err
	}

	if err := header.Validate(); err != nil {
		return nil, err
	}

	return header, nil
}

// WriteHeader writes a header to an io.Writer
func WriteHeader(w io.Writer, h *Header) error {
	buf := h.Encode()
	_, err := w.Write(buf)
	return err
}
