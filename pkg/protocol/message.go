package protocol

import (
	"fmt"
	"io"
)

// Message represents a complete protocol message
type Message struct {
	Header  *Header
	Payload []byte
}

// NewMessage creates a control-channel message with a fresh header.
func NewMessage(msgType uint16, seqNum uint32, payload []byte) *Message {
	return &Message{
		Header: &Header{
			Magic:          ProtocolMagic,
			Version:        ProtocolVersion,
			PayloadVersion: 0,
			Type:           msgType,
			Flags:          0,
			ChannelID:      ControlChannel,
			SeqNum:         seqNum,
			Length:         uint32(len(payload)),
			Deadline:       DeadlineNever,
		},
		Payload: payload,
	}
}

// Encode encodes header and payload into a single wire frame.
func (m *Message) Encode() ([]byte, error) {
	if len(m.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("payload %d bytes: %w", len(m.Payload), ErrOversized)
	}

	m.Header.Length = uint32(len(m.Payload))

	buf := make([]byte, HeaderSize+len(m.Payload))
	copy(buf, m.Header.Encode())
	copy(buf[HeaderSize:], m.Payload)

	return buf, nil
}

// WriteMessage writes a complete message to w as one frame.
func WriteMessage(w io.Writer, m *Message) error {
	buf, err := m.Encode()
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadMessage reads one complete message from r, blocking until the
// header and full payload have arrived.
func ReadMessage(r io.Reader) (*Message, error) {
	header, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	payload := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}

	return &Message{Header: header, Payload: payload}, nil
}

// Decoder reassembles complete messages from an incoming byte stream.
// Feed may deliver arbitrary fragments; Next returns nil until a whole
// message is buffered. A validation failure from Next is fatal for the
// stream that produced the bytes.
type Decoder struct {
	buf []byte
}

// Feed appends raw bytes received from the socket.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes awaiting reassembly.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete message, or nil when more bytes are
// needed. Malformed headers return a non-nil error.
func (d *Decoder) Next() (*Message, error) {
	if len(d.buf) < HeaderSize {
		return nil, nil
	}

	header := &Header{}
	if err := header.Decode(d.buf[:HeaderSize]); err != nil {
		return nil, err
	}

	if err := header.Validate(); err != nil {
		return nil, err
	}

	total := HeaderSize + int(header.Length)
	if len(d.buf) < total {
		return nil, nil
	}

	payload := make([]byte, header.Length)
	copy(payload, d.buf[HeaderSize:total])

	// Shift the remainder down; frames are small so the copy is cheap.
	n := copy(d.buf, d.buf[total:])
	d.buf = d.buf[:n]

	return &Message{Header: header, Payload: payload}, nil
}
