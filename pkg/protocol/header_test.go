package protocol

import (
	"testing"
	"time"
)

func TestHeaderEncodeDecode(t *testing.T) {
	tests := []struct {
		name   string
		header *Header
	}{
		{
			name: "standard header",
			header: &Header{
				Magic:          ProtocolMagic,
				Version:        ProtocolVersion,
				PayloadVersion: 1,
				Type:           MsgTypeMethodCall,
				Flags:          0,
				ChannelID:      ControlChannel,
				SeqNum:         42,
				Length:         128,
				Deadline:       NowUnixMilli() + 5000,
			},
		},
		{
			name: "header with flags and channel",
			header: &Header{
				Magic:          ProtocolMagic,
				Version:        ProtocolVersion,
				PayloadVersion: 3,
				Type:           MsgTypeBinaryData,
				Flags:          FlagShared,
				ChannelID:      7,
				SeqNum:         0xFFFFFFFF,
				Length:         12,
				Deadline:       DeadlineNever,
			},
		},
		{
			name: "header with zero length",
			header: &Header{
				Magic:    ProtocolMagic,
				Version:  ProtocolVersion,
				Type:     MsgTypePing,
				SeqNum:   1,
				Length:   0,
				Deadline: DeadlineNever,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := tt.header.Encode()

			if len(encoded) != HeaderSize {
				t.Errorf("Encode() length = %d, want %d", len(encoded), HeaderSize)
			}

			decoded := &Header{}
			if err := decoded.Decode(encoded); err != nil {
				t.Fatalf("Decode() error = %v", err)
			}

			if *decoded != *tt.header {
				t.Errorf("Decoded header = %+v, want %+v", decoded, tt.header)
			}

			if err := decoded.Validate(); err != nil {
				t.Errorf("Validate() error = %v", err)
			}
		})
	}
}

func TestHeaderWireLayout(t *testing.T) {
	h := &Header{
		Magic:    ProtocolMagic,
		Version:  ProtocolVersion,
		Type:     MsgTypePong,
		SeqNum:   0x01020304,
		Deadline: DeadlineNever,
	}

	buf := h.Encode()

	// Little-endian regardless of host byte order.
	if buf[0] != 0x31 || buf[1] != 0x43 || buf[2] != 0x4E || buf[3] != 0x49 {
		t.Errorf("Magic bytes = % x, want 31 43 4e 49", buf[0:4])
	}
	if buf[16] != 0x04 || buf[17] != 0x03 || buf[18] != 0x02 || buf[19] != 0x01 {
		t.Errorf("SeqNum bytes = % x, want 04 03 02 01", buf[16:20])
	}
}

func TestHeaderValidate(t *testing.T) {
	valid := func() *Header {
		return &Header{Magic: ProtocolMagic, Version: ProtocolVersion, Length: 10}
	}

	tests := []struct {
		name    string
		mutate  func(*Header)
		wantErr error
	}{
		{"bad magic", func(h *Header) { h.Magic = 0xDEADBEEF }, ErrInvalidMagic},
		{"bad version", func(h *Header) { h.Version = 0x0200 }, ErrInvalidVersion},
		{"oversized length", func(h *Header) { h.Length = MaxPayloadSize + 1 }, ErrOversized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := valid()
			tt.mutate(h)
			if err := h.Validate(); err != tt.wantErr {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if err := valid().Validate(); err != nil {
		t.Errorf("Validate() on valid header = %v", err)
	}
}

func TestHeaderDecodeShortBuffer(t *testing.T) {
	h := &Header{}
	if err := h.Decode(make([]byte, HeaderSize-1)); err != ErrInvalidHeader {
		t.Errorf("Decode() = %v, want %v", err, ErrInvalidHeader)
	}
}

func TestHeaderExpired(t *testing.T) {
	now := NowUnixMilli()

	h := &Header{Deadline: now - 1}
	if !h.Expired(now) {
		t.Error("Expired() = false for past deadline")
	}

	h.Deadline = now + int64(time.Hour/time.Millisecond)
	if h.Expired(now) {
		t.Error("Expired() = true for future deadline")
	}

	h.Deadline = DeadlineNever
	if h.Expired(now) {
		t.Error("Expired() = true for DeadlineNever")
	}
}

func TestHeaderFlags(t *testing.T) {
	h := &Header{}

	h.SetFlag(FlagShared)
	if !h.HasFlag(FlagShared) {
		t.Error("HasFlag() = false after SetFlag")
	}

	h.ClearFlag(FlagShared)
	if h.HasFlag(FlagShared) {
		t.Error("HasFlag() = true after ClearFlag")
	}
}
