package protocol

import (
	"bytes"
	"testing"
)

func TestHandshakeEncodeDecode(t *testing.T) {
	hs := &HandshakeMessage{
		ProtocolVersion: ProtocolVersion,
		ClientName:      []byte("test-client"),
	}

	decoded := &HandshakeMessage{}
	if err := decoded.Decode(hs.Encode()); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	if decoded.ProtocolVersion != hs.ProtocolVersion {
		t.Errorf("ProtocolVersion = %x, want %x", decoded.ProtocolVersion, hs.ProtocolVersion)
	}
	if !bytes.Equal(decoded.ClientName, hs.ClientName) {
		t.Error("ClientName mismatch")
	}
}

func TestHandshakeAckEncodeDecode(t *testing.T) {
	ack := &HandshakeAckMessage{
		ProtocolVersion: ProtocolVersion,
		ServerName:      []byte("inc-server"),
	}

	decoded := &HandshakeAckMessage{}
	if err := decoded.Decode(ack.Encode()); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	if string(decoded.ServerName) != "inc-server" {
		t.Errorf("ServerName = %q, want %q", decoded.ServerName, "inc-server")
	}
}

func TestMethodCallEncodeDecode(t *testing.T) {
	tests := []struct {
		name string
		msg  *MethodCallMessage
	}{
		{
			name: "call with args",
			msg: &MethodCallMessage{
				Name: []byte("echoTest"),
				Args: []byte("Hello INC Protocol"),
			},
		},
		{
			name: "call without args",
			msg: &MethodCallMessage{
				Name: []byte("system.shutdown"),
				Args: []byte{},
			},
		},
		{
			name: "binary args",
			msg: &MethodCallMessage{
				Name: []byte("blob.put"),
				Args: bytes.Repeat([]byte{0xAB}, 900),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decoded := &MethodCallMessage{}
			if err := decoded.Decode(tt.msg.Encode()); err != nil {
				t.Fatalf("Decode() error = %v", err)
			}

			if !bytes.Equal(decoded.Name, tt.msg.Name) {
				t.Errorf("Name = %q, want %q", decoded.Name, tt.msg.Name)
			}
			if !bytes.Equal(decoded.Args, tt.msg.Args) {
				t.Error("Args mismatch")
			}
		})
	}
}

func TestMethodCallDecodeInvalid(t *testing.T) {
	// Zero-length method name is a protocol violation.
	m := &MethodCallMessage{}
	if err := m.Decode([]byte{0, 0}); err == nil {
		t.Error("Decode() accepted empty method name")
	}

	// Truncated name.
	if err := m.Decode([]byte{10, 0, 'a', 'b'}); err == nil {
		t.Error("Decode() accepted truncated name")
	}
}

func TestMethodReplyEncodeDecode(t *testing.T) {
	reply := &MethodReplyMessage{
		Code: CodeTimeout,
		Data: []byte("partial result"),
	}

	decoded := &MethodReplyMessage{}
	if err := decoded.Decode(reply.Encode()); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	if decoded.Code != CodeTimeout {
		t.Errorf("Code = %d, want %d", decoded.Code, CodeTimeout)
	}
	if !bytes.Equal(decoded.Data, reply.Data) {
		t.Error("Data mismatch")
	}
}

func TestEventEncodeDecode(t *testing.T) {
	ev := &EventMessage{
		Name: []byte("system.started"),
		Data: []byte{1, 2, 3, 4},
	}

	decoded := &EventMessage{}
	if err := decoded.Decode(ev.Encode()); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	if string(decoded.Name) != "system.started" {
		t.Errorf("Name = %q", decoded.Name)
	}
	if !bytes.Equal(decoded.Data, ev.Data) {
		t.Error("Data mismatch")
	}
}

func TestChannelGrantEncodeDecode(t *testing.T) {
	grant := &ChannelGrantMessage{
		ChannelID:   9,
		SegmentSize: 1 << 20,
		SegmentName: []byte("inc-1234-9"),
	}

	decoded := &ChannelGrantMessage{}
	if err := decoded.Decode(grant.Encode()); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	if decoded.ChannelID != 9 || decoded.SegmentSize != 1<<20 {
		t.Errorf("Decoded grant = %+v", decoded)
	}
	if string(decoded.SegmentName) != "inc-1234-9" {
		t.Errorf("SegmentName = %q", decoded.SegmentName)
	}
}

func TestChannelRequestAndDeny(t *testing.T) {
	req := &ChannelRequestMessage{Mode: ModeWrite}
	decodedReq := &ChannelRequestMessage{}
	if err := decodedReq.Decode(req.Encode()); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if decodedReq.Mode != ModeWrite {
		t.Errorf("Mode = %d, want %d", decodedReq.Mode, ModeWrite)
	}

	deny := &ChannelDenyMessage{Code: CodeNoFreeChannel}
	decodedDeny := &ChannelDenyMessage{}
	if err := decodedDeny.Decode(deny.Encode()); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if decodedDeny.Code != CodeNoFreeChannel {
		t.Errorf("Code = %d, want %d", decodedDeny.Code, CodeNoFreeChannel)
	}
}

func TestBinaryDataEncodeDecode(t *testing.T) {
	t.Run("shared", func(t *testing.T) {
		m := &BinaryDataMessage{Position: 4096, Length: 512}
		encoded := m.Encode(true)
		if len(encoded) != 12 {
			t.Errorf("shared encoding length = %d, want 12", len(encoded))
		}

		decoded := &BinaryDataMessage{}
		if err := decoded.Decode(encoded, true); err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if decoded.Position != 4096 || decoded.Length != 512 {
			t.Errorf("Decoded = %+v", decoded)
		}
		if decoded.Data != nil {
			t.Error("shared decode produced inline data")
		}
	})

	t.Run("inline", func(t *testing.T) {
		m := &BinaryDataMessage{Position: 10, Data: []byte("inline bytes")}
		decoded := &BinaryDataMessage{}
		if err := decoded.Decode(m.Encode(false), false); err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if decoded.Position != 10 {
			t.Errorf("Position = %d, want 10", decoded.Position)
		}
		if !bytes.Equal(decoded.Data, m.Data) {
			t.Error("Data mismatch")
		}
		if decoded.Length != uint32(len(m.Data)) {
			t.Errorf("Length = %d, want %d", decoded.Length, len(m.Data))
		}
	})
}

func TestBinaryAckEncodeDecode(t *testing.T) {
	ack := &BinaryAckMessage{Position: 1 << 40}
	decoded := &BinaryAckMessage{}
	if err := decoded.Decode(ack.Encode()); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if decoded.Position != 1<<40 {
		t.Errorf("Position = %d, want %d", decoded.Position, uint64(1)<<40)
	}
}
