package protocol

import "time"

// Protocol constants
const (
	// Magic number for the INC protocol ('INC1')
	ProtocolMagic = 0x494E4331

	// Protocol version
	ProtocolVersion = 0x0100 // v1.0

	// Header size
	HeaderSize = 32

	// Maximum total message size (header + payload)
	MaxMessageSize = 1024

	// Maximum payload carried by a single control-channel message
	MaxPayloadSize = MaxMessageSize - HeaderSize
)

// ControlChannel is the channel ID of the control plane; stream
// channels are assigned IDs > 0.
const ControlChannel uint32 = 0

// DeadlineNever is the sentinel deadline for messages and operations
// that never expire.
const DeadlineNever int64 = 0

// Message types
const (
	// Connection Management (0x00xx)
	MsgTypeHandshake    uint16 = 0x0001
	MsgTypeHandshakeAck uint16 = 0x0002
	MsgTypePing         uint16 = 0x0003
	MsgTypePong         uint16 = 0x0004
	MsgTypeDisconnect   uint16 = 0x0005

	// Method Operations (0x01xx)
	MsgTypeMethodCall  uint16 = 0x0100
	MsgTypeMethodReply uint16 = 0x0101

	// Events & Subscriptions (0x02xx)
	MsgTypeEvent       uint16 = 0x0200
	MsgTypeSubscribe   uint16 = 0x0201
	MsgTypeUnsubscribe uint16 = 0x0202

	// Stream Channels (0x03xx)
	MsgTypeChannelRequest uint16 = 0x0300
	MsgTypeChannelGrant   uint16 = 0x0301
	MsgTypeChannelDeny    uint16 = 0x0302
	MsgTypeBinaryData     uint16 = 0x0303
	MsgTypeBinaryAck      uint16 = 0x0304
	MsgTypeChannelRelease uint16 = 0x0305
)

// Flags
const (
	// FlagShared marks a BinaryData message whose payload bytes live in
	// the channel's shared-memory segment rather than on the wire.
	FlagShared uint16 = 0x0001
)

// Error codes carried in MethodReply / ChannelDeny payloads and
// reported through operation outcomes.
const (
	CodeOK               uint16 = 0
	CodeInvalidArgs      uint16 = 1
	CodeInvalidState     uint16 = 2
	CodeTimeout          uint16 = 3
	CodeCancelled        uint16 = 4
	CodeConnectionClosed uint16 = 5
	CodeProtocolError    uint16 = 6
	CodeUnsupported      uint16 = 7
	CodeNoFreeChannel    uint16 = 8
)

// CodeString returns a human-readable name for an error code.
func CodeString(code uint16) string {
	switch code {
	case CodeOK:
		return "OK"
	case CodeInvalidArgs:
		return "INVALID_ARGS"
	case CodeInvalidState:
		return "INVALID_STATE"
	case CodeTimeout:
		return "TIMEOUT"
	case CodeCancelled:
		return "CANCELLED"
	case CodeConnectionClosed:
		return "CONNECTION_CLOSED"
	case CodeProtocolError:
		return "PROTOCOL_ERROR"
	case CodeUnsupported:
		return "UNSUPPORTED"
	case CodeNoFreeChannel:
		return "NO_FREE_CHANNEL"
	default:
		return "UNKNOWN"
	}
}

// NowUnixMilli returns current time in Unix milliseconds
func NowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

// DeadlineFromTimeout converts a relative timeout into an absolute wire
// deadline. A zero or negative timeout yields DeadlineNever.
func DeadlineFromTimeout(timeout time.Duration) int64 {
	if timeout <= 0 {
		return DeadlineNever
	}
	return time.Now().Add(timeout).UnixMilli()
}
