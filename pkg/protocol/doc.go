// Package protocol implements the INC wire protocol.
//
// The protocol package defines the message header, the message type and
// error code constants, frame encoding/decoding, and the binary
// encodings of the control payloads exchanged between an INC server and
// its clients.
//
// # Protocol Overview
//
// INC uses a custom binary protocol with the following features:
//   - 32-byte message headers with magic number validation
//   - A hard 1024-byte cap on total message size; bulk data moves
//     through shared-memory stream channels instead
//   - Sequence-number correlation of method calls and replies
//   - Absolute deadlines carried in the header for request expiry
//
// # Message Types
//
// Connection Management (0x00xx):
//   - Handshake/HandshakeAck: Initial session setup; the ACK carries
//     the server's advertised protocol version and name
//   - Ping/Pong: Keep-alive messages, answered by the connection layer
//   - Disconnect: Clean connection termination
//
// Method Operations (0x01xx):
//   - MethodCall: Invoke a named method with opaque argument bytes
//   - MethodReply: Result or failure, echoing the caller's SeqNum
//
// Events & Subscriptions (0x02xx):
//   - Event: Server-to-client notification
//   - Subscribe/Unsubscribe: Register or drop an event pattern; a
//     trailing '*' makes the pattern a prefix wildcard
//
// Stream Channels (0x03xx):
//   - ChannelRequest/ChannelGrant/ChannelDeny: Negotiate a
//     shared-memory stream channel
//   - BinaryData: Announce bytes written at a ring position
//   - BinaryAck: Acknowledge consumption, releasing ring capacity
//   - ChannelRelease: Detach a channel and free its ID
//
// # Header Format
//
// Every message starts with a 32-byte header, all integers
// little-endian:
//   - Magic (4 bytes): Protocol identifier (0x494E4331 = "INC1")
//   - Version (2 bytes): Protocol version (0x0100 = v1.0)
//   - PayloadVersion (2 bytes): Caller-defined payload schema version
//   - Type (2 bytes): Message type
//   - Flags (2 bytes): Feature flags
//   - ChannelID (4 bytes): 0 for the control channel
//   - SeqNum (4 bytes): Caller-assigned sequence number
//   - Length (4 bytes): Payload length, at most 992
//   - Deadline (8 bytes): Absolute Unix-ms deadline; 0 = never
//
// A bad magic, an unsupported version, or a declared length beyond the
// payload cap is a fatal framing error for the connection that received
// it.
//
// # Incremental Decoding
//
// The Decoder type reassembles messages from arbitrary byte fragments,
// so a connection can feed it whatever each socket read returns:
//
//	var dec protocol.Decoder
//	dec.Feed(chunk)
//	for {
//	    msg, err := dec.Next()
//	    if err != nil { /* fatal framing error */ }
//	    if msg == nil { break } // need more bytes
//	    dispatch(msg)
//	}
package protocol
