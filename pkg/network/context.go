package network

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/incware/inc/pkg/protocol"
)

var ErrHandshakeFailed = errors.New("handshake failed")

func errUnknownChannel(id uint32) error {
	return fmt.Errorf("binary data on unknown channel %d", id)
}

// ContextState is the lifecycle state of a client Context
type ContextState int32

const (
	StateDisconnected ContextState = iota
	StateConnecting
	StateConnected
	StateFailed
	StateTerminated
)

// String returns the state name
func (s ContextState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateFailed:
		return "FAILED"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// Context owns one connection to one INC server. It turns outbound
// requests into Operations, surfaces inbound events and state
// transitions through its callbacks, and hosts the streams attached on
// its connection. A Context never reconnects on its own; after FAILED
// the retry decision belongs to the owner.
type Context struct {
	config   ClientConfig
	dispatch *dispatcher

	mu                    sync.Mutex
	state                 ContextState
	conn                  *Connection
	serverProtocolVersion uint16
	serverName            string
	closing               bool

	streams   map[uint32]*Stream // attached, by channel ID
	attaching map[uint32]*Stream // awaiting grant/deny, by request seq
	all       map[*Stream]struct{}

	notifier stateNotifier

	// OnEvent receives inbound events: name, payload version, data.
	// Set before ConnectTo.
	OnEvent func(name []byte, version uint16, data []byte)

	// OnStateChanged receives context state transitions. Set before
	// ConnectTo. At most one pending notification is coalesced while
	// the owner has not drained the previous one.
	OnStateChanged func(oldState, newState ContextState)
}

// NewContext creates a client context
func NewContext(config ClientConfig) *Context {
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = DefaultClientConfig().ConnectTimeout
	}
	if config.SharedMemoryDir == "" {
		config.SharedMemoryDir = DefaultClientConfig().SharedMemoryDir
	}
	if config.HeartbeatTimeout <= 0 {
		config.HeartbeatTimeout = DefaultClientConfig().HeartbeatTimeout
	}

	return &Context{
		config:    config,
		dispatch:  newDispatcher(config.EnableIOThread),
		state:     StateDisconnected,
		streams:   make(map[uint32]*Stream),
		attaching: make(map[uint32]*Stream),
		all:       make(map[*Stream]struct{}),
	}
}

// State returns the current context state
func (c *Context) State() ContextState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ServerProtocolVersion returns the protocol version the server
// advertised in its handshake ACK; valid once CONNECTED.
func (c *Context) ServerProtocolVersion() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverProtocolVersion
}

// ServerName returns the name the server advertised; valid once
// CONNECTED.
func (c *Context) ServerName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverName
}

func (c *Context) setState(state ContextState) {
	c.mu.Lock()
	old := c.state
	c.state = state
	c.mu.Unlock()

	if old == state {
		return
	}
	if c.OnStateChanged != nil {
		c.notifier.post(c.dispatch, int32(old), int32(state), func(from, to int32) {
			c.OnStateChanged(ContextState(from), ContextState(to))
		})
	}
}

// ConnectTo dials a "tcp://host:port" URL and performs the handshake.
// Double-connect is an error, not a no-op: protocol.CodeInvalidState is
// returned while connecting or connected. An empty URL falls back to
// the configured default; with neither, protocol.CodeInvalidArgs is
// returned without any connection attempt.
func (c *Context) ConnectTo(url string) uint16 {
	if url == "" {
		url = c.config.DefaultURL
		if url == "" {
			return protocol.CodeInvalidArgs
		}
	}

	addr, ok := parseTCPURL(url)
	if !ok {
		return protocol.CodeInvalidArgs
	}

	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return protocol.CodeInvalidState
	}
	c.closing = false
	if c.dispatch.isStopped() {
		c.dispatch = newDispatcher(c.config.EnableIOThread)
	}
	c.mu.Unlock()

	c.setState(StateConnecting)

	sock, err := net.DialTimeout("tcp", addr, c.config.ConnectTimeout)
	if err != nil {
		log.Printf("Connect to %s failed: %v", addr, err)
		c.setState(StateFailed)
		return protocol.CodeConnectionClosed
	}

	if err := c.performHandshake(sock); err != nil {
		sock.Close()
		log.Printf("Handshake with %s failed: %v", addr, err)
		c.setState(StateFailed)
		return protocol.CodeProtocolError
	}

	conn := newConnection(sock, c.dispatch, c.config.HeartbeatTimeout)
	conn.onMessage = c.dispatchMessage
	conn.onClosed = c.connectionClosed

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	conn.start()
	c.setState(StateConnected)
	log.Printf("Connected to %s (server %q)", addr, c.ServerName())

	return protocol.CodeOK
}

// performHandshake runs the synchronous handshake exchange on the fresh
// socket, before the read loop starts.
func (c *Context) performHandshake(sock net.Conn) error {
	sock.SetDeadline(time.Now().Add(c.config.ConnectTimeout))
	defer sock.SetDeadline(time.Time{})

	hs := &protocol.HandshakeMessage{
		ProtocolVersion: protocol.ProtocolVersion,
		ClientName:      []byte(c.config.Name),
	}
	msg := protocol.NewMessage(protocol.MsgTypeHandshake, 1, hs.Encode())
	if err := protocol.WriteMessage(sock, msg); err != nil {
		return err
	}

	reply, err := protocol.ReadMessage(sock)
	if err != nil {
		return err
	}
	if reply.Header.Type != protocol.MsgTypeHandshakeAck {
		return ErrHandshakeFailed
	}

	var ack protocol.HandshakeAckMessage
	if err := ack.Decode(reply.Payload); err != nil {
		return err
	}

	c.mu.Lock()
	c.serverProtocolVersion = ack.ProtocolVersion
	c.serverName = string(ack.ServerName)
	c.mu.Unlock()

	return nil
}

// connection returns the live connection, or nil when not connected
func (c *Context) connection() *Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return nil
	}
	return c.conn
}

// CallMethod sends a method call and returns the operation that the
// receive path completes when the matching reply arrives, or that the
// deadline sweep completes with TIMEOUT. A zero timeout means the call
// never expires. Argument errors and state errors come back as an
// already-failed operation, never as a later asynchronous surprise.
func (c *Context) CallMethod(name []byte, version uint16, args []byte, timeout time.Duration) *Operation {
	if len(name) == 0 {
		return completedOperation(protocol.CodeInvalidArgs)
	}

	call := &protocol.MethodCallMessage{Name: name, Args: args}
	payload := call.Encode()
	if len(payload) > protocol.MaxPayloadSize {
		// Too big for the control channel; this belongs on a stream.
		return completedOperation(protocol.CodeInvalidArgs)
	}

	conn := c.connection()
	if conn == nil {
		return completedOperation(protocol.CodeInvalidState)
	}

	msg := protocol.NewMessage(protocol.MsgTypeMethodCall, conn.nextSequence(), payload)
	msg.Header.PayloadVersion = version
	msg.Header.Deadline = protocol.DeadlineFromTimeout(timeout)

	return conn.request(msg)
}

// Subscribe registers an event pattern on the server. A trailing '*'
// subscribes to every event with the preceding prefix.
func (c *Context) Subscribe(pattern string) *Operation {
	return c.sendPattern(protocol.MsgTypeSubscribe, pattern)
}

// Unsubscribe removes a previously registered pattern
func (c *Context) Unsubscribe(pattern string) *Operation {
	return c.sendPattern(protocol.MsgTypeUnsubscribe, pattern)
}

func (c *Context) sendPattern(msgType uint16, pattern string) *Operation {
	if pattern == "" {
		return completedOperation(protocol.CodeInvalidArgs)
	}
	if len(pattern) > protocol.MaxPayloadSize {
		return completedOperation(protocol.CodeInvalidArgs)
	}

	conn := c.connection()
	if conn == nil {
		return completedOperation(protocol.CodeInvalidState)
	}

	msg := protocol.NewMessage(msgType, conn.nextSequence(), []byte(pattern))
	return conn.request(msg)
}

// Ping sends a heartbeat and returns its operation
func (c *Context) Ping() *Operation {
	conn := c.connection()
	if conn == nil {
		return completedOperation(protocol.CodeInvalidState)
	}
	return conn.PingPong()
}

// dispatchMessage routes inbound messages on the owner's goroutine
func (c *Context) dispatchMessage(conn *Connection, msg *protocol.Message) {
	switch msg.Header.Type {
	case protocol.MsgTypeMethodReply:
		var reply protocol.MethodReplyMessage
		if err := reply.Decode(msg.Payload); err != nil {
			conn.closeWithError(err)
			return
		}
		conn.completeRequest(msg.Header.SeqNum, reply.Code, reply.Data)

	case protocol.MsgTypeEvent:
		var ev protocol.EventMessage
		if err := ev.Decode(msg.Payload); err != nil {
			conn.closeWithError(err)
			return
		}
		if c.OnEvent != nil {
			c.OnEvent(ev.Name, msg.Header.PayloadVersion, ev.Data)
		}

	case protocol.MsgTypeChannelGrant:
		c.handleChannelGrant(conn, msg)

	case protocol.MsgTypeChannelDeny:
		c.handleChannelDeny(conn, msg)

	case protocol.MsgTypeBinaryData:
		c.handleBinaryData(conn, msg)

	case protocol.MsgTypeBinaryAck:
		c.handleBinaryAck(conn, msg)

	case protocol.MsgTypeDisconnect:
		c.mu.Lock()
		c.closing = true
		c.mu.Unlock()
		conn.Close()

	default:
		log.Printf("Unknown message type: 0x%04x", msg.Header.Type)
	}
}

func (c *Context) handleChannelGrant(conn *Connection, msg *protocol.Message) {
	var grant protocol.ChannelGrantMessage
	if err := grant.Decode(msg.Payload); err != nil {
		conn.closeWithError(err)
		return
	}

	c.mu.Lock()
	s, ok := c.attaching[msg.Header.SeqNum]
	delete(c.attaching, msg.Header.SeqNum)
	c.mu.Unlock()

	if !ok {
		return
	}

	if err := s.attachGranted(&grant); err != nil {
		log.Printf("Channel %d attach failed: %v", grant.ChannelID, err)
		c.releaseChannelID(grant.ChannelID)
		return
	}

	c.mu.Lock()
	c.streams[grant.ChannelID] = s
	c.mu.Unlock()
}

func (c *Context) handleChannelDeny(conn *Connection, msg *protocol.Message) {
	var deny protocol.ChannelDenyMessage
	code := protocol.CodeProtocolError
	if err := deny.Decode(msg.Payload); err == nil {
		code = deny.Code
	}

	c.mu.Lock()
	s, ok := c.attaching[msg.Header.SeqNum]
	delete(c.attaching, msg.Header.SeqNum)
	c.mu.Unlock()

	if ok {
		log.Printf("Channel request denied: %s", protocol.CodeString(code))
		s.attachDenied()
	}
}

func (c *Context) handleBinaryData(conn *Connection, msg *protocol.Message) {
	c.mu.Lock()
	s := c.streams[msg.Header.ChannelID]
	c.mu.Unlock()

	if s == nil {
		conn.closeWithError(errUnknownChannel(msg.Header.ChannelID))
		return
	}
	s.handleData(conn, msg)
}

func (c *Context) handleBinaryAck(conn *Connection, msg *protocol.Message) {
	var ack protocol.BinaryAckMessage
	if err := ack.Decode(msg.Payload); err != nil {
		conn.closeWithError(err)
		return
	}

	c.mu.Lock()
	s := c.streams[msg.Header.ChannelID]
	c.mu.Unlock()

	if s != nil {
		s.handleAck(ack.Position)
	}
	conn.completeRequest(msg.Header.SeqNum, protocol.CodeOK, nil)
}

// releaseChannelID tells the server to free a channel this context can
// no longer use.
func (c *Context) releaseChannelID(id uint32) {
	conn := c.connection()
	if conn == nil {
		return
	}
	msg := protocol.NewMessage(protocol.MsgTypeChannelRelease, conn.nextSequence(), nil)
	msg.Header.ChannelID = id
	conn.send(msg)
}

// connectionClosed handles connection teardown: every stream is forced
// back to DETACHED and the context lands in TERMINATED after a graceful
// close or FAILED after anything else. No automatic reconnect.
func (c *Context) connectionClosed(conn *Connection, err error) {
	c.detachAllStreams()

	c.mu.Lock()
	closing := c.closing
	c.conn = nil
	c.mu.Unlock()

	if closing {
		c.setState(StateTerminated)
	} else {
		c.setState(StateFailed)
	}
}

func (c *Context) detachAllStreams() {
	c.mu.Lock()
	streams := make([]*Stream, 0, len(c.all))
	for s := range c.all {
		streams = append(streams, s)
	}
	c.mu.Unlock()

	for _, s := range streams {
		s.detachLocal()
	}
}

// Close gracefully terminates the context: streams are detached,
// the server is told, and the socket is closed. Safe to call in any
// state.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.state == StateTerminated {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	conn := c.conn
	c.mu.Unlock()

	c.detachAllStreams()

	if conn != nil {
		bye := protocol.NewMessage(protocol.MsgTypeDisconnect, conn.nextSequence(), nil)
		conn.send(bye)
		conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}

	// Land in TERMINATED before returning. In IO-thread mode the
	// connection's teardown notification runs on the owner goroutine,
	// and stop does not wait for the drain; connectionClosed arriving
	// later is a no-op since the state already matches.
	c.setState(StateTerminated)
	c.dispatch.stop()

	return nil
}
