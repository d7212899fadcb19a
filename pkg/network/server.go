package network

import (
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/incware/inc/pkg/journal"
	"github.com/incware/inc/pkg/protocol"
	"github.com/incware/inc/pkg/shm"
)

// Handler receives the inbound traffic a Server routes. Implementations
// reply to method calls with SendMethodReply, echoing the caller's
// sequence number so the client can correlate.
type Handler interface {
	// HandleMethod is invoked for each inbound method call.
	HandleMethod(conn *Connection, seqNum uint32, name []byte, version uint16, args []byte)

	// HandleBinaryData is invoked for data arriving on a write-mode
	// stream channel.
	HandleBinaryData(conn *Connection, channelID uint32, seqNum uint32, position uint64, data []byte)
}

// serverChannel is the server side of one granted stream channel
type serverChannel struct {
	id   uint32
	conn *Connection
	mode uint8
	seg  *shm.Segment
	ring *shm.Ring
}

// Server accepts client connections up to a configured limit, routes
// method and control messages to its Handler, and tracks per-connection
// subscriptions so BroadcastEvent reaches every matching subscriber.
type Server struct {
	config  ServerConfig
	handler Handler

	mu          sync.RWMutex
	listener    net.Listener
	listening   bool
	conns       map[*Connection]struct{}
	channels    map[uint32]*serverChannel
	nextChannel uint32

	registry *subscriptionRegistry
	dispatch *dispatcher
	journal  *journal.EventJournal

	startTime time.Time

	messagesDispatched uint64
	eventsBroadcast    uint64
}

// NewServer creates a server with the given configuration and handler
func NewServer(config ServerConfig, handler Handler) *Server {
	if config.MaxConnections <= 0 {
		config.MaxConnections = DefaultServerConfig().MaxConnections
	}
	if config.SharedMemorySize <= 0 {
		config.SharedMemorySize = DefaultServerConfig().SharedMemorySize
	}
	if config.SharedMemoryDir == "" {
		config.SharedMemoryDir = shm.DefaultDir()
	}
	if config.HeartbeatTimeout <= 0 {
		config.HeartbeatTimeout = DefaultServerConfig().HeartbeatTimeout
	}

	return &Server{
		config:    config,
		handler:   handler,
		conns:     make(map[*Connection]struct{}),
		channels:  make(map[uint32]*serverChannel),
		registry:  newSubscriptionRegistry(),
		dispatch:  newDispatcher(config.EnableIOThread),
		startTime: time.Now(),
	}
}

// AttachJournal attaches an event journal; every broadcast event is
// appended to it.
func (s *Server) AttachJournal(j *journal.EventJournal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journal = j
}

// parseTCPURL validates a "tcp://host:port" URL and returns the dial
// address.
func parseTCPURL(url string) (string, bool) {
	const scheme = "tcp://"
	if !strings.HasPrefix(url, scheme) {
		return "", false
	}

	addr := url[len(scheme):]
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return "", false
	}
	return addr, true
}

// ListenOn binds to a "tcp://host:port" URL and begins accepting.
// Returns protocol.CodeInvalidArgs for an empty or malformed URL,
// protocol.CodeInvalidState when already listening, protocol.CodeOK on
// success.
func (s *Server) ListenOn(url string) uint16 {
	if url == "" {
		return protocol.CodeInvalidArgs
	}

	addr, ok := parseTCPURL(url)
	if !ok {
		return protocol.CodeInvalidArgs
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listening {
		return protocol.CodeInvalidState
	}

	// Re-listen after Close needs a fresh dispatcher; the old one has
	// stopped draining and would swallow every inbound message.
	if s.dispatch.isStopped() {
		s.dispatch = newDispatcher(s.config.EnableIOThread)
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Printf("Listen on %s failed: %v", addr, err)
		return protocol.CodeInvalidArgs
	}

	s.listener = listener
	s.listening = true
	log.Printf("INC server %q listening on %s", s.config.Name, addr)

	go s.acceptLoop(listener)

	return protocol.CodeOK
}

// IsListening reflects the current bind state
func (s *Server) IsListening() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listening
}

// Addr returns the bound listen address, or "" when not listening
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close stops accepting and closes all connections
func (s *Server) Close() error {
	s.mu.Lock()
	if !s.listening {
		s.mu.Unlock()
		return nil
	}
	s.listening = false
	listener := s.listener
	s.listener = nil

	conns := make([]*Connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
		metricActiveConnections.Dec()
	}
	s.conns = make(map[*Connection]struct{})
	channels := make([]*serverChannel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	s.channels = make(map[uint32]*serverChannel)
	s.mu.Unlock()

	err := listener.Close()
	for _, c := range conns {
		c.Close()
	}
	for _, ch := range channels {
		ch.seg.Close()
	}

	s.dispatch.stop()
	return err
}

// acceptLoop accepts incoming connections, enforcing the configured
// maximum before any handshake traffic is exchanged so a rejected peer
// observes a plain closed socket.
func (s *Server) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		if len(s.conns) >= s.config.MaxConnections {
			s.mu.Unlock()
			metricConnectionsRejected.Inc()
			log.Printf("Connection from %s rejected: at capacity (%d)",
				conn.RemoteAddr(), s.config.MaxConnections)
			conn.Close()
			continue
		}

		c := newConnection(conn, s.dispatch, s.config.HeartbeatTimeout)
		c.onMessage = s.dispatchMessage
		c.onClosed = s.connectionClosed
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		metricConnectionsAccepted.Inc()
		metricActiveConnections.Inc()
		log.Printf("New connection from %s", conn.RemoteAddr())

		c.start()
	}
}

// connectionClosed cleans up after a connection: its subscriptions, its
// stream channels, and its entry in the connection set.
func (s *Server) connectionClosed(c *Connection, err error) {
	s.registry.dropConnection(c)

	s.mu.Lock()
	if _, ok := s.conns[c]; ok {
		delete(s.conns, c)
		metricActiveConnections.Dec()
	}
	var released []*serverChannel
	for id, ch := range s.channels {
		if ch.conn == c {
			delete(s.channels, id)
			released = append(released, ch)
		}
	}
	s.mu.Unlock()

	for _, ch := range released {
		ch.seg.Close()
	}

	if err != nil {
		log.Printf("Connection %s closed: %v", c.PeerAddress(), err)
	} else {
		log.Printf("Connection %s closed", c.PeerAddress())
	}
}

// dispatchMessage routes one fully framed message. PING never reaches
// this point; the connection layer answers it.
func (s *Server) dispatchMessage(c *Connection, msg *protocol.Message) {
	atomic.AddUint64(&s.messagesDispatched, 1)
	metricMessagesDispatched.WithLabelValues(fmt.Sprintf("0x%04x", msg.Header.Type)).Inc()

	switch msg.Header.Type {
	case protocol.MsgTypeHandshake:
		s.handleHandshake(c, msg)

	case protocol.MsgTypeMethodCall:
		s.handleMethodCall(c, msg)

	case protocol.MsgTypeMethodReply:
		var reply protocol.MethodReplyMessage
		if err := reply.Decode(msg.Payload); err != nil {
			c.closeWithError(err)
			return
		}
		c.completeRequest(msg.Header.SeqNum, reply.Code, reply.Data)

	case protocol.MsgTypeSubscribe:
		s.handleSubscribe(c, msg, true)

	case protocol.MsgTypeUnsubscribe:
		s.handleSubscribe(c, msg, false)

	case protocol.MsgTypeChannelRequest:
		s.handleChannelRequest(c, msg)

	case protocol.MsgTypeChannelRelease:
		s.releaseChannel(c, msg.Header.ChannelID)

	case protocol.MsgTypeBinaryData:
		s.handleBinaryData(c, msg)

	case protocol.MsgTypeBinaryAck:
		s.handleBinaryAck(c, msg)

	case protocol.MsgTypeDisconnect:
		c.Close()

	default:
		log.Printf("Unknown message type: 0x%04x", msg.Header.Type)
	}
}

func (s *Server) handleHandshake(c *Connection, msg *protocol.Message) {
	var hs protocol.HandshakeMessage
	if err := hs.Decode(msg.Payload); err != nil {
		c.closeWithError(err)
		return
	}

	ack := &protocol.HandshakeAckMessage{
		ProtocolVersion: protocol.ProtocolVersion,
		ServerName:      []byte(s.config.Name),
	}
	reply := protocol.NewMessage(protocol.MsgTypeHandshakeAck, msg.Header.SeqNum, ack.Encode())
	if err := c.send(reply); err != nil {
		c.closeWithError(err)
	}
}

func (s *Server) handleMethodCall(c *Connection, msg *protocol.Message) {
	var call protocol.MethodCallMessage
	if err := call.Decode(msg.Payload); err != nil {
		s.SendMethodReply(c, msg.Header.SeqNum, protocol.CodeProtocolError, nil)
		return
	}

	// Opportunistic deadline check: a call the client has already
	// given up on is not worth running.
	if msg.Header.Expired(protocol.NowUnixMilli()) {
		s.SendMethodReply(c, msg.Header.SeqNum, protocol.CodeTimeout, nil)
		return
	}

	if s.handler == nil {
		s.SendMethodReply(c, msg.Header.SeqNum, protocol.CodeUnsupported, nil)
		return
	}

	s.safeHandleMethod(c, msg.Header.SeqNum, call.Name, msg.Header.PayloadVersion, call.Args)
}

// safeHandleMethod confines a handler panic to the one call's reply so
// other connections and subsequent calls keep flowing.
func (s *Server) safeHandleMethod(c *Connection, seq uint32, name []byte, version uint16, args []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from handler panic on %q: %v", name, r)
			s.SendMethodReply(c, seq, protocol.CodeProtocolError, nil)
		}
	}()

	s.handler.HandleMethod(c, seq, name, version, args)
}

// SendMethodReply answers a method call, echoing seqNum so the caller
// can correlate the reply.
func (s *Server) SendMethodReply(c *Connection, seqNum uint32, code uint16, data []byte) error {
	reply := &protocol.MethodReplyMessage{Code: code, Data: data}
	msg := protocol.NewMessage(protocol.MsgTypeMethodReply, seqNum, reply.Encode())
	return c.send(msg)
}

func (s *Server) handleSubscribe(c *Connection, msg *protocol.Message, add bool) {
	pattern := string(msg.Payload)
	if pattern == "" {
		s.SendMethodReply(c, msg.Header.SeqNum, protocol.CodeProtocolError, nil)
		return
	}

	if add {
		s.registry.subscribe(c, pattern)
	} else {
		s.registry.unsubscribe(c, pattern)
	}

	s.SendMethodReply(c, msg.Header.SeqNum, protocol.CodeOK, nil)
}

func (s *Server) handleChannelRequest(c *Connection, msg *protocol.Message) {
	var req protocol.ChannelRequestMessage
	if err := req.Decode(msg.Payload); err != nil {
		s.denyChannel(c, msg.Header.SeqNum, protocol.CodeProtocolError)
		return
	}

	if req.Mode != protocol.ModeWrite && req.Mode != protocol.ModeRead {
		s.denyChannel(c, msg.Header.SeqNum, protocol.CodeInvalidArgs)
		return
	}

	s.mu.Lock()
	s.nextChannel++
	id := s.nextChannel
	s.mu.Unlock()

	name := fmt.Sprintf("inc-%d-%d", os.Getpid(), id)
	seg, err := shm.Create(s.config.SharedMemoryDir, name, s.config.SharedMemorySize)
	if err != nil {
		log.Printf("Channel segment create failed: %v", err)
		s.denyChannel(c, msg.Header.SeqNum, protocol.CodeNoFreeChannel)
		return
	}

	ring, err := shm.NewRing(seg)
	if err != nil {
		seg.Close()
		s.denyChannel(c, msg.Header.SeqNum, protocol.CodeNoFreeChannel)
		return
	}

	s.mu.Lock()
	s.channels[id] = &serverChannel{id: id, conn: c, mode: req.Mode, seg: seg, ring: ring}
	s.mu.Unlock()

	grant := &protocol.ChannelGrantMessage{
		ChannelID:   id,
		SegmentSize: uint32(s.config.SharedMemorySize),
		SegmentName: []byte(name),
	}
	reply := protocol.NewMessage(protocol.MsgTypeChannelGrant, msg.Header.SeqNum, grant.Encode())
	reply.Header.ChannelID = id
	if err := c.send(reply); err != nil {
		s.releaseChannel(c, id)
		c.closeWithError(err)
	}
}

func (s *Server) denyChannel(c *Connection, seq uint32, code uint16) {
	deny := &protocol.ChannelDenyMessage{Code: code}
	c.send(protocol.NewMessage(protocol.MsgTypeChannelDeny, seq, deny.Encode()))
}

// releaseChannel frees a channel ID and its segment. Idempotent; the
// channel must belong to c.
func (s *Server) releaseChannel(c *Connection, id uint32) {
	s.mu.Lock()
	ch, ok := s.channels[id]
	if ok && ch.conn == c {
		delete(s.channels, id)
	} else {
		ch = nil
	}
	s.mu.Unlock()

	if ch != nil {
		ch.seg.Close()
	}
}

func (s *Server) handleBinaryData(c *Connection, msg *protocol.Message) {
	s.mu.RLock()
	ch, ok := s.channels[msg.Header.ChannelID]
	s.mu.RUnlock()

	if !ok || ch.conn != c {
		c.closeWithError(fmt.Errorf("binary data on unknown channel %d", msg.Header.ChannelID))
		return
	}

	// Only the client side of a write-mode channel owns the write
	// cursor; inbound data on a read-mode channel would corrupt the
	// server's own flow control.
	if ch.mode != protocol.ModeWrite {
		c.closeWithError(fmt.Errorf("binary data on read-mode channel %d", ch.id))
		return
	}

	shared := msg.Header.HasFlag(protocol.FlagShared)
	var data protocol.BinaryDataMessage
	if err := data.Decode(msg.Payload, shared); err != nil {
		c.closeWithError(err)
		return
	}

	payload := data.Data
	if shared {
		var err error
		payload, err = ch.ring.ReadAt(data.Position, int(data.Length))
		if errors.Is(err, shm.ErrSegmentClosed) {
			// Channel released while the announcement was in flight.
			return
		}
		if err != nil {
			c.closeWithError(err)
			return
		}
	}

	if s.handler != nil {
		s.safeHandleBinaryData(c, ch.id, msg.Header.SeqNum, data.Position, payload)
	}

	// Consumed: release ring capacity and tell the writer.
	end := data.Position + uint64(data.Length)
	if shared {
		ch.ring.Ack(end)
	}
	ack := &protocol.BinaryAckMessage{Position: end}
	reply := protocol.NewMessage(protocol.MsgTypeBinaryAck, msg.Header.SeqNum, ack.Encode())
	reply.Header.ChannelID = ch.id
	if err := c.send(reply); err != nil {
		c.closeWithError(err)
	}
}

func (s *Server) safeHandleBinaryData(c *Connection, channelID, seq uint32, position uint64, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from binary handler panic on channel %d: %v", channelID, r)
		}
	}()

	s.handler.HandleBinaryData(c, channelID, seq, position, data)
}

// handleBinaryAck completes a server-side WriteChannel operation
func (s *Server) handleBinaryAck(c *Connection, msg *protocol.Message) {
	var ack protocol.BinaryAckMessage
	if err := ack.Decode(msg.Payload); err != nil {
		c.closeWithError(err)
		return
	}

	s.mu.RLock()
	ch, ok := s.channels[msg.Header.ChannelID]
	s.mu.RUnlock()
	if ok && ch.conn == c {
		ch.ring.Ack(ack.Position)
	}

	c.completeRequest(msg.Header.SeqNum, protocol.CodeOK, nil)
}

// WriteChannel copies data into a read-mode channel's ring at position
// and announces it to the client. The returned operation completes when
// the client acknowledges consumption.
func (s *Server) WriteChannel(channelID uint32, position uint64, data []byte) *Operation {
	s.mu.RLock()
	ch, ok := s.channels[channelID]
	s.mu.RUnlock()

	if !ok || ch.mode != protocol.ModeRead {
		return completedOperation(protocol.CodeInvalidArgs)
	}

	if err := ch.ring.WriteAt(position, data); err != nil {
		if errors.Is(err, shm.ErrSegmentClosed) {
			// Channel released while the write was in flight.
			return completedOperation(protocol.CodeInvalidState)
		}
		return completedOperation(protocol.CodeInvalidArgs)
	}

	meta := &protocol.BinaryDataMessage{Position: position, Length: uint32(len(data))}
	msg := protocol.NewMessage(protocol.MsgTypeBinaryData, ch.conn.nextSequence(), meta.Encode(true))
	msg.Header.ChannelID = channelID
	msg.Header.SetFlag(protocol.FlagShared)

	return ch.conn.request(msg)
}

// BroadcastEvent delivers an event to every connection with a matching
// subscription, once per connection, against the registry snapshot
// taken at call time. Returns the number of connections the event was
// sent to.
func (s *Server) BroadcastEvent(name []byte, version uint16, data []byte) int {
	atomic.AddUint64(&s.eventsBroadcast, 1)
	metricEventsBroadcast.Inc()

	s.mu.RLock()
	j := s.journal
	s.mu.RUnlock()
	if j != nil {
		if err := j.Append(string(name), version, data); err != nil {
			log.Printf("Journal append failed: %v", err)
		}
	}

	sent := 0
	for _, c := range s.registry.match(string(name)) {
		if err := c.SendEvent(name, version, data); err != nil {
			log.Printf("Event send to %s failed: %v", c.PeerAddress(), err)
			continue
		}
		sent++
	}
	return sent
}

// ConnectionCount returns the number of admitted connections
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Stats returns server statistics
func (s *Server) Stats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return map[string]interface{}{
		"name":                s.config.Name,
		"listening":           s.listening,
		"connections":         len(s.conns),
		"max_connections":     s.config.MaxConnections,
		"open_channels":       len(s.channels),
		"messages_dispatched": atomic.LoadUint64(&s.messagesDispatched),
		"events_broadcast":    atomic.LoadUint64(&s.eventsBroadcast),
		"uptime_seconds":      uint64(time.Since(s.startTime).Seconds()),
	}
}
