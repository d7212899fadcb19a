package network

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/incware/inc/pkg/protocol"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrConnClosed   = errors.New("connection closed")
)

// sweepInterval is how often outstanding operations are checked against
// their deadlines. An operation can therefore time out slightly after
// its nominal deadline, never before.
const sweepInterval = 100 * time.Millisecond

// readBufferSize is the scratch size for socket reads; frames are at
// most protocol.MaxMessageSize so one read usually yields several.
const readBufferSize = 4096

// Connection owns exactly one socket for its lifetime. It reassembles
// complete wire messages from partial reads, answers PING with PONG
// without involving its owner, and tracks the operations it originated
// by sequence number. On any read/write error it closes, fails every
// outstanding operation with CONNECTION_CLOSED, and notifies the owner;
// it never retries I/O itself.
type Connection struct {
	conn     net.Conn
	dispatch *dispatcher

	mu        sync.Mutex
	connected bool
	nextSeq   uint32
	pending   map[uint32]*Operation

	heartbeatTimeout time.Duration

	// Owner hooks; set before start
	onMessage func(*Connection, *protocol.Message)
	onClosed  func(*Connection, error)

	closeOnce sync.Once
	stopSweep chan struct{}
}

func newConnection(conn net.Conn, dispatch *dispatcher, heartbeat time.Duration) *Connection {
	return &Connection{
		conn:             conn,
		dispatch:         dispatch,
		connected:        true,
		pending:          make(map[uint32]*Operation),
		heartbeatTimeout: heartbeat,
		stopSweep:        make(chan struct{}),
	}
}

func (c *Connection) start() {
	go c.readLoop()
	go c.sweepLoop()
}

// readLoop turns raw socket bytes into dispatched messages
func (c *Connection) readLoop() {
	var dec protocol.Decoder
	buf := make([]byte, readBufferSize)

	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for {
				msg, derr := dec.Next()
				if derr != nil {
					// Malformed frame: fatal for this connection only.
					c.closeWithError(derr)
					return
				}
				if msg == nil {
					break
				}
				c.handleMessage(msg)
			}
		}
		if err != nil {
			if err == io.EOF {
				err = nil
			}
			c.closeWithError(err)
			return
		}
	}
}

// handleMessage answers heartbeats inline and hands everything else to
// the owner through the dispatcher.
func (c *Connection) handleMessage(msg *protocol.Message) {
	switch msg.Header.Type {
	case protocol.MsgTypePing:
		pong := protocol.NewMessage(protocol.MsgTypePong, msg.Header.SeqNum, nil)
		if err := c.send(pong); err != nil {
			c.closeWithError(err)
		}

	case protocol.MsgTypePong:
		c.completeRequest(msg.Header.SeqNum, protocol.CodeOK, nil)

	default:
		if c.onMessage != nil {
			c.dispatch.invoke(func() { c.onMessage(c, msg) })
		}
	}
}

// nextSequence allocates the next local sequence number
func (c *Connection) nextSequence() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSeq++
	return c.nextSeq
}

// send writes one frame; writes are serialized under the mutex
func (c *Connection) send(msg *protocol.Message) error {
	buf, err := msg.Encode()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return ErrConnClosed
	}

	_, err = c.conn.Write(buf)
	return err
}

// request registers an operation for the message's sequence number and
// sends it. Failures surface through the returned operation, never as a
// second error channel.
func (c *Connection) request(msg *protocol.Message) *Operation {
	op := newOperation(msg.Header.SeqNum, msg.Header.Deadline)

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		op.complete(protocol.CodeConnectionClosed, nil)
		return op
	}
	c.pending[op.seqNum] = op
	c.mu.Unlock()

	if err := c.send(msg); err != nil {
		c.mu.Lock()
		delete(c.pending, op.seqNum)
		c.mu.Unlock()
		op.complete(protocol.CodeConnectionClosed, nil)
	}

	return op
}

// completeRequest finishes the pending operation registered for seq.
// Replies are matched strictly by sequence number, so out-of-order
// arrival is handled naturally.
func (c *Connection) completeRequest(seq uint32, code uint16, data []byte) bool {
	c.mu.Lock()
	op, ok := c.pending[seq]
	if ok {
		delete(c.pending, seq)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	return op.complete(code, data)
}

// SendEvent sends a named event to the peer, out of band of any
// request/reply pairing.
func (c *Connection) SendEvent(name []byte, version uint16, payload []byte) error {
	ev := &protocol.EventMessage{Name: name, Data: payload}
	msg := protocol.NewMessage(protocol.MsgTypeEvent, c.nextSequence(), ev.Encode())
	msg.Header.PayloadVersion = version
	return c.send(msg)
}

// PingPong sends a PING and returns an operation that completes when
// the matching PONG arrives or the heartbeat deadline elapses.
func (c *Connection) PingPong() *Operation {
	msg := protocol.NewMessage(protocol.MsgTypePing, c.nextSequence(), nil)
	msg.Header.Deadline = protocol.DeadlineFromTimeout(c.heartbeatTimeout)
	return c.request(msg)
}

// PeerAddress returns the remote socket address
func (c *Connection) PeerAddress() string {
	return c.conn.RemoteAddr().String()
}

// IsConnected reports whether the socket is still usable
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// IsLocal reports whether the peer is on a loopback address
func (c *Connection) IsLocal() bool {
	if addr, ok := c.conn.RemoteAddr().(*net.TCPAddr); ok {
		return addr.IP.IsLoopback()
	}

	host, _, err := net.SplitHostPort(c.conn.RemoteAddr().String())
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Close closes the connection and fails everything outstanding on it
func (c *Connection) Close() {
	c.closeWithError(nil)
}

func (c *Connection) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.connected = false
		outstanding := make([]*Operation, 0, len(c.pending))
		for _, op := range c.pending {
			outstanding = append(outstanding, op)
		}
		c.pending = make(map[uint32]*Operation)
		c.mu.Unlock()

		c.conn.Close()
		close(c.stopSweep)

		for _, op := range outstanding {
			op.complete(protocol.CodeConnectionClosed, nil)
		}

		if c.onClosed != nil {
			c.dispatch.invoke(func() { c.onClosed(c, err) })
		}
	})
}

func (c *Connection) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep(protocol.NowUnixMilli())
		case <-c.stopSweep:
			return
		}
	}
}

// sweep times out every pending operation whose deadline has passed
func (c *Connection) sweep(now int64) {
	var expired []*Operation

	c.mu.Lock()
	for seq, op := range c.pending {
		if op.expired(now) {
			delete(c.pending, seq)
			expired = append(expired, op)
		}
	}
	c.mu.Unlock()

	for _, op := range expired {
		op.complete(protocol.CodeTimeout, nil)
	}
}
