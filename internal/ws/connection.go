package ws

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/eventhub/live/internal/auth"
)

// outboundQueue bounds the frames waiting for one peer. A peer that falls
// this far behind is dropped.
const outboundQueue = 64

var (
	// ErrClosed is returned by Send after the connection stopped writing.
	ErrClosed = errors.New("ws: connection closed")
	// ErrSlowConsumer is returned when the peer's outbound queue is full.
	ErrSlowConsumer = errors.New("ws: outbound queue full")
)

type frame struct {
	op   ws.OpCode
	data []byte
}

// Connection is one live socket session. It satisfies room.Member, so the
// room registry can push frames to it directly. Frames are written by the
// connection's own writer goroutine, so Send never waits on the peer.
type Connection struct {
	ID        string   // session ID (UUID)
	Conn      net.Conn // connection the poller reads from
	CreatedAt time.Time

	writeTimeout time.Duration
	out          chan frame
	done         chan struct{}
	stopOnce     sync.Once
	lastActive   atomic.Int64
	processing   int32 // atomic flag: 0 = idle, 1 = being read by handleConn

	mu       sync.RWMutex
	identity auth.Identity
}

// NewConnection wraps an upgraded conn as a session and starts its writer.
func NewConnection(id string, conn net.Conn, writeTimeout time.Duration) *Connection {
	c := &Connection{
		ID:           id,
		Conn:         conn,
		CreatedAt:    time.Now(),
		writeTimeout: writeTimeout,
		out:          make(chan frame, outboundQueue),
		done:         make(chan struct{}),
	}
	c.Touch()
	go c.writeLoop()
	return c
}

func (c *Connection) SessionID() string { return c.ID }

// Send queues one text frame. It fails fast once the connection has stopped,
// and stops the connection when the peer is too far behind.
func (c *Connection) Send(data []byte) error {
	return c.enqueue(frame{op: ws.OpText, data: data})
}

// WritePing queues a protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	return c.enqueue(frame{op: ws.OpPing})
}

func (c *Connection) enqueue(f frame) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.out <- f:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		c.stop()
		return ErrSlowConsumer
	}
}

func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case f := <-c.out:
			if err := c.write(f); err != nil {
				// A timed-out write may leave a partial frame behind; the
				// stream is unusable from here on.
				c.stop()
				return
			}
		}
	}
}

func (c *Connection) write(f frame) error {
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	if f.op == ws.OpPing {
		return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
	}
	return wsutil.WriteServerMessage(c.Conn, f.op, f.data)
}

// stop ends writing without closing the socket, which stays with the poller
// until the server removes it.
func (c *Connection) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

// Done is closed once the connection stopped writing, after a failed write,
// a full queue or Close.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Bind attaches an authenticated identity to the session.
func (c *Connection) Bind(id auth.Identity) {
	c.mu.Lock()
	c.identity = id
	c.mu.Unlock()
}

// Identity returns the bound identity; the zero value means anonymous.
func (c *Connection) Identity() auth.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

// Touch records activity on the connection.
func (c *Connection) Touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

func (c *Connection) Close() error {
	c.stop()
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry of live connections, indexed by
// session ID and by the net.Conn the poller hands back.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byConn map[net.Conn]*Connection
}

func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byConn[conn.Conn] = conn
	cm.mu.Unlock()
}

// Remove drops a connection by session ID and closes it. It returns false if
// the connection was already gone, so concurrent removals clean up once.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given session ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byID[id]
}

// GetByConn returns the connection registered for c, or nil.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byConn[c]
}

func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.byID)
}

// All returns a snapshot of all current connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
