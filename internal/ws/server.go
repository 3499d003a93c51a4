// Package ws serves the live socket: it upgrades HTTP connections with
// gobwas/ws, watches them with epoll, and reads frames on a bounded worker
// pool before handing them to the application handler.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eventhub/live/internal/metrics"
	"github.com/eventhub/live/internal/protocol"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Handler receives the lifecycle of every connection. Connected runs once the
// session_created frame is out, Message once per data frame, and Disconnected
// exactly once when the connection is removed.
type Handler interface {
	Connected(ctx context.Context, conn *Connection, r *http.Request)
	Message(ctx context.Context, conn *Connection, data []byte)
	Disconnected(ctx context.Context, conn *Connection)
}

// SessionStore records sessions outside the process.
type SessionStore interface {
	Create(ctx context.Context, sessionID string) error
	Delete(ctx context.Context, sessionID string) error
}

// RoomCounter reports how many rooms have live members, for /health.
type RoomCounter interface {
	Count() int
}

// Server is the WebSocket server. It upgrades /ws requests, registers each
// socket with the poller and reads ready sockets on a bounded worker pool.
// Other HTTP routes can be mounted on the same listener.
type Server struct {
	config     ServerConfig
	epoll      *Epoll
	conns      *ConnectionManager
	sessions   SessionStore
	handler    Handler
	rooms      RoomCounter
	logger     *zap.Logger
	workerPool chan struct{} // semaphore limiting concurrent read workers
	mux        *http.ServeMux
	httpServer *http.Server
	done       chan struct{}
	stopOnce   sync.Once
	startedAt  time.Time
}

// NewServer creates the poller and the HTTP routes; nothing is served until
// Start or Serve.
func NewServer(config ServerConfig, sessions SessionStore, handler Handler, rooms RoomCounter, logger *zap.Logger) (*Server, error) {
	epoll, err := NewEpoll()
	if err != nil {
		return nil, fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s := &Server{
		epoll:      epoll,
		config:     config,
		conns:      NewConnectionManager(),
		sessions:   sessions,
		handler:    handler,
		rooms:      rooms,
		logger:     logger,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		mux:        http.NewServeMux(),
		done:       make(chan struct{}),
	}
	s.mux.HandleFunc("/ws", s.handleUpgrade)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.Handle("/metrics", metrics.Handler())
	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.startedAt = time.Now()
	return s, nil
}

// Mount serves h under pattern on the same listener as /ws.
func (s *Server) Mount(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve starts the event loop and the heartbeat, then serves HTTP on ln. It
// blocks until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	hb := s.config.Heartbeat
	if hb.Interval <= 0 {
		hb = DefaultHeartbeatConfig()
	}

	go s.startEventLoop()
	StartHeartbeat(s, hb)

	s.logger.Info("ws: server listening",
		zap.String("addr", ln.Addr().String()),
		zap.Int("workers", s.config.WorkerPoolSize),
		zap.Int("max_conns", s.config.MaxConnections))

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	raw, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug("ws: upgrade failed", zap.Error(err))
		return
	}

	conn, err := s.epoll.Add(raw)
	if err != nil {
		s.logger.Warn("ws: poller add failed", zap.Error(err))
		_ = raw.Close()
		return
	}

	c := NewConnection(uuid.NewString(), conn, s.config.WriteTimeout)
	s.conns.Add(c)
	metrics.ConnectionsActive.Inc()
	go s.watchWriter(c)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if s.sessions != nil {
		if err := s.sessions.Create(ctx, c.ID); err != nil {
			s.logger.Warn("ws: failed to create redis session", zap.String("session", c.ID), zap.Error(err))
		}
	}

	Reply(c, s.logger, protocol.SessionCreated{SessionID: c.ID})
	if s.handler != nil {
		s.handler.Connected(ctx, c, r)
	}

	s.logger.Debug("ws: new connection", zap.String("session", c.ID), zap.Int("total", s.conns.Count()))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Rooms       int    `json:"rooms"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}
	if s.rooms != nil {
		resp.Rooms = s.rooms.Count()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop hands every ready connection to a worker, blocking while the
// pool is full.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if !isEINTR(err) {
				s.logger.Warn("ws: epoll wait error", zap.Error(err))
			}
			continue
		}

		for _, conn := range conns {
			conn := conn
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
				s.epoll.Resume(conn)
			}()
		}
	}
}

// handleConn reads one message from a ready connection. Control frames are
// handled without blocking on a data frame that may never arrive.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Level-triggered epoll can report the same socket twice.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	rd := &wsutil.Reader{
		Source:         netConn,
		State:          ws.StateServerSide,
		OnIntermediate: skipControl,
	}
	header, err := rd.NextFrame()
	if err != nil {
		// Stale dispatch with nothing to read; the heartbeat handles dead peers.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	defer netConn.SetReadDeadline(time.Time{})

	c.Touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
			return
		}
		if _, err := io.CopyN(io.Discard, netConn, header.Length); err != nil {
			s.RemoveConnection(c)
		}
		return
	}

	if header.Length > int64(maxFrameBytes) {
		s.rejectLarge(c, header.Length)
		return
	}

	// Reading to EOF joins the continuation frames of a fragmented message.
	data, err := io.ReadAll(io.LimitReader(rd, int64(maxFrameBytes)+1))
	if err != nil {
		s.RemoveConnection(c)
		return
	}
	if len(data) > maxFrameBytes {
		s.rejectLarge(c, int64(len(data)))
		return
	}
	if len(data) == 0 || s.handler == nil {
		return
	}

	s.handler.Message(context.Background(), c, data)
}

// maxFrameBytes bounds a single client message, fragments included.
const maxFrameBytes = 64 << 10

var errPeerClosing = errors.New("ws: close frame inside fragmented message")

// skipControl consumes control frames interleaved with the fragments of a
// message. The server pings on its own schedule, so client pings get no pong.
func skipControl(h ws.Header, r io.Reader) error {
	if h.OpCode == ws.OpClose {
		return errPeerClosing
	}
	_, err := io.Copy(io.Discard, r)
	return err
}

func (s *Server) rejectLarge(c *Connection, length int64) {
	s.logger.Info("ws: message too large", zap.String("session", c.ID), zap.Int64("length", length))
	SendError(c, s.logger, "invalid_message", "message too large")
	s.RemoveConnection(c)
}

// watchWriter removes c once its writer gave up on a stalled or broken peer.
// A connection removed by other means is already gone from conns.
func (s *Server) watchWriter(c *Connection) {
	<-c.Done()
	if s.conns.Get(c.ID) != c {
		return
	}
	s.logger.Info("ws: dropping connection after failed write", zap.String("session", c.ID))
	s.RemoveConnection(c)
}

// RemoveConnection unregisters c, closes it and runs the disconnect handler.
// Concurrent calls for the same connection clean up once.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)

	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsActive.Dec()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if s.handler != nil {
		s.handler.Disconnected(ctx, c)
	}
	if s.sessions != nil {
		if err := s.sessions.Delete(ctx, c.ID); err != nil {
			s.logger.Warn("ws: failed to delete redis session", zap.String("session", c.ID), zap.Error(err))
		}
	}

	s.logger.Debug("ws: connection closed", zap.String("session", c.ID), zap.Int("total", s.conns.Count()))
}

func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the listener, closes every connection and releases the
// poller.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("ws: shutting down server")

	s.stopOnce.Do(func() { close(s.done) })

	shutdownErr := s.httpServer.Shutdown(ctx)

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	_ = s.epoll.Close()

	s.logger.Info("ws: server stopped")
	return shutdownErr
}

// isEINTR reports an interrupted epoll_wait, which is retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
