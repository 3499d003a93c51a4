package ws

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eventhub/live/internal/protocol"
	"github.com/eventhub/live/internal/room"
)

type recordingHandler struct {
	router *Router

	mu           sync.Mutex
	connected    []string
	disconnected []string
}

func (h *recordingHandler) Connected(_ context.Context, c *Connection, _ *http.Request) {
	h.mu.Lock()
	h.connected = append(h.connected, c.ID)
	h.mu.Unlock()
}

func (h *recordingHandler) Message(ctx context.Context, c *Connection, data []byte) {
	h.router.Route(ctx, c, data)
}

func (h *recordingHandler) Disconnected(_ context.Context, c *Connection) {
	h.mu.Lock()
	h.disconnected = append(h.disconnected, c.ID)
	h.mu.Unlock()
}

func (h *recordingHandler) disconnects() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.disconnected)
}

type memSessions struct {
	mu   sync.Mutex
	live map[string]bool
}

func (m *memSessions) Create(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live[id] = true
	return nil
}

func (m *memSessions) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.live, id)
	return nil
}

func (m *memSessions) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

func startServer(t *testing.T, configure func(*ServerConfig)) (*Server, *recordingHandler, *memSessions, string) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	handler := &recordingHandler{router: NewRouter(zap.NewNop())}
	sessions := &memSessions{live: map[string]bool{}}
	cfg := DefaultServerConfig()
	cfg.WorkerPoolSize = 8
	cfg.ReadTimeout = time.Second
	if configure != nil {
		configure(&cfg)
	}
	srv, err := NewServer(cfg, sessions, handler, room.NewRegistry(), zap.NewNop())
	require.NoError(t, err)

	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	return srv, handler, sessions, ln.Addr().String()
}

type clientConn struct {
	net.Conn
	rw io.ReadWriter
}

func dial(t *testing.T, addr string) *clientConn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, br, _, err := ws.Dial(ctx, "ws://"+addr+"/ws")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var r io.Reader = conn
	if br != nil {
		r = br
	}
	return &clientConn{Conn: conn, rw: struct {
		io.Reader
		io.Writer
	}{bufio.NewReader(r), conn}}
}

func (c *clientConn) read(t *testing.T) protocol.ServerMessage {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := wsutil.ReadServerText(c.rw)
	require.NoError(t, err)
	msg, err := protocol.DecodeServerMessage(data)
	require.NoError(t, err)
	return msg
}

func (c *clientConn) write(t *testing.T, frame string) {
	t.Helper()
	require.NoError(t, wsutil.WriteClientText(c.Conn, []byte(frame)))
}

func TestServer_SessionLifecycle(t *testing.T) {
	srv, handler, sessions, addr := startServer(t, nil)
	client := dial(t, addr)

	created, ok := client.read(t).(protocol.SessionCreated)
	require.True(t, ok)
	assert.NotEmpty(t, created.SessionID)
	assert.Equal(t, 1, srv.Connections().Count())
	assert.Equal(t, 1, sessions.count())

	client.write(t, `{"type":"ping"}`)
	assert.Equal(t, protocol.Pong{}, client.read(t))

	client.write(t, `{"type":"mystery"}`)
	client.write(t, `{"type":"ping"}`)
	assert.Equal(t, protocol.Pong{}, client.read(t))

	require.NoError(t, client.Close())
	require.Eventually(t, func() bool { return handler.disconnects() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, srv.Connections().Count())
	assert.Equal(t, 0, sessions.count())
}

func TestServer_MaxConnections(t *testing.T) {
	_, _, _, addr := startServer(t, func(cfg *ServerConfig) { cfg.MaxConnections = 1 })

	first := dial(t, addr)
	_, ok := first.read(t).(protocol.SessionCreated)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, _, err := ws.Dial(ctx, "ws://"+addr+"/ws")
	require.Error(t, err)
}

func TestServer_Health(t *testing.T) {
	_, _, _, addr := startServer(t, nil)
	client := dial(t, addr)
	_ = client.read(t)

	resp, err := http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Rooms       int    `json:"rooms"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.Connections)
	assert.Equal(t, 0, body.Rooms)
}

func TestCheckConnections_EvictsIdle(t *testing.T) {
	handler := &recordingHandler{router: NewRouter(zap.NewNop())}
	srv, err := NewServer(DefaultServerConfig(), nil, handler, nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.epoll.Close() })

	c, _ := pipeConnection(t, 10*time.Millisecond)
	srv.conns.Add(c)

	hb := HeartbeatConfig{Interval: time.Second, Timeout: time.Second}
	checkConnections(srv, hb, time.Now().Add(time.Minute))

	assert.Equal(t, 0, srv.Connections().Count())
	assert.Equal(t, 1, handler.disconnects())
}

func writeMasked(t *testing.T, conn net.Conn, f ws.Frame) {
	t.Helper()
	require.NoError(t, ws.WriteFrame(conn, ws.MaskFrameInPlace(f)))
}

func TestServer_FragmentedMessage(t *testing.T) {
	_, _, _, addr := startServer(t, nil)
	client := dial(t, addr)
	_ = client.read(t)

	writeMasked(t, client.Conn, ws.NewFrame(ws.OpText, false, []byte(`{"type":`)))
	writeMasked(t, client.Conn, ws.NewPingFrame([]byte("hb")))
	writeMasked(t, client.Conn, ws.NewFrame(ws.OpContinuation, true, []byte(`"ping"}`)))

	assert.Equal(t, protocol.Pong{}, client.read(t))

	client.write(t, `{"type":"ping"}`)
	assert.Equal(t, protocol.Pong{}, client.read(t))
}

func TestServer_OversizedMessageDropsConnection(t *testing.T) {
	srv, handler, _, addr := startServer(t, nil)
	client := dial(t, addr)
	_ = client.read(t)

	half := []byte(`{"type":"ping","pad":"` + strings.Repeat("x", maxFrameBytes/2) + `"`)
	_ = ws.WriteFrame(client.Conn, ws.MaskFrameInPlace(ws.NewFrame(ws.OpText, false, half)))
	_ = ws.WriteFrame(client.Conn, ws.MaskFrameInPlace(ws.NewFrame(ws.OpContinuation, true, append(half, '}'))))

	require.Eventually(t, func() bool { return handler.disconnects() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, srv.Connections().Count())
}

func TestServer_FailedWriterRemovesConnection(t *testing.T) {
	srv, handler, sessions, addr := startServer(t, nil)
	client := dial(t, addr)
	_ = client.read(t)

	conns := srv.Connections().All()
	require.Len(t, conns, 1)
	conns[0].stop()

	require.Eventually(t, func() bool { return handler.disconnects() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, srv.Connections().Count())
	assert.Equal(t, 0, sessions.count())
}
