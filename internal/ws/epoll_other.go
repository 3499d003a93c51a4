//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
)

// Epoll is the goroutine-per-connection fallback for platforms without epoll.
// Each connection gets a monitor that peeks for one byte, reports readiness
// and then waits for Resume before peeking again, so the monitor never reads
// concurrently with a worker.
type Epoll struct {
	mu      sync.Mutex
	conns   map[net.Conn]*peekConn
	readyCh chan net.Conn
	done    chan struct{}
	once    sync.Once
}

// peekConn reads through a buffer so the monitor can peek without consuming
// frame bytes.
type peekConn struct {
	net.Conn
	r       *bufio.Reader
	resume  chan struct{}
	removed chan struct{}
}

func (p *peekConn) Read(b []byte) (int, error) { return p.r.Read(b) }

func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]*peekConn),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts monitoring conn and returns the wrapped connection the server
// must use for every later read.
func (e *Epoll) Add(conn net.Conn) (net.Conn, error) {
	pc := &peekConn{
		Conn:    conn,
		r:       bufio.NewReader(conn),
		resume:  make(chan struct{}, 1),
		removed: make(chan struct{}),
	}

	e.mu.Lock()
	e.conns[pc] = pc
	e.mu.Unlock()

	go e.monitor(pc)
	return pc, nil
}

func (e *Epoll) monitor(pc *peekConn) {
	for {
		_, err := pc.r.Peek(1)

		select {
		case e.readyCh <- pc:
		case <-pc.removed:
			return
		case <-e.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case <-pc.resume:
		case <-pc.removed:
			return
		case <-e.done:
			return
		}
	}
}

// Resume lets the monitor of conn look for the next frame.
func (e *Epoll) Resume(conn net.Conn) {
	e.mu.Lock()
	pc, ok := e.conns[conn]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case pc.resume <- struct{}{}:
	default:
	}
}

func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	pc, ok := e.conns[conn]
	delete(e.conns, conn)
	e.mu.Unlock()
	if ok {
		close(pc.removed)
	}
	return nil
}

// Wait blocks until at least one connection is ready and returns every
// connection that is ready by then.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.conns = make(map[net.Conn]*peekConn)
	e.mu.Unlock()
	return nil
}
