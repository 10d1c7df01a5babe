package ipc

import (
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/vibetunnel/session-core/internal/coreerr"
)

// Handler receives frames after they have been serialized onto a single
// dispatch goroutine, guaranteeing FIFO delivery across all connections
// even though each connection is read by its own goroutine (spec §5).
type Handler func(Frame)

// Endpoint is a per-session Unix-domain stream socket that accepts framed
// messages from multiple concurrent clients.
type Endpoint struct {
	listener net.Listener
	path     string

	mu      sync.Mutex
	clients map[string]net.Conn
	nextID  int64

	handler Handler
	inbox   chan Frame

	logger *slog.Logger

	closed chan struct{}
}

// Listen binds a new Endpoint at path, unlinking any stale socket first,
// and sets its permissions to mode 0666 per spec §4.4. A nil logger falls
// back to slog.Default().
func Listen(path string, handler Handler, logger *slog.Logger) (*Endpoint, error) {
	if logger == nil {
		logger = slog.Default()
	}

	os.Remove(path) // stale socket from a prior, uncleanly-terminated run

	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.ListenFailed, "listen on ipc socket", err)
	}
	if err := os.Chmod(path, 0666); err != nil {
		l.Close()
		return nil, coreerr.Wrap(coreerr.BindFailed, "chmod ipc socket", err)
	}

	e := &Endpoint{
		listener: l,
		path:     path,
		clients:  make(map[string]net.Conn),
		handler:  handler,
		inbox:    make(chan Frame, 256),
		logger:   logger,
		closed:   make(chan struct{}),
	}

	go e.acceptLoop()
	go e.dispatchLoop()

	return e, nil
}

func (e *Endpoint) acceptLoop() {
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			return
		}
		go e.handleConn(conn)
	}
}

func (e *Endpoint) handleConn(conn net.Conn) {
	id := e.addClient(conn)
	defer e.removeClient(id)
	defer conn.Close()

	var parser Parser
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			frames, perr := parser.Feed(buf[:n])
			for _, f := range frames {
				select {
				case e.inbox <- f:
				case <-e.closed:
					return
				}
			}
			if perr != nil {
				e.logger.Debug("malformed frame, dropping connection", "error", perr)
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (e *Endpoint) dispatchLoop() {
	for {
		select {
		case f := <-e.inbox:
			if e.handler != nil {
				e.handler(f)
			}
		case <-e.closed:
			return
		}
	}
}

func (e *Endpoint) addClient(conn net.Conn) string {
	id := e.newClientID()
	e.mu.Lock()
	e.clients[id] = conn
	e.mu.Unlock()
	return id
}

func (e *Endpoint) removeClient(id string) {
	e.mu.Lock()
	delete(e.clients, id)
	e.mu.Unlock()
}

func (e *Endpoint) newClientID() string {
	n := atomic.AddInt64(&e.nextID, 1)
	return "c" + strconv.FormatInt(n, 10)
}

// Broadcast writes a frame to every currently connected client. Used for
// heartbeat replies and server-initiated notifications.
func (e *Endpoint) Broadcast(typ Type, payload []byte) {
	frame := Encode(typ, payload)
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.clients {
		c.Write(frame)
	}
}

// ClientCount returns the number of currently connected clients.
func (e *Endpoint) ClientCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.clients)
}

// Close stops accepting connections, closes all client sockets, and
// removes the socket file. Idempotent.
func (e *Endpoint) Close() error {
	select {
	case <-e.closed:
		return nil
	default:
		close(e.closed)
	}

	e.listener.Close()

	e.mu.Lock()
	for _, c := range e.clients {
		c.Close()
	}
	e.clients = make(map[string]net.Conn)
	e.mu.Unlock()

	os.Remove(e.path)
	return nil
}
