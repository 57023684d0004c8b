// Package transport owns the server side of every client WebSocket.
//
// The Hub maps session ids to connections and serializes all outbound
// writes through one writer goroutine per connection, the only place that
// touches the socket. Callers enqueue envelopes and never block on a slow
// client: synthesized audio frames are shed oldest-first when the outbound
// queue saturates, while transcript and control frames always get through.
package transport

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/voxbridge/voxbridge/internal/envelope"
)

const (
	// defaultQueueSize bounds the per-connection outbound queue. At 20 ms
	// per audio frame this is roughly five seconds of buffered audio.
	defaultQueueSize = 256

	// writeTimeout bounds a single socket write so one dead client cannot
	// wedge its writer goroutine.
	writeTimeout = 10 * time.Second
)

// Conn is the subset of *websocket.Conn the hub needs. Tests substitute a
// recording fake.
type Conn interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Option configures a Hub.
type Option func(*Hub)

// WithQueueSize overrides the per-connection outbound queue capacity.
func WithQueueSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

// Hub is the process-wide registry of client connections.
// All methods are safe for concurrent use.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]*client
	queueSize int
}

// NewHub creates an empty Hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		clients:   map[string]*client{},
		queueSize: defaultQueueSize,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

type client struct {
	sessionID string
	conn      Conn
	queue     chan []byte
	done      chan struct{}
	once      sync.Once
	wg        sync.WaitGroup
	dropped   atomic.Int64
}

// Register binds conn to sessionID and starts its writer goroutine.
// Registering an id that is already present replaces the old connection,
// which is torn down.
func (h *Hub) Register(sessionID string, conn Conn) {
	c := &client{
		sessionID: sessionID,
		conn:      conn,
		queue:     make(chan []byte, h.queueSize),
		done:      make(chan struct{}),
	}

	h.mu.Lock()
	old := h.clients[sessionID]
	h.clients[sessionID] = c
	h.mu.Unlock()

	if old != nil {
		old.stop(websocket.StatusPolicyViolation, "replaced by new connection")
	}

	c.wg.Add(1)
	go c.writeLoop()
}

// Send enqueues env for delivery to the session's client. It reports false
// when the session has no registered connection or is shutting down — it
// never panics and never returns an error, so engine hot paths can ignore
// delivery failure.
//
// Droppable frames (synthesized audio) are shed oldest-first when the queue
// is full. All other frames block until space frees or the connection goes
// away.
func (h *Hub) Send(sessionID string, env envelope.Envelope) bool {
	h.mu.RLock()
	c := h.clients[sessionID]
	h.mu.RUnlock()
	if c == nil {
		return false
	}

	data, err := envelope.Encode(env)
	if err != nil {
		slog.Error("transport: encode frame", "session_id", sessionID, "event_type", env.EventType, "error", err)
		return false
	}

	if envelope.Droppable(env.EventType) {
		return c.enqueueDroppable(data)
	}
	return c.enqueueBlocking(data)
}

// Dropped returns the number of audio frames shed for the session so far.
func (h *Hub) Dropped(sessionID string) int64 {
	h.mu.RLock()
	c := h.clients[sessionID]
	h.mu.RUnlock()
	if c == nil {
		return 0
	}
	return c.dropped.Load()
}

// Close gracefully closes the session's connection with the given status
// and removes it from the hub. Unknown ids are a no-op.
func (h *Hub) Close(sessionID string, code websocket.StatusCode, reason string) {
	h.mu.Lock()
	c := h.clients[sessionID]
	delete(h.clients, sessionID)
	h.mu.Unlock()
	if c != nil {
		c.stop(code, reason)
	}
}

// Remove detaches the session without initiating a close handshake; used
// when the peer already disconnected. Unknown ids are a no-op.
func (h *Hub) Remove(sessionID string) {
	h.Close(sessionID, websocket.StatusNormalClosure, "session removed")
}

// Count returns the number of registered connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SessionIDs returns a snapshot of all registered session ids.
func (h *Hub) SessionIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	return ids
}

// ---- client ----

// enqueueDroppable sheds the oldest queued frame to make room when full.
func (c *client) enqueueDroppable(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	for {
		select {
		case c.queue <- data:
			return true
		case <-c.done:
			return false
		default:
		}
		// Full: shed the oldest frame, then try again. The writer may have
		// drained the queue in between, so the pop can miss.
		select {
		case <-c.queue:
			c.dropped.Add(1)
		default:
		}
	}
}

// enqueueBlocking waits for queue space; control frames are never shed.
func (c *client) enqueueBlocking(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.queue <- data:
		return true
	case <-c.done:
		return false
	}
}

// writeLoop is the single writer for this connection.
func (c *client) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case data := <-c.queue:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageBinary, data)
			cancel()
			if err != nil {
				slog.Debug("transport: write failed, stopping writer",
					"session_id", c.sessionID, "error", err)
				c.stop(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		case <-c.done:
			c.drain()
			return
		}
	}
}

// drain makes a best-effort pass over frames still queued at shutdown, so a
// final transcript or completion frame sent just before teardown is not
// lost. The socket may already be closed; the first failed write ends the
// pass.
func (c *client) drain() {
	for {
		select {
		case data := <-c.queue:
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			err := c.conn.Write(ctx, websocket.MessageBinary, data)
			cancel()
			if err != nil {
				return
			}
		default:
			return
		}
	}
}

// stop shuts the writer down and closes the socket. Safe to call from any
// goroutine, any number of times.
func (c *client) stop(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close(code, reason)
	})
}
