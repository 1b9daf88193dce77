package notify

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const (
	// outboundQueueSize bounds the per-channel event queue. A client that
	// stops reading stalls only its own job's deliveries, never the registry.
	outboundQueueSize = 64

	writeTimeout = 10 * time.Second
)

// Gateway upgrades HTTP requests at /progress/{socketID} into notification
// channels and wires them to the Registry. The final path segment is the job
// token; a request without one is rejected before any upgrade happens, so a
// malformed request never leaks a connection.
type Gateway struct {
	registry *Registry
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithGatewayLogger sets a custom logger.
func WithGatewayLogger(l *slog.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = l }
}

// NewGateway creates a Gateway bound to reg.
func NewGateway(reg *Registry, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		registry: reg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The browser client is served from a different origin in
			// every deployment we run; token possession is the gate.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// ServeHTTP handles the channel-open handshake. Route pattern must expose
// the job token as the "socketID" URL parameter.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	socketID := chi.URLParam(r, "socketID")
	if socketID == "" {
		http.Error(w, "missing socket ID", http.StatusBadRequest)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		g.logger.Warn("websocket upgrade failed", "socket_id", socketID, "error", err)
		return
	}

	ch := newWSChannel(conn, g.logger.With("socket_id", socketID))
	// If the socket dies with a terminal event still queued, put the event
	// back in the registry so a reconnect within the grace period gets it.
	ch.onTerminalDrop = func(ev Event) {
		g.registry.Unregister(socketID, ch)
		g.registry.Deliver(socketID, ev)
	}
	go ch.writeLoop()

	// Gateway-local greeting, sent before registration so the ordering
	// guarantee (Connected first, terminal last) holds even when a buffered
	// terminal event is flushed by Register immediately after.
	if err := ch.Send(Connected(socketID)); err != nil {
		_ = ch.Close()
		return
	}
	g.registry.Register(socketID, ch)

	go g.readLoop(socketID, ch, conn)
}

// readLoop drains client frames until the connection dies, then tears the
// channel down. Inbound payloads carry no meaning for the core; they are
// logged and discarded.
func (g *Gateway) readLoop(socketID string, ch *wsChannel, conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			g.registry.Unregister(socketID, ch)
			_ = ch.Close()
			g.logger.Info("notification channel closed", "socket_id", socketID)
			return
		}
		g.logger.Debug("inbound channel message ignored", "socket_id", socketID, "bytes", len(msg))
	}
}

// wsChannel adapts one websocket connection to the Channel interface.
// A single writer goroutine owns the socket; Send only queues. Lifecycle is
// Open until Close, and Close is idempotent — a second close is a no-op.
type wsChannel struct {
	conn *websocket.Conn
	out  chan Event
	done chan struct{}
	once sync.Once
	log  *slog.Logger

	// onTerminalDrop is invoked for a terminal event that was accepted into
	// the queue but never reached the wire.
	onTerminalDrop func(Event)
}

func newWSChannel(conn *websocket.Conn, log *slog.Logger) *wsChannel {
	return &wsChannel{
		conn: conn,
		out:  make(chan Event, outboundQueueSize),
		done: make(chan struct{}),
		log:  log,
	}
}

// Send queues ev for delivery in emission order.
func (c *wsChannel) Send(ev Event) error {
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}
	select {
	case c.out <- ev:
		return nil
	case <-c.done:
		return ErrChannelClosed
	}
}

// Close transitions the channel to its terminal state and closes the socket.
func (c *wsChannel) Close() error {
	c.once.Do(func() {
		close(c.done)
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = c.conn.Close()
	})
	return nil
}

// writeLoop serializes all socket writes. After writing a terminal event the
// channel closes itself: the job is over and the connection has no further
// purpose.
func (c *wsChannel) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(ev); err != nil {
				c.log.Warn("channel write failed", "error", err)
				_ = c.Close()
				c.dropQueued(ev)
				return
			}
			if ev.Terminal() {
				_ = c.Close()
				return
			}
		}
	}
}

// dropQueued salvages terminal events stranded by a write failure: the one
// whose write failed plus anything still queued.
func (c *wsChannel) dropQueued(failed Event) {
	if c.onTerminalDrop == nil {
		return
	}
	if failed.Terminal() {
		c.onTerminalDrop(failed)
		return
	}
	for {
		select {
		case ev := <-c.out:
			if ev.Terminal() {
				c.onTerminalDrop(ev)
				return
			}
		default:
			return
		}
	}
}
