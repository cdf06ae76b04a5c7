package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
)

// Control bus framing limits.
const (
	writeWait      = 10 * time.Second
	pongWait       = 45 * time.Second
	pingPeriod     = 15 * time.Second
	maxMessageSize = 4 << 20

	// sendBuffer is the per-connection outbound queue.
	sendBuffer = 64
)

var busJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// EnvelopeHandler receives every inbound envelope; peerID is the bus-level
// identity of the connection it arrived on (empty until the peer registers).
type EnvelopeHandler func(peerID string, env *Envelope)

// Hub is the master side of the control bus: a websocket listener that
// tracks one connection per registered agent.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conns   map[string]*hubConn // keyed by agent id after registration
	server  *http.Server
	addr    string
	started bool

	onEnvelope   EnvelopeHandler
	onDisconnect func(agentID string)
}

type hubConn struct {
	id   string
	conn *websocket.Conn
	send chan *Envelope
	once sync.Once
	done chan struct{}
}

// NewHub builds a hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger.With("component", "cluster_bus"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		conns: make(map[string]*hubConn),
	}
}

// OnEnvelope sets the inbound frame handler. Must be set before Start.
func (h *Hub) OnEnvelope(fn EnvelopeHandler) { h.onEnvelope = fn }

// OnDisconnect sets the callback fired when a registered agent's connection
// drops.
func (h *Hub) OnDisconnect(fn func(agentID string)) { h.onDisconnect = fn }

// Start listens on addr and serves the bus at /cluster.
func (h *Hub) Start(addr string) error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return nil
	}
	h.started = true
	h.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc("/cluster", h.handleUpgrade)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("cluster: listen %s: %w", addr, err)
	}
	h.server = &http.Server{Handler: mux}
	h.mu.Lock()
	h.addr = ln.Addr().String()
	h.mu.Unlock()
	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("bus server failed", "error", err)
		}
	}()
	h.logger.Info("control bus listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listen address, for tests using port 0.
func (h *Hub) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.addr
}

// Stop closes every connection and the listener.
func (h *Hub) Stop(ctx context.Context) error {
	h.mu.Lock()
	conns := make([]*hubConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[string]*hubConn)
	server := h.server
	h.started = false
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}

// Send queues an envelope for the target agent.
func (h *Hub) Send(targetID string, env *Envelope) error {
	h.mu.Lock()
	c, ok := h.conns[targetID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("cluster: agent %s not connected", targetID)
	}
	select {
	case c.send <- env:
		return nil
	default:
		return fmt.Errorf("cluster: send queue full for agent %s", targetID)
	}
}

// Connected reports whether the agent has a live bus connection.
func (h *Hub) Connected(agentID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.conns[agentID]
	return ok
}

func (h *Hub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := &hubConn{
		conn: conn,
		send: make(chan *Envelope, sendBuffer),
		done: make(chan struct{}),
	}
	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) readPump(c *hubConn) {
	defer func() {
		c.close()
		h.dropConn(c)
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var env Envelope
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("bus read failed", "agent", c.id, "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if err := busJSON.Unmarshal(data, &env); err != nil {
			h.logger.Warn("malformed envelope dropped", "agent", c.id, "error", err)
			continue
		}

		// The first register command binds the connection to an agent id.
		if c.id == "" && env.Type == TypeCommand && env.CommandType == CmdRegister {
			h.bindConn(c, env.SenderID)
		}
		if h.onEnvelope != nil {
			h.onEnvelope(c.id, &env)
		}
	}
}

func (h *Hub) writePump(c *hubConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case <-c.done:
			return
		case env := <-c.send:
			data, err := busJSON.Marshal(env)
			if err != nil {
				h.logger.Error("marshal envelope failed", "error", err)
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) bindConn(c *hubConn, agentID string) {
	h.mu.Lock()
	// A reconnecting agent replaces its stale connection.
	if old, ok := h.conns[agentID]; ok && old != c {
		old.close()
	}
	c.id = agentID
	h.conns[agentID] = c
	h.mu.Unlock()
	h.logger.Info("agent connected", "agent", agentID)
}

func (h *Hub) dropConn(c *hubConn) {
	if c.id == "" {
		return
	}
	h.mu.Lock()
	current, ok := h.conns[c.id]
	if ok && current == c {
		delete(h.conns, c.id)
	} else {
		ok = false
	}
	h.mu.Unlock()

	if ok {
		h.logger.Info("agent disconnected", "agent", c.id)
		if h.onDisconnect != nil {
			h.onDisconnect(c.id)
		}
	}
}

func (c *hubConn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Client is the worker side of the control bus: a single dialed connection
// with the same framing rules as the hub.
type Client struct {
	id     string
	url    string
	logger *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	onEnvelope EnvelopeHandler
	writeMu    sync.Mutex
	done       chan struct{}
}

// NewClient builds a client for the agent id dialing masterURL (a ws:// URL
// ending in /cluster).
func NewClient(id, masterURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		id:     id,
		url:    masterURL,
		logger: logger.With("component", "cluster_bus", "agent", id),
		done:   make(chan struct{}),
	}
}

// OnEnvelope sets the inbound frame handler. Must be set before Connect.
func (c *Client) OnEnvelope(fn EnvelopeHandler) { c.onEnvelope = fn }

// Connect dials the master and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("cluster: dial %s: %w", c.url, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.PongMessage, []byte(appData))
	})

	go c.readLoop(conn)
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
		select {
		case <-c.done:
		default:
			close(c.done)
		}
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("bus read failed", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		var env Envelope
		if err := busJSON.Unmarshal(data, &env); err != nil {
			c.logger.Warn("malformed envelope dropped", "error", err)
			continue
		}
		if c.onEnvelope != nil {
			c.onEnvelope(env.SenderID, &env)
		}
	}
}

// Send writes an envelope to the master.
func (c *Client) Send(env *Envelope) error {
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()
	if closed || conn == nil {
		return fmt.Errorf("cluster: not connected")
	}
	data, err := busJSON.Marshal(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Done is closed when the connection drops.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close shuts the connection down.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
