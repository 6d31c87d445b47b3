package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ============================================================================
// Status WebSocket: hub + per-client pumps + snapshot broadcaster
// ============================================================================
//
// Local dashboards and the TUI-less kiosk page watch the light through this
// socket. Frames are JSON text with an envelope {type, ts, data}:
//
//	state_init     sent once on connect, data is the current Snapshot
//	state_changed  sent when the snapshot changes, coalesced to one per window
//
// Clients may send control messages (change_section, toggle_beat_sync) on the
// same socket; they are posted to the controller like IPC messages.
//
// Slow clients are disconnected when their send buffer fills.
// ============================================================================

const (
	wsTypeStateInit    = "state_init"
	wsTypeStateChanged = "state_changed"
)

// envelope is the wire format envelope for WS messages.
type envelope struct {
	Type string      `json:"type"`
	Ts   *time.Time  `json:"ts,omitempty"`
	Data interface{} `json:"data,omitempty"`
}

func marshalEnvelope(typ string, at time.Time, data any) ([]byte, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return json.Marshal(envelope{Type: typ, Ts: &at, Data: data})
}

// ============================================================================
// Hub
// ============================================================================

type Hub struct {
	logger *slog.Logger

	// Buffered broadcast channel for already-serialized JSON frames.
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu      sync.Mutex
	clients map[*Client]struct{}

	sendBuf int
}

type HubConfig struct {
	// SendBuf is the per-client outbound queue size. Zero means 32.
	SendBuf int
	// BroadcastBuf is the hub inbound broadcast queue size. Zero means 128.
	BroadcastBuf int
}

// NewHub constructs a hub. Call Run(ctx) to start it.
func NewHub(logger *slog.Logger, cfg HubConfig) *Hub {
	sendBuf := cfg.SendBuf
	if sendBuf <= 0 {
		sendBuf = 32
	}
	bcastBuf := cfg.BroadcastBuf
	if bcastBuf <= 0 {
		bcastBuf = 128
	}

	return &Hub{
		logger:     logger,
		broadcast:  make(chan []byte, bcastBuf),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		clients:    make(map[*Client]struct{}),
		sendBuf:    sendBuf,
	}
}

// Run processes hub events until ctx is canceled.
// It disconnects all clients on shutdown.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Debug("status hub starting")

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("status hub stopping")
			h.closeAllClients()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("status client connected", "remote_addr", c.remoteAddr, "clients", n)

		case c := <-h.unregister:
			h.removeClient(c, "unregister")

		case msg := <-h.broadcast:
			// Collect slow clients first, then remove them after we unlock.
			var slow []*Client

			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.Unlock()

			for _, c := range slow {
				h.removeClient(c, "slow_client")
			}
		}
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.closeSend()
		delete(h.clients, c)
	}
}

func (h *Hub) removeClient(c *Client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
	// Closing send signals writePump to exit.
	c.closeSend()
	h.logger.Info("status client disconnected", "remote_addr", c.remoteAddr, "reason", reason, "clients", n)
}

// BroadcastBytes enqueues a pre-serialized JSON WS frame for broadcast.
// It never blocks; if the hub queue is full it drops the message.
func (h *Hub) BroadcastBytes(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("status hub broadcast queue full, dropping message", "bytes", len(msg))
	}
}

// ============================================================================
// Client
// ============================================================================

type Client struct {
	hub *Hub

	conn      *websocket.Conn
	send      chan []byte
	sendClose sync.Once

	// onControl receives decoded control messages. Nil ignores them.
	onControl func(Event)

	remoteAddr string
	logger     *slog.Logger
}

// NewClient creates a client with a buffered send channel.
func NewClient(hub *Hub, conn *websocket.Conn, remoteAddr string, onControl func(Event), logger *slog.Logger) *Client {
	sendBuf := 32
	if hub != nil && hub.sendBuf > 0 {
		sendBuf = hub.sendBuf
	}
	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBuf),
		onControl:  onControl,
		remoteAddr: remoteAddr,
		logger:     logger,
	}
}

func (c *Client) closeSend() {
	c.sendClose.Do(func() { close(c.send) })
}

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second
)

// wsStateCoalesceWindow bounds how often state_changed goes out. Animated
// effects repaint at frame rate; dashboards do not need every frame.
const wsStateCoalesceWindow = 50 * time.Millisecond

// closeStatus extracts a websocket close code / text when possible.
func closeStatus(err error) (code int, text string, ok bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, true
	}
	return 0, "", false
}

// writePump writes messages from the send queue to the websocket.
// It exits on write error or when send is closed.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub is disconnecting us.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logExit("write", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logExit("ping", err)
				return
			}
		}
	}
}

// readPump reads control messages and detects disconnects. It exits on read
// error, then unregisters the client.
func (c *Client) readPump() {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			c.logExit("read", err)
			if c.hub != nil {
				c.hub.unregister <- c
			}
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		c.handleControl(data)
	}
}

func (c *Client) handleControl(data []byte) {
	ev, err := UnmarshalControl(data)
	if err != nil {
		c.logger.Debug("status client sent bad control message", "remote_addr", c.remoteAddr, "error", err)
		return
	}
	if c.onControl != nil {
		c.onControl(ev)
	}
}

func (c *Client) logExit(op string, err error) {
	if errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	if code, text, ok := closeStatus(err); ok {
		c.logger.Debug("status client closed", "remote_addr", c.remoteAddr, "op", op, "code", code, "reason", text)
		return
	}
	c.logger.Debug("status client pump exiting", "remote_addr", c.remoteAddr, "op", op, "error", err)
}

// ============================================================================
// HTTP handler
// ============================================================================

// stateWS upgrades status connections and wires them to the hub and controller.
type stateWS struct {
	logger *slog.Logger
	hub    *Hub
	ctrl   *Controller
}

func newStateWS(hub *Hub, ctrl *Controller, logger *slog.Logger) *stateWS {
	return &stateWS{logger: logger, hub: hub, ctrl: ctrl}
}

var upgrader = websocket.Upgrader{
	// Status clients are local dashboards; the listener is loopback by default.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeHTTP upgrades and registers a client, then sends state_init.
func (s *stateWS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("status ws upgrade failed", "error", err)
		return
	}

	var onControl func(Event)
	if s.ctrl != nil {
		onControl = func(e Event) { s.ctrl.Post(e) }
	}
	client := NewClient(s.hub, conn, r.RemoteAddr, onControl, s.logger)

	// Register first so broadcasts can reach it.
	s.hub.register <- client

	// Pumps outlive the request; the hub and socket errors end them.
	go client.writePump()
	go client.readPump()

	snap, ok := s.requestSnapshot(r.Context())
	if !ok {
		return
	}
	initMsg, err := marshalEnvelope(wsTypeStateInit, time.Time{}, snap)
	if err != nil {
		s.logger.Warn("status ws marshal failed", "error", err)
		return
	}
	select {
	case client.send <- initMsg:
	default:
		s.hub.unregister <- client
	}
}

// requestSnapshot asks the daemon for its state through the event loop so the
// first frame is consistent with everything broadcast after it.
func (s *stateWS) requestSnapshot(ctx context.Context) (Snapshot, bool) {
	if s.ctrl == nil {
		return Snapshot{}, false
	}
	reply := make(chan Snapshot, 1)

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	select {
	case <-waitCtx.Done():
		return Snapshot{}, false
	case s.ctrl.events <- RequestStateSnapshot{Reply: reply}:
	}

	select {
	case <-waitCtx.Done():
		if !errors.Is(waitCtx.Err(), context.Canceled) {
			s.logger.Warn("status snapshot request failed", "error", waitCtx.Err())
		}
		return Snapshot{}, false
	case snap := <-reply:
		return snap, true
	}
}

// ============================================================================
// Broadcaster
// ============================================================================

// RunBroadcaster forwards snapshot changes to the hub. Bursts are coalesced
// latest-wins: at most one state_changed per wsStateCoalesceWindow, and the
// timer is not reset by further updates.
func RunBroadcaster(ctx context.Context, hub *Hub, src <-chan Snapshot, logger *slog.Logger) {
	if hub == nil || src == nil {
		return
	}

	var pending *Snapshot
	var timer *time.Timer
	var timerCh <-chan time.Time

	flush := func() {
		if pending == nil {
			return
		}
		msg, err := marshalEnvelope(wsTypeStateChanged, time.Time{}, *pending)
		pending = nil
		if err != nil {
			logger.Warn("status broadcaster marshal failed", "error", err)
			return
		}
		hub.BroadcastBytes(msg)
	}

	stopTimer := func() {
		if timer != nil && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer = nil
		timerCh = nil
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			stopTimer()
			return

		case <-timerCh:
			timer = nil
			timerCh = nil
			if pending != nil {
				flush()
				timer = time.NewTimer(wsStateCoalesceWindow)
				timerCh = timer.C
			}

		case snap, ok := <-src:
			if !ok {
				flush()
				stopTimer()
				logger.Debug("status broadcaster stopping (source ended)")
				return
			}
			if timer == nil {
				// Idle: send now and open a window for followers.
				pending = &snap
				flush()
				timer = time.NewTimer(wsStateCoalesceWindow)
				timerCh = timer.C
				continue
			}
			pending = &snap
		}
	}
}
