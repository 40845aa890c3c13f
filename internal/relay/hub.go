package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lalithlochan/carepulse/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

// ErrNotConnected is returned by SendToUser when the user has no open socket.
var ErrNotConnected = errors.New("user not connected")

// Identity resolves the authenticated caller of a websocket request. ok is
// false when the request carries no identity.
type Identity func(r *http.Request) (hospitalID, userID uuid.UUID, ok bool)

type HubOption func(*Hub)

// WithIdentity sets how ServeHTTP authenticates callers. Without it every
// upgrade is rejected.
func WithIdentity(id Identity) HubOption {
	return func(h *Hub) { h.identify = id }
}

type hubConn struct {
	ws         *websocket.Conn
	hospitalID uuid.UUID
	userID     uuid.UUID
	send       chan []byte
}

// Hub owns the websocket connections of one gateway instance. Clients are
// grouped per hospital. Bus events are written by a single goroutine, so each
// client receives its hospital's events in publish order. A client that
// cannot keep up is disconnected and will refetch on reconnect.
type Hub struct {
	bus      Bus
	upgrader websocket.Upgrader
	identify Identity
	logger   *zap.Logger

	mu        sync.RWMutex
	hospitals map[uuid.UUID]map[*hubConn]struct{}
	users     map[uuid.UUID]map[*hubConn]struct{}

	events chan Event
}

func NewHub(bus Bus, logger *zap.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin checks belong to the upstream gateway.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:    logger,
		hospitals: make(map[uuid.UUID]map[*hubConn]struct{}),
		users:     make(map[uuid.UUID]map[*hubConn]struct{}),
		events:    make(chan Event, 1024),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run subscribes to the bus and broadcasts until ctx is cancelled, then
// closes every connection.
func (h *Hub) Run(ctx context.Context) {
	unsubscribe := h.bus.Subscribe(h.enqueue)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("relay hub stopped")
			return
		case ev := <-h.events:
			h.broadcast(ev)
		}
	}
}

// enqueue hands a bus event to the broadcast loop without blocking the bus.
// When the backlog is full the event is dropped and the hospital's clients
// are disconnected, so they reconnect and refetch instead of missing it.
func (h *Hub) enqueue(ev Event) {
	select {
	case h.events <- ev:
		return
	default:
	}

	n := h.disconnectHospital(ev.HospitalID)
	h.logger.Warn("relay backlog full, dropped event",
		zap.String("alert_id", ev.AlertID.String()),
		zap.String("hospital_id", ev.HospitalID.String()),
		zap.Int("disconnected", n),
	)
}

func (h *Hub) disconnectHospital(hospitalID uuid.UUID) int {
	h.mu.RLock()
	conns := make([]*hubConn, 0, len(h.hospitals[hospitalID]))
	for c := range h.hospitals[hospitalID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		h.remove(c)
	}
	return len(conns)
}

func (h *Hub) broadcast(ev Event) {
	data, err := json.Marshal(Message{Kind: KindEvent, Event: ev})
	if err != nil {
		h.logger.Error("failed to marshal event", zap.Error(err))
		return
	}

	var slow []*hubConn
	h.mu.RLock()
	for c := range h.hospitals[ev.HospitalID] {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("disconnecting slow websocket client",
			zap.String("user_id", c.userID.String()),
			zap.String("hospital_id", c.hospitalID.String()),
		)
		h.remove(c)
	}
}

// Connected reports whether the user has at least one open socket.
func (h *Hub) Connected(userID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID]) > 0
}

// SendToUser writes a message to every socket the user has open.
func (h *Hub) SendToUser(userID uuid.UUID, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	conns := h.users[userID]
	if len(conns) == 0 {
		return ErrNotConnected
	}
	delivered := 0
	for c := range conns {
		select {
		case c.send <- data:
			delivered++
		default:
		}
	}
	if delivered == 0 {
		return errors.New("websocket send buffer full")
	}
	return nil
}

// DisconnectUser closes every socket the user has open and returns how many
// were closed. Clients reconnect and refetch on their own.
func (h *Hub) DisconnectUser(userID uuid.UUID) int {
	h.mu.RLock()
	conns := make([]*hubConn, 0, len(h.users[userID]))
	for c := range h.users[userID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		h.remove(c)
	}
	return len(conns)
}

// ConnectionCount returns the number of open sockets for a hospital.
func (h *Hub) ConnectionCount(hospitalID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.hospitals[hospitalID])
}

// ServeHTTP upgrades GET /v1/ws to a websocket. The stream is scoped to the
// caller's own hospital; an optional hospital_id query must match it.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.identify == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	hospitalID, userID, ok := h.identify(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if raw := r.URL.Query().Get("hospital_id"); raw != "" {
		requested, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, "hospital_id must be a valid UUID", http.StatusBadRequest)
			return
		}
		if requested != hospitalID {
			h.logger.Warn("websocket subscription to another hospital rejected",
				zap.String("user_id", userID.String()),
				zap.String("hospital_id", hospitalID.String()),
				zap.String("requested", requested.String()),
			)
			http.Error(w, "events of another hospital", http.StatusForbidden)
			return
		}
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &hubConn{
		ws:         ws,
		hospitalID: hospitalID,
		userID:     userID,
		send:       make(chan []byte, sendBuffer),
	}
	h.add(c)

	h.logger.Debug("websocket client connected",
		zap.String("user_id", userID.String()),
		zap.String("hospital_id", hospitalID.String()),
	)

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) add(c *hubConn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.hospitals[c.hospitalID] == nil {
		h.hospitals[c.hospitalID] = make(map[*hubConn]struct{})
	}
	h.hospitals[c.hospitalID][c] = struct{}{}

	if h.users[c.userID] == nil {
		h.users[c.userID] = make(map[*hubConn]struct{})
	}
	h.users[c.userID][c] = struct{}{}
	metrics.AddWebsocketConnections(1)
}

// remove unregisters c and closes its send channel. Sends happen under the
// read lock, so closing under the write lock never races a send.
func (h *Hub) remove(c *hubConn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.hospitals[c.hospitalID][c]; !ok {
		return
	}
	delete(h.hospitals[c.hospitalID], c)
	if len(h.hospitals[c.hospitalID]) == 0 {
		delete(h.hospitals, c.hospitalID)
	}
	delete(h.users[c.userID], c)
	if len(h.users[c.userID]) == 0 {
		delete(h.users, c.userID)
	}
	close(c.send)
	metrics.AddWebsocketConnections(-1)
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	var all []*hubConn
	for _, conns := range h.hospitals {
		for c := range conns {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range all {
		h.remove(c)
	}
}

// readPump only consumes control frames; clients never send data.
func (h *Hub) readPump(c *hubConn) {
	defer func() {
		h.remove(c)
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

func (h *Hub) writePump(c *hubConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
