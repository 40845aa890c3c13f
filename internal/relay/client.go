package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lalithlochan/carepulse/internal/db"
)

// State is the connection state of a Client.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

const maxSeenKeys = 10000

// Fetcher returns the full current alert list of the client's hospital.
type Fetcher func(ctx context.Context) ([]*db.Alert, error)

// ClientConfig configures a relay Client.
type ClientConfig struct {
	BaseURL    string // http(s) base of the gateway, e.g. http://localhost:8080
	HospitalID uuid.UUID
	UserID     uuid.UUID
	Role       string

	PollInterval      time.Duration // refetch period while disconnected
	ReconnectDelay    time.Duration // first reconnect delay, doubled up to MaxReconnectDelay
	MaxReconnectDelay time.Duration

	// OnNotification is called once per dedup key for direct notifications.
	OnNotification func(Message)
}

// Client keeps a live view of a hospital's alerts. While connected it applies
// streamed events; on every (re)connection it refetches the full list, and
// while disconnected it polls the Fetcher so the view never goes stale for
// longer than PollInterval.
type Client struct {
	cfg    ClientConfig
	fetch  Fetcher
	dialer *websocket.Dialer
	logger *zap.Logger

	state atomic.Int32

	mu     sync.RWMutex
	alerts map[uuid.UUID]*db.Alert
	seen   map[string]struct{}
}

func NewClient(cfg ClientConfig, fetch Fetcher, logger *zap.Logger) *Client {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.MaxReconnectDelay < cfg.ReconnectDelay {
		cfg.MaxReconnectDelay = 30 * time.Second
		if cfg.MaxReconnectDelay < cfg.ReconnectDelay {
			cfg.MaxReconnectDelay = cfg.ReconnectDelay
		}
	}
	if fetch == nil {
		fetch = HTTPFetcher(http.DefaultClient, cfg)
	}
	return &Client{
		cfg:    cfg,
		fetch:  fetch,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: logger,
		alerts: make(map[uuid.UUID]*db.Alert),
		seen:   make(map[string]struct{}),
	}
}

func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	if old := State(c.state.Swap(int32(s))); old != s {
		c.logger.Debug("relay client state",
			zap.String("from", old.String()),
			zap.String("to", s.String()),
		)
	}
}

// Snapshot returns the current alerts, newest first.
func (c *Client) Snapshot() []*db.Alert {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*db.Alert, 0, len(c.alerts))
	for _, a := range c.alerts {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Alert returns one alert from the snapshot.
func (c *Client) Alert(id uuid.UUID) (*db.Alert, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.alerts[id]
	if !ok {
		return nil, false
	}
	cp := *a
	return &cp, true
}

// Run connects and keeps the view fresh until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	delay := c.cfg.ReconnectDelay
	for {
		c.setState(StateConnecting)
		ws, err := c.dial(ctx)
		if err == nil {
			c.setState(StateConnected)
			delay = c.cfg.ReconnectDelay
			c.refetch(ctx)
			c.readLoop(ctx, ws)
		} else if ctx.Err() == nil {
			c.logger.Debug("relay connect failed", zap.Error(err))
		}
		c.setState(StateDisconnected)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !c.pollFor(ctx, delay) {
			return ctx.Err()
		}
		delay *= 2
		if delay > c.cfg.MaxReconnectDelay {
			delay = c.cfg.MaxReconnectDelay
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/ws"
	q := url.Values{}
	q.Set("hospital_id", c.cfg.HospitalID.String())
	u.RawQuery = q.Encode()

	ws, _, err := c.dialer.DialContext(ctx, u.String(), identityHeaders(c.cfg))
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	return ws, nil
}

// pollFor refetches every PollInterval until wait has elapsed.
// It returns false when ctx is cancelled.
func (c *Client) pollFor(ctx context.Context, wait time.Duration) bool {
	reconnect := time.NewTimer(wait)
	defer reconnect.Stop()
	poll := time.NewTicker(c.cfg.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-reconnect.C:
			return true
		case <-poll.C:
			c.refetch(ctx)
		}
	}
}

func (c *Client) readLoop(ctx context.Context, ws *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			_ = ws.Close()
		case <-done:
		}
	}()
	defer ws.Close()

	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Info("relay connection lost", zap.Error(err))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("invalid relay message", zap.Error(err))
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg Message) {
	if msg.Kind == KindNotification {
		c.mu.Lock()
		_, dup := c.seen[msg.DedupKey]
		if len(c.seen) >= maxSeenKeys {
			c.seen = make(map[string]struct{})
		}
		c.seen[msg.DedupKey] = struct{}{}
		c.mu.Unlock()
		if dup {
			return
		}
		if c.cfg.OnNotification != nil {
			c.cfg.OnNotification(msg)
		}
	}
	c.apply(msg.Event)
}

// apply merges an event into the snapshot. Status only moves forward, so a
// late event never overwrites a newer fetched state.
func (c *Client) apply(ev Event) {
	if ev.HospitalID != c.cfg.HospitalID {
		return
	}
	p, err := ev.Decode()
	if err != nil || p.Alert == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.alerts[p.Alert.ID]; ok && cur.Status.Rank() > p.Alert.Status.Rank() {
		return
	}
	c.alerts[p.Alert.ID] = p.Alert
}

func (c *Client) refetch(ctx context.Context) {
	alerts, err := c.fetch(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("alert refetch failed", zap.Error(err))
		}
		return
	}

	next := make(map[uuid.UUID]*db.Alert, len(alerts))
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range alerts {
		if cur, ok := c.alerts[a.ID]; ok && cur.Status.Rank() > a.Status.Rank() {
			next[a.ID] = cur
			continue
		}
		next[a.ID] = a
	}
	c.alerts = next
}

// fetchPageSize is the page the fetcher asks for. The list endpoint caps a
// page at 500.
const fetchPageSize = 200

// identityHeaders carries the client's identity the way the gateway's
// authenticating proxy would.
func identityHeaders(cfg ClientConfig) http.Header {
	h := http.Header{}
	h.Set("X-User-ID", cfg.UserID.String())
	h.Set("X-User-Role", cfg.Role)
	h.Set("X-Hospital-ID", cfg.HospitalID.String())
	return h
}

// HTTPFetcher lists every alert of the hospital from the gateway's REST API,
// following limit/offset pages until a short page.
func HTTPFetcher(hc *http.Client, cfg ClientConfig) Fetcher {
	return func(ctx context.Context) ([]*db.Alert, error) {
		var all []*db.Alert
		for offset := 0; ; offset += fetchPageSize {
			page, err := fetchPage(ctx, hc, cfg, fetchPageSize, offset)
			if err != nil {
				return nil, err
			}
			all = append(all, page...)
			if len(page) < fetchPageSize {
				return all, nil
			}
		}
	}
}

func fetchPage(ctx context.Context, hc *http.Client, cfg ClientConfig, limit, offset int) ([]*db.Alert, error) {
	q := url.Values{}
	q.Set("hospital_id", cfg.HospitalID.String())
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	u := strings.TrimRight(cfg.BaseURL, "/") + "/v1/alerts?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header = identityHeaders(cfg)

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list alerts: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Alerts []*db.Alert `json:"alerts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode alerts: %w", err)
	}
	return body.Alerts, nil
}
