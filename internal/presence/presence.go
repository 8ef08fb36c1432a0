// Package presence maintains an approximately-current set of online user
// identifiers over a persistent server-pushed channel, separate from the
// request/response polling transport.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/c-pro/geche"
	"github.com/gorilla/websocket"

	"tutorchat/internal/metrics"
	"tutorchat/internal/transport"
)

const (
	DefaultReconnectAttempts = 5
	DefaultReconnectDelay    = 3 * time.Second
)

type state int

const (
	stateDisconnected state = iota
	stateConnecting
	stateConnected
)

// wsConn is the subset of *websocket.Conn the channel uses, kept as an
// interface so tests can substitute their own.
type wsConn interface {
	Close() error
	WriteJSON(v any) error
	ReadJSON(v any) error
}

// Dialer opens the underlying channel. The default wraps
// websocket.DefaultDialer.
type Dialer func(ctx context.Context, rawURL string) (wsConn, error)

func defaultDialer(ctx context.Context, rawURL string) (wsConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// event is the server-pushed wire format. The connected event doubles as the
// authoritative snapshot of who is online.
type event struct {
	Type        string   `json:"type"`
	UserID      string   `json:"userId,omitempty"`
	SocketID    string   `json:"socketId,omitempty"`
	OnlineUsers []string `json:"onlineUsers,omitempty"`
}

const (
	eventConnected   = "connected"
	eventUserOnline  = "user-online"
	eventUserOffline = "user-offline"
)

// hello is the first frame the client writes after the dial.
type hello struct {
	Auth struct {
		Token string `json:"token"`
	} `json:"auth"`
}

type Config struct {
	URL    string
	Tokens transport.TokenSource
	// Reconnect policy is explicit and bounded: after an unexpected drop the
	// channel retries up to MaxAttempts times with a fixed delay, then stays
	// disconnected until Connect is called again.
	MaxAttempts int
	RetryDelay  time.Duration
	Dial        Dialer
}

func (c *Config) withDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultReconnectAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultReconnectDelay
	}
	if c.Dial == nil {
		c.Dial = defaultDialer
	}
}

// Channel tracks which users are currently connected server-side. The online
// set has one writer, the read loop; consumers get snapshot copies.
type Channel struct {
	cfg Config

	mu     sync.RWMutex
	st     state
	conn   wsConn
	cancel context.CancelFunc
	online *geche.Locker[string, struct{}]

	wg sync.WaitGroup
}

func New(cfg Config) *Channel {
	cfg.withDefaults()
	return &Channel{
		cfg:    cfg,
		online: geche.NewLocker[string, struct{}](geche.NewMapCache[string, struct{}]()),
	}
}

// Connect opens the channel and blocks until the initial snapshot event has
// seeded the online set, then keeps a read loop running in the background
// with the bounded auto-reconnect policy. Missing credentials fail fast with
// no connection attempt.
func (c *Channel) Connect(ctx context.Context) error {
	token := c.cfg.Tokens.Token()
	if token == "" {
		return transport.ErrAuthRequired
	}

	c.mu.Lock()
	if c.st != stateDisconnected {
		c.mu.Unlock()
		return errors.New("presence channel already connected")
	}
	c.st = stateConnecting
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	conn, err := c.open(ctx, token)
	if err != nil {
		c.teardown()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.st = stateConnected
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readLoop(runCtx, conn)
	return nil
}

// open dials, authenticates and waits for the snapshot event, which replaces
// the set. This is the one authoritative resync point.
func (c *Channel) open(ctx context.Context, token string) (wsConn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("bad presence url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, err := c.cfg.Dial(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("presence dial failed: %w", err)
	}

	var h hello
	h.Auth.Token = token
	if err := conn.WriteJSON(h); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("presence auth failed: %w", err)
	}

	var ev event
	if err := conn.ReadJSON(&ev); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("presence handshake failed: %w", err)
	}
	if ev.Type != eventConnected {
		_ = conn.Close()
		return nil, fmt.Errorf("presence handshake: expected %q event, got %q", eventConnected, ev.Type)
	}

	c.seed(ev.OnlineUsers)
	return conn, nil
}

// seed replaces the whole online set with the snapshot, atomically from the
// point of view of readers.
func (c *Channel) seed(users []string) {
	tx := c.online.Lock()
	defer tx.Unlock()
	for id := range tx.Snapshot() {
		_ = tx.Del(id)
	}
	for _, id := range users {
		tx.Set(id, struct{}{})
	}
}

func (c *Channel) readLoop(ctx context.Context, conn wsConn) {
	defer c.wg.Done()

	for {
		var ev event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("presence channel dropped", "error", err)
			conn = c.reconnect(ctx)
			if conn == nil {
				return
			}
			continue
		}

		switch ev.Type {
		case eventUserOnline:
			tx := c.online.Lock()
			tx.Set(ev.UserID, struct{}{})
			tx.Unlock()
		case eventUserOffline:
			tx := c.online.Lock()
			_ = tx.Del(ev.UserID)
			tx.Unlock()
		case eventConnected:
			// A server restart can replay the snapshot on a live socket.
			c.seed(ev.OnlineUsers)
		default:
			slog.Debug("ignoring unknown presence event", "type", ev.Type)
		}
	}
}

// reconnect retries the dial up to the attempt budget. Returns nil when the
// budget is exhausted or the channel was shut down; the channel is then
// Disconnected until the caller reopens it.
func (c *Channel) reconnect(ctx context.Context) wsConn {
	c.mu.Lock()
	c.st = stateConnecting
	c.conn = nil
	c.mu.Unlock()

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		timer := time.NewTimer(c.cfg.RetryDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil
		}

		token := c.cfg.Tokens.Token()
		if token == "" {
			break
		}

		metrics.PresenceReconnects.Inc()
		conn, err := c.open(ctx, token)
		if err != nil {
			slog.Warn("presence reconnect failed",
				"attempt", attempt, "max_attempts", c.cfg.MaxAttempts, "error", err)
			continue
		}

		c.mu.Lock()
		if c.st != stateConnecting {
			c.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		c.conn = conn
		c.st = stateConnected
		c.mu.Unlock()

		slog.Info("presence channel reconnected", "attempt", attempt)
		return conn
	}

	slog.Error("presence reconnect budget exhausted", "max_attempts", c.cfg.MaxAttempts)
	c.teardown()
	return nil
}

// Disconnect tears the channel down and clears all local state. Idempotent.
func (c *Channel) Disconnect() {
	c.teardown()
	c.wg.Wait()
}

func (c *Channel) teardown() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.st = stateDisconnected
	c.mu.Unlock()

	c.seed(nil)
}

// IsUserOnline is a point-in-time membership check.
func (c *Channel) IsUserOnline(userID string) bool {
	tx := c.online.RLock()
	defer tx.Unlock()
	_, err := tx.Get(userID)
	return err == nil
}

// OnlineUsers returns a snapshot copy of the online set.
func (c *Channel) OnlineUsers() []string {
	tx := c.online.RLock()
	defer tx.Unlock()
	snapshot := tx.Snapshot()
	users := make([]string, 0, len(snapshot))
	for id := range snapshot {
		users = append(users, id)
	}
	return users
}

func (c *Channel) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.st == stateConnected
}
