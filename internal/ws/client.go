package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	heartbeatInterval = 20 * time.Second
	heartbeatTimeout  = 10 * time.Second
	writeTimeout      = 10 * time.Second
	maxMessageSize    = 10 * 1024 * 1024 // 10 MiB, matches the server limit
)

// EndpointURL derives the agent WebSocket endpoint from an HTTP server URL.
func EndpointURL(serverURL string) (string, error) {
	u := strings.TrimRight(serverURL, "/")
	switch {
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "ws://"), strings.HasPrefix(u, "wss://"):
	default:
		return "", fmt.Errorf("server URL must start with http:// or https://: %q", serverURL)
	}
	return u + "/agent/ws", nil
}

// Conn is the agent's connection to the relay. Writes are serialized; the
// transport keepalive runs until Close.
type Conn struct {
	conn   *websocket.Conn
	cancel context.CancelFunc
	mu     sync.Mutex
}

// Dial connects to the relay's agent endpoint and starts the keepalive loop.
func Dial(ctx context.Context, serverURL string) (*Conn, error) {
	endpoint, err := EndpointURL(serverURL)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	conn.SetReadLimit(maxMessageSize)

	hbCtx, cancel := context.WithCancel(ctx)
	c := &Conn{conn: conn, cancel: cancel}
	go c.keepalive(hbCtx)
	return c, nil
}

// keepalive sends transport-level pings so half-dead links are detected.
// Protocol ping/pong frames are layered above this and unrelated.
func (c *Conn) keepalive(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, heartbeatTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				c.conn.Close(websocket.StatusGoingAway, "keepalive timeout")
				return
			}
		}
	}
}

// WriteJSON marshals v and sends it as a single text frame.
func (c *Conn) WriteJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}

// Read returns the next inbound frame.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

// Close tears the connection down and stops the keepalive loop.
func (c *Conn) Close() {
	c.cancel()
	c.conn.CloseNow()
}
