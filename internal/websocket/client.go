package websocket

import (
	"context"
	"sync"
	"time"

	ws "github.com/coder/websocket"
)

const (
	sendBufferSize = 16
	pingInterval   = 30 * time.Second
	writeTimeout   = 10 * time.Second
)

// Client is one live connection. It receives events for the wallets its
// user is an active member of; the set follows membership changes.
type Client struct {
	hub    *Hub
	conn   *ws.Conn
	send   chan []byte
	userID string

	mu      sync.RWMutex
	wallets map[string]struct{}
}

func NewClient(hub *Hub, conn *ws.Conn, userID string, walletIDs []string) *Client {
	wallets := make(map[string]struct{}, len(walletIDs))
	for _, id := range walletIDs {
		wallets[id] = struct{}{}
	}
	return &Client{
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		userID:  userID,
		wallets: wallets,
	}
}

func (c *Client) subscribed(walletID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.wallets[walletID]
	return ok
}

func (c *Client) subscribe(walletID string) {
	c.mu.Lock()
	c.wallets[walletID] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) unsubscribe(walletID string) {
	c.mu.Lock()
	delete(c.wallets, walletID)
	c.mu.Unlock()
}

// Run registers the client and pumps messages until the connection closes.
func (c *Client) Run(ctx context.Context) {
	c.hub.Register(c)
	defer c.hub.Unregister(c)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writePump(ctx, cancel)
	c.readPump(ctx)
}

// readPump discards inbound frames; the stream is server-to-client only.
func (c *Client) readPump(ctx context.Context) {
	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			return
		}
	}
}

func (c *Client) writePump(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.Close(ws.StatusNormalClosure, "")
				return
			}
			if err := c.write(ctx, msg); err != nil {
				return
			}
		case <-ticker.C:
			pctx, pcancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Ping(pctx)
			pcancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) write(ctx context.Context, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.conn.Write(ctx, ws.MessageText, msg)
}
