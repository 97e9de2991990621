package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/KevinKickass/OpenDAC/internal/auth"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Time allowed for the auth message after connecting
	authWait = 10 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 8192

	// Send channel buffer size
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client represents a WebSocket client connection
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *zap.Logger

	// guards send and closed
	sendMu sync.Mutex
	closed bool

	// set by readPump only
	registered  bool
	permissions []auth.Permission

	subMu         sync.RWMutex
	subscriptions map[string]bool
}

func (c *Client) remoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// trySend queues data without blocking. It reports false when the buffer
// is full or the client is closed.
func (c *Client) trySend(data []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) sendMessage(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}
	if !c.trySend(data) {
		c.logger.Warn("Dropped message for client",
			zap.String("remote_addr", c.remoteAddr()),
			zap.String("message_type", string(msg.Type)))
	}
}

// subscribed reports whether channel events of name go to this client. A
// client without subscriptions receives all of them.
func (c *Client) subscribed(name string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return len(c.subscriptions) == 0 || c.subscriptions[name]
}

// readPump handles reading messages from the WebSocket connection
func (c *Client) readPump() {
	defer func() {
		if c.registered {
			select {
			case c.hub.unregister <- c:
			case <-c.hub.done:
			}
		} else {
			// writePump flushes pending replies, then closes the connection
			c.closeSend()
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		if c.registered {
			c.conn.SetReadDeadline(time.Now().Add(pongWait))
		}
		return nil
	})

	if c.hub.authRequired() {
		c.conn.SetReadDeadline(time.Now().Add(authWait))
	} else {
		c.permissions = auth.AllPermissions()
		if !c.register() {
			return
		}
	}

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error",
					zap.Error(err),
					zap.String("remote_addr", c.remoteAddr()))
			}
			return
		}

		// First message MUST be authentication
		if !c.registered {
			if !c.authenticate(msg) {
				return
			}
			continue
		}

		c.handleMessage(msg)
	}
}

func (c *Client) authenticate(msg ClientMessage) bool {
	if msg.Type != MessageTypeAuth {
		c.sendAuthFailed("First message must be authentication")
		return false
	}
	if msg.Token == "" {
		c.sendAuthFailed("Missing token in auth message")
		return false
	}

	claims, permissions, err := c.hub.authService.ValidateToken(msg.Token)
	if err != nil {
		c.logger.Warn("WebSocket authentication failed",
			zap.Error(err),
			zap.String("remote_addr", c.remoteAddr()))
		c.sendAuthFailed("Invalid or expired token")
		return false
	}

	c.permissions = permissions
	c.logger.Info("WebSocket client authenticated",
		zap.String("remote_addr", c.remoteAddr()),
		zap.String("username", claims.Username))

	return c.register()
}

// register adds the client to the hub once it is allowed to receive
// broadcasts.
func (c *Client) register() bool {
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.sendMessage(NewMessage(MessageTypeAuthSuccess, map[string]interface{}{
		"permissions": c.permissions,
	}))

	select {
	case c.hub.register <- c:
		c.registered = true
		return true
	case <-c.hub.done:
		return false
	}
}

func (c *Client) sendAuthFailed(reason string) {
	c.sendMessage(NewMessage(MessageTypeAuthFailed, map[string]string{
		"reason": reason,
	}))
}

func (c *Client) handleMessage(msg ClientMessage) {
	c.logger.Debug("Received client message",
		zap.String("remote_addr", c.remoteAddr()),
		zap.String("type", string(msg.Type)))

	switch msg.Type {
	case MessageTypeSubscribe:
		subs := make(map[string]bool, len(msg.Channels))
		for _, name := range msg.Channels {
			subs[name] = true
		}
		c.subMu.Lock()
		c.subscriptions = subs
		c.subMu.Unlock()
		c.sendMessage(NewMessage(MessageTypeSubscribed, map[string][]string{
			"channels": msg.Channels,
		}))
	case MessageTypePing:
		c.sendMessage(NewMessage(MessageTypePong, nil))
	default:
		c.sendMessage(NewMessage(MessageTypeError, map[string]string{
			"reason": "unknown message type " + string(msg.Type),
		}))
	}
}

// writePump handles writing messages to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWs handles WebSocket upgrade requests
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("WebSocket upgrade error",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr))
		return
	}

	client := &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		logger: hub.logger,
	}

	// Registration happens in readPump after authentication
	go client.writePump()
	go client.readPump()
}
