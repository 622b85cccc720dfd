package collaboration

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"codesync/internal/logger"
	"codesync/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound frame; a code_change carries the whole buffer.
	maxMessageSize = 1 << 20

	// sendBufferSize is the outbound queue per connection. A client that
	// falls this far behind is disconnected.
	sendBufferSize = 256
)

// ConnState is the lifecycle of one connection.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateAuthenticated
	StateRoomJoined
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateRoomJoined:
		return "room_joined"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// MessageHandler consumes inbound frames of a connection.
type MessageHandler interface {
	HandleMessage(ctx context.Context, c *Client, raw []byte)
	HandleDisconnect(ctx context.Context, c *Client)
}

// Client is one authenticated WebSocket connection.
type Client struct {
	ID        string
	Principal string

	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter

	mu        sync.RWMutex
	state     ConnState
	projectID string
	sessionID string
	role      models.Role
}

// NewClient wraps conn for principal. conn may be nil in tests; outbound
// frames are then read with Outbound.
func NewClient(principal string, conn *websocket.Conn, limiter *rate.Limiter) *Client {
	return &Client{
		ID:        uuid.NewString(),
		Principal: principal,
		conn:      conn,
		send:      make(chan []byte, sendBufferSize),
		done:      make(chan struct{}),
		limiter:   limiter,
		state:     StateConnecting,
	}
}

// Send queues an envelope without blocking. A full queue closes the
// connection and reports false.
func (c *Client) Send(env *models.Envelope) bool {
	data, err := json.Marshal(env)
	if err != nil {
		logger.Error().Err(err).Str("type", string(env.Type)).Msg("failed to marshal envelope")
		return false
	}
	return c.enqueue(data)
}

func (c *Client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	default:
		logger.Warn().Str("client_id", c.ID).Str("principal", c.Principal).Msg("send buffer full, closing connection")
		c.Close()
		return false
	}
}

// Close signals the write loop to send a close frame and drop the socket,
// which in turn ends the read loop. Safe to call more than once.
func (c *Client) Close() {
	c.once.Do(func() { close(c.done) })
}

// Done is closed once the connection is closed.
func (c *Client) Done() <-chan struct{} { return c.done }

// Outbound exposes the queue the write loop drains.
func (c *Client) Outbound() <-chan []byte { return c.send }

// Allow consumes one inbound event token.
func (c *Client) Allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}

func (c *Client) State() ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) setState(s ConnState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// markDisconnected moves to the terminal state, reporting false if the
// connection was already there.
func (c *Client) markDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisconnected {
		return false
	}
	c.state = StateDisconnected
	return true
}

// Room returns the joined project and session, empty when not in a room.
func (c *Client) Room() (projectID, sessionID string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.projectID, c.sessionID
}

// Role is the last role the server resolved for this connection.
func (c *Client) Role() models.Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

func (c *Client) setRole(role models.Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.role = role
}

func (c *Client) setSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = sessionID
}

func (c *Client) enterRoom(projectID, sessionID string, role models.Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.projectID = projectID
	c.sessionID = sessionID
	c.role = role
	if c.state != StateDisconnected {
		c.state = StateRoomJoined
	}
}

func (c *Client) exitRoom() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.projectID = ""
	c.sessionID = ""
	c.role = ""
	if c.state == StateRoomJoined {
		c.state = StateAuthenticated
	}
}

// ReadPump reads frames until the connection fails, then runs the
// disconnect sequence.
func (c *Client) ReadPump(ctx context.Context, h MessageHandler) {
	defer func() {
		h.HandleDisconnect(ctx, c)
		c.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn().Err(err).Str("client_id", c.ID).Msg("websocket read error")
			}
			return
		}
		h.HandleMessage(ctx, c, message)
	}
}

// WritePump drains the send queue to the socket and keeps it alive with
// pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logger.Debug().Err(err).Str("client_id", c.ID).Msg("websocket write failed")
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
