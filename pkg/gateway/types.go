package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// EventMessage is a server-initiated event pushed to websocket clients.
type EventMessage struct {
	Type      string      `json:"type"`
	Event     string      `json:"event"`
	SessionID string      `json:"sessionId,omitempty"`
	Seq       int64       `json:"seq"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// TaskRequest is the body of POST /v1/tasks.
type TaskRequest struct {
	Task  string   `json:"task"`
	Files []string `json:"files,omitempty"`
}

// TaskAccepted is returned when a run has been started in the background.
type TaskAccepted struct {
	SessionID string `json:"sessionId"`
}

// AbortResponse is returned by POST /v1/abort.
type AbortResponse struct {
	Aborted   bool   `json:"aborted"`
	SessionID string `json:"sessionId,omitempty"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ClientInfo represents information about a connected client
type ClientInfo struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"sessionId,omitempty"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
	IPAddress    string    `json:"ipAddress"`
	Idle         bool      `json:"idle"`
}

// clientBuffer bounds the events queued for a slow client before new ones
// are dropped.
const clientBuffer = 64

// Client represents a connected WebSocket client. Writes go through a
// buffered queue drained by a single writer goroutine.
type Client struct {
	ID            string
	Conn          *websocket.Conn
	SessionFilter string // only events of this session, "" for all
	ConnectedAt   time.Time
	LastActivity  time.Time
	IPAddress     string

	send      chan []byte
	closeOnce sync.Once
}

// NewClient wraps conn.
func NewClient(id string, conn *websocket.Conn, ip string) *Client {
	now := time.Now()
	return &Client{
		ID:           id,
		Conn:         conn,
		ConnectedAt:  now,
		LastActivity: now,
		IPAddress:    ip,
		send:         make(chan []byte, clientBuffer),
	}
}

// Enqueue queues data for delivery. It never blocks; false means the
// client's queue was full or the client is closed.
func (c *Client) Enqueue(data []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// writeLoop delivers queued messages until the queue is closed.
func (c *Client) writeLoop(timeout time.Duration) {
	for data := range c.send {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
		if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
			c.Close()
			for range c.send {
			}
			return
		}
	}
}

// Close closes the queue and the connection. It is safe to call twice.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.send)
		_ = c.Conn.Close()
	})
}
