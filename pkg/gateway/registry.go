package gateway

import (
	"sort"
	"sync"
	"time"
)

// idleClientAfter marks a stream client idle when it has sent nothing,
// not even a pong, for this long.
const idleClientAfter = 5 * time.Minute

// ClientRegistry tracks the websocket clients of the event stream. A client
// either follows every run or subscribes to a single session id.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewClientRegistry creates an empty registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{clients: make(map[string]*Client)}
}

// Add registers client under its id.
func (r *ClientRegistry) Add(client *Client) {
	r.mu.Lock()
	r.clients[client.ID] = client
	r.mu.Unlock()
}

// Remove forgets a client. It reports whether the client was registered.
func (r *ClientRegistry) Remove(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.clients[clientID]
	delete(r.clients, clientID)
	return ok
}

// All returns every registered client.
func (r *ClientRegistry) All() []*Client {
	return r.Subscribers("")
}

// Subscribers returns the clients that should receive an event for
// sessionID. Events without a session go to everyone; session events go to
// unfiltered clients and to clients subscribed to that session.
func (r *ClientRegistry) Subscribers(sessionID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		if sessionID == "" || c.SessionFilter == "" || c.SessionFilter == sessionID {
			out = append(out, c)
		}
	}
	return out
}

// Count returns the number of registered clients.
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Touch records activity from a client.
func (r *ClientRegistry) Touch(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[clientID]; ok {
		c.LastActivity = time.Now()
	}
}

// Snapshot describes every client, oldest connection first.
func (r *ClientRegistry) Snapshot() []ClientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	infos := make([]ClientInfo, 0, len(r.clients))
	for _, c := range r.clients {
		infos = append(infos, ClientInfo{
			ID:           c.ID,
			SessionID:    c.SessionFilter,
			ConnectedAt:  c.ConnectedAt,
			LastActivity: c.LastActivity,
			IPAddress:    c.IPAddress,
			Idle:         now.Sub(c.LastActivity) > idleClientAfter,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ConnectedAt.Before(infos[j].ConnectedAt) })
	return infos
}
