package gateway

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/taskpilot/pkg/engine"
)

// EventBroadcaster fans events out to every connected client. It is an
// engine.Observer and never blocks the run that emits.
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     uint64
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients: clients,
		logger:  logger,
	}
}

// OnEvent forwards an execution event.
func (b *EventBroadcaster) OnEvent(e engine.Event) {
	msg := EventMessage{
		Event:     string(e.Type),
		SessionID: e.SessionID,
		Data:      e,
	}
	if !e.Timestamp.IsZero() {
		msg.Timestamp = e.Timestamp.UnixMilli()
	}
	b.BroadcastMessage(msg)
}

// Broadcast sends an event to all clients
func (b *EventBroadcaster) Broadcast(event string, data interface{}) {
	b.BroadcastMessage(EventMessage{Event: event, Data: data})
}

// BroadcastMessage stamps msg with type, sequence and time and queues it for
// every client subscribed to its session.
func (b *EventBroadcaster) BroadcastMessage(msg EventMessage) {
	msg.Type = "event"
	if msg.Seq == 0 {
		msg.Seq = b.nextSeq()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	jsonData, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().
			Err(err).
			Str("event", msg.Event).
			Int64("seq", msg.Seq).
			Msg("Failed to marshal event")
		return
	}

	clients := b.clients.Subscribers(msg.SessionID)
	if len(clients) == 0 {
		return
	}

	dropped := 0
	for _, client := range clients {
		if !client.Enqueue(jsonData) {
			dropped++
			b.logger.Warn().
				Str("clientId", client.ID).
				Str("event", msg.Event).
				Int64("seq", msg.Seq).
				Msg("Client queue full, event dropped")
		}
	}

	b.logger.Debug().
		Str("event", msg.Event).
		Int64("seq", msg.Seq).
		Int("clients", len(clients)).
		Int("dropped", dropped).
		Msg("Event broadcast complete")
}

func (b *EventBroadcaster) nextSeq() int64 {
	return int64(atomic.AddUint64(&b.seq, 1))
}
