package gateway

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jasonkneen/claudesky/pkg/stream"
	"github.com/rs/zerolog"
)

// EventBroadcaster fans events out to every authenticated client
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     atomic.Int64

	// mu keeps sequence order and delivery order identical.
	mu sync.Mutex
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients: clients,
		logger:  logger,
	}
}

// Broadcast sends a named event to all authenticated clients
func (b *EventBroadcaster) Broadcast(event, sessionID string, data interface{}) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	msg := EventMessage{
		Type:      "event",
		Event:     event,
		Seq:       b.seq.Add(1),
		SessionID: sessionID,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().Err(err).Str("event", event).Int64("seq", msg.Seq).Msg("Failed to marshal event")
		return msg.Seq
	}

	delivered, failed := 0, 0
	for _, client := range b.clients.Authenticated() {
		if err := client.WriteMessage(payload); err != nil {
			b.logger.Warn().
				Err(err).
				Str("clientId", client.ID).
				Str("event", event).
				Int64("seq", msg.Seq).
				Msg("Failed to broadcast to client")
			failed++
			continue
		}
		delivered++
	}

	b.logger.Debug().
		Str("event", event).
		Int64("seq", msg.Seq).
		Int("success", delivered).
		Int("failed", failed).
		Msg("Event broadcast complete")
	return msg.Seq
}

// SessionSink returns a sink that broadcasts controller events, stamping each
// with the session id announced by the SessionInit event.
func (b *EventBroadcaster) SessionSink() stream.Sink {
	var sessionID atomic.Value
	sessionID.Store("")
	return func(ev stream.Event) {
		if init, ok := ev.(stream.SessionInit); ok {
			sessionID.Store(init.SessionID)
		}
		b.Broadcast(string(ev.Kind()), sessionID.Load().(string), ev)
	}
}

// Seq returns the last sequence number handed out
func (b *EventBroadcaster) Seq() int64 {
	return b.seq.Load()
}
