package messagequeue

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Image is a base64 encoded image attached to a user message.
type Image struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// Message is a pending outbound user message.
type Message struct {
	ID              string  `json:"id"`
	Text            string  `json:"text"`
	Images          []Image `json:"images,omitempty"`
	ParentToolUseID string  `json:"parent_tool_use_id,omitempty"`
}

// Item pairs a message with its completion signal.
type Item struct {
	Message    Message
	EnqueuedAt time.Time

	done      chan struct{}
	once      sync.Once
	delivered bool
}

func newItem(msg Message) *Item {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	return &Item{
		Message:    msg,
		EnqueuedAt: time.Now(),
		done:       make(chan struct{}),
	}
}

// Done is closed once the item has been handed off or discarded.
func (i *Item) Done() <-chan struct{} {
	return i.done
}

// Delivered reports whether the item reached the outbound stream.
// Only meaningful after Done is closed.
func (i *Item) Delivered() bool {
	select {
	case <-i.done:
		return i.delivered
	default:
		return false
	}
}

// MarkDelivered resolves the completion signal after hand-off.
func (i *Item) MarkDelivered() {
	i.resolve(true)
}

func (i *Item) discard() {
	i.resolve(false)
}

func (i *Item) resolve(delivered bool) {
	i.once.Do(func() {
		i.delivered = delivered
		close(i.done)
	})
}
