package engine

import (
	"fmt"
	"time"

	"github.com/user/chatpilot/internal/types"
)

// DefaultQueueSize bounds the work queue.
const DefaultQueueSize = 500

// Item is a queued message with the time it was discovered.
type Item struct {
	Msg          types.IncomingMessage
	DiscoveredAt time.Time
	// Source names where the message came from: a transport or "inject".
	Source string
}

// Queue is the FIFO work queue shared by the poller and injectors. Push
// never blocks; a full queue rejects the item.
type Queue struct {
	items chan *Item
}

func NewQueue(size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{items: make(chan *Item, size)}
}

// Push appends item, failing when the queue is full.
func (q *Queue) Push(item *Item) error {
	select {
	case q.items <- item:
		return nil
	default:
		return fmt.Errorf("queue full (%d items), message %s", cap(q.items), item.Msg.ID)
	}
}

// Pop removes the oldest item, or returns nil when the queue is empty.
func (q *Queue) Pop() *Item {
	select {
	case it := <-q.items:
		return it
	default:
		return nil
	}
}

func (q *Queue) Len() int { return len(q.items) }
