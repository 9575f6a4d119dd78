package tasks

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/posegen/internal/generation"
)

type EventType string

const (
	EventTaskCreated           EventType = "task_created"
	EventTaskUpdated           EventType = "task_updated"
	EventTaskCompleted         EventType = "task_completed"
	EventTaskFailed            EventType = "task_failed"
	EventApplyStarted          EventType = "apply_started"
	EventApplySucceeded        EventType = "apply_succeeded"
	EventApplyFailed           EventType = "apply_failed"
	EventTaskDismissed         EventType = "task_dismissed"
	EventCollectionInvalidated EventType = "collection_invalidated"
	EventOwnerChanged          EventType = "owner_changed"
)

// Event is one registry notification. Task carries the record after the
// mutation when the event concerns a single task.
type Event struct {
	ID       string           `json:"id"`
	Type     EventType        `json:"type"`
	OwnerID  string           `json:"owner_id"`
	TaskID   string           `json:"task_id,omitempty"`
	EntityID string           `json:"entity_id,omitempty"`
	Task     *generation.Task `json:"task,omitempty"`
	Detail   string           `json:"detail,omitempty"`
	At       time.Time        `json:"at"`
}

// Publisher receives registry events. Implementations must not block.
type Publisher interface {
	Publish(evt Event)
}

// Bus fans events out to in-process subscribers. Slow subscribers lose
// events rather than stalling the registry.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	buffer      int
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{subscribers: make(map[string]chan Event), buffer: buffer}
}

func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Subscribe returns an event stream and its cancel func. Cancel closes the
// stream and is safe to call more than once.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	id := uuid.NewString()
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(c)
		}
	}
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
