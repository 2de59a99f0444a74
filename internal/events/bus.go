package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Bus manages event streaming and subscription
type Bus struct {
	mu          sync.RWMutex
	subscribers map[chan *Event]string
	closed      atomic.Bool
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[chan *Event]string),
	}
}

// Subscribe creates a new subscription channel for events
func (b *Bus) Subscribe(name string) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, 256)
	b.subscribers[ch] = name
	return ch
}

// Unsubscribe removes a subscription channel
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
}

// Publish emits an event to all subscribers. A nil bus discards events.
func (b *Bus) Publish(ctx context.Context, event *Event) error {
	if b == nil {
		return nil
	}
	if b.closed.Load() {
		return fmt.Errorf("event bus is closed")
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- event:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Slow consumer, drop rather than stall a worker
		}
	}

	return nil
}

// Close shuts down the event bus
func (b *Bus) Close() error {
	b.closed.Store(true)

	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, ch)
	}

	return nil
}

// SubscriberCount returns the number of active subscribers
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Streamer forwards filtered bus events to a channel
type Streamer struct {
	bus    *Bus
	filter EventFilter
}

// NewStreamer creates a new event streamer with the given filter
func NewStreamer(bus *Bus, filter EventFilter) *Streamer {
	return &Streamer{
		bus:    bus,
		filter: filter,
	}
}

// Start begins streaming events to the returned channel. The channel is
// closed when ctx is cancelled or the bus is closed.
func (s *Streamer) Start(ctx context.Context) <-chan *Event {
	ch := s.bus.Subscribe("streamer")
	out := make(chan *Event, 256)

	go func() {
		defer close(out)

		for {
			select {
			case event, ok := <-ch:
				if !ok {
					return
				}
				if !s.filter.Matches(event) {
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					s.bus.Unsubscribe(ch)
					return
				}
			case <-ctx.Done():
				s.bus.Unsubscribe(ch)
				return
			}
		}
	}()

	return out
}

// Matches reports whether event passes the filter
func (f EventFilter) Matches(event *Event) bool {
	if len(f.Types) > 0 {
		typeMatch := false
		for _, t := range f.Types {
			if event.Type == t {
				typeMatch = true
				break
			}
		}
		if !typeMatch {
			return false
		}
	}

	if f.BuildID != "" && event.BuildID != f.BuildID {
		return false
	}
	if f.TaskID != "" && event.TaskID != f.TaskID {
		return false
	}
	if f.Since > 0 && event.Timestamp < f.Since {
		return false
	}

	return true
}

// FormatEvent formats an event for JSONL output
func FormatEvent(event *Event) ([]byte, error) {
	return json.Marshal(event)
}

// FormatEventCompact formats an event in a compact human-readable format
func FormatEventCompact(event *Event) string {
	return fmt.Sprintf("[%d] %s task=%s build=%s", event.Timestamp, event.Type, event.TaskID, event.BuildID)
}
