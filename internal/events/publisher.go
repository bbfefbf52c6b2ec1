package events

import (
	"sync"
)

// AllTasks is the wildcard subscription key: subscribers to it receive
// events for every task.
const AllTasks = "*"

// Publisher fans activity events out to in-process subscribers.
type Publisher interface {
	// Publish sends an event to subscribers of its task and to
	// wildcard subscribers. Never blocks.
	Publish(event ActivityEvent)
	// Subscribe returns a channel receiving events for the given task
	// ID, or for all tasks when id is AllTasks.
	Subscribe(taskID string) <-chan ActivityEvent
	// Unsubscribe removes and closes a subscription channel.
	Unsubscribe(taskID string, ch <-chan ActivityEvent)
	// Close shuts down the publisher and all subscriptions.
	Close()
}

// MemoryPublisher is the in-memory Publisher used by the server and
// dispatcher. Slow subscribers lose events rather than stalling the
// publisher: sends are non-blocking per channel.
type MemoryPublisher struct {
	mu          sync.RWMutex
	subscribers map[string][]chan ActivityEvent
	bufferSize  int
	closed      bool
}

// PublisherOption configures a MemoryPublisher.
type PublisherOption func(*MemoryPublisher)

// WithBufferSize sets the per-subscriber channel buffer.
func WithBufferSize(size int) PublisherOption {
	return func(p *MemoryPublisher) { p.bufferSize = size }
}

// NewMemoryPublisher creates an in-memory publisher.
func NewMemoryPublisher(opts ...PublisherOption) *MemoryPublisher {
	p := &MemoryPublisher{
		subscribers: make(map[string][]chan ActivityEvent),
		bufferSize:  100,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish delivers the event to task-specific and wildcard subscribers.
func (p *MemoryPublisher) Publish(event ActivityEvent) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return
	}

	for _, ch := range p.subscribers[event.TaskID] {
		select {
		case ch <- event:
		default:
			// Full buffer: drop for this subscriber.
		}
	}
	if event.TaskID != AllTasks {
		for _, ch := range p.subscribers[AllTasks] {
			select {
			case ch <- event:
			default:
			}
		}
	}
}

// Subscribe registers a channel for one task ID (or AllTasks).
func (p *MemoryPublisher) Subscribe(taskID string) <-chan ActivityEvent {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		ch := make(chan ActivityEvent)
		close(ch)
		return ch
	}

	ch := make(chan ActivityEvent, p.bufferSize)
	p.subscribers[taskID] = append(p.subscribers[taskID], ch)
	return ch
}

// Unsubscribe removes a subscription and closes its channel.
func (p *MemoryPublisher) Unsubscribe(taskID string, ch <-chan ActivityEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subs := p.subscribers[taskID]
	for i, sub := range subs {
		if sub == ch {
			p.subscribers[taskID] = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}
	if len(p.subscribers[taskID]) == 0 {
		delete(p.subscribers, taskID)
	}
}

// Close shuts down the publisher and closes every subscription.
func (p *MemoryPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	for taskID, subs := range p.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(p.subscribers, taskID)
	}
}

// SubscriberCount returns the subscriber count for one key.
func (p *MemoryPublisher) SubscriberCount(taskID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subscribers[taskID])
}

// NopPublisher discards all events; used when the activity feed is
// disabled and in tests.
type NopPublisher struct{}

// NewNopPublisher creates a no-op publisher.
func NewNopPublisher() *NopPublisher { return &NopPublisher{} }

// Publish does nothing.
func (p *NopPublisher) Publish(ActivityEvent) {}

// Subscribe returns a closed channel.
func (p *NopPublisher) Subscribe(string) <-chan ActivityEvent {
	ch := make(chan ActivityEvent)
	close(ch)
	return ch
}

// Unsubscribe does nothing.
func (p *NopPublisher) Unsubscribe(string, <-chan ActivityEvent) {}

// Close does nothing.
func (p *NopPublisher) Close() {}
