package eventstream

import (
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const subscriberBuffer = 1024

// MemoryEventStream is an in-process EventStream for single-process agents
// and tests. Each subscriber gets its own buffered queue drained by its own
// goroutine, so publishers never block on a slow callback and per-subscriber
// FIFO order is preserved.
type MemoryEventStream struct {
	mu          sync.Mutex
	subscribers map[string][]*memorySubscriber
	closed      bool
}

type memorySubscriber struct {
	events   chan *EventMessage
	callback func(event *EventMessage) error
}

func NewMemoryEventStream() *MemoryEventStream {
	return &MemoryEventStream{
		subscribers: map[string][]*memorySubscriber{},
	}
}

// Publish holds the lock across the sends so Close cannot pull the
// subscriber channels out from under it. Drain goroutines never take the
// lock, so a slow subscriber backpressures publishers without deadlocking.
func (s *MemoryEventStream) Publish(channel string, events []*EventMessage) []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return []error{errors.New("publish on closed event stream")}
	}

	var errs []error
	for _, event := range events {
		for _, subscriber := range s.subscribers[channel] {
			subscriber.events <- event
		}
	}
	return errs
}

func (s *MemoryEventStream) Subscribe(channel string, callback func(event *EventMessage) error) error {
	subscriber := &memorySubscriber{
		events:   make(chan *EventMessage, subscriberBuffer),
		callback: callback,
	}

	s.mu.Lock()
	s.subscribers[channel] = append(s.subscribers[channel], subscriber)
	s.mu.Unlock()

	go func() {
		for event := range subscriber.events {
			if err := subscriber.callback(event); err != nil {
				log.Errorf("Error while processing event on channel %s: %s", channel, err)
			}
		}
	}()
	return nil
}

func (s *MemoryEventStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, subscribers := range s.subscribers {
		for _, subscriber := range subscribers {
			close(subscriber.events)
		}
	}
	s.subscribers = map[string][]*memorySubscriber{}
	return nil
}
