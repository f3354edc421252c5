// Package eventbus provides an in-memory publish/subscribe bus used as the
// orchestrator's telemetry sink. Delivery is asynchronous via a worker pool;
// TryPublish never blocks, so lifecycle progress is never gated on a slow or
// absent consumer.
package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is the contract between publishers and the bus.
type Event interface {
	Type() string
	Domain() string
	Payload() any
	Timestamp() time.Time
	CorrelationID() string
}

type SubscriptionID string

type EventHandler func(event Event) error

type EventFilter func(event Event) bool

type EventBus interface {
	Publish(event Event) error
	TryPublish(event Event) bool
	Subscribe(handler EventHandler, filters ...EventFilter) (SubscriptionID, error)
	Unsubscribe(id SubscriptionID) error
	Close() error
}

type InMemoryEventBus struct {
	mu          sync.RWMutex
	subscribers map[SubscriptionID]*subscription
	eventChan   chan Event
	workerCount int
	bufferSize  int
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	closed      bool
}

type subscription struct {
	id      SubscriptionID
	handler EventHandler
	filters []EventFilter
}

type config struct {
	bufferSize  int
	workerCount int
}

type Option func(*config)

func WithBufferSize(size int) Option {
	return func(c *config) {
		if size > 0 {
			c.bufferSize = size
		}
	}
}

func WithWorkerCount(count int) Option {
	return func(c *config) {
		if count > 0 {
			c.workerCount = count
		}
	}
}

func NewInMemoryEventBus(opts ...Option) *InMemoryEventBus {
	cfg := &config{
		bufferSize:  1000,
		workerCount: 4,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())

	bus := &InMemoryEventBus{
		subscribers: make(map[SubscriptionID]*subscription),
		eventChan:   make(chan Event, cfg.bufferSize),
		workerCount: cfg.workerCount,
		bufferSize:  cfg.bufferSize,
		ctx:         ctx,
		cancel:      cancel,
	}

	for i := 0; i < bus.workerCount; i++ {
		bus.wg.Add(1)
		go bus.worker()
	}

	return bus
}

func (b *InMemoryEventBus) Publish(event Event) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()

	if closed {
		return fmt.Errorf("eventbus is closed")
	}

	select {
	case b.eventChan <- event:
		return nil
	case <-b.ctx.Done():
		return fmt.Errorf("eventbus is closed")
	}
}

// TryPublish enqueues the event without blocking. A full buffer or a closed
// bus drops the event and returns false. This is the path lifecycle code
// uses: telemetry must never stall or fail a run.
func (b *InMemoryEventBus) TryPublish(event Event) bool {
	if event == nil {
		return false
	}

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()

	if closed {
		return false
	}

	select {
	case b.eventChan <- event:
		return true
	default:
		return false
	}
}

func (b *InMemoryEventBus) Subscribe(handler EventHandler, filters ...EventFilter) (SubscriptionID, error) {
	if handler == nil {
		return "", fmt.Errorf("handler cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", fmt.Errorf("eventbus is closed")
	}

	id := SubscriptionID(uuid.New().String())
	b.subscribers[id] = &subscription{
		id:      id,
		handler: handler,
		filters: filters,
	}

	return id, nil
}

func (b *InMemoryEventBus) Unsubscribe(id SubscriptionID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[id]; !exists {
		return fmt.Errorf("subscription %s not found", id)
	}

	delete(b.subscribers, id)
	return nil
}

func (b *InMemoryEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()

	close(b.eventChan)

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	<-done

	b.mu.Lock()
	b.subscribers = make(map[SubscriptionID]*subscription)
	b.mu.Unlock()

	return nil
}

func (b *InMemoryEventBus) worker() {
	defer b.wg.Done()

	for {
		select {
		case event, ok := <-b.eventChan:
			if !ok {
				return
			}
			b.dispatchEvent(event)
		case <-b.ctx.Done():
			// Drain whatever is already buffered, then exit.
			for {
				select {
				case event, ok := <-b.eventChan:
					if !ok {
						return
					}
					b.dispatchEvent(event)
				default:
					return
				}
			}
		}
	}
}

func (b *InMemoryEventBus) dispatchEvent(event Event) {
	if event == nil {
		return
	}
	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		if !matches(sub, event) {
			continue
		}
		// Handler errors are deliberately ignored: a failing consumer
		// must not affect other consumers or the publisher.
		func() {
			defer func() { _ = recover() }()
			_ = sub.handler(event)
		}()
	}
}

func matches(sub *subscription, event Event) bool {
	for _, f := range sub.filters {
		if !f(event) {
			return false
		}
	}
	return true
}

// FilterByType matches events whose Type equals any of the given types.
func FilterByType(types ...string) EventFilter {
	return func(event Event) bool {
		for _, t := range types {
			if event.Type() == t {
				return true
			}
		}
		return false
	}
}

// FilterByDomain matches events belonging to the given domain.
func FilterByDomain(domain string) EventFilter {
	return func(event Event) bool {
		return event.Domain() == domain
	}
}
