package telemetry

import (
	"context"
	"errors"
	"sync"

	"github.com/openfroyo/fleetplay/pkg/engine"
)

// ErrPublisherClosed is returned by Publish after Shutdown.
var ErrPublisherClosed = errors.New("event publisher closed")

// EventSubscriber handles a published event.
type EventSubscriber func(event engine.Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event *engine.Event) bool

// Publisher fans scheduler events out to subscribers. Events are queued and
// delivered in publish order on a single goroutine, so subscribers never run
// concurrently with each other. It implements engine.EventPublisher.
type Publisher struct {
	config EventsConfig

	// sendMu guards closed and the buffer against a concurrent Shutdown.
	sendMu sync.RWMutex
	closed bool
	buffer chan engine.Event

	mu          sync.RWMutex
	subscribers []subscriberEntry
	filters     []EventFilter

	done chan struct{}
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewPublisher creates a publisher and starts its delivery goroutine when
// enabled.
func NewPublisher(cfg EventsConfig) *Publisher {
	p := &Publisher{
		config: cfg,
		done:   make(chan struct{}),
	}
	if !cfg.Enabled {
		close(p.done)
		return p
	}

	size := cfg.BufferSize
	if size <= 0 {
		size = 1
	}
	p.buffer = make(chan engine.Event, size)
	go p.run()
	return p
}

// Publish queues a copy of the event. It blocks while the buffer is full
// until ctx is done.
func (p *Publisher) Publish(ctx context.Context, event *engine.Event) error {
	if !p.config.Enabled || event == nil {
		return nil
	}

	p.mu.RLock()
	for _, filter := range p.filters {
		if !filter(event) {
			p.mu.RUnlock()
			return nil
		}
	}
	p.mu.RUnlock()

	p.sendMu.RLock()
	defer p.sendMu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}

	select {
	case p.buffer <- *event:
		return nil
	default:
	}
	select {
	case p.buffer <- *event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers a subscriber with an optional filter.
func (p *Publisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.subscribers = append(p.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a filter applied to every published event.
func (p *Publisher) AddFilter(filter EventFilter) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.filters = append(p.filters, filter)
}

func (p *Publisher) run() {
	defer close(p.done)
	for event := range p.buffer {
		p.deliver(event)
	}
}

func (p *Publisher) deliver(event engine.Event) {
	p.mu.RLock()
	subscribers := p.subscribers
	p.mu.RUnlock()

	for _, entry := range subscribers {
		if entry.filter != nil && !entry.filter(&event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops accepting events and waits until the queued ones have been
// delivered.
func (p *Publisher) Shutdown(ctx context.Context) error {
	p.sendMu.Lock()
	if p.config.Enabled && !p.closed {
		p.closed = true
		close(p.buffer)
	}
	p.sendMu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return errors.New("event publisher shutdown timeout")
	}
}

var levelRank = map[string]int{
	"info":    0,
	"warning": 1,
	"error":   2,
}

// FilterByLevel allows events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	min := levelRank[minLevel]
	return func(event *engine.Event) bool {
		return levelRank[event.Level] >= min
	}
}

// FilterByType allows only the given event types.
func FilterByType(types ...engine.EventType) EventFilter {
	set := make(map[engine.EventType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return func(event *engine.Event) bool {
		return set[event.Type]
	}
}

// FilterByHost allows only events for one host.
func FilterByHost(host string) EventFilter {
	return func(event *engine.Event) bool {
		return event.Host == host
	}
}
