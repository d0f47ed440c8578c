// Package event is the in-process pub/sub backbone of a realm. Each realm
// owns one Bus; publication is ordered and delivery runs on a single
// dispatcher goroutine, so for a single user events are observed in the order
// their causing operations committed.
package event

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
)

// Handler consumes one event. Handlers run synchronously on the dispatcher
// goroutine; a slow handler delays everything behind it by design.
type Handler func(Event)

// delivery pairs an event with the handlers that were subscribed when it was
// published. Late subscribers never see earlier events.
type delivery struct {
	event    Event
	handlers []Handler
}

// Bus is a single-producer-queue, multi-subscriber dispatcher.
type Bus struct {
	realm  string
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[Type][]Handler
	all  []Handler

	closed atomic.Bool
	queue  chan delivery
	done   chan struct{}
	once   sync.Once
}

// NewBus creates a bus for the named realm and starts its dispatcher.
func NewBus(realm string, buffer int, logger *slog.Logger) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	b := &Bus{
		realm:  realm,
		logger: logger,
		subs:   make(map[Type][]Handler),
		queue:  make(chan delivery, buffer),
		done:   make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// Subscribe registers a handler for one event type. Subscriptions made after
// events were published only see later events.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[t] = append(b.subs[t], h)
}

// SubscribeAll registers a handler for every event type. Used by the audit
// mirror.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish enqueues an event. It blocks when the queue is full rather than
// dropping, preserving ordering guarantees. Publishing after Close is a no-op.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	e.Realm = b.realm

	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	handlers := append(append([]Handler(nil), b.subs[e.Type]...), b.all...)
	b.mu.RUnlock()

	// A handler may publish during the Close drain; sending on the closed
	// queue is then possible and tolerated rather than deadlocking.
	defer func() { _ = recover() }()
	b.queue <- delivery{event: e, handlers: handlers}
}

// Close stops the dispatcher after draining queued events and waits until
// the last handler has run.
func (b *Bus) Close() {
	b.once.Do(func() {
		b.closed.Store(true)
		close(b.queue)
		<-b.done
	})
}

func (b *Bus) dispatch() {
	for d := range b.queue {
		b.deliver(d)
	}
	close(b.done)
}

func (b *Bus) deliver(d delivery) {
	defer func() {
		if r := recover(); r != nil {
			sentry.CurrentHub().Recover(r)
			b.logger.Error("event_handler_panic", "realm", b.realm, "event_type", string(d.event.Type), "panic", r)
		}
	}()

	for _, h := range d.handlers {
		h(d.event)
	}
}
