package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"graphql-client/internal/domain"
)

// DefaultMailboxSize is the per-subscriber buffer used when New is given a
// non-positive size.
const DefaultMailboxSize = 64

type envelope struct {
	ctx   context.Context
	event domain.Event
}

// subscriber owns a mailbox drained by a single goroutine, so each handler
// observes events in publish order.
type subscriber struct {
	id      uint64
	handler domain.EventHandler
	mailbox chan envelope
	done    chan struct{}
	once    sync.Once
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

// Bus is an in-process, goroutine-safe event bus. Publish never blocks: when a
// subscriber's mailbox is full the event is dropped for that subscriber and
// counted.
type Bus struct {
	mu          sync.RWMutex
	typed       map[domain.EventType][]*subscriber
	allSubs     []*subscriber
	nextID      atomic.Uint64
	dropped     atomic.Uint64
	mailboxSize int
	logger      *slog.Logger
	wg          sync.WaitGroup
	closed      atomic.Bool
}

// New creates an event bus.
func New(logger *slog.Logger, mailboxSize int) *Bus {
	if mailboxSize <= 0 {
		mailboxSize = DefaultMailboxSize
	}
	return &Bus{
		typed:       make(map[domain.EventType][]*subscriber),
		mailboxSize: mailboxSize,
		logger:      logger,
	}
}

// Publish fans out an event to matching typed subscribers and all-event subscribers.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed.Load() {
		return
	}
	for _, sub := range b.typed[event.Type] {
		b.enqueue(ctx, event, sub)
	}
	for _, sub := range b.allSubs {
		b.enqueue(ctx, event, sub)
	}
}

func (b *Bus) enqueue(ctx context.Context, event domain.Event, sub *subscriber) {
	select {
	case sub.mailbox <- envelope{ctx: ctx, event: event}:
	default:
		b.dropped.Add(1)
		b.logger.Warn("eventbus: dropped event for slow subscriber",
			"event", string(event.Type),
			"subscriber", sub.id,
		)
	}
}

// Dropped returns the number of events discarded because a mailbox was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

func (b *Bus) start(handler domain.EventHandler) *subscriber {
	sub := &subscriber{
		id:      b.nextID.Add(1),
		handler: handler,
		mailbox: make(chan envelope, b.mailboxSize),
		done:    make(chan struct{}),
	}
	b.wg.Add(1)
	go b.run(sub)
	return sub
}

func (b *Bus) run(sub *subscriber) {
	defer b.wg.Done()
	for {
		select {
		case env := <-sub.mailbox:
			b.deliver(sub, env)
		case <-sub.done:
			// Drain what was accepted before the stop.
			for {
				select {
				case env := <-sub.mailbox:
					b.deliver(sub, env)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(sub *subscriber, env envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(env.event.Type),
				"panic", r,
			)
		}
	}()
	sub.handler(env.ctx, env.event)
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		return func() {}
	}
	sub := b.start(handler)
	b.typed[eventType] = append(b.typed[eventType], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.typed[eventType]
		for i, s := range subs {
			if s.id == sub.id {
				b.typed[eventType] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		sub.stop()
	}
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		return func() {}
	}
	sub := b.start(handler)
	b.allSubs = append(b.allSubs, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.allSubs {
			if s.id == sub.id {
				b.allSubs = append(b.allSubs[:i], b.allSubs[i+1:]...)
				break
			}
		}
		sub.stop()
	}
}

// Close prevents new publishes and waits for every subscriber to drain its mailbox.
// Close is idempotent and safe to call multiple times.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed.Swap(true) {
		b.mu.Unlock()
		return
	}
	for _, subs := range b.typed {
		for _, s := range subs {
			s.stop()
		}
	}
	for _, s := range b.allSubs {
		s.stop()
	}
	b.mu.Unlock()
	b.wg.Wait()
}
