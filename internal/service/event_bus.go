package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sandeepkv93/sso-session-core/internal/domain"
	"github.com/sandeepkv93/sso-session-core/internal/observability"
	"github.com/sandeepkv93/sso-session-core/internal/security"
)

type subscription struct {
	ch    chan domain.Event
	types map[domain.EventType]struct{}
}

func (s *subscription) wants(t domain.EventType) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// EventBus fans events out to channel subscribers. Publish never blocks: a
// subscriber whose buffer is full misses the event.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscription
	nextID uint64
	closed bool
	logger *slog.Logger
	now    func() time.Time
}

func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		subs:   make(map[uint64]*subscription),
		logger: logger.With("component", "event_bus"),
		now:    time.Now,
	}
}

// Subscribe returns a channel receiving events of the given types (all when
// none are given) and a cancel func that closes it.
func (b *EventBus) Subscribe(buffer int, types ...domain.EventType) (<-chan domain.Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	sub := &subscription{ch: make(chan domain.Event, buffer)}
	if len(types) > 0 {
		sub.types = make(map[domain.EventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.ch)
			}
			b.mu.Unlock()
		})
	}
}

func (b *EventBus) Publish(ctx context.Context, ev domain.Event) {
	if ev.ID == "" {
		ev.ID = security.NewEventID()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = b.now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.wants(ev.Type) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			observability.RecordEventDropped(ctx, string(ev.Type))
			b.logger.Debug("event dropped for slow subscriber", "event_type", ev.Type, "session_id", ev.SessionID)
		}
	}
}

func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel; later subscriptions are closed immediately.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}
