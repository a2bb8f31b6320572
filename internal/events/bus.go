// Package events is the in-process publish/subscribe bus that connects the
// monitor, the lifecycle manager and the outbound relays.
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"crypto-payment-service/internal/domain"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

var ErrBusClosed = errors.New("event bus closed")

// Filter selects the events a subscription receives. Nil accepts all.
type Filter func(domain.Event) bool

// Subscription is a single-consumer stream of events.
type Subscription struct {
	name   string
	filter Filter
	ch     chan domain.Event
	quit   chan struct{}

	mu       sync.RWMutex
	closed   bool
	quitOnce sync.Once
}

func (s *Subscription) Name() string { return s.name }

// Events is closed when the subscription or the bus is closed.
func (s *Subscription) Events() <-chan domain.Event { return s.ch }

func (s *Subscription) deliver(ctx context.Context, ev domain.Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}
	select {
	case s.ch <- ev:
		return nil
	case <-s.quit:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Subscription) close() {
	s.quitOnce.Do(func() { close(s.quit) })
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Bus fans each published event out to every matching subscription in
// publish order. A full subscription buffer applies backpressure to the
// publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool
	logger *zap.Logger
}

func NewBus(logger *zap.Logger) *Bus {
	return &Bus{subs: make(map[string]*Subscription), logger: logger}
}

// Subscribe registers a named subscription. Subscribing twice with the same
// name replaces the earlier subscription.
func (b *Bus) Subscribe(name string, buffer int, filter Filter) *Subscription {
	sub := &Subscription{
		name:   name,
		filter: filter,
		ch:     make(chan domain.Event, buffer),
		quit:   make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.close()
		return sub
	}
	if old, ok := b.subs[name]; ok {
		old.close()
	}
	b.subs[name] = sub
	return sub
}

func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	sub, ok := b.subs[name]
	delete(b.subs, name)
	b.mu.Unlock()
	if ok {
		sub.close()
	}
}

// Publish stamps ev with an id and timestamp when missing and hands it to
// every subscription.
func (b *Bus) Publish(ctx context.Context, ev domain.Event) error {
	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	targets := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.filter == nil || s.filter(ev) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		if err := s.deliver(ctx, ev); err != nil {
			b.logger.Warn("event delivery aborted",
				zap.String("subscription", s.name),
				zap.String("kind", string(ev.Kind)),
				zap.String("payment_id", ev.PaymentID),
				zap.Error(err))
			return err
		}
	}
	return nil
}

// Close closes every subscription; later publishes fail with ErrBusClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	subs := b.subs
	b.subs = make(map[string]*Subscription)
	b.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}

// ChainEvents accepts only monitor-raised events.
func ChainEvents(ev domain.Event) bool { return ev.Kind.IsChainEvent() }
