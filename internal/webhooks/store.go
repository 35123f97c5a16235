package webhooks

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a webhook subscription is not found.
var ErrNotFound = errors.New("webhook subscription not found")

// Store persists subscriptions and delivery attempts.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	List(ctx context.Context) ([]*Subscription, error)
	ListByEvent(ctx context.Context, eventType string) ([]*Subscription, error)
	Delete(ctx context.Context, id uuid.UUID) error
	RecordDelivery(ctx context.Context, d *Delivery) error
	// Deliveries returns the newest attempts for a subscription first.
	Deliveries(ctx context.Context, subID uuid.UUID, limit int) ([]*Delivery, error)
}

// Memory is an in-process Store.
type Memory struct {
	mu         sync.RWMutex
	subs       map[uuid.UUID]*Subscription
	deliveries map[uuid.UUID][]*Delivery
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		subs:       make(map[uuid.UUID]*Subscription),
		deliveries: make(map[uuid.UUID][]*Delivery),
	}
}

func (m *Memory) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	cp.Events = append([]string(nil), sub.Events...)
	m.subs[sub.ID] = &cp
	return nil
}

func (m *Memory) List(_ context.Context) ([]*Subscription, error) {
	return m.filter(func(*Subscription) bool { return true }), nil
}

func (m *Memory) ListByEvent(_ context.Context, eventType string) ([]*Subscription, error) {
	return m.filter(func(s *Subscription) bool { return s.Wants(eventType) }), nil
}

func (m *Memory) filter(keep func(*Subscription) bool) []*Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Subscription
	for _, s := range m.subs {
		if keep(s) {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *Memory) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	delete(m.deliveries, id)
	return nil
}

func (m *Memory) RecordDelivery(_ context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[d.SubscriptionID]; !ok {
		// Subscription deleted while a delivery was in flight.
		return nil
	}
	cp := *d
	m.deliveries[d.SubscriptionID] = append(m.deliveries[d.SubscriptionID], &cp)
	return nil
}

func (m *Memory) Deliveries(_ context.Context, subID uuid.UUID, limit int) ([]*Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.subs[subID]; !ok {
		return nil, ErrNotFound
	}
	all := m.deliveries[subID]
	var out []*Delivery
	for i := len(all) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		cp := *all[i]
		out = append(out, &cp)
	}
	return out, nil
}
