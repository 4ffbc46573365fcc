package storage

import (
	"context"
	"sync"
	"time"

	"tagsync/internal/dispatch"
)

// subIndex keeps subscriptions per tag in insertion order.
// It is not safe for concurrent use.
type subIndex struct {
	byTag map[string][]Subscription
}

func newSubIndex() *subIndex { return &subIndex{byTag: map[string][]Subscription{}} }

func (x *subIndex) add(s Subscription) bool {
	for _, cur := range x.byTag[s.Tag] {
		if cur.RegistrationID == s.RegistrationID {
			return false
		}
	}
	x.byTag[s.Tag] = append(x.byTag[s.Tag], s)
	return true
}

func (x *subIndex) remove(tag, id string) bool {
	list := x.byTag[tag]
	for i, cur := range list {
		if cur.RegistrationID != id {
			continue
		}
		list = append(list[:i:i], list[i+1:]...)
		if len(list) == 0 {
			delete(x.byTag, tag)
		} else {
			x.byTag[tag] = list
		}
		return true
	}
	return false
}

func (x *subIndex) ids(tag string) []string {
	list := x.byTag[tag]
	if len(list) == 0 {
		return nil
	}
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = s.RegistrationID
	}
	return out
}

func (x *subIndex) all() []Subscription {
	var out []Subscription
	for _, list := range x.byTag {
		out = append(out, list...)
	}
	return out
}

const memoryDeliveryCap = 1024

type memoryStore struct {
	mu         sync.Mutex
	closed     bool
	subs       *subIndex
	deliveries []DeliveryRecord
}

func newMemory() *memoryStore { return &memoryStore{subs: newSubIndex()} }

func (s *memoryStore) SubscribedRegistrationIDs(ctx context.Context, tag dispatch.Tag) ([]string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrDisabled
	}
	return s.subs.ids(tag.Name()), nil
}

func (s *memoryStore) Subscribe(ctx context.Context, tag dispatch.Tag, registrationID string) error {
	_ = ctx
	t, id, err := validSubscription(tag, registrationID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDisabled
	}
	s.subs.add(Subscription{Tag: t, RegistrationID: id, CreatedAt: time.Now()})
	return nil
}

func (s *memoryStore) Unsubscribe(ctx context.Context, tag dispatch.Tag, registrationID string) error {
	_ = ctx
	t, id, err := validSubscription(tag, registrationID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDisabled
	}
	s.subs.remove(t, id)
	return nil
}

func (s *memoryStore) AppendDelivery(ctx context.Context, rec DeliveryRecord) error {
	_ = ctx
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDisabled
	}
	if len(s.deliveries) >= memoryDeliveryCap {
		copy(s.deliveries, s.deliveries[1:])
		s.deliveries = s.deliveries[:len(s.deliveries)-1]
	}
	s.deliveries = append(s.deliveries, rec)
	return nil
}

// Deliveries returns the retained audit rows, oldest first.
func (s *memoryStore) Deliveries() []DeliveryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DeliveryRecord(nil), s.deliveries...)
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
