package store

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/KeckObservatory/mKTL/logging"
	"github.com/KeckObservatory/mKTL/pubsub"
	"github.com/KeckObservatory/mKTL/wire"
)

// Store holds one daemon's authoritative items for a named store and
// the publisher used to broadcast their value transitions, per §4.7.
type Store struct {
	name      string
	logger    logging.Logger
	publisher *pubsub.Publisher

	mu    sync.RWMutex
	items map[string]*Item
}

// NewStore creates a store bound to publisher (nil is allowed for
// stores under test that never broadcast).
func NewStore(name string, publisher *pubsub.Publisher, logger logging.Logger) *Store {
	if logger == nil {
		logger = logging.Noop()
	}
	return &Store{
		name:      name,
		logger:    logger,
		publisher: publisher,
		items:     make(map[string]*Item),
	}
}

// Name returns the store's name.
func (s *Store) Name() string { return s.name }

// AddItem creates and registers an authoritative item for key, wiring
// the given handlers and polling interval.
func (s *Store) AddItem(key string, handlers Handlers, pollingInterval time.Duration) *Item {
	it := newItem(key, s, handlers, pollingInterval)
	s.mu.Lock()
	s.items[key] = it
	s.mu.Unlock()
	return it
}

// Item looks up a registered item by key.
func (s *Store) Item(key string) (*Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[key]
	return it, ok
}

// Keys returns every registered item key.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	return keys
}

func (s *Store) publish(key string, v *Value) {
	if s.publisher == nil {
		return
	}
	payload, err := wire.EncodePayload(v.Payload)
	if err != nil {
		s.logger.Warn("encode_publish_payload_failed", "key", key, "error", err.Error())
		return
	}
	topic := wire.Topic(s.name, key)
	if v.Payload.IsBulkDescriptor() {
		topic = wire.BulkTopic(s.name, key)
	}
	s.publisher.Publish(&wire.PublishFrame{Topic: topic, Payload: payload, Bulk: v.Bulk})
}

// PublishBundle emits an atomic broadcast on bundle:<name>.<prefix>.
// carrying every named item's current cached value in one JSON array
// sharing a freshly generated id, per §4.3's bundle semantics: "several
// related items sharing one id." A key with no cached value yet (never
// refreshed or set) is omitted rather than sent with a placeholder.
func (s *Store) PublishBundle(prefix string, keys ...string) error {
	if s.publisher == nil {
		return nil
	}
	id := uuid.NewString()
	elements := make([]wire.BundleElement, 0, len(keys))
	for _, key := range keys {
		it, ok := s.Item(key)
		if !ok {
			continue
		}
		v, ok := it.Peek()
		if !ok {
			continue
		}
		elements = append(elements, wire.BundleElement{
			Key:   key,
			Id:    id,
			Value: v.Payload.Value,
			Time:  v.Payload.Time,
		})
	}

	payload, err := wire.EncodeBundle(elements)
	if err != nil {
		return err
	}
	s.publisher.Publish(&wire.PublishFrame{Topic: wire.BundleTopic(s.name, prefix), Payload: payload})
	return nil
}

// Close stops every item's worker/poll goroutines.
func (s *Store) Close() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, it := range s.items {
		it.Close()
	}
}

