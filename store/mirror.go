package store

import (
	"sync"

	"github.com/KeckObservatory/mKTL/pubsub"
	"github.com/KeckObservatory/mKTL/wire"
)

// Callback is a client-side value-transition observer, per §4.7:
// "a callback is a function (item, value, time) -> void". item is the
// MirrorItem itself, so a callback can read other cached fields
// (Shape/Dtype for a bulk item) alongside the new value.
type Callback func(item *MirrorItem, value, bulk []byte, timestamp *float64)

// MirrorItem is a client-side cached view of a remote authoritative
// item: a last-known value/timestamp plus a list of callbacks that fire
// in registration order on every broadcast, per §4.7. Its reference
// counting and sequential, in-order dispatch are provided directly by
// pubsub.Subscriber — MirrorItem only adds the cached-value bookkeeping
// and the (item, value, time) callback signature on top.
type MirrorItem struct {
	store     string
	key       string
	topic     string
	bulkTopic string
	sub       *pubsub.Subscriber

	mu        sync.RWMutex
	payload   *wire.Payload
	lastBulk  []byte
	callbacks int
}

// NewMirrorItem creates a mirror item bound to a subscriber connection.
// It does not subscribe until the first AddCallback call, mirroring
// §4.7's "registration implicitly subscribes".
func NewMirrorItem(storeName, key string, sub *pubsub.Subscriber) *MirrorItem {
	return &MirrorItem{
		store:     storeName,
		key:       key,
		topic:     wire.Topic(storeName, key),
		bulkTopic: wire.BulkTopic(storeName, key),
		sub:       sub,
		payload:   &wire.Payload{},
	}
}

// Key returns the item's key.
func (m *MirrorItem) Key() string { return m.key }

// Subscriber returns the underlying pubsub connection, for callers that
// need to open an additional subscription scoped to the same daemon
// connection (e.g. client.Client.SubscribeBundle).
func (m *MirrorItem) Subscriber() *pubsub.Subscriber { return m.sub }

// Value returns the last cached payload value and timestamp.
func (m *MirrorItem) Value() (value []byte, timestamp *float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.payload.Value, m.payload.Time
}

// AddCallback registers cb and subscribes the underlying topic if this
// is the first registration, per §4.7/§4.3. A broadcast for a given
// item transition lands on exactly one of the plain or bulk: topics
// (Store.publish picks one per transition, never both), so AddCallback
// subscribes to both — cheaply, since an item whose transitions are
// never bulk simply never sees traffic on the bulk: subscription — and
// dispatches cb the same way regardless of which topic delivered it.
// The returned function unsubscribes both underlying subscriptions.
func (m *MirrorItem) AddCallback(cb Callback) (unsubscribe func()) {
	m.mu.Lock()
	m.callbacks++
	m.mu.Unlock()

	deliver := func(payload, bulk []byte) {
		p, err := wire.DecodePayload(payload)
		if err != nil {
			return // malformed broadcast; nothing to update or report
		}

		m.mu.Lock()
		m.payload = p
		m.lastBulk = bulk
		m.mu.Unlock()

		cb(m, p.Value, bulk, p.Time)
	}

	unsubPlain := m.sub.Subscribe(m.topic, deliver)
	unsubBulk := m.sub.Subscribe(m.bulkTopic, deliver)

	return func() {
		unsubPlain()
		unsubBulk()
	}
}

// ApplyGetReply updates the cache from an explicit GET reply, for
// callers that want a fresh value rather than waiting on the next
// broadcast. client.Client calls this after a GET round trip, since
// MirrorItem itself holds no request connection.
func (m *MirrorItem) ApplyGetReply(p *wire.Payload, bulk []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payload = p
	m.lastBulk = bulk
}
