package pubsub

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/KeckObservatory/mKTL/logging"
	"github.com/KeckObservatory/mKTL/observability"
	"github.com/KeckObservatory/mKTL/wire"
)

// frameQueueSize bounds the per-topic dispatch queue. A registration
// whose callback can't keep up only blocks delivery for that one topic,
// per §4.7's "a slow callback can block that item's queue" rule; other
// topics are unaffected.
const frameQueueSize = 64

// Callback receives one broadcast's raw payload and bulk bytes.
// store.MirrorItem decodes and exposes these as (item, value, time).
type Callback func(payload, bulk []byte)

type registration struct {
	id uint64
	cb Callback
}

type subscription struct {
	prefix    string
	refcount  int
	queue     chan *wire.PublishFrame
	callbacks []registration
	stop      chan struct{}
}

// Subscriber is the SUB-equivalent side held by a client connection: one
// TCP connection to a daemon's publish socket, with reference-counted
// topic-prefix subscriptions and an unsubscribe closure per
// registration, generalized from an in-process dispatch bus to a
// wire-connected one.
type Subscriber struct {
	store  string
	conn   net.Conn
	logger logging.Logger

	mu      sync.Mutex
	subs    map[string]*subscription
	nextReg uint64
	closed  bool
}

// DialSubscriber connects to a daemon's publish socket at addr.
func DialSubscriber(store, addr string, logger logging.Logger) (*Subscriber, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	if logger == nil {
		logger = logging.Noop()
	}
	s := &Subscriber{
		store:  store,
		conn:   conn,
		logger: logger,
		subs:   make(map[string]*subscription),
	}
	go s.receiveLoop()
	return s, nil
}

func (s *Subscriber) receiveLoop() {
	for {
		parts, err := wire.ReadMultipart(s.conn)
		if err != nil {
			return
		}
		frame, err := wire.DecodePublishFrame(parts)
		if err != nil {
			s.logger.Warn("dropping_malformed_publish_frame", "error", err.Error())
			continue
		}

		s.mu.Lock()
		for _, sub := range s.subs {
			if wire.MatchesSubscription(frame.Topic, sub.prefix) {
				select {
				case sub.queue <- frame:
				default:
					s.logger.Warn("subscription_queue_full_dropping_broadcast", "prefix", sub.prefix)
				}
			}
		}
		s.mu.Unlock()
	}
}

func (s *Subscriber) dispatchLoop(sub *subscription, stop <-chan struct{}) {
	for {
		select {
		case frame := <-sub.queue:
			s.mu.Lock()
			callbacks := append([]registration(nil), sub.callbacks...)
			s.mu.Unlock()
			for _, r := range callbacks {
				r.cb(frame.Payload, frame.Bulk)
			}
		case <-stop:
			return
		}
	}
}

// Subscribe registers cb against topic prefix, subscribing the
// connection if this is the first registration for that prefix (refcount
// 0 → 1). Returns an unsubscribe function that decrements the refcount
// and tears down the subscription once it reaches zero, per §4.3's
// reference-counting rule.
func (s *Subscriber) Subscribe(prefix string, cb Callback) (unsubscribe func()) {
	s.mu.Lock()
	sub, ok := s.subs[prefix]
	if !ok {
		sub = &subscription{
			prefix: prefix,
			queue:  make(chan *wire.PublishFrame, frameQueueSize),
			stop:   make(chan struct{}),
		}
		s.subs[prefix] = sub
		go s.dispatchLoop(sub, sub.stop)
	}
	sub.refcount++
	id := atomic.AddUint64(&s.nextReg, 1)
	sub.callbacks = append(sub.callbacks, registration{id: id, cb: cb})
	count := len(s.subs)
	s.mu.Unlock()

	observability.SetSubscriptionsActive(s.store, count)

	var once sync.Once
	return func() {
		once.Do(func() { s.unsubscribe(prefix, id) })
	}
}

// BundleCallback receives one bundle broadcast already parsed into its
// per-item elements, per §4.3's "dispatch per-item callbacks after
// parsing all elements" rule — callers never see the raw JSON array.
type BundleCallback func(elements []wire.BundleElement)

// SubscribeBundle registers cb against a bundle topic
// (bundle:<store>.<prefix>.), decoding each broadcast's JSON array of
// per-item payloads before dispatch. A malformed bundle is logged and
// dropped rather than passed to cb.
func (s *Subscriber) SubscribeBundle(topic string, cb BundleCallback) (unsubscribe func()) {
	return s.Subscribe(topic, func(payload, bulk []byte) {
		elements, err := wire.DecodeBundle(payload)
		if err != nil {
			s.logger.Warn("dropping_malformed_bundle", "topic", topic, "error", err.Error())
			return
		}
		cb(elements)
	})
}

func (s *Subscriber) unsubscribe(prefix string, id uint64) {
	s.mu.Lock()
	sub, ok := s.subs[prefix]
	if !ok {
		s.mu.Unlock()
		return
	}
	for i, r := range sub.callbacks {
		if r.id == id {
			sub.callbacks = append(sub.callbacks[:i], sub.callbacks[i+1:]...)
			break
		}
	}
	sub.refcount--
	remove := sub.refcount <= 0
	if remove {
		delete(s.subs, prefix)
	}
	count := len(s.subs)
	s.mu.Unlock()

	if remove {
		close(sub.stop)
	}
	observability.SetSubscriptionsActive(s.store, count)
}

// Close closes the underlying connection and stops the dispatch
// goroutines of any remaining subscriptions; their unsubscribe
// functions become no-ops.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	s.closed = true
	subs := s.subs
	s.subs = make(map[string]*subscription)
	s.mu.Unlock()
	for _, sub := range subs {
		close(sub.stop)
	}
	return s.conn.Close()
}
