// Package store implements the item/store runtime from spec §4.7:
// authoritative items living in a daemon, a per-item serialized handler
// queue, polling, and mirror items living in a client that cache a
// value and fan out to registered callbacks.
package store

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/KeckObservatory/mKTL/wire"
)

// Value pairs a decoded Payload with its out-of-band bulk buffer, per
// §4.1's "payload plus bulk" frame shape. Handlers operate on this
// instead of a bare *wire.Payload so a bulk item's raw buffer never has
// to be smuggled through the JSON-only Payload.Value field.
type Value struct {
	Payload *wire.Payload
	Bulk    []byte
}

// Handlers are the three polymorphic operations an authoritative item
// exposes, per §4.7: Refresh returns the current value (a hardware
// read, a cache hit, whatever the owner wants), Validate checks a
// candidate SET value without side effects, and Set applies it. A nil
// field falls back to the item's built-in caching default.
type Handlers struct {
	Refresh  func(ctx context.Context) (*Value, error)
	Validate func(ctx context.Context, v *Value) error
	Set      func(ctx context.Context, v *Value) error
}

// job is one unit of serialized work submitted to an item's queue.
type job func()

const itemQueueSize = 32

// Item is an authoritative item living in a daemon: it owns the current
// value, an optional polling interval, and a single-goroutine worker
// that serializes every GET/SET against it, one handler queue per key.
type Item struct {
	key      string
	store    *Store
	handlers Handlers

	pollingInterval time.Duration
	pollStop        chan struct{}

	jobs chan job

	mu       sync.Mutex
	value    *Value
	hasValue bool
}

func newItem(key string, s *Store, handlers Handlers, pollingInterval time.Duration) *Item {
	it := &Item{
		key:             key,
		store:           s,
		handlers:        handlers,
		pollingInterval: pollingInterval,
		jobs:            make(chan job, itemQueueSize),
		value:           &Value{Payload: &wire.Payload{}},
	}
	go it.worker()
	if pollingInterval > 0 {
		it.pollStop = make(chan struct{})
		go it.pollLoop()
	}
	return it
}

func (it *Item) worker() {
	for j := range it.jobs {
		j()
	}
}

// submit enqueues fn and blocks until it has run, preserving per-item
// serialization while letting different items run concurrently.
func (it *Item) submit(fn func()) {
	done := make(chan struct{})
	it.jobs <- func() {
		fn()
		close(done)
	}
	<-done
}

func (it *Item) defaultRefresh(ctx context.Context) (*Value, error) {
	it.mu.Lock()
	defer it.mu.Unlock()
	cached := *it.value
	p := *it.value.Payload
	cached.Payload = &p
	return &cached, nil
}

func (it *Item) defaultValidate(ctx context.Context, v *Value) error {
	return nil
}

func (it *Item) defaultSet(ctx context.Context, v *Value) error {
	it.publishTransition(v)
	return nil
}

// Get returns the item's value, per §4.2's "if refresh is true or no
// cached value exists, invoke the item's refresh handler; otherwise
// return the cached payload directly". A custom Refresh handler's
// result is cached too, so a later non-refreshing Get can be served
// from it without re-invoking the handler.
func (it *Item) Get(ctx context.Context, refresh bool) (*Value, error) {
	if !refresh {
		it.mu.Lock()
		ok := it.hasValue
		var v *Value
		if ok {
			p := *it.value.Payload
			v = &Value{Payload: &p, Bulk: it.value.Bulk}
		}
		it.mu.Unlock()
		if ok {
			return v, nil
		}
	}

	var result *Value
	var err error
	it.submit(func() {
		refreshFn := it.handlers.Refresh
		if refreshFn == nil {
			refreshFn = it.defaultRefresh
		}
		result, err = refreshFn(ctx)
		if err == nil {
			it.cacheValue(result)
		}
	})
	return result, err
}

// Peek returns the item's current cached value, if any, without
// triggering a refresh handler. Store.PublishBundle uses this to read
// several items' values for one atomic broadcast without routing
// through each item's serialized queue.
func (it *Item) Peek() (*Value, bool) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if !it.hasValue {
		return nil, false
	}
	p := *it.value.Payload
	return &Value{Payload: &p, Bulk: it.value.Bulk}, true
}

// cacheValue records v as the item's cached value without publishing a
// broadcast, used after any Refresh (custom or default) runs so a
// later non-refreshing Get is served from cache instead of
// re-invoking the handler.
func (it *Item) cacheValue(v *Value) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.value = v
	it.hasValue = true
}

// Set validates then applies v on the item's serialized queue, per
// §4.7's "set calls validate before acceptance" rule.
func (it *Item) Set(ctx context.Context, v *Value) error {
	var err error
	it.submit(func() {
		validate := it.handlers.Validate
		if validate == nil {
			validate = it.defaultValidate
		}
		if verr := validate(ctx, v); verr != nil {
			err = verr
			return
		}

		set := it.handlers.Set
		if set == nil {
			set = it.defaultSet
		}
		err = set(ctx, v)
	})
	return err
}

// publishTransition updates the cached value and, if it differs from
// what was cached before, broadcasts it — used by the default Set
// handler and by polling, so both paths go through one "value
// transition" definition per §4.7.
func (it *Item) publishTransition(v *Value) {
	it.mu.Lock()
	changed := !it.hasValue || !bytes.Equal(it.value.Payload.Value, v.Payload.Value) || !bytes.Equal(it.value.Bulk, v.Bulk)
	it.value = v
	it.hasValue = true
	it.mu.Unlock()

	if changed {
		it.store.publish(it.key, v)
	}
}

func (it *Item) pollLoop() {
	ticker := time.NewTicker(it.pollingInterval)
	defer ticker.Stop()
	ctx := context.Background()
	for {
		select {
		case <-ticker.C:
			it.submit(func() {
				refresh := it.handlers.Refresh
				if refresh == nil {
					refresh = it.defaultRefresh
				}
				v, err := refresh(ctx)
				if err != nil {
					it.store.logger.Warn("poll_refresh_failed", "key", it.key, "error", err.Error())
					return
				}
				it.publishTransition(v)
			})
		case <-it.pollStop:
			return
		}
	}
}

// Close stops the item's worker and poll loop.
func (it *Item) Close() {
	if it.pollStop != nil {
		close(it.pollStop)
	}
	close(it.jobs)
}

// Key returns the item's key within its store.
func (it *Item) Key() string { return it.key }
