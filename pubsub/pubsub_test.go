package pubsub

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KeckObservatory/mKTL/wire"
)

func connectedPair(t *testing.T) (*Publisher, *Subscriber) {
	t.Helper()
	pub := NewPublisher("metal", nil)
	addr, err := pub.Serve("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { pub.Close() })

	sub, err := DialSubscriber("metal", addr, nil)
	require.NoError(t, err)
	t.Cleanup(func() { sub.Close() })

	return pub, sub
}

// Scenario 6 from spec §8: subscribe + update.
func TestSubscribeAndUpdate(t *testing.T) {
	pub, sub := connectedPair(t)

	var mu sync.Mutex
	var gotPayload []byte
	received := make(chan struct{})

	unsubscribe := sub.Subscribe(wire.Topic("metal", "GOLD"), func(payload, bulk []byte) {
		mu.Lock()
		gotPayload = payload
		mu.Unlock()
		close(received)
	})
	defer unsubscribe()

	// give the subscription time to register before the publish races it
	time.Sleep(20 * time.Millisecond)

	p := &wire.Payload{}
	require.NoError(t, p.SetValue(2450.17))
	tm := 1725000000.0
	p.Time = &tm
	payload, err := wire.EncodePayload(p)
	require.NoError(t, err)

	pub.Publish(&wire.PublishFrame{Topic: wire.Topic("metal", "GOLD"), Payload: payload})

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	decoded, err := wire.DecodePayload(gotPayload)
	require.NoError(t, err)
	var v float64
	require.NoError(t, decoded.DecodeValue(&v))
	assert.Equal(t, 2450.17, v)
}

// A subscription to "metal.GOLD." must not receive a broadcast on
// "metal.GOLDX." — the trailing dot prevents prefix aliasing.
func TestSubscribe_NoPrefixAliasing(t *testing.T) {
	pub, sub := connectedPair(t)

	fired := make(chan struct{}, 1)
	unsubscribe := sub.Subscribe(wire.Topic("metal", "GOLD"), func(payload, bulk []byte) {
		fired <- struct{}{}
	})
	defer unsubscribe()
	time.Sleep(20 * time.Millisecond)

	pub.Publish(&wire.PublishFrame{Topic: wire.Topic("metal", "GOLDX"), Payload: []byte("{}")})

	select {
	case <-fired:
		t.Fatal("callback fired for a non-matching topic")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribe_MultipleCallbacksRunSequentially(t *testing.T) {
	pub, sub := connectedPair(t)

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})

	topic := wire.Topic("metal", "GOLD")
	u1 := sub.Subscribe(topic, func(payload, bulk []byte) {
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
	})
	u2 := sub.Subscribe(topic, func(payload, bulk []byte) {
		mu.Lock()
		order = append(order, 2)
		done <- struct{}{}
		mu.Unlock()
	})
	defer u1()
	defer u2()
	time.Sleep(20 * time.Millisecond)

	pub.Publish(&wire.PublishFrame{Topic: topic, Payload: []byte("{}")})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second callback never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2}, order)
}

func TestUnsubscribe_RefcountReleasesOnLastCaller(t *testing.T) {
	pub, sub := connectedPair(t)
	_ = pub

	topic := wire.Topic("metal", "GOLD")
	u1 := sub.Subscribe(topic, func(payload, bulk []byte) {})
	u2 := sub.Subscribe(topic, func(payload, bulk []byte) {})

	sub.mu.Lock()
	assert.Equal(t, 2, sub.subs[topic].refcount)
	sub.mu.Unlock()

	u1()
	sub.mu.Lock()
	assert.Equal(t, 1, sub.subs[topic].refcount)
	sub.mu.Unlock()

	u2()
	sub.mu.Lock()
	_, stillPresent := sub.subs[topic]
	sub.mu.Unlock()
	assert.False(t, stillPresent)
}

func TestBulkTopic_IsDistinctSubscription(t *testing.T) {
	pub, sub := connectedPair(t)

	plainFired := make(chan struct{}, 1)
	bulkFired := make(chan struct{}, 1)
	u1 := sub.Subscribe(wire.Topic("cam", "IMAGE"), func(payload, bulk []byte) { plainFired <- struct{}{} })
	u2 := sub.Subscribe(wire.BulkTopic("cam", "IMAGE"), func(payload, bulk []byte) { bulkFired <- struct{}{} })
	defer u1()
	defer u2()
	time.Sleep(20 * time.Millisecond)

	pub.Publish(&wire.PublishFrame{
		Topic:   wire.BulkTopic("cam", "IMAGE"),
		Payload: []byte(`{"shape":[2,2],"dtype":"uint16"}`),
		Bulk:    []byte{1, 2, 3, 4},
	})

	select {
	case <-bulkFired:
	case <-time.After(time.Second):
		t.Fatal("bulk subscription never fired")
	}
	select {
	case <-plainFired:
		t.Fatal("plain subscription should not receive the bulk-topic broadcast")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeBundle_DecodesElements(t *testing.T) {
	pub, sub := connectedPair(t)

	received := make(chan []wire.BundleElement, 1)
	unsub := sub.SubscribeBundle(wire.BundleTopic("metal", "ALLOY"), func(elements []wire.BundleElement) {
		received <- elements
	})
	defer unsub()
	time.Sleep(20 * time.Millisecond)

	raw, err := wire.EncodeBundle([]wire.BundleElement{
		{Key: "GOLD", Id: "abc", Value: []byte("1.5")},
		{Key: "SILVER", Id: "abc", Value: []byte("2.5")},
	})
	require.NoError(t, err)

	pub.Publish(&wire.PublishFrame{Topic: wire.BundleTopic("metal", "ALLOY"), Payload: raw})

	select {
	case elements := <-received:
		require.Len(t, elements, 2)
		assert.Equal(t, "abc", elements[0].Id)
		assert.Equal(t, "abc", elements[1].Id)
	case <-time.After(time.Second):
		t.Fatal("bundle callback never fired")
	}
}

func TestSubscribeBundle_DropsMalformedPayload(t *testing.T) {
	pub, sub := connectedPair(t)

	fired := make(chan struct{}, 1)
	unsub := sub.SubscribeBundle(wire.BundleTopic("metal", "ALLOY"), func(elements []wire.BundleElement) {
		fired <- struct{}{}
	})
	defer unsub()
	time.Sleep(20 * time.Millisecond)

	pub.Publish(&wire.PublishFrame{Topic: wire.BundleTopic("metal", "ALLOY"), Payload: []byte("not json")})

	select {
	case <-fired:
		t.Fatal("callback should not fire for a malformed bundle payload")
	case <-time.After(100 * time.Millisecond):
	}
}
