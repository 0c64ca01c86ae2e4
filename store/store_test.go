package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KeckObservatory/mKTL/pubsub"
	"github.com/KeckObservatory/mKTL/wire"
)

func valueOf(t *testing.T, v float64) *Value {
	t.Helper()
	p := &wire.Payload{}
	require.NoError(t, p.SetValue(v))
	return &Value{Payload: p}
}

func decodeFloat(t *testing.T, v *Value) float64 {
	t.Helper()
	var f float64
	require.NoError(t, v.Payload.DecodeValue(&f))
	return f
}

func TestItem_DefaultSetThenGet(t *testing.T) {
	s := NewStore("pie", nil, nil)
	it := s.AddItem("ANGLE", Handlers{}, 0)
	defer it.Close()

	require.NoError(t, it.Set(context.Background(), valueOf(t, 42.5)))

	got, err := it.Get(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 42.5, decodeFloat(t, got))
}

// Scenario 2 from spec §8: SET validation error.
func TestItem_ValidateRejectsSet(t *testing.T) {
	s := NewStore("pie", nil, nil)
	it := s.AddItem("ANGLE", Handlers{
		Validate: func(ctx context.Context, v *Value) error {
			var f float64
			if err := v.Payload.DecodeValue(&f); err == nil && (f < 0 || f > 360) {
				return &wire.ValueError{Text: "value out of range", Debug: "ANGLE must be 0-360"}
			}
			return nil
		},
	}, 0)
	defer it.Close()

	err := it.Set(context.Background(), valueOf(t, 999))
	require.Error(t, err)
	var valueErr *wire.ValueError
	require.ErrorAs(t, err, &valueErr)

	got, err := it.Get(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, got.Payload.Value) // the invalid set never took effect
}

func TestItem_ConcurrentRequestsAreSerialized(t *testing.T) {
	s := NewStore("pie", nil, nil)
	var active int32
	var maxActive int32
	it := s.AddItem("ANGLE", Handlers{
		Set: func(ctx context.Context, v *Value) error {
			active++
			if active > maxActive {
				maxActive = active
			}
			time.Sleep(5 * time.Millisecond)
			active--
			return nil
		},
	}, 0)
	defer it.Close()

	done := make(chan struct{}, 10)
	for i := 0; i < 10; i++ {
		go func(i int) {
			_ = it.Set(context.Background(), valueOf(t, float64(i)))
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 10; i++ {
		<-done
	}
	assert.Equal(t, int32(1), maxActive)
}

func TestItem_PollingPublishesOnChange(t *testing.T) {
	pub := pubsub.NewPublisher("pie", nil)
	addr, err := pub.Serve("127.0.0.1:0")
	require.NoError(t, err)
	defer pub.Close()

	sub, err := pubsub.DialSubscriber("pie", addr, nil)
	require.NoError(t, err)
	defer sub.Close()

	received := make(chan float64, 4)
	unsub := sub.Subscribe(wire.Topic("pie", "ANGLE"), func(payload, bulk []byte) {
		p, err := wire.DecodePayload(payload)
		if err != nil {
			return
		}
		var f float64
		if p.DecodeValue(&f) == nil {
			received <- f
		}
	})
	defer unsub()
	time.Sleep(20 * time.Millisecond)

	s := NewStore("pie", pub, nil)
	counter := 0.0
	it := s.AddItem("ANGLE", Handlers{
		Refresh: func(ctx context.Context) (*Value, error) {
			counter++
			return valueOf(t, counter), nil
		},
	}, 15*time.Millisecond)
	defer it.Close()

	select {
	case v := <-received:
		assert.Equal(t, 1.0, v)
	case <-time.After(time.Second):
		t.Fatal("polling never published a value")
	}
}

// Scenario 6 style: mirror item callback fires with the right value and time.
func TestMirrorItem_CallbackFiresOnBroadcast(t *testing.T) {
	pub := pubsub.NewPublisher("metal", nil)
	addr, err := pub.Serve("127.0.0.1:0")
	require.NoError(t, err)
	defer pub.Close()

	sub, err := pubsub.DialSubscriber("metal", addr, nil)
	require.NoError(t, err)
	defer sub.Close()

	mi := NewMirrorItem("metal", "GOLD", sub)
	fired := make(chan struct{})
	var gotValue float64
	var gotTime float64
	unsub := mi.AddCallback(func(item *MirrorItem, value, bulk []byte, timestamp *float64) {
		_ = item.Key()
		var v float64
		if err := json.Unmarshal(value, &v); err == nil {
			gotValue = v
		}
		if timestamp != nil {
			gotTime = *timestamp
		}
		close(fired)
	})
	defer unsub()
	time.Sleep(20 * time.Millisecond)

	p := &wire.Payload{}
	require.NoError(t, p.SetValue(2450.17))
	tm := 1725000000.0
	p.Time = &tm
	payload, err := wire.EncodePayload(p)
	require.NoError(t, err)

	pub.Publish(&wire.PublishFrame{Topic: wire.Topic("metal", "GOLD"), Payload: payload})

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("mirror callback never fired")
	}
	assert.Equal(t, 2450.17, gotValue)
	assert.Equal(t, 1725000000.0, gotTime)

	value, timestamp := mi.Value()
	require.NotNil(t, timestamp)
	assert.Equal(t, 1725000000.0, *timestamp)
	var v float64
	require.NoError(t, json.Unmarshal(value, &v))
	assert.Equal(t, 2450.17, v)
}

// A bulk item's transitions publish exclusively under bulk:<store>.<KEY>.
// (see Store.publish), never also under the plain topic, so a mirror
// must be listening on both to guarantee it never misses one.
func TestMirrorItem_CallbackFiresOnBulkBroadcast(t *testing.T) {
	pub := pubsub.NewPublisher("cam", nil)
	addr, err := pub.Serve("127.0.0.1:0")
	require.NoError(t, err)
	defer pub.Close()

	sub, err := pubsub.DialSubscriber("cam", addr, nil)
	require.NoError(t, err)
	defer sub.Close()

	mi := NewMirrorItem("cam", "IMAGE", sub)
	fired := make(chan struct{})
	var gotBulk []byte
	unsub := mi.AddCallback(func(item *MirrorItem, value, bulk []byte, timestamp *float64) {
		gotBulk = bulk
		close(fired)
	})
	defer unsub()
	time.Sleep(20 * time.Millisecond)

	pub.Publish(&wire.PublishFrame{
		Topic:   wire.BulkTopic("cam", "IMAGE"),
		Payload: []byte(`{"shape":[2,2],"dtype":"uint16"}`),
		Bulk:    []byte{1, 2, 3, 4},
	})

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("mirror callback never fired for a bulk-topic broadcast")
	}
	assert.Equal(t, []byte{1, 2, 3, 4}, gotBulk)
}

// Store.PublishBundle emits every named item's cached value as one JSON
// array sharing an id; a key with no cached value yet is omitted.
func TestStore_PublishBundleEmitsSharedId(t *testing.T) {
	pub := pubsub.NewPublisher("tel", nil)
	addr, err := pub.Serve("127.0.0.1:0")
	require.NoError(t, err)
	defer pub.Close()

	sub, err := pubsub.DialSubscriber("tel", addr, nil)
	require.NoError(t, err)
	defer sub.Close()

	s := NewStore("tel", pub, nil)
	az := s.AddItem("AZ", Handlers{}, 0)
	el := s.AddItem("EL", Handlers{}, 0)
	defer az.Close()
	defer el.Close()
	require.NoError(t, az.Set(context.Background(), valueOf(t, 180.0)))
	require.NoError(t, el.Set(context.Background(), valueOf(t, 45.0)))
	// ROT has no cached value and must not appear in the bundle.
	rot := s.AddItem("ROT", Handlers{}, 0)
	defer rot.Close()

	received := make(chan []wire.BundleElement, 1)
	unsub := sub.SubscribeBundle(wire.BundleTopic("tel", "POINTING"), func(elements []wire.BundleElement) {
		received <- elements
	})
	defer unsub()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, s.PublishBundle("POINTING", "AZ", "EL", "ROT"))

	select {
	case elements := <-received:
		require.Len(t, elements, 2)
		byKey := map[string]wire.BundleElement{}
		for _, e := range elements {
			byKey[e.Key] = e
		}
		az, ok := byKey["AZ"]
		require.True(t, ok)
		el, ok := byKey["EL"]
		require.True(t, ok)
		assert.Equal(t, az.Id, el.Id)
		assert.NotEmpty(t, az.Id)
	case <-time.After(time.Second):
		t.Fatal("bundle broadcast never arrived")
	}
}
