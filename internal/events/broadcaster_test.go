package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcasterSubscribeUnsubscribe(t *testing.T) {
	b := NewBroadcaster()

	ch1 := b.Subscribe()
	ch2 := b.Subscribe()
	require.Equal(t, 2, b.Count())

	b.Unsubscribe(ch1)
	assert.Equal(t, 1, b.Count())

	b.Unsubscribe(ch2)
	assert.Equal(t, 0, b.Count())

	// Second unsubscribe of the same channel must not panic on close.
	b.Unsubscribe(ch2)
}

func TestBroadcasterPublish(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.Publish(Event{Type: EventMove, From: "a.txt", Path: "sub/a.txt"})

	select {
	case received := <-ch:
		assert.Equal(t, EventMove, received.Type)
		assert.Equal(t, "sub/a.txt", received.Path)
		assert.Equal(t, "a.txt", received.From)
		assert.NotZero(t, received.Timestamp)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBroadcasterMultipleSubscribers(t *testing.T) {
	b := NewBroadcaster()
	ch1 := b.Subscribe()
	ch2 := b.Subscribe()
	defer b.Unsubscribe(ch1)
	defer b.Unsubscribe(ch2)

	b.Publish(Event{Type: EventDelete, Path: "shared.txt"})

	for i, ch := range []chan Event{ch1, ch2} {
		select {
		case received := <-ch:
			assert.Equal(t, "shared.txt", received.Path, "subscriber %d", i)
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
	}
}

func TestBroadcasterDropsForSlowConsumer(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	for i := 0; i < 100; i++ {
		b.Publish(Event{Type: EventDelete, Path: "overflow.txt"})
	}

	count := 0
	for {
		select {
		case <-ch:
			count++
			continue
		default:
		}
		break
	}
	assert.Equal(t, 64, count)
}

func TestBroadcasterClose(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()

	b.Close()
	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, b.Count())

	// Unsubscribe after Close is a no-op.
	b.Unsubscribe(ch)

	late := b.Subscribe()
	_, ok = <-late
	assert.False(t, ok)
	assert.Equal(t, 0, b.Count())
}

func TestMarshalEvent(t *testing.T) {
	data, err := MarshalEvent(Event{Type: EventDelete, Path: "deleted.txt", Timestamp: 1234567890})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "delete", decoded["type"])
	assert.NotContains(t, decoded, "from")
}
