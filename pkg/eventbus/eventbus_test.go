package eventbus

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_MultipleSubscribers(t *testing.T) {
	b := New(nil)
	var got []string

	b.Subscribe("evt", func(v any) { got = append(got, "a:"+v.(string)) })
	b.Subscribe("evt", func(v any) { got = append(got, "b:"+v.(string)) })
	b.Publish("evt", "x")

	sort.Strings(got)
	assert.Equal(t, []string{"a:x", "b:x"}, got)
	assert.Equal(t, 2, b.ListenerCount("evt"))
}

func TestBus_PanickingListenerIsolated(t *testing.T) {
	b := New(nil)
	calls := 0

	b.Subscribe("evt", func(any) { calls++ })
	b.Subscribe("evt", func(any) { panic("boom") })
	b.Subscribe("evt", func(any) { calls++ })

	require.NotPanics(t, func() { b.Publish("evt", nil) })
	assert.Equal(t, 2, calls)
}

func TestBus_OnceFiresAtMostOnceEvenWhenPanicking(t *testing.T) {
	b := New(nil)
	calls := 0

	b.Once("evt", func(any) {
		calls++
		panic("first call fails")
	})

	b.Publish("evt", nil)
	b.Publish("evt", nil)
	b.Publish("evt", nil)

	assert.Equal(t, 1, calls)
	assert.False(t, b.HasListeners("evt"))
}

func TestBus_UnsubscribeIsIdempotent(t *testing.T) {
	b := New(nil)
	calls := 0

	unsub := b.Subscribe("evt", func(any) { calls++ })
	other := b.Subscribe("evt", func(any) {})
	unsub()
	unsub()

	b.Publish("evt", nil)
	assert.Equal(t, 0, calls)
	assert.Equal(t, 1, b.ListenerCount("evt"))

	other()
	assert.False(t, b.HasListeners("evt"))
	assert.Empty(t, b.Events())
}

func TestBus_LateSubscriberMissesInFlightEvent(t *testing.T) {
	b := New(nil)
	late := 0

	b.Subscribe("evt", func(any) {
		b.Subscribe("evt", func(any) { late++ })
	})

	b.Publish("evt", nil)
	assert.Equal(t, 0, late)

	b.Publish("evt", nil)
	assert.Equal(t, 1, late)
}

func TestBus_Clear(t *testing.T) {
	b := New(nil)
	b.Subscribe("a", func(any) {})
	b.Subscribe("b", func(any) {})
	require.Len(t, b.Events(), 2)

	b.Clear()
	assert.Empty(t, b.Events())
	assert.False(t, b.HasListeners("a"))
}

func TestTypedTopics(t *testing.T) {
	b := New(nil)
	topic := Topic[int]("count")
	var got []int

	On(b, topic, func(v int) { got = append(got, v) })
	OnceOn(b, topic, func(v int) { got = append(got, v*10) })

	Emit(b, topic, 1)
	Emit(b, topic, 2)
	b.Publish(topic.Name(), "wrong type")

	assert.Equal(t, []int{1, 10, 2}, got)
}
