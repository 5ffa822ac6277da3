package eventbus

// Topic names an event whose payload has type T.
type Topic[T any] string

// Name returns the underlying event name.
func (t Topic[T]) Name() string { return string(t) }

// On subscribes a typed listener. Payloads of a different type are skipped.
func On[T any](b *Bus, topic Topic[T], fn func(T)) Unsubscribe {
	return b.Subscribe(string(topic), typed(fn))
}

// OnceOn subscribes a typed listener for a single delivery.
func OnceOn[T any](b *Bus, topic Topic[T], fn func(T)) Unsubscribe {
	return b.Once(string(topic), typed(fn))
}

// Emit publishes a typed payload.
func Emit[T any](b *Bus, topic Topic[T], payload T) {
	b.Publish(string(topic), payload)
}

func typed[T any](fn func(T)) func(any) {
	return func(v any) {
		if payload, ok := v.(T); ok {
			fn(payload)
		}
	}
}
