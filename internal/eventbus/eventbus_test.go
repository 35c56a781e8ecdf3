package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishDeliversInRegistrationOrder(t *testing.T) {
	t.Parallel()

	bus := New(nil)
	var order []int

	bus.Subscribe("X", func(ctx context.Context, ev Event) { order = append(order, 1) })
	bus.Subscribe("X", func(ctx context.Context, ev Event) { order = append(order, 2) })
	bus.Subscribe("X", func(ctx context.Context, ev Event) { order = append(order, 3) })

	bus.Publish(context.Background(), Event{EventType: "X"})

	require.Equal(t, []int{1, 2, 3}, order)
}

func TestPublishOnlyInvokesMatchingEventType(t *testing.T) {
	t.Parallel()

	bus := New(nil)
	var gotX, gotY int

	bus.Subscribe("X", func(ctx context.Context, ev Event) { gotX++ })
	bus.Subscribe("Y", func(ctx context.Context, ev Event) { gotY++ })

	bus.Publish(context.Background(), Event{EventType: "X"})

	require.Equal(t, 1, gotX)
	require.Equal(t, 0, gotY)
}

func TestPublishAssignsEventIDAndTimestampWhenUnset(t *testing.T) {
	t.Parallel()

	bus := New(nil)
	var captured Event

	bus.Subscribe("X", func(ctx context.Context, ev Event) { captured = ev })
	bus.Publish(context.Background(), Event{EventType: "X"})

	require.NotEmpty(t, captured.EventID)
	require.WithinDuration(t, time.Now(), captured.OccurredOn, time.Second)
}

func TestPublishContinuesAfterHandlerPanic(t *testing.T) {
	t.Parallel()

	bus := New(nil)
	ran := false

	bus.Subscribe("X", func(ctx context.Context, ev Event) { panic("boom") })
	bus.Subscribe("X", func(ctx context.Context, ev Event) { ran = true })

	require.NotPanics(t, func() {
		bus.Publish(context.Background(), Event{EventType: "X"})
	})
	require.True(t, ran, "second handler should still run after the first panics")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	bus := New(nil)
	calls := 0

	sub := bus.Subscribe("X", func(ctx context.Context, ev Event) { calls++ })
	bus.Publish(context.Background(), Event{EventType: "X"})
	bus.Unsubscribe(sub)
	bus.Publish(context.Background(), Event{EventType: "X"})

	require.Equal(t, 1, calls)
}
