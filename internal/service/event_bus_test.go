package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sandeepkv93/sso-session-core/internal/domain"
)

func TestEventBusFiltersByType(t *testing.T) {
	ctx := context.Background()
	bus := NewEventBus(discardLogger())
	all, cancelAll := bus.Subscribe(8)
	defer cancelAll()
	revocations, cancelRevocations := bus.Subscribe(8, domain.EventSessionRevoked)
	defer cancelRevocations()

	bus.Publish(ctx, domain.Event{Type: domain.EventSessionCreated, SessionID: "s1"})
	bus.Publish(ctx, domain.Event{Type: domain.EventSessionRevoked, SessionID: "s1", Reason: domain.RevocationReasonLogout})

	got := drainEvents(all)
	require.Len(t, got, 2)
	require.NotEmpty(t, got[0].ID)
	require.NotEqual(t, got[0].ID, got[1].ID)
	require.False(t, got[0].OccurredAt.IsZero())

	filtered := drainEvents(revocations)
	require.Len(t, filtered, 1)
	require.Equal(t, domain.RevocationReasonLogout, filtered[0].Reason)
}

func TestEventBusNeverBlocksOnSlowSubscriber(t *testing.T) {
	ctx := context.Background()
	bus := NewEventBus(discardLogger())
	slow, cancel := bus.Subscribe(1)
	defer cancel()

	for i := 0; i < 10; i++ {
		bus.Publish(ctx, domain.Event{Type: domain.EventSessionCreated})
	}
	require.Len(t, drainEvents(slow), 1)
}

func TestEventBusCancelAndClose(t *testing.T) {
	bus := NewEventBus(discardLogger())
	ch, cancel := bus.Subscribe(1)
	require.Equal(t, 1, bus.SubscriberCount())

	cancel()
	cancel()
	_, open := <-ch
	require.False(t, open)
	require.Zero(t, bus.SubscriberCount())

	other, _ := bus.Subscribe(1)
	bus.Close()
	_, open = <-other
	require.False(t, open)

	late, lateCancel := bus.Subscribe(1)
	defer lateCancel()
	_, open = <-late
	require.False(t, open)
	bus.Publish(context.Background(), domain.Event{Type: domain.EventSessionCreated})
}
