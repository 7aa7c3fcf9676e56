package events

import (
	"testing"
	"time"

	"github.com/meow-io/go-obvsync/config"
	"github.com/meow-io/go-obvsync/ids"
	"github.com/stretchr/testify/require"
)

func next(t *testing.T, s *Subscription) Event {
	select {
	case e, ok := <-s.Events():
		require.True(t, ok)
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBusDeliversOnlySubscribedKinds(t *testing.T) {
	b := NewBus(config.NewConfig())
	s := b.Subscribe(KindQueuedMessageDeleted)
	defer s.Close()

	id := ids.NewID()
	b.Publish(&MessagesQueued{IDs: []ids.ID{id}})
	b.Publish(&QueuedMessageDeleted{ID: id})

	e := next(t, s)
	require.Equal(t, KindQueuedMessageDeleted, e.Kind())
	require.Equal(t, id, e.(*QueuedMessageDeleted).ID)
}

func TestBusKeepsPublicationOrderWithoutBlocking(t *testing.T) {
	b := NewBus(config.NewConfig())
	s := b.Subscribe(KindQueuedMessageDeleted)
	defer s.Close()

	sent := make([]ids.ID, 500)
	for i := range sent {
		sent[i] = ids.NewID()
		b.Publish(&QueuedMessageDeleted{ID: sent[i]})
	}
	for i := range sent {
		require.Equal(t, sent[i], next(t, s).(*QueuedMessageDeleted).ID)
	}
}

func TestBusFansOutToEverySubscription(t *testing.T) {
	b := NewBus(config.NewConfig())
	s1 := b.Subscribe(KindNewOwnedIdentity)
	s2 := b.Subscribe(KindNewOwnedIdentity, KindNewContactDevice)
	defer s1.Close()
	defer s2.Close()

	owned := ids.NewIdentity()
	b.Publish(&NewOwnedIdentity{Owned: owned})

	require.Equal(t, owned, next(t, s1).(*NewOwnedIdentity).Owned)
	require.Equal(t, owned, next(t, s2).(*NewOwnedIdentity).Owned)
}

func TestClosedSubscriptionStopsReceiving(t *testing.T) {
	b := NewBus(config.NewConfig())
	s := b.Subscribe(KindNewOwnedIdentity)
	s.Close()
	s.Close()

	b.Publish(&NewOwnedIdentity{Owned: ids.NewIdentity()})
	select {
	case _, ok := <-s.Events():
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("events channel was not closed")
	}
}
