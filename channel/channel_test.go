package channel

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/meow-io/go-obvsync/clock"
	"github.com/meow-io/go-obvsync/config"
	"github.com/meow-io/go-obvsync/events"
	"github.com/meow-io/go-obvsync/ids"
	"github.com/meow-io/go-obvsync/internal/db"
	"github.com/meow-io/go-obvsync/internal/test"
	"github.com/meow-io/go-obvsync/model"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

func newStore(t *testing.T) (*Store, *db.Database, *events.Bus, *clock.Manual) {
	c := config.NewConfig(config.WithRootDir(t.TempDir()))
	d := test.NewTestDatabase(c)
	t.Cleanup(func() { _ = d.Shutdown() })
	bus := events.NewBus(c)
	cl := clock.NewManualClock(time.UnixMilli(1_700_000_000_000))
	s, err := NewStore(c, d, cl, bus)
	require.NoError(t, err)
	return s, d, bus, cl
}

func run(t *testing.T, d *db.Database, fn func() error) {
	require.NoError(t, d.Run(context.Background(), "test", fn))
}

func next(t *testing.T, sub *events.Subscription) events.Event {
	select {
	case e := <-sub.Events():
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
		return nil
	}
}

func TestConfirmAndDeleteChannel(t *testing.T) {
	s, d, bus, _ := newStore(t)
	sub := bus.Subscribe(events.KindChannelConfirmed)
	defer sub.Close()

	ci := model.ChannelIdentifier{LocalDevice: ids.NewID(), RemoteIdentity: ids.NewIdentity(), RemoteDevice: ids.NewID()}
	run(t, d, func() error { return s.ConfirmChannel(ci) })
	require.Equal(t, &events.ChannelConfirmed{CurrentDevice: ci.LocalDevice, RemoteIdentity: ci.RemoteIdentity, RemoteDevice: ci.RemoteDevice}, next(t, sub))

	// Confirming again is silent.
	run(t, d, func() error { return s.ConfirmChannel(ci) })
	select {
	case e := <-sub.Events():
		t.Fatalf("unexpected event %s", e.Kind())
	case <-time.After(50 * time.Millisecond):
	}

	run(t, d, func() error {
		exists, err := s.ChannelExists(ci)
		require.NoError(t, err)
		require.True(t, exists)
		cis, err := s.ChannelIdentifiers()
		require.NoError(t, err)
		require.Equal(t, []model.ChannelIdentifier{ci}, cis)

		require.NoError(t, s.DeleteChannel(ci))
		require.NoError(t, s.DeleteChannel(ci))
		exists, err = s.ChannelExists(ci)
		require.NoError(t, err)
		require.False(t, exists)
		return nil
	})
}

func TestPostQueuesOneEntryPerRecipient(t *testing.T) {
	s, d, bus, cl := newStore(t)
	sub := bus.Subscribe(events.KindMessagesQueued)
	defer sub.Close()

	owned, remote := ids.NewIdentity(), ids.NewIdentity()
	recipients := []ids.ID{ids.NewID(), ids.NewID(), ids.NewID()}
	fanned := &model.Message{InstanceID: ids.NewID(), Kind: model.GroupV2BatchKeysResend, Owned: owned, Remote: remote, RemoteDevice: recipients[0], RecipientDevices: recipients}
	local := &model.Message{InstanceID: ids.NewID(), Kind: model.DeviceDiscoveryForContactIdentity, Owned: owned, Remote: remote}

	var fannedIDs, localIDs []ids.ID
	run(t, d, func() error {
		var err error
		if fannedIDs, err = s.Post(fanned); err != nil {
			return err
		}
		cl.Advance(time.Second)
		localIDs, err = s.Post(local)
		return err
	})
	require.Len(t, fannedIDs, 3)
	require.Len(t, localIDs, 1)

	queuedIDs := map[ids.ID]bool{}
	for i := 0; i < 2; i++ {
		for _, id := range next(t, sub).(*events.MessagesQueued).IDs {
			queuedIDs[id] = true
		}
	}
	require.Len(t, queuedIDs, 4)

	run(t, d, func() error {
		n, err := s.QueuedMessageCount()
		require.NoError(t, err)
		require.Equal(t, 4, n)

		all, err := s.QueuedMessages(10)
		require.NoError(t, err)
		require.Len(t, all, 4)
		gotRecipients := make([]ids.ID, 0, 3)
		for _, qm := range all[:3] {
			require.Equal(t, fanned.InstanceID, qm.Message.InstanceID)
			gotRecipients = append(gotRecipients, qm.Recipient)
		}
		require.ElementsMatch(t, recipients, gotRecipients)
		require.True(t, all[3].Recipient.IsZero())
		require.Equal(t, local, all[3].Message)

		limited, err := s.QueuedMessages(2)
		require.NoError(t, err)
		require.Len(t, limited, 2)

		discoveries, err := s.QueuedMessagesOfKind(model.DeviceDiscoveryForContactIdentity)
		require.NoError(t, err)
		require.Len(t, discoveries, 1)
		require.Equal(t, localIDs[0], discoveries[0].ID)
		return nil
	})

	run(t, d, func() error {
		found, err := s.DeleteQueuedMessage(localIDs[0])
		require.NoError(t, err)
		require.True(t, found)
		found, err = s.DeleteQueuedMessage(localIDs[0])
		require.NoError(t, err)
		require.False(t, found)
		return nil
	})
}

func TestPostRejectsNilMessage(t *testing.T) {
	s, d, _, _ := newStore(t)
	run(t, d, func() error {
		_, err := s.Post(nil)
		require.ErrorIs(t, err, model.ErrProtocolPost)
		return nil
	})
}
