package protocol

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/meow-io/go-obvsync/channel"
	"github.com/meow-io/go-obvsync/clock"
	"github.com/meow-io/go-obvsync/config"
	"github.com/meow-io/go-obvsync/events"
	"github.com/meow-io/go-obvsync/identity"
	"github.com/meow-io/go-obvsync/ids"
	"github.com/meow-io/go-obvsync/internal/db"
	"github.com/meow-io/go-obvsync/internal/test"
	"github.com/meow-io/go-obvsync/model"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type harness struct {
	db         *db.Database
	bus        *events.Bus
	identities *identity.Store
	channels   *channel.Store
	runtime    *Runtime
}

func newHarness(t *testing.T, opts ...config.Option) *harness {
	c := config.NewConfig(append([]config.Option{config.WithRootDir(t.TempDir())}, opts...)...)
	d := test.NewTestDatabase(c)
	t.Cleanup(func() { _ = d.Shutdown() })
	cl := clock.NewManualClock(time.UnixMilli(1_700_000_000_000))
	h := &harness{db: d, bus: events.NewBus(c)}
	var err error
	h.identities, err = identity.NewStore(c, d, h.bus)
	require.NoError(t, err)
	h.channels, err = channel.NewStore(c, d, cl, h.bus)
	require.NoError(t, err)
	h.runtime, err = NewRuntime(c, d, cl, h.identities, h.channels, h.bus)
	require.NoError(t, err)
	return h
}

func (h *harness) run(t *testing.T, fn func() error) {
	require.NoError(t, h.db.Run(context.Background(), "test", fn))
}

func (h *harness) post(t *testing.T, msg *model.Message) []ids.ID {
	var posted []ids.ID
	h.run(t, func() error {
		var err error
		posted, err = h.channels.Post(msg)
		return err
	})
	return posted
}

func (h *harness) queueCount(t *testing.T) int {
	var n int
	h.run(t, func() error {
		var err error
		n, err = h.channels.QueuedMessageCount()
		return err
	})
	return n
}

func (h *harness) start(t *testing.T) {
	require.NoError(t, h.runtime.Start())
	t.Cleanup(func() { require.NoError(t, h.runtime.Shutdown()) })
}

func TestMessageBuildersValidate(t *testing.T) {
	h := newHarness(t)
	owned, contact, device, group := ids.NewIdentity(), ids.NewIdentity(), ids.NewID(), ids.NewID()

	msg, err := h.runtime.ChannelCreationMessage(owned, contact, device)
	require.NoError(t, err)
	require.Equal(t, model.ChannelCreationWithContactDevice, msg.Kind)
	require.False(t, msg.InstanceID.IsZero())
	require.Equal(t, model.ChannelCreationKey{Owned: owned, Contact: contact, Device: device}, msg.ChannelCreationKey())

	other, err := h.runtime.ChannelCreationMessage(owned, contact, device)
	require.NoError(t, err)
	require.NotEqual(t, msg.InstanceID, other.InstanceID)

	_, err = h.runtime.ChannelCreationMessage(owned, owned, device)
	require.ErrorIs(t, err, model.ErrProtocolPost)
	_, err = h.runtime.ChannelCreationMessage(owned, contact, ids.ID{})
	require.ErrorIs(t, err, model.ErrProtocolPost)
	_, err = h.runtime.DeviceDiscoveryMessage(ids.Identity{}, contact)
	require.ErrorIs(t, err, model.ErrProtocolPost)
	_, err = h.runtime.GroupReinviteMessage(owned, ids.ID{}, contact)
	require.ErrorIs(t, err, model.ErrProtocolPost)
	_, err = h.runtime.GroupMembersQueryMessage(owned, group, ids.Identity{})
	require.ErrorIs(t, err, model.ErrProtocolPost)
	_, err = h.runtime.BatchKeysResendMessage(owned, contact, ids.ID{})
	require.ErrorIs(t, err, model.ErrProtocolPost)

	query, err := h.runtime.GroupMembersQueryMessage(owned, group, contact)
	require.NoError(t, err)
	require.Equal(t, group, query.GroupUID)
	require.Equal(t, contact, query.Remote)
}

func TestRunningSetsIncludeQueuedMessages(t *testing.T) {
	h := newHarness(t)
	owned, contact, device := ids.NewIdentity(), ids.NewIdentity(), ids.NewID()

	creation, err := h.runtime.ChannelCreationMessage(owned, contact, device)
	require.NoError(t, err)
	discovery, err := h.runtime.DeviceDiscoveryMessage(owned, contact)
	require.NoError(t, err)
	h.post(t, creation)
	h.post(t, discovery)

	h.run(t, func() error {
		creations, err := h.runtime.RunningChannelCreations()
		require.NoError(t, err)
		require.Equal(t, map[model.ChannelCreationKey]struct{}{creation.ChannelCreationKey(): {}}, creations)
		discoveries, err := h.runtime.RunningDeviceDiscoveries()
		require.NoError(t, err)
		require.Equal(t, map[model.DeviceDiscoveryTarget]struct{}{{Owned: owned, Contact: contact}: {}}, discoveries)
		return nil
	})
}

func TestDrainPublishesDeletions(t *testing.T) {
	h := newHarness(t, config.WithQueueBatchSize(2))
	sub := h.bus.Subscribe(events.KindQueuedMessageDeleted)
	defer sub.Close()

	owned, remote := ids.NewIdentity(), ids.NewIdentity()
	recipients := []ids.ID{ids.NewID(), ids.NewID(), ids.NewID(), ids.NewID(), ids.NewID()}
	resend, err := h.runtime.BatchKeysResendMessage(owned, remote, recipients[0])
	require.NoError(t, err)
	resend.RecipientDevices = recipients
	posted := h.post(t, resend)
	require.Len(t, posted, 5)

	h.start(t)
	deleted := map[ids.ID]bool{}
	for len(deleted) < len(posted) {
		select {
		case e := <-sub.Events():
			deleted[e.(*events.QueuedMessageDeleted).ID] = true
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d entries processed", len(deleted), len(posted))
		}
	}
	for _, id := range posted {
		require.True(t, deleted[id])
	}
	require.Zero(t, h.queueCount(t))
}

func TestDrainDropsUnknownKinds(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.post(t, &model.Message{InstanceID: ids.NewID(), Kind: model.ProtocolKind(42), Owned: ids.NewIdentity()})
	require.Eventually(t, func() bool { return h.queueCount(t) == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestChannelCreationLifecycle(t *testing.T) {
	h := newHarness(t)
	sub := h.bus.Subscribe(events.KindChannelConfirmed)
	defer sub.Close()

	owned, local := ids.NewIdentity(), ids.NewID()
	contact, device := ids.NewIdentity(), ids.NewID()
	h.run(t, func() error { return h.identities.AddOwnedIdentity(owned, local) })

	first, err := h.runtime.ChannelCreationMessage(owned, contact, device)
	require.NoError(t, err)
	second, err := h.runtime.ChannelCreationMessage(owned, contact, device)
	require.NoError(t, err)
	h.post(t, first)
	h.post(t, second)
	h.start(t)
	require.Eventually(t, func() bool { return h.queueCount(t) == 0 }, 5*time.Second, 10*time.Millisecond)

	key := first.ChannelCreationKey()
	h.run(t, func() error {
		rows, err := h.runtime.db.channelCreations()
		require.NoError(t, err)
		require.Len(t, rows, 1)
		require.Equal(t, first.InstanceID[:], rows[0].InstanceID)
		return h.runtime.CompleteChannelCreation(key)
	})

	e := <-sub.Events()
	require.Equal(t, &events.ChannelConfirmed{CurrentDevice: local, RemoteIdentity: contact, RemoteDevice: device}, e)

	h.run(t, func() error {
		running, err := h.runtime.RunningChannelCreations()
		require.NoError(t, err)
		require.Empty(t, running)
		require.ErrorIs(t, h.runtime.CompleteChannelCreation(key), model.ErrStoreWrite)
		require.NoError(t, h.runtime.AbortChannelCreation(key))
		return nil
	})
}

func TestCompleteDeviceDiscoveryReplacesDevices(t *testing.T) {
	h := newHarness(t)
	sub := h.bus.Subscribe(events.KindNewContactDevice, events.KindContactDeviceDeleted)
	defer sub.Close()

	owned, contact := ids.NewIdentity(), ids.NewIdentity()
	kept, stale, added := ids.NewID(), ids.NewID(), ids.NewID()
	h.run(t, func() error {
		if err := h.identities.AddOwnedIdentity(owned, ids.NewID()); err != nil {
			return err
		}
		if err := h.identities.AddContact(owned, contact); err != nil {
			return err
		}
		if err := h.identities.AddContactDevice(owned, contact, kept); err != nil {
			return err
		}
		return h.identities.AddContactDevice(owned, contact, stale)
	})
	for i := 0; i < 2; i++ {
		<-sub.Events()
	}

	discovery, err := h.runtime.DeviceDiscoveryMessage(owned, contact)
	require.NoError(t, err)
	h.post(t, discovery)
	h.start(t)
	require.Eventually(t, func() bool { return h.queueCount(t) == 0 }, 5*time.Second, 10*time.Millisecond)

	target := model.DeviceDiscoveryTarget{Owned: owned, Contact: contact}
	h.run(t, func() error {
		settled, err := h.runtime.SettledDeviceDiscoveries()
		require.NoError(t, err)
		require.Empty(t, settled)
		return h.runtime.CompleteDeviceDiscovery(target, []ids.ID{kept, added})
	})

	got := map[events.Kind]ids.ID{}
	for i := 0; i < 2; i++ {
		select {
		case e := <-sub.Events():
			switch ev := e.(type) {
			case *events.NewContactDevice:
				got[ev.Kind()] = ev.Device
			case *events.ContactDeviceDeleted:
				got[ev.Kind()] = ev.Device
			}
		case <-time.After(5 * time.Second):
			t.Fatal("missing device event")
		}
	}
	require.Equal(t, map[events.Kind]ids.ID{events.KindNewContactDevice: added, events.KindContactDeviceDeleted: stale}, got)

	h.run(t, func() error {
		devices, err := h.identities.ContactDevices(owned, contact)
		require.NoError(t, err)
		require.ElementsMatch(t, []ids.ID{kept, added}, devices)
		running, err := h.runtime.RunningDeviceDiscoveries()
		require.NoError(t, err)
		require.Empty(t, running)
		settled, err := h.runtime.SettledDeviceDiscoveries()
		require.NoError(t, err)
		require.Equal(t, map[model.DeviceDiscoveryTarget]struct{}{target: {}}, settled)
		return nil
	})
}
