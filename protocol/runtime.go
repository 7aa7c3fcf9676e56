// This package is the protocol runtime. It builds the initial message of each protocol the coordinator
// starts, keeps the index of running channel creations and device discoveries, and drains the protocol message queue
// of the channel store, publishing QueuedMessageDeleted once each processed entry is gone.
//
// The key exchange itself is not run here: a channel creation stays running until
// CompleteChannelCreation or AbortChannelCreation is called for its triple, and a device discovery until
// CompleteDeviceDiscovery is called for its contact.
package protocol

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/meow-io/go-obvsync/channel"
	"github.com/meow-io/go-obvsync/clock"
	"github.com/meow-io/go-obvsync/config"
	"github.com/meow-io/go-obvsync/events"
	"github.com/meow-io/go-obvsync/identity"
	"github.com/meow-io/go-obvsync/ids"
	"github.com/meow-io/go-obvsync/internal/db"
	"github.com/meow-io/go-obvsync/model"
	"go.uber.org/zap"
)

type Runtime struct {
	log        *zap.SugaredLogger
	config     *config.Config
	db         *database
	channels   *channel.Store
	identities *identity.Store
	bus        *events.Bus
	clock      clock.Clock

	cancelFunc context.CancelFunc
	finished   sync.WaitGroup
}

func NewRuntime(c *config.Config, d *db.Database, cl clock.Clock, identities *identity.Store, channels *channel.Store, bus *events.Bus) (*Runtime, error) {
	database, err := newDatabase(d)
	if err != nil {
		return nil, err
	}
	return &Runtime{
		log:        c.Logger("protocol"),
		config:     c,
		db:         database,
		channels:   channels,
		identities: identities,
		bus:        bus,
		clock:      cl,
	}, nil
}

func readErr(what string, err error) error {
	return fmt.Errorf("protocol: error reading %s: %w: %w", what, model.ErrStoreRead, err)
}

// RunningChannelCreations reads the running channel-creation instances, including those whose initial
// message is still queued. Must be called inside a transaction.
func (r *Runtime) RunningChannelCreations() (map[model.ChannelCreationKey]struct{}, error) {
	rows, err := r.db.channelCreations()
	if err != nil {
		return nil, err
	}
	running := make(map[model.ChannelCreationKey]struct{}, len(rows))
	for _, cc := range rows {
		owned, err := ids.IdentityFromBytes(cc.Owned)
		if err != nil {
			return nil, readErr("channel creation", err)
		}
		contact, err := ids.IdentityFromBytes(cc.Contact)
		if err != nil {
			return nil, readErr("channel creation", err)
		}
		device, err := ids.IDFromBytes(cc.Device)
		if err != nil {
			return nil, readErr("channel creation", err)
		}
		running[model.ChannelCreationKey{Owned: owned, Contact: contact, Device: device}] = struct{}{}
	}

	queued, err := r.channels.QueuedMessagesOfKind(model.ChannelCreationWithContactDevice)
	if err != nil {
		return nil, err
	}
	for _, qm := range queued {
		running[qm.Message.ChannelCreationKey()] = struct{}{}
	}
	return running, nil
}

// RunningDeviceDiscoveries reads the running device discoveries, including those whose initial message
// is still queued. Must be called inside a transaction.
func (r *Runtime) RunningDeviceDiscoveries() (map[model.DeviceDiscoveryTarget]struct{}, error) {
	rows, err := r.db.deviceDiscoveries()
	if err != nil {
		return nil, err
	}
	running := make(map[model.DeviceDiscoveryTarget]struct{}, len(rows))
	for _, dd := range rows {
		owned, err := ids.IdentityFromBytes(dd.Owned)
		if err != nil {
			return nil, readErr("device discovery", err)
		}
		contact, err := ids.IdentityFromBytes(dd.Contact)
		if err != nil {
			return nil, readErr("device discovery", err)
		}
		running[model.DeviceDiscoveryTarget{Owned: owned, Contact: contact}] = struct{}{}
	}

	queued, err := r.channels.QueuedMessagesOfKind(model.DeviceDiscoveryForContactIdentity)
	if err != nil {
		return nil, err
	}
	for _, qm := range queued {
		running[model.DeviceDiscoveryTarget{Owned: qm.Message.Owned, Contact: qm.Message.Remote}] = struct{}{}
	}
	return running, nil
}

// SettledDeviceDiscoveries reads the contacts whose device set was resolved by at least one completed
// discovery. Must be called inside a transaction.
func (r *Runtime) SettledDeviceDiscoveries() (map[model.DeviceDiscoveryTarget]struct{}, error) {
	rows, err := r.db.settledDiscoveries()
	if err != nil {
		return nil, err
	}
	settled := make(map[model.DeviceDiscoveryTarget]struct{}, len(rows))
	for _, sd := range rows {
		owned, err := ids.IdentityFromBytes(sd.Owned)
		if err != nil {
			return nil, readErr("settled device discovery", err)
		}
		contact, err := ids.IdentityFromBytes(sd.Contact)
		if err != nil {
			return nil, readErr("settled device discovery", err)
		}
		settled[model.DeviceDiscoveryTarget{Owned: owned, Contact: contact}] = struct{}{}
	}
	return settled, nil
}

// CompleteDeviceDiscovery ends the running discovery for target, replaces the known devices of the
// contact with devices and records the contact as settled. Must be called inside a transaction.
func (r *Runtime) CompleteDeviceDiscovery(target model.DeviceDiscoveryTarget, devices []ids.ID) error {
	found, err := r.db.deleteDeviceDiscovery(target.Owned[:], target.Contact[:])
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("protocol: no device discovery running for %s: %w", target, model.ErrStoreWrite)
	}
	if err := r.db.upsertSettledDiscovery(&settledDiscovery{
		Owned:     target.Owned[:],
		Contact:   target.Contact[:],
		SettledMs: r.clock.CurrentTimeMs(),
	}); err != nil {
		return err
	}
	known, err := r.identities.ContactDevices(target.Owned, target.Contact)
	if err != nil {
		return err
	}
	discovered := make(map[ids.ID]struct{}, len(devices))
	for _, d := range devices {
		discovered[d] = struct{}{}
		if err := r.identities.AddContactDevice(target.Owned, target.Contact, d); err != nil {
			return err
		}
	}
	for _, d := range known {
		if _, ok := discovered[d]; ok {
			continue
		}
		if err := r.identities.DeleteContactDevice(target.Owned, target.Contact, d); err != nil {
			return err
		}
	}
	r.log.Infof("completed device discovery %s with %d devices", target, len(devices))
	return nil
}

// CompleteChannelCreation ends the running instance for key and confirms the resulting channel. Must be
// called inside a transaction.
func (r *Runtime) CompleteChannelCreation(key model.ChannelCreationKey) error {
	found, err := r.db.deleteChannelCreation(key.Owned[:], key.Contact[:], key.Device[:])
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("protocol: no channel creation running for %s: %w", key, model.ErrStoreWrite)
	}
	local, err := r.identities.CurrentDevice(key.Owned)
	if err != nil {
		return err
	}
	return r.channels.ConfirmChannel(model.ChannelIdentifier{LocalDevice: local, RemoteIdentity: key.Contact, RemoteDevice: key.Device})
}

// AbortChannelCreation ends the running instance for key, if any. Must be called inside a transaction.
func (r *Runtime) AbortChannelCreation(key model.ChannelCreationKey) error {
	found, err := r.db.deleteChannelCreation(key.Owned[:], key.Contact[:], key.Device[:])
	if err != nil {
		return err
	}
	if found {
		r.log.Infof("aborted channel creation %s", key)
	}
	return nil
}

func (r *Runtime) Start() error {
	ctx, cancelFunc := context.WithCancel(context.Background())
	r.cancelFunc = cancelFunc
	r.startDrain(ctx)
	return nil
}

func (r *Runtime) Shutdown() error {
	if r.cancelFunc != nil {
		r.cancelFunc()
		r.finished.Wait()
		r.cancelFunc = nil
	}
	return nil
}

func (r *Runtime) startDrain(ctx context.Context) {
	sub := r.bus.Subscribe(events.KindMessagesQueued)
	r.finished.Add(1)
	go func() {
		defer sub.Close()
		r.drain(ctx)
		for {
			select {
			case <-ctx.Done():
				r.finished.Done()
				return
			case <-sub.Events():
				r.drain(ctx)
			}
		}
	}()
}

// drain processes queue batches until the queue is empty or a batch fails to commit.
func (r *Runtime) drain(ctx context.Context) {
	for ctx.Err() == nil {
		var processed int
		if err := r.db.Run(ctx, "protocol drain", func() error {
			messages, err := r.channels.QueuedMessages(r.config.QueueBatchSize)
			if err != nil {
				return err
			}
			processed = len(messages)

			var result *multierror.Error
			for _, qm := range messages {
				if err := r.apply(qm); err != nil {
					result = multierror.Append(result, err)
				}
				if _, err := r.channels.DeleteQueuedMessage(qm.ID); err != nil {
					return err
				}
				id := qm.ID
				r.db.AfterCommit(func() { r.bus.Publish(&events.QueuedMessageDeleted{ID: id}) })
			}
			if err := result.ErrorOrNil(); err != nil {
				r.log.Warnf("dropped %d queued messages flow=%s: %v", len(result.Errors), r.db.Flow(), err)
			}
			return nil
		}); err != nil {
			r.log.Warnf("error while draining protocol queue: %v", err)
			return
		}
		if processed < r.config.QueueBatchSize {
			return
		}
	}
}

func (r *Runtime) apply(qm *channel.QueuedMessage) error {
	msg := qm.Message
	switch msg.Kind {
	case model.ChannelCreationWithContactDevice:
		key := msg.ChannelCreationKey()
		started, err := r.db.insertChannelCreation(&channelCreation{
			Owned:      key.Owned[:],
			Contact:    key.Contact[:],
			Device:     key.Device[:],
			InstanceID: msg.InstanceID[:],
			CtimeMs:    r.clock.CurrentTimeMs(),
		})
		if err != nil {
			return err
		}
		if started {
			r.log.Debugf("started channel creation %s instance=%s", key, msg.InstanceID)
		} else {
			r.log.Debugf("channel creation %s already running, ignoring instance=%s", key, msg.InstanceID)
		}
		return nil
	case model.DeviceDiscoveryForContactIdentity:
		target := model.DeviceDiscoveryTarget{Owned: msg.Owned, Contact: msg.Remote}
		started, err := r.db.insertDeviceDiscovery(&deviceDiscovery{
			Owned:      msg.Owned[:],
			Contact:    msg.Remote[:],
			InstanceID: msg.InstanceID[:],
			CtimeMs:    r.clock.CurrentTimeMs(),
		})
		if err != nil {
			return err
		}
		if !started {
			r.log.Debugf("device discovery %s already running, ignoring instance=%s", target, msg.InstanceID)
		}
		return nil
	case model.GroupManagementReinvite,
		model.GroupManagementMembersQuery,
		model.GroupV2BatchKeysResend:
		r.log.Debugf("processed %s message instance=%s entry=%s", msg.Kind, msg.InstanceID, qm.ID)
		return nil
	default:
		return fmt.Errorf("protocol: unknown message kind %s in entry %s", msg.Kind, qm.ID)
	}
}
