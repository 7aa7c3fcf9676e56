package coordinator

import (
	"context"

	"github.com/meow-io/go-obvsync/ids"
	"github.com/meow-io/go-obvsync/model"
)

const (
	PassObsoleteChannels = "obsolete-channels"
	PassDeviceDiscovery  = "device-discovery"
	PassChannelCreation  = "channel-creation"
	PassDialogPruning    = "dialog-pruning"
)

// Bootstrap runs the four reconciliation steps, each in its own transaction, and returns their reports
// in order. It is safe to run again: a second run without intervening changes does nothing new.
func (co *Coordinator) Bootstrap(ctx context.Context) []*Report {
	return []*Report{
		co.sweepObsoleteChannels(ctx),
		co.backfillDeviceDiscovery(ctx),
		co.backfillChannelCreation(ctx),
		co.pruneDialogs(ctx),
	}
}

// sweepObsoleteChannels deletes every channel whose remote device is no longer known.
func (co *Coordinator) sweepObsoleteChannels(ctx context.Context) *Report {
	return co.run(ctx, PassObsoleteChannels, func(r *Report) error {
		channels, err := co.channels.ChannelIdentifiers()
		if err != nil {
			return err
		}
		known, err := co.identities.KnownDevices()
		if err != nil {
			return err
		}
		knownSet := make(map[model.ChannelIdentifier]struct{}, len(known))
		for _, k := range known {
			knownSet[k] = struct{}{}
		}

		for _, ci := range channels {
			if _, ok := knownSet[ci]; ok {
				r.Skipped++
				continue
			}
			if err := co.channels.DeleteChannel(ci); err != nil {
				co.log.Warnf("could not delete obsolete channel %s: %v", ci, err)
				r.fail(err)
				continue
			}
			co.log.Infof("deleted obsolete channel %s", ci)
			r.ChannelsDeleted++
		}
		return nil
	})
}

// backfillDeviceDiscovery starts a device discovery for every contact whose device count is not one and
// which has no discovery running yet.
func (co *Coordinator) backfillDeviceDiscovery(ctx context.Context) *Report {
	return co.run(ctx, PassDeviceDiscovery, func(r *Report) error {
		running, err := co.protocols.RunningDeviceDiscoveries()
		if err != nil {
			return err
		}
		owned, err := co.identities.OwnedIdentities()
		if err != nil {
			return err
		}
		for _, o := range owned {
			contacts, err := co.identities.Contacts(o)
			if err != nil {
				co.log.Warnf("could not list contacts of %s: %v", o, err)
				r.fail(err)
				continue
			}
			for _, c := range contacts {
				devices, err := co.identities.ContactDevices(o, c)
				if err != nil {
					co.log.Warnf("could not list devices of contact %s of %s: %v", c, o, err)
					r.fail(err)
					continue
				}
				if len(devices) == 1 {
					r.Skipped++
					continue
				}
				co.discover(r, running, o, c)
			}
		}
		return nil
	})
}

// backfillChannelCreation starts a channel creation for every contact device which has neither a channel
// nor a running channel creation. A contact whose device count is not one waits while a discovery runs
// for it, until a first discovery has settled its device set.
func (co *Coordinator) backfillChannelCreation(ctx context.Context) *Report {
	return co.run(ctx, PassChannelCreation, func(r *Report) error {
		running, err := co.protocols.RunningChannelCreations()
		if err != nil {
			return err
		}
		discovering, err := co.protocols.RunningDeviceDiscoveries()
		if err != nil {
			return err
		}
		settled, err := co.protocols.SettledDeviceDiscoveries()
		if err != nil {
			return err
		}
		owned, err := co.identities.OwnedIdentities()
		if err != nil {
			return err
		}
		for _, o := range owned {
			local, err := co.identities.CurrentDevice(o)
			if err != nil {
				co.log.Warnf("could not get current device of %s: %v", o, err)
				r.fail(err)
				continue
			}
			contacts, err := co.identities.Contacts(o)
			if err != nil {
				co.log.Warnf("could not list contacts of %s: %v", o, err)
				r.fail(err)
				continue
			}
			for _, c := range contacts {
				devices, err := co.identities.ContactDevices(o, c)
				if err != nil {
					co.log.Warnf("could not list devices of contact %s of %s: %v", c, o, err)
					r.fail(err)
					continue
				}
				target := model.DeviceDiscoveryTarget{Owned: o, Contact: c}
				if len(devices) != 1 && awaitsDiscovery(discovering, settled, target) {
					co.log.Debugf("waiting for device discovery of %s before creating channels", target)
					r.Skipped += len(devices)
					continue
				}
				for _, d := range devices {
					co.createChannel(r, running, local, model.ChannelCreationTarget{Owned: o, Contact: c, Device: d})
				}
			}
		}
		return nil
	})
}

// discover starts a device discovery for contact unless one is already running. A nil running set
// forces the discovery.
func (co *Coordinator) discover(r *Report, running map[model.DeviceDiscoveryTarget]struct{}, owned, contact ids.Identity) {
	target := model.DeviceDiscoveryTarget{Owned: owned, Contact: contact}
	if running != nil {
		if _, ok := running[target]; ok {
			r.Skipped++
			return
		}
	}
	if co.post(r, func() (*model.Message, error) { return co.protocols.DeviceDiscoveryMessage(owned, contact) }) {
		if running != nil {
			running[target] = struct{}{}
		}
		co.log.Debugf("started device discovery for contact %s of %s", contact, owned)
	}
}

func awaitsDiscovery(discovering, settled map[model.DeviceDiscoveryTarget]struct{}, target model.DeviceDiscoveryTarget) bool {
	if _, ok := discovering[target]; !ok {
		return false
	}
	_, ok := settled[target]
	return !ok
}

func (co *Coordinator) createChannel(r *Report, running map[model.ChannelCreationKey]struct{}, local ids.ID, t model.ChannelCreationTarget) {
	ci := model.ChannelIdentifier{LocalDevice: local, RemoteIdentity: t.Contact, RemoteDevice: t.Device}
	exists, err := co.channels.ChannelExists(ci)
	if err != nil {
		co.log.Warnf("could not check channel %s: %v", ci, err)
		r.fail(err)
		return
	}
	if exists {
		r.Skipped++
		return
	}
	key := model.ChannelCreationKey(t)
	if _, ok := running[key]; ok {
		co.log.Debugf("channel creation %s already running", key)
		r.Skipped++
		return
	}
	if co.post(r, func() (*model.Message, error) { return co.protocols.ChannelCreationMessage(t.Owned, t.Contact, t.Device) }) {
		running[key] = struct{}{}
		co.log.Infof("started channel creation %s", key)
	}
}

// pruneDialogs deletes the dialogs which became obsolete.
func (co *Coordinator) pruneDialogs(ctx context.Context) *Report {
	return co.run(ctx, PassDialogPruning, func(r *Report) error {
		dialogs, err := co.dialogs.Dialogs()
		if err != nil {
			return err
		}
		for _, d := range dialogs {
			obsolete, err := co.dialogs.Obsolete(d)
			if err != nil {
				r.fail(err)
				continue
			}
			if !obsolete {
				r.Skipped++
				continue
			}
			if err := co.dialogs.Delete(d.ID); err != nil {
				co.log.Warnf("could not delete dialog %s: %v", d.ID, err)
				r.fail(err)
				continue
			}
			r.DialogsDeleted++
		}
		return nil
	})
}
