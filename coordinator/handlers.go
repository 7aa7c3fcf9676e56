package coordinator

import (
	"context"

	"github.com/meow-io/go-obvsync/events"
	"github.com/meow-io/go-obvsync/flow"
	"github.com/meow-io/go-obvsync/ids"
	"github.com/meow-io/go-obvsync/model"
)

const (
	PassIdentityReactivated = "identity-reactivated"
	PassDuplicateDevice     = "duplicate-device"
	PassDeviceRegistered    = "device-registered"
	PassContactDeviceGone   = "contact-device-deleted"
	PassContactDeviceNew    = "new-contact-device"
	PassNewOwnedIdentity    = "new-owned-identity"
	PassNewAPIKey           = "new-api-key"
	PassChannelConfirmed    = "channel-confirmed"
	PassBatchKeysResend     = "batch-keys-resend"
	PassGroupReinvite       = "group-reinvite"
	PassGroupMembersQuery   = "group-members-query"
)

// HandleOwnedIdentityReactivated starts a device discovery for every contact of the reactivated
// identity, then pushes the owned identities to the network layer.
func (co *Coordinator) HandleOwnedIdentityReactivated(ctx context.Context, e *events.OwnedIdentityReactivated) *Report {
	ctx = withFlow(ctx, e.Flow)
	var owned []ids.Identity
	r := co.run(ctx, PassIdentityReactivated, func(r *Report) error {
		contacts, err := co.identities.Contacts(e.Owned)
		if err != nil {
			co.log.Warnf("could not list contacts of %s: %v", e.Owned, err)
			r.fail(err)
		}
		for _, c := range contacts {
			co.discover(r, nil, e.Owned, c)
		}
		owned, err = co.identities.OwnedIdentities()
		return err
	})
	if !r.Abandoned {
		co.network.UpdateOwnedIdentities(ctx, owned)
	}
	return r
}

func (co *Coordinator) HandleServerReportedDuplicateDevice(ctx context.Context, e *events.ServerReportedDuplicateDevice) *Report {
	return co.run(withFlow(ctx, e.Flow), PassDuplicateDevice, func(r *Report) error {
		return co.identities.DeactivateOwnedIdentity(e.Owned)
	})
}

func (co *Coordinator) HandleServerReportedDeviceRegistered(ctx context.Context, e *events.ServerReportedDeviceRegistered) *Report {
	return co.run(withFlow(ctx, e.Flow), PassDeviceRegistered, func(r *Report) error {
		return co.identities.ReactivateOwnedIdentity(e.Owned)
	})
}

// HandleContactDeviceDeleted deletes the channel with the removed device only.
func (co *Coordinator) HandleContactDeviceDeleted(ctx context.Context, e *events.ContactDeviceDeleted) *Report {
	return co.run(withFlow(ctx, e.Flow), PassContactDeviceGone, func(r *Report) error {
		local, err := co.identities.CurrentDevice(e.Owned)
		if err != nil {
			co.log.Warnf("could not get current device of %s: %v", e.Owned, err)
			r.fail(err)
			return nil
		}
		ci := model.ChannelIdentifier{LocalDevice: local, RemoteIdentity: e.Contact, RemoteDevice: e.Device}
		exists, err := co.channels.ChannelExists(ci)
		if err != nil {
			r.fail(err)
			return nil
		}
		if !exists {
			r.Skipped++
			return nil
		}
		if err := co.channels.DeleteChannel(ci); err != nil {
			co.log.Warnf("could not delete channel %s: %v", ci, err)
			r.fail(err)
			return nil
		}
		co.log.Infof("deleted channel %s of removed device", ci)
		r.ChannelsDeleted++
		return nil
	})
}

// HandleNewContactDevice starts a device discovery for the contact the device was added to.
func (co *Coordinator) HandleNewContactDevice(ctx context.Context, e *events.NewContactDevice) *Report {
	return co.run(withFlow(ctx, e.Flow), PassContactDeviceNew, func(r *Report) error {
		if !co.activeContact(r, e.Owned, e.Contact) {
			return nil
		}
		running, err := co.protocols.RunningDeviceDiscoveries()
		if err != nil {
			return err
		}
		co.discover(r, running, e.Owned, e.Contact)
		return nil
	})
}

// HandleNewOwnedIdentity downloads every user data of the new identity, then pushes the owned identities
// to the network layer. A failed download does not prevent the push.
func (co *Coordinator) HandleNewOwnedIdentity(ctx context.Context, e *events.NewOwnedIdentity) *Report {
	ctx, _ = flow.Ensure(ctx)
	downloadErr := co.network.DownloadAllUserData(ctx)
	if downloadErr != nil {
		co.log.Warnf("could not download user data for %s: %v", e.Owned, downloadErr)
	}
	var owned []ids.Identity
	r := co.run(ctx, PassNewOwnedIdentity, func(r *Report) error {
		if downloadErr != nil {
			r.fail(downloadErr)
		}
		var err error
		owned, err = co.identities.OwnedIdentities()
		return err
	})
	if !r.Abandoned {
		co.network.UpdateOwnedIdentities(ctx, owned)
	}
	return r
}

// HandleNewAPIKey stores the key and resets the server session in one transaction. Keys coming from a
// store receipt get a verification outcome event.
func (co *Coordinator) HandleNewAPIKey(ctx context.Context, e *events.NewAPIKey) *Report {
	r := co.run(withFlow(ctx, e.Flow), PassNewAPIKey, func(r *Report) error {
		if err := co.identities.SetAPIKey(e.Owned, e.APIKey); err != nil {
			return err
		}
		return co.network.ResetServerSession(e.Owned)
	})
	if e.TransactionID == "" {
		return r
	}
	if r.Err() != nil {
		co.log.Warnf("receipt verification failed for %s transaction=%s", e.Owned, e.TransactionID)
		co.bus.Publish(&events.ReceiptVerificationFailed{Owned: e.Owned, TransactionID: e.TransactionID})
	} else {
		co.bus.Publish(&events.ReceiptVerificationSucceeded{Owned: e.Owned, TransactionID: e.TransactionID})
	}
	return r
}

// HandleChannelConfirmed runs the batch keys resend, the owned group reinvites and the joined group
// member queries for the remote identity, each in its own transaction.
func (co *Coordinator) HandleChannelConfirmed(ctx context.Context, e *events.ChannelConfirmed) *Report {
	ctx, _ = flow.Ensure(ctx)
	r := newReport(PassChannelConfirmed)
	r.merge(co.resendBatchKeys(ctx, e))
	r.merge(co.reinviteToOwnedGroups(ctx, e))
	r.merge(co.queryJoinedGroupMembers(ctx, e))
	return r
}

// confirmedOwner resolves the owned identity of the confirmed channel, reporting false when the remote
// identity is not an active contact of it.
func (co *Coordinator) confirmedOwner(r *Report, e *events.ChannelConfirmed) (ids.Identity, bool) {
	owned, err := co.identities.OwnedIdentityForDevice(e.CurrentDevice)
	if err != nil {
		co.log.Warnf("could not find owned identity of device %s: %v", e.CurrentDevice, err)
		r.fail(err)
		return ids.Identity{}, false
	}
	return owned, co.activeContact(r, owned, e.RemoteIdentity)
}

func (co *Coordinator) activeContact(r *Report, owned, contact ids.Identity) bool {
	isContact, err := co.identities.IsContact(owned, contact)
	if err != nil {
		r.fail(err)
		return false
	}
	active := false
	if isContact {
		if active, err = co.identities.IsContactActive(owned, contact); err != nil {
			r.fail(err)
			return false
		}
	}
	if !active {
		co.log.Debugf("%s is not an active contact of %s, nothing to do", contact, owned)
		r.Skipped++
	}
	return active
}

func (co *Coordinator) resendBatchKeys(ctx context.Context, e *events.ChannelConfirmed) *Report {
	return co.run(ctx, PassBatchKeysResend, func(r *Report) error {
		owned, ok := co.confirmedOwner(r, e)
		if !ok {
			return nil
		}
		co.post(r, func() (*model.Message, error) {
			return co.protocols.BatchKeysResendMessage(owned, e.RemoteIdentity, e.RemoteDevice)
		})
		return nil
	})
}

func (co *Coordinator) reinviteToOwnedGroups(ctx context.Context, e *events.ChannelConfirmed) *Report {
	return co.run(ctx, PassGroupReinvite, func(r *Report) error {
		owned, ok := co.confirmedOwner(r, e)
		if !ok {
			return nil
		}
		groups, err := co.identities.GroupStructures(owned)
		if err != nil {
			co.log.Warnf("could not list groups of %s: %v", owned, err)
			r.fail(err)
			return nil
		}
		for _, g := range groups {
			if g.Type != model.GroupOwned || !g.Involves(e.RemoteIdentity) {
				continue
			}
			g := g
			if co.post(r, func() (*model.Message, error) {
				return co.protocols.GroupReinviteMessage(owned, g.UID, e.RemoteIdentity)
			}) {
				co.log.Debugf("reinviting %s to group %s", e.RemoteIdentity, g.UID)
			}
		}
		return nil
	})
}

func (co *Coordinator) queryJoinedGroupMembers(ctx context.Context, e *events.ChannelConfirmed) *Report {
	return co.run(ctx, PassGroupMembersQuery, func(r *Report) error {
		owned, ok := co.confirmedOwner(r, e)
		if !ok {
			return nil
		}
		groups, err := co.identities.GroupStructures(owned)
		if err != nil {
			co.log.Warnf("could not list groups of %s: %v", owned, err)
			r.fail(err)
			return nil
		}
		for _, g := range groups {
			if g.Type != model.GroupJoined || g.Owner != e.RemoteIdentity {
				continue
			}
			g := g
			if co.post(r, func() (*model.Message, error) {
				return co.protocols.GroupMembersQueryMessage(owned, g.UID, g.Owner)
			}) {
				co.log.Debugf("querying members of group %s from %s", g.UID, g.Owner)
			}
		}
		return nil
	})
}
