// This package is the identity store: owned identities with their current device, their contacts and
// the devices known for each contact, and the group structures the owned identities take part in.
//
// Every method reads or writes the transaction currently running on the database, so callers must be
// inside a db.Run runner. Events are published on the bus once that transaction commits.
package identity

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/meow-io/go-obvsync/config"
	"github.com/meow-io/go-obvsync/events"
	"github.com/meow-io/go-obvsync/ids"
	"github.com/meow-io/go-obvsync/internal/db"
	"github.com/meow-io/go-obvsync/model"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
)

type Store struct {
	log *zap.SugaredLogger
	db  *database
	bus *events.Bus
}

func NewStore(c *config.Config, d *db.Database, bus *events.Bus) (*Store, error) {
	database, err := newDatabase(d)
	if err != nil {
		return nil, err
	}
	return &Store{
		log: c.Logger("identity"),
		db:  database,
		bus: bus,
	}, nil
}

func (s *Store) publish(e events.Event) {
	s.db.AfterCommit(func() { s.bus.Publish(e) })
}

func (s *Store) OwnedIdentities() ([]ids.Identity, error) {
	rows, err := s.db.ownedIdentities()
	if err != nil {
		return nil, err
	}
	owned := make([]ids.Identity, 0, len(rows))
	for _, o := range rows {
		id, err := ids.IdentityFromBytes(o.Identity)
		if err != nil {
			return nil, readErr("owned identities", err)
		}
		owned = append(owned, id)
	}
	return owned, nil
}

func (s *Store) OwnedIdentityExists(owned ids.Identity) (bool, error) {
	n, err := s.db.ownedIdentityCount(owned[:])
	if err != nil {
		return false, err
	}
	return n != 0, nil
}

func (s *Store) IsActive(owned ids.Identity) (bool, error) {
	o, err := s.db.ownedIdentity(owned[:])
	if err != nil {
		return false, err
	}
	return o.Active, nil
}

func (s *Store) CurrentDevice(owned ids.Identity) (ids.ID, error) {
	o, err := s.db.ownedIdentity(owned[:])
	if err != nil {
		return ids.ID{}, err
	}
	id, err := ids.IDFromBytes(o.CurrentDevice)
	if err != nil {
		return ids.ID{}, readErr("current device", err)
	}
	return id, nil
}

func (s *Store) OwnedIdentityForDevice(device ids.ID) (ids.Identity, error) {
	o, err := s.db.ownedIdentityForDevice(device[:])
	if err != nil {
		return ids.Identity{}, err
	}
	id, err := ids.IdentityFromBytes(o.Identity)
	if err != nil {
		return ids.Identity{}, readErr("owned identity for device", err)
	}
	return id, nil
}

// APIKey returns the zero uuid when no key was ever set.
func (s *Store) APIKey(owned ids.Identity) (uuid.UUID, error) {
	o, err := s.db.ownedIdentity(owned[:])
	if err != nil {
		return uuid.UUID{}, err
	}
	if o.APIKey == nil {
		return uuid.UUID{}, nil
	}
	key, err := uuid.FromBytes(o.APIKey)
	if err != nil {
		return uuid.UUID{}, readErr("api key", err)
	}
	return key, nil
}

func (s *Store) Contacts(owned ids.Identity) ([]ids.Identity, error) {
	rows, err := s.db.contacts(owned[:])
	if err != nil {
		return nil, err
	}
	contacts := make([]ids.Identity, 0, len(rows))
	for _, c := range rows {
		id, err := ids.IdentityFromBytes(c.Contact)
		if err != nil {
			return nil, readErr("contacts", err)
		}
		contacts = append(contacts, id)
	}
	return contacts, nil
}

func (s *Store) IsContact(owned, contact ids.Identity) (bool, error) {
	c, err := s.db.contactOrNil(owned[:], contact[:])
	if err != nil {
		return false, err
	}
	return c != nil, nil
}

// IsContactActive is false for identities which are not contacts at all.
func (s *Store) IsContactActive(owned, contact ids.Identity) (bool, error) {
	c, err := s.db.contactOrNil(owned[:], contact[:])
	if err != nil {
		return false, err
	}
	return c != nil && c.Active, nil
}

func (s *Store) ContactDevices(owned, contact ids.Identity) ([]ids.ID, error) {
	rows, err := s.db.contactDevices(owned[:], contact[:])
	if err != nil {
		return nil, err
	}
	devices := make([]ids.ID, 0, len(rows))
	for _, d := range rows {
		id, err := ids.IDFromBytes(d.Device)
		if err != nil {
			return nil, readErr("contact devices", err)
		}
		devices = append(devices, id)
	}
	return devices, nil
}

// KnownDevices returns, for every contact device, the channel identifier a channel with it would have.
func (s *Store) KnownDevices() ([]model.ChannelIdentifier, error) {
	rows, err := s.db.knownDevices()
	if err != nil {
		return nil, err
	}
	known := make([]model.ChannelIdentifier, 0, len(rows))
	for _, r := range rows {
		local, err := ids.IDFromBytes(r.LocalDevice)
		if err != nil {
			return nil, readErr("known devices", err)
		}
		remote, err := ids.IdentityFromBytes(r.Contact)
		if err != nil {
			return nil, readErr("known devices", err)
		}
		device, err := ids.IDFromBytes(r.RemoteDevice)
		if err != nil {
			return nil, readErr("known devices", err)
		}
		known = append(known, model.ChannelIdentifier{LocalDevice: local, RemoteIdentity: remote, RemoteDevice: device})
	}
	return known, nil
}

func (s *Store) GroupStructures(owned ids.Identity) ([]*model.GroupStructure, error) {
	groupRows, err := s.db.groups(owned[:])
	if err != nil {
		return nil, err
	}
	memberRows, err := s.db.groupMembers(owned[:])
	if err != nil {
		return nil, err
	}

	groups := make(map[ids.ID]*model.GroupStructure, len(groupRows))
	order := make([]ids.ID, 0, len(groupRows))
	for _, g := range groupRows {
		uid, err := ids.IDFromBytes(g.UID)
		if err != nil {
			return nil, readErr("groups", err)
		}
		owner, err := ids.IdentityFromBytes(g.Owner)
		if err != nil {
			return nil, readErr("groups", err)
		}
		groups[uid] = &model.GroupStructure{
			UID:            uid,
			Owned:          owned,
			Owner:          owner,
			Type:           model.GroupType(g.Type),
			Members:        make(map[ids.Identity]struct{}),
			PendingMembers: make(map[ids.Identity]struct{}),
		}
		order = append(order, uid)
	}
	for _, m := range memberRows {
		uid, err := ids.IDFromBytes(m.GroupUID)
		if err != nil {
			return nil, readErr("group members", err)
		}
		member, err := ids.IdentityFromBytes(m.Member)
		if err != nil {
			return nil, readErr("group members", err)
		}
		g, ok := groups[uid]
		if !ok {
			continue
		}
		if m.Pending {
			g.PendingMembers[member] = struct{}{}
		} else {
			g.Members[member] = struct{}{}
		}
	}

	structures := make([]*model.GroupStructure, 0, len(order))
	for _, uid := range order {
		structures = append(structures, groups[uid])
	}
	return structures, nil
}

func (s *Store) AddOwnedIdentity(owned ids.Identity, currentDevice ids.ID) error {
	if err := s.db.insertOwnedIdentity(&ownedIdentity{
		Identity:      owned[:],
		CurrentDevice: currentDevice[:],
		Active:        true,
	}); err != nil {
		return err
	}
	s.log.Infof("added owned identity %s with device %s", owned, currentDevice)
	s.publish(&events.NewOwnedIdentity{Owned: owned})
	return nil
}

func (s *Store) DeleteOwnedIdentity(owned ids.Identity) error {
	return s.db.deleteOwnedIdentity(owned[:])
}

func (s *Store) AddContact(owned, c ids.Identity) error {
	return s.db.upsertContact(&contact{Owned: owned[:], Contact: c[:], Active: true})
}

func (s *Store) SetContactActive(owned, contact ids.Identity, active bool) error {
	c, err := s.db.contactOrNil(owned[:], contact[:])
	if err != nil {
		return err
	}
	if c == nil {
		return writeErr("updating contact", fmt.Errorf("%s is not a contact of %s", contact, owned))
	}
	c.Active = active
	return s.db.upsertContact(c)
}

// AddContactDevice records a device for a contact, publishing NewContactDevice when it was not known.
func (s *Store) AddContactDevice(owned, contact ids.Identity, device ids.ID) error {
	added, err := s.db.insertContactDevice(&contactDevice{Owned: owned[:], Contact: contact[:], Device: device[:]})
	if err != nil {
		return err
	}
	if added {
		s.publish(&events.NewContactDevice{Owned: owned, Contact: contact, Device: device, Flow: s.db.Flow()})
	}
	return nil
}

// DeleteContactDevice forgets a device, publishing ContactDeviceDeleted when it was known.
func (s *Store) DeleteContactDevice(owned, contact ids.Identity, device ids.ID) error {
	deleted, err := s.db.deleteContactDevice(&contactDevice{Owned: owned[:], Contact: contact[:], Device: device[:]})
	if err != nil {
		return err
	}
	if deleted {
		s.publish(&events.ContactDeviceDeleted{Owned: owned, Contact: contact, Device: device, Flow: s.db.Flow()})
	}
	return nil
}

// AddGroup replaces the stored structure of the group, members included.
func (s *Store) AddGroup(g *model.GroupStructure) error {
	if err := s.db.upsertGroup(&group{UID: g.UID[:], Owned: g.Owned[:], Owner: g.Owner[:], Type: int(g.Type)}); err != nil {
		return err
	}
	if err := s.db.deleteGroupMembers(g.Owned[:], g.UID[:]); err != nil {
		return err
	}
	for _, m := range maps.Keys(g.Members) {
		m := m
		if err := s.db.insertGroupMember(&groupMember{Owned: g.Owned[:], GroupUID: g.UID[:], Member: m[:]}); err != nil {
			return err
		}
	}
	for _, m := range maps.Keys(g.PendingMembers) {
		m := m
		if _, ok := g.Members[m]; ok {
			continue
		}
		if err := s.db.insertGroupMember(&groupMember{Owned: g.Owned[:], GroupUID: g.UID[:], Member: m[:], Pending: true}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) SetAPIKey(owned ids.Identity, key uuid.UUID) error {
	return s.db.setAPIKey(owned[:], key[:])
}

func (s *Store) DeactivateOwnedIdentity(owned ids.Identity) error {
	if err := s.db.setOwnedIdentityActive(owned[:], false); err != nil {
		return err
	}
	s.log.Infof("deactivated owned identity %s", owned)
	return nil
}

// ReactivateOwnedIdentity publishes OwnedIdentityReactivated only when the identity was inactive.
func (s *Store) ReactivateOwnedIdentity(owned ids.Identity) error {
	o, err := s.db.ownedIdentity(owned[:])
	if err != nil {
		return err
	}
	if o.Active {
		return nil
	}
	if err := s.db.setOwnedIdentityActive(owned[:], true); err != nil {
		return err
	}
	s.log.Infof("reactivated owned identity %s", owned)
	s.publish(&events.OwnedIdentityReactivated{Owned: owned, Flow: s.db.Flow()})
	return nil
}
