// This package defines the data shared between the stores, the protocol runtime, the coordinator and
// the waiter: channel identifiers, reconciliation targets, protocol messages and group structures.
package model

import (
	"fmt"

	"github.com/meow-io/go-obvsync/ids"
)

// ChannelIdentifier names one directional secure channel slot between a local device and a device of a
// remote identity.
type ChannelIdentifier struct {
	LocalDevice    ids.ID
	RemoteIdentity ids.Identity
	RemoteDevice   ids.ID
}

func (c ChannelIdentifier) String() string {
	return fmt.Sprintf("%s->%s/%s", c.LocalDevice, c.RemoteIdentity, c.RemoteDevice)
}

// ChannelCreationKey identifies a channel-creation protocol instance: the owned identity starting it,
// the contact, and the contact device the channel is created with.
type ChannelCreationKey struct {
	Owned   ids.Identity
	Contact ids.Identity
	Device  ids.ID
}

func (k ChannelCreationKey) String() string {
	return fmt.Sprintf("%s->%s/%s", k.Owned, k.Contact, k.Device)
}

// DeviceDiscoveryTarget is a contact whose known device count is not exactly one.
type DeviceDiscoveryTarget struct {
	Owned   ids.Identity
	Contact ids.Identity
}

func (t DeviceDiscoveryTarget) String() string {
	return fmt.Sprintf("%s->%s", t.Owned, t.Contact)
}

// ChannelCreationTarget is a contact device lacking both a channel and a running channel creation.
type ChannelCreationTarget ChannelCreationKey

type GroupType int

const (
	GroupOwned  GroupType = 1
	GroupJoined GroupType = 2
)

func (t GroupType) String() string {
	switch t {
	case GroupOwned:
		return "owned"
	case GroupJoined:
		return "joined"
	default:
		return fmt.Sprintf("group-type(%d)", int(t))
	}
}

type GroupStructure struct {
	UID            ids.ID
	Owned          ids.Identity
	Owner          ids.Identity
	Type           GroupType
	Members        map[ids.Identity]struct{}
	PendingMembers map[ids.Identity]struct{}
}

// Involves reports whether identity is a member or a pending member of the group.
func (g *GroupStructure) Involves(identity ids.Identity) bool {
	if _, ok := g.Members[identity]; ok {
		return true
	}
	_, ok := g.PendingMembers[identity]
	return ok
}

// Dialog is a persisted user-facing dialog produced by a protocol.
type Dialog struct {
	ID       ids.ID
	Owned    ids.Identity
	Category string
	CtimeMs  uint64
}
