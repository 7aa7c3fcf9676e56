package protocol

import (
	"fmt"

	"github.com/meow-io/go-obvsync/ids"
	"github.com/meow-io/go-obvsync/model"
)

func invalid(kind model.ProtocolKind, what string) error {
	return fmt.Errorf("protocol: invalid %s message, %s: %w", kind, what, model.ErrProtocolPost)
}

func (r *Runtime) ChannelCreationMessage(owned, contact ids.Identity, device ids.ID) (*model.Message, error) {
	k := model.ChannelCreationWithContactDevice
	switch {
	case owned.IsZero():
		return nil, invalid(k, "missing owned identity")
	case contact.IsZero():
		return nil, invalid(k, "missing contact")
	case device.IsZero():
		return nil, invalid(k, "missing contact device")
	case owned == contact:
		return nil, invalid(k, "contact is the owned identity")
	}
	return &model.Message{InstanceID: ids.NewID(), Kind: k, Owned: owned, Remote: contact, RemoteDevice: device}, nil
}

func (r *Runtime) DeviceDiscoveryMessage(owned, contact ids.Identity) (*model.Message, error) {
	k := model.DeviceDiscoveryForContactIdentity
	switch {
	case owned.IsZero():
		return nil, invalid(k, "missing owned identity")
	case contact.IsZero():
		return nil, invalid(k, "missing contact")
	}
	return &model.Message{InstanceID: ids.NewID(), Kind: k, Owned: owned, Remote: contact}, nil
}

// GroupReinviteMessage asks the owned group to send its current members to remote again.
func (r *Runtime) GroupReinviteMessage(owned ids.Identity, group ids.ID, remote ids.Identity) (*model.Message, error) {
	k := model.GroupManagementReinvite
	switch {
	case owned.IsZero():
		return nil, invalid(k, "missing owned identity")
	case group.IsZero():
		return nil, invalid(k, "missing group")
	case remote.IsZero():
		return nil, invalid(k, "missing member")
	}
	return &model.Message{InstanceID: ids.NewID(), Kind: k, Owned: owned, Remote: remote, GroupUID: group}, nil
}

// GroupMembersQueryMessage asks owner for the member list of a joined group.
func (r *Runtime) GroupMembersQueryMessage(owned ids.Identity, group ids.ID, owner ids.Identity) (*model.Message, error) {
	k := model.GroupManagementMembersQuery
	switch {
	case owned.IsZero():
		return nil, invalid(k, "missing owned identity")
	case group.IsZero():
		return nil, invalid(k, "missing group")
	case owner.IsZero():
		return nil, invalid(k, "missing group owner")
	}
	return &model.Message{InstanceID: ids.NewID(), Kind: k, Owned: owned, Remote: owner, GroupUID: group}, nil
}

func (r *Runtime) BatchKeysResendMessage(owned, remote ids.Identity, remoteDevice ids.ID) (*model.Message, error) {
	k := model.GroupV2BatchKeysResend
	switch {
	case owned.IsZero():
		return nil, invalid(k, "missing owned identity")
	case remote.IsZero():
		return nil, invalid(k, "missing remote identity")
	case remoteDevice.IsZero():
		return nil, invalid(k, "missing remote device")
	}
	return &model.Message{InstanceID: ids.NewID(), Kind: k, Owned: owned, Remote: remote, RemoteDevice: remoteDevice}, nil
}
