package model

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/meow-io/go-obvsync/ids"
)

type ProtocolKind uint8

const (
	ChannelCreationWithContactDevice ProtocolKind = iota + 1
	DeviceDiscoveryForContactIdentity
	GroupManagementReinvite
	GroupManagementMembersQuery
	GroupV2BatchKeysResend
)

func (k ProtocolKind) String() string {
	switch k {
	case ChannelCreationWithContactDevice:
		return "channel-creation"
	case DeviceDiscoveryForContactIdentity:
		return "device-discovery"
	case GroupManagementReinvite:
		return "group-reinvite"
	case GroupManagementMembersQuery:
		return "group-members-query"
	case GroupV2BatchKeysResend:
		return "batch-keys-resend"
	default:
		return fmt.Sprintf("protocol(%d)", uint8(k))
	}
}

// Message is the initial message of a protocol. A message without recipient devices is processed
// locally and produces a single queue entry; otherwise one entry is queued per recipient device.
type Message struct {
	InstanceID       ids.ID       `cbor:"1,keyasint"`
	Kind             ProtocolKind `cbor:"2,keyasint"`
	Owned            ids.Identity `cbor:"3,keyasint"`
	Remote           ids.Identity `cbor:"4,keyasint"`
	RemoteDevice     ids.ID       `cbor:"5,keyasint"`
	GroupUID         ids.ID       `cbor:"6,keyasint"`
	RecipientDevices []ids.ID     `cbor:"7,keyasint,omitempty"`
}

// ChannelCreationKey is only meaningful for channel creation messages.
func (m *Message) ChannelCreationKey() ChannelCreationKey {
	return ChannelCreationKey{Owned: m.Owned, Contact: m.Remote, Device: m.RemoteDevice}
}

func (m *Message) Encode() ([]byte, error) {
	b, err := cbor.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("model: error encoding %s message: %w", m.Kind, err)
	}
	return b, nil
}

func DecodeMessage(b []byte) (*Message, error) {
	m := &Message{}
	if err := cbor.Unmarshal(b, m); err != nil {
		return nil, fmt.Errorf("model: error decoding message: %w", err)
	}
	return m, nil
}
