// This package defines the typed events exchanged between the stores, the protocol runtime, the
// coordinator and the waiter, and a Bus used to publish and subscribe to them.
package events

import (
	"github.com/google/uuid"
	"github.com/meow-io/go-obvsync/flow"
	"github.com/meow-io/go-obvsync/ids"
)

type Kind int

const (
	KindOwnedIdentityReactivated Kind = iota + 1
	KindServerReportedDuplicateDevice
	KindServerReportedDeviceRegistered
	KindContactDeviceDeleted
	KindNewContactDevice
	KindNewOwnedIdentity
	KindNewAPIKey
	KindChannelConfirmed
	KindMessagesQueued
	KindQueuedMessageDeleted
	KindReceiptVerificationSucceeded
	KindReceiptVerificationFailed
)

var kindNames = map[Kind]string{
	KindOwnedIdentityReactivated:       "owned-identity-reactivated",
	KindServerReportedDuplicateDevice:  "server-reported-duplicate-device",
	KindServerReportedDeviceRegistered: "server-reported-device-registered",
	KindContactDeviceDeleted:           "contact-device-deleted",
	KindNewContactDevice:               "new-contact-device",
	KindNewOwnedIdentity:               "new-owned-identity",
	KindNewAPIKey:                      "new-api-key",
	KindChannelConfirmed:               "channel-confirmed",
	KindMessagesQueued:                 "messages-queued",
	KindQueuedMessageDeleted:           "queued-message-deleted",
	KindReceiptVerificationSucceeded:   "receipt-verification-succeeded",
	KindReceiptVerificationFailed:      "receipt-verification-failed",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

type Event interface {
	Kind() Kind
}

type OwnedIdentityReactivated struct {
	Owned ids.Identity
	Flow  flow.ID
}

type ServerReportedDuplicateDevice struct {
	Owned ids.Identity
	Flow  flow.ID
}

type ServerReportedDeviceRegistered struct {
	Owned ids.Identity
	Flow  flow.ID
}

type ContactDeviceDeleted struct {
	Owned   ids.Identity
	Contact ids.Identity
	Device  ids.ID
	Flow    flow.ID
}

type NewContactDevice struct {
	Owned   ids.Identity
	Contact ids.Identity
	Device  ids.ID
	Flow    flow.ID
}

type NewOwnedIdentity struct {
	Owned ids.Identity
}

// NewAPIKey is emitted when a free trial key is granted (TransactionID empty) or when a store receipt
// was verified by the server (TransactionID set).
type NewAPIKey struct {
	Owned         ids.Identity
	APIKey        uuid.UUID
	TransactionID string
	Flow          flow.ID
}

type ChannelConfirmed struct {
	CurrentDevice  ids.ID
	RemoteIdentity ids.Identity
	RemoteDevice   ids.ID
}

type MessagesQueued struct {
	IDs []ids.ID
}

type QueuedMessageDeleted struct {
	ID ids.ID
}

type ReceiptVerificationSucceeded struct {
	Owned         ids.Identity
	TransactionID string
}

type ReceiptVerificationFailed struct {
	Owned         ids.Identity
	TransactionID string
}

func (*OwnedIdentityReactivated) Kind() Kind       { return KindOwnedIdentityReactivated }
func (*ServerReportedDuplicateDevice) Kind() Kind  { return KindServerReportedDuplicateDevice }
func (*ServerReportedDeviceRegistered) Kind() Kind { return KindServerReportedDeviceRegistered }
func (*ContactDeviceDeleted) Kind() Kind           { return KindContactDeviceDeleted }
func (*NewContactDevice) Kind() Kind               { return KindNewContactDevice }
func (*NewOwnedIdentity) Kind() Kind               { return KindNewOwnedIdentity }
func (*NewAPIKey) Kind() Kind                      { return KindNewAPIKey }
func (*ChannelConfirmed) Kind() Kind               { return KindChannelConfirmed }
func (*MessagesQueued) Kind() Kind                 { return KindMessagesQueued }
func (*QueuedMessageDeleted) Kind() Kind           { return KindQueuedMessageDeleted }
func (*ReceiptVerificationSucceeded) Kind() Kind   { return KindReceiptVerificationSucceeded }
func (*ReceiptVerificationFailed) Kind() Kind      { return KindReceiptVerificationFailed }
