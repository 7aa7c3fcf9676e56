// This package is the channel store: the oblivious channels established between a local device and a
// remote device, and the queue of protocol messages waiting to be processed by the protocol runtime.
//
// As with the identity store, every method works on the transaction currently running on the database.
package channel

import (
	"fmt"

	"github.com/meow-io/go-obvsync/clock"
	"github.com/meow-io/go-obvsync/config"
	"github.com/meow-io/go-obvsync/events"
	"github.com/meow-io/go-obvsync/ids"
	"github.com/meow-io/go-obvsync/internal/db"
	"github.com/meow-io/go-obvsync/model"
	"go.uber.org/zap"
)

// QueuedMessage is one entry of the protocol message queue. Recipient is zero for entries processed
// locally.
type QueuedMessage struct {
	ID        ids.ID
	Recipient ids.ID
	Message   *model.Message
	CtimeMs   uint64
}

type Store struct {
	log   *zap.SugaredLogger
	db    *database
	bus   *events.Bus
	clock clock.Clock
}

func NewStore(c *config.Config, d *db.Database, cl clock.Clock, bus *events.Bus) (*Store, error) {
	database, err := newDatabase(d)
	if err != nil {
		return nil, err
	}
	return &Store{
		log:   c.Logger("channel"),
		db:    database,
		bus:   bus,
		clock: cl,
	}, nil
}

func toRow(ci model.ChannelIdentifier) *channel {
	return &channel{
		LocalDevice:    ci.LocalDevice[:],
		RemoteIdentity: ci.RemoteIdentity[:],
		RemoteDevice:   ci.RemoteDevice[:],
	}
}

func (s *Store) ChannelIdentifiers() ([]model.ChannelIdentifier, error) {
	rows, err := s.db.channels()
	if err != nil {
		return nil, err
	}
	identifiers := make([]model.ChannelIdentifier, 0, len(rows))
	for _, r := range rows {
		local, err := ids.IDFromBytes(r.LocalDevice)
		if err != nil {
			return nil, readErr("channels", err)
		}
		remote, err := ids.IdentityFromBytes(r.RemoteIdentity)
		if err != nil {
			return nil, readErr("channels", err)
		}
		device, err := ids.IDFromBytes(r.RemoteDevice)
		if err != nil {
			return nil, readErr("channels", err)
		}
		identifiers = append(identifiers, model.ChannelIdentifier{LocalDevice: local, RemoteIdentity: remote, RemoteDevice: device})
	}
	return identifiers, nil
}

func (s *Store) ChannelExists(ci model.ChannelIdentifier) (bool, error) {
	n, err := s.db.channelCount(toRow(ci))
	if err != nil {
		return false, err
	}
	return n != 0, nil
}

// DeleteChannel is a no-op for unknown channels.
func (s *Store) DeleteChannel(ci model.ChannelIdentifier) error {
	deleted, err := s.db.deleteChannel(toRow(ci))
	if err != nil {
		return err
	}
	if deleted {
		s.log.Debugf("deleted channel %s flow=%s", ci, s.db.Flow())
	}
	return nil
}

// ConfirmChannel records an established channel, publishing ChannelConfirmed when it is new.
func (s *Store) ConfirmChannel(ci model.ChannelIdentifier) error {
	row := toRow(ci)
	row.ConfirmedMs = s.clock.CurrentTimeMs()
	inserted, err := s.db.insertChannel(row)
	if err != nil {
		return err
	}
	if inserted {
		s.log.Infof("confirmed channel %s", ci)
		s.db.AfterCommit(func() {
			s.bus.Publish(&events.ChannelConfirmed{CurrentDevice: ci.LocalDevice, RemoteIdentity: ci.RemoteIdentity, RemoteDevice: ci.RemoteDevice})
		})
	}
	return nil
}

// Post queues msg for the protocol runtime: one entry per recipient device, or a single local entry when
// the message has none. Returns the ids of the entries created.
func (s *Store) Post(msg *model.Message) ([]ids.ID, error) {
	if msg == nil {
		return nil, fmt.Errorf("channel: error posting nil message: %w", model.ErrProtocolPost)
	}
	body, err := msg.Encode()
	if err != nil {
		return nil, fmt.Errorf("channel: error posting %s message: %w: %w", msg.Kind, model.ErrProtocolPost, err)
	}

	recipients := msg.RecipientDevices
	if len(recipients) == 0 {
		recipients = []ids.ID{{}}
	}
	now := s.clock.CurrentTimeMs()
	posted := make([]ids.ID, 0, len(recipients))
	for _, r := range recipients {
		r := r
		id := ids.NewID()
		qm := &queuedMessage{
			ID:      id[:],
			Kind:    uint8(msg.Kind),
			Body:    body,
			CtimeMs: now,
		}
		if !r.IsZero() {
			qm.Recipient = r[:]
		}
		if err := s.db.insertQueuedMessage(qm); err != nil {
			return nil, fmt.Errorf("channel: error posting %s message: %w: %w", msg.Kind, model.ErrProtocolPost, err)
		}
		posted = append(posted, id)
	}
	s.log.Debugf("posted %s message %s as %d entries flow=%s", msg.Kind, msg.InstanceID, len(posted), s.db.Flow())
	s.db.AfterCommit(func() { s.bus.Publish(&events.MessagesQueued{IDs: posted}) })
	return posted, nil
}

// QueuedMessages returns up to limit entries, oldest first.
func (s *Store) QueuedMessages(limit int) ([]*QueuedMessage, error) {
	rows, err := s.db.queuedMessages(limit)
	if err != nil {
		return nil, err
	}
	return decodeQueued(rows)
}

// QueuedMessagesOfKind returns every entry holding a message of the given kind, oldest first.
func (s *Store) QueuedMessagesOfKind(kind model.ProtocolKind) ([]*QueuedMessage, error) {
	rows, err := s.db.queuedMessagesOfKind(uint8(kind))
	if err != nil {
		return nil, err
	}
	return decodeQueued(rows)
}

func decodeQueued(rows []*queuedMessage) ([]*QueuedMessage, error) {
	messages := make([]*QueuedMessage, 0, len(rows))
	for _, r := range rows {
		id, err := ids.IDFromBytes(r.ID)
		if err != nil {
			return nil, readErr("queued messages", err)
		}
		qm := &QueuedMessage{ID: id, CtimeMs: r.CtimeMs}
		if r.Recipient != nil {
			if qm.Recipient, err = ids.IDFromBytes(r.Recipient); err != nil {
				return nil, readErr("queued messages", err)
			}
		}
		if qm.Message, err = model.DecodeMessage(r.Body); err != nil {
			return nil, readErr("queued messages", err)
		}
		messages = append(messages, qm)
	}
	return messages, nil
}

// DeleteQueuedMessage reports whether the entry existed.
func (s *Store) DeleteQueuedMessage(id ids.ID) (bool, error) {
	return s.db.deleteQueuedMessage(id[:])
}

func (s *Store) QueuedMessageCount() (int, error) {
	return s.db.queuedMessageCount()
}
