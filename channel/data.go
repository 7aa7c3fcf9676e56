package channel

import (
	"database/sql"
	"fmt"

	"github.com/meow-io/go-obvsync/internal/db"
	"github.com/meow-io/go-obvsync/migration"
	"github.com/meow-io/go-obvsync/model"
)

type channel struct {
	LocalDevice    []byte `db:"local_device"`
	RemoteIdentity []byte `db:"remote_identity"`
	RemoteDevice   []byte `db:"remote_device"`
	ConfirmedMs    uint64 `db:"confirmed_ms"`
}

type queuedMessage struct {
	ID        []byte `db:"id"`
	Kind      uint8  `db:"kind"`
	Recipient []byte `db:"recipient"`
	Body      []byte `db:"body"`
	CtimeMs   uint64 `db:"ctime_ms"`
}

type database struct {
	*db.Database
}

func newDatabase(internalDB *db.Database) (*database, error) {
	d := &database{internalDB}
	if err := internalDB.Migrate("_channel", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _channels (
						local_device BLOB NOT NULL,
						remote_identity BLOB NOT NULL,
						remote_device BLOB NOT NULL,
						confirmed_ms INTEGER NOT NULL,
						PRIMARY KEY (local_device, remote_identity, remote_device)
					);

					CREATE TABLE _queued_messages (
						id BLOB PRIMARY KEY,
						kind INTEGER NOT NULL,
						recipient BLOB,
						body BLOB NOT NULL,
						ctime_ms INTEGER NOT NULL
					);
					CREATE INDEX queued_messages_ctime_idx on _queued_messages (ctime_ms);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}

	return d, nil
}

func readErr(what string, err error) error {
	return fmt.Errorf("channel: error getting %s: %w: %w", what, model.ErrStoreRead, err)
}

func writeErr(what string, err error) error {
	return fmt.Errorf("channel: error %s: %w: %w", what, model.ErrStoreWrite, err)
}

func (db *database) channels() ([]*channel, error) {
	var channels []*channel
	if err := db.Tx.Select(&channels, "SELECT * FROM _channels"); err != nil {
		return nil, readErr("channels", err)
	}
	return channels, nil
}

func (db *database) channelCount(c *channel) (int, error) {
	var n int
	if err := db.Tx.Get(&n, "SELECT count(*) FROM _channels WHERE local_device = $1 AND remote_identity = $2 AND remote_device = $3", c.LocalDevice, c.RemoteIdentity, c.RemoteDevice); err != nil {
		return 0, readErr("channel", err)
	}
	return n, nil
}

// Returns false when the channel was already there.
func (db *database) insertChannel(c *channel) (bool, error) {
	res, err := db.Tx.NamedExec("INSERT INTO _channels (local_device, remote_identity, remote_device, confirmed_ms) VALUES (:local_device, :remote_identity, :remote_device, :confirmed_ms) ON CONFLICT DO NOTHING", c)
	if err != nil {
		return false, writeErr("inserting channel", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, writeErr("inserting channel", err)
	}
	return n == 1, nil
}

func (db *database) deleteChannel(c *channel) (bool, error) {
	res, err := db.Tx.NamedExec("DELETE FROM _channels WHERE local_device = :local_device AND remote_identity = :remote_identity AND remote_device = :remote_device", c)
	if err != nil {
		return false, writeErr("deleting channel", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, writeErr("deleting channel", err)
	}
	return n == 1, nil
}

func (db *database) insertQueuedMessage(qm *queuedMessage) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _queued_messages (id, kind, recipient, body, ctime_ms) VALUES (:id, :kind, :recipient, :body, :ctime_ms)", qm); err != nil {
		return writeErr("inserting queued message", err)
	}
	return nil
}

func (db *database) queuedMessages(limit int) ([]*queuedMessage, error) {
	var messages []*queuedMessage
	if err := db.Tx.Select(&messages, "SELECT * FROM _queued_messages ORDER BY ctime_ms, rowid LIMIT $1", limit); err != nil {
		return nil, readErr("queued messages", err)
	}
	return messages, nil
}

func (db *database) queuedMessagesOfKind(kind uint8) ([]*queuedMessage, error) {
	var messages []*queuedMessage
	if err := db.Tx.Select(&messages, "SELECT * FROM _queued_messages WHERE kind = $1 ORDER BY ctime_ms, rowid", kind); err != nil {
		return nil, readErr("queued messages", err)
	}
	return messages, nil
}

func (db *database) deleteQueuedMessage(id []byte) (bool, error) {
	res, err := db.Tx.Exec("DELETE FROM _queued_messages WHERE id = $1", id)
	if err != nil {
		return false, writeErr("deleting queued message", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, writeErr("deleting queued message", err)
	}
	return n == 1, nil
}

func (db *database) queuedMessageCount() (int, error) {
	var n int
	if err := db.Tx.Get(&n, "SELECT count(*) FROM _queued_messages"); err != nil {
		return 0, readErr("queued message count", err)
	}
	return n, nil
}
