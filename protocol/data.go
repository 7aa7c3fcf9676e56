package protocol

import (
	"database/sql"
	"fmt"

	"github.com/meow-io/go-obvsync/internal/db"
	"github.com/meow-io/go-obvsync/migration"
	"github.com/meow-io/go-obvsync/model"
)

type channelCreation struct {
	Owned      []byte `db:"owned"`
	Contact    []byte `db:"contact"`
	Device     []byte `db:"device"`
	InstanceID []byte `db:"instance_id"`
	CtimeMs    uint64 `db:"ctime_ms"`
}

type deviceDiscovery struct {
	Owned      []byte `db:"owned"`
	Contact    []byte `db:"contact"`
	InstanceID []byte `db:"instance_id"`
	CtimeMs    uint64 `db:"ctime_ms"`
}

type settledDiscovery struct {
	Owned     []byte `db:"owned"`
	Contact   []byte `db:"contact"`
	SettledMs uint64 `db:"settled_ms"`
}

type database struct {
	*db.Database
}

func newDatabase(internalDB *db.Database) (*database, error) {
	d := &database{internalDB}
	if err := internalDB.Migrate("_protocol", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _channel_creations (
						owned BLOB NOT NULL,
						contact BLOB NOT NULL,
						device BLOB NOT NULL,
						instance_id BLOB NOT NULL,
						ctime_ms INTEGER NOT NULL,
						PRIMARY KEY (owned, contact, device)
					);
				`)
				return err
			},
		},
		{
			Name: "Track running device discoveries",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _device_discoveries (
						owned BLOB NOT NULL,
						contact BLOB NOT NULL,
						instance_id BLOB NOT NULL,
						ctime_ms INTEGER NOT NULL,
						PRIMARY KEY (owned, contact)
					);
				`)
				return err
			},
		},
		{
			Name: "Track settled device discoveries",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _settled_device_discoveries (
						owned BLOB NOT NULL,
						contact BLOB NOT NULL,
						settled_ms INTEGER NOT NULL,
						PRIMARY KEY (owned, contact)
					);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}
	return d, nil
}

func (db *database) channelCreations() ([]*channelCreation, error) {
	var creations []*channelCreation
	if err := db.Tx.Select(&creations, "SELECT * FROM _channel_creations"); err != nil {
		return nil, fmt.Errorf("protocol: error getting channel creations: %w: %w", model.ErrStoreRead, err)
	}
	return creations, nil
}

// Returns false when an instance already runs for the same triple.
func (db *database) insertChannelCreation(cc *channelCreation) (bool, error) {
	res, err := db.Tx.NamedExec("INSERT INTO _channel_creations (owned, contact, device, instance_id, ctime_ms) VALUES (:owned, :contact, :device, :instance_id, :ctime_ms) ON CONFLICT DO NOTHING", cc)
	if err != nil {
		return false, fmt.Errorf("protocol: error inserting channel creation: %w: %w", model.ErrStoreWrite, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("protocol: error inserting channel creation: %w: %w", model.ErrStoreWrite, err)
	}
	return n == 1, nil
}

func (db *database) deleteChannelCreation(owned, contact, device []byte) (bool, error) {
	res, err := db.Tx.Exec("DELETE FROM _channel_creations WHERE owned = $1 AND contact = $2 AND device = $3", owned, contact, device)
	if err != nil {
		return false, fmt.Errorf("protocol: error deleting channel creation: %w: %w", model.ErrStoreWrite, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("protocol: error deleting channel creation: %w: %w", model.ErrStoreWrite, err)
	}
	return n == 1, nil
}

func (db *database) deviceDiscoveries() ([]*deviceDiscovery, error) {
	var discoveries []*deviceDiscovery
	if err := db.Tx.Select(&discoveries, "SELECT * FROM _device_discoveries"); err != nil {
		return nil, fmt.Errorf("protocol: error getting device discoveries: %w: %w", model.ErrStoreRead, err)
	}
	return discoveries, nil
}

// Returns false when a discovery already runs for the same contact.
func (db *database) insertDeviceDiscovery(dd *deviceDiscovery) (bool, error) {
	res, err := db.Tx.NamedExec("INSERT INTO _device_discoveries (owned, contact, instance_id, ctime_ms) VALUES (:owned, :contact, :instance_id, :ctime_ms) ON CONFLICT DO NOTHING", dd)
	if err != nil {
		return false, fmt.Errorf("protocol: error inserting device discovery: %w: %w", model.ErrStoreWrite, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("protocol: error inserting device discovery: %w: %w", model.ErrStoreWrite, err)
	}
	return n == 1, nil
}

func (db *database) deleteDeviceDiscovery(owned, contact []byte) (bool, error) {
	res, err := db.Tx.Exec("DELETE FROM _device_discoveries WHERE owned = $1 AND contact = $2", owned, contact)
	if err != nil {
		return false, fmt.Errorf("protocol: error deleting device discovery: %w: %w", model.ErrStoreWrite, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("protocol: error deleting device discovery: %w: %w", model.ErrStoreWrite, err)
	}
	return n == 1, nil
}

func (db *database) settledDiscoveries() ([]*settledDiscovery, error) {
	var settled []*settledDiscovery
	if err := db.Tx.Select(&settled, "SELECT * FROM _settled_device_discoveries"); err != nil {
		return nil, fmt.Errorf("protocol: error getting settled device discoveries: %w: %w", model.ErrStoreRead, err)
	}
	return settled, nil
}

func (db *database) upsertSettledDiscovery(sd *settledDiscovery) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _settled_device_discoveries (owned, contact, settled_ms) VALUES (:owned, :contact, :settled_ms) ON CONFLICT (owned, contact) DO UPDATE SET settled_ms = excluded.settled_ms", sd); err != nil {
		return fmt.Errorf("protocol: error recording settled device discovery: %w: %w", model.ErrStoreWrite, err)
	}
	return nil
}
