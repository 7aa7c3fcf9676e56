package identity

import (
	"database/sql"
	"fmt"

	"github.com/meow-io/go-obvsync/internal/db"
	"github.com/meow-io/go-obvsync/migration"
	"github.com/meow-io/go-obvsync/model"
)

type ownedIdentity struct {
	Identity      []byte `db:"identity"`
	CurrentDevice []byte `db:"current_device"`
	Active        bool   `db:"active"`
	APIKey        []byte `db:"api_key"`
}

type contact struct {
	Owned   []byte `db:"owned"`
	Contact []byte `db:"contact"`
	Active  bool   `db:"active"`
}

type contactDevice struct {
	Owned   []byte `db:"owned"`
	Contact []byte `db:"contact"`
	Device  []byte `db:"device"`
}

type knownDevice struct {
	LocalDevice  []byte `db:"local_device"`
	Contact      []byte `db:"contact"`
	RemoteDevice []byte `db:"device"`
}

type group struct {
	UID   []byte `db:"uid"`
	Owned []byte `db:"owned"`
	Owner []byte `db:"owner"`
	Type  int    `db:"type"`
}

type groupMember struct {
	Owned    []byte `db:"owned"`
	GroupUID []byte `db:"group_uid"`
	Member   []byte `db:"member"`
	Pending  bool   `db:"pending"`
}

type database struct {
	*db.Database
}

func newDatabase(internalDB *db.Database) (*database, error) {
	d := &database{internalDB}
	if err := internalDB.Migrate("_identity", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _owned_identities (
						identity BLOB PRIMARY KEY,
						current_device BLOB NOT NULL UNIQUE,
						active INTEGER NOT NULL DEFAULT 1,
						api_key BLOB
					);

					CREATE TABLE _contacts (
						owned BLOB NOT NULL,
						contact BLOB NOT NULL,
						active INTEGER NOT NULL DEFAULT 1,
						PRIMARY KEY (owned, contact),
						FOREIGN KEY (owned) REFERENCES _owned_identities(identity) ON DELETE CASCADE
					);

					CREATE TABLE _contact_devices (
						owned BLOB NOT NULL,
						contact BLOB NOT NULL,
						device BLOB NOT NULL,
						PRIMARY KEY (owned, contact, device),
						FOREIGN KEY (owned, contact) REFERENCES _contacts(owned, contact) ON DELETE CASCADE
					);

					CREATE TABLE _groups (
						uid BLOB NOT NULL,
						owned BLOB NOT NULL,
						owner BLOB NOT NULL,
						type INTEGER NOT NULL,
						PRIMARY KEY (owned, uid),
						FOREIGN KEY (owned) REFERENCES _owned_identities(identity) ON DELETE CASCADE
					);

					CREATE TABLE _group_members (
						owned BLOB NOT NULL,
						group_uid BLOB NOT NULL,
						member BLOB NOT NULL,
						pending INTEGER NOT NULL,
						PRIMARY KEY (owned, group_uid, member),
						FOREIGN KEY (owned, group_uid) REFERENCES _groups(owned, uid) ON DELETE CASCADE
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

func readErr(what string, err error) error {
	return fmt.Errorf("identity: error getting %s: %w: %w", what, model.ErrStoreRead, err)
}

func writeErr(what string, err error) error {
	return fmt.Errorf("identity: error %s: %w: %w", what, model.ErrStoreWrite, err)
}

func (db *database) ownedIdentities() ([]*ownedIdentity, error) {
	var owned []*ownedIdentity
	if err := db.Tx.Select(&owned, "SELECT * FROM _owned_identities ORDER BY identity"); err != nil {
		return nil, readErr("owned identities", err)
	}
	return owned, nil
}

func (db *database) ownedIdentity(identity []byte) (*ownedIdentity, error) {
	o := ownedIdentity{}
	if err := db.Tx.Get(&o, "SELECT * FROM _owned_identities WHERE identity = $1", identity); err != nil {
		return nil, readErr("owned identity", err)
	}
	return &o, nil
}

func (db *database) ownedIdentityForDevice(device []byte) (*ownedIdentity, error) {
	o := ownedIdentity{}
	if err := db.Tx.Get(&o, "SELECT * FROM _owned_identities WHERE current_device = $1", device); err != nil {
		return nil, readErr("owned identity for device", err)
	}
	return &o, nil
}

func (db *database) ownedIdentityCount(identity []byte) (int, error) {
	var n int
	if err := db.Tx.Get(&n, "SELECT count(*) FROM _owned_identities WHERE identity = $1", identity); err != nil {
		return 0, readErr("owned identity count", err)
	}
	return n, nil
}

func (db *database) insertOwnedIdentity(o *ownedIdentity) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _owned_identities (identity, current_device, active, api_key) VALUES (:identity, :current_device, :active, :api_key)", o); err != nil {
		return writeErr("inserting owned identity", err)
	}
	return nil
}

func (db *database) deleteOwnedIdentity(identity []byte) error {
	if _, err := db.Tx.Exec("DELETE FROM _owned_identities WHERE identity = $1", identity); err != nil {
		return writeErr("deleting owned identity", err)
	}
	return nil
}

func (db *database) setOwnedIdentityActive(identity []byte, active bool) error {
	if _, err := db.Tx.Exec("UPDATE _owned_identities SET active = $1 WHERE identity = $2", active, identity); err != nil {
		return writeErr("updating owned identity active flag", err)
	}
	return nil
}

func (db *database) setAPIKey(identity, key []byte) error {
	res, err := db.Tx.Exec("UPDATE _owned_identities SET api_key = $1 WHERE identity = $2", key, identity)
	if err != nil {
		return writeErr("setting api key", err)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return writeErr("setting api key", fmt.Errorf("no owned identity %x", identity))
	}
	return nil
}

func (db *database) contacts(owned []byte) ([]*contact, error) {
	var contacts []*contact
	if err := db.Tx.Select(&contacts, "SELECT * FROM _contacts WHERE owned = $1 ORDER BY contact", owned); err != nil {
		return nil, readErr("contacts", err)
	}
	return contacts, nil
}

func (db *database) contactOrNil(owned, c []byte) (*contact, error) {
	var contacts []*contact
	if err := db.Tx.Select(&contacts, "SELECT * FROM _contacts WHERE owned = $1 AND contact = $2", owned, c); err != nil {
		return nil, readErr("contact", err)
	}
	if len(contacts) == 0 {
		return nil, nil
	}
	return contacts[0], nil
}

func (db *database) upsertContact(c *contact) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _contacts (owned, contact, active) VALUES (:owned, :contact, :active) ON CONFLICT(owned, contact) DO UPDATE SET active = :active", c); err != nil {
		return writeErr("upserting contact", err)
	}
	return nil
}

func (db *database) contactDevices(owned, c []byte) ([]*contactDevice, error) {
	var devices []*contactDevice
	if err := db.Tx.Select(&devices, "SELECT * FROM _contact_devices WHERE owned = $1 AND contact = $2 ORDER BY device", owned, c); err != nil {
		return nil, readErr("contact devices", err)
	}
	return devices, nil
}

// Returns false when the device was already known.
func (db *database) insertContactDevice(cd *contactDevice) (bool, error) {
	res, err := db.Tx.NamedExec("INSERT INTO _contact_devices (owned, contact, device) VALUES (:owned, :contact, :device) ON CONFLICT DO NOTHING", cd)
	if err != nil {
		return false, writeErr("inserting contact device", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, writeErr("inserting contact device", err)
	}
	return n == 1, nil
}

// Returns false when the device was not known.
func (db *database) deleteContactDevice(cd *contactDevice) (bool, error) {
	res, err := db.Tx.NamedExec("DELETE FROM _contact_devices WHERE owned = :owned AND contact = :contact AND device = :device", cd)
	if err != nil {
		return false, writeErr("deleting contact device", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, writeErr("deleting contact device", err)
	}
	return n == 1, nil
}

func (db *database) knownDevices() ([]*knownDevice, error) {
	var known []*knownDevice
	if err := db.Tx.Select(&known, "SELECT o.current_device AS local_device, d.contact, d.device FROM _contact_devices d JOIN _owned_identities o ON o.identity = d.owned"); err != nil {
		return nil, readErr("known devices", err)
	}
	return known, nil
}

func (db *database) upsertGroup(g *group) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _groups (uid, owned, owner, type) VALUES (:uid, :owned, :owner, :type) ON CONFLICT(owned, uid) DO UPDATE SET owner = :owner, type = :type", g); err != nil {
		return writeErr("upserting group", err)
	}
	return nil
}

func (db *database) deleteGroupMembers(owned, groupUID []byte) error {
	if _, err := db.Tx.Exec("DELETE FROM _group_members WHERE owned = $1 AND group_uid = $2", owned, groupUID); err != nil {
		return writeErr("deleting group members", err)
	}
	return nil
}

func (db *database) insertGroupMember(gm *groupMember) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _group_members (owned, group_uid, member, pending) VALUES (:owned, :group_uid, :member, :pending)", gm); err != nil {
		return writeErr("inserting group member", err)
	}
	return nil
}

func (db *database) groups(owned []byte) ([]*group, error) {
	var groups []*group
	if err := db.Tx.Select(&groups, "SELECT * FROM _groups WHERE owned = $1 ORDER BY uid", owned); err != nil {
		return nil, readErr("groups", err)
	}
	return groups, nil
}

func (db *database) groupMembers(owned []byte) ([]*groupMember, error) {
	var members []*groupMember
	if err := db.Tx.Select(&members, "SELECT * FROM _group_members WHERE owned = $1", owned); err != nil {
		return nil, readErr("group members", err)
	}
	return members, nil
}
