// This package persists the user-facing dialogs produced by protocols and decides when one has become
// obsolete. Methods work on the transaction currently running on the database.
package dialog

import (
	"database/sql"
	"fmt"

	"github.com/meow-io/go-obvsync/clock"
	"github.com/meow-io/go-obvsync/config"
	"github.com/meow-io/go-obvsync/identity"
	"github.com/meow-io/go-obvsync/ids"
	"github.com/meow-io/go-obvsync/internal/db"
	"github.com/meow-io/go-obvsync/migration"
	"github.com/meow-io/go-obvsync/model"
	"go.uber.org/zap"
)

type dialog struct {
	ID       []byte `db:"id"`
	Owned    []byte `db:"owned"`
	Category string `db:"category"`
	CtimeMs  uint64 `db:"ctime_ms"`
}

type database struct {
	*db.Database
}

type Store struct {
	log        *zap.SugaredLogger
	config     *config.Config
	db         *database
	identities *identity.Store
	clock      clock.Clock
}

func NewStore(c *config.Config, d *db.Database, cl clock.Clock, identities *identity.Store) (*Store, error) {
	if err := d.Migrate("_dialog", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _dialogs (
						id BLOB PRIMARY KEY,
						owned BLOB NOT NULL,
						category STRING NOT NULL,
						ctime_ms INTEGER NOT NULL
					);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}
	return &Store{
		log:        c.Logger("dialog"),
		config:     c,
		db:         &database{d},
		identities: identities,
		clock:      cl,
	}, nil
}

func (s *Store) Dialogs() ([]*model.Dialog, error) {
	var rows []*dialog
	if err := s.db.Tx.Select(&rows, "SELECT * FROM _dialogs ORDER BY ctime_ms"); err != nil {
		return nil, fmt.Errorf("dialog: error getting dialogs: %w: %w", model.ErrStoreRead, err)
	}
	dialogs := make([]*model.Dialog, 0, len(rows))
	for _, r := range rows {
		id, err := ids.IDFromBytes(r.ID)
		if err != nil {
			return nil, fmt.Errorf("dialog: error reading dialog: %w: %w", model.ErrStoreRead, err)
		}
		owned, err := ids.IdentityFromBytes(r.Owned)
		if err != nil {
			return nil, fmt.Errorf("dialog: error reading dialog: %w: %w", model.ErrStoreRead, err)
		}
		dialogs = append(dialogs, &model.Dialog{ID: id, Owned: owned, Category: r.Category, CtimeMs: r.CtimeMs})
	}
	return dialogs, nil
}

// Insert stores d, stamping its creation time when unset.
func (s *Store) Insert(d *model.Dialog) error {
	if d.ID.IsZero() {
		d.ID = ids.NewID()
	}
	if d.CtimeMs == 0 {
		d.CtimeMs = s.clock.CurrentTimeMs()
	}
	if _, err := s.db.Tx.NamedExec("INSERT INTO _dialogs (id, owned, category, ctime_ms) VALUES (:id, :owned, :category, :ctime_ms)", &dialog{
		ID:       d.ID[:],
		Owned:    d.Owned[:],
		Category: d.Category,
		CtimeMs:  d.CtimeMs,
	}); err != nil {
		return fmt.Errorf("dialog: error inserting dialog: %w: %w", model.ErrStoreWrite, err)
	}
	return nil
}

func (s *Store) Delete(id ids.ID) error {
	if _, err := s.db.Tx.Exec("DELETE FROM _dialogs WHERE id = $1", id[:]); err != nil {
		return fmt.Errorf("dialog: error deleting dialog: %w: %w", model.ErrStoreWrite, err)
	}
	return nil
}

// Obsolete is true once d is older than the configured maximum age or its owned identity is gone.
func (s *Store) Obsolete(d *model.Dialog) (bool, error) {
	now := s.clock.CurrentTimeMs()
	if s.config.DialogMaxAgeMs > 0 && now > d.CtimeMs && now-d.CtimeMs > uint64(s.config.DialogMaxAgeMs) {
		return true, nil
	}
	exists, err := s.identities.OwnedIdentityExists(d.Owned)
	if err != nil {
		return false, err
	}
	return !exists, nil
}
