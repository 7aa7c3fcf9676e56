package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/meow-io/go-obvsync/config"
	"github.com/meow-io/go-obvsync/migration"
	"go.uber.org/zap"
)

type migrator struct {
	db         *Database
	name       string
	tableName  string
	log        *zap.SugaredLogger
	migrations []*migration.Migration
}

func newMigrator(c *config.Config, db *Database, name string, migrations []*migration.Migration) *migrator {
	return &migrator{
		db:         db,
		log:        c.Logger(fmt.Sprintf("migrator/%s", name)),
		name:       name,
		tableName:  fmt.Sprintf("_migrations_%s", name),
		migrations: migrations,
	}
}

// Applies every migration not yet recorded in the migrations table, each in its own transaction.
func (m *migrator) migrate() error {
	var count int
	if err := m.db.Run(context.Background(), fmt.Sprintf("prepare %s migrator", m.name), func() error {
		_, err := m.db.Tx.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id INT8 NOT NULL,
			version VARCHAR(255) NOT NULL,
			PRIMARY KEY (id)
		);
	`, m.tableName))
		if err != nil {
			return err
		}

		if err := m.db.Tx.Get(&count, fmt.Sprintf("SELECT count(*) FROM %s", m.tableName)); err != nil {
			return err
		}

		if count > len(m.migrations) {
			return errors.New("migrator: applied migration number on db cannot be greater than the defined migration list")
		}
		return nil
	}); err != nil {
		return err
	}

	for idx, mig := range m.migrations[count:] {
		if err := m.performMigration(idx+count, mig); err != nil {
			return fmt.Errorf("migrator: error while running migrations: %w", err)
		}
	}
	return nil
}

func (m *migrator) performMigration(id int, mig *migration.Migration) error {
	return m.db.Run(context.Background(), mig.String(), func() error {
		m.log.Debugf("applying migration named '%s'...", mig.Name)
		if err := mig.Func(m.db.Tx.Tx); err != nil {
			return fmt.Errorf("error executing golang migration: %w", err)
		}
		if _, err := m.db.Tx.Exec(fmt.Sprintf("INSERT INTO %s (id, version) VALUES (?, ?)", m.tableName), id, mig.String()); err != nil {
			return fmt.Errorf("error updating migration versions: %w", err)
		}
		m.log.Debugf("applied migration named '%s'", mig.Name)
		return nil
	})
}
