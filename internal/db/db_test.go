package db_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/meow-io/go-obvsync/config"
	"github.com/meow-io/go-obvsync/flow"
	"github.com/meow-io/go-obvsync/internal/db"
	"github.com/meow-io/go-obvsync/internal/test"
	"github.com/meow-io/go-obvsync/migration"
	"github.com/meow-io/go-obvsync/model"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

var migrations = []*migration.Migration{
	{
		Name: "create parents and children",
		Func: func(tx *sql.Tx) error {
			if _, err := tx.Exec(`CREATE TABLE parents (id INTEGER PRIMARY KEY)`); err != nil {
				return err
			}
			_, err := tx.Exec(`CREATE TABLE children (id INTEGER PRIMARY KEY, parent_id INTEGER NOT NULL REFERENCES parents(id))`)
			return err
		},
	},
}

func newDB(t *testing.T) *db.Database {
	d := test.NewTestDatabase(config.NewConfig())
	require.NoError(t, d.Migrate("test", migrations))
	t.Cleanup(func() { _ = d.Shutdown() })
	return d
}

func count(t *testing.T, d *db.Database, table string) int {
	var n int
	require.NoError(t, d.RunReadOnly(context.Background(), "count", func() error {
		return d.Tx.Get(&n, "SELECT count(*) FROM "+table)
	}))
	return n
}

func TestRunCommitsAndFiresAfterCommit(t *testing.T) {
	d := newDB(t)
	fired := make(chan struct{})
	require.NoError(t, d.Run(context.Background(), "insert", func() error {
		d.AfterCommit(func() { close(fired) })
		_, err := d.Tx.Exec("INSERT INTO parents (id) VALUES (1)")
		return err
	}))
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("after commit callback not run")
	}
	require.Equal(t, 1, count(t, d, "parents"))
}

func TestRunnerErrorRollsBack(t *testing.T) {
	d := newDB(t)
	boom := errors.New("boom")
	fired := false
	err := d.Run(context.Background(), "insert", func() error {
		d.AfterCommit(func() { fired = true })
		if _, err := d.Tx.Exec("INSERT INTO parents (id) VALUES (1)"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 0, count(t, d, "parents"))
	require.False(t, fired)
}

func TestBeforeCommitErrorRollsBack(t *testing.T) {
	d := newDB(t)
	boom := errors.New("boom")
	err := d.Run(context.Background(), "insert", func() error {
		d.BeforeCommit(func() error { return boom })
		_, err := d.Tx.Exec("INSERT INTO parents (id) VALUES (1)")
		return err
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 0, count(t, d, "parents"))
}

func TestCommitFailureIsReported(t *testing.T) {
	d := newDB(t)
	fired := false
	// foreign keys are deferred so the dangling child is only rejected at commit
	err := d.Run(context.Background(), "dangling child", func() error {
		d.AfterCommit(func() { fired = true })
		_, err := d.Tx.Exec("INSERT INTO children (id, parent_id) VALUES (1, 42)")
		return err
	})
	require.ErrorIs(t, err, model.ErrTransactionCommit)
	require.False(t, fired)
	require.Equal(t, 0, count(t, d, "children"))
}

func TestRunTagsFlow(t *testing.T) {
	d := newDB(t)
	id := flow.New()
	ctx := flow.With(context.Background(), id)
	var seen flow.ID
	require.NoError(t, d.Run(ctx, "flow", func() error {
		seen = d.Flow()
		return nil
	}))
	require.Equal(t, id, seen)

	require.NoError(t, d.Run(context.Background(), "fresh flow", func() error {
		seen = d.Flow()
		return nil
	}))
	require.NotEqual(t, id, seen)
	require.NotEqual(t, flow.ID{}, seen)
}

func TestRunAsync(t *testing.T) {
	d := newDB(t)
	res := d.RunAsync(context.Background(), "async insert", func() error {
		_, err := d.Tx.Exec("INSERT INTO parents (id) VALUES (7)")
		return err
	})
	select {
	case err := <-res:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("async run did not finish")
	}
	require.Equal(t, 1, count(t, d, "parents"))
}

func TestMigrateIsIdempotent(t *testing.T) {
	d := newDB(t)
	require.NoError(t, d.Migrate("test", migrations))
	require.Equal(t, 0, count(t, d, "parents"))
}
