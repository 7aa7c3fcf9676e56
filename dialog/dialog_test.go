package dialog

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/meow-io/go-obvsync/clock"
	"github.com/meow-io/go-obvsync/config"
	"github.com/meow-io/go-obvsync/events"
	"github.com/meow-io/go-obvsync/identity"
	"github.com/meow-io/go-obvsync/ids"
	"github.com/meow-io/go-obvsync/internal/test"
	"github.com/meow-io/go-obvsync/model"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

func TestObsolete(t *testing.T) {
	c := config.NewConfig(config.WithRootDir(t.TempDir()), config.WithDialogMaxAgeMs(int64(time.Hour/time.Millisecond)))
	d := test.NewTestDatabase(c)
	defer d.Shutdown()
	cl := clock.NewManualClock(time.UnixMilli(1_700_000_000_000))
	identities, err := identity.NewStore(c, d, events.NewBus(c))
	require.NoError(t, err)
	s, err := NewStore(c, d, cl, identities)
	require.NoError(t, err)

	owned := ids.NewIdentity()
	mine := &model.Dialog{Owned: owned, Category: "invitation"}
	orphan := &model.Dialog{Owned: ids.NewIdentity(), Category: "invitation"}
	require.NoError(t, d.Run(context.Background(), "setup", func() error {
		if err := identities.AddOwnedIdentity(owned, ids.NewID()); err != nil {
			return err
		}
		if err := s.Insert(mine); err != nil {
			return err
		}
		return s.Insert(orphan)
	}))
	require.False(t, mine.ID.IsZero())
	require.Equal(t, cl.CurrentTimeMs(), mine.CtimeMs)

	require.NoError(t, d.Run(context.Background(), "check", func() error {
		obsolete, err := s.Obsolete(mine)
		require.NoError(t, err)
		require.False(t, obsolete)
		obsolete, err = s.Obsolete(orphan)
		require.NoError(t, err)
		require.True(t, obsolete)
		return nil
	}))

	cl.Advance(time.Hour + time.Millisecond)
	require.NoError(t, d.Run(context.Background(), "expire", func() error {
		obsolete, err := s.Obsolete(mine)
		require.NoError(t, err)
		require.True(t, obsolete)

		require.NoError(t, s.Delete(mine.ID))
		dialogs, err := s.Dialogs()
		require.NoError(t, err)
		require.Len(t, dialogs, 1)
		require.Equal(t, orphan.ID, dialogs[0].ID)
		return nil
	}))
}
