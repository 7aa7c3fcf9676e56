package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	p := filepath.Join(t.TempDir(), "obvsync.toml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestDefaults(t *testing.T) {
	c := NewConfig(WithBackgroundWorkers(0))
	require.Equal(t, 1, c.BackgroundWorkers)
	require.Equal(t, 100, c.QueueBatchSize)
	require.Equal(t, ".", c.RootDir)
}

func TestLoadFile(t *testing.T) {
	p := writeFile(t, `
debug = true
logging_prefix = "cli"
background_workers = 8
dialog_max_age_ms = 1000
`)
	opts, err := LoadFile(p)
	require.NoError(t, err)

	c := NewConfig(opts...)
	require.True(t, c.Debug)
	require.Equal(t, "cli", c.LoggingPrefix)
	require.Equal(t, 8, c.BackgroundWorkers)
	require.Equal(t, int64(1000), c.DialogMaxAgeMs)
	require.Equal(t, 100, c.QueueBatchSize)
}

func TestLoadFileRejectsUnknownKeys(t *testing.T) {
	p := writeFile(t, `background_wrokers = 8`)
	_, err := LoadFile(p)
	require.ErrorContains(t, err, "background_wrokers")
}

func TestLoadFileRejectsNonPositiveWorkers(t *testing.T) {
	p := writeFile(t, `background_workers = 0`)
	_, err := LoadFile(p)
	require.Error(t, err)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}
