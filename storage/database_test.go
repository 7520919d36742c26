package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenCreatesDatabaseAndAppliesMigrations(t *testing.T) {
	dataDir := t.TempDir()
	store, dbPath, err := Open(dataDir)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, store.Close())
	}()

	require.Equal(t, filepath.Join(dataDir, DefaultDBFileName), dbPath)
	_, err = os.Stat(dbPath)
	require.NoError(t, err, "database file not created")

	var version int
	require.NoError(t, store.db.QueryRow("PRAGMA user_version;").Scan(&version))
	require.Equal(t, len(migrations), version)

	var journalMode string
	require.NoError(t, store.db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode))
	require.Equal(t, "wal", journalMode)

	for _, table := range []string{"messages", "private_keys"} {
		var count int
		require.NoError(t, store.db.QueryRow(
			"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name = ?",
			table,
		).Scan(&count))
		require.Equal(t, 1, count, "expected table %q to exist", table)
	}
}

func TestReopenKeepsSchemaVersion(t *testing.T) {
	dataDir := t.TempDir()

	first, _, err := Open(dataDir)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, _, err := Open(dataDir)
	require.NoError(t, err)
	defer second.Close()

	var version int
	require.NoError(t, second.db.QueryRow("PRAGMA user_version;").Scan(&version))
	require.Equal(t, len(migrations), version)
}

func TestCloseIsIdempotent(t *testing.T) {
	store, _, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Close())
	require.NoError(t, store.Close())
}
