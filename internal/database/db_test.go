package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenRunsMigrations(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "nested", "afterhours.db"))
	require.NoError(t, err)
	defer db.Close()

	var version int
	require.NoError(t, db.QueryRow("SELECT MAX(version) FROM migrations").Scan(&version))
	assert.Equal(t, len(allMigrations()), version)

	for _, table := range []string{"oauth_credentials", "audit_log"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		require.NoError(t, err, table)
	}
}

func TestReopenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "afterhours.db")
	db, err := Open(path)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO audit_log (mutation_id, action, state) VALUES ('m1', 'create', 'received')`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM audit_log").Scan(&n))
	assert.Equal(t, 1, n)
}

func TestInMemory(t *testing.T) {
	db, err := Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`INSERT INTO audit_log (mutation_id, action, state) VALUES ('m1', 'remove', 'succeeded')`)
	require.NoError(t, err)

	_, err = db.Exec(`INSERT INTO audit_log (mutation_id, action, state) VALUES ('m2', 'bogus', 'succeeded')`)
	assert.Error(t, err)
}
