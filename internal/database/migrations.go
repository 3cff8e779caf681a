package database

import (
	"fmt"

	"github.com/dtorcivia/afterhours/internal/util"
)

type migration struct {
	version int
	name    string
	sql     string
}

// migrate applies every migration newer than the recorded schema version.
func (db *DB) migrate() error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS migrations (
			version INTEGER PRIMARY KEY,
			applied_at TEXT DEFAULT (datetime('now'))
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var current int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&current); err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	for _, m := range allMigrations() {
		if m.version <= current {
			continue
		}
		if err := db.runMigration(m); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
		}
		util.Debug("Applied migration", "version", m.version, "name", m.name)
	}

	return nil
}

func (db *DB) runMigration(m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.sql); err != nil {
		return err
	}
	if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (?)", m.version); err != nil {
		return err
	}
	return tx.Commit()
}

func allMigrations() []migration {
	return []migration{
		{version: 1, name: "oauth_credentials", sql: migration001Credentials},
		{version: 2, name: "audit_log", sql: migration002AuditLog},
	}
}

const migration001Credentials = `
-- Single-row OAuth credential record, sealed with AES-256-GCM.
CREATE TABLE IF NOT EXISTS oauth_credentials (
    id TEXT PRIMARY KEY,                    -- always 'primary'
    state TEXT NOT NULL,                    -- unauthenticated, pending, authenticated, expired
    blob_enc BLOB NOT NULL,                 -- encrypted JSON credential
    version INTEGER NOT NULL DEFAULT 0,     -- bumped on every write
    updated_at TEXT DEFAULT (datetime('now'))
);
`

const migration002AuditLog = `
-- One row per mutation state transition.
CREATE TABLE IF NOT EXISTS audit_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    mutation_id TEXT NOT NULL,
    action TEXT NOT NULL CHECK (action IN ('create', 'update', 'remove')),
    state TEXT NOT NULL,
    fingerprint TEXT,
    event_id TEXT,
    detail TEXT,                            -- JSON
    created_at TEXT DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_audit_log_mutation ON audit_log(mutation_id);
CREATE INDEX IF NOT EXISTS idx_audit_log_created ON audit_log(created_at);
`
