package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/dtorcivia/afterhours/internal/database"
	"github.com/dtorcivia/afterhours/internal/util"
)

// AuditLogger writes mutation transitions to the audit_log table. A nil
// *AuditLogger discards everything.
type AuditLogger struct {
	db *database.DB
}

// NewAuditLogger creates a new audit logger.
func NewAuditLogger(db *database.DB) *AuditLogger {
	return &AuditLogger{db: db}
}

// Log records one transition. Failures are logged, never returned: the
// audit trail must not decide whether a mutation succeeds.
func (a *AuditLogger) Log(ctx context.Context, entry database.AuditEntry) {
	if a == nil || a.db == nil {
		return
	}

	var detail interface{}
	if len(entry.Detail) > 0 {
		detail = string(entry.Detail)
	}
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO audit_log (mutation_id, action, state, fingerprint, event_id, detail)
		VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?)
	`, entry.MutationID, entry.Action, entry.State, entry.Fingerprint, entry.EventID, detail)
	if err != nil {
		util.Error("Failed to write audit log", "error", err, "mutation_id", entry.MutationID, "state", entry.State)
	}
}

// ByMutation returns the transitions of one mutation in order.
func (a *AuditLogger) ByMutation(ctx context.Context, mutationID string) ([]database.AuditEntry, error) {
	return a.query(ctx, `
		SELECT id, mutation_id, action, state, fingerprint, event_id, detail, created_at
		FROM audit_log
		WHERE mutation_id = ?
		ORDER BY id ASC
	`, mutationID)
}

func (a *AuditLogger) query(ctx context.Context, q string, args ...interface{}) ([]database.AuditEntry, error) {
	if a == nil || a.db == nil {
		return nil, nil
	}
	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []database.AuditEntry
	for rows.Next() {
		var (
			entry       database.AuditEntry
			fingerprint sql.NullString
			eventID     sql.NullString
			detail      sql.NullString
			createdAt   string
		)
		if err := rows.Scan(
			&entry.ID, &entry.MutationID, &entry.Action, &entry.State,
			&fingerprint, &eventID, &detail, &createdAt,
		); err != nil {
			return nil, err
		}
		entry.Fingerprint = fingerprint.String
		entry.EventID = eventID.String
		if detail.Valid {
			entry.Detail = json.RawMessage(detail.String)
		}
		entry.CreatedAt, _ = util.ParseSQLiteTimestamp(createdAt)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// DeleteOlderThan removes entries older than the given number of days.
func (a *AuditLogger) DeleteOlderThan(ctx context.Context, days int) (int64, error) {
	if a == nil || a.db == nil {
		return 0, nil
	}
	result, err := a.db.ExecContext(ctx, `
		DELETE FROM audit_log
		WHERE created_at < datetime('now', ?)
	`, fmt.Sprintf("-%d days", days))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
