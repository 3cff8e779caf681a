// Package database provides shared model structs used across the application.
package database

import (
	"encoding/json"
	"time"
)

// CredentialRow is the persisted OAuth credential record.
type CredentialRow struct {
	ID        string
	State     string
	BlobEnc   []byte
	Version   int64
	UpdatedAt time.Time
}

// AuditEntry is one mutation state transition.
type AuditEntry struct {
	ID          int64
	MutationID  string
	Action      string
	State       string
	Fingerprint string
	EventID     string
	Detail      json.RawMessage
	CreatedAt   time.Time
}
