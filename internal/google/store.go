package google

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"

	"github.com/dtorcivia/afterhours/internal/crypto"
	"github.com/dtorcivia/afterhours/internal/database"
)

// ErrNoCredential is returned by Load when nothing has been stored yet.
var ErrNoCredential = errors.New("no stored credential")

// CredentialStore persists the serialized credential. Implementations
// treat the record as opaque apart from its state and version.
type CredentialStore interface {
	Load(ctx context.Context) (*Credential, error)
	Save(ctx context.Context, cred Credential) error
	Delete(ctx context.Context) error
}

const (
	credentialRowID = "primary"
	credentialLabel = "oauth:" + credentialRowID
)

// SQLStore keeps the credential encrypted in SQLite.
type SQLStore struct {
	db        *database.DB
	encryptor *crypto.Encryptor
}

// NewSQLStore creates a SQLite-backed store.
func NewSQLStore(db *database.DB, encryptor *crypto.Encryptor) *SQLStore {
	return &SQLStore{db: db, encryptor: encryptor}
}

// Load reads and decrypts the stored credential.
func (s *SQLStore) Load(ctx context.Context) (*Credential, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT blob_enc FROM oauth_credentials WHERE id = ?`, credentialRowID,
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoCredential
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credential: %w", err)
	}

	plain, err := s.encryptor.Open(blob, credentialLabel)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credential: %w", err)
	}
	var cred Credential
	if err := json.Unmarshal(plain, &cred); err != nil {
		return nil, fmt.Errorf("failed to decode credential: %w", err)
	}
	return &cred, nil
}

// Save encrypts and upserts the credential.
func (s *SQLStore) Save(ctx context.Context, cred Credential) error {
	plain, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("failed to encode credential: %w", err)
	}
	blob, err := s.encryptor.Seal(plain, credentialLabel)
	if err != nil {
		return fmt.Errorf("failed to encrypt credential: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO oauth_credentials (id, state, blob_enc, version, updated_at)
		VALUES (?, ?, ?, ?, datetime('now'))
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			blob_enc = excluded.blob_enc,
			version = excluded.version,
			updated_at = datetime('now')
	`, credentialRowID, string(cred.State), blob, cred.Version)
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// Delete removes the stored credential.
func (s *SQLStore) Delete(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM oauth_credentials WHERE id = ?`, credentialRowID); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// FileStore keeps the credential as a JSON file, replaced atomically on
// every write.
type FileStore struct {
	path string
}

// NewFileStore creates a file-backed store at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the credential file.
func (s *FileStore) Load(_ context.Context) (*Credential, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoCredential
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}
	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("failed to decode token file: %w", err)
	}
	return &cred, nil
}

// Save writes the credential with fsync and rename.
func (s *FileStore) Save(_ context.Context, cred Credential) error {
	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode credential: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create token directory: %w", err)
	}
	pending, err := renameio.NewPendingFile(s.path, renameio.WithPermissions(0o600))
	if err != nil {
		return fmt.Errorf("create pending token file: %w", err)
	}
	defer pending.Cleanup()

	if _, err := pending.Write(data); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace token file: %w", err)
	}
	return nil
}

// Delete removes the credential file.
func (s *FileStore) Delete(_ context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete token file: %w", err)
	}
	return nil
}
