package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oddsync/oddsync/internal/domain"
)

// SessionStore implements domain.SessionStore using PostgreSQL. The in-memory
// event ring buffer is not persisted; only the durable session fields are.
type SessionStore struct {
	pool *pgxpool.Pool
}

// NewSessionStore creates a SessionStore backed by the given pool.
func NewSessionStore(pool *pgxpool.Pool) *SessionStore {
	return &SessionStore{pool: pool}
}

// Create inserts a new session row. One session per credential: a conflict on
// the credential replaces the previous session record.
func (s *SessionStore) Create(ctx context.Context, sess domain.Session) error {
	const query = `
		INSERT INTO sessions (id, credential_id, is_active, last_used_at, backup_key)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (credential_id) DO UPDATE SET
			id           = EXCLUDED.id,
			is_active    = EXCLUDED.is_active,
			last_used_at = EXCLUDED.last_used_at,
			backup_key   = EXCLUDED.backup_key`

	_, err := s.pool.Exec(ctx, query,
		sess.ID, sess.CredentialID, sess.IsActive, sess.LastUsedAt, sess.BackupKey,
	)
	if err != nil {
		return fmt.Errorf("postgres: create session %s: %w", sess.ID, err)
	}
	return nil
}

// GetByCredential retrieves the session for a credential.
func (s *SessionStore) GetByCredential(ctx context.Context, credentialID string) (domain.Session, error) {
	var sess domain.Session
	err := s.pool.QueryRow(ctx,
		`SELECT id, credential_id, is_active, last_used_at, backup_key
		 FROM sessions WHERE credential_id = $1`, credentialID,
	).Scan(&sess.ID, &sess.CredentialID, &sess.IsActive, &sess.LastUsedAt, &sess.BackupKey)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Session{}, domain.ErrNotFound
		}
		return domain.Session{}, fmt.Errorf("postgres: get session for %s: %w", credentialID, err)
	}
	return sess, nil
}

// SetActive flips the active flag and stamps last use. Sessions are
// deactivated, never deleted.
func (s *SessionStore) SetActive(ctx context.Context, id string, active bool, lastUsed time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET is_active = $2, last_used_at = $3 WHERE id = $1`,
		id, active, lastUsed,
	)
	if err != nil {
		return fmt.Errorf("postgres: set session active %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetBackupKey records the blob key of the latest session backup.
func (s *SessionStore) SetBackupKey(ctx context.Context, id string, backupKey string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET backup_key = $2 WHERE id = $1`,
		id, backupKey,
	)
	if err != nil {
		return fmt.Errorf("postgres: set session backup %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Compile-time interface check.
var _ domain.SessionStore = (*SessionStore)(nil)
