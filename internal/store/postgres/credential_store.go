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

// CredentialStore implements domain.CredentialStore using PostgreSQL.
// Secret columns hold vault ciphertext only.
type CredentialStore struct {
	pool *pgxpool.Pool
}

// NewCredentialStore creates a CredentialStore backed by the given pool.
func NewCredentialStore(pool *pgxpool.Pool) *CredentialStore {
	return &CredentialStore{pool: pool}
}

const credentialCols = `id, account_id, api_key_enc, api_secret_enc,
	session_blob_enc, backup_blob_enc, status, last_error,
	last_connected_at, created_at, updated_at`

// Create inserts a new credential row.
func (s *CredentialStore) Create(ctx context.Context, c domain.Credential) error {
	const query = `
		INSERT INTO credentials (
			id, account_id, api_key_enc, api_secret_enc,
			session_blob_enc, backup_blob_enc, status, last_error,
			last_connected_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())`

	_, err := s.pool.Exec(ctx, query,
		c.ID, c.AccountID, c.APIKeyEnc, c.APISecretEnc,
		c.SessionBlobEnc, c.BackupBlobEnc, string(c.Status), c.LastError,
		c.LastConnectedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create credential %s: %w", c.ID, err)
	}
	return nil
}

func scanCredential(row pgx.Row) (domain.Credential, error) {
	var c domain.Credential
	var status string
	err := row.Scan(
		&c.ID, &c.AccountID, &c.APIKeyEnc, &c.APISecretEnc,
		&c.SessionBlobEnc, &c.BackupBlobEnc, &status, &c.LastError,
		&c.LastConnectedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return domain.Credential{}, err
	}
	c.Status = domain.CredentialStatus(status)
	return c, nil
}

// GetByID retrieves a credential by its primary key.
func (s *CredentialStore) GetByID(ctx context.Context, id string) (domain.Credential, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+credentialCols+` FROM credentials WHERE id = $1`, id)
	c, err := scanCredential(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Credential{}, domain.ErrNotFound
		}
		return domain.Credential{}, fmt.Errorf("postgres: get credential %s: %w", id, err)
	}
	return c, nil
}

// ListByAccount retrieves all credentials owned by the given account.
func (s *CredentialStore) ListByAccount(ctx context.Context, accountID string) ([]domain.Credential, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+credentialCols+` FROM credentials WHERE account_id = $1 ORDER BY created_at`, accountID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list credentials for %s: %w", accountID, err)
	}
	defer rows.Close()

	var out []domain.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan credential: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list credentials for %s: %w", accountID, err)
	}
	return out, nil
}

// UpdateStatus records the connection status and last error for a credential.
func (s *CredentialStore) UpdateStatus(ctx context.Context, id string, status domain.CredentialStatus, lastError string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE credentials SET status = $2, last_error = $3, updated_at = NOW() WHERE id = $1`,
		id, string(status), lastError,
	)
	if err != nil {
		return fmt.Errorf("postgres: update credential status %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// TouchConnected stamps the last successful connection time.
func (s *CredentialStore) TouchConnected(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE credentials SET last_connected_at = $2, updated_at = NOW() WHERE id = $1`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("postgres: touch credential %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Compile-time interface check.
var _ domain.CredentialStore = (*CredentialStore)(nil)
