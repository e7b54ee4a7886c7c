package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oddsync/oddsync/internal/domain"
)

// MonitorSessionStore implements domain.MonitorSessionStore using PostgreSQL.
// The restart_requested flag is set by administrative actions (for example
// when a new stream is added to watch) and consumed by the lifecycle sweep.
type MonitorSessionStore struct {
	pool *pgxpool.Pool
}

// NewMonitorSessionStore creates a MonitorSessionStore backed by the given pool.
func NewMonitorSessionStore(pool *pgxpool.Pool) *MonitorSessionStore {
	return &MonitorSessionStore{pool: pool}
}

// Upsert inserts or updates the monitor session for an account+credential
// pair. An existing row keeps its restart_requested flag: only RequestRestart
// sets it and only ClearRestartRequested resets it, so lifecycle transitions
// cannot erase a pending restart.
func (s *MonitorSessionStore) Upsert(ctx context.Context, ms domain.MonitorSession) error {
	const query = `
		INSERT INTO monitor_sessions (account_id, credential_id, is_active, restart_requested, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (account_id, credential_id) DO UPDATE SET
			is_active  = EXCLUDED.is_active,
			updated_at = NOW()`

	_, err := s.pool.Exec(ctx, query,
		ms.AccountID, ms.CredentialID, ms.IsActive, ms.RestartRequested,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert monitor session %s/%s: %w", ms.AccountID, ms.CredentialID, err)
	}
	return nil
}

// Get retrieves the monitor session for an account+credential pair.
func (s *MonitorSessionStore) Get(ctx context.Context, accountID, credentialID string) (domain.MonitorSession, error) {
	var ms domain.MonitorSession
	err := s.pool.QueryRow(ctx,
		`SELECT account_id, credential_id, is_active, restart_requested, updated_at
		 FROM monitor_sessions WHERE account_id = $1 AND credential_id = $2`,
		accountID, credentialID,
	).Scan(&ms.AccountID, &ms.CredentialID, &ms.IsActive, &ms.RestartRequested, &ms.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.MonitorSession{}, domain.ErrNotFound
		}
		return domain.MonitorSession{}, fmt.Errorf("postgres: get monitor session %s/%s: %w", accountID, credentialID, err)
	}
	return ms, nil
}

// ListRestartRequested returns every monitor session with a pending restart.
func (s *MonitorSessionStore) ListRestartRequested(ctx context.Context) ([]domain.MonitorSession, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT account_id, credential_id, is_active, restart_requested, updated_at
		 FROM monitor_sessions WHERE restart_requested`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list restart requests: %w", err)
	}
	defer rows.Close()

	var out []domain.MonitorSession
	for rows.Next() {
		var ms domain.MonitorSession
		if err := rows.Scan(&ms.AccountID, &ms.CredentialID, &ms.IsActive, &ms.RestartRequested, &ms.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan monitor session: %w", err)
		}
		out = append(out, ms)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list restart requests: %w", err)
	}
	return out, nil
}

// ClearRestartRequested resets the flag after the sweep has restarted the session.
func (s *MonitorSessionStore) ClearRestartRequested(ctx context.Context, accountID, credentialID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE monitor_sessions SET restart_requested = FALSE, updated_at = NOW()
		 WHERE account_id = $1 AND credential_id = $2`,
		accountID, credentialID,
	)
	if err != nil {
		return fmt.Errorf("postgres: clear restart request %s/%s: %w", accountID, credentialID, err)
	}
	return nil
}

// RequestRestart marks the session for an asynchronous stop+start.
func (s *MonitorSessionStore) RequestRestart(ctx context.Context, accountID, credentialID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE monitor_sessions SET restart_requested = TRUE, updated_at = NOW()
		 WHERE account_id = $1 AND credential_id = $2`,
		accountID, credentialID,
	)
	if err != nil {
		return fmt.Errorf("postgres: request restart %s/%s: %w", accountID, credentialID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Compile-time interface check.
var _ domain.MonitorSessionStore = (*MonitorSessionStore)(nil)
