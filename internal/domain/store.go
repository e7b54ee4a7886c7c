package domain

import (
	"context"
	"io"
	"time"
)

// PendingStore is the durable correlation store shared by the stream
// supervisor (writer) and the reply correlator (reader/deleter). Put with an
// existing key overwrites the stored record. Implementations must make each
// per-key operation atomic; whole-store corruption must surface as emptiness,
// never as an error.
type PendingStore interface {
	Put(ctx context.Context, key CorrelationKey, bet PendingBet) error
	Get(ctx context.Context, key CorrelationKey) (PendingBet, bool, error)
	Remove(ctx context.Context, key CorrelationKey) error
	ListAll(ctx context.Context) (map[CorrelationKey]PendingBet, error)
}

// RecordSink receives finalized bet records. It is an external collaborator;
// the correlator only depends on this interface.
type RecordSink interface {
	Write(ctx context.Context, rec BetRecord) error
}

// CredentialStore persists encrypted credentials.
type CredentialStore interface {
	Create(ctx context.Context, c Credential) error
	GetByID(ctx context.Context, id string) (Credential, error)
	ListByAccount(ctx context.Context, accountID string) ([]Credential, error)
	UpdateStatus(ctx context.Context, id string, status CredentialStatus, lastError string) error
	TouchConnected(ctx context.Context, id string, at time.Time) error
}

// SessionStore persists connection-level sessions. Sessions are deactivated,
// never deleted.
type SessionStore interface {
	Create(ctx context.Context, s Session) error
	GetByCredential(ctx context.Context, credentialID string) (Session, error)
	SetActive(ctx context.Context, id string, active bool, lastUsed time.Time) error
	SetBackupKey(ctx context.Context, id string, backupKey string) error
}

// MonitorSessionStore persists orchestration-level monitor sessions and the
// restart-requested flag the lifecycle sweep consumes. Upsert never changes
// the flag on an existing row; RequestRestart and ClearRestartRequested are
// its only writers.
type MonitorSessionStore interface {
	Upsert(ctx context.Context, ms MonitorSession) error
	Get(ctx context.Context, accountID, credentialID string) (MonitorSession, error)
	ListRestartRequested(ctx context.Context) ([]MonitorSession, error)
	ClearRestartRequested(ctx context.Context, accountID, credentialID string) error
	RequestRestart(ctx context.Context, accountID, credentialID string) error
}

// LockManager provides distributed locking for lifecycle transitions that
// must be serialized across processes.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// BlobWriter stores backup blobs.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobReader retrieves backup blobs.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
}
