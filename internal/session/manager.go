// Package session orchestrates monitoring sessions: start/stop/restart with
// one active session per account+credential pair, restart-request sweeping,
// and status/stats reporting.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oddsync/oddsync/internal/domain"
	"github.com/oddsync/oddsync/internal/vault"
)

// Runner is a launched monitoring connection. Run blocks until the connection
// stops; Stop must be idempotent.
type Runner interface {
	Run(ctx context.Context) error
	Stop()
}

// Launcher builds a Runner for a credential whose secrets have already been
// decrypted. Production launches a stream supervisor; tests use a fake.
type Launcher interface {
	Launch(cred domain.Credential, secrets domain.StreamCredentials, sess *domain.Session) (Runner, error)
}

// lockTTL bounds the distributed lifecycle lock so a crashed process cannot
// wedge a key forever.
const lockTTL = 30 * time.Second

// sessionKey identifies one managed session.
type sessionKey struct {
	accountID    string
	credentialID string
}

func (k sessionKey) String() string { return k.accountID + "/" + k.credentialID }

// managed is the registry entry for one account+credential pair. Its mutex
// serializes all lifecycle transitions for the key.
type managed struct {
	mu        sync.Mutex
	session   *domain.Session
	runner    Runner
	cancel    context.CancelFunc
	runDone   chan struct{}
	active    bool
	lastError string
}

// Manager is the session lifecycle registry. It is constructed once at
// process start and passed by reference to all callers; there is no ambient
// global instance.
type Manager struct {
	vault    *vault.Vault
	creds    domain.CredentialStore
	sessions domain.SessionStore
	monitors domain.MonitorSessionStore
	locks    domain.LockManager // optional; serializes transitions across processes
	launcher Launcher
	blobs    domain.BlobWriter // optional; session backups
	blobRead domain.BlobReader // optional
	logger   *slog.Logger

	mu       sync.Mutex
	registry map[sessionKey]*managed

	statsMu sync.Mutex
	stats   domain.SessionStats
}

// NewManager creates a Manager. locks, blobs and blobRead may be nil.
func NewManager(v *vault.Vault, creds domain.CredentialStore, sessions domain.SessionStore, monitors domain.MonitorSessionStore, locks domain.LockManager, launcher Launcher, blobs domain.BlobWriter, blobRead domain.BlobReader, logger *slog.Logger) *Manager {
	return &Manager{
		vault:    v,
		creds:    creds,
		sessions: sessions,
		monitors: monitors,
		locks:    locks,
		launcher: launcher,
		blobs:    blobs,
		blobRead: blobRead,
		logger:   logger.With(slog.String("component", "session_manager")),
		registry: make(map[sessionKey]*managed),
	}
}

// entry returns the registry entry for key, creating it on first use.
func (m *Manager) entry(key sessionKey) *managed {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.registry[key]
	if !ok {
		e = &managed{}
		m.registry[key] = e
	}
	return e
}

// Start launches a monitoring session for the given account+credential pair.
// Transitions for one key are serialized; a second Start against an active
// session returns domain.ErrSessionActive and never a second live connection.
// Credential or transport failures come back as errors and are recorded on
// the credential's status.
func (m *Manager) Start(ctx context.Context, accountID, credentialID string) (string, error) {
	key := sessionKey{accountID: accountID, credentialID: credentialID}
	e := m.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active {
		return "", fmt.Errorf("session: %s: %w", key, domain.ErrSessionActive)
	}

	if m.locks != nil {
		unlock, err := m.locks.Acquire(ctx, "monitor:"+key.String(), lockTTL)
		if err != nil {
			return "", fmt.Errorf("session: %s: %w", key, err)
		}
		defer unlock()
	}

	cred, err := m.creds.GetByID(ctx, credentialID)
	if err != nil {
		m.noteStartErr()
		return "", fmt.Errorf("session: load credential %s: %w", credentialID, err)
	}

	secrets, err := m.decrypt(cred, accountID)
	if err != nil {
		m.noteStartErr()
		m.setCredentialError(ctx, credentialID, err)
		return "", err
	}

	sess := &domain.Session{
		ID:           uuid.New().String(),
		CredentialID: credentialID,
		IsActive:     true,
		LastUsedAt:   time.Now().UTC(),
		Events:       domain.NewEventLog(),
	}
	if err := m.sessions.Create(ctx, *sess); err != nil {
		m.noteStartErr()
		return "", fmt.Errorf("session: persist session: %w", err)
	}

	runner, err := m.launcher.Launch(cred, secrets, sess)
	if err != nil {
		m.noteStartErr()
		m.setCredentialError(ctx, credentialID, err)
		return "", fmt.Errorf("session: launch %s: %w", key, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})

	e.session = sess
	e.runner = runner
	e.cancel = cancel
	e.runDone = runDone
	e.active = true
	e.lastError = ""

	go m.watch(key, e, runner, runCtx, cancel, runDone)

	now := time.Now().UTC()
	if err := m.creds.UpdateStatus(ctx, credentialID, domain.CredentialConnected, ""); err != nil {
		m.logger.WarnContext(ctx, "credential status update failed", slog.String("error", err.Error()))
	}
	if err := m.creds.TouchConnected(ctx, credentialID, now); err != nil {
		m.logger.WarnContext(ctx, "credential touch failed", slog.String("error", err.Error()))
	}
	if err := m.monitors.Upsert(ctx, domain.MonitorSession{
		AccountID:    accountID,
		CredentialID: credentialID,
		IsActive:     true,
	}); err != nil {
		m.logger.WarnContext(ctx, "monitor session upsert failed", slog.String("error", err.Error()))
	}

	m.statsMu.Lock()
	m.stats.Starts++
	m.statsMu.Unlock()

	m.logger.InfoContext(ctx, "session started",
		slog.String("key", key.String()),
		slog.String("session_id", sess.ID),
	)
	return sess.ID, nil
}

// watch runs the runner and cleans up when it exits. A deliberate Stop flips
// e.active first, so an exit observed while still active is a failure.
func (m *Manager) watch(key sessionKey, e *managed, runner Runner, runCtx context.Context, cancel context.CancelFunc, runDone chan struct{}) {
	defer cancel()
	err := runner.Run(runCtx)
	close(runDone)

	e.mu.Lock()
	deliberate := !e.active
	if !deliberate {
		e.active = false
		if err != nil {
			e.lastError = err.Error()
		}
	}
	sess := e.session
	e.mu.Unlock()

	if deliberate {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if sess != nil {
		if dbErr := m.sessions.SetActive(ctx, sess.ID, false, time.Now().UTC()); dbErr != nil {
			m.logger.Warn("session deactivate failed", slog.String("error", dbErr.Error()))
		}
	}
	if err != nil {
		m.setCredentialError(ctx, key.credentialID, err)
		m.logger.Error("session exited with error",
			slog.String("key", key.String()),
			slog.String("error", err.Error()),
		)
	} else {
		if dbErr := m.creds.UpdateStatus(ctx, key.credentialID, domain.CredentialDisconnected, ""); dbErr != nil {
			m.logger.Warn("credential status update failed", slog.String("error", dbErr.Error()))
		}
	}
	if upErr := m.monitors.Upsert(ctx, domain.MonitorSession{
		AccountID:    key.accountID,
		CredentialID: key.credentialID,
		IsActive:     false,
	}); upErr != nil {
		m.logger.Warn("monitor session upsert failed", slog.String("error", upErr.Error()))
	}
}

// Stop deactivates the session for the given key. Stopping an inactive or
// unknown session is a no-op, so the call is idempotent.
func (m *Manager) Stop(ctx context.Context, accountID, credentialID string) error {
	key := sessionKey{accountID: accountID, credentialID: credentialID}
	e := m.entry(key)

	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return nil
	}
	e.active = false
	runner := e.runner
	cancel := e.cancel
	runDone := e.runDone
	sess := e.session
	e.runner = nil
	e.cancel = nil
	e.mu.Unlock()

	runner.Stop()
	cancel()
	select {
	case <-runDone:
	case <-time.After(10 * time.Second):
		m.logger.WarnContext(ctx, "runner did not exit in time", slog.String("key", key.String()))
	}

	if sess != nil {
		sess.IsActive = false
		if err := m.sessions.SetActive(ctx, sess.ID, false, time.Now().UTC()); err != nil {
			m.logger.WarnContext(ctx, "session deactivate failed", slog.String("error", err.Error()))
		}
		m.saveBackup(ctx, sess)
	}
	if err := m.creds.UpdateStatus(ctx, credentialID, domain.CredentialDisconnected, ""); err != nil {
		m.logger.WarnContext(ctx, "credential status update failed", slog.String("error", err.Error()))
	}
	if err := m.monitors.Upsert(ctx, domain.MonitorSession{
		AccountID:    accountID,
		CredentialID: credentialID,
		IsActive:     false,
	}); err != nil {
		m.logger.WarnContext(ctx, "monitor session upsert failed", slog.String("error", err.Error()))
	}

	m.statsMu.Lock()
	m.stats.Stops++
	m.statsMu.Unlock()

	m.logger.InfoContext(ctx, "session stopped", slog.String("key", key.String()))
	return nil
}

// Restart performs stop then start for the key.
func (m *Manager) Restart(ctx context.Context, accountID, credentialID string) (string, error) {
	if err := m.Stop(ctx, accountID, credentialID); err != nil {
		return "", err
	}
	id, err := m.Start(ctx, accountID, credentialID)
	if err != nil {
		return "", err
	}
	m.statsMu.Lock()
	m.stats.Restarts++
	m.statsMu.Unlock()
	return id, nil
}

// Sweep consumes pending restart requests: each flagged monitor session is
// restarted and its flag cleared. Administrative changes (a new watched
// stream, updated credentials) land as flags and take effect here,
// decoupled from the request that made them.
func (m *Manager) Sweep(ctx context.Context) {
	pending, err := m.monitors.ListRestartRequested(ctx)
	if err != nil {
		m.logger.WarnContext(ctx, "restart sweep list failed", slog.String("error", err.Error()))
		return
	}
	for _, ms := range pending {
		if _, err := m.Restart(ctx, ms.AccountID, ms.CredentialID); err != nil {
			m.logger.ErrorContext(ctx, "restart sweep failed",
				slog.String("account", ms.AccountID),
				slog.String("credential", ms.CredentialID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := m.monitors.ClearRestartRequested(ctx, ms.AccountID, ms.CredentialID); err != nil {
			m.logger.WarnContext(ctx, "clear restart flag failed", slog.String("error", err.Error()))
		}
	}
}

// RunSweeper runs Sweep on the given interval until the context is cancelled.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Statuses reports the state of every managed session.
func (m *Manager) Statuses() []domain.SessionStatus {
	m.mu.Lock()
	keys := make([]sessionKey, 0, len(m.registry))
	entries := make([]*managed, 0, len(m.registry))
	for k, e := range m.registry {
		keys = append(keys, k)
		entries = append(entries, e)
	}
	m.mu.Unlock()

	out := make([]domain.SessionStatus, 0, len(entries))
	for i, e := range entries {
		e.mu.Lock()
		st := domain.SessionStatus{
			AccountID:    keys[i].accountID,
			CredentialID: keys[i].credentialID,
			IsActive:     e.active,
			LastError:    e.lastError,
		}
		if e.session != nil {
			st.SessionID = e.session.ID
			st.LastUsedAt = e.session.LastUsedAt
		}
		e.mu.Unlock()
		out = append(out, st)
	}
	return out
}

// Stats returns aggregate lifecycle counters.
func (m *Manager) Stats() domain.SessionStats {
	m.statsMu.Lock()
	stats := m.stats
	m.statsMu.Unlock()

	for _, st := range m.Statuses() {
		if st.IsActive {
			stats.Active++
		} else {
			stats.Inactive++
		}
	}
	return stats
}

// decrypt unwraps the credential's secret fields under the owning account's
// derived key.
func (m *Manager) decrypt(cred domain.Credential, accountID string) (domain.StreamCredentials, error) {
	apiKey, err := m.vault.Decrypt(cred.APIKeyEnc, accountID)
	if err != nil {
		return domain.StreamCredentials{}, fmt.Errorf("session: decrypt api key: %w", err)
	}
	apiSecret, err := m.vault.Decrypt(cred.APISecretEnc, accountID)
	if err != nil {
		return domain.StreamCredentials{}, fmt.Errorf("session: decrypt api secret: %w", err)
	}
	sessionBlob := ""
	if cred.SessionBlobEnc != "" {
		sessionBlob, err = m.vault.Decrypt(cred.SessionBlobEnc, accountID)
		if err != nil {
			return domain.StreamCredentials{}, fmt.Errorf("session: decrypt session blob: %w", err)
		}
	}
	return domain.StreamCredentials{APIKey: apiKey, APISecret: apiSecret, SessionBlob: sessionBlob}, nil
}

func (m *Manager) setCredentialError(ctx context.Context, credentialID string, cause error) {
	if err := m.creds.UpdateStatus(ctx, credentialID, domain.CredentialError, cause.Error()); err != nil {
		m.logger.WarnContext(ctx, "credential error status update failed", slog.String("error", err.Error()))
	}
}

func (m *Manager) noteStartErr() {
	m.statsMu.Lock()
	m.stats.StartErrs++
	m.statsMu.Unlock()
}

// sessionBackup is the JSON envelope written to blob storage on stop.
type sessionBackup struct {
	SessionID    string                   `json:"session_id"`
	CredentialID string                   `json:"credential_id"`
	StoppedAt    time.Time                `json:"stopped_at"`
	Events       []domain.ConnectionEvent `json:"events"`
}

// saveBackup snapshots the session's event log to blob storage so it can be
// inspected after the process restarts. Best effort: failures are logged.
func (m *Manager) saveBackup(ctx context.Context, sess *domain.Session) {
	if m.blobs == nil {
		return
	}
	backup := sessionBackup{
		SessionID:    sess.ID,
		CredentialID: sess.CredentialID,
		StoppedAt:    time.Now().UTC(),
		Events:       sess.Events.Snapshot(),
	}
	data, err := json.Marshal(backup)
	if err != nil {
		m.logger.WarnContext(ctx, "session backup encode failed", slog.String("error", err.Error()))
		return
	}
	key := "sessions/" + sess.ID + ".json"
	if err := m.blobs.Put(ctx, key, bytes.NewReader(data), "application/json"); err != nil {
		m.logger.WarnContext(ctx, "session backup upload failed", slog.String("error", err.Error()))
		return
	}
	sess.BackupKey = key
	if err := m.sessions.SetBackupKey(ctx, sess.ID, key); err != nil {
		m.logger.WarnContext(ctx, "session backup key persist failed", slog.String("error", err.Error()))
	}
}

// RestoreBackup fetches a previously saved session backup by credential.
func (m *Manager) RestoreBackup(ctx context.Context, credentialID string) (*domain.Session, []domain.ConnectionEvent, error) {
	if m.blobRead == nil {
		return nil, nil, fmt.Errorf("session: blob storage not configured")
	}
	sess, err := m.sessions.GetByCredential(ctx, credentialID)
	if err != nil {
		return nil, nil, fmt.Errorf("session: load session for %s: %w", credentialID, err)
	}
	if sess.BackupKey == "" {
		return nil, nil, fmt.Errorf("session: no backup for %s: %w", credentialID, domain.ErrNotFound)
	}

	rc, err := m.blobRead.Get(ctx, sess.BackupKey)
	if err != nil {
		return nil, nil, fmt.Errorf("session: fetch backup %s: %w", sess.BackupKey, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, nil, fmt.Errorf("session: read backup %s: %w", sess.BackupKey, err)
	}
	var backup sessionBackup
	if err := json.Unmarshal(data, &backup); err != nil {
		return nil, nil, fmt.Errorf("session: decode backup %s: %w", sess.BackupKey, err)
	}
	return &sess, backup.Events, nil
}
