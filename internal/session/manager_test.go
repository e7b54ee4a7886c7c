package session

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oddsync/oddsync/internal/domain"
	"github.com/oddsync/oddsync/internal/vault"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memCredStore struct {
	mu   sync.Mutex
	byID map[string]domain.Credential
}

func newMemCredStore() *memCredStore {
	return &memCredStore{byID: make(map[string]domain.Credential)}
}

func (s *memCredStore) Create(_ context.Context, c domain.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[c.ID] = c
	return nil
}

func (s *memCredStore) GetByID(_ context.Context, id string) (domain.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return domain.Credential{}, domain.ErrNotFound
	}
	return c, nil
}

func (s *memCredStore) ListByAccount(_ context.Context, accountID string) ([]domain.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Credential
	for _, c := range s.byID {
		if c.AccountID == accountID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *memCredStore) UpdateStatus(_ context.Context, id string, status domain.CredentialStatus, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return domain.ErrNotFound
	}
	c.Status = status
	c.LastError = lastError
	s.byID[id] = c
	return nil
}

func (s *memCredStore) TouchConnected(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return domain.ErrNotFound
	}
	c.LastConnectedAt = &at
	s.byID[id] = c
	return nil
}

func (s *memCredStore) status(id string) domain.CredentialStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byID[id].Status
}

type memSessionStore struct {
	mu   sync.Mutex
	byID map[string]domain.Session
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{byID: make(map[string]domain.Session)}
}

func (s *memSessionStore) Create(_ context.Context, sess domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[sess.ID] = sess
	return nil
}

func (s *memSessionStore) GetByCredential(_ context.Context, credentialID string) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.byID {
		if sess.CredentialID == credentialID {
			return sess, nil
		}
	}
	return domain.Session{}, domain.ErrNotFound
}

func (s *memSessionStore) SetActive(_ context.Context, id string, active bool, lastUsed time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[id]
	if !ok {
		return domain.ErrNotFound
	}
	sess.IsActive = active
	sess.LastUsedAt = lastUsed
	s.byID[id] = sess
	return nil
}

func (s *memSessionStore) SetBackupKey(_ context.Context, id string, backupKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[id]
	if !ok {
		return domain.ErrNotFound
	}
	sess.BackupKey = backupKey
	s.byID[id] = sess
	return nil
}

type memMonitorStore struct {
	mu   sync.Mutex
	rows map[string]domain.MonitorSession
}

func newMemMonitorStore() *memMonitorStore {
	return &memMonitorStore{rows: make(map[string]domain.MonitorSession)}
}

func monitorKey(accountID, credentialID string) string { return accountID + "/" + credentialID }

func (s *memMonitorStore) Upsert(_ context.Context, ms domain.MonitorSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// An existing row keeps its restart flag; only RequestRestart and
	// ClearRestartRequested change it.
	if prev, ok := s.rows[monitorKey(ms.AccountID, ms.CredentialID)]; ok {
		ms.RestartRequested = prev.RestartRequested
	}
	ms.UpdatedAt = time.Now().UTC()
	s.rows[monitorKey(ms.AccountID, ms.CredentialID)] = ms
	return nil
}

func (s *memMonitorStore) Get(_ context.Context, accountID, credentialID string) (domain.MonitorSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.rows[monitorKey(accountID, credentialID)]
	if !ok {
		return domain.MonitorSession{}, domain.ErrNotFound
	}
	return ms, nil
}

func (s *memMonitorStore) ListRestartRequested(_ context.Context) ([]domain.MonitorSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.MonitorSession
	for _, ms := range s.rows {
		if ms.RestartRequested {
			out = append(out, ms)
		}
	}
	return out, nil
}

func (s *memMonitorStore) ClearRestartRequested(_ context.Context, accountID, credentialID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.rows[monitorKey(accountID, credentialID)]
	if !ok {
		return nil
	}
	ms.RestartRequested = false
	s.rows[monitorKey(accountID, credentialID)] = ms
	return nil
}

func (s *memMonitorStore) RequestRestart(_ context.Context, accountID, credentialID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.rows[monitorKey(accountID, credentialID)]
	if !ok {
		return domain.ErrNotFound
	}
	ms.RestartRequested = true
	s.rows[monitorKey(accountID, credentialID)] = ms
	return nil
}

type memBlobStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newMemBlobStore() *memBlobStore { return &memBlobStore{blobs: make(map[string][]byte)} }

func (s *memBlobStore) Put(_ context.Context, path string, data io.Reader, _ string) error {
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[path] = raw
	return nil
}

func (s *memBlobStore) Get(_ context.Context, path string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.blobs[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

type fakeRunner struct {
	stopOnce sync.Once
	stopped  chan struct{}
	runErr   error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{stopped: make(chan struct{})}
}

func (r *fakeRunner) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
	case <-r.stopped:
	}
	return r.runErr
}

func (r *fakeRunner) Stop() {
	r.stopOnce.Do(func() { close(r.stopped) })
}

type fakeLauncher struct {
	mu       sync.Mutex
	launches int32
	failErr  error
	secrets  domain.StreamCredentials
	sess     *domain.Session
	runners  []*fakeRunner
}

func (l *fakeLauncher) Launch(_ domain.Credential, secrets domain.StreamCredentials, sess *domain.Session) (Runner, error) {
	atomic.AddInt32(&l.launches, 1)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failErr != nil {
		return nil, l.failErr
	}
	l.secrets = secrets
	l.sess = sess
	r := newFakeRunner()
	l.runners = append(l.runners, r)
	return r, nil
}

func (l *fakeLauncher) launchCount() int32 { return atomic.LoadInt32(&l.launches) }

type managerFixture struct {
	manager  *Manager
	creds    *memCredStore
	sessions *memSessionStore
	monitors *memMonitorStore
	blobs    *memBlobStore
	launcher *fakeLauncher
}

const (
	testAccountID    = "111"
	testCredentialID = "cred-1"
)

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()

	v, err := vault.New("test-master-secret")
	require.NoError(t, err)

	apiKeyEnc, err := v.Encrypt("api-key-plain", testAccountID)
	require.NoError(t, err)
	apiSecretEnc, err := v.Encrypt("api-secret-plain", testAccountID)
	require.NoError(t, err)

	creds := newMemCredStore()
	require.NoError(t, creds.Create(context.Background(), domain.Credential{
		ID:           testCredentialID,
		AccountID:    testAccountID,
		APIKeyEnc:    apiKeyEnc,
		APISecretEnc: apiSecretEnc,
		Status:       domain.CredentialDisconnected,
	}))

	f := &managerFixture{
		creds:    creds,
		sessions: newMemSessionStore(),
		monitors: newMemMonitorStore(),
		blobs:    newMemBlobStore(),
		launcher: &fakeLauncher{},
	}
	f.manager = NewManager(v, f.creds, f.sessions, f.monitors, nil, f.launcher, f.blobs, f.blobs, discardLogger())
	return f
}

func TestManagerStartStop(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t)
	ctx := context.Background()

	id, err := f.manager.Start(ctx, testAccountID, testCredentialID)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	assert.EqualValues(t, 1, f.launcher.launchCount())
	assert.Equal(t, "api-key-plain", f.launcher.secrets.APIKey)
	assert.Equal(t, "api-secret-plain", f.launcher.secrets.APISecret)
	assert.Equal(t, domain.CredentialConnected, f.creds.status(testCredentialID))

	ms, err := f.monitors.Get(ctx, testAccountID, testCredentialID)
	require.NoError(t, err)
	assert.True(t, ms.IsActive)

	require.NoError(t, f.manager.Stop(ctx, testAccountID, testCredentialID))
	assert.Equal(t, domain.CredentialDisconnected, f.creds.status(testCredentialID))

	ms, err = f.monitors.Get(ctx, testAccountID, testCredentialID)
	require.NoError(t, err)
	assert.False(t, ms.IsActive)

	stats := f.manager.Stats()
	assert.Equal(t, 1, stats.Starts)
	assert.Equal(t, 1, stats.Stops)
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, 1, stats.Inactive)
}

func TestManagerSecondStartRejected(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t)
	ctx := context.Background()

	_, err := f.manager.Start(ctx, testAccountID, testCredentialID)
	require.NoError(t, err)

	_, err = f.manager.Start(ctx, testAccountID, testCredentialID)
	require.ErrorIs(t, err, domain.ErrSessionActive)
	assert.EqualValues(t, 1, f.launcher.launchCount())

	require.NoError(t, f.manager.Stop(ctx, testAccountID, testCredentialID))
}

func TestManagerConcurrentStartsOneWinner(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t)
	ctx := context.Background()

	const racers = 5
	errs := make(chan error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.manager.Start(ctx, testAccountID, testCredentialID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var succeeded, rejected int
	for err := range errs {
		if err == nil {
			succeeded++
		} else {
			require.ErrorIs(t, err, domain.ErrSessionActive)
			rejected++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, racers-1, rejected)
	assert.EqualValues(t, 1, f.launcher.launchCount())

	require.NoError(t, f.manager.Stop(ctx, testAccountID, testCredentialID))
}

func TestManagerStopIdempotent(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t)
	ctx := context.Background()

	// Stopping a session that never started is a no-op.
	require.NoError(t, f.manager.Stop(ctx, testAccountID, testCredentialID))

	_, err := f.manager.Start(ctx, testAccountID, testCredentialID)
	require.NoError(t, err)

	require.NoError(t, f.manager.Stop(ctx, testAccountID, testCredentialID))
	require.NoError(t, f.manager.Stop(ctx, testAccountID, testCredentialID))
	require.NoError(t, f.manager.Stop(ctx, testAccountID, testCredentialID))

	// Only the stop that actually deactivated a session counts.
	assert.Equal(t, 1, f.manager.Stats().Stops)
}

func TestManagerDecryptFailureMarksCredential(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.creds.Create(ctx, domain.Credential{
		ID:           "cred-bad",
		AccountID:    testAccountID,
		APIKeyEnc:    "not-real-ciphertext",
		APISecretEnc: "not-real-ciphertext",
	}))

	_, err := f.manager.Start(ctx, testAccountID, "cred-bad")
	require.ErrorIs(t, err, domain.ErrDecryption)

	assert.Equal(t, domain.CredentialError, f.creds.status("cred-bad"))
	assert.Equal(t, 1, f.manager.Stats().StartErrs)
	assert.EqualValues(t, 0, f.launcher.launchCount())
}

func TestManagerSweepRestartsFlagged(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t)
	ctx := context.Background()

	_, err := f.manager.Start(ctx, testAccountID, testCredentialID)
	require.NoError(t, err)
	require.NoError(t, f.monitors.RequestRestart(ctx, testAccountID, testCredentialID))

	f.manager.Sweep(ctx)

	assert.EqualValues(t, 2, f.launcher.launchCount())
	ms, err := f.monitors.Get(ctx, testAccountID, testCredentialID)
	require.NoError(t, err)
	assert.False(t, ms.RestartRequested)
	assert.True(t, ms.IsActive)
	assert.Equal(t, 1, f.manager.Stats().Restarts)

	require.NoError(t, f.manager.Stop(ctx, testAccountID, testCredentialID))
}

func TestManagerLifecycleKeepsRestartRequest(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t)
	ctx := context.Background()

	_, err := f.manager.Start(ctx, testAccountID, testCredentialID)
	require.NoError(t, err)
	require.NoError(t, f.monitors.RequestRestart(ctx, testAccountID, testCredentialID))

	// An ordinary stop must not consume the pending restart request.
	require.NoError(t, f.manager.Stop(ctx, testAccountID, testCredentialID))

	ms, err := f.monitors.Get(ctx, testAccountID, testCredentialID)
	require.NoError(t, err)
	assert.True(t, ms.RestartRequested, "stop erased the pending restart request")

	f.manager.Sweep(ctx)

	assert.EqualValues(t, 2, f.launcher.launchCount())
	ms, err = f.monitors.Get(ctx, testAccountID, testCredentialID)
	require.NoError(t, err)
	assert.False(t, ms.RestartRequested)
	assert.True(t, ms.IsActive)

	require.NoError(t, f.manager.Stop(ctx, testAccountID, testCredentialID))
}

func TestManagerBackupRoundTrip(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t)
	ctx := context.Background()

	id, err := f.manager.Start(ctx, testAccountID, testCredentialID)
	require.NoError(t, err)

	f.launcher.sess.Events.Append(domain.ConnectionEvent{
		Kind: domain.EventConnect, Detail: "wss://feed.example", At: time.Now().UTC(),
	})

	require.NoError(t, f.manager.Stop(ctx, testAccountID, testCredentialID))

	sess, events, err := f.manager.RestoreBackup(ctx, testCredentialID)
	require.NoError(t, err)
	assert.Equal(t, id, sess.ID)
	assert.Equal(t, "sessions/"+id+".json", sess.BackupKey)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventConnect, events[0].Kind)
	assert.Equal(t, "wss://feed.example", events[0].Detail)
}

func TestManagerRunnerFailureMarksError(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t)
	ctx := context.Background()

	_, err := f.manager.Start(ctx, testAccountID, testCredentialID)
	require.NoError(t, err)

	f.launcher.mu.Lock()
	runner := f.launcher.runners[0]
	f.launcher.mu.Unlock()
	runner.runErr = domain.ErrWSDisconnect
	runner.Stop()

	require.Eventually(t, func() bool {
		return f.creds.status(testCredentialID) == domain.CredentialError
	}, 2*time.Second, 10*time.Millisecond)

	statuses := f.manager.Statuses()
	require.Len(t, statuses, 1)
	assert.False(t, statuses[0].IsActive)
	assert.NotEmpty(t, statuses[0].LastError)
}
