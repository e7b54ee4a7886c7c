package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oddsync/oddsync/internal/domain"
	"github.com/oddsync/oddsync/internal/store/memory"
)

// scriptedConn replays a fixed sequence of events, then blocks until closed.
type scriptedConn struct {
	events []domain.TipEvent
	errs   []error
	i      int
	closed chan struct{}
	once   sync.Once
}

func newScriptedConn(events []domain.TipEvent, errs []error) *scriptedConn {
	return &scriptedConn{events: events, errs: errs, closed: make(chan struct{})}
}

func (c *scriptedConn) ReadEvent(ctx context.Context) (domain.TipEvent, error) {
	if c.i < len(c.events) {
		ev := c.events[c.i]
		c.i++
		return ev, nil
	}
	if n := c.i - len(c.events); n < len(c.errs) {
		c.i++
		return domain.TipEvent{}, c.errs[n]
	}
	select {
	case <-ctx.Done():
		return domain.TipEvent{}, ctx.Err()
	case <-c.closed:
		return domain.TipEvent{}, errors.New("closed")
	}
}

func (c *scriptedConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// fakeDialer hands out one conn per Dial call.
type fakeDialer struct {
	mu    sync.Mutex
	conns []Conn
	dials int
	err   error
}

func (d *fakeDialer) Dial(ctx context.Context, creds domain.StreamCredentials) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	if len(d.conns) == 0 {
		return nil, errors.New("no more conns")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type countingSender struct {
	next atomic.Int64
	fail atomic.Bool
}

func (s *countingSender) SendMessage(ctx context.Context, chatID int64, text string) (int64, error) {
	if s.fail.Load() {
		return 0, errors.New("transport down")
	}
	return 200 + s.next.Add(1), nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSession() *domain.Session {
	return &domain.Session{ID: "sess-1", CredentialID: "cred-1", Events: domain.NewEventLog()}
}

func tip(source, game string, odds float64) domain.TipEvent {
	return domain.TipEvent{
		Source:     source,
		Game:       game,
		Market:     "match result",
		BetLine:    "home win",
		Odds:       odds,
		ObservedAt: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
	}
}

func fastPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts:        3,
		BaseDelay:          time.Millisecond,
		MaxDelay:           4 * time.Millisecond,
		FloodWaitThreshold: 50 * time.Millisecond,
	}
}

func TestSupervisorRecordsPendingBetsWithTransportIDs(t *testing.T) {
	t.Parallel()

	store := memory.NewPendingStore()
	mirror := memory.NewPendingStore()
	sender := &countingSender{}
	conn := newScriptedConn([]domain.TipEvent{
		tip("tips-premium", "A vs B", 1.72),
		tip("tips-premium", "C vs D", 2.10),
	}, nil)
	dialer := &fakeDialer{conns: []Conn{conn}}

	sup := New(Config{
		OwnerID:        "111",
		ChatID:         555,
		AllowedSources: []string{"tips-premium"},
		Reconnect:      fastPolicy(),
	}, domain.StreamCredentials{}, dialer, store, mirror, sender, newSession(), discard())

	runDone := make(chan error, 1)
	go func() { runDone <- sup.Run(context.Background()) }()

	require.Eventually(t, func() bool { return store.Len() == 2 }, time.Second, 5*time.Millisecond)

	sup.Stop()
	require.NoError(t, <-runDone)

	// Keys embed the owner identity and the ids the transport assigned.
	_, ok, err := store.Get(context.Background(), "111_201")
	require.NoError(t, err)
	assert.True(t, ok)
	bet, ok, err := store.Get(context.Background(), "111_202")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "C vs D", bet.Game)
	assert.Equal(t, 2.10, bet.QuotedOdds)

	// The mirror converges with the store.
	assert.Equal(t, 2, mirror.Len())
}

func TestSupervisorFiltersDisallowedSources(t *testing.T) {
	t.Parallel()

	store := memory.NewPendingStore()
	sender := &countingSender{}
	conn := newScriptedConn([]domain.TipEvent{
		tip("spam-channel", "X vs Y", 3.0),
		tip("tips-premium", "A vs B", 1.72),
	}, nil)
	dialer := &fakeDialer{conns: []Conn{conn}}

	sup := New(Config{
		OwnerID:        "111",
		ChatID:         555,
		AllowedSources: []string{"tips-premium"},
		Reconnect:      fastPolicy(),
	}, domain.StreamCredentials{}, dialer, store, nil, sender, newSession(), discard())

	runDone := make(chan error, 1)
	go func() { runDone <- sup.Run(context.Background()) }()

	require.Eventually(t, func() bool { return store.Len() == 1 }, time.Second, 5*time.Millisecond)
	sup.Stop()
	require.NoError(t, <-runDone)

	all, err := store.ListAll(context.Background())
	require.NoError(t, err)
	for _, bet := range all {
		assert.Equal(t, "tips-premium", bet.Source)
	}
}

func TestSupervisorReconnectsAndGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	session := newSession()
	dialer := &fakeDialer{err: errors.New("connection refused")}

	sup := New(Config{
		OwnerID:   "111",
		ChatID:    555,
		Reconnect: fastPolicy(),
	}, domain.StreamCredentials{}, dialer, memory.NewPendingStore(), nil, &countingSender{}, session, discard())

	err := sup.Run(context.Background())
	require.ErrorIs(t, err, domain.ErrWSDisconnect)
	assert.Equal(t, 3, dialer.dialCount())

	// The event log saw the disconnects and the final exhaustion.
	events := session.Events.Snapshot()
	require.NotEmpty(t, events)
	assert.Equal(t, domain.EventError, events[len(events)-1].Kind)
}

func TestSupervisorBudgetResetsOnSuccessfulConnect(t *testing.T) {
	t.Parallel()

	store := memory.NewPendingStore()
	sender := &countingSender{}
	drop := errors.New("connection reset by peer")

	// More drops than the budget allows, but each one is preceded by a
	// healthy connection that delivered a tip.
	dialer := &fakeDialer{conns: []Conn{
		newScriptedConn([]domain.TipEvent{tip("tips-premium", "A vs B", 1.72)}, []error{drop}),
		newScriptedConn([]domain.TipEvent{tip("tips-premium", "C vs D", 2.10)}, []error{drop}),
		newScriptedConn([]domain.TipEvent{tip("tips-premium", "E vs F", 1.95)}, []error{drop}),
		newScriptedConn(nil, nil),
	}}

	policy := fastPolicy()
	policy.MaxAttempts = 2

	sup := New(Config{
		OwnerID:   "111",
		ChatID:    555,
		Reconnect: policy,
	}, domain.StreamCredentials{}, dialer, store, nil, sender, newSession(), discard())

	runDone := make(chan error, 1)
	go func() { runDone <- sup.Run(context.Background()) }()

	require.Eventually(t, func() bool { return store.Len() == 3 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return dialer.dialCount() == 4 }, time.Second, 5*time.Millisecond)

	sup.Stop()
	require.NoError(t, <-runDone)
}

func TestSupervisorSessionReadableWhileRunning(t *testing.T) {
	t.Parallel()

	store := memory.NewPendingStore()
	session := newSession()
	drop := errors.New("connection reset by peer")
	dialer := &fakeDialer{conns: []Conn{
		newScriptedConn([]domain.TipEvent{tip("tips-premium", "A vs B", 1.72)}, []error{drop}),
		newScriptedConn(nil, nil),
	}}

	sup := New(Config{
		OwnerID:   "111",
		ChatID:    555,
		Reconnect: fastPolicy(),
	}, domain.StreamCredentials{}, dialer, store, nil, &countingSender{}, session, discard())

	runDone := make(chan error, 1)
	go func() { runDone <- sup.Run(context.Background()) }()

	// The admin surface polls session state while the supervisor runs and
	// reconnects; only the event log may be written from the run loop.
	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		for i := 0; i < 100; i++ {
			_ = session.LastUsedAt
			_ = session.IsActive
			session.Events.Snapshot()
			time.Sleep(time.Millisecond)
		}
	}()

	require.Eventually(t, func() bool { return dialer.dialCount() == 2 }, time.Second, 5*time.Millisecond)
	<-pollDone

	sup.Stop()
	require.NoError(t, <-runDone)

	kinds := make(map[domain.ConnectionEventKind]bool)
	for _, ev := range session.Events.Snapshot() {
		kinds[ev.Kind] = true
	}
	assert.True(t, kinds[domain.EventConnect])
	assert.True(t, kinds[domain.EventDisconnect])
}

func TestSupervisorStopIsIdempotent(t *testing.T) {
	t.Parallel()

	conn := newScriptedConn(nil, nil)
	dialer := &fakeDialer{conns: []Conn{conn}}
	sup := New(Config{
		OwnerID:   "111",
		ChatID:    555,
		Reconnect: fastPolicy(),
	}, domain.StreamCredentials{}, dialer, memory.NewPendingStore(), nil, &countingSender{}, newSession(), discard())

	runDone := make(chan error, 1)
	go func() { runDone <- sup.Run(context.Background()) }()

	require.Eventually(t, func() bool { return dialer.dialCount() == 1 }, time.Second, 5*time.Millisecond)

	sup.Stop()
	sup.Stop()
	require.NoError(t, <-runDone)

	// Stopping again after Run returned stays safe.
	sup.Stop()
}

func TestSupervisorDropsCandidateWhenNotificationFails(t *testing.T) {
	t.Parallel()

	store := memory.NewPendingStore()
	sender := &countingSender{}
	sender.fail.Store(true)
	conn := newScriptedConn([]domain.TipEvent{tip("tips-premium", "A vs B", 1.72)}, nil)
	dialer := &fakeDialer{conns: []Conn{conn}}

	sup := New(Config{
		OwnerID:   "111",
		ChatID:    555,
		Reconnect: fastPolicy(),
	}, domain.StreamCredentials{}, dialer, store, nil, sender, newSession(), discard())

	runDone := make(chan error, 1)
	go func() { runDone <- sup.Run(context.Background()) }()

	require.Eventually(t, func() bool { return dialer.dialCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	sup.Stop()
	require.NoError(t, <-runDone)

	// Without a transport message id there is no correlation key to store.
	assert.Equal(t, 0, store.Len())
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	base := 2 * time.Second
	max := 60 * time.Second

	testCases := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: 2 * time.Second},
		{attempt: 1, want: 4 * time.Second},
		{attempt: 2, want: 8 * time.Second},
		{attempt: 4, want: 32 * time.Second},
		{attempt: 5, want: 60 * time.Second},
		{attempt: 20, want: 60 * time.Second},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.want, backoffDelay(tc.attempt, base, max), "attempt %d", tc.attempt)
	}
}
