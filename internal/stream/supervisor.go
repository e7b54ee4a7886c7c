// Package stream holds one persistent connection per credential to the
// monitored tip feed. On every allowed inbound candidate it notifies the
// owner, completes the correlation key with the transport's message id, and
// records the pending bet.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oddsync/oddsync/internal/domain"
	"github.com/oddsync/oddsync/internal/telegram"
)

// ReconnectPolicy bounds the supervisor's reconnect loop.
type ReconnectPolicy struct {
	// MaxAttempts is the number of consecutive failed connections tolerated
	// before the supervisor gives up and the session goes inactive.
	MaxAttempts int
	// BaseDelay is the first reconnect delay; it doubles per attempt.
	BaseDelay time.Duration
	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration
	// FloodWaitThreshold: a transport-requested pause at or above this length
	// suspends reconnecting for the requested duration instead of backing off.
	FloodWaitThreshold time.Duration
}

// DefaultReconnectPolicy mirrors the values used in production deployments.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts:        10,
		BaseDelay:          2 * time.Second,
		MaxDelay:           60 * time.Second,
		FloodWaitThreshold: 30 * time.Second,
	}
}

// backoffDelay returns the capped exponential delay for a 0-based attempt.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Config carries everything a Supervisor needs besides its collaborators.
type Config struct {
	// OwnerID is the fixed identity of the monitored account; it forms the
	// first half of every correlation key this supervisor writes.
	OwnerID string
	// ChatID is the owner's chat for notifications.
	ChatID int64
	// AllowedSources filters inbound candidates; empty means all sources.
	AllowedSources []string
	Reconnect      ReconnectPolicy
}

// Supervisor maintains one feed connection for one credential. Events from a
// single connection are processed sequentially, preserving detection order.
type Supervisor struct {
	cfg     Config
	creds   domain.StreamCredentials
	dialer  Dialer
	store   domain.PendingStore
	mirror  domain.PendingStore
	sender  telegram.Sender
	session *domain.Session
	logger  *slog.Logger

	allowed map[string]bool

	connMu   sync.Mutex
	conn     Conn
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a Supervisor. mirror is the in-memory pending set shared with
// the correlator; it may be nil when the durable store is the only source of
// truth. session receives the connection event log.
func New(cfg Config, creds domain.StreamCredentials, dialer Dialer, store, mirror domain.PendingStore, sender telegram.Sender, session *domain.Session, logger *slog.Logger) *Supervisor {
	allowed := make(map[string]bool, len(cfg.AllowedSources))
	for _, s := range cfg.AllowedSources {
		allowed[s] = true
	}
	return &Supervisor{
		cfg:     cfg,
		creds:   creds,
		dialer:  dialer,
		store:   store,
		mirror:  mirror,
		sender:  sender,
		session: session,
		logger:  logger.With(slog.String("component", "supervisor"), slog.String("session", session.ID)),
		allowed: allowed,
		done:    make(chan struct{}),
	}
}

// Run connects and processes feed events until Stop is called, the context is
// cancelled, or reconnect attempts are exhausted. Exhaustion returns an error
// so the lifecycle manager can mark the session as failed.
func (s *Supervisor) Run(ctx context.Context) error {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		default:
		}

		if attempt >= s.cfg.Reconnect.MaxAttempts {
			s.logEvent(domain.EventError, "reconnect attempts exhausted")
			return fmt.Errorf("stream: %d reconnect attempts exhausted: %w", attempt, domain.ErrWSDisconnect)
		}
		if attempt > 0 {
			delay := backoffDelay(attempt-1, s.cfg.Reconnect.BaseDelay, s.cfg.Reconnect.MaxDelay)
			s.logEvent(domain.EventReconnect, fmt.Sprintf("attempt %d in %s", attempt+1, delay))
			if !s.sleep(ctx, delay) {
				return s.runErr(ctx)
			}
		}

		connected, err := s.runConnection(ctx)
		if connected {
			// The budget bounds consecutive failures only; a successful
			// connection restores it in full.
			attempt = 0
		}
		switch {
		case err == nil:
			// Clean stop.
			return nil
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return err
		default:
		}

		var fw *FloodWaitError
		if errors.As(err, &fw) && fw.RetryAfter >= s.cfg.Reconnect.FloodWaitThreshold {
			s.logEvent(domain.EventFloodWait, fmt.Sprintf("pausing %s", fw.RetryAfter))
			if !s.sleep(ctx, fw.RetryAfter) {
				return s.runErr(ctx)
			}
			// A transport-requested pause does not count as a failed attempt.
			continue
		}

		s.logEvent(domain.EventDisconnect, err.Error())
		s.logger.WarnContext(ctx, "feed disconnected", slog.String("error", err.Error()))
		attempt++
	}
}

// runConnection dials once and processes events until the connection fails or
// the supervisor stops. The bool reports whether a connection was established;
// a nil error means a clean stop.
func (s *Supervisor) runConnection(ctx context.Context) (bool, error) {
	conn, err := s.dialer.Dial(ctx, s.creds)
	if err != nil {
		return false, err
	}
	s.setConn(conn)
	defer func() {
		s.setConn(nil)
		conn.Close()
	}()

	// The connect time is recorded through the event log; the shared session
	// struct is read concurrently by the admin surface and is not written here.
	s.logEvent(domain.EventConnect, "")
	s.logger.InfoContext(ctx, "feed connected")

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case <-s.done:
			return true, nil
		default:
		}

		ev, err := conn.ReadEvent(ctx)
		if err != nil {
			select {
			case <-s.done:
				return true, nil
			default:
			}
			return true, err
		}

		if len(s.allowed) > 0 && !s.allowed[ev.Source] {
			continue
		}
		s.handleTip(ctx, ev)
	}
}

// handleTip notifies the owner and records the pending bet. The notification
// goes out first because its transport-assigned message id completes the
// correlation key.
func (s *Supervisor) handleTip(ctx context.Context, ev domain.TipEvent) {
	msgID, err := s.sender.SendMessage(ctx, s.cfg.ChatID, renderNotification(ev))
	if err != nil {
		// Without a message id there is nothing to correlate against; the
		// candidate is dropped and only logged. Notification delivery is not
		// guaranteed exactly-once.
		s.logger.ErrorContext(ctx, "notification send failed",
			slog.String("game", ev.Game),
			slog.String("error", err.Error()),
		)
		return
	}

	key, err := domain.NewCorrelationKey(s.cfg.OwnerID, msgID)
	if err != nil {
		s.logger.ErrorContext(ctx, "cannot build correlation key",
			slog.Int64("message_id", msgID),
			slog.String("error", err.Error()),
		)
		return
	}

	bet := domain.PendingBet{
		Game:       ev.Game,
		Market:     ev.Market,
		BetLine:    ev.BetLine,
		QuotedOdds: ev.Odds,
		Score:      ev.Score,
		Source:     ev.Source,
		CapturedAt: ev.ObservedAt,
	}

	if err := s.store.Put(ctx, key, bet); err != nil {
		s.logger.ErrorContext(ctx, "pending store put failed",
			slog.String("key", key.String()),
			slog.String("error", err.Error()),
		)
	}
	if s.mirror != nil {
		if err := s.mirror.Put(ctx, key, bet); err != nil {
			s.logger.ErrorContext(ctx, "pending mirror put failed",
				slog.String("key", key.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.InfoContext(ctx, "bet candidate recorded",
		slog.String("key", key.String()),
		slog.String("game", ev.Game),
		slog.Float64("odds", ev.Odds),
	)
}

// Stop disconnects cleanly and makes Run return nil. Safe to call more than
// once and safe to call on a supervisor that never ran.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.connMu.Lock()
		if s.conn != nil {
			_ = s.conn.Close()
		}
		s.connMu.Unlock()
	})
}

// setConn tracks the live connection so Stop can interrupt a blocking read.
func (s *Supervisor) setConn(c Conn) {
	s.connMu.Lock()
	s.conn = c
	// A stop that raced the dial closes the fresh connection immediately.
	select {
	case <-s.done:
		if c != nil {
			_ = c.Close()
		}
	default:
	}
	s.connMu.Unlock()
}

// sleep waits for d, returning false if the context was cancelled or the
// supervisor was stopped during the wait.
func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-s.done:
		return false
	case <-t.C:
		return true
	}
}

// runErr maps an interrupted wait to the right Run return value.
func (s *Supervisor) runErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil // stopped via Stop
}

func (s *Supervisor) logEvent(kind domain.ConnectionEventKind, detail string) {
	s.session.Events.Append(domain.ConnectionEvent{
		Kind:   kind,
		Detail: detail,
		At:     time.Now().UTC(),
	})
}

// renderNotification formats the owner-facing message for a bet candidate.
func renderNotification(ev domain.TipEvent) string {
	text := fmt.Sprintf("*New bet candidate*\n%s\n%s / %s @ %.2f", ev.Game, ev.Market, ev.BetLine, ev.Odds)
	if ev.Score != "" {
		text += fmt.Sprintf("\nscore: %s", ev.Score)
	}
	text += "\n\nReply with the odds you got, or 0 if you didn't place it."
	return text
}
