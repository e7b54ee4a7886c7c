// Package correlate matches inbound owner replies to the pending bets their
// notifications created, parses the reply value, and finalizes the record.
package correlate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oddsync/oddsync/internal/domain"
	"github.com/oddsync/oddsync/internal/telegram"
)

const guidanceText = "I couldn't read that value. Reply to the bet notification with " +
	"the odds you got (for example `1.85` or `1,85`), or `0` if you didn't place it."

// Correlator is the reply-ingestion entry point. It derives the correlation
// key from the configured owner identity and the replied-to message id,
// retrieves the pending bet, parses the reply, and finalizes or re-prompts.
type Correlator struct {
	// ownerID is the fixed identity of the monitored account. The key is
	// always derived from it, never from the sender of the inbound reply:
	// deriving from the wrong identity is the classic root cause of
	// correlation misses.
	ownerID string
	chatID  int64

	store  domain.PendingStore
	mirror domain.PendingStore // supervisor's in-memory mirror; may be nil
	sink   domain.RecordSink
	sender telegram.Sender
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Correlator. mirror is the supervisor's in-memory pending set,
// consulted as a fallback when the durable store misses; pass nil when the
// store is the single source of truth.
func New(ownerID string, chatID int64, store domain.PendingStore, mirror domain.PendingStore, sink domain.RecordSink, sender telegram.Sender, logger *slog.Logger) *Correlator {
	return &Correlator{
		ownerID: ownerID,
		chatID:  chatID,
		store:   store,
		mirror:  mirror,
		sink:    sink,
		sender:  sender,
		logger:  logger.With(slog.String("component", "correlator")),
		now:     time.Now,
	}
}

// HandleUpdate processes one inbound webhook update. The returned bool
// reports whether a pending bet was finalized. A miss, a non-reply, or an
// invalid value is normal handling, not an error; only unexpected internal
// failures return a non-nil error.
func (c *Correlator) HandleUpdate(ctx context.Context, upd *telegram.Update) (bool, error) {
	if upd == nil || upd.Message == nil || !upd.Message.IsReply() {
		return false, nil
	}
	msg := upd.Message

	key, err := domain.NewCorrelationKey(c.ownerID, msg.ReplyTo.MessageID)
	if err != nil {
		c.logger.WarnContext(ctx, "cannot derive correlation key",
			slog.Int64("reply_to", msg.ReplyTo.MessageID),
			slog.String("error", err.Error()),
		)
		return false, nil
	}

	bet, found, err := c.lookup(ctx, key)
	if err != nil {
		return false, fmt.Errorf("correlate: lookup %s: %w", key, err)
	}
	if !found {
		c.logger.DebugContext(ctx, "no pending bet for reply", slog.String("key", key.String()))
		return false, nil
	}

	value := ParseReplyValue(msg.Text)
	if !value.Valid {
		c.logger.InfoContext(ctx, "invalid reply value, keeping entry",
			slog.String("key", key.String()),
			slog.String("text", msg.Text),
		)
		c.send(ctx, guidanceText)
		return false, nil
	}

	rec := bet.Finalize(key, value.Captured, value.RealizedOdds, c.now().UTC())
	if err := c.sink.Write(ctx, rec); err != nil {
		// Keep the pending entry so a later retry can still finalize it;
		// deleting here would silently lose the bet record.
		c.logger.ErrorContext(ctx, "record sink write failed",
			slog.String("key", key.String()),
			slog.String("error", err.Error()),
		)
		c.send(ctx, fmt.Sprintf("Could not save the record for %s. The bet is still pending, please try again.", bet.Game))
		return false, nil
	}

	c.remove(ctx, key)
	c.send(ctx, confirmationText(rec))

	c.logger.InfoContext(ctx, "bet finalized",
		slog.String("key", key.String()),
		slog.Bool("captured", rec.Captured),
	)
	return true, nil
}

// lookup queries the durable store first and falls back to the supervisor's
// in-memory mirror. The mirror is a read-through convenience only; the store
// remains the source of truth.
func (c *Correlator) lookup(ctx context.Context, key domain.CorrelationKey) (domain.PendingBet, bool, error) {
	bet, found, err := c.store.Get(ctx, key)
	if err != nil {
		return domain.PendingBet{}, false, err
	}
	if found || c.mirror == nil {
		return bet, found, nil
	}
	return c.mirror.Get(ctx, key)
}

// remove deletes the key from the store and the mirror. Removal failures are
// logged, not propagated: the record has already been persisted by the sink.
func (c *Correlator) remove(ctx context.Context, key domain.CorrelationKey) {
	if err := c.store.Remove(ctx, key); err != nil {
		c.logger.ErrorContext(ctx, "failed to remove pending entry",
			slog.String("key", key.String()),
			slog.String("error", err.Error()),
		)
	}
	if c.mirror != nil {
		if err := c.mirror.Remove(ctx, key); err != nil {
			c.logger.ErrorContext(ctx, "failed to remove mirrored entry",
				slog.String("key", key.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// send delivers a message to the owner. Transport failures are logged and do
// not abort the correlation itself.
func (c *Correlator) send(ctx context.Context, text string) {
	if _, err := c.sender.SendMessage(ctx, c.chatID, text); err != nil {
		c.logger.ErrorContext(ctx, "transport send failed", slog.String("error", err.Error()))
	}
}

func confirmationText(rec domain.BetRecord) string {
	if !rec.Captured {
		return fmt.Sprintf("Noted: %s not placed.", rec.Game)
	}
	return fmt.Sprintf("Recorded: %s @ %.2f (quoted %.2f).", rec.Game, *rec.RealizedOdds, rec.QuotedOdds)
}
