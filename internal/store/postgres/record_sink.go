package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oddsync/oddsync/internal/domain"
)

// RecordSink implements domain.RecordSink by persisting finalized bet records
// into the bet_records table. A second write for the same correlation key
// updates the existing row, so a correlator retry after a partial failure
// stays safe.
type RecordSink struct {
	pool *pgxpool.Pool
}

// NewRecordSink creates a RecordSink backed by the given pool.
func NewRecordSink(pool *pgxpool.Pool) *RecordSink {
	return &RecordSink{pool: pool}
}

// Write persists the finalized record.
func (s *RecordSink) Write(ctx context.Context, rec domain.BetRecord) error {
	const query = `
		INSERT INTO bet_records (
			correlation_key, game, market, bet_line, quoted_odds,
			score, source, captured, realized_odds, captured_at, finalized_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (correlation_key) DO UPDATE SET
			captured      = EXCLUDED.captured,
			realized_odds = EXCLUDED.realized_odds,
			finalized_at  = EXCLUDED.finalized_at`

	_, err := s.pool.Exec(ctx, query,
		rec.Key.String(), rec.Game, rec.Market, rec.BetLine, rec.QuotedOdds,
		rec.Score, rec.Source, rec.Captured, rec.RealizedOdds,
		rec.CapturedAt, rec.FinalizedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: write bet record %s: %w", rec.Key, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.RecordSink = (*RecordSink)(nil)
