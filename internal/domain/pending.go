// Package domain defines the core types and store interfaces shared by the
// stream supervisor, the reply correlator, and the session lifecycle manager.
package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// keySeparator joins the owner identity and the notification message id into
// a single correlation key token. Owner identities containing this character
// are rejected at construction time so the key is always unambiguous.
const keySeparator = "_"

// CorrelationKey identifies a pending bet across the two execution contexts:
// the supervisor that created the notification and the correlator that later
// receives the owner's reply. Both sides must derive it identically.
type CorrelationKey string

// NewCorrelationKey builds the key for the given owner identity and the
// message id the transport assigned to the owner-facing notification.
//
// The owner identity is the fixed, configured identity of the monitored
// account. It is never the sender of an inbound reply.
func NewCorrelationKey(ownerID string, messageID int64) (CorrelationKey, error) {
	if ownerID == "" {
		return "", fmt.Errorf("domain: empty owner identity: %w", ErrInvalidKey)
	}
	if strings.Contains(ownerID, keySeparator) {
		return "", fmt.Errorf("domain: owner identity %q contains separator: %w", ownerID, ErrInvalidKey)
	}
	if messageID <= 0 {
		return "", fmt.Errorf("domain: message id %d must be positive: %w", messageID, ErrInvalidKey)
	}
	return CorrelationKey(ownerID + keySeparator + strconv.FormatInt(messageID, 10)), nil
}

// ParseCorrelationKey splits a stored key token back into its components.
func ParseCorrelationKey(s string) (ownerID string, messageID int64, err error) {
	i := strings.LastIndex(s, keySeparator)
	if i <= 0 || i == len(s)-1 {
		return "", 0, fmt.Errorf("domain: malformed key %q: %w", s, ErrInvalidKey)
	}
	messageID, err = strconv.ParseInt(s[i+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("domain: malformed key %q: %w", s, ErrInvalidKey)
	}
	return s[:i], messageID, nil
}

func (k CorrelationKey) String() string { return string(k) }

// PendingBet is a notification awaiting the owner's reply. It is created by
// the stream supervisor when a bet candidate is detected and finalized (or
// left pending indefinitely) by the reply correlator. The outcome fields stay
// unset until a valid reply arrives.
type PendingBet struct {
	Game       string    `json:"game"`
	Market     string    `json:"market"`
	BetLine    string    `json:"bet_line"`
	QuotedOdds float64   `json:"quoted_odds"`
	Score      string    `json:"score,omitempty"`
	Source     string    `json:"source,omitempty"`
	CapturedAt time.Time `json:"captured_at"`

	// Captured and RealizedOdds are nil until the owner answers.
	Captured     *bool    `json:"captured,omitempty"`
	RealizedOdds *float64 `json:"realized_odds,omitempty"`
}

// BetRecord is the finalized payload handed to the record sink once a reply
// has been correlated and parsed.
type BetRecord struct {
	Key          CorrelationKey `json:"key"`
	Game         string         `json:"game"`
	Market       string         `json:"market"`
	BetLine      string         `json:"bet_line"`
	QuotedOdds   float64        `json:"quoted_odds"`
	Score        string         `json:"score,omitempty"`
	Source       string         `json:"source,omitempty"`
	CapturedAt   time.Time      `json:"captured_at"`
	FinalizedAt  time.Time      `json:"finalized_at"`
	Captured     bool           `json:"captured"`
	RealizedOdds *float64       `json:"realized_odds"`
}

// Finalize produces the record for a pending bet. realized is nil for the
// not-captured outcome.
func (p PendingBet) Finalize(key CorrelationKey, captured bool, realized *float64, now time.Time) BetRecord {
	return BetRecord{
		Key:          key,
		Game:         p.Game,
		Market:       p.Market,
		BetLine:      p.BetLine,
		QuotedOdds:   p.QuotedOdds,
		Score:        p.Score,
		Source:       p.Source,
		CapturedAt:   p.CapturedAt,
		FinalizedAt:  now,
		Captured:     captured,
		RealizedOdds: realized,
	}
}

// TipEvent is a single bet candidate observed on a monitored tip stream.
type TipEvent struct {
	Source     string    `json:"source"`
	Game       string    `json:"game"`
	Market     string    `json:"market"`
	BetLine    string    `json:"bet_line"`
	Odds       float64   `json:"odds"`
	Score      string    `json:"score,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}
