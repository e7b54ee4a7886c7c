package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/oddsync/oddsync/internal/domain"
)

const (
	// handshakeTimeout bounds the websocket dial.
	handshakeTimeout = 15 * time.Second

	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
)

// Conn is a single live connection to the tip feed. ReadEvent blocks until
// the next event, the context is cancelled, or the connection fails.
type Conn interface {
	ReadEvent(ctx context.Context) (domain.TipEvent, error)
	Close() error
}

// Dialer opens feed connections. The supervisor redials through it on every
// reconnect attempt; tests substitute a fake.
type Dialer interface {
	Dial(ctx context.Context, creds domain.StreamCredentials) (Conn, error)
}

// FloodWaitError signals that the transport is rate-limiting the connection
// and asks for a pause before the next attempt.
type FloodWaitError struct {
	RetryAfter time.Duration
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("stream: flood wait %s: %v", e.RetryAfter, domain.ErrRateLimited)
}

func (e *FloodWaitError) Unwrap() error { return domain.ErrRateLimited }

// feedMessage is the wire envelope of the tip feed.
type feedMessage struct {
	Type       string  `json:"type"` // "tip" | "flood_wait" | "ping"
	RetryAfter int     `json:"retry_after,omitempty"`
	Source     string  `json:"source,omitempty"`
	Game       string  `json:"game,omitempty"`
	Market     string  `json:"market,omitempty"`
	BetLine    string  `json:"bet_line,omitempty"`
	Odds       float64 `json:"odds,omitempty"`
	Score      string  `json:"score,omitempty"`
}

// subscribeCommand is sent once after connecting to select the watched sources.
type subscribeCommand struct {
	Type    string   `json:"type"`
	APIKey  string   `json:"api_key"`
	Session string   `json:"session,omitempty"`
	Sources []string `json:"sources,omitempty"`
}

// WSDialer dials the tip feed over gorilla/websocket and subscribes to the
// configured sources.
type WSDialer struct {
	URL     string
	Sources []string
}

// Dial opens a connection, authenticates with the decrypted credentials, and
// subscribes to the configured sources.
func (d *WSDialer) Dial(ctx context.Context, creds domain.StreamCredentials) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}

	conn, _, err := dialer.DialContext(ctx, d.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("stream: connect %s: %w", d.URL, err)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteJSON(subscribeCommand{
		Type:    "subscribe",
		APIKey:  creds.APIKey,
		Session: creds.SessionBlob,
		Sources: d.Sources,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("stream: subscribe: %w", err)
	}

	return &wsConn{conn: conn}, nil
}

// wsConn adapts a gorilla connection to the Conn interface.
type wsConn struct {
	conn *websocket.Conn
}

// ReadEvent reads feed messages until a tip arrives. Keep-alive pings are
// answered inline; a flood_wait message surfaces as *FloodWaitError.
func (c *wsConn) ReadEvent(ctx context.Context) (domain.TipEvent, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.TipEvent{}, err
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return domain.TipEvent{}, fmt.Errorf("stream: read: %w: %v", domain.ErrWSDisconnect, err)
		}

		var msg feedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			// Unparseable frames are skipped, not fatal.
			continue
		}

		switch msg.Type {
		case "tip":
			return domain.TipEvent{
				Source:     msg.Source,
				Game:       msg.Game,
				Market:     msg.Market,
				BetLine:    msg.BetLine,
				Odds:       msg.Odds,
				Score:      msg.Score,
				ObservedAt: time.Now().UTC(),
			}, nil
		case "flood_wait":
			return domain.TipEvent{}, &FloodWaitError{RetryAfter: time.Duration(msg.RetryAfter) * time.Second}
		case "ping":
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteJSON(map[string]string{"type": "pong"})
		default:
			// Unknown message types are ignored.
		}
	}
}

// Close closes the underlying connection.
func (c *wsConn) Close() error {
	return c.conn.Close()
}

// Compile-time interface checks.
var (
	_ Dialer = (*WSDialer)(nil)
	_ Conn   = (*wsConn)(nil)
)
