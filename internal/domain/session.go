package domain

import (
	"sync"
	"time"
)

// EventLogCap is the maximum number of connection events retained per session.
const EventLogCap = 100

// ConnectionEventKind classifies entries in a session's event log.
type ConnectionEventKind string

const (
	EventConnect    ConnectionEventKind = "connect"
	EventDisconnect ConnectionEventKind = "disconnect"
	EventReconnect  ConnectionEventKind = "reconnect"
	EventError      ConnectionEventKind = "error"
	EventFloodWait  ConnectionEventKind = "flood_wait"
)

// ConnectionEvent is one entry in a session's ring-buffered event log.
type ConnectionEvent struct {
	Kind   ConnectionEventKind `json:"kind"`
	Detail string              `json:"detail,omitempty"`
	At     time.Time           `json:"at"`
}

// EventLog is a fixed-capacity ring buffer of connection events. When full,
// the oldest entry is dropped. It is safe for concurrent use.
type EventLog struct {
	mu      sync.Mutex
	entries []ConnectionEvent
	start   int
	count   int
}

// NewEventLog creates an event log with capacity EventLogCap.
func NewEventLog() *EventLog {
	return &EventLog{entries: make([]ConnectionEvent, EventLogCap)}
}

// Append records an event, evicting the oldest entry when at capacity.
func (l *EventLog) Append(ev ConnectionEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count < len(l.entries) {
		l.entries[(l.start+l.count)%len(l.entries)] = ev
		l.count++
		return
	}
	l.entries[l.start] = ev
	l.start = (l.start + 1) % len(l.entries)
}

// Snapshot returns the retained events in chronological order.
func (l *EventLog) Snapshot() []ConnectionEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ConnectionEvent, l.count)
	for i := 0; i < l.count; i++ {
		out[i] = l.entries[(l.start+i)%len(l.entries)]
	}
	return out
}

// Len returns the number of retained events.
func (l *EventLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Session is a single persistent connection instance tied to one credential.
// Sessions are deactivated on stop, never deleted.
type Session struct {
	ID           string
	CredentialID string
	IsActive     bool
	LastUsedAt   time.Time
	BackupKey    string // blob storage key of the session backup, if any
	Events       *EventLog
}

// MonitorSession is the orchestration-level record tracking whether a session
// should be running for an account+credential pair. RestartRequested is set
// out of band (for example when a new stream is added to watch) and consumed
// asynchronously by the lifecycle manager.
type MonitorSession struct {
	AccountID        string
	CredentialID     string
	IsActive         bool
	RestartRequested bool
	UpdatedAt        time.Time
}

// SessionStatus is the externally visible state of one managed session.
type SessionStatus struct {
	AccountID    string    `json:"account_id"`
	CredentialID string    `json:"credential_id"`
	SessionID    string    `json:"session_id,omitempty"`
	IsActive     bool      `json:"is_active"`
	LastUsedAt   time.Time `json:"last_used_at,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

// SessionStats aggregates counters across all managed sessions.
type SessionStats struct {
	Active    int `json:"active"`
	Inactive  int `json:"inactive"`
	Starts    int `json:"starts"`
	Stops     int `json:"stops"`
	Restarts  int `json:"restarts"`
	StartErrs int `json:"start_errors"`
}
