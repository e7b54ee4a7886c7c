package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrDecryption      = errors.New("decryption failed")
	ErrSessionActive   = errors.New("session already active")
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidKey      = errors.New("invalid correlation key")
	ErrRateLimited     = errors.New("rate limited")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrWSDisconnect    = errors.New("websocket disconnected")
	ErrLockHeld        = errors.New("lock already held")
)
