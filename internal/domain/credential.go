package domain

import "time"

// CredentialStatus tracks the connection health of a stored credential.
type CredentialStatus string

const (
	CredentialConnected    CredentialStatus = "connected"
	CredentialDisconnected CredentialStatus = "disconnected"
	CredentialError        CredentialStatus = "error"
)

// Credential holds the per-account secrets needed to open a monitoring
// connection. All secret fields are ciphertext produced by the vault;
// plaintext is never persisted.
type Credential struct {
	ID        string
	AccountID string

	// Vault-encrypted fields.
	APIKeyEnc      string
	APISecretEnc   string
	SessionBlobEnc string
	BackupBlobEnc  string // optional

	Status          CredentialStatus
	LastError       string
	LastConnectedAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// StreamCredentials is the decrypted form handed to the connection launcher.
// It only ever lives in memory.
type StreamCredentials struct {
	APIKey      string
	APISecret   string
	SessionBlob string
}
