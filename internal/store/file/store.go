// Package file provides a PendingStore backed by a single JSON document on
// disk. Every mutation locks the file, reads the whole document, changes one
// entry, and atomically rewrites it. An advisory flock serializes writers
// across processes; an in-process mutex serializes goroutines sharing the
// same store instance.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/oddsync/oddsync/internal/domain"
)

// PendingStore implements domain.PendingStore over a JSON file.
//
// The store is advisory, recoverable state: a document that fails to parse is
// treated as empty and the next successful Put rewrites a valid one.
// Corruption never propagates to callers.
type PendingStore struct {
	path string
	mu   sync.Mutex
}

// NewPendingStore creates a store persisting to path. The parent directory
// must exist; the file itself is created on first write.
func NewPendingStore(path string) *PendingStore {
	return &PendingStore{path: path}
}

// Put stores the bet under key, overwriting any existing entry.
func (s *PendingStore) Put(ctx context.Context, key domain.CorrelationKey, bet domain.PendingBet) error {
	return s.mutate(func(doc map[domain.CorrelationKey]domain.PendingBet) {
		doc[key] = bet
	})
}

// Get retrieves the bet for key.
func (s *PendingStore) Get(ctx context.Context, key domain.CorrelationKey) (domain.PendingBet, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readLocked(unix.LOCK_SH)
	if err != nil {
		return domain.PendingBet{}, false, err
	}
	bet, ok := doc[key]
	return bet, ok, nil
}

// Remove deletes the entry for key. Removing an absent key is a no-op.
func (s *PendingStore) Remove(ctx context.Context, key domain.CorrelationKey) error {
	return s.mutate(func(doc map[domain.CorrelationKey]domain.PendingBet) {
		delete(doc, key)
	})
}

// ListAll returns every stored entry.
func (s *PendingStore) ListAll(ctx context.Context) (map[domain.CorrelationKey]domain.PendingBet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(unix.LOCK_SH)
}

// mutate runs fn over the decoded document under an exclusive flock and
// rewrites the result atomically via a temp file + rename.
func (s *PendingStore) mutate(fn func(map[domain.CorrelationKey]domain.PendingBet)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("file: open %s: %w", s.path, err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("file: lock %s: %w", s.path, err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	doc := decode(f)
	fn(doc)

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("file: encode store: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".pending-*.json")
	if err != nil {
		return fmt.Errorf("file: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("file: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("file: close temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("file: replace %s: %w", s.path, err)
	}
	return nil
}

// readLocked reads the document under a shared flock. A missing or
// unparseable file yields an empty document.
func (s *PendingStore) readLocked(lockMode int) (map[domain.CorrelationKey]domain.PendingBet, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[domain.CorrelationKey]domain.PendingBet{}, nil
		}
		return nil, fmt.Errorf("file: open %s: %w", s.path, err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), lockMode); err != nil {
		return nil, fmt.Errorf("file: lock %s: %w", s.path, err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	return decode(f), nil
}

// decode parses the document from f, treating any parse failure as an empty
// store.
func decode(f *os.File) map[domain.CorrelationKey]domain.PendingBet {
	doc := make(map[domain.CorrelationKey]domain.PendingBet)
	if err := json.NewDecoder(f).Decode(&doc); err != nil {
		return make(map[domain.CorrelationKey]domain.PendingBet)
	}
	return doc
}

// Compile-time interface check.
var _ domain.PendingStore = (*PendingStore)(nil)
