// Package redirectpath remembers where a user was headed before they were
// sent away to log in.
package redirectpath

import (
	"context"
	"fmt"
	"sync"

	"lds.li/oidcflow/storage"
)

// StorageKey is the key the pending path is stored under.
const StorageKey = "ppwcode-redirect-app-path"

// Store is a single slot for the application path to return to after a
// successful login. It is backed by session scoped storage, so the value
// survives the full page navigation to and from the identity provider.
//
// The durable value is read at most once per Store. The first Get removes it
// from storage and caches it, so a reload after that point no longer sees it,
// while this Store keeps returning it until it is overwritten or cleared.
type Store struct {
	storage storage.Storage

	mu     sync.Mutex
	loaded bool
	path   string
	has    bool
}

// New returns a Store over s.
func New(s storage.Storage) *Store {
	return &Store{storage: s}
}

// Get returns the pending path, if any.
func (s *Store) Get(ctx context.Context) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(ctx)
}

func (s *Store) getLocked(ctx context.Context) (string, bool, error) {
	if !s.loaded {
		p, ok, err := s.storage.Get(ctx, StorageKey)
		if err != nil {
			return "", false, fmt.Errorf("reading redirect path: %w", err)
		}
		if ok {
			if err := s.storage.Remove(ctx, StorageKey); err != nil {
				return "", false, fmt.Errorf("removing redirect path: %w", err)
			}
		}
		s.path, s.has, s.loaded = p, ok, true
	}

	return s.path, s.has, nil
}

// Set records path as the place to return to.
func (s *Store) Set(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.storage.Set(ctx, StorageKey, path); err != nil {
		return fmt.Errorf("writing redirect path: %w", err)
	}
	s.path, s.has, s.loaded = path, true, true

	return nil
}

// Clear drops the pending path from both this Store and durable storage, so a
// later session cannot pick up a stale target.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clearLocked(ctx)
}

func (s *Store) clearLocked(ctx context.Context) error {
	s.path, s.has, s.loaded = "", false, true
	if err := s.storage.Remove(ctx, StorageKey); err != nil {
		return fmt.Errorf("removing redirect path: %w", err)
	}

	return nil
}

// HasActive reports whether a path is pending.
func (s *Store) HasActive(ctx context.Context) (bool, error) {
	_, ok, err := s.Get(ctx)
	return ok, err
}

// Take returns the pending path and clears it, so it is consumed exactly once.
func (s *Store) Take(ctx context.Context) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok, err := s.getLocked(ctx)
	if err != nil || !ok {
		return "", false, err
	}
	if err := s.clearLocked(ctx); err != nil {
		return "", false, err
	}
	return p, true, nil
}
