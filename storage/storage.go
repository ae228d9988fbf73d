// Package storage provides the string keyed stores that hold authentication
// state between full page navigations.
package storage

import (
	"context"
	"fmt"
	"sync"
)

// Storage is a string keyed store. Implementations must be safe for concurrent
// use.
type Storage interface {
	// Get returns the value for key. A missing key is reported with ok false,
	// not as an error.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error
	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error
}

// MemStorage is a simple in-memory Storage.
type MemStorage struct {
	m   map[string]string
	mMu sync.RWMutex
}

var _ Storage = (*MemStorage)(nil)

// NewMemStorage creates an empty MemStorage.
func NewMemStorage() *MemStorage {
	return &MemStorage{m: make(map[string]string)}
}

func (s *MemStorage) Get(_ context.Context, key string) (string, bool, error) {
	s.mMu.RLock()
	defer s.mMu.RUnlock()

	v, ok := s.m[key]
	return v, ok, nil
}

func (s *MemStorage) Set(_ context.Context, key, value string) error {
	s.mMu.Lock()
	defer s.mMu.Unlock()

	if s.m == nil {
		s.m = make(map[string]string)
	}
	s.m[key] = value

	return nil
}

func (s *MemStorage) Remove(_ context.Context, key string) error {
	s.mMu.Lock()
	defer s.mMu.Unlock()

	delete(s.m, key)

	return nil
}

// Prefixed returns a Storage that namespaces every key of base with prefix.
// Hosts use this to give several logical stores, for example session and
// local storage, a single backing store.
func Prefixed(base Storage, prefix string) Storage {
	return &prefixed{base: base, prefix: prefix}
}

type prefixed struct {
	base   Storage
	prefix string
}

func (p *prefixed) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok, err := p.base.Get(ctx, p.prefix+key)
	if err != nil {
		return "", false, fmt.Errorf("getting %s: %w", p.prefix+key, err)
	}
	return v, ok, nil
}

func (p *prefixed) Set(ctx context.Context, key, value string) error {
	return p.base.Set(ctx, p.prefix+key, value)
}

func (p *prefixed) Remove(ctx context.Context, key string) error {
	return p.base.Remove(ctx, p.prefix+key)
}
