package augment

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
)

var (
	ErrServiceNotRegistered = errors.New("service not registered")
	ErrServiceType          = errors.New("service has unexpected type")
)

// PrefixValue is a URL prefix that is either known now or still to be
// fetched.
type PrefixValue struct {
	value   string
	pending func(context.Context) (string, error)
}

// Ready is a prefix that is available immediately.
func Ready(prefix string) PrefixValue {
	return PrefixValue{value: prefix}
}

// Pending is a prefix that fn fetches. fn is called once per request that
// needs the prefix set, concurrently with other pending prefixes.
func Pending(fn func(context.Context) (string, error)) PrefixValue {
	return PrefixValue{pending: fn}
}

// URLPrefix is a configured prefix: a literal, or one loaded from a
// registered service for each request.
type URLPrefix struct {
	literal string
	key     string
	load    func(svc any) (PrefixValue, error)
}

// Prefix is a literal URL prefix.
func Prefix(prefix string) URLPrefix {
	return URLPrefix{literal: prefix}
}

// LoadPrefix loads the prefix from the service registered under key, which
// must be an S.
func LoadPrefix[S any](key string, loadAs func(S) PrefixValue) URLPrefix {
	return URLPrefix{
		key: key,
		load: func(svc any) (PrefixValue, error) {
			s, ok := svc.(S)
			if !ok {
				return PrefixValue{}, fmt.Errorf("service %q is %T, want %s: %w", key, svc, reflect.TypeFor[S](), ErrServiceType)
			}
			return loadAs(s), nil
		},
	}
}

func (p URLPrefix) deferred() bool {
	return p.load != nil
}

func (p URLPrefix) String() string {
	if p.deferred() {
		return "service:" + p.key
	}
	return p.literal
}

// Registry maps keys to the services deferred prefixes load from.
type Registry struct {
	mu       sync.RWMutex
	services map[string]any
}

func NewRegistry() *Registry {
	return &Registry{services: make(map[string]any)}
}

// Register makes svc available under key, replacing any previous service.
func (r *Registry) Register(key string, svc any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.services == nil {
		r.services = make(map[string]any)
	}
	r.services[key] = svc
}

// Lookup returns the service registered under key.
func (r *Registry) Lookup(key string) (any, error) {
	if r == nil {
		return nil, fmt.Errorf("%q: %w", key, ErrServiceNotRegistered)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[key]
	if !ok {
		return nil, fmt.Errorf("%q: %w", key, ErrServiceNotRegistered)
	}
	return svc, nil
}
