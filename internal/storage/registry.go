package storage

import (
	"context"
	"fmt"
	"sync"

	fgerr "github.com/filegate/filegate/internal/errors"
)

// Factory constructs a live Provider from its configuration record.
type Factory func(ctx context.Context, spec ProviderSpec) (Provider, error)

// Store resolves provider configuration records to live Provider instances,
// cached by provider id. It is constructed once at process start and passed
// by reference to every component that needs backend access; there is no
// process-wide instance.
type Store struct {
	mu        sync.Mutex
	factories map[string]Factory
	providers map[string]Provider
}

// NewStore creates an empty Store. Call RegisterType (or DefaultTypes) to
// install backend factories before resolving providers.
func NewStore() *Store {
	return &Store{
		factories: make(map[string]Factory),
		providers: make(map[string]Provider),
	}
}

// RegisterType installs the factory for a backend type discriminator.
// Later registrations for the same type replace earlier ones.
func (s *Store) RegisterType(typ string, f Factory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.factories[typ] = f
}

// Resolve returns the live Provider for the given configuration record,
// constructing it on first use and caching it by spec.ID.
func (s *Store) Resolve(ctx context.Context, spec ProviderSpec) (Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.providers[spec.ID]; ok {
		return p, nil
	}

	f, ok := s.factories[spec.Type]
	if !ok {
		return nil, fgerr.Validationf("UnknownProviderType", "no backend registered for provider type %q", spec.Type)
	}

	p, err := f(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("constructing provider %q (type %s): %w", spec.ID, spec.Type, err)
	}
	s.providers[spec.ID] = p
	return p, nil
}

// Bucket resolves a provider record and returns the named bucket from it.
func (s *Store) Bucket(ctx context.Context, spec ProviderSpec, name string) (Bucket, error) {
	p, err := s.Resolve(ctx, spec)
	if err != nil {
		return nil, err
	}
	return p.Bucket(name)
}

// Evict drops the cached provider instance for the given id, closing it.
// Used when an operator updates a provider's configuration.
func (s *Store) Evict(id string) error {
	s.mu.Lock()
	p, ok := s.providers[id]
	delete(s.providers, id)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	return p.Close()
}

// Close tears down every cached provider. The first error is returned;
// teardown continues regardless.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var first error
	for id, p := range s.providers {
		if err := p.Close(); err != nil && first == nil {
			first = fmt.Errorf("closing provider %q: %w", id, err)
		}
		delete(s.providers, id)
	}
	return first
}

// errBucketNotAllowed annotates the allow-list sentinel with identifiers.
func errBucketNotAllowed(providerID, bucket string) error {
	return fgerr.ErrBucketNotAllowed.WithMessagef(
		"bucket %q is not in provider %q's configured bucket list", bucket, providerID)
}
