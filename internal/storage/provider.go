package storage

import (
	"sync"
)

// provider is the shared Provider implementation: allow-list enforcement plus
// a lazy per-name bucket cache. Backends supply openBucket and an optional
// shutdown hook.
type provider struct {
	spec       ProviderSpec
	openBucket func(name string) (Bucket, error)
	shutdown   func() error

	mu      sync.Mutex
	buckets map[string]Bucket
}

// newProvider wraps a backend-specific bucket constructor in the shared
// caching/allow-list logic.
func newProvider(spec ProviderSpec, openBucket func(name string) (Bucket, error), shutdown func() error) *provider {
	return &provider{
		spec:       spec,
		openBucket: openBucket,
		shutdown:   shutdown,
		buckets:    make(map[string]Bucket),
	}
}

func (p *provider) ID() string   { return p.spec.ID }
func (p *provider) Type() string { return p.spec.Type }

// Bucket resolves the named bucket lazily and caches it. Exactly one Bucket
// instance exists per (provider, name) pair for the provider's lifetime.
func (p *provider) Bucket(name string) (Bucket, error) {
	if !p.spec.Allows(name) {
		return nil, errBucketNotAllowed(p.spec.ID, name)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if b, ok := p.buckets[name]; ok {
		return b, nil
	}

	b, err := p.openBucket(name)
	if err != nil {
		return nil, err
	}
	p.buckets[name] = b
	return b, nil
}

func (p *provider) Close() error {
	if p.shutdown != nil {
		return p.shutdown()
	}
	return nil
}
