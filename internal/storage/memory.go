package storage

import (
	"bytes"
	"context"
	"io"
	"sync"

	fgerr "github.com/filegate/filegate/internal/errors"
)

// MemoryBucket implements the Bucket contract with an in-memory map.
// It backs the "memory" provider type and is the standard test double for
// components that need a bucket.
type MemoryBucket struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryBucket creates an empty MemoryBucket.
func NewMemoryBucket() *MemoryBucket {
	return &MemoryBucket{objects: make(map[string][]byte)}
}

// NewMemoryProvider constructs a Provider whose buckets are independent
// in-memory maps. No params.
func NewMemoryProvider(_ context.Context, spec ProviderSpec) (Provider, error) {
	open := func(string) (Bucket, error) {
		return NewMemoryBucket(), nil
	}
	return newProvider(spec, open, nil), nil
}

// memWriter buffers bytes and commits them to the bucket map on Close.
type memWriter struct {
	b        *MemoryBucket
	id       string
	buf      bytes.Buffer
	finished bool
}

func (w *memWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *memWriter) Close() error {
	if w.finished {
		return nil
	}
	w.finished = true

	w.b.mu.Lock()
	w.b.objects[w.id] = append([]byte(nil), w.buf.Bytes()...)
	w.b.mu.Unlock()
	return nil
}

func (w *memWriter) Abort() error {
	w.finished = true
	w.buf.Reset()
	return nil
}

// NewWriter opens a write sink; the object becomes visible on Close.
func (b *MemoryBucket) NewWriter(ctx context.Context, id string, opts PutOptions) (io.WriteCloser, error) {
	return &memWriter{b: b, id: id}, nil
}

// NewReader returns a reader over a copy-safe snapshot of the object.
func (b *MemoryBucket) NewReader(ctx context.Context, id string) (io.ReadCloser, error) {
	b.mu.RLock()
	data, ok := b.objects[id]
	b.mu.RUnlock()

	if !ok {
		return nil, fgerr.ErrContentNotFound.WithMessagef("content %q does not exist", id)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete removes the object. Idempotent.
func (b *MemoryBucket) Delete(ctx context.Context, id string) error {
	b.mu.Lock()
	delete(b.objects, id)
	b.mu.Unlock()
	return nil
}

// URL is unsupported for in-memory objects.
func (b *MemoryBucket) URL(ctx context.Context, id string, opts URLOptions) (string, error) {
	return "", fgerr.ErrURLUnsupported
}

// Truncate drops every object and reports the count.
func (b *MemoryBucket) Truncate(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.objects)
	b.objects = make(map[string][]byte)
	return n, nil
}

// Native reports that memory objects are served directly by the gateway.
func (b *MemoryBucket) Native() bool { return true }

// Len reports the number of stored objects. Test helper.
func (b *MemoryBucket) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.objects)
}

// Has reports whether an object exists for the id. Test helper.
func (b *MemoryBucket) Has(id string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.objects[id]
	return ok
}
