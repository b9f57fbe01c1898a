package storage

import (
	"context"
	"errors"
	"testing"

	fgerr "github.com/filegate/filegate/internal/errors"
)

func memSpec(id string, buckets ...string) ProviderSpec {
	return ProviderSpec{ID: id, Type: "memory", Name: id, Buckets: buckets}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore()
	s.RegisterType("memory", NewMemoryProvider)
	return s
}

func TestResolveCachesByID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p1, err := s.Resolve(ctx, memSpec("mem-1", "b"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	p2, err := s.Resolve(ctx, memSpec("mem-1", "b"))
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}
	if p1 != p2 {
		t.Error("expected the same cached provider instance")
	}
}

func TestResolveUnknownType(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Resolve(context.Background(), ProviderSpec{ID: "x", Type: "carrier-pigeon"})
	if err == nil {
		t.Fatal("expected error for unregistered type")
	}
	if !fgerr.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestBucketSharedPerName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	spec := memSpec("mem-1", "photos", "docs")

	b1, err := s.Bucket(ctx, spec, "photos")
	if err != nil {
		t.Fatalf("bucket: %v", err)
	}
	b2, err := s.Bucket(ctx, spec, "photos")
	if err != nil {
		t.Fatalf("bucket again: %v", err)
	}
	if b1 != b2 {
		t.Error("expected one shared bucket instance per (provider, name)")
	}

	b3, err := s.Bucket(ctx, spec, "docs")
	if err != nil {
		t.Fatalf("second bucket: %v", err)
	}
	if b3 == b1 {
		t.Error("expected distinct bucket instances for distinct names")
	}
}

func TestBucketAllowList(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Bucket(context.Background(), memSpec("mem-1", "photos"), "secrets")
	if err == nil {
		t.Fatal("expected error for bucket outside the allow-list")
	}
	if !errors.Is(err, fgerr.ErrBucketNotAllowed) {
		t.Errorf("expected ErrBucketNotAllowed, got %v", err)
	}
}

func TestEvictDropsCachedProvider(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	spec := memSpec("mem-1", "b")

	p1, err := s.Resolve(ctx, spec)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := s.Evict("mem-1"); err != nil {
		t.Fatalf("evict: %v", err)
	}
	p2, err := s.Resolve(ctx, spec)
	if err != nil {
		t.Fatalf("resolve after evict: %v", err)
	}
	if p1 == p2 {
		t.Error("expected a fresh provider after evict")
	}

	// Evicting an unknown id is a no-op.
	if err := s.Evict("never-resolved"); err != nil {
		t.Errorf("evict unknown id: %v", err)
	}
}

func TestCloseTearsDownAllProviders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Resolve(ctx, memSpec("mem-1", "b")); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := s.Resolve(ctx, memSpec("mem-2", "b")); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// A fresh resolve after Close constructs anew.
	p, err := s.Resolve(ctx, memSpec("mem-1", "b"))
	if err != nil {
		t.Fatalf("resolve after close: %v", err)
	}
	if p == nil {
		t.Fatal("expected provider")
	}
}
