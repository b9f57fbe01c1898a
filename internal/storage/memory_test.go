package storage

import (
	"context"
	"errors"
	"io"
	"testing"

	fgerr "github.com/filegate/filegate/internal/errors"
)

func TestMemoryWriteCommitsOnClose(t *testing.T) {
	b := NewMemoryBucket()
	ctx := context.Background()

	w, err := b.NewWriter(ctx, "id-1", PutOptions{})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	w.Write([]byte("in flight"))

	if b.Has("id-1") {
		t.Error("object must not be visible before close")
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !b.Has("id-1") {
		t.Error("object must be visible after close")
	}

	r, err := b.NewReader(ctx, "id-1")
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	data, _ := io.ReadAll(r)
	r.Close()
	if string(data) != "in flight" {
		t.Errorf("got %q", data)
	}
}

func TestMemoryAbort(t *testing.T) {
	b := NewMemoryBucket()

	w, _ := b.NewWriter(context.Background(), "id-1", PutOptions{})
	w.Write([]byte("partial"))
	if err := w.(Aborter).Abort(); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if b.Has("id-1") {
		t.Error("aborted object must not be visible")
	}
}

func TestMemoryReaderMissing(t *testing.T) {
	b := NewMemoryBucket()

	_, err := b.NewReader(context.Background(), "nope")
	if !errors.Is(err, fgerr.ErrContentNotFound) {
		t.Errorf("expected ErrContentNotFound, got %v", err)
	}
}

func TestMemoryTruncate(t *testing.T) {
	b := NewMemoryBucket()
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		w, _ := b.NewWriter(ctx, id, PutOptions{})
		w.Write([]byte(id))
		w.Close()
	}

	n, err := b.Truncate(ctx)
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if n != 2 || b.Len() != 0 {
		t.Errorf("expected 2 deleted and empty bucket, got n=%d len=%d", n, b.Len())
	}
}
