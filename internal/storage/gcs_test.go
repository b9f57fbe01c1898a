package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"testing"
	"time"

	gcs "cloud.google.com/go/storage"

	fgerr "github.com/filegate/filegate/internal/errors"
)

// mockGCSClient implements GCSAPI for unit testing.
type mockGCSClient struct {
	// objects stores all objects keyed by name.
	objects map[string][]byte
	// lastSignedParams records the query params of the last SignedURL call.
	lastSignedParams url.Values
}

func newMockGCSClient() *mockGCSClient {
	return &mockGCSClient{objects: make(map[string][]byte)}
}

// mockGCSWriter buffers bytes and commits on Close unless its context was
// canceled, mirroring the real writer's semantics.
type mockGCSWriter struct {
	ctx    context.Context
	client *mockGCSClient
	object string
	buf    bytes.Buffer
}

func (w *mockGCSWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *mockGCSWriter) Close() error {
	if err := w.ctx.Err(); err != nil {
		return err
	}
	w.client.objects[w.object] = append([]byte(nil), w.buf.Bytes()...)
	return nil
}

func (m *mockGCSClient) NewWriter(ctx context.Context, object, contentType, contentDisposition string) io.WriteCloser {
	return &mockGCSWriter{ctx: ctx, client: m, object: object}
}

func (m *mockGCSClient) NewReader(ctx context.Context, object string) (io.ReadCloser, error) {
	data, ok := m.objects[object]
	if !ok {
		return nil, gcs.ErrObjectNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *mockGCSClient) Delete(ctx context.Context, object string) error {
	if _, ok := m.objects[object]; !ok {
		return gcs.ErrObjectNotExist
	}
	delete(m.objects, object)
	return nil
}

func (m *mockGCSClient) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	for name := range m.objects {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	return names, nil
}

func (m *mockGCSClient) SignedURL(object string, expires time.Duration, queryParams url.Values) (string, error) {
	m.lastSignedParams = queryParams
	return fmt.Sprintf("https://storage.googleapis.com/upstream/%s?signature", object), nil
}

func TestGCSWriteReadRoundTrip(t *testing.T) {
	client := newMockGCSClient()
	b := NewGCSBucketBackend("media/", client)
	ctx := context.Background()

	w, err := b.NewWriter(ctx, "abc123", PutOptions{ContentType: "text/plain"})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	w.Write([]byte("hello gcs"))
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := client.objects["media/abc123"]; !bytes.Equal(got, []byte("hello gcs")) {
		t.Errorf("stored %q", got)
	}

	r, err := b.NewReader(ctx, "abc123")
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()
	got, _ := io.ReadAll(r)
	if string(got) != "hello gcs" {
		t.Errorf("read %q", got)
	}
}

func TestGCSAbortDiscardsObject(t *testing.T) {
	client := newMockGCSClient()
	b := NewGCSBucketBackend("media/", client)

	w, err := b.NewWriter(context.Background(), "abc123", PutOptions{})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	w.Write([]byte("partial"))
	w.(Aborter).Abort()

	if _, ok := client.objects["media/abc123"]; ok {
		t.Error("aborted write materialized an object")
	}
	// Close after abort stays a no-op.
	if err := w.Close(); err != nil {
		t.Errorf("Close after abort: %v", err)
	}
}

func TestGCSReaderNotFound(t *testing.T) {
	b := NewGCSBucketBackend("media/", newMockGCSClient())

	_, err := b.NewReader(context.Background(), "missing")
	if !errors.Is(err, fgerr.ErrContentNotFound) {
		t.Errorf("err = %v, want ErrContentNotFound", err)
	}
}

func TestGCSDeleteIdempotent(t *testing.T) {
	client := newMockGCSClient()
	b := NewGCSBucketBackend("media/", client)
	ctx := context.Background()

	client.objects["media/abc123"] = []byte("x")
	if err := b.Delete(ctx, "abc123"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := b.Delete(ctx, "abc123"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}

func TestGCSURLSigned(t *testing.T) {
	client := newMockGCSClient()
	b := NewGCSBucketBackend("media/", client)

	u, err := b.URL(context.Background(), "abc123", URLOptions{Filename: "report.pdf"})
	if err != nil {
		t.Fatalf("URL: %v", err)
	}
	if !strings.Contains(u, "media/abc123") {
		t.Errorf("url = %q", u)
	}
	if got := client.lastSignedParams.Get("response-content-disposition"); !strings.Contains(got, "report.pdf") {
		t.Errorf("response-content-disposition = %q", got)
	}
}

func TestGCSTruncate(t *testing.T) {
	client := newMockGCSClient()
	b := NewGCSBucketBackend("media/", client)

	client.objects["media/one"] = []byte("1")
	client.objects["media/two"] = []byte("2")
	client.objects["other/three"] = []byte("3")

	n, err := b.Truncate(context.Background())
	if err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted %d objects, want 2", n)
	}
	if _, ok := client.objects["other/three"]; !ok {
		t.Error("truncate crossed the bucket prefix")
	}
}
