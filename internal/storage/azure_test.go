package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	fgerr "github.com/filegate/filegate/internal/errors"
)

// mockAzureClient implements AzureBlobAPI for unit testing.
type mockAzureClient struct {
	// blobs stores all blobs keyed by name.
	blobs map[string][]byte
	// uploadCalls tracks the number of Upload calls for verification.
	uploadCalls int
}

func newMockAzureClient() *mockAzureClient {
	return &mockAzureClient{blobs: make(map[string][]byte)}
}

func (m *mockAzureClient) Upload(ctx context.Context, blobName string, r io.Reader, contentType, contentDisposition string) error {
	m.uploadCalls++
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.blobs[blobName] = data
	return nil
}

func (m *mockAzureClient) Download(ctx context.Context, blobName string) (io.ReadCloser, error) {
	data, ok := m.blobs[blobName]
	if !ok {
		return nil, &azcore.ResponseError{StatusCode: 404, ErrorCode: "BlobNotFound"}
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *mockAzureClient) Delete(ctx context.Context, blobName string) error {
	if _, ok := m.blobs[blobName]; !ok {
		return &azcore.ResponseError{StatusCode: 404, ErrorCode: "BlobNotFound"}
	}
	delete(m.blobs, blobName)
	return nil
}

func (m *mockAzureClient) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	for name := range m.blobs {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	return names, nil
}

func TestAzureWriteReadRoundTrip(t *testing.T) {
	client := newMockAzureClient()
	b := NewAzureBucketBackend("media/", client)
	ctx := context.Background()

	w, err := b.NewWriter(ctx, "abc123", PutOptions{ContentType: "text/plain"})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	w.Write([]byte("hello azure"))
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := client.blobs["media/abc123"]; !bytes.Equal(got, []byte("hello azure")) {
		t.Errorf("stored %q", got)
	}

	r, err := b.NewReader(ctx, "abc123")
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()
	got, _ := io.ReadAll(r)
	if string(got) != "hello azure" {
		t.Errorf("read %q", got)
	}
}

func TestAzureAbortDiscardsBlob(t *testing.T) {
	client := newMockAzureClient()
	b := NewAzureBucketBackend("media/", client)

	w, err := b.NewWriter(context.Background(), "abc123", PutOptions{})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	w.Write([]byte("partial"))
	w.(Aborter).Abort()

	if _, ok := client.blobs["media/abc123"]; ok {
		t.Error("aborted write materialized a blob")
	}
}

func TestAzureReaderNotFound(t *testing.T) {
	b := NewAzureBucketBackend("media/", newMockAzureClient())

	_, err := b.NewReader(context.Background(), "missing")
	if !errors.Is(err, fgerr.ErrContentNotFound) {
		t.Errorf("err = %v, want ErrContentNotFound", err)
	}
}

func TestAzureDeleteIdempotent(t *testing.T) {
	client := newMockAzureClient()
	b := NewAzureBucketBackend("media/", client)
	ctx := context.Background()

	client.blobs["media/abc123"] = []byte("x")
	if err := b.Delete(ctx, "abc123"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := b.Delete(ctx, "abc123"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}

func TestAzureURLUnsupported(t *testing.T) {
	b := NewAzureBucketBackend("media/", newMockAzureClient())

	_, err := b.URL(context.Background(), "abc123", URLOptions{})
	if !errors.Is(err, fgerr.ErrURLUnsupported) {
		t.Errorf("err = %v, want ErrURLUnsupported", err)
	}
	if b.Native() {
		t.Error("azure backend must not be native")
	}
}

func TestAzureTruncate(t *testing.T) {
	client := newMockAzureClient()
	b := NewAzureBucketBackend("media/", client)

	client.blobs["media/one"] = []byte("1")
	client.blobs["media/two"] = []byte("2")
	client.blobs["other/three"] = []byte("3")

	n, err := b.Truncate(context.Background())
	if err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted %d blobs, want 2", n)
	}
	if _, ok := client.blobs["other/three"]; !ok {
		t.Error("truncate crossed the bucket prefix")
	}
}
