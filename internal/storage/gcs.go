// Google Cloud Storage bucket backend for FileGate.
//
// Objects are stored in one upstream GCS bucket under an optional key prefix:
//
//	{prefix}{bucket_name}/{content_id}
//
// Credentials are resolved via Application Default Credentials
// (GOOGLE_APPLICATION_CREDENTIALS, gcloud auth, metadata server).
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	fgerr "github.com/filegate/filegate/internal/errors"
)

// GCSAPI defines the subset of the GCS client used by the bucket backend.
// This allows mocking in tests.
type GCSAPI interface {
	// NewWriter returns a writer for the named object.
	NewWriter(ctx context.Context, object, contentType, contentDisposition string) io.WriteCloser
	// NewReader opens the named object for reading.
	NewReader(ctx context.Context, object string) (io.ReadCloser, error)
	// Delete deletes the named object.
	Delete(ctx context.Context, object string) error
	// List returns the names of all objects with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	// SignedURL mints a V4 signed GET URL for the named object.
	SignedURL(object string, expires time.Duration, queryParams url.Values) (string, error)
}

// realGCSClient wraps the official GCS client for one upstream bucket to
// satisfy GCSAPI.
type realGCSClient struct {
	bucket *gcs.BucketHandle
}

func (c *realGCSClient) NewWriter(ctx context.Context, object, contentType, contentDisposition string) io.WriteCloser {
	w := c.bucket.Object(object).NewWriter(ctx)
	w.ContentType = contentType
	w.ContentDisposition = contentDisposition
	return w
}

func (c *realGCSClient) NewReader(ctx context.Context, object string) (io.ReadCloser, error) {
	return c.bucket.Object(object).NewReader(ctx)
}

func (c *realGCSClient) Delete(ctx context.Context, object string) error {
	return c.bucket.Object(object).Delete(ctx)
}

func (c *realGCSClient) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	it := c.bucket.Objects(ctx, &gcs.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			return names, nil
		}
		if err != nil {
			return nil, err
		}
		names = append(names, attrs.Name)
	}
}

func (c *realGCSClient) SignedURL(object string, expires time.Duration, queryParams url.Values) (string, error) {
	return c.bucket.SignedURL(object, &gcs.SignedURLOptions{
		Scheme:          gcs.SigningSchemeV4,
		Method:          "GET",
		Expires:         time.Now().Add(expires),
		QueryParameters: queryParams,
	})
}

// GCSBucketBackend implements the Bucket contract against one upstream GCS
// bucket, namespaced by key prefix.
type GCSBucketBackend struct {
	// Prefix is the key prefix for this FileGate bucket's objects.
	Prefix string

	client GCSAPI
}

// NewGCSBucketBackend creates a GCS bucket backend with the given client.
// Used directly by tests; production code goes through NewGCSProvider.
func NewGCSBucketBackend(prefix string, client GCSAPI) *GCSBucketBackend {
	return &GCSBucketBackend{Prefix: prefix, client: client}
}

// NewGCSProvider constructs a Provider backed by one upstream GCS bucket.
// Params: "bucket" (required), "prefix".
func NewGCSProvider(ctx context.Context, spec ProviderSpec) (Provider, error) {
	upstream := spec.Params["bucket"]
	if upstream == "" {
		return nil, fgerr.Validationf("MissingParam", "gcs provider %q requires a bucket param", spec.ID)
	}

	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}

	slog.Info("gcs provider initialized", "provider", spec.ID, "bucket", upstream)

	base := spec.Params["prefix"]
	open := func(name string) (Bucket, error) {
		return NewGCSBucketBackend(base+name+"/", &realGCSClient{bucket: client.Bucket(upstream)}), nil
	}
	return newProvider(spec, open, client.Close), nil
}

func (b *GCSBucketBackend) key(id string) string {
	return b.Prefix + id
}

// gcsWriter wraps the GCS object writer with an abort path: canceling the
// writer's context discards the upload without committing the object.
type gcsWriter struct {
	w        io.WriteCloser
	cancel   context.CancelFunc
	finished bool
}

func (w *gcsWriter) Write(p []byte) (int, error) { return w.w.Write(p) }

func (w *gcsWriter) Close() error {
	if w.finished {
		return nil
	}
	w.finished = true
	defer w.cancel()
	if err := w.w.Close(); err != nil {
		return fgerr.Backend("put", err)
	}
	return nil
}

func (w *gcsWriter) Abort() error {
	if w.finished {
		return nil
	}
	w.finished = true
	w.cancel()
	w.w.Close()
	return nil
}

// NewWriter opens a streaming write sink; GCS commits the object on Close.
func (b *GCSBucketBackend) NewWriter(ctx context.Context, id string, opts PutOptions) (io.WriteCloser, error) {
	wctx, cancel := context.WithCancel(ctx)
	var disposition string
	if opts.Filename != "" {
		disposition = fmt.Sprintf("attachment; filename=%q", opts.Filename)
	}
	return &gcsWriter{
		w:      b.client.NewWriter(wctx, b.key(id), opts.ContentType, disposition),
		cancel: cancel,
	}, nil
}

// NewReader opens the object for reading.
func (b *GCSBucketBackend) NewReader(ctx context.Context, id string) (io.ReadCloser, error) {
	r, err := b.client.NewReader(ctx, b.key(id))
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil, fgerr.ErrContentNotFound.WithMessagef("content %q does not exist", id)
		}
		return nil, fgerr.Backend("get", err)
	}
	return r, nil
}

// Delete removes the object. Idempotent.
func (b *GCSBucketBackend) Delete(ctx context.Context, id string) error {
	err := b.client.Delete(ctx, b.key(id))
	if err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
		return fgerr.Backend("delete", err)
	}
	return nil
}

// URL mints a V4 signed GET URL with optional response header overrides.
func (b *GCSBucketBackend) URL(ctx context.Context, id string, opts URLOptions) (string, error) {
	expires := opts.Expires
	if expires <= 0 {
		expires = defaultPresignExpiry
	}

	params := url.Values{}
	if opts.Filename != "" {
		params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", opts.Filename))
	}
	if opts.ContentType != "" {
		params.Set("response-content-type", opts.ContentType)
	}

	u, err := b.client.SignedURL(b.key(id), expires, params)
	if err != nil {
		return "", fgerr.Backend("sign", err)
	}
	return u, nil
}

// Truncate deletes every object under the bucket prefix.
func (b *GCSBucketBackend) Truncate(ctx context.Context) (int, error) {
	names, err := b.client.List(ctx, b.Prefix)
	if err != nil {
		return 0, fgerr.Backend("list", err)
	}

	deleted := 0
	for _, name := range names {
		if err := b.client.Delete(ctx, name); err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
			return deleted, fgerr.Backend("delete", err)
		}
		deleted++
	}
	return deleted, nil
}

// Native reports that GCS objects require redirection to the backend.
func (b *GCSBucketBackend) Native() bool { return false }
