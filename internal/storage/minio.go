// MinIO (S3-compatible) bucket backend for FileGate.
//
// Unlike the s3 backend, which targets AWS with the full credential chain,
// this backend speaks to any S3-compatible endpoint (MinIO, Ceph RGW, ...)
// with static v4 credentials via minio-go.
//
// Objects are stored in one upstream bucket under an optional key prefix:
//
//	{prefix}{bucket_name}/{content_id}
package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strconv"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	fgerr "github.com/filegate/filegate/internal/errors"
)

// MinioBucketBackend implements the Bucket contract against one upstream
// S3-compatible bucket, namespaced by key prefix.
type MinioBucketBackend struct {
	// Upstream is the upstream bucket name.
	Upstream string
	// Prefix is the key prefix for this FileGate bucket's objects.
	Prefix string

	client *minio.Client
}

// NewMinioProvider constructs a Provider backed by one S3-compatible
// endpoint. Params: "endpoint", "bucket", "access_key", "secret_key"
// (required); "use_ssl", "prefix".
func NewMinioProvider(ctx context.Context, spec ProviderSpec) (Provider, error) {
	endpoint := spec.Params["endpoint"]
	upstream := spec.Params["bucket"]
	accessKey := spec.Params["access_key"]
	secretKey := spec.Params["secret_key"]
	if endpoint == "" || upstream == "" || accessKey == "" || secretKey == "" {
		return nil, fgerr.Validationf("MissingParam",
			"minio provider %q requires endpoint, bucket, access_key and secret_key params", spec.ID)
	}
	useSSL, _ := strconv.ParseBool(spec.Params["use_ssl"])

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating MinIO client: %w", err)
	}

	exists, err := client.BucketExists(ctx, upstream)
	if err != nil {
		return nil, fmt.Errorf("checking upstream bucket %q: %w", upstream, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, upstream, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("creating upstream bucket %q: %w", upstream, err)
		}
	}

	slog.Info("minio provider initialized", "provider", spec.ID, "endpoint", endpoint, "bucket", upstream)

	base := spec.Params["prefix"]
	open := func(name string) (Bucket, error) {
		return &MinioBucketBackend{Upstream: upstream, Prefix: base + name + "/", client: client}, nil
	}
	return newProvider(spec, open, nil), nil
}

func (b *MinioBucketBackend) key(id string) string {
	return b.Prefix + id
}

// minioWriter streams bytes through a pipe; PutObject runs in a goroutine
// with unknown length (-1) so nothing is buffered in full.
type minioWriter struct {
	pw       *io.PipeWriter
	done     chan error
	finished bool
}

func (w *minioWriter) Write(p []byte) (int, error) { return w.pw.Write(p) }

func (w *minioWriter) Close() error {
	if w.finished {
		return nil
	}
	w.finished = true
	w.pw.Close()
	if err := <-w.done; err != nil {
		return fgerr.Backend("put", err)
	}
	return nil
}

func (w *minioWriter) Abort() error {
	if w.finished {
		return nil
	}
	w.finished = true
	w.pw.CloseWithError(fgerr.ErrUploadAborted)
	<-w.done
	return nil
}

// NewWriter opens a streaming write sink backed by PutObject.
func (b *MinioBucketBackend) NewWriter(ctx context.Context, id string, opts PutOptions) (io.WriteCloser, error) {
	pr, pw := io.Pipe()
	w := &minioWriter{pw: pw, done: make(chan error, 1)}

	putOpts := minio.PutObjectOptions{ContentType: opts.ContentType}
	if opts.Filename != "" {
		putOpts.ContentDisposition = fmt.Sprintf("attachment; filename=%q", opts.Filename)
	}

	go func() {
		_, err := b.client.PutObject(ctx, b.Upstream, b.key(id), pr, -1, putOpts)
		if err != nil {
			pr.CloseWithError(err)
		}
		w.done <- err
	}()
	return w, nil
}

// NewReader opens the object for reading. GetObject defers errors to the
// first read, so existence is checked with StatObject up front.
func (b *MinioBucketBackend) NewReader(ctx context.Context, id string) (io.ReadCloser, error) {
	if _, err := b.client.StatObject(ctx, b.Upstream, b.key(id), minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fgerr.ErrContentNotFound.WithMessagef("content %q does not exist", id)
		}
		return nil, fgerr.Backend("stat", err)
	}

	obj, err := b.client.GetObject(ctx, b.Upstream, b.key(id), minio.GetObjectOptions{})
	if err != nil {
		return nil, fgerr.Backend("get", err)
	}
	return obj, nil
}

// Delete removes the object. Idempotent.
func (b *MinioBucketBackend) Delete(ctx context.Context, id string) error {
	if err := b.client.RemoveObject(ctx, b.Upstream, b.key(id), minio.RemoveObjectOptions{}); err != nil {
		return fgerr.Backend("delete", err)
	}
	return nil
}

// URL mints a presigned GET URL with optional response header overrides.
func (b *MinioBucketBackend) URL(ctx context.Context, id string, opts URLOptions) (string, error) {
	expires := opts.Expires
	if expires <= 0 {
		expires = defaultPresignExpiry
	}

	reqParams := url.Values{}
	if opts.Filename != "" {
		reqParams.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", opts.Filename))
	}
	if opts.ContentType != "" {
		reqParams.Set("response-content-type", opts.ContentType)
	}

	u, err := b.client.PresignedGetObject(ctx, b.Upstream, b.key(id), expires, reqParams)
	if err != nil {
		return "", fgerr.Backend("presign", err)
	}
	return u.String(), nil
}

// Truncate deletes every object under the bucket prefix.
func (b *MinioBucketBackend) Truncate(ctx context.Context) (int, error) {
	deleted := 0
	for obj := range b.client.ListObjects(ctx, b.Upstream, minio.ListObjectsOptions{Prefix: b.Prefix, Recursive: true}) {
		if obj.Err != nil {
			return deleted, fgerr.Backend("list", obj.Err)
		}
		if err := b.client.RemoveObject(ctx, b.Upstream, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return deleted, fgerr.Backend("delete", err)
		}
		deleted++
	}
	return deleted, nil
}

// Native reports that MinIO objects require redirection to the backend.
func (b *MinioBucketBackend) Native() bool { return false }
