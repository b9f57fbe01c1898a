// Package namespace implements FileGate's orchestration layer: logical file
// writes are resolved against the deduplication index, physically uploaded
// or short-circuited, and reference-counted on delete.
package namespace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	fgerr "github.com/filegate/filegate/internal/errors"
	"github.com/filegate/filegate/internal/metadata"
	"github.com/filegate/filegate/internal/metrics"
	"github.com/filegate/filegate/internal/storage"
	"github.com/filegate/filegate/internal/uid"
	"github.com/filegate/filegate/internal/upload"
)

// Service orchestrates uploads, downloads, and deletes for all namespaces.
// It owns no backend state itself: buckets come from the registry, records
// from the metadata index.
type Service struct {
	idx   metadata.Index
	store *storage.Store
	log   *slog.Logger
}

// New creates a Service over the given index and provider registry.
func New(idx metadata.Index, store *storage.Store) *Service {
	return &Service{idx: idx, store: store, log: slog.Default()}
}

// UploadOptions configures one logical file write.
type UploadOptions struct {
	Filename    string
	ContentType string
	// MD5, when supplied by the caller and matching an existing file store
	// in the namespace, selects the dedup fast path: no bytes are written.
	MD5 string
	// Metadata is opaque caller data echoed in the completion payload.
	Metadata map[string]string
}

// Result is the terminal outcome of one logical file write.
type Result struct {
	File *metadata.FileRecord
	Info upload.Info
	Err  error
}

// Upload is one in-flight logical file write: an upload stream plus the
// reconciliation that follows it. Exactly one Result is delivered on Done.
type Upload struct {
	stream *upload.Stream
	done   chan Result
}

// Write forwards bytes into the upload stream.
func (u *Upload) Write(p []byte) (int, error) { return u.stream.Write(p) }

// Close signals end of input and lets the stream finish.
func (u *Upload) Close() error { return u.stream.Close() }

// Abort cancels the write; the partial backend object is discarded and no
// file records are created.
func (u *Upload) Abort() { u.stream.Abort() }

// Skipped reports whether this write took the dedup fast path. A skipped
// upload accepts no bytes; callers should not copy into it.
func (u *Upload) Skipped() bool { return u.stream.Skipped() }

// Done returns the channel carrying the single terminal Result.
func (u *Upload) Done() <-chan Result { return u.done }

// Wait blocks for the terminal Result or context expiry.
func (u *Upload) Wait(ctx context.Context) (Result, error) {
	select {
	case res := <-u.done:
		return res, res.Err
	case <-ctx.Done():
		u.stream.Abort()
		return Result{Err: ctx.Err()}, ctx.Err()
	}
}

// bucketFor resolves the namespace's (provider, bucket) pair to a live Bucket.
func (s *Service) bucketFor(ctx context.Context, ns *metadata.NamespaceRecord) (storage.Bucket, error) {
	prov, err := s.idx.GetProvider(ctx, ns.ProviderID)
	if err != nil {
		return nil, err
	}
	return s.store.Bucket(ctx, specFromRecord(prov), ns.BucketName)
}

// specFromRecord converts a stored provider record to a registry spec.
func specFromRecord(rec *metadata.ProviderRecord) storage.ProviderSpec {
	return storage.ProviderSpec{
		ID:      rec.ID,
		Type:    rec.Type,
		Name:    rec.Name,
		Params:  rec.Params,
		Buckets: rec.Buckets,
	}
}

// OpenUploadStream starts one logical file write into the namespace.
//
// When opts.MD5 matches an existing file store, the physical write is
// skipped and the store's size/content type are reused. Otherwise bytes
// flow through a hashing stream into the namespace's bucket. Either way the
// upload completes by reconciling against the dedup index: the file record
// always points at the winning file store, and a freshly written blob that
// turned out to duplicate an existing one is deleted.
func (s *Service) OpenUploadStream(ctx context.Context, namespace string, opts UploadOptions) (*Upload, error) {
	ns, err := s.idx.GetNamespace(ctx, namespace)
	if err != nil {
		return nil, err
	}
	bucket, err := s.bucketFor(ctx, ns)
	if err != nil {
		return nil, err
	}

	contentID := uid.NewContentID()
	fileID := uid.NewFileID()

	var stream *upload.Stream
	if opts.MD5 != "" {
		if existing, err := s.idx.GetFileStoreByMD5(ctx, namespace, opts.MD5); err == nil {
			metrics.DedupHitsTotal.WithLabelValues("skip").Inc()
			stream = upload.NewStream(existing.ID, nil, upload.Options{
				Filename:    opts.Filename,
				ContentType: existing.ContentType,
				KnownMD5:    existing.MD5,
				KnownSize:   existing.Size,
				Metadata:    opts.Metadata,
			})
		}
	}
	if stream == nil {
		sink, err := bucket.NewWriter(ctx, contentID, storage.PutOptions{
			Filename:    opts.Filename,
			ContentType: opts.ContentType,
		})
		if err != nil {
			return nil, fgerr.Backend("open", err)
		}
		stream = upload.NewStream(contentID, sink, upload.Options{
			Filename:    opts.Filename,
			ContentType: opts.ContentType,
			Metadata:    opts.Metadata,
		})
	}

	u := &Upload{stream: stream, done: make(chan Result, 1)}

	// Reconciliation must finish even if the request context is canceled
	// after the last byte was accepted.
	rctx := context.WithoutCancel(ctx)
	go func() {
		res := <-stream.Done()
		if res.Err != nil {
			metrics.UploadsTotal.WithLabelValues("error").Inc()
			u.done <- Result{Info: res.Info, Err: res.Err}
			return
		}
		file, err := s.reconcile(rctx, ns, bucket, fileID, res.Info)
		if err != nil {
			metrics.UploadsTotal.WithLabelValues("error").Inc()
			u.done <- Result{Info: res.Info, Err: err}
			return
		}
		metrics.UploadsTotal.WithLabelValues(string(res.Info.Status)).Inc()
		if res.Info.Status == upload.StatusOK {
			metrics.UploadBytes.Observe(float64(res.Info.Size))
		}
		u.done <- Result{File: file, Info: res.Info}
	}()

	return u, nil
}

// reconcile lands the completed stream in the metadata index: the file store
// is upserted atomically on (namespace, md5), a duplicate blob written by a
// losing concurrent upload is deleted, and the file record is created last.
func (s *Service) reconcile(ctx context.Context, ns *metadata.NamespaceRecord, bucket storage.Bucket, fileID string, info upload.Info) (*metadata.FileRecord, error) {
	winner, created, err := s.idx.AddFileRef(ctx, ns.Name, info.MD5, info.ID, fileID, info.Size, info.ContentType)
	if err != nil {
		return nil, err
	}

	if !created && info.Status == upload.StatusOK && winner != info.ID {
		// The bytes we just wrote duplicate an existing blob; drop them.
		metrics.DedupHitsTotal.WithLabelValues("reconcile").Inc()
		if err := bucket.Delete(ctx, info.ID); err != nil {
			s.log.Warn("deleting duplicate blob failed", "namespace", ns.Name, "content", info.ID, "error", err)
		}
	}

	file := &metadata.FileRecord{
		ID:           fileID,
		Namespace:    ns.Name,
		Filename:     info.Filename,
		StoreID:      winner,
		Size:         info.Size,
		MD5:          info.MD5,
		ContentType:  info.ContentType,
		DateUploaded: info.DateUploaded,
	}
	if err := s.idx.CreateFile(ctx, file); err != nil {
		// Roll the reference back so no half-created row pair survives.
		if remaining, rerr := s.idx.RemoveFileRef(ctx, winner, fileID); rerr == nil && remaining == 0 {
			s.idx.DeleteFileStore(ctx, winner)
			if created {
				bucket.Delete(ctx, winner)
			}
		}
		return nil, err
	}
	return file, nil
}

// Upload drives a complete logical file write from r. On the dedup fast path
// r is never read.
func (s *Service) Upload(ctx context.Context, namespace string, r io.Reader, opts UploadOptions) (Result, error) {
	u, err := s.OpenUploadStream(ctx, namespace, opts)
	if err != nil {
		return Result{Err: err}, err
	}

	if !u.Skipped() {
		if _, err := io.Copy(u, r); err != nil {
			u.Abort()
			res := <-u.Done()
			if errors.Is(res.Err, fgerr.ErrUploadAborted) {
				// The source reader failed, not the stream. A sink failure
				// already terminated the stream with its own error; here the
				// abort is ours, so surface the read error as the cause.
				res.Err = fmt.Errorf("reading upload source: %w", err)
			}
			return res, res.Err
		}
		if err := u.Close(); err != nil {
			res := <-u.Done()
			return res, res.Err
		}
	}
	return u.Wait(ctx)
}

// GetFile returns the file record.
func (s *Service) GetFile(ctx context.Context, namespace, fileID string) (*metadata.FileRecord, error) {
	return s.idx.GetFile(ctx, namespace, fileID)
}

// ListFiles returns the namespace's flat file list.
func (s *Service) ListFiles(ctx context.Context, namespace string) ([]metadata.FileRecord, error) {
	if _, err := s.idx.GetNamespace(ctx, namespace); err != nil {
		return nil, err
	}
	return s.idx.ListFiles(ctx, namespace)
}

// Open returns the file's byte stream and record. The caller closes the
// reader.
func (s *Service) Open(ctx context.Context, namespace, fileID string) (io.ReadCloser, *metadata.FileRecord, error) {
	ns, err := s.idx.GetNamespace(ctx, namespace)
	if err != nil {
		return nil, nil, err
	}
	file, err := s.idx.GetFile(ctx, namespace, fileID)
	if err != nil {
		return nil, nil, err
	}
	bucket, err := s.bucketFor(ctx, ns)
	if err != nil {
		return nil, nil, err
	}
	r, err := bucket.NewReader(ctx, file.StoreID)
	if err != nil {
		return nil, nil, err
	}
	return r, file, nil
}

// URL mints a direct access URL for the file's blob, or ErrURLUnsupported
// for backends served through the gateway.
func (s *Service) URL(ctx context.Context, namespace, fileID string, opts storage.URLOptions) (string, error) {
	ns, err := s.idx.GetNamespace(ctx, namespace)
	if err != nil {
		return "", err
	}
	file, err := s.idx.GetFile(ctx, namespace, fileID)
	if err != nil {
		return "", err
	}
	bucket, err := s.bucketFor(ctx, ns)
	if err != nil {
		return "", err
	}
	if opts.Filename == "" {
		opts.Filename = file.Filename
	}
	if opts.ContentType == "" {
		opts.ContentType = file.ContentType
	}
	return bucket.URL(ctx, file.StoreID, opts)
}

// Native reports whether the namespace's backend serves objects through the
// gateway directly.
func (s *Service) Native(ctx context.Context, namespace string) (bool, error) {
	ns, err := s.idx.GetNamespace(ctx, namespace)
	if err != nil {
		return false, err
	}
	bucket, err := s.bucketFor(ctx, ns)
	if err != nil {
		return false, err
	}
	return bucket.Native(), nil
}

// DeleteFile removes the logical file and decrements its file store's
// reference count. The blob and store row are deleted only when the last
// reference is gone; logical visibility is immediate, physical cleanup may
// lag on backend failure.
func (s *Service) DeleteFile(ctx context.Context, namespace, fileID string) error {
	ns, err := s.idx.GetNamespace(ctx, namespace)
	if err != nil {
		return err
	}
	file, err := s.idx.GetFile(ctx, namespace, fileID)
	if err != nil {
		return err
	}

	remaining, err := s.idx.RemoveFileRef(ctx, file.StoreID, file.ID)
	if err != nil {
		return err
	}
	if err := s.idx.DeleteFile(ctx, namespace, fileID); err != nil {
		return err
	}

	if remaining == 0 {
		if err := s.idx.DeleteFileStore(ctx, file.StoreID); err != nil {
			return err
		}
		bucket, err := s.bucketFor(ctx, ns)
		if err != nil {
			return err
		}
		if err := bucket.Delete(ctx, file.StoreID); err != nil {
			s.log.Warn("deleting blob failed", "namespace", namespace, "store", file.StoreID, "error", err)
		} else {
			metrics.BlobsDeletedTotal.Inc()
		}
	}
	return nil
}

// Truncate deletes every file in the namespace through the reference-counted
// delete path, never by bulk-dropping the bucket, so store rows and physical
// bytes stay consistent. Returns the number of files deleted.
func (s *Service) Truncate(ctx context.Context, namespace string) (int, error) {
	files, err := s.ListFiles(ctx, namespace)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, f := range files {
		if err := s.DeleteFile(ctx, namespace, f.ID); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// CreateNamespace registers a new logical namespace after validating that
// the provider exists and lists the bucket.
func (s *Service) CreateNamespace(ctx context.Context, rec *metadata.NamespaceRecord) error {
	prov, err := s.idx.GetProvider(ctx, rec.ProviderID)
	if err != nil {
		return err
	}
	if !specFromRecord(prov).Allows(rec.BucketName) {
		return fgerr.ErrBucketNotAllowed.WithMessagef(
			"bucket %q is not in provider %q's configured bucket list", rec.BucketName, prov.ID)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	return s.idx.CreateNamespace(ctx, rec)
}

// GetNamespace returns the namespace record.
func (s *Service) GetNamespace(ctx context.Context, name string) (*metadata.NamespaceRecord, error) {
	return s.idx.GetNamespace(ctx, name)
}

// ListNamespaces returns all namespace records.
func (s *Service) ListNamespaces(ctx context.Context) ([]metadata.NamespaceRecord, error) {
	return s.idx.ListNamespaces(ctx)
}

// DeleteNamespace removes an empty namespace.
func (s *Service) DeleteNamespace(ctx context.Context, name string) error {
	return s.idx.DeleteNamespace(ctx, name)
}
