// Package storage defines the polymorphic bucket contract for FileGate's
// storage backends and the provider registry that resolves them.
//
// A Bucket is the only component that speaks the wire protocol of one storage
// technology. A Provider owns the configuration and lifecycle of one backend
// instance and lazily resolves its Buckets by name. The Store registry maps
// provider configuration records to live Provider instances.
package storage

import (
	"context"
	"io"
	"time"
)

// PutOptions carries per-object metadata attached when opening a write sink.
type PutOptions struct {
	// Filename is the logical file name, used by backends that attach a
	// content-disposition to the stored object.
	Filename string
	// ContentType is the MIME type of the object.
	ContentType string
}

// URLOptions controls direct access URL generation.
type URLOptions struct {
	// Expires bounds the lifetime of a signed URL. Zero means the backend's
	// default.
	Expires time.Duration
	// Filename, when set, is reflected as a content-disposition response
	// override where the backend supports it.
	Filename string
	// ContentType, when set, is reflected as a content-type response override.
	ContentType string
}

// Bucket is the per-backend object container, addressed by content id.
// All methods must be safe for concurrent use; one Bucket instance is shared
// by every stream against the same (provider, bucket-name) pair.
type Bucket interface {
	// NewWriter opens a write sink for the given content id. The write is not
	// durable until Close returns nil; a sink that also implements Aborter
	// can discard a partial write.
	NewWriter(ctx context.Context, id string, opts PutOptions) (io.WriteCloser, error)

	// NewReader opens the object for reading. Returns ErrContentNotFound if
	// the id does not exist. The caller closes the returned reader.
	NewReader(ctx context.Context, id string) (io.ReadCloser, error)

	// Delete removes the object. Idempotent: deleting a nonexistent id is
	// not an error.
	Delete(ctx context.Context, id string) error

	// URL produces a direct access URL for the object, possibly time-limited
	// and signed. Backends that cannot mint one return ErrURLUnsupported,
	// never an empty string.
	URL(ctx context.Context, id string, opts URLOptions) (string, error)

	// Truncate removes every object in the bucket and reports how many were
	// deleted. Used only by namespace-level bulk clear.
	Truncate(ctx context.Context) (int, error)

	// Native reports whether objects in this bucket can be served directly
	// by the gateway, as opposed to requiring redirection to the backend.
	Native() bool
}

// Aborter is implemented by write sinks that can discard a partial write.
// UploadStream calls Abort when the caller-facing side is closed before
// completion, so no partial object becomes visible.
type Aborter interface {
	Abort() error
}

// ProviderSpec is the configuration record for one storage backend instance.
type ProviderSpec struct {
	// ID uniquely identifies the provider; the Store caches instances by it.
	ID string
	// Type selects the bucket implementation ("local", "memory", "s3",
	// "gcs", "azure", "minio").
	Type string
	// Name is the operator-facing display name.
	Name string
	// Params holds backend-specific connection options.
	Params map[string]string
	// Buckets is the allow-list of bucket names this provider may resolve.
	Buckets []string
}

// Allows reports whether the bucket name is on the provider's allow-list.
func (s ProviderSpec) Allows(bucket string) bool {
	for _, b := range s.Buckets {
		if b == bucket {
			return true
		}
	}
	return false
}

// Provider owns one configured backend instance and resolves its buckets.
type Provider interface {
	io.Closer

	// ID returns the provider's unique identifier.
	ID() string

	// Type returns the backend type discriminator.
	Type() string

	// Bucket resolves the named bucket, lazily constructing and caching it
	// for the provider's lifetime. Requesting a name outside the configured
	// allow-list returns ErrBucketNotAllowed.
	Bucket(name string) (Bucket, error)
}
