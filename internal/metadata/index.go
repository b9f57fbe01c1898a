// Package metadata defines the interface and implementations for FileGate's
// metadata index, which tracks providers, namespaces, files, and the
// content-addressable file stores they reference.
package metadata

import (
	"context"
	"io"
	"time"
)

// ProviderRecord is the stored configuration of one storage backend instance.
type ProviderRecord struct {
	ID        string
	Type      string
	Name      string
	Params    map[string]string
	Buckets   []string
	CreatedAt time.Time
}

// NamespaceRecord maps a logical, named file collection to exactly one
// (provider, bucket) pair.
type NamespaceRecord struct {
	Name       string
	ProviderID string
	BucketName string
	IsPublic   bool
	CreatedAt  time.Time
}

// FileRecord is a logical, user-visible upload. Its id is generated per
// upload call and is independent of content; multiple files may share one
// FileStoreRecord when their bytes are identical within a namespace.
type FileRecord struct {
	ID           string
	Namespace    string
	Filename     string
	StoreID      string
	Size         int64
	MD5          string
	ContentType  string
	DateUploaded time.Time
	IsDeleted    bool
}

// FileStoreRecord is the content-addressable blob record, unique per
// (namespace, md5). Its id equals the physical object id in the bucket.
// FileIDs is the set of files currently referencing the blob; the record
// never exists with an empty set.
type FileStoreRecord struct {
	ID          string
	Namespace   string
	MD5         string
	Size        int64
	ContentType string
	Status      string
	FileIDs     []string
}

// FileStore status values.
const (
	StoreStatusOK = "ok"
)

// Index is the metadata store interface. Implementations must be safe for
// concurrent use.
type Index interface {
	io.Closer

	// Ping checks connectivity to the index.
	Ping(ctx context.Context) error

	// Provider records

	// PutProvider creates or replaces a provider record.
	PutProvider(ctx context.Context, rec *ProviderRecord) error

	// GetProvider retrieves a provider record by id.
	GetProvider(ctx context.Context, id string) (*ProviderRecord, error)

	// ListProviders returns all provider records.
	ListProviders(ctx context.Context) ([]ProviderRecord, error)

	// DeleteProvider removes a provider record. Returns ErrProviderInUse
	// while any namespace references it.
	DeleteProvider(ctx context.Context, id string) error

	// Namespace records

	// CreateNamespace creates a namespace record. Returns ErrNamespaceExists
	// on a duplicate name.
	CreateNamespace(ctx context.Context, rec *NamespaceRecord) error

	// GetNamespace retrieves a namespace record by name.
	GetNamespace(ctx context.Context, name string) (*NamespaceRecord, error)

	// ListNamespaces returns all namespace records.
	ListNamespaces(ctx context.Context) ([]NamespaceRecord, error)

	// DeleteNamespace removes a namespace record. Returns
	// ErrNamespaceNotEmpty while the namespace owns files.
	DeleteNamespace(ctx context.Context, name string) error

	// File records

	// CreateFile creates a file record.
	CreateFile(ctx context.Context, rec *FileRecord) error

	// GetFile retrieves a file record by namespace and id.
	GetFile(ctx context.Context, namespace, id string) (*FileRecord, error)

	// ListFiles returns all file records in a namespace.
	ListFiles(ctx context.Context, namespace string) ([]FileRecord, error)

	// DeleteFile removes a file record.
	DeleteFile(ctx context.Context, namespace, id string) error

	// FileStore records

	// GetFileStoreByMD5 retrieves the file store for (namespace, md5), or a
	// not-found error.
	GetFileStoreByMD5(ctx context.Context, namespace, md5 string) (*FileStoreRecord, error)

	// GetFileStore retrieves a file store record by id.
	GetFileStore(ctx context.Context, storeID string) (*FileStoreRecord, error)

	// AddFileRef atomically upserts the file store keyed on the unique
	// (namespace, md5) pair and adds fileID to its reference set. When no
	// store exists one is created with the given storeID, size, and content
	// type. The returned storeID is the winner of any concurrent race;
	// created reports whether this call inserted the record, so a losing
	// writer knows its freshly written blob duplicates an existing one.
	AddFileRef(ctx context.Context, namespace, md5, storeID, fileID string, size int64, contentType string) (winner string, created bool, err error)

	// RemoveFileRef removes fileID from the store's reference set and
	// returns the remaining reference count.
	RemoveFileRef(ctx context.Context, storeID, fileID string) (remaining int, err error)

	// DeleteFileStore removes a file store record. Called only when its
	// reference set has drained.
	DeleteFileStore(ctx context.Context, storeID string) error
}
