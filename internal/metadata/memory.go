package metadata

import (
	"context"
	"sort"
	"sync"
	"time"

	fgerr "github.com/filegate/filegate/internal/errors"
)

// MemoryIndex implements the Index interface with mutex-guarded maps. It
// backs the "memory" metadata engine and is used throughout the tests.
type MemoryIndex struct {
	mu         sync.Mutex
	providers  map[string]ProviderRecord
	namespaces map[string]NamespaceRecord
	files      map[string]FileRecord          // key: namespace + "\x00" + id
	stores     map[string]FileStoreRecord     // key: store id
	storeByMD5 map[string]string              // key: namespace + "\x00" + md5 -> store id
	refs       map[string]map[string]struct{} // store id -> file id set
}

// NewMemoryIndex creates an empty MemoryIndex.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		providers:  make(map[string]ProviderRecord),
		namespaces: make(map[string]NamespaceRecord),
		files:      make(map[string]FileRecord),
		stores:     make(map[string]FileStoreRecord),
		storeByMD5: make(map[string]string),
		refs:       make(map[string]map[string]struct{}),
	}
}

// Close is a no-op for the memory index.
func (m *MemoryIndex) Close() error { return nil }

// Ping is a no-op for the memory index.
func (m *MemoryIndex) Ping(ctx context.Context) error { return nil }

func fileKey(namespace, id string) string { return namespace + "\x00" + id }

func storeKey(namespace, md5 string) string { return namespace + "\x00" + md5 }

// PutProvider creates or replaces a provider record.
func (m *MemoryIndex) PutProvider(ctx context.Context, rec *ProviderRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *rec
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	if existing, ok := m.providers[rec.ID]; ok {
		cp.CreatedAt = existing.CreatedAt
	}
	m.providers[rec.ID] = cp
	return nil
}

// GetProvider retrieves a provider record by id.
func (m *MemoryIndex) GetProvider(ctx context.Context, id string) (*ProviderRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.providers[id]
	if !ok {
		return nil, fgerr.ErrProviderNotFound.WithMessagef("provider %q does not exist", id)
	}
	return &rec, nil
}

// ListProviders returns all provider records ordered by id.
func (m *MemoryIndex) ListProviders(ctx context.Context) ([]ProviderRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	recs := make([]ProviderRecord, 0, len(m.providers))
	for _, rec := range m.providers {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
	return recs, nil
}

// DeleteProvider removes a provider record unless a namespace references it.
func (m *MemoryIndex) DeleteProvider(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.providers[id]; !ok {
		return fgerr.ErrProviderNotFound.WithMessagef("provider %q does not exist", id)
	}
	for _, ns := range m.namespaces {
		if ns.ProviderID == id {
			return fgerr.ErrProviderInUse.WithMessagef("provider %q is referenced by namespace %q", id, ns.Name)
		}
	}
	delete(m.providers, id)
	return nil
}

// CreateNamespace creates a namespace record; duplicate names conflict.
func (m *MemoryIndex) CreateNamespace(ctx context.Context, rec *NamespaceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.namespaces[rec.Name]; ok {
		return fgerr.ErrNamespaceExists.WithMessagef("namespace %q already exists", rec.Name)
	}
	cp := *rec
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.namespaces[rec.Name] = cp
	return nil
}

// GetNamespace retrieves a namespace record by name.
func (m *MemoryIndex) GetNamespace(ctx context.Context, name string) (*NamespaceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.namespaces[name]
	if !ok {
		return nil, fgerr.ErrNamespaceNotFound.WithMessagef("namespace %q does not exist", name)
	}
	return &rec, nil
}

// ListNamespaces returns all namespace records ordered by name.
func (m *MemoryIndex) ListNamespaces(ctx context.Context) ([]NamespaceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	recs := make([]NamespaceRecord, 0, len(m.namespaces))
	for _, rec := range m.namespaces {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Name < recs[j].Name })
	return recs, nil
}

// DeleteNamespace removes a namespace record unless it still owns files.
func (m *MemoryIndex) DeleteNamespace(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.namespaces[name]; !ok {
		return fgerr.ErrNamespaceNotFound.WithMessagef("namespace %q does not exist", name)
	}
	for _, f := range m.files {
		if f.Namespace == name {
			return fgerr.ErrNamespaceNotEmpty.WithMessagef("namespace %q still owns files", name)
		}
	}
	delete(m.namespaces, name)
	return nil
}

// CreateFile creates a file record.
func (m *MemoryIndex) CreateFile(ctx context.Context, rec *FileRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.files[fileKey(rec.Namespace, rec.ID)] = *rec
	return nil
}

// GetFile retrieves a file record by namespace and id.
func (m *MemoryIndex) GetFile(ctx context.Context, namespace, id string) (*FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.files[fileKey(namespace, id)]
	if !ok {
		return nil, fgerr.ErrFileNotFound.WithMessagef("file %q does not exist in namespace %q", id, namespace)
	}
	return &rec, nil
}

// ListFiles returns all file records in a namespace ordered by upload time.
func (m *MemoryIndex) ListFiles(ctx context.Context, namespace string) ([]FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var recs []FileRecord
	for _, rec := range m.files {
		if rec.Namespace == namespace {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].DateUploaded.Equal(recs[j].DateUploaded) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].DateUploaded.Before(recs[j].DateUploaded)
	})
	return recs, nil
}

// DeleteFile removes a file record.
func (m *MemoryIndex) DeleteFile(ctx context.Context, namespace, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := fileKey(namespace, id)
	if _, ok := m.files[key]; !ok {
		return fgerr.ErrFileNotFound.WithMessagef("file %q does not exist in namespace %q", id, namespace)
	}
	delete(m.files, key)
	return nil
}

// GetFileStoreByMD5 retrieves the file store for (namespace, md5).
func (m *MemoryIndex) GetFileStoreByMD5(ctx context.Context, namespace, md5 string) (*FileStoreRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.storeByMD5[storeKey(namespace, md5)]
	if !ok {
		return nil, fgerr.ErrFileNotFound.WithMessagef("no file store for md5 %q in namespace %q", md5, namespace)
	}
	return m.storeLocked(id)
}

// GetFileStore retrieves a file store record by id.
func (m *MemoryIndex) GetFileStore(ctx context.Context, storeID string) (*FileStoreRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.storeLocked(storeID)
}

func (m *MemoryIndex) storeLocked(storeID string) (*FileStoreRecord, error) {
	rec, ok := m.stores[storeID]
	if !ok {
		return nil, fgerr.ErrFileNotFound.WithMessagef("file store %q does not exist", storeID)
	}
	cp := rec
	cp.FileIDs = nil
	for fid := range m.refs[storeID] {
		cp.FileIDs = append(cp.FileIDs, fid)
	}
	sort.Strings(cp.FileIDs)
	return &cp, nil
}

// AddFileRef upserts the (namespace, md5) file store and registers fileID as
// a reference under one lock acquisition, so concurrent uploads of identical
// new content resolve to a single record.
func (m *MemoryIndex) AddFileRef(ctx context.Context, namespace, md5, storeID, fileID string, size int64, contentType string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := storeKey(namespace, md5)
	winner, exists := m.storeByMD5[key]
	created := false
	if !exists {
		winner = storeID
		created = true
		m.storeByMD5[key] = storeID
		m.stores[storeID] = FileStoreRecord{
			ID:          storeID,
			Namespace:   namespace,
			MD5:         md5,
			Size:        size,
			ContentType: contentType,
			Status:      StoreStatusOK,
		}
		m.refs[storeID] = make(map[string]struct{})
	}
	m.refs[winner][fileID] = struct{}{}
	return winner, created, nil
}

// RemoveFileRef drops fileID from the store's reference set and returns the
// remaining count.
func (m *MemoryIndex) RemoveFileRef(ctx context.Context, storeID, fileID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.refs[storeID]
	if !ok {
		return 0, nil
	}
	delete(set, fileID)
	return len(set), nil
}

// DeleteFileStore removes a file store record and its reference set, but only
// while no references remain. A store re-referenced by a concurrent AddFileRef
// survives.
func (m *MemoryIndex) DeleteFileStore(ctx context.Context, storeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.stores[storeID]
	if !ok {
		return nil
	}
	if len(m.refs[storeID]) > 0 {
		return nil
	}
	delete(m.storeByMD5, storeKey(rec.Namespace, rec.MD5))
	delete(m.stores, storeID)
	delete(m.refs, storeID)
	return nil
}
