package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	fgerr "github.com/filegate/filegate/internal/errors"
	"github.com/filegate/filegate/internal/uid"
)

// LocalBucket stores objects as flat files under one directory on the local
// filesystem. Writes use the crash-only atomic pattern: write to a temp file,
// fsync, rename. Objects in a local bucket are served by the gateway itself,
// so URL minting is unsupported.
type LocalBucket struct {
	// Dir is the directory holding this bucket's objects.
	Dir string
}

// NewLocalBucket creates a LocalBucket rooted at dir, creating the directory
// and its .tmp subdirectory if needed.
func NewLocalBucket(dir string) (*LocalBucket, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating bucket directory %q: %w", dir, err)
	}
	if err := os.MkdirAll(filepath.Join(dir, ".tmp"), 0o755); err != nil {
		return nil, fmt.Errorf("creating temp directory: %w", err)
	}
	b := &LocalBucket{Dir: dir}
	// Crash-only recovery: any leftover temp file is an incomplete write
	// from a previous process.
	if err := b.CleanTempFiles(); err != nil {
		return nil, err
	}
	return b, nil
}

// NewLocalProvider constructs a Provider whose buckets are subdirectories of
// the configured root directory. Params: "root_dir" (required).
func NewLocalProvider(_ context.Context, spec ProviderSpec) (Provider, error) {
	root := spec.Params["root_dir"]
	if root == "" {
		return nil, fgerr.Validationf("MissingParam", "local provider %q requires a root_dir param", spec.ID)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root %q: %w", root, err)
	}
	open := func(name string) (Bucket, error) {
		return NewLocalBucket(filepath.Join(root, name))
	}
	return newProvider(spec, open, nil), nil
}

func (b *LocalBucket) objectPath(id string) string {
	return filepath.Join(b.Dir, id)
}

func (b *LocalBucket) tempPath() string {
	return filepath.Join(b.Dir, ".tmp", "tmp-"+uid.NewContentID())
}

// localWriter is the write sink for LocalBucket. The object becomes visible
// only when Close renames the synced temp file into place.
type localWriter struct {
	f        *os.File
	tmpPath  string
	objPath  string
	finished bool
}

func (w *localWriter) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

// Close fsyncs and atomically renames the temp file to the final path.
func (w *localWriter) Close() error {
	if w.finished {
		return nil
	}
	w.finished = true

	if err := w.f.Sync(); err != nil {
		w.f.Close()
		os.Remove(w.tmpPath)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := w.f.Close(); err != nil {
		os.Remove(w.tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(w.tmpPath, w.objPath); err != nil {
		os.Remove(w.tmpPath)
		return fmt.Errorf("renaming temp file to final path: %w", err)
	}
	return nil
}

// Abort discards the partial write; the final path is never touched.
func (w *localWriter) Abort() error {
	if w.finished {
		return nil
	}
	w.finished = true
	w.f.Close()
	return os.Remove(w.tmpPath)
}

// NewWriter opens an atomic write sink for the given content id.
func (b *LocalBucket) NewWriter(ctx context.Context, id string, opts PutOptions) (io.WriteCloser, error) {
	tmpPath := b.tempPath()
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	return &localWriter{f: f, tmpPath: tmpPath, objPath: b.objectPath(id)}, nil
}

// NewReader opens the object file for reading.
func (b *LocalBucket) NewReader(ctx context.Context, id string) (io.ReadCloser, error) {
	f, err := os.Open(b.objectPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fgerr.ErrContentNotFound.WithMessagef("content %q does not exist", id)
		}
		return nil, fmt.Errorf("opening object file %q: %w", id, err)
	}
	return f, nil
}

// Delete removes the object file. Idempotent.
func (b *LocalBucket) Delete(ctx context.Context, id string) error {
	err := os.Remove(b.objectPath(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing object file %q: %w", id, err)
	}
	return nil
}

// URL is unsupported: local objects are served by the gateway directly.
func (b *LocalBucket) URL(ctx context.Context, id string, opts URLOptions) (string, error) {
	return "", fgerr.ErrURLUnsupported
}

// Truncate removes every object file in the bucket directory and reports the
// count. Temp files are left to the crash-recovery sweep.
func (b *LocalBucket) Truncate(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(b.Dir)
	if err != nil {
		return 0, fmt.Errorf("reading bucket directory: %w", err)
	}

	deleted := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(b.Dir, entry.Name())); err != nil {
			return deleted, fmt.Errorf("removing object file %q: %w", entry.Name(), err)
		}
		deleted++
	}
	return deleted, nil
}

// Native reports that local objects are served directly by the gateway.
func (b *LocalBucket) Native() bool { return true }

// CleanTempFiles removes leftover files in the .tmp directory. Called on
// startup as part of crash-only recovery: any temp file indicates an
// incomplete write from a previous crash.
func (b *LocalBucket) CleanTempFiles() error {
	tmpDir := filepath.Join(b.Dir, ".tmp")
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading temp directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			os.Remove(filepath.Join(tmpDir, entry.Name()))
		}
	}
	return nil
}
