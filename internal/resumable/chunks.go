package resumable

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/filegate/filegate/internal/uid"
)

// chunkStore persists per-chunk temporary files under one directory, one
// subdirectory per upload identifier. Each identifier's directory is owned
// exclusively by that identifier's session.
type chunkStore struct {
	dir string
}

func newChunkStore(dir string) (*chunkStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating chunk directory %q: %w", dir, err)
	}
	return &chunkStore{dir: dir}, nil
}

func (c *chunkStore) chunkPath(identifier string, n int) string {
	return filepath.Join(c.dir, identifier, fmt.Sprintf("%05d", n))
}

// write stores one chunk's bytes via temp file + rename, so a re-delivered
// chunk atomically overwrites the previous copy.
func (c *chunkStore) write(identifier string, n int, r io.Reader) (int64, error) {
	dir := filepath.Join(c.dir, identifier)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("creating chunk directory: %w", err)
	}

	tmpPath := filepath.Join(dir, ".tmp-"+uid.NewContentID())
	f, err := os.Create(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("creating chunk temp file: %w", err)
	}

	written, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("writing chunk data: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("syncing chunk file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("closing chunk file: %w", err)
	}
	if err := os.Rename(tmpPath, c.chunkPath(identifier, n)); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("renaming chunk file: %w", err)
	}
	return written, nil
}

// reader returns one ordered byte stream over chunks 1..total, opening each
// file lazily as the previous one drains.
func (c *chunkStore) reader(identifier string, total int) io.ReadCloser {
	return &chunkReader{store: c, identifier: identifier, total: total}
}

// remove deletes the identifier's entire chunk directory.
func (c *chunkStore) remove(identifier string) error {
	err := os.RemoveAll(filepath.Join(c.dir, identifier))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing chunk directory %q: %w", identifier, err)
	}
	return nil
}

// has reports whether the identifier has any chunk files on disk.
func (c *chunkStore) has(identifier string) bool {
	_, err := os.Stat(filepath.Join(c.dir, identifier))
	return err == nil
}

// chunkReader concatenates chunk files in chunk-number order.
type chunkReader struct {
	store      *chunkStore
	identifier string
	total      int

	next    int // next chunk number to open, 1-based
	current *os.File
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for {
		if r.current == nil {
			if r.next >= r.total {
				return 0, io.EOF
			}
			r.next++
			f, err := os.Open(r.store.chunkPath(r.identifier, r.next))
			if err != nil {
				return 0, fmt.Errorf("opening chunk %d: %w", r.next, err)
			}
			r.current = f
		}

		n, err := r.current.Read(p)
		if err == io.EOF {
			r.current.Close()
			r.current = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (r *chunkReader) Close() error {
	if r.current != nil {
		err := r.current.Close()
		r.current = nil
		return err
	}
	return nil
}
