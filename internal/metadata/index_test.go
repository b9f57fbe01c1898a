package metadata

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	fgerr "github.com/filegate/filegate/internal/errors"
)

// runIndexTests exercises a test against both metadata engines.
func runIndexTests(t *testing.T, fn func(t *testing.T, idx Index)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryIndex())
	})
	t.Run("sqlite", func(t *testing.T) {
		idx, err := NewSQLiteIndex(filepath.Join(t.TempDir(), "test.db"))
		if err != nil {
			t.Fatalf("NewSQLiteIndex: %v", err)
		}
		defer idx.Close()
		fn(t, idx)
	})
}

func seedNamespace(t *testing.T, idx Index, name string) {
	t.Helper()
	ctx := context.Background()
	err := idx.PutProvider(ctx, &ProviderRecord{ID: "local-" + name, Type: "local", Name: "Local"})
	if err != nil {
		t.Fatalf("PutProvider: %v", err)
	}
	err = idx.CreateNamespace(ctx, &NamespaceRecord{Name: name, ProviderID: "local-" + name, BucketName: "data"})
	if err != nil {
		t.Fatalf("CreateNamespace: %v", err)
	}
}

func TestProviderRoundTrip(t *testing.T) {
	runIndexTests(t, func(t *testing.T, idx Index) {
		ctx := context.Background()

		rec := &ProviderRecord{
			ID:      "s3-main",
			Type:    "s3",
			Name:    "Primary S3",
			Params:  map[string]string{"region": "us-east-1", "secret_access_key": "shh"},
			Buckets: []string{"media", "docs"},
		}
		if err := idx.PutProvider(ctx, rec); err != nil {
			t.Fatalf("PutProvider: %v", err)
		}

		got, err := idx.GetProvider(ctx, "s3-main")
		if err != nil {
			t.Fatalf("GetProvider: %v", err)
		}
		if got.Type != "s3" || got.Name != "Primary S3" {
			t.Errorf("got %+v", got)
		}
		if got.Params["region"] != "us-east-1" {
			t.Errorf("params = %v", got.Params)
		}
		if len(got.Buckets) != 2 || got.Buckets[0] != "media" {
			t.Errorf("buckets = %v", got.Buckets)
		}
		if got.CreatedAt.IsZero() {
			t.Error("CreatedAt not set")
		}

		// Upsert replaces fields but keeps the original creation time.
		first := got.CreatedAt
		rec.Name = "Renamed"
		if err := idx.PutProvider(ctx, rec); err != nil {
			t.Fatalf("PutProvider update: %v", err)
		}
		got, err = idx.GetProvider(ctx, "s3-main")
		if err != nil {
			t.Fatalf("GetProvider: %v", err)
		}
		if got.Name != "Renamed" {
			t.Errorf("Name = %q after update", got.Name)
		}
		if !got.CreatedAt.Equal(first) {
			t.Errorf("CreatedAt changed on update: %v != %v", got.CreatedAt, first)
		}

		if _, err := idx.GetProvider(ctx, "nope"); !fgerr.IsNotFound(err) {
			t.Errorf("missing provider: err = %v", err)
		}
	})
}

func TestDeleteProviderInUse(t *testing.T) {
	runIndexTests(t, func(t *testing.T, idx Index) {
		ctx := context.Background()
		seedNamespace(t, idx, "photos")

		err := idx.DeleteProvider(ctx, "local-photos")
		if !errors.Is(err, fgerr.ErrProviderInUse) {
			t.Fatalf("delete in-use provider: err = %v", err)
		}

		if err := idx.DeleteNamespace(ctx, "photos"); err != nil {
			t.Fatalf("DeleteNamespace: %v", err)
		}
		if err := idx.DeleteProvider(ctx, "local-photos"); err != nil {
			t.Fatalf("delete after namespace removed: %v", err)
		}
		if err := idx.DeleteProvider(ctx, "local-photos"); !fgerr.IsNotFound(err) {
			t.Errorf("second delete: err = %v", err)
		}
	})
}

func TestNamespaceLifecycle(t *testing.T) {
	runIndexTests(t, func(t *testing.T, idx Index) {
		ctx := context.Background()
		seedNamespace(t, idx, "photos")

		err := idx.CreateNamespace(ctx, &NamespaceRecord{Name: "photos", ProviderID: "local-photos", BucketName: "data"})
		if !errors.Is(err, fgerr.ErrNamespaceExists) {
			t.Fatalf("duplicate namespace: err = %v", err)
		}

		got, err := idx.GetNamespace(ctx, "photos")
		if err != nil {
			t.Fatalf("GetNamespace: %v", err)
		}
		if got.ProviderID != "local-photos" || got.BucketName != "data" {
			t.Errorf("got %+v", got)
		}

		if _, err := idx.GetNamespace(ctx, "nope"); !fgerr.IsNotFound(err) {
			t.Errorf("missing namespace: err = %v", err)
		}
		if err := idx.DeleteNamespace(ctx, "nope"); !fgerr.IsNotFound(err) {
			t.Errorf("delete missing namespace: err = %v", err)
		}
	})
}

func TestDeleteNamespaceNotEmpty(t *testing.T) {
	runIndexTests(t, func(t *testing.T, idx Index) {
		ctx := context.Background()
		seedNamespace(t, idx, "photos")

		if err := idx.CreateFile(ctx, &FileRecord{
			ID: "f1", Namespace: "photos", Filename: "a.jpg", StoreID: "st1", Size: 3, MD5: "abc",
		}); err != nil {
			t.Fatalf("CreateFile: %v", err)
		}

		err := idx.DeleteNamespace(ctx, "photos")
		if !errors.Is(err, fgerr.ErrNamespaceNotEmpty) {
			t.Fatalf("delete non-empty namespace: err = %v", err)
		}

		if err := idx.DeleteFile(ctx, "photos", "f1"); err != nil {
			t.Fatalf("DeleteFile: %v", err)
		}
		if err := idx.DeleteNamespace(ctx, "photos"); err != nil {
			t.Fatalf("delete empty namespace: %v", err)
		}
	})
}

func TestFileRoundTrip(t *testing.T) {
	runIndexTests(t, func(t *testing.T, idx Index) {
		ctx := context.Background()
		seedNamespace(t, idx, "photos")

		rec := &FileRecord{
			ID:          "f1",
			Namespace:   "photos",
			Filename:    "cat.jpg",
			StoreID:     "st1",
			Size:        1024,
			MD5:         "0cc175b9c0f1b6a831c399e269772661",
			ContentType: "image/jpeg",
		}
		if err := idx.CreateFile(ctx, rec); err != nil {
			t.Fatalf("CreateFile: %v", err)
		}

		got, err := idx.GetFile(ctx, "photos", "f1")
		if err != nil {
			t.Fatalf("GetFile: %v", err)
		}
		if got.Filename != "cat.jpg" || got.StoreID != "st1" || got.Size != 1024 {
			t.Errorf("got %+v", got)
		}

		// Lookups are namespace-scoped.
		if _, err := idx.GetFile(ctx, "other", "f1"); !fgerr.IsNotFound(err) {
			t.Errorf("cross-namespace lookup: err = %v", err)
		}

		if err := idx.DeleteFile(ctx, "photos", "f1"); err != nil {
			t.Fatalf("DeleteFile: %v", err)
		}
		if err := idx.DeleteFile(ctx, "photos", "f1"); !fgerr.IsNotFound(err) {
			t.Errorf("second delete: err = %v", err)
		}
	})
}

func TestListFilesOrdered(t *testing.T) {
	runIndexTests(t, func(t *testing.T, idx Index) {
		ctx := context.Background()
		seedNamespace(t, idx, "photos")
		seedNamespace(t, idx, "docs")

		for i := 0; i < 3; i++ {
			err := idx.CreateFile(ctx, &FileRecord{
				ID:        fmt.Sprintf("f%d", i),
				Namespace: "photos",
				Filename:  fmt.Sprintf("img-%d.jpg", i),
				StoreID:   "st1",
				MD5:       "abc",
			})
			if err != nil {
				t.Fatalf("CreateFile: %v", err)
			}
		}
		if err := idx.CreateFile(ctx, &FileRecord{
			ID: "other", Namespace: "docs", Filename: "readme.txt", StoreID: "st2", MD5: "def",
		}); err != nil {
			t.Fatalf("CreateFile: %v", err)
		}

		files, err := idx.ListFiles(ctx, "photos")
		if err != nil {
			t.Fatalf("ListFiles: %v", err)
		}
		if len(files) != 3 {
			t.Fatalf("len(files) = %d, want 3", len(files))
		}
		for _, f := range files {
			if f.Namespace != "photos" {
				t.Errorf("leaked file from namespace %q", f.Namespace)
			}
		}
	})
}

func TestAddFileRefUpsert(t *testing.T) {
	runIndexTests(t, func(t *testing.T, idx Index) {
		ctx := context.Background()
		seedNamespace(t, idx, "photos")

		const md5 = "900150983cd24fb0d6963f7d28e17f72"

		winner, created, err := idx.AddFileRef(ctx, "photos", md5, "st1", "f1", 3, "text/plain")
		if err != nil {
			t.Fatalf("AddFileRef: %v", err)
		}
		if !created || winner != "st1" {
			t.Fatalf("first ref: winner = %q, created = %v", winner, created)
		}

		// Second upload of the same content loses the race: the existing
		// store wins and the candidate id is discarded.
		winner, created, err = idx.AddFileRef(ctx, "photos", md5, "st2", "f2", 3, "text/plain")
		if err != nil {
			t.Fatalf("AddFileRef duplicate: %v", err)
		}
		if created || winner != "st1" {
			t.Fatalf("duplicate ref: winner = %q, created = %v", winner, created)
		}

		store, err := idx.GetFileStoreByMD5(ctx, "photos", md5)
		if err != nil {
			t.Fatalf("GetFileStoreByMD5: %v", err)
		}
		if store.ID != "st1" || store.Size != 3 {
			t.Errorf("store = %+v", store)
		}
		if len(store.FileIDs) != 2 {
			t.Errorf("FileIDs = %v, want both files", store.FileIDs)
		}

		// Same md5 in a different namespace is a distinct store.
		seedNamespace(t, idx, "docs")
		winner, created, err = idx.AddFileRef(ctx, "docs", md5, "st3", "f3", 3, "text/plain")
		if err != nil {
			t.Fatalf("AddFileRef other namespace: %v", err)
		}
		if !created || winner != "st3" {
			t.Fatalf("other namespace: winner = %q, created = %v", winner, created)
		}
	})
}

func TestAddFileRefIdempotent(t *testing.T) {
	runIndexTests(t, func(t *testing.T, idx Index) {
		ctx := context.Background()
		seedNamespace(t, idx, "photos")

		for n := 0; n < 2; n++ {
			if _, _, err := idx.AddFileRef(ctx, "photos", "abc", "st1", "f1", 3, ""); err != nil {
				t.Fatalf("AddFileRef: %v", err)
			}
		}

		store, err := idx.GetFileStore(ctx, "st1")
		if err != nil {
			t.Fatalf("GetFileStore: %v", err)
		}
		if len(store.FileIDs) != 1 {
			t.Errorf("FileIDs = %v, want one entry", store.FileIDs)
		}
	})
}

func TestAddFileRefConcurrent(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	seedNamespace(t, idx, "photos")

	const workers = 8
	winners := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			w, _, err := idx.AddFileRef(ctx, "photos", "abc",
				fmt.Sprintf("st%d", i), fmt.Sprintf("f%d", i), 3, "")
			if err != nil {
				t.Errorf("AddFileRef: %v", err)
				return
			}
			winners[i] = w
		}()
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if winners[i] != winners[0] {
			t.Fatalf("winners disagree: %v", winners)
		}
	}
	store, err := idx.GetFileStoreByMD5(ctx, "photos", "abc")
	if err != nil {
		t.Fatalf("GetFileStoreByMD5: %v", err)
	}
	if len(store.FileIDs) != workers {
		t.Errorf("FileIDs = %d, want %d", len(store.FileIDs), workers)
	}
}

func TestRemoveFileRefCounts(t *testing.T) {
	runIndexTests(t, func(t *testing.T, idx Index) {
		ctx := context.Background()
		seedNamespace(t, idx, "photos")

		for i := 0; i < 2; i++ {
			if _, _, err := idx.AddFileRef(ctx, "photos", "abc", "st1", fmt.Sprintf("f%d", i), 3, ""); err != nil {
				t.Fatalf("AddFileRef: %v", err)
			}
		}

		remaining, err := idx.RemoveFileRef(ctx, "st1", "f0")
		if err != nil {
			t.Fatalf("RemoveFileRef: %v", err)
		}
		if remaining != 1 {
			t.Fatalf("remaining = %d, want 1", remaining)
		}

		remaining, err = idx.RemoveFileRef(ctx, "st1", "f1")
		if err != nil {
			t.Fatalf("RemoveFileRef: %v", err)
		}
		if remaining != 0 {
			t.Fatalf("remaining = %d, want 0", remaining)
		}

		// Removing from an unknown store is a no-op.
		if _, err := idx.RemoveFileRef(ctx, "missing", "f0"); err != nil {
			t.Errorf("RemoveFileRef missing store: %v", err)
		}
	})
}

func TestDeleteFileStore(t *testing.T) {
	runIndexTests(t, func(t *testing.T, idx Index) {
		ctx := context.Background()
		seedNamespace(t, idx, "photos")

		if _, _, err := idx.AddFileRef(ctx, "photos", "abc", "st1", "f1", 3, ""); err != nil {
			t.Fatalf("AddFileRef: %v", err)
		}
		if remaining, err := idx.RemoveFileRef(ctx, "st1", "f1"); err != nil || remaining != 0 {
			t.Fatalf("RemoveFileRef = (%d, %v), want (0, nil)", remaining, err)
		}
		if err := idx.DeleteFileStore(ctx, "st1"); err != nil {
			t.Fatalf("DeleteFileStore: %v", err)
		}

		if _, err := idx.GetFileStore(ctx, "st1"); !fgerr.IsNotFound(err) {
			t.Errorf("store after delete: err = %v", err)
		}
		if _, err := idx.GetFileStoreByMD5(ctx, "photos", "abc"); !fgerr.IsNotFound(err) {
			t.Errorf("md5 lookup after delete: err = %v", err)
		}

		// Deleting twice is fine.
		if err := idx.DeleteFileStore(ctx, "st1"); err != nil {
			t.Errorf("second delete: %v", err)
		}
	})
}

func TestDeleteFileStoreKeepsReferencedStore(t *testing.T) {
	runIndexTests(t, func(t *testing.T, idx Index) {
		ctx := context.Background()
		seedNamespace(t, idx, "photos")

		if _, _, err := idx.AddFileRef(ctx, "photos", "abc", "st1", "f1", 3, ""); err != nil {
			t.Fatalf("AddFileRef: %v", err)
		}
		if remaining, err := idx.RemoveFileRef(ctx, "st1", "f1"); err != nil || remaining != 0 {
			t.Fatalf("RemoveFileRef = (%d, %v), want (0, nil)", remaining, err)
		}

		// A second upload of the same content lands between the ref removal
		// and the store delete. The delete must leave the store and the new
		// reference intact.
		winner, created, err := idx.AddFileRef(ctx, "photos", "abc", "st2", "f2", 3, "")
		if err != nil {
			t.Fatalf("AddFileRef again: %v", err)
		}
		if winner != "st1" || created {
			t.Fatalf("AddFileRef again = (%q, %v), want (st1, false)", winner, created)
		}
		if err := idx.DeleteFileStore(ctx, "st1"); err != nil {
			t.Fatalf("DeleteFileStore: %v", err)
		}

		store, err := idx.GetFileStore(ctx, "st1")
		if err != nil {
			t.Fatalf("store deleted despite live reference: %v", err)
		}
		if len(store.FileIDs) != 1 || store.FileIDs[0] != "f2" {
			t.Errorf("FileIDs = %v, want [f2]", store.FileIDs)
		}

		// With the last reference gone the delete goes through.
		if remaining, err := idx.RemoveFileRef(ctx, "st1", "f2"); err != nil || remaining != 0 {
			t.Fatalf("RemoveFileRef f2 = (%d, %v), want (0, nil)", remaining, err)
		}
		if err := idx.DeleteFileStore(ctx, "st1"); err != nil {
			t.Fatalf("DeleteFileStore after last ref: %v", err)
		}
		if _, err := idx.GetFileStore(ctx, "st1"); !fgerr.IsNotFound(err) {
			t.Errorf("store after delete: err = %v", err)
		}
	})
}
