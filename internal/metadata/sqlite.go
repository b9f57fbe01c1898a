package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	fgerr "github.com/filegate/filegate/internal/errors"
)

// timeFormat is the ISO 8601 format used for all timestamps in SQLite.
const timeFormat = "2006-01-02T15:04:05.000Z"

// SQLiteIndex implements the Index interface using SQLite. It provides
// durable, ACID metadata storage suitable for single-node deployments. The
// unique (namespace, md5) index on file_stores plus transactional reference
// mutations close the concurrent-dedup race: two simultaneous uploads of
// identical new content resolve to one file store row.
type SQLiteIndex struct {
	db *sql.DB
}

// NewSQLiteIndex opens (or creates) the database at dsn and initializes the
// schema.
func NewSQLiteIndex(dsn string) (*SQLiteIndex, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite database: %w", err)
	}

	idx := &SQLiteIndex{db: db}
	if err := idx.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite database: %w", err)
	}
	return idx, nil
}

// initDB applies PRAGMAs and creates the required tables and indexes.
// Idempotent via IF NOT EXISTS.
func (s *SQLiteIndex) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS providers (
			id         TEXT PRIMARY KEY,
			type       TEXT NOT NULL,
			name       TEXT NOT NULL DEFAULT '',
			params     TEXT NOT NULL DEFAULT '{}',
			buckets    TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS namespaces (
			name        TEXT PRIMARY KEY,
			provider_id TEXT NOT NULL,
			bucket_name TEXT NOT NULL,
			is_public   INTEGER NOT NULL DEFAULT 0,
			created_at  TEXT NOT NULL,

			FOREIGN KEY (provider_id) REFERENCES providers(id)
		);

		CREATE TABLE IF NOT EXISTS file_stores (
			id           TEXT PRIMARY KEY,
			namespace    TEXT NOT NULL,
			md5          TEXT NOT NULL,
			size         INTEGER NOT NULL,
			content_type TEXT NOT NULL DEFAULT 'application/octet-stream',
			status       TEXT NOT NULL DEFAULT 'ok',

			UNIQUE (namespace, md5)
		);

		CREATE TABLE IF NOT EXISTS files (
			id            TEXT PRIMARY KEY,
			namespace     TEXT NOT NULL,
			filename      TEXT NOT NULL,
			store_id      TEXT NOT NULL,
			size          INTEGER NOT NULL,
			md5           TEXT NOT NULL,
			content_type  TEXT NOT NULL DEFAULT 'application/octet-stream',
			date_uploaded TEXT NOT NULL,
			is_deleted    INTEGER NOT NULL DEFAULT 0,

			FOREIGN KEY (namespace) REFERENCES namespaces(name)
		);

		CREATE INDEX IF NOT EXISTS idx_files_namespace ON files(namespace);

		CREATE TABLE IF NOT EXISTS file_refs (
			store_id TEXT NOT NULL,
			file_id  TEXT NOT NULL,

			PRIMARY KEY (store_id, file_id),
			FOREIGN KEY (store_id) REFERENCES file_stores(id) ON DELETE CASCADE
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteIndex) Close() error { return s.db.Close() }

// Ping checks database connectivity.
func (s *SQLiteIndex) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// PutProvider creates or replaces a provider record.
func (s *SQLiteIndex) PutProvider(ctx context.Context, rec *ProviderRecord) error {
	params, err := json.Marshal(rec.Params)
	if err != nil {
		return fmt.Errorf("marshaling provider params: %w", err)
	}
	buckets, err := json.Marshal(rec.Buckets)
	if err != nil {
		return fmt.Errorf("marshaling provider buckets: %w", err)
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO providers (id, type, name, params, buckets, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			name = excluded.name,
			params = excluded.params,
			buckets = excluded.buckets`,
		rec.ID, rec.Type, rec.Name, string(params), string(buckets), createdAt.Format(timeFormat))
	if err != nil {
		return fmt.Errorf("upserting provider %q: %w", rec.ID, err)
	}
	return nil
}

// GetProvider retrieves a provider record by id.
func (s *SQLiteIndex) GetProvider(ctx context.Context, id string) (*ProviderRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, name, params, buckets, created_at FROM providers WHERE id = ?`, id)
	rec, err := scanProvider(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fgerr.ErrProviderNotFound.WithMessagef("provider %q does not exist", id)
	}
	return rec, err
}

// ListProviders returns all provider records ordered by id.
func (s *SQLiteIndex) ListProviders(ctx context.Context) ([]ProviderRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, name, params, buckets, created_at FROM providers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing providers: %w", err)
	}
	defer rows.Close()

	var recs []ProviderRecord
	for rows.Next() {
		rec, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

// DeleteProvider removes a provider record unless a namespace references it.
func (s *SQLiteIndex) DeleteProvider(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var refs int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM namespaces WHERE provider_id = ?`, id).Scan(&refs); err != nil {
		return fmt.Errorf("counting namespace references: %w", err)
	}
	if refs > 0 {
		return fgerr.ErrProviderInUse.WithMessagef("provider %q is referenced by %d namespace(s)", id, refs)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM providers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting provider %q: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fgerr.ErrProviderNotFound.WithMessagef("provider %q does not exist", id)
	}
	return tx.Commit()
}

// CreateNamespace creates a namespace record; duplicate names conflict.
func (s *SQLiteIndex) CreateNamespace(ctx context.Context, rec *NamespaceRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO namespaces (name, provider_id, bucket_name, is_public, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.Name, rec.ProviderID, rec.BucketName, boolToInt(rec.IsPublic), createdAt.Format(timeFormat))
	if err != nil {
		if isUniqueViolation(err) {
			return fgerr.ErrNamespaceExists.WithMessagef("namespace %q already exists", rec.Name)
		}
		return fmt.Errorf("inserting namespace %q: %w", rec.Name, err)
	}
	return nil
}

// GetNamespace retrieves a namespace record by name.
func (s *SQLiteIndex) GetNamespace(ctx context.Context, name string) (*NamespaceRecord, error) {
	var (
		rec      NamespaceRecord
		isPublic int
		created  string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT name, provider_id, bucket_name, is_public, created_at
		FROM namespaces WHERE name = ?`, name).
		Scan(&rec.Name, &rec.ProviderID, &rec.BucketName, &isPublic, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fgerr.ErrNamespaceNotFound.WithMessagef("namespace %q does not exist", name)
	}
	if err != nil {
		return nil, fmt.Errorf("querying namespace %q: %w", name, err)
	}
	rec.IsPublic = isPublic != 0
	rec.CreatedAt, _ = time.Parse(timeFormat, created)
	return &rec, nil
}

// ListNamespaces returns all namespace records ordered by name.
func (s *SQLiteIndex) ListNamespaces(ctx context.Context) ([]NamespaceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, provider_id, bucket_name, is_public, created_at
		FROM namespaces ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing namespaces: %w", err)
	}
	defer rows.Close()

	var recs []NamespaceRecord
	for rows.Next() {
		var (
			rec      NamespaceRecord
			isPublic int
			created  string
		)
		if err := rows.Scan(&rec.Name, &rec.ProviderID, &rec.BucketName, &isPublic, &created); err != nil {
			return nil, fmt.Errorf("scanning namespace: %w", err)
		}
		rec.IsPublic = isPublic != 0
		rec.CreatedAt, _ = time.Parse(timeFormat, created)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// DeleteNamespace removes a namespace record unless it still owns files.
func (s *SQLiteIndex) DeleteNamespace(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var files int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM files WHERE namespace = ?`, name).Scan(&files); err != nil {
		return fmt.Errorf("counting namespace files: %w", err)
	}
	if files > 0 {
		return fgerr.ErrNamespaceNotEmpty.WithMessagef("namespace %q still owns %d file(s)", name, files)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM namespaces WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("deleting namespace %q: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fgerr.ErrNamespaceNotFound.WithMessagef("namespace %q does not exist", name)
	}
	return tx.Commit()
}

// CreateFile creates a file record.
func (s *SQLiteIndex) CreateFile(ctx context.Context, rec *FileRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO files (id, namespace, filename, store_id, size, md5, content_type, date_uploaded, is_deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Namespace, rec.Filename, rec.StoreID, rec.Size, rec.MD5,
		rec.ContentType, rec.DateUploaded.UTC().Format(timeFormat), boolToInt(rec.IsDeleted))
	if err != nil {
		return fmt.Errorf("inserting file %q: %w", rec.ID, err)
	}
	return nil
}

// GetFile retrieves a file record by namespace and id.
func (s *SQLiteIndex) GetFile(ctx context.Context, namespace, id string) (*FileRecord, error) {
	var (
		rec       FileRecord
		uploaded  string
		isDeleted int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, namespace, filename, store_id, size, md5, content_type, date_uploaded, is_deleted
		FROM files WHERE namespace = ? AND id = ?`, namespace, id).
		Scan(&rec.ID, &rec.Namespace, &rec.Filename, &rec.StoreID, &rec.Size, &rec.MD5,
			&rec.ContentType, &uploaded, &isDeleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fgerr.ErrFileNotFound.WithMessagef("file %q does not exist in namespace %q", id, namespace)
	}
	if err != nil {
		return nil, fmt.Errorf("querying file %q: %w", id, err)
	}
	rec.DateUploaded, _ = time.Parse(timeFormat, uploaded)
	rec.IsDeleted = isDeleted != 0
	return &rec, nil
}

// ListFiles returns all file records in a namespace ordered by upload time.
func (s *SQLiteIndex) ListFiles(ctx context.Context, namespace string) ([]FileRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, namespace, filename, store_id, size, md5, content_type, date_uploaded, is_deleted
		FROM files WHERE namespace = ? ORDER BY date_uploaded, id`, namespace)
	if err != nil {
		return nil, fmt.Errorf("listing files in %q: %w", namespace, err)
	}
	defer rows.Close()

	var recs []FileRecord
	for rows.Next() {
		var (
			rec       FileRecord
			uploaded  string
			isDeleted int
		)
		if err := rows.Scan(&rec.ID, &rec.Namespace, &rec.Filename, &rec.StoreID, &rec.Size,
			&rec.MD5, &rec.ContentType, &uploaded, &isDeleted); err != nil {
			return nil, fmt.Errorf("scanning file: %w", err)
		}
		rec.DateUploaded, _ = time.Parse(timeFormat, uploaded)
		rec.IsDeleted = isDeleted != 0
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// DeleteFile removes a file record.
func (s *SQLiteIndex) DeleteFile(ctx context.Context, namespace, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE namespace = ? AND id = ?`, namespace, id)
	if err != nil {
		return fmt.Errorf("deleting file %q: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fgerr.ErrFileNotFound.WithMessagef("file %q does not exist in namespace %q", id, namespace)
	}
	return nil
}

// GetFileStoreByMD5 retrieves the file store for (namespace, md5).
func (s *SQLiteIndex) GetFileStoreByMD5(ctx context.Context, namespace, md5 string) (*FileStoreRecord, error) {
	return s.getFileStore(ctx, `namespace = ? AND md5 = ?`, namespace, md5)
}

// GetFileStore retrieves a file store record by id.
func (s *SQLiteIndex) GetFileStore(ctx context.Context, storeID string) (*FileStoreRecord, error) {
	return s.getFileStore(ctx, `id = ?`, storeID)
}

func (s *SQLiteIndex) getFileStore(ctx context.Context, where string, args ...any) (*FileStoreRecord, error) {
	var rec FileStoreRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT id, namespace, md5, size, content_type, status FROM file_stores WHERE `+where, args...).
		Scan(&rec.ID, &rec.Namespace, &rec.MD5, &rec.Size, &rec.ContentType, &rec.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fgerr.ErrFileNotFound.WithMessagef("no file store matches")
	}
	if err != nil {
		return nil, fmt.Errorf("querying file store: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT file_id FROM file_refs WHERE store_id = ? ORDER BY file_id`, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("querying file refs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var fid string
		if err := rows.Scan(&fid); err != nil {
			return nil, fmt.Errorf("scanning file ref: %w", err)
		}
		rec.FileIDs = append(rec.FileIDs, fid)
	}
	return &rec, rows.Err()
}

// AddFileRef upserts the (namespace, md5) file store and registers fileID as
// a reference, all in one transaction. The unique index arbitrates concurrent
// uploads of identical new content: exactly one insert wins and both callers
// see the winning store id.
func (s *SQLiteIndex) AddFileRef(ctx context.Context, namespace, md5, storeID, fileID string, size int64, contentType string) (string, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO file_stores (id, namespace, md5, size, content_type, status)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(namespace, md5) DO NOTHING`,
		storeID, namespace, md5, size, contentType, StoreStatusOK)
	if err != nil {
		return "", false, fmt.Errorf("upserting file store: %w", err)
	}
	inserted, _ := res.RowsAffected()

	var winner string
	if err := tx.QueryRowContext(ctx,
		`SELECT id FROM file_stores WHERE namespace = ? AND md5 = ?`, namespace, md5).Scan(&winner); err != nil {
		return "", false, fmt.Errorf("resolving file store winner: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO file_refs (store_id, file_id) VALUES (?, ?)`, winner, fileID); err != nil {
		return "", false, fmt.Errorf("inserting file ref: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("committing file ref: %w", err)
	}
	return winner, inserted > 0, nil
}

// RemoveFileRef drops fileID from the store's reference set and returns the
// remaining count.
func (s *SQLiteIndex) RemoveFileRef(ctx context.Context, storeID, fileID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM file_refs WHERE store_id = ? AND file_id = ?`, storeID, fileID); err != nil {
		return 0, fmt.Errorf("deleting file ref: %w", err)
	}

	var remaining int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM file_refs WHERE store_id = ?`, storeID).Scan(&remaining); err != nil {
		return 0, fmt.Errorf("counting file refs: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing ref removal: %w", err)
	}
	return remaining, nil
}

// DeleteFileStore removes a file store record, but only while no references
// remain: a concurrent AddFileRef between the caller's RemoveFileRef and this
// call re-references the store, and the delete must not cascade its rows away.
func (s *SQLiteIndex) DeleteFileStore(ctx context.Context, storeID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM file_stores WHERE id = ?
		   AND NOT EXISTS (SELECT 1 FROM file_refs WHERE store_id = ?)`,
		storeID, storeID); err != nil {
		return fmt.Errorf("deleting file store %q: %w", storeID, err)
	}
	return nil
}

// scanner abstracts sql.Row and sql.Rows for shared scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanProvider(row scanner) (*ProviderRecord, error) {
	var (
		rec             ProviderRecord
		params, buckets string
		created         string
	)
	if err := row.Scan(&rec.ID, &rec.Type, &rec.Name, &params, &buckets, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning provider: %w", err)
	}
	if err := json.Unmarshal([]byte(params), &rec.Params); err != nil {
		return nil, fmt.Errorf("unmarshaling provider params: %w", err)
	}
	if err := json.Unmarshal([]byte(buckets), &rec.Buckets); err != nil {
		return nil, fmt.Errorf("unmarshaling provider buckets: %w", err)
	}
	rec.CreatedAt, _ = time.Parse(timeFormat, created)
	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation checks for a SQLite unique constraint error without
// depending on driver-specific error types.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
