package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	fgerr "github.com/filegate/filegate/internal/errors"
	"github.com/filegate/filegate/internal/metadata"
	"github.com/filegate/filegate/internal/namespace"
	"github.com/filegate/filegate/internal/storage"
	"github.com/filegate/filegate/internal/upload"

	"github.com/go-chi/chi/v5"
)

// FileHandler serves the file and namespace routes on top of the namespace
// service.
type FileHandler struct {
	ns *namespace.Service
	// maxUploadSize caps the single-shot upload body in bytes; zero means
	// unlimited.
	maxUploadSize int64
}

// NewFileHandler creates a FileHandler.
func NewFileHandler(ns *namespace.Service, maxUploadSize int64) *FileHandler {
	return &FileHandler{ns: ns, maxUploadSize: maxUploadSize}
}

// fileJSON is the wire shape of a file record.
type fileJSON struct {
	ID           string    `json:"id"`
	Namespace    string    `json:"namespace"`
	Filename     string    `json:"filename"`
	StoreID      string    `json:"storeId"`
	Size         int64     `json:"size"`
	MD5          string    `json:"md5"`
	ContentType  string    `json:"contentType"`
	DateUploaded time.Time `json:"dateUploaded"`
}

func toFileJSON(rec *metadata.FileRecord) fileJSON {
	return fileJSON{
		ID:           rec.ID,
		Namespace:    rec.Namespace,
		Filename:     rec.Filename,
		StoreID:      rec.StoreID,
		Size:         rec.Size,
		MD5:          rec.MD5,
		ContentType:  rec.ContentType,
		DateUploaded: rec.DateUploaded,
	}
}

// uploadJSON is the completion payload for a finished upload.
type uploadJSON struct {
	File   fileJSON    `json:"file"`
	Upload upload.Info `json:"upload"`
}

// namespaceJSON is the wire shape of a namespace record.
type namespaceJSON struct {
	Name      string    `json:"name"`
	Provider  string    `json:"provider"`
	Bucket    string    `json:"bucket"`
	Public    bool      `json:"public"`
	CreatedAt time.Time `json:"createdAt,omitzero"`
}

func toNamespaceJSON(rec *metadata.NamespaceRecord) namespaceJSON {
	return namespaceJSON{
		Name:      rec.Name,
		Provider:  rec.ProviderID,
		Bucket:    rec.BucketName,
		Public:    rec.IsPublic,
		CreatedAt: rec.CreatedAt,
	}
}

// Upload handles POST /v1/namespaces/{namespace}/files. The request body is
// the file's bytes; filename, content type, and an optional expected md5
// arrive via query parameters and headers. A matching md5 takes the dedup
// fast path and the body is not read.
func (h *FileHandler) Upload(w http.ResponseWriter, r *http.Request) {
	ns := chi.URLParam(r, "namespace")
	q := r.URL.Query()

	opts := namespace.UploadOptions{
		Filename:    q.Get("filename"),
		ContentType: r.Header.Get("Content-Type"),
		MD5:         q.Get("md5"),
		Metadata:    userMetadata(r),
	}
	if opts.Filename == "" {
		writeError(w, fgerr.Validationf("MissingFilename", "the filename query parameter is required"))
		return
	}

	body := io.Reader(r.Body)
	if h.maxUploadSize > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)
	}

	res, err := h.ns.Upload(r.Context(), ns, body, opts)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, fgerr.ErrEntityTooLarge.WithMessagef(
				"upload body exceeds the maximum of %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, uploadJSON{File: toFileJSON(res.File), Upload: res.Info})
}

// Download handles GET /v1/namespaces/{namespace}/files/{id}. Native buckets
// stream the bytes directly; non-native buckets answer with a redirect to the
// backend's own URL.
func (h *FileHandler) Download(w http.ResponseWriter, r *http.Request) {
	ns := chi.URLParam(r, "namespace")
	id := chi.URLParam(r, "id")

	native, err := h.ns.Native(r.Context(), ns)
	if err != nil {
		writeError(w, err)
		return
	}

	if !native {
		url, err := h.ns.URL(r.Context(), ns, id, storage.URLOptions{})
		switch {
		case err == nil:
			http.Redirect(w, r, url, http.StatusFound)
			return
		case errors.Is(err, fgerr.ErrURLUnsupported):
			// Backend cannot mint direct URLs; stream through the gateway.
		default:
			writeError(w, err)
			return
		}
	}

	rc, rec, err := h.ns.Open(r.Context(), ns, id)
	if err != nil {
		writeError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", rec.ContentType)
	w.Header().Set("Content-Length", formatInt(rec.Size))
	w.Header().Set("ETag", `"`+rec.MD5+`"`)
	w.Header().Set("Content-Disposition", `attachment; filename="`+rec.Filename+`"`)
	if _, err := io.Copy(w, rc); err != nil {
		// Headers are gone; nothing to report to the client.
		return
	}
}

// GetMeta handles GET /v1/namespaces/{namespace}/files/{id}/meta.
func (h *FileHandler) GetMeta(w http.ResponseWriter, r *http.Request) {
	rec, err := h.ns.GetFile(r.Context(), chi.URLParam(r, "namespace"), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toFileJSON(rec))
}

// List handles GET /v1/namespaces/{namespace}/files.
func (h *FileHandler) List(w http.ResponseWriter, r *http.Request) {
	files, err := h.ns.ListFiles(r.Context(), chi.URLParam(r, "namespace"))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]fileJSON, 0, len(files))
	for i := range files {
		out = append(out, toFileJSON(&files[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": out})
}

// Delete handles DELETE /v1/namespaces/{namespace}/files/{id}.
func (h *FileHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.ns.DeleteFile(r.Context(), chi.URLParam(r, "namespace"), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Truncate handles DELETE /v1/namespaces/{namespace}/files: every file in
// the namespace is deleted through the reference-counted path.
func (h *FileHandler) Truncate(w http.ResponseWriter, r *http.Request) {
	n, err := h.ns.Truncate(r.Context(), chi.URLParam(r, "namespace"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

// CreateNamespace handles POST /v1/namespaces.
func (h *FileHandler) CreateNamespace(w http.ResponseWriter, r *http.Request) {
	var body namespaceJSON
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	rec := &metadata.NamespaceRecord{
		Name:       body.Name,
		ProviderID: body.Provider,
		BucketName: body.Bucket,
		IsPublic:   body.Public,
	}
	if err := h.ns.CreateNamespace(r.Context(), rec); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toNamespaceJSON(rec))
}

// GetNamespace handles GET /v1/namespaces/{namespace}.
func (h *FileHandler) GetNamespace(w http.ResponseWriter, r *http.Request) {
	rec, err := h.ns.GetNamespace(r.Context(), chi.URLParam(r, "namespace"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toNamespaceJSON(rec))
}

// ListNamespaces handles GET /v1/namespaces.
func (h *FileHandler) ListNamespaces(w http.ResponseWriter, r *http.Request) {
	recs, err := h.ns.ListNamespaces(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]namespaceJSON, 0, len(recs))
	for i := range recs {
		out = append(out, toNamespaceJSON(&recs[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"namespaces": out})
}

// DeleteNamespace handles DELETE /v1/namespaces/{namespace}. Refused while
// the namespace still owns files.
func (h *FileHandler) DeleteNamespace(w http.ResponseWriter, r *http.Request) {
	if err := h.ns.DeleteNamespace(r.Context(), chi.URLParam(r, "namespace")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
