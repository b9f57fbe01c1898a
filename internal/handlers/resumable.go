package handlers

import (
	"net/http"

	fgerr "github.com/filegate/filegate/internal/errors"
	"github.com/filegate/filegate/internal/resumable"
)

// chunkFormField is the multipart field carrying the chunk's bytes.
const chunkFormField = "file"

// chunkMemoryLimit bounds how much of the multipart form is buffered in
// memory before spilling to disk.
const chunkMemoryLimit = 8 << 20

// ResumableHandler serves the chunked-upload routes on top of the resumable
// engine.
type ResumableHandler struct {
	engine *resumable.Engine
}

// NewResumableHandler creates a ResumableHandler.
func NewResumableHandler(engine *resumable.Engine) *ResumableHandler {
	return &ResumableHandler{engine: engine}
}

// chunkParams decodes the resumable.js-style multipart form fields into
// engine parameters.
func chunkParams(r *http.Request) (resumable.ChunkParams, error) {
	var p resumable.ChunkParams

	chunkNumber, err := formInt(r, "resumableChunkNumber")
	if err != nil {
		return p, err
	}
	chunkSize, err := formInt(r, "resumableChunkSize")
	if err != nil {
		return p, err
	}
	totalSize, err := formInt(r, "resumableTotalSize")
	if err != nil {
		return p, err
	}
	totalChunks, err := formInt(r, "resumableTotalChunks")
	if err != nil {
		return p, err
	}
	currentChunkSize, err := formIntOptional(r, "resumableCurrentChunkSize")
	if err != nil {
		return p, err
	}

	p.ChunkNumber = int(chunkNumber)
	p.ChunkSize = chunkSize
	p.TotalSize = totalSize
	p.TotalChunks = int(totalChunks)
	p.CurrentChunkSize = currentChunkSize
	p.Identifier = r.FormValue("resumableIdentifier")
	p.Filename = r.FormValue("resumableFilename")
	p.ContentType = r.FormValue("resumableType")
	return p, nil
}

// UploadChunk handles POST /v1/uploads/resumable: one multipart-form chunk.
// An incomplete session answers with the per-chunk received flags; the final
// chunk answers with the upload completion payload.
func (h *ResumableHandler) UploadChunk(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(chunkMemoryLimit); err != nil {
		writeError(w, fgerr.Validationf("InvalidBody", "malformed multipart form: %v", err))
		return
	}

	ns := r.FormValue("namespace")
	if ns == "" {
		writeError(w, fgerr.Validationf("MissingParameter", "missing form parameter \"namespace\""))
		return
	}

	p, err := chunkParams(r)
	if err != nil {
		writeError(w, err)
		return
	}

	part, _, err := r.FormFile(chunkFormField)
	if err != nil {
		writeError(w, fgerr.Validationf("MissingParameter", "missing form file %q", chunkFormField))
		return
	}
	defer part.Close()

	status, err := h.engine.WriteChunk(r.Context(), ns, p, part)
	if err != nil {
		writeError(w, err)
		return
	}
	code := http.StatusOK
	if status.Uploaded {
		code = http.StatusCreated
	}
	writeJSON(w, code, status)
}

// Status handles GET /v1/uploads/resumable?identifier=...: a no-byte probe
// answered from the in-memory session state.
func (h *ResumableHandler) Status(w http.ResponseWriter, r *http.Request) {
	identifier := r.URL.Query().Get("identifier")
	if identifier == "" {
		writeError(w, fgerr.Validationf("MissingParameter", "missing query parameter \"identifier\""))
		return
	}
	writeJSON(w, http.StatusOK, h.engine.Status(identifier))
}
