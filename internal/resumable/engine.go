// Package resumable reassembles one logical upload from independently
// delivered, possibly out-of-order, possibly retried byte-range chunks, then
// hands the reconstructed stream to the namespace upload path.
//
// Sessions are transient: they live in memory, keyed by a client-supplied
// UUID identifier, and are garbage-collected on inactivity regardless of
// completion.
package resumable

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	fgerr "github.com/filegate/filegate/internal/errors"
	"github.com/filegate/filegate/internal/metadata"
	"github.com/filegate/filegate/internal/metrics"
	"github.com/filegate/filegate/internal/namespace"
	"github.com/filegate/filegate/internal/uid"
	"github.com/filegate/filegate/internal/upload"
)

// Config holds the engine's tunables.
type Config struct {
	// MaxTotalSize caps the declared total upload size. Larger uploads are
	// rejected, never truncated.
	MaxTotalSize int64
	// Dir is the directory for per-chunk temporary files.
	Dir string
	// SessionTTL is the inactivity timeout after which a session is reaped.
	SessionTTL time.Duration
	// SweepInterval is how often the GC sweep runs.
	SweepInterval time.Duration
}

// ChunkParams are the validated parameters accompanying every chunk request.
type ChunkParams struct {
	ChunkNumber int
	ChunkSize   int64
	TotalSize   int64
	Identifier  string
	Filename    string
	TotalChunks int
	// CurrentChunkSize is the caller-reported size of this chunk's bytes;
	// zero means unreported.
	CurrentChunkSize int64
	// ContentType is carried through to the final upload.
	ContentType string
}

// Validate checks the chunk arithmetic. Violations are rejected with a
// validation error, never silently coerced.
func (p ChunkParams) Validate(maxTotalSize int64) error {
	if !uid.IsUUID(p.Identifier) {
		return fgerr.Validationf("InvalidIdentifier", "identifier %q is not a UUID", p.Identifier)
	}
	if p.ChunkSize <= 0 || p.TotalSize <= 0 || p.TotalChunks <= 0 {
		return fgerr.Validationf("InvalidChunkParams", "chunkSize, totalSize and totalChunks must be positive")
	}
	if maxTotalSize > 0 && p.TotalSize > maxTotalSize {
		return fgerr.ErrEntityTooLarge.WithMessagef(
			"totalSize %d exceeds the maximum of %d bytes", p.TotalSize, maxTotalSize)
	}

	expectChunks := int(p.TotalSize / p.ChunkSize)
	if expectChunks < 1 {
		expectChunks = 1
	}
	if p.TotalChunks != expectChunks {
		return fgerr.Validationf("InvalidTotalChunks",
			"totalChunks %d does not match totalSize %d / chunkSize %d (want %d)",
			p.TotalChunks, p.TotalSize, p.ChunkSize, expectChunks)
	}
	if p.ChunkNumber < 1 || p.ChunkNumber > p.TotalChunks {
		return fgerr.Validationf("InvalidChunkNumber",
			"chunkNumber %d is outside [1, %d]", p.ChunkNumber, p.TotalChunks)
	}

	if p.CurrentChunkSize > 0 {
		want := p.ChunkSize
		if p.TotalChunks == 1 {
			want = p.TotalSize
		} else if p.ChunkNumber == p.TotalChunks {
			want = p.TotalSize - p.ChunkSize*int64(p.TotalChunks-1)
		}
		if p.CurrentChunkSize != want {
			return fgerr.Validationf("InvalidChunkSize",
				"chunk %d reports %d bytes, want %d", p.ChunkNumber, p.CurrentChunkSize, want)
		}
	}
	return nil
}

// session is the transient per-identifier reassembly state.
type session struct {
	identifier  string
	namespace   string
	filename    string
	contentType string
	totalSize   int64
	chunkSize   int64
	totalChunks int

	received      []bool
	receivedCount int
	assembling    bool

	createdAt   time.Time
	lastUpdated time.Time
}

func (s *session) complete() bool { return s.receivedCount == s.totalChunks }

// statusSnapshot copies the per-chunk flags for reporting.
func (s *session) statusSnapshot() []bool {
	out := make([]bool, len(s.received))
	copy(out, s.received)
	return out
}

// Status is the engine's answer to a chunk write or status query.
type Status struct {
	// Uploaded is true once the reconstructed upload has been handed off
	// and acknowledged by the namespace layer.
	Uploaded bool `json:"uploaded"`
	// Resumable lists per-chunk received flags while the session is open.
	Resumable []bool `json:"resumable,omitempty"`
	// Info is the upload completion payload, present once Uploaded.
	Info *upload.Info `json:"info,omitempty"`
	// File is the created file record, present once Uploaded.
	File *metadata.FileRecord `json:"file,omitempty"`
}

// Engine accepts chunks, tracks per-identifier sessions, and hands completed
// uploads to the namespace service.
type Engine struct {
	cfg    Config
	ns     *namespace.Service
	chunks *chunkStore
	log    *slog.Logger

	mu        sync.Mutex
	sessions  map[string]*session
	completed map[string]completedEntry
}

// completedEntry keeps a finished upload's payload answerable by identifier
// until the GC sweep evicts it.
type completedEntry struct {
	status Status
	at     time.Time
}

// NewEngine creates the engine and its chunk directory.
func NewEngine(cfg Config, ns *namespace.Service) (*Engine, error) {
	chunks, err := newChunkStore(cfg.Dir)
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:       cfg,
		ns:        ns,
		chunks:    chunks,
		log:       slog.Default(),
		sessions:  make(map[string]*session),
		completed: make(map[string]completedEntry),
	}, nil
}

// WriteChunk validates and persists one chunk. While the session is
// incomplete the returned status carries the per-chunk flags; the request
// that delivers the final missing chunk blocks until the reconstructed
// stream has been handed off to the namespace layer and acknowledged.
//
// Re-delivering an already-received chunk overwrites its bytes and leaves
// completion state unaffected.
func (e *Engine) WriteChunk(ctx context.Context, ns string, p ChunkParams, r io.Reader) (*Status, error) {
	if err := p.Validate(e.cfg.MaxTotalSize); err != nil {
		return nil, err
	}

	s, err := e.getOrCreateSession(ns, p)
	if err != nil {
		return nil, err
	}

	// Chunk bytes land outside the lock so writes for other identifiers
	// are never blocked.
	if _, err := e.chunks.write(p.Identifier, p.ChunkNumber, r); err != nil {
		return nil, fgerr.Backend("chunk write", err)
	}
	metrics.ResumableChunksTotal.Inc()

	e.mu.Lock()
	if !s.received[p.ChunkNumber-1] {
		s.received[p.ChunkNumber-1] = true
		s.receivedCount++
	}
	s.lastUpdated = time.Now()
	finish := s.complete() && !s.assembling
	if finish {
		s.assembling = true
	}
	snapshot := s.statusSnapshot()
	e.mu.Unlock()

	if !finish {
		return &Status{Resumable: snapshot}, nil
	}
	return e.assemble(ctx, s)
}

// getOrCreateSession returns the identifier's session, allocating the chunk
// status array on first contact. Parameters must match across chunks of one
// identifier.
func (e *Engine) getOrCreateSession(ns string, p ChunkParams) (*session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if s, ok := e.sessions[p.Identifier]; ok {
		if s.totalChunks != p.TotalChunks || s.totalSize != p.TotalSize || s.chunkSize != p.ChunkSize {
			return nil, fgerr.Validationf("SessionMismatch",
				"chunk parameters do not match the existing session for %q", p.Identifier)
		}
		return s, nil
	}

	now := time.Now()
	s := &session{
		identifier:  p.Identifier,
		namespace:   ns,
		filename:    p.Filename,
		contentType: p.ContentType,
		totalSize:   p.TotalSize,
		chunkSize:   p.ChunkSize,
		totalChunks: p.TotalChunks,
		received:    make([]bool, p.TotalChunks),
		createdAt:   now,
		lastUpdated: now,
	}
	e.sessions[p.Identifier] = s
	metrics.ResumableSessionsActive.Inc()
	return s, nil
}

// assemble concatenates the chunks in order, feeds them through the normal
// namespace upload path, and discards the session and its temp files once
// the namespace acknowledges completion.
func (e *Engine) assemble(ctx context.Context, s *session) (*Status, error) {
	r := e.chunks.reader(s.identifier, s.totalChunks)
	defer r.Close()

	res, err := e.ns.Upload(ctx, s.namespace, r, namespace.UploadOptions{
		Filename:    s.filename,
		ContentType: s.contentType,
	})
	if err != nil {
		// The chunks are intact; the caller may retry the final chunk.
		e.mu.Lock()
		s.assembling = false
		e.mu.Unlock()
		return nil, err
	}

	status := Status{Uploaded: true, Info: &res.Info, File: res.File}

	e.mu.Lock()
	delete(e.sessions, s.identifier)
	e.completed[s.identifier] = completedEntry{status: status, at: time.Now()}
	e.mu.Unlock()
	metrics.ResumableSessionsActive.Dec()

	if err := e.chunks.remove(s.identifier); err != nil {
		e.log.Warn("removing chunk files failed", "identifier", s.identifier, "error", err)
	}
	return &status, nil
}

// Status answers a no-byte status query purely from in-memory state.
// Unknown identifiers report not-uploaded rather than an error, so a client
// can probe before sending its first chunk.
func (e *Engine) Status(identifier string) *Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	if entry, ok := e.completed[identifier]; ok {
		st := entry.status
		return &st
	}
	if s, ok := e.sessions[identifier]; ok {
		return &Status{Resumable: s.statusSnapshot()}
	}
	return &Status{}
}

// Run executes the GC sweep on the configured interval until ctx is
// canceled. Sessions idle longer than the TTL lose their temp files and
// session entries, independent of completion state.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Sweep(time.Now())
		}
	}
}

// Sweep evicts sessions and completed entries idle since before
// now - SessionTTL. Exported for tests and for the startup reap of chunk
// directories orphaned by a previous crash.
func (e *Engine) Sweep(now time.Time) int {
	cutoff := now.Add(-e.cfg.SessionTTL)

	e.mu.Lock()
	var stale []string
	for id, s := range e.sessions {
		if !s.assembling && s.lastUpdated.Before(cutoff) {
			stale = append(stale, id)
			delete(e.sessions, id)
		}
	}
	for id, entry := range e.completed {
		if entry.at.Before(cutoff) {
			delete(e.completed, id)
		}
	}
	e.mu.Unlock()

	for _, id := range stale {
		if err := e.chunks.remove(id); err != nil {
			e.log.Warn("reaping chunk files failed", "identifier", id, "error", err)
		}
		metrics.ResumableSessionsActive.Dec()
		metrics.ResumableSessionsReaped.Inc()
		e.log.Info("reaped stale resumable session", "identifier", id)
	}
	return len(stale)
}
