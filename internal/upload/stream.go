// Package upload implements the pass-through hashing stream inserted between
// a caller's source bytes and a bucket's write sink.
//
// The stream presents one uniform completion contract whether or not bytes
// are physically written: Done yields exactly one terminal Result. Callers
// must treat a file as durably stored only after receiving that result —
// a backend sink may complete asynchronously after local EOF, so the byte
// stream merely closing is not enough.
package upload

import (
	"crypto/md5"
	"encoding/hex"
	"hash"
	"io"
	"sync"
	"time"

	fgerr "github.com/filegate/filegate/internal/errors"
	"github.com/filegate/filegate/internal/storage"
)

// Status is the terminal state of an upload stream.
type Status string

const (
	// StatusOK marks a completed physical write.
	StatusOK Status = "ok"
	// StatusSkipped marks a dedup fast-path completion with no physical write.
	StatusSkipped Status = "skipped"
)

// Info is the upload completion payload. Size and MD5 come from the stream's
// own accumulators on the normal path, and from the pre-existing file store
// record on the skip path — caller-supplied values are never trusted for a
// physical write.
type Info struct {
	ID           string            `json:"id"`
	Filename     string            `json:"filename"`
	ContentType  string            `json:"contentType"`
	Size         int64             `json:"size"`
	MD5          string            `json:"md5"`
	Status       Status            `json:"status"`
	DateStarted  time.Time         `json:"dateStarted"`
	DateUploaded time.Time         `json:"dateUploaded"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Result is the single terminal value of a stream: a completed Info or an
// error, never both.
type Result struct {
	Info Info
	Err  error
}

// Options configures a new stream.
type Options struct {
	// Filename and ContentType are carried through to the completion payload.
	Filename    string
	ContentType string
	// KnownMD5 and KnownSize seed the skip-path payload when no sink is
	// given. Ignored on the normal path.
	KnownMD5  string
	KnownSize int64
	// Metadata is opaque caller data echoed in the completion payload.
	Metadata map[string]string
}

// Stream is a write sink that forwards bytes to a backend sink while
// incrementally hashing and counting them. It never buffers the payload.
// A nil sink selects the dedup fast path: the stream is terminal immediately
// with StatusSkipped and the known size/md5.
//
// Write and Close are not safe for concurrent use with each other; Done and
// Abort may be called from any goroutine.
type Stream struct {
	id   string
	sink io.WriteCloser
	opts Options

	hash    hash.Hash
	size    int64
	started time.Time

	done     chan Result
	finish   sync.Once
	mu       sync.Mutex
	terminal bool
}

// NewStream creates a stream for the given content id. A nil sink signals
// "skip physical write": the returned stream has already completed with
// StatusSkipped when NewStream returns.
func NewStream(id string, sink io.WriteCloser, opts Options) *Stream {
	s := &Stream{
		id:      id,
		sink:    sink,
		opts:    opts,
		hash:    md5.New(),
		started: time.Now().UTC(),
		done:    make(chan Result, 1),
	}

	if sink == nil {
		s.complete(Info{
			ID:           id,
			Filename:     opts.Filename,
			ContentType:  opts.ContentType,
			Size:         opts.KnownSize,
			MD5:          opts.KnownMD5,
			Status:       StatusSkipped,
			DateStarted:  s.started,
			DateUploaded: time.Now().UTC(),
			Metadata:     opts.Metadata,
		})
	}
	return s
}

// ID returns the content id the stream writes under.
func (s *Stream) ID() string { return s.id }

// Skipped reports whether the stream took the dedup fast path. A skipped
// stream accepts no writes.
func (s *Stream) Skipped() bool { return s.sink == nil }

// Done returns the channel carrying the stream's single terminal result.
func (s *Stream) Done() <-chan Result { return s.done }

// Write forwards p to the backend sink and folds it into the hash and byte
// counter. Any sink error is terminal: the stream fails and later writes are
// rejected.
func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	s.mu.Unlock()

	n, err := s.sink.Write(p)
	if n > 0 {
		s.hash.Write(p[:n])
		s.size += int64(n)
	}
	if err != nil {
		s.fail(fgerr.Backend("write", err))
		return n, err
	}
	return n, nil
}

// Close finishes the stream: the sink is closed (which may block until the
// backend acknowledges durability) and the terminal result is emitted with
// the accumulated size and md5.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.sink.Close(); err != nil {
		s.fail(fgerr.Backend("close", err))
		return err
	}

	s.complete(Info{
		ID:           s.id,
		Filename:     s.opts.Filename,
		ContentType:  s.opts.ContentType,
		Size:         s.size,
		MD5:          hex.EncodeToString(s.hash.Sum(nil)),
		Status:       StatusOK,
		DateStarted:  s.started,
		DateUploaded: time.Now().UTC(),
		Metadata:     s.opts.Metadata,
	})
	return nil
}

// Abort cancels the stream before completion. The partial backend write is
// discarded when the sink supports it, and the terminal result carries
// ErrUploadAborted so no file records are created downstream.
func (s *Stream) Abort() {
	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if s.sink != nil {
		if a, ok := s.sink.(storage.Aborter); ok {
			a.Abort()
		} else {
			s.sink.Close()
		}
	}
	s.fail(fgerr.ErrUploadAborted)
}

// complete emits the sole terminal result.
func (s *Stream) complete(info Info) {
	s.finish.Do(func() {
		s.mu.Lock()
		s.terminal = true
		s.mu.Unlock()
		s.done <- Result{Info: info}
	})
}

// fail emits the sole terminal error.
func (s *Stream) fail(err error) {
	s.finish.Do(func() {
		s.mu.Lock()
		s.terminal = true
		s.mu.Unlock()
		s.done <- Result{Err: err}
	})
}
