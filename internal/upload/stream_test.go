package upload

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"testing"
	"time"

	fgerr "github.com/filegate/filegate/internal/errors"
)

// recordSink is a write sink that records bytes and lifecycle calls.
type recordSink struct {
	data     []byte
	closed   bool
	aborted  bool
	writeErr error
	closeErr error
}

func (s *recordSink) Write(p []byte) (int, error) {
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	s.data = append(s.data, p...)
	return len(p), nil
}

func (s *recordSink) Close() error {
	s.closed = true
	return s.closeErr
}

func (s *recordSink) Abort() error {
	s.aborted = true
	return nil
}

func waitResult(t *testing.T, s *Stream) Result {
	t.Helper()
	select {
	case res := <-s.Done():
		return res
	case <-time.After(time.Second):
		t.Fatal("no terminal result within 1s")
		return Result{}
	}
}

func TestStreamHashesWhileForwarding(t *testing.T) {
	sink := &recordSink{}
	s := NewStream("content-1", sink, Options{Filename: "a.txt", ContentType: "text/plain"})

	payload := []byte("the quick brown fox")
	if _, err := s.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	res := waitResult(t, s)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}

	sum := md5.Sum(payload)
	want := hex.EncodeToString(sum[:])
	if res.Info.MD5 != want {
		t.Errorf("md5 = %q, want %q", res.Info.MD5, want)
	}
	if res.Info.Size != int64(len(payload)) {
		t.Errorf("size = %d, want %d", res.Info.Size, len(payload))
	}
	if res.Info.Status != StatusOK {
		t.Errorf("status = %q, want %q", res.Info.Status, StatusOK)
	}
	if string(sink.data) != string(payload) {
		t.Error("sink did not receive the payload")
	}
	if !sink.closed {
		t.Error("sink must be closed")
	}
}

func TestStreamEmptyPayloadMD5(t *testing.T) {
	sink := &recordSink{}
	s := NewStream("content-1", sink, Options{})

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	res := waitResult(t, s)
	if res.Info.MD5 != "d41d8cd98f00b204e9800998ecf8427e" {
		t.Errorf("empty md5 = %q", res.Info.MD5)
	}
	if res.Info.Size != 0 {
		t.Errorf("size = %d, want 0", res.Info.Size)
	}
}

func TestStreamSkipPath(t *testing.T) {
	s := NewStream("existing-store", nil, Options{
		Filename:    "dup.bin",
		ContentType: "application/octet-stream",
		KnownMD5:    "aabbcc",
		KnownSize:   42,
	})

	if !s.Skipped() {
		t.Fatal("expected skip path")
	}

	// Terminal immediately, without Close.
	res := waitResult(t, s)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Info.Status != StatusSkipped {
		t.Errorf("status = %q, want %q", res.Info.Status, StatusSkipped)
	}
	if res.Info.ID != "existing-store" || res.Info.MD5 != "aabbcc" || res.Info.Size != 42 {
		t.Errorf("skip payload %+v does not echo the known store", res.Info)
	}
}

func TestStreamSinkWriteErrorIsTerminal(t *testing.T) {
	sinkErr := errors.New("disk full")
	sink := &recordSink{writeErr: sinkErr}
	s := NewStream("content-1", sink, Options{})

	if _, err := s.Write([]byte("x")); !errors.Is(err, sinkErr) {
		t.Fatalf("expected sink error, got %v", err)
	}

	res := waitResult(t, s)
	if res.Err == nil {
		t.Fatal("expected terminal error")
	}

	// Later writes are rejected; no second result is emitted.
	if _, err := s.Write([]byte("y")); err == nil {
		t.Error("expected write after failure to be rejected")
	}
	select {
	case extra := <-s.Done():
		t.Errorf("unexpected second result: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStreamCloseErrorIsTerminal(t *testing.T) {
	sink := &recordSink{closeErr: errors.New("flush failed")}
	s := NewStream("content-1", sink, Options{})

	s.Write([]byte("x"))
	if err := s.Close(); err == nil {
		t.Fatal("expected close error")
	}
	res := waitResult(t, s)
	if res.Err == nil {
		t.Fatal("expected terminal error")
	}
}

func TestStreamAbortDiscardsViaAborter(t *testing.T) {
	sink := &recordSink{}
	s := NewStream("content-1", sink, Options{})

	s.Write([]byte("partial"))
	s.Abort()

	if !sink.aborted {
		t.Error("expected sink.Abort to be called")
	}
	if sink.closed {
		t.Error("Abort must not Close an aborting sink")
	}

	res := waitResult(t, s)
	if !errors.Is(res.Err, fgerr.ErrUploadAborted) {
		t.Errorf("expected ErrUploadAborted, got %v", res.Err)
	}

	if _, err := s.Write([]byte("more")); err != io.ErrClosedPipe {
		t.Errorf("expected ErrClosedPipe after abort, got %v", err)
	}
}

func TestStreamExactlyOneTerminalResult(t *testing.T) {
	sink := &recordSink{}
	s := NewStream("content-1", sink, Options{})

	s.Write([]byte("x"))
	s.Close()
	s.Close()
	s.Abort()

	waitResult(t, s)
	select {
	case extra := <-s.Done():
		t.Errorf("unexpected second result: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStreamAbortAfterCloseIsNoOp(t *testing.T) {
	sink := &recordSink{}
	s := NewStream("content-1", sink, Options{})

	s.Write([]byte("x"))
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	s.Abort()
	if sink.aborted {
		t.Error("abort after completion must not reach the sink")
	}

	res := waitResult(t, s)
	if res.Err != nil {
		t.Errorf("completed stream must keep its ok result, got %v", res.Err)
	}
}
