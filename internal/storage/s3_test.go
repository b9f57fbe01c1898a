package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	signerv4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	fgerr "github.com/filegate/filegate/internal/errors"
)

// mockS3Client implements S3API for unit testing.
type mockS3Client struct {
	// objects stores all objects keyed by their S3 key.
	objects map[string][]byte
	// putObjectCalls tracks the number of PutObject calls for verification.
	putObjectCalls int
	// deleteObjectCalls tracks the number of DeleteObject calls.
	deleteObjectCalls int
}

func newMockS3Client() *mockS3Client {
	return &mockS3Client{objects: make(map[string][]byte)}
}

func (m *mockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.putObjectCalls++
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	m.objects[aws.ToString(params.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := m.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &mockAPIError{code: "NoSuchKey", message: "The specified key does not exist.", httpStatus: 404}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func (m *mockS3Client) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.deleteObjectCalls++
	delete(m.objects, aws.ToString(params.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (m *mockS3Client) DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	for _, obj := range params.Delete.Objects {
		delete(m.objects, aws.ToString(obj.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func (m *mockS3Client) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	prefix := aws.ToString(params.Prefix)
	var contents []types.Object
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			contents = append(contents, types.Object{Key: aws.String(key)})
		}
	}
	return &s3.ListObjectsV2Output{
		Contents:    contents,
		IsTruncated: aws.Bool(false),
	}, nil
}

func (m *mockS3Client) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, nil
}

// mockS3Presigner implements S3Presigner, recording the last input.
type mockS3Presigner struct {
	lastInput *s3.GetObjectInput
}

func (m *mockS3Presigner) PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*signerv4.PresignedHTTPRequest, error) {
	m.lastInput = params
	return &signerv4.PresignedHTTPRequest{
		URL: fmt.Sprintf("https://example.s3.amazonaws.com/%s?signed", aws.ToString(params.Key)),
	}, nil
}

// mockAPIError implements smithy.APIError for the mock client.
type mockAPIError struct {
	code       string
	message    string
	httpStatus int
}

func (e *mockAPIError) Error() string {
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *mockAPIError) ErrorCode() string {
	return e.code
}

func (e *mockAPIError) ErrorMessage() string {
	return e.message
}

func (e *mockAPIError) ErrorFault() smithy.ErrorFault {
	if e.httpStatus >= 500 {
		return smithy.FaultServer
	}
	return smithy.FaultClient
}

func newTestS3Bucket() (*S3BucketBackend, *mockS3Client, *mockS3Presigner) {
	client := newMockS3Client()
	presign := &mockS3Presigner{}
	return NewS3BucketBackend("upstream", "media/", client, presign), client, presign
}

func TestS3WriteReadRoundTrip(t *testing.T) {
	b, client, _ := newTestS3Bucket()
	ctx := context.Background()

	w, err := b.NewWriter(ctx, "abc123", PutOptions{ContentType: "text/plain"})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if _, err := w.Write([]byte("hello s3")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := client.objects["media/abc123"]; !bytes.Equal(got, []byte("hello s3")) {
		t.Errorf("stored %q under wrong key or content: %v", got, client.objects)
	}

	r, err := b.NewReader(ctx, "abc123")
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "hello s3" {
		t.Errorf("read %q", got)
	}
}

func TestS3WriterCloseIdempotent(t *testing.T) {
	b, client, _ := newTestS3Bucket()

	w, err := b.NewWriter(context.Background(), "abc123", PutOptions{})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	w.Write([]byte("x"))
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if client.putObjectCalls != 1 {
		t.Errorf("putObjectCalls = %d, want 1", client.putObjectCalls)
	}
}

func TestS3AbortDiscardsObject(t *testing.T) {
	b, client, _ := newTestS3Bucket()

	w, err := b.NewWriter(context.Background(), "abc123", PutOptions{})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	w.Write([]byte("partial"))
	if aborter, ok := w.(Aborter); ok {
		aborter.Abort()
	} else {
		t.Fatal("s3 writer does not implement Aborter")
	}

	if _, ok := client.objects["media/abc123"]; ok {
		t.Error("aborted write materialized an object")
	}
}

func TestS3ReaderNotFound(t *testing.T) {
	b, _, _ := newTestS3Bucket()

	_, err := b.NewReader(context.Background(), "missing")
	if !errors.Is(err, fgerr.ErrContentNotFound) {
		t.Errorf("err = %v, want ErrContentNotFound", err)
	}
}

func TestS3DeleteIdempotent(t *testing.T) {
	b, client, _ := newTestS3Bucket()
	ctx := context.Background()

	client.objects["media/abc123"] = []byte("x")
	if err := b.Delete(ctx, "abc123"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := b.Delete(ctx, "abc123"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if len(client.objects) != 0 {
		t.Errorf("objects = %v", client.objects)
	}
}

func TestS3URLPresigned(t *testing.T) {
	b, _, presign := newTestS3Bucket()

	url, err := b.URL(context.Background(), "abc123", URLOptions{Filename: "report.pdf", ContentType: "application/pdf"})
	if err != nil {
		t.Fatalf("URL: %v", err)
	}
	if !strings.Contains(url, "media/abc123") {
		t.Errorf("url = %q", url)
	}
	if got := aws.ToString(presign.lastInput.ResponseContentDisposition); !strings.Contains(got, "report.pdf") {
		t.Errorf("ResponseContentDisposition = %q", got)
	}
	if got := aws.ToString(presign.lastInput.ResponseContentType); got != "application/pdf" {
		t.Errorf("ResponseContentType = %q", got)
	}
}

func TestS3Truncate(t *testing.T) {
	b, client, _ := newTestS3Bucket()

	client.objects["media/one"] = []byte("1")
	client.objects["media/two"] = []byte("2")
	client.objects["other/three"] = []byte("3")

	n, err := b.Truncate(context.Background())
	if err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted %d objects, want 2", n)
	}
	if _, ok := client.objects["other/three"]; !ok {
		t.Error("truncate crossed the bucket prefix")
	}
}

func TestS3Native(t *testing.T) {
	b, _, _ := newTestS3Bucket()
	if b.Native() {
		t.Error("s3 backend must not be native")
	}
}
