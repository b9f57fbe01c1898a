// AWS S3 bucket backend for FileGate.
//
// Objects are stored in one upstream S3 bucket under an optional key prefix:
//
//	{prefix}{bucket_name}/{content_id}
//
// Credentials are resolved via the standard AWS credential chain (env vars,
// ~/.aws/credentials, IAM role, etc.), with optional static overrides.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	signerv4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	fgerr "github.com/filegate/filegate/internal/errors"
)

// defaultPresignExpiry bounds S3 presigned URL lifetime when the caller does
// not specify one.
const defaultPresignExpiry = 15 * time.Minute

// S3API defines the subset of the AWS S3 client used by the bucket backend.
// This allows mocking in tests.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Presigner defines the presigning subset used for direct access URLs.
type S3Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*signerv4.PresignedHTTPRequest, error)
}

// S3BucketBackend implements the Bucket contract against one upstream Amazon
// S3 bucket. All FileGate buckets of an s3 provider share the upstream bucket,
// namespaced by key prefix.
type S3BucketBackend struct {
	// Upstream is the upstream S3 bucket name.
	Upstream string
	// Prefix is the key prefix for this FileGate bucket's objects.
	Prefix string

	client  S3API
	presign S3Presigner
}

// NewS3BucketBackend creates an S3 bucket backend with the given clients.
// Used directly by tests; production code goes through NewS3Provider.
func NewS3BucketBackend(upstream, prefix string, client S3API, presign S3Presigner) *S3BucketBackend {
	return &S3BucketBackend{Upstream: upstream, Prefix: prefix, client: client, presign: presign}
}

// NewS3Provider constructs a Provider backed by one upstream S3 bucket.
// Params: "bucket" (required), "region" (required), "prefix", "endpoint",
// "path_style", "access_key_id", "secret_access_key".
func NewS3Provider(ctx context.Context, spec ProviderSpec) (Provider, error) {
	upstream := spec.Params["bucket"]
	region := spec.Params["region"]
	if upstream == "" || region == "" {
		return nil, fgerr.Validationf("MissingParam", "s3 provider %q requires bucket and region params", spec.ID)
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	if ak, sk := spec.Params["access_key_id"], spec.Params["secret_access_key"]; ak != "" && sk != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(ak, sk, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if ep := spec.Params["endpoint"]; ep != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.BaseEndpoint = aws.String(ep) })
	}
	if spec.Params["path_style"] == "true" {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.UsePathStyle = true })
	}

	client := s3.NewFromConfig(cfg, s3Opts...)
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(upstream)}); err != nil {
		return nil, fmt.Errorf("cannot access upstream S3 bucket %q: %w", upstream, err)
	}
	presign := s3.NewPresignClient(client)

	slog.Info("s3 provider initialized", "provider", spec.ID, "bucket", upstream, "region", region)

	base := spec.Params["prefix"]
	open := func(name string) (Bucket, error) {
		return NewS3BucketBackend(upstream, base+name+"/", client, presign), nil
	}
	return newProvider(spec, open, nil), nil
}

// key maps a content id to the upstream S3 key.
func (b *S3BucketBackend) key(id string) string {
	return b.Prefix + id
}

// s3Writer streams bytes to S3 through a pipe; PutObject runs in a goroutine
// for the lifetime of the write.
type s3Writer struct {
	pw       *io.PipeWriter
	done     chan error
	finished bool
}

func (w *s3Writer) Write(p []byte) (int, error) { return w.pw.Write(p) }

// Close finishes the pipe and waits for PutObject to complete. The object is
// durable only once Close returns nil.
func (w *s3Writer) Close() error {
	if w.finished {
		return nil
	}
	w.finished = true
	w.pw.Close()
	if err := <-w.done; err != nil {
		return fgerr.Backend("put", err)
	}
	return nil
}

// Abort fails the pipe so the in-flight PutObject errors out; S3 never
// materializes a partially-sent object.
func (w *s3Writer) Abort() error {
	if w.finished {
		return nil
	}
	w.finished = true
	w.pw.CloseWithError(fgerr.ErrUploadAborted)
	<-w.done
	return nil
}

// NewWriter opens a streaming write sink backed by PutObject.
func (b *S3BucketBackend) NewWriter(ctx context.Context, id string, opts PutOptions) (io.WriteCloser, error) {
	pr, pw := io.Pipe()
	w := &s3Writer{pw: pw, done: make(chan error, 1)}

	input := &s3.PutObjectInput{
		Bucket: aws.String(b.Upstream),
		Key:    aws.String(b.key(id)),
		Body:   pr,
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if opts.Filename != "" {
		input.ContentDisposition = aws.String(fmt.Sprintf("attachment; filename=%q", opts.Filename))
	}

	go func() {
		_, err := b.client.PutObject(ctx, input)
		if err != nil {
			pr.CloseWithError(err)
		}
		w.done <- err
	}()
	return w, nil
}

// NewReader opens the object via GetObject.
func (b *S3BucketBackend) NewReader(ctx context.Context, id string) (io.ReadCloser, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.Upstream),
		Key:    aws.String(b.key(id)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fgerr.ErrContentNotFound.WithMessagef("content %q does not exist", id)
		}
		return nil, fgerr.Backend("get", err)
	}
	return out.Body, nil
}

// Delete removes the object. S3 DeleteObject is already idempotent.
func (b *S3BucketBackend) Delete(ctx context.Context, id string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.Upstream),
		Key:    aws.String(b.key(id)),
	})
	if err != nil && !isS3NotFound(err) {
		return fgerr.Backend("delete", err)
	}
	return nil
}

// URL mints a presigned GET URL with optional response header overrides.
func (b *S3BucketBackend) URL(ctx context.Context, id string, opts URLOptions) (string, error) {
	expires := opts.Expires
	if expires <= 0 {
		expires = defaultPresignExpiry
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(b.Upstream),
		Key:    aws.String(b.key(id)),
	}
	if opts.Filename != "" {
		input.ResponseContentDisposition = aws.String(fmt.Sprintf("attachment; filename=%q", opts.Filename))
	}
	if opts.ContentType != "" {
		input.ResponseContentType = aws.String(opts.ContentType)
	}

	req, err := b.presign.PresignGetObject(ctx, input, func(po *s3.PresignOptions) {
		po.Expires = expires
	})
	if err != nil {
		return "", fgerr.Backend("presign", err)
	}
	return req.URL, nil
}

// Truncate deletes every object under the bucket prefix in batches.
func (b *S3BucketBackend) Truncate(ctx context.Context) (int, error) {
	deleted := 0
	var token *string

	for {
		out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.Upstream),
			Prefix:            aws.String(b.Prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return deleted, fgerr.Backend("list", err)
		}
		if len(out.Contents) == 0 {
			return deleted, nil
		}

		ids := make([]types.ObjectIdentifier, 0, len(out.Contents))
		for _, obj := range out.Contents {
			ids = append(ids, types.ObjectIdentifier{Key: obj.Key})
		}
		if _, err := b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(b.Upstream),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		}); err != nil {
			return deleted, fgerr.Backend("delete", err)
		}
		deleted += len(ids)

		if out.IsTruncated == nil || !*out.IsTruncated {
			return deleted, nil
		}
		token = out.NextContinuationToken
	}
}

// Native reports that S3 objects require redirection to the backend.
func (b *S3BucketBackend) Native() bool { return false }

// isS3NotFound checks whether an AWS error is a 404/NoSuchKey/NotFound error.
func isS3NotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404":
			return true
		}
	}
	return false
}
