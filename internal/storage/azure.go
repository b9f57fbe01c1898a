// Azure Blob Storage bucket backend for FileGate.
//
// Objects are stored in one upstream Azure container under an optional key
// prefix:
//
//	{prefix}{bucket_name}/{content_id}
//
// Credentials are resolved via a connection string param when present,
// otherwise DefaultAzureCredential (env vars, managed identity, Azure CLI).
// SAS minting is not implemented, so direct access URLs are unsupported and
// Azure-backed objects are always streamed through the gateway.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	fgerr "github.com/filegate/filegate/internal/errors"
)

// AzureBlobAPI defines the subset of the Azure Blob client used by the bucket
// backend. This allows mocking in tests.
type AzureBlobAPI interface {
	// Upload streams data to a block blob, overwriting if it already exists.
	Upload(ctx context.Context, blobName string, r io.Reader, contentType, contentDisposition string) error
	// Download opens a blob's content stream.
	Download(ctx context.Context, blobName string) (io.ReadCloser, error)
	// Delete deletes a blob.
	Delete(ctx context.Context, blobName string) error
	// List returns the names of all blobs with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// realAzureClient wraps the official Azure SDK client for one container to
// satisfy AzureBlobAPI.
type realAzureClient struct {
	client    *azblob.Client
	container string
}

// newRealAzureClient creates an Azure Blob client. A non-empty connection
// string wins; otherwise DefaultAzureCredential is used against accountURL.
func newRealAzureClient(accountURL, connectionString, container string) (*realAzureClient, error) {
	if connectionString != "" {
		client, err := azblob.NewClientFromConnectionString(connectionString, nil)
		if err != nil {
			return nil, fmt.Errorf("creating Azure Blob client from connection string: %w", err)
		}
		return &realAzureClient{client: client, container: container}, nil
	}

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure credential: %w", err)
	}
	client, err := azblob.NewClient(accountURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure Blob client: %w", err)
	}
	return &realAzureClient{client: client, container: container}, nil
}

func (c *realAzureClient) Upload(ctx context.Context, blobName string, r io.Reader, contentType, contentDisposition string) error {
	headers := &blob.HTTPHeaders{}
	if contentType != "" {
		headers.BlobContentType = &contentType
	}
	if contentDisposition != "" {
		headers.BlobContentDisposition = &contentDisposition
	}
	_, err := c.client.UploadStream(ctx, c.container, blobName, r, &azblob.UploadStreamOptions{
		HTTPHeaders: headers,
	})
	return err
}

func (c *realAzureClient) Download(ctx context.Context, blobName string) (io.ReadCloser, error) {
	resp, err := c.client.DownloadStream(ctx, c.container, blobName, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *realAzureClient) Delete(ctx context.Context, blobName string) error {
	_, err := c.client.DeleteBlob(ctx, c.container, blobName, nil)
	return err
}

func (c *realAzureClient) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	pager := c.client.NewListBlobsFlatPager(c.container, &azblob.ListBlobsFlatOptions{Prefix: &prefix})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				names = append(names, *item.Name)
			}
		}
	}
	return names, nil
}

// AzureBucketBackend implements the Bucket contract against one upstream
// Azure Blob container, namespaced by key prefix.
type AzureBucketBackend struct {
	// Prefix is the key prefix for this FileGate bucket's blobs.
	Prefix string

	client AzureBlobAPI
}

// NewAzureBucketBackend creates an Azure bucket backend with the given client.
// Used directly by tests; production code goes through NewAzureProvider.
func NewAzureBucketBackend(prefix string, client AzureBlobAPI) *AzureBucketBackend {
	return &AzureBucketBackend{Prefix: prefix, client: client}
}

// NewAzureProvider constructs a Provider backed by one upstream Azure Blob
// container. Params: "container" (required), "account_url" or
// "connection_string" (one required), "prefix".
func NewAzureProvider(_ context.Context, spec ProviderSpec) (Provider, error) {
	container := spec.Params["container"]
	accountURL := spec.Params["account_url"]
	connStr := spec.Params["connection_string"]
	if container == "" || (accountURL == "" && connStr == "") {
		return nil, fgerr.Validationf("MissingParam",
			"azure provider %q requires container and account_url or connection_string params", spec.ID)
	}

	client, err := newRealAzureClient(accountURL, connStr, container)
	if err != nil {
		return nil, err
	}

	slog.Info("azure provider initialized", "provider", spec.ID, "container", container)

	base := spec.Params["prefix"]
	open := func(name string) (Bucket, error) {
		return NewAzureBucketBackend(base+name+"/", client), nil
	}
	return newProvider(spec, open, nil), nil
}

func (b *AzureBucketBackend) key(id string) string {
	return b.Prefix + id
}

// azureWriter streams bytes to Azure through a pipe; Upload runs in a
// goroutine for the lifetime of the write.
type azureWriter struct {
	pw       *io.PipeWriter
	done     chan error
	finished bool
}

func (w *azureWriter) Write(p []byte) (int, error) { return w.pw.Write(p) }

func (w *azureWriter) Close() error {
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

func (w *azureWriter) Abort() error {
	if w.finished {
		return nil
	}
	w.finished = true
	w.pw.CloseWithError(fgerr.ErrUploadAborted)
	<-w.done
	return nil
}

// NewWriter opens a streaming write sink backed by UploadStream.
func (b *AzureBucketBackend) NewWriter(ctx context.Context, id string, opts PutOptions) (io.WriteCloser, error) {
	pr, pw := io.Pipe()
	w := &azureWriter{pw: pw, done: make(chan error, 1)}

	var disposition string
	if opts.Filename != "" {
		disposition = fmt.Sprintf("attachment; filename=%q", opts.Filename)
	}

	go func() {
		err := b.client.Upload(ctx, b.key(id), pr, opts.ContentType, disposition)
		if err != nil {
			pr.CloseWithError(err)
		}
		w.done <- err
	}()
	return w, nil
}

// NewReader opens the blob's content stream.
func (b *AzureBucketBackend) NewReader(ctx context.Context, id string) (io.ReadCloser, error) {
	r, err := b.client.Download(ctx, b.key(id))
	if err != nil {
		if isAzureNotFound(err) {
			return nil, fgerr.ErrContentNotFound.WithMessagef("content %q does not exist", id)
		}
		return nil, fgerr.Backend("get", err)
	}
	return r, nil
}

// Delete removes the blob. Idempotent.
func (b *AzureBucketBackend) Delete(ctx context.Context, id string) error {
	err := b.client.Delete(ctx, b.key(id))
	if err != nil && !isAzureNotFound(err) {
		return fgerr.Backend("delete", err)
	}
	return nil
}

// URL is unsupported: SAS minting is out of scope for this backend.
func (b *AzureBucketBackend) URL(ctx context.Context, id string, opts URLOptions) (string, error) {
	return "", fgerr.ErrURLUnsupported
}

// Truncate deletes every blob under the bucket prefix.
func (b *AzureBucketBackend) Truncate(ctx context.Context) (int, error) {
	names, err := b.client.List(ctx, b.Prefix)
	if err != nil {
		return 0, fgerr.Backend("list", err)
	}

	deleted := 0
	for _, name := range names {
		if err := b.client.Delete(ctx, name); err != nil && !isAzureNotFound(err) {
			return deleted, fgerr.Backend("delete", err)
		}
		deleted++
	}
	return deleted, nil
}

// Native reports that Azure blobs require streaming through the gateway.
func (b *AzureBucketBackend) Native() bool { return false }

// isAzureNotFound checks whether an Azure error is a 404 response.
func isAzureNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == 404
}
