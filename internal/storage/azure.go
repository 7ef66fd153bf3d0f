package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"

	"github.com/Azure/azure-storage-blob-go/azblob"
)

// AzureProvider stores payloads as block blobs in one container
type AzureProvider struct {
	container     azblob.ContainerURL
	containerName string
	prefix        string
}

// NewAzureProvider creates an AzureProvider using shared key credentials
func NewAzureProvider(config AzureConfig, prefix string) (*AzureProvider, error) {
	credential, err := azblob.NewSharedKeyCredential(config.AccountName, config.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credentials: %w", err)
	}

	pipeline := azblob.NewPipeline(credential, azblob.PipelineOptions{})

	serviceURL, err := url.Parse(fmt.Sprintf("https://%s.blob.core.windows.net", config.AccountName))
	if err != nil {
		return nil, fmt.Errorf("failed to parse Azure service URL: %w", err)
	}

	service := azblob.NewServiceURL(*serviceURL, pipeline)
	return &AzureProvider{
		container:     service.NewContainerURL(config.ContainerName),
		containerName: config.ContainerName,
		prefix:        prefix,
	}, nil
}

// Put uploads a payload as a block blob
func (ap *AzureProvider) Put(ctx context.Context, key string, data []byte, metadata map[string]string) error {
	blobName, err := joinKey(ap.prefix, key)
	if err != nil {
		return err
	}

	blobURL := ap.container.NewBlockBlobURL(blobName)
	_, err = azblob.UploadBufferToBlockBlob(ctx, data, blobURL, azblob.UploadToBlockBlobOptions{
		BlockSize:   4 * 1024 * 1024,
		Parallelism: 16,
		Metadata:    azblob.Metadata(metadata),
		BlobHTTPHeaders: azblob.BlobHTTPHeaders{
			ContentType: "application/octet-stream",
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload payload to azure://%s/%s: %w", ap.containerName, blobName, err)
	}
	return nil
}

// Get downloads a payload
func (ap *AzureProvider) Get(ctx context.Context, key string) ([]byte, error) {
	blobName, err := joinKey(ap.prefix, key)
	if err != nil {
		return nil, err
	}

	blobURL := ap.container.NewBlockBlobURL(blobName)
	response, err := blobURL.Download(ctx, 0, azblob.CountToEnd, azblob.BlobAccessConditions{}, false, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		if isAzureNotFound(err) {
			return nil, notFound(key, err)
		}
		return nil, fmt.Errorf("failed to download payload from azure://%s/%s: %w", ap.containerName, blobName, err)
	}

	body := response.Body(azblob.RetryReaderOptions{MaxRetryRequests: 20})
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read payload body: %w", err)
	}
	return data, nil
}

// Delete removes a payload and its snapshots
func (ap *AzureProvider) Delete(ctx context.Context, key string) error {
	blobName, err := joinKey(ap.prefix, key)
	if err != nil {
		return err
	}

	blobURL := ap.container.NewBlockBlobURL(blobName)
	if _, err := blobURL.Delete(ctx, azblob.DeleteSnapshotsOptionInclude, azblob.BlobAccessConditions{}); err != nil {
		if isAzureNotFound(err) {
			return notFound(key, err)
		}
		return fmt.Errorf("failed to delete payload azure://%s/%s: %w", ap.containerName, blobName, err)
	}
	return nil
}

// Exists reports whether a payload exists
func (ap *AzureProvider) Exists(ctx context.Context, key string) (bool, error) {
	blobName, err := joinKey(ap.prefix, key)
	if err != nil {
		return false, err
	}

	blobURL := ap.container.NewBlockBlobURL(blobName)
	if _, err := blobURL.GetProperties(ctx, azblob.BlobAccessConditions{}, azblob.ClientProvidedKeyOptions{}); err != nil {
		if isAzureNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat payload azure://%s/%s: %w", ap.containerName, blobName, err)
	}
	return true, nil
}

// HealthCheck verifies that the container is reachable
func (ap *AzureProvider) HealthCheck(ctx context.Context) error {
	if _, err := ap.container.GetProperties(ctx, azblob.LeaseAccessConditions{}); err != nil {
		return fmt.Errorf("azure health check failed: container not accessible: %w", err)
	}
	return nil
}

// Info describes the provider
func (ap *AzureProvider) Info() map[string]interface{} {
	return map[string]interface{}{
		"provider":  string(ProviderAzure),
		"container": ap.containerName,
		"prefix":    ap.prefix,
	}
}

func isAzureNotFound(err error) bool {
	if serr, ok := err.(azblob.StorageError); ok {
		return serr.ServiceCode() == azblob.ServiceCodeBlobNotFound
	}
	return false
}
