package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSProvider stores payloads as objects in a Google Cloud Storage bucket
type GCSProvider struct {
	client     *gcs.Client
	bucketName string
	prefix     string
}

// NewGCSProvider creates a GCSProvider. Without a credentials file the
// application default credentials are used.
func NewGCSProvider(ctx context.Context, config GCSConfig, prefix string) (*GCSProvider, error) {
	var opts []option.ClientOption
	if config.CredentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(config.CredentialsPath))
	}

	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	return &GCSProvider{
		client:     client,
		bucketName: config.Bucket,
		prefix:     prefix,
	}, nil
}

// Put uploads a payload
func (gp *GCSProvider) Put(ctx context.Context, key string, data []byte, metadata map[string]string) error {
	objectName, err := joinKey(gp.prefix, key)
	if err != nil {
		return err
	}

	writer := gp.client.Bucket(gp.bucketName).Object(objectName).NewWriter(ctx)
	writer.ContentType = "application/octet-stream"
	writer.Metadata = metadata

	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return fmt.Errorf("failed to write payload to gs://%s/%s: %w", gp.bucketName, objectName, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to upload payload to gs://%s/%s: %w", gp.bucketName, objectName, err)
	}
	return nil
}

// Get downloads a payload
func (gp *GCSProvider) Get(ctx context.Context, key string) ([]byte, error) {
	objectName, err := joinKey(gp.prefix, key)
	if err != nil {
		return nil, err
	}

	reader, err := gp.client.Bucket(gp.bucketName).Object(objectName).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil, notFound(key, nil)
		}
		return nil, fmt.Errorf("failed to download payload from gs://%s/%s: %w", gp.bucketName, objectName, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read payload body: %w", err)
	}
	return data, nil
}

// Delete removes a payload
func (gp *GCSProvider) Delete(ctx context.Context, key string) error {
	objectName, err := joinKey(gp.prefix, key)
	if err != nil {
		return err
	}

	if err := gp.client.Bucket(gp.bucketName).Object(objectName).Delete(ctx); err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return notFound(key, nil)
		}
		return fmt.Errorf("failed to delete payload gs://%s/%s: %w", gp.bucketName, objectName, err)
	}
	return nil
}

// Exists reports whether a payload exists
func (gp *GCSProvider) Exists(ctx context.Context, key string) (bool, error) {
	objectName, err := joinKey(gp.prefix, key)
	if err != nil {
		return false, err
	}

	if _, err := gp.client.Bucket(gp.bucketName).Object(objectName).Attrs(ctx); err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat payload gs://%s/%s: %w", gp.bucketName, objectName, err)
	}
	return true, nil
}

// HealthCheck verifies that the bucket is reachable and listable
func (gp *GCSProvider) HealthCheck(ctx context.Context) error {
	bucket := gp.client.Bucket(gp.bucketName)
	if _, err := bucket.Attrs(ctx); err != nil {
		return fmt.Errorf("gcs health check failed: bucket not accessible: %w", err)
	}

	it := bucket.Objects(ctx, &gcs.Query{Prefix: gp.prefix})
	if _, err := it.Next(); err != nil && err != iterator.Done {
		return fmt.Errorf("gcs health check failed: cannot list objects: %w", err)
	}
	return nil
}

// Info describes the provider
func (gp *GCSProvider) Info() map[string]interface{} {
	return map[string]interface{}{
		"provider": string(ProviderGCS),
		"bucket":   gp.bucketName,
		"prefix":   gp.prefix,
	}
}

// Close releases the client
func (gp *GCSProvider) Close() error {
	return gp.client.Close()
}
