package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

// S3Provider stores payloads as objects in an S3 bucket
type S3Provider struct {
	client s3iface.S3API
	bucket string
	prefix string
}

// NewS3Provider creates an S3Provider. Without static keys the default AWS
// credential chain is used.
func NewS3Provider(config S3Config, prefix string) (*S3Provider, error) {
	if config.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	awsConfig := &aws.Config{Region: aws.String(config.Region)}
	if config.AccessKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(config.AccessKey, config.SecretKey, "")
	}
	if config.Endpoint != "" {
		awsConfig.Endpoint = aws.String(config.Endpoint)
	}
	if config.ForcePathStyle {
		awsConfig.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return NewS3ProviderWithClient(s3.New(sess), config.Bucket, prefix), nil
}

// NewS3ProviderWithClient creates an S3Provider around an existing client
func NewS3ProviderWithClient(client s3iface.S3API, bucket, prefix string) *S3Provider {
	return &S3Provider{client: client, bucket: bucket, prefix: prefix}
}

// Put uploads a payload
func (sp *S3Provider) Put(ctx context.Context, key string, data []byte, metadata map[string]string) error {
	objectKey, err := joinKey(sp.prefix, key)
	if err != nil {
		return err
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(sp.bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	}
	if len(metadata) > 0 {
		input.Metadata = aws.StringMap(metadata)
	}

	if _, err := sp.client.PutObjectWithContext(ctx, input); err != nil {
		return fmt.Errorf("failed to upload payload to s3://%s/%s: %w", sp.bucket, objectKey, err)
	}
	return nil
}

// Get downloads a payload
func (sp *S3Provider) Get(ctx context.Context, key string) ([]byte, error) {
	objectKey, err := joinKey(sp.prefix, key)
	if err != nil {
		return nil, err
	}

	result, err := sp.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(sp.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, notFound(key, err)
		}
		return nil, fmt.Errorf("failed to download payload from s3://%s/%s: %w", sp.bucket, objectKey, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read payload body: %w", err)
	}
	return data, nil
}

// Delete removes a payload
func (sp *S3Provider) Delete(ctx context.Context, key string) error {
	exists, err := sp.Exists(ctx, key)
	if err != nil {
		return err
	}
	if !exists {
		return notFound(key, nil)
	}

	objectKey, _ := joinKey(sp.prefix, key)
	_, err = sp.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(sp.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return fmt.Errorf("failed to delete payload s3://%s/%s: %w", sp.bucket, objectKey, err)
	}
	return nil
}

// Exists reports whether a payload exists
func (sp *S3Provider) Exists(ctx context.Context, key string) (bool, error) {
	objectKey, err := joinKey(sp.prefix, key)
	if err != nil {
		return false, err
	}

	_, err = sp.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(sp.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat payload s3://%s/%s: %w", sp.bucket, objectKey, err)
	}
	return true, nil
}

// HealthCheck verifies that the bucket is reachable and listable
func (sp *S3Provider) HealthCheck(ctx context.Context) error {
	if _, err := sp.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(sp.bucket)}); err != nil {
		return fmt.Errorf("s3 health check failed: bucket not accessible: %w", err)
	}

	_, err := sp.client.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(sp.bucket),
		Prefix:  aws.String(sp.prefix),
		MaxKeys: aws.Int64(1),
	})
	if err != nil {
		return fmt.Errorf("s3 health check failed: cannot list objects: %w", err)
	}
	return nil
}

// Info describes the provider
func (sp *S3Provider) Info() map[string]interface{} {
	return map[string]interface{}{
		"provider": string(ProviderS3),
		"bucket":   sp.bucket,
		"prefix":   sp.prefix,
	}
}

func isS3NotFound(err error) bool {
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}
