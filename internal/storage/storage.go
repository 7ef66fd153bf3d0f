// Package storage keeps backup payloads as opaque blobs on the local file
// system or in an object store (S3, Azure Blob Storage, Google Cloud Storage).
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
)

// ProviderType identifies a storage backend
type ProviderType string

const (
	ProviderLocal ProviderType = "local"
	ProviderS3    ProviderType = "s3"
	ProviderAzure ProviderType = "azure"
	ProviderGCS   ProviderType = "gcs"
)

// ErrNotFound is returned when a payload key does not exist
var ErrNotFound = errors.New("payload not found")

// Provider stores payload blobs under slash-separated keys
type Provider interface {
	Put(ctx context.Context, key string, data []byte, metadata map[string]string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	HealthCheck(ctx context.Context) error
	Info() map[string]interface{}
}

// Config selects and configures the storage backend
type Config struct {
	Provider ProviderType `mapstructure:"provider" yaml:"provider"`
	Prefix   string       `mapstructure:"prefix" yaml:"prefix"`
	Local    LocalConfig  `mapstructure:"local" yaml:"local"`
	S3       S3Config     `mapstructure:"s3" yaml:"s3"`
	Azure    AzureConfig  `mapstructure:"azure" yaml:"azure"`
	GCS      GCSConfig    `mapstructure:"gcs" yaml:"gcs"`
}

// LocalConfig for local file system storage
type LocalConfig struct {
	BasePath    string      `mapstructure:"base_path" yaml:"base_path"`
	Permissions os.FileMode `mapstructure:"permissions" yaml:"permissions"`
}

// S3Config for Amazon S3 and S3-compatible storage
type S3Config struct {
	Bucket         string `mapstructure:"bucket" yaml:"bucket"`
	Region         string `mapstructure:"region" yaml:"region"`
	AccessKey      string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey      string `mapstructure:"secret_key" yaml:"secret_key"`
	Endpoint       string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	ForcePathStyle bool   `mapstructure:"force_path_style" yaml:"force_path_style,omitempty"`
}

// AzureConfig for Azure Blob Storage
type AzureConfig struct {
	AccountName   string `mapstructure:"account_name" yaml:"account_name"`
	AccountKey    string `mapstructure:"account_key" yaml:"account_key"`
	ContainerName string `mapstructure:"container_name" yaml:"container_name"`
}

// GCSConfig for Google Cloud Storage
type GCSConfig struct {
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	CredentialsPath string `mapstructure:"credentials_path" yaml:"credentials_path"`
	ProjectID       string `mapstructure:"project_id" yaml:"project_id"`
}

// SetDefaults sets default values for storage configuration
func (c *Config) SetDefaults() {
	if c.Provider == "" {
		c.Provider = ProviderLocal
	}
	c.Provider = ProviderType(strings.ToLower(string(c.Provider)))

	if c.Local.BasePath == "" {
		c.Local.BasePath = "./backups"
	}
	if c.Local.Permissions == 0 {
		c.Local.Permissions = 0750
	}
	if c.S3.Region == "" {
		c.S3.Region = "us-east-1"
	}
	if c.GCS.CredentialsPath == "" {
		c.GCS.CredentialsPath = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
	}
}

// Validate validates the storage configuration
func (c *Config) Validate() error {
	if c.Prefix != "" {
		if _, err := CleanKey(c.Prefix); err != nil {
			return fmt.Errorf("invalid storage prefix: %w", err)
		}
	}

	switch c.Provider {
	case ProviderLocal:
		if c.Local.BasePath == "" {
			return fmt.Errorf("local base_path is required")
		}
	case ProviderS3:
		if c.S3.Bucket == "" {
			return fmt.Errorf("s3 bucket is required")
		}
		if c.S3.Region == "" {
			return fmt.Errorf("s3 region is required")
		}
		if (c.S3.AccessKey == "") != (c.S3.SecretKey == "") {
			return fmt.Errorf("s3 access_key and secret_key must be set together")
		}
	case ProviderAzure:
		if c.Azure.AccountName == "" || c.Azure.AccountKey == "" {
			return fmt.Errorf("azure account_name and account_key are required")
		}
		if c.Azure.ContainerName == "" {
			return fmt.Errorf("azure container_name is required")
		}
	case ProviderGCS:
		if c.GCS.Bucket == "" {
			return fmt.Errorf("gcs bucket is required")
		}
	default:
		return fmt.Errorf("unsupported storage provider %q, must be local, s3, azure or gcs", c.Provider)
	}
	return nil
}

// New creates the configured storage provider
func New(ctx context.Context, config Config) (Provider, error) {
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	switch config.Provider {
	case ProviderLocal:
		return NewLocalProvider(config.Local, config.Prefix)
	case ProviderS3:
		return NewS3Provider(config.S3, config.Prefix)
	case ProviderAzure:
		return NewAzureProvider(config.Azure, config.Prefix)
	case ProviderGCS:
		return NewGCSProvider(ctx, config.GCS, config.Prefix)
	default:
		return nil, fmt.Errorf("unsupported storage provider %q", config.Provider)
	}
}

// SupportedProviders lists the available backends
func SupportedProviders() []ProviderType {
	return []ProviderType{ProviderLocal, ProviderS3, ProviderAzure, ProviderGCS}
}

// BackupKey returns the storage key of one backup payload
func BackupKey(tenantID int64, backupID string) string {
	return fmt.Sprintf("tenants/%d/backups/%s.snap", tenantID, sanitizeSegment(backupID))
}

// CleanKey normalizes a slash-separated key and rejects keys that would
// escape the storage root.
func CleanKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("key cannot be empty")
	}
	if strings.Contains(key, "\\") {
		return "", fmt.Errorf("key %q contains a backslash", key)
	}
	for _, segment := range strings.Split(key, "/") {
		if segment == ".." {
			return "", fmt.Errorf("key %q escapes the storage root", key)
		}
	}
	cleaned := strings.TrimPrefix(path.Clean("/"+key), "/")
	if cleaned == "" {
		return "", fmt.Errorf("key %q is empty after cleaning", key)
	}
	return cleaned, nil
}

func joinKey(prefix, key string) (string, error) {
	cleaned, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return cleaned, nil
	}
	return prefix + "/" + cleaned, nil
}

func sanitizeSegment(segment string) string {
	sanitized := strings.ReplaceAll(segment, "/", "_")
	sanitized = strings.ReplaceAll(sanitized, "\\", "_")
	sanitized = strings.ReplaceAll(sanitized, "..", "_")
	sanitized = strings.ReplaceAll(sanitized, " ", "_")
	return sanitized
}

func notFound(key string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return fmt.Errorf("%w: %s: %v", ErrNotFound, key, cause)
}

// IsNotFound reports whether err means the key does not exist
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
