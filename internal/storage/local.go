package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// LocalProvider stores payloads as files below a base directory
type LocalProvider struct {
	basePath    string
	prefix      string
	permissions os.FileMode
}

// NewLocalProvider creates a LocalProvider and its base directory
func NewLocalProvider(config LocalConfig, prefix string) (*LocalProvider, error) {
	if config.BasePath == "" {
		return nil, fmt.Errorf("local base_path is required")
	}
	if config.Permissions == 0 {
		config.Permissions = 0750
	}

	provider := &LocalProvider{
		basePath:    config.BasePath,
		prefix:      prefix,
		permissions: config.Permissions,
	}
	if err := os.MkdirAll(provider.basePath, provider.permissions); err != nil {
		return nil, fmt.Errorf("failed to create base directory %s: %w", provider.basePath, err)
	}
	return provider, nil
}

// Put writes the payload through a temporary file so readers never see a
// partially written blob.
func (lp *LocalProvider) Put(ctx context.Context, key string, data []byte, metadata map[string]string) error {
	target, err := lp.path(key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(target), lp.permissions); err != nil {
		return fmt.Errorf("failed to create payload directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".payload-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary payload file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write payload file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync payload file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close payload file: %w", err)
	}

	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("failed to move payload into place: %w", err)
	}
	return nil
}

// Get reads a payload
func (lp *LocalProvider) Get(ctx context.Context, key string) ([]byte, error) {
	target, err := lp.path(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(key, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read payload file: %w", err)
	}
	return data, nil
}

// Delete removes a payload
func (lp *LocalProvider) Delete(ctx context.Context, key string) error {
	target, err := lp.path(key)
	if err != nil {
		return err
	}

	err = os.Remove(target)
	if errors.Is(err, fs.ErrNotExist) {
		return notFound(key, nil)
	}
	if err != nil {
		return fmt.Errorf("failed to delete payload file: %w", err)
	}
	return nil
}

// Exists reports whether a payload exists
func (lp *LocalProvider) Exists(ctx context.Context, key string) (bool, error) {
	target, err := lp.path(key)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(target)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// HealthCheck verifies that the base directory is writable
func (lp *LocalProvider) HealthCheck(ctx context.Context) error {
	testFile := filepath.Join(lp.basePath, ".health_check")

	if err := os.WriteFile(testFile, []byte("health_check"), 0600); err != nil {
		return fmt.Errorf("local storage health check failed: cannot write to base directory: %w", err)
	}
	if _, err := os.ReadFile(testFile); err != nil {
		return fmt.Errorf("local storage health check failed: cannot read from base directory: %w", err)
	}
	_ = os.Remove(testFile)
	return nil
}

// Info describes the provider
func (lp *LocalProvider) Info() map[string]interface{} {
	return map[string]interface{}{
		"provider":    string(ProviderLocal),
		"base_path":   lp.basePath,
		"prefix":      lp.prefix,
		"permissions": lp.permissions.String(),
	}
}

// BasePath returns the base directory
func (lp *LocalProvider) BasePath() string {
	return lp.basePath
}

func (lp *LocalProvider) path(key string) (string, error) {
	full, err := joinKey(lp.prefix, key)
	if err != nil {
		return "", err
	}
	return filepath.Join(lp.basePath, filepath.FromSlash(full)), nil
}
