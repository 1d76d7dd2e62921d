package secrets

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileProvider reads secrets from mounted files (Kubernetes or Docker
// secrets). Absolute keys are read as-is; relative keys resolve under the
// base directory and may not escape it.
type FileProvider struct {
	baseDir string
}

// NewFileProvider creates a file provider rooted at baseDir.
func NewFileProvider(baseDir string) *FileProvider {
	return &FileProvider{baseDir: baseDir}
}

// Name returns "file".
func (f *FileProvider) Name() string { return "file" }

// Get reads the file and trims trailing newlines.
func (f *FileProvider) Get(_ context.Context, key string) (string, error) {
	path, err := f.path(key)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrSecretNotFound
		}
		return "", fmt.Errorf("read secret file: %w", err)
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

// HealthCheck verifies the base directory is readable when it exists.
func (f *FileProvider) HealthCheck(context.Context) error {
	info, err := os.Stat(f.baseDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cannot access secrets directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("secrets path is not a directory: %s", f.baseDir)
	}
	return nil
}

// Close is a no-op.
func (f *FileProvider) Close() error { return nil }

func (f *FileProvider) path(key string) (string, error) {
	if filepath.IsAbs(key) {
		return filepath.Clean(key), nil
	}
	full := filepath.Join(f.baseDir, key)
	rel, err := filepath.Rel(f.baseDir, full)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("secret key %q escapes base directory", key)
	}
	return full, nil
}
