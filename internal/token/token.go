// Package token supplies bearer credentials for product downloads.
package token

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// FileSupplier reads the bearer token from a file on every call. An external
// refresher rotates the file contents, so the value must not be cached.
type FileSupplier struct {
	path string
}

// NewFileSupplier creates a supplier reading from path.
func NewFileSupplier(path string) (*FileSupplier, error) {
	if path == "" {
		return nil, fmt.Errorf("token path is required")
	}
	return &FileSupplier{path: path}, nil
}

// Token returns the current file contents, trimmed.
func (s *FileSupplier) Token(_ context.Context) (string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("token file %s is empty", s.path)
	}
	return token, nil
}

// Static is a fixed-value supplier for tests.
type Static string

// Token returns the fixed value.
func (s Static) Token(_ context.Context) (string, error) {
	if s == "" {
		return "", fmt.Errorf("static token is empty")
	}
	return string(s), nil
}
