// Package memory stores blob content in-memory for development.
package memory

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"sync"
)

// BlobStore stores archives in-memory and returns pseudo URIs. It verifies
// contentMD5 the way the remote backends do.
type BlobStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{
		data: make(map[string][]byte),
	}
}

// Put persists the content and returns a URI.
func (s *BlobStore) Put(_ context.Context, key string, contentMD5 string, body []byte) (string, error) {
	if contentMD5 != "" {
		sum := md5.Sum(body)
		if base64.StdEncoding.EncodeToString(sum[:]) != contentMD5 {
			return "", fmt.Errorf("content md5 mismatch for %s", key)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), body...)
	return fmt.Sprintf("memory://%s", key), nil
}

// Get returns stored content for assertions in tests.
func (s *BlobStore) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[key]
	return data, ok
}
