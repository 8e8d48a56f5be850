// Package artifacts stores content produced by node executions and hands
// back opaque references for events to carry.
package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Store persists artifact content. Put returns a content reference suitable
// for an event's artifact list; consumers resolve it out of band.
type Store interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) (string, error)
	Get(ctx context.Context, contentRef string) (io.ReadCloser, error)
}

// MemoryStore keeps artifacts in process memory. Suitable for tests and
// single-instance runs without object storage configured.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// Put stores data under path and returns a mem:// reference.
func (s *MemoryStore) Put(_ context.Context, path string, data io.Reader, _ string) (string, error) {
	content, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("read data: %w", err)
	}

	s.mu.Lock()
	s.objects[path] = content
	s.mu.Unlock()

	return "mem://" + path, nil
}

// Get retrieves previously stored content.
func (s *MemoryStore) Get(_ context.Context, contentRef string) (io.ReadCloser, error) {
	path := strings.TrimPrefix(contentRef, "mem://")

	s.mu.RLock()
	content, ok := s.objects[path]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("artifact not found: %s", contentRef)
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}
