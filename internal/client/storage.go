package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrObjectNotFound is returned when a key does not exist in the bucket
var ErrObjectNotFound = errors.New("object not found")

// StorageClient defines the interface for object storage operations
type StorageClient interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
	GetSignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// MemoryStorage keeps objects in process memory. Used when no bucket is configured.
type MemoryStorage struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{objects: make(map[string][]byte)}
}

func (m *MemoryStorage) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrObjectNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStorage) Put(_ context.Context, key string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryStorage) GetSignedURL(_ context.Context, key string, expiry time.Duration) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.objects[key]; !ok {
		return "", fmt.Errorf("%s: %w", key, ErrObjectNotFound)
	}
	return fmt.Sprintf("memory://%s?expires=%d", key, time.Now().Add(expiry).Unix()), nil
}
