package storage

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/polisai/polis-pipeline/pkg/domain"
)

// MemoryDataStore is an in-memory implementation of DataStore.
type MemoryDataStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryDataStore creates a new MemoryDataStore.
func NewMemoryDataStore() *MemoryDataStore {
	return &MemoryDataStore{
		data: make(map[string][]byte),
	}
}

func notFound(op, key string) error {
	return &domain.DataStoreError{Op: op, Key: key, Err: ErrNotFound}
}

func (s *MemoryDataStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, &domain.DataStoreError{Op: "exists", Key: key, Err: err}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[key]
	return ok, nil
}

// Get returns a copy of the value stored under key.
func (s *MemoryDataStore) Get(ctx context.Context, key string) ([]byte, error) {
	return s.GetRange(ctx, key, 0, -1)
}

func (s *MemoryDataStore) GetRange(ctx context.Context, key string, start, end int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &domain.DataStoreError{Op: "get", Key: key, Err: err}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.data[key]
	if !ok {
		return nil, notFound("get", key)
	}
	size := int64(len(value))
	if end < 0 || end > size {
		end = size
	}
	if start < 0 || start > end {
		return nil, &domain.DataStoreError{Op: "get", Key: key, Err: fmt.Errorf("invalid range [%d, %d) of %d bytes", start, end, size)}
	}
	return bytes.Clone(value[start:end]), nil
}

func (s *MemoryDataStore) Put(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return &domain.DataStoreError{Op: "put", Key: key, Err: fmt.Errorf("empty key")}
	}
	if err := ctx.Err(); err != nil {
		return &domain.DataStoreError{Op: "put", Key: key, Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = bytes.Clone(value)
	return nil
}

func (s *MemoryDataStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, &domain.DataStoreError{Op: "list", Key: prefix, Err: err}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0)
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

func (s *MemoryDataStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return &domain.DataStoreError{Op: "delete", Key: key, Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *MemoryDataStore) Size(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, &domain.DataStoreError{Op: "size", Key: key, Err: err}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[key]
	if !ok {
		return 0, notFound("size", key)
	}
	return int64(len(value)), nil
}

var _ DataStore = (*MemoryDataStore)(nil)
