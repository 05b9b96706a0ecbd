// Package storage holds the data Exec payloads exchange through the data
// store, and the persisted state of pipelines.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested key or snapshot does not exist.
var ErrNotFound = errors.New("not found")

// DataStore is a flat key-value blob store. Failures are reported as
// *domain.DataStoreError; a missing key additionally matches ErrNotFound.
type DataStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) ([]byte, error)
	// GetRange returns bytes [start, end) of the value. A negative end reads
	// to the end of the value.
	GetRange(ctx context.Context, key string, start, end int64) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	// List returns the keys starting with prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	Size(ctx context.Context, key string) (int64, error)
}
