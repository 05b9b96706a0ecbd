package storage

import (
	"context"
	"errors"
	"strings"
)

// WithPrefix returns a view of ds in which every key is prefixed. Keys
// returned by List have the prefix stripped.
func WithPrefix(ds DataStore, prefix string) DataStore {
	return &prefixStore{ds: ds, prefix: prefix}
}

type prefixStore struct {
	ds     DataStore
	prefix string
}

func (p *prefixStore) Exists(ctx context.Context, key string) (bool, error) {
	return p.ds.Exists(ctx, p.prefix+key)
}

func (p *prefixStore) Get(ctx context.Context, key string) ([]byte, error) {
	return p.ds.Get(ctx, p.prefix+key)
}

func (p *prefixStore) GetRange(ctx context.Context, key string, start, end int64) ([]byte, error) {
	return p.ds.GetRange(ctx, p.prefix+key, start, end)
}

func (p *prefixStore) Put(ctx context.Context, key string, value []byte) error {
	return p.ds.Put(ctx, p.prefix+key, value)
}

func (p *prefixStore) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := p.ds.List(ctx, p.prefix+prefix)
	if err != nil {
		return nil, err
	}
	for i, k := range keys {
		keys[i] = strings.TrimPrefix(k, p.prefix)
	}
	return keys, nil
}

func (p *prefixStore) Delete(ctx context.Context, key string) error {
	return p.ds.Delete(ctx, p.prefix+key)
}

func (p *prefixStore) Size(ctx context.Context, key string) (int64, error) {
	return p.ds.Size(ctx, p.prefix+key)
}

// Scoped hands out views of one backing store: one per pipeline, removed
// when the pipeline is archived, and one per user, shared across pipelines.
type Scoped struct {
	ds DataStore
}

// NewScoped wraps a backing store.
func NewScoped(ds DataStore) *Scoped {
	return &Scoped{ds: ds}
}

// PipelinePrefix is the key prefix of a pipeline's data.
func PipelinePrefix(pipelineID string) string {
	return "pipelines/" + pipelineID + "/"
}

// UserPrefix is the key prefix of a user's data.
func UserPrefix(user string) string {
	return "users/" + user + "/"
}

// Pipeline returns the store scoped to one pipeline.
func (s *Scoped) Pipeline(pipelineID string) DataStore {
	return WithPrefix(s.ds, PipelinePrefix(pipelineID))
}

// User returns the store scoped to one user.
func (s *Scoped) User(user string) DataStore {
	return WithPrefix(s.ds, UserPrefix(user))
}

// Archive deletes every key of a pipeline. User data is kept.
func (s *Scoped) Archive(ctx context.Context, pipelineID string) error {
	prefix := PipelinePrefix(pipelineID)
	keys, err := s.ds.List(ctx, prefix)
	if err != nil {
		return err
	}
	var errs []error
	for _, k := range keys {
		if err := s.ds.Delete(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
