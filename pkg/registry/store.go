// Package registry maintains the set of known model descriptors. The
// registry merges discoveries from configuration, remote catalogs and
// on-disk rescans, persisting through a pluggable store.
package registry

import (
	"context"
	"sync"

	"github.com/jguan/ai-model-orchestrator/pkg/model"
)

// Store persists model descriptors.
type Store interface {
	Create(ctx context.Context, d *model.Descriptor) error
	Get(ctx context.Context, id string) (*model.Descriptor, error)
	Update(ctx context.Context, d *model.Descriptor) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]model.Descriptor, error)
	Close() error
}

// MemoryStore is an in-memory Store for tests and ephemeral use.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*model.Descriptor
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*model.Descriptor)}
}

func (s *MemoryStore) Create(ctx context.Context, d *model.Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[d.ID]; exists {
		return model.ErrModelAlreadyExists
	}
	s.items[d.ID] = d.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*model.Descriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, exists := s.items[id]
	if !exists {
		return nil, model.ErrModelNotFound
	}
	return d.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, d *model.Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[d.ID]; !exists {
		return model.ErrModelNotFound
	}
	s.items[d.ID] = d.Clone()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[id]; !exists {
		return model.ErrModelNotFound
	}
	delete(s.items, id)
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]model.Descriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Descriptor, 0, len(s.items))
	for _, d := range s.items {
		out = append(out, *d.Clone())
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
