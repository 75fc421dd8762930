package platform

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type MemoryStore struct {
	mu        sync.RWMutex
	platforms map[string]Platform
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{platforms: make(map[string]Platform)}
}

func (s *MemoryStore) Put(_ context.Context, p Platform) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.platforms[p.Name]; ok {
		p.CreatedAt = existing.CreatedAt
	}
	s.platforms[p.Name] = clonePlatform(p)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, name string) (Platform, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.platforms[name]
	if !ok {
		return Platform{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return clonePlatform(p), nil
}

func (s *MemoryStore) List(_ context.Context) ([]Platform, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Platform, 0, len(s.platforms))
	for _, p := range s.platforms {
		out = append(out, clonePlatform(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func clonePlatform(p Platform) Platform {
	if p.Config != nil {
		cfg := make(map[string]any, len(p.Config))
		for k, v := range p.Config {
			cfg[k] = v
		}
		p.Config = cfg
	}
	return p
}
