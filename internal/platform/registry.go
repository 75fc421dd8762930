package platform

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry caches the platform table for ingestion lookups. Mutations go
// to the store first and are published to the cache only on success.
type Registry struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time

	writeMu sync.Mutex

	mu    sync.RWMutex
	cache map[string]Platform
}

type Update struct {
	DisplayName   *string        `json:"display_name"`
	Version       *string        `json:"version"`
	SchemaVersion *string        `json:"schema_version"`
	Enabled       *bool          `json:"enabled"`
	Config        map[string]any `json:"config"`
}

func NewRegistry(ctx context.Context, store Store, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	platforms, err := store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("load platforms: %w", err)
	}
	r := &Registry{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		cache:  make(map[string]Platform, len(platforms)),
	}
	for _, p := range platforms {
		r.cache[p.Name] = p
	}
	return r, nil
}

// Known implements the validator's platform lookup.
func (r *Registry) Known(name string) (enabled bool, known bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.cache[normalizeName(name)]
	return p.Enabled, ok
}

func (r *Registry) Get(name string) (Platform, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.cache[normalizeName(name)]
	if !ok {
		return Platform{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return clonePlatform(p), nil
}

func (r *Registry) List() []Platform {
	r.mu.RLock()
	out := make([]Platform, 0, len(r.cache))
	for _, p := range r.cache {
		out = append(out, clonePlatform(p))
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Create(ctx context.Context, p Platform) (Platform, error) {
	p.Name = normalizeName(p.Name)
	if !ValidName(p.Name) {
		return Platform{}, fmt.Errorf("%w: name %q", ErrInvalid, p.Name)
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if _, err := r.Get(p.Name); err == nil {
		return Platform{}, fmt.Errorf("%w: %s", ErrExists, p.Name)
	}
	if strings.TrimSpace(p.DisplayName) == "" {
		p.DisplayName = p.Name
	}
	now := r.now()
	p.CreatedAt, p.UpdatedAt = now, now
	if err := r.put(ctx, p); err != nil {
		return Platform{}, err
	}
	r.logger.Info("platform registered", "platform", p.Name, "enabled", p.Enabled)
	return clonePlatform(p), nil
}

func (r *Registry) Update(ctx context.Context, name string, upd Update) (Platform, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	p, err := r.Get(name)
	if err != nil {
		return Platform{}, err
	}
	if upd.DisplayName != nil {
		p.DisplayName = strings.TrimSpace(*upd.DisplayName)
		if p.DisplayName == "" {
			p.DisplayName = p.Name
		}
	}
	if upd.Version != nil {
		p.Version = strings.TrimSpace(*upd.Version)
	}
	if upd.SchemaVersion != nil {
		p.SchemaVersion = strings.TrimSpace(*upd.SchemaVersion)
	}
	if upd.Enabled != nil {
		p.Enabled = *upd.Enabled
	}
	if upd.Config != nil {
		p.Config = upd.Config
	}
	p.UpdatedAt = r.now()
	if err := r.put(ctx, p); err != nil {
		return Platform{}, err
	}
	return clonePlatform(p), nil
}

func (r *Registry) Disable(ctx context.Context, name string) (Platform, error) {
	disabled := false
	p, err := r.Update(ctx, name, Update{Enabled: &disabled})
	if err != nil {
		return Platform{}, err
	}
	r.logger.Info("platform disabled", "platform", p.Name)
	return p, nil
}

// Seed registers configured platforms, updating entries that already exist.
func (r *Registry) Seed(ctx context.Context, seeds []Platform) error {
	for _, seed := range seeds {
		if _, err := r.Get(seed.Name); err == nil {
			enabled := seed.Enabled
			upd := Update{Enabled: &enabled, Config: seed.Config}
			if seed.DisplayName != "" {
				upd.DisplayName = &seed.DisplayName
			}
			if seed.Version != "" {
				upd.Version = &seed.Version
			}
			if seed.SchemaVersion != "" {
				upd.SchemaVersion = &seed.SchemaVersion
			}
			if _, err := r.Update(ctx, seed.Name, upd); err != nil {
				return fmt.Errorf("seed platform %s: %w", seed.Name, err)
			}
			continue
		}
		if _, err := r.Create(ctx, seed); err != nil {
			return fmt.Errorf("seed platform %s: %w", seed.Name, err)
		}
	}
	return nil
}

func (r *Registry) put(ctx context.Context, p Platform) error {
	if err := r.store.Put(ctx, p); err != nil {
		return fmt.Errorf("store platform %s: %w", p.Name, err)
	}
	r.mu.Lock()
	r.cache[p.Name] = clonePlatform(p)
	r.mu.Unlock()
	return nil
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
