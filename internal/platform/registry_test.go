package platform

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	dbpkg "crabstack.local/projects/crab-observer/internal/db"
)

func newGormStore(t *testing.T) *GormStore {
	t.Helper()
	gdb, err := dbpkg.OpenGorm("sqlite", filepath.Join(t.TempDir(), "platforms.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = dbpkg.Close(gdb) })
	store, err := NewGormStore(gdb)
	if err != nil {
		t.Fatalf("NewGormStore failed: %v", err)
	}
	return store
}

func TestRegistry_LifecycleAcrossStores(t *testing.T) {
	stores := map[string]func(t *testing.T) Store{
		"memory": func(*testing.T) Store { return NewMemoryStore() },
		"gorm":   func(t *testing.T) Store { return newGormStore(t) },
	}
	for name, build := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			reg, err := NewRegistry(ctx, build(t), nil)
			if err != nil {
				t.Fatalf("NewRegistry failed: %v", err)
			}

			if _, known := reg.Known("langchain"); known {
				t.Fatalf("empty registry should not know langchain")
			}
			created, err := reg.Create(ctx, Platform{Name: "LangChain", Version: "0.3", Enabled: true, Config: map[string]any{"callbacks": true}})
			if err != nil {
				t.Fatalf("Create failed: %v", err)
			}
			if created.Name != "langchain" || created.DisplayName != "langchain" {
				t.Fatalf("unexpected created platform %+v", created)
			}
			if _, err := reg.Create(ctx, Platform{Name: "langchain"}); !errors.Is(err, ErrExists) {
				t.Fatalf("expected ErrExists, got %v", err)
			}
			if enabled, known := reg.Known("langchain"); !known || !enabled {
				t.Fatalf("expected enabled known platform")
			}

			display := "LangChain"
			updated, err := reg.Update(ctx, "langchain", Update{DisplayName: &display})
			if err != nil {
				t.Fatalf("Update failed: %v", err)
			}
			if updated.DisplayName != "LangChain" || updated.Version != "0.3" {
				t.Fatalf("unexpected updated platform %+v", updated)
			}

			if _, err := reg.Disable(ctx, "langchain"); err != nil {
				t.Fatalf("Disable failed: %v", err)
			}
			if enabled, known := reg.Known("langchain"); !known || enabled {
				t.Fatalf("expected disabled known platform")
			}
			if _, err := reg.Disable(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			if _, err := reg.Create(ctx, Platform{Name: "bad name!"}); !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestRegistry_ReloadsFromGormStore(t *testing.T) {
	ctx := context.Background()
	store := newGormStore(t)
	reg, err := NewRegistry(ctx, store, nil)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	if err := reg.Seed(ctx, []Platform{
		{Name: "crewai", DisplayName: "CrewAI", Enabled: true, Config: map[string]any{"mode": "hooks"}},
		{Name: "autogen", Enabled: false},
	}); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	// seeding again updates in place
	if err := reg.Seed(ctx, []Platform{{Name: "autogen", Enabled: true}}); err != nil {
		t.Fatalf("reseed failed: %v", err)
	}

	reloaded, err := NewRegistry(ctx, store, nil)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	list := reloaded.List()
	if len(list) != 2 || list[0].Name != "autogen" || list[1].Name != "crewai" {
		t.Fatalf("unexpected platforms after reload %+v", list)
	}
	if !list[0].Enabled {
		t.Fatalf("expected reseeded autogen to be enabled")
	}
	if list[1].Config["mode"] != "hooks" || list[1].DisplayName != "CrewAI" {
		t.Fatalf("config not persisted: %+v", list[1])
	}
}
