package maestro

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeLister serves a fixed model list, optionally failing.
type fakeLister struct {
	models []string
	err    error
	calls  int
}

func (l *fakeLister) ListModels(context.Context) ([]string, error) {
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	return append([]string(nil), l.models...), nil
}

func TestTimingTableBudget(t *testing.T) {
	table := TimingTable{
		"qwen3:32b": {ColdStartSec: 60, PerTokenMS: 100, MarginSec: 30},
		"empty":     {},
	}

	if got := table.Budget("qwen3:32b", 1000, 5*time.Second); got != 190*time.Second {
		t.Errorf("budget = %v, want 190s (90s cold+margin, 100s tokens)", got)
	}
	if got := table.Budget("missing", 100, 5*time.Second); got != 5*time.Second {
		t.Errorf("missing model budget = %v, want fallback 5s", got)
	}
	if got := table.Budget("empty", 0, 7*time.Second); got != 7*time.Second {
		t.Errorf("zero timing budget = %v, want fallback 7s", got)
	}
}

func TestCatalogRefreshSwapsSnapshot(t *testing.T) {
	lister := &fakeLister{models: []string{"qwen2.5:7b", "gemma2:9b"}}
	c := NewModelCatalog(map[Family]ModelLister{FamilyOllama: lister})

	if len(c.Models(FamilyOllama)) != 0 {
		t.Fatal("catalog should start empty without static seed")
	}

	c.Refresh(context.Background())

	models := c.Models(FamilyOllama)
	if len(models) != 2 || models[0] != "gemma2:9b" || models[1] != "qwen2.5:7b" {
		t.Errorf("models = %v, want sorted [gemma2:9b qwen2.5:7b]", models)
	}
	if !c.Has(FamilyOllama, "qwen2.5:7b") {
		t.Error("Has should see refreshed model")
	}
	if c.RefreshedAt().IsZero() {
		t.Error("RefreshedAt not set after refresh")
	}
}

func TestCatalogRefreshKeepsPreviousOnError(t *testing.T) {
	lister := &fakeLister{err: errors.New("endpoint down")}
	c := NewModelCatalog(map[Family]ModelLister{FamilyOllama: lister},
		WithStaticModels(FamilyOllama, "qwen2.5:7b"))

	c.Refresh(context.Background())

	if !c.Has(FamilyOllama, "qwen2.5:7b") {
		t.Error("failed refresh must keep the previous list")
	}
	if lister.calls != 1 {
		t.Errorf("lister calls = %d, want 1", lister.calls)
	}
}

func TestCatalogLightOnlyFiltersHeavy(t *testing.T) {
	lister := &fakeLister{models: []string{"qwen3:32b", "qwen2.5:7b", "llama3:70b"}}
	c := NewModelCatalog(map[Family]ModelLister{FamilyMLX: lister},
		WithLightOnly(FamilyMLX))

	c.Refresh(context.Background())

	models := c.Models(FamilyMLX)
	if len(models) != 1 || models[0] != "qwen2.5:7b" {
		t.Errorf("models = %v, want only qwen2.5:7b", models)
	}
	if c.Has(FamilyMLX, "qwen3:32b") {
		t.Error("filtered heavy model must not be visible")
	}
}

func TestCatalogPickModel(t *testing.T) {
	c := staticCatalog()

	if got := c.PickModel(FamilyOllama, CategorySimple); got != "qwen2.5:7b" {
		t.Errorf("simple/ollama = %q, want qwen2.5:7b", got)
	}
	// The coding list starts with an ollama ref; the mlx pick must skip it.
	if got := c.PickModel(FamilyMLX, CategoryCoding); got != "qwen3:32b" {
		t.Errorf("coding/mlx = %q, want qwen3:32b", got)
	}
	// No mlx preference for simple: first listed model wins.
	if got := c.PickModel(FamilyMLX, CategorySimple); got != "qwen3:32b" {
		t.Errorf("simple/mlx fallback = %q, want qwen3:32b", got)
	}

	empty := NewModelCatalog(nil)
	if got := empty.PickModel(FamilyOllama, CategorySimple); got != "" {
		t.Errorf("empty catalog pick = %q, want empty", got)
	}
}

func TestCatalogPickModelIgnoresUnservedPreference(t *testing.T) {
	// Preference names a model the family no longer serves; the pick falls
	// through to the next viable entry.
	c := NewModelCatalog(nil,
		WithStaticModels(FamilyOllama, "qwen2.5:7b"),
		WithCategoryModels(CategoryCoding,
			ModelRef{Family: FamilyOllama, Name: "qwen2.5-coder:7b"},
			ModelRef{Family: FamilyOllama, Name: "qwen2.5:7b"}))

	if got := c.PickModel(FamilyOllama, CategoryCoding); got != "qwen2.5:7b" {
		t.Errorf("pick = %q, want qwen2.5:7b", got)
	}
}

func TestCatalogIsHeavy(t *testing.T) {
	c := NewModelCatalog(nil, WithHeavyModels("mixtral"))

	tests := []struct {
		model string
		want  bool
	}{
		{"mixtral", true},         // explicit mark
		{"Mixtral", true},         // explicit marks are case-insensitive
		{"qwen3:32b", true},       // suffix heuristic
		{"deepseek-r1:70b", true}, // suffix heuristic
		{"QwQ-32B", true},         // heuristic is case-insensitive
		{"qwen2.5:7b", false},
		{"gemma2:9b", false},
	}
	for _, tt := range tests {
		if got := c.IsHeavy(tt.model); got != tt.want {
			t.Errorf("IsHeavy(%q) = %v, want %v", tt.model, got, tt.want)
		}
	}
}

func TestCatalogStartRefreshesOnceThenStops(t *testing.T) {
	lister := &fakeLister{models: []string{"qwen2.5:7b"}}
	c := NewModelCatalog(map[Family]ModelLister{FamilyOllama: lister},
		WithCatalogTTL(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start returned %v, want nil on cancel", err)
	}
	if lister.calls != 1 {
		t.Errorf("lister calls = %d, want 1 (initial refresh)", lister.calls)
	}
	if !c.Has(FamilyOllama, "qwen2.5:7b") {
		t.Error("initial refresh result missing")
	}
}
