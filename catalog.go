package maestro

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

// ModelRef names a model inside a family, used in category priority lists.
type ModelRef struct {
	Family Family
	Name   string
}

// ModelTiming is the latency envelope for one model, used to derive per-call
// timeout budgets: cold start + per-token generation + margin.
type ModelTiming struct {
	ColdStartSec int
	PerTokenMS   float64
	MarginSec    int
}

// TimingTable maps model names to their latency envelopes.
type TimingTable map[string]ModelTiming

// Budget computes the timeout budget for generating up to maxTokens with the
// given model. Models missing from the table get the fallback.
func (t TimingTable) Budget(model string, maxTokens int, fallback time.Duration) time.Duration {
	mt, ok := t[model]
	if !ok {
		return fallback
	}
	d := time.Duration(mt.ColdStartSec+mt.MarginSec)*time.Second +
		time.Duration(float64(maxTokens)*mt.PerTokenMS)*time.Millisecond
	if d <= 0 {
		return fallback
	}
	return d
}

// catalogSnapshot is the immutable view swapped in by Refresh.
type catalogSnapshot struct {
	lists       map[Family][]string
	sets        map[Family]map[string]bool
	refreshedAt time.Time
}

// ModelCatalog tracks which models each family endpoint currently serves.
// Reads are lock-free against an atomically swapped snapshot; a background
// refresh loop re-queries the endpoints on a TTL. Routing only ever picks
// models present in the snapshot, so a model pulled from an endpoint stops
// receiving traffic within one refresh interval.
type ModelCatalog struct {
	listers   map[Family]ModelLister
	ttl       time.Duration
	prefs     map[Category][]ModelRef
	heavy     map[string]bool
	lightOnly map[Family]bool
	snap      atomic.Value // catalogSnapshot
	logger    *slog.Logger
}

// CatalogOption configures a ModelCatalog.
type CatalogOption func(*ModelCatalog)

// WithCatalogTTL sets the refresh interval. Default: 120s.
func WithCatalogTTL(d time.Duration) CatalogOption {
	return func(c *ModelCatalog) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithCategoryModels sets the priority list for a category. Routing picks the
// first listed model that the chosen family currently serves.
func WithCategoryModels(cat Category, refs ...ModelRef) CatalogOption {
	return func(c *ModelCatalog) { c.prefs[cat] = refs }
}

// WithHeavyModels marks model names as heavy for ceiling and interleaving
// decisions. Names not listed fall back to a size-suffix heuristic.
func WithHeavyModels(names ...string) CatalogOption {
	return func(c *ModelCatalog) {
		for _, n := range names {
			c.heavy[strings.ToLower(n)] = true
		}
	}
}

// WithLightOnly keeps heavy models out of a family's refreshed snapshot.
// Operators set it when a backend host cannot take heavyweight load
// reliably; the family then only ever receives light-model traffic.
func WithLightOnly(f Family) CatalogOption {
	return func(c *ModelCatalog) { c.lightOnly[f] = true }
}

// WithStaticModels seeds the initial snapshot for a family. Useful for
// families without a list endpoint and in tests; a later Refresh from a
// live lister replaces the static list.
func WithStaticModels(f Family, names ...string) CatalogOption {
	return func(c *ModelCatalog) {
		snap := c.snapshot()
		snap.lists[f] = append([]string(nil), names...)
		snap.sets[f] = toSet(names)
		c.snap.Store(snap)
	}
}

// WithCatalogLogger sets the structured logger.
func WithCatalogLogger(l *slog.Logger) CatalogOption {
	return func(c *ModelCatalog) { c.logger = l }
}

// NewModelCatalog creates a catalog over the given per-family listers.
// Families without a lister keep whatever WithStaticModels seeded.
func NewModelCatalog(listers map[Family]ModelLister, opts ...CatalogOption) *ModelCatalog {
	c := &ModelCatalog{
		listers:   listers,
		ttl:       120 * time.Second,
		prefs:     make(map[Category][]ModelRef),
		heavy:     make(map[string]bool),
		lightOnly: make(map[Family]bool),
		logger:    nopLogger,
	}
	c.snap.Store(catalogSnapshot{
		lists: make(map[Family][]string),
		sets:  make(map[Family]map[string]bool),
	})
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start refreshes immediately, then re-refreshes every TTL until ctx is
// cancelled. It blocks; run it in a goroutine.
func (c *ModelCatalog) Start(ctx context.Context) error {
	for {
		c.Refresh(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.ttl):
		}
	}
}

// Refresh queries every family's list endpoint and swaps in a new snapshot.
// A family whose endpoint errors keeps its previous list.
func (c *ModelCatalog) Refresh(ctx context.Context) {
	prev := c.snapshot()
	next := catalogSnapshot{
		lists:       make(map[Family][]string, len(prev.lists)),
		sets:        make(map[Family]map[string]bool, len(prev.sets)),
		refreshedAt: time.Now(),
	}
	for f, l := range prev.lists {
		next.lists[f] = l
		next.sets[f] = prev.sets[f]
	}

	for f, lister := range c.listers {
		listCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		models, err := lister.ListModels(listCtx)
		cancel()
		if err != nil {
			c.logger.Warn("model list refresh failed, keeping previous", "family", string(f), "error", err)
			continue
		}
		sort.Strings(models)
		if c.lightOnly[f] {
			models = c.filterLight(models)
		}
		next.lists[f] = models
		next.sets[f] = toSet(models)
	}
	c.snap.Store(next)
}

func (c *ModelCatalog) filterLight(models []string) []string {
	kept := models[:0]
	for _, m := range models {
		if !c.IsHeavy(m) {
			kept = append(kept, m)
		}
	}
	return kept
}

func (c *ModelCatalog) snapshot() catalogSnapshot {
	return c.snap.Load().(catalogSnapshot)
}

// Models returns the current model list for a family.
func (c *ModelCatalog) Models(f Family) []string {
	return c.snapshot().lists[f]
}

// Has reports whether the family currently serves the model.
func (c *ModelCatalog) Has(f Family, model string) bool {
	return c.snapshot().sets[f][model]
}

// RefreshedAt returns the time of the last successful snapshot swap.
func (c *ModelCatalog) RefreshedAt() time.Time {
	return c.snapshot().refreshedAt
}

// PickModel returns the highest-priority model for the category that the
// family currently serves. With no matching preference it falls back to the
// family's first listed model; empty means the family has nothing to offer.
func (c *ModelCatalog) PickModel(f Family, cat Category) string {
	snap := c.snapshot()
	set := snap.sets[f]
	for _, ref := range c.prefs[cat] {
		if ref.Family == f && set[ref.Name] {
			return ref.Name
		}
	}
	if list := snap.lists[f]; len(list) > 0 {
		return list[0]
	}
	return ""
}

// heavySuffixes is the fallback heuristic for models not explicitly marked:
// parameter-count suffixes that imply a heavyweight model.
var heavySuffixes = []string{"32b", "33b", "70b", "72b", "110b", "405b", ":32b", ":70b", ":72b"}

// IsHeavy reports whether a model counts against heavy-task ceilings.
func (c *ModelCatalog) IsHeavy(model string) bool {
	lower := strings.ToLower(model)
	if c.heavy[lower] {
		return true
	}
	for _, s := range heavySuffixes {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}
