/*
Package pricing resolves the unit conversion factors of a product group.

PURPOSE:
  Budgets are entered as quantities. The monetary amount and the
  margin-over-raw-material (MoRM) value of a budget line are derived by
  multiplying the quantity with per-product-group factors:

    amount = quantity x price
    morm   = quantity x secondary factor

  Factors are scoped to a division and a reference year. The reference
  year is the source year of a budget (the year before the target).

LOOKUP RULES:
  - Case-insensitive, exact match on the trimmed product group label
  - Division codes are canonicalized before the source and the cache see them
  - No fuzzy matching in this layer
  - Unknown product groups resolve to {0, 0}, never an error

CACHING:
  A full (division, year) table is loaded from the Source on first use
  and kept in a TTL cache. Static overrides from a TOML file are layered
  on top and always win.

SEE ALSO:
  - overrides.go: TOML override file
  - store/sqlite/sqlite.go: Source implementation
  - merge/writer.go, document/encoder.go: Callers
*/
package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"github.com/warp/budget-engine/budget"
)

// Entry holds the conversion factors of one product group.
type Entry struct {
	Price           decimal.Decimal
	SecondaryFactor decimal.Decimal
}

// IsZero returns true if neither factor is set.
func (e Entry) IsZero() bool {
	return e.Price.IsZero() && e.SecondaryFactor.IsZero()
}

// Amount derives the monetary value of a quantity.
func (e Entry) Amount(qty decimal.Decimal) decimal.Decimal {
	return qty.Mul(e.Price)
}

// MoRM derives the secondary value of a quantity.
func (e Entry) MoRM(qty decimal.Decimal) decimal.Decimal {
	return qty.Mul(e.SecondaryFactor)
}

// Source loads the pricing table of a division for a year.
// Keys of the returned map are product group labels in any case.
type Source interface {
	LoadPricing(ctx context.Context, division string, year int) (map[string]Entry, error)
}

// Table is a resolved pricing table keyed by lower-cased product group.
type Table map[string]Entry

// Lookup returns the entry of a product group, or {0,0}.
func (t Table) Lookup(productGroup string) Entry {
	return t[Key(productGroup)]
}

// Key normalizes a product group label for lookup.
func Key(productGroup string) string {
	return strings.ToLower(strings.TrimSpace(productGroup))
}

// =============================================================================
// RESOLVER
// =============================================================================

// Resolver answers pricing lookups from a Source through a cache.
type Resolver struct {
	source    Source
	overrides *Overrides
	cache     *cache.Cache
	log       *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithOverrides layers static overrides on every table.
func WithOverrides(o *Overrides) Option {
	return func(r *Resolver) { r.overrides = o }
}

// WithTTL sets how long a loaded table is reused. Zero disables caching.
func WithTTL(ttl time.Duration) Option {
	return func(r *Resolver) {
		if ttl <= 0 {
			r.cache = nil
			return
		}
		r.cache = cache.New(ttl, 2*ttl)
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.log = l }
}

// NewResolver creates a resolver. A nil source resolves only overrides.
func NewResolver(source Source, opts ...Option) *Resolver {
	r := &Resolver{
		source: source,
		cache:  cache.New(10*time.Minute, 20*time.Minute),
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the factors of one product group, defaulting to {0,0}.
func (r *Resolver) Resolve(ctx context.Context, division string, year int, productGroup string) (Entry, error) {
	t, err := r.Table(ctx, division, year)
	if err != nil {
		return Entry{}, err
	}
	return t.Lookup(productGroup), nil
}

// Table returns the whole resolved table for a division and year.
func (r *Resolver) Table(ctx context.Context, division string, year int) (Table, error) {
	division = budget.CanonicalDivision(division)
	ck := cacheKey(division, year)
	if r.cache != nil {
		if v, ok := r.cache.Get(ck); ok {
			return v.(Table), nil
		}
	}

	t := make(Table)
	if r.source != nil {
		raw, err := r.source.LoadPricing(ctx, division, year)
		if err != nil {
			return nil, fmt.Errorf("load pricing %s/%d: %w", division, year, err)
		}
		for pg, e := range raw {
			t[Key(pg)] = e
		}
	}
	if r.overrides != nil {
		r.overrides.apply(division, year, t)
	}

	r.log.Debug("pricing table loaded", "division", division, "year", year, "entries", len(t))
	if r.cache != nil {
		r.cache.Set(ck, t, cache.DefaultExpiration)
	}
	return t, nil
}

// Invalidate drops the cached table of a division and year.
func (r *Resolver) Invalidate(division string, year int) {
	if r.cache != nil {
		r.cache.Delete(cacheKey(division, year))
	}
}

// Flush drops every cached table.
func (r *Resolver) Flush() {
	if r.cache != nil {
		r.cache.Flush()
	}
}

func cacheKey(division string, year int) string {
	return fmt.Sprintf("%s|%d", budget.CanonicalDivision(division), year)
}
