/*
Package app wires the budget engine from configuration.

PURPOSE:
  The HTTP server and the budgetdoc CLI build the same object graph:
  SQLite store, pricing resolver with overrides, schema cache, validator
  limits and the planner service. Open does it once for both.

SEE ALSO:
  - cmd/server/main.go: HTTP entry point
  - cmd/budgetdoc: CLI entry point
  - config/config.go: Configuration keys
*/
package app

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/warp/budget-engine/config"
	"github.com/warp/budget-engine/document"
	"github.com/warp/budget-engine/merge"
	"github.com/warp/budget-engine/planner"
	"github.com/warp/budget-engine/pricing"
	"github.com/warp/budget-engine/store/sqlite"
)

// App is a wired engine.
type App struct {
	Store   *sqlite.Store
	Service *planner.Service
	Schema  *merge.SchemaCache
}

// Open opens the store and builds the service.
func Open(cfg *config.Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}

	if cfg.DatabasePath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	store, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	overrides, err := pricing.LoadOverrides(cfg.PricingOverridesFile)
	if err != nil {
		store.Close()
		return nil, err
	}
	resolver := pricing.NewResolver(store,
		pricing.WithOverrides(overrides),
		pricing.WithTTL(cfg.PricingCacheTTL),
		pricing.WithLogger(log),
	)

	schema := merge.NewSchemaCache(sqlite.SchemaVersion, cfg.SchemaCacheTTL)
	svc := planner.NewService(store, resolver, NewValidator(cfg, log), schema, log)

	log.Debug("engine opened",
		"database", cfg.DatabasePath,
		"pricing_overrides", len(overrides.Entries),
		"max_records", cfg.MaxRecords)

	return &App{Store: store, Service: svc, Schema: schema}, nil
}

// NewValidator builds a validator with the configured limits.
func NewValidator(cfg *config.Config, log *slog.Logger) *document.Validator {
	v := document.NewValidator()
	if cfg.MaxRecords > 0 {
		v.MaxRecords = cfg.MaxRecords
	}
	if cfg.MaxValue.IsPositive() {
		v.MaxValue = cfg.MaxValue
	}
	v.LegacyUnsignedUntil = cfg.LegacyUnsignedUntil
	v.Now = time.Now
	v.Log = log
	return v
}

// Close closes the store.
func (a *App) Close() error {
	return a.Store.Close()
}
