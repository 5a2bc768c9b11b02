/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements budget.TxStore and pricing.Source using SQLite. In production
  the same patterns apply to PostgreSQL - only minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  budget.RowStore:  Budget rows and historical actuals
  budget.TxStore:   Transactional merge operations
  pricing.Source:   Per-division, per-year product pricing

KEY TABLES:
  budget_rows:                 Current budget, one row per cell and kind
  actual_rows:                 Historical actuals that budgets are built from
  product_pricing:             Price and secondary factor per product group
  budget_rows_archive_<div>:   Rows superseded by a merge, per division,
                               created on first use

UNIQUENESS:
  budget_rows is unique on (division, owner, year, month, combo_key, kind).
  Upserts on that key make re-merging the same document idempotent.

VALUES:
  All quantities and prices are stored as decimal TEXT, never REAL.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection, which also
  keeps ":memory:" databases shared. In production with PostgreSQL,
  database-level concurrency control handles this instead.

USAGE:
  store, err := sqlite.New("./data/budget.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  writer := merge.NewWriter(store, resolver, schemaCache, logger)

SEE ALSO:
  - budget/store.go: Interface definitions
  - budget/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/budget-engine/budget"
	"github.com/warp/budget-engine/pricing"
)

// SchemaVersion identifies the table layout, including the archive layout.
const SchemaVersion = 1

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema. Archive tables are not created here;
// they are provisioned per division by the first merge that needs one.
func (s *Store) migrate() error {
	schema := `
	-- Current budget rows
	CREATE TABLE IF NOT EXISTS budget_rows (
		division TEXT NOT NULL,
		owner TEXT NOT NULL DEFAULT '',
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		customer TEXT NOT NULL,
		country TEXT NOT NULL,
		product_group TEXT NOT NULL,
		combo_key TEXT NOT NULL,
		kind TEXT NOT NULL,
		value TEXT NOT NULL,
		document_id TEXT,
		updated_at TEXT NOT NULL,
		UNIQUE(division, owner, year, month, combo_key, kind)
	);

	CREATE INDEX IF NOT EXISTS idx_budget_rows_scope
		ON budget_rows(division, owner, year);

	-- Historical actuals
	CREATE TABLE IF NOT EXISTS actual_rows (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		division TEXT NOT NULL,
		owner TEXT NOT NULL DEFAULT '',
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		customer TEXT NOT NULL,
		country TEXT NOT NULL,
		product_group TEXT NOT NULL,
		kind TEXT NOT NULL,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_actual_rows_scope
		ON actual_rows(division, year, owner);

	-- Pricing
	CREATE TABLE IF NOT EXISTS product_pricing (
		division TEXT NOT NULL,
		year INTEGER NOT NULL,
		product_group TEXT NOT NULL,
		product_group_key TEXT NOT NULL,
		price TEXT NOT NULL,
		secondary_factor TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (division, year, product_group_key)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// ArchiveTable returns the archive relation name of a division.
func ArchiveTable(division string) (string, error) {
	if !budget.ValidDivision(division) {
		return "", fmt.Errorf("invalid division %q", division)
	}
	return "budget_rows_archive_" + strings.ToLower(strings.ReplaceAll(division, "-", "_")), nil
}

// =============================================================================
// ROW STORE (budget.RowStore interface)
// =============================================================================

// BudgetRows returns the budget rows of a scope, all kinds.
func (s *Store) BudgetRows(ctx context.Context, scope budget.Scope) ([]budget.Row, error) {
	scope = scope.Canonical()
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT division, owner, year, month, customer, country, product_group, kind, value, document_id, updated_at
		FROM budget_rows
		WHERE division = ? AND owner = ? AND year = ?
		ORDER BY combo_key, month, kind
	`, scope.Division, scope.Owner, scope.Year)
	if err != nil {
		return nil, fmt.Errorf("failed to query budget rows: %w", err)
	}
	defer rows.Close()

	var out []budget.Row
	for rows.Next() {
		var r budget.Row
		var value, updated string
		var docID sql.NullString
		if err := rows.Scan(&r.Division, &r.Owner, &r.Year, &r.Month,
			&r.Customer, &r.Country, &r.ProductGroup, &r.Kind, &value, &docID, &updated); err != nil {
			return nil, err
		}
		r.DocumentID = docID.String
		if r.Value, err = decimal.NewFromString(value); err != nil {
			return nil, fmt.Errorf("budget row value %q: %w", value, err)
		}
		r.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ActualRows returns the actuals of a scope. With an empty owner the whole
// division is returned, summed per combination, month and kind.
func (s *Store) ActualRows(ctx context.Context, scope budget.Scope) ([]budget.Row, error) {
	scope = scope.Canonical()
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT owner, month, customer, country, product_group, kind, value
		FROM actual_rows
		WHERE division = ? AND year = ?`
	args := []any{scope.Division, scope.Year}
	if scope.Owner != "" {
		query += " AND owner = ?"
		args = append(args, scope.Owner)
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query actuals: %w", err)
	}
	defer rows.Close()

	type key struct {
		cell string
		kind budget.Kind
	}
	summed := make(map[key]*budget.Row)
	var order []key
	for rows.Next() {
		var r budget.Row
		var value string
		if err := rows.Scan(&r.Owner, &r.Month, &r.Customer, &r.Country, &r.ProductGroup, &r.Kind, &value); err != nil {
			return nil, err
		}
		if r.Value, err = decimal.NewFromString(value); err != nil {
			return nil, fmt.Errorf("actual value %q: %w", value, err)
		}
		r.Division, r.Year, r.Owner = scope.Division, scope.Year, scope.Owner

		k := key{cell: r.CellKey(), kind: r.Kind}
		if prev, ok := summed[k]; ok {
			prev.Value = prev.Value.Add(r.Value)
			continue
		}
		summed[k] = &r
		order = append(order, k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]budget.Row, 0, len(order))
	for _, k := range order {
		out = append(out, *summed[k])
	}
	return out, nil
}

// SaveActuals appends historical rows.
func (s *Store) SaveActuals(ctx context.Context, rows ...budget.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, r := range rows {
		kind := r.Kind
		if kind == "" {
			kind = budget.KindVolume
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO actual_rows (division, owner, year, month, customer, country, product_group, kind, value)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, budget.CanonicalDivision(r.Division), r.Owner, r.Year, r.Month, r.Customer, r.Country, r.ProductGroup,
			kind, r.Value.String()); err != nil {
			return fmt.Errorf("failed to save actual: %w", err)
		}
	}
	return tx.Commit()
}

// =============================================================================
// PRICING (pricing.Source interface)
// =============================================================================

// PriceRecord is one stored pricing entry.
type PriceRecord struct {
	Division     string
	Year         int
	ProductGroup string
	pricing.Entry
}

// LoadPricing returns the pricing table of a division for a year.
func (s *Store) LoadPricing(ctx context.Context, division string, year int) (map[string]pricing.Entry, error) {
	division = budget.CanonicalDivision(division)
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT product_group, price, secondary_factor
		FROM product_pricing
		WHERE division = ? AND year = ?
	`, division, year)
	if err != nil {
		return nil, fmt.Errorf("failed to query pricing: %w", err)
	}
	defer rows.Close()

	out := make(map[string]pricing.Entry)
	for rows.Next() {
		var pg, price, factor string
		if err := rows.Scan(&pg, &price, &factor); err != nil {
			return nil, err
		}
		var e pricing.Entry
		if e.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("price of %q: %w", pg, err)
		}
		if e.SecondaryFactor, err = decimal.NewFromString(factor); err != nil {
			return nil, fmt.Errorf("secondary factor of %q: %w", pg, err)
		}
		out[pg] = e
	}
	return out, rows.Err()
}

// SavePricing upserts pricing entries.
func (s *Store) SavePricing(ctx context.Context, records ...PriceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, p := range records {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO product_pricing (division, year, product_group, product_group_key, price, secondary_factor, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(division, year, product_group_key) DO UPDATE SET
				product_group = excluded.product_group,
				price = excluded.price,
				secondary_factor = excluded.secondary_factor,
				updated_at = excluded.updated_at
		`, budget.CanonicalDivision(p.Division), p.Year, strings.TrimSpace(p.ProductGroup), pricing.Key(p.ProductGroup),
			p.Price.String(), p.SecondaryFactor.String(), now); err != nil {
			return fmt.Errorf("failed to save pricing: %w", err)
		}
	}
	return tx.Commit()
}

// =============================================================================
// TRANSACTIONAL STORE (budget.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(budget.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) CountRows(ctx context.Context, scope budget.Scope) (map[budget.Kind]int, error) {
	scope = scope.Canonical()
	return countByKind(ctx, ts.tx, `
		SELECT kind, COUNT(*) FROM budget_rows
		WHERE division = ? AND owner = ? AND year = ?
		GROUP BY kind
	`, scope.Division, scope.Owner, scope.Year)
}

func (ts *txStore) EnsureArchive(ctx context.Context, division string) error {
	table, err := ArchiveTable(division)
	if err != nil {
		return err
	}
	_, err = ts.tx.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS `+table+` (
		division TEXT NOT NULL,
		owner TEXT NOT NULL,
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		customer TEXT NOT NULL,
		country TEXT NOT NULL,
		product_group TEXT NOT NULL,
		combo_key TEXT NOT NULL,
		kind TEXT NOT NULL,
		value TEXT NOT NULL,
		document_id TEXT,
		updated_at TEXT NOT NULL,
		batch_id TEXT NOT NULL,
		archive_reason TEXT NOT NULL,
		archived_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_`+table+`_batch ON `+table+`(batch_id);
	`)
	if err != nil {
		return fmt.Errorf("failed to provision archive %s: %w", table, err)
	}
	return nil
}

func (ts *txStore) ArchiveRows(ctx context.Context, scope budget.Scope, batch budget.ArchiveBatch) (map[budget.Kind]int, error) {
	scope = scope.Canonical()
	table, err := ArchiveTable(scope.Division)
	if err != nil {
		return nil, err
	}
	_, err = ts.tx.ExecContext(ctx, `
		INSERT INTO `+table+`
		(division, owner, year, month, customer, country, product_group, combo_key, kind, value,
		 document_id, updated_at, batch_id, archive_reason, archived_at)
		SELECT division, owner, year, month, customer, country, product_group, combo_key, kind, value,
		       document_id, updated_at, ?, ?, ?
		FROM budget_rows
		WHERE division = ? AND owner = ? AND year = ?
	`, batch.ID, batch.Reason, batch.ArchivedAt.UTC().Format(time.RFC3339),
		scope.Division, scope.Owner, scope.Year)
	if err != nil {
		return nil, fmt.Errorf("failed to archive rows: %w", err)
	}
	return countByKind(ctx, ts.tx, `SELECT kind, COUNT(*) FROM `+table+` WHERE batch_id = ? GROUP BY kind`, batch.ID)
}

func (ts *txStore) DeleteRows(ctx context.Context, scope budget.Scope) (map[budget.Kind]int, error) {
	scope = scope.Canonical()
	counts, err := ts.CountRows(ctx, scope)
	if err != nil {
		return nil, err
	}
	if _, err := ts.tx.ExecContext(ctx, `
		DELETE FROM budget_rows WHERE division = ? AND owner = ? AND year = ?
	`, scope.Division, scope.Owner, scope.Year); err != nil {
		return nil, fmt.Errorf("failed to delete rows: %w", err)
	}
	return counts, nil
}

func (ts *txStore) UpsertRow(ctx context.Context, row budget.Row, documentID string) error {
	updated := row.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO budget_rows
		(division, owner, year, month, customer, country, product_group, combo_key, kind, value, document_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(division, owner, year, month, combo_key, kind) DO UPDATE SET
			customer = excluded.customer,
			country = excluded.country,
			product_group = excluded.product_group,
			value = excluded.value,
			document_id = excluded.document_id,
			updated_at = excluded.updated_at
	`, budget.CanonicalDivision(row.Division), row.Owner, row.Year, row.Month, row.Customer, row.Country, row.ProductGroup,
		row.Combo.Key(), row.Kind, row.Value.String(), nullString(documentID),
		updated.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to upsert row: %w", err)
	}
	return nil
}

func countByKind(ctx context.Context, tx *sql.Tx, query string, args ...any) (map[budget.Kind]int, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count rows: %w", err)
	}
	defer rows.Close()

	counts := make(map[budget.Kind]int)
	for rows.Next() {
		var kind budget.Kind
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		counts[kind] = n
	}
	return counts, rows.Err()
}

// =============================================================================
// ARCHIVE (audit)
// =============================================================================

// ArchivedRows returns every archived row of a division, oldest batch first.
// A division that never archived anything has no rows. Divisions whose codes
// differ only in '-' versus '_' share a relation, so rows are filtered.
func (s *Store) ArchivedRows(ctx context.Context, division string) ([]budget.ArchivedRow, error) {
	division = budget.CanonicalDivision(division)
	table, err := ArchiveTable(division)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var exists int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&exists); err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT division, owner, year, month, customer, country, product_group, kind, value,
		       document_id, updated_at, batch_id, archive_reason, archived_at
		FROM `+table+`
		WHERE division = ?
		ORDER BY archived_at, rowid
	`, division)
	if err != nil {
		return nil, fmt.Errorf("failed to query archive: %w", err)
	}
	defer rows.Close()

	var out []budget.ArchivedRow
	for rows.Next() {
		var a budget.ArchivedRow
		var value, updated, archived string
		var docID sql.NullString
		if err := rows.Scan(&a.Division, &a.Owner, &a.Year, &a.Month, &a.Customer, &a.Country,
			&a.ProductGroup, &a.Kind, &value, &docID, &updated, &a.BatchID, &a.Reason, &archived); err != nil {
			return nil, err
		}
		a.DocumentID = docID.String
		if a.Value, err = decimal.NewFromString(value); err != nil {
			return nil, fmt.Errorf("archived value %q: %w", value, err)
		}
		a.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
		a.ArchivedAt, _ = time.Parse(time.RFC3339, archived)
		out = append(out, a)
	}
	return out, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo). Archive tables are dropped.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE 'budget_rows_archive_%'`)
	if err != nil {
		return err
	}
	var archives []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		archives = append(archives, name)
	}
	rows.Close()
	sort.Strings(archives)

	for _, table := range archives {
		if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			return err
		}
	}
	for _, table := range []string{"budget_rows", "actual_rows", "product_pricing"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
