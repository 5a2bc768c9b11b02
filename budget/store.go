/*
store.go - Persistence contracts for budget rows

PURPOSE:
  Defines the interface between the budget engine and the database.
  The engine never talks SQL; it reads history and writes budgets
  through these contracts. SQLite and in-memory implementations exist.

KEY INTERFACES:
  RowStore:  Read budget rows and prior-period actuals
  Tx:        The operations one merge transaction needs
  TxStore:   RowStore plus a transactional scope for merges

MERGE CONTRACT:
  A merge runs entirely inside WithTx. If the callback returns an error,
  everything it did is rolled back: no archive-without-delete and no
  delete-without-insert state is ever visible to readers.

IDEMPOTENCY:
  UpsertRow is keyed on (division, owner, year, month, combo, kind).
  Writing the same key twice overwrites instead of duplicating.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: Production SQLite
  - budget/store/memory.go: In-memory for testing

SEE ALSO:
  - merge/writer.go: The only caller of WithTx
  - planner/service.go: Reads history for allocation
*/
package budget

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ROW STORE - Read side
// =============================================================================

// RowStore reads persisted budget rows and historical actuals.
type RowStore interface {
	// BudgetRows returns the budget rows stored for a scope, all kinds.
	BudgetRows(ctx context.Context, scope Scope) ([]Row, error)

	// ActualRows returns the historical actuals for a scope. An empty owner
	// returns the whole division, summed per combination, month and kind.
	ActualRows(ctx context.Context, scope Scope) ([]Row, error)
}

// MonthlyTotals sums rows per kind and month.
func MonthlyTotals(rows []Row) map[Kind]map[int]decimal.Decimal {
	totals := make(map[Kind]map[int]decimal.Decimal)
	for _, r := range rows {
		byMonth, ok := totals[r.Kind]
		if !ok {
			byMonth = make(map[int]decimal.Decimal)
			totals[r.Kind] = byMonth
		}
		byMonth[r.Month] = byMonth[r.Month].Add(r.Value)
	}
	return totals
}

// =============================================================================
// TRANSACTIONAL STORE - For the merge writer
// =============================================================================

// ArchiveBatch tags rows copied into the archive by one merge.
type ArchiveBatch struct {
	ID         string
	Reason     string
	DocumentID string
	ArchivedAt time.Time
}

// ArchivedRow is a row as it was before a merge superseded it.
type ArchivedRow struct {
	Row
	BatchID    string
	Reason     string
	ArchivedAt time.Time
}

// Tx is the set of operations available inside one merge transaction.
type Tx interface {
	// CountRows counts the rows stored for a scope, per kind.
	CountRows(ctx context.Context, scope Scope) (map[Kind]int, error)

	// EnsureArchive creates the division's archive relation if it is absent.
	EnsureArchive(ctx context.Context, division string) error

	// ArchiveRows copies every row of the scope verbatim into the archive.
	ArchiveRows(ctx context.Context, scope Scope, batch ArchiveBatch) (map[Kind]int, error)

	// DeleteRows removes every row of the scope.
	DeleteRows(ctx context.Context, scope Scope) (map[Kind]int, error)

	// UpsertRow inserts or overwrites one row by its full key.
	UpsertRow(ctx context.Context, row Row, documentID string) error
}

// TxStore wraps RowStore with transaction support.
type TxStore interface {
	RowStore

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Tx) error) error
}
