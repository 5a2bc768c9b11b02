/*
Package merge writes validated budget documents into storage.

PURPOSE:
  A merge replaces the budget of one scope (division, owner, target year)
  with the records of one document. The previous rows are archived first,
  so nothing a merge overwrites is ever lost.

TRANSACTION STEPS:
  0. Resolve pricing for the document (before the transaction)
  1. Count existing rows in scope
  2. If any: provision the division archive, copy them into it
  3. Delete them
  4. Upsert VOLUME for every record, AMOUNT when the price is set,
     MORM when the secondary factor is set
  5. Commit

  Any failure rolls the whole transaction back and is returned as a
  *budget.MergeError. There is no partial merge.

LAST WRITER WINS:
  Two imports for the same scope serialize on the store transaction; the
  later one archives and replaces the earlier one's rows.

SEE ALSO:
  - document/validator.go: Produces the Validated input
  - budget/store.go: Tx contract
  - schema.go: Archive provisioning memo
*/
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/warp/budget-engine/budget"
	"github.com/warp/budget-engine/document"
	"github.com/warp/budget-engine/pricing"
)

// PriceTables provides authoritative pricing for derived values.
type PriceTables interface {
	Table(ctx context.Context, division string, year int) (pricing.Table, error)
}

// Result is the outcome of one merge. It is reported, not persisted.
type Result struct {
	DocumentID string
	Scope      budget.Scope
	BatchID    string // empty when nothing was archived
	State      budget.Lifecycle

	Archived map[budget.Kind]int
	Deleted  map[budget.Kind]int
	Inserted map[budget.Kind]int

	Skipped  []budget.RecordIssue
	Warnings []string
}

// TotalInserted sums inserted rows over every kind.
func (r *Result) TotalInserted() int {
	return sumCounts(r.Inserted)
}

// Writer merges validated documents.
type Writer struct {
	store   budget.TxStore
	pricing PriceTables
	schema  *SchemaCache
	now     func() time.Time
	log     *slog.Logger
}

// NewWriter creates a merge writer. schema may be nil, in which case the
// archive is provisioned on every merge that archives rows.
func NewWriter(store budget.TxStore, prices PriceTables, schema *SchemaCache, log *slog.Logger) *Writer {
	if log == nil {
		log = slog.Default()
	}
	return &Writer{store: store, pricing: prices, schema: schema, now: time.Now, log: log}
}

// WithClock replaces the writer's clock.
func (w *Writer) WithClock(now func() time.Time) *Writer {
	w.now = now
	return w
}

// Merge writes a validated document into its scope.
func (w *Writer) Merge(ctx context.Context, doc *document.Validated) (*Result, error) {
	meta := doc.Metadata
	scope := doc.Scope()

	// Pricing is read outside the transaction; the reference year is the
	// source year of the document.
	var table pricing.Table
	if w.pricing != nil {
		var err error
		table, err = w.pricing.Table(ctx, scope.Division, meta.SourceYear)
		if err != nil {
			return nil, &budget.MergeError{Scope: scope, Step: "pricing", Err: err}
		}
	}

	now := w.now().UTC()
	res := &Result{
		DocumentID: meta.DocumentID,
		Scope:      scope,
		Archived:   map[budget.Kind]int{},
		Deleted:    map[budget.Kind]int{},
		Inserted:   map[budget.Kind]int{},
		Skipped:    doc.Skipped,
		Warnings:   doc.Warnings,
	}
	batch := budget.ArchiveBatch{
		ID:         uuid.NewString(),
		Reason:     fmt.Sprintf("superseded by document %s", meta.DocumentID),
		DocumentID: meta.DocumentID,
		ArchivedAt: now,
	}
	provisioned := false

	err := w.store.WithTx(ctx, func(tx budget.Tx) error {
		existing, err := tx.CountRows(ctx, scope)
		if err != nil {
			return &budget.MergeError{Scope: scope, Step: "count", Err: err}
		}

		if sumCounts(existing) > 0 {
			if !w.schema.Ready(scope.Division) {
				if err := tx.EnsureArchive(ctx, scope.Division); err != nil {
					return &budget.MergeError{Scope: scope, Step: "archive", Err: err}
				}
				provisioned = true
			}
			if res.Archived, err = tx.ArchiveRows(ctx, scope, batch); err != nil {
				return &budget.MergeError{Scope: scope, Step: "archive", Err: err}
			}
			if res.Deleted, err = tx.DeleteRows(ctx, scope); err != nil {
				return &budget.MergeError{Scope: scope, Step: "delete", Err: err}
			}
			res.BatchID = batch.ID
		}

		for _, rec := range doc.Records {
			for _, row := range deriveRows(scope, rec, table.Lookup(rec.ProductGroup), now) {
				if err := tx.UpsertRow(ctx, row, meta.DocumentID); err != nil {
					return &budget.MergeError{Scope: scope, Step: "insert", Err: err}
				}
				res.Inserted[row.Kind]++
			}
		}
		return nil
	})
	if err != nil {
		var me *budget.MergeError
		if !errors.As(err, &me) {
			err = &budget.MergeError{Scope: scope, Step: "commit", Err: err}
		} else if me.Step == "archive" {
			// The archive may have been dropped behind the cache's back.
			w.schema.Invalidate(scope.Division)
		}
		w.log.Error("merge rolled back", "document_id", meta.DocumentID, "scope", scope.String(), "error", err)
		return nil, err
	}

	if provisioned {
		w.schema.MarkReady(scope.Division)
	}
	res.State = budget.StateMerged

	w.log.Info("document merged",
		"document_id", meta.DocumentID,
		"scope", scope.String(),
		"batch_id", res.BatchID,
		"archived", sumCounts(res.Archived),
		"inserted", res.TotalInserted(),
		"skipped", len(res.Skipped))
	return res, nil
}

// deriveRows expands one record into its stored rows. VOLUME is always
// written; AMOUNT and MORM only when their factor is non-zero.
func deriveRows(scope budget.Scope, rec budget.Record, entry pricing.Entry, now time.Time) []budget.Row {
	base := budget.Row{
		Division:  scope.Division,
		Owner:     scope.Owner,
		Year:      scope.Year,
		Record:    rec,
		Kind:      budget.KindVolume,
		UpdatedAt: now,
	}
	rows := []budget.Row{base}

	if !entry.Price.IsZero() {
		amount := base
		amount.Kind = budget.KindAmount
		amount.Value = entry.Amount(rec.Value)
		rows = append(rows, amount)
	}
	if !entry.SecondaryFactor.IsZero() {
		morm := base
		morm.Kind = budget.KindMoRM
		morm.Value = entry.MoRM(rec.Value)
		rows = append(rows, morm)
	}
	return rows
}

func sumCounts(m map[budget.Kind]int) int {
	n := 0
	for _, c := range m {
		n += c
	}
	return n
}
