package merge_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/budget-engine/budget"
	"github.com/warp/budget-engine/budget/store"
	"github.com/warp/budget-engine/document"
	"github.com/warp/budget-engine/merge"
	"github.com/warp/budget-engine/pricing"
	"github.com/warp/budget-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var mergeTime = time.Date(2025, time.December, 1, 12, 0, 0, 0, time.UTC)

type staticPrices pricing.Table

func (s staticPrices) Table(_ context.Context, _ string, _ int) (pricing.Table, error) {
	return pricing.Table(s), nil
}

type failingPrices struct{}

func (failingPrices) Table(_ context.Context, _ string, _ int) (pricing.Table, error) {
	return nil, errors.New("pricing unavailable")
}

func prices() staticPrices {
	return staticPrices{
		pricing.Key("Shrink Film"):  {Price: decimal.NewFromInt(2), SecondaryFactor: decimal.RequireFromString("0.5")},
		pricing.Key("Stretch Film"): {SecondaryFactor: decimal.RequireFromString("0.3")},
	}
}

func newSQLiteWriter(t *testing.T) (*merge.Writer, *sqlite.Store, *merge.SchemaCache) {
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	schema := merge.NewSchemaCache(sqlite.SchemaVersion, 0)
	w := merge.NewWriter(s, prices(), schema, nil).WithClock(func() time.Time { return mergeTime })
	return w, s, schema
}

func rec(customer, pg string, month int, value int64) budget.Record {
	return budget.Record{
		Combo: budget.Combo{Customer: customer, Country: "UAE", ProductGroup: pg},
		Month: month,
		Value: decimal.NewFromInt(value),
	}
}

func validated(docID string, records ...budget.Record) *document.Validated {
	return &document.Validated{
		Metadata: budget.Metadata{
			DocumentID: docID,
			Division:   "FP",
			Owner:      "Narek",
			SourceYear: 2025,
			TargetYear: 2026,
			Version:    document.CurrentVersion,
			Type:       budget.DocPerOwner,
			State:      budget.StateFinal,
		},
		Records: records,
		Total:   len(records),
	}
}

var narek2026 = budget.Scope{Division: "FP", Owner: "Narek", Year: 2026}

func valueOf(rows []budget.Row, customer string, month int, kind budget.Kind) decimal.Decimal {
	for _, r := range rows {
		if r.Customer == customer && r.Month == month && r.Kind == kind {
			return r.Value
		}
	}
	return decimal.NewFromInt(-1)
}

// =============================================================================
// MERGE TESTS
// =============================================================================

func TestMerge_FirstImportInsertsDerivedRows(t *testing.T) {
	// GIVEN: An empty scope and a document with a priced and a half-priced group
	// WHEN: Merging
	// THEN: VOLUME always, AMOUNT only with a price, MORM only with a factor

	w, s, _ := newSQLiteWriter(t)
	ctx := context.Background()

	res, err := w.Merge(ctx, validated("doc-1",
		rec("Acme", "Shrink Film", 1, 10),
		rec("Acme", "Stretch Film", 1, 20),
		rec("Acme", "Bags", 2, 5),
	))
	require.NoError(t, err)

	assert.Equal(t, budget.StateMerged, res.State)
	assert.Empty(t, res.BatchID, "nothing to archive on first import")
	assert.Equal(t, 3, res.Inserted[budget.KindVolume])
	assert.Equal(t, 1, res.Inserted[budget.KindAmount])
	assert.Equal(t, 2, res.Inserted[budget.KindMoRM])
	assert.Equal(t, 6, res.TotalInserted())

	rows, err := s.BudgetRows(ctx, narek2026)
	require.NoError(t, err)
	require.Len(t, rows, 6)
	assert.True(t, valueOf(rows, "Acme", 1, budget.KindAmount).Equal(decimal.NewFromInt(20)))
	assert.True(t, valueOf(rows, "Acme", 1, budget.KindMoRM).Equal(decimal.NewFromInt(5)))
}

func TestMerge_ReimportIsIdempotent(t *testing.T) {
	// GIVEN: A document already merged
	// WHEN: Merging the same document again
	// THEN: The budget ends up identical; the first result was archived

	w, s, _ := newSQLiteWriter(t)
	ctx := context.Background()
	doc := validated("doc-1", rec("Acme", "Shrink Film", 1, 10), rec("Beta", "Bags", 3, 7))

	_, err := w.Merge(ctx, doc)
	require.NoError(t, err)
	first, err := s.BudgetRows(ctx, narek2026)
	require.NoError(t, err)

	res, err := w.Merge(ctx, doc)
	require.NoError(t, err)
	second, err := s.BudgetRows(ctx, narek2026)
	require.NoError(t, err)

	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i].CellKey(), second[i].CellKey())
		assert.Equal(t, first[i].Kind, second[i].Kind)
		assert.True(t, first[i].Value.Equal(second[i].Value))
	}
	assert.Equal(t, len(first), res.Archived[budget.KindVolume]+res.Archived[budget.KindAmount]+res.Archived[budget.KindMoRM])
}

func TestMerge_ArchivesOriginalValuesBeforeDelete(t *testing.T) {
	// GIVEN: A scope holding Acme/Jan = 10 from an earlier document
	// WHEN: A new document sets Acme/Jan = 99
	// THEN: The archive holds the original 10 under the new batch id

	w, s, schema := newSQLiteWriter(t)
	ctx := context.Background()

	_, err := w.Merge(ctx, validated("doc-1", rec("Acme", "Shrink Film", 1, 10)))
	require.NoError(t, err)

	res, err := w.Merge(ctx, validated("doc-2", rec("Acme", "Shrink Film", 1, 99)))
	require.NoError(t, err)
	require.NotEmpty(t, res.BatchID)
	assert.Equal(t, 1, res.Deleted[budget.KindVolume])

	archived, err := s.ArchivedRows(ctx, "FP")
	require.NoError(t, err)
	require.Len(t, archived, 3) // volume, amount, morm

	for _, a := range archived {
		assert.Equal(t, res.BatchID, a.BatchID)
		assert.Contains(t, a.Reason, "doc-2")
		assert.True(t, mergeTime.Equal(a.ArchivedAt))
	}
	assert.True(t, valueOf(rowsOf(archived), "Acme", 1, budget.KindVolume).Equal(decimal.NewFromInt(10)))

	current, err := s.BudgetRows(ctx, narek2026)
	require.NoError(t, err)
	assert.True(t, valueOf(current, "Acme", 1, budget.KindVolume).Equal(decimal.NewFromInt(99)))
	assert.True(t, schema.Ready("FP"))
}

func TestMerge_ReplacesWholeScope(t *testing.T) {
	// GIVEN: Rows for months 1 and 2
	// WHEN: A new document only has month 3
	// THEN: Months 1 and 2 are gone (archived), month 3 is present

	w, s, _ := newSQLiteWriter(t)
	ctx := context.Background()

	_, err := w.Merge(ctx, validated("doc-1", rec("Acme", "Bags", 1, 1), rec("Acme", "Bags", 2, 2)))
	require.NoError(t, err)
	_, err = w.Merge(ctx, validated("doc-2", rec("Acme", "Bags", 3, 3)))
	require.NoError(t, err)

	rows, err := s.BudgetRows(ctx, narek2026)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 3, rows[0].Month)
}

func TestMerge_AggregateAndOwnerScopesAreSeparate(t *testing.T) {
	w, s, _ := newSQLiteWriter(t)
	ctx := context.Background()

	_, err := w.Merge(ctx, validated("doc-1", rec("Acme", "Bags", 1, 5)))
	require.NoError(t, err)

	agg := validated("doc-2", rec("Acme", "Bags", 1, 500))
	agg.Metadata.Type = budget.DocAggregate
	agg.Metadata.Owner = ""
	_, err = w.Merge(ctx, agg)
	require.NoError(t, err)

	own, err := s.BudgetRows(ctx, narek2026)
	require.NoError(t, err)
	require.Len(t, own, 1)
	assert.True(t, own[0].Value.Equal(decimal.NewFromInt(5)))

	div, err := s.BudgetRows(ctx, budget.Scope{Division: "FP", Year: 2026})
	require.NoError(t, err)
	require.Len(t, div, 1)
	assert.True(t, div[0].Value.Equal(decimal.NewFromInt(500)))
}

func TestMerge_PricingFailureIsMergeError(t *testing.T) {
	s := store.NewMemory()
	w := merge.NewWriter(s, failingPrices{}, nil, nil)

	_, err := w.Merge(context.Background(), validated("doc-1", rec("Acme", "Bags", 1, 5)))
	require.ErrorIs(t, err, budget.ErrMergeTransactionFailed)

	var me *budget.MergeError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "pricing", me.Step)
}

// =============================================================================
// ROLLBACK
// =============================================================================

func TestMerge_FailureRollsBackEverything(t *testing.T) {
	for _, step := range []string{"count", "ensure_archive", "archive", "delete", "insert"} {
		t.Run(step, func(t *testing.T) {
			// GIVEN: A scope holding one row
			// WHEN: The merge fails at this step
			// THEN: The original row is intact and nothing was archived

			s := store.NewMemory()
			s.PutRows(budget.Row{Division: "FP", Owner: "Narek", Year: 2026,
				Record: rec("Acme", "Bags", 1, 10), Kind: budget.KindVolume})
			schema := merge.NewSchemaCache(1, 0)
			w := merge.NewWriter(s, prices(), schema, nil)

			s.FailOn = step
			_, err := w.Merge(context.Background(), validated("doc-2", rec("Acme", "Bags", 1, 99)))
			require.ErrorIs(t, err, budget.ErrMergeTransactionFailed)
			assert.True(t, budget.IsRetryable(err))

			rows, err := s.BudgetRows(context.Background(), narek2026)
			require.NoError(t, err)
			require.Len(t, rows, 1)
			assert.True(t, rows[0].Value.Equal(decimal.NewFromInt(10)))
			assert.Empty(t, s.Archived("FP"))
			assert.False(t, schema.Ready("FP"), "rolled-back provisioning must not be cached")
		})
	}
}

func TestMerge_SchemaCacheSkipsProvisioning(t *testing.T) {
	// GIVEN: A division already marked ready
	// WHEN: Provisioning would fail
	// THEN: The merge never tries it

	s := store.NewMemory()
	s.PutRows(budget.Row{Division: "FP", Owner: "Narek", Year: 2026,
		Record: rec("Acme", "Bags", 1, 10), Kind: budget.KindVolume})
	w := merge.NewWriter(s, prices(), merge.NewSchemaCache(1, 0), nil)

	_, err := w.Merge(context.Background(), validated("doc-1", rec("Acme", "Bags", 1, 11)))
	require.NoError(t, err)

	s.FailOn = "ensure_archive"
	_, err = w.Merge(context.Background(), validated("doc-2", rec("Acme", "Bags", 1, 12)))
	require.NoError(t, err)
	assert.Len(t, s.Archived("FP"), 2)
}

func TestSchemaCache_VersionIsPartOfKey(t *testing.T) {
	v1 := merge.NewSchemaCache(1, time.Minute)
	v1.MarkReady("FP")
	assert.True(t, v1.Ready("fp"))

	v2 := merge.NewSchemaCache(2, time.Minute)
	assert.False(t, v2.Ready("FP"))

	v1.Invalidate("FP")
	assert.False(t, v1.Ready("FP"))
}

func rowsOf(archived []budget.ArchivedRow) []budget.Row {
	out := make([]budget.Row, 0, len(archived))
	for _, a := range archived {
		out = append(out, a.Row)
	}
	return out
}
