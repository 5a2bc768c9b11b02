// Package store provides in-memory budget.TxStore implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/budget-engine/budget"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu       sync.RWMutex
	rows     map[rowKey]budget.Row
	actuals  []budget.Row
	archives map[string][]budget.ArchivedRow // by canonical division

	// FailOn makes the named Tx step fail, to exercise rollback.
	FailOn string
}

type rowKey struct {
	division string
	owner    string
	year     int
	cell     string
	kind     budget.Kind
}

func keyOf(r budget.Row) rowKey {
	return rowKey{
		division: budget.CanonicalDivision(r.Division),
		owner:    r.Owner,
		year:     r.Year,
		cell:     r.CellKey(),
		kind:     r.Kind,
	}
}

func NewMemory() *Memory {
	return &Memory{
		rows:     make(map[rowKey]budget.Row),
		archives: make(map[string][]budget.ArchivedRow),
	}
}

// AddActuals appends historical rows.
func (m *Memory) AddActuals(rows ...budget.Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actuals = append(m.actuals, rows...)
}

// PutRows stores budget rows directly, bypassing the merge path.
func (m *Memory) PutRows(rows ...budget.Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		r.Division = budget.CanonicalDivision(r.Division)
		m.rows[keyOf(r)] = r
	}
}

// Archived returns the archive of a division.
func (m *Memory) Archived(division string) []budget.ArchivedRow {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]budget.ArchivedRow(nil), m.archives[budget.CanonicalDivision(division)]...)
}

func (m *Memory) BudgetRows(_ context.Context, scope budget.Scope) ([]budget.Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scopeRowsLocked(scope), nil
}

func (m *Memory) ActualRows(_ context.Context, scope budget.Scope) ([]budget.Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	scope = scope.Canonical()
	summed := make(map[rowKey]budget.Row)
	var order []rowKey
	for _, r := range m.actuals {
		if budget.CanonicalDivision(r.Division) != scope.Division || r.Year != scope.Year {
			continue
		}
		if scope.Owner != "" && r.Owner != scope.Owner {
			continue
		}
		r.Division, r.Owner = scope.Division, scope.Owner
		k := keyOf(r)
		if prev, ok := summed[k]; ok {
			prev.Value = prev.Value.Add(r.Value)
			summed[k] = prev
			continue
		}
		summed[k] = r
		order = append(order, k)
	}
	out := make([]budget.Row, 0, len(order))
	for _, k := range order {
		out = append(out, summed[k])
	}
	return out, nil
}

func (m *Memory) scopeRowsLocked(scope budget.Scope) []budget.Row {
	var out []budget.Row
	for _, r := range m.rows {
		if inScope(r, scope) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CellKey() != out[j].CellKey() {
			return out[i].CellKey() < out[j].CellKey()
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

func inScope(r budget.Row, scope budget.Scope) bool {
	return r.Division == budget.CanonicalDivision(scope.Division) && r.Owner == scope.Owner && r.Year == scope.Year
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(budget.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	rows     map[rowKey]budget.Row
	archives map[string][]budget.ArchivedRow
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		rows:     make(map[rowKey]budget.Row, len(m.rows)),
		archives: make(map[string][]budget.ArchivedRow, len(m.archives)),
	}
	for k, v := range m.rows {
		s.rows[k] = v
	}
	for k, v := range m.archives {
		s.archives[k] = append([]budget.ArchivedRow(nil), v...)
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.rows = s.rows
	m.archives = s.archives
}

type txView struct {
	parent *Memory
}

func (tv *txView) fail(step string) error {
	if tv.parent.FailOn == step {
		return fmt.Errorf("memory store: injected %s failure", step)
	}
	return nil
}

func (tv *txView) CountRows(_ context.Context, scope budget.Scope) (map[budget.Kind]int, error) {
	if err := tv.fail("count"); err != nil {
		return nil, err
	}
	counts := make(map[budget.Kind]int)
	for _, r := range tv.parent.scopeRowsLocked(scope) {
		counts[r.Kind]++
	}
	return counts, nil
}

func (tv *txView) EnsureArchive(_ context.Context, division string) error {
	if err := tv.fail("ensure_archive"); err != nil {
		return err
	}
	k := budget.CanonicalDivision(division)
	if _, ok := tv.parent.archives[k]; !ok {
		tv.parent.archives[k] = nil
	}
	return nil
}

func (tv *txView) ArchiveRows(_ context.Context, scope budget.Scope, batch budget.ArchiveBatch) (map[budget.Kind]int, error) {
	if err := tv.fail("archive"); err != nil {
		return nil, err
	}
	k := budget.CanonicalDivision(scope.Division)
	if _, ok := tv.parent.archives[k]; !ok {
		return nil, fmt.Errorf("memory store: archive for %s not provisioned", scope.Division)
	}
	counts := make(map[budget.Kind]int)
	for _, r := range tv.parent.scopeRowsLocked(scope) {
		tv.parent.archives[k] = append(tv.parent.archives[k], budget.ArchivedRow{
			Row:        r,
			BatchID:    batch.ID,
			Reason:     batch.Reason,
			ArchivedAt: batch.ArchivedAt,
		})
		counts[r.Kind]++
	}
	return counts, nil
}

func (tv *txView) DeleteRows(_ context.Context, scope budget.Scope) (map[budget.Kind]int, error) {
	if err := tv.fail("delete"); err != nil {
		return nil, err
	}
	counts := make(map[budget.Kind]int)
	for k, r := range tv.parent.rows {
		if inScope(r, scope) {
			delete(tv.parent.rows, k)
			counts[r.Kind]++
		}
	}
	return counts, nil
}

func (tv *txView) UpsertRow(_ context.Context, row budget.Row, documentID string) error {
	if err := tv.fail("insert"); err != nil {
		return err
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = time.Now().UTC()
	}
	row.Division = budget.CanonicalDivision(row.Division)
	row.DocumentID = documentID
	tv.parent.rows[keyOf(row)] = row
	return nil
}
