/*
Package allocation converts between aggregate budget totals and per-line items.

PURPOSE:
  A budget can be approached from two ends. Either the planner knows the
  lines (customer, country, product group) and wants a monthly total, or
  they know a total and want it spread over the lines the way last year's
  business was spread. This package does both.

ESTIMATE MODE:
  Input:  monthly totals per kind for the months that have data,
          plus the months to estimate.
  Base:   every month with data, minus the months being estimated.
  Output: each target month receives the plain average of the base
          months, rounded to an integer. No seasonality weighting.

  Example: totals Jan=100, Feb=200, Mar=300, targets {Apr, May}
           -> Apr=200, May=200

ALLOCATION MODE:
  Input:  an aggregate monthly total per kind, and historical rows.
  Share:  combination base total / base grand total (0 if grand total is 0)
  Output: for every combination and target month, total x share.

  Example: T=12000, shares 0.6 / 0.4 -> 7200 / 4800

  Allocations of a month always cover every combination of the basis.
  A zero-share combination gets an explicit 0, it is never omitted, so
  the allocations of a month sum to T (up to rounding) whenever the
  grand total is non-zero.

FAILURE:
  ErrNoBasisAvailable when there is no history (or no base month left
  once targets are excluded). Not retried.

SEE ALSO:
  - budget/types.go: Row, Record, Kind
  - planner/service.go: Feeds history from the store
*/
package allocation

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/warp/budget-engine/budget"
)

// =============================================================================
// ESTIMATE MODE
// =============================================================================

// Estimate is the result of estimate mode.
type Estimate struct {
	BaseMonths   []int
	TargetMonths []int
	// Average per kind; every target month receives this value.
	Average map[budget.Kind]decimal.Decimal
}

// Values expands the averages into per-month totals for the target months.
func (e *Estimate) Values() map[budget.Kind]map[int]decimal.Decimal {
	out := make(map[budget.Kind]map[int]decimal.Decimal, len(e.Average))
	for kind, avg := range e.Average {
		byMonth := make(map[int]decimal.Decimal, len(e.TargetMonths))
		for _, m := range e.TargetMonths {
			byMonth[m] = avg
		}
		out[kind] = byMonth
	}
	return out
}

// EstimateTotals averages the base months of history into the target months.
func EstimateTotals(history map[budget.Kind]map[int]decimal.Decimal, targets []int) (*Estimate, error) {
	for _, m := range targets {
		if !budget.ValidMonth(m) {
			return nil, fmt.Errorf("estimate: target month %d outside [1,12]", m)
		}
	}

	var withData []int
	for _, byMonth := range history {
		for m := range byMonth {
			withData = append(withData, m)
		}
	}
	base := budget.ExcludeMonths(withData, targets)
	if len(base) == 0 {
		return nil, budget.ErrNoBasisAvailable
	}

	count := decimal.NewFromInt(int64(len(base)))
	est := &Estimate{
		BaseMonths:   base,
		TargetMonths: budget.MonthSet(targets),
		Average:      make(map[budget.Kind]decimal.Decimal, len(history)),
	}
	for kind, byMonth := range history {
		sum := decimal.Zero
		for _, m := range base {
			sum = sum.Add(byMonth[m])
		}
		est.Average[kind] = sum.Div(count).Round(0)
	}
	return est, nil
}

// =============================================================================
// ALLOCATION BASIS
// =============================================================================

// Share is one combination's part of a kind's base-period grand total.
type Share struct {
	Combo budget.Combo
	Total decimal.Decimal
	Share decimal.Decimal
}

// Basis is the derived allocation basis for a set of history rows.
// It is computed on demand and never persisted.
type Basis struct {
	BaseMonths []int
	Combos     []budget.Combo
	Shares     map[budget.Kind][]Share
	Grand      map[budget.Kind]decimal.Decimal
}

// NewBasis groups history rows by combination over the base months.
// Base months are the months present in history minus exclude.
// Every combination seen anywhere in history is part of the basis.
func NewBasis(history []budget.Row, exclude []int) (*Basis, error) {
	if len(history) == 0 {
		return nil, budget.ErrNoBasisAvailable
	}

	months := make([]int, 0, len(history))
	for _, r := range history {
		months = append(months, r.Month)
	}
	base := budget.ExcludeMonths(months, exclude)
	if len(base) == 0 {
		return nil, budget.ErrNoBasisAvailable
	}
	inBase := make(map[int]bool, len(base))
	for _, m := range base {
		inBase[m] = true
	}

	combos := make(map[string]budget.Combo)
	totals := make(map[budget.Kind]map[string]decimal.Decimal)
	grand := make(map[budget.Kind]decimal.Decimal)
	for _, r := range history {
		k := r.Combo.Key()
		if _, ok := combos[k]; !ok {
			combos[k] = r.Combo.Normalize()
		}
		if _, ok := totals[r.Kind]; !ok {
			totals[r.Kind] = make(map[string]decimal.Decimal)
		}
		if !inBase[r.Month] {
			continue
		}
		totals[r.Kind][k] = totals[r.Kind][k].Add(r.Value)
		grand[r.Kind] = grand[r.Kind].Add(r.Value)
	}

	b := &Basis{
		BaseMonths: base,
		Combos:     sortedCombos(combos),
		Shares:     make(map[budget.Kind][]Share, len(totals)),
		Grand:      grand,
	}
	for kind, byCombo := range totals {
		g := grand[kind]
		shares := make([]Share, 0, len(b.Combos))
		for _, c := range b.Combos {
			t := byCombo[c.Key()]
			s := decimal.Zero
			if !g.IsZero() {
				s = t.Div(g)
			}
			shares = append(shares, Share{Combo: c, Total: t, Share: s})
		}
		b.Shares[kind] = shares
	}
	return b, nil
}

// Distribute spreads per-month totals over the basis combinations.
// A kind with no history gets zero allocations for every combination.
func (b *Basis) Distribute(totals map[budget.Kind]map[int]decimal.Decimal) []Allocation {
	kinds := make([]budget.Kind, 0, len(totals))
	for k := range totals {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	var out []Allocation
	for _, kind := range kinds {
		byMonth := totals[kind]
		months := make([]int, 0, len(byMonth))
		for m := range byMonth {
			months = append(months, m)
		}
		sort.Ints(months)

		g := b.Grand[kind]
		byCombo := make(map[string]decimal.Decimal)
		for _, s := range b.Shares[kind] {
			byCombo[s.Combo.Key()] = s.Total
		}
		for _, m := range months {
			t := byMonth[m]
			for _, c := range b.Combos {
				v := decimal.Zero
				if !g.IsZero() {
					// total x (combo / grand), multiplied first to keep precision
					v = t.Mul(byCombo[c.Key()]).Div(g)
				}
				out = append(out, Allocation{Combo: c, Month: m, Kind: kind, Value: v})
			}
		}
	}
	return out
}

// =============================================================================
// ALLOCATION MODE
// =============================================================================

// Allocation is one combination's share of a month's total.
type Allocation struct {
	Combo budget.Combo
	Month int
	Kind  budget.Kind
	Value decimal.Decimal
}

// Allocate distributes totals over history, using every month with history
// that is not itself a target month as the base.
func Allocate(totals map[budget.Kind]map[int]decimal.Decimal, history []budget.Row) ([]Allocation, error) {
	var targets []int
	for _, byMonth := range totals {
		for m := range byMonth {
			if !budget.ValidMonth(m) {
				return nil, fmt.Errorf("allocate: target month %d outside [1,12]", m)
			}
			targets = append(targets, m)
		}
	}
	b, err := NewBasis(history, targets)
	if err != nil {
		return nil, err
	}
	return b.Distribute(totals), nil
}

// Uniform returns the same total for every month given.
func Uniform(kind budget.Kind, total decimal.Decimal, months []int) map[budget.Kind]map[int]decimal.Decimal {
	byMonth := make(map[int]decimal.Decimal, len(months))
	for _, m := range months {
		byMonth[m] = total
	}
	return map[budget.Kind]map[int]decimal.Decimal{kind: byMonth}
}

// Records converts the positive allocations of one kind into budget records,
// rounded to places decimals.
func Records(allocs []Allocation, kind budget.Kind, places int32) []budget.Record {
	var out []budget.Record
	for _, a := range allocs {
		if a.Kind != kind {
			continue
		}
		v := a.Value.Round(places)
		if !v.IsPositive() {
			continue
		}
		out = append(out, budget.Record{Combo: a.Combo, Month: a.Month, Value: v})
	}
	return out
}

// SumByMonth totals allocations of a kind per month.
func SumByMonth(allocs []Allocation, kind budget.Kind) map[int]decimal.Decimal {
	out := make(map[int]decimal.Decimal)
	for _, a := range allocs {
		if a.Kind == kind {
			out[a.Month] = out[a.Month].Add(a.Value)
		}
	}
	return out
}

func sortedCombos(m map[string]budget.Combo) []budget.Combo {
	out := make([]budget.Combo, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
