package budget

import (
	"sort"
	"time"
)

// =============================================================================
// PERIODS - Budget years and month indexes
// =============================================================================

const (
	FirstMonth = 1
	LastMonth  = 12

	MinYear = 2000
	MaxYear = 2100
)

// ValidMonth returns true if m is a month index in [1, 12].
func ValidMonth(m int) bool {
	return m >= FirstMonth && m <= LastMonth
}

// ValidYear returns true if y is a plausible budget year.
func ValidYear(y int) bool {
	return y >= MinYear && y <= MaxYear
}

// TargetYear is the year a budget built from source data is for.
// By convention it is always exactly one year after the source.
func TargetYear(source int) int {
	return source + 1
}

// AllMonths returns [1..12].
func AllMonths() []int {
	months := make([]int, 0, LastMonth)
	for m := FirstMonth; m <= LastMonth; m++ {
		months = append(months, m)
	}
	return months
}

// MonthName returns the short English month name for an index.
func MonthName(m int) string {
	if !ValidMonth(m) {
		return ""
	}
	return time.Month(m).String()[:3]
}

// MonthSet returns a sorted, de-duplicated copy of months.
func MonthSet(months []int) []int {
	seen := make(map[int]bool, len(months))
	out := make([]int, 0, len(months))
	for _, m := range months {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	sort.Ints(out)
	return out
}

// ExcludeMonths returns the months of all that are not in drop.
func ExcludeMonths(all, drop []int) []int {
	skip := make(map[int]bool, len(drop))
	for _, m := range drop {
		skip[m] = true
	}
	var out []int
	for _, m := range MonthSet(all) {
		if !skip[m] {
			out = append(out, m)
		}
	}
	return out
}
