/*
Package budget provides the core types of the offline budget engine.

PURPOSE:
  This package contains the domain types shared by every stage of the
  budget document protocol: allocation, encoding, parsing/validation and
  merging. It has no knowledge of HTML, SQL or HTTP.

KEY CONCEPTS IN THIS FILE (types.go):
  - Combo: The dimension combination identifying one budget line
  - Record: A (combo, month, quantity) triple - the unit of a budget
  - Kind: Which derived value a stored row carries (volume, amount, MoRM)
  - Row: A persisted value row scoped to division/owner/year
  - Metadata: Everything a document declares about itself

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal to avoid floating-point drift in money
  2. Type Safety: DocumentType and Lifecycle are closed string enums
  3. Immutability: Records are values; documents are re-encoded, not edited

USAGE:
  rec := budget.Record{
      Combo: budget.Combo{Customer: "Acme", Country: "UAE", ProductGroup: "Shrink Film"},
      Month: 3,
      Value: decimal.NewFromInt(12),
  }

SEE ALSO:
  - errors.go: Error taxonomy
  - store.go: Persistence contracts
  - period.go: Month and year helpers
*/
package budget

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// DIMENSIONS
// =============================================================================

// Combo is the tuple of categorical labels identifying one budget line.
type Combo struct {
	Customer     string `json:"customer"`
	Country      string `json:"country"`
	ProductGroup string `json:"productGroup"`
}

// Key returns a case-insensitive identity for the combination.
func (c Combo) Key() string {
	return strings.ToLower(strings.TrimSpace(c.Customer)) + "\x1f" +
		strings.ToLower(strings.TrimSpace(c.Country)) + "\x1f" +
		strings.ToLower(strings.TrimSpace(c.ProductGroup))
}

// Normalize trims surrounding whitespace from every label.
func (c Combo) Normalize() Combo {
	return Combo{
		Customer:     strings.TrimSpace(c.Customer),
		Country:      strings.TrimSpace(c.Country),
		ProductGroup: strings.TrimSpace(c.ProductGroup),
	}
}

func (c Combo) String() string {
	return c.Customer + " / " + c.Country + " / " + c.ProductGroup
}

// Less orders combinations for stable rendering.
func (c Combo) Less(o Combo) bool {
	if c.Customer != o.Customer {
		return c.Customer < o.Customer
	}
	if c.Country != o.Country {
		return c.Country < o.Country
	}
	return c.ProductGroup < o.ProductGroup
}

// =============================================================================
// RECORD - One budget cell
// =============================================================================

// Record is a budgeted quantity for one combination in one month.
//
// INVARIANTS:
//   - Value > 0
//   - Month in [1, 12]
//   - All labels non-empty
type Record struct {
	Combo
	Month int
	Value decimal.Decimal
}

// Check returns every invariant the record violates, or nil.
func (r Record) Check(maxValue decimal.Decimal) []string {
	problems := CheckLabels(r.Combo)
	problems = append(problems, CheckMonth(r.Month)...)
	return append(problems, CheckValue(r.Value, maxValue)...)
}

// CheckLabels reports empty dimension labels.
func CheckLabels(c Combo) []string {
	var problems []string
	if strings.TrimSpace(c.Customer) == "" {
		problems = append(problems, "customer is empty")
	}
	if strings.TrimSpace(c.Country) == "" {
		problems = append(problems, "country is empty")
	}
	if strings.TrimSpace(c.ProductGroup) == "" {
		problems = append(problems, "product group is empty")
	}
	return problems
}

// CheckMonth reports a month index outside [1, 12].
func CheckMonth(m int) []string {
	if !ValidMonth(m) {
		return []string{fmt.Sprintf("month %d outside [1,12]", m)}
	}
	return nil
}

// CheckValue reports a non-positive value or one above maxValue.
// A zero maxValue disables the upper bound.
func CheckValue(v, maxValue decimal.Decimal) []string {
	if !v.IsPositive() {
		return []string{fmt.Sprintf("value %s is not positive", v)}
	}
	if !maxValue.IsZero() && v.GreaterThan(maxValue) {
		return []string{fmt.Sprintf("value %s exceeds limit %s", v, maxValue)}
	}
	return nil
}

// CellKey identifies a record slot: combination plus month.
func (r Record) CellKey() string {
	return fmt.Sprintf("%s\x1f%02d", r.Combo.Key(), r.Month)
}

// =============================================================================
// KIND - Which derived value a row carries
// =============================================================================

type Kind string

const (
	KindVolume Kind = "VOLUME" // primary quantity, as budgeted
	KindAmount Kind = "AMOUNT" // volume x selling price
	KindMoRM   Kind = "MORM"   // volume x margin-over-raw-material factor
)

// Kinds lists every kind in storage order.
var Kinds = []Kind{KindVolume, KindAmount, KindMoRM}

func (k Kind) Valid() bool {
	switch k {
	case KindVolume, KindAmount, KindMoRM:
		return true
	}
	return false
}

// Row is a persisted value row.
type Row struct {
	Division string
	Owner    string // empty for divisional (aggregate) rows
	Year     int
	Record
	Kind      Kind
	UpdatedAt time.Time

	// DocumentID names the document that last wrote a budget row. Actuals
	// have none.
	DocumentID string
}

// =============================================================================
// DOCUMENT METADATA
// =============================================================================

// DocumentType says who a document belongs to. The two kinds are exclusive.
type DocumentType string

const (
	DocPerOwner  DocumentType = "PER_OWNER"
	DocAggregate DocumentType = "AGGREGATE"
)

func (t DocumentType) Valid() bool {
	return t == DocPerOwner || t == DocAggregate
}

// Lifecycle is the state of a document.
//
//	Draft -> (edit, re-encode) -> Draft | Final
//	Final -> (import)          -> Merged (terminal)
type Lifecycle string

const (
	StateDraft  Lifecycle = "draft"
	StateFinal  Lifecycle = "final"
	StateMerged Lifecycle = "merged"
)

// CanTransition reports whether a document may move from one state to another.
func (s Lifecycle) CanTransition(to Lifecycle) bool {
	switch s {
	case StateDraft:
		return to == StateDraft || to == StateFinal
	case StateFinal:
		return to == StateMerged
	}
	return false
}

// Metadata is what a document declares about itself.
type Metadata struct {
	DocumentID string
	Division   string
	Owner      string
	SourceYear int
	TargetYear int
	CreatedAt  time.Time
	Version    string
	Type       DocumentType
	State      Lifecycle
}

// Scope returns the storage key range the document writes to.
func (m Metadata) Scope() Scope {
	owner := m.Owner
	if m.Type == DocAggregate {
		owner = ""
	}
	return Scope{Division: CanonicalDivision(m.Division), Owner: owner, Year: m.TargetYear}
}

var divisionPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,31}$`)

// ValidDivision reports whether s is a well-formed division code. Division
// codes name per-division storage relations, so the format is strict.
func ValidDivision(s string) bool {
	return divisionPattern.MatchString(s)
}

// CanonicalDivision returns the stored form of a division code. Codes
// compare case-insensitively, so every store and cache keys on this form.
func CanonicalDivision(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// Scope is a (division, owner, year) key range in storage.
// Owner is empty for divisional rows.
type Scope struct {
	Division string
	Owner    string
	Year     int
}

// Canonical returns the scope with its division in stored form.
func (s Scope) Canonical() Scope {
	s.Division = CanonicalDivision(s.Division)
	return s
}

func (s Scope) String() string {
	if s.Owner == "" {
		return fmt.Sprintf("%s/%d", s.Division, s.Year)
	}
	return fmt.Sprintf("%s/%s/%d", s.Division, s.Owner, s.Year)
}
