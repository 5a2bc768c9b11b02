package document

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/budget-engine/budget"
)

// =============================================================================
// VALIDATOR - Ordered import gate
// =============================================================================
//
// Stages run in a fixed order and the first failing stage aborts:
//
//	1. signature   2. lifecycle   3. payload   4. metadata
//	5. context     6. records     7. volume
//
// Only record problems are tolerated, and only up to 10% of the document.

const (
	// DefaultMaxRecords bounds the size of one document.
	DefaultMaxRecords = 10000

	// maxInvalidExamples is how many failed records a rejection carries.
	maxInvalidExamples = 10
)

// DefaultMaxValue is the upper bound for a single record value.
var DefaultMaxValue = decimal.NewFromInt(1_000_000_000)

// Expectation is what the importing caller expects a document to be.
// Empty fields are not checked.
type Expectation struct {
	Type     budget.DocumentType
	Division string
	Owner    string
}

// Validated is a document that passed every stage. Only records are
// included; skipped ones are listed with the reason they failed.
type Validated struct {
	Metadata budget.Metadata
	Records  []budget.Record
	Skipped  []budget.RecordIssue
	Total    int
	Warnings []string
	Signed   bool
}

// Scope is where the document's records will be written.
func (v *Validated) Scope() budget.Scope {
	return v.Metadata.Scope()
}

// Validator checks documents before they are merged.
type Validator struct {
	MaxRecords int
	MaxValue   decimal.Decimal

	// LegacyUnsignedUntil ends the allowance for documents without a
	// signature line. Zero keeps the allowance forever.
	LegacyUnsignedUntil time.Time

	Now func() time.Time
	Log *slog.Logger
}

// NewValidator creates a validator with default limits.
func NewValidator() *Validator {
	return &Validator{
		MaxRecords: DefaultMaxRecords,
		MaxValue:   DefaultMaxValue,
		Now:        time.Now,
		Log:        slog.Default(),
	}
}

// Validate runs every stage against raw and returns the importable part of
// the document, or the first stage's typed error.
func (v *Validator) Validate(raw []byte, expect Expectation) (*Validated, error) {
	out := &Validated{}

	// 1. Signature
	sig, signed := ReadSignature(raw)
	out.Signed = signed
	if !signed {
		if v.legacyExpired() {
			return nil, fmt.Errorf("%w: unsigned documents are not accepted after %s",
				budget.ErrMissingSignature, v.LegacyUnsignedUntil.Format(time.DateOnly))
		}
		out.Warnings = append(out.Warnings, "document has no signature line; accepted as a legacy document")
	} else {
		if !sig.Type.Valid() {
			return nil, &budget.WrongTypeError{Expected: expect.Type, Found: sig.Type}
		}
		if expect.Type != "" && sig.Type != expect.Type {
			return nil, &budget.WrongTypeError{Expected: expect.Type, Found: sig.Type}
		}
	}

	// 2. Lifecycle marker block
	b := scanBlocks(raw)
	if b.lifecycleFound && isDraftBlock(b.lifecycle) {
		return nil, budget.ErrDraftNotImportable
	}

	// 3. Payload
	p, err := singlePayload(b)
	if err != nil {
		return nil, err
	}
	meta := p.Metadata.toMetadata()
	if meta.State == budget.StateDraft {
		return nil, fmt.Errorf("%w: metadata state is draft", budget.ErrDraftNotImportable)
	}

	// 4. Metadata
	var sigp *Signature
	if signed {
		sigp = &sig
	}
	if problems := checkMetadata(meta, p.Metadata.SavedAt, sigp); len(problems) > 0 {
		return nil, &budget.MetadataError{Problems: problems}
	}

	// 5. Context
	if expect.Type != "" && meta.Type != expect.Type {
		return nil, &budget.WrongTypeError{Expected: expect.Type, Found: meta.Type}
	}
	if expect.Division != "" && !strings.EqualFold(expect.Division, meta.Division) {
		return nil, &budget.DivisionMismatchError{Expected: expect.Division, Found: meta.Division}
	}
	if expect.Owner != "" && meta.Type == budget.DocPerOwner && !strings.EqualFold(expect.Owner, meta.Owner) {
		out.Warnings = append(out.Warnings, fmt.Sprintf(
			"document belongs to owner %q, not %q; importing for %q", meta.Owner, expect.Owner, meta.Owner))
	}

	// 6. Records
	out.Total = len(p.Records)
	seen := make(map[string]int, len(p.Records))
	for i, elem := range p.Records {
		rec, problems := decodeRecord(elem, v.MaxValue)
		if len(problems) == 0 {
			if prev, dup := seen[rec.CellKey()]; dup {
				problems = append(problems, fmt.Sprintf("duplicates record %d", prev))
			} else {
				seen[rec.CellKey()] = i
			}
		}
		if len(problems) > 0 {
			out.Skipped = append(out.Skipped, budget.RecordIssue{Index: i, Reasons: problems})
			continue
		}
		out.Records = append(out.Records, rec)
	}

	if invalid := len(out.Skipped); invalid*10 > out.Total {
		examples := out.Skipped
		if len(examples) > maxInvalidExamples {
			examples = examples[:maxInvalidExamples]
		}
		return nil, &budget.TooManyInvalidError{Invalid: invalid, Total: out.Total, Examples: examples}
	}

	// 7. Volume, counting invalid records too
	if limit := v.maxRecords(); limit > 0 && out.Total > limit {
		return nil, &budget.TooManyRecordsError{Count: out.Total, Limit: limit}
	}
	if len(out.Records) == 0 {
		return nil, budget.ErrNoRecords
	}
	if n := len(out.Skipped); n > 0 {
		out.Warnings = append(out.Warnings, fmt.Sprintf("%d of %d records skipped", n, out.Total))
	}

	meta.State = budget.StateFinal
	out.Metadata = meta

	log := v.Log
	if log == nil {
		log = slog.Default()
	}
	for _, w := range out.Warnings {
		log.Warn("document accepted with warning", "document_id", meta.DocumentID, "warning", w)
	}
	return out, nil
}

func (v *Validator) maxRecords() int {
	if v.MaxRecords == 0 {
		return DefaultMaxRecords
	}
	return v.MaxRecords
}

func (v *Validator) legacyExpired() bool {
	if v.LegacyUnsignedUntil.IsZero() {
		return false
	}
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	return now().After(v.LegacyUnsignedUntil)
}

// checkMetadata returns every problem with a document's metadata. sig is
// nil for unsigned documents.
func checkMetadata(meta budget.Metadata, savedAt string, sig *Signature) []string {
	var problems []string

	switch {
	case meta.Division == "":
		problems = append(problems, "division is missing")
	case !budget.ValidDivision(meta.Division):
		problems = append(problems, fmt.Sprintf("division %q is not a valid division code", meta.Division))
	}

	if !budget.ValidYear(meta.SourceYear) {
		problems = append(problems, fmt.Sprintf("source year %d outside [%d,%d]",
			meta.SourceYear, budget.MinYear, budget.MaxYear))
	}
	if meta.TargetYear != budget.TargetYear(meta.SourceYear) {
		problems = append(problems, fmt.Sprintf("target year %d must be source year + 1 (%d)",
			meta.TargetYear, budget.TargetYear(meta.SourceYear)))
	}

	switch {
	case meta.Version == "":
		problems = append(problems, "version is missing")
	case !supportedVersion(meta.Version):
		problems = append(problems, fmt.Sprintf("version %q is not supported (supported: %s)",
			meta.Version, strings.Join(SupportedVersions, ", ")))
	case sig != nil && versionMajor(meta.Version) != sig.Protocol:
		problems = append(problems, fmt.Sprintf("signature protocol v%s does not match payload version %s",
			sig.Protocol, meta.Version))
	}

	switch meta.Type {
	case budget.DocPerOwner:
		if meta.Owner == "" {
			problems = append(problems, "owner is required for a PER_OWNER document")
		}
	case budget.DocAggregate:
		if meta.Owner != "" {
			problems = append(problems, fmt.Sprintf("owner %q not allowed on an AGGREGATE document", meta.Owner))
		}
	default:
		problems = append(problems, fmt.Sprintf("document type %q is not PER_OWNER or AGGREGATE", meta.Type))
	}
	if sig != nil && meta.Type.Valid() && sig.Type != meta.Type {
		problems = append(problems, fmt.Sprintf("signature type %s disagrees with metadata type %s", sig.Type, meta.Type))
	}

	switch meta.State {
	case "", budget.StateDraft, budget.StateFinal:
	default:
		problems = append(problems, fmt.Sprintf("state %q is not draft or final", meta.State))
	}

	if savedAt != "" {
		if _, err := time.Parse(time.RFC3339, savedAt); err != nil {
			problems = append(problems, fmt.Sprintf("savedAt %q is not an RFC3339 timestamp", savedAt))
		}
	}
	return problems
}
