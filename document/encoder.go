package document

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/budget-engine/budget"
	"github.com/warp/budget-engine/pricing"
)

// =============================================================================
// ENCODER - Records + metadata -> one self-contained document
// =============================================================================

// PriceTables provides the pricing used for display totals.
type PriceTables interface {
	Table(ctx context.Context, division string, year int) (pricing.Table, error)
}

// Encoded is an encoded document. It is never mutated; saving edits
// produces a new Encoded that supersedes the old one.
type Encoded struct {
	Metadata budget.Metadata
	Records  []budget.Record
	Totals   Totals
	Bytes    []byte
}

// Filename is the suggested file name, e.g. "BUDGET_FP_Narek_2026_draft.html".
func (e *Encoded) Filename() string {
	return FileName(e.Metadata)
}

// FileName derives a document's file name from its metadata.
func FileName(meta budget.Metadata) string {
	parts := []string{"BUDGET", meta.Division}
	if meta.Type == budget.DocPerOwner {
		parts = append(parts, meta.Owner)
	}
	parts = append(parts, fmt.Sprint(meta.TargetYear), string(meta.State))
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, strings.Join(parts, "_"))
	return name + ".html"
}

// EncodeOptions controls lifecycle tagging.
type EncodeOptions struct {
	// Final marks the document importable. Documents are drafts otherwise.
	Final bool
}

// Encoder builds documents.
type Encoder struct {
	pricing PriceTables
	now     func() time.Time
	log     *slog.Logger
}

// NewEncoder creates an encoder. A nil pricing source renders volume totals only.
func NewEncoder(p PriceTables, log *slog.Logger) *Encoder {
	if log == nil {
		log = slog.Default()
	}
	return &Encoder{pricing: p, now: time.Now, log: log}
}

// WithClock replaces the encoder's clock.
func (e *Encoder) WithClock(now func() time.Time) *Encoder {
	e.now = now
	return e
}

// Encode serializes records and metadata into a document.
//
// Missing metadata is filled in: a new document id, the current time, the
// current version, and TargetYear = SourceYear + 1. Records with a
// non-positive value are left out (they render as empty cells).
func (e *Encoder) Encode(ctx context.Context, meta budget.Metadata, records []budget.Record, opts EncodeOptions) (*Encoded, error) {
	if meta.DocumentID == "" {
		meta.DocumentID = uuid.NewString()
	}
	meta.CreatedAt = e.now().UTC().Truncate(time.Second)
	if meta.Version == "" {
		meta.Version = CurrentVersion
	}
	if meta.TargetYear == 0 {
		meta.TargetYear = budget.TargetYear(meta.SourceYear)
	}
	meta.Division = budget.CanonicalDivision(meta.Division)
	meta.Owner = strings.TrimSpace(meta.Owner)
	meta.State = budget.StateDraft
	if opts.Final {
		meta.State = budget.StateFinal
	}

	sig := Signature{Protocol: ProtocolVersion, Type: meta.Type}
	if problems := checkMetadata(meta, meta.CreatedAt.Format(time.RFC3339), &sig); len(problems) > 0 {
		return nil, &budget.MetadataError{Problems: problems}
	}

	recs, err := prepareRecords(records)
	if err != nil {
		return nil, err
	}

	totals, err := e.totals(ctx, meta, recs)
	if err != nil {
		return nil, err
	}

	p, err := newPayload(meta, recs)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	payloadJSON, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	var lifecycleJSON []byte
	if meta.State == budget.StateDraft {
		draft := true
		if lifecycleJSON, err = json.Marshal(Lifecycle{IsDraft: &draft}); err != nil {
			return nil, fmt.Errorf("encode lifecycle: %w", err)
		}
	}

	body, err := render(buildView(meta, sig, recs, totals, payloadJSON, lifecycleJSON))
	if err != nil {
		return nil, fmt.Errorf("render document: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + 80)
	buf.WriteString(sig.String())
	buf.WriteByte('\n')
	buf.Write(body)

	e.log.Info("document encoded",
		"document_id", meta.DocumentID,
		"division", meta.Division,
		"owner", meta.Owner,
		"target_year", meta.TargetYear,
		"state", meta.State,
		"records", len(recs))

	return &Encoded{Metadata: meta, Records: recs, Totals: totals, Bytes: buf.Bytes()}, nil
}

// Reencode is the save path of an edited document. It replaces the records
// of a draft and writes it again as a draft or as final. A nil records
// slice keeps the draft's own records. Final documents cannot be re-encoded.
func (e *Encoder) Reencode(ctx context.Context, raw []byte, records []budget.Record, final bool) (*Encoded, error) {
	parsed, err := Parse(raw)
	if err != nil {
		return nil, err
	}

	from := parsed.State()
	to := budget.StateDraft
	if final {
		to = budget.StateFinal
	}
	if !from.CanTransition(to) {
		return nil, fmt.Errorf("%w: %s -> %s", budget.ErrIllegalTransition, from, to)
	}

	if records == nil {
		if len(parsed.Issues) > 0 {
			return nil, &budget.PayloadError{Reason: fmt.Sprintf("%d unreadable records, first: %s",
				len(parsed.Issues), parsed.Issues[0])}
		}
		records = parsed.Records
	}
	meta := parsed.Metadata
	meta.Version = CurrentVersion
	return e.Encode(ctx, meta, records, EncodeOptions{Final: final})
}

func (e *Encoder) totals(ctx context.Context, meta budget.Metadata, recs []budget.Record) (Totals, error) {
	var t Totals
	var table pricing.Table
	if e.pricing != nil {
		var err error
		// Reference year for pricing is the source year.
		table, err = e.pricing.Table(ctx, meta.Division, meta.SourceYear)
		if err != nil {
			return t, fmt.Errorf("display totals: %w", err)
		}
		t.Priced = true
	}
	for _, r := range recs {
		t.Volume = t.Volume.Add(r.Value)
		t.ByMonth[r.Month-1] = t.ByMonth[r.Month-1].Add(r.Value)
		if table != nil {
			entry := table.Lookup(r.ProductGroup)
			t.Amount = t.Amount.Add(entry.Amount(r.Value))
			t.MoRM = t.MoRM.Add(entry.MoRM(r.Value))
		}
	}
	return t, nil
}

// prepareRecords normalizes and orders records for encoding. Non-positive
// values are dropped; structurally broken or duplicate records are errors.
func prepareRecords(records []budget.Record) ([]budget.Record, error) {
	out := make([]budget.Record, 0, len(records))
	seen := make(map[string]int, len(records))
	for i, r := range records {
		r.Combo = r.Combo.Normalize()
		if !r.Value.IsPositive() {
			continue
		}
		problems := budget.CheckLabels(r.Combo)
		problems = append(problems, budget.CheckMonth(r.Month)...)
		if len(problems) > 0 {
			return nil, fmt.Errorf("%w: record %d: %s", budget.ErrInvalidRecord, i, strings.Join(problems, ", "))
		}
		if prev, dup := seen[r.CellKey()]; dup {
			return nil, fmt.Errorf("%w: record %d duplicates record %d (%s, month %d)",
				budget.ErrInvalidRecord, i, prev, r.Combo, r.Month)
		}
		seen[r.CellKey()] = i
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Combo != out[j].Combo {
			return out[i].Combo.Less(out[j].Combo)
		}
		return out[i].Month < out[j].Month
	})
	return out, nil
}

// SumValues totals record values.
func SumValues(records []budget.Record) decimal.Decimal {
	sum := decimal.Zero
	for _, r := range records {
		sum = sum.Add(r.Value)
	}
	return sum
}
