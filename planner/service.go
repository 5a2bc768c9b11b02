/*
Package planner is the entry point for producing and importing budget documents.

PURPOSE:
  Wires the allocation engine, the document encoder and validator, and the
  merge writer to a store and a pricing resolver. HTTP handlers and the CLI
  only ever talk to a Service.

OPERATIONS:
  Produce   history / totals / explicit records -> encoded document
  Validate  dry-run import: every validation stage, no writes
  Import    validate + merge
  Reencode  save an edited draft as draft or final
  Estimate  estimate mode over stored actuals, optionally allocated

SEE ALSO:
  - document/: Encoding and validation
  - merge/: Transactional import
  - allocation/: Estimate and allocation modes
*/
package planner

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"github.com/warp/budget-engine/allocation"
	"github.com/warp/budget-engine/budget"
	"github.com/warp/budget-engine/document"
	"github.com/warp/budget-engine/merge"
	"github.com/warp/budget-engine/pricing"
)

// Pricing is the pricing dependency of the service.
type Pricing interface {
	Table(ctx context.Context, division string, year int) (pricing.Table, error)
	Invalidate(division string, year int)
	Flush()
}

// Service produces and imports budget documents.
type Service struct {
	store     budget.TxStore
	pricing   Pricing
	encoder   *document.Encoder
	validator *document.Validator
	writer    *merge.Writer
	schema    *merge.SchemaCache
	log       *slog.Logger
}

// NewService creates a service. A nil validator uses default limits; a nil
// schema cache provisions archives on every merge.
func NewService(store budget.TxStore, prices Pricing, validator *document.Validator, schema *merge.SchemaCache, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if validator == nil {
		validator = document.NewValidator()
	}
	if validator.Log == nil {
		validator.Log = log
	}
	return &Service{
		store:     store,
		pricing:   prices,
		encoder:   document.NewEncoder(prices, log),
		validator: validator,
		writer:    merge.NewWriter(store, prices, schema, log),
		schema:    schema,
		log:       log,
	}
}

// Store returns the underlying store.
func (s *Service) Store() budget.TxStore {
	return s.store
}

// InvalidatePricing drops cached pricing after pricing data changed.
func (s *Service) InvalidatePricing(division string, year int) {
	if s.pricing != nil {
		s.pricing.Invalidate(division, year)
	}
}

// ResetCaches forgets cached pricing and archive provisioning. Call it after
// the store was wiped.
func (s *Service) ResetCaches() {
	if s.pricing != nil {
		s.pricing.Flush()
	}
	s.schema.Flush()
}

// =============================================================================
// PRODUCE
// =============================================================================

// ProduceRequest describes a document to produce.
//
// Records are chosen in this order:
//  1. Records, when given
//  2. MonthlyTotals allocated over the source year's actuals
//  3. The scope's current budget, or the source year's actuals when the
//     scope has no budget yet
type ProduceRequest struct {
	Division   string
	Owner      string              // empty for AGGREGATE
	Type       budget.DocumentType // defaults from Owner
	SourceYear int

	Records       []budget.Record
	MonthlyTotals map[int]decimal.Decimal
	Final         bool
}

func (r ProduceRequest) metadata() budget.Metadata {
	typ := r.Type
	if typ == "" {
		typ = budget.DocAggregate
		if r.Owner != "" {
			typ = budget.DocPerOwner
		}
	}
	return budget.Metadata{
		Division:   r.Division,
		Owner:      r.Owner,
		SourceYear: r.SourceYear,
		TargetYear: budget.TargetYear(r.SourceYear),
		Type:       typ,
	}
}

// Produce encodes a document for a scope.
func (s *Service) Produce(ctx context.Context, req ProduceRequest) (*document.Encoded, error) {
	meta := req.metadata()
	records, err := s.produceRecords(ctx, req, meta)
	if err != nil {
		return nil, err
	}
	return s.encoder.Encode(ctx, meta, records, document.EncodeOptions{Final: req.Final})
}

func (s *Service) produceRecords(ctx context.Context, req ProduceRequest, meta budget.Metadata) ([]budget.Record, error) {
	if req.Records != nil {
		return req.Records, nil
	}

	history := budget.Scope{Division: meta.Division, Owner: meta.Scope().Owner, Year: meta.SourceYear}
	if len(req.MonthlyTotals) > 0 {
		rows, err := s.store.ActualRows(ctx, history)
		if err != nil {
			return nil, fmt.Errorf("load actuals %s: %w", history, err)
		}
		basis, err := allocation.NewBasis(volumeRows(rows), nil)
		if err != nil {
			return nil, err
		}
		totals := map[budget.Kind]map[int]decimal.Decimal{budget.KindVolume: req.MonthlyTotals}
		return allocation.Records(basis.Distribute(totals), budget.KindVolume, 2), nil
	}

	current, err := s.store.BudgetRows(ctx, meta.Scope())
	if err != nil {
		return nil, fmt.Errorf("load budget %s: %w", meta.Scope(), err)
	}
	if recs := volumeRecords(current); len(recs) > 0 {
		return recs, nil
	}

	rows, err := s.store.ActualRows(ctx, history)
	if err != nil {
		return nil, fmt.Errorf("load actuals %s: %w", history, err)
	}
	return volumeRecords(rows), nil
}

// =============================================================================
// IMPORT
// =============================================================================

// Validate runs every validation stage without writing anything.
func (s *Service) Validate(raw []byte, expect document.Expectation) (*document.Validated, error) {
	return s.validator.Validate(raw, expect)
}

// Import validates a document and merges it.
func (s *Service) Import(ctx context.Context, raw []byte, expect document.Expectation) (*merge.Result, error) {
	doc, err := s.validator.Validate(raw, expect)
	if err != nil {
		s.log.Warn("document rejected", "kind", budget.ErrorKind(err), "error", err)
		return nil, err
	}
	return s.writer.Merge(ctx, doc)
}

// Reencode saves an edited draft. A nil records slice keeps the draft's records.
func (s *Service) Reencode(ctx context.Context, raw []byte, records []budget.Record, final bool) (*document.Encoded, error) {
	return s.encoder.Reencode(ctx, raw, records, final)
}

// =============================================================================
// ESTIMATE
// =============================================================================

// EstimateRequest asks for an estimate of missing months of a year.
type EstimateRequest struct {
	Division     string
	Owner        string // empty for the whole division
	Year         int
	TargetMonths []int
	Allocate     bool
}

// EstimateResult holds the estimate and, when asked, its allocation.
type EstimateResult struct {
	*allocation.Estimate
	Allocations []allocation.Allocation
}

// Estimate fills target months with the average of the other months of the
// year's actuals, and optionally spreads that over the year's combinations.
func (s *Service) Estimate(ctx context.Context, req EstimateRequest) (*EstimateResult, error) {
	scope := budget.Scope{Division: req.Division, Owner: req.Owner, Year: req.Year}
	rows, err := s.store.ActualRows(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("load actuals %s: %w", scope, err)
	}

	est, err := allocation.EstimateTotals(budget.MonthlyTotals(rows), req.TargetMonths)
	if err != nil {
		return nil, err
	}
	res := &EstimateResult{Estimate: est}
	if !req.Allocate {
		return res, nil
	}

	basis, err := allocation.NewBasis(rows, req.TargetMonths)
	if err != nil {
		return nil, err
	}
	res.Allocations = basis.Distribute(est.Values())
	return res, nil
}

func volumeRows(rows []budget.Row) []budget.Row {
	out := make([]budget.Row, 0, len(rows))
	for _, r := range rows {
		if r.Kind == budget.KindVolume {
			out = append(out, r)
		}
	}
	return out
}

func volumeRecords(rows []budget.Row) []budget.Record {
	var out []budget.Record
	for _, r := range rows {
		if r.Kind == budget.KindVolume {
			out = append(out, r.Record)
		}
	}
	return out
}
