/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Documents:
    ProduceRequest, RecordDTO, ImportResponse, ValidationResponse

  Estimates:
    EstimateRequest, EstimateResponse, AllocationDTO

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

  Errors:
    ErrorResponse

VALIDATION:
  Validation is done in handlers and the domain, not in DTOs. DTOs are pure
  data carriers. Decimal values accept JSON numbers or numeric strings.

SEE ALSO:
  - handlers.go: Uses these types
  - planner/service.go: Domain entry points
*/
package api

import (
	"github.com/shopspring/decimal"
	"github.com/warp/budget-engine/allocation"
	"github.com/warp/budget-engine/budget"
	"github.com/warp/budget-engine/document"
	"github.com/warp/budget-engine/merge"
	"github.com/warp/budget-engine/planner"
)

// =============================================================================
// DOCUMENTS
// =============================================================================

// RecordDTO is one budget cell.
type RecordDTO struct {
	Customer     string          `json:"customer"`
	Country      string          `json:"country"`
	ProductGroup string          `json:"product_group"`
	Month        int             `json:"month"`
	Value        decimal.Decimal `json:"value"`
}

// ProduceRequest is the request to produce a document.
type ProduceRequest struct {
	Division      string                  `json:"division"`
	Owner         string                  `json:"owner,omitempty"`
	DocumentType  string                  `json:"document_type,omitempty"`
	SourceYear    int                     `json:"source_year"`
	Records       []RecordDTO             `json:"records,omitempty"`
	MonthlyTotals map[int]decimal.Decimal `json:"monthly_totals,omitempty"`
	Final         bool                    `json:"final"`
}

func (r ProduceRequest) toDomain() planner.ProduceRequest {
	out := planner.ProduceRequest{
		Division:      r.Division,
		Owner:         r.Owner,
		Type:          budget.DocumentType(r.DocumentType),
		SourceYear:    r.SourceYear,
		MonthlyTotals: r.MonthlyTotals,
		Final:         r.Final,
	}
	if r.Records != nil {
		out.Records = make([]budget.Record, 0, len(r.Records))
		for _, rec := range r.Records {
			out.Records = append(out.Records, rec.toDomain())
		}
	}
	return out
}

func (r RecordDTO) toDomain() budget.Record {
	return budget.Record{
		Combo: budget.Combo{Customer: r.Customer, Country: r.Country, ProductGroup: r.ProductGroup},
		Month: r.Month,
		Value: r.Value,
	}
}

// ScopeDTO is a storage scope.
type ScopeDTO struct {
	Division string `json:"division"`
	Owner    string `json:"owner,omitempty"`
	Year     int    `json:"year"`
}

// ImportResponse is the outcome of a merged import.
type ImportResponse struct {
	DocumentID string               `json:"document_id"`
	Scope      ScopeDTO             `json:"scope"`
	State      string               `json:"state"`
	BatchID    string               `json:"archive_batch_id,omitempty"`
	Archived   map[budget.Kind]int  `json:"archived"`
	Deleted    map[budget.Kind]int  `json:"deleted"`
	Inserted   map[budget.Kind]int  `json:"inserted"`
	Skipped    []budget.RecordIssue `json:"skipped"`
	Warnings   []string             `json:"warnings"`
}

// ValidationResponse is the outcome of a dry-run validation.
type ValidationResponse struct {
	Valid      bool                 `json:"valid"`
	DocumentID string               `json:"document_id"`
	Scope      ScopeDTO             `json:"scope"`
	Signed     bool                 `json:"signed"`
	Records    int                  `json:"records"`
	Total      int                  `json:"total"`
	Skipped    []budget.RecordIssue `json:"skipped"`
	Warnings   []string             `json:"warnings"`
}

// =============================================================================
// ESTIMATES
// =============================================================================

// EstimateRequest asks for an estimate over stored actuals.
type EstimateRequest struct {
	Division     string `json:"division"`
	Owner        string `json:"owner,omitempty"`
	Year         int    `json:"year"`
	TargetMonths []int  `json:"target_months"`
	Allocate     bool   `json:"allocate"`
}

// AllocationDTO is one allocated cell.
type AllocationDTO struct {
	RecordDTO
	Kind budget.Kind `json:"kind"`
}

// EstimateResponse is the estimate and its optional allocation.
type EstimateResponse struct {
	BaseMonths   []int                                   `json:"base_months"`
	TargetMonths []int                                   `json:"target_months"`
	Average      map[budget.Kind]decimal.Decimal         `json:"average"`
	ByMonth      map[budget.Kind]map[int]decimal.Decimal `json:"by_month"`
	Allocations  []AllocationDTO                         `json:"allocations,omitempty"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest selects a scenario to load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error     string               `json:"error"`
	Code      string               `json:"code,omitempty"`
	Details   any                  `json:"details,omitempty"`
	Problems  []string             `json:"problems,omitempty"`
	Records   []budget.RecordIssue `json:"records,omitempty"`
	Retryable bool                 `json:"retryable,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toScopeDTO(s budget.Scope) ScopeDTO {
	return ScopeDTO{Division: s.Division, Owner: s.Owner, Year: s.Year}
}

func toImportResponse(res *merge.Result) ImportResponse {
	return ImportResponse{
		DocumentID: res.DocumentID,
		Scope:      toScopeDTO(res.Scope),
		State:      string(res.State),
		BatchID:    res.BatchID,
		Archived:   res.Archived,
		Deleted:    res.Deleted,
		Inserted:   res.Inserted,
		Skipped:    nonNilIssues(res.Skipped),
		Warnings:   nonNilStrings(res.Warnings),
	}
}

func toValidationResponse(v *document.Validated) ValidationResponse {
	return ValidationResponse{
		Valid:      true,
		DocumentID: v.Metadata.DocumentID,
		Scope:      toScopeDTO(v.Scope()),
		Signed:     v.Signed,
		Records:    len(v.Records),
		Total:      v.Total,
		Skipped:    nonNilIssues(v.Skipped),
		Warnings:   nonNilStrings(v.Warnings),
	}
}

func toEstimateResponse(res *planner.EstimateResult) EstimateResponse {
	out := EstimateResponse{
		BaseMonths:   res.BaseMonths,
		TargetMonths: res.TargetMonths,
		Average:      res.Average,
		ByMonth:      res.Values(),
	}
	for _, a := range res.Allocations {
		out.Allocations = append(out.Allocations, toAllocationDTO(a))
	}
	return out
}

func toAllocationDTO(a allocation.Allocation) AllocationDTO {
	return AllocationDTO{
		RecordDTO: RecordDTO{
			Customer:     a.Combo.Customer,
			Country:      a.Combo.Country,
			ProductGroup: a.Combo.ProductGroup,
			Month:        a.Month,
			Value:        a.Value.Round(2),
		},
		Kind: a.Kind,
	}
}

func nonNilIssues(in []budget.RecordIssue) []budget.RecordIssue {
	if in == nil {
		return []budget.RecordIssue{}
	}
	return in
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
