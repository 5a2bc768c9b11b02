/*
handlers.go - HTTP API handlers for the budget engine

PURPOSE:
  Exposes the budget document protocol via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to planner.Service.

ENDPOINTS:
  Documents:
    POST   /api/documents              Produce a document (returns HTML)
    POST   /api/documents/validate     Dry-run import, no writes
    POST   /api/documents/import       Validate and merge a final document
    POST   /api/documents/finalize     Save an edited draft (returns HTML);
                                       optional "records" part replaces its records

  Estimates:
    POST   /api/estimates              Estimate missing months of a year

  Scenarios:
    GET    /api/scenarios              List demo scenarios
    POST   /api/scenarios/load         Load a demo scenario
    POST   /api/scenarios/reset        Wipe the database

DOCUMENT UPLOADS:
  Documents are sent either as the raw request body or as the "file" field
  of a multipart form. The scope the caller expects is passed as query
  parameters: ?type=PER_OWNER&division=FP&owner=Narek. Uploads larger
  than MaxUploadBytes are refused before parsing.

ERROR HANDLING:
  Errors are returned as JSON with a stable "code" (budget.ErrorKind):
  - 400: Malformed payload, invalid request body
  - 409: Wrong document type, division mismatch, illegal lifecycle change
  - 413: Too many records, upload too large
  - 422: Other document problems (draft, metadata, invalid records)
  - 500: Merge failures (retryable) and internal errors

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/warp/budget-engine/budget"
	"github.com/warp/budget-engine/document"
	"github.com/warp/budget-engine/planner"
	"github.com/warp/budget-engine/store/sqlite"
	"golang.org/x/time/rate"
)

// HeaderDocumentID carries the id of a produced document.
const HeaderDocumentID = "X-Document-Id"

// DefaultMaxUploadBytes bounds document uploads when none is configured.
const DefaultMaxUploadBytes = 10 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service        *planner.Service
	Store          *sqlite.Store
	MaxUploadBytes int64
	Limiter        *rate.Limiter // nil disables document rate limiting

	// Track currently loaded scenario
	mu              sync.RWMutex
	currentScenario string
}

// NewHandler creates a new handler.
func NewHandler(svc *planner.Service, store *sqlite.Store) *Handler {
	return &Handler{
		Service:        svc,
		Store:          store,
		MaxUploadBytes: DefaultMaxUploadBytes,
	}
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// DOCUMENT HANDLERS
// =============================================================================

// ProduceDocument encodes a document for a scope.
// POST /api/documents
func (h *Handler) ProduceDocument(w http.ResponseWriter, r *http.Request) {
	var req ProduceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Division == "" || req.SourceYear == 0 {
		writeError(w, http.StatusBadRequest, "division and source_year are required", nil)
		return
	}

	enc, err := h.Service.Produce(r.Context(), req.toDomain())
	if err != nil {
		writeDocumentError(w, "Failed to produce document", err)
		return
	}
	writeDocument(w, http.StatusCreated, enc)
}

// ValidateDocument runs every validation stage without writing.
// POST /api/documents/validate
func (h *Handler) ValidateDocument(w http.ResponseWriter, r *http.Request) {
	raw, ok := h.readDocument(w, r)
	if !ok {
		return
	}

	v, err := h.Service.Validate(raw, expectationFrom(r))
	if err != nil {
		writeDocumentError(w, "Document rejected", err)
		return
	}
	writeJSON(w, http.StatusOK, toValidationResponse(v))
}

// ImportDocument validates a final document and merges it.
// POST /api/documents/import
func (h *Handler) ImportDocument(w http.ResponseWriter, r *http.Request) {
	raw, ok := h.readDocument(w, r)
	if !ok {
		return
	}

	res, err := h.Service.Import(r.Context(), raw, expectationFrom(r))
	if err != nil {
		writeDocumentError(w, "Import failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toImportResponse(res))
}

// FinalizeDocument saves an edited draft. ?final=false keeps it a draft.
// A multipart upload may carry a "records" part (JSON array of RecordDTO)
// that replaces the draft's records.
// POST /api/documents/finalize
func (h *Handler) FinalizeDocument(w http.ResponseWriter, r *http.Request) {
	final := true
	if v := r.URL.Query().Get("final"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid final flag", err)
			return
		}
		final = b
	}

	raw, ok := h.readDocument(w, r)
	if !ok {
		return
	}
	records, err := editedRecords(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid records part", err)
		return
	}

	enc, err := h.Service.Reencode(r.Context(), raw, records, final)
	if err != nil {
		writeDocumentError(w, "Failed to save document", err)
		return
	}
	writeDocument(w, http.StatusOK, enc)
}

// =============================================================================
// ESTIMATE HANDLERS
// =============================================================================

// Estimate fills target months from the other months of a year.
// POST /api/estimates
func (h *Handler) Estimate(w http.ResponseWriter, r *http.Request) {
	var req EstimateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Division == "" || req.Year == 0 {
		writeError(w, http.StatusBadRequest, "division and year are required", nil)
		return
	}

	res, err := h.Service.Estimate(r.Context(), planner.EstimateRequest{
		Division:     req.Division,
		Owner:        req.Owner,
		Year:         req.Year,
		TargetMonths: req.TargetMonths,
		Allocate:     req.Allocate,
	})
	if err != nil {
		writeDocumentError(w, "Estimate failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toEstimateResponse(res))
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.reset(r); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) reset(r *http.Request) error {
	if err := h.Store.Reset(r.Context()); err != nil {
		return err
	}
	// Archives were dropped, cached pricing is stale
	h.Service.ResetCaches()
	h.setScenario("")
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// readDocument reads an uploaded document from the body or a multipart
// "file" field. It writes the error response itself and reports false.
func (h *Handler) readDocument(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	limit := h.MaxUploadBytes
	if limit <= 0 {
		limit = DefaultMaxUploadBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	var src io.Reader = r.Body
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(limit); err != nil {
			writeUploadError(w, err)
			return nil, false
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "Missing file field", err)
			return nil, false
		}
		defer f.Close()
		src = f
	}

	raw, err := io.ReadAll(src)
	if err != nil {
		writeUploadError(w, err)
		return nil, false
	}
	if len(raw) == 0 {
		writeError(w, http.StatusBadRequest, "Empty document", nil)
		return nil, false
	}
	return raw, true
}

// editedRecords reads the optional "records" part of a multipart upload.
// nil keeps the records the document already carries.
func editedRecords(r *http.Request) ([]budget.Record, error) {
	if r.MultipartForm == nil || len(r.MultipartForm.Value["records"]) == 0 {
		return nil, nil
	}
	var dtos []RecordDTO
	if err := json.Unmarshal([]byte(r.MultipartForm.Value["records"][0]), &dtos); err != nil {
		return nil, err
	}
	records := make([]budget.Record, 0, len(dtos))
	for _, d := range dtos {
		records = append(records, d.toDomain())
	}
	return records, nil
}

func writeUploadError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("Document exceeds %d bytes", tooLarge.Limit), err)
		return
	}
	writeError(w, http.StatusBadRequest, "Failed to read document", err)
}

func expectationFrom(r *http.Request) document.Expectation {
	q := r.URL.Query()
	return document.Expectation{
		Type:     budget.DocumentType(strings.ToUpper(q.Get("type"))),
		Division: q.Get("division"),
		Owner:    q.Get("owner"),
	}
}

func (h *Handler) setScenario(id string) {
	h.mu.Lock()
	h.currentScenario = id
	h.mu.Unlock()
}

func (h *Handler) scenario() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.currentScenario
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeDocument(w http.ResponseWriter, status int, enc *document.Encoded) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", enc.Filename()))
	w.Header().Set(HeaderDocumentID, enc.Metadata.DocumentID)
	w.WriteHeader(status)
	w.Write(enc.Bytes)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDocumentError maps domain errors to a status and a structured body.
func writeDocumentError(w http.ResponseWriter, message string, err error) {
	resp := ErrorResponse{
		Error:     message,
		Code:      budget.ErrorKind(err),
		Details:   err.Error(),
		Retryable: budget.IsRetryable(err),
	}

	var meta *budget.MetadataError
	if errors.As(err, &meta) {
		resp.Problems = meta.Problems
	}
	var invalid *budget.TooManyInvalidError
	if errors.As(err, &invalid) {
		resp.Records = invalid.Examples
	}

	writeJSON(w, statusFor(err), resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, budget.ErrMalformedPayload):
		return http.StatusBadRequest
	case errors.Is(err, budget.ErrWrongDocumentType),
		errors.Is(err, budget.ErrDivisionMismatch),
		errors.Is(err, budget.ErrIllegalTransition):
		return http.StatusConflict
	case errors.Is(err, budget.ErrTooManyRecords):
		return http.StatusRequestEntityTooLarge
	case budget.IsClientError(err), errors.Is(err, budget.ErrNoBasisAvailable):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}
