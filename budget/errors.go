/*
errors.go - Centralized error types for the budget engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers match with errors.Is on the sentinels and errors.As on the
  structured types to build actionable messages.

ERROR CATEGORIES:
  1. Document errors - Signature, lifecycle, payload, metadata problems
  2. Record errors - Per-record validation and volume limits
  3. Allocation errors - Missing historical basis
  4. Merge errors - Any storage fault during the import transaction

PROPAGATION:
  Validation errors never partially apply. Merge errors always mean the
  transaction was rolled back. Nothing here is retried automatically.

SEE ALSO:
  - document/validator.go: Produces document and record errors
  - merge/writer.go: Produces merge errors
  - allocation/engine.go: Produces allocation errors
*/
package budget

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrWrongDocumentType is returned when the signature declares a document
	// type other than the one the caller expects.
	ErrWrongDocumentType = errors.New("wrong document type")

	// ErrMissingSignature is returned for unsigned documents once the legacy
	// allowance has expired.
	ErrMissingSignature = errors.New("document signature missing")

	// ErrDraftNotImportable is returned for any document carrying a draft marker.
	ErrDraftNotImportable = errors.New("draft documents cannot be imported")

	// ErrMalformedPayload is returned when the machine payload is missing or unparsable.
	ErrMalformedPayload = errors.New("malformed document payload")

	// ErrMetadataInvalid is returned when document metadata fails validation.
	ErrMetadataInvalid = errors.New("invalid document metadata")

	// ErrDivisionMismatch is returned when a document targets another division.
	ErrDivisionMismatch = errors.New("division mismatch")

	// ErrTooManyInvalidRecords is returned when more than 10% of records fail.
	ErrTooManyInvalidRecords = errors.New("too many invalid records")

	// ErrTooManyRecords is returned when a document exceeds the record limit.
	ErrTooManyRecords = errors.New("too many records")

	// ErrInvalidRecord is returned when a record handed to the encoder
	// breaks a record invariant.
	ErrInvalidRecord = errors.New("invalid record")

	// ErrNoRecords is returned when a document has nothing left to import.
	ErrNoRecords = errors.New("document contains no importable records")

	// ErrNoBasisAvailable is returned when no history exists to estimate from.
	ErrNoBasisAvailable = errors.New("no historical basis available")

	// ErrMergeTransactionFailed is returned for any storage fault during merge.
	ErrMergeTransactionFailed = errors.New("merge transaction failed")

	// ErrIllegalTransition is returned when a lifecycle change is not allowed.
	ErrIllegalTransition = errors.New("illegal lifecycle transition")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// WrongTypeError names both document types.
type WrongTypeError struct {
	Expected DocumentType
	Found    DocumentType
}

func (e *WrongTypeError) Error() string {
	return fmt.Sprintf("wrong document type: expected %s, found %s", e.Expected, e.Found)
}

func (e *WrongTypeError) Unwrap() error { return ErrWrongDocumentType }

// PayloadError says why the payload could not be read.
type PayloadError struct {
	Reason string
	Err    error
}

func (e *PayloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed document payload: %s: %v", e.Reason, e.Err)
	}
	return "malformed document payload: " + e.Reason
}

func (e *PayloadError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrMalformedPayload, e.Err}
	}
	return []error{ErrMalformedPayload}
}

// MetadataError aggregates every metadata problem found, not just the first.
type MetadataError struct {
	Problems []string
}

func (e *MetadataError) Error() string {
	return "invalid document metadata: " + strings.Join(e.Problems, "; ")
}

func (e *MetadataError) Unwrap() error { return ErrMetadataInvalid }

// DivisionMismatchError is always fatal.
type DivisionMismatchError struct {
	Expected string
	Found    string
}

func (e *DivisionMismatchError) Error() string {
	return fmt.Sprintf("division mismatch: expected %q, document declares %q", e.Expected, e.Found)
}

func (e *DivisionMismatchError) Unwrap() error { return ErrDivisionMismatch }

// RecordIssue is one failed record, by its position in the document.
type RecordIssue struct {
	Index   int      `json:"index"`
	Reasons []string `json:"reasons"`
}

func (i RecordIssue) String() string {
	return fmt.Sprintf("record %d: %s", i.Index, strings.Join(i.Reasons, ", "))
}

// TooManyInvalidError carries the failure counts and up to ten examples.
type TooManyInvalidError struct {
	Invalid  int
	Total    int
	Examples []RecordIssue
}

func (e *TooManyInvalidError) Error() string {
	return fmt.Sprintf("too many invalid records: %d of %d (%.1f%%) exceed the 10%% limit",
		e.Invalid, e.Total, e.Percent())
}

func (e *TooManyInvalidError) Percent() float64 {
	if e.Total == 0 {
		return 0
	}
	return float64(e.Invalid) * 100 / float64(e.Total)
}

func (e *TooManyInvalidError) Unwrap() error { return ErrTooManyInvalidRecords }

// TooManyRecordsError carries the record count and the limit.
type TooManyRecordsError struct {
	Count int
	Limit int
}

func (e *TooManyRecordsError) Error() string {
	return fmt.Sprintf("too many records: %d exceeds limit of %d", e.Count, e.Limit)
}

func (e *TooManyRecordsError) Unwrap() error { return ErrTooManyRecords }

// MergeError wraps the storage fault that rolled the import back.
type MergeError struct {
	Scope Scope
	Step  string // count, archive, delete, insert, commit
	Err   error
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("merge transaction failed for %s at %s: %v", e.Scope, e.Step, e.Err)
}

func (e *MergeError) Unwrap() []error { return []error{ErrMergeTransactionFailed, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to a bad document or request.
func IsClientError(err error) bool {
	return errors.Is(err, ErrWrongDocumentType) ||
		errors.Is(err, ErrMissingSignature) ||
		errors.Is(err, ErrDraftNotImportable) ||
		errors.Is(err, ErrMalformedPayload) ||
		errors.Is(err, ErrMetadataInvalid) ||
		errors.Is(err, ErrDivisionMismatch) ||
		errors.Is(err, ErrTooManyInvalidRecords) ||
		errors.Is(err, ErrTooManyRecords) ||
		errors.Is(err, ErrNoRecords) ||
		errors.Is(err, ErrInvalidRecord) ||
		errors.Is(err, ErrIllegalTransition)
}

// IsRetryable returns true if the same input might succeed on retry.
// Nothing in the core is retried automatically; a merge fault is the only
// error worth resubmitting unchanged.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrMergeTransactionFailed)
}

// ErrorKind returns a stable machine-readable name for an error.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrWrongDocumentType):
		return "WrongDocumentType"
	case errors.Is(err, ErrMissingSignature):
		return "MissingSignature"
	case errors.Is(err, ErrDraftNotImportable):
		return "DraftNotImportable"
	case errors.Is(err, ErrMalformedPayload):
		return "MalformedPayload"
	case errors.Is(err, ErrMetadataInvalid):
		return "MetadataInvalid"
	case errors.Is(err, ErrDivisionMismatch):
		return "DivisionMismatch"
	case errors.Is(err, ErrTooManyInvalidRecords):
		return "TooManyInvalidRecords"
	case errors.Is(err, ErrTooManyRecords):
		return "TooManyRecords"
	case errors.Is(err, ErrNoRecords):
		return "NoRecords"
	case errors.Is(err, ErrInvalidRecord):
		return "InvalidRecord"
	case errors.Is(err, ErrNoBasisAvailable):
		return "NoBasisAvailable"
	case errors.Is(err, ErrMergeTransactionFailed):
		return "MergeTransactionFailed"
	case errors.Is(err, ErrIllegalTransition):
		return "IllegalTransition"
	}
	return "Internal"
}
