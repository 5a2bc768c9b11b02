package document

import (
	"github.com/shopspring/decimal"
	"github.com/warp/budget-engine/budget"
)

// =============================================================================
// PARSER - Document -> payload, without import gating
// =============================================================================

// Parsed is a document read back without any of the import checks. It is
// what re-encoding and inspection work from; imports go through Validator.
type Parsed struct {
	Signature *Signature // nil for unsigned documents
	Draft     bool       // a draft marker block is present
	Metadata  budget.Metadata
	SavedAt   string

	// Records are the decodable records; Issues are the rest.
	Records []budget.Record
	Issues  []budget.RecordIssue
	Total   int
}

// State is the document's lifecycle state. The draft marker block wins over
// what the metadata says; legacy documents without either are final.
func (p *Parsed) State() budget.Lifecycle {
	if p.Draft || p.Metadata.State == budget.StateDraft {
		return budget.StateDraft
	}
	return budget.StateFinal
}

// Parse extracts the signature, lifecycle and payload of a document. The
// only error is ErrMalformedPayload; everything else is reported in the
// returned structure for the caller to judge.
func Parse(raw []byte) (*Parsed, error) {
	var out Parsed
	if sig, ok := ReadSignature(raw); ok {
		out.Signature = &sig
	}

	b := scanBlocks(raw)
	if b.lifecycleFound && isDraftBlock(b.lifecycle) {
		out.Draft = true
	}

	p, err := singlePayload(b)
	if err != nil {
		return nil, err
	}
	out.Metadata = p.Metadata.toMetadata()
	out.SavedAt = p.Metadata.SavedAt
	out.Total = len(p.Records)

	for i, elem := range p.Records {
		rec, problems := decodeRecord(elem, decimal.Zero)
		if len(problems) > 0 {
			out.Issues = append(out.Issues, budget.RecordIssue{Index: i, Reasons: problems})
			continue
		}
		out.Records = append(out.Records, rec)
	}
	return &out, nil
}

// singlePayload decodes the one payload block of a document. Zero blocks and
// several blocks are both malformed.
func singlePayload(b blocks) (*Payload, error) {
	switch {
	case b.payloadCount == 0:
		return nil, &budget.PayloadError{Reason: "payload block not found"}
	case b.payloadCount > 1:
		return nil, &budget.PayloadError{Reason: "payload block appears more than once"}
	}
	return decodePayload(b.payload)
}
