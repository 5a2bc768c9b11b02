package document

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/budget-engine/budget"
	"golang.org/x/net/html"
)

// =============================================================================
// PAYLOAD SCHEMA - The machine-readable half of a document
// =============================================================================

const (
	PayloadBlockID   = "budget-payload"
	LifecycleBlockID = "budget-lifecycle"
)

// Payload is the declared schema of the payload block. It has exactly two
// members; anything else makes the payload malformed.
type Payload struct {
	Metadata *PayloadMetadata  `json:"metadata"`
	Records  []json.RawMessage `json:"records"`
}

// PayloadMetadata is the metadata object of the payload.
type PayloadMetadata struct {
	DocumentID   string              `json:"documentId,omitempty"`
	Division     string              `json:"division"`
	Owner        string              `json:"owner,omitempty"`
	SourceYear   int                 `json:"sourceYear"`
	TargetYear   int                 `json:"targetYear"`
	Version      string              `json:"version"`
	DocumentType budget.DocumentType `json:"documentType"`
	State        budget.Lifecycle    `json:"state,omitempty"`
	SavedAt      string              `json:"savedAt"`
}

// Lifecycle is the draft marker block.
type Lifecycle struct {
	IsDraft *bool `json:"isDraft"`
}

// wireRecord is a record as the encoder writes it.
type wireRecord struct {
	Customer     string      `json:"customer"`
	Country      string      `json:"country"`
	ProductGroup string      `json:"productGroup"`
	Month        int         `json:"month"`
	Value        json.Number `json:"value"`
}

func newPayload(meta budget.Metadata, records []budget.Record) (*Payload, error) {
	p := &Payload{
		Metadata: &PayloadMetadata{
			DocumentID:   meta.DocumentID,
			Division:     meta.Division,
			Owner:        meta.Owner,
			SourceYear:   meta.SourceYear,
			TargetYear:   meta.TargetYear,
			Version:      meta.Version,
			DocumentType: meta.Type,
			State:        meta.State,
			SavedAt:      meta.CreatedAt.UTC().Format(time.RFC3339),
		},
		Records: make([]json.RawMessage, 0, len(records)),
	}
	for _, r := range records {
		b, err := json.Marshal(wireRecord{
			Customer:     r.Customer,
			Country:      r.Country,
			ProductGroup: r.ProductGroup,
			Month:        r.Month,
			Value:        json.Number(r.Value.String()),
		})
		if err != nil {
			return nil, err
		}
		p.Records = append(p.Records, b)
	}
	return p, nil
}

// toMetadata converts the wire metadata. SavedAt parse problems are reported
// by metadata validation, not here.
func (pm *PayloadMetadata) toMetadata() budget.Metadata {
	created, _ := time.Parse(time.RFC3339, pm.SavedAt)
	return budget.Metadata{
		DocumentID: pm.DocumentID,
		Division:   budget.CanonicalDivision(pm.Division),
		Owner:      strings.TrimSpace(pm.Owner),
		SourceYear: pm.SourceYear,
		TargetYear: pm.TargetYear,
		CreatedAt:  created,
		Version:    pm.Version,
		Type:       pm.DocumentType,
		State:      pm.State,
	}
}

// decodePayload strictly decodes a payload block.
func decodePayload(block []byte) (*Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(block))
	dec.DisallowUnknownFields()
	dec.UseNumber()

	var p Payload
	if err := dec.Decode(&p); err != nil {
		return nil, &budget.PayloadError{Reason: "payload is not valid JSON", Err: err}
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, &budget.PayloadError{Reason: "trailing data after payload object"}
	}
	if p.Metadata == nil {
		return nil, &budget.PayloadError{Reason: "metadata object missing"}
	}
	if p.Records == nil {
		return nil, &budget.PayloadError{Reason: "records array missing"}
	}
	return &p, nil
}

// =============================================================================
// BLOCK EXTRACTION
// =============================================================================

// blocks holds the contents of the identified script elements of a document.
type blocks struct {
	payload        []byte
	payloadCount   int
	lifecycle      []byte
	lifecycleFound bool
}

// scanBlocks walks the document's tokens and collects the script elements
// carrying the payload and lifecycle ids. The rendered table is never read.
func scanBlocks(raw []byte) blocks {
	var b blocks
	z := html.NewTokenizer(bytes.NewReader(raw))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return b
		}
		if tt != html.StartTagToken {
			continue
		}
		name, hasAttr := z.TagName()
		if string(name) != "script" || !hasAttr {
			continue
		}
		id := scriptID(z)
		if id != PayloadBlockID && id != LifecycleBlockID {
			continue
		}

		var content []byte
		if z.Next() == html.TextToken {
			content = append([]byte(nil), z.Text()...)
		}
		switch id {
		case PayloadBlockID:
			b.payloadCount++
			b.payload = content
		case LifecycleBlockID:
			b.lifecycleFound = true
			b.lifecycle = content
		}
	}
}

func scriptID(z *html.Tokenizer) string {
	for {
		key, val, more := z.TagAttr()
		if string(key) == "id" {
			return string(val)
		}
		if !more {
			return ""
		}
	}
}

// isDraftBlock reports whether a lifecycle block marks a draft. A block that
// cannot be read is treated as a draft marker.
func isDraftBlock(content []byte) bool {
	var lc Lifecycle
	if err := json.Unmarshal(bytes.TrimSpace(content), &lc); err != nil {
		return true
	}
	return lc.IsDraft == nil || *lc.IsDraft
}

// =============================================================================
// RECORD DECODING
// =============================================================================

// decodeRecord reads one raw record element. It returns the record and
// every structural problem found; the record is only usable when no
// problems are returned.
func decodeRecord(raw json.RawMessage, maxValue decimal.Decimal) (budget.Record, []string) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return budget.Record{}, []string{"record is null"}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return budget.Record{}, []string{"record is not an object"}
	}

	var problems []string
	var rec budget.Record

	rec.Customer, problems = label(fields, "customer", problems)
	rec.Country, problems = label(fields, "country", problems)
	rec.ProductGroup, problems = label(fields, "productGroup", problems)
	problems = append(problems, budget.CheckLabels(rec.Combo)...)
	problems = dedupe(problems)

	month, err := integer(fields["month"])
	if err != nil {
		problems = append(problems, "month "+err.Error())
	} else {
		rec.Month = month
		problems = append(problems, budget.CheckMonth(month)...)
	}

	value, err := number(fields["value"])
	if err != nil {
		problems = append(problems, "value "+err.Error())
	} else {
		rec.Value = value
		problems = append(problems, budget.CheckValue(value, maxValue)...)
	}

	rec.Combo = rec.Combo.Normalize()
	return rec, problems
}

func label(fields map[string]json.RawMessage, name string, problems []string) (string, []string) {
	raw, ok := fields[name]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return "", problems
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", append(problems, name+" is not a string")
	}
	return s, problems
}

// integer accepts a JSON integer or a string holding one.
func integer(raw json.RawMessage) (int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, fmt.Errorf("is missing")
	}
	s := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, fmt.Errorf("is not a number")
		}
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("is not an integer")
	}
	return n, nil
}

// number accepts a JSON number or a string holding one. Hand-edited
// documents often carry quoted numbers.
func number(raw json.RawMessage) (decimal.Decimal, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return decimal.Zero, fmt.Errorf("is null")
	}
	s := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return decimal.Zero, fmt.Errorf("is not numeric")
		}
		s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("is not numeric")
	}
	return d, nil
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
