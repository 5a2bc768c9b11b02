package document_test

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/budget-engine/budget"
	"github.com/warp/budget-engine/document"
	"github.com/warp/budget-engine/pricing"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var fixedNow = time.Date(2025, time.November, 3, 9, 30, 0, 0, time.UTC)

type staticPrices pricing.Table

func (s staticPrices) Table(_ context.Context, _ string, _ int) (pricing.Table, error) {
	return pricing.Table(s), nil
}

func newEncoder(p document.PriceTables) *document.Encoder {
	return document.NewEncoder(p, nil).WithClock(func() time.Time { return fixedNow })
}

func ownerMeta() budget.Metadata {
	return budget.Metadata{
		Division:   "FP",
		Owner:      "Narek",
		SourceYear: 2025,
		Type:       budget.DocPerOwner,
	}
}

func rec(customer, country, pg string, month int, value string) budget.Record {
	return budget.Record{
		Combo: budget.Combo{Customer: customer, Country: country, ProductGroup: pg},
		Month: month,
		Value: decimal.RequireFromString(value),
	}
}

func encode(t *testing.T, meta budget.Metadata, records []budget.Record, final bool) []byte {
	t.Helper()
	enc, err := newEncoder(nil).Encode(context.Background(), meta, records, document.EncodeOptions{Final: final})
	require.NoError(t, err)
	return enc.Bytes
}

// payloadMeta is the metadata object of a well-formed final PER_OWNER document.
func payloadMeta() map[string]any {
	return map[string]any{
		"documentId":   "doc-1",
		"division":     "FP",
		"owner":        "Narek",
		"sourceYear":   2025,
		"targetYear":   2026,
		"version":      "2.0",
		"documentType": "PER_OWNER",
		"state":        "final",
		"savedAt":      "2025-11-01T10:00:00Z",
	}
}

func wire(customer string, month, value any) map[string]any {
	return map[string]any{
		"customer":     customer,
		"country":      "UAE",
		"productGroup": "Shrink Film",
		"month":        month,
		"value":        value,
	}
}

type craftOpts struct {
	unsigned bool
	draft    bool
	sigType  string
}

// craft builds a document by hand, bypassing the encoder.
func craft(t *testing.T, meta map[string]any, records []any, o craftOpts) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{"metadata": meta, "records": records})
	require.NoError(t, err)
	return craftRaw(string(body), o)
}

func craftRaw(payload string, o craftOpts) []byte {
	var b strings.Builder
	if !o.unsigned {
		typ := o.sigType
		if typ == "" {
			typ = "PER_OWNER"
		}
		fmt.Fprintf(&b, "<!-- BUDGETDOC v2 :: %s :: DO NOT EDIT THIS LINE -->\n", typ)
	}
	b.WriteString("<!DOCTYPE html><html><body><table><tr><td>edited</td></tr></table>\n")
	fmt.Fprintf(&b, `<script type="application/json" id="budget-payload">%s</script>`, payload)
	if o.draft {
		b.WriteString(`<script type="application/json" id="budget-lifecycle">{"isDraft":true}</script>`)
	}
	b.WriteString("</body></html>\n")
	return []byte(b.String())
}

func manyRecords(valid, invalid int) []any {
	out := make([]any, 0, valid+invalid)
	for i := 0; i < valid; i++ {
		out = append(out, wire(fmt.Sprintf("C%03d", i), 1, 10))
	}
	for i := 0; i < invalid; i++ {
		out = append(out, wire(fmt.Sprintf("X%03d", i), 1, -5))
	}
	return out
}

func byCell(records []budget.Record) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(records))
	for _, r := range records {
		out[r.CellKey()] = r.Value
	}
	return out
}

// =============================================================================
// ENCODER TESTS
// =============================================================================

func TestEncode_SignatureIsFirstLine(t *testing.T) {
	// GIVEN: A PER_OWNER document
	// WHEN: Encoding it
	// THEN: Line 1 is the signature and it reads back

	raw := encode(t, ownerMeta(), []budget.Record{rec("Acme", "UAE", "Shrink Film", 1, "5")}, true)

	first, _, _ := strings.Cut(string(raw), "\n")
	assert.Equal(t, "<!-- BUDGETDOC v2 :: PER_OWNER :: DO NOT EDIT THIS LINE -->", first)

	sig, ok := document.ReadSignature(raw)
	require.True(t, ok)
	assert.Equal(t, budget.DocPerOwner, sig.Type)
	assert.Equal(t, document.ProtocolVersion, sig.Protocol)
}

func TestEncode_FillsMetadata(t *testing.T) {
	// GIVEN: Metadata with only division, owner, source year and type
	// WHEN: Encoding
	// THEN: Id, version, target year, timestamp and state are filled in

	enc, err := newEncoder(nil).Encode(context.Background(), ownerMeta(),
		[]budget.Record{rec("Acme", "UAE", "Shrink Film", 1, "5")}, document.EncodeOptions{})
	require.NoError(t, err)

	m := enc.Metadata
	assert.NotEmpty(t, m.DocumentID)
	assert.Equal(t, 2026, m.TargetYear)
	assert.Equal(t, document.CurrentVersion, m.Version)
	assert.Equal(t, fixedNow, m.CreatedAt)
	assert.Equal(t, budget.StateDraft, m.State)
	assert.Contains(t, string(enc.Bytes), `id="budget-lifecycle"`)
}

func TestEncode_FinalHasNoLifecycleBlock(t *testing.T) {
	raw := encode(t, ownerMeta(), []budget.Record{rec("Acme", "UAE", "Shrink Film", 1, "5")}, true)
	assert.NotContains(t, string(raw), `id="budget-lifecycle"`)
}

func TestEncode_DropsNonPositiveValues(t *testing.T) {
	// GIVEN: Records including a zero and a negative value
	// WHEN: Encoding
	// THEN: Only the positive record is emitted

	enc, err := newEncoder(nil).Encode(context.Background(), ownerMeta(), []budget.Record{
		rec("Acme", "UAE", "Shrink Film", 1, "5"),
		rec("Acme", "UAE", "Shrink Film", 2, "0"),
		rec("Acme", "UAE", "Shrink Film", 3, "-1"),
	}, document.EncodeOptions{Final: true})
	require.NoError(t, err)

	require.Len(t, enc.Records, 1)
	assert.Equal(t, 1, enc.Records[0].Month)
}

func TestEncode_RejectsDuplicateCells(t *testing.T) {
	_, err := newEncoder(nil).Encode(context.Background(), ownerMeta(), []budget.Record{
		rec("Acme", "UAE", "Shrink Film", 1, "5"),
		rec("ACME ", "uae", "shrink film", 1, "7"),
	}, document.EncodeOptions{})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicates record 0")
}

func TestEncode_RejectsInvalidMetadata(t *testing.T) {
	// GIVEN: An AGGREGATE document that names an owner
	// WHEN: Encoding
	// THEN: Metadata is rejected

	meta := ownerMeta()
	meta.Type = budget.DocAggregate

	_, err := newEncoder(nil).Encode(context.Background(), meta, nil, document.EncodeOptions{})
	assert.ErrorIs(t, err, budget.ErrMetadataInvalid)
}

func TestEncode_DisplayTotalsUsePricing(t *testing.T) {
	// GIVEN: Price 2 and secondary factor 0.5 for Shrink Film
	// WHEN: Encoding 10 + 20 units of it and 5 unpriced units
	// THEN: Totals are volume 35, amount 60, MoRM 15

	prices := staticPrices{
		pricing.Key("Shrink Film"): {Price: decimal.NewFromInt(2), SecondaryFactor: decimal.RequireFromString("0.5")},
	}
	enc, err := newEncoder(prices).Encode(context.Background(), ownerMeta(), []budget.Record{
		rec("Acme", "UAE", "Shrink Film", 1, "10"),
		rec("Acme", "UAE", "Shrink Film", 2, "20"),
		rec("Acme", "UAE", "Stretch Film", 2, "5"),
	}, document.EncodeOptions{})
	require.NoError(t, err)

	assert.True(t, enc.Totals.Priced)
	assert.True(t, enc.Totals.Volume.Equal(decimal.NewFromInt(35)))
	assert.True(t, enc.Totals.Amount.Equal(decimal.NewFromInt(60)))
	assert.True(t, enc.Totals.MoRM.Equal(decimal.NewFromInt(15)))
	assert.True(t, enc.Totals.ByMonth[1].Equal(decimal.NewFromInt(25)))
}

// =============================================================================
// ROUND TRIP
// =============================================================================

func TestRoundTrip_FinalDocumentValidatesToSameRecords(t *testing.T) {
	// GIVEN: A final document with fractional and large values
	// WHEN: Validating it unchanged
	// THEN: The same multiset of records comes back with no skips

	records := []budget.Record{
		rec("Zeta Trading", "Oman", "Stretch Film", 12, "999999.125"),
		rec("Acme", "UAE", "Shrink Film", 3, "12.5"),
		rec("Acme", "UAE", "Shrink Film", 1, "7"),
		rec("Acme <&> Co", "Qatar", "Bags", 6, "0.001"),
	}
	enc, err := newEncoder(nil).Encode(context.Background(), ownerMeta(), records, document.EncodeOptions{Final: true})
	require.NoError(t, err)

	v, err := document.NewValidator().Validate(enc.Bytes, document.Expectation{
		Type: budget.DocPerOwner, Division: "FP", Owner: "Narek",
	})
	require.NoError(t, err)

	assert.Empty(t, v.Skipped)
	assert.Empty(t, v.Warnings)
	assert.True(t, v.Signed)
	assert.Equal(t, enc.Metadata.DocumentID, v.Metadata.DocumentID)
	assert.Equal(t, 2026, v.Metadata.TargetYear)

	want := byCell(records)
	got := byCell(v.Records)
	require.Len(t, got, len(want))
	for k, w := range want {
		assert.True(t, w.Equal(got[k]), "value of %q", k)
	}
}

func TestRoundTrip_RenderedTableIsIgnored(t *testing.T) {
	// GIVEN: A final document whose rendered cell was hand-edited
	// WHEN: Validating it
	// THEN: Values still come from the payload

	raw := encode(t, ownerMeta(), []budget.Record{rec("Acme", "UAE", "Shrink Film", 1, "123")}, true)
	edited := strings.Replace(string(raw), `data-col="0">123<`, `data-col="0">999<`, 1)
	require.NotEqual(t, string(raw), edited)

	v, err := document.NewValidator().Validate([]byte(edited), document.Expectation{})
	require.NoError(t, err)
	require.Len(t, v.Records, 1)
	assert.True(t, v.Records[0].Value.Equal(decimal.NewFromInt(123)))
}

func TestParse_ReadsDraftWithoutGating(t *testing.T) {
	raw := encode(t, ownerMeta(), []budget.Record{rec("Acme", "UAE", "Shrink Film", 1, "5")}, false)

	p, err := document.Parse(raw)
	require.NoError(t, err)

	assert.True(t, p.Draft)
	assert.Equal(t, budget.StateDraft, p.State())
	assert.NotNil(t, p.Signature)
	assert.Len(t, p.Records, 1)
}

// =============================================================================
// VALIDATOR STAGES
// =============================================================================

func TestValidate_DraftIsRejected(t *testing.T) {
	// GIVEN: A syntactically complete draft
	// WHEN: Validating
	// THEN: DraftNotImportable, regardless of completeness

	raw := encode(t, ownerMeta(), []budget.Record{rec("Acme", "UAE", "Shrink Film", 1, "5")}, false)

	_, err := document.NewValidator().Validate(raw, document.Expectation{})
	assert.ErrorIs(t, err, budget.ErrDraftNotImportable)
}

func TestValidate_DraftStateInMetadataIsRejected(t *testing.T) {
	// GIVEN: No lifecycle block, but metadata state "draft"
	// THEN: Still a draft

	meta := payloadMeta()
	meta["state"] = "draft"
	raw := craft(t, meta, manyRecords(1, 0), craftOpts{})

	_, err := document.NewValidator().Validate(raw, document.Expectation{})
	assert.ErrorIs(t, err, budget.ErrDraftNotImportable)
}

func TestValidate_UnreadableLifecycleBlockCountsAsDraft(t *testing.T) {
	payload, _ := json.Marshal(map[string]any{"metadata": payloadMeta(), "records": manyRecords(1, 0)})
	raw := craftRaw(string(payload), craftOpts{}) // no lifecycle
	raw = []byte(strings.Replace(string(raw), "</body>",
		`<script type="application/json" id="budget-lifecycle">not json</script></body>`, 1))

	_, err := document.NewValidator().Validate(raw, document.Expectation{})
	assert.ErrorIs(t, err, budget.ErrDraftNotImportable)
}

func TestValidate_WrongTypeFromSignature(t *testing.T) {
	// GIVEN: An AGGREGATE document
	// WHEN: Importing where a PER_OWNER document is expected
	// THEN: WrongDocumentType naming both types

	meta := ownerMeta()
	meta.Type = budget.DocAggregate
	meta.Owner = ""
	raw := encode(t, meta, []budget.Record{rec("Acme", "UAE", "Shrink Film", 1, "5")}, true)

	_, err := document.NewValidator().Validate(raw, document.Expectation{Type: budget.DocPerOwner})
	require.ErrorIs(t, err, budget.ErrWrongDocumentType)

	var wt *budget.WrongTypeError
	require.ErrorAs(t, err, &wt)
	assert.Equal(t, budget.DocPerOwner, wt.Expected)
	assert.Equal(t, budget.DocAggregate, wt.Found)
}

func TestValidate_WrongTypeOnUnsignedDocument(t *testing.T) {
	meta := payloadMeta()
	meta["documentType"] = "AGGREGATE"
	delete(meta, "owner")
	raw := craft(t, meta, manyRecords(1, 0), craftOpts{unsigned: true})

	_, err := document.NewValidator().Validate(raw, document.Expectation{Type: budget.DocPerOwner})
	assert.ErrorIs(t, err, budget.ErrWrongDocumentType)
}

func TestValidate_UnsignedLegacyDocumentWarns(t *testing.T) {
	// GIVEN: A document without a signature line
	// WHEN: Validating with no legacy expiry configured
	// THEN: Accepted with a warning

	raw := craft(t, payloadMeta(), manyRecords(3, 0), craftOpts{unsigned: true})

	v, err := document.NewValidator().Validate(raw, document.Expectation{})
	require.NoError(t, err)
	assert.False(t, v.Signed)
	require.NotEmpty(t, v.Warnings)
	assert.Contains(t, v.Warnings[0], "no signature")
}

func TestValidate_UnsignedAfterLegacyExpiry(t *testing.T) {
	// GIVEN: A legacy allowance that ended yesterday
	// THEN: Unsigned documents are rejected

	raw := craft(t, payloadMeta(), manyRecords(3, 0), craftOpts{unsigned: true})

	v := document.NewValidator()
	v.LegacyUnsignedUntil = fixedNow.Add(-24 * time.Hour)
	v.Now = func() time.Time { return fixedNow }

	_, err := v.Validate(raw, document.Expectation{})
	assert.ErrorIs(t, err, budget.ErrMissingSignature)
}

func TestValidate_MalformedPayload(t *testing.T) {
	twoBlocks := string(craft(t, payloadMeta(), manyRecords(1, 0), craftOpts{}))
	twoBlocks = strings.Replace(twoBlocks, "</body>",
		`<script type="application/json" id="budget-payload">{}</script></body>`, 1)

	tests := []struct {
		name string
		raw  []byte
	}{
		{"no payload block", []byte("<!-- BUDGETDOC v2 :: PER_OWNER :: DO NOT EDIT THIS LINE -->\n<html></html>")},
		{"not json", craftRaw(`{"metadata": {`, craftOpts{})},
		{"unknown member", craftRaw(`{"metadata":{"division":"FP"},"records":[],"extra":1}`, craftOpts{})},
		{"missing records", craftRaw(`{"metadata":{"division":"FP"}}`, craftOpts{})},
		{"missing metadata", craftRaw(`{"records":[]}`, craftOpts{})},
		{"two payload blocks", []byte(twoBlocks)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := document.NewValidator().Validate(tt.raw, document.Expectation{})
			assert.ErrorIs(t, err, budget.ErrMalformedPayload)
		})
	}
}

func TestValidate_MetadataProblemsAreAggregated(t *testing.T) {
	// GIVEN: Bad division, wrong target year and unsupported version
	// WHEN: Validating
	// THEN: One MetadataError lists all three

	meta := payloadMeta()
	meta["division"] = "F P!"
	meta["targetYear"] = 2030
	meta["version"] = "9.9"
	raw := craft(t, meta, manyRecords(1, 0), craftOpts{})

	_, err := document.NewValidator().Validate(raw, document.Expectation{})
	require.ErrorIs(t, err, budget.ErrMetadataInvalid)

	var me *budget.MetadataError
	require.ErrorAs(t, err, &me)
	assert.Len(t, me.Problems, 3)
}

func TestValidate_SignatureAndPayloadMajorMustAgree(t *testing.T) {
	meta := payloadMeta()
	meta["version"] = "1.1"
	raw := craft(t, meta, manyRecords(1, 0), craftOpts{})

	_, err := document.NewValidator().Validate(raw, document.Expectation{})
	assert.ErrorIs(t, err, budget.ErrMetadataInvalid)
}

func TestValidate_LegacyVersionUnsigned(t *testing.T) {
	meta := payloadMeta()
	meta["version"] = "1.0"
	delete(meta, "state")
	delete(meta, "documentId")
	raw := craft(t, meta, manyRecords(2, 0), craftOpts{unsigned: true})

	v, err := document.NewValidator().Validate(raw, document.Expectation{})
	require.NoError(t, err)
	assert.Len(t, v.Records, 2)
}

func TestValidate_DivisionMismatchIsFatal(t *testing.T) {
	raw := craft(t, payloadMeta(), manyRecords(2, 0), craftOpts{})

	_, err := document.NewValidator().Validate(raw, document.Expectation{Division: "HC"})
	require.ErrorIs(t, err, budget.ErrDivisionMismatch)

	var dm *budget.DivisionMismatchError
	require.ErrorAs(t, err, &dm)
	assert.Equal(t, "HC", dm.Expected)
	assert.Equal(t, "FP", dm.Found)
}

func TestValidate_OwnerMismatchWarnsAndRoutesToDocumentOwner(t *testing.T) {
	// GIVEN: A document for Narek imported where Alice was expected
	// THEN: Accepted with a warning; scope is Narek's

	raw := craft(t, payloadMeta(), manyRecords(2, 0), craftOpts{})

	v, err := document.NewValidator().Validate(raw, document.Expectation{Division: "fp", Owner: "Alice"})
	require.NoError(t, err)
	require.Len(t, v.Warnings, 1)
	assert.Contains(t, v.Warnings[0], "Alice")
	assert.Equal(t, budget.Scope{Division: "FP", Owner: "Narek", Year: 2026}, v.Scope())
}

func TestValidate_TooManyRecordsRegardlessOfValidity(t *testing.T) {
	// GIVEN: 11 records, one invalid, with a limit of 10
	// THEN: TooManyRecords, counting the invalid record

	raw := craft(t, payloadMeta(), manyRecords(10, 1), craftOpts{})

	v := document.NewValidator()
	v.MaxRecords = 10

	_, err := v.Validate(raw, document.Expectation{})
	require.ErrorIs(t, err, budget.ErrTooManyRecords)

	var tm *budget.TooManyRecordsError
	require.ErrorAs(t, err, &tm)
	assert.Equal(t, 11, tm.Count)
	assert.Equal(t, 10, tm.Limit)
}

func TestValidate_RecordStageRunsBeforeVolume(t *testing.T) {
	// GIVEN: 6 records, all invalid, with a limit of 5
	// THEN: The record stage fails first with TooManyInvalidRecords

	raw := craft(t, payloadMeta(), manyRecords(0, 6), craftOpts{})

	v := document.NewValidator()
	v.MaxRecords = 5

	_, err := v.Validate(raw, document.Expectation{})
	require.ErrorIs(t, err, budget.ErrTooManyInvalidRecords)
	assert.NotErrorIs(t, err, budget.ErrTooManyRecords)
}

func TestValidate_DefaultRecordLimit(t *testing.T) {
	records := make([]any, 0, document.DefaultMaxRecords+1)
	for i := 0; i <= document.DefaultMaxRecords; i++ {
		records = append(records, wire(fmt.Sprintf("C%05d", i), 1+i%12, 1))
	}
	raw := craft(t, payloadMeta(), records, craftOpts{})

	_, err := document.NewValidator().Validate(raw, document.Expectation{})
	assert.ErrorIs(t, err, budget.ErrTooManyRecords)
}

// =============================================================================
// RECORD THRESHOLD
// =============================================================================

func TestValidate_FivePercentInvalidIsTolerated(t *testing.T) {
	// GIVEN: 100 records, 5 with a negative value
	// WHEN: Validating
	// THEN: 95 records proceed and 5 are reported as skipped

	raw := craft(t, payloadMeta(), manyRecords(95, 5), craftOpts{})

	v, err := document.NewValidator().Validate(raw, document.Expectation{})
	require.NoError(t, err)

	assert.Len(t, v.Records, 95)
	assert.Len(t, v.Skipped, 5)
	assert.Equal(t, 100, v.Total)
	assert.Equal(t, 95, v.Skipped[0].Index)
}

func TestValidate_TenPercentInvalidIsTolerated(t *testing.T) {
	raw := craft(t, payloadMeta(), manyRecords(90, 10), craftOpts{})

	v, err := document.NewValidator().Validate(raw, document.Expectation{})
	require.NoError(t, err)
	assert.Len(t, v.Records, 90)
}

func TestValidate_FifteenPercentInvalidIsRejected(t *testing.T) {
	// GIVEN: 100 records, 15 invalid
	// THEN: TooManyInvalidRecords with 10 examples

	raw := craft(t, payloadMeta(), manyRecords(85, 15), craftOpts{})

	_, err := document.NewValidator().Validate(raw, document.Expectation{})
	require.ErrorIs(t, err, budget.ErrTooManyInvalidRecords)

	var ti *budget.TooManyInvalidError
	require.ErrorAs(t, err, &ti)
	assert.Equal(t, 15, ti.Invalid)
	assert.Equal(t, 100, ti.Total)
	assert.Len(t, ti.Examples, 10)
	assert.InDelta(t, 15.0, ti.Percent(), 0.001)
}

func TestValidate_RecordChecks(t *testing.T) {
	records := []any{
		wire("Ok", 1, 10),
		nil,
		"not an object",
		wire("", 1, 10),
		wire("Month", 13, 10),
		wire("Text", 1, "abc"),
		wire("Zero", 1, 0),
		wire("Huge", 1, 2_000_000_000),
		wire("Ok", 1, 20), // duplicate of record 0
	}
	for i := 0; i < 91; i++ {
		records = append(records, wire(fmt.Sprintf("Fill%03d", i), 2, 1))
	}
	raw := craft(t, payloadMeta(), records, craftOpts{})

	v, err := document.NewValidator().Validate(raw, document.Expectation{})
	require.NoError(t, err)

	require.Len(t, v.Skipped, 8)
	reasons := make(map[int]string)
	for _, s := range v.Skipped {
		reasons[s.Index] = strings.Join(s.Reasons, ",")
	}
	assert.Contains(t, reasons[1], "null")
	assert.Contains(t, reasons[2], "not an object")
	assert.Contains(t, reasons[3], "customer is empty")
	assert.Contains(t, reasons[4], "outside [1,12]")
	assert.Contains(t, reasons[5], "not numeric")
	assert.Contains(t, reasons[6], "not positive")
	assert.Contains(t, reasons[7], "exceeds limit")
	assert.Contains(t, reasons[8], "duplicates record 0")
}

func TestValidate_QuotedNumbersAreAccepted(t *testing.T) {
	raw := craft(t, payloadMeta(), []any{wire("Acme", "3", "1,250.5")}, craftOpts{})

	v, err := document.NewValidator().Validate(raw, document.Expectation{})
	require.NoError(t, err)
	require.Len(t, v.Records, 1)
	assert.Equal(t, 3, v.Records[0].Month)
	assert.True(t, v.Records[0].Value.Equal(decimal.RequireFromString("1250.5")))
}

func TestValidate_NoRecordsLeft(t *testing.T) {
	raw := craft(t, payloadMeta(), []any{}, craftOpts{})

	_, err := document.NewValidator().Validate(raw, document.Expectation{})
	assert.ErrorIs(t, err, budget.ErrNoRecords)
}

// =============================================================================
// LIFECYCLE TRANSITIONS
// =============================================================================

func TestReencode_DraftToFinalKeepsIdentity(t *testing.T) {
	// GIVEN: A draft
	// WHEN: Saving it as final with edited records
	// THEN: Same document id, final state, new records, importable

	enc := newEncoder(nil)
	draft, err := enc.Encode(context.Background(), ownerMeta(),
		[]budget.Record{rec("Acme", "UAE", "Shrink Film", 1, "5")}, document.EncodeOptions{})
	require.NoError(t, err)

	edits := []budget.Record{rec("Acme", "UAE", "Shrink Film", 1, "8"), rec("Acme", "UAE", "Shrink Film", 2, "9")}
	final, err := enc.Reencode(context.Background(), draft.Bytes, edits, true)
	require.NoError(t, err)

	assert.Equal(t, draft.Metadata.DocumentID, final.Metadata.DocumentID)
	assert.Equal(t, budget.StateFinal, final.Metadata.State)

	v, err := document.NewValidator().Validate(final.Bytes, document.Expectation{Type: budget.DocPerOwner})
	require.NoError(t, err)
	assert.Len(t, v.Records, 2)
}

func TestReencode_DraftKeepsOwnRecordsWhenNoEdits(t *testing.T) {
	enc := newEncoder(nil)
	draft, err := enc.Encode(context.Background(), ownerMeta(),
		[]budget.Record{rec("Acme", "UAE", "Shrink Film", 4, "5")}, document.EncodeOptions{})
	require.NoError(t, err)

	again, err := enc.Reencode(context.Background(), draft.Bytes, nil, false)
	require.NoError(t, err)
	require.Len(t, again.Records, 1)
	assert.Equal(t, 4, again.Records[0].Month)
	assert.Equal(t, budget.StateDraft, again.Metadata.State)
}

func TestReencode_FinalCannotGoBack(t *testing.T) {
	raw := encode(t, ownerMeta(), []budget.Record{rec("Acme", "UAE", "Shrink Film", 1, "5")}, true)

	_, err := newEncoder(nil).Reencode(context.Background(), raw, nil, false)
	assert.ErrorIs(t, err, budget.ErrIllegalTransition)

	_, err = newEncoder(nil).Reencode(context.Background(), raw, nil, true)
	assert.ErrorIs(t, err, budget.ErrIllegalTransition)
}

// =============================================================================
// TABLE EDITOR TESTS
// =============================================================================

// rewritePayload edits the payload block of a document in place, the way
// the draft's save script does before downloading it.
func rewritePayload(t *testing.T, raw []byte, edit func(p map[string]any)) []byte {
	t.Helper()
	const open = `id="budget-payload">`
	doc := string(raw)
	start := strings.Index(doc, open)
	require.GreaterOrEqual(t, start, 0)
	start += len(open)
	end := strings.Index(doc[start:], "</script>")
	require.GreaterOrEqual(t, end, 0)
	end += start

	var p map[string]any
	require.NoError(t, json.Unmarshal([]byte(doc[start:end]), &p))
	edit(p)
	body, err := json.Marshal(p)
	require.NoError(t, err)
	return []byte(doc[:start] + string(body) + doc[end:])
}

func TestDraft_CarriesTableEditor(t *testing.T) {
	records := []budget.Record{rec("Acme", "UAE", "Shrink Film", 1, "5")}

	draft := string(encode(t, ownerMeta(), records, false))
	assert.Contains(t, draft, `id="budget-save"`)
	assert.Contains(t, draft, `data-customer="Acme" data-country="UAE" data-product-group="Shrink Film"`)
	assert.Contains(t, draft, `contenteditable="true" data-col="0">5<`)
	assert.Contains(t, draft, "BUDGET_FP_Narek_2026_draft.html")

	p, err := document.Parse([]byte(draft))
	require.NoError(t, err)
	assert.Len(t, p.Records, 1)

	final := string(encode(t, ownerMeta(), records, true))
	assert.NotContains(t, final, `id="budget-save"`)
	assert.NotContains(t, final, "contenteditable")
}

func TestDraft_SavedEditsSurviveFinalize(t *testing.T) {
	// GIVEN: A draft saved after editing the table: February cleared,
	//        January kept, March typed in, a quoted decimal in April
	// WHEN: Finalizing and validating it
	// THEN: The final document carries exactly the edited cells

	enc := newEncoder(nil)
	draft, err := enc.Encode(context.Background(), ownerMeta(), []budget.Record{
		rec("Acme", "UAE", "Shrink Film", 1, "5"),
		rec("Acme", "UAE", "Shrink Film", 2, "7"),
	}, document.EncodeOptions{})
	require.NoError(t, err)

	saved := rewritePayload(t, draft.Bytes, func(p map[string]any) {
		p["records"] = []any{
			wire("Acme", 1, 5),
			wire("Acme", 3, 9),
			wire("Acme", 4, "12.50"),
		}
		p["metadata"].(map[string]any)["savedAt"] = "2025-11-04T08:00:00Z"
	})

	final, err := enc.Reencode(context.Background(), saved, nil, true)
	require.NoError(t, err)
	assert.Equal(t, draft.Metadata.DocumentID, final.Metadata.DocumentID)

	v, err := document.NewValidator().Validate(final.Bytes, document.Expectation{Type: budget.DocPerOwner})
	require.NoError(t, err)

	got := byCell(v.Records)
	require.Len(t, got, 3)
	for _, want := range []budget.Record{
		rec("Acme", "UAE", "Shrink Film", 1, "5"),
		rec("Acme", "UAE", "Shrink Film", 3, "9"),
		rec("Acme", "UAE", "Shrink Film", 4, "12.5"),
	} {
		assert.True(t, want.Value.Equal(got[want.CellKey()]), "month %d", want.Month)
	}
}

func TestReencode_UnreadableRecordsAreMalformed(t *testing.T) {
	draft := encode(t, ownerMeta(), []budget.Record{rec("Acme", "UAE", "Shrink Film", 1, "5")}, false)
	saved := rewritePayload(t, draft, func(p map[string]any) {
		p["records"] = []any{wire("Acme", 1, "lots")}
	})

	_, err := newEncoder(nil).Reencode(context.Background(), saved, nil, true)
	assert.ErrorIs(t, err, budget.ErrMalformedPayload)
}
