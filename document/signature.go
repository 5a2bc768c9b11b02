/*
Package document implements the offline budget document protocol.

PURPOSE:
  A budget document is one self-contained HTML file that a sales person
  downloads, edits offline in a browser, and uploads again. It carries
  both a human-editable table and a machine payload, so the server never
  has to read numbers back out of the rendered table.

WIRE FORMAT:
  Line 1   signature comment, fixed pattern:
             <!-- BUDGETDOC v2 :: PER_OWNER :: DO NOT EDIT THIS LINE -->
  Body     rendered table (render.go) - for humans only
  Payload  <script type="application/json" id="budget-payload">
             {"metadata": {...}, "records": [...]}
           </script>
  Draft    <script type="application/json" id="budget-lifecycle">
             {"isDraft": true}
           </script>   (present only on drafts)

LIFECYCLE:
  Draft -> (edit, re-encode) -> Draft | Final
  Final -> (import)          -> Merged (terminal)

  A draft is never importable, however complete it looks.

FILES:
  signature.go  first-line signature
  payload.go    declared payload schema and block extraction
  render.go     human-facing table
  encoder.go    records + metadata -> document
  parser.go     document -> payload, no gating
  validator.go  ordered import validation pipeline

SEE ALSO:
  - merge/writer.go: Consumes a Validated document
  - budget/errors.go: Error taxonomy
*/
package document

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/warp/budget-engine/budget"
)

// =============================================================================
// SIGNATURE - First line of every document
// =============================================================================

const (
	// ProtocolVersion is the signature protocol written by this encoder.
	ProtocolVersion = "2"

	// CurrentVersion is the payload format version written by this encoder.
	CurrentVersion = "2.0"

	signatureMarker = "DO NOT EDIT THIS LINE"
)

// SupportedVersions are the payload versions the validator accepts.
var SupportedVersions = []string{"1.0", "1.1", "2.0"}

var signaturePattern = regexp.MustCompile(
	`^<!--\s*BUDGETDOC v(\d+) :: ([A-Z_]+) :: ` + signatureMarker + `\s*-->$`)

// Signature is the decoded first line of a document.
type Signature struct {
	Protocol string
	Type     budget.DocumentType
}

func (s Signature) String() string {
	return fmt.Sprintf("<!-- BUDGETDOC v%s :: %s :: %s -->", s.Protocol, s.Type, signatureMarker)
}

// ReadSignature decodes the first line of raw. ok is false when the line
// does not match the signature pattern. The type is returned as written,
// it may be an unknown tag.
func ReadSignature(raw []byte) (sig Signature, ok bool) {
	raw = bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf"))
	line := raw
	if i := bytes.IndexByte(raw, '\n'); i >= 0 {
		line = raw[:i]
	}
	m := signaturePattern.FindSubmatch(bytes.TrimSpace(line))
	if m == nil {
		return Signature{}, false
	}
	return Signature{Protocol: string(m[1]), Type: budget.DocumentType(m[2])}, true
}

// versionMajor returns the part of a version before the first dot.
func versionMajor(v string) string {
	major, _, _ := strings.Cut(v, ".")
	return major
}

func supportedVersion(v string) bool {
	for _, s := range SupportedVersions {
		if s == v {
			return true
		}
	}
	return false
}
