package document

import (
	"bytes"
	"html/template"
	"sort"
	"strconv"

	"github.com/shopspring/decimal"
	"github.com/warp/budget-engine/budget"
)

// =============================================================================
// RENDERING - The human-editable half of a document
// =============================================================================
//
// Nothing in this file is ever read back on import. Cell values are written
// with decimal.String() so they equal the payload values exactly.
//
// Drafts carry an editor script. Saving rebuilds the payload's records from
// the table cells (row combination plus data-col month) and downloads the
// document with its signature line, so edits survive the trip back. Empty and
// zero cells are dropped; anything else is written as typed and judged by the
// validator.

// Totals are the display-only totals shown in the document footer.
// The merge writer recomputes derived values independently.
type Totals struct {
	Volume  decimal.Decimal
	Amount  decimal.Decimal
	MoRM    decimal.Decimal
	ByMonth [12]decimal.Decimal
	Priced  bool
}

type viewRow struct {
	Combo budget.Combo
	Cells [12]string
	Total string
}

type view struct {
	Title     string
	Signature string
	Filename  string
	Meta      budget.Metadata
	Draft     bool
	Months    []string
	Rows      []viewRow
	Totals    Totals
	MonthSums [12]string
	Payload   template.JS
	Lifecycle template.JS
}

var documentTemplate = template.Must(template.New("document").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body{font-family:sans-serif;font-size:13px}
table{border-collapse:collapse}
th,td{border:1px solid #ccc;padding:2px 6px}
td.num{text-align:right;min-width:4em}
.draft{color:#b00;font-weight:bold}
td[contenteditable]{background:#fffbe6}
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<p>Division <b>{{.Meta.Division}}</b>{{if .Meta.Owner}} &middot; Owner <b>{{.Meta.Owner}}</b>{{end}}
 &middot; Budget {{.Meta.TargetYear}} (from {{.Meta.SourceYear}} actuals)
 &middot; Saved {{.Meta.CreatedAt.Format "2006-01-02 15:04 MST"}}
{{if .Draft}} &middot; <span class="draft">DRAFT - not importable</span>{{end}}</p>
{{if .Draft}}<p><button type="button" id="budget-save">Save</button> Edit the cells, then save. The saved file carries your changes; finalize it before import.</p>
{{end}}
<table id="budget-table">
<thead><tr><th>Customer</th><th>Country</th><th>Product group</th>{{range .Months}}<th>{{.}}</th>{{end}}<th>Total</th></tr></thead>
<tbody>
{{range .Rows}}<tr data-customer="{{.Combo.Customer}}" data-country="{{.Combo.Country}}" data-product-group="{{.Combo.ProductGroup}}"><td>{{.Combo.Customer}}</td><td>{{.Combo.Country}}</td><td>{{.Combo.ProductGroup}}</td>{{range $i, $v := .Cells}}<td class="num"{{if $.Draft}} contenteditable="true"{{end}} data-col="{{$i}}">{{$v}}</td>{{end}}<td class="num">{{.Total}}</td></tr>
{{end}}</tbody>
<tfoot>
<tr><th colspan="3">Volume</th>{{range .MonthSums}}<td class="num">{{.}}</td>{{end}}<td class="num">{{.Totals.Volume.StringFixed 2}}</td></tr>
{{if .Totals.Priced}}<tr><th colspan="3">Amount (estimated)</th><td colspan="12"></td><td class="num">{{.Totals.Amount.StringFixed 2}}</td></tr>
<tr><th colspan="3">MoRM (estimated)</th><td colspan="12"></td><td class="num">{{.Totals.MoRM.StringFixed 2}}</td></tr>{{end}}
</tfoot>
</table>
<script type="application/json" id="` + PayloadBlockID + `">{{.Payload}}</script>
{{if .Draft}}<script type="application/json" id="` + LifecycleBlockID + `">{{.Lifecycle}}</script>
<script>
(function () {
  var signature = {{.Signature}};
  var filename = {{.Filename}};

  function cellValue(td) {
    var text = td.textContent.replace(/[\s,]/g, "");
    if (text === "" || Number(text) === 0) {
      return null;
    }
    return String(Number(text)) === text ? Number(text) : text;
  }

  function rebuildPayload() {
    var block = document.getElementById("` + PayloadBlockID + `");
    var payload = JSON.parse(block.textContent);
    var records = [];
    document.querySelectorAll("#budget-table tbody tr").forEach(function (tr) {
      tr.querySelectorAll("td[data-col]").forEach(function (td) {
        var value = cellValue(td);
        if (value === null) {
          return;
        }
        records.push({
          customer: tr.dataset.customer,
          country: tr.dataset.country,
          productGroup: tr.dataset.productGroup,
          month: Number(td.dataset.col) + 1,
          value: value
        });
      });
    });
    payload.records = records;
    payload.metadata.savedAt = new Date().toISOString().replace(/\.\d+Z$/, "Z");
    block.textContent = JSON.stringify(payload).replace(/</g, "\\u003c");
  }

  document.getElementById("budget-save").addEventListener("click", function () {
    rebuildPayload();
    var html = signature + "\n<!DOCTYPE html>\n" + document.documentElement.outerHTML;
    var link = document.createElement("a");
    link.href = URL.createObjectURL(new Blob([html], {type: "text/html"}));
    link.download = filename;
    link.click();
  });
})();
</script>
{{end}}</body>
</html>
`))

func buildView(meta budget.Metadata, sig Signature, records []budget.Record, totals Totals, payload, lifecycle []byte) view {
	v := view{
		Title:     title(meta),
		Signature: sig.String(),
		Filename:  FileName(meta),
		Meta:      meta,
		Draft:     meta.State == budget.StateDraft,
		Totals:    totals,
		Payload:   template.JS(payload),
		Lifecycle: template.JS(lifecycle),
	}
	for _, m := range budget.AllMonths() {
		v.Months = append(v.Months, budget.MonthName(m))
	}

	byCombo := make(map[string]*viewRow)
	sums := make(map[string]decimal.Decimal)
	var order []string
	for _, r := range records {
		k := r.Combo.Key()
		row, ok := byCombo[k]
		if !ok {
			row = &viewRow{Combo: r.Combo}
			byCombo[k] = row
			order = append(order, k)
		}
		row.Cells[r.Month-1] = r.Value.String()
		sums[k] = sums[k].Add(r.Value)
	}
	sort.SliceStable(order, func(i, j int) bool {
		return byCombo[order[i]].Combo.Less(byCombo[order[j]].Combo)
	})
	for _, k := range order {
		row := byCombo[k]
		row.Total = sums[k].String()
		v.Rows = append(v.Rows, *row)
	}
	for i, s := range totals.ByMonth {
		v.MonthSums[i] = s.String()
	}
	return v
}

func title(meta budget.Metadata) string {
	if meta.Type == budget.DocAggregate {
		return "Divisional budget " + meta.Division + " " + strconv.Itoa(meta.TargetYear)
	}
	return "Sales budget " + meta.Division + " / " + meta.Owner + " " + strconv.Itoa(meta.TargetYear)
}

func render(v view) ([]byte, error) {
	var buf bytes.Buffer
	if err := documentTemplate.Execute(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
