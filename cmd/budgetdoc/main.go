/*
main.go - budgetdoc command line entry point

PURPOSE:
  Offline side of the budget document protocol. Planners produce a
  document, edit it in a browser or spreadsheet, and hand it back; the
  same binary validates and imports it.

COMMANDS:
  produce    Encode a document from records, the current budget or actuals
  inspect    Print a document's metadata and records (no database)
  validate   Dry-run import
  import     Validate and merge
  finalize   Save an edited draft as final
  estimate   Estimate missing months of a year

EXAMPLES:
  budgetdoc produce --division FP --owner Narek --year 2025
  budgetdoc finalize BUDGET_FP_Narek_2026_draft.html
  budgetdoc import --type PER_OWNER --division FP BUDGET_FP_Narek_2026_final.html

SEE ALSO:
  - app/app.go: Engine wiring
  - config/config.go: Environment keys
*/
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "budgetdoc: %v\n", err)
		os.Exit(1)
	}
}
