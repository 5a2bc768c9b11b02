package main

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/warp/budget-engine/budget"
	"github.com/warp/budget-engine/document"
	"github.com/warp/budget-engine/planner"
)

// =============================================================================
// PRODUCE
// =============================================================================

func newProduceCmd(opts *options) *cobra.Command {
	var (
		req         planner.ProduceRequest
		docType     string
		recordsFile string
		outPath     string
	)

	cmd := &cobra.Command{
		Use:   "produce",
		Short: "Produce a budget document for a scope",
		Long: `Produce a budget document for the year after --year.

Records come from --records when given, otherwise from the scope's current
budget, otherwise from the source year's actuals. Documents are drafts
unless --final is set.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req.Type = budget.DocumentType(strings.ToUpper(docType))
			if recordsFile != "" {
				records, err := readRecords(recordsFile)
				if err != nil {
					return err
				}
				req.Records = records
			}

			engine, err := opts.open()
			if err != nil {
				return err
			}
			defer engine.Close()

			enc, err := engine.Service.Produce(cmd.Context(), req)
			if err != nil {
				printRejection(cmd.ErrOrStderr(), err)
				return err
			}
			return writeEncoded(cmd.OutOrStdout(), enc, outPath)
		},
	}

	cmd.Flags().StringVar(&req.Division, "division", "", "Division code")
	cmd.Flags().StringVar(&req.Owner, "owner", "", "Sales owner (empty for an aggregate document)")
	cmd.Flags().IntVar(&req.SourceYear, "year", 0, "Source year; the document budgets the following year")
	cmd.Flags().StringVar(&docType, "type", "", "PER_OWNER or AGGREGATE (default from --owner)")
	cmd.Flags().BoolVar(&req.Final, "final", false, "Produce an importable final document")
	cmd.Flags().StringVar(&recordsFile, "records", "", "JSON file of records to encode")
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "Output file (default: suggested file name)")
	cmd.MarkFlagRequired("division")
	cmd.MarkFlagRequired("year")
	return cmd
}

// =============================================================================
// VALIDATE / IMPORT
// =============================================================================

func newValidateCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate FILE",
		Short: "Check a document without importing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			engine, err := opts.open()
			if err != nil {
				return err
			}
			defer engine.Close()

			v, err := engine.Service.Validate(raw, opts.expectation())
			if err != nil {
				printRejection(cmd.ErrOrStderr(), err)
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "valid: %s -> %s, %d of %d records importable\n",
				v.Metadata.DocumentID, v.Scope(), len(v.Records), v.Total)
			printIssues(out, v.Skipped, v.Warnings)
			return nil
		},
	}
	opts.addExpectationFlags(cmd)
	return cmd
}

func newImportCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Validate a final document and merge it into the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			engine, err := opts.open()
			if err != nil {
				return err
			}
			defer engine.Close()

			res, err := engine.Service.Import(cmd.Context(), raw, opts.expectation())
			if err != nil {
				printRejection(cmd.ErrOrStderr(), err)
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "imported %s into %s\n", res.DocumentID, res.Scope)
			for _, k := range budget.Kinds {
				fmt.Fprintf(out, "  %-7s inserted %d, archived %d\n", k, res.Inserted[k], res.Archived[k])
			}
			if res.BatchID != "" {
				fmt.Fprintf(out, "  archive batch %s\n", res.BatchID)
			}
			printIssues(out, res.Skipped, res.Warnings)
			return nil
		},
	}
	opts.addExpectationFlags(cmd)
	return cmd
}

// =============================================================================
// FINALIZE
// =============================================================================

func newFinalizeCmd(opts *options) *cobra.Command {
	var (
		draft       bool
		recordsFile string
		outPath     string
	)

	cmd := &cobra.Command{
		Use:   "finalize FILE",
		Short: "Save an edited draft as a final document",
		Long: `Save an edited draft. The document keeps its id; its records are
replaced by --records when given. With --draft it stays a draft.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var records []budget.Record
			if recordsFile != "" {
				if records, err = readRecords(recordsFile); err != nil {
					return err
				}
			}

			engine, err := opts.open()
			if err != nil {
				return err
			}
			defer engine.Close()

			enc, err := engine.Service.Reencode(cmd.Context(), raw, records, !draft)
			if err != nil {
				printRejection(cmd.ErrOrStderr(), err)
				return err
			}
			return writeEncoded(cmd.OutOrStdout(), enc, outPath)
		},
	}

	cmd.Flags().BoolVar(&draft, "draft", false, "Keep the document a draft")
	cmd.Flags().StringVar(&recordsFile, "records", "", "JSON file of records replacing the draft's")
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "Output file (default: suggested file name)")
	return cmd
}

// =============================================================================
// INSPECT
// =============================================================================

// newInspectCmd reads a document without a database.
func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect FILE",
		Short: "Show a document's signature, metadata and records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			p, err := document.Parse(raw)
			if err != nil {
				printRejection(cmd.ErrOrStderr(), err)
				return err
			}

			out := cmd.OutOrStdout()
			sig := "none (legacy)"
			if p.Signature != nil {
				sig = p.Signature.String()
			}
			m := p.Metadata
			fmt.Fprintf(out, "signature:  %s\n", sig)
			fmt.Fprintf(out, "document:   %s (version %s)\n", m.DocumentID, m.Version)
			fmt.Fprintf(out, "type:       %s\n", m.Type)
			fmt.Fprintf(out, "state:      %s\n", p.State())
			fmt.Fprintf(out, "scope:      %s\n", m.Scope())
			fmt.Fprintf(out, "years:      %d -> %d\n", m.SourceYear, m.TargetYear)
			if p.SavedAt != "" {
				fmt.Fprintf(out, "saved at:   %s\n", p.SavedAt)
			}
			fmt.Fprintf(out, "records:    %d of %d readable, total %s\n",
				len(p.Records), p.Total, document.SumValues(p.Records).String())

			months := monthTotals(p.Records)
			for _, month := range sortedKeys(months) {
				fmt.Fprintf(out, "  %-3s %s\n", budget.MonthName(month), months[month])
			}
			printIssues(out, p.Issues, nil)
			return nil
		},
	}
}

// =============================================================================
// ESTIMATE
// =============================================================================

func newEstimateCmd(opts *options) *cobra.Command {
	var (
		req    planner.EstimateRequest
		months string
	)

	cmd := &cobra.Command{
		Use:   "estimate",
		Short: "Estimate missing months of a year from its other months",
		RunE: func(cmd *cobra.Command, _ []string) error {
			targets, err := parseMonths(months)
			if err != nil {
				return err
			}
			req.TargetMonths = targets

			engine, err := opts.open()
			if err != nil {
				return err
			}
			defer engine.Close()

			res, err := engine.Service.Estimate(cmd.Context(), req)
			if err != nil {
				printRejection(cmd.ErrOrStderr(), err)
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "base months: %v\n", res.BaseMonths)
			for _, k := range budget.Kinds {
				if avg, ok := res.Average[k]; ok {
					fmt.Fprintf(out, "  %-7s %s per month\n", k, avg.Round(2))
				}
			}
			for _, a := range res.Allocations {
				fmt.Fprintf(out, "  %-3s %-7s %s  %s\n", budget.MonthName(a.Month), a.Kind, a.Combo, a.Value.Round(2))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&req.Division, "division", "", "Division code")
	cmd.Flags().StringVar(&req.Owner, "owner", "", "Sales owner (empty for the whole division)")
	cmd.Flags().IntVar(&req.Year, "year", 0, "Year of the actuals")
	cmd.Flags().StringVar(&months, "months", "", "Comma-separated months to estimate, e.g. 10,11,12")
	cmd.Flags().BoolVar(&req.Allocate, "allocate", false, "Spread the estimate over the year's combinations")
	cmd.MarkFlagRequired("division")
	cmd.MarkFlagRequired("year")
	cmd.MarkFlagRequired("months")
	return cmd
}

func parseMonths(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		m, err := strconv.Atoi(part)
		if err != nil || !budget.ValidMonth(m) {
			return nil, fmt.Errorf("invalid month %q", part)
		}
		out = append(out, m)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no months given")
	}
	return out, nil
}

func monthTotals(records []budget.Record) map[int]string {
	sums := make(map[int][]budget.Record)
	for _, r := range records {
		sums[r.Month] = append(sums[r.Month], r)
	}
	out := make(map[int]string, len(sums))
	for m, recs := range sums {
		out[m] = document.SumValues(recs).String()
	}
	return out
}

func sortedKeys(m map[int]string) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
