package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/warp/budget-engine/app"
	"github.com/warp/budget-engine/budget"
	"github.com/warp/budget-engine/config"
	"github.com/warp/budget-engine/document"
	"github.com/warp/budget-engine/logger"
)

// options are the persistent flags shared by every command.
type options struct {
	dbPath   string
	envFile  string
	logLevel string

	// expectation flags of validate and import
	docType  string
	division string
	owner    string
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "budgetdoc",
		Short:         "Offline budget document tool",
		Long:          "Produce budget documents from stored actuals, edit them offline, and import them back.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.dbPath, "db", "", "SQLite database path (default from DATABASE_PATH)")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "Load configuration from this .env file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "debug|info|warn|error (default from LOG_LEVEL)")

	root.AddCommand(
		newProduceCmd(opts),
		newValidateCmd(opts),
		newImportCmd(opts),
		newFinalizeCmd(opts),
		newInspectCmd(),
		newEstimateCmd(opts),
	)
	return root
}

// config loads configuration and applies flag overrides.
func (o *options) config() *config.Config {
	var files []string
	if o.envFile != "" {
		files = append(files, o.envFile)
	}
	cfg := config.Load(files...)
	if o.dbPath != "" {
		cfg.DatabasePath = o.dbPath
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	return cfg
}

// open wires the engine. Logs go to stderr so stdout stays scriptable.
func (o *options) open() (*app.App, error) {
	cfg := o.config()
	log := logger.InitTo(os.Stderr, cfg.LogLevel)
	return app.Open(cfg, log)
}

func (o *options) addExpectationFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.docType, "type", "", "Expected document type (PER_OWNER or AGGREGATE)")
	cmd.Flags().StringVar(&o.division, "division", "", "Expected division")
	cmd.Flags().StringVar(&o.owner, "owner", "", "Expected owner")
}

func (o *options) expectation() document.Expectation {
	return document.Expectation{
		Type:     budget.DocumentType(strings.ToUpper(o.docType)),
		Division: o.division,
		Owner:    o.owner,
	}
}

// readRecords reads a JSON array of records:
// [{"customer":"Acme","country":"UAE","productGroup":"Bags","month":1,"value":120}]
func readRecords(path string) ([]budget.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var records []budget.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse records %s: %w", path, err)
	}
	return records, nil
}

// writeEncoded writes a document to path, or to its suggested file name.
func writeEncoded(out io.Writer, enc *document.Encoded, path string) error {
	if path == "" {
		path = enc.Filename()
	}
	if err := os.WriteFile(path, enc.Bytes, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %s (%s, %d records, id %s)\n", path, enc.Metadata.State, len(enc.Records), enc.Metadata.DocumentID)
	return nil
}

// printRejection lists what is wrong with a rejected document. The error
// itself is printed by main.
func printRejection(w io.Writer, err error) {
	fmt.Fprintf(w, "rejected: %s\n", budget.ErrorKind(err))

	var meta *budget.MetadataError
	if errors.As(err, &meta) {
		for _, p := range meta.Problems {
			fmt.Fprintf(w, "  - %s\n", p)
		}
	}
	var invalid *budget.TooManyInvalidError
	if errors.As(err, &invalid) {
		for _, issue := range invalid.Examples {
			fmt.Fprintf(w, "  - %s\n", issue)
		}
	}
	if budget.IsRetryable(err) {
		fmt.Fprintln(w, "  the import was rolled back; it is safe to retry")
	}
}

func printIssues(w io.Writer, issues []budget.RecordIssue, warnings []string) {
	for _, warn := range warnings {
		fmt.Fprintf(w, "warning: %s\n", warn)
	}
	for _, issue := range issues {
		fmt.Fprintf(w, "skipped: %s\n", issue)
	}
}
