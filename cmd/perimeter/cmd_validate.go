package main

// ---------------------------------------------------------------------------
// cmd_validate.go: offline schema checks
// ---------------------------------------------------------------------------

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/1sec-project/perimeter/internal/core"
	"github.com/1sec-project/perimeter/internal/threat"
	"github.com/1sec-project/perimeter/internal/validate"
)

// validationReport is what `perimeter validate` prints.
type validationReport struct {
	Schema     string      `json:"schema"`
	Accepted   bool        `json:"accepted"`
	Violations []string    `json:"violations,omitempty"`
	Normalized interface{} `json:"normalized,omitempty"`
}

// schemaNames are the request bodies `validate` knows, in usage order.
var schemaNames = []string{"threat-analysis", "security-event", "file-upload"}

func cmdValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	format := fs.String("format", "table", "Output format: table, json")
	fs.Parse(args)

	if fs.NArg() != 2 {
		errorf("usage: perimeter validate <schema> <file.json|->  (schemas: %s)", strings.Join(schemaNames, ", "))
	}

	cfg := loadConfig(envConfig(*configPath))

	var in io.Reader = os.Stdin
	if path := fs.Arg(1); path != "-" {
		f, err := os.Open(path)
		if err != nil {
			errorf("opening %s: %v", path, err)
		}
		defer f.Close()
		in = f
	}
	body, err := io.ReadAll(io.LimitReader(in, cfg.Server.MaxBodyBytes+1))
	if err != nil {
		errorf("reading input: %v", err)
	}

	report, err := validateDocument(fs.Arg(0), body, cfg)
	if err != nil {
		errorf("%v", err)
	}

	if parseFormat(*format) == FormatJSON {
		printJSON(os.Stdout, report)
	} else {
		printReport(os.Stdout, report)
	}
	if !report.Accepted {
		os.Exit(1)
	}
}

// validateDocument applies the named request schema to body, with the same
// limits the server enforces.
func validateDocument(schema string, body []byte, cfg *core.Config) (validationReport, error) {
	report := validationReport{Schema: schema}
	if int64(len(body)) > cfg.Server.MaxBodyBytes {
		report.Violations = []string{fmt.Sprintf("Request body must be at most %d bytes", cfg.Server.MaxBodyBytes)}
		return report, nil
	}

	switch schema {
	case "threat-analysis":
		if len(bytes.TrimSpace(body)) == 0 {
			body = []byte("{}")
		}
		res := validate.Decode[threat.Request](threat.RequestSchema(cfg.Analysis.MaxEvents), body)
		if !res.Success {
			report.Violations = res.Errors
			return report, nil
		}
		report.Normalized = map[string]interface{}{
			"analysisType": res.Data.AnalysisType,
			"events":       threat.SummarizeSupplied(res.Data.Events),
		}

	case "security-event":
		res := validate.Decode[validate.EventSubmission](validate.EventSchema, body)
		if !res.Success {
			report.Violations = res.Errors
			return report, nil
		}
		report.Normalized = res.Data.ToEvent()

	case "file-upload":
		res := validate.Decode[validate.FileUpload](validate.UploadSchema, body)
		if !res.Success {
			report.Violations = res.Errors
			return report, nil
		}
		name, problems := validate.CheckUpload(res.Data, cfg.Uploads.MaxSize)
		if len(problems) > 0 {
			report.Violations = problems
			return report, nil
		}
		report.Normalized = map[string]string{"sanitizedFileName": name}

	default:
		return report, fmt.Errorf("unknown schema %q", schema)
	}

	report.Accepted = true
	return report, nil
}

func printReport(w io.Writer, r validationReport) {
	if r.Accepted {
		fmt.Fprintf(w, "%s %s accepted\n", green("✓"), r.Schema)
		if r.Normalized != nil {
			printJSON(w, r.Normalized)
		}
		return
	}
	fmt.Fprintf(w, "%s %s rejected with %d violation(s)\n\n", red("✗"), r.Schema, len(r.Violations))
	tbl := NewTable(w, "#", "VIOLATION")
	for i, v := range r.Violations {
		tbl.AddRow(fmt.Sprint(i+1), v)
	}
	tbl.Render()
}
