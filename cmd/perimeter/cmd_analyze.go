package main

// ---------------------------------------------------------------------------
// cmd_analyze.go: request a threat analysis from a running server
// ---------------------------------------------------------------------------

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/1sec-project/perimeter/internal/threat"
)

func cmdAnalyze(args []string) {
	fs := flag.NewFlagSet("analyze", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	eventsFile := fs.String("events", "", "JSON file holding an array of events (default: server's stored events)")
	analysisType := fs.String("type", threat.TypeManual, "Analysis type: batch, realtime, scheduled, manual")
	baseURL := fs.String("url", "", "Server base URL (default: from config)")
	apiKey := fs.String("api-key", "", "API key or bearer token (env: PERIMETER_API_KEY)")
	timeout := fs.Duration("timeout", 2*time.Minute, "Request timeout")
	format := fs.String("format", "table", "Output format: table, json")
	fs.Parse(args)

	cfg := loadConfig(envConfig(*configPath))

	req := threat.Request{AnalysisType: *analysisType}
	if *eventsFile != "" {
		data, err := os.ReadFile(*eventsFile)
		if err != nil {
			errorf("reading %s: %v", *eventsFile, err)
		}
		if err := json.Unmarshal(data, &req.Events); err != nil {
			errorf("%s must hold a JSON array of event objects: %v", *eventsFile, err)
		}
	}
	payload, err := json.Marshal(req)
	if err != nil {
		errorf("encoding request: %v", err)
	}
	// Fail locally on what the server would reject anyway.
	if _, err := threat.DecodeRequest(payload, cfg.Analysis.MaxEvents); err != nil {
		errorf("invalid request: %v", err)
	}

	key := resolveAPIKey(*apiKey, cfg)
	if key == "" {
		warnf("no API key configured; the server will answer 401")
	}

	body, err := apiPost(apiBase(cfg, *baseURL)+"/api/v1/threat-analysis", payload, key, *timeout)
	if err != nil {
		errorf("%v", err)
	}

	var res threat.Result
	if err := json.Unmarshal(body, &res); err != nil {
		errorf("decoding response: %v", err)
	}

	if parseFormat(*format) == FormatJSON {
		printJSON(os.Stdout, res)
		return
	}
	printResult(res)
}

func printResult(res threat.Result) {
	a := res.Analysis
	level := strings.ToUpper(a.ThreatLevel.String())
	switch {
	case a.ThreatLevel.Alerting():
		level = red(level)
	case a.ThreatLevel.String() == "medium":
		level = yellow(level)
	default:
		level = green(level)
	}

	tbl := NewTable(os.Stdout, "FIELD", "VALUE")
	tbl.AddRow("analysis", res.AnalysisID)
	tbl.AddRow("threat level", level)
	tbl.AddRow("threat type", a.ThreatType)
	tbl.AddRow("confidence", fmt.Sprintf("%.0f", a.Confidence))
	tbl.AddRow("risk score", fmt.Sprintf("%.0f", a.RiskScore))
	tbl.AddRow("events analyzed", fmt.Sprint(res.EventsAnalyzed))
	tbl.AddRow("persisted", fmt.Sprint(res.Persisted))
	tbl.AddRow("alert created", fmt.Sprint(res.AlertCreated))
	tbl.Render()

	fmt.Printf("\n%s\n  %s\n", bold("Reasoning"), a.Reasoning)
	if len(a.RecommendedActions) > 0 {
		fmt.Printf("\n%s\n", bold("Recommended actions"))
		for _, act := range a.RecommendedActions {
			fmt.Printf("  • %s\n", act)
		}
	}
	if len(a.Patterns) > 0 {
		fmt.Printf("\n%s\n  %s\n", bold("Patterns"), strings.Join(a.Patterns, ", "))
	}
}
