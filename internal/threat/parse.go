package threat

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/1sec-project/perimeter/internal/core"
)

// FallbackType is the threat type of a fallback analysis.
const FallbackType = "analysis_error"

// ParseFailure describes a reply that could not be read as an analysis.
type ParseFailure struct {
	Reason string
	Raw    string
}

func (f *ParseFailure) Error() string { return "unparseable analysis: " + f.Reason }

// Parsed is a successfully read analysis plus the fields that had to be
// repaired to fit the schema.
type Parsed struct {
	Analysis core.ThreatAnalysis
	Repairs  []string
}

type rawAnalysis struct {
	ThreatLevel        string          `json:"threatLevel"`
	ThreatType         string          `json:"threatType"`
	Confidence         *float64        `json:"confidence"`
	Reasoning          string          `json:"reasoning"`
	RecommendedActions []string        `json:"recommendedActions"`
	Patterns           []string        `json:"patterns"`
	RiskScore          *float64        `json:"riskScore"`
	Findings           json.RawMessage `json:"findings"`
}

// ParseAnalysis reads the reasoning service reply. Markdown fences and prose
// around the JSON object are tolerated. An unknown threat level cannot be
// repaired and is a failure; everything else out of range is clamped or
// defaulted and listed in Repairs.
func ParseAnalysis(text string) (Parsed, *ParseFailure) {
	body := extractObject(cleanJSON(text))
	if body == "" {
		return Parsed{}, &ParseFailure{Reason: "no JSON object in reply", Raw: truncate(text, 512)}
	}

	var raw rawAnalysis
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return Parsed{}, &ParseFailure{Reason: err.Error(), Raw: truncate(text, 512)}
	}

	level, ok := core.ParseSeverity(raw.ThreatLevel)
	if !ok {
		return Parsed{}, &ParseFailure{Reason: fmt.Sprintf("unknown threat level %q", raw.ThreatLevel), Raw: truncate(text, 512)}
	}

	var p Parsed
	a := core.ThreatAnalysis{
		ThreatLevel:        level,
		ThreatType:         strings.TrimSpace(raw.ThreatType),
		Reasoning:          strings.TrimSpace(raw.Reasoning),
		RecommendedActions: raw.RecommendedActions,
		Patterns:           raw.Patterns,
	}
	if a.ThreatType == "" {
		a.ThreatType = "unknown"
		p.Repairs = append(p.Repairs, "threatType")
	}
	if a.Reasoning == "" {
		a.Reasoning = "No reasoning provided."
		p.Repairs = append(p.Repairs, "reasoning")
	}
	if a.RecommendedActions == nil {
		a.RecommendedActions = []string{}
	}
	if a.Patterns == nil {
		a.Patterns = []string{}
	}

	if raw.Confidence == nil {
		a.Confidence = 50
		p.Repairs = append(p.Repairs, "confidence")
	} else if a.Confidence = clampScore(*raw.Confidence); a.Confidence != *raw.Confidence {
		p.Repairs = append(p.Repairs, "confidence")
	}

	if raw.RiskScore == nil {
		a.RiskScore = defaultRisk(level)
		p.Repairs = append(p.Repairs, "riskScore")
	} else if a.RiskScore = clampScore(*raw.RiskScore); a.RiskScore != *raw.RiskScore {
		p.Repairs = append(p.Repairs, "riskScore")
	}

	if len(raw.Findings) > 0 {
		var findings []core.Finding
		if err := json.Unmarshal(raw.Findings, &findings); err != nil {
			p.Repairs = append(p.Repairs, "findings")
		} else {
			a.Findings = findings
		}
	}

	p.Analysis = a
	return p, nil
}

// Fallback is the analysis recorded when the reply could not be parsed. It
// is never alerting.
func Fallback() core.ThreatAnalysis {
	return core.ThreatAnalysis{
		ThreatLevel:        core.SeverityMedium,
		ThreatType:         FallbackType,
		Confidence:         20,
		Reasoning:          "AI analysis completed but response parsing failed. Manual review recommended.",
		RecommendedActions: []string{"Review security events manually"},
		Patterns:           []string{},
		RiskScore:          50,
	}
}

func cleanJSON(s string) string {
	s = strings.TrimSpace(s)
	for _, fence := range []string{"```json", "```JSON", "```"} {
		if strings.HasPrefix(s, fence) {
			s = strings.TrimPrefix(s, fence)
			s = strings.TrimSuffix(strings.TrimSpace(s), "```")
			return strings.TrimSpace(s)
		}
	}
	return s
}

func extractObject(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

func clampScore(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}

func defaultRisk(level core.Severity) float64 {
	switch level {
	case core.SeverityCritical:
		return 90
	case core.SeverityHigh:
		return 75
	case core.SeverityMedium:
		return 50
	default:
		return 20
	}
}
