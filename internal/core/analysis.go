package core

import (
	"encoding/json"
	"time"
)

// ThreatAnalysis is the structured judgement produced for a batch of events.
type ThreatAnalysis struct {
	ThreatLevel        Severity  `json:"threatLevel"`
	ThreatType         string    `json:"threatType"`
	Confidence         float64   `json:"confidence"`
	Reasoning          string    `json:"reasoning"`
	RecommendedActions []string  `json:"recommendedActions"`
	Patterns           []string  `json:"patterns"`
	RiskScore          float64   `json:"riskScore"`
	Findings           []Finding `json:"findings,omitempty"`
}

// Finding is an optional, more specific observation inside an analysis.
type Finding struct {
	Category    string   `json:"category"`
	Description string   `json:"description"`
	Severity    string   `json:"severity,omitempty"`
	EventIDs    []string `json:"eventIds,omitempty"`
}

// AnalysisRecord is the immutable row appended for every completed analysis.
type AnalysisRecord struct {
	ID             string          `json:"id"`
	AnalysisType   string          `json:"analysis_type"`
	ThreatLevel    Severity        `json:"threat_level"`
	ThreatType     string          `json:"threat_type"`
	Confidence     float64         `json:"confidence"`
	RiskScore      float64         `json:"risk_score"`
	EventsAnalyzed int             `json:"events_analyzed"`
	Analysis       json.RawMessage `json:"analysis"`
	RequestedBy    string          `json:"requested_by,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// SecurityAlert is raised from a high or critical analysis. Resolution is
// owned by another system; this boundary only inserts.
type SecurityAlert struct {
	ID          string                 `json:"id"`
	AlertType   string                 `json:"alert_type"`
	Severity    Severity               `json:"severity"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	Metadata    map[string]interface{} `json:"metadata"`
	AnalysisID  string                 `json:"analysis_id,omitempty"`
	Resolved    bool                   `json:"resolved"`
	CreatedAt   time.Time              `json:"created_at"`
}

// Marshal serializes the alert to JSON.
func (a *SecurityAlert) Marshal() ([]byte, error) {
	return json.Marshal(a)
}
