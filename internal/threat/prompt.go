package threat

import (
	"encoding/json"
	"fmt"
)

const systemPrompt = `You are a security analyst reviewing application security telemetry.
Identify attack patterns such as credential stuffing, brute force, account takeover,
privilege escalation, data exfiltration and automated abuse.
Respond with a single JSON object and nothing else.`

const responseContract = `Respond ONLY with valid JSON in this exact format:
{
  "threatLevel": "low" | "medium" | "high" | "critical",
  "threatType": "short_snake_case_label",
  "confidence": 0-100,
  "reasoning": "why you reached this judgement",
  "recommendedActions": ["action 1", "action 2"],
  "patterns": ["pattern 1", "pattern 2"],
  "riskScore": 0-100,
  "findings": [{"category": "...", "description": "...", "severity": "...", "eventIds": ["..."]}]
}
"findings" is optional. threatLevel and riskScore must agree: critical above 80, high above 60.`

// BuildPrompt renders the user prompt for ac.
func BuildPrompt(ac AnalysisContext) (string, error) {
	data, err := json.MarshalIndent(ac, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling analysis context: %w", err)
	}
	return fmt.Sprintf(`Analyze the following %d security events from the last %s for threats.

%s

%s`, ac.EventCount, ac.TimeWindow, data, responseContract), nil
}
