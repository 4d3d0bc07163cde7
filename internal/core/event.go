package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity grades security events and doubles as the threat level of an
// analysis. Only High and Critical may spawn an alert.
type Severity int

const (
	SeverityUnknown Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// severityNames is indexed by Severity.
var severityNames = [...]string{"unknown", "low", "medium", "high", "critical"}

func (s Severity) String() string {
	if s < SeverityLow || s > SeverityCritical {
		return "unknown"
	}
	return severityNames[s]
}

// Alerting reports whether the level is allowed to raise an alert.
func (s Severity) Alerting() bool {
	return s >= SeverityHigh && s <= SeverityCritical
}

// ParseSeverity accepts the four wire names, case-insensitively.
func ParseSeverity(str string) (Severity, bool) {
	str = strings.ToLower(strings.TrimSpace(str))
	for s := SeverityLow; s <= SeverityCritical; s++ {
		if severityNames[s] == str {
			return s, true
		}
	}
	return SeverityUnknown, false
}

// SeverityNames lists the accepted wire names in ascending order.
func SeverityNames() []string {
	return append([]string(nil), severityNames[SeverityLow:]...)
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, ok := ParseSeverity(str)
	if !ok {
		return fmt.Errorf("unknown severity %q", str)
	}
	*s = parsed
	return nil
}

// SecurityEvent is one piece of security telemetry. It is read-only to the
// boundary once stored.
type SecurityEvent struct {
	ID        string                 `json:"id"`
	UserID    string                 `json:"user_id,omitempty"`
	EventType string                 `json:"event_type"`
	Severity  Severity               `json:"severity"`
	Details   map[string]interface{} `json:"details,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	IPAddress string                 `json:"ip_address,omitempty"`
	UserAgent string                 `json:"user_agent,omitempty"`
}

// NewSecurityEvent creates a SecurityEvent with a generated ID and current timestamp.
func NewSecurityEvent(eventType string, severity Severity) *SecurityEvent {
	return &SecurityEvent{
		ID:        uuid.New().String(),
		EventType: eventType,
		Severity:  severity,
		Details:   make(map[string]interface{}),
		CreatedAt: time.Now().UTC(),
	}
}

// Marshal serializes the event to JSON.
func (e *SecurityEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalSecurityEvent deserializes a SecurityEvent from JSON.
func UnmarshalSecurityEvent(data []byte) (*SecurityEvent, error) {
	var event SecurityEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}
