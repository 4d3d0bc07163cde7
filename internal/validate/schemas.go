package validate

import "github.com/1sec-project/perimeter/internal/core"

// EventSchema is the field contract for a submitted security event.
var EventSchema = Schema{
	{Name: "event_type", Required: true, Field: StringField{MinLength: 1, MaxLength: 100}},
	{Name: "severity", Required: true, Field: StringField{Enum: core.SeverityNames()}},
	{Name: "user_id", Field: UUIDField{}},
	{Name: "details", Field: ObjectField{}},
	{Name: "ip_address", Field: StringField{MaxLength: 45}},
	{Name: "user_agent", Field: StringField{MaxLength: 512}},
}

// EventSubmission is the decoded body of an event submission.
type EventSubmission struct {
	EventType string         `json:"event_type"`
	Severity  string         `json:"severity"`
	UserID    string         `json:"user_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	IPAddress string         `json:"ip_address,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
}

// ToEvent sanitizes the submission and returns a new event with a fresh id
// and creation time.
func (s EventSubmission) ToEvent() *core.SecurityEvent {
	sev, _ := core.ParseSeverity(s.Severity)
	ev := core.NewSecurityEvent(Sanitize(s.EventType), sev)
	ev.UserID = s.UserID
	ev.Details = SanitizeMap(s.Details)
	ev.IPAddress = Sanitize(s.IPAddress)
	ev.UserAgent = Sanitize(s.UserAgent)
	return ev
}
