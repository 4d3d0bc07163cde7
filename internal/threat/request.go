package threat

import (
	"bytes"

	"github.com/1sec-project/perimeter/internal/validate"
)

// Analysis types a caller may request.
const (
	TypeBatch     = "batch"
	TypeRealtime  = "realtime"
	TypeScheduled = "scheduled"
	TypeManual    = "manual"
)

// DefaultMaxEvents bounds how many events one request may carry.
const DefaultMaxEvents = 100

// Request is the body of a threat-analysis call. Both fields are optional:
// without Events the pipeline reads the most recent stored events.
type Request struct {
	Events       []map[string]any `json:"events,omitempty"`
	AnalysisType string           `json:"analysisType,omitempty"`
}

// RequestSchema returns the field contract for Request with the given
// events bound.
func RequestSchema(maxEvents int) validate.Schema {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	return validate.Schema{
		{Name: "events", Field: validate.ArrayField{MinItems: 1, MaxItems: maxEvents, Items: validate.ObjectField{}}},
		{Name: "analysisType", Field: validate.StringField{Enum: []string{TypeBatch, TypeRealtime, TypeScheduled, TypeManual}}},
	}
}

// DecodeRequest validates body and decodes it. An empty body is an empty
// request.
func DecodeRequest(body []byte, maxEvents int) (Request, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	res := validate.Decode[Request](RequestSchema(maxEvents), body)
	if !res.Success {
		return Request{}, res.Err()
	}
	return res.Data, nil
}
