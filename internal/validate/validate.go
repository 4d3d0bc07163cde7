package validate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/1sec-project/perimeter/internal/core"
)

// Result is the outcome of a validation. On success Data holds the accepted
// payload; on failure Errors lists every violation found.
type Result[T any] struct {
	Success bool     `json:"success"`
	Data    T        `json:"data,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

// Message joins the violations into one line.
func (r Result[T]) Message() string {
	return strings.Join(r.Errors, ", ")
}

// Err returns nil on success, otherwise a validation error carrying Message.
func (r Result[T]) Err() error {
	if r.Success {
		return nil
	}
	return core.ValidationError(r.Errors)
}

// Validate checks input against s. It never coerces values or injects
// defaults, and it reports all violations rather than stopping at the first.
// The input is returned unchanged as Data when it passes.
func Validate(s Schema, input any) Result[map[string]any] {
	obj, ok := input.(map[string]any)
	if !ok {
		return Result[map[string]any]{Errors: []string{"Input must be an object"}}
	}

	var errs []string
	for _, p := range s {
		errs = checkProperty(errs, p, obj, p.Name)
	}
	if len(errs) > 0 {
		return Result[map[string]any]{Errors: errs}
	}
	return Result[map[string]any]{Success: true, Data: obj}
}

// Decode parses body as JSON, validates it against s and, when it passes,
// decodes the same bytes into T.
func Decode[T any](s Schema, body []byte) Result[T] {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&raw); err != nil {
		return Result[T]{Errors: []string{"Request body must be valid JSON"}}
	}
	if dec.More() {
		return Result[T]{Errors: []string{"Request body must contain a single JSON value"}}
	}

	checked := Validate(s, raw)
	if !checked.Success {
		return Result[T]{Errors: checked.Errors}
	}

	var out T
	if err := json.Unmarshal(body, &out); err != nil {
		return Result[T]{Errors: []string{"Request body does not match the expected shape"}}
	}
	return Result[T]{Success: true, Data: out}
}

func checkProperty(errs []string, p Property, obj map[string]any, name string) []string {
	value, present := obj[p.Name]
	if !present || value == nil {
		if p.Required {
			errs = append(errs, name+" is required")
		}
		return errs
	}
	return checkField(errs, p.Field, value, name)
}

func checkField(errs []string, f Field, value any, name string) []string {
	switch f := f.(type) {
	case StringField:
		return checkString(errs, f, value, name)
	case EmailField:
		s, ok := value.(string)
		if !ok || !emailPattern.MatchString(s) {
			return append(errs, name+" must be a valid email")
		}
		if f.MaxLength > 0 && utf8.RuneCountInString(s) > f.MaxLength {
			errs = append(errs, fmt.Sprintf("%s must be at most %d characters", name, f.MaxLength))
		}
		return errs
	case UUIDField:
		s, ok := value.(string)
		if !ok || !uuidPattern.MatchString(s) {
			return append(errs, name+" must be a valid UUID")
		}
		return errs
	case NumberField:
		return checkNumber(errs, f, value, name)
	case BooleanField:
		if _, ok := value.(bool); !ok {
			return append(errs, name+" must be a boolean")
		}
		return errs
	case ArrayField:
		return checkArray(errs, f, value, name)
	case ObjectField:
		obj, ok := value.(map[string]any)
		if !ok {
			return append(errs, name+" must be an object")
		}
		for _, p := range f.Properties {
			errs = checkProperty(errs, p, obj, name+"."+p.Name)
		}
		return errs
	default:
		return append(errs, fmt.Sprintf("%s has an unsupported schema type %T", name, f))
	}
}

func checkString(errs []string, f StringField, value any, name string) []string {
	s, ok := value.(string)
	if !ok {
		return append(errs, name+" must be a string")
	}
	n := utf8.RuneCountInString(s)
	if f.MinLength > 0 && n < f.MinLength {
		errs = append(errs, fmt.Sprintf("%s must be at least %d characters", name, f.MinLength))
	}
	if f.MaxLength > 0 && n > f.MaxLength {
		errs = append(errs, fmt.Sprintf("%s must be at most %d characters", name, f.MaxLength))
	}
	if f.Pattern != nil && !f.Pattern.MatchString(s) {
		errs = append(errs, name+" has an invalid format")
	}
	if len(f.Enum) > 0 && !contains(f.Enum, s) {
		errs = append(errs, fmt.Sprintf("%s must be one of: %s", name, strings.Join(f.Enum, ", ")))
	}
	return errs
}

func checkNumber(errs []string, f NumberField, value any, name string) []string {
	n, ok := toFloat(value)
	if !ok {
		return append(errs, name+" must be a number")
	}
	if math.IsNaN(n) {
		return append(errs, name+" must be a valid number")
	}
	if f.Min != nil && n < *f.Min {
		errs = append(errs, fmt.Sprintf("%s must be at least %s", name, formatNumber(*f.Min)))
	}
	if f.Max != nil && n > *f.Max {
		errs = append(errs, fmt.Sprintf("%s must be at most %s", name, formatNumber(*f.Max)))
	}
	return errs
}

func checkArray(errs []string, f ArrayField, value any, name string) []string {
	items, ok := value.([]any)
	if !ok {
		return append(errs, name+" must be an array")
	}
	if f.MinItems > 0 && len(items) < f.MinItems {
		errs = append(errs, fmt.Sprintf("%s must have at least %d items", name, f.MinItems))
	}
	if f.MaxItems > 0 && len(items) > f.MaxItems {
		// Oversized arrays are not walked element by element.
		return append(errs, fmt.Sprintf("%s must have at most %d items", name, f.MaxItems))
	}
	if f.Items != nil {
		for i, item := range items {
			errs = checkField(errs, f.Items, item, fmt.Sprintf("%s[%d]", name, i))
		}
	}
	return errs
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func formatNumber(f float64) string {
	return fmt.Sprintf("%g", f)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
