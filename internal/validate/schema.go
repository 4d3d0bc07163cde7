// Package validate checks untrusted request payloads against declarative
// schemas and neutralizes strings before they reach storage or markup.
package validate

import "regexp"

// Field is one kind of field contract. The set of kinds is closed: only the
// types in this file implement it.
type Field interface {
	kind() string
}

// StringField accepts a JSON string. Zero MinLength/MaxLength mean unbounded.
type StringField struct {
	MinLength int
	MaxLength int
	Pattern   *regexp.Regexp
	Enum      []string
}

// EmailField accepts a string shaped like an e-mail address.
type EmailField struct {
	MaxLength int
}

// UUIDField accepts an RFC 4122 UUID string.
type UUIDField struct{}

// NumberField accepts a finite JSON number within the optional bounds.
type NumberField struct {
	Min *float64
	Max *float64
}

// BooleanField accepts only true or false.
type BooleanField struct{}

// ArrayField accepts a JSON array. Items, when set, is applied to every element.
// Zero MinItems/MaxItems mean unbounded.
type ArrayField struct {
	MinItems int
	MaxItems int
	Items    Field
}

// ObjectField accepts a JSON object. Properties, when set, are validated in order;
// undeclared keys are left alone.
type ObjectField struct {
	Properties []Property
}

func (StringField) kind() string  { return "string" }
func (EmailField) kind() string   { return "email" }
func (UUIDField) kind() string    { return "uuid" }
func (NumberField) kind() string  { return "number" }
func (BooleanField) kind() string { return "boolean" }
func (ArrayField) kind() string   { return "array" }
func (ObjectField) kind() string  { return "object" }

// Property binds a field contract to a key.
type Property struct {
	Name     string
	Required bool
	Field    Field
}

// Schema is an ordered list of properties for a top-level object. Schemas are
// built once and shared; they hold no mutable state.
type Schema []Property

// Bound returns a pointer for NumberField limits.
func Bound(v float64) *float64 {
	return &v
}

var (
	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	uuidPattern  = regexp.MustCompile(`^(?i)[0-9a-f]{8}-[0-9a-f]{4}-[1-5][0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)
)
