package validate

import (
	"reflect"
	"regexp"
	"strings"
	"testing"
)

var profileSchema = Schema{
	{Name: "name", Required: true, Field: StringField{MinLength: 2, MaxLength: 10}},
	{Name: "email", Required: true, Field: EmailField{MaxLength: 50}},
	{Name: "id", Field: UUIDField{}},
	{Name: "age", Field: NumberField{Min: Bound(0), Max: Bound(150)}},
	{Name: "active", Field: BooleanField{}},
	{Name: "role", Field: StringField{Enum: []string{"admin", "user"}}},
	{Name: "code", Field: StringField{Pattern: regexp.MustCompile(`^[A-Z]{3}$`)}},
	{Name: "tags", Field: ArrayField{MaxItems: 3, Items: StringField{MaxLength: 5}}},
	{Name: "address", Field: ObjectField{Properties: []Property{
		{Name: "city", Required: true, Field: StringField{MinLength: 1}},
		{Name: "zip", Field: NumberField{}},
	}}},
}

func validProfile() map[string]any {
	return map[string]any{
		"name":    "alice",
		"email":   "alice@example.com",
		"id":      "3f1c2a4b-9d8e-4f70-8a6b-1c2d3e4f5a6b",
		"age":     float64(30),
		"active":  true,
		"role":    "admin",
		"code":    "ABC",
		"tags":    []any{"a", "b"},
		"address": map[string]any{"city": "Lagos", "zip": float64(100001)},
		"extra":   "kept",
	}
}

// ─── Validate ───────────────────────────────────────────────────────────────

func TestValidate_AcceptsValidInputUnchanged(t *testing.T) {
	in := validProfile()
	res := Validate(profileSchema, in)
	if !res.Success {
		t.Fatalf("expected success, got %v", res.Errors)
	}
	if !reflect.DeepEqual(res.Data, in) {
		t.Error("accepted data should be the original object")
	}
	if res.Err() != nil {
		t.Errorf("Err() = %v, want nil", res.Err())
	}
}

func TestValidate_NonObjectInput(t *testing.T) {
	for _, in := range []any{nil, "str", float64(1), []any{map[string]any{}}} {
		res := Validate(profileSchema, in)
		if res.Success || len(res.Errors) != 1 || res.Errors[0] != "Input must be an object" {
			t.Errorf("Validate(%v) = %+v, want single top-level error", in, res)
		}
	}
}

func TestValidate_RequiredMissingReportsOnlyRequired(t *testing.T) {
	in := validProfile()
	delete(in, "name")
	in["email"] = nil

	res := Validate(profileSchema, in)
	if res.Success {
		t.Fatal("expected failure")
	}
	want := []string{"name is required", "email is required"}
	if !reflect.DeepEqual(res.Errors, want) {
		t.Errorf("errors = %v, want %v", res.Errors, want)
	}
}

func TestValidate_OptionalAbsentIsSilent(t *testing.T) {
	res := Validate(profileSchema, map[string]any{"name": "bob", "email": "b@x.io"})
	if !res.Success {
		t.Errorf("optional fields should be skipped, got %v", res.Errors)
	}
}

func TestValidate_AccumulatesAllViolations(t *testing.T) {
	in := validProfile()
	in["name"] = "a"
	in["email"] = "not-an-email"
	in["id"] = "1234"
	in["age"] = float64(200)
	in["active"] = "yes"
	in["role"] = "root"
	in["code"] = "abc"

	res := Validate(profileSchema, in)
	want := []string{
		"name must be at least 2 characters",
		"email must be a valid email",
		"id must be a valid UUID",
		"age must be at most 150",
		"active must be a boolean",
		"role must be one of: admin, user",
		"code has an invalid format",
	}
	if !reflect.DeepEqual(res.Errors, want) {
		t.Errorf("errors =\n%v\nwant\n%v", res.Errors, want)
	}
	if got := res.Message(); got != strings.Join(want, ", ") {
		t.Errorf("Message() = %q", got)
	}
}

func TestValidate_TypeMismatches(t *testing.T) {
	in := validProfile()
	in["name"] = float64(3)
	in["age"] = "thirty"
	in["tags"] = "a,b"
	in["address"] = []any{}

	res := Validate(profileSchema, in)
	want := []string{
		"name must be a string",
		"age must be a number",
		"tags must be an array",
		"address must be an object",
	}
	if !reflect.DeepEqual(res.Errors, want) {
		t.Errorf("errors = %v, want %v", res.Errors, want)
	}
}

func TestValidate_NestedNames(t *testing.T) {
	in := validProfile()
	in["tags"] = []any{"ok", "toolong", float64(1)}
	in["address"] = map[string]any{"zip": "x"}

	res := Validate(profileSchema, in)
	want := []string{
		"tags[1] must be at most 5 characters",
		"tags[2] must be a string",
		"address.city is required",
		"address.zip must be a number",
	}
	if !reflect.DeepEqual(res.Errors, want) {
		t.Errorf("errors = %v, want %v", res.Errors, want)
	}
}

func TestValidate_ArrayOverMaxRejectedRegardlessOfItems(t *testing.T) {
	s := Schema{{Name: "events", Field: ArrayField{MinItems: 1, MaxItems: 100, Items: ObjectField{}}}}
	items := make([]any, 101)
	for i := range items {
		items[i] = map[string]any{"event_type": "login"}
	}
	res := Validate(s, map[string]any{"events": items})
	if res.Success {
		t.Fatal("101 items should be rejected")
	}
	if len(res.Errors) != 1 || res.Errors[0] != "events must have at most 100 items" {
		t.Errorf("errors = %v", res.Errors)
	}

	res = Validate(s, map[string]any{"events": []any{}})
	if res.Success || res.Errors[0] != "events must have at least 1 items" {
		t.Errorf("empty array: %v", res.Errors)
	}
}

func TestValidate_NumberKinds(t *testing.T) {
	s := Schema{{Name: "n", Field: NumberField{Min: Bound(1)}}}
	for _, v := range []any{1, int64(5), float32(2.5), uint(3)} {
		if res := Validate(s, map[string]any{"n": v}); !res.Success {
			t.Errorf("%T(%v) should be accepted: %v", v, v, res.Errors)
		}
	}
	if res := Validate(s, map[string]any{"n": float64(0.5)}); res.Success || res.Errors[0] != "n must be at least 1" {
		t.Errorf("below min: %v", res.Errors)
	}
}

func TestValidate_Deterministic(t *testing.T) {
	in := validProfile()
	in["tags"] = []any{"toolong", "x", "y", "z"}
	in["age"] = float64(-1)
	first := Validate(profileSchema, in)
	for i := 0; i < 20; i++ {
		if got := Validate(profileSchema, in); !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d differs: %v vs %v", i, got.Errors, first.Errors)
		}
	}
}

func TestValidate_UnicodeLengthCountsCharacters(t *testing.T) {
	s := Schema{{Name: "s", Field: StringField{MaxLength: 3}}}
	if res := Validate(s, map[string]any{"s": "日本語"}); !res.Success {
		t.Errorf("3 characters should fit MaxLength 3: %v", res.Errors)
	}
}

// ─── Decode ─────────────────────────────────────────────────────────────────

func TestDecode_TypedPayload(t *testing.T) {
	body := []byte(`{"fileName":"a.png","fileSize":10,"mimeType":"image/png"}`)
	res := Decode[FileUpload](UploadSchema, body)
	if !res.Success {
		t.Fatalf("Decode failed: %v", res.Errors)
	}
	if res.Data.FileName != "a.png" || res.Data.FileSize != 10 || res.Data.MaxSize != nil {
		t.Errorf("decoded = %+v", res.Data)
	}
}

func TestDecode_InvalidJSON(t *testing.T) {
	res := Decode[FileUpload](UploadSchema, []byte(`{"fileName":`))
	if res.Success || res.Errors[0] != "Request body must be valid JSON" {
		t.Errorf("got %+v", res)
	}
	res = Decode[FileUpload](UploadSchema, []byte(`{} {}`))
	if res.Success {
		t.Error("trailing JSON value should be rejected")
	}
}

func TestDecode_SchemaErrorsBecomeValidationError(t *testing.T) {
	res := Decode[FileUpload](UploadSchema, []byte(`{"fileSize":-1}`))
	if res.Success {
		t.Fatal("expected failure")
	}
	err := res.Err()
	if err == nil || !strings.Contains(err.Error(), "fileName is required") {
		t.Errorf("Err() = %v", err)
	}
}
