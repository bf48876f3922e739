package schema

import (
	"errors"
	"strings"
	"testing"
)

const settingsSchema = `{
	"type": "object",
	"properties": {
		"greeting": {"type": "string", "minLength": 1, "maxLength": 20, "default": "hello"},
		"interval": {"type": "integer", "minimum": 1, "maximum": 60, "default": 5},
		"mode": {"enum": ["fast", "slow"]},
		"tags": {"type": "array", "items": {"type": "string", "pattern": "^[a-z]+$"}, "maxItems": 3},
		"nested": {
			"type": "object",
			"required": ["enabled"],
			"additionalProperties": false,
			"properties": {"enabled": {"type": "boolean"}}
		}
	},
	"required": ["greeting"]
}`

func mustParse(t *testing.T, src string) *Schema {
	t.Helper()
	s, err := Parse([]byte(src))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return s
}

func TestValidateJSON(t *testing.T) {
	v := NewValidator(mustParse(t, settingsSchema))

	tests := []struct {
		name     string
		input    string
		wantPath string
		wantKw   Keyword
	}{
		{"valid minimal", `{"greeting": "hi"}`, "", ""},
		{"valid full", `{"greeting": "hi", "interval": 10, "mode": "fast", "tags": ["a", "b"], "nested": {"enabled": true}}`, "", ""},
		{"missing required", `{}`, "greeting", KeywordRequired},
		{"wrong type", `{"greeting": 42}`, "greeting", KeywordType},
		{"too short", `{"greeting": ""}`, "greeting", KeywordMinLength},
		{"not integer", `{"greeting": "hi", "interval": 1.5}`, "interval", KeywordType},
		{"above maximum", `{"greeting": "hi", "interval": 61}`, "interval", KeywordMaximum},
		{"enum mismatch", `{"greeting": "hi", "mode": "medium"}`, "mode", KeywordEnum},
		{"item pattern", `{"greeting": "hi", "tags": ["ok", "NOT"]}`, "tags[1]", KeywordPattern},
		{"too many items", `{"greeting": "hi", "tags": ["a", "b", "c", "d"]}`, "tags", KeywordMaxItems},
		{"nested required", `{"greeting": "hi", "nested": {}}`, "nested.enabled", KeywordRequired},
		{"nested unknown", `{"greeting": "hi", "nested": {"enabled": true, "extra": 1}}`, "nested.extra", KeywordAdditionalProperties},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateJSON([]byte(tt.input))
			if tt.wantPath == "" {
				if err != nil {
					t.Fatalf("ValidateJSON() error = %v", err)
				}
				return
			}
			var verrs *ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("ValidateJSON() error = %v, want *ValidationErrors", err)
			}
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("errors.Is(err, ErrInvalid) = false for %v", err)
			}
			found := verrs.ErrorsForPath(tt.wantPath)
			if len(found) == 0 {
				t.Fatalf("no error for path %q in %v", tt.wantPath, verrs)
			}
			if found[0].Keyword != tt.wantKw {
				t.Errorf("Keyword = %q, want %q", found[0].Keyword, tt.wantKw)
			}
		})
	}
}

func TestValidateCollectsAllViolations(t *testing.T) {
	v := NewValidator(mustParse(t, settingsSchema))
	err := v.ValidateJSON([]byte(`{"interval": 0, "mode": "medium"}`))

	var verrs *ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("ValidateJSON() error = %v, want *ValidationErrors", err)
	}
	want := map[string]Keyword{
		"greeting": KeywordRequired,
		"interval": KeywordMinimum,
		"mode":     KeywordEnum,
	}
	if verrs.Len() != len(want) {
		t.Fatalf("got %d violations, want %d: %v", verrs.Len(), len(want), verrs)
	}
	for path, kw := range want {
		found := verrs.ErrorsForPath(path)
		if len(found) != 1 || found[0].Keyword != kw {
			t.Errorf("path %q: got %v, want one %q violation", path, found, kw)
		}
	}
}

func TestValidateJSONInvalidInput(t *testing.T) {
	v := NewValidator(mustParse(t, settingsSchema))
	if err := v.ValidateJSON([]byte("{not json")); err == nil {
		t.Error("ValidateJSON() with malformed JSON should fail")
	}
}

func TestNilSchemaAcceptsAnything(t *testing.T) {
	v := NewValidator(nil)
	if err := v.ValidateJSON([]byte(`[1, "two", null]`)); err != nil {
		t.Errorf("nil schema rejected value: %v", err)
	}
}

func TestParseRejectsBadSchema(t *testing.T) {
	tests := []string{
		`{"type": "strnig"}`,
		`{"properties": {"a": {"type": "string", "pattern": "("}}}`,
		`{"type": 5}`,
	}
	for _, src := range tests {
		if _, err := Parse([]byte(src)); err == nil {
			t.Errorf("Parse(%s) should fail", src)
		}
	}
}

func TestSchemaTypeMultiple(t *testing.T) {
	s := mustParse(t, `{"type": ["string", "null"]}`)
	v := NewValidator(s)

	if err := v.Validate(nil); err != nil {
		t.Errorf("null rejected: %v", err)
	}
	if err := v.Validate("x"); err != nil {
		t.Errorf("string rejected: %v", err)
	}
	err := v.Validate(true)
	if err == nil || !strings.Contains(err.Error(), "string|null") {
		t.Errorf("Validate(true) error = %v", err)
	}
}

func TestDefaults(t *testing.T) {
	s := mustParse(t, settingsSchema)
	d := s.Defaults()
	if d["greeting"] != "hello" {
		t.Errorf("greeting default = %v", d["greeting"])
	}
	if d["interval"] != float64(5) {
		t.Errorf("interval default = %v", d["interval"])
	}
	if _, ok := d["mode"]; ok {
		t.Error("mode has no default but appeared in Defaults()")
	}

	var nilSchema *Schema
	if len(nilSchema.Defaults()) != 0 {
		t.Error("nil schema Defaults() should be empty")
	}
}

func TestValidationErrorsMessage(t *testing.T) {
	errs := &ValidationErrors{}
	if errs.AsError() != nil {
		t.Error("empty ValidationErrors.AsError() should be nil")
	}
	errs.Add("a", KeywordType, nil, "bad")
	if errs.Error() != "a: bad" {
		t.Errorf("single Error() = %q", errs.Error())
	}
	errs.Add("", KeywordConst, nil, "worse")
	if !strings.HasPrefix(errs.Error(), "2 validation errors") {
		t.Errorf("multi Error() = %q", errs.Error())
	}
}
