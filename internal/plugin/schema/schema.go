// Package schema validates plugin configuration values against the JSON
// Schema declared in a plugin manifest's config_schema field.
//
// The manifest model carries the keywords plugin settings need: type,
// properties, required, additionalProperties, items, enum, const,
// minimum/maximum, minLength/maxLength, pattern, minItems/maxItems and
// default. Validation is done by santhosh-tekuri/jsonschema; failures are
// reported as keyword-tagged ValidationErrors.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const resourceURL = "config_schema.json"

// Schema represents a JSON Schema definition.
type Schema struct {
	// Title is a descriptive title.
	Title string `json:"title,omitempty"`

	// Description provides documentation.
	Description string `json:"description,omitempty"`

	// Type is the JSON type (string, number, integer, boolean, array, object, null).
	Type SchemaType `json:"type,omitempty"`

	// Properties defines object properties (for type: object).
	Properties map[string]*Schema `json:"properties,omitempty"`

	// AdditionalProperties controls whether extra properties are allowed.
	AdditionalProperties *bool `json:"additionalProperties,omitempty"`

	// Required lists required property names.
	Required []string `json:"required,omitempty"`

	// Items defines the schema for array elements.
	Items *Schema `json:"items,omitempty"`

	// Enum lists allowed values.
	Enum []any `json:"enum,omitempty"`

	// Const defines a single allowed value.
	Const any `json:"const,omitempty"`

	// Default is the default value.
	Default any `json:"default,omitempty"`

	Minimum   *float64 `json:"minimum,omitempty"`
	Maximum   *float64 `json:"maximum,omitempty"`
	MinLength *int     `json:"minLength,omitempty"`
	MaxLength *int     `json:"maxLength,omitempty"`
	Pattern   string   `json:"pattern,omitempty"`
	MinItems  *int     `json:"minItems,omitempty"`
	MaxItems  *int     `json:"maxItems,omitempty"`
}

// Parse decodes a schema from JSON and checks that it is well formed.
func Parse(data []byte) (*Schema, error) {
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}
	if err := s.Check(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Check verifies the schema itself: known types, compilable patterns, and
// that the validator accepts it.
func (s *Schema) Check() error {
	if err := s.check(""); err != nil {
		return err
	}
	if s == nil {
		return nil
	}
	_, err := s.compile()
	return err
}

func (s *Schema) compile() (*jsonschema.Schema, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(resourceURL, doc); err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}
	compiled, err := c.Compile(resourceURL)
	if err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}
	return compiled, nil
}

func (s *Schema) check(path string) error {
	if s == nil {
		return nil
	}
	for _, typ := range s.Type.Types {
		if !validTypes[typ] {
			return fmt.Errorf("schema: %s: unknown type %q", displayPath(path), typ)
		}
	}
	if s.Pattern != "" {
		if _, err := regexp.Compile(s.Pattern); err != nil {
			return fmt.Errorf("schema: %s: invalid pattern: %w", displayPath(path), err)
		}
	}
	for name, prop := range s.Properties {
		if err := prop.check(joinPath(path, name)); err != nil {
			return err
		}
	}
	return s.Items.check(path + "[]")
}

// AllowsAdditionalProperties reports whether properties not listed in
// Properties are accepted. The JSON Schema default is true.
func (s *Schema) AllowsAdditionalProperties() bool {
	return s.AdditionalProperties == nil || *s.AdditionalProperties
}

// Defaults returns a configuration object built from the top-level
// property defaults.
func (s *Schema) Defaults() map[string]any {
	defaults := make(map[string]any)
	if s == nil {
		return defaults
	}
	for name, prop := range s.Properties {
		if prop != nil && prop.Default != nil {
			defaults[name] = prop.Default
		}
	}
	return defaults
}

var validTypes = map[string]bool{
	TypeString:  true,
	TypeNumber:  true,
	TypeInteger: true,
	TypeBoolean: true,
	TypeArray:   true,
	TypeObject:  true,
	TypeNull:    true,
}

// JSON Schema type names.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeBoolean = "boolean"
	TypeArray   = "array"
	TypeObject  = "object"
	TypeNull    = "null"
)

// SchemaType represents JSON Schema type(s).
// Can be a single type or an array of types.
type SchemaType struct {
	Types []string
}

// UnmarshalJSON handles both single type and array of types.
func (t *SchemaType) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		t.Types = []string{single}
		return nil
	}

	var arr []string
	if err := json.Unmarshal(data, &arr); err != nil {
		return fmt.Errorf("type must be string or array of strings: %w", err)
	}
	t.Types = arr
	return nil
}

// MarshalJSON outputs single type as string, multiple as array.
func (t SchemaType) MarshalJSON() ([]byte, error) {
	if len(t.Types) == 1 {
		return json.Marshal(t.Types[0])
	}
	return json.Marshal(t.Types)
}

// Is checks if the schema type includes the given type.
func (t SchemaType) Is(typ string) bool {
	for _, st := range t.Types {
		if st == typ {
			return true
		}
	}
	return false
}

// IsEmpty returns true if no types are defined.
func (t SchemaType) IsEmpty() bool {
	return len(t.Types) == 0
}

// String returns the type as a string.
func (t SchemaType) String() string {
	return strings.Join(t.Types, "|")
}

func joinPath(base, name string) string {
	if base == "" {
		return name
	}
	return base + "." + name
}

func displayPath(path string) string {
	if path == "" {
		return "(root)"
	}
	return path
}
