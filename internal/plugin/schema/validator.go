package schema

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// Validator validates decoded JSON values against a schema.
type Validator struct {
	schema   *Schema
	compiled *jsonschema.Schema
	err      error
}

// NewValidator compiles schema. A schema that fails to compile makes every
// Validate call return the compile error.
func NewValidator(schema *Schema) *Validator {
	v := &Validator{schema: schema}
	if schema != nil {
		v.compiled, v.err = schema.compile()
	}
	return v
}

// Validate validates a value as produced by json.Unmarshal into any.
func (v *Validator) Validate(value any) error {
	if v.schema == nil {
		return nil
	}
	if v.err != nil {
		return v.err
	}

	err := v.compiled.Validate(value)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return fmt.Errorf("schema: %w", err)
	}

	errs := &ValidationErrors{}
	collect(value, verr, errs)
	sort.SliceStable(errs.Errors, func(i, j int) bool {
		return errs.Errors[i].Path < errs.Errors[j].Path
	})
	if errs.Len() == 0 {
		errs.Add("", Keyword(""), value, "%s", verr.Error())
	}
	return errs.AsError()
}

// ValidateJSON decodes raw JSON and validates it.
func (v *Validator) ValidateJSON(data []byte) error {
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("schema: invalid JSON: %w", err)
	}
	return v.Validate(value)
}

// collect flattens the cause tree into one ValidationError per leaf.
func collect(root any, verr *jsonschema.ValidationError, errs *ValidationErrors) {
	if len(verr.Causes) > 0 {
		for _, cause := range verr.Causes {
			collect(root, cause, errs)
		}
		return
	}

	value, path := locate(root, verr.InstanceLocation)
	switch k := verr.ErrorKind.(type) {
	case *kind.Required:
		for _, name := range k.Missing {
			errs.Add(joinPath(path, name), KeywordRequired, nil, "required field is missing")
		}
	case *kind.AdditionalProperties:
		obj, _ := value.(map[string]any)
		for _, name := range k.Properties {
			errs.Add(joinPath(path, name), KeywordAdditionalProperties, obj[name], "unknown property")
		}
	case *kind.Type:
		errs.Add(path, KeywordType, value, "expected %s, got %s", strings.Join(k.Want, "|"), k.Got)
	default:
		errs.Add(path, keywordOf(verr.ErrorKind), value, "%s", verr.ErrorKind.LocalizedString(printer))
	}
}

func keywordOf(k jsonschema.ErrorKind) Keyword {
	kp := k.KeywordPath()
	if len(kp) == 0 {
		return ""
	}
	return Keyword(kp[len(kp)-1])
}

// locate walks the instance along loc and returns the value found there
// with its path in dot and [i] notation.
func locate(root any, loc []string) (any, string) {
	cur, path := root, ""
	for _, tok := range loc {
		switch node := cur.(type) {
		case []any:
			i, err := strconv.Atoi(tok)
			if err != nil || i < 0 || i >= len(node) {
				return nil, path + "[" + tok + "]"
			}
			cur, path = node[i], fmt.Sprintf("%s[%d]", path, i)
		case map[string]any:
			cur, path = node[tok], joinPath(path, tok)
		default:
			return nil, joinPath(path, tok)
		}
	}
	return cur, path
}
