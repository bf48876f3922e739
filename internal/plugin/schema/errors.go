package schema

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalid is matched by every validation failure.
var ErrInvalid = errors.New("schema: value does not match")

// Keyword names the schema keyword a value violated.
type Keyword string

// Keywords reported in ValidationError.
const (
	KeywordType                 Keyword = "type"
	KeywordConst                Keyword = "const"
	KeywordEnum                 Keyword = "enum"
	KeywordMinimum              Keyword = "minimum"
	KeywordMaximum              Keyword = "maximum"
	KeywordMinLength            Keyword = "minLength"
	KeywordMaxLength            Keyword = "maxLength"
	KeywordPattern              Keyword = "pattern"
	KeywordMinItems             Keyword = "minItems"
	KeywordMaxItems             Keyword = "maxItems"
	KeywordRequired             Keyword = "required"
	KeywordAdditionalProperties Keyword = "additionalProperties"
)

// ValidationError is one violation. Path uses dots for properties and
// [i] for array items; the root value has an empty path.
type ValidationError struct {
	Path    string
	Keyword Keyword
	Message string
	Value   any
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return e.Path + ": " + e.Message
}

// Unwrap returns ErrInvalid.
func (e *ValidationError) Unwrap() error {
	return ErrInvalid
}

// ValidationErrors collects every violation found in one value.
type ValidationErrors struct {
	Errors []*ValidationError
}

func (e *ValidationErrors) Error() string {
	switch len(e.Errors) {
	case 0:
		return "no validation errors"
	case 1:
		return e.Errors[0].Error()
	}
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("%d validation errors:\n  - %s", len(e.Errors), strings.Join(msgs, "\n  - "))
}

// Unwrap returns ErrInvalid.
func (e *ValidationErrors) Unwrap() error {
	return ErrInvalid
}

// Add records a violation.
func (e *ValidationErrors) Add(path string, kw Keyword, value any, format string, args ...any) {
	e.Errors = append(e.Errors, &ValidationError{
		Path:    path,
		Keyword: kw,
		Message: fmt.Sprintf(format, args...),
		Value:   value,
	})
}

// Len returns the number of violations.
func (e *ValidationErrors) Len() int {
	return len(e.Errors)
}

// AsError returns nil when nothing was recorded.
func (e *ValidationErrors) AsError() error {
	if len(e.Errors) == 0 {
		return nil
	}
	return e
}

// ErrorsForPath returns the violations recorded at path.
func (e *ValidationErrors) ErrorsForPath(path string) []*ValidationError {
	var result []*ValidationError
	for _, err := range e.Errors {
		if err.Path == path {
			result = append(result, err)
		}
	}
	return result
}
