package signature

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// ErrorType classifies a SUBMIT validation failure.
type ErrorType string

const (
	ErrMissingField          ErrorType = "missing_field"
	ErrTypeMismatch          ErrorType = "type_mismatch"
	ErrEnumInvalid           ErrorType = "enum_invalid"
	ErrValidationFailed      ErrorType = "validation_failed"
	ErrNoSignatureRegistered ErrorType = "no_signature_registered"
	ErrMultipleSubmits       ErrorType = "multiple_submits"
)

// SubmitError is one validation failure reported for a SUBMIT call.
type SubmitError struct {
	Type         ErrorType `json:"error_type"`
	Field        string    `json:"field,omitempty"`
	Expected     string    `json:"expected,omitempty"`
	Got          string    `json:"got,omitempty"`
	ValuePreview string    `json:"value_preview,omitempty"`
	Value        string    `json:"value,omitempty"`
	Allowed      []string  `json:"allowed,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Count        int       `json:"count,omitempty"`
}

func (e SubmitError) Error() string {
	switch e.Type {
	case ErrMissingField:
		return fmt.Sprintf("SUBMIT missing required field '%s'", e.Field)
	case ErrTypeMismatch:
		return fmt.Sprintf("SUBMIT field '%s' expected %s, got %s", e.Field, e.Expected, e.Got)
	case ErrEnumInvalid:
		return fmt.Sprintf("SUBMIT field '%s' has invalid enum value '%s'", e.Field, e.Value)
	case ErrMultipleSubmits:
		return fmt.Sprintf("SUBMIT called multiple times (%d)", e.Count)
	case ErrNoSignatureRegistered:
		return "SUBMIT called but no signature was registered"
	default:
		return fmt.Sprintf("SUBMIT validation failed: %s", e.Reason)
	}
}

// Errors is a list of validation failures.
type Errors []SubmitError

func (es Errors) Error() string {
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

// Status is the outcome of a SUBMIT call.
type Status string

const (
	StatusSuccess         Status = "success"
	StatusValidationError Status = "validation_error"
)

// SubmitResult is the submit_result block of an execute response.
type SubmitResult struct {
	Status  Status         `json:"status"`
	Outputs map[string]any `json:"outputs,omitempty"`
	Errors  Errors         `json:"errors,omitempty"`
}

// Accepted reports whether the submission passed validation.
func (r *SubmitResult) Accepted() bool {
	return r != nil && r.Status == StatusSuccess
}

// Validate checks decoded JSON outputs against the signature. Missing or
// null required fields, type mismatches and invalid enum values are
// reported; unknown extra fields are ignored.
func (s Signature) Validate(outputs map[string]any) Errors {
	var errs Errors
	for _, f := range s.Fields {
		v, ok := outputs[f.Name]
		if !ok || v == nil {
			if f.Required {
				errs = append(errs, SubmitError{Type: ErrMissingField, Field: f.Name})
			}
			continue
		}
		if err := f.check(v); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

func (f FieldSpec) check(v any) *SubmitError {
	got := jsonTypeName(v)
	if f.Type == TypeEnum {
		s, ok := v.(string)
		if !ok {
			return &SubmitError{Type: ErrTypeMismatch, Field: f.Name, Expected: "enum", Got: got, ValuePreview: preview(v)}
		}
		for _, allowed := range f.Enum {
			if s == allowed {
				return nil
			}
		}
		return &SubmitError{Type: ErrEnumInvalid, Field: f.Name, Value: s, Allowed: f.Enum}
	}
	if !matches(f.Type, v) {
		return &SubmitError{Type: ErrTypeMismatch, Field: f.Name, Expected: string(f.Type), Got: got, ValuePreview: preview(v)}
	}
	if f.Type == TypeList && f.Items != "" {
		for i, item := range v.([]any) {
			if !matches(f.Items, item) {
				return &SubmitError{
					Type:         ErrTypeMismatch,
					Field:        fmt.Sprintf("%s[%d]", f.Name, i),
					Expected:     string(f.Items),
					Got:          jsonTypeName(item),
					ValuePreview: preview(item),
				}
			}
		}
	}
	return nil
}

func matches(t FieldType, v any) bool {
	switch t {
	case TypeString, TypeEnum:
		_, ok := v.(string)
		return ok
	case TypeInteger:
		switch n := v.(type) {
		case float64:
			return n == math.Trunc(n) && !math.IsInf(n, 0)
		case int, int64:
			return true
		case json.Number:
			_, err := n.Int64()
			return err == nil
		}
		return false
	case TypeFloat:
		switch v.(type) {
		case float64, int, int64, json.Number:
			return true
		}
		return false
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeList:
		_, ok := v.([]any)
		return ok
	case TypeObject:
		_, ok := v.(map[string]any)
		return ok
	}
	return true
}

func jsonTypeName(v any) string {
	switch n := v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64:
		if n == math.Trunc(n) {
			return "integer"
		}
		return "float"
	case int, int64, json.Number:
		return "integer"
	case []any:
		return "list"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}

func preview(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	s := string(b)
	if len(s) > 100 {
		s = s[:100]
	}
	return s
}
