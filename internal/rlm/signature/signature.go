// Package signature describes the structured outputs a run must produce and
// validates submitted values against them.
package signature

import (
	"fmt"
	"strings"
)

// FieldType is the declared type of an output field.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeInteger FieldType = "integer"
	TypeFloat   FieldType = "float"
	TypeBoolean FieldType = "boolean"
	TypeList    FieldType = "list"
	TypeObject  FieldType = "object"
	TypeEnum    FieldType = "enum"
)

// ParseFieldType parses a type name as written on the command line or in
// config. Common aliases ("int", "str", "bool", "number", "array") are
// accepted.
func ParseFieldType(s string) (FieldType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "string", "str", "text":
		return TypeString, nil
	case "integer", "int":
		return TypeInteger, nil
	case "float", "number":
		return TypeFloat, nil
	case "boolean", "bool":
		return TypeBoolean, nil
	case "list", "array":
		return TypeList, nil
	case "object", "dict", "map":
		return TypeObject, nil
	case "enum":
		return TypeEnum, nil
	}
	return "", fmt.Errorf("unknown field type %q", s)
}

// FieldSpec declares one output field.
type FieldSpec struct {
	Name        string    `json:"name" yaml:"name"`
	Type        FieldType `json:"type" yaml:"type"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool      `json:"required" yaml:"required"`

	// Enum lists the allowed values when Type is TypeEnum.
	Enum []string `json:"enum,omitempty" yaml:"enum,omitempty"`

	// Items is the element type when Type is TypeList. Empty means any.
	Items FieldType `json:"items,omitempty" yaml:"items,omitempty"`
}

// Signature is the named set of output fields a run must submit.
type Signature struct {
	Name   string      `json:"name,omitempty" yaml:"name,omitempty"`
	Fields []FieldSpec `json:"fields" yaml:"fields"`
}

// New builds a signature from fields.
func New(name string, fields ...FieldSpec) Signature {
	return Signature{Name: name, Fields: fields}
}

// Field looks up a field by name.
func (s Signature) Field(name string) (FieldSpec, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// RequiredFields returns the names of required fields in declaration order.
func (s Signature) RequiredFields() []string {
	var out []string
	for _, f := range s.Fields {
		if f.Required {
			out = append(out, f.Name)
		}
	}
	return out
}

// Check reports configuration mistakes such as duplicate names or enums
// without values.
func (s Signature) Check() error {
	if len(s.Fields) == 0 {
		return fmt.Errorf("signature has no output fields")
	}
	seen := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("output field with empty name")
		}
		if seen[f.Name] {
			return fmt.Errorf("duplicate output field %q", f.Name)
		}
		seen[f.Name] = true
		if _, err := ParseFieldType(string(f.Type)); err != nil {
			return fmt.Errorf("field %q: %w", f.Name, err)
		}
		if f.Type == TypeEnum && len(f.Enum) == 0 {
			return fmt.Errorf("enum field %q has no allowed values", f.Name)
		}
	}
	return nil
}

// ParseField parses the compact "name:type[:enum1|enum2]" form used by the
// CLI. A trailing "?" on the name marks the field optional.
func ParseField(s string) (FieldSpec, error) {
	parts := strings.SplitN(s, ":", 3)
	name := strings.TrimSpace(parts[0])
	spec := FieldSpec{Name: name, Type: TypeString, Required: true}
	if strings.HasSuffix(name, "?") {
		spec.Name = strings.TrimSuffix(name, "?")
		spec.Required = false
	}
	if spec.Name == "" {
		return FieldSpec{}, fmt.Errorf("empty field name in %q", s)
	}
	if len(parts) > 1 {
		t, err := ParseFieldType(parts[1])
		if err != nil {
			return FieldSpec{}, err
		}
		spec.Type = t
	}
	if len(parts) > 2 {
		if spec.Type != TypeEnum {
			spec.Items, _ = ParseFieldType(parts[2])
		} else {
			for _, v := range strings.Split(parts[2], "|") {
				if v = strings.TrimSpace(v); v != "" {
					spec.Enum = append(spec.Enum, v)
				}
			}
		}
	}
	return spec, nil
}

// DefaultField is the output a signature built from no specs asks for.
const DefaultField = "answer"

// Parse builds a signature from compact field specs (see ParseField). No
// specs yields a single required string field named DefaultField.
func Parse(name string, specs []string) (Signature, error) {
	if len(specs) == 0 {
		specs = []string{DefaultField}
	}
	fields := make([]FieldSpec, 0, len(specs))
	for _, s := range specs {
		f, err := ParseField(s)
		if err != nil {
			return Signature{}, fmt.Errorf("output %q: %w", s, err)
		}
		fields = append(fields, f)
	}
	sig := New(name, fields...)
	if err := sig.Check(); err != nil {
		return Signature{}, err
	}
	return sig, nil
}
