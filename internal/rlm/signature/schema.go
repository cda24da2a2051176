package signature

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// JSONSchema renders the signature as a JSON schema object. The extraction
// prompt embeds it so the model sees exact types and enum values.
func (s Signature) JSONSchema() *jsonschema.Schema {
	props := jsonschema.NewProperties()
	for _, f := range s.Fields {
		props.Set(f.Name, f.schema())
	}
	schema := &jsonschema.Schema{
		Type:       "object",
		Title:      s.Name,
		Properties: props,
		Required:   s.RequiredFields(),
	}
	return schema
}

// SchemaJSON renders the schema as indented JSON.
func (s Signature) SchemaJSON() string {
	b, err := json.MarshalIndent(s.JSONSchema(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}

func (f FieldSpec) schema() *jsonschema.Schema {
	sc := &jsonschema.Schema{Description: f.Description}
	switch f.Type {
	case TypeString:
		sc.Type = "string"
	case TypeInteger:
		sc.Type = "integer"
	case TypeFloat:
		sc.Type = "number"
	case TypeBoolean:
		sc.Type = "boolean"
	case TypeObject:
		sc.Type = "object"
	case TypeEnum:
		sc.Type = "string"
		for _, v := range f.Enum {
			sc.Enum = append(sc.Enum, v)
		}
	case TypeList:
		sc.Type = "array"
		if f.Items != "" {
			sc.Items = FieldSpec{Type: f.Items}.schema()
		}
	}
	return sc
}
