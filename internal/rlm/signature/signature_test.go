package signature

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSignature() Signature {
	return New("answer",
		FieldSpec{Name: "answer", Type: TypeString, Required: true},
		FieldSpec{Name: "count", Type: TypeInteger, Required: true},
		FieldSpec{Name: "severity", Type: TypeEnum, Enum: []string{"low", "high"}},
		FieldSpec{Name: "tags", Type: TypeList, Items: TypeString},
	)
}

func decode(t *testing.T, s string) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(s), &out))
	return out
}

func TestValidate_Success(t *testing.T) {
	errs := testSignature().Validate(decode(t, `{"answer":"42","count":3,"severity":"low","tags":["a"]}`))
	assert.Empty(t, errs)
}

func TestValidate_MissingAndNull(t *testing.T) {
	errs := testSignature().Validate(decode(t, `{"answer":null}`))
	require.Len(t, errs, 2)
	assert.Equal(t, ErrMissingField, errs[0].Type)
	assert.Equal(t, "answer", errs[0].Field)
	assert.Equal(t, "SUBMIT missing required field 'count'", errs[1].Error())
}

func TestValidate_TypeMismatch(t *testing.T) {
	errs := testSignature().Validate(decode(t, `{"answer":"x","count":1.5}`))
	require.Len(t, errs, 1)
	assert.Equal(t, ErrTypeMismatch, errs[0].Type)
	assert.Equal(t, "SUBMIT field 'count' expected integer, got float", errs[0].Error())
	assert.Equal(t, "1.5", errs[0].ValuePreview)
}

func TestValidate_EnumInvalid(t *testing.T) {
	errs := testSignature().Validate(decode(t, `{"answer":"x","count":1,"severity":"medium"}`))
	require.Len(t, errs, 1)
	assert.Equal(t, ErrEnumInvalid, errs[0].Type)
	assert.Equal(t, []string{"low", "high"}, errs[0].Allowed)
	assert.Contains(t, errs.Error(), "invalid enum value 'medium'")
}

func TestValidate_ListItems(t *testing.T) {
	errs := testSignature().Validate(decode(t, `{"answer":"x","count":1,"tags":["ok",2]}`))
	require.Len(t, errs, 1)
	assert.Equal(t, "tags[1]", errs[0].Field)
}

func TestValidate_BooleanIsNotInteger(t *testing.T) {
	sig := New("", FieldSpec{Name: "n", Type: TypeInteger, Required: true})
	errs := sig.Validate(map[string]any{"n": true})
	require.Len(t, errs, 1)
	assert.Equal(t, "boolean", errs[0].Got)
}

func TestParseField(t *testing.T) {
	f, err := ParseField("severity:enum:low|high")
	require.NoError(t, err)
	assert.Equal(t, TypeEnum, f.Type)
	assert.Equal(t, []string{"low", "high"}, f.Enum)
	assert.True(t, f.Required)

	f, err = ParseField("notes?")
	require.NoError(t, err)
	assert.Equal(t, "notes", f.Name)
	assert.Equal(t, TypeString, f.Type)
	assert.False(t, f.Required)

	f, err = ParseField("items:list:int")
	require.NoError(t, err)
	assert.Equal(t, TypeInteger, f.Items)

	_, err = ParseField("x:widget")
	assert.Error(t, err)
}

func TestCheck(t *testing.T) {
	require.NoError(t, testSignature().Check())
	assert.Error(t, Signature{}.Check())
	assert.Error(t, New("", FieldSpec{Name: "a", Type: TypeString}, FieldSpec{Name: "a", Type: TypeString}).Check())
	assert.Error(t, New("", FieldSpec{Name: "e", Type: TypeEnum}).Check())
}

func TestJSONSchema(t *testing.T) {
	raw := testSignature().SchemaJSON()
	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &doc))
	assert.Equal(t, "object", doc["type"])
	assert.ElementsMatch(t, []any{"answer", "count"}, doc["required"])

	props := doc["properties"].(map[string]any)
	sev := props["severity"].(map[string]any)
	assert.Equal(t, []any{"low", "high"}, sev["enum"])
	tags := props["tags"].(map[string]any)
	assert.Equal(t, "array", tags["type"])
}

func TestSubmitResultDecode(t *testing.T) {
	var r SubmitResult
	require.NoError(t, json.Unmarshal([]byte(`{"status":"validation_error","errors":[{"error_type":"multiple_submits","count":2}]}`), &r))
	assert.False(t, r.Accepted())
	assert.Equal(t, "SUBMIT called multiple times (2)", r.Errors[0].Error())
}

func TestParse(t *testing.T) {
	sig, err := Parse("task", nil)
	require.NoError(t, err)
	assert.Equal(t, "task", sig.Name)
	require.Len(t, sig.Fields, 1)
	assert.Equal(t, DefaultField, sig.Fields[0].Name)
	assert.Equal(t, TypeString, sig.Fields[0].Type)
	assert.True(t, sig.Fields[0].Required)

	sig, err = Parse("task", []string{"verdict:enum:approve|reject", "score:number", "count:integer", "notes?"})
	require.NoError(t, err)
	require.Len(t, sig.Fields, 4)
	assert.Equal(t, []string{"approve", "reject"}, sig.Fields[0].Enum)
	assert.Equal(t, TypeFloat, sig.Fields[1].Type)
	assert.Equal(t, TypeInteger, sig.Fields[2].Type)
	assert.False(t, sig.Fields[3].Required)

	_, err = Parse("task", []string{"x:complex"})
	assert.ErrorContains(t, err, `output "x:complex"`)

	_, err = Parse("recurse", []string{"a", "a"})
	require.Error(t, err)
}
