package fallback

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	jsonrepair "github.com/RealAlexandreAI/json-repair"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/rand/rlmloop/internal/rlm/signature"
)

// ErrNotObject is returned when the response holds no decodable JSON object.
var ErrNotObject = errors.New("extraction response is not a JSON object")

// Parsed is a decoded extraction response.
type Parsed struct {
	Outputs map[string]any
	Notes   string

	// Raw is the JSON text the outputs were decoded from, after repair.
	Raw string

	// Repaired is set when strict decoding failed and json-repair was used.
	Repaired bool
}

// ExtractJSON locates the JSON payload in a model response: a ```json
// fence, else any fence, else the span from the first '{' to the last '}'.
func ExtractJSON(response string) string {
	if start := strings.Index(response, "```json"); start >= 0 {
		body := response[start+len("```json"):]
		if end := strings.Index(body, "```"); end >= 0 {
			return strings.TrimSpace(body[:end])
		}
	}

	if start := strings.Index(response, "```"); start >= 0 {
		body := response[start+3:]
		if nl := strings.IndexByte(body, '\n'); nl >= 0 {
			body = body[nl+1:]
		}
		if end := strings.Index(body, "```"); end >= 0 {
			return strings.TrimSpace(body[:end])
		}
	}

	if start := strings.IndexByte(response, '{'); start >= 0 {
		if end := strings.LastIndexByte(response, '}'); end > start {
			return response[start : end+1]
		}
	}
	return strings.TrimSpace(response)
}

// Parse decodes a model response into outputs. Malformed JSON is passed
// through json-repair before giving up. Control fields are stripped.
// On error the returned Parsed still carries the best-effort Raw text.
func Parse(response string) (*Parsed, error) {
	raw := ExtractJSON(response)
	p := &Parsed{Raw: raw}

	if !isObject(raw) {
		fixed, err := jsonrepair.RepairJSON(raw)
		if err != nil {
			return p, fmt.Errorf("%w: %v", ErrNotObject, err)
		}
		p.Raw = fixed
		p.Repaired = true
		if !isObject(fixed) {
			return p, ErrNotObject
		}
	}

	p.Notes = gjson.Get(p.Raw, NotesField).String()
	cleaned := p.Raw
	for _, field := range []string{NotesField, legacyConfidenceField} {
		if out, err := sjson.Delete(cleaned, field); err == nil {
			cleaned = out
		}
	}

	if err := json.Unmarshal([]byte(cleaned), &p.Outputs); err != nil {
		return p, fmt.Errorf("%w: %v", ErrNotObject, err)
	}
	p.Raw = cleaned
	return p, nil
}

func isObject(s string) bool {
	return gjson.Valid(s) && gjson.Parse(s).IsObject()
}

// Check splits validation into fatal errors and missing required fields.
// Type and enum mismatches on present fields are fatal; absent or null
// required fields only lower confidence.
func Check(sig signature.Signature, outputs map[string]any) (fatal signature.Errors, missing []string) {
	for _, e := range sig.Validate(outputs) {
		if e.Type == signature.ErrMissingField {
			missing = append(missing, e.Field)
			continue
		}
		fatal = append(fatal, e)
	}
	return fatal, missing
}
