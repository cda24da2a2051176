package fallback

import (
	"encoding/json"
	"strings"

	"github.com/rand/rlmloop/internal/rlm/signature"
)

const (
	baseConfidence = 0.5
	variableBonus  = 0.3
	historyBonus   = 0.2
	missingPenalty = 0.3
	minConfidence  = 0.1
	maxConfidence  = 0.99
)

// Confidence scores an extraction: values found verbatim among the
// variables or in the history raise it, required fields left empty lower
// it. The result is always within [0.1, 0.99].
func Confidence(sig signature.Signature, outputs map[string]any, vars map[string]json.RawMessage, history *History) float64 {
	score := baseConfidence

	values := renderedValues(outputs)
	if anyIn(values, func(v string) bool { return inVariables(v, vars) }) {
		score += variableBonus
	}
	if history != nil && anyIn(values, history.Contains) {
		score += historyBonus
	}

	required := sig.RequiredFields()
	if len(required) > 0 {
		empty := 0
		for _, name := range required {
			if v, ok := outputs[name]; !ok || v == nil {
				empty++
			}
		}
		score -= missingPenalty * float64(empty) / float64(len(required))
	}

	return min(max(score, minConfidence), maxConfidence)
}

// renderedValues returns the non-null outputs as text: strings as is,
// everything else as JSON.
func renderedValues(outputs map[string]any) []string {
	var out []string
	for k, v := range outputs {
		if v == nil || strings.HasPrefix(k, "_") {
			continue
		}
		var s string
		if str, ok := v.(string); ok {
			s = str
		} else {
			b, err := json.Marshal(v)
			if err != nil {
				continue
			}
			s = string(b)
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func anyIn(values []string, found func(string) bool) bool {
	for _, v := range values {
		if found(v) {
			return true
		}
	}
	return false
}

func inVariables(s string, vars map[string]json.RawMessage) bool {
	for _, raw := range vars {
		if strings.Contains(string(raw), s) {
			return true
		}
		var str string
		if json.Unmarshal(raw, &str) == nil && strings.Contains(str, s) {
			return true
		}
	}
	return false
}
