package fallback

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rand/rlmloop/internal/rlm/signature"
)

const (
	// DefaultMaxVariables bounds the variables rendered into a prompt.
	DefaultMaxVariables = 20

	maxVariableChars = 1000

	// NotesField is the optional free-text field the extraction model may
	// add to explain its answer.
	NotesField = "_extraction_notes"

	legacyConfidenceField = "_confidence"
)

// Prompt builds the extraction prompt from the run's history and sandbox
// variables. Variables are rendered in name order.
func Prompt(sig signature.Signature, history *History, vars map[string]json.RawMessage, cfg Config) string {
	cfg = cfg.withDefaults()

	var b strings.Builder
	b.WriteString("# Fallback Output Extraction\n\n")
	b.WriteString("The REPL execution exceeded its limits before completing. ")
	b.WriteString("Extract the required outputs from the history and variables below.\n\n")

	b.WriteString("## REPL History\n\n```\n")
	if history != nil {
		b.WriteString(history.Format(cfg.MaxHistoryEntries))
	}
	b.WriteString("```\n\n")

	b.WriteString("## Current Variables\n\n```json\n")
	b.WriteString(formatVariables(vars, cfg.MaxVariables))
	b.WriteString("\n```\n\n")

	b.WriteString("## Required Outputs\n\n")
	b.WriteString("Extract the following fields based on the history and variables:\n\n")
	for _, f := range sig.Fields {
		desc := f.Description
		if desc == "" {
			desc = f.Name
		}
		fmt.Fprintf(&b, "- **%s**: %s\n", f.Name, desc)
		fmt.Fprintf(&b, "  - Type: %s\n", f.Type)
		if len(f.Enum) > 0 {
			fmt.Fprintf(&b, "  - One of: %s\n", strings.Join(f.Enum, ", "))
		}
		if !f.Required {
			b.WriteString("  - Optional\n")
		}
	}
	b.WriteString("\n## Output Schema\n\n```json\n")
	b.WriteString(sig.SchemaJSON())
	b.WriteString("\n```\n\n")

	b.WriteString("## Response Format\n\n")
	b.WriteString("Respond with a single JSON object only. ")
	b.WriteString("If a value cannot be determined, use null rather than guessing.\n")
	fmt.Fprintf(&b, "You may add a `%s` string field explaining how the values were found.\n", NotesField)

	return b.String()
}

func formatVariables(vars map[string]json.RawMessage, max int) string {
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) > max {
		names = names[:max]
	}

	shown := make(map[string]json.RawMessage, len(names))
	for _, name := range names {
		v := vars[name]
		if len(v) > maxVariableChars {
			s := fmt.Sprintf("%s... [truncated, %d chars total]", truncateUTF8(string(v), maxVariableChars), len(v))
			v, _ = json.Marshal(s)
		}
		shown[name] = v
	}

	out, err := json.MarshalIndent(shown, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(out)
}
