// Package fallback salvages structured outputs from a run that hit its
// limits before submitting.
package fallback

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// EntryType is the kind of a history entry.
type EntryType string

const (
	EntryCode        EntryType = "code"
	EntryOutput      EntryType = "output"
	EntryError       EntryType = "error"
	EntryLLMQuery    EntryType = "llm_query"
	EntryLLMResponse EntryType = "llm_response"
)

func (t EntryType) prefix() string {
	switch t {
	case EntryCode:
		return ">>> "
	case EntryError:
		return "!!! "
	case EntryLLMQuery:
		return "[LLM Query] "
	case EntryLLMResponse:
		return "[LLM Response] "
	}
	return "    "
}

const (
	// DefaultMaxHistoryEntries bounds the entries rendered into a prompt.
	DefaultMaxHistoryEntries = 50

	maxEntryChars = 500
)

// Entry is one step of a run's REPL history.
type Entry struct {
	Type    EntryType     `json:"type"`
	Content string        `json:"content"`
	At      time.Duration `json:"at"`
}

// History records what a run did, in order. It is not safe for concurrent
// use; a run appends from a single goroutine.
type History struct {
	start   time.Time
	entries []Entry
}

// NewHistory starts an empty history.
func NewHistory() *History {
	return &History{start: time.Now()}
}

func (h *History) add(t EntryType, content string) {
	h.entries = append(h.entries, Entry{Type: t, Content: content, At: time.Since(h.start)})
}

// AddCode records an executed cell.
func (h *History) AddCode(code string) { h.add(EntryCode, code) }

// AddOutput records captured stdout. Blank output is skipped.
func (h *History) AddOutput(out string) {
	if strings.TrimSpace(out) != "" {
		h.add(EntryOutput, out)
	}
}

// AddError records an execution or validation error.
func (h *History) AddError(msg string) { h.add(EntryError, msg) }

// AddLLMQuery records a prompt sent to a model.
func (h *History) AddLLMQuery(prompt string) { h.add(EntryLLMQuery, prompt) }

// AddLLMResponse records a model's answer.
func (h *History) AddLLMResponse(text string) { h.add(EntryLLMResponse, text) }

// Entries returns a copy of the recorded entries.
func (h *History) Entries() []Entry {
	out := make([]Entry, len(h.entries))
	copy(out, h.entries)
	return out
}

// Len returns the number of entries.
func (h *History) Len() int { return len(h.entries) }

// Contains reports whether any entry contains s.
func (h *History) Contains(s string) bool {
	if s == "" {
		return false
	}
	for _, e := range h.entries {
		if strings.Contains(e.Content, s) {
			return true
		}
	}
	return false
}

// Format renders the history for a prompt. Each line carries its entry's
// prefix, long entries are truncated, and when there are more than max
// entries the first third and the most recent remainder are kept around an
// omission marker.
func (h *History) Format(max int) string {
	if max <= 0 {
		max = DefaultMaxHistoryEntries
	}

	entries := h.entries
	if len(entries) > max {
		head := max / 3
		tail := max - head
		kept := make([]Entry, 0, max+1)
		kept = append(kept, entries[:head]...)
		kept = append(kept, Entry{Type: EntryOutput, Content: fmt.Sprintf("... [%d entries omitted] ...", len(entries)-max)})
		kept = append(kept, entries[len(entries)-tail:]...)
		entries = kept
	}

	var b strings.Builder
	for _, e := range entries {
		content := e.Content
		if len(content) > maxEntryChars {
			content = truncateUTF8(content, maxEntryChars) + "... [truncated]"
		}
		prefix := e.Type.prefix()
		for _, line := range strings.Split(content, "\n") {
			b.WriteString(prefix)
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
