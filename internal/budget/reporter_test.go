package budget

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rand/rlmloop/internal/rlm/routing"
)

func TestCostReport_Summary(t *testing.T) {
	l := NewLedger(routing.ClaudeSonnet())
	l.Record(routing.TierRoot, routing.ClaudeSonnet(), 1000, 500)
	l.Record(routing.TierRecursive, routing.ClaudeHaiku(), 1000, 500)

	summary := l.Report().Summary()
	assert.Contains(t, summary, "Calls: 2")
	assert.Contains(t, summary, "Tokens: 3.0k")
	assert.Contains(t, summary, "Saved:")
}

func TestCostReport_Detailed(t *testing.T) {
	l := NewLedger(routing.ClaudeSonnet())
	l.Record(routing.TierExtraction, routing.ClaudeHaiku(), 100, 50)

	out := l.Report().Detailed()
	assert.Contains(t, out, "=== Cost Report ===")
	assert.Contains(t, out, "extraction")
	assert.Contains(t, out, "claude-3-5-haiku-latest")
	assert.Contains(t, out, "All-claude-sonnet-4-5 cost")
}

func TestProgressBar(t *testing.T) {
	tests := []struct {
		percent float64
		want    string
	}{
		{0, "░░░░░░░░░░"},
		{50, "▓▓▓▓▓░░░░░"},
		{100, "▓▓▓▓▓▓▓▓▓▓"},
		{150, "▓▓▓▓▓▓▓▓▓▓"},
		{-10, "░░░░░░░░░░"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, progressBar(tt.percent, 10))
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{30 * time.Second, "30s"},
		{5 * time.Minute, "5m"},
		{2 * time.Hour, "2h"},
		{2*time.Hour + 30*time.Minute, "2h30m"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, formatDuration(tt.d))
	}
}
