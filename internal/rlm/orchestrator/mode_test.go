package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rand/rlmloop/internal/rlm/classifier"
	"github.com/rand/rlmloop/internal/rlm/routing"
)

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{
		"micro":     ModeMicro,
		"Fast":      ModeFast,
		"":          ModeBalanced,
		" thorough": ModeThorough,
	} {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseMode("turbo")
	require.Error(t, err)
}

func TestMode_Budgets(t *testing.T) {
	tests := []struct {
		mode   Mode
		budget float64
		depth  int
		root   string
	}{
		{ModeMicro, 0.01, 1, routing.ClaudeSonnet().ID},
		{ModeFast, 0.05, 2, routing.ClaudeSonnet().ID},
		{ModeBalanced, 0.25, 3, routing.ClaudeSonnet().ID},
		{ModeThorough, 1.00, 5, routing.ClaudeOpus().ID},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			assert.Equal(t, tt.budget, tt.mode.Budget())
			assert.Equal(t, tt.depth, tt.mode.MaxDepth())
			assert.Equal(t, tt.root, tt.mode.Routing().Root.ID)
			assert.Equal(t, tt.budget, tt.mode.Limits().MaxCost)
			require.NoError(t, tt.mode.Limits().Validate())
		})
	}
}

func TestModeFromSignals(t *testing.T) {
	tests := []struct {
		name    string
		signals classifier.Signals
		want    Mode
	}{
		{"nothing", classifier.Signals{}, ModeMicro},
		{"user wants fast", classifier.Signals{UserWantsFast: true, ArchitectureAnalysis: true}, ModeFast},
		{"user wants thorough", classifier.Signals{UserWantsThorough: true}, ModeThorough},
		{"architecture", classifier.Signals{ArchitectureAnalysis: true}, ModeThorough},
		{"exhaustive", classifier.Signals{ExhaustiveSearch: true}, ModeThorough},
		{"security is strong", classifier.Signals{SecurityReview: true}, ModeBalanced},
		{"score five", classifier.Signals{Debugging: true, MultipleFiles: true, Temporal: true}, ModeBalanced},
		{"score two", classifier.Signals{Debugging: true}, ModeFast},
		{"score one", classifier.Signals{Continuation: true}, ModeMicro},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ModeFromSignals(tt.signals))
		})
	}
}

type stubClassifier classifier.Decision

func (s stubClassifier) ShouldActivate(string, classifier.SessionContext) classifier.Decision {
	return classifier.Decision(s)
}

func TestSelectMode(t *testing.T) {
	mode, d := SelectMode(stubClassifier{Activate: false, Reason: "simple_task"}, "hi", classifier.SessionContext{})
	assert.Equal(t, ModeMicro, mode)
	assert.Equal(t, "simple_task", d.Reason)

	mode, _ = SelectMode(stubClassifier{
		Activate: true,
		Score:    3,
		Signals:  classifier.Signals{ArchitectureAnalysis: true},
	}, "refactor the system", classifier.SessionContext{})
	assert.Equal(t, ModeThorough, mode)

	mode, _ = SelectMode(classifier.NewPatternClassifier(), "Refactor the system", classifier.SessionContext{})
	assert.Equal(t, ModeThorough, mode)
}
