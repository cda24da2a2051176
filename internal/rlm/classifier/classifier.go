// Package classifier decides whether a query is complex enough to warrant
// recursive orchestration.
package classifier

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

// DefaultThreshold is the minimum score that activates orchestration.
const DefaultThreshold = 2

// Message is one prior turn of the conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SessionContext is what the caller knows about the surrounding session.
type SessionContext struct {
	Files       []string  `json:"files,omitempty"`
	ToolOutputs []string  `json:"tool_outputs,omitempty"`
	Messages    []Message `json:"messages,omitempty"`
}

// SpansMultipleDirectories reports whether the files live in more than one
// directory.
func (c SessionContext) SpansMultipleDirectories() bool {
	dirs := make(map[string]bool)
	for _, f := range c.Files {
		dirs[path.Dir(f)] = true
	}
	return len(dirs) > 1
}

// ToolOutputTokens approximates the token volume of tool outputs at four
// bytes per token.
func (c SessionContext) ToolOutputTokens() int {
	n := 0
	for _, o := range c.ToolOutputs {
		n += len(o) / 4
	}
	return n
}

func (c SessionContext) last(role string) (Message, bool) {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Role == role {
			return c.Messages[i], true
		}
	}
	return Message{}, false
}

// Signals are the complexity indicators found in a query and its context.
type Signals struct {
	MultipleFiles        bool `json:"multi_file"`
	CrossContext         bool `json:"cross_context"`
	Temporal             bool `json:"temporal"`
	PatternSearch        bool `json:"pattern_search"`
	Debugging            bool `json:"debugging"`
	ExhaustiveSearch     bool `json:"exhaustive_search"`
	SecurityReview       bool `json:"security_review"`
	ArchitectureAnalysis bool `json:"architecture_analysis"`
	UserWantsThorough    bool `json:"user_thorough"`
	UserWantsFast        bool `json:"user_fast"`
	MultipleDomains      bool `json:"multi_domain"`
	LargeToolOutputs     bool `json:"large_outputs"`
	MultipleModules      bool `json:"multi_module"`
	PriorConfusion       bool `json:"prior_confusion"`
	Continuation         bool `json:"continuation"`
}

// Score weighs the signals: strong ones count 3, medium 2, weak 1, and a
// request for speed subtracts 3.
func (s Signals) Score() int {
	score := 0
	for _, w := range []struct {
		on     bool
		weight int
	}{
		{s.ArchitectureAnalysis, 3},
		{s.ExhaustiveSearch, 3},
		{s.SecurityReview, 3},
		{s.UserWantsThorough, 3},
		{s.MultipleFiles, 2},
		{s.CrossContext, 2},
		{s.PatternSearch, 2},
		{s.Debugging, 2},
		{s.MultipleDomains, 2},
		{s.MultipleModules, 2},
		{s.Temporal, 1},
		{s.LargeToolOutputs, 1},
		{s.PriorConfusion, 1},
		{s.Continuation, 1},
		{s.UserWantsFast, -3},
	} {
		if w.on {
			score += w.weight
		}
	}
	return score
}

// HasStrongSignal reports whether any +3 signal fired.
func (s Signals) HasStrongSignal() bool {
	return s.ArchitectureAnalysis || s.ExhaustiveSearch || s.SecurityReview || s.UserWantsThorough
}

// Active lists the names of the signals that fired, in a fixed order.
func (s Signals) Active() []string {
	var out []string
	for _, n := range []struct {
		on   bool
		name string
	}{
		{s.MultipleFiles, "multi_file"},
		{s.CrossContext, "cross_context"},
		{s.Temporal, "temporal"},
		{s.PatternSearch, "pattern_search"},
		{s.Debugging, "debugging"},
		{s.ExhaustiveSearch, "exhaustive_search"},
		{s.SecurityReview, "security_review"},
		{s.ArchitectureAnalysis, "architecture_analysis"},
		{s.UserWantsThorough, "user_thorough"},
		{s.UserWantsFast, "user_fast"},
		{s.MultipleDomains, "multi_domain"},
		{s.LargeToolOutputs, "large_outputs"},
		{s.MultipleModules, "multi_module"},
		{s.PriorConfusion, "prior_confusion"},
		{s.Continuation, "continuation"},
	} {
		if n.on {
			out = append(out, n.name)
		}
	}
	return out
}

// Decision is the outcome of ShouldActivate.
type Decision struct {
	Activate bool    `json:"activate"`
	Score    int     `json:"score"`
	Reason   string  `json:"reason"`
	Signals  Signals `json:"signals"`
}

var (
	multiFilePattern    = regexp.MustCompile(`(?i)(files?|modules?|components?|across|between|multiple|all\s+the)\s+(in|from|under|within)?`)
	crossContextPattern = regexp.MustCompile(`(?i)(why\b.*\b(when|if|given|since)|how\s+(does|do|is|are)|relationship|connect|interact|depend|flow|between|across|what\b.*\b(cause|led\s+to|result))`)
	temporalPattern     = regexp.MustCompile(`(?i)(before|after|when|then|history|previous|changed|evolved|used\s+to)`)
	patternPattern      = regexp.MustCompile(`(?i)((find|search|locate|grep)\b.*\b(where|that|which)|how\s+many|list\s+(all|every)|pattern|structure|architecture|design|organize|layout|convention|idiom)`)
	debuggingPattern    = regexp.MustCompile(`(?i)(debug|error|bug|issue|problem|fix|broken|failing|crash|exception|traceback|not\s+work)`)
	exhaustivePattern   = regexp.MustCompile(`(?i)(all|every|each|exhaustive|comprehensive|complete|full|entire|everywhere)`)
	securityPattern     = regexp.MustCompile(`(?i)(security|auth|permission|access|credential|secret|vulnerab|injection|xss|csrf|owasp)`)
	architecturePattern = regexp.MustCompile(`(?i)(architect|design|refactor|restructure|reorganize|system|overview|high.level)`)
	thoroughPattern     = regexp.MustCompile(`(?i)(thorough|careful|detailed|deep|exhaustive|comprehensive|make\s+sure|be\s+careful)`)
	fastPattern         = regexp.MustCompile(`(?i)(quick|fast|simple|just|only|brief|short|don'?t\s+overthink)`)
	continuationPattern = regexp.MustCompile(`(?i)(continue|also|now|next|then|keep|more|another|additionally)`)
)

var confusionMarkers = []string{"I'm not sure", "Could you clarify", "I need more context"}

// PatternClassifier scores queries with regular expressions and context
// heuristics.
type PatternClassifier struct {
	Threshold int

	// Force activates every query.
	Force bool
}

// NewPatternClassifier returns a classifier with the default threshold.
func NewPatternClassifier() *PatternClassifier {
	return &PatternClassifier{Threshold: DefaultThreshold}
}

// Analyze extracts the complexity signals of a query.
func (c *PatternClassifier) Analyze(query string, ctx SessionContext) Signals {
	var s Signals

	s.MultipleFiles = multiFilePattern.MatchString(query) ||
		strings.Count(query, "/") > 1 ||
		strings.Count(query, ".go") > 1 ||
		strings.Count(query, ".py") > 1 ||
		strings.Count(query, ".rs") > 1 ||
		strings.Count(query, ".ts") > 1
	s.CrossContext = crossContextPattern.MatchString(query)
	s.Temporal = temporalPattern.MatchString(query)
	s.PatternSearch = patternPattern.MatchString(query)
	s.Debugging = debuggingPattern.MatchString(query)
	s.ExhaustiveSearch = exhaustivePattern.MatchString(query)
	s.SecurityReview = securityPattern.MatchString(query)
	s.ArchitectureAnalysis = architecturePattern.MatchString(query)

	s.UserWantsThorough = thoroughPattern.MatchString(query)
	s.UserWantsFast = fastPattern.MatchString(query)

	s.MultipleDomains = ctx.SpansMultipleDirectories()
	s.MultipleModules = len(ctx.Files) > 3
	s.LargeToolOutputs = ctx.ToolOutputTokens() > 10000

	if m, ok := ctx.last("assistant"); ok {
		for _, marker := range confusionMarkers {
			if strings.Contains(m.Content, marker) {
				s.PriorConfusion = true
				break
			}
		}
	}

	s.Continuation = continuationPattern.MatchString(query)
	if m, ok := ctx.last("user"); ok && len(m.Content) < 50 {
		s.Continuation = true
	}

	return s
}

// ShouldActivate decides whether the query should run through the
// orchestration loop.
func (c *PatternClassifier) ShouldActivate(query string, ctx SessionContext) Decision {
	if c.Force {
		return Decision{Activate: true, Score: 100, Reason: "force_activation"}
	}

	threshold := c.Threshold
	if threshold == 0 {
		threshold = DefaultThreshold
	}

	s := c.Analyze(query, ctx)
	score := s.Score()
	if score < threshold {
		return Decision{Activate: false, Score: score, Reason: "simple_task", Signals: s}
	}

	reason := fmt.Sprintf("complexity_score:%d", score)
	if active := s.Active(); len(active) > 0 {
		reason += ":" + strings.Join(active, "+")
	}
	return Decision{Activate: true, Score: score, Reason: reason, Signals: s}
}
