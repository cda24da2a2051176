package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/rand/rlmloop/internal/rlm/fallback"
	"github.com/rand/rlmloop/internal/rlm/llm"
	"github.com/rand/rlmloop/internal/rlm/routing"
	"github.com/rand/rlmloop/internal/rlm/signature"
)

// StepRequest is what a step source sees of a run.
type StepRequest struct {
	RunID     string
	Query     string
	Context   string
	Signature signature.Signature
	Depth     int
	Iteration int
	History   *fallback.History

	// Feedback describes why the previous step did not finish the run.
	Feedback string

	// TokensUsed is the token volume spent so far by the run tree.
	TokensUsed int64
}

// Step is one cell of code to execute. Model is zero when no model call
// produced it.
type Step struct {
	Code  string
	Model routing.ModelSpec
	Tier  routing.Tier
	Usage llm.Usage
}

// StepSource produces the next cell for a run.
type StepSource interface {
	NextStep(ctx context.Context, req StepRequest) (*Step, error)
}

// StepFunc adapts a function to StepSource.
type StepFunc func(ctx context.Context, req StepRequest) (*Step, error)

// NextStep implements StepSource.
func (f StepFunc) NextStep(ctx context.Context, req StepRequest) (*Step, error) {
	return f(ctx, req)
}

// LLMSteps asks the routed model for one python cell per iteration.
type LLMSteps struct {
	client     llm.Client
	router     *routing.Router
	maxTokens  int
	maxHistory int
}

// NewLLMSteps creates a model-backed step source.
func NewLLMSteps(client llm.Client, router *routing.Router) *LLMSteps {
	return &LLMSteps{
		client:     client,
		router:     router,
		maxTokens:  2048,
		maxHistory: fallback.DefaultMaxHistoryEntries,
	}
}

// NextStep implements StepSource.
func (s *LLMSteps) NextStep(ctx context.Context, req StepRequest) (*Step, error) {
	decision := s.router.Route(req.Query, req.Depth, req.TokensUsed)
	resp, err := s.client.Complete(ctx, llm.Request{
		Model:     decision.Model,
		Prompt:    StepPrompt(req, s.maxHistory),
		MaxTokens: s.maxTokens,
	})
	step := &Step{Model: decision.Model, Tier: decision.Tier}
	if resp != nil {
		step.Usage = resp.Usage
	}
	if err != nil {
		return step, fmt.Errorf("generate step: %w", err)
	}
	step.Code = ExtractCode(resp.Text)
	return step, nil
}

const helperDocs = `Available in the namespace:
  query, context            the task and its input text
  memories                  related notes from earlier runs (may be absent)
  llm(prompt, context=None, model=None, max_tokens=1024, temperature=0.0)
  llm_batch(prompts, contexts=None, max_parallel=5, model=None, max_tokens=1024)
                            returns [{"status": "success"|"error", "value": ...}]
  summarize(data, max_tokens=500, focus=None)
  find_relevant(data, query, top_k=5)   most relevant chunks of data
  map_reduce(data, map_prompt, reduce_prompt, chunk_size=10)
  recurse(query, context=None, outputs=None)  solve a sub-question in a fresh session
  peek(data, start, end), search(data, pattern), count_tokens(text),
  truncate(text, max_tokens), extract_code_blocks(text)
  SUBMIT(**outputs)         finish with the required outputs

Model helpers return placeholders. Their values become available once the
cell that created them has finished; reading one early re-runs the cell.`

// StepPrompt renders the prompt LLMSteps sends for one iteration.
func StepPrompt(req StepRequest, maxHistory int) string {
	var b strings.Builder
	b.WriteString("You solve tasks by writing Python code that runs in a persistent sandbox.\n")
	b.WriteString("Reply with exactly one ```python code block and nothing else.\n\n")
	b.WriteString(helperDocs)
	b.WriteString("\n\n## Task\n")
	b.WriteString(req.Query)
	b.WriteString("\n")

	if req.Context != "" {
		fmt.Fprintf(&b, "\nThe variable `context` holds %d characters. It starts with:\n", len(req.Context))
		b.WriteString(previewText(req.Context, 1000))
		b.WriteString("\n")
	}

	b.WriteString("\n## Required outputs for SUBMIT\n")
	for _, f := range req.Signature.Fields {
		typ := string(f.Type)
		if f.Type == signature.TypeEnum {
			typ = "one of " + strings.Join(f.Enum, ", ")
		}
		opt := ""
		if !f.Required {
			opt = ", optional"
		}
		fmt.Fprintf(&b, "- %s (%s%s)", f.Name, typ, opt)
		if f.Description != "" {
			b.WriteString(": " + f.Description)
		}
		b.WriteString("\n")
	}

	if req.History != nil && req.History.Len() > 0 {
		b.WriteString("\n## Session so far\n")
		b.WriteString(req.History.Format(maxHistory))
		b.WriteString("\n")
	}
	if req.Feedback != "" {
		b.WriteString("\n## Last step\n")
		b.WriteString(req.Feedback)
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "\nIteration %d. Call SUBMIT as soon as you have the answer.\n", req.Iteration+1)
	return b.String()
}

var codeFence = regexp.MustCompile("(?s)```(?:python|py)?[ \\t]*\\n(.*?)```")

// ExtractCode returns the first fenced code block of a response, or the
// whole response when it has no fence.
func ExtractCode(text string) string {
	if m := codeFence.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(text)
}

func previewText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
