package deferred

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// DefaultBatchParallel is used when a batch request does not set
// max_parallel.
const DefaultBatchParallel = 5

// LLMCallParams are the parameters of an llm_call operation.
type LLMCallParams struct {
	Prompt      string
	Context     string
	Model       string
	MaxTokens   int
	Temperature float64
}

// BatchParams are the parameters of an llm_batch operation.
type BatchParams struct {
	Prompts     []string
	Contexts    []string
	MaxParallel int
	Model       string
	MaxTokens   int
}

// SummarizeParams are the parameters of a summarize operation.
type SummarizeParams struct {
	Content   string
	MaxTokens int
	Focus     string
	Prompt    string
}

// EmbedParams are the parameters of a relevance search.
type EmbedParams struct {
	Query  string
	Chunks []string
	TopK   int
}

// MapReduceParams are the parameters of a map_reduce operation.
type MapReduceParams struct {
	Chunks       []string
	MapPrompt    string
	ReducePrompt string
}

// RecurseParams are the parameters of a recursive sub-query.
type RecurseParams struct {
	Query   string
	Context string
	Outputs []string
}

func (op Operation) params() (gjson.Result, error) {
	if len(op.Params) == 0 {
		return gjson.Result{}, nil
	}
	if !gjson.ValidBytes(op.Params) {
		return gjson.Result{}, fmt.Errorf("operation %s: malformed params", op.ID)
	}
	return gjson.ParseBytes(op.Params), nil
}

func (op Operation) expect(k Kind) error {
	if op.Kind != k {
		return fmt.Errorf("operation %s is %s, not %s", op.ID, op.Kind, k)
	}
	return nil
}

// LLMCall decodes llm_call parameters.
func (op Operation) LLMCall() (LLMCallParams, error) {
	if err := op.expect(KindLLMCall); err != nil {
		return LLMCallParams{}, err
	}
	p, err := op.params()
	if err != nil {
		return LLMCallParams{}, err
	}
	out := LLMCallParams{
		Prompt:      p.Get("prompt").String(),
		Context:     p.Get("context").String(),
		Model:       p.Get("model").String(),
		MaxTokens:   int(p.Get("max_tokens").Int()),
		Temperature: p.Get("temperature").Float(),
	}
	if out.Prompt == "" {
		return out, fmt.Errorf("operation %s: empty prompt", op.ID)
	}
	return out, nil
}

// LLMBatch decodes llm_batch parameters. Contexts, when present, must be
// strings or null and match the prompt count.
func (op Operation) LLMBatch() (BatchParams, error) {
	if err := op.expect(KindLLMBatch); err != nil {
		return BatchParams{}, err
	}
	p, err := op.params()
	if err != nil {
		return BatchParams{}, err
	}
	out := BatchParams{
		Prompts:     stringArray(p.Get("prompts")),
		Model:       p.Get("model").String(),
		MaxTokens:   int(p.Get("max_tokens").Int()),
		MaxParallel: int(p.Get("max_parallel").Int()),
	}
	if out.MaxParallel == 0 {
		out.MaxParallel = DefaultBatchParallel
	}
	if out.MaxParallel < 1 {
		out.MaxParallel = 1
	}
	if ctxs := p.Get("contexts"); ctxs.Exists() && ctxs.Type != gjson.Null {
		arr := ctxs.Array()
		if len(arr) != len(out.Prompts) {
			return out, fmt.Errorf("operation %s: %d contexts for %d prompts", op.ID, len(arr), len(out.Prompts))
		}
		out.Contexts = make([]string, len(arr))
		for i, c := range arr {
			switch c.Type {
			case gjson.String:
				out.Contexts[i] = c.Str
			case gjson.Null:
			default:
				return out, fmt.Errorf("operation %s: context %d is not a string", op.ID, i)
			}
		}
	}
	return out, nil
}

// Summarize decodes summarize parameters.
func (op Operation) Summarize() (SummarizeParams, error) {
	if err := op.expect(KindSummarize); err != nil {
		return SummarizeParams{}, err
	}
	p, err := op.params()
	if err != nil {
		return SummarizeParams{}, err
	}
	out := SummarizeParams{
		Content:   p.Get("content").String(),
		MaxTokens: int(p.Get("max_tokens").Int()),
		Focus:     p.Get("focus").String(),
		Prompt:    p.Get("prompt").String(),
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = 500
	}
	if out.Prompt == "" {
		out.Prompt = SummaryPrompt(out.Content, out.MaxTokens, out.Focus)
	}
	return out, nil
}

// SummaryPrompt builds the prompt used for summarize operations.
func SummaryPrompt(content string, maxTokens int, focus string) string {
	head := fmt.Sprintf("Summarize the following in at most %d tokens", maxTokens)
	if focus != "" {
		head += ", focusing on " + focus
	}
	return head + ":\n\n" + content
}

// Embed decodes relevance search parameters.
func (op Operation) Embed() (EmbedParams, error) {
	if err := op.expect(KindEmbed); err != nil {
		return EmbedParams{}, err
	}
	p, err := op.params()
	if err != nil {
		return EmbedParams{}, err
	}
	out := EmbedParams{
		Query:  p.Get("query").String(),
		Chunks: stringArray(p.Get("chunks")),
		TopK:   int(p.Get("top_k").Int()),
	}
	if out.TopK <= 0 {
		out.TopK = 5
	}
	return out, nil
}

// MapReduce decodes map_reduce parameters.
func (op Operation) MapReduce() (MapReduceParams, error) {
	if err := op.expect(KindMapReduce); err != nil {
		return MapReduceParams{}, err
	}
	p, err := op.params()
	if err != nil {
		return MapReduceParams{}, err
	}
	out := MapReduceParams{
		Chunks:       stringArray(p.Get("chunks")),
		MapPrompt:    p.Get("map_prompt").String(),
		ReducePrompt: p.Get("reduce_prompt").String(),
	}
	if out.MapPrompt == "" || out.ReducePrompt == "" {
		return out, fmt.Errorf("operation %s: map and reduce prompts are required", op.ID)
	}
	return out, nil
}

// Recurse decodes recursive sub-query parameters.
func (op Operation) Recurse() (RecurseParams, error) {
	if err := op.expect(KindRecurse); err != nil {
		return RecurseParams{}, err
	}
	p, err := op.params()
	if err != nil {
		return RecurseParams{}, err
	}
	out := RecurseParams{
		Query:   p.Get("query").String(),
		Context: p.Get("context").String(),
		Outputs: stringArray(p.Get("outputs")),
	}
	if out.Query == "" {
		return out, fmt.Errorf("operation %s: empty query", op.ID)
	}
	return out, nil
}

func stringArray(r gjson.Result) []string {
	if !r.IsArray() {
		return nil
	}
	arr := r.Array()
	out := make([]string, len(arr))
	for i, v := range arr {
		out[i] = v.String()
	}
	return out
}
