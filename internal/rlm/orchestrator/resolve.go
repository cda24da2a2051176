package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/rand/rlmloop/internal/rlm/batch"
	"github.com/rand/rlmloop/internal/rlm/deferred"
	"github.com/rand/rlmloop/internal/rlm/llm"
	"github.com/rand/rlmloop/internal/rlm/observability"
	"github.com/rand/rlmloop/internal/rlm/routing"
	"github.com/rand/rlmloop/internal/rlm/signature"
)

type exchange struct {
	prompt   string
	response string
}

// outcome is the host-side result of one operation, computed without
// touching the session.
type outcome struct {
	value     any
	err       error
	calls     int
	exchanges []exchange
}

// resolveAll computes every operation concurrently, then injects the
// results into the session one at a time.
func (r *run) resolveAll(ctx context.Context, ops []deferred.Operation) error {
	for _, op := range ops {
		if _, err := r.ops.Track(op); err != nil {
			return err
		}
	}

	outcomes := make([]outcome, len(ops))
	var g errgroup.Group
	g.SetLimit(r.o.config.MaxParallelOps)
	for i, op := range ops {
		g.Go(func() error {
			outcomes[i] = r.resolve(ctx, op)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	for i, op := range ops {
		out := outcomes[i]
		r.llmCalls += out.calls
		for _, ex := range out.exchanges {
			r.history.AddLLMQuery(ex.prompt)
			r.history.AddLLMResponse(ex.response)
		}

		if out.err != nil {
			if err := r.ops.Fail(op.ID); err != nil {
				return err
			}
			if err := r.session.FailOperation(ctx, op.ID, out.err.Error()); err != nil {
				return fmt.Errorf("fail operation %s: %w", op.ID, err)
			}
			slog.Debug("operation failed", "run", r.id, "operation", op.ID, "kind", op.Kind, "error", out.err)
		} else {
			if err := r.ops.Resolve(op.ID); err != nil {
				return err
			}
			if err := r.session.ResolveOperation(ctx, op.ID, out.value); err != nil {
				return fmt.Errorf("resolve operation %s: %w", op.ID, err)
			}
		}

		if r.o.metrics != nil {
			r.o.metrics.RecordOperation(string(op.Kind), out.err == nil)
		}
		fields := map[string]any{"operation": op.ID, "kind": string(op.Kind), "calls": out.calls}
		if out.err != nil {
			fields["error"] = out.err.Error()
		}
		r.emit(observability.LevelDebug, observability.EventOperationResolved, "", fields)
	}
	return nil
}

func (r *run) resolve(ctx context.Context, op deferred.Operation) outcome {
	var out outcome
	switch op.Kind {
	case deferred.KindLLMCall:
		p, err := op.LLMCall()
		if err != nil {
			out.err = err
			break
		}
		out.value, out.err = r.call(ctx, &out, p.Prompt, p.Context, p.Model, p.MaxTokens, &p.Temperature)
	case deferred.KindSummarize:
		p, err := op.Summarize()
		if err != nil {
			out.err = err
			break
		}
		out.value, out.err = r.call(ctx, &out, p.Prompt, "", "", p.MaxTokens, nil)
	case deferred.KindLLMBatch:
		r.resolveBatch(ctx, op, &out)
	case deferred.KindEmbed:
		r.resolveRelevance(ctx, op, &out)
	case deferred.KindMapReduce:
		r.resolveMapReduce(ctx, op, &out)
	case deferred.KindRecurse:
		r.resolveRecurse(ctx, op, &out)
	default:
		out.err = fmt.Errorf("unsupported operation kind %q", op.Kind)
	}
	return out
}

// route picks the model for a helper call. Helper calls sit one level
// below the run that issued them.
func (r *run) route(prompt, override string) routing.Decision {
	d := r.o.router.Route(prompt, r.task.Depth+1, r.ledger.TotalTokens())
	if override == "" {
		return d
	}
	if m, ok := routing.LookupModel(override); ok {
		d.Model = m
		d.Reason += ", model overridden by caller"
	} else {
		slog.Warn("unknown model requested by sandbox, using routed model", "model", override, "routed", d.Model.ID)
	}
	return d
}

func (r *run) maxTokens(n int) int {
	if n > 0 {
		return n
	}
	return r.o.config.CallMaxTokens
}

// call makes one routed completion and charges it to the ledger.
func (r *run) call(ctx context.Context, out *outcome, prompt, input, model string, maxTokens int, temperature *float64) (string, error) {
	d := r.route(prompt, model)
	out.calls++
	resp, err := r.o.client.Complete(ctx, llm.Request{
		Model:       d.Model,
		Prompt:      prompt,
		Context:     input,
		MaxTokens:   r.maxTokens(maxTokens),
		Temperature: temperature,
	})
	if resp != nil {
		r.ledger.Record(d.Tier, d.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	}
	if err != nil {
		if errors.Is(err, llm.ErrCircuitOpen) && r.o.metrics != nil {
			r.o.metrics.BreakerRejections(string(d.Model.Provider)).Inc()
		}
		return "", err
	}
	out.exchanges = append(out.exchanges, exchange{prompt: prompt, response: resp.Text})
	return resp.Text, nil
}

// runBatch executes a batch on the routed model and charges every entry.
func (r *run) runBatch(ctx context.Context, out *outcome, q batch.Query, d routing.Decision) (*batch.ResultSet, error) {
	q.Model = d.Model
	rs, err := r.o.batch.Execute(ctx, q)
	if rs != nil {
		out.calls += rs.Attempts()
		for _, res := range rs.Results {
			if res.Usage.Total() > 0 {
				r.ledger.Record(d.Tier, d.Model, res.Usage.InputTokens, res.Usage.OutputTokens)
			}
		}
	}
	return rs, err
}

func (r *run) resolveBatch(ctx context.Context, op deferred.Operation, out *outcome) {
	p, err := op.LLMBatch()
	if err != nil {
		out.err = err
		return
	}

	q := batch.Query{
		Prompts:     p.Prompts,
		MaxParallel: p.MaxParallel,
		MaxTokens:   r.maxTokens(p.MaxTokens),
	}
	if len(p.Contexts) > 0 {
		q.Contexts = make([]*string, len(p.Contexts))
		for i := range p.Contexts {
			if p.Contexts[i] != "" {
				q.Contexts[i] = &p.Contexts[i]
			}
		}
	}

	rs, err := r.runBatch(ctx, out, q, r.route(strings.Join(p.Prompts, "\n"), p.Model))
	if rs != nil {
		out.exchanges = append(out.exchanges, exchange{
			prompt:   fmt.Sprintf("[batch of %d prompts]", len(p.Prompts)),
			response: fmt.Sprintf("%d succeeded, %d failed", rs.Succeeded(), rs.Failed()),
		})
	}
	if err != nil {
		out.err = err
		return
	}
	out.value = rs.Payload()
}

func (r *run) resolveRelevance(ctx context.Context, op deferred.Operation, out *outcome) {
	p, err := op.Embed()
	if err != nil {
		out.err = err
		return
	}

	hits := RankChunks(p.Query, p.Chunks, p.TopK)
	if r.o.config.Rerank && len(hits) > 1 {
		candidates := RankChunks(p.Query, p.Chunks, 2*p.TopK)
		if ranked, err := r.rerank(ctx, out, p.Query, candidates, p.TopK); err != nil {
			if ctx.Err() != nil {
				out.err = ctx.Err()
				return
			}
			slog.Debug("rerank failed, keeping lexical order", "error", err)
		} else {
			hits = ranked
		}
	}

	chunks := make([]string, len(hits))
	for i, h := range hits {
		chunks[i] = h.Chunk
	}
	out.value = chunks
}

const rerankPreviewChars = 400

// rerank asks the model to order candidates and keeps the first topK it
// names.
func (r *run) rerank(ctx context.Context, out *outcome, query string, candidates []Hit, topK int) ([]Hit, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n\nPassages:\n", query)
	for i, c := range candidates {
		fmt.Fprintf(&b, "[%d] %s\n", i, previewText(c.Chunk, rerankPreviewChars))
	}
	b.WriteString("\nRank the passages by relevance to the query. Reply with only a JSON array of passage numbers, most relevant first.")

	zero := 0.0
	text, err := r.call(ctx, out, b.String(), "", "", 256, &zero)
	if err != nil {
		return nil, err
	}

	start, end := strings.Index(text, "["), strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no ranking in %q", previewText(text, 80))
	}
	seen := make(map[int]bool)
	var ranked []Hit
	for _, v := range gjson.Parse(text[start : end+1]).Array() {
		i := int(v.Int())
		if v.Type != gjson.Number || i < 0 || i >= len(candidates) || seen[i] {
			continue
		}
		seen[i] = true
		ranked = append(ranked, candidates[i])
		if len(ranked) == topK {
			break
		}
	}
	if len(ranked) == 0 {
		return nil, errors.New("ranking named no passages")
	}
	return ranked, nil
}

func (r *run) resolveMapReduce(ctx context.Context, op deferred.Operation, out *outcome) {
	p, err := op.MapReduce()
	if err != nil {
		out.err = err
		return
	}
	if len(p.Chunks) == 0 {
		out.err = errors.New("map_reduce over no data")
		return
	}

	q := batch.Query{
		Prompts:   make([]string, len(p.Chunks)),
		Contexts:  make([]*string, len(p.Chunks)),
		MaxTokens: r.o.config.CallMaxTokens,
	}
	for i := range p.Chunks {
		q.Prompts[i] = p.MapPrompt
		q.Contexts[i] = &p.Chunks[i]
	}
	rs, err := r.runBatch(ctx, out, q, r.route(p.MapPrompt, ""))
	if err != nil {
		out.err = fmt.Errorf("map phase: %w", err)
		return
	}

	var mapped []string
	for _, res := range rs.Results {
		if res.OK() {
			mapped = append(mapped, fmt.Sprintf("[%d] %s", res.Index+1, res.Text))
		}
	}
	out.exchanges = append(out.exchanges, exchange{
		prompt:   fmt.Sprintf("[map over %d chunks] %s", len(p.Chunks), p.MapPrompt),
		response: fmt.Sprintf("%d of %d chunks mapped", len(mapped), len(p.Chunks)),
	})

	out.value, out.err = r.call(ctx, out, p.ReducePrompt, strings.Join(mapped, "\n\n"), "", 0, nil)
}

func (r *run) resolveRecurse(ctx context.Context, op deferred.Operation, out *outcome) {
	p, err := op.Recurse()
	if err != nil {
		out.err = err
		return
	}

	depth := r.task.Depth + 1
	if depth > r.maxDepth {
		out.err = fmt.Errorf("%w: depth %d exceeds maximum %d", ErrDepthExceeded, depth, r.maxDepth)
		return
	}
	sig, err := signature.Parse("recurse", p.Outputs)
	if err != nil {
		out.err = err
		return
	}

	r.emit(observability.LevelInfo, observability.EventRecursionStart, p.Query, map[string]any{
		"operation":   op.ID,
		"child_depth": depth,
	})
	child, err := r.o.run(ctx, Task{
		Query:     p.Query,
		Context:   p.Context,
		Signature: sig,
		Limits:    r.task.Limits,
		Depth:     depth,
		MaxDepth:  r.maxDepth,
	}, r.ledger, r.id)
	if err != nil {
		out.err = err
		r.emit(observability.LevelError, observability.EventRecursionEnd, err.Error(), map[string]any{"operation": op.ID})
		return
	}

	out.calls += child.LLMCalls
	r.emit(observability.LevelInfo, observability.EventRecursionEnd, child.Reason, map[string]any{
		"operation": op.ID,
		"child_run": child.RunID,
		"status":    string(child.Status),
		"cost":      child.Cost,
	})

	if !child.OK() {
		out.err = fmt.Errorf("sub-query %s ended %s: %s", child.RunID, child.Status, child.Reason)
		return
	}
	if len(sig.Fields) == 1 {
		out.value = child.Outputs[sig.Fields[0].Name]
	} else {
		out.value = child.Outputs
	}

	summary, _ := json.Marshal(out.value)
	out.exchanges = append(out.exchanges, exchange{prompt: "[recurse] " + p.Query, response: string(summary)})
}
