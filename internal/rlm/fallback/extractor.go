package fallback

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/rand/rlmloop/internal/budget"
	"github.com/rand/rlmloop/internal/rlm/llm"
	"github.com/rand/rlmloop/internal/rlm/routing"
	"github.com/rand/rlmloop/internal/rlm/signature"
)

// Config tunes extraction.
type Config struct {
	MaxHistoryEntries int     `yaml:"max_history_entries"`
	MaxVariables      int     `yaml:"max_variables"`
	Temperature       float64 `yaml:"temperature"`
	MaxTokens         int     `yaml:"max_tokens"`
}

// DefaultConfig returns the default extraction settings.
func DefaultConfig() Config {
	return Config{
		MaxHistoryEntries: DefaultMaxHistoryEntries,
		MaxVariables:      DefaultMaxVariables,
		Temperature:       0,
		MaxTokens:         2048,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxHistoryEntries <= 0 {
		c.MaxHistoryEntries = d.MaxHistoryEntries
	}
	if c.MaxVariables <= 0 {
		c.MaxVariables = d.MaxVariables
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = d.MaxTokens
	}
	return c
}

// Status is the outcome of an extraction.
type Status string

const (
	StatusExtracted Status = "extracted"
	StatusFailed    Status = "failed"
)

// Request is everything an extraction needs from the run.
type Request struct {
	Signature signature.Signature
	History   *History
	Variables map[string]json.RawMessage
	Trigger   budget.TriggerReason
}

// Result is the outcome of one extraction.
type Result struct {
	Status     Status               `json:"status"`
	Outputs    map[string]any       `json:"outputs,omitempty"`
	Confidence float64              `json:"confidence"`
	Notes      string               `json:"notes,omitempty"`
	Reason     string               `json:"reason,omitempty"`
	Trigger    budget.TriggerReason `json:"trigger"`

	// Partial is the best-effort JSON text when extraction failed.
	Partial string `json:"partial,omitempty"`

	// Missing lists required fields the model left empty.
	Missing []string `json:"missing,omitempty"`

	Model string    `json:"model,omitempty"`
	Usage llm.Usage `json:"usage"`
}

// Extractor makes the single extraction call for a run that hit a limit.
type Extractor struct {
	client llm.Client
	router *routing.Router
	ledger *budget.Ledger
	config Config
}

// NewExtractor creates an extractor. The ledger may be nil.
func NewExtractor(client llm.Client, router *routing.Router, ledger *budget.Ledger, config Config) *Extractor {
	return &Extractor{client: client, router: router, ledger: ledger, config: config.withDefaults()}
}

// Extract asks the extraction-tier model for the outputs. Model and parse
// failures produce a Failed result rather than an error; only context
// cancellation is returned as an error.
func (e *Extractor) Extract(ctx context.Context, req Request) (*Result, error) {
	decision := e.router.RouteExtraction()
	temp := e.config.Temperature

	slog.Info("fallback extraction triggered", "trigger", req.Trigger, "model", decision.Model.ID)

	resp, err := e.client.Complete(ctx, llm.Request{
		Model:       decision.Model,
		Prompt:      Prompt(req.Signature, req.History, req.Variables, e.config),
		MaxTokens:   e.config.MaxTokens,
		Temperature: &temp,
	})
	if resp != nil && e.ledger != nil {
		e.ledger.Record(routing.TierExtraction, decision.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Warn("fallback extraction call failed", "error", err)
		return &Result{
			Status:  StatusFailed,
			Reason:  fmt.Sprintf("extraction call failed: %v", err),
			Trigger: req.Trigger,
			Model:   decision.Model.ID,
		}, nil
	}

	res := Evaluate(req, resp.Text)
	res.Model = decision.Model.ID
	res.Usage = resp.Usage
	return res, nil
}

// Evaluate turns an extraction response into a result without calling a
// model.
func Evaluate(req Request, response string) *Result {
	res := &Result{Status: StatusFailed, Trigger: req.Trigger}

	parsed, err := Parse(response)
	if err != nil {
		res.Reason = fmt.Sprintf("failed to parse extraction response: %v", err)
		res.Partial = parsed.Raw
		return res
	}
	res.Notes = parsed.Notes

	fatal, missing := Check(req.Signature, parsed.Outputs)
	if len(fatal) > 0 {
		res.Reason = fmt.Sprintf("extracted outputs failed validation: %v", fatal)
		res.Partial = parsed.Raw
		return res
	}

	res.Status = StatusExtracted
	res.Outputs = parsed.Outputs
	res.Missing = missing
	res.Confidence = Confidence(req.Signature, parsed.Outputs, req.Variables, req.History)
	return res
}
