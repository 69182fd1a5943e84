// Package coach proposes routing suggestions for incomplete gateway requests.
package coach

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/jmbish04/cfgate/internal/retry"
	"github.com/jmbish04/cfgate/internal/types"
	"github.com/jmbish04/cfgate/pkg/llm"
)

// LLM asks a language model for a suggestion in JSON mode.
type LLM struct {
	provider llm.Provider
	budget   *Budget
	policy   *retry.Policy
	timeout  time.Duration
}

// NewLLM creates an LLM coach. budget and policy may be nil.
func NewLLM(provider llm.Provider, budget *Budget, policy *retry.Policy, timeout time.Duration) *LLM {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LLM{provider: provider, budget: budget, policy: policy, timeout: timeout}
}

// reply is the model's answer before normalisation.
type reply struct {
	Product    string   `json:"product"`
	Action     string   `json:"action"`
	Method     string   `json:"method"`
	Confidence *float64 `json:"confidence"`
	Message    string   `json:"message"`
	NextStep   string   `json:"next_step"`
}

// Consult returns the model's suggestion. Any failure, including an
// unparseable reply, is reported as ErrUpstreamUnavailable.
func (c *LLM) Consult(ctx context.Context, in types.Consultation) (*types.RoutingSuggestion, error) {
	system, err := renderPrompt(in.Hint, in.Threshold)
	if err != nil {
		return nil, fmt.Errorf("render coach prompt: %w", err)
	}
	user := string(in.Request)
	if c.budget != nil {
		var cut bool
		if user, cut = c.budget.Fit(system, user); cut {
			slog.Debug("coach request truncated to token budget")
		}
	}
	messages := []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var resp *llm.Response
	call := func(ctx context.Context) error {
		var err error
		resp, err = c.provider.Complete(ctx, messages, llm.FormatJSON)
		return err
	}
	if c.policy != nil {
		err = c.policy.Do(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: coach: %w", types.ErrUpstreamUnavailable, err)
	}

	suggestion, err := parseReply(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: coach: %w", types.ErrUpstreamUnavailable, err)
	}
	return suggestion, nil
}

func parseReply(content string) (*types.RoutingSuggestion, error) {
	content = strings.TrimSpace(content)
	// Some models wrap JSON mode output in a code fence anyway.
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var r reply
	if err := json.Unmarshal([]byte(content), &r); err != nil {
		return nil, fmt.Errorf("parse reply: %w", err)
	}
	if r.Confidence == nil {
		return nil, fmt.Errorf("reply has no confidence")
	}

	s := &types.RoutingSuggestion{
		Product:    strings.TrimSpace(r.Product),
		Action:     strings.TrimSpace(r.Action),
		Confidence: clampUnit(*r.Confidence),
		Message:    strings.TrimSpace(r.Message),
		NextStep:   types.NextStep(strings.ToLower(strings.TrimSpace(r.NextStep))),
	}
	if m, ok := types.ParseMethod(r.Method); ok {
		s.Method = m
	}
	if s.NextStep != types.NextStepExecute && s.NextStep != types.NextStepClarify {
		s.NextStep = types.NextStepClarify
	}
	return s, nil
}

func clampUnit(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(math.Max(v, 0), 1)
}
