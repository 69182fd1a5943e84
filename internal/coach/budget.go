package coach

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// Counter returns the token count of a string.
type Counter func(text string) int

// Budget keeps coach prompts inside the model's context window.
type Budget struct {
	count     Counter
	maxTokens int
	reserve   int
}

// NewBudget creates a budget with the tokenizer for model.
// maxTokens is the model's context window size; reserve is kept back for the
// model's reply.
func NewBudget(model string, maxTokens, reserve int) (*Budget, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Fallback to cl100k_base for unknown models
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return NewBudgetWithCounter(func(text string) int {
		return len(enc.Encode(text, nil, nil))
	}, maxTokens, reserve), nil
}

// NewBudgetWithCounter creates a budget around an arbitrary counter.
func NewBudgetWithCounter(count Counter, maxTokens, reserve int) *Budget {
	return &Budget{count: count, maxTokens: maxTokens, reserve: reserve}
}

// Available returns the input tokens left once system is accounted for.
func (b *Budget) Available(system string) int {
	return b.maxTokens - b.reserve - b.count(system)
}

// Fit truncates user so that system+user fit the input budget. The second
// result reports whether anything was cut.
func (b *Budget) Fit(system, user string) (string, bool) {
	limit := b.Available(system)
	if limit <= 0 {
		return "", user != ""
	}
	n := b.count(user)
	if n <= limit {
		return user, false
	}

	runes := []rune(user)
	for n > limit && len(runes) > 0 {
		// Shrink proportionally, always by at least one rune.
		keep := len(runes) * limit / n
		if keep >= len(runes) {
			keep = len(runes) - 1
		}
		runes = runes[:keep]
		n = b.count(string(runes))
	}
	return string(runes), true
}
