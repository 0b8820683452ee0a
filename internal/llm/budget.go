package llm

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

// TokenBudget trims conversation history so the prompt stays under a token limit.
type TokenBudget struct {
	Max   int
	codec tokenizer.Codec
}

// NewTokenBudget uses the cl100k_base encoding, close enough for every provider
// we talk to. max <= 0 disables trimming.
func NewTokenBudget(max int) (*TokenBudget, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("failed to get tokenizer encoding: %w", err)
	}
	return &TokenBudget{Max: max, codec: codec}, nil
}

// Count returns the token count of text.
func (b *TokenBudget) Count(text string) int {
	ids, _, err := b.codec.Encode(text)
	if err != nil {
		// rough fallback of four characters per token
		return len(text)/4 + 1
	}
	return len(ids)
}

// Fit drops the oldest messages until system plus messages fit. The newest
// message is always kept.
func (b *TokenBudget) Fit(system string, messages []Message) []Message {
	if b == nil || b.Max <= 0 || len(messages) == 0 {
		return messages
	}
	// per-message framing overhead
	const overhead = 4
	total := b.Count(system)
	costs := make([]int, len(messages))
	for i, m := range messages {
		costs[i] = b.Count(m.Content) + overhead
		total += costs[i]
	}
	start := 0
	for total > b.Max && start < len(messages)-1 {
		total -= costs[start]
		start++
	}
	// keep the first message a user turn, which some providers require
	for start < len(messages)-1 && messages[start].Role != RoleUser {
		start++
	}
	return messages[start:]
}
