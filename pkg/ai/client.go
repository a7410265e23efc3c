// Package ai provides the chat-completion client used by the log analyzer's
// LLM pass and the patch synthesizer's fallback path.
package ai

import (
	"context"
	"sync"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options are per-call overrides. Zero values fall back to the client's
// configured defaults.
type Options struct {
	Model       string
	Temperature float32
	MaxTokens   int
}

// TokenUsage accumulates provider-reported token counts.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Client is the platform's view of a chat-style completion service. Callers
// supply the full message set each call; the client owns retries, so callers
// never re-retry the same request.
type Client interface {
	Chat(ctx context.Context, messages []Message, opts Options) (string, error)
	GetTokenUsage() TokenUsage
	ResetTokenUsage()
}

// usageTracker is embedded by implementations to share the accounting.
type usageTracker struct {
	mu    sync.Mutex
	usage TokenUsage
}

func (t *usageTracker) record(u TokenUsage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage.PromptTokens += u.PromptTokens
	t.usage.CompletionTokens += u.CompletionTokens
	t.usage.TotalTokens += u.TotalTokens
}

// GetTokenUsage returns the accumulated usage.
func (t *usageTracker) GetTokenUsage() TokenUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usage
}

// ResetTokenUsage zeroes the accumulated usage.
func (t *usageTracker) ResetTokenUsage() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage = TokenUsage{}
}
