package ai

import (
	"context"
	"sync"

	"pipeline-copilot/pkg/domain/errors"
)

// ScriptedClient is a deterministic Client used by tests and local runs
// without provider credentials. Responses are returned in order; when the
// script is exhausted it fails with a transient error.
type ScriptedClient struct {
	usageTracker

	mu        sync.Mutex
	responses []ScriptedResponse
	requests  [][]Message
}

// ScriptedResponse is one step of the script.
type ScriptedResponse struct {
	Content string
	Err     error
}

// NewScriptedClient builds a client that replays the given responses.
func NewScriptedClient(responses ...ScriptedResponse) *ScriptedClient {
	return &ScriptedClient{responses: responses}
}

// Respond appends a successful response to the script.
func (c *ScriptedClient) Respond(content string) *ScriptedClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, ScriptedResponse{Content: content})
	return c
}

// Fail appends a failing response to the script.
func (c *ScriptedClient) Fail(err error) *ScriptedClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, ScriptedResponse{Err: err})
	return c
}

// Chat implements Client.
func (c *ScriptedClient) Chat(ctx context.Context, messages []Message, opts Options) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errors.New(errors.CodeTimeout, "ai", "context done", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cp := make([]Message, len(messages))
	copy(cp, messages)
	c.requests = append(c.requests, cp)

	if len(c.responses) == 0 {
		return "", errors.New(errors.CodeUnavailable, "ai", "scripted client exhausted", nil)
	}
	next := c.responses[0]
	c.responses = c.responses[1:]
	if next.Err != nil {
		return "", next.Err
	}
	c.record(TokenUsage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30})
	return next.Content, nil
}

// Requests returns every message set the client has seen.
func (c *ScriptedClient) Requests() [][]Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]Message, len(c.requests))
	copy(out, c.requests)
	return out
}
