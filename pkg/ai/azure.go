package ai

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/ai/azopenai"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"pipeline-copilot/pkg/config"
	"pipeline-copilot/pkg/domain/errors"
	"pipeline-copilot/pkg/retry"
)

// AzureClient implements Client over the Azure OpenAI chat-completions API.
// It enforces the platform's call discipline: a client-side request rate,
// a per-attempt timeout, an overall deadline across retries, and retries on
// transient failures only.
type AzureClient struct {
	usageTracker

	client  *azopenai.Client
	cfg     config.LLMConfig
	retrier *retry.Coordinator
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewAzureClient builds the client from configuration. The deployment name
// in cfg.Model is used unless a call overrides it.
func NewAzureClient(cfg config.LLMConfig, retrier *retry.Coordinator, logger zerolog.Logger) (*AzureClient, error) {
	if cfg.Endpoint == "" || cfg.APIKey == "" {
		return nil, errors.New(errors.CodeMissingParameter, "ai",
			"llm endpoint and api key are required", nil)
	}

	keyCredential := azcore.NewKeyCredential(cfg.APIKey)
	client, err := azopenai.NewClientWithKeyCredential(cfg.Endpoint, keyCredential, nil)
	if err != nil {
		return nil, errors.New(errors.CodeInvalidParameter, "ai",
			fmt.Sprintf("error creating Azure OpenAI client: %v", err), err)
	}

	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 2
	}

	c := &AzureClient{
		client:  client,
		cfg:     cfg,
		retrier: retrier,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		logger:  logger.With().Str("component", "llm_client").Logger(),
	}

	policy := retry.DefaultPolicy()
	if cfg.Retries >= 0 {
		policy.MaxAttempts = cfg.Retries + 1
	}
	retrier.RegisterPolicy("llm", policy)

	return c, nil
}

// Chat sends the full message set and returns the top choice's text.
func (c *AzureClient) Chat(ctx context.Context, messages []Message, opts Options) (string, error) {
	if len(messages) == 0 {
		return "", errors.New(errors.CodeMissingParameter, "ai", "messages must not be empty", nil)
	}

	deployment := c.cfg.Model
	if opts.Model != "" {
		deployment = opts.Model
	}
	temperature := c.cfg.Temperature
	if opts.Temperature != 0 {
		temperature = opts.Temperature
	}
	maxTokens := c.cfg.MaxTokens
	if opts.MaxTokens != 0 {
		maxTokens = opts.MaxTokens
	}

	wire := make([]azopenai.ChatRequestMessageClassification, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			wire = append(wire, &azopenai.ChatRequestSystemMessage{
				Content: azopenai.NewChatRequestSystemMessageContent(m.Content),
			})
		case RoleAssistant:
			wire = append(wire, &azopenai.ChatRequestAssistantMessage{
				Content: azopenai.NewChatRequestAssistantMessageContent(m.Content),
			})
		case RoleUser:
			wire = append(wire, &azopenai.ChatRequestUserMessage{
				Content: azopenai.NewChatRequestUserMessageContent(m.Content),
			})
		default:
			return "", errors.New(errors.CodeInvalidParameter, "ai",
				fmt.Sprintf("unknown message role %q", m.Role), nil)
		}
	}

	// The overall deadline bounds every retry attempt together.
	deadlineCtx := ctx
	if c.cfg.TotalDeadline > 0 {
		var cancel context.CancelFunc
		deadlineCtx, cancel = context.WithTimeout(ctx, c.cfg.TotalDeadline)
		defer cancel()
	}

	var content string
	err := c.retrier.Execute(deadlineCtx, "llm", func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return errors.New(errors.CodeTimeout, "ai", "rate limiter wait aborted", err)
		}

		attemptCtx := ctx
		if c.cfg.RequestTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
			defer cancel()
		}

		resp, err := c.client.GetChatCompletions(attemptCtx, azopenai.ChatCompletionsOptions{
			DeploymentName: to.Ptr(deployment),
			Messages:       wire,
			Temperature:    to.Ptr(temperature),
			MaxTokens:      to.Ptr(int32(maxTokens)),
		}, nil)
		if err != nil {
			return classifyProviderError(err)
		}

		if resp.Usage != nil {
			c.record(TokenUsage{
				PromptTokens:     int(deref(resp.Usage.PromptTokens)),
				CompletionTokens: int(deref(resp.Usage.CompletionTokens)),
				TotalTokens:      int(deref(resp.Usage.TotalTokens)),
			})
		}

		if len(resp.Choices) == 0 || resp.Choices[0].Message == nil || resp.Choices[0].Message.Content == nil {
			return errors.New(errors.CodeUnavailable, "ai", "no completion received from LLM", nil)
		}
		content = *resp.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		return "", err
	}

	c.logger.Debug().
		Str("deployment", deployment).
		Int("messages", len(messages)).
		Int("response_chars", len(content)).
		Msg("chat completion succeeded")
	return content, nil
}

func deref(p *int32) int32 {
	if p == nil {
		return 0
	}
	return *p
}

// classifyProviderError maps provider failures onto the error taxonomy so
// the retry layer can tell transient from permanent.
func classifyProviderError(err error) error {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.New(errors.CodeTimeout, "ai", "chat completion timed out", err)
	}
	if stderrors.Is(err, context.Canceled) {
		return errors.New(errors.CodeTimeout, "ai", "chat completion canceled", err)
	}

	var respErr *azcore.ResponseError
	if stderrors.As(err, &respErr) {
		switch {
		case respErr.StatusCode == 429:
			return errors.New(errors.CodeRateLimited, "ai", "provider rate limit", err)
		case respErr.StatusCode == 408 || respErr.StatusCode >= 500:
			return errors.New(errors.CodeUnavailable, "ai",
				fmt.Sprintf("provider returned %d", respErr.StatusCode), err)
		case respErr.StatusCode == 401 || respErr.StatusCode == 403:
			return errors.New(errors.CodeUnauthenticated, "ai", "provider rejected credentials", err)
		default:
			return errors.New(errors.CodeValidationFailed, "ai",
				fmt.Sprintf("provider rejected request with %d", respErr.StatusCode), err)
		}
	}

	return errors.New(errors.CodeNetworkError, "ai", "chat completion failed", err)
}
