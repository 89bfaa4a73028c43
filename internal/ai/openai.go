package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIProvider talks to any OpenAI-compatible chat completions endpoint.
type OpenAIProvider struct {
	client     *openai.Client
	name       string
	model      string
	requireKey bool
	hasKey     bool
}

func NewOpenAIProvider(baseURL, apiKey, model string) *OpenAIProvider {
	return newCompatible("openai", baseURL, apiKey, model, false)
}

// NewOpenRouterProvider is the same client pointed at OpenRouter, which wants
// a key on every call and takes optional attribution headers.
func NewOpenRouterProvider(baseURL, apiKey, model, siteURL, appName string, extra ...option.RequestOption) *OpenAIProvider {
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	if siteURL != "" {
		extra = append(extra, option.WithHeader("HTTP-Referer", siteURL))
	}
	if appName != "" {
		extra = append(extra, option.WithHeader("X-Title", appName))
	}
	return newCompatible("openrouter", baseURL, apiKey, model, true, extra...)
}

func newCompatible(name, baseURL, apiKey, model string, requireKey bool, extra ...option.RequestOption) *OpenAIProvider {
	var options []option.RequestOption
	if baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}
	if apiKey != "" {
		options = append(options, option.WithAPIKey(apiKey))
	}
	// the SDK retries on its own; the funnel decides about retries
	options = append(options, option.WithMaxRetries(0))
	options = append(options, extra...)

	client := openai.NewClient(options...)
	return &OpenAIProvider{
		client:     &client,
		name:       name,
		model:      strings.TrimSpace(model),
		requireKey: requireKey,
		hasKey:     strings.TrimSpace(apiKey) != "",
	}
}

func (p *OpenAIProvider) Chat(ctx context.Context, messages []Message) (Completion, error) {
	if p.requireKey && !p.hasKey {
		return Completion{}, fmt.Errorf("%s: api key is required", p.name)
	}
	if p.model == "" {
		return Completion{}, fmt.Errorf("%s: model is required", p.name)
	}

	params := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			params = append(params, openai.SystemMessage(m.Content))
		case "assistant":
			params = append(params, openai.AssistantMessage(m.Content))
		default:
			params = append(params, openai.UserMessage(m.Content))
		}
	}

	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: params,
		Model:    p.model,
	})
	if err != nil {
		return Completion{}, fmt.Errorf("%s: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, errors.New(p.name + ": empty response")
	}
	return Completion{
		Content: resp.Choices[0].Message.Content,
		Tokens:  int(resp.Usage.TotalTokens),
	}, nil
}
