package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/loomhq/loom/internal/engine"
	"github.com/loomhq/loom/pkg/models"
)

// OpenAIProvider adapts the Chat Completions API to the engine provider
// contract.
type OpenAIProvider struct {
	client       *openai.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

// OpenAIConfig configures an OpenAIProvider. Only APIKey is required.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string

	// MaxRetries caps retry attempts for transient failures. Default: 3.
	MaxRetries int

	// RetryDelay is the base backoff between attempts. Default: 1s.
	RetryDelay time.Duration

	DefaultModel string
}

// NewOpenAIProvider validates the config and builds the SDK client.
func NewOpenAIProvider(config OpenAIConfig) (*OpenAIProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "gpt-4o"
	}

	var client *openai.Client
	if strings.TrimSpace(config.BaseURL) != "" {
		clientConfig := openai.DefaultConfig(config.APIKey)
		clientConfig.BaseURL = config.BaseURL
		client = openai.NewClientWithConfig(clientConfig)
	} else {
		client = openai.NewClient(config.APIKey)
	}

	return &OpenAIProvider{
		client:       client,
		maxRetries:   config.MaxRetries,
		retryDelay:   config.RetryDelay,
		defaultModel: config.DefaultModel,
	}, nil
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Call sends one chat completion request and maps the response.
func (p *OpenAIProvider) Call(ctx context.Context, req *engine.Request) (*engine.Response, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: p.convertMessages(flatten(req.History), joinSystemPrompts(req.SystemPrompts)),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = p.convertTools(req.Tools)
	}

	var resp openai.ChatCompletionResponse
	err := retryCall(ctx, p.maxRetries, p.retryDelay, func() error {
		var callErr error
		resp, callErr = p.client.CreateChatCompletion(ctx, chatReq)
		if callErr != nil {
			return p.wrapError(callErr, model)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, NewAPIError("openai", model, errors.New("response contained no choices"))
	}

	return p.convertResponse(resp), nil
}

// convertMessages maps flattened history to chat messages. Unlike
// Anthropic, tool results travel as separate role=tool messages keyed by
// the originating call ID.
func (p *OpenAIProvider) convertMessages(history []flatMessage, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range history {
		role := openai.ChatMessageRoleUser
		if msg.Role == models.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}

		if msg.Text != "" || len(msg.ToolCalls) > 0 {
			chatMsg := openai.ChatCompletionMessage{
				Role:    role,
				Content: msg.Text,
			}
			for _, call := range msg.ToolCalls {
				chatMsg.ToolCalls = append(chatMsg.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: string(call.Input),
					},
				})
			}
			result = append(result, chatMsg)
		}

		for _, toolResult := range msg.ToolResults {
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: toolResult.ToolCallID,
				Content:    resultText(toolResult),
			})
		}
	}
	return result
}

func (p *OpenAIProvider) convertTools(tools []engine.ToolDef) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.InputSchema, &schemaMap); err != nil {
			schemaMap = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaMap,
			},
		}
	}
	return result
}

func (p *OpenAIProvider) convertResponse(resp openai.ChatCompletionResponse) *engine.Response {
	out := &engine.Response{
		Usage: engine.Usage{
			InputTokens:  int64(resp.Usage.PromptTokens),
			OutputTokens: int64(resp.Usage.CompletionTokens),
		},
	}
	if resp.Usage.PromptTokensDetails != nil {
		out.Usage.CacheReadTokens = int64(resp.Usage.PromptTokensDetails.CachedTokens)
	}

	choice := resp.Choices[0].Message
	if choice.Content != "" {
		out.TextParts = append(out.TextParts, choice.Content)
	}
	for _, call := range choice.ToolCalls {
		input := call.Function.Arguments
		if input == "" {
			input = "{}"
		}
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:    call.ID,
			Name:  call.Function.Name,
			Input: json.RawMessage(input),
			State: models.StateComplete,
		})
	}
	return out
}

func (p *OpenAIProvider) wrapError(err error, model string) error {
	var existing *APIError
	if errors.As(err, &existing) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		wrapped := NewAPIError("openai", model, err).
			WithStatus(apiErr.HTTPStatusCode).
			WithMessage(apiErr.Message)
		if code, ok := apiErr.Code.(string); ok && code != "" {
			wrapped = wrapped.WithCode(code)
		}
		return wrapped
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return NewAPIError("openai", model, err).
			WithStatus(reqErr.HTTPStatusCode).
			WithMessage(fmt.Sprintf("request failed: %v", reqErr.Err))
	}

	return NewAPIError("openai", model, err)
}
