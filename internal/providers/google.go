package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/loomhq/loom/internal/engine"
	"github.com/loomhq/loom/pkg/models"
)

// GoogleProvider adapts the Gemini API to the engine provider contract.
//
// Gemini function calls carry no call IDs and function responses are keyed
// by name, so the adapter mints IDs itself and resolves names from history
// when sending results back.
type GoogleProvider struct {
	client       *genai.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
	xmlTools     bool
}

// GoogleConfig configures a GoogleProvider. Only APIKey is required.
type GoogleConfig struct {
	APIKey string

	// MaxRetries caps retry attempts for transient failures. Default: 3.
	MaxRetries int

	// RetryDelay is the base backoff between attempts. Default: 1s.
	RetryDelay time.Duration

	DefaultModel string

	// XMLTools advertises tools as XML tags in the system prompt and
	// parses calls out of response text, instead of using native function
	// calling. For models whose function-call support is unreliable.
	XMLTools bool
}

// NewGoogleProvider validates the config and builds the Gen AI client.
func NewGoogleProvider(ctx context.Context, config GoogleConfig) (*GoogleProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("google: API key is required")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google: failed to create client: %w", err)
	}

	return &GoogleProvider{
		client:       client,
		maxRetries:   config.MaxRetries,
		retryDelay:   config.RetryDelay,
		defaultModel: config.DefaultModel,
		xmlTools:     config.XMLTools,
	}, nil
}

func (p *GoogleProvider) Name() string {
	return "google"
}

// Call sends one generation request and maps the response.
func (p *GoogleProvider) Call(ctx context.Context, req *engine.Request) (*engine.Response, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	history := flatten(req.History)
	contents := p.convertMessages(history)
	config := p.buildConfig(req)

	var resp *genai.GenerateContentResponse
	err := retryCall(ctx, p.maxRetries, p.retryDelay, func() error {
		var callErr error
		resp, callErr = p.client.Models.GenerateContent(ctx, model, contents, config)
		if callErr != nil {
			return NewAPIError("google", model, callErr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, NewAPIError("google", model, errors.New("response contained no candidates"))
	}

	return p.convertResponse(resp, req.Tools), nil
}

func (p *GoogleProvider) buildConfig(req *engine.Request) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}

	system := joinSystemPrompts(req.SystemPrompts)
	if p.xmlTools {
		system = EnhanceSystemPromptXML(system, req.Tools)
	}
	if system != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: system}},
		}
	}

	if req.MaxTokens > 0 {
		maxTokens := min(req.MaxTokens, math.MaxInt32)
		config.MaxOutputTokens = int32(maxTokens)
	}

	if !p.xmlTools && len(req.Tools) > 0 {
		config.Tools = convertGeminiTools(req.Tools)
	}

	return config
}

func (p *GoogleProvider) convertMessages(history []flatMessage) []*genai.Content {
	var result []*genai.Content
	for _, msg := range history {
		content := &genai.Content{Role: genai.RoleUser}
		if msg.Role == models.RoleAssistant {
			content.Role = genai.RoleModel
		}

		if msg.Text != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Text})
		}
		for _, call := range msg.ToolCalls {
			var args map[string]any
			if err := json.Unmarshal(call.Input, &args); err != nil {
				args = make(map[string]any)
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{Name: call.Name, Args: args},
			})
		}
		for _, toolResult := range msg.ToolResults {
			text := resultText(toolResult)
			var response map[string]any
			if err := json.Unmarshal([]byte(text), &response); err != nil {
				response = map[string]any{"result": text, "error": toolResult.IsError}
			}
			name := toolResult.ToolName
			if name == "" {
				name = toolNameForCallID(toolResult.ToolCallID, history)
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{Name: name, Response: response},
			})
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}
	return result
}

func (p *GoogleProvider) convertResponse(resp *genai.GenerateContentResponse, tools []engine.ToolDef) *engine.Response {
	out := &engine.Response{}
	if resp.UsageMetadata != nil {
		out.Usage = engine.Usage{
			InputTokens:     int64(resp.UsageMetadata.PromptTokenCount),
			OutputTokens:    int64(resp.UsageMetadata.CandidatesTokenCount),
			CacheReadTokens: int64(resp.UsageMetadata.CachedContentTokenCount),
		}
	}

	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" {
			out.TextParts = append(out.TextParts, part.Text)
		}
		if part.FunctionCall != nil {
			input, err := json.Marshal(part.FunctionCall.Args)
			if err != nil {
				input = json.RawMessage(`{}`)
			}
			out.ToolCalls = append(out.ToolCalls, models.ToolCall{
				ID:    uuid.NewString(),
				Name:  part.FunctionCall.Name,
				Input: input,
				State: models.StateComplete,
			})
		}
	}

	// XML mode: tool calls ride inline in the text.
	if p.xmlTools && len(out.TextParts) > 0 {
		text, calls := ParseXMLToolCalls(strings.Join(out.TextParts, "\n"), toolNames(tools))
		out.TextParts = nil
		if text != "" {
			out.TextParts = []string{text}
		}
		out.ToolCalls = append(out.ToolCalls, calls...)
	}

	return out
}

// convertGeminiTools maps tool definitions onto Gemini function
// declarations. Tools with unparsable schemas are skipped rather than
// failing the whole request.
func convertGeminiTools(tools []engine.ToolDef) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.InputSchema, &schemaMap); err != nil {
			continue
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  toGeminiSchema(schemaMap),
		})
	}
	if len(declarations) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// toGeminiSchema converts a JSON Schema map to Gemini's Schema type.
func toGeminiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}
	schema := &genai.Schema{}

	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = toGeminiSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = toGeminiSchema(items)
	}
	return schema
}
