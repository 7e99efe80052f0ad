package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIConfig configures an OpenAIAdapter.
type OpenAIConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
}

// OpenAIAdapter implements Adapter for OpenAI chat completions.
type OpenAIAdapter struct {
	client    openai.Client
	model     string
	maxTokens int
}

// NewOpenAIAdapter creates a new OpenAI adapter
func NewOpenAIAdapter(cfg OpenAIConfig) *OpenAIAdapter {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIAdapter{
		client:    openai.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
	}
}

// Name returns the provider name
func (a *OpenAIAdapter) Name() string {
	return "openai"
}

// WithModel returns a copy using the given model.
func (a *OpenAIAdapter) WithModel(model string) Adapter {
	clone := *a
	clone.model = model
	return &clone
}

// Execute makes one chat completion call.
func (a *OpenAIAdapter) Execute(ctx context.Context, req Request) (*Response, error) {
	messages, err := a.buildMessages(req.History)
	if err != nil {
		return nil, err
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(a.model),
		Messages: messages,
	}
	if a.maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(a.maxTokens))
	}
	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, spec := range req.Tools {
			tools = append(tools, openai.ChatCompletionToolParam{
				Function: openai.FunctionDefinitionParam{
					Name:        spec.Name,
					Description: openai.String(spec.Description),
					Parameters:  openai.FunctionParameters(spec.InputSchema),
				},
			})
		}
		params.Tools = tools
	}

	completion, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, a.mapError(err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("no response choices returned")
	}

	choice := completion.Choices[0]
	resp := &Response{
		Content:    choice.Message.Content,
		StopReason: choice.FinishReason,
		RawContent: json.RawMessage(choice.Message.RawJSON()),
		Usage: &TokenUsage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
		},
	}

	for _, tc := range choice.Message.ToolCalls {
		input, err := decodeArguments(json.RawMessage(tc.Function.Arguments))
		if err != nil {
			return nil, fmt.Errorf("failed to parse tool arguments: %w", err)
		}
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		})
	}

	return resp, nil
}

func (a *OpenAIAdapter) buildMessages(history []Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history))

	for _, msg := range history {
		switch msg.Role {
		case RoleUser:
			messages = append(messages, openai.UserMessage(withFileNote(msg.Content, msg.Files)))

		case RoleAssistant:
			if len(msg.RawContent) > 0 {
				var raw openai.ChatCompletionMessage
				if err := json.Unmarshal(msg.RawContent, &raw); err != nil {
					return nil, fmt.Errorf("failed to replay assistant turn: %w", err)
				}
				messages = append(messages, raw.ToParam())
				continue
			}
			if len(msg.ToolCalls) == 0 {
				messages = append(messages, openai.AssistantMessage(msg.Content))
				continue
			}

			toolCalls := make([]openai.ChatCompletionMessageToolCall, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				args, err := json.Marshal(tc.Input)
				if err != nil {
					return nil, fmt.Errorf("failed to marshal tool parameters: %w", err)
				}
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunction{
						Name:      tc.Name,
						Arguments: string(args),
					},
				})
			}
			assistant := openai.ChatCompletionMessage{
				Role:      "assistant",
				Content:   msg.Content,
				ToolCalls: toolCalls,
			}
			messages = append(messages, assistant.ToParam())

		case RoleTool:
			for _, result := range msg.ToolResults {
				content := result.Output
				if result.IsError {
					content = "Error: " + content
				}
				messages = append(messages, openai.ToolMessage(content, result.ToolCallID))
			}
		}
	}

	return messages, nil
}

func (a *OpenAIAdapter) mapError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		var header http.Header
		if apiErr.Response != nil {
			header = apiErr.Response.Header
		}
		return &RateLimitError{
			Provider:   a.Name(),
			RetryAfter: RetryAfterFromHeader(header),
			Err:        err,
		}
	}
	return err
}
