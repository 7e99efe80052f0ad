package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicConfig configures an AnthropicAdapter.
type AnthropicConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
}

// AnthropicAdapter implements Adapter for Anthropic Claude. Tool calls are
// native tool_use blocks; the raw assistant message is returned so the next
// round can replay it exactly.
type AnthropicAdapter struct {
	client    anthropic.Client
	model     string
	maxTokens int
}

// NewAnthropicAdapter creates a new Anthropic adapter. SDK-level retries are
// disabled so rate limits reach the retry controller.
func NewAnthropicAdapter(cfg AnthropicConfig) *AnthropicAdapter {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &AnthropicAdapter{
		client:    anthropic.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: maxTokens,
	}
}

// Name returns the provider name
func (a *AnthropicAdapter) Name() string {
	return "anthropic"
}

// WithModel returns a copy using the given model.
func (a *AnthropicAdapter) WithModel(model string) Adapter {
	clone := *a
	clone.model = model
	return &clone
}

// Execute makes one Messages API call.
func (a *AnthropicAdapter) Execute(ctx context.Context, req Request) (*Response, error) {
	messages, err := a.buildMessages(req.History)
	if err != nil {
		return nil, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		Messages:  messages,
		MaxTokens: int64(a.maxTokens),
	}
	if len(req.Tools) > 0 {
		params.Tools = a.buildTools(req.Tools)
	}

	message, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, a.mapError(err)
	}

	resp := &Response{
		StopReason: string(message.StopReason),
		RawContent: json.RawMessage(message.RawJSON()),
		Usage: &TokenUsage{
			InputTokens:  int(message.Usage.InputTokens),
			OutputTokens: int(message.Usage.OutputTokens),
		},
	}

	var text strings.Builder
	for _, block := range message.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(b.Text)
		case anthropic.ToolUseBlock:
			input, err := decodeArguments(b.Input)
			if err != nil {
				return nil, fmt.Errorf("failed to parse tool input: %w", err)
			}
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:    b.ID,
				Name:  b.Name,
				Input: input,
			})
		}
	}
	resp.Content = text.String()

	return resp, nil
}

func (a *AnthropicAdapter) buildMessages(history []Message) ([]anthropic.MessageParam, error) {
	messages := make([]anthropic.MessageParam, 0, len(history))

	for _, msg := range history {
		switch msg.Role {
		case RoleUser:
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(withFileNote(msg.Content, msg.Files)),
			))

		case RoleAssistant:
			if len(msg.RawContent) > 0 {
				var raw anthropic.Message
				if err := json.Unmarshal(msg.RawContent, &raw); err != nil {
					return nil, fmt.Errorf("failed to replay assistant turn: %w", err)
				}
				messages = append(messages, raw.ToParam())
				continue
			}

			blocks := []anthropic.ContentBlockParamUnion{}
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Input, tc.Name))
			}
			messages = append(messages, anthropic.NewAssistantMessage(blocks...))

		case RoleTool:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.ToolResults))
			for _, result := range msg.ToolResults {
				blocks = append(blocks, anthropic.NewToolResultBlock(result.ToolCallID, result.Output, result.IsError))
			}
			messages = append(messages, anthropic.NewUserMessage(blocks...))
		}
	}

	return messages, nil
}

func (a *AnthropicAdapter) buildTools(specs []ToolSpec) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		schema := anthropic.ToolInputSchemaParam{
			Properties: spec.InputSchema["properties"],
		}
		schema.Required = requiredFields(spec.InputSchema)

		tool := anthropic.ToolParam{
			Name:        spec.Name,
			Description: anthropic.String(spec.Description),
			InputSchema: schema,
		}
		tools = append(tools, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return tools
}

func (a *AnthropicAdapter) mapError(err error) error {
	var apiErr *anthropic.Error
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

func requiredFields(schema map[string]interface{}) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []interface{}:
		out := make([]string, 0, len(req))
		for _, v := range req {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// withFileNote lists attachment names under the instruction. Loading file
// contents is the caller's concern.
func withFileNote(content string, files []string) string {
	if len(files) == 0 {
		return content
	}
	return fmt.Sprintf("%s\n\nAttached files: %s", content, strings.Join(files, ", "))
}
