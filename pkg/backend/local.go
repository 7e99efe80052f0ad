package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
)

// LocalConfig configures a LocalAdapter.
type LocalConfig struct {
	Model     string
	ServerURL string
}

// LocalAdapter runs a model behind an Ollama server through langchaingo.
// Local models do not get native tool calling: the tool catalogue travels in
// the instruction and calls come back as <tool_call> blocks in the text.
type LocalAdapter struct {
	cfg LocalConfig

	mu    sync.Mutex
	model llms.Model
}

// NewLocalAdapter creates a local adapter. The Ollama client is created on
// first use.
func NewLocalAdapter(cfg LocalConfig) *LocalAdapter {
	return &LocalAdapter{cfg: cfg}
}

// NewLocalAdapterWithModel wraps an existing langchaingo model.
func NewLocalAdapterWithModel(model llms.Model) *LocalAdapter {
	return &LocalAdapter{model: model}
}

// Name returns the provider name
func (a *LocalAdapter) Name() string {
	return "ollama"
}

// WithModel returns an adapter bound to another local model.
func (a *LocalAdapter) WithModel(model string) Adapter {
	cfg := a.cfg
	cfg.Model = model
	return NewLocalAdapter(cfg)
}

func (a *LocalAdapter) llm() (llms.Model, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.model != nil {
		return a.model, nil
	}

	opts := []ollama.Option{ollama.WithModel(a.cfg.Model)}
	if a.cfg.ServerURL != "" {
		opts = append(opts, ollama.WithServerURL(a.cfg.ServerURL))
	}
	model, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create ollama client: %w", err)
	}
	a.model = model
	return model, nil
}

// Execute sends the conversation and extracts text tool calls from the reply.
func (a *LocalAdapter) Execute(ctx context.Context, req Request) (*Response, error) {
	model, err := a.llm()
	if err != nil {
		return nil, err
	}

	messages := buildLocalMessages(req.History)
	resp, err := model.GenerateContent(ctx, messages)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response choices returned")
	}

	choice := resp.Choices[0]
	calls, text := ExtractToolCalls(choice.Content)

	raw, err := json.Marshal(choice.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to encode assistant turn: %w", err)
	}

	return &Response{
		Content:    text,
		ToolCalls:  calls,
		StopReason: choice.StopReason,
		RawContent: raw,
	}, nil
}

func buildLocalMessages(history []Message) []llms.MessageContent {
	messages := make([]llms.MessageContent, 0, len(history))

	for _, msg := range history {
		switch msg.Role {
		case RoleUser:
			messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, withFileNote(msg.Content, msg.Files)))

		case RoleAssistant:
			text := msg.Content
			if len(msg.RawContent) > 0 {
				var raw string
				if err := json.Unmarshal(msg.RawContent, &raw); err == nil {
					text = raw
				}
			}
			messages = append(messages, llms.TextParts(llms.ChatMessageTypeAI, text))

		case RoleTool:
			var b strings.Builder
			for i, result := range msg.ToolResults {
				if i > 0 {
					b.WriteString("\n")
				}
				status := "ok"
				if result.IsError {
					status = "error"
				}
				fmt.Fprintf(&b, "<tool_result id=%q name=%q status=%q>\n%s\n</tool_result>",
					result.ToolCallID, result.Name, status, result.Output)
			}
			messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, b.String()))
		}
	}

	return messages
}
