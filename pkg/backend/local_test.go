package backend

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

type fakeLLM struct {
	replies  []string
	err      error
	received [][]llms.MessageContent
}

func (f *fakeLLM) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	f.received = append(f.received, messages)
	if f.err != nil {
		return nil, f.err
	}
	reply := f.replies[0]
	f.replies = f.replies[1:]
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: reply, StopReason: "stop"}}}, nil
}

func (f *fakeLLM) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func TestLocalAdapter_Execute(t *testing.T) {
	t.Run("should extract text tool calls and keep the raw reply", func(t *testing.T) {
		reply := "Checking.\n<tool_call>{\"id\": \"c1\", \"name\": \"invoke_search\", \"input\": {\"task\": \"q\"}}</tool_call>"
		llm := &fakeLLM{replies: []string{reply}}
		adapter := NewLocalAdapterWithModel(llm)

		resp, err := adapter.Execute(context.Background(), Request{
			History: []Message{{Role: RoleUser, Content: "do it"}},
		})
		require.NoError(t, err)
		require.Len(t, resp.ToolCalls, 1)
		assert.Equal(t, "invoke_search", resp.ToolCalls[0].Name)
		assert.Equal(t, "Checking.", resp.Content)

		var raw string
		require.NoError(t, json.Unmarshal(resp.RawContent, &raw))
		assert.Equal(t, reply, raw)
	})

	t.Run("should replay raw assistant text and render tool results", func(t *testing.T) {
		llm := &fakeLLM{replies: []string{"done"}}
		adapter := NewLocalAdapterWithModel(llm)

		raw, _ := json.Marshal("original <tool_call>{\"name\":\"x\"}</tool_call>")
		_, err := adapter.Execute(context.Background(), Request{
			History: []Message{
				{Role: RoleUser, Content: "task", Files: []string{"a.txt"}},
				{Role: RoleAssistant, Content: "stripped", RawContent: raw},
				{Role: RoleTool, ToolResults: []ToolResult{
					{ToolCallID: "1", Name: "x", Output: "ok"},
					{ToolCallID: "2", Name: "y", Output: "bad", IsError: true},
				}},
			},
		})
		require.NoError(t, err)
		require.Len(t, llm.received, 1)

		msgs := llm.received[0]
		require.Len(t, msgs, 3)
		assert.Equal(t, llms.ChatMessageTypeHuman, msgs[0].Role)
		assert.Contains(t, msgs[0].Parts[0].(llms.TextContent).Text, "Attached files: a.txt")
		assert.Equal(t, llms.ChatMessageTypeAI, msgs[1].Role)
		assert.Equal(t, "original <tool_call>{\"name\":\"x\"}</tool_call>", msgs[1].Parts[0].(llms.TextContent).Text)

		results := msgs[2].Parts[0].(llms.TextContent).Text
		assert.Contains(t, results, `id="1" name="x" status="ok"`)
		assert.Contains(t, results, `id="2" name="y" status="error"`)
		assert.Less(t, strings.Index(results, `id="1"`), strings.Index(results, `id="2"`))
	})

	t.Run("should return model errors", func(t *testing.T) {
		adapter := NewLocalAdapterWithModel(&fakeLLM{err: errors.New("connection refused")})
		_, err := adapter.Execute(context.Background(), Request{History: []Message{{Role: RoleUser, Content: "x"}}})
		assert.EqualError(t, err, "connection refused")
	})
}
