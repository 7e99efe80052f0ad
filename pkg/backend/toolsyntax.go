package backend

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var (
	taggedToolCall = regexp.MustCompile("(?s)<tool_call>\\s*(.*?)\\s*</tool_call>")
	fencedToolCall = regexp.MustCompile("(?s)```tool_call[ \\t]*\\r?\\n(.*?)```")
)

type textToolCall struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Input      json.RawMessage `json:"input"`
	Arguments  json.RawMessage `json:"arguments"`
	Parameters json.RawMessage `json:"parameters"`
}

// ExtractToolCalls pulls tool calls written as text out of a model answer.
// Both <tool_call>{...}</tool_call> tags and ```tool_call fenced blocks are
// recognized; calls are returned in the order they appear. Blocks that do
// not decode are left in the text. The remaining text has the recognized
// blocks removed.
func ExtractToolCalls(text string) ([]ToolCall, string) {
	type match struct {
		start, end int
		payload    string
	}

	var matches []match
	for _, re := range []*regexp.Regexp{taggedToolCall, fencedToolCall} {
		for _, loc := range re.FindAllStringSubmatchIndex(text, -1) {
			matches = append(matches, match{start: loc[0], end: loc[1], payload: text[loc[2]:loc[3]]})
		}
	}
	if len(matches) == 0 {
		return nil, text
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].start < matches[j].start })

	var calls []ToolCall
	var rest strings.Builder
	last := 0
	for _, m := range matches {
		if m.start < last {
			continue
		}
		call, err := decodeTextToolCall(m.payload)
		if err != nil {
			continue
		}
		calls = append(calls, call)
		rest.WriteString(text[last:m.start])
		last = m.end
	}
	rest.WriteString(text[last:])

	return calls, strings.TrimSpace(rest.String())
}

func decodeTextToolCall(payload string) (ToolCall, error) {
	var raw textToolCall
	if err := json.Unmarshal([]byte(strings.TrimSpace(payload)), &raw); err != nil {
		return ToolCall{}, fmt.Errorf("decode tool call: %w", err)
	}
	if raw.Name == "" {
		return ToolCall{}, fmt.Errorf("tool call has no name")
	}

	args := raw.Input
	if len(args) == 0 {
		args = raw.Arguments
	}
	if len(args) == 0 {
		args = raw.Parameters
	}

	input, err := decodeArguments(args)
	if err != nil {
		return ToolCall{}, err
	}

	return ToolCall{ID: raw.ID, Name: raw.Name, Input: input}, nil
}

// decodeArguments accepts an object or a JSON-encoded string holding one.
func decodeArguments(raw json.RawMessage) (map[string]interface{}, error) {
	input := map[string]interface{}{}
	if len(raw) == 0 || string(raw) == "null" {
		return input, nil
	}

	var encoded string
	if err := json.Unmarshal(raw, &encoded); err == nil {
		raw = json.RawMessage(encoded)
	}
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, fmt.Errorf("decode tool arguments: %w", err)
	}
	return input, nil
}

// ToolSchemaExcerpt renders a compact description of the tools for backends
// that write tool calls as text.
func ToolSchemaExcerpt(specs []ToolSpec) string {
	if len(specs) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("You can use tools. To call one, reply with a block of the form\n")
	b.WriteString("<tool_call>{\"name\": \"<tool name>\", \"input\": {<arguments>}}</tool_call>\n")
	b.WriteString("and wait for the result. Answer normally when no tool is needed.\n")
	b.WriteString("Available tools:\n")
	for _, spec := range specs {
		fmt.Fprintf(&b, "- %s: %s", spec.Name, spec.Description)
		if params := describeParams(spec.InputSchema); params != "" {
			fmt.Fprintf(&b, " Params: %s", params)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func describeParams(schema map[string]interface{}) string {
	props, _ := schema["properties"].(map[string]interface{})
	if len(props) == 0 {
		return ""
	}

	required := map[string]bool{}
	switch req := schema["required"].(type) {
	case []string:
		for _, name := range req {
			required[name] = true
		}
	case []interface{}:
		for _, name := range req {
			if s, ok := name.(string); ok {
				required[s] = true
			}
		}
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		typ := "any"
		if p, ok := props[name].(map[string]interface{}); ok {
			if t, ok := p["type"].(string); ok {
				typ = t
			}
		}
		if required[name] {
			parts = append(parts, fmt.Sprintf("%s (%s, required)", name, typ))
		} else {
			parts = append(parts, fmt.Sprintf("%s (%s)", name, typ))
		}
	}
	return strings.Join(parts, ", ")
}
