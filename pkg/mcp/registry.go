package mcp

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

// ToolPrefix marks tool names routed to an MCP server.
const ToolPrefix = "mcp__"

// ToolName builds the exposed name of a server tool.
func ToolName(serverID, tool string) string {
	return ToolPrefix + serverID + "__" + tool
}

// ParseToolName splits an exposed name into server id and tool name.
func ParseToolName(name string) (serverID, tool string, ok bool) {
	if !strings.HasPrefix(name, ToolPrefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(name, ToolPrefix)
	idx := strings.Index(rest, "__")
	if idx <= 0 || idx+2 >= len(rest) {
		return "", "", false
	}
	return rest[:idx], rest[idx+2:], true
}

// ServerTool is a tool together with the server that owns it.
type ServerTool struct {
	ServerID string
	Tool     Tool
}

// ExposedName returns the prefixed name.
func (t ServerTool) ExposedName() string {
	return ToolName(t.ServerID, t.Tool.Name)
}

// Registry holds MCP clients by server id and caches their tool schemas.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	tools   map[string]ServerTool
	schemas map[string]*gojsonschema.Schema
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]*Client),
		tools:   make(map[string]ServerTool),
		schemas: make(map[string]*gojsonschema.Schema),
	}
}

// Add registers a client under its server id.
func (r *Registry) Add(client *Client) error {
	if client == nil {
		return fmt.Errorf("mcp client is required")
	}
	id := client.ServerID()
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("mcp server id is required")
	}
	if strings.Contains(id, "__") {
		return fmt.Errorf("mcp server id %q cannot contain '__'", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.clients[id]; exists {
		return fmt.Errorf("mcp server %s already registered", id)
	}
	r.clients[id] = client
	return nil
}

// Client returns the client for a server id.
func (r *Registry) Client(serverID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[serverID]
	return c, ok
}

// Refresh lists the tools of every server. A server that fails to answer is
// logged and skipped.
func (r *Registry) Refresh(ctx context.Context) error {
	r.mu.RLock()
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.RUnlock()

	tools := make(map[string]ServerTool)
	schemas := make(map[string]*gojsonschema.Schema)

	for _, c := range clients {
		list, err := c.ListTools(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			log.Warn().Err(err).Str("mcp_server", c.ServerID()).Msg("Failed to list MCP tools")
			continue
		}
		for _, tool := range list {
			if tool.Name == "" {
				continue
			}
			st := ServerTool{ServerID: c.ServerID(), Tool: tool}
			name := st.ExposedName()
			tools[name] = st

			if len(tool.InputSchema) > 0 {
				schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(tool.InputSchema))
				if err != nil {
					log.Warn().Err(err).Str("tool", name).Msg("Ignoring invalid MCP input schema")
					continue
				}
				schemas[name] = schema
			}
		}
	}

	r.mu.Lock()
	r.tools = tools
	r.schemas = schemas
	r.mu.Unlock()
	return nil
}

// Tools returns the cached tools sorted by exposed name.
func (r *Registry) Tools() []ServerTool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ServerTool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExposedName() < out[j].ExposedName() })
	return out
}

// Call validates args against the tool schema, when known, and invokes the
// tool on its server.
func (r *Registry) Call(ctx context.Context, exposedName string, args map[string]interface{}) (*CallResult, error) {
	serverID, tool, ok := ParseToolName(exposedName)
	if !ok {
		return nil, fmt.Errorf("not an MCP tool name: %s", exposedName)
	}

	client, ok := r.Client(serverID)
	if !ok {
		return nil, fmt.Errorf("unknown MCP server: %s", serverID)
	}

	if err := r.validate(exposedName, args); err != nil {
		return nil, err
	}

	return client.CallTool(ctx, tool, args)
}

func (r *Registry) validate(name string, args map[string]interface{}) error {
	r.mu.RLock()
	schema, ok := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	if args == nil {
		args = map[string]interface{}{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return err
	}
	if !result.Valid() {
		errs := []string{}
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return fmt.Errorf("invalid arguments for %s: %s", name, strings.Join(errs, "; "))
	}
	return nil
}

// Close closes every client.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.clients {
		if err := c.Close(); err != nil {
			log.Warn().Err(err).Str("mcp_server", id).Msg("Failed to close MCP client")
		}
	}
	return nil
}
