package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	protocolVersion = "2024-11-05"

	// DefaultTimeout bounds a single JSON-RPC request.
	DefaultTimeout = 30 * time.Second
)

// ErrClosed is returned for requests on a closed client.
var ErrClosed = errors.New("mcp client closed")

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      *int64      `json:"id,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      *int64          `json:"id"`
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("MCP error (%d): %s", e.Code, e.Message)
}

// Tool is a tool advertised by a server.
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// Content is one item of a tools/call result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Data string `json:"data,omitempty"`
	URI  string `json:"uri,omitempty"`
}

// CallResult is the result of tools/call.
type CallResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError"`
}

// Text joins the textual content of the result.
func (r *CallResult) Text() string {
	parts := make([]string, 0, len(r.Content))
	for _, c := range r.Content {
		switch {
		case c.Text != "":
			parts = append(parts, c.Text)
		case c.URI != "":
			parts = append(parts, c.URI)
		case c.Type != "":
			parts = append(parts, fmt.Sprintf("[%s content]", c.Type))
		}
	}
	return strings.Join(parts, "\n")
}

// Client talks JSON-RPC 2.0 over newline-delimited stdio to one server.
// The process is started lazily on first use.
type Client struct {
	serverID string
	command  string
	args     []string
	timeout  time.Duration
	logger   zerolog.Logger

	startMu sync.Mutex
	started bool
	process *exec.Cmd

	writeMu sync.Mutex

	mu      sync.Mutex
	stdin   io.WriteCloser
	nextID  int64
	pending map[int64]chan *rpcResponse
	closed  bool
	done    chan struct{}
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a client for a server launched as command args.
func NewClient(serverID, command string, args []string, opts ...Option) *Client {
	c := &Client{
		serverID: serverID,
		command:  command,
		args:     args,
		timeout:  DefaultTimeout,
		logger:   log.Logger,
		pending:  make(map[int64]chan *rpcResponse),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("mcp_server", serverID).Logger()
	return c
}

// NewClientWithTransport creates a client over an already connected stream,
// for servers that are not child processes.
func NewClientWithTransport(serverID string, r io.Reader, w io.WriteCloser, opts ...Option) *Client {
	c := NewClient(serverID, "", nil, opts...)
	c.attach(r, w)
	return c
}

// ServerID returns the configured server id.
func (c *Client) ServerID() string {
	return c.serverID
}

func (c *Client) attach(r io.Reader, w io.WriteCloser) {
	c.mu.Lock()
	c.stdin = w
	c.mu.Unlock()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	go c.listen(scanner)
}

// Start launches the server process and performs the initialize handshake.
// It is a no-op once the client is started.
func (c *Client) Start(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	if c.started {
		return nil
	}

	if c.command != "" {
		cmd := exec.Command(c.command, c.args...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return err
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return err
		}
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("failed to start MCP server %s: %w", c.serverID, err)
		}
		c.process = cmd
		c.attach(stdout, stdin)
	}

	if err := c.initialize(ctx); err != nil {
		return err
	}
	c.started = true
	c.logger.Info().Msg("MCP server initialized")
	return nil
}

func (c *Client) listen(scanner *bufio.Scanner) {
	defer c.failPending()

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			c.logger.Error().Err(err).Msg("Failed to unmarshal MCP response")
			continue
		}
		if resp.ID == nil {
			// Server notification.
			continue
		}

		c.mu.Lock()
		ch, exists := c.pending[*resp.ID]
		if exists {
			delete(c.pending, *resp.ID)
		}
		c.mu.Unlock()

		if exists {
			ch <- &resp
		}
	}
}

// failPending unblocks callers once the stream ends.
func (c *Client) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	for id := range c.pending {
		delete(c.pending, id)
	}
}

func (c *Client) initialize(ctx context.Context) error {
	params := map[string]interface{}{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]interface{}{
			"name":    "taskpilot",
			"version": "0.1.0",
		},
	}
	if _, err := c.call(ctx, "initialize", params); err != nil {
		return fmt.Errorf("MCP initialize failed: %w", err)
	}
	return c.notify("notifications/initialized", nil)
}

func (c *Client) write(req rpcRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}

	c.mu.Lock()
	closed, stdin := c.closed, c.stdin
	c.mu.Unlock()
	if closed || stdin == nil {
		return ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = stdin.Write(append(data, '\n'))
	return err
}

func (c *Client) notify(method string, params interface{}) error {
	return c.write(rpcRequest{JSONRPC: "2.0", Method: method, Params: params})
}

func (c *Client) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.nextID++
	id := c.nextID
	ch := make(chan *rpcResponse, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	if err := c.write(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: &id}); err != nil {
		forget()
		return nil, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		forget()
		return nil, context.Cause(ctx)
	case <-c.done:
		return nil, ErrClosed
	case <-timer.C:
		forget()
		return nil, fmt.Errorf("MCP request %s timed out after %s", method, c.timeout)
	}
}

// ListTools returns the tools advertised by the server.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	if err := c.Start(ctx); err != nil {
		return nil, err
	}

	raw, err := c.call(ctx, "tools/list", map[string]interface{}{})
	if err != nil {
		return nil, err
	}

	var listResult struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(raw, &listResult); err != nil {
		return nil, fmt.Errorf("failed to decode tools/list: %w", err)
	}
	return listResult.Tools, nil
}

// CallTool invokes a tool by its server-side name.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (*CallResult, error) {
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]interface{}{}
	}

	raw, err := c.call(ctx, "tools/call", map[string]interface{}{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}

	var result CallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to decode tools/call: %w", err)
	}
	return &result, nil
}

// Close stops the server process and fails outstanding requests.
func (c *Client) Close() error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	stdin := c.stdin
	c.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}

	c.startMu.Lock()
	defer c.startMu.Unlock()
	if c.process != nil && c.process.Process != nil {
		_ = c.process.Process.Kill()
		_ = c.process.Wait()
		c.process = nil
	}
	return nil
}
