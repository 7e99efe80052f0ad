package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer answers JSON-RPC requests over in-memory pipes.
type fakeServer struct {
	t       *testing.T
	mu      sync.Mutex
	methods []string
	calls   []map[string]interface{}
	silent  bool
}

func (s *fakeServer) serve(r io.Reader, w io.WriteCloser) {
	defer w.Close()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		var req struct {
			Method string                 `json:"method"`
			Params map[string]interface{} `json:"params"`
			ID     *int64                 `json:"id"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}

		s.mu.Lock()
		s.methods = append(s.methods, req.Method)
		if req.Method == "tools/call" {
			s.calls = append(s.calls, req.Params)
		}
		silent := s.silent
		s.mu.Unlock()

		if req.ID == nil || (silent && req.Method == "tools/call") {
			continue
		}

		var result interface{}
		var rpcErr map[string]interface{}
		switch req.Method {
		case "initialize":
			result = map[string]interface{}{"protocolVersion": protocolVersion, "capabilities": map[string]interface{}{}}
		case "tools/list":
			result = map[string]interface{}{"tools": []interface{}{
				map[string]interface{}{
					"name":        "read_file",
					"description": "Read a file",
					"inputSchema": map[string]interface{}{
						"type":       "object",
						"properties": map[string]interface{}{"path": map[string]interface{}{"type": "string"}},
						"required":   []interface{}{"path"},
					},
				},
				map[string]interface{}{"name": "ping", "description": "Ping"},
			}}
		case "tools/call":
			name, _ := req.Params["name"].(string)
			if name == "explode" {
				rpcErr = map[string]interface{}{"code": -32000, "message": "exploded"}
				break
			}
			result = map[string]interface{}{
				"content": []interface{}{map[string]interface{}{"type": "text", "text": "called " + name}},
				"isError": name == "failing",
			}
		default:
			rpcErr = map[string]interface{}{"code": -32601, "message": "method not found"}
		}

		resp := map[string]interface{}{"jsonrpc": "2.0", "id": *req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		data, _ := json.Marshal(resp)
		if _, err := w.Write(append(data, '\n')); err != nil {
			return
		}
	}
}

func (s *fakeServer) seenMethods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.methods...)
}

func setupTestClient(t *testing.T, opts ...Option) (*Client, *fakeServer) {
	t.Helper()
	clientR, serverW := io.Pipe()
	serverR, clientW := io.Pipe()

	srv := &fakeServer{t: t}
	go srv.serve(serverR, serverW)

	client := NewClientWithTransport("fs", clientR, clientW, opts...)
	t.Cleanup(func() { client.Close() })
	return client, srv
}

func TestClient_Handshake(t *testing.T) {
	client, srv := setupTestClient(t)

	require.NoError(t, client.Start(context.Background()))
	require.NoError(t, client.Start(context.Background()))

	assert.Eventually(t, func() bool {
		return len(srv.seenMethods()) == 2
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"initialize", "notifications/initialized"}, srv.seenMethods())
}

func TestClient_ListTools(t *testing.T) {
	client, _ := setupTestClient(t)

	tools, err := client.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "read_file", tools[0].Name)
	assert.Equal(t, "object", tools[0].InputSchema["type"])
}

func TestClient_CallTool(t *testing.T) {
	client, _ := setupTestClient(t)

	t.Run("should return text content", func(t *testing.T) {
		res, err := client.CallTool(context.Background(), "ping", nil)
		require.NoError(t, err)
		assert.False(t, res.IsError)
		assert.Equal(t, "called ping", res.Text())
	})

	t.Run("should surface tool-level errors as results", func(t *testing.T) {
		res, err := client.CallTool(context.Background(), "failing", nil)
		require.NoError(t, err)
		assert.True(t, res.IsError)
	})

	t.Run("should surface protocol errors", func(t *testing.T) {
		_, err := client.CallTool(context.Background(), "explode", nil)
		var rpcErr *rpcError
		require.True(t, errors.As(err, &rpcErr))
		assert.Equal(t, -32000, rpcErr.Code)
	})
}

func TestClient_Timeout(t *testing.T) {
	client, srv := setupTestClient(t, WithTimeout(50*time.Millisecond))
	require.NoError(t, client.Start(context.Background()))

	srv.mu.Lock()
	srv.silent = true
	srv.mu.Unlock()

	_, err := client.CallTool(context.Background(), "ping", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestClient_ContextCancel(t *testing.T) {
	client, srv := setupTestClient(t)
	require.NoError(t, client.Start(context.Background()))

	srv.mu.Lock()
	srv.silent = true
	srv.mu.Unlock()

	ctx, cancel := context.WithCancelCause(context.Background())
	stop := errors.New("stop")
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel(stop)
	}()

	_, err := client.CallTool(ctx, "ping", nil)
	assert.ErrorIs(t, err, stop)
}

func TestClient_Closed(t *testing.T) {
	client, _ := setupTestClient(t)
	require.NoError(t, client.Close())

	_, err := client.CallTool(context.Background(), "ping", nil)
	assert.Error(t, err)
}
