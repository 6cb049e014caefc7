package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newEchoServer() *Server {
	s := NewServer("test-server", "0.1.0", WithInstructions("test instructions"))
	s.RegisterTool(Tool{
		Name:        "echo",
		Description: "Echo the message back.",
		InputSchema: &InputSchema{
			Type:       "object",
			Properties: map[string]Property{"message": {Type: "string"}},
			Required:   []string{"message"},
		},
	}, func(_ context.Context, args json.RawMessage) (*ToolCallResult, error) {
		var in struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return ErrorResult(err.Error()), nil
		}
		return SuccessResult(in.Message), nil
	})
	return s
}

func rpc(t *testing.T, ts *httptest.Server, body string) (jsonrpcResponse, int) {
	t.Helper()
	resp, err := http.Post(ts.URL, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var out jsonrpcResponse
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return out, resp.StatusCode
}

func TestServer_Initialize(t *testing.T) {
	ts := httptest.NewServer(newEchoServer())
	defer ts.Close()

	out, code := rpc(t, ts, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	require.Equal(t, http.StatusOK, code)
	require.Nil(t, out.Error)

	result := out.Result.(map[string]any)
	require.Equal(t, protocolVersion, result["protocolVersion"])
	require.Equal(t, "test instructions", result["instructions"])
	info := result["serverInfo"].(map[string]any)
	require.Equal(t, "test-server", info["name"])
}

func TestServer_InitializedNotificationHasNoBody(t *testing.T) {
	ts := httptest.NewServer(newEchoServer())
	defer ts.Close()

	_, code := rpc(t, ts, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	require.Equal(t, http.StatusAccepted, code)
}

func TestServer_ToolsList(t *testing.T) {
	ts := httptest.NewServer(newEchoServer())
	defer ts.Close()

	out, _ := rpc(t, ts, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	require.Nil(t, out.Error)

	result := out.Result.(map[string]any)
	tools := result["tools"].([]any)
	require.Len(t, tools, 1)
	tool := tools[0].(map[string]any)
	require.Equal(t, "echo", tool["name"])
	schema := tool["inputSchema"].(map[string]any)
	require.Equal(t, []any{"message"}, schema["required"])
}

func TestServer_ToolsCall(t *testing.T) {
	ts := httptest.NewServer(newEchoServer())
	defer ts.Close()

	out, _ := rpc(t, ts, `{"jsonrpc":"2.0","id":3,"method":"tools/call",
		"params":{"name":"echo","arguments":{"message":"hello"}}}`)
	require.Nil(t, out.Error)

	var result ToolCallResult
	raw, err := json.Marshal(out.Result)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &result))
	require.False(t, result.IsError)
	require.Equal(t, "hello", result.Content[0].Text)
}

func TestServer_UnknownToolIsMethodNotFound(t *testing.T) {
	ts := httptest.NewServer(newEchoServer())
	defer ts.Close()

	out, _ := rpc(t, ts, `{"jsonrpc":"2.0","id":4,"method":"tools/call",
		"params":{"name":"nonexistent"}}`)
	require.NotNil(t, out.Error)
	require.Equal(t, codeMethodNotFound, out.Error.Code)
}

func TestServer_UnknownMethod(t *testing.T) {
	ts := httptest.NewServer(newEchoServer())
	defer ts.Close()

	out, _ := rpc(t, ts, `{"jsonrpc":"2.0","id":5,"method":"resources/list"}`)
	require.NotNil(t, out.Error)
	require.Equal(t, codeMethodNotFound, out.Error.Code)
}

func TestServer_MalformedRequests(t *testing.T) {
	ts := httptest.NewServer(newEchoServer())
	defer ts.Close()

	out, _ := rpc(t, ts, `{not json`)
	require.NotNil(t, out.Error)
	require.Equal(t, codeParseError, out.Error.Code)

	out, _ = rpc(t, ts, `{"jsonrpc":"1.0","id":6,"method":"ping"}`)
	require.NotNil(t, out.Error)
	require.Equal(t, codeInvalidRequest, out.Error.Code)

	resp, err := http.Get(ts.URL)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServer_Ping(t *testing.T) {
	ts := httptest.NewServer(newEchoServer())
	defer ts.Close()

	out, _ := rpc(t, ts, `{"jsonrpc":"2.0","id":7,"method":"ping"}`)
	require.Nil(t, out.Error)
}

func TestServer_ToolsSortedByName(t *testing.T) {
	s := NewServer("t", "0")
	noop := func(_ context.Context, _ json.RawMessage) (*ToolCallResult, error) {
		return SuccessResult("ok"), nil
	}
	s.RegisterTool(Tool{Name: "zeta"}, noop)
	s.RegisterTool(Tool{Name: "alpha"}, noop)
	s.RegisterTool(Tool{Name: "mid"}, noop)

	tools := s.Tools()
	require.Equal(t, []string{"alpha", "mid", "zeta"}, []string{tools[0].Name, tools[1].Name, tools[2].Name})
}

func TestCallTool_UnknownName(t *testing.T) {
	s := NewServer("t", "0")
	_, err := s.CallTool(context.Background(), "ghost", nil)
	require.ErrorIs(t, err, ErrUnknownTool)
}

func TestJSONResult_MarksErrors(t *testing.T) {
	res := JSONResult(map[string]string{"k": "v"}, true)
	require.True(t, res.IsError)
	require.JSONEq(t, `{"k":"v"}`, res.Content[0].Text)
}
