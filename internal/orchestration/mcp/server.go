// Package mcp implements the tool server that coordinator agents talk to.
// Tools are registered with a JSON schema and a handler; the transport is
// JSON-RPC 2.0 over HTTP with the standard initialize/tools-list/tools-call
// methods.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/maestro/internal/log"
)

// protocolVersion is the MCP protocol revision this server speaks.
const protocolVersion = "2024-11-05"

// Tool describes a callable tool exposed to agents.
type Tool struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	InputSchema *InputSchema `json:"inputSchema,omitempty"`
}

// InputSchema is a JSON-schema object describing a tool's arguments.
type InputSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties,omitempty"`
	Required   []string            `json:"required,omitempty"`
}

// Property is one argument in a tool's input schema.
type Property struct {
	Type        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	Enum        []string  `json:"enum,omitempty"`
	Items       *Property `json:"items,omitempty"`
}

// ToolHandler executes one tool call. Returning an error produces a
// JSON-RPC error; returning a result with IsError set produces a tool-level
// failure the agent can read and react to.
type ToolHandler func(ctx context.Context, args json.RawMessage) (*ToolCallResult, error)

// ToolCallResult is the content returned from a tool call.
type ToolCallResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Content is a single content block. Only text blocks are produced here.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// SuccessResult wraps plain text in a successful tool result.
func SuccessResult(text string) *ToolCallResult {
	return &ToolCallResult{Content: []Content{{Type: "text", Text: text}}}
}

// ErrorResult wraps plain text in a failed tool result.
func ErrorResult(text string) *ToolCallResult {
	return &ToolCallResult{Content: []Content{{Type: "text", Text: text}}, IsError: true}
}

// JSONResult marshals v and wraps it in a tool result. isError marks the
// result as a tool-level failure without losing the structured body.
func JSONResult(v any, isError bool) *ToolCallResult {
	data, err := json.Marshal(v)
	if err != nil {
		return ErrorResult(fmt.Sprintf("encoding response: %v", err))
	}
	return &ToolCallResult{Content: []Content{{Type: "text", Text: string(data)}}, IsError: isError}
}

// Server is the base MCP server: a named tool registry plus the JSON-RPC
// dispatch. Domain servers embed it and register their tools.
type Server struct {
	name         string
	version      string
	instructions string

	mu       sync.RWMutex
	tools    map[string]Tool
	handlers map[string]ToolHandler

	tracer trace.Tracer
}

// ServerOption configures a Server at construction.
type ServerOption func(*Server)

// WithInstructions sets the instructions string advertised during
// initialization.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) { s.instructions = instructions }
}

// NewServer creates a named MCP server with no tools registered.
func NewServer(name, version string, opts ...ServerOption) *Server {
	s := &Server{
		name:     name,
		version:  version,
		tools:    make(map[string]Tool),
		handlers: make(map[string]ToolHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetTracer enables span creation around tool calls.
func (s *Server) SetTracer(tracer trace.Tracer) {
	s.tracer = tracer
}

// RegisterTool adds a tool and its handler. Re-registering a name replaces
// the previous registration.
func (s *Server) RegisterTool(tool Tool, handler ToolHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[tool.Name] = tool
	s.handlers[tool.Name] = handler
}

// Tools returns the registered tools sorted by name.
func (s *Server) Tools() []Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Tool, 0, len(s.tools))
	for _, t := range s.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ErrUnknownTool is returned for calls to unregistered tool names.
var ErrUnknownTool = errors.New("unknown tool")

// CallTool dispatches one tool call by name.
func (s *Server) CallTool(ctx context.Context, name string, args json.RawMessage) (*ToolCallResult, error) {
	s.mu.RLock()
	handler, ok := s.handlers[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "mcp.tool/"+name,
			trace.WithAttributes(attribute.String("mcp.tool.name", name)))
		defer span.End()

		result, err := handler(ctx, args)
		switch {
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case result != nil && result.IsError:
			span.SetStatus(codes.Error, "tool returned error result")
		}
		return result, err
	}

	return handler(ctx, args)
}

// jsonrpcRequest is an incoming JSON-RPC 2.0 request.
type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// jsonrpcResponse is an outgoing JSON-RPC 2.0 response.
type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// JSON-RPC error codes used by the dispatcher.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInternalError  = -32603
)

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ServeHTTP handles one JSON-RPC request per POST body.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req jsonrpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResponse(w, jsonrpcResponse{
			JSONRPC: "2.0",
			Error:   &jsonrpcError{Code: codeParseError, Message: err.Error()},
		})
		return
	}

	resp := s.handleRequest(r.Context(), req)
	if resp == nil {
		// Notification: no response body.
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeResponse(w, *resp)
}

func (s *Server) handleRequest(ctx context.Context, req jsonrpcRequest) *jsonrpcResponse {
	if req.JSONRPC != "2.0" {
		return &jsonrpcResponse{
			JSONRPC: "2.0", ID: req.ID,
			Error: &jsonrpcError{Code: codeInvalidRequest, Message: "jsonrpc must be 2.0"},
		}
	}

	switch req.Method {
	case "initialize":
		return &jsonrpcResponse{
			JSONRPC: "2.0", ID: req.ID,
			Result: map[string]any{
				"protocolVersion": protocolVersion,
				"capabilities":    map[string]any{"tools": map[string]any{}},
				"serverInfo":      map[string]any{"name": s.name, "version": s.version},
				"instructions":    s.instructions,
			},
		}

	case "notifications/initialized":
		return nil

	case "ping":
		return &jsonrpcResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{}}

	case "tools/list":
		return &jsonrpcResponse{
			JSONRPC: "2.0", ID: req.ID,
			Result: map[string]any{"tools": s.Tools()},
		}

	case "tools/call":
		var params toolCallParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return &jsonrpcResponse{
				JSONRPC: "2.0", ID: req.ID,
				Error: &jsonrpcError{Code: codeInvalidRequest, Message: err.Error()},
			}
		}
		result, err := s.CallTool(ctx, params.Name, params.Arguments)
		if err != nil {
			code := codeInternalError
			if errors.Is(err, ErrUnknownTool) {
				code = codeMethodNotFound
			}
			return &jsonrpcResponse{
				JSONRPC: "2.0", ID: req.ID,
				Error: &jsonrpcError{Code: code, Message: err.Error()},
			}
		}
		return &jsonrpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result}

	default:
		return &jsonrpcResponse{
			JSONRPC: "2.0", ID: req.ID,
			Error: &jsonrpcError{Code: codeMethodNotFound, Message: "method not found: " + req.Method},
		}
	}
}

func writeResponse(w http.ResponseWriter, resp jsonrpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.ErrorErr(log.CatMCP, "Failed to encode JSON-RPC response", err)
	}
}

// Serve runs the server on addr until ctx is canceled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	log.SafeGo("mcp.serve", func() {
		errCh <- srv.ListenAndServe()
	})

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
