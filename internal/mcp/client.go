package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"crewhub/internal/async"
	"crewhub/internal/logging"
)

// ProtocolVersion is the MCP revision this client speaks.
const ProtocolVersion = "2024-11-05"

const callTimeout = 30 * time.Second

// ClientInfo is sent during the initialize handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerInfo is received during the initialize handshake.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerCapabilities describes what the server supports.
type ServerCapabilities struct {
	Tools     map[string]any `json:"tools,omitempty"`
	Resources map[string]any `json:"resources,omitempty"`
	Prompts   map[string]any `json:"prompts,omitempty"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ServerInfo      ServerInfo         `json:"serverInfo"`
	Capabilities    ServerCapabilities `json:"capabilities"`
}

// ToolSchema is one tool definition advertised by a server.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ToolCallResult is the result of calling a tool.
type ToolCallResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// ContentBlock is one piece of content in a tool result.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Text concatenates the text blocks of a result.
func (r *ToolCallResult) Text() string {
	var out string
	for _, block := range r.Content {
		if block.Type == "text" {
			out += block.Text
		}
	}
	return out
}

// Client speaks MCP to one tool server over stdio.
type Client struct {
	serverName   string
	process      *ProcessManager
	idGen        *RequestIDGenerator
	logger       logging.Logger
	mu           sync.RWMutex
	pendingCalls map[any]chan *Response
	initialized  bool
	serverInfo   *ServerInfo
}

// NewClient creates an MCP client for the given server process.
func NewClient(serverName string, process *ProcessManager) *Client {
	return &Client{
		serverName:   serverName,
		process:      process,
		idGen:        NewRequestIDGenerator(),
		pendingCalls: make(map[any]chan *Response),
		logger:       logging.NewComponentLogger(fmt.Sprintf("mcp.client[%s]", serverName)),
	}
}

// Start launches the server process and performs the initialize handshake.
func (c *Client) Start(ctx context.Context) error {
	if err := c.process.Start(ctx); err != nil {
		return fmt.Errorf("start server process: %w", err)
	}

	async.Go(c.logger, "mcp.client.readLoop", c.readLoop)

	if err := c.initialize(ctx); err != nil {
		_ = c.process.Stop(5 * time.Second)
		return fmt.Errorf("initialize handshake: %w", err)
	}
	return nil
}

// Stop tears the connection and server process down.
func (c *Client) Stop() error {
	return c.process.Stop(5 * time.Second)
}

func (c *Client) initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"clientInfo":      ClientInfo{Name: "crewhub", Version: "0.1.0"},
	}
	result, err := c.call(ctx, "initialize", params)
	if err != nil {
		return err
	}

	var init initializeResult
	if err := unmarshalResult(result, &init); err != nil {
		return fmt.Errorf("parse initialize result: %w", err)
	}
	if init.ProtocolVersion != ProtocolVersion {
		c.logger.Warn("protocol version mismatch: client=%s server=%s", ProtocolVersion, init.ProtocolVersion)
	}

	c.mu.Lock()
	c.serverInfo = &init.ServerInfo
	c.initialized = true
	c.mu.Unlock()

	c.logger.Info("initialized with server %s v%s", init.ServerInfo.Name, init.ServerInfo.Version)

	if err := c.notify("notifications/initialized", nil); err != nil {
		c.logger.Warn("initialized notification failed: %v", err)
	}
	return nil
}

// ListTools retrieves the tools advertised by the server.
func (c *Client) ListTools(ctx context.Context) ([]ToolSchema, error) {
	if !c.IsInitialized() {
		return nil, fmt.Errorf("client not initialized")
	}
	result, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}
	var response struct {
		Tools []ToolSchema `json:"tools"`
	}
	if err := unmarshalResult(result, &response); err != nil {
		return nil, fmt.Errorf("parse tools list: %w", err)
	}
	return response.Tools, nil
}

// CallTool executes a tool on the server.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolCallResult, error) {
	if !c.IsInitialized() {
		return nil, fmt.Errorf("client not initialized")
	}
	result, err := c.call(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": arguments,
	})
	if err != nil {
		return nil, fmt.Errorf("tools/call: %w", err)
	}
	var toolResult ToolCallResult
	if err := unmarshalResult(result, &toolResult); err != nil {
		return nil, fmt.Errorf("parse tool result: %w", err)
	}
	return &toolResult, nil
}

// IsInitialized reports whether the handshake completed.
func (c *Client) IsInitialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

// call sends a request and waits for its response.
func (c *Client) call(ctx context.Context, method string, params map[string]any) (any, error) {
	id := c.idGen.Next()
	data, err := Marshal(NewRequest(id, method, params))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	data = append(data, '\n')

	respChan := make(chan *Response, 1)
	c.mu.Lock()
	c.pendingCalls[id] = respChan
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pendingCalls, id)
		c.mu.Unlock()
	}()

	if err := c.process.Write(data); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case resp := <-respChan:
		if resp.IsError() {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("request cancelled: %w", ctx.Err())
	case <-time.After(callTimeout):
		return nil, fmt.Errorf("request timeout after %v", callTimeout)
	}
}

func (c *Client) notify(method string, params map[string]any) error {
	data, err := Marshal(NewNotification(method, params))
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return c.process.Write(append(data, '\n'))
}

// readLoop routes line-delimited responses to waiting callers.
func (c *Client) readLoop() {
	scanner := bufio.NewScanner(c.process.Stdout())
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		resp, err := UnmarshalResponse(scanner.Bytes())
		if err != nil {
			c.logger.Error("unmarshal response: %v", err)
			continue
		}

		c.mu.RLock()
		ch, ok := c.pendingCalls[resp.ID]
		c.mu.RUnlock()
		if !ok {
			c.logger.Warn("no pending call for response id=%v", resp.ID)
			continue
		}
		select {
		case ch <- resp:
		default:
			c.logger.Warn("response channel full, dropping id=%v", resp.ID)
		}
	}
	if err := scanner.Err(); err != nil {
		c.logger.Error("read loop error: %v", err)
	}
}

func unmarshalResult(result any, target any) error {
	data, err := Marshal(result)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}
