package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/zypherlabs/zypher/pkg/protocol"
	"github.com/zypherlabs/zypher/pkg/tools"
)

// TransportConnector establishes MCP connections over stdio subprocesses or
// streamable HTTP.
type TransportConnector struct {
	clientName    string
	clientVersion string
	oauth         *OAuthFlow
}

// TransportOption configures a TransportConnector.
type TransportOption func(*TransportConnector)

// WithClientInfo sets the client identity sent during initialization.
func WithClientInfo(name, version string) TransportOption {
	return func(t *TransportConnector) {
		t.clientName = name
		t.clientVersion = version
	}
}

// WithOAuthFlow installs the flow used for endpoints that declare OAuth.
func WithOAuthFlow(flow *OAuthFlow) TransportOption {
	return func(t *TransportConnector) { t.oauth = flow }
}

// NewTransportConnector creates a connector with defaults.
func NewTransportConnector(opts ...TransportOption) *TransportConnector {
	t := &TransportConnector{
		clientName:    "zypher",
		clientVersion: "dev",
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Connect establishes the transport, runs the MCP initialize handshake, and
// returns a live connection.
func (t *TransportConnector) Connect(ctx context.Context, ep Endpoint, auth AuthProvider, onLost func(error)) (Conn, error) {
	var (
		c   *mcpclient.Client
		err error
	)
	switch {
	case ep.Command != nil:
		c, err = t.connectStdio(ctx, ep)
	case ep.Remote != nil:
		c, err = t.connectRemote(ctx, ep, auth)
	default:
		return nil, fmt.Errorf("server %q: no transport configured", ep.ID)
	}
	if err != nil {
		return nil, err
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{
		Name:    t.clientName,
		Version: t.clientVersion,
	}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return nil, fmt.Errorf("initialize failed: %w", err)
	}

	if onLost != nil {
		c.OnConnectionLost(onLost)
	}

	return &mcpConn{client: c, serverID: ep.ID}, nil
}

func (t *TransportConnector) connectStdio(ctx context.Context, ep Endpoint) (*mcpclient.Client, error) {
	c, err := mcpclient.NewStdioMCPClient(ep.Command.Command, envSlice(ep.Command.Env), ep.Command.Args...)
	if err != nil {
		return nil, fmt.Errorf("spawning %q failed: %w", ep.Command.Command, err)
	}
	if err := c.Start(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("starting %q failed: %w", ep.Command.Command, err)
	}
	return c, nil
}

func (t *TransportConnector) connectRemote(ctx context.Context, ep Endpoint, auth AuthProvider) (*mcpclient.Client, error) {
	headers := make(map[string]string, len(ep.Remote.Headers)+1)
	for k, v := range ep.Remote.Headers {
		headers[k] = v
	}

	if ep.Remote.OAuth != nil {
		if t.oauth == nil {
			return nil, fmt.Errorf("server %q requires OAuth but no flow is configured", ep.ID)
		}
		tok, err := t.oauth.Token(ctx, ep.ID, ep.Remote.OAuth, auth)
		if err != nil {
			return nil, fmt.Errorf("authorization failed: %w", err)
		}
		headers["Authorization"] = "Bearer " + tok.AccessToken
	}

	var options []transport.StreamableHTTPCOption
	if len(headers) > 0 {
		options = append(options, transport.WithHTTPHeaders(headers))
	}
	c, err := mcpclient.NewStreamableHttpClient(ep.Remote.URL, options...)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s failed: %w", ep.Remote.URL, err)
	}
	return c, nil
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// mcpConn adapts an mcp-go client to the Conn interface.
type mcpConn struct {
	client   *mcpclient.Client
	serverID string
}

func (c *mcpConn) ListTools(ctx context.Context) ([]ToolInfo, error) {
	resp, err := c.client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		return nil, err
	}
	infos := make([]ToolInfo, 0, len(resp.Tools))
	for _, t := range resp.Tools {
		infos = append(infos, ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schemaToMap(t.InputSchema),
		})
	}
	return infos, nil
}

func (c *mcpConn) CallTool(ctx context.Context, name string, args map[string]any) (*tools.Result, error) {
	req := mcpgo.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	resp, err := c.client.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("tool %s on %s: %w", name, c.serverID, err)
	}
	return normalizeResult(resp), nil
}

func (c *mcpConn) Close() error {
	return c.client.Close()
}

// normalizeResult converts an MCP call result into content blocks. Servers
// that return no content at all still yield a single empty text block so
// downstream consumers always see at least one block.
func normalizeResult(resp *mcpgo.CallToolResult) *tools.Result {
	var blocks []protocol.ContentBlock
	for _, content := range resp.Content {
		switch c := content.(type) {
		case mcpgo.TextContent:
			blocks = append(blocks, &protocol.TextBlock{Text: c.Text})
		case mcpgo.ImageContent:
			blocks = append(blocks, &protocol.ImageBlock{
				Kind:      protocol.ImageSourceBase64,
				MediaType: c.MIMEType,
				Data:      c.Data,
			})
		default:
			// Unknown content kinds degrade to their JSON form.
			if data, err := json.Marshal(content); err == nil {
				blocks = append(blocks, &protocol.TextBlock{Text: string(data)})
			}
		}
	}
	if len(blocks) == 0 {
		blocks = []protocol.ContentBlock{&protocol.TextBlock{Text: ""}}
	}
	return &tools.Result{Content: blocks, IsError: resp.IsError}
}

func schemaToMap(schema mcpgo.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

var _ Connector = (*TransportConnector)(nil)
