package provision

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/oauth2"

	"tether/pkg/logging"
)

// MCPLister lists tools over the MCP streamable HTTP transport, authorizing
// with the freshly issued access token.
type MCPLister struct {
	clientName    string
	clientVersion string
}

// NewMCPLister returns a lister that identifies itself as name/version.
func NewMCPLister(name, version string) *MCPLister {
	return &MCPLister{clientName: name, clientVersion: version}
}

// ListTools implements ToolLister.
func (l *MCPLister) ListTools(ctx context.Context, resourceURL, accessToken string) ([]string, error) {
	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		Expiry:      time.Now().Add(time.Hour),
	}))

	mcpClient, err := client.NewStreamableHttpClient(resourceURL, transport.WithHTTPBasicClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create MCP client: %w", err)
	}
	defer mcpClient.Close()

	initResult, err := mcpClient.Initialize(ctx, mcp.InitializeRequest{
		Params: struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Implementation     `json:"clientInfo"`
		}{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    l.clientName,
				Version: l.clientVersion,
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MCP protocol: %w", err)
	}
	logging.Debug("Provision", "Connected to %s %s", initResult.ServerInfo.Name, initResult.ServerInfo.Version)

	result, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}

	names := make([]string, 0, len(result.Tools))
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	return names, nil
}
