package mcpclient

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ListTools returns every tool, following nextCursor pagination.
func (c *Client) ListTools(ctx context.Context) ([]*mcp.Tool, error) {
	var (
		tools  []*mcp.Tool
		cursor string
	)
	for page := 0; page < maxPages; page++ {
		var res mcp.ListToolsResult
		if err := c.Call(ctx, "tools/list", &mcp.ListToolsParams{Cursor: cursor}, &res); err != nil {
			return nil, err
		}
		tools = append(tools, res.Tools...)
		if res.NextCursor == "" || res.NextCursor == cursor {
			break
		}
		cursor = res.NextCursor
	}
	return tools, nil
}

// ListResources returns every resource, following nextCursor pagination.
func (c *Client) ListResources(ctx context.Context) ([]*mcp.Resource, error) {
	var (
		resources []*mcp.Resource
		cursor    string
	)
	for page := 0; page < maxPages; page++ {
		var res mcp.ListResourcesResult
		if err := c.Call(ctx, "resources/list", &mcp.ListResourcesParams{Cursor: cursor}, &res); err != nil {
			return nil, err
		}
		resources = append(resources, res.Resources...)
		if res.NextCursor == "" || res.NextCursor == cursor {
			break
		}
		cursor = res.NextCursor
	}
	return resources, nil
}

// CallTool invokes a tool. A non-nil progressToken asks the server to
// report progress through notifications/progress.
func (c *Client) CallTool(ctx context.Context, name string, args any, progressToken any) (*mcp.CallToolResult, error) {
	params := &mcp.CallToolParams{Name: name, Arguments: args}
	if progressToken != nil {
		params.SetProgressToken(progressToken)
	}
	var res mcp.CallToolResult
	if err := c.Call(ctx, "tools/call", params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ReadResource reads one resource by URI.
func (c *Client) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	var res mcp.ReadResourceResult
	if err := c.Call(ctx, "resources/read", &mcp.ReadResourceParams{URI: uri}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Ping checks that the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	return c.Call(ctx, "ping", struct{}{}, nil)
}
