package mcpgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-hub-go/pkg/mcperr"
	"github.com/vikashloomba/mcp-hub-go/pkg/mcpmgr"
)

// MaxDiscoverResults caps the matches returned by discover_tools.
const MaxDiscoverResults = 20

const (
	toolDiscover    = "discover_tools"
	toolCall        = "call_tool"
	toolListServers = "list_servers"
)

// ToolMatch is one discover_tools result.
type ToolMatch struct {
	ServerID    string `json:"serverId"`
	ServerName  string `json:"serverName"`
	Name        string `json:"name"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Parameters  string `json:"parameters"`
	InputSchema any    `json:"inputSchema,omitempty"`

	score int
}

// SearchTools ranks tools against query. Every whitespace separated term
// must occur, case-insensitively, in the tool's name or description. Name
// hits weigh twice description hits and an exact name match ranks first;
// ties are ordered by server id then tool name.
func SearchTools(tools []mcpmgr.ServerTool, query string, limit int) []ToolMatch {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil
	}
	exact := strings.Join(terms, " ")
	var out []ToolMatch
	for _, st := range tools {
		if st.Tool == nil {
			continue
		}
		name := strings.ToLower(st.Tool.Name)
		desc := strings.ToLower(st.Tool.Description)
		score := 0
		matched := true
		for _, term := range terms {
			hit := false
			if strings.Contains(name, term) {
				score += 2
				hit = true
			}
			if strings.Contains(desc, term) {
				score++
				hit = true
			}
			if !hit {
				matched = false
				break
			}
		}
		if !matched {
			continue
		}
		if name == exact {
			score += 10
		}
		out = append(out, ToolMatch{
			ServerID:    st.ServerID,
			ServerName:  st.ServerName,
			Name:        st.Tool.Name,
			Title:       st.Tool.Title,
			Description: st.Tool.Description,
			Parameters:  summarizeParams(st.Tool.InputSchema),
			InputSchema: st.Tool.InputSchema,
			score:       score,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		if out[i].ServerID != out[j].ServerID {
			return out[i].ServerID < out[j].ServerID
		}
		return out[i].Name < out[j].Name
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// summarizeParams renders an input schema as
// "query (string, required), limit (integer)".
func summarizeParams(schema any) string {
	m, ok := objectSchema(schema).(map[string]any)
	if !ok {
		return ""
	}
	props, _ := m["properties"].(map[string]any)
	if len(props) == 0 {
		return ""
	}
	required := map[string]bool{}
	if list, ok := m["required"].([]any); ok {
		for _, v := range list {
			if s, ok := v.(string); ok {
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
		if prop, ok := props[name].(map[string]any); ok {
			if t, ok := prop["type"].(string); ok {
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

// ServerSummary is one list_servers entry.
type ServerSummary struct {
	ServerID   string   `json:"serverId"`
	ServerName string   `json:"serverName"`
	State      string   `json:"state"`
	ToolCount  int      `json:"toolCount"`
	Tools      []string `json:"tools,omitempty"`
	Error      string   `json:"error,omitempty"`
}

func discoveryTools() []*mcp.Tool {
	return []*mcp.Tool{
		{
			Name:        toolDiscover,
			Description: "Search for available tools across all connected MCP servers. Returns matching tools with their input schemas so you can call them immediately via call_tool.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "Search terms matched against tool names and descriptions. All terms must match (case-insensitive).",
					},
				},
				"required": []string{"query"},
			},
		},
		{
			Name:        toolCall,
			Description: "Call a tool on a specific MCP server. Use discover_tools first to find the serverId and toolName.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"serverId":  map[string]any{"type": "string", "description": "The server hosting the tool."},
					"toolName":  map[string]any{"type": "string", "description": "The tool to call."},
					"arguments": map[string]any{"type": "object", "description": "Arguments matching the tool's inputSchema."},
				},
				"required": []string{"serverId", "toolName"},
			},
		},
		{
			Name:        toolListServers,
			Description: "List the configured MCP servers with their state and tool names.",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		},
	}
}

func (g *Gateway) registerDiscoveryTools(server *mcp.Server) {
	for _, tool := range discoveryTools() {
		var handler mcp.ToolHandler
		switch tool.Name {
		case toolDiscover:
			handler = g.handleDiscover
		case toolCall:
			handler = g.handleCallTool
		case toolListServers:
			handler = g.handleListServers
		}
		server.AddTool(tool, g.gated(ModeDiscovery, handler))
	}
}

func (g *Gateway) handleDiscover(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		Query string `json:"query"`
	}
	if err := unmarshalArgs(req, &args); err != nil {
		return toolError(err.Error()), nil
	}
	if strings.TrimSpace(args.Query) == "" {
		return toolError("missing required argument: query"), nil
	}
	matches := SearchTools(g.manager.AllTools(), args.Query, MaxDiscoverResults)
	if len(matches) == 0 {
		return toolText(fmt.Sprintf("No tools found matching %q. Try broader terms or use list_servers to see available servers.", args.Query)), nil
	}
	return toolJSON(matches)
}

func (g *Gateway) handleListServers(context.Context, *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snaps := g.manager.Snapshots()
	out := make([]ServerSummary, 0, len(snaps))
	for _, snap := range snaps {
		summary := ServerSummary{
			ServerID:   snap.ID,
			ServerName: snap.Config.DisplayName(),
			State:      string(snap.State),
			ToolCount:  snap.ToolCount,
			Error:      snap.Error,
		}
		for _, tool := range g.manager.Tools(snap.ID) {
			summary.Tools = append(summary.Tools, tool.Name)
		}
		out = append(out, summary)
	}
	if len(out) == 0 {
		return toolText("No servers are configured."), nil
	}
	return toolJSON(out)
}

func (g *Gateway) handleCallTool(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		ServerID  string         `json:"serverId"`
		ToolName  string         `json:"toolName"`
		Arguments map[string]any `json:"arguments,omitempty"`
	}
	if err := unmarshalArgs(req, &args); err != nil {
		return toolError(err.Error()), nil
	}
	if args.ServerID == "" || args.ToolName == "" {
		return toolError("missing required arguments: serverId and toolName"), nil
	}
	snap, ok := g.manager.Snapshot(args.ServerID)
	if !ok {
		return toolError(fmt.Sprintf("No server found with id %q", args.ServerID)), nil
	}
	if snap.State != mcpmgr.StateConnected {
		return toolError(fmt.Sprintf("Server %q is not connected (state: %s)", snap.Config.DisplayName(), snap.State)), nil
	}
	res, err := g.proxyCall(ctx, req, args.ServerID, args.ToolName, args.Arguments)
	if err != nil {
		if errors.Is(err, mcperr.ErrNotConnected) {
			return toolError(fmt.Sprintf("Server %q is not connected", snap.Config.DisplayName())), nil
		}
		return g.withSchema(toolError("Tool call failed: "+mcperr.SanitizeError(err)), args.ServerID, args.ToolName), nil
	}
	if res.IsError {
		return g.withSchema(res, args.ServerID, args.ToolName), nil
	}
	return res, nil
}

// withSchema appends the tool's expected input schema to an error result so
// the caller can correct its arguments.
func (g *Gateway) withSchema(res *mcp.CallToolResult, serverID, toolName string) *mcp.CallToolResult {
	var schema any
	for _, tool := range g.manager.Tools(serverID) {
		if tool.Name == toolName {
			schema = tool.InputSchema
			break
		}
	}
	if schema == nil {
		return res
	}
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return res
	}
	out := *res
	out.Content = append(append([]mcp.Content(nil), res.Content...), &mcp.TextContent{
		Text: fmt.Sprintf("Expected inputSchema for %q:\n%s", toolName, data),
	})
	out.IsError = true
	return &out
}

func unmarshalArgs(req *mcp.CallToolRequest, v any) error {
	if req == nil || req.Params == nil || len(req.Params.Arguments) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Params.Arguments, v); err != nil {
		return fmt.Errorf("invalid arguments: %v", err)
	}
	return nil
}

func toolText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

func toolError(text string) *mcp.CallToolResult {
	res := toolText(text)
	res.IsError = true
	return res
}

func toolJSON(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcpgateway: encode result: %w", err)
	}
	return toolText(string(data)), nil
}
