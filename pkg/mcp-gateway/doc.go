// Package mcpgateway is the proxy in front of the servers managed by
// mcpmgr. Downstream MCP clients reach it over Streamable HTTP in one of
// two modes:
//
//   - passthrough: /mcp/{serverId} exposes one connected server with its
//     native tool names, and /mcp exposes every connected server at once,
//     prefixing a tool name with "serverId__" only when several servers
//     share it.
//   - discovery: /mcp/discovery exposes three meta-tools (discover_tools,
//     call_tool, list_servers) so an agent can search the combined tool
//     set instead of loading all of it.
//
// Routes of the inactive mode answer 404. SetMode drains running calls
// before switching. A ?client= query parameter names the caller in the
// manager's call stats.
package mcpgateway
