package mcpgateway

import "fmt"

// NamespaceStrategy generates the downstream name of an upstream tool when
// two servers expose the same name on the aggregate route. Implementations
// must be deterministic and collision-free for a given serverID/name pair.
type NamespaceStrategy interface {
	ToolName(serverID, toolName string) string
}

// ServerPrefixNamespace prefixes a tool name with the originating server
// ID, separating fields with a configurable delimiter (defaults to "__" to
// stay within the MCP tool name character guidance).
type ServerPrefixNamespace struct {
	Separator string
}

func (s ServerPrefixNamespace) separator() string {
	if s.Separator == "" {
		return "__"
	}
	return s.Separator
}

func (s ServerPrefixNamespace) ToolName(serverID, toolName string) string {
	return fmt.Sprintf("%s%s%s", serverID, s.separator(), toolName)
}
