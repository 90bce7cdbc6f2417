package mcpgateway

import (
	"encoding/json"
	"maps"
	"sort"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-hub-go/pkg/mcpmgr"
)

const (
	metaKeyServerID   = "mcphub.server_id"
	metaKeyNativeName = "mcphub.native_name"
)

// featureIndex maps the tool names one go-sdk server exposes to the
// upstream tools behind them.
type featureIndex struct {
	ns NamespaceStrategy

	mu    sync.RWMutex
	tools map[string]indexedTool
}

type indexedTool struct {
	target   toolTarget
	upstream *mcp.Tool
}

type toolTarget struct {
	GatewayName string
	ServerID    string
	NativeName  string
}

type toolRegistration struct {
	Tool   *mcp.Tool
	Target toolTarget
}

func newFeatureIndex(ns NamespaceStrategy) *featureIndex {
	return &featureIndex{
		ns:    ns,
		tools: make(map[string]indexedTool),
	}
}

// Rebuild replaces the index with upstream. A name exposed by a single
// server keeps its native name; names shared by several servers are
// namespaced for every server that exposes them. It returns the gateway
// names to unregister and the registrations to (re)add; unchanged tools
// appear in neither.
func (f *featureIndex) Rebuild(upstream []mcpmgr.ServerTool) (removed []string, added []toolRegistration) {
	owners := make(map[string]int, len(upstream))
	for _, st := range upstream {
		if st.Tool != nil {
			owners[st.Tool.Name]++
		}
	}
	next := make(map[string]indexedTool, len(upstream))
	for _, st := range upstream {
		if st.Tool == nil {
			continue
		}
		name := st.Tool.Name
		if owners[name] > 1 {
			name = f.ns.ToolName(st.ServerID, st.Tool.Name)
		}
		next[name] = indexedTool{
			target:   toolTarget{GatewayName: name, ServerID: st.ServerID, NativeName: st.Tool.Name},
			upstream: st.Tool,
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for name, old := range f.tools {
		if cur, ok := next[name]; !ok || cur.target != old.target {
			removed = append(removed, name)
		}
	}
	for name, cur := range next {
		if old, ok := f.tools[name]; ok && old.target == cur.target && old.upstream == cur.upstream {
			continue
		}
		added = append(added, toolRegistration{Tool: cloneTool(cur.upstream, name, cur.target.ServerID), Target: cur.target})
	}
	f.tools = next
	sort.Strings(removed)
	sort.Slice(added, func(i, j int) bool { return added[i].Target.GatewayName < added[j].Target.GatewayName })
	return removed, added
}

// Clear empties the index and returns every name it held.
func (f *featureIndex) Clear() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.tools))
	for name := range f.tools {
		names = append(names, name)
	}
	f.tools = make(map[string]indexedTool)
	sort.Strings(names)
	return names
}

func (f *featureIndex) ToolTarget(name string) (toolTarget, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.tools[name]
	return t.target, ok
}

func (f *featureIndex) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.tools)
}

func cloneTool(tool *mcp.Tool, gatewayName, serverID string) *mcp.Tool {
	if tool == nil {
		return nil
	}
	clone := *tool
	clone.Name = gatewayName
	clone.InputSchema = objectSchema(tool.InputSchema)
	clone.OutputSchema = nil
	clone.Meta = withMeta(tool.Meta, map[string]any{
		metaKeyServerID:   serverID,
		metaKeyNativeName: tool.Name,
	})
	return &clone
}

// objectSchema returns schema when it is a JSON object schema and an empty
// object schema otherwise, since a go-sdk server rejects anything else.
func objectSchema(schema any) any {
	var m map[string]any
	switch v := schema.(type) {
	case map[string]any:
		m = v
	case nil:
	default:
		data, err := json.Marshal(v)
		if err == nil {
			_ = json.Unmarshal(data, &m)
		}
	}
	if m == nil || m["type"] != "object" {
		return map[string]any{"type": "object"}
	}
	return m
}

func withMeta(base map[string]any, extras map[string]any) map[string]any {
	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]any)
	}
	for k, v := range extras {
		out[k] = v
	}
	return out
}
