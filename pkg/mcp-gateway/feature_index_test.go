package mcpgateway

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-hub-go/pkg/mcpmgr"
)

func serverTools(serverID string, tools ...*mcp.Tool) []mcpmgr.ServerTool {
	out := make([]mcpmgr.ServerTool, 0, len(tools))
	for _, tool := range tools {
		out = append(out, mcpmgr.ServerTool{ServerID: serverID, ServerName: serverID, Tool: tool})
	}
	return out
}

func registeredNames(regs []toolRegistration) []string {
	names := make([]string, 0, len(regs))
	for _, reg := range regs {
		names = append(names, reg.Tool.Name)
	}
	return names
}

func TestFeatureIndexKeepsUniqueNames(t *testing.T) {
	fi := newFeatureIndex(ServerPrefixNamespace{})
	removed, added := fi.Rebuild(serverTools("alpha", &mcp.Tool{Name: "echo"}))
	if len(removed) != 0 {
		t.Fatalf("unexpected removals: %v", removed)
	}
	if len(added) != 1 {
		t.Fatalf("expected single registration, got %d", len(added))
	}
	target := added[0].Target
	if target.GatewayName != "echo" || target.ServerID != "alpha" || target.NativeName != "echo" {
		t.Fatalf("unexpected target %+v", target)
	}
	if lookup, ok := fi.ToolTarget("echo"); !ok || lookup != target {
		t.Fatalf("lookup = %+v, %v", lookup, ok)
	}
	meta := added[0].Tool.Meta
	if meta[metaKeyServerID] != "alpha" || meta[metaKeyNativeName] != "echo" {
		t.Fatalf("meta missing origin: %+v", meta)
	}
}

func TestFeatureIndexPrefixesOnlyCollisions(t *testing.T) {
	fi := newFeatureIndex(ServerPrefixNamespace{})
	search := &mcp.Tool{Name: "search"}
	tools := append(serverTools("alpha", search, &mcp.Tool{Name: "echo"}),
		serverTools("beta", &mcp.Tool{Name: "search"}, &mcp.Tool{Name: "fetch"})...)

	_, added := fi.Rebuild(tools)
	want := []string{"alpha__search", "beta__search", "echo", "fetch"}
	if got := registeredNames(added); !reflect.DeepEqual(got, want) {
		t.Fatalf("registered = %v, want %v", got, want)
	}
	if target, ok := fi.ToolTarget("beta__search"); !ok || target.ServerID != "beta" || target.NativeName != "search" {
		t.Fatalf("beta__search target = %+v, %v", target, ok)
	}

	// beta goes away: alpha's search loses its prefix.
	removed, added := fi.Rebuild(serverTools("alpha", search, tools[1].Tool))
	if !reflect.DeepEqual(removed, []string{"alpha__search", "beta__search", "fetch"}) {
		t.Fatalf("removed = %v", removed)
	}
	if got := registeredNames(added); !reflect.DeepEqual(got, []string{"search"}) {
		t.Fatalf("added = %v, want [search]", got)
	}
}

func TestFeatureIndexSkipsUnchangedTools(t *testing.T) {
	fi := newFeatureIndex(ServerPrefixNamespace{})
	tools := serverTools("alpha", &mcp.Tool{Name: "echo"}, &mcp.Tool{Name: "fetch"})
	fi.Rebuild(tools)

	removed, added := fi.Rebuild(tools)
	if len(removed) != 0 || len(added) != 0 {
		t.Fatalf("rebuild of identical tools churned: removed=%v added=%v", removed, registeredNames(added))
	}

	tools[1].Tool = &mcp.Tool{Name: "fetch", Description: "new"}
	removed, added = fi.Rebuild(tools)
	if len(removed) != 0 || !reflect.DeepEqual(registeredNames(added), []string{"fetch"}) {
		t.Fatalf("changed tool: removed=%v added=%v", removed, registeredNames(added))
	}
	if names := fi.Clear(); !reflect.DeepEqual(names, []string{"echo", "fetch"}) || fi.Len() != 0 {
		t.Fatalf("Clear = %v, len %d", names, fi.Len())
	}
}

func TestCloneToolNormalizesSchema(t *testing.T) {
	cases := []struct {
		name   string
		schema any
		want   any
	}{
		{"nil", nil, map[string]any{"type": "object"}},
		{"non-object", map[string]any{"type": "string"}, map[string]any{"type": "object"}},
		{"object", map[string]any{"type": "object", "required": []any{"q"}}, map[string]any{"type": "object", "required": []any{"q"}}},
		{"raw", json.RawMessage(`{"type":"object","required":["q"]}`), map[string]any{"type": "object", "required": []any{"q"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clone := cloneTool(&mcp.Tool{Name: "x", InputSchema: tc.schema, OutputSchema: map[string]any{}}, "y", "srv")
			if !reflect.DeepEqual(clone.InputSchema, tc.want) {
				t.Fatalf("InputSchema = %#v, want %#v", clone.InputSchema, tc.want)
			}
			if clone.OutputSchema != nil {
				t.Fatalf("OutputSchema kept: %#v", clone.OutputSchema)
			}
			if clone.Name != "y" {
				t.Fatalf("Name = %q", clone.Name)
			}
		})
	}
}
