package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	mcpgateway "github.com/vikashloomba/mcp-hub-go/pkg/mcp-gateway"
	"github.com/vikashloomba/mcp-hub-go/pkg/mcpmgr"
)

func TestParseTarget(t *testing.T) {
	t.Parallel()

	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}
	cases := []struct {
		in     string
		path   string
		client string
	}{
		{in: "/etc/cursor/mcp.json@cursor", path: "/etc/cursor/mcp.json", client: "cursor"},
		{in: "/tmp/claude_desktop_config.json", path: "/tmp/claude_desktop_config.json", client: "claude_desktop_config"},
		{in: "/tmp/a@b/mcp.json@zed", path: "/tmp/a@b/mcp.json", client: "zed"},
		{in: "/tmp/mcp.json@", path: "/tmp/mcp.json", client: "mcp"},
		{in: "~/.cursor/mcp.json@cursor", path: filepath.Join(home, ".cursor/mcp.json"), client: "cursor"},
	}
	for _, tc := range cases {
		got, err := parseTarget(tc.in)
		if err != nil {
			t.Fatalf("parseTarget(%q): %v", tc.in, err)
		}
		if got.Path != tc.path || got.Client != tc.client {
			t.Fatalf("parseTarget(%q) = %+v, want %s@%s", tc.in, got, tc.path, tc.client)
		}
	}

	if _, err := parseTarget("@cursor"); err == nil {
		t.Fatal("expected missing path to fail")
	}
}

func newTestWriter(path string, mode *mcpgateway.Mode, snaps *[]mcpmgr.ServerSnapshot) *integrationWriter {
	return &integrationWriter{
		targets:   []integrationTarget{{Path: path, Client: "cursor"}},
		port:      55123,
		mode:      func() mcpgateway.Mode { return *mode },
		snapshots: func() []mcpmgr.ServerSnapshot { return *snaps },
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		kick:      make(chan struct{}, 1),
		last:      map[string]string{},
	}
}

func readServers(t *testing.T, path string) map[string]map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	var doc struct {
		MCPServers map[string]map[string]any `json:"mcpServers"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return doc.MCPServers
}

func TestIntegrationWriter(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "mcp.json")
	if err := os.WriteFile(path, []byte(`{"mcpServers": {"mine": {"command": "mine"}}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	mode := mcpgateway.ModePassthrough
	snaps := []mcpmgr.ServerSnapshot{
		{ID: "alpha", Config: mcpmgr.ServerConfig{ID: "alpha", Name: "Alpha"}, State: mcpmgr.StateConnected},
		{ID: "beta", Config: mcpmgr.ServerConfig{ID: "beta"}, State: mcpmgr.StateError},
	}
	w := newTestWriter(path, &mode, &snaps)

	w.writeAll()
	servers := readServers(t, path)
	if len(servers) != 2 || servers["mine"] == nil {
		t.Fatalf("servers = %v", servers)
	}
	if got := servers["Alpha"]["url"]; got != "http://localhost:55123/mcp/alpha?client=cursor" {
		t.Fatalf("Alpha url = %v", got)
	}

	// Unchanged entries are not rewritten.
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	w.writeAll()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("file rewritten without changes: %v", err)
	}

	mode = mcpgateway.ModeDiscovery
	w.writeAll()
	servers = readServers(t, path)
	if len(servers) != 1 || !strings.HasSuffix(servers["mcp-hub"]["url"].(string), "/mcp/discovery?client=cursor") {
		t.Fatalf("discovery servers = %v", servers)
	}

	w.Remove()
	if servers := readServers(t, path); len(servers) != 0 {
		t.Fatalf("servers after remove = %v", servers)
	}
}

func TestIntegrationWriterTriggerDoesNotBlock(t *testing.T) {
	t.Parallel()

	mode := mcpgateway.ModePassthrough
	var snaps []mcpmgr.ServerSnapshot
	w := newTestWriter(filepath.Join(t.TempDir(), "mcp.json"), &mode, &snaps)
	w.Trigger()
	w.Trigger()
	if len(w.kick) != 1 {
		t.Fatalf("pending kicks = %d, want 1", len(w.kick))
	}
}
