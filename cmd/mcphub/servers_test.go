package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vikashloomba/mcp-hub-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-hub-go/pkg/stats"
)

func runCLI(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

const clientConfig = `{
  // copied from a client
  "mcpServers": {
    "Files": {"command": "npx", "args": ["-y", "server-files", "/tmp"]},
    "Remote": {"type": "http", "url": "https://mcp.example.com/mcp", "headers": {"X-Key": "abc"}},
    "mcp-hub": {"url": "http://localhost:55123/mcp/discovery"},
  }
}`

func TestImportCommand(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	src := filepath.Join(t.TempDir(), "mcp.json")
	if err := os.WriteFile(src, []byte(clientConfig), 0o600); err != nil {
		t.Fatal(err)
	}

	out, _, err := runCLI(t, "", "--data-dir", dataDir, "import", "--dry-run", src)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if !strings.Contains(out, "added files") || !strings.Contains(out, "added remote") {
		t.Fatalf("dry run output = %q", out)
	}
	if _, err := os.Stat(filepath.Join(dataDir, "servers.yaml")); !os.IsNotExist(err) {
		t.Fatalf("dry run wrote the server list: %v", err)
	}

	if _, _, err := runCLI(t, "", "--data-dir", dataDir, "import", src); err != nil {
		t.Fatalf("import: %v", err)
	}
	servers, err := mcpmgr.LoadConfigFile(filepath.Join(dataDir, "servers.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("servers = %+v", servers)
	}
	if servers[0].ID != "files" || servers[0].Command != "npx" || len(servers[0].Args) != 3 {
		t.Fatalf("stdio server = %+v", servers[0])
	}
	remote, ok := mcpmgr.AsHTTP(servers[1])
	if !ok || remote.URL != "https://mcp.example.com/mcp" {
		t.Fatalf("http server = %+v", servers[1])
	}

	// A second import from stdin adds nothing new.
	out, _, err = runCLI(t, clientConfig, "--data-dir", dataDir, "import", "-")
	if err != nil {
		t.Fatalf("re-import: %v", err)
	}
	if !strings.Contains(out, "nothing to import") {
		t.Fatalf("re-import output = %q", out)
	}
}

func TestImportCommandRejectsBrokenFile(t *testing.T) {
	t.Parallel()

	if _, _, err := runCLI(t, "{not json", "--data-dir", t.TempDir(), "import", "-"); err == nil {
		t.Fatal("expected broken input to fail")
	}
}

func TestExportCommand(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	servers := []mcpmgr.ServerConfig{
		{ID: "files", Name: "Files", Enabled: true, Command: "npx", Args: []string{"server-files"}},
		{ID: "old", Enabled: false, Command: "old-server"},
	}
	if err := mcpmgr.SaveConfigFile(filepath.Join(dataDir, "servers.yaml"), servers); err != nil {
		t.Fatalf("save: %v", err)
	}

	out, _, err := runCLI(t, "", "--data-dir", dataDir, "export")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.Contains(out, `"Files"`) || !strings.Contains(out, `"old"`) {
		t.Fatalf("export output = %s", out)
	}

	dest := filepath.Join(t.TempDir(), "out.json")
	if _, _, err := runCLI(t, "", "--data-dir", dataDir, "export", "--enabled-only", "-o", dest); err != nil {
		t.Fatalf("export to file: %v", err)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "old-server") || !strings.Contains(string(data), "server-files") {
		t.Fatalf("enabled-only export = %s", data)
	}
}

func TestStatsPersistence(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "stats.json")
	c := stats.NewCollector(0)
	if err := loadStats(path, c); err != nil {
		t.Fatalf("load missing file: %v", err)
	}
	c.Record("alpha", stats.ToolCallRecord{Tool: "search", Client: "cursor", DurationMs: 7, Success: true})
	if err := saveStats(path, c); err != nil {
		t.Fatalf("save: %v", err)
	}

	restored := stats.NewCollector(0)
	if err := loadStats(path, restored); err != nil {
		t.Fatalf("load: %v", err)
	}
	got := restored.Get("alpha")
	if got.TotalCalls != 1 || got.Tools["search"].Calls != 1 || got.Clients["cursor"] != 1 {
		t.Fatalf("restored stats = %+v", got)
	}
}
