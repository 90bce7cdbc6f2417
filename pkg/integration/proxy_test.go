package integration

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikashloomba/mcp-hub-go/pkg/mcpmgr"
)

func TestIsProxyURL(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"http://localhost:55123/mcp":                   true,
		"http://127.0.0.1:55123/mcp/github?client=zed": true,
		"http://localhost/mcp/discovery":               true,
		"https://localhost:55123/mcp":                  false,
		"http://example.com:55123/mcp":                 false,
		"http://localhost:55123/mcpx":                  false,
		"http://localhost:55123/api/mcp":               false,
		"":                                             false,
		"::not a url":                                  false,
	}
	for raw, want := range cases {
		assert.Equal(t, want, IsProxyURL(raw), raw)
	}
}

func TestProxyURL(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "http://localhost:55123/mcp", ProxyURL(55123, "", ""))
	assert.Equal(t, "http://localhost:55123/mcp/github?client=cursor", ProxyURL(55123, "github", "cursor"))
	assert.Equal(t, "http://localhost:55123/mcp/discovery?client=claude+code", ProxyURL(55123, "discovery", "claude code"))
}

func TestPassthroughEntriesOnlyConnected(t *testing.T) {
	t.Parallel()

	snaps := []mcpmgr.ServerSnapshot{
		{ID: "github", Config: mcpmgr.ServerConfig{ID: "github", Name: "GitHub"}, State: mcpmgr.StateConnected},
		{ID: "slack", Config: mcpmgr.ServerConfig{ID: "slack"}, State: mcpmgr.StateError},
		{ID: "linear", Config: mcpmgr.ServerConfig{ID: "linear"}, State: mcpmgr.StateConnected},
	}
	entries := PassthroughEntries(55123, snaps, "cursor")
	assert.Equal(t, []ProxyEntry{
		{Name: "GitHub", URL: "http://localhost:55123/mcp/github?client=cursor"},
		{Name: "linear", URL: "http://localhost:55123/mcp/linear?client=cursor"},
	}, entries)

	assert.Equal(t, []ProxyEntry{{Name: DiscoveryEntryName, URL: "http://localhost:55123/mcp/discovery?client=cursor"}}, DiscoveryEntries(55123, "cursor"))
}

func readServers(t *testing.T, path string) map[string]Entry {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc struct {
		MCPServers map[string]Entry `json:"mcpServers"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	return doc.MCPServers
}

func TestWriteProxyEntriesKeepsUserEntries(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "mcp.json")
	original := `{
  "theme": "dark",
  // hand-edited
  "mcpServers": {
    "mine": {"command": "my-server"},
    "mcp-manager": {"url": "http://localhost:50000/mcp"},
    "Old": {"url": "http://localhost:50000/mcp/old?client=cursor"},
    "GitHub": {"command": "gh-mcp"},
  },
  "zoom": 1.5
}`
	require.NoError(t, os.WriteFile(path, []byte(original), 0o644))

	require.NoError(t, WriteProxyEntries(path, []ProxyEntry{
		{Name: "GitHub", URL: "http://localhost:55123/mcp/github?client=cursor"},
		{Name: "linear", URL: "http://localhost:55123/mcp/linear?client=cursor"},
	}))

	servers := readServers(t, path)
	assert.Equal(t, map[string]Entry{
		"mine":         {Command: "my-server"},
		"GitHub":       {Command: "gh-mcp"},
		"GitHub (hub)": {URL: "http://localhost:55123/mcp/github?client=cursor"},
		"linear":       {URL: "http://localhost:55123/mcp/linear?client=cursor"},
	}, servers)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.Less(t, strings.Index(out, `"theme"`), strings.Index(out, `"mcpServers"`))
	assert.Less(t, strings.Index(out, `"mcpServers"`), strings.Index(out, `"zoom"`))
	assert.Less(t, strings.Index(out, `"mine"`), strings.Index(out, `"linear"`))

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
	}

	// Switching to discovery replaces the per-server entries.
	require.NoError(t, WriteProxyEntries(path, DiscoveryEntries(55123, "cursor")))
	servers = readServers(t, path)
	assert.Equal(t, map[string]Entry{
		"mine":             {Command: "my-server"},
		"GitHub":           {Command: "gh-mcp"},
		DiscoveryEntryName: {URL: "http://localhost:55123/mcp/discovery?client=cursor"},
	}, servers)

	require.NoError(t, WriteProxyEntries(path, nil))
	servers = readServers(t, path)
	assert.Equal(t, map[string]Entry{
		"mine":   {Command: "my-server"},
		"GitHub": {Command: "gh-mcp"},
	}, servers)
}

func TestWriteProxyEntriesCreatesFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "mcp.json")

	require.NoError(t, WriteProxyEntries(path, nil))
	_, err := os.Stat(path)
	assert.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, WriteProxyEntries(path, DiscoveryEntries(55123, "")))
	servers := readServers(t, path)
	assert.Equal(t, map[string]Entry{DiscoveryEntryName: {URL: "http://localhost:55123/mcp/discovery"}}, servers)

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}
}

func TestWriteProxyEntriesRejectsBrokenFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "mcp.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"mcpServers": [`), 0o600))
	require.Error(t, WriteProxyEntries(path, DiscoveryEntries(55123, "")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"mcpServers": [`, string(data))
}
