package integration

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikashloomba/mcp-hub-go/pkg/mcpmgr"
)

func TestImportMCPServers(t *testing.T) {
	t.Parallel()

	doc := `{
  // personal servers
  "mcpServers": {
    "Filesystem": {
      "command": "npx",
      "args": ["-y", "@modelcontextprotocol/server-filesystem", 42, "/tmp"],
      "env": {"DEBUG": "1", "LEVEL": 3},
    },
    /* remote */
    "linear": {"type": "http", "url": "https://mcp.linear.app/mcp", "headers": {"X-Team": "core"}},
    "mcp-manager": {"url": "http://localhost:55123/mcp"},
    "proxied": {"url": "http://127.0.0.1:55123/mcp/github?client=cursor"},
    "url//in/string": {"command": "echo", "args": ["http://example.com/*not a comment*/"]},
  },
}`
	servers, err := ImportMCPServers(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, servers, 3)

	fs := servers[0]
	assert.Equal(t, "filesystem", fs.ID)
	assert.Equal(t, "Filesystem", fs.Name)
	assert.True(t, fs.Enabled)
	assert.Equal(t, mcpmgr.TransportStdio, fs.Transport)
	assert.Equal(t, "npx", fs.Command)
	assert.Equal(t, []string{"-y", "@modelcontextprotocol/server-filesystem", "/tmp"}, fs.Args)
	assert.Equal(t, map[string]string{"DEBUG": "1"}, fs.Env)

	linear := servers[1]
	assert.Equal(t, "linear", linear.ID)
	assert.Equal(t, mcpmgr.TransportHTTP, linear.Transport)
	assert.Equal(t, "https://mcp.linear.app/mcp", linear.URL)
	assert.Equal(t, map[string]string{"X-Team": "core"}, linear.Headers)

	echo := servers[2]
	assert.Equal(t, "url-in-string", echo.ID)
	assert.Equal(t, []string{"http://example.com/*not a comment*/"}, echo.Args)
}

func TestImportMCPServersReportsInvalidEntries(t *testing.T) {
	t.Parallel()

	doc := `{"mcpServers": {
		"good": {"command": "echo"},
		"empty": {},
		"bad-url": {"url": "not a url"}
	}}`
	servers, err := ImportMCPServers(strings.NewReader(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"empty"`)
	assert.Contains(t, err.Error(), `"bad-url"`)
	require.Len(t, servers, 1)
	assert.Equal(t, "good", servers[0].ID)
}

func TestImportMCPServersEdgeCases(t *testing.T) {
	t.Parallel()

	servers, err := ImportMCPServers(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, servers)

	servers, err = ImportMCPServers(strings.NewReader(`{"other": true}`))
	require.NoError(t, err)
	assert.Empty(t, servers)

	_, err = ImportMCPServers(strings.NewReader(`{"mcpServers": {`))
	require.Error(t, err)

	servers, err = ImportMCPServers(strings.NewReader(`{"mcpServers": {
		"My Server": {"command": "a"},
		"my-server": {"command": "b"},
		"discovery": {"command": "c"}
	}}`))
	require.NoError(t, err)
	require.Len(t, servers, 3)
	assert.Equal(t, "my-server", servers[0].ID)
	assert.Equal(t, "my-server-2", servers[1].ID)
	assert.NotEqual(t, "discovery", servers[2].ID)
	assert.NoError(t, servers[2].Validate())
}

func TestMerge(t *testing.T) {
	t.Parallel()

	existing := []mcpmgr.ServerConfig{
		{ID: "github", Name: "GitHub", Enabled: true, Command: "gh-mcp"},
	}
	imported := []mcpmgr.ServerConfig{
		{ID: "github", Name: "GitHub", Enabled: true, Command: "other"},
		{ID: "github", Name: "github-enterprise", Enabled: true, Command: "ghe"},
		{ID: "linear", Name: "linear", Enabled: true, URL: "https://mcp.linear.app/mcp"},
	}
	merged, added := Merge(existing, imported)
	require.Len(t, merged, 3)
	assert.Equal(t, "gh-mcp", merged[0].Command)
	assert.Equal(t, []string{"github-2", "linear"}, added)
	assert.Equal(t, "ghe", merged[1].Command)
	assert.Len(t, existing, 1)
}

func TestExportRoundTrip(t *testing.T) {
	t.Parallel()

	servers := []mcpmgr.ServerConfig{
		{ID: "zeta", Name: "zeta", Enabled: true, Transport: mcpmgr.TransportStdio, Command: "z", Args: []string{"--flag"}, Env: map[string]string{"K": "v"}},
		{ID: "alpha", Name: "alpha", Enabled: true, Transport: mcpmgr.TransportHTTP, URL: "https://example.com/mcp", Headers: map[string]string{"Authorization": "Bearer x"}},
		{ID: "alpha-2", Name: "alpha", Enabled: true, Transport: mcpmgr.TransportStdio, Command: "a"},
	}
	var buf bytes.Buffer
	require.NoError(t, ExportMCPServers(&buf, servers))

	out := buf.String()
	assert.Less(t, strings.Index(out, `"zeta"`), strings.Index(out, `"alpha"`), "config order is kept")
	assert.Contains(t, out, `"alpha-2"`)

	var decoded struct {
		MCPServers map[string]Entry `json:"mcpServers"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, Entry{Type: "http", URL: "https://example.com/mcp", Headers: map[string]string{"Authorization": "Bearer x"}}, decoded.MCPServers["alpha"])

	back, err := ImportMCPServers(&buf)
	require.NoError(t, err)
	require.Len(t, back, 3)
	assert.True(t, mcpmgr.SameDefinition(servers[0], back[0]))
	assert.True(t, mcpmgr.SameDefinition(servers[1], back[1]))
}
