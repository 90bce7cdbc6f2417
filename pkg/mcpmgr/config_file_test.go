package mcpmgr

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"testing"
	"time"

	"github.com/vikashloomba/mcp-hub-go/pkg/mcperr"
)

func TestParseConfigYAMLDefaults(t *testing.T) {
	t.Parallel()

	data := []byte(`
servers:
  - id: fs
    command: mcp-fs
    args: ["/tmp"]
    timeout: 30s
  - id: remote
    url: https://example.com/mcp
    enabled: false
    auth:
      clientId: hub
      scopes: [read]
`)
	servers, err := ParseConfig(data, true)
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("got %d servers", len(servers))
	}
	fs, remote := servers[0], servers[1]
	if !fs.Enabled || fs.Transport != TransportStdio || time.Duration(fs.Timeout) != 30*time.Second {
		t.Fatalf("fs = %#v", fs)
	}
	if remote.Enabled || remote.Transport != TransportHTTP {
		t.Fatalf("remote = %#v", remote)
	}
	if remote.Auth == nil || remote.Auth.ClientID != "hub" || !reflect.DeepEqual(remote.Auth.Scopes, []string{"read"}) {
		t.Fatalf("remote auth = %#v", remote.Auth)
	}
}

func TestParseConfigRejectsDuplicates(t *testing.T) {
	t.Parallel()

	_, err := ParseConfig([]byte(`{"servers":[{"id":"a","command":"x"},{"id":"a","command":"y"}]}`), false)
	if !mcperr.IsConfig(err) {
		t.Fatalf("ParseConfig error = %v, want config error", err)
	}
	_, err = ParseConfig([]byte(`{"servers":[{"id":"a"}]}`), false)
	if !mcperr.IsConfig(err) {
		t.Fatalf("incomplete entry error = %v, want config error", err)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	t.Parallel()

	servers := []ServerConfig{
		{ID: "fs", Enabled: true, Transport: TransportStdio, Command: "mcp-fs", Env: map[string]string{"ROOT": "/tmp"}, Timeout: Duration(5 * time.Second)},
		{ID: "remote", Transport: TransportHTTP, URL: "https://example.com/mcp", Tags: []string{"work"}},
	}
	for _, name := range []string{"servers.yaml", "servers.json"} {
		path := filepath.Join(t.TempDir(), "nested", name)
		if err := SaveConfigFile(path, servers); err != nil {
			t.Fatalf("SaveConfigFile(%s): %v", name, err)
		}
		got, err := LoadConfigFile(path)
		if err != nil {
			t.Fatalf("LoadConfigFile(%s): %v", name, err)
		}
		if !reflect.DeepEqual(got, servers) {
			t.Fatalf("%s round trip:\n got %#v\nwant %#v", name, got, servers)
		}
		if runtime.GOOS != "windows" {
			info, err := os.Stat(path)
			if err != nil {
				t.Fatalf("stat: %v", err)
			}
			if info.Mode().Perm() != 0o600 {
				t.Fatalf("%s mode = %v, want 0600", name, info.Mode().Perm())
			}
		}
	}

	missing, err := LoadConfigFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil || missing != nil {
		t.Fatalf("missing file = %v, %v", missing, err)
	}
}

func TestSyncAppliesEdits(t *testing.T) {
	t.Parallel()

	m := newTestManager(t,
		ServerConfig{ID: "keep", Enabled: true, Command: "a"},
		ServerConfig{ID: "drop", Enabled: true, Command: "b"},
	)
	touched, err := m.Sync(context.Background(), []ServerConfig{
		{ID: "keep", Enabled: true, Command: "a"},
		{ID: "new", Enabled: true, URL: "https://example.com/mcp"},
	})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if !reflect.DeepEqual(touched, []string{"new"}) {
		t.Fatalf("touched = %v", touched)
	}
	if got := m.ListServers(); !reflect.DeepEqual(got, []string{"keep", "new"}) {
		t.Fatalf("ListServers() = %v", got)
	}
}
