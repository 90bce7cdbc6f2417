package integration

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tailscale/hujson"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/vikashloomba/mcp-hub-go/pkg/mcpmgr"
)

// DiscoveryEntryName is the entry written in discovery mode.
const DiscoveryEntryName = "mcp-hub"

// ProxyEntry is one mcpServers entry pointing at the proxy.
type ProxyEntry struct {
	Name string
	URL  string
}

// IsProxyURL reports whether raw points at a hub proxy: plain http on
// localhost or 127.0.0.1 with a path of /mcp or below it.
func IsProxyURL(raw string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "http" {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1":
	default:
		return false
	}
	return u.Path == "/mcp" || strings.HasPrefix(u.Path, "/mcp/")
}

// ProxyURL returns the proxy route for route ("" for the aggregate) on
// port, tagged with client when set.
func ProxyURL(port int, route, client string) string {
	u := url.URL{Scheme: "http", Host: "localhost:" + strconv.Itoa(port), Path: "/mcp"}
	if route != "" {
		u.Path += "/" + url.PathEscape(route)
	}
	if client != "" {
		u.RawQuery = url.Values{"client": {client}}.Encode()
	}
	return u.String()
}

// PassthroughEntries returns one entry per connected server, named after
// the server.
func PassthroughEntries(port int, snaps []mcpmgr.ServerSnapshot, client string) []ProxyEntry {
	var out []ProxyEntry
	for _, snap := range snaps {
		if snap.State != mcpmgr.StateConnected {
			continue
		}
		out = append(out, ProxyEntry{
			Name: snap.Config.DisplayName(),
			URL:  ProxyURL(port, snap.ID, client),
		})
	}
	return out
}

// DiscoveryEntries returns the single discovery route entry.
func DiscoveryEntries(port int, client string) []ProxyEntry {
	return []ProxyEntry{{Name: DiscoveryEntryName, URL: ProxyURL(port, "discovery", client)}}
}

// WriteProxyEntries replaces the proxy entries in the mcpServers object of
// the client file at path with entries. Entries the user configured
// directly are kept, as are all other top-level keys, in their original
// order. A proxy entry whose name is taken by a user entry is written as
// "<name> (hub)". A nil entries list removes every proxy entry. A missing
// file is created unless entries is empty.
func WriteProxyEntries(path string, entries []ProxyEntry) error {
	data, err := os.ReadFile(path)
	missing := errors.Is(err, os.ErrNotExist)
	if err != nil && !missing {
		return fmt.Errorf("integration: read %s: %w", path, err)
	}
	if missing && len(entries) == 0 {
		return nil
	}
	data, err = standardize(data)
	if err != nil {
		return fmt.Errorf("integration: %s: %w", path, err)
	}

	top := orderedmap.New[string, json.RawMessage]()
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, top); err != nil {
			return fmt.Errorf("integration: %s: invalid JSON: %w", path, err)
		}
	}
	servers := orderedmap.New[string, json.RawMessage]()
	if raw, ok := top.Get("mcpServers"); ok && !isNull(raw) {
		if err := json.Unmarshal(raw, servers); err != nil {
			return fmt.Errorf("integration: %s: mcpServers: %w", path, err)
		}
	}

	var stale []string
	for pair := servers.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Key == legacyEntry || isProxyEntry(pair.Value) {
			stale = append(stale, pair.Key)
		}
	}
	for _, name := range stale {
		servers.Delete(name)
	}
	for _, e := range entries {
		name := e.Name
		if _, taken := servers.Get(name); taken {
			name += " (hub)"
		}
		value, err := json.Marshal(Entry{URL: e.URL})
		if err != nil {
			return fmt.Errorf("integration: encode entry: %w", err)
		}
		servers.Set(name, value)
	}

	encoded, err := json.Marshal(servers)
	if err != nil {
		return fmt.Errorf("integration: encode mcpServers: %w", err)
	}
	top.Set("mcpServers", encoded)
	out, err := json.MarshalIndent(top, "", "  ")
	if err != nil {
		return fmt.Errorf("integration: encode %s: %w", path, err)
	}
	return writeFileAtomic(path, append(out, '\n'))
}

func isProxyEntry(raw json.RawMessage) bool {
	var e struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(raw, &e); err != nil {
		return false
	}
	return IsProxyURL(e.URL)
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null"
}

// standardize strips comments and trailing commas so encoding/json can
// read files written for editors that allow them.
func standardize(data []byte) ([]byte, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	out, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return out, nil
}

// writeFileAtomic replaces path through a temp file and rename. An
// existing file keeps its permissions; a new one is owner-only.
func writeFileAtomic(path string, data []byte) error {
	perm := os.FileMode(0o600)
	if info, err := os.Stat(path); err == nil {
		perm = info.Mode().Perm()
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("integration: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("integration: write %s: %w", path, err)
	}
	name := tmp.Name()
	defer os.Remove(name)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("integration: write %s: %w", path, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("integration: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("integration: write %s: %w", path, err)
	}
	if err := os.Rename(name, path); err != nil {
		return fmt.Errorf("integration: write %s: %w", path, err)
	}
	return nil
}
