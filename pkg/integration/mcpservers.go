// Package integration reads and writes the "mcpServers" JSON documents MCP
// client applications keep their server lists in, and maintains the
// entries that point those applications at the hub's proxy.
package integration

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/vikashloomba/mcp-hub-go/pkg/mcpmgr"
)

// legacyEntry is the single-entry name older hub releases wrote.
const legacyEntry = "mcp-manager"

// Entry is one value of an mcpServers object.
type Entry struct {
	Type    string            `json:"type,omitempty"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// rawEntry tolerates the loose typing client files use in practice:
// non-string args and env values are dropped rather than rejected.
type rawEntry struct {
	Command string         `json:"command"`
	Args    []any          `json:"args"`
	Env     map[string]any `json:"env"`
	URL     string         `json:"url"`
	Headers map[string]any `json:"headers"`
}

type serversDocument struct {
	MCPServers *orderedmap.OrderedMap[string, json.RawMessage] `json:"mcpServers"`
}

// ImportMCPServers parses an mcpServers document into server configs, in
// file order. Comments and trailing commas are accepted. Entries pointing
// at the hub's own proxy are skipped. Ids are derived from the entry names.
// Entries that do not form a valid config are left out and reported in the
// returned error alongside the configs that did parse.
func ImportMCPServers(r io.Reader) ([]mcpmgr.ServerConfig, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("integration: read: %w", err)
	}
	data, err = standardize(data)
	if err != nil {
		return nil, fmt.Errorf("integration: %w", err)
	}
	var doc serversDocument
	if len(data) > 0 {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("integration: invalid JSON: %w", err)
		}
	}
	if doc.MCPServers == nil {
		return nil, nil
	}

	var (
		out  []mcpmgr.ServerConfig
		errs []error
		ids  = map[string]bool{}
	)
	for pair := doc.MCPServers.Oldest(); pair != nil; pair = pair.Next() {
		name := pair.Key
		if name == legacyEntry {
			continue
		}
		var raw rawEntry
		if err := json.Unmarshal(pair.Value, &raw); err != nil {
			errs = append(errs, fmt.Errorf("integration: server %q: %w", name, err))
			continue
		}
		if IsProxyURL(raw.URL) {
			continue
		}
		cfg := raw.config(name, uniqueID(name, ids))
		if err := cfg.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("integration: server %q: %w", name, err))
			continue
		}
		ids[cfg.ID] = true
		out = append(out, cfg)
	}
	return out, errors.Join(errs...)
}

func (e rawEntry) config(name, id string) mcpmgr.ServerConfig {
	cfg := mcpmgr.ServerConfig{ID: id, Name: name, Enabled: true}
	if e.URL != "" {
		cfg.Transport = mcpmgr.TransportHTTP
		cfg.URL = e.URL
		cfg.Headers = stringMap(e.Headers)
		return cfg
	}
	cfg.Transport = mcpmgr.TransportStdio
	cfg.Command = e.Command
	for _, arg := range e.Args {
		if s, ok := arg.(string); ok {
			cfg.Args = append(cfg.Args, s)
		}
	}
	cfg.Env = stringMap(e.Env)
	return cfg
}

func stringMap(in map[string]any) map[string]string {
	var out map[string]string
	for k, v := range in {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if out == nil {
			out = make(map[string]string, len(in))
		}
		out[k] = s
	}
	return out
}

var idUnsafe = regexp.MustCompile(`[^a-z0-9._-]+`)

// slugID turns an entry name into a server id: lowercase, with runs of
// unsupported characters collapsed to "-".
func slugID(name string) string {
	id := idUnsafe.ReplaceAllString(strings.ToLower(name), "-")
	return strings.Trim(id, "-._")
}

func uniqueID(name string, taken map[string]bool) string {
	base := slugID(name)
	if base == "" || base == "discovery" {
		return uuid.NewString()
	}
	id := base
	for n := 2; taken[id]; n++ {
		id = base + "-" + strconv.Itoa(n)
	}
	return id
}

// Merge appends the imported configs whose names are not already present
// in existing. Imported ids that collide with an existing id get a numeric
// suffix. It returns the merged list and the ids that were added.
func Merge(existing, imported []mcpmgr.ServerConfig) ([]mcpmgr.ServerConfig, []string) {
	names := make(map[string]bool, len(existing))
	ids := make(map[string]bool, len(existing))
	for _, cfg := range existing {
		names[cfg.DisplayName()] = true
		ids[cfg.ID] = true
	}
	out := slices.Clone(existing)
	var added []string
	for _, cfg := range imported {
		if names[cfg.DisplayName()] {
			continue
		}
		if ids[cfg.ID] {
			cfg.ID = uniqueID(cfg.ID, ids)
		}
		names[cfg.DisplayName()] = true
		ids[cfg.ID] = true
		out = append(out, cfg)
		added = append(added, cfg.ID)
	}
	return out, added
}

// ExportMCPServers writes servers as an indented mcpServers document,
// keyed by display name. A display name used twice falls back to the id
// for the later server.
func ExportMCPServers(w io.Writer, servers []mcpmgr.ServerConfig) error {
	entries := orderedmap.New[string, Entry](len(servers))
	for _, cfg := range servers {
		key := cfg.DisplayName()
		if _, dup := entries.Get(key); dup {
			key = cfg.ID
		}
		entries.Set(key, entryFor(cfg))
	}
	data, err := json.MarshalIndent(struct {
		MCPServers *orderedmap.OrderedMap[string, Entry] `json:"mcpServers"`
	}{entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("integration: encode: %w", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("integration: write: %w", err)
	}
	return nil
}

func entryFor(cfg mcpmgr.ServerConfig) Entry {
	if mcpmgr.IsHTTP(cfg) {
		return Entry{Type: "http", URL: cfg.URL, Headers: cfg.Headers}
	}
	return Entry{Command: cfg.Command, Args: cfg.Args, Env: cfg.Env}
}
