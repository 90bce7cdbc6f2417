package mcpmgr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vikashloomba/mcp-hub-go/pkg/mcperr"
)

// ConfigFile is the on-disk server list.
type ConfigFile struct {
	Servers []ServerConfig `json:"servers" yaml:"servers"`
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// LoadConfigFile reads a server list. Files ending in .yaml or .yml are
// YAML; everything else is JSON. A missing file yields an empty list.
// Every entry is validated and ids must be unique.
func LoadConfigFile(path string) ([]ServerConfig, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mcpmgr: read config: %w", err)
	}
	return ParseConfig(data, isYAML(path))
}

// ParseConfig decodes a server list in YAML or JSON.
func ParseConfig(data []byte, yamlFormat bool) ([]ServerConfig, error) {
	var file ConfigFile
	if len(bytes.TrimSpace(data)) > 0 {
		var err error
		if yamlFormat {
			err = yaml.Unmarshal(data, &file)
		} else {
			err = json.Unmarshal(data, &file)
		}
		if err != nil {
			return nil, mcperr.Config("load", err)
		}
	}
	seen := make(map[string]bool, len(file.Servers))
	for i := range file.Servers {
		cfg := &file.Servers[i]
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		if seen[cfg.ID] {
			return nil, mcperr.Configf("load", "duplicate server id").WithServer(cfg.ID)
		}
		seen[cfg.ID] = true
		cfg.normalize()
	}
	return file.Servers, nil
}

// SaveConfigFile writes servers to path with owner-only permissions,
// replacing the previous file atomically.
func SaveConfigFile(path string, servers []ServerConfig) error {
	file := ConfigFile{Servers: servers}
	if file.Servers == nil {
		file.Servers = []ServerConfig{}
	}
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(file)
	} else {
		data, err = json.MarshalIndent(file, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return fmt.Errorf("mcpmgr: encode config: %w", err)
	}
	return writeFileAtomic(path, data)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("mcpmgr: create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("mcpmgr: write config: %w", err)
	}
	name := tmp.Name()
	defer os.Remove(name)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("mcpmgr: write config: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("mcpmgr: write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("mcpmgr: write config: %w", err)
	}
	if err := os.Rename(name, path); err != nil {
		return fmt.Errorf("mcpmgr: write config: %w", err)
	}
	return nil
}

// Sync makes the manager's server set match configs: unknown ids are
// added, changed ones updated and missing ones removed. It reports the
// ids that were added or changed.
func (m *Manager) Sync(ctx context.Context, configs []ServerConfig) ([]string, error) {
	want := make(map[string]ServerConfig, len(configs))
	for _, cfg := range configs {
		want[cfg.ID] = cfg
	}
	var (
		touched []string
		errs    []error
	)
	for _, id := range m.ListServers() {
		if _, ok := want[id]; !ok {
			if err := m.RemoveServer(ctx, id); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for _, cfg := range configs {
		current, ok := m.Config(cfg.ID)
		switch {
		case !ok:
			if err := m.AddServer(cfg); err != nil {
				errs = append(errs, err)
				continue
			}
		case SameDefinition(current, cfg) && current.Enabled == cfg.Enabled && current.Name == cfg.Name && slices.Equal(current.Tags, cfg.Tags):
			continue
		default:
			if err := m.UpdateServer(ctx, cfg); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		touched = append(touched, cfg.ID)
	}
	return touched, errors.Join(errs...)
}
