package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	mcpgateway "github.com/vikashloomba/mcp-hub-go/pkg/mcp-gateway"
	"github.com/vikashloomba/mcp-hub-go/pkg/integration"
	"github.com/vikashloomba/mcp-hub-go/pkg/mcpmgr"
)

// integrationTarget is a client config file kept pointed at the proxy.
// Client tags the proxy URLs so calls are attributed in the stats.
type integrationTarget struct {
	Path   string
	Client string
}

// parseTarget reads "path@client". The client defaults to the file's base
// name without extension. A leading "~/" expands to the home directory.
func parseTarget(s string) (integrationTarget, error) {
	path, client := s, ""
	if i := strings.LastIndex(s, "@"); i >= 0 {
		path, client = s[:i], s[i+1:]
	}
	if path == "" {
		return integrationTarget{}, fmt.Errorf("invalid --integration %q: missing path", s)
	}
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		home, err := os.UserHomeDir()
		if err != nil {
			return integrationTarget{}, fmt.Errorf("invalid --integration %q: %w", s, err)
		}
		path = filepath.Join(home, rest)
	}
	if client == "" {
		client = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return integrationTarget{Path: path, Client: client}, nil
}

// integrationWriter rewrites every target whenever the connected server
// set or the proxy mode changes.
type integrationWriter struct {
	targets   []integrationTarget
	port      int
	mode      func() mcpgateway.Mode
	snapshots func() []mcpmgr.ServerSnapshot
	logger    *slog.Logger

	kick chan struct{}
	last map[string]string
}

func newIntegrationWriter(targets []integrationTarget, port int, gw *mcpgateway.Gateway, mgr *mcpmgr.Manager, logger *slog.Logger) *integrationWriter {
	return &integrationWriter{
		targets:   targets,
		port:      port,
		mode:      gw.Mode,
		snapshots: mgr.Snapshots,
		logger:    logger,
		kick:      make(chan struct{}, 1),
		last:      map[string]string{},
	}
}

// Trigger schedules a rewrite without blocking.
func (w *integrationWriter) Trigger() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Run writes the targets once and then again after every status event or
// Trigger, until ctx ends or events closes.
func (w *integrationWriter) Run(ctx context.Context, events <-chan mcpmgr.Event) error {
	w.writeAll()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			// A cancelled attempt is always followed by disconnected.
			if ev.Type == mcpmgr.EventStatus && ev.Error != mcpmgr.AttemptCancelled {
				w.writeAll()
			}
		case <-w.kick:
			w.writeAll()
		}
	}
}

func (w *integrationWriter) entries(client string) []integration.ProxyEntry {
	if w.mode() == mcpgateway.ModeDiscovery {
		return integration.DiscoveryEntries(w.port, client)
	}
	return integration.PassthroughEntries(w.port, w.snapshots(), client)
}

func (w *integrationWriter) writeAll() {
	for _, t := range w.targets {
		entries := w.entries(t.Client)
		key := fingerprint(entries)
		if prev, ok := w.last[t.Path]; ok && prev == key {
			continue
		}
		if err := integration.WriteProxyEntries(t.Path, entries); err != nil {
			w.logger.Warn("integration update failed", "path", t.Path, "error", err)
			continue
		}
		w.last[t.Path] = key
		w.logger.Info("integration updated", "path", t.Path, "client", t.Client, "entries", len(entries))
	}
}

// Remove strips the proxy entries from every target.
func (w *integrationWriter) Remove() {
	for _, t := range w.targets {
		if err := integration.WriteProxyEntries(t.Path, nil); err != nil {
			w.logger.Warn("integration cleanup failed", "path", t.Path, "error", err)
		}
	}
}

func fingerprint(entries []integration.ProxyEntry) string {
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e.Name)
		b.WriteByte(0)
		b.WriteString(e.URL)
		b.WriteByte('\n')
	}
	return b.String()
}
