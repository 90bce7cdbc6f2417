// Command mcphub runs the MCP hub: it keeps connections to the configured
// MCP servers and re-exposes them to local clients through one HTTP proxy.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

const version = "1.0.0"

type rootFlags struct {
	config    string
	dataDir   string
	logFormat string
	logLevel  string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "mcphub",
		Short:         "Manage MCP servers and proxy them to local clients",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&flags.config, "config", "c", "", "server list file (.json, .yaml or .yml); defaults to <data-dir>/servers.yaml")
	pf.StringVar(&flags.dataDir, "data-dir", defaultDataDir(), "directory holding tokens, stats and the default server list")
	pf.StringVar(&flags.logFormat, "log-format", "text", "log format: text or json")
	pf.StringVar(&flags.logLevel, "log-level", "info", "log level: debug, info, warn or error")

	root.AddCommand(
		newServeCmd(flags),
		newImportCmd(flags),
		newExportCmd(flags),
		newAuthCmd(flags),
		newModeCmd(),
		newStatusCmd(),
	)
	return root
}

func (f *rootFlags) configPath() string {
	if f.config != "" {
		return f.config
	}
	return filepath.Join(f.dataDir, "servers.yaml")
}

func (f *rootFlags) tokenPath() string { return filepath.Join(f.dataDir, "tokens.json") }

func (f *rootFlags) statsPath() string { return filepath.Join(f.dataDir, "stats.json") }

func defaultDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".mcp-hub"
	}
	return filepath.Join(dir, "mcp-hub")
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "mcphub:", err)
		os.Exit(1)
	}
}
