package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/vikashloomba/mcp-hub-go/pkg/integration"
	"github.com/vikashloomba/mcp-hub-go/pkg/mcpmgr"
)

func newImportCmd(root *rootFlags) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "import <mcp.json|->",
		Short: "Add the servers of an mcpServers file to the server list",
		Long: `Reads a client configuration file in the common {"mcpServers": {...}}
format and appends its servers to the server list. Servers whose name is
already present and entries that point at the hub itself are skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			imported, importErr := importFile(cmd.InOrStdin(), args[0])
			if importErr != nil && len(imported) == 0 {
				return importErr
			}
			path := root.configPath()
			existing, err := mcpmgr.LoadConfigFile(path)
			if err != nil {
				return err
			}
			merged, added := integration.Merge(existing, imported)
			out := cmd.OutOrStdout()
			for _, id := range added {
				fmt.Fprintf(out, "added %s\n", id)
			}
			if importErr != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "skipped: %v\n", importErr)
			}
			if len(added) == 0 {
				fmt.Fprintln(out, "nothing to import")
				return nil
			}
			if dryRun {
				return nil
			}
			if err := mcpmgr.SaveConfigFile(path, merged); err != nil {
				return err
			}
			fmt.Fprintf(out, "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be added without writing")
	return cmd
}

func importFile(stdin io.Reader, name string) ([]mcpmgr.ServerConfig, error) {
	if name == "-" {
		return integration.ImportMCPServers(stdin)
	}
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return integration.ImportMCPServers(f)
}

func newExportCmd(root *rootFlags) *cobra.Command {
	var output string
	var enabledOnly bool
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the server list in the mcpServers format",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			servers, err := mcpmgr.LoadConfigFile(root.configPath())
			if err != nil {
				return err
			}
			if enabledOnly {
				kept := servers[:0]
				for _, cfg := range servers {
					if cfg.Enabled {
						kept = append(kept, cfg)
					}
				}
				servers = kept
			}
			w := cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.OpenFile(output, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
				if err != nil {
					return err
				}
				defer func() { err = errors.Join(err, f.Close()) }()
				w = f
			}
			return integration.ExportMCPServers(w, servers)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to this file instead of stdout")
	cmd.Flags().BoolVar(&enabledOnly, "enabled-only", false, "leave disabled servers out")
	return cmd
}
