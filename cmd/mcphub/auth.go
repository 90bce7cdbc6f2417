package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/vikashloomba/mcp-hub-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-hub-go/pkg/oauth"
)

func newAuthCmd(root *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage OAuth authorization of HTTP servers",
	}
	cmd.AddCommand(newAuthLoginCmd(root), newAuthClearCmd(root))
	return cmd
}

// The commands go through a running hub when one answers, so its cached
// credentials and connection are updated in place; otherwise they work on
// the token store directly.

func newAuthLoginCmd(root *rootFlags) *cobra.Command {
	flags := &remoteFlags{}
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "login <server-id>",
		Short: "Authorize the hub against an HTTP server in the browser",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			out := cmd.OutOrStdout()

			err := flags.client().do(ctx, http.MethodPost, "/hub/servers/"+url.PathEscape(id)+"/authorize", nil, nil)
			if err == nil {
				fmt.Fprintf(out, "%s authorized and reconnected\n", id)
				return nil
			}
			if !errors.Is(err, errHubUnreachable) {
				return err
			}

			cfg, err := findServer(root.configPath(), id)
			if err != nil {
				return err
			}
			spec, ok := mcpmgr.AsHTTP(cfg)
			if !ok {
				return fmt.Errorf("server %q is not an http server", id)
			}
			coord := oauth.NewCoordinator(&oauth.Options{Store: oauth.NewFileStore(root.tokenPath())})
			fmt.Fprintln(out, "opening the browser to authorize", cfg.DisplayName())
			if _, err := coord.Authorize(ctx, id, spec.URL, spec.Auth); err != nil {
				return err
			}
			fmt.Fprintf(out, "%s authorized\n", id)
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "how long to wait for the browser flow")
	return cmd
}

func newAuthClearCmd(root *rootFlags) *cobra.Command {
	flags := &remoteFlags{}
	cmd := &cobra.Command{
		Use:   "clear <server-id>",
		Short: "Forget the stored OAuth tokens of a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			err := flags.client().do(ctx, http.MethodDelete, "/hub/servers/"+url.PathEscape(id)+"/authorization", nil, nil)
			if errors.Is(err, errHubUnreachable) {
				if _, err := findServer(root.configPath(), id); err != nil {
					return err
				}
				err = oauth.NewCoordinator(&oauth.Options{Store: oauth.NewFileStore(root.tokenPath())}).Clear(id)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared tokens of %s\n", id)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func findServer(path, id string) (mcpmgr.ServerConfig, error) {
	servers, err := mcpmgr.LoadConfigFile(path)
	if err != nil {
		return mcpmgr.ServerConfig{}, err
	}
	for _, cfg := range servers {
		if cfg.ID == id {
			return cfg, nil
		}
	}
	return mcpmgr.ServerConfig{}, fmt.Errorf("server %q not found in %s", id, path)
}
