package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	mcpgateway "github.com/vikashloomba/mcp-hub-go/pkg/mcp-gateway"
)

type remoteFlags struct {
	url   string
	token string
}

func (f *remoteFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.url, "url", fmt.Sprintf("http://127.0.0.1:%d", mcpgateway.DefaultPort()), "base URL of the running hub")
	cmd.Flags().StringVar(&f.token, "bearer-token", os.Getenv("MCPHUB_TOKEN"), "bearer token of the running hub (env MCPHUB_TOKEN)")
}

func (f *remoteFlags) client() *controlClient { return newControlClient(f.url, f.token) }

func newModeCmd() *cobra.Command {
	flags := &remoteFlags{}
	cmd := &cobra.Command{
		Use:   "mode [passthrough|discovery]",
		Short: "Show or switch the proxy mode of a running hub",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			var out modeBody
			if len(args) == 0 {
				if err := flags.client().do(ctx, http.MethodGet, "/hub/mode", nil, &out); err != nil {
					return err
				}
			} else {
				mode, err := mcpgateway.ParseMode(args[0])
				if err != nil {
					return err
				}
				if err := flags.client().do(ctx, http.MethodPut, "/hub/mode", modeBody{Mode: mode}, &out); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), out.Mode)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newStatusCmd() *cobra.Command {
	flags := &remoteFlags{}
	var reset string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the servers of a running hub with their call statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			c := flags.client()
			if reset != "" {
				if err := c.do(ctx, http.MethodDelete, "/hub/stats/"+reset, nil, nil); err != nil {
					return err
				}
			}
			var body statusBody
			if err := c.do(ctx, http.MethodGet, "/hub/status", nil, &body); err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), body)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&reset, "reset-stats", "", "clear the statistics of this server first")
	return cmd
}

func printStatus(w io.Writer, body statusBody) error {
	fmt.Fprintf(w, "mode: %s\n\n", body.Mode)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATE\tTOOLS\tCALLS\tERRORS\tAVG MS\tCLIENTS")
	for _, s := range body.Servers {
		avg := int64(0)
		if s.Stats.TotalCalls > 0 {
			avg = s.Stats.TotalDurationMs / int64(s.Stats.TotalCalls)
		}
		state := s.State
		if !s.Enabled {
			state += " (disabled)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			s.ID, s.Name, state, s.Tools, s.Stats.TotalCalls, s.Stats.TotalErrors, avg, clientSummary(s.Stats.Clients))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	first := true
	for _, s := range body.Servers {
		if s.Error == "" {
			continue
		}
		if first {
			fmt.Fprintln(w)
			first = false
		}
		fmt.Fprintf(w, "%s: %s\n", s.ID, s.Error)
	}
	return nil
}

func clientSummary(clients map[string]uint64) string {
	if len(clients) == 0 {
		return "-"
	}
	names := make([]string, 0, len(clients))
	for name := range clients {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%d", name, clients[name]))
	}
	return strings.Join(parts, ",")
}
