package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/vikashloomba/mcp-hub-go/internal/mcptest"
	mcpgateway "github.com/vikashloomba/mcp-hub-go/pkg/mcp-gateway"
	"github.com/vikashloomba/mcp-hub-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-hub-go/pkg/stats"
)

func TestMain(m *testing.M) {
	mcptest.MaybeServe()
	os.Exit(m.Run())
}

func startHub(t *testing.T, token string, configs ...mcpmgr.ServerConfig) (*mcpmgr.Manager, *mcpgateway.Gateway, *controlClient) {
	t.Helper()
	mgr := mcpmgr.NewManager(configs, &mcpmgr.ManagerOptions{ShutdownGrace: 2 * time.Second})
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := mgr.ConnectEnabled(ctx); err != nil {
		t.Fatalf("ConnectEnabled: %v", err)
	}
	gw, err := mcpgateway.NewGateway(mgr, &mcpgateway.Options{BearerToken: token, DrainTimeout: time.Second})
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	mountControl(gw, mgr)
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	return mgr, gw, newControlClient(srv.URL, token)
}

func TestControlMode(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a fake MCP server")
	}
	t.Parallel()

	_, gw, client := startHub(t, "")
	ctx := context.Background()

	var out modeBody
	if err := client.do(ctx, http.MethodGet, "/hub/mode", nil, &out); err != nil {
		t.Fatalf("get mode: %v", err)
	}
	if out.Mode != mcpgateway.ModePassthrough {
		t.Fatalf("mode = %q, want passthrough", out.Mode)
	}

	if err := client.do(ctx, http.MethodPut, "/hub/mode", modeBody{Mode: mcpgateway.ModeDiscovery}, &out); err != nil {
		t.Fatalf("set mode: %v", err)
	}
	if out.Mode != mcpgateway.ModeDiscovery || gw.Mode() != mcpgateway.ModeDiscovery {
		t.Fatalf("mode after switch = %q / %q", out.Mode, gw.Mode())
	}

	err := client.do(ctx, http.MethodPut, "/hub/mode", modeBody{Mode: "turbo"}, &out)
	if err == nil || !strings.Contains(err.Error(), "turbo") {
		t.Fatalf("invalid mode error = %v", err)
	}
}

func TestControlStatusAndServerOps(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a fake MCP server")
	}
	t.Parallel()

	cmd, args, env := mcptest.Command(t, mcptest.ModeServe, "alpha", "search")
	mgr, _, client := startHub(t, "", mcpmgr.ServerConfig{ID: "alpha", Name: "Alpha", Enabled: true, Command: cmd, Args: args, Env: env})
	ctx := context.Background()

	mgr.Stats().Record("alpha", stats.ToolCallRecord{Tool: "search", Client: "cursor", DurationMs: 12, Success: true})

	var body statusBody
	if err := client.do(ctx, http.MethodGet, "/hub/status", nil, &body); err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(body.Servers) != 1 {
		t.Fatalf("servers = %+v", body.Servers)
	}
	s := body.Servers[0]
	if s.ID != "alpha" || s.Name != "Alpha" || s.State != "connected" || s.Tools != 1 || s.Transport != "stdio" {
		t.Fatalf("status entry = %+v", s)
	}
	if s.Stats.TotalCalls != 1 || s.Stats.Clients["cursor"] != 1 {
		t.Fatalf("stats = %+v", s.Stats)
	}
	if s.PID == 0 || s.LastConnected == nil {
		t.Fatalf("expected pid and lastConnected, got %+v", s)
	}

	if err := client.do(ctx, http.MethodDelete, "/hub/stats/alpha", nil, nil); err != nil {
		t.Fatalf("reset stats: %v", err)
	}
	if got := mgr.Stats().Get("alpha").TotalCalls; got != 0 {
		t.Fatalf("calls after reset = %d", got)
	}

	if err := client.do(ctx, http.MethodPost, "/hub/servers/alpha/disconnect", nil, nil); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if state, _ := mgr.State("alpha"); state != mcpmgr.StateDisconnected {
		t.Fatalf("state after disconnect = %s", state)
	}
	if err := client.do(ctx, http.MethodPost, "/hub/servers/alpha/connect", nil, nil); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if state, _ := mgr.State("alpha"); state != mcpmgr.StateConnected {
		t.Fatalf("state after connect = %s", state)
	}

	err := client.do(ctx, http.MethodPost, "/hub/servers/ghost/connect", nil, nil)
	if err == nil || errors.Is(err, errHubUnreachable) {
		t.Fatalf("connect unknown server error = %v", err)
	}
	if err := client.do(ctx, http.MethodDelete, "/hub/stats/ghost", nil, nil); err == nil {
		t.Fatal("expected reset of unknown server to fail")
	}
}

func TestControlRequiresBearerToken(t *testing.T) {
	t.Parallel()

	_, _, client := startHub(t, "s3cret")
	ctx := context.Background()

	var out modeBody
	if err := client.do(ctx, http.MethodGet, "/hub/mode", nil, &out); err != nil {
		t.Fatalf("authorized request: %v", err)
	}

	anon := newControlClient(client.base, "")
	if err := anon.do(ctx, http.MethodGet, "/hub/mode", nil, &out); err == nil {
		t.Fatal("expected unauthenticated request to fail")
	}
}

func TestControlClientUnreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	err := newControlClient(base, "").do(context.Background(), http.MethodGet, "/hub/mode", nil, nil)
	if !errors.Is(err, errHubUnreachable) {
		t.Fatalf("err = %v, want errHubUnreachable", err)
	}
}

func TestPrintStatus(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	err := printStatus(&buf, statusBody{
		Mode: mcpgateway.ModeDiscovery,
		Servers: []serverStatus{
			{ID: "alpha", Name: "Alpha", Enabled: true, State: "connected", Tools: 3, Stats: stats.ServerStats{
				TotalCalls: 4, TotalErrors: 1, TotalDurationMs: 100,
				Clients: map[string]uint64{"zed": 1, "cursor": 3},
			}},
			{ID: "beta", Name: "beta", State: "error", Error: "spawn failed"},
		},
	})
	if err != nil {
		t.Fatalf("printStatus: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"mode: discovery", "cursor=3,zed=1", "25", "error (disabled)", "beta: spawn failed"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}
