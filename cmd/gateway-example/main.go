// Command gateway-example embeds the hub's proxy in another program. The
// bearer tokens of MCP clients are checked by an external authorization
// server instead of a static token.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	mcpgateway "github.com/vikashloomba/mcp-hub-go/pkg/mcp-gateway"
	"github.com/vikashloomba/mcp-hub-go/pkg/mcpmgr"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	authorizationURL := os.Getenv("AUTHORIZATION_SERVER_URL")
	resourceMetadataURL := os.Getenv("OAUTH_RESOURCE_METADATA_URL")
	if authorizationURL == "" || resourceMetadataURL == "" {
		authorizationURL = "https://example-server.modelcontextprotocol.io/"
		resourceMetadataURL = "https://example-server.modelcontextprotocol.io/.well-known/oauth-protected-resource"
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	servers := []mcpmgr.ServerConfig{{
		ID:      "everything",
		Name:    "Everything",
		Enabled: true,
		Command: "npx",
		Args:    []string{"-y", "@modelcontextprotocol/server-everything"},
		Timeout: mcpmgr.Duration(15 * time.Second),
	}}
	if len(os.Args) > 1 {
		loaded, err := mcpmgr.LoadConfigFile(os.Args[1])
		if err != nil {
			logger.Error("loading server list failed", "error", err)
			os.Exit(1)
		}
		servers = loaded
	}

	manager := mcpmgr.NewManager(servers, &mcpmgr.ManagerOptions{DefaultClientName: "gateway-example", Logger: logger})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = manager.Shutdown(shutdownCtx)
	}()

	verifier := func(ctx context.Context, token string, req *http.Request) (*auth.TokenInfo, error) {
		// Validate token with your upstream authorization server
		// Return TokenInfo with scopes, expiration, etc.
		if token == "" {
			return nil, auth.ErrInvalidToken
		}
		return &auth.TokenInfo{Expiration: time.Now().Add(time.Hour)}, nil
	}

	gateway, err := mcpgateway.NewGateway(manager, &mcpgateway.Options{
		Addr:          "127.0.0.1:8787",
		Mode:          mcpgateway.ModePassthrough,
		TokenVerifier: verifier,
		TokenOptions: &auth.RequireBearerTokenOptions{
			ResourceMetadataURL: resourceMetadataURL,
		},
		AuthorizationServer: authorizationURL,
		Streamable:          mcp.StreamableHTTPOptions{JSONResponse: true},
		Logger:              logger,
	})
	if err != nil {
		logger.Error("building gateway failed", "error", err)
		os.Exit(1)
	}

	if err := manager.ConnectEnabled(ctx); err != nil {
		logger.Warn("some servers failed to connect", "error", err)
	}
	if err := gateway.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("gateway stopped", "error", err)
	}
}
