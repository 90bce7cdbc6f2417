package mcpgateway

import (
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"os/user"
	"time"

	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/cors"
)

// Mode selects which routes the gateway answers.
type Mode string

const (
	// ModePassthrough serves /mcp and /mcp/{serverId}.
	ModePassthrough Mode = "passthrough"
	// ModeDiscovery serves /mcp/discovery.
	ModeDiscovery Mode = "discovery"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModePassthrough || m == ModeDiscovery
}

// ParseMode converts a flag value into a Mode.
func ParseMode(s string) (Mode, error) {
	m := Mode(s)
	if !m.Valid() {
		return "", fmt.Errorf("mcpgateway: unknown mode %q (want %q or %q)", s, ModePassthrough, ModeDiscovery)
	}
	return m, nil
}

// ClientHeader carries the calling client's identity once the ?client=
// query parameter has been lifted out of the URL.
const ClientHeader = "X-Mcp-Client"

// Options configure a Gateway instance.
type Options struct {
	// Implementation identifies the gateway's MCP server implementation metadata.
	Implementation *mcp.Implementation
	// Addr controls the listen address used by ListenAndServe. When empty a
	// port in 55000-65000 derived from the current user name is used on the
	// loopback interface, falling back to an ephemeral port when busy.
	Addr string
	// Path is the base route. Defaults to "/mcp".
	Path string
	// Mode is the initial proxy mode. Defaults to ModePassthrough.
	Mode Mode
	// Namespace prefixes colliding tool names on the aggregate route.
	// Defaults to ServerPrefixNamespace.
	Namespace NamespaceStrategy
	// DrainTimeout bounds how long SetMode waits for in-flight calls before
	// cancelling them.
	DrainTimeout time.Duration
	// Streamable tweaks the Streamable HTTP handler behavior passed to
	// mcp.NewStreamableHTTPHandler.
	Streamable mcp.StreamableHTTPOptions
	// BearerToken, when set, is a static token every MCP request must
	// present. Ignored when TokenVerifier is set.
	BearerToken string
	// TokenVerifier validates bearer tokens on MCP routes.
	TokenVerifier auth.TokenVerifier
	// TokenOptions is passed to auth.RequireBearerToken. Requires
	// TokenVerifier or BearerToken.
	TokenOptions *auth.RequireBearerTokenOptions
	// AuthorizationServer is advertised by the protected resource metadata
	// endpoint.
	AuthorizationServer string
	// CORS overrides the cross-origin policy of the HTTP handler.
	CORS *cors.Options
	// Logger receives structured diagnostics.
	Logger *slog.Logger
	// SyncTimeout bounds graceful HTTP shutdown.
	SyncTimeout time.Duration
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Implementation == nil {
		opts.Implementation = &mcp.Implementation{
			Name:    "mcp-hub",
			Title:   "MCP Hub",
			Version: "1.0.0",
		}
	} else {
		impl := *opts.Implementation
		opts.Implementation = &impl
	}
	if opts.Path == "" {
		opts.Path = "/mcp"
	}
	if opts.Mode == "" {
		opts.Mode = ModePassthrough
	}
	if opts.Namespace == nil {
		opts.Namespace = ServerPrefixNamespace{}
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 10 * time.Second
	}
	if opts.CORS == nil {
		opts.CORS = &cors.Options{
			AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type", "Mcp-Session-Id", "Mcp-Protocol-Version", "Last-Event-ID"},
			ExposedHeaders: []string{"Mcp-Session-Id"},
		}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = 30 * time.Second
	}
	return opts
}

// DefaultPort returns the per-user proxy port. The same user always gets
// the same port so client configuration files stay valid across restarts.
func DefaultPort() int {
	name := os.Getenv("USER")
	if u, err := user.Current(); err == nil && u.Username != "" {
		name = u.Username
	}
	return portFor(name)
}

func portFor(name string) int {
	h := fnv.New32a()
	h.Write([]byte(name))
	return 55000 + int(h.Sum32()%10001)
}
