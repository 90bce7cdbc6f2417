package mcpmgr

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vikashloomba/mcp-hub-go/pkg/mcpclient"
	"github.com/vikashloomba/mcp-hub-go/pkg/mcperr"
	"github.com/vikashloomba/mcp-hub-go/pkg/oauth"
	"github.com/vikashloomba/mcp-hub-go/pkg/stats"
)

// ConfigTransport names the wire a server is reached over.
type ConfigTransport string

const (
	TransportStdio ConfigTransport = "stdio"
	TransportHTTP  ConfigTransport = "http"
)

// AuthConfig carries the OAuth client settings of an HTTP server.
type AuthConfig = oauth.ClientConfig

// Duration is a time.Duration that serializes as a Go duration string
// ("30s"). Plain numbers are read as seconds.
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return d.parse(s)
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("mcpmgr: invalid duration %s", data)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.parse(node.Value)
}

func (d *Duration) parse(s string) error {
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("mcpmgr: invalid duration %q", s)
	}
	*d = Duration(v)
	return nil
}

// ServerConfig defines one MCP server. Stdio servers set Command (and
// optionally Args and Env); HTTP servers set URL (and optionally Headers
// and Auth). The two groups are mutually exclusive.
type ServerConfig struct {
	ID        string            `json:"id" yaml:"id"`
	Name      string            `json:"name,omitempty" yaml:"name,omitempty"`
	Enabled   bool              `json:"enabled" yaml:"enabled"`
	Transport ConfigTransport   `json:"transport" yaml:"transport"`
	Command   string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args      []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	URL       string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Auth      *AuthConfig       `json:"auth,omitempty" yaml:"auth,omitempty"`
	Tags      []string          `json:"tags,omitempty" yaml:"tags,omitempty"`
	// Timeout bounds each request to this server. Zero uses the manager
	// default.
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// UnmarshalJSON decodes c, treating a missing "enabled" as true.
func (c *ServerConfig) UnmarshalJSON(data []byte) error {
	type plain ServerConfig
	p := plain{Enabled: true}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*c = ServerConfig(p)
	return nil
}

// UnmarshalYAML decodes c, treating a missing "enabled" as true.
func (c *ServerConfig) UnmarshalYAML(node *yaml.Node) error {
	type plain ServerConfig
	p := plain{Enabled: true}
	if err := node.Decode(&p); err != nil {
		return err
	}
	*c = ServerConfig(p)
	return nil
}

// reservedIDs collide with proxy routes.
var reservedIDs = []string{"discovery"}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Validate reports why c cannot be used. An empty Transport is inferred
// from which field group is populated.
func (c *ServerConfig) Validate() error {
	if c.ID == "" {
		return mcperr.Configf("validate", "server id is required")
	}
	if !idPattern.MatchString(c.ID) {
		return mcperr.Configf("validate", "server id %q may only contain letters, digits, '.', '_' and '-'", c.ID).WithServer(c.ID)
	}
	if slices.Contains(reservedIDs, c.ID) {
		return mcperr.Configf("validate", "server id %q is reserved", c.ID).WithServer(c.ID)
	}
	stdio := c.Command != "" || len(c.Args) > 0 || len(c.Env) > 0
	remote := c.URL != "" || len(c.Headers) > 0
	if stdio && remote {
		return mcperr.Configf("validate", "both stdio and http fields are set").WithServer(c.ID)
	}
	kind := c.Transport
	if kind == "" {
		kind = TransportOf(*c)
	}
	if c.Timeout < 0 {
		return mcperr.Configf("validate", "timeout must not be negative").WithServer(c.ID)
	}
	switch kind {
	case TransportStdio:
		if remote {
			return mcperr.Configf("validate", "stdio server must not set url or headers").WithServer(c.ID)
		}
		if c.Command == "" {
			return mcperr.Configf("validate", "stdio server requires a command").WithServer(c.ID)
		}
	case TransportHTTP:
		if stdio {
			return mcperr.Configf("validate", "http server must not set command, args or env").WithServer(c.ID)
		}
		u, err := url.Parse(c.URL)
		if c.URL == "" || err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return mcperr.Configf("validate", "http server requires an absolute http(s) url, got %q", c.URL).WithServer(c.ID)
		}
	default:
		return mcperr.Configf("validate", "unknown transport %q", c.Transport).WithServer(c.ID)
	}
	return nil
}

// normalize fills the inferred transport.
func (c *ServerConfig) normalize() {
	if c.Transport == "" {
		c.Transport = TransportOf(*c)
	}
}

// DisplayName returns Name, falling back to ID.
func (c ServerConfig) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

// Clone returns a deep copy of c.
func (c ServerConfig) Clone() ServerConfig {
	out := c
	out.Args = slices.Clone(c.Args)
	out.Tags = slices.Clone(c.Tags)
	out.Env = cloneMap(c.Env)
	out.Headers = cloneMap(c.Headers)
	if c.Auth != nil {
		auth := *c.Auth
		auth.Scopes = slices.Clone(c.Auth.Scopes)
		out.Auth = &auth
	}
	return out
}

// SameDefinition reports whether a and b describe the same connection.
// Name, Tags and Enabled do not affect a live connection.
func SameDefinition(a, b ServerConfig) bool {
	a.normalize()
	b.normalize()
	if a.Transport != b.Transport || a.Command != b.Command || a.URL != b.URL || a.Timeout != b.Timeout {
		return false
	}
	if !slices.Equal(a.Args, b.Args) || !equalMaps(a.Env, b.Env) || !equalMaps(a.Headers, b.Headers) {
		return false
	}
	switch {
	case a.Auth == nil && b.Auth == nil:
		return true
	case a.Auth == nil || b.Auth == nil:
		return false
	}
	return a.Auth.ClientID == b.Auth.ClientID &&
		a.Auth.ClientSecret == b.Auth.ClientSecret &&
		a.Auth.AuthorizationURL == b.Auth.AuthorizationURL &&
		a.Auth.TokenURL == b.Auth.TokenURL &&
		slices.Equal(a.Auth.Scopes, b.Auth.Scopes)
}

func cloneMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func equalMaps(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			return false
		}
	}
	return true
}

// ManagerOptions configures a Manager instance.
type ManagerOptions struct {
	// DefaultClientName is advertised during initialization. Defaults to
	// "mcp-hub".
	DefaultClientName string
	// DefaultClientVersion controls the semantic version reported to servers.
	DefaultClientVersion string
	// DefaultTimeout is applied whenever a server configuration omits an
	// explicit timeout.
	DefaultTimeout time.Duration
	// ShutdownGrace bounds a graceful close before the subprocess is
	// killed.
	ShutdownGrace time.Duration
	// DefaultLogJSONRPC toggles console logging of JSON-RPC traffic.
	DefaultLogJSONRPC bool
	// RPCLogger provides a custom logger for JSON-RPC traffic; it takes
	// precedence over DefaultLogJSONRPC.
	RPCLogger mcpclient.RPCLogger
	// HTTPClient is the base client for HTTP servers.
	HTTPClient *http.Client
	// OAuth supplies bearer tokens to HTTP servers. Optional.
	OAuth *oauth.Coordinator
	// Stats receives a record per tool call. Defaults to a fresh collector.
	Stats *stats.Collector
	// LogBufferSize is the number of log events kept for DrainLogs.
	LogBufferSize int
	// ConnectConcurrency bounds ConnectEnabled.
	ConnectConcurrency int
	// MaxLineLength bounds a single inbound frame.
	MaxLineLength int
	Logger        *slog.Logger
}

func (o *ManagerOptions) normalized() ManagerOptions {
	var out ManagerOptions
	if o != nil {
		out = *o
	}
	if out.DefaultClientName == "" {
		out.DefaultClientName = "mcp-hub"
	}
	if out.DefaultClientVersion == "" {
		out.DefaultClientVersion = "1.0.0"
	}
	if out.DefaultTimeout <= 0 {
		out.DefaultTimeout = mcpclient.DefaultTimeout
	}
	if out.ShutdownGrace <= 0 {
		out.ShutdownGrace = 5 * time.Second
	}
	if out.RPCLogger == nil && out.DefaultLogJSONRPC {
		out.RPCLogger = mcpclient.ConsoleRPCLogger
	}
	if out.Stats == nil {
		out.Stats = stats.NewCollector(stats.DefaultCapacity)
	}
	if out.LogBufferSize <= 0 {
		out.LogBufferSize = 500
	}
	if out.ConnectConcurrency <= 0 {
		out.ConnectConcurrency = 8
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}
