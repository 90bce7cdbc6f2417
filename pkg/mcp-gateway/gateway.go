package mcpgateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/modelcontextprotocol/go-sdk/oauthex"
	"github.com/rs/cors"

	"github.com/vikashloomba/mcp-hub-go/pkg/mcperr"
	"github.com/vikashloomba/mcp-hub-go/pkg/mcpmgr"
)

// Gateway exposes the servers managed by mcpmgr to MCP clients over
// Streamable HTTP, either one route per server plus an aggregate route
// (passthrough) or through three discovery meta-tools (discovery).
type Gateway struct {
	manager *mcpmgr.Manager
	opts    Options
	gate    *modeGate

	aggregate *route
	discovery *route

	syncMu  sync.Mutex
	routeMu sync.RWMutex
	servers map[string]*route

	mux         *http.ServeMux
	httpHandler http.Handler

	httpServerMu sync.Mutex
	httpServer   *http.Server
	listener     net.Listener

	hookMu    sync.Mutex
	modeHooks []func(Mode)
}

// route is one go-sdk server and the Streamable handler in front of it.
type route struct {
	server  *mcp.Server
	handler *mcp.StreamableHTTPHandler
	index   *featureIndex
}

// NewGateway builds a Gateway, synchronizes the tools of every connected
// server, and subscribes to the manager's tool changes.
func NewGateway(mgr *mcpmgr.Manager, opts *Options) (*Gateway, error) {
	if mgr == nil {
		return nil, fmt.Errorf("mcpgateway: manager is required")
	}
	options := opts.withDefaults()
	if !options.Mode.Valid() {
		return nil, fmt.Errorf("mcpgateway: unknown mode %q", options.Mode)
	}
	if options.TokenOptions != nil && options.TokenVerifier == nil && options.BearerToken == "" {
		return nil, fmt.Errorf("mcpgateway: TokenOptions requires TokenVerifier or BearerToken")
	}
	if !strings.HasPrefix(options.Path, "/") {
		options.Path = "/" + options.Path
	}
	options.Path = strings.TrimSuffix(options.Path, "/")

	g := &Gateway{
		manager: mgr,
		opts:    options,
		gate:    newModeGate(options.Mode),
		servers: make(map[string]*route),
	}
	g.aggregate = g.newRoute(options.Implementation.Name)
	g.discovery = g.newRoute(options.Implementation.Name + "/discovery")
	g.registerDiscoveryTools(g.discovery.server)
	g.mountHandler()

	mgr.OnToolsChanged(g.syncServer)
	mgr.OnServerRemoved(g.dropServer)
	g.SyncAll()
	return g, nil
}

func (g *Gateway) newRoute(name string) *route {
	impl := *g.opts.Implementation
	impl.Name = name
	r := &route{
		server: mcp.NewServer(&impl, &mcp.ServerOptions{HasTools: true}),
		index:  newFeatureIndex(g.opts.Namespace),
	}
	r.handler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return r.server
	}, &g.opts.Streamable)
	return r
}

// Options returns the effective options.
func (g *Gateway) Options() Options {
	return g.opts
}

// Handler exposes the HTTP handler serving every route.
func (g *Gateway) Handler() http.Handler {
	return g.httpHandler
}

// ServeMux exposes the underlying mux so callers can add routes. Routes
// may be added before or after serving starts.
func (g *Gateway) ServeMux() *http.ServeMux {
	return g.mux
}

// Mode returns the active proxy mode.
func (g *Gateway) Mode() Mode {
	return g.gate.current()
}

// OnModeChange registers a callback invoked after every completed mode
// switch.
func (g *Gateway) OnModeChange(fn func(Mode)) {
	if fn == nil {
		return
	}
	g.hookMu.Lock()
	g.modeHooks = append(g.modeHooks, fn)
	g.hookMu.Unlock()
}

// SetMode switches the proxy mode. New calls wait while calls already
// running drain for up to DrainTimeout; calls still running after that are
// cancelled. Hooks run once the new mode is serving.
func (g *Gateway) SetMode(ctx context.Context, mode Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("mcpgateway: unknown mode %q", mode)
	}
	running := g.gate.running()
	changed, err := g.gate.switchTo(ctx, mode, g.opts.DrainTimeout)
	if err != nil {
		return fmt.Errorf("mcpgateway: switch to %s: %w", mode, err)
	}
	if !changed {
		return nil
	}
	g.opts.Logger.Info("proxy mode changed", "mode", mode, "drained", running)
	g.hookMu.Lock()
	hooks := append([]func(Mode){}, g.modeHooks...)
	g.hookMu.Unlock()
	for _, fn := range hooks {
		fn(mode)
	}
	return nil
}

// SyncAll rebuilds every route from the manager's cached tools.
func (g *Gateway) SyncAll() {
	for _, serverID := range g.manager.ListServers() {
		g.syncServer(serverID)
	}
}

// syncServer mirrors one server's tools onto its own route and refreshes
// the aggregate route, whose prefixes depend on every server.
func (g *Gateway) syncServer(serverID string) {
	g.syncMu.Lock()
	defer g.syncMu.Unlock()

	cfg, known := g.manager.Config(serverID)
	if known {
		var tools []mcpmgr.ServerTool
		for _, tool := range g.manager.Tools(serverID) {
			tools = append(tools, mcpmgr.ServerTool{ServerID: serverID, ServerName: cfg.DisplayName(), Tool: tool})
		}
		g.routeMu.Lock()
		r, ok := g.servers[serverID]
		if !ok {
			r = g.newRoute(g.opts.Implementation.Name + "/" + serverID)
			g.servers[serverID] = r
		}
		g.routeMu.Unlock()
		g.apply(r, tools)
	}
	g.apply(g.aggregate, g.manager.AllTools())
}

func (g *Gateway) dropServer(serverID string) {
	g.syncMu.Lock()
	defer g.syncMu.Unlock()
	g.routeMu.Lock()
	r := g.servers[serverID]
	delete(g.servers, serverID)
	g.routeMu.Unlock()
	if r != nil {
		r.server.RemoveTools(r.index.Clear()...)
	}
	g.apply(g.aggregate, g.manager.AllTools())
}

func (g *Gateway) apply(r *route, tools []mcpmgr.ServerTool) {
	removed, added := r.index.Rebuild(tools)
	if len(removed) > 0 {
		r.server.RemoveTools(removed...)
	}
	for _, reg := range added {
		r.server.AddTool(reg.Tool, g.gated(ModePassthrough, g.makeToolHandler(reg.Target)))
	}
}

// gated admits a tool call through the mode gate and rejects it when the
// route no longer belongs to the active mode.
func (g *Gateway) gated(mode Mode, handler mcp.ToolHandler) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		current, callCtx, leave, err := g.gate.enter(ctx)
		if err != nil {
			return nil, err
		}
		defer leave()
		if current != mode {
			return toolError(fmt.Sprintf("the proxy is in %s mode", current)), nil
		}
		return handler(callCtx, req)
	}
}

func (g *Gateway) makeToolHandler(target toolTarget) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args any
		if req.Params != nil && len(req.Params.Arguments) > 0 {
			args = req.Params.Arguments
		}
		res, err := g.proxyCall(ctx, req, target.ServerID, target.NativeName, args)
		if err != nil {
			if errors.Is(err, mcperr.ErrNotConnected) {
				return toolError(fmt.Sprintf("server %q is not connected", target.ServerID)), nil
			}
			return toolError(mcperr.SanitizeError(err)), nil
		}
		return res, nil
	}
}

// proxyCall forwards a tool call upstream, relaying progress when the
// downstream client asked for it.
func (g *Gateway) proxyCall(ctx context.Context, req *mcp.CallToolRequest, serverID, tool string, args any) (*mcp.CallToolResult, error) {
	var onProgress mcpmgr.ProgressFunc
	if req != nil && req.Params != nil && req.Session != nil {
		if token := req.Params.GetProgressToken(); token != nil {
			onProgress = progressForwarder(ctx, g.opts.Logger, serverID, req.Session, token)
		}
	}
	client := clientName(req)
	g.opts.Logger.Debug("proxy tool call", "server", serverID, "tool", tool, "client", client)
	return g.manager.CallToolWithProgress(ctx, serverID, tool, args, client, onProgress)
}

// clientName identifies the caller for stats: the ?client= query value,
// then the MCP clientInfo name.
func clientName(req *mcp.CallToolRequest) string {
	if req == nil {
		return "unknown"
	}
	if req.Extra != nil && req.Extra.Header != nil {
		if name := req.Extra.Header.Get(ClientHeader); name != "" {
			return name
		}
	}
	if req.Session != nil {
		if p := req.Session.InitializeParams(); p != nil && p.ClientInfo != nil && p.ClientInfo.Name != "" {
			return p.ClientInfo.Name
		}
	}
	return "unknown"
}

func (g *Gateway) mountHandler() {
	path := g.opts.Path
	mux := http.NewServeMux()
	mux.Handle(path, g.protect(http.HandlerFunc(g.serveAggregate)))
	mux.Handle(path+"/", g.protect(http.HandlerFunc(g.serveSubroute)))
	mux.HandleFunc("/healthz", g.serveHealth)
	if g.opts.AuthorizationServer != "" {
		mux.Handle("/.well-known/oauth-protected-resource", cors.Default().Handler(http.HandlerFunc(g.serveResourceMetadata)))
	}
	g.mux = mux
	g.httpHandler = mux
}

func (g *Gateway) serveAggregate(w http.ResponseWriter, r *http.Request) {
	if g.Mode() != ModePassthrough {
		http.NotFound(w, r)
		return
	}
	g.aggregate.handler.ServeHTTP(w, r)
}

func (g *Gateway) serveSubroute(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, g.opts.Path+"/")
	if name == "" || strings.Contains(name, "/") {
		http.NotFound(w, r)
		return
	}
	mode := g.Mode()
	if name == "discovery" {
		if mode != ModeDiscovery {
			http.NotFound(w, r)
			return
		}
		g.discovery.handler.ServeHTTP(w, r)
		return
	}
	if mode != ModePassthrough {
		http.NotFound(w, r)
		return
	}
	if state, ok := g.manager.State(name); !ok || state != mcpmgr.StateConnected {
		http.NotFound(w, r)
		return
	}
	g.routeMu.RLock()
	rt := g.servers[name]
	g.routeMu.RUnlock()
	if rt == nil {
		http.NotFound(w, r)
		return
	}
	rt.handler.ServeHTTP(w, r)
}

// Health is the /healthz response body.
type Health struct {
	Status    string `json:"status"`
	Mode      Mode   `json:"mode"`
	Connected int    `json:"connected"`
	Servers   int    `json:"servers"`
}

func (g *Gateway) serveHealth(w http.ResponseWriter, r *http.Request) {
	h := Health{Status: "ok", Mode: g.Mode()}
	for _, snap := range g.manager.Snapshots() {
		h.Servers++
		if snap.State == mcpmgr.StateConnected {
			h.Connected++
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h)
}

func (g *Gateway) serveResourceMetadata(w http.ResponseWriter, r *http.Request) {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	meta := oauthex.ProtectedResourceMetadata{
		Resource:               scheme + "://" + r.Host + g.opts.Path,
		AuthorizationServers:   []string{g.opts.AuthorizationServer},
		BearerMethodsSupported: []string{"header"},
	}
	if g.opts.TokenOptions != nil {
		meta.ScopesSupported = g.opts.TokenOptions.Scopes
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(meta)
}

// Protect applies the MCP routes' CORS policy and bearer check to a handler
// mounted through ServeMux.
func (g *Gateway) Protect(h http.Handler) http.Handler { return g.protect(h) }

// protect wraps an MCP route with CORS, optional bearer authentication and
// the ?client= lift.
func (g *Gateway) protect(next http.Handler) http.Handler {
	h := withClientHeader(next)
	verifier := g.opts.TokenVerifier
	if verifier == nil && g.opts.BearerToken != "" {
		verifier = staticTokenVerifier(g.opts.BearerToken)
	}
	if verifier != nil {
		h = auth.RequireBearerToken(verifier, g.opts.TokenOptions)(h)
	}
	return cors.New(*g.opts.CORS).Handler(h)
}

func withClientHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("client")
		if name != r.Header.Get(ClientHeader) {
			r = r.Clone(r.Context())
			if name == "" {
				r.Header.Del(ClientHeader)
			} else {
				r.Header.Set(ClientHeader, name)
			}
		}
		next.ServeHTTP(w, r)
	})
}

func staticTokenVerifier(token string) auth.TokenVerifier {
	return func(_ context.Context, got string, _ *http.Request) (*auth.TokenInfo, error) {
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			return nil, fmt.Errorf("%w: token mismatch", auth.ErrInvalidToken)
		}
		return &auth.TokenInfo{Expiration: time.Now().Add(24 * time.Hour)}, nil
	}
}

// Listen binds Addr, or the per-user default port when Addr is empty,
// falling back to an ephemeral loopback port when that port is taken.
func (g *Gateway) Listen() (net.Listener, error) {
	addr := g.opts.Addr
	if addr == "" {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", DefaultPort()))
		if err == nil {
			return ln, nil
		}
		g.opts.Logger.Warn("default proxy port unavailable, using an ephemeral port", "error", err)
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("mcpgateway: listen %s: %w", addr, err)
	}
	return ln, nil
}

// ListenAndServe runs an HTTP server until the provided context is cancelled or
// the server stops.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	ln, err := g.Listen()
	if err != nil {
		return err
	}
	return g.Serve(ctx, ln)
}

// Serve runs an HTTP server on ln until ctx is cancelled or the server
// stops.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	g.httpServerMu.Lock()
	if g.httpServer != nil {
		serv := g.httpServer
		g.httpServerMu.Unlock()
		ln.Close()
		return fmt.Errorf("mcpgateway: server already running on %s", serv.Addr)
	}
	srv := &http.Server{Addr: ln.Addr().String(), Handler: g.Handler(), ReadHeaderTimeout: 10 * time.Second}
	g.httpServer = srv
	g.listener = ln
	g.httpServerMu.Unlock()
	defer func() {
		g.httpServerMu.Lock()
		if g.httpServer == srv {
			g.httpServer = nil
			g.listener = nil
		}
		g.httpServerMu.Unlock()
	}()
	g.opts.Logger.Info("proxy listening", "addr", srv.Addr, "mode", g.Mode())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), g.opts.SyncTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Addr returns the bound address while serving, or "".
func (g *Gateway) Addr() string {
	g.httpServerMu.Lock()
	defer g.httpServerMu.Unlock()
	if g.listener == nil {
		return ""
	}
	return g.listener.Addr().String()
}

// Shutdown stops the embedded HTTP server if it is running. Streams still
// open when ctx ends are closed forcibly.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.httpServerMu.Lock()
	srv := g.httpServer
	g.httpServer = nil
	g.listener = nil
	g.httpServerMu.Unlock()
	if srv == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
		return err
	}
	return nil
}
