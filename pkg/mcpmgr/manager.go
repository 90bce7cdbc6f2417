package mcpmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/vikashloomba/mcp-hub-go/pkg/mcpclient"
	"github.com/vikashloomba/mcp-hub-go/pkg/mcperr"
	"github.com/vikashloomba/mcp-hub-go/pkg/oauth"
	"github.com/vikashloomba/mcp-hub-go/pkg/stats"
	"github.com/vikashloomba/mcp-hub-go/pkg/transport"
)

// ServerSnapshot is a point-in-time copy of a managed server.
type ServerSnapshot struct {
	ID            string
	Config        ServerConfig
	State         State
	Error         string
	ServerInfo    *mcp.Implementation
	Capabilities  *mcp.ServerCapabilities
	Instructions  string
	ToolCount     int
	ResourceCount int
	ConnectedAt   time.Time
	// LastConnected survives disconnects.
	LastConnected time.Time
	OAuthStatus   oauth.Status
	// PID is set for connected stdio servers.
	PID int
}

// ServerTool pairs a tool with the server exposing it.
type ServerTool struct {
	ServerID   string
	ServerName string
	Tool       *mcp.Tool
}

// ProgressFunc receives upstream progress for one tool call.
type ProgressFunc func(*mcp.ProgressNotificationParams)

// Manager orchestrates connections to many MCP servers. Each server moves
// through the State machine independently; a failure on one never affects
// another.
type Manager struct {
	mu sync.RWMutex

	options ManagerOptions
	logger  *slog.Logger
	stats   *stats.Collector
	events  *eventBus

	states map[string]*managedState
	closed bool

	toolsChangedHandlers  []func(string)
	serverRemovedHandlers []func(string)

	progressMu sync.Mutex
	progress   map[string]ProgressFunc

	// dials counts connect attempts still running; Shutdown waits for them.
	dials sync.WaitGroup
}

// AttemptCancelled is the error text of the intermediate error status
// published when a connect attempt is cancelled by Disconnect, SetEnabled,
// UpdateServer or Shutdown. A disconnected status always follows it.
const AttemptCancelled = "connection attempt cancelled"


// managedState is the runtime record of one server. Only the manager
// mutates it, under mu.
type managedState struct {
	config  ServerConfig
	state   State
	lastErr string

	client    *mcpclient.Client
	pid       int
	init      *mcp.InitializeResult
	tools     []*mcp.Tool
	resources []*mcp.Resource

	connectedAt   time.Time
	lastConnected time.Time

	// connecting marks the single goroutine running a connect attempt;
	// connectCh closes when it finishes.
	connecting    bool
	connectCh     chan struct{}
	cancelConnect context.CancelFunc
	// attempt is the transport of the running attempt, killed by Shutdown
	// when its deadline passes before the attempt unwinds.
	attempt transport.Transport
	// generation increments on every attempt so late results from an
	// abandoned attempt are discarded.
	generation uint64
}

// NewManager registers configs without connecting. Invalid configs are
// logged and skipped.
func NewManager(configs []ServerConfig, opts *ManagerOptions) *Manager {
	options := opts.normalized()
	m := &Manager{
		options:  options,
		logger:   options.Logger,
		stats:    options.Stats,
		events:   newEventBus(options.LogBufferSize),
		states:   make(map[string]*managedState),
		progress: make(map[string]ProgressFunc),
	}
	if options.OAuth != nil {
		options.OAuth.Observe(m.onOAuthStatus)
	}
	for _, cfg := range configs {
		if err := m.AddServer(cfg); err != nil {
			m.logger.Warn("mcpmgr: skipping server", "server", cfg.ID, "error", err)
		}
	}
	return m
}

// Stats exposes the collector tool calls are recorded in.
func (m *Manager) Stats() *stats.Collector { return m.stats }

// OAuth returns the coordinator supplying tokens, or nil.
func (m *Manager) OAuth() *oauth.Coordinator { return m.options.OAuth }

// transition routes every state change through the table. Callers hold mu.
func (m *Manager) transition(id string, st *managedState, next State, errMsg string) error {
	if !st.state.CanTransition(next) {
		m.logger.Error("mcpmgr: rejected state change", "server", id, "from", st.state, "to", next)
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, st.state, next)
	}
	m.logger.Debug("mcpmgr: state change", "server", id, "from", st.state, "to", next)
	st.state = next
	st.lastErr = errMsg
	m.events.publish(Event{Type: EventStatus, ServerID: id, State: next, Error: errMsg})
	return nil
}

func notFound(op, id string) error {
	return mcperr.Config(op, mcperr.ErrServerNotFound).WithServer(id)
}

// AddServer registers a new server in the disconnected state.
func (m *Manager) AddServer(cfg ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg = cfg.Clone()
	cfg.normalize()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return mcperr.Configf("add", "manager is shut down")
	}
	if _, ok := m.states[cfg.ID]; ok {
		return mcperr.Configf("add", "server already exists").WithServer(cfg.ID)
	}
	m.states[cfg.ID] = &managedState{config: cfg, state: StateDisconnected}
	m.events.publish(Event{Type: EventStatus, ServerID: cfg.ID, State: StateDisconnected})
	return nil
}

// UpdateServer replaces a server's definition. A live connection is torn
// down first when the definition changed or the server is being disabled.
func (m *Manager) UpdateServer(ctx context.Context, cfg ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg = cfg.Clone()
	cfg.normalize()

	// The new definition is stored before the teardown so a Connect racing
	// with it either dials the new definition or is rejected as disabled.
	m.mu.Lock()
	st, ok := m.states[cfg.ID]
	if !ok {
		m.mu.Unlock()
		return notFound("update", cfg.ID)
	}
	old := st.config
	live := st.state == StateConnected || st.state == StateConnecting
	st.config = cfg
	m.mu.Unlock()

	if live && (!cfg.Enabled || !SameDefinition(old, cfg)) {
		if err := m.Disconnect(ctx, cfg.ID); err != nil {
			return err
		}
	}
	if !cfg.Enabled && m.options.OAuth != nil {
		m.options.OAuth.Cancel(cfg.ID)
	}
	return nil
}

// RemoveServer tears the connection down and forgets the server and its
// stats.
func (m *Manager) RemoveServer(ctx context.Context, serverID string) error {
	if err := m.Disconnect(ctx, serverID); err != nil {
		return err
	}
	if m.options.OAuth != nil {
		m.options.OAuth.Cancel(serverID)
	}
	m.mu.Lock()
	delete(m.states, serverID)
	m.mu.Unlock()
	m.stats.Remove(serverID)
	m.notifyToolsChanged(serverID)
	m.notifyServerRemoved(serverID)
	return nil
}

// SetEnabled toggles a server. Disabling clears the flag first, so no new
// Connect can start, then closes the connection (failing its in-flight
// requests as cancelled) and aborts any OAuth flow. Enabling does not
// connect.
func (m *Manager) SetEnabled(ctx context.Context, serverID string, enabled bool) error {
	m.mu.Lock()
	st, ok := m.states[serverID]
	if ok {
		st.config.Enabled = enabled
	}
	m.mu.Unlock()
	if !ok {
		return notFound("set-enabled", serverID)
	}
	if enabled {
		return nil
	}
	if err := m.Disconnect(ctx, serverID); err != nil {
		return err
	}
	if m.options.OAuth != nil {
		m.options.OAuth.Cancel(serverID)
	}
	return nil
}

// Connect dials the server, runs the handshake and caches its tools and
// resources. It returns nil without doing anything when the server is
// already connecting or connected.
func (m *Manager) Connect(ctx context.Context, serverID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return mcperr.Configf("connect", "manager is shut down").WithServer(serverID)
	}
	st, ok := m.states[serverID]
	if !ok {
		m.mu.Unlock()
		return notFound("connect", serverID)
	}
	if !st.config.Enabled {
		m.mu.Unlock()
		return mcperr.Configf("connect", "server is disabled").WithServer(serverID)
	}
	if st.state == StateConnecting || st.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	if err := m.transition(serverID, st, StateConnecting, ""); err != nil {
		m.mu.Unlock()
		return err
	}
	st.generation++
	gen := st.generation
	attemptCtx, cancel := context.WithCancel(ctx)
	ch := make(chan struct{})
	st.connecting = true
	st.connectCh = ch
	st.cancelConnect = cancel
	cfg := st.config.Clone()
	m.dials.Add(1)
	m.mu.Unlock()
	defer m.dials.Done()

	res, err := m.dial(attemptCtx, serverID, cfg, gen, func(tr transport.Transport) {
		m.mu.Lock()
		if st.connectCh == ch {
			st.attempt = tr
		}
		m.mu.Unlock()
	})
	cancel()

	m.mu.Lock()
	if st.connectCh == ch {
		st.connecting = false
		st.cancelConnect = nil
	}
	stale := m.states[serverID] != st || st.generation != gen || st.state != StateConnecting
	if !stale && (!st.config.Enabled || !SameDefinition(st.config, cfg)) {
		// Disabled or redefined while dialing.
		_ = m.transition(serverID, st, StateError, AttemptCancelled)
		_ = m.transition(serverID, st, StateDisconnected, "")
		stale = true
	}
	if stale {
		m.mu.Unlock()
		// The attempt stays killable by Shutdown until it is closed.
		if res != nil {
			m.closeClient(context.Background(), res.client)
		}
		m.mu.Lock()
		if st.connectCh == ch {
			st.attempt = nil
		}
		m.mu.Unlock()
		close(ch)
		return mcperr.Transport("connect", mcperr.ErrCancelled).WithServer(serverID)
	}
	if st.connectCh == ch {
		st.attempt = nil
	}
	if err != nil {
		msg := mcperr.SanitizeError(err)
		_ = m.transition(serverID, st, StateError, msg)
		if errors.Is(err, mcperr.ErrAuthRequired) {
			m.events.publish(Event{Type: EventOAuthRequired, ServerID: serverID, Error: msg})
		}
		m.mu.Unlock()
		close(ch)
		m.logger.Warn("mcpmgr: connect failed", "server", serverID, "error", err)
		return err
	}
	now := time.Now()
	st.client = res.client
	st.pid = res.pid
	st.init = res.init
	st.tools = res.tools
	st.resources = res.resources
	st.connectedAt = now
	st.lastConnected = now
	_ = m.transition(serverID, st, StateConnected, "")
	m.events.publish(Event{Type: EventTools, ServerID: serverID, Tools: cloneTools(res.tools)})
	m.mu.Unlock()
	close(ch)

	m.logger.Info("mcpmgr: connected", "server", serverID, "tools", len(res.tools))
	go m.monitor(serverID, st, res.client, gen)
	m.notifyToolsChanged(serverID)
	return nil
}

type dialResult struct {
	client    *mcpclient.Client
	pid       int
	init      *mcp.InitializeResult
	tools     []*mcp.Tool
	resources []*mcp.Resource
}

// dial opens a transport and runs the handshake. track receives the
// transport before the first message is sent.
func (m *Manager) dial(ctx context.Context, serverID string, cfg ServerConfig, gen uint64, track func(transport.Transport)) (*dialResult, error) {
	tr, err := m.newTransport(serverID, cfg)
	if err != nil {
		return nil, tagServer("connect", err, serverID)
	}
	track(tr)
	client := mcpclient.New(tr, mcpclient.Options{
		ClientInfo:     &mcp.Implementation{Name: m.options.DefaultClientName, Version: m.options.DefaultClientVersion},
		Timeout:        m.timeoutFor(cfg),
		OnNotification: m.notificationHandler(serverID, gen),
		RPCLogger:      m.options.RPCLogger,
		ServerID:       serverID,
		Logger:         m.logger,
	})
	init, err := client.Initialize(ctx)
	if err != nil {
		m.closeClient(context.Background(), client)
		return nil, tagServer("initialize", err, serverID)
	}
	res := &dialResult{client: client, init: init}
	if s, ok := tr.(*transport.Stdio); ok {
		res.pid = s.PID()
	}
	caps := init.Capabilities
	if caps != nil && caps.Tools != nil {
		if res.tools, err = client.ListTools(ctx); err != nil {
			m.closeClient(context.Background(), client)
			return nil, tagServer("tools/list", err, serverID)
		}
	}
	if caps != nil && caps.Resources != nil {
		resources, err := client.ListResources(ctx)
		if err != nil {
			m.logger.Warn("mcpmgr: listing resources failed", "server", serverID, "error", err)
		} else {
			res.resources = resources
		}
	}
	return res, nil
}

func (m *Manager) newTransport(serverID string, cfg ServerConfig) (transport.Transport, error) {
	switch cfg.Transport {
	case TransportStdio:
		spec, _ := AsStdio(cfg)
		t, err := transport.NewStdio(transport.StdioOptions{
			Command:       spec.Command,
			Args:          spec.Args,
			Env:           spec.Env,
			MaxLineLength: m.options.MaxLineLength,
			Grace:         m.options.ShutdownGrace / 2,
			OnLog:         m.logSink(serverID),
		})
		if err != nil {
			return nil, err
		}
		return t, nil
	case TransportHTTP:
		spec, _ := AsHTTP(cfg)
		opts := transport.HTTPOptions{
			URL:            spec.URL,
			Headers:        spec.Headers,
			Client:         m.options.HTTPClient,
			MaxMessageSize: m.options.MaxLineLength,
			OnLog:          m.logSink(serverID),
		}
		if m.options.OAuth != nil {
			opts.Token = m.options.OAuth.AccessToken(serverID)
		}
		t, err := transport.NewHTTP(opts)
		if err != nil {
			return nil, err
		}
		return t, nil
	default:
		return nil, mcperr.Configf("connect", "unknown transport %q", cfg.Transport)
	}
}

func (m *Manager) timeoutFor(cfg ServerConfig) time.Duration {
	if cfg.Timeout > 0 {
		return time.Duration(cfg.Timeout)
	}
	return m.options.DefaultTimeout
}

// tagServer attaches serverID to classified errors and classifies the rest
// as transport failures of op.
func tagServer(op string, err error, serverID string) error {
	var e *mcperr.Error
	if errors.As(err, &e) {
		if e.ServerID == "" {
			return e.WithServer(serverID)
		}
		return err
	}
	return mcperr.Transport(op, err).WithServer(serverID)
}

// monitor moves a connection to error when its transport dies on its own.
// There is no automatic reconnect.
func (m *Manager) monitor(serverID string, st *managedState, client *mcpclient.Client, gen uint64) {
	<-client.Done()
	m.mu.Lock()
	if m.states[serverID] != st || st.generation != gen || st.client != client || st.state != StateConnected {
		m.mu.Unlock()
		return
	}
	err := client.Err()
	msg := mcperr.SanitizeError(err)
	if msg == "" {
		msg = "connection closed"
	}
	st.detach()
	_ = m.transition(serverID, st, StateError, msg)
	m.events.publish(Event{Type: EventTools, ServerID: serverID})
	if errors.Is(err, mcperr.ErrAuthRequired) {
		m.events.publish(Event{Type: EventOAuthRequired, ServerID: serverID, Error: msg})
	}
	m.mu.Unlock()

	m.logger.Warn("mcpmgr: connection lost", "server", serverID, "error", err)
	m.notifyToolsChanged(serverID)
	m.closeClient(context.Background(), client)
}

func (st *managedState) detach() {
	st.client = nil
	st.pid = 0
	st.init = nil
	st.tools = nil
	st.resources = nil
	st.connectedAt = time.Time{}
}

// Disconnect closes the server's connection. From error it clears the
// error; while disconnected it does nothing. A connect attempt in
// progress is cancelled: subscribers see an error status carrying
// AttemptCancelled, then disconnected, and Disconnect waits for the
// attempt to unwind or ctx to end.
func (m *Manager) Disconnect(ctx context.Context, serverID string) error {
	m.mu.Lock()
	st, ok := m.states[serverID]
	if !ok {
		m.mu.Unlock()
		return notFound("disconnect", serverID)
	}
	switch st.state {
	case StateError:
		_ = m.transition(serverID, st, StateDisconnected, "")
		m.mu.Unlock()
		return nil
	case StateConnecting:
		ch, cancel := st.connectCh, st.cancelConnect
		_ = m.transition(serverID, st, StateError, AttemptCancelled)
		_ = m.transition(serverID, st, StateDisconnected, "")
		m.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if ch != nil {
			select {
			case <-ch:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	case StateConnected:
		client := st.client
		st.detach()
		_ = m.transition(serverID, st, StateDisconnected, "")
		m.events.publish(Event{Type: EventTools, ServerID: serverID})
		m.mu.Unlock()
		m.notifyToolsChanged(serverID)
		if client != nil {
			m.closeClient(ctx, client)
		}
		return nil
	default:
		m.mu.Unlock()
		return nil
	}
}

// closeClient closes gracefully and kills a stdio subprocess that is still
// alive after ShutdownGrace or once ctx ends.
func (m *Manager) closeClient(ctx context.Context, client *mcpclient.Client) {
	done := make(chan error, 1)
	go func() { done <- client.Close() }()
	timer := time.NewTimer(m.options.ShutdownGrace)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			m.logger.Debug("mcpmgr: close failed", "error", err)
		}
		return
	case <-ctx.Done():
	case <-timer.C:
	}
	if s, ok := client.Transport().(*transport.Stdio); ok {
		m.logger.Warn("mcpmgr: killing unresponsive server", "pid", s.PID())
		_ = s.Kill()
	}
}

// ConnectEnabled connects every enabled server once, in parallel. Failures
// land in each server's error state and are also returned joined.
func (m *Manager) ConnectEnabled(ctx context.Context) error {
	m.mu.RLock()
	var ids []string
	for id, st := range m.states {
		if st.config.Enabled {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()
	sort.Strings(ids)

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(m.options.ConnectConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			if err := m.Connect(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Shutdown disconnects every server in parallel, killing subprocesses that
// outlive ctx, and closes all subscriptions. Connect attempts still running
// when ctx ends have their transports killed, and Shutdown returns only
// after they unwind. The manager cannot be reused.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	ids := make([]string, 0, len(m.states))
	for id := range m.states {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, id := range ids {
		g.Go(func() error {
			if err := m.Disconnect(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("mcpmgr: shutdown %s: %w", id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		m.killAttempts()
	}
	m.dials.Wait()
	m.events.close()
	return errors.Join(errs...)
}

// killAttempts stops the transports of connect attempts that have not
// unwound yet.
func (m *Manager) killAttempts() {
	m.mu.Lock()
	var attempts []transport.Transport
	for id, st := range m.states {
		if st.attempt != nil {
			m.logger.Warn("mcpmgr: killing pending connect attempt", "server", id)
			attempts = append(attempts, st.attempt)
		}
	}
	m.mu.Unlock()
	for _, tr := range attempts {
		if s, ok := tr.(*transport.Stdio); ok {
			_ = s.Kill()
			continue
		}
		_ = tr.Close()
	}
}

func (m *Manager) connectedClient(op, serverID string) (*mcpclient.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[serverID]
	if !ok {
		return nil, notFound(op, serverID)
	}
	if st.state != StateConnected || st.client == nil {
		return nil, mcperr.Transport(op, mcperr.ErrNotConnected).WithServer(serverID)
	}
	return st.client, nil
}

// CallTool invokes tool on a connected server and records the outcome in
// the stats collector under clientID.
func (m *Manager) CallTool(ctx context.Context, serverID, tool string, args any, clientID string) (*mcp.CallToolResult, error) {
	return m.CallToolWithProgress(ctx, serverID, tool, args, clientID, nil)
}

// CallToolWithProgress is CallTool with a progress token attached; upstream
// progress notifications for the call are passed to onProgress.
func (m *Manager) CallToolWithProgress(ctx context.Context, serverID, tool string, args any, clientID string, onProgress ProgressFunc) (*mcp.CallToolResult, error) {
	client, err := m.connectedClient("tools/call", serverID)
	if err != nil {
		return nil, err
	}
	var token any
	if onProgress != nil {
		key := uuid.NewString()
		token = key
		m.progressMu.Lock()
		m.progress[key] = onProgress
		m.progressMu.Unlock()
		defer func() {
			m.progressMu.Lock()
			delete(m.progress, key)
			m.progressMu.Unlock()
		}()
	}

	start := time.Now()
	res, err := client.CallTool(ctx, tool, args, token)
	m.stats.Record(serverID, stats.ToolCallRecord{
		Tool:       tool,
		Client:     clientID,
		DurationMs: time.Since(start).Milliseconds(),
		Success:    err == nil && res != nil && !res.IsError,
	})
	if err != nil {
		return nil, tagServer("tools/call", err, serverID)
	}
	return res, nil
}

func (m *Manager) dispatchProgress(p *mcp.ProgressNotificationParams) {
	key, ok := p.ProgressToken.(string)
	if !ok {
		return
	}
	m.progressMu.Lock()
	fn := m.progress[key]
	m.progressMu.Unlock()
	if fn != nil {
		fn(p)
	}
}

// ReadResource reads uri from a connected server.
func (m *Manager) ReadResource(ctx context.Context, serverID, uri string) (*mcp.ReadResourceResult, error) {
	client, err := m.connectedClient("resources/read", serverID)
	if err != nil {
		return nil, err
	}
	res, err := client.ReadResource(ctx, uri)
	if err != nil {
		return nil, tagServer("resources/read", err, serverID)
	}
	return res, nil
}

// Ping round-trips a ping to a connected server.
func (m *Manager) Ping(ctx context.Context, serverID string) error {
	client, err := m.connectedClient("ping", serverID)
	if err != nil {
		return err
	}
	if err := client.Ping(ctx); err != nil {
		return tagServer("ping", err, serverID)
	}
	return nil
}

// ListServers returns known server identifiers.
func (m *Manager) ListServers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.states))
	for id := range m.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Config returns a copy of the server's definition.
func (m *Manager) Config(serverID string) (ServerConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[serverID]
	if !ok {
		return ServerConfig{}, false
	}
	return st.config.Clone(), true
}

// Configs returns every definition, sorted by id.
func (m *Manager) Configs() []ServerConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ServerConfig, 0, len(m.states))
	for _, st := range m.states {
		out = append(out, st.config.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// State reports the server's current state.
func (m *Manager) State(serverID string) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[serverID]
	if !ok {
		return "", false
	}
	return st.state, true
}

func (m *Manager) snapshotLocked(id string, st *managedState) ServerSnapshot {
	snap := ServerSnapshot{
		ID:            id,
		Config:        st.config.Clone(),
		State:         st.state,
		Error:         st.lastErr,
		ToolCount:     len(st.tools),
		ResourceCount: len(st.resources),
		ConnectedAt:   st.connectedAt,
		LastConnected: st.lastConnected,
		PID:           st.pid,
	}
	if st.init != nil {
		snap.ServerInfo = st.init.ServerInfo
		snap.Capabilities = st.init.Capabilities
		snap.Instructions = st.init.Instructions
	}
	return snap
}

// Snapshot returns a copy of the server's runtime record.
func (m *Manager) Snapshot(serverID string) (ServerSnapshot, bool) {
	m.mu.RLock()
	st, ok := m.states[serverID]
	var snap ServerSnapshot
	if ok {
		snap = m.snapshotLocked(serverID, st)
	}
	m.mu.RUnlock()
	if ok && m.options.OAuth != nil {
		snap.OAuthStatus = m.options.OAuth.Status(serverID)
	}
	return snap, ok
}

// Snapshots returns a copy of every server's runtime record, sorted by id.
func (m *Manager) Snapshots() []ServerSnapshot {
	m.mu.RLock()
	out := make([]ServerSnapshot, 0, len(m.states))
	for id, st := range m.states {
		out = append(out, m.snapshotLocked(id, st))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if m.options.OAuth != nil {
		for i := range out {
			out[i].OAuthStatus = m.options.OAuth.Status(out[i].ID)
		}
	}
	return out
}

// Tools returns the cached tool list of a connected server.
func (m *Manager) Tools(serverID string) []*mcp.Tool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[serverID]
	if !ok || st.state != StateConnected {
		return nil
	}
	return cloneTools(st.tools)
}

// Resources returns the cached resource list of a connected server.
func (m *Manager) Resources(serverID string) []*mcp.Resource {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[serverID]
	if !ok || st.state != StateConnected {
		return nil
	}
	return append([]*mcp.Resource(nil), st.resources...)
}

// AllTools returns the tools of every connected server, ordered by server
// id then tool name.
func (m *Manager) AllTools() []ServerTool {
	m.mu.RLock()
	var out []ServerTool
	for id, st := range m.states {
		if st.state != StateConnected {
			continue
		}
		for _, tool := range st.tools {
			out = append(out, ServerTool{ServerID: id, ServerName: st.config.DisplayName(), Tool: tool})
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ServerID != out[j].ServerID {
			return out[i].ServerID < out[j].ServerID
		}
		return out[i].Tool.Name < out[j].Tool.Name
	})
	return out
}

func cloneTools(tools []*mcp.Tool) []*mcp.Tool {
	if tools == nil {
		return nil
	}
	return append([]*mcp.Tool(nil), tools...)
}

func (m *Manager) notificationHandler(serverID string, gen uint64) mcpclient.NotificationHandler {
	return func(method string, params json.RawMessage) {
		switch method {
		case mcpclient.MethodToolListChanged:
			go m.refreshTools(serverID, gen)
		case mcpclient.MethodResourceListChanged:
			go m.refreshResources(serverID, gen)
		case mcpclient.MethodLogMessage:
			var p mcp.LoggingMessageParams
			if err := json.Unmarshal(params, &p); err != nil {
				m.logger.Debug("mcpmgr: bad log notification", "server", serverID, "error", err)
				return
			}
			m.events.publish(Event{Type: EventLog, ServerID: serverID, Level: levelOf(p.Level), Message: logText(&p)})
		case mcpclient.MethodProgress:
			var p mcp.ProgressNotificationParams
			if err := json.Unmarshal(params, &p); err != nil {
				return
			}
			m.dispatchProgress(&p)
		}
	}
}

// liveClient returns the client of attempt gen while it is connected.
func (m *Manager) liveClient(serverID string, gen uint64) (*mcpclient.Client, ServerConfig) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[serverID]
	if !ok || st.generation != gen || st.state != StateConnected {
		return nil, ServerConfig{}
	}
	return st.client, st.config
}

func (m *Manager) refreshTools(serverID string, gen uint64) {
	client, cfg := m.liveClient(serverID, gen)
	if client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.timeoutFor(cfg))
	defer cancel()
	tools, err := client.ListTools(ctx)
	if err != nil {
		m.logger.Warn("mcpmgr: refreshing tools failed", "server", serverID, "error", err)
		return
	}
	m.mu.Lock()
	st, ok := m.states[serverID]
	if !ok || st.generation != gen || st.state != StateConnected {
		m.mu.Unlock()
		return
	}
	st.tools = tools
	m.events.publish(Event{Type: EventTools, ServerID: serverID, Tools: cloneTools(tools)})
	m.mu.Unlock()
	m.notifyToolsChanged(serverID)
}

func (m *Manager) refreshResources(serverID string, gen uint64) {
	client, cfg := m.liveClient(serverID, gen)
	if client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.timeoutFor(cfg))
	defer cancel()
	resources, err := client.ListResources(ctx)
	if err != nil {
		m.logger.Warn("mcpmgr: refreshing resources failed", "server", serverID, "error", err)
		return
	}
	m.mu.Lock()
	if st, ok := m.states[serverID]; ok && st.generation == gen && st.state == StateConnected {
		st.resources = resources
	}
	m.mu.Unlock()
}

func (m *Manager) logSink(serverID string) transport.LogFunc {
	return func(line transport.LogLine) {
		m.events.publish(Event{Type: EventLog, ServerID: serverID, Level: line.Level, Message: line.Message})
	}
}

func levelOf(level mcp.LoggingLevel) transport.LogLevel {
	switch level {
	case "debug":
		return transport.LevelDebug
	case "warning":
		return transport.LevelWarn
	case "error", "critical", "alert", "emergency":
		return transport.LevelError
	default:
		return transport.LevelInfo
	}
}

func logText(p *mcp.LoggingMessageParams) string {
	var text string
	if s, ok := p.Data.(string); ok {
		text = s
	} else if data, err := json.Marshal(p.Data); err == nil {
		text = string(data)
	}
	if p.Logger != "" {
		text = "[" + p.Logger + "] " + text
	}
	return strings.TrimSpace(text)
}

func (m *Manager) onOAuthStatus(serverID string, status oauth.Status, err error) {
	m.events.publish(Event{Type: EventOAuth, ServerID: serverID, OAuthStatus: status, Error: mcperr.SanitizeError(err)})
}

// Authorize runs the OAuth flow for an HTTP server and then connects it
// when enabled.
func (m *Manager) Authorize(ctx context.Context, serverID string) error {
	if m.options.OAuth == nil {
		return mcperr.Configf("authorize", "oauth is not configured").WithServer(serverID)
	}
	cfg, ok := m.Config(serverID)
	if !ok {
		return notFound("authorize", serverID)
	}
	spec, ok := AsHTTP(cfg)
	if !ok {
		return mcperr.Configf("authorize", "only http servers use oauth").WithServer(serverID)
	}
	if _, err := m.options.OAuth.Authorize(ctx, serverID, spec.URL, spec.Auth); err != nil {
		return err
	}
	if !cfg.Enabled {
		return nil
	}
	if state, _ := m.State(serverID); state == StateConnected {
		if err := m.Disconnect(ctx, serverID); err != nil {
			return err
		}
	}
	return m.Connect(ctx, serverID)
}

// ClearAuthorization forgets the server's stored tokens.
func (m *Manager) ClearAuthorization(serverID string) error {
	if m.options.OAuth == nil {
		return nil
	}
	return m.options.OAuth.Clear(serverID)
}
