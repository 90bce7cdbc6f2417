// Package mcpclient speaks the MCP client side of JSON-RPC over a
// transport.Transport: it correlates requests with responses, runs the
// initialize handshake, routes notifications and answers the few requests a
// server may send back.
package mcpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-hub-go/pkg/mcperr"
	"github.com/vikashloomba/mcp-hub-go/pkg/rpcwire"
)

// ProtocolVersion is the MCP revision requested during initialize.
const ProtocolVersion = "2025-03-26"

// DefaultTimeout bounds a request when Options.Timeout is zero.
const DefaultTimeout = 60 * time.Second

// Notification methods the client understands.
const (
	MethodInitialized         = "notifications/initialized"
	MethodCancelled           = "notifications/cancelled"
	MethodProgress            = "notifications/progress"
	MethodLogMessage          = "notifications/message"
	MethodToolListChanged     = "notifications/tools/list_changed"
	MethodResourceListChanged = "notifications/resources/list_changed"
)

// maxPages stops pagination against servers that keep returning cursors.
const maxPages = 100

// NotificationHandler receives server notifications in arrival order. It
// runs on the read loop and must not block.
type NotificationHandler func(method string, params json.RawMessage)

// Options configure a Client.
type Options struct {
	// ClientInfo is advertised during initialize. Defaults to mcp-hub/1.0.0.
	ClientInfo *mcp.Implementation
	// Capabilities are advertised during initialize.
	Capabilities *mcp.ClientCapabilities
	// Timeout bounds every request. Defaults to DefaultTimeout.
	Timeout        time.Duration
	OnNotification NotificationHandler
	// RPCLogger observes raw traffic.
	RPCLogger RPCLogger
	// ServerID tags log records and RPC log events.
	ServerID string
	Logger   *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.ClientInfo == nil {
		o.ClientInfo = &mcp.Implementation{Name: "mcp-hub", Version: "1.0.0"}
	}
	if o.Capabilities == nil {
		o.Capabilities = &mcp.ClientCapabilities{}
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

type callResult struct {
	resp *rpcwire.Response
	err  error
}

type pendingCall struct {
	method   string
	issued   time.Time
	deadline time.Time
	ch       chan callResult
}

// Conn is the part of transport.Transport the client drives. Receive
// errors that are protocol errors are skipped while Done is open; any other
// error ends the session.
type Conn interface {
	Send(ctx context.Context, msg []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
	Done() <-chan struct{}
}

// Client is a single MCP session. It is safe for concurrent use.
type Client struct {
	t      Conn
	opts   Options
	logger *slog.Logger

	nextID      atomic.Int64
	initialized atomic.Bool

	mu         sync.Mutex
	pending    map[string]*pendingCall
	initResult *mcp.InitializeResult
	closed     bool
	err        error

	done      chan struct{}
	closeOnce sync.Once
}

// New wraps t and starts the read loop. The client owns t from here on.
func New(t Conn, opts Options) *Client {
	opts = opts.withDefaults()
	c := &Client{
		t:       t,
		opts:    opts,
		logger:  opts.Logger.With("server", opts.ServerID),
		pending: make(map[string]*pendingCall),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Initialize runs the handshake. Other calls fail with ErrNotInitialized
// until it succeeds.
func (c *Client) Initialize(ctx context.Context) (*mcp.InitializeResult, error) {
	params := &mcp.InitializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      c.opts.ClientInfo,
		Capabilities:    c.opts.Capabilities,
	}
	var res mcp.InitializeResult
	if err := c.call(ctx, "initialize", params, &res); err != nil {
		return nil, err
	}
	if err := c.Notify(ctx, MethodInitialized, nil); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.initResult = &res
	c.mu.Unlock()
	c.initialized.Store(true)
	return &res, nil
}

// InitializeResult returns the server's handshake reply, or nil before
// Initialize completes.
func (c *Client) InitializeResult() *mcp.InitializeResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initResult
}

// Call sends a request and decodes the result into result (which may be
// nil). Error responses are returned as *rpcwire.RPCError.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	if !c.initialized.Load() {
		return mcperr.Protocol(method, mcperr.ErrNotInitialized)
	}
	return c.call(ctx, method, params, result)
}

func (c *Client) call(ctx context.Context, method string, params, result any) error {
	id := c.nextID.Add(1)
	req, err := rpcwire.NewCall(id, method, params)
	if err != nil {
		return mcperr.Protocol(method, err)
	}
	data, err := rpcwire.Encode(req)
	if err != nil {
		return err
	}

	now := time.Now()
	p := &pendingCall{
		method:   method,
		issued:   now,
		deadline: now.Add(c.opts.Timeout),
		ch:       make(chan callResult, 1),
	}
	key := rpcwire.IDKey(req.ID)
	c.mu.Lock()
	if c.closed {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.pending[key] = p
	c.mu.Unlock()
	defer c.forget(key)

	callCtx, cancel := context.WithDeadline(ctx, p.deadline)
	defer cancel()

	c.emit(RPCDirectionSend, data)
	if err := c.t.Send(callCtx, data); err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return mcperr.Protocol(method, fmt.Errorf("%w after %s", mcperr.ErrTimeout, c.opts.Timeout))
		}
		return err
	}

	select {
	case r := <-p.ch:
		if r.err != nil {
			return r.err
		}
		if rpcErr := rpcwire.ResponseError(r.resp); rpcErr != nil {
			return fmt.Errorf("mcpclient: %s: %w", method, rpcErr)
		}
		if result != nil && len(r.resp.Result) > 0 {
			if err := json.Unmarshal(r.resp.Result, result); err != nil {
				return mcperr.Protocol(method, fmt.Errorf("%w: %v", mcperr.ErrMalformed, err))
			}
		}
		return nil
	case <-callCtx.Done():
		reason := "request cancelled"
		var err error
		if ctx.Err() != nil {
			err = mcperr.Protocol(method, fmt.Errorf("%w: %v", mcperr.ErrCancelled, ctx.Err()))
		} else {
			reason = "request timed out"
			err = mcperr.Protocol(method, fmt.Errorf("%w after %s", mcperr.ErrTimeout, c.opts.Timeout))
		}
		c.notifyCancelled(req.ID, reason)
		return err
	}
}

// Notify sends a notification.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	req, err := rpcwire.NewNotification(method, params)
	if err != nil {
		return mcperr.Protocol(method, err)
	}
	data, err := rpcwire.Encode(req)
	if err != nil {
		return err
	}
	c.emit(RPCDirectionSend, data)
	return c.t.Send(ctx, data)
}

func (c *Client) notifyCancelled(id rpcwire.ID, reason string) {
	if c.isClosed() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	params := &mcp.CancelledParams{RequestID: id.Raw(), Reason: reason}
	if err := c.Notify(ctx, MethodCancelled, params); err != nil {
		c.logger.Debug("mcpclient: cancel notification failed", "error", err)
	}
}

func (c *Client) forget(key string) {
	c.mu.Lock()
	delete(c.pending, key)
	c.mu.Unlock()
}

// PendingCount reports the number of in-flight requests.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Client) readLoop() {
	for {
		frame, err := c.t.Receive(context.Background())
		if err != nil {
			if mcperr.IsProtocol(err) && !isDone(c.t.Done()) {
				c.logger.Warn("mcpclient: skipping unreadable frame", "error", err)
				continue
			}
			c.terminate(err)
			return
		}
		c.emit(RPCDirectionReceive, frame)
		msgs, errs := rpcwire.DecodeBatch(frame)
		for _, err := range errs {
			c.logger.Warn("mcpclient: dropping malformed message", "error", err)
		}
		for _, msg := range msgs {
			c.dispatch(msg)
		}
	}
}

func (c *Client) dispatch(msg rpcwire.Message) {
	switch m := msg.(type) {
	case *rpcwire.Response:
		key := rpcwire.IDKey(m.ID)
		c.mu.Lock()
		p := c.pending[key]
		delete(c.pending, key)
		c.mu.Unlock()
		if p == nil {
			c.logger.Warn("mcpclient: dropping response", "error", mcperr.Protocol("response", mcperr.ErrUnknownResponseID), "id", m.ID.Raw())
			return
		}
		p.ch <- callResult{resp: m}
	case *rpcwire.Request:
		if m.IsCall() {
			go c.answer(m)
			return
		}
		c.handleNotification(m)
	}
}

func (c *Client) handleNotification(req *rpcwire.Request) {
	if req.Method == MethodCancelled {
		var params mcp.CancelledParams
		if err := json.Unmarshal(req.Params, &params); err == nil && params.RequestID != nil {
			c.resolveCancelled(params)
		}
	}
	if c.opts.OnNotification != nil {
		c.opts.OnNotification(req.Method, req.Params)
	}
}

func (c *Client) resolveCancelled(params mcp.CancelledParams) {
	id, err := jsonrpc.MakeID(params.RequestID)
	if err != nil {
		return
	}
	key := rpcwire.IDKey(id)
	c.mu.Lock()
	p := c.pending[key]
	delete(c.pending, key)
	c.mu.Unlock()
	if p == nil {
		return
	}
	cause := mcperr.ErrCancelled
	if params.Reason != "" {
		cause = fmt.Errorf("%w by server: %s", mcperr.ErrCancelled, params.Reason)
	}
	p.ch <- callResult{err: mcperr.Protocol(p.method, cause)}
}

// answer replies to a server-initiated request. Only ping is supported.
func (c *Client) answer(req *rpcwire.Request) {
	var (
		data []byte
		err  error
	)
	if req.Method == "ping" {
		var resp *rpcwire.Response
		resp, err = rpcwire.NewResult(req.ID, struct{}{})
		if err == nil {
			data, err = rpcwire.Encode(resp)
		}
	} else {
		data, err = rpcwire.EncodeError(req.ID, rpcwire.CodeMethodNotFound, "method not found: "+req.Method)
	}
	if err != nil {
		c.logger.Warn("mcpclient: encode reply failed", "method", req.Method, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.emit(RPCDirectionSend, data)
	if err := c.t.Send(ctx, data); err != nil {
		c.logger.Debug("mcpclient: reply failed", "method", req.Method, "error", err)
	}
}

// terminate fails every pending call with err and marks the client closed.
func (c *Client) terminate(err error) {
	if err == nil {
		err = mcperr.Transport("receive", mcperr.ErrCancelled)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = err
	pending := c.pending
	c.pending = make(map[string]*pendingCall)
	c.mu.Unlock()

	for _, p := range pending {
		p.ch <- callResult{err: err}
	}
	close(c.done)
}

// Close fails in-flight requests with ErrCancelled and closes the transport.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.terminate(mcperr.Transport("close", mcperr.ErrCancelled))
		err = c.t.Close()
	})
	return err
}

// Done is closed once the client can no longer issue requests.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why Done was closed.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Transport exposes the underlying transport.
func (c *Client) Transport() Conn { return c.t }

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func isDone(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
