package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-hub-go/pkg/mcperr"
)

// HTTPOptions configure an HTTP transport.
type HTTPOptions struct {
	URL     string
	Headers map[string]string
	// Client is the base HTTP client. Defaults to http.DefaultClient.
	Client *http.Client
	// Token supplies a bearer token per request.
	Token TokenFunc
	// SessionID resumes an existing session.
	SessionID string
	// PreferSSE selects the legacy SSE protocol up front. When nil, URLs
	// ending in "/sse" use it.
	PreferSSE *bool
	// MaxMessageSize bounds a single event on the listen stream. Defaults
	// to DefaultMaxLineLength.
	MaxMessageSize int
	// DisableListen skips the optional GET stream used for server-initiated
	// notifications.
	DisableListen bool
	OnLog         LogFunc
}

var errFallback = errors.New("endpoint rejected streamable request")

// HTTP adapts the go-sdk streamable and SSE client connections to the
// Transport contract. Outbound frames are decoded and written to the
// connection; inbound messages are encoded back into frames. When the
// endpoint rejects the first streamable request with 404 or 405 the
// transport reconnects with the legacy SSE protocol.
type HTTP struct {
	*mailbox

	opts     HTTPOptions
	endpoint *url.URL
	client   *http.Client
	tracker  *sessionIDTracker

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	conn       mcp.Connection
	connCancel context.CancelFunc
	legacy     bool
	contacted  bool
	listening  bool

	closeOnce sync.Once
	closing   chan struct{}
}

// NewHTTP validates the endpoint and prepares the transport. No request is
// made until the first Send.
func NewHTTP(opts HTTPOptions) (*HTTP, error) {
	endpoint, err := url.Parse(strings.TrimSpace(opts.URL))
	if err != nil || endpoint.Scheme == "" || endpoint.Host == "" {
		return nil, mcperr.Configf("dial", "invalid endpoint URL %q", opts.URL)
	}
	if endpoint.Scheme != "http" && endpoint.Scheme != "https" {
		return nil, mcperr.Configf("dial", "unsupported URL scheme %q", endpoint.Scheme)
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = DefaultMaxLineLength
	}
	tracker := newSessionIDTracker(opts.SessionID)
	ctx, cancel := context.WithCancel(context.Background())
	t := &HTTP{
		mailbox:  newMailbox(64),
		opts:     opts,
		endpoint: endpoint,
		client:   decorateHTTPClient(opts.Client, opts.Headers, tracker, opts.Token),
		tracker:  tracker,
		ctx:      ctx,
		cancel:   cancel,
		closing:  make(chan struct{}),
	}
	t.legacy = t.preferSSE()
	return t, nil
}

func (t *HTTP) Kind() Kind { return KindHTTP }

// SessionID returns the server-assigned session id, if any.
func (t *HTTP) SessionID() string { return t.tracker.Value() }

// Legacy reports whether the transport uses the SSE protocol.
func (t *HTTP) Legacy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.legacy
}

func (t *HTTP) preferSSE() bool {
	if t.opts.PreferSSE != nil {
		return *t.opts.PreferSSE
	}
	return strings.HasSuffix(strings.TrimRight(t.endpoint.Path, "/"), "/sse")
}

func (t *HTTP) Receive(ctx context.Context) ([]byte, error) {
	return t.receive(ctx)
}

// Send writes msg to the connection. Replies are delivered through Receive.
func (t *HTTP) Send(ctx context.Context, msg []byte) error {
	if t.isFinished() {
		if err := t.Err(); err != nil {
			return err
		}
		return mcperr.Transport("post", mcperr.ErrCancelled)
	}
	m, err := jsonrpc.DecodeMessage(msg)
	if err != nil {
		return mcperr.Protocol("send", fmt.Errorf("%w: %v", mcperr.ErrMalformed, err))
	}
	conn, first, err := t.connection(ctx)
	if err != nil {
		return err
	}
	err = t.write(ctx, conn, m, first)
	if errors.Is(err, errFallback) {
		t.log(LevelInfo, "endpoint rejected streamable HTTP, falling back to SSE")
		var legacyErr error
		if conn, legacyErr = t.fallback(ctx, conn); legacyErr != nil {
			return mcperr.Transport("connect", fmt.Errorf("streamable: %w; sse: %w", err, legacyErr))
		}
		err = t.write(ctx, conn, m, false)
	}
	if err != nil {
		return err
	}
	if req, ok := m.(*jsonrpc.Request); ok && req.Method == "notifications/initialized" {
		t.maybeListen()
	}
	return nil
}

// requestSlot carries the classified outcome of one request from the
// RoundTripper back to Send, since the go-sdk connections flatten the
// errors they return.
type requestSlot struct {
	firstContact bool
	err          error
}

type slotKey struct{}

func withSlot(ctx context.Context, slot *requestSlot) context.Context {
	return context.WithValue(ctx, slotKey{}, slot)
}

func (t *HTTP) write(ctx context.Context, conn mcp.Connection, m jsonrpc.Message, first bool) error {
	slot := &requestSlot{firstContact: first}
	err := conn.Write(withSlot(ctx, slot), m)
	if err == nil {
		t.mu.Lock()
		t.contacted = true
		t.mu.Unlock()
		return nil
	}
	if slot.err != nil {
		return slot.err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if t.isFinished() {
		if err := t.Err(); err != nil {
			return err
		}
	}
	return mcperr.Transport("post", err)
}

// connection returns the live connection, dialing it on first use. first
// reports whether no request has succeeded on a streamable connection yet.
func (t *HTTP) connection(ctx context.Context) (mcp.Connection, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.closing:
		return nil, false, mcperr.Transport("post", mcperr.ErrCancelled)
	default:
	}
	if t.conn != nil {
		return t.conn, !t.legacy && !t.contacted, nil
	}
	var (
		conn   mcp.Connection
		cancel context.CancelFunc
		err    error
	)
	if t.legacy {
		conn, cancel, err = t.dialSSE(ctx)
	} else {
		conn, cancel, err = t.dialStreamable()
	}
	if err != nil {
		return nil, false, err
	}
	t.conn, t.connCancel = conn, cancel
	go t.pump(conn, t.legacy)
	return conn, !t.legacy, nil
}

func (t *HTTP) dialStreamable() (mcp.Connection, context.CancelFunc, error) {
	connCtx, cancel := context.WithCancel(t.ctx)
	st := &mcp.StreamableClientTransport{Endpoint: t.endpoint.String(), HTTPClient: t.client}
	conn, err := st.Connect(connCtx)
	if err != nil {
		cancel()
		return nil, nil, mcperr.Transport("connect", err)
	}
	return conn, cancel, nil
}

// dialSSE opens the legacy event stream. The stream outlives ctx, which
// only bounds the wait for the endpoint event.
func (t *HTTP) dialSSE(ctx context.Context) (mcp.Connection, context.CancelFunc, error) {
	connCtx, cancel := context.WithCancel(t.ctx)
	slot := &requestSlot{}
	type result struct {
		conn mcp.Connection
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		st := &mcp.SSEClientTransport{Endpoint: t.endpoint.String(), HTTPClient: t.client}
		conn, err := st.Connect(withSlot(connCtx, slot))
		ch <- result{conn, err}
	}()
	select {
	case res := <-ch:
		if res.err != nil {
			cancel()
			if slot.err != nil {
				return nil, nil, slot.err
			}
			return nil, nil, mcperr.Transport("sse connect", res.err)
		}
		return res.conn, cancel, nil
	case <-ctx.Done():
		cancel()
		return nil, nil, ctx.Err()
	}
}

// fallback replaces a rejected streamable connection with a legacy one.
func (t *HTTP) fallback(ctx context.Context, old mcp.Connection) (mcp.Connection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != old {
		return t.conn, nil
	}
	if t.connCancel != nil {
		t.connCancel()
	}
	_ = old.Close()
	t.conn, t.connCancel = nil, nil
	t.legacy = true
	conn, cancel, err := t.dialSSE(ctx)
	if err != nil {
		return nil, err
	}
	t.conn, t.connCancel = conn, cancel
	go t.pump(conn, true)
	return conn, nil
}

func (t *HTTP) current(conn mcp.Connection) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn == conn
}

// pump moves inbound messages into the mailbox. On the legacy stream a
// message that fails to decode is reported and skipped; any other read
// error ends the transport.
func (t *HTTP) pump(conn mcp.Connection, legacy bool) {
	for {
		msg, err := conn.Read(t.ctx)
		if err != nil {
			if t.ctx.Err() != nil || !t.current(conn) {
				return
			}
			if legacy && !errors.Is(err, io.EOF) {
				t.deliver(inbound{err: mcperr.Protocol("read stream", fmt.Errorf("%w: %v", mcperr.ErrMalformed, err))})
				continue
			}
			select {
			case <-t.closing:
				return
			default:
			}
			if errors.Is(err, io.EOF) {
				err = errors.New("event stream closed")
			}
			t.finish(mcperr.Transport("receive", err))
			return
		}
		data, err := jsonrpc.EncodeMessage(msg)
		if err != nil {
			t.deliver(inbound{err: mcperr.Protocol("read", fmt.Errorf("%w: %v", mcperr.ErrMalformed, err))})
			continue
		}
		t.deliver(inbound{data: data})
	}
}

// maybeListen opens the optional GET stream once a streamable session
// exists. The go-sdk connection only opens it when driven by mcp.Client.
// Servers that do not offer it answer 405, which is not an error.
func (t *HTTP) maybeListen() {
	if t.opts.DisableListen || t.tracker.Value() == "" {
		return
	}
	t.mu.Lock()
	if t.listening || t.legacy {
		t.mu.Unlock()
		return
	}
	t.listening = true
	t.mu.Unlock()

	go func() {
		req, err := http.NewRequestWithContext(t.ctx, http.MethodGet, t.endpoint.String(), nil)
		if err != nil {
			return
		}
		req.Header.Set("Accept", "text/event-stream")
		resp, err := t.client.Do(req)
		if err != nil {
			return
		}
		defer resp.Body.Close()
		mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
		if resp.StatusCode != http.StatusOK || mediaType != "text/event-stream" {
			return
		}
		err = readSSE(t.ctx, resp.Body, t.opts.MaxMessageSize, func(ev sseEvent) bool {
			if ev.Event == "message" && strings.TrimSpace(ev.Data) != "" {
				t.deliver(inbound{data: []byte(ev.Data)})
			}
			return true
		})
		if err != nil && t.ctx.Err() == nil {
			t.log(LevelWarn, "listen stream ended: "+err.Error())
		}
	}()
}

// Close terminates the session. The streamable connection sends a
// best-effort DELETE, bounded to two seconds.
func (t *HTTP) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		close(t.closing)
		conn := t.conn
		t.mu.Unlock()
		if conn != nil {
			done := make(chan struct{})
			go func() {
				_ = conn.Close()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(2 * time.Second):
			}
		}
		t.cancel()
		t.finish(nil)
	})
	return nil
}

func (t *HTTP) log(level LogLevel, msg string) {
	if t.opts.OnLog != nil {
		t.opts.OnLog(LogLine{Level: level, Message: msg})
	}
}

// responseClassifier turns HTTP failures into classified errors for
// requests carrying a requestSlot: 401 becomes an auth error, HTML pages
// the HTML diagnostic, and a 404 or 405 on first contact the signal to
// fall back to SSE.
type responseClassifier struct {
	next http.RoundTripper
}

func (c *responseClassifier) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := c.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	slot, _ := req.Context().Value(slotKey{}).(*requestSlot)
	if slot == nil {
		return resp, nil
	}
	if err := classifyResponse(req, resp, slot.firstContact); err != nil {
		slot.err = err
		return nil, err
	}
	return resp, nil
}

func classifyResponse(req *http.Request, resp *http.Response, firstContact bool) error {
	op := "post"
	if req.Method == http.MethodGet {
		op = "sse connect"
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		drain(resp.Body)
		return authRequired(op, resp)
	case firstContact && req.Method == http.MethodPost &&
		(resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusMethodNotAllowed):
		return fmt.Errorf("%w: %w", errFallback, statusError(resp))
	case resp.StatusCode == http.StatusNotFound && req.Header.Get(SessionIDHeader) != "":
		drain(resp.Body)
		return mcperr.Transport(op, fmt.Errorf("session %s expired (http 404)", req.Header.Get(SessionIDHeader)))
	case resp.StatusCode >= 300:
		return mcperr.Transport(op, statusError(resp))
	}
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/html" {
		drain(resp.Body)
		return mcperr.Transport(op, fmt.Errorf("%w (http %d)", mcperr.ErrHTMLResponse, resp.StatusCode))
	}
	return nil
}

func authRequired(op string, resp *http.Response) error {
	detail := resp.Header.Get("WWW-Authenticate")
	if detail == "" {
		return mcperr.Auth(op, mcperr.ErrAuthRequired)
	}
	return mcperr.Auth(op, fmt.Errorf("%w: %s", mcperr.ErrAuthRequired, detail))
}

// ResourceMetadataURL extracts the resource_metadata parameter from a
// WWW-Authenticate challenge.
func ResourceMetadataURL(challenge string) string {
	_, params, ok := strings.Cut(challenge, " ")
	if !ok {
		return ""
	}
	for _, part := range strings.Split(params, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && strings.EqualFold(key, "resource_metadata") {
			return strings.Trim(value, `"`)
		}
	}
	return ""
}

func statusError(resp *http.Response) error {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	text := strings.TrimSpace(string(body))
	if mcperr.LooksLikeHTML(text) {
		return fmt.Errorf("%w (http %d)", mcperr.ErrHTMLResponse, resp.StatusCode)
	}
	if text == "" {
		return fmt.Errorf("http %d", resp.StatusCode)
	}
	return fmt.Errorf("http %d: %s", resp.StatusCode, mcperr.Truncate(text, mcperr.MaxErrorLength))
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64*1024))
	body.Close()
}
