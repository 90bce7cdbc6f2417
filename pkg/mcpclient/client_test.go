package mcpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-hub-go/pkg/mcperr"
	"github.com/vikashloomba/mcp-hub-go/pkg/rpcwire"
)

// fakeServer answers requests arriving on one end of a pipe.
type fakeServer struct {
	t    *testing.T
	conn *pipe

	mu       sync.Mutex
	handlers map[string]func(req *rpcwire.Request) (any, bool)
	received []*rpcwire.Request

	responses chan *rpcwire.Response
}

func newFakeServer(t *testing.T) (*fakeServer, *pipe) {
	t.Helper()
	clientEnd, serverEnd := newPipe()
	s := &fakeServer{
		t:         t,
		conn:      serverEnd,
		handlers:  map[string]func(*rpcwire.Request) (any, bool){},
		responses: make(chan *rpcwire.Response, 16),
	}
	s.handle("initialize", func(*rpcwire.Request) (any, bool) {
		return map[string]any{
			"protocolVersion": ProtocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{"listChanged": true}},
			"serverInfo":      map[string]any{"name": "fake", "version": "0.1.0"},
		}, true
	})
	go s.serve()
	t.Cleanup(func() { serverEnd.Close() })
	return s, clientEnd
}

func (s *fakeServer) handle(method string, fn func(*rpcwire.Request) (any, bool)) {
	s.mu.Lock()
	s.handlers[method] = fn
	s.mu.Unlock()
}

func (s *fakeServer) serve() {
	for {
		frame, err := s.conn.Receive(context.Background())
		if err != nil {
			return
		}
		msg, err := rpcwire.Decode(frame)
		if err != nil {
			continue
		}
		if resp, ok := msg.(*rpcwire.Response); ok {
			select {
			case s.responses <- resp:
			default:
			}
			continue
		}
		req, ok := msg.(*rpcwire.Request)
		if !ok {
			continue
		}
		s.mu.Lock()
		s.received = append(s.received, req)
		fn := s.handlers[req.Method]
		s.mu.Unlock()
		if !req.IsCall() || fn == nil {
			continue
		}
		go func() {
			result, reply := fn(req)
			if !reply {
				return
			}
			resp, err := rpcwire.NewResult(req.ID, result)
			if err != nil {
				s.t.Errorf("NewResult: %v", err)
				return
			}
			s.sendMessage(resp)
		}()
	}
}

func (s *fakeServer) sendMessage(msg rpcwire.Message) {
	data, err := rpcwire.Encode(msg)
	if err != nil {
		s.t.Errorf("Encode: %v", err)
		return
	}
	s.sendRaw(data)
}

func (s *fakeServer) sendRaw(data []byte) {
	_ = s.conn.Send(context.Background(), data)
}

func (s *fakeServer) methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.received))
	for _, r := range s.received {
		out = append(out, r.Method)
	}
	return out
}

func newInitializedClient(t *testing.T, opts Options) (*Client, *fakeServer) {
	t.Helper()
	server, conn := newFakeServer(t)
	client := New(conn, opts)
	t.Cleanup(func() { client.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	return client, server
}

func TestCallBeforeInitialize(t *testing.T) {
	t.Parallel()

	_, conn := newFakeServer(t)
	client := New(conn, Options{})
	defer client.Close()

	err := client.Call(context.Background(), "tools/list", nil, nil)
	if !errors.Is(err, mcperr.ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestInitializeHandshake(t *testing.T) {
	t.Parallel()

	client, server := newInitializedClient(t, Options{ClientInfo: &mcp.Implementation{Name: "tests", Version: "9"}})

	res := client.InitializeResult()
	if res == nil || res.ServerInfo == nil || res.ServerInfo.Name != "fake" {
		t.Fatalf("unexpected initialize result %#v", res)
	}
	if res.Capabilities == nil || res.Capabilities.Tools == nil || !res.Capabilities.Tools.ListChanged {
		t.Fatalf("capabilities not decoded: %#v", res.Capabilities)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		methods := server.methods()
		if len(methods) >= 2 {
			if methods[0] != "initialize" || methods[1] != MethodInitialized {
				t.Fatalf("handshake order = %v", methods)
			}
			var params mcp.InitializeParams
			server.mu.Lock()
			raw := server.received[0].Params
			server.mu.Unlock()
			if err := json.Unmarshal(raw, &params); err != nil {
				t.Fatalf("decode initialize params: %v", err)
			}
			if params.ProtocolVersion != ProtocolVersion || params.ClientInfo.Name != "tests" {
				t.Fatalf("initialize params = %#v", params)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("initialized notification never arrived")
}

func TestListToolsFollowsPagination(t *testing.T) {
	t.Parallel()

	client, server := newInitializedClient(t, Options{})
	server.handle("tools/list", func(req *rpcwire.Request) (any, bool) {
		var params mcp.ListToolsParams
		_ = json.Unmarshal(req.Params, &params)
		schema := map[string]any{"type": "object"}
		if params.Cursor == "" {
			return map[string]any{
				"tools":      []any{map[string]any{"name": "a", "inputSchema": schema}, map[string]any{"name": "b", "inputSchema": schema}},
				"nextCursor": "page-2",
			}, true
		}
		return map[string]any{"tools": []any{map[string]any{"name": "c", "inputSchema": schema}}}, true
	})

	tools, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	if len(tools) != 3 || tools[0].Name != "a" || tools[2].Name != "c" {
		t.Fatalf("unexpected tools %#v", tools)
	}
}

func TestConcurrentCallsMatchByID(t *testing.T) {
	t.Parallel()

	client, server := newInitializedClient(t, Options{})
	server.handle("tools/call", func(req *rpcwire.Request) (any, bool) {
		var params struct {
			Arguments struct {
				N int `json:"n"`
			} `json:"arguments"`
		}
		_ = json.Unmarshal(req.Params, &params)
		// Reply out of order.
		time.Sleep(time.Duration(20-params.Arguments.N%20) * time.Millisecond)
		return map[string]any{"content": []any{map[string]any{"type": "text", "text": fmt.Sprint(params.Arguments.N)}}}, true
	})

	const n = 40
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := client.CallTool(context.Background(), "echo", map[string]int{"n": i}, nil)
			if err != nil {
				errs <- err
				return
			}
			text, ok := res.Content[0].(*mcp.TextContent)
			if !ok || text.Text != fmt.Sprint(i) {
				errs <- fmt.Errorf("call %d got %#v", i, res.Content[0])
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if got := client.PendingCount(); got != 0 {
		t.Fatalf("PendingCount() = %d after all calls completed", got)
	}
}

func TestCallTimeoutRemovesPending(t *testing.T) {
	t.Parallel()

	client, server := newInitializedClient(t, Options{Timeout: 50 * time.Millisecond})
	server.handle("tools/call", func(*rpcwire.Request) (any, bool) { return nil, false })

	_, err := client.CallTool(context.Background(), "slow", nil, nil)
	if !errors.Is(err, mcperr.ErrTimeout) || !mcperr.IsProtocol(err) {
		t.Fatalf("expected protocol timeout, got %v", err)
	}
	if got := client.PendingCount(); got != 0 {
		t.Fatalf("PendingCount() = %d after timeout", got)
	}
}

func TestErrorResponseCarriesCode(t *testing.T) {
	t.Parallel()

	client, server := newInitializedClient(t, Options{})
	server.handle("tools/call", func(req *rpcwire.Request) (any, bool) {
		data, _ := rpcwire.EncodeError(req.ID, rpcwire.CodeInvalidParams, "bad arguments")
		server.sendRaw(data)
		return nil, false
	})

	_, err := client.CallTool(context.Background(), "echo", nil, nil)
	var rpcErr *rpcwire.RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != rpcwire.CodeInvalidParams {
		t.Fatalf("expected invalid params error, got %v", err)
	}
}

func TestUnknownIDAndMalformedFramesAreSkipped(t *testing.T) {
	t.Parallel()

	client, server := newInitializedClient(t, Options{})
	server.handle("ping", func(*rpcwire.Request) (any, bool) {
		stray, _ := rpcwire.NewResult(rpcwire.Int64ID(99999), struct{}{})
		server.sendMessage(stray)
		server.sendRaw([]byte("this is not json"))
		return struct{}{}, true
	})

	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("second Ping() error = %v", err)
	}
}

func TestServerRequestsAreAnswered(t *testing.T) {
	t.Parallel()

	_, server := newInitializedClient(t, Options{})

	ping, _ := rpcwire.NewCall(1001, "ping", nil)
	server.sendMessage(ping)
	sampling, _ := rpcwire.NewCall(1002, "sampling/createMessage", map[string]any{})
	server.sendMessage(sampling)

	seen := map[string]*rpcwire.RPCError{}
	deadline := time.After(3 * time.Second)
	for len(seen) < 2 {
		select {
		case <-deadline:
			t.Fatalf("server requests not answered, saw %v", seen)
		case resp := <-server.responses:
			seen[rpcwire.IDKey(resp.ID)] = rpcwire.ResponseError(resp)
		}
	}
	if rpcErr := seen[rpcwire.IDKey(rpcwire.Int64ID(1001))]; rpcErr != nil {
		t.Fatalf("ping should succeed, got %v", rpcErr)
	}
	if rpcErr := seen[rpcwire.IDKey(rpcwire.Int64ID(1002))]; rpcErr == nil || rpcErr.Code != rpcwire.CodeMethodNotFound {
		t.Fatalf("unsupported request should get -32601, got %v", rpcErr)
	}
}

func TestNotificationsRouteAndCancel(t *testing.T) {
	t.Parallel()

	got := make(chan string, 4)
	client, server := newInitializedClient(t, Options{OnNotification: func(method string, _ json.RawMessage) {
		got <- method
	}})
	server.handle("tools/call", func(req *rpcwire.Request) (any, bool) {
		note, _ := rpcwire.NewNotification(MethodCancelled, &mcp.CancelledParams{RequestID: req.ID.Raw(), Reason: "shutting down"})
		server.sendMessage(note)
		return nil, false
	})

	changed, _ := rpcwire.NewNotification(MethodToolListChanged, nil)
	server.sendMessage(changed)
	select {
	case method := <-got:
		if method != MethodToolListChanged {
			t.Fatalf("routed %q", method)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification not routed")
	}

	_, err := client.CallTool(context.Background(), "long", nil, nil)
	if !errors.Is(err, mcperr.ErrCancelled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestCloseFailsPendingCalls(t *testing.T) {
	t.Parallel()

	client, server := newInitializedClient(t, Options{})
	started := make(chan struct{})
	server.handle("tools/call", func(*rpcwire.Request) (any, bool) {
		close(started)
		return nil, false
	})

	result := make(chan error, 1)
	go func() {
		_, err := client.CallTool(context.Background(), "hang", nil, nil)
		result <- err
	}()
	<-started
	client.Close()

	select {
	case err := <-result:
		if !errors.Is(err, mcperr.ErrCancelled) {
			t.Fatalf("expected ErrCancelled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not released by Close")
	}
	if err := client.Call(context.Background(), "ping", nil, nil); err == nil {
		t.Fatal("Call() after Close should fail")
	}
}

func TestTransportDeathFailsPendingCalls(t *testing.T) {
	t.Parallel()

	client, server := newInitializedClient(t, Options{})
	started := make(chan struct{})
	server.handle("tools/call", func(*rpcwire.Request) (any, bool) {
		close(started)
		return nil, false
	})

	result := make(chan error, 1)
	go func() {
		_, err := client.CallTool(context.Background(), "hang", nil, nil)
		result <- err
	}()
	<-started
	server.conn.Close()

	select {
	case err := <-result:
		if !mcperr.IsTransport(err) {
			t.Fatalf("expected transport error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not released when transport died")
	}
	<-client.Done()
}
