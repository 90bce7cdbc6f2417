package oauth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/vikashloomba/mcp-hub-go/pkg/mcperr"
)

// CallbackPath is where the authorization server redirects the browser.
const CallbackPath = "/callback"

const callbackPage = `<!doctype html><html><head><title>Authorization complete</title></head>
<body><p>Authorization complete. You can close this window.</p></body></html>`

type callbackResult struct {
	code string
	err  error
}

// callbackServer receives exactly one authorization response.
type callbackServer struct {
	server *http.Server
	state  string
	result chan callbackResult
	once   sync.Once
}

func startCallbackServer(ln net.Listener, state string) *callbackServer {
	cb := &callbackServer{state: state, result: make(chan callbackResult, 1)}
	mux := http.NewServeMux()
	mux.HandleFunc(CallbackPath, cb.handle)
	cb.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() { _ = cb.server.Serve(ln) }()
	return cb
}

func (cb *callbackServer) handle(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		detail := e
		if desc := q.Get("error_description"); desc != "" {
			detail += ": " + desc
		}
		http.Error(w, "authorization failed: "+detail, http.StatusBadRequest)
		cb.deliver(callbackResult{err: fmt.Errorf("authorization denied: %s", detail)})
		return
	}
	if q.Get("state") != cb.state {
		http.Error(w, "state mismatch", http.StatusBadRequest)
		cb.deliver(callbackResult{err: errors.New("state mismatch in authorization response")})
		return
	}
	code := q.Get("code")
	if code == "" {
		http.Error(w, "missing code", http.StatusBadRequest)
		cb.deliver(callbackResult{err: errors.New("authorization response has no code")})
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(callbackPage))
	cb.deliver(callbackResult{code: code})
}

func (cb *callbackServer) deliver(res callbackResult) {
	cb.once.Do(func() { cb.result <- res })
}

func (cb *callbackServer) wait(ctx context.Context) (string, error) {
	select {
	case res := <-cb.result:
		if res.err != nil {
			return "", mcperr.Auth("callback", res.err)
		}
		return res.code, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", mcperr.Auth("callback", fmt.Errorf("%w: no authorization response", mcperr.ErrTimeout))
		}
		return "", mcperr.Auth("callback", mcperr.ErrCancelled)
	}
}

func (cb *callbackServer) close() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = cb.server.Shutdown(ctx)
}
