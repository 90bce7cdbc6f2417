package transport

import (
	"context"
	"net/http"
	"sync"
)

// SessionIDHeader carries the server-assigned session identifier.
const SessionIDHeader = "Mcp-Session-Id"

// TokenFunc supplies a bearer token for outbound requests. An empty token
// means no Authorization header is added.
type TokenFunc func(context.Context) (string, error)

type sessionIDTracker struct {
	mu    sync.RWMutex
	value string
}

func newSessionIDTracker(initial string) *sessionIDTracker {
	return &sessionIDTracker{value: initial}
}

func (s *sessionIDTracker) Set(value string) {
	s.mu.Lock()
	s.value = value
	s.mu.Unlock()
}

func (s *sessionIDTracker) Value() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value
}

// headerDecorator applies static headers, the current session id and a
// bearer token to every request, and records session ids handed out by the
// server.
type headerDecorator struct {
	next    http.RoundTripper
	headers http.Header
	tracker *sessionIDTracker
	token   TokenFunc
}

func (d *headerDecorator) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, values := range d.headers {
		req.Header.Del(k)
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	if d.tracker != nil {
		if sessionID := d.tracker.Value(); sessionID != "" {
			req.Header.Set(SessionIDHeader, sessionID)
		}
	}
	if d.token != nil && req.Header.Get("Authorization") == "" {
		token, err := d.token(req.Context())
		if err != nil {
			return nil, err
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	resp, err := d.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if d.tracker != nil {
		if sessionID := resp.Header.Get(SessionIDHeader); sessionID != "" {
			d.tracker.Set(sessionID)
		}
	}
	return resp, nil
}

func decorateHTTPClient(base *http.Client, headers map[string]string, tracker *sessionIDTracker, token TokenFunc) *http.Client {
	if base == nil {
		base = http.DefaultClient
	}
	clone := *base
	clone.Transport = &headerDecorator{
		next:    &responseClassifier{next: defaultRoundTripper(base.Transport)},
		headers: toHeader(headers),
		tracker: tracker,
		token:   token,
	}
	return &clone
}

func toHeader(m map[string]string) http.Header {
	if len(m) == 0 {
		return nil
	}
	h := make(http.Header, len(m))
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}

func defaultRoundTripper(next http.RoundTripper) http.RoundTripper {
	if next != nil {
		return next
	}
	return http.DefaultTransport
}
