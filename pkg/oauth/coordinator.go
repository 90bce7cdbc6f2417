// Package oauth runs the OAuth 2.1 authorization-code flow with PKCE for
// remote MCP servers and keeps their tokens fresh.
//
// A Coordinator discovers the authorization server from the MCP endpoint,
// registers a public client when none is configured, opens the user's
// browser, receives the redirect on a loopback listener and exchanges the
// code. Tokens are persisted through a SecretStore and refreshed on demand;
// concurrent refreshes for the same server collapse into one request.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/browser"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/vikashloomba/mcp-hub-go/pkg/mcperr"
)

// Status is the observable state of a server's authorization.
type Status string

const (
	StatusIdle            Status = "idle"
	StatusDiscovering     Status = "discovering"
	StatusAwaitingBrowser Status = "awaiting_browser"
	StatusExchangingCode  Status = "exchanging_code"
	StatusAuthorized      Status = "authorized"
	StatusError           Status = "error"
)

// StatusFunc observes every status change.
type StatusFunc func(serverID string, status Status, err error)

// ClientConfig is the optional per-server OAuth client description.
type ClientConfig struct {
	ClientID         string   `json:"clientId,omitempty" yaml:"clientId,omitempty"`
	ClientSecret     string   `json:"clientSecret,omitempty" yaml:"clientSecret,omitempty"`
	Scopes           []string `json:"scopes,omitempty" yaml:"scopes,omitempty"`
	AuthorizationURL string   `json:"authorizationUrl,omitempty" yaml:"authorizationUrl,omitempty"`
	TokenURL         string   `json:"tokenUrl,omitempty" yaml:"tokenUrl,omitempty"`
}

// Credentials are what the coordinator persists per server.
type Credentials struct {
	ClientID     string        `json:"clientId"`
	ClientSecret string        `json:"clientSecret,omitempty"`
	AuthURL      string        `json:"authUrl"`
	TokenURL     string        `json:"tokenUrl"`
	RedirectURL  string        `json:"redirectUrl,omitempty"`
	Scopes       []string      `json:"scopes,omitempty"`
	Token        *oauth2.Token `json:"token,omitempty"`
}

func (c *Credentials) config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.AuthURL,
			TokenURL:  c.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: c.RedirectURL,
		Scopes:      c.Scopes,
	}
}

// Options configure a Coordinator.
type Options struct {
	// Store persists credentials. Defaults to a MemoryStore.
	Store SecretStore
	// HTTPClient runs discovery, registration and token requests. Defaults
	// to a client with a 30 second timeout.
	HTTPClient *http.Client
	// OpenBrowser shows the authorization URL to the user. Defaults to the
	// system browser.
	OpenBrowser func(url string) error
	OnStatus    StatusFunc
	// CallbackTimeout bounds an interactive flow from discovery until the
	// browser redirect arrives. Defaults to five minutes.
	CallbackTimeout time.Duration
	// RefreshThreshold is how close to expiry a token is refreshed.
	RefreshThreshold time.Duration
	// ClientName is sent during dynamic registration.
	ClientName string
	// CallbackHost is the loopback address the redirect listener binds.
	CallbackHost string
	Logger       *slog.Logger
}

func (o *Options) withDefaults() Options {
	var out Options
	if o != nil {
		out = *o
	}
	if out.Store == nil {
		out.Store = NewMemoryStore()
	}
	if out.HTTPClient == nil {
		out.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if out.OpenBrowser == nil {
		out.OpenBrowser = browser.OpenURL
	}
	if out.CallbackTimeout <= 0 {
		out.CallbackTimeout = 5 * time.Minute
	}
	if out.RefreshThreshold <= 0 {
		out.RefreshThreshold = 60 * time.Second
	}
	if out.ClientName == "" {
		out.ClientName = "MCP Hub"
	}
	if out.CallbackHost == "" {
		out.CallbackHost = "127.0.0.1"
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Coordinator owns the authorization state of every server.
type Coordinator struct {
	opts       Options
	logger     *slog.Logger
	httpClient *http.Client

	mu     sync.Mutex
	status map[string]Status
	flows  map[string]*flow
	cache  map[string]*Credentials

	observers []StatusFunc

	refreshes singleflight.Group
}

type flow struct {
	cancel context.CancelFunc
}

func NewCoordinator(opts *Options) *Coordinator {
	o := opts.withDefaults()
	return &Coordinator{
		opts:       o,
		logger:     o.Logger,
		httpClient: o.HTTPClient,
		status:     map[string]Status{},
		flows:      map[string]*flow{},
		cache:      map[string]*Credentials{},
	}
}

// Status reports the current authorization state for serverID.
func (c *Coordinator) Status(serverID string) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.status[serverID]; ok {
		return s
	}
	return StatusIdle
}

func (c *Coordinator) setStatus(serverID string, status Status, err error) {
	c.mu.Lock()
	c.status[serverID] = status
	observers := append([]StatusFunc(nil), c.observers...)
	c.mu.Unlock()
	if c.opts.OnStatus != nil {
		c.opts.OnStatus(serverID, status, err)
	}
	for _, fn := range observers {
		fn(serverID, status, err)
	}
}

// Observe registers fn to receive every status change after OnStatus.
func (c *Coordinator) Observe(fn StatusFunc) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

// Authorize runs the interactive flow for serverID against resourceURL and
// stores the resulting token. A second call for the same server cancels
// the first.
func (c *Coordinator) Authorize(ctx context.Context, serverID, resourceURL string, cfg *ClientConfig) (*oauth2.Token, error) {
	flowCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	current := &flow{cancel: cancel}

	c.mu.Lock()
	if prev := c.flows[serverID]; prev != nil {
		prev.cancel()
	}
	c.flows[serverID] = current
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.flows[serverID] == current {
			delete(c.flows, serverID)
		}
		c.mu.Unlock()
	}()

	tok, err := c.authorize(flowCtx, serverID, resourceURL, cfg)
	if err != nil {
		var authErr *mcperr.Error
		if errors.As(err, &authErr) {
			if authErr.ServerID == "" {
				err = authErr.WithServer(serverID)
			}
		} else {
			err = mcperr.Auth("authorize", err).WithServer(serverID)
		}
		c.setStatus(serverID, StatusError, err)
		return nil, err
	}
	c.setStatus(serverID, StatusAuthorized, nil)
	return tok, nil
}

func (c *Coordinator) authorize(ctx context.Context, serverID, resourceURL string, cfg *ClientConfig) (*oauth2.Token, error) {
	// The loopback port stays open from discovery until the redirect, so
	// the whole span shares one deadline.
	flowCtx, cancelFlow := context.WithTimeout(ctx, c.opts.CallbackTimeout)
	defer cancelFlow()

	c.setStatus(serverID, StatusDiscovering, nil)
	ep, err := c.Discover(flowCtx, resourceURL, cfg)
	if err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(c.opts.CallbackHost, "0"))
	if err != nil {
		return nil, mcperr.Auth("callback", fmt.Errorf("listen: %w", err))
	}
	redirectURL := fmt.Sprintf("http://%s%s", ln.Addr().String(), CallbackPath)

	creds := &Credentials{
		AuthURL:     ep.AuthorizationURL,
		TokenURL:    ep.TokenURL,
		RedirectURL: redirectURL,
		Scopes:      ep.Scopes,
	}
	if cfg != nil {
		creds.ClientID, creds.ClientSecret = cfg.ClientID, cfg.ClientSecret
	}
	if creds.ClientID == "" {
		if ep.RegistrationURL == "" {
			ln.Close()
			return nil, mcperr.Auth("register", errors.New("no client id configured and the server does not support dynamic registration"))
		}
		reg, err := c.register(flowCtx, ep.RegistrationURL, redirectURL)
		if err != nil {
			ln.Close()
			return nil, err
		}
		creds.ClientID, creds.ClientSecret = reg.ClientID, reg.ClientSecret
	}

	conf := creds.config()
	verifier := oauth2.GenerateVerifier()
	state := uuid.NewString()
	authURL := conf.AuthCodeURL(state,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("resource", resourceURL),
	)

	cb := startCallbackServer(ln, state)
	defer cb.close()

	c.setStatus(serverID, StatusAwaitingBrowser, nil)
	c.logger.Info("oauth: waiting for browser authorization", "server", serverID, "url", authURL)
	if err := c.opts.OpenBrowser(authURL); err != nil {
		c.logger.Warn("oauth: could not open browser; visit the URL manually", "server", serverID, "url", authURL, "error", err)
	}

	code, err := cb.wait(flowCtx)
	if err != nil {
		return nil, err
	}

	c.setStatus(serverID, StatusExchangingCode, nil)
	tok, err := conf.Exchange(c.httpContext(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, mcperr.Auth("exchange", err)
	}
	creds.Token = tok
	if err := c.save(serverID, creds); err != nil {
		return nil, mcperr.Auth("store", err)
	}
	return tok, nil
}

// Cancel aborts an in-progress authorization for serverID. The listener is
// shut down and Authorize returns a cancellation error.
func (c *Coordinator) Cancel(serverID string) {
	c.mu.Lock()
	f := c.flows[serverID]
	c.mu.Unlock()
	if f != nil {
		f.cancel()
	}
}

// Clear cancels any flow and deletes stored credentials for serverID.
func (c *Coordinator) Clear(serverID string) error {
	c.Cancel(serverID)
	c.mu.Lock()
	delete(c.cache, serverID)
	c.mu.Unlock()
	if err := c.opts.Store.Delete(Ref(serverID)); err != nil {
		return mcperr.Auth("clear", err).WithServer(serverID)
	}
	c.setStatus(serverID, StatusIdle, nil)
	return nil
}

// HasCredentials reports whether a token is stored for serverID.
func (c *Coordinator) HasCredentials(serverID string) bool {
	creds, err := c.load(serverID)
	return err == nil && creds.Token != nil
}

// Token returns a usable access token for serverID, refreshing it when it
// is within RefreshThreshold of expiry. Concurrent callers share a single
// refresh request.
func (c *Coordinator) Token(ctx context.Context, serverID string) (*oauth2.Token, error) {
	creds, err := c.load(serverID)
	if errors.Is(err, ErrNotFound) || (err == nil && creds.Token == nil) {
		return nil, mcperr.Auth("token", mcperr.ErrAuthRequired).WithServer(serverID)
	}
	if err != nil {
		return nil, mcperr.Auth("token", err).WithServer(serverID)
	}
	if c.fresh(creds.Token) {
		return creds.Token, nil
	}
	if creds.Token.RefreshToken == "" {
		if creds.Token.Valid() {
			return creds.Token, nil
		}
		return nil, mcperr.Auth("token", fmt.Errorf("%w: token expired and no refresh token", mcperr.ErrAuthRequired)).WithServer(serverID)
	}

	v, err, _ := c.refreshes.Do(serverID, func() (any, error) {
		return c.refresh(context.WithoutCancel(ctx), serverID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*oauth2.Token), nil
}

func (c *Coordinator) refresh(ctx context.Context, serverID string) (*oauth2.Token, error) {
	creds, err := c.load(serverID)
	if err != nil || creds.Token == nil {
		return nil, mcperr.Auth("refresh", mcperr.ErrAuthRequired).WithServer(serverID)
	}
	// Another flight may have finished between the caller's check and now.
	if c.fresh(creds.Token) {
		return creds.Token, nil
	}
	oldRefresh := creds.Token.RefreshToken
	src := creds.config().TokenSource(c.httpContext(ctx), &oauth2.Token{RefreshToken: oldRefresh})
	tok, err := src.Token()
	if err != nil {
		c.logger.Warn("oauth: token refresh failed", "server", serverID, "error", err)
		return nil, mcperr.Auth("refresh", err).WithServer(serverID)
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = oldRefresh
	}
	updated := *creds
	updated.Token = tok
	if err := c.save(serverID, &updated); err != nil {
		return nil, mcperr.Auth("store", err).WithServer(serverID)
	}
	c.logger.Debug("oauth: token refreshed", "server", serverID, "expiry", tok.Expiry)
	return tok, nil
}

// AccessToken returns a function suitable for attaching bearer tokens to
// outbound requests. Servers without stored credentials, or whose refresh
// fails, get no header so the server's 401 drives re-authorization.
func (c *Coordinator) AccessToken(serverID string) func(context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		tok, err := c.Token(ctx, serverID)
		if err != nil {
			return "", nil
		}
		return tok.AccessToken, nil
	}
}

// TokenSource adapts the coordinator to oauth2.TokenSource for serverID.
func (c *Coordinator) TokenSource(serverID string) oauth2.TokenSource {
	return tokenSource{c: c, serverID: serverID}
}

type tokenSource struct {
	c        *Coordinator
	serverID string
}

func (s tokenSource) Token() (*oauth2.Token, error) {
	return s.c.Token(context.Background(), s.serverID)
}

func (c *Coordinator) fresh(tok *oauth2.Token) bool {
	if tok == nil || tok.AccessToken == "" {
		return false
	}
	if tok.Expiry.IsZero() {
		return true
	}
	return time.Until(tok.Expiry) > c.opts.RefreshThreshold
}

func (c *Coordinator) httpContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func (c *Coordinator) load(serverID string) (*Credentials, error) {
	c.mu.Lock()
	if creds, ok := c.cache[serverID]; ok {
		c.mu.Unlock()
		return creds, nil
	}
	c.mu.Unlock()

	data, err := c.opts.Store.Get(Ref(serverID))
	if err != nil {
		return nil, err
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	c.mu.Lock()
	c.cache[serverID] = &creds
	c.mu.Unlock()
	return &creds, nil
}

func (c *Coordinator) save(serverID string, creds *Credentials) error {
	data, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	if err := c.opts.Store.Put(Ref(serverID), data); err != nil {
		return err
	}
	c.mu.Lock()
	c.cache[serverID] = creds
	c.mu.Unlock()
	return nil
}
