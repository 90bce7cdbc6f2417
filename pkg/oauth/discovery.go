package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/oauthex"

	"github.com/vikashloomba/mcp-hub-go/pkg/mcperr"
)

// Endpoints are the authorization server locations used for one server.
type Endpoints struct {
	AuthorizationURL string
	TokenURL         string
	RegistrationURL  string
	Scopes           []string
}

type authServerMetadata struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	RegistrationEndpoint          string   `json:"registration_endpoint,omitempty"`
	ScopesSupported               []string `json:"scopes_supported,omitempty"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
}

// Discover locates the authorization server for resourceURL. Static
// endpoints in cfg win. Otherwise protected resource metadata is consulted
// first and the resource's own origin is used as the authorization server
// when that document is missing.
func (c *Coordinator) Discover(ctx context.Context, resourceURL string, cfg *ClientConfig) (*Endpoints, error) {
	if cfg != nil && cfg.AuthorizationURL != "" && cfg.TokenURL != "" {
		return &Endpoints{
			AuthorizationURL: cfg.AuthorizationURL,
			TokenURL:         cfg.TokenURL,
			Scopes:           cfg.Scopes,
		}, nil
	}

	origin, err := originOf(resourceURL)
	if err != nil {
		return nil, mcperr.Auth("discover", err)
	}

	authServer := origin
	var resourceScopes []string
	var prm oauthex.ProtectedResourceMetadata
	if err := c.getJSON(ctx, origin+"/.well-known/oauth-protected-resource", &prm); err == nil {
		if len(prm.AuthorizationServers) > 0 && prm.AuthorizationServers[0] != "" {
			authServer = strings.TrimRight(prm.AuthorizationServers[0], "/")
		}
		resourceScopes = prm.ScopesSupported
	} else {
		c.logger.Debug("oauth: no protected resource metadata", "url", origin, "error", err)
	}

	meta, err := c.fetchAuthServerMetadata(ctx, authServer)
	if err != nil && authServer != origin {
		meta, err = c.fetchAuthServerMetadata(ctx, origin)
	}
	if err != nil {
		return nil, mcperr.Auth("discover", err)
	}
	if meta.AuthorizationEndpoint == "" || meta.TokenEndpoint == "" {
		return nil, mcperr.Auth("discover", errors.New("authorization server metadata lacks authorization or token endpoint"))
	}

	ep := &Endpoints{
		AuthorizationURL: meta.AuthorizationEndpoint,
		TokenURL:         meta.TokenEndpoint,
		RegistrationURL:  meta.RegistrationEndpoint,
	}
	switch {
	case cfg != nil && len(cfg.Scopes) > 0:
		ep.Scopes = cfg.Scopes
	case len(meta.ScopesSupported) > 0:
		ep.Scopes = meta.ScopesSupported
	default:
		ep.Scopes = resourceScopes
	}
	return ep, nil
}

func (c *Coordinator) fetchAuthServerMetadata(ctx context.Context, issuer string) (*authServerMetadata, error) {
	var lastErr error
	for _, suffix := range []string{"/.well-known/oauth-authorization-server", "/.well-known/openid-configuration"} {
		var meta authServerMetadata
		if err := c.getJSON(ctx, issuer+suffix, &meta); err != nil {
			lastErr = err
			continue
		}
		return &meta, nil
	}
	return nil, lastErr
}

func (c *Coordinator) getJSON(ctx context.Context, target string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: http %d", target, resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("GET %s: %w", target, err)
	}
	return nil
}

type registrationResponse struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// register performs dynamic client registration (RFC 7591) as a public
// client.
func (c *Coordinator) register(ctx context.Context, endpoint, redirectURL string) (*registrationResponse, error) {
	body, err := json.Marshal(map[string]any{
		"redirect_uris":              []string{redirectURL},
		"grant_types":                []string{"authorization_code", "refresh_token"},
		"response_types":             []string{"code"},
		"client_name":                c.opts.ClientName,
		"token_endpoint_auth_method": "none",
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, mcperr.Auth("register", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, mcperr.Auth("register", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, mcperr.Auth("register", fmt.Errorf("http %d: %s", resp.StatusCode, mcperr.Sanitize(string(data))))
	}
	var reg registrationResponse
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, mcperr.Auth("register", fmt.Errorf("decode registration: %w", err))
	}
	if reg.ClientID == "" {
		return nil, mcperr.Auth("register", errors.New("registration response has no client_id"))
	}
	return &reg, nil
}

func originOf(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("resource URL %q is not absolute", raw)
	}
	return u.Scheme + "://" + u.Host, nil
}
