package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	mcpgateway "github.com/vikashloomba/mcp-hub-go/pkg/mcp-gateway"
	"github.com/vikashloomba/mcp-hub-go/pkg/mcperr"
	"github.com/vikashloomba/mcp-hub-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-hub-go/pkg/stats"
)

type modeBody struct {
	Mode mcpgateway.Mode `json:"mode"`
}

type serverStatus struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Enabled       bool              `json:"enabled"`
	Transport     string            `json:"transport"`
	State         string            `json:"state"`
	Error         string            `json:"error,omitempty"`
	Tools         int               `json:"tools"`
	PID           int               `json:"pid,omitempty"`
	LastConnected *time.Time        `json:"lastConnected,omitempty"`
	OAuth         string            `json:"oauth,omitempty"`
	Stats         stats.ServerStats `json:"stats"`
}

type statusBody struct {
	Mode    mcpgateway.Mode `json:"mode"`
	Servers []serverStatus  `json:"servers"`
}

// controlAPI exposes the hub's control surface on the proxy's listener.
type controlAPI struct {
	mgr *mcpmgr.Manager
	gw  *mcpgateway.Gateway
}

func mountControl(gw *mcpgateway.Gateway, mgr *mcpmgr.Manager) {
	api := &controlAPI{mgr: mgr, gw: gw}
	mux := gw.ServeMux()
	handle := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, gw.Protect(fn))
	}
	handle("GET /hub/mode", api.getMode)
	handle("PUT /hub/mode", api.setMode)
	handle("GET /hub/status", api.status)
	handle("POST /hub/servers/{id}/connect", api.connect)
	handle("POST /hub/servers/{id}/disconnect", api.disconnect)
	handle("POST /hub/servers/{id}/authorize", api.authorize)
	handle("DELETE /hub/servers/{id}/authorization", api.clearAuthorization)
	handle("DELETE /hub/stats/{id}", api.resetStats)
}

func (a *controlAPI) getMode(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, modeBody{Mode: a.gw.Mode()})
}

func (a *controlAPI) setMode(w http.ResponseWriter, r *http.Request) {
	var body modeBody
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	mode, err := mcpgateway.ParseMode(string(body.Mode))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.gw.SetMode(r.Context(), mode); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, modeBody{Mode: a.gw.Mode()})
}

func (a *controlAPI) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.snapshot())
}

func (a *controlAPI) snapshot() statusBody {
	body := statusBody{Mode: a.gw.Mode(), Servers: []serverStatus{}}
	collector := a.mgr.Stats()
	for _, snap := range a.mgr.Snapshots() {
		s := serverStatus{
			ID:        snap.ID,
			Name:      snap.Config.DisplayName(),
			Enabled:   snap.Config.Enabled,
			Transport: string(mcpmgr.TransportOf(snap.Config)),
			State:     string(snap.State),
			Error:     snap.Error,
			Tools:     snap.ToolCount,
			PID:       snap.PID,
			OAuth:     string(snap.OAuthStatus),
			Stats:     collector.Get(snap.ID),
		}
		if !snap.LastConnected.IsZero() {
			t := snap.LastConnected
			s.LastConnected = &t
		}
		body.Servers = append(body.Servers, s)
	}
	return body
}

func (a *controlAPI) connect(w http.ResponseWriter, r *http.Request) {
	a.serverOp(w, r, a.mgr.Connect)
}

func (a *controlAPI) disconnect(w http.ResponseWriter, r *http.Request) {
	a.serverOp(w, r, a.mgr.Disconnect)
}

func (a *controlAPI) authorize(w http.ResponseWriter, r *http.Request) {
	a.serverOp(w, r, a.mgr.Authorize)
}

func (a *controlAPI) clearAuthorization(w http.ResponseWriter, r *http.Request) {
	a.serverOp(w, r, func(_ context.Context, id string) error {
		if _, ok := a.mgr.Config(id); !ok {
			return mcperr.Config("clear-authorization", mcperr.ErrServerNotFound).WithServer(id)
		}
		return a.mgr.ClearAuthorization(id)
	})
}

func (a *controlAPI) serverOp(w http.ResponseWriter, r *http.Request, op func(context.Context, string) error) {
	id := r.PathValue("id")
	if err := op(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	snap, _ := a.mgr.Snapshot(id)
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "state": string(snap.State)})
}

func (a *controlAPI) resetStats(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := a.mgr.Config(id); !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("server %q not found", id))
		return
	}
	a.mgr.Stats().Reset(id)
	w.WriteHeader(http.StatusNoContent)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, mcperr.ErrServerNotFound):
		return http.StatusNotFound
	case mcperr.IsConfig(err):
		return http.StatusBadRequest
	case mcperr.IsAuth(err):
		return http.StatusUnauthorized
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": mcperr.SanitizeError(err)})
}

var errHubUnreachable = errors.New("no hub reachable")

// controlClient talks to a running hub.
type controlClient struct {
	base   string
	token  string
	client *http.Client
}

func newControlClient(base, token string) *controlClient {
	return &controlClient{base: strings.TrimRight(base, "/"), token: token, client: &http.Client{}}
}

func (c *controlClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = strings.NewReader(string(data))
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w at %s: %v", errHubUnreachable, c.base, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("hub: %s", e.Error)
		}
		return fmt.Errorf("hub: %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
