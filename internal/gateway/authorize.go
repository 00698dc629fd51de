// ABOUTME: OAuth authorization endpoints for backends that require it.
// ABOUTME: Runs the callback listener and PKCE exchange in the background.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/2389/mcp-gateway/internal/oauth"
)

// authorizeRequest starts an authorization flow against a server's issuer.
type authorizeRequest struct {
	Issuer       string   `json:"issuer"`
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
}

// authorizeResponse tells the caller which URL to open in a browser.
type authorizeResponse struct {
	AuthURL     string `json:"auth_url"`
	RedirectURL string `json:"redirect_url"`
	State       string `json:"state"`
}

// authStatusView reports whether a server holds usable tokens.
type authStatusView struct {
	Authorized bool       `json:"authorized"`
	Expiry     *time.Time `json:"expiry,omitempty"`
}

func (g *Gateway) registerOAuthRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/servers/{id}/oauth/authorize", g.handleAuthorize)
	mux.HandleFunc("GET /api/servers/{id}/oauth", g.handleAuthStatus)
	mux.HandleFunc("DELETE /api/servers/{id}/oauth", g.handleAuthRevoke)
}

// handleAuthorize discovers the issuer's endpoints, starts a callback
// listener, and returns the authorization URL. The code exchange completes
// in the background once the user grants access.
func (g *Gateway) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	srv, err := g.store.GetServer(r.Context(), id)
	if err != nil {
		g.writeAPIError(w, err)
		return
	}

	var req authorizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if req.Issuer == "" || req.ClientID == "" {
		g.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "issuer and client_id are required"})
		return
	}

	meta, err := oauth.DiscoverMetadata(r.Context(), req.Issuer)
	if err != nil {
		g.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}

	listener, err := oauth.Listen(oauth.ListenOptions{Logger: g.logger})
	if err != nil {
		g.writeAPIError(w, err)
		return
	}

	flow := oauth.NewFlow(meta, req.ClientID, req.ClientSecret, listener.RedirectURL(), req.Scopes)
	go g.completeAuthorization(id, srv.Name, meta, req, listener, flow)

	g.writeJSON(w, http.StatusOK, authorizeResponse{
		AuthURL:     flow.AuthURL(),
		RedirectURL: listener.RedirectURL(),
		State:       flow.State(),
	})
}

// completeAuthorization waits for the redirect and redeems the code. The
// listener enforces its own lifetime, so no outer deadline is needed beyond
// a margin for the exchange itself.
func (g *Gateway) completeAuthorization(id, name string, meta *oauth.AuthServerMetadata, req authorizeRequest, listener *oauth.Listener, flow *oauth.Flow) {
	defer listener.Close()

	ctx, cancel := context.WithTimeout(context.Background(), oauth.DefaultLifetime+30*time.Second)
	defer cancel()

	result, err := listener.Wait(ctx)
	if err != nil {
		if errors.Is(err, oauth.ErrCallbackTimeout) {
			g.logger.Warn("authorization timed out", "server", name)
		} else {
			g.logger.Warn("authorization failed", "server", name, "error", err)
		}
		return
	}

	token, err := flow.Exchange(ctx, result)
	if err != nil {
		g.logger.Warn("code exchange failed", "server", name, "error", err)
		return
	}

	g.tokens.Set(id, &oauth.State{
		Metadata:     meta,
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		Token:        token,
	})
	g.logger.Info("authorization complete", "server", name)
}

func (g *Gateway) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := g.store.GetServer(r.Context(), id); err != nil {
		g.writeAPIError(w, err)
		return
	}

	st, ok := g.tokens.Get(id)
	view := authStatusView{Authorized: ok && st.Token != nil}
	if view.Authorized && !st.Token.Expiry.IsZero() {
		expiry := st.Token.Expiry
		view.Expiry = &expiry
	}
	g.writeJSON(w, http.StatusOK, view)
}

func (g *Gateway) handleAuthRevoke(w http.ResponseWriter, r *http.Request) {
	if !g.tokens.Remove(r.PathValue("id")) {
		g.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no authorization stored"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
