// ABOUTME: Management HTTP API for configuring and driving backend servers.
// ABOUTME: JSON over REST: server CRUD plus connect, disconnect, and refresh.

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/2389/mcp-gateway/internal/backend"
	"github.com/2389/mcp-gateway/internal/store"
)

// serverView is a stored server plus its live connection state.
type serverView struct {
	*store.Server
	Connected bool `json:"connected"`
}

// statusView reports the gateway's runtime state.
type statusView struct {
	Running bool `json:"running"`
	Port    int  `json:"port"`
	Servers int  `json:"servers"`
}

func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", g.handleStatus)
	mux.HandleFunc("GET /api/servers", g.handleListServers)
	mux.HandleFunc("POST /api/servers", g.handleCreateServer)
	mux.HandleFunc("GET /api/servers/{id}", g.handleGetServer)
	mux.HandleFunc("PUT /api/servers/{id}", g.handleUpdateServer)
	mux.HandleFunc("DELETE /api/servers/{id}", g.handleDeleteServer)
	mux.HandleFunc("POST /api/servers/{id}/connect", g.handleConnectServer)
	mux.HandleFunc("POST /api/servers/{id}/disconnect", g.handleDisconnectServer)
	mux.HandleFunc("POST /api/servers/{id}/tools/refresh", g.handleRefreshTools)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Warn("failed to encode API response", "error", err)
	}
}

// writeAPIError maps store and backend errors to HTTP statuses.
func (g *Gateway) writeAPIError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrServerNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrServerExists), errors.Is(err, backend.ErrAlreadyConnected):
		status = http.StatusConflict
	case errors.Is(err, backend.ErrNotConnected):
		status = http.StatusConflict
	}
	g.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	running, port := g.state.get()
	g.writeJSON(w, http.StatusOK, statusView{
		Running: running,
		Port:    port,
		Servers: g.registry.Len(),
	})
}

func (g *Gateway) handleListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := g.store.ListServers(r.Context())
	if err != nil {
		g.writeAPIError(w, err)
		return
	}

	views := make([]serverView, len(servers))
	for i, srv := range servers {
		_, connected := g.registry.Get(srv.ID)
		views[i] = serverView{Server: srv, Connected: connected}
	}
	g.writeJSON(w, http.StatusOK, views)
}

func (g *Gateway) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	var srv store.Server
	if err := json.NewDecoder(r.Body).Decode(&srv); err != nil {
		g.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if srv.Name == "" || srv.Command == "" {
		g.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name and command are required"})
		return
	}
	if srv.ID == "" {
		srv.ID = uuid.New().String()
	}

	if err := g.store.CreateServer(r.Context(), &srv); err != nil {
		g.writeAPIError(w, err)
		return
	}
	g.logger.Info("server created", "id", srv.ID, "name", srv.Name)
	g.writeJSON(w, http.StatusCreated, serverView{Server: &srv})
}

func (g *Gateway) handleGetServer(w http.ResponseWriter, r *http.Request) {
	srv, err := g.store.GetServer(r.Context(), r.PathValue("id"))
	if err != nil {
		g.writeAPIError(w, err)
		return
	}
	_, connected := g.registry.Get(srv.ID)
	g.writeJSON(w, http.StatusOK, serverView{Server: srv, Connected: connected})
}

func (g *Gateway) handleUpdateServer(w http.ResponseWriter, r *http.Request) {
	var srv store.Server
	if err := json.NewDecoder(r.Body).Decode(&srv); err != nil {
		g.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	srv.ID = r.PathValue("id")

	if err := g.store.UpdateServer(r.Context(), &srv); err != nil {
		g.writeAPIError(w, err)
		return
	}
	_, connected := g.registry.Get(srv.ID)
	g.writeJSON(w, http.StatusOK, serverView{Server: &srv, Connected: connected})
}

func (g *Gateway) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	// Tear down any live connection before removing the definition.
	if _, ok := g.registry.Get(id); ok {
		if err := g.DisconnectServer(id); err != nil {
			g.logger.Warn("disconnect before delete failed", "id", id, "error", err)
		}
	}

	if err := g.store.DeleteServer(r.Context(), id); err != nil {
		g.writeAPIError(w, err)
		return
	}
	g.logger.Info("server deleted", "id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleConnectServer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := g.ConnectServer(r.Context(), id); err != nil {
		g.writeAPIError(w, err)
		return
	}
	srv, err := g.store.GetServer(r.Context(), id)
	if err != nil {
		g.writeAPIError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, serverView{Server: srv, Connected: true})
}

func (g *Gateway) handleDisconnectServer(w http.ResponseWriter, r *http.Request) {
	if err := g.DisconnectServer(r.PathValue("id")); err != nil {
		g.writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleRefreshTools(w http.ResponseWriter, r *http.Request) {
	tools, err := g.RefreshServerTools(r.Context(), r.PathValue("id"))
	if err != nil {
		g.writeAPIError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}
