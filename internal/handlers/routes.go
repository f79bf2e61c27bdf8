package handlers

import "net/http"

// RegisterRoutes wires HTTP handlers into the provided ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps Dependencies) {
	health := HealthHandler{}
	session := SessionHandler{Sessions: deps.Sessions}
	videos := VideoHandler{Gallery: deps.Gallery, SyncLimiter: deps.SyncLimiter}

	mux.HandleFunc("/healthz", health.Handle)
	mux.HandleFunc("/api/v1/session", session.Handle)
	mux.HandleFunc("GET /api/v1/videos", videos.List)
	mux.HandleFunc("GET /api/v1/videos/{id}/thumbnail", videos.Thumbnail)
	mux.HandleFunc("GET /api/v1/videos/{id}/stream", videos.Stream)
	mux.HandleFunc("POST /api/v1/videos/{id}/sync", videos.Sync)
	mux.HandleFunc("DELETE /api/v1/videos/{id}", videos.Delete)
}

// Dependencies aggregates collaborators required by HTTP handlers.
type Dependencies struct {
	Sessions    SessionManager
	Gallery     Gallery
	SyncLimiter RateLimiter
}
