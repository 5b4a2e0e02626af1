package rest

import (
	"encoding/json"
	"net/http"
	"os"

	"github.com/gorilla/mux"

	"pairquiz/internal/registry"
	"pairquiz/internal/service"
	"pairquiz/internal/session"
	"pairquiz/internal/transport/rest/middleware"
	"pairquiz/internal/transport/ws"
)

// Container holds all dependencies for the router
type Container struct {
	AuthService *service.AuthService
	Metrics     *session.Metrics
	Registry    *registry.Registry
	Coordinator *session.Coordinator
	WSHandler   *ws.Handler
}

// NewRouter creates the HTTP router: health check, the WebSocket endpoint, and
// the admin-gated metrics endpoint.
func NewRouter(c *Container) http.Handler {
	r := mux.NewRouter()

	authMW := middleware.NewAuthMiddleware(c.AuthService)

	r.Use(corsMiddleware)

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")

	v1 := r.PathPrefix("/v1").Subrouter()

	// WebSocket endpoint (identity claimed via query params)
	v1.HandleFunc("/ws", c.WSHandler.ServeWS).Methods("GET")

	// Diagnostics (admin only)
	adminRoutes := v1.NewRoute().Subrouter()
	adminRoutes.Use(authMW.RequireAdmin)
	adminRoutes.HandleFunc("/metrics", metricsHandler(c)).Methods("GET", "OPTIONS")

	return r
}

func metricsHandler(c *Container) http.HandlerFunc {
	type response struct {
		Counters          session.MetricsSnapshot `json:"counters"`
		ActiveConnections int                     `json:"activeConnections"`
		LiveSessions      int                     `json:"liveSessions"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response{
			Counters:          c.Metrics.Snapshot(),
			ActiveConnections: c.Registry.ActiveCount(),
			LiveSessions:      c.Coordinator.LiveSessions(),
		})
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowedOrigins := os.Getenv("CORS_ALLOWED_ORIGINS")
		if allowedOrigins == "" {
			allowedOrigins = "*"
		}

		w.Header().Set("Access-Control-Allow-Origin", allowedOrigins)
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
