package api

import (
	"github.com/api200/gateway/internal/middleware"
	"github.com/gorilla/mux"
)

// RegisterRoutes mounts the operational endpoints. Everything under /admin
// requires an admin bearer token.
func RegisterRoutes(r *mux.Router, obs *ObservabilityHandler, admin *AdminHandler, guard *middleware.AdminAuth) {
	r.HandleFunc("/health", obs.HandleHealth).Methods("GET")
	r.HandleFunc("/metrics", obs.HandleMetrics).Methods("GET")

	adminRouter := r.PathPrefix("/admin").Subrouter()
	adminRouter.Use(guard.RequireAdmin)
	adminRouter.HandleFunc("/stats", obs.HandleStats).Methods("GET")
	adminRouter.HandleFunc("/cache/invalidate", admin.InvalidateCache).Methods("POST")
	adminRouter.HandleFunc("/incidents/{id}/resolve", admin.ResolveIncident).Methods("POST")
}
