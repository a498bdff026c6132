package api

import (
	"net/http"

	"medgate/admission"
	"medgate/core"
	"medgate/storage"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// routes is the static security profile of every endpoint. The admission
// table and the router are both built from it.
var routes = []admission.Route{
	{Method: http.MethodGet, Path: "/health", Class: core.RouteClassPublic},
	{Method: http.MethodGet, Path: "/metrics", Class: core.RouteClassPublic},

	{Method: http.MethodPost, Path: "/api/v1/login", Class: core.RouteClassAuth},
	{Method: http.MethodPost, Path: "/api/v1/logout", Class: core.RouteClassStandard},
	{Method: http.MethodGet, Path: "/api/v1/me", Class: core.RouteClassStandard},
	{Method: http.MethodPost, Path: "/api/v1/password-reset", Class: core.RouteClassSensitive,
		Permission: string(storage.PermCredentialsManage)},
	{Method: http.MethodPost, Path: "/api/v1/mfa/setup", Class: core.RouteClassSensitive,
		Permission: string(storage.PermCredentialsManage)},

	{Method: http.MethodGet, Path: "/api/v1/patients", Class: core.RouteClassStandard,
		Permission: string(storage.PermPatientsSearch), ResourceType: "patient"},
	{Method: http.MethodPost, Path: "/api/v1/patients", Class: core.RouteClassStandard,
		Permission: string(storage.PermPatientsWrite), ResourceType: "patient"},
	{Method: http.MethodGet, Path: "/api/v1/patients/{id}", Class: core.RouteClassStandard,
		Permission: string(storage.PermPatientsRead), Sensitive: true, ResourceType: "patient", ResourceParam: "id"},

	{Method: http.MethodPost, Path: "/api/v1/break-glass", Class: core.RouteClassEmergency,
		Permission: string(storage.PermEmergencyRequest)},

	{Method: http.MethodGet, Path: "/api/v1/audit", Class: core.RouteClassStandard,
		Permission: string(storage.PermAuditRead), ResourceType: "audit"},
}

// Routes returns a copy of the route profiles for building the admission table
func Routes() []admission.Route {
	return append([]admission.Route(nil), routes...)
}

// NewRouteTable builds the admission table for this API
func NewRouteTable() (*admission.RouteTable, error) {
	return admission.NewRouteTable(Routes())
}

func (a *API) handlers() map[string]http.HandlerFunc {
	return map[string]http.HandlerFunc{
		"GET /health":  a.health,
		"GET /metrics": promhttp.Handler().ServeHTTP,

		"POST /api/v1/login":          a.login,
		"POST /api/v1/logout":         a.logout,
		"GET /api/v1/me":              a.me,
		"POST /api/v1/password-reset": a.passwordReset,
		"POST /api/v1/mfa/setup":      a.mfaSetup,

		"GET /api/v1/patients":      a.searchPatients,
		"POST /api/v1/patients":     a.createPatient,
		"GET /api/v1/patients/{id}": a.getPatient,
		"POST /api/v1/break-glass":  a.requestBreakGlass,
		"GET /api/v1/audit":         a.queryAudit,
	}
}

// health godoc
//
//	@Summary		Health check
//	@Tags			system
//	@Produce		json
//	@Success		200	{object}	map[string]string
//	@Router			/health [get]
func (a *API) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
