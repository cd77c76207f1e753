package adminapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"
	"github.com/rs/zerolog"

	"go.chandispatch.dev/internal/dispatch"
	"go.chandispatch.dev/internal/operation"
	"go.chandispatch.dev/internal/registry"
)

// Handlers serves the read-only admin/operational HTTP surface. None of it
// is load-bearing for dispatch correctness, and it is not the bus surface
// clients and approvers call; it exists for operators.
type Handlers struct {
	Registry   *registry.Registry
	Observable *operation.Observable
	Engine     *dispatch.Engine
	Log        zerolog.Logger
}

// clientView is the wire shape for one registry entry in /debug/clients.
type clientView struct {
	BusName        string `json:"bus_name"`
	Capabilities   string `json:"capabilities"`
	Alive          bool   `json:"alive"`
	Activatable    bool   `json:"activatable"`
	BypassApproval bool   `json:"bypass_approval"`
}

// Router builds the full admin HTTP surface, matching this codebase's usual
// chi middleware stack (request ID, real IP, structured logging, panic
// recovery, permissive CORS since this is an operator-only surface).
func (h *Handlers) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
	}))

	r.Get("/healthz", h.Healthz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))

	r.Route("/debug", func(r chi.Router) {
		r.Get("/clients", h.DebugClients)
		r.Get("/clients/{busName}", h.DebugClient)
		r.Get("/operations", h.DebugOperations)
	})

	return r
}

// Healthz handles GET /healthz
// @Summary Liveness probe
// @Produce json
// @Success 200 {object} map[string]string
// @Router /healthz [get]
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// DebugClients handles GET /debug/clients
// @Summary List every client the registry currently knows about
// @Produce json
// @Success 200 {array} clientView
// @Router /debug/clients [get]
func (h *Handlers) DebugClients(w http.ResponseWriter, r *http.Request) {
	clients := h.Registry.Snapshot()
	out := make([]clientView, 0, len(clients))
	for _, c := range clients {
		out = append(out, clientView{
			BusName:        c.BusName,
			Capabilities:   c.Capabilities.String(),
			Alive:          c.IsAlive(),
			Activatable:    c.Activatable,
			BypassApproval: c.BypassApproval,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// DebugClient handles GET /debug/clients/{busName}
// @Summary Look up one client by bus name
// @Produce json
// @Param busName path string true "Client bus name"
// @Success 200 {object} clientView
// @Failure 404 {object} ErrorResponse
// @Router /debug/clients/{busName} [get]
func (h *Handlers) DebugClient(w http.ResponseWriter, r *http.Request) {
	busName := chi.URLParam(r, "busName")
	c, ok := h.Registry.Lookup(busName)
	if !ok {
		writeNotFound(w, "no such client")
		return
	}
	writeJSON(w, http.StatusOK, clientView{
		BusName:        c.BusName,
		Capabilities:   c.Capabilities.String(),
		Alive:          c.IsAlive(),
		Activatable:    c.Activatable,
		BypassApproval: c.BypassApproval,
	})
}

// DebugOperations handles GET /debug/operations
// @Summary List currently open dispatch operations
// @Description Reads the DispatchOperations property. The first read from
// @Description any caller activates change notifications on the bus.
// @Produce json
// @Success 200 {array} string
// @Router /debug/operations [get]
func (h *Handlers) DebugOperations(w http.ResponseWriter, r *http.Request) {
	ops := h.Observable.DispatchOperations()
	paths := make([]string, 0, len(ops))
	for _, op := range ops {
		paths = append(paths, op.Path)
	}
	writeJSON(w, http.StatusOK, paths)
}
