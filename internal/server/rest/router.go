package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns the configured chi.Router for the dashboard API.
//
// telemetry, when non-nil, is mounted at GET /ws/telemetry; it is the
// WebSocket upgrade handler and must be served on the same listener as the
// REST surface so dashboards need a single origin.
func NewRouter(srv *Server, telemetry http.Handler) http.Handler {
	r := chi.NewRouter()

	// Built-in chi middleware for observability and hygiene. The request
	// logger sits after RealIP so the logged peer is the true client.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(srv.log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)
	if srv.metrics != nil {
		r.Method(http.MethodGet, "/metrics", srv.metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", srv.handleStatus)
		r.Get("/sensor", srv.handleSensor)
		r.Get("/devices", srv.handleDevices)
		r.Get("/workers", srv.handleWorkers)
		r.Get("/detections", srv.handleDetections)

		r.Get("/alert", srv.handleGetAlert)
		r.Post("/alert", srv.handleSetAlert)
		r.Get("/alerts/history", srv.handleAlertHistory)
		r.Post("/evacuate", srv.handleEvacuate)
		r.Post("/safe", srv.handleSafe)

		r.Get("/access_code", srv.handleAccessCode)
		r.Post("/verify_code", srv.handleVerifyCode)

		r.Get("/gsm/contacts", srv.handleGetContacts)
		r.Post("/gsm/contacts", srv.handleAddContact)
		r.Delete("/gsm/contacts/{number}", srv.handleDeleteContact)

		r.Post("/manual/trigger", srv.handleManualTrigger)
		r.Post("/cluster/classify", srv.handleClassify)

		r.Get("/history", srv.handleHistory)
		r.Get("/settings", srv.handleGetSettings)
		r.Post("/settings", srv.handleUpdateSettings)

		r.Get("/video_feed", srv.handleVideoFeed)
		r.Post("/cameras/register", srv.handleRegisterCamera)
	})

	if telemetry != nil {
		r.Method(http.MethodGet, "/ws/telemetry", telemetry)
	}

	return r
}
