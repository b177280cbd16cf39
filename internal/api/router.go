package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Router wires the admin surface. metricsHandler, when non-nil, is served
// at /metrics.
func Router(h *Handler, metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/v1/health", h.Health)

	r.Route("/v1/scheduler", func(r chi.Router) {
		r.Get("/status", h.SchedulerStatus)
		r.Post("/start", h.SchedulerStart)
		r.Post("/stop", h.SchedulerStop)
	})

	r.Route("/v1/campaigns", func(r chi.Router) {
		r.Post("/", h.CreateCampaign)
		r.Post("/validate", h.ValidateCampaign)
		r.Get("/{id}/validate", h.ValidateCampaignForExecution)
		r.Post("/{id}/execute", h.ExecuteCampaign)
	})

	r.Route("/v1/messages", func(r chi.Router) {
		r.Post("/", h.CreateScheduledMessage)
		r.Post("/validate", h.ValidateScheduledMessage)
		r.Post("/{id}/execute", h.ExecuteScheduledMessage)
		r.Get("/sent", h.ListSentMessages)
	})

	r.Route("/v1/queue", func(r chi.Router) {
		r.Post("/", h.Enqueue)
		r.Delete("/{id}", h.CancelQueued)
		r.Get("/{id}/receipt", h.QueuedReceipt)
	})

	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("outbound-dispatch"))
	})

	return r
}
