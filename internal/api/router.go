package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/kiranshivaraju/inferq/internal/api/middleware"
	"github.com/kiranshivaraju/inferq/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler  http.HandlerFunc
	MetricsHandler http.Handler
	WebhookHandler http.HandlerFunc

	SubmitJob  http.HandlerFunc
	GetJob     http.HandlerFunc
	CancelJob  http.HandlerFunc
	ListModels http.HandlerFunc
	GetModel   http.HandlerFunc

	ClaimJob       http.HandlerFunc
	ReportProgress http.HandlerFunc
	CompleteJob    http.HandlerFunc
	FailJob        http.HandlerFunc
	AckCancel      http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public endpoints
	r.Get("/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}
	r.Post("/v1/webhook", orNotImplemented(deps.WebhookHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		if deps.Auth != nil {
			r.Use(deps.Auth.Authenticate)
		}
		if deps.RateLimit != nil {
			r.Use(deps.RateLimit.Limit)
		}

		r.Post("/v1/jobs", orNotImplemented(deps.SubmitJob))
		r.Get("/v1/jobs/{jobID}", orNotImplemented(deps.GetJob))
		r.Delete("/v1/jobs/{jobID}", orNotImplemented(deps.CancelJob))

		r.Get("/v1/models", orNotImplemented(deps.ListModels))
		r.Get("/v1/models/{modelName}", orNotImplemented(deps.GetModel))

		// Worker protocol
		r.Post("/v1/worker/claim", orNotImplemented(deps.ClaimJob))
		r.Post("/v1/jobs/{jobID}/progress", orNotImplemented(deps.ReportProgress))
		r.Post("/v1/jobs/{jobID}/complete", orNotImplemented(deps.CompleteJob))
		r.Post("/v1/jobs/{jobID}/fail", orNotImplemented(deps.FailJob))
		r.Post("/v1/jobs/{jobID}/ack-cancel", orNotImplemented(deps.AckCancel))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
