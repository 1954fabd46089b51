package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"crosspay/internal/common/api"
	"crosspay/internal/common/middleware"
	"crosspay/internal/payment"
	"crosspay/internal/payment/domain"
)

// Service is the payment service the handlers drive.
type Service interface {
	Create(ctx context.Context, req payment.CreateRequest) (payment.View, error)
	Get(ctx context.Context, id string) (payment.View, error)
	ResolveRequirements(ctx context.Context, id string, req domain.Requirements) (payment.View, error)
	SelectMethod(ctx context.Context, id string, method domain.PaymentMethod) (payment.View, error)
	ConfirmRoute(ctx context.Context, id string) (payment.View, error)
	Retry(ctx context.Context, id string) (payment.View, error)
	Reset(ctx context.Context, id string) (payment.View, error)
	Back(ctx context.Context, id string) (payment.View, error)
	Close(ctx context.Context, id string) error
}

var _ Service = (*payment.Service)(nil)

// Handler handles payment HTTP requests
type Handler struct {
	service Service
	logger  *slog.Logger
}

// NewHandler creates a new payment handler
func NewHandler(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Routes returns the payment routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.Create)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Delete("/", h.Close)
		r.Post("/requirements", h.ResolveRequirements)
		r.Post("/method", h.SelectMethod)
		r.Post("/confirm", h.action(Service.ConfirmRoute))
		r.Post("/retry", h.action(Service.Retry))
		r.Post("/reset", h.action(Service.Reset))
		r.Post("/back", h.action(Service.Back))
	})

	return r
}

// Create handles POST /
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req payment.CreateRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		h.decodeError(w, err)
		return
	}

	view, err := h.service.Create(r.Context(), req)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusCreated, view)
}

// Get handles GET /{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, view)
}

// ResolveRequirements handles POST /{id}/requirements
func (h *Handler) ResolveRequirements(w http.ResponseWriter, r *http.Request) {
	var req domain.Requirements
	if err := api.DecodeAndValidate(r, &req); err != nil {
		h.decodeError(w, err)
		return
	}

	view, err := h.service.ResolveRequirements(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, view)
}

// SelectMethod handles POST /{id}/method. The quote is fetched asynchronously; poll
// GET /{id} for the preview.
func (h *Handler) SelectMethod(w http.ResponseWriter, r *http.Request) {
	var method domain.PaymentMethod
	if err := api.DecodeAndValidate(r, &method); err != nil {
		h.decodeError(w, err)
		return
	}

	view, err := h.service.SelectMethod(r.Context(), chi.URLParam(r, "id"), method)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusAccepted, view)
}

// Close handles DELETE /{id}
func (h *Handler) Close(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Close(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.serviceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) action(fn func(Service, context.Context, string) (payment.View, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := fn(h.service, r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			h.serviceError(w, r, err)
			return
		}
		api.WriteData(w, http.StatusOK, view)
	}
}

func (h *Handler) decodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, api.ErrMalformedJSON) {
		api.BadRequest(w, "invalid JSON body")
		return
	}
	api.ValidationError(w, err)
}

func (h *Handler) serviceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, payment.ErrSessionNotFound):
		api.NotFound(w, "payment session not found")
	case errors.Is(err, payment.ErrInvalidRequest):
		api.WriteError(w, http.StatusUnprocessableEntity, api.ErrCodeValidation, err.Error())
	case errors.Is(err, payment.ErrNotAllowed):
		api.Conflict(w, err.Error())
	case errors.Is(err, payment.ErrShuttingDown):
		api.WriteError(w, http.StatusServiceUnavailable, api.ErrCodeServiceUnavail, "service is shutting down")
	default:
		h.logger.Error("payment request failed",
			"error", err,
			"path", r.URL.Path,
			"correlation_id", middleware.GetCorrelationID(r.Context()),
		)
		api.InternalError(w, "failed to process payment request")
	}
}
