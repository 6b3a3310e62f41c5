// Package handler exposes the promotion engine over HTTP.
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/lojix/promo-engine/internal/domain/order"
	"github.com/lojix/promo-engine/internal/domain/promotion"
)

// Handler routes HTTP requests to the promotion service.
type Handler struct {
	promotions *promotion.Service
}

// New constructs a Handler over the promotion service.
func New(promotions *promotion.Service) *Handler {
	return &Handler{promotions: promotions}
}

// Routes builds the API router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/promotions", func(r chi.Router) {
		r.Post("/", h.createPromotion)
		r.Get("/", h.listPromotions)
		r.Post("/validate-coupon", h.validateCoupon)
		r.Post("/apply", h.applyPromotion)
		r.Get("/code/{code}", h.findByCode)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getPromotion)
			r.Put("/", h.updatePromotion)
			r.Delete("/", h.deletePromotion)
			r.Get("/stats", h.getStats)
		})
	})

	return r
}

// errorResponse is the JSON body of every non-2xx response.
type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// writeError maps domain errors to HTTP statuses. Validation reasons pass
// through verbatim so UIs can display them.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var vErr *promotion.ValidationError

	switch {
	case errors.Is(err, promotion.ErrNotFound),
		errors.Is(err, order.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{
			Code:    http.StatusNotFound,
			Message: err.Error(),
		})
	case errors.As(err, &vErr):
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Code:    http.StatusBadRequest,
			Message: vErr.Reason,
		})
	case errors.Is(err, promotion.ErrCodeConflict),
		errors.Is(err, promotion.ErrAlreadyApplied):
		writeJSON(w, http.StatusConflict, errorResponse{
			Code:    http.StatusConflict,
			Message: err.Error(),
		})
	case errors.Is(err, order.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorResponse{
			Code:    http.StatusForbidden,
			Message: err.Error(),
		})
	case errors.Is(err, promotion.ErrInvalidBOGO):
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Code:    http.StatusBadRequest,
			Message: err.Error(),
		})
	default:
		zctx.From(r.Context()).Error("Request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Code:    http.StatusInternalServerError,
			Message: "internal server error",
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// badRequest answers a malformed request body or parameter.
func badRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{
		Code:    http.StatusBadRequest,
		Message: message,
	})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
