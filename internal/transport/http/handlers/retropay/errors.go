package retropayhandler

import (
	"errors"
	"log/slog"
	"net/http"

	"retropay/internal/domain/retropay"
	"retropay/internal/transport/http/api"
	"retropay/internal/transport/http/middleware"
	"retropay/internal/transport/http/shared"
)

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	reqID := middleware.GetRequestID(r.Context())

	var validationErr *retropay.ValidationError
	var mismatchErr *retropay.AmountMismatchError
	var transitionErr *retropay.InvalidStateTransitionError
	switch {
	case errors.As(err, &validationErr):
		shared.FailValidation(w, reqID, []shared.ValidationIssue{{Field: validationErr.Field, Reason: validationErr.Reason}})
	case errors.As(err, &mismatchErr):
		api.FailWithDetails(w, http.StatusUnprocessableEntity, "amount_mismatch", mismatchErr.Error(), map[string]string{
			"expected": mismatchErr.Expected.StringFixed(2),
			"actual":   mismatchErr.Actual.StringFixed(2),
		}, reqID)
	case errors.As(err, &transitionErr):
		api.FailWithDetails(w, http.StatusConflict, "invalid_state", transitionErr.Error(), map[string]string{
			"status": string(transitionErr.From),
			"action": string(transitionErr.Action),
		}, reqID)
	case errors.Is(err, retropay.ErrNotFound):
		api.Fail(w, http.StatusNotFound, "not_found", "adjustment record not found", reqID)
	case errors.Is(err, retropay.ErrConcurrencyConflict):
		if h.Metrics != nil {
			h.Metrics.RecordConflict()
		}
		api.Fail(w, http.StatusConflict, "concurrency_conflict", "record was modified concurrently, re-fetch and retry", reqID)
	case errors.Is(err, retropay.ErrForbidden):
		api.Fail(w, http.StatusForbidden, "forbidden", "insufficient permissions", reqID)
	default:
		slog.Error("retropay request failed", "path", r.URL.Path, "requestId", reqID, "err", err)
		api.Fail(w, http.StatusInternalServerError, "internal_error", "internal server error", reqID)
	}
}
