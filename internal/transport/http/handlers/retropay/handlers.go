package retropayhandler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"retropay/internal/domain/audit"
	"retropay/internal/domain/auth"
	"retropay/internal/domain/retropay"
	"retropay/internal/platform/metrics"
	"retropay/internal/transport/http/api"
	"retropay/internal/transport/http/middleware"
	"retropay/internal/transport/http/shared"
)

const idempotencyEndpointCreate = "retropay.create"

type History interface {
	ListForEntity(ctx context.Context, tenantID, entityType, entityID string) ([]audit.Event, error)
}

type Idempotency interface {
	Claim(ctx context.Context, tenantID, userID, endpoint, key, requestHash string) (json.RawMessage, bool, error)
	Save(ctx context.Context, tenantID, userID, endpoint, key, requestHash string, response json.RawMessage) error
	Release(ctx context.Context, tenantID, userID, endpoint, key string) error
}

type Handler struct {
	Service     *retropay.Service
	Perms       middleware.PermissionStore
	History     History
	Idempotency Idempotency
	Metrics     *metrics.Collector
}

func NewHandler(service *retropay.Service, perms middleware.PermissionStore, history History, idem Idempotency, collector *metrics.Collector) *Handler {
	return &Handler{Service: service, Perms: perms, History: history, Idempotency: idem, Metrics: collector}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/retro-pay", func(r chi.Router) {
		r.With(middleware.RequirePermission(auth.PermRetroPayCreate, h.Perms)).Post("/", h.handleCreate)
		r.With(middleware.RequirePermission(auth.PermRetroPayCreate, h.Perms)).Post("/preview", h.handlePreview)
		r.With(middleware.RequirePermission(auth.PermRetroPayRead, h.Perms)).Get("/", h.handleList)
		r.With(middleware.RequirePermission(auth.PermRetroPayRead, h.Perms)).Get("/stats", h.handleStatistics)
		r.With(middleware.RequirePermission(auth.PermRetroPayPayout, h.Perms)).Get("/payouts", h.handlePayouts)
		r.With(middleware.RequirePermission(auth.PermRetroPayRead, h.Perms)).Get("/{recordID}", h.handleGet)
		r.With(middleware.RequirePermission(auth.PermRetroPayRead, h.Perms)).Get("/{recordID}/history", h.handleHistory)
		r.With(middleware.RequirePermission(auth.PermRetroPayApprove, h.Perms)).Post("/{recordID}/approve", h.handleApprove)
		r.With(middleware.RequirePermission(auth.PermRetroPayCancel, h.Perms)).Post("/{recordID}/cancel", h.handleCancel)
		r.With(middleware.RequirePermission(auth.PermRetroPayPay, h.Perms)).Post("/{recordID}/pay", h.handlePay)
		r.With(middleware.RequirePermission(auth.PermRetroPayPay, h.Perms)).Post("/{recordID}/installments/{year}/{month}/pay", h.handlePayInstallment)
	})
}

type installmentPayload struct {
	Month  int             `json:"month" validate:"min=1,max=12"`
	Year   int             `json:"year" validate:"min=1900,max=9999"`
	Amount decimal.Decimal `json:"amount"`
}

type distributionPayload struct {
	Mode         string               `json:"mode" validate:"required,oneof=SINGLE EQUAL_SPLIT CUSTOM"`
	Month        int                  `json:"month" validate:"omitempty,min=1,max=12"`
	Year         int                  `json:"year" validate:"omitempty,min=1900,max=9999"`
	Count        int                  `json:"count" validate:"omitempty,min=2,max=24"`
	StartMonth   int                  `json:"startMonth" validate:"omitempty,min=1,max=12"`
	StartYear    int                  `json:"startYear" validate:"omitempty,min=1900,max=9999"`
	Installments []installmentPayload `json:"installments" validate:"omitempty,dive"`
}

type createPayload struct {
	EmployeeID    string              `json:"employeeId" validate:"required,max=64"`
	Reason        string              `json:"reason" validate:"required,max=500"`
	EffectiveFrom string              `json:"effectiveFrom" validate:"required"`
	EffectiveTo   string              `json:"effectiveTo" validate:"required"`
	OldAmount     decimal.Decimal     `json:"oldAmount"`
	NewAmount     decimal.Decimal     `json:"newAmount"`
	Distribution  distributionPayload `json:"distribution"`
	Notes         string              `json:"notes" validate:"max=2000"`
}

type cancelPayload struct {
	Reason string `json:"reason" validate:"max=500"`
}

// decodeCreate parses and validates a create/preview body. It writes the
// error response itself and reports ok=false in that case.
func decodeCreate(w http.ResponseWriter, r *http.Request, raw []byte) (retropay.CreateInput, bool) {
	reqID := middleware.GetRequestID(r.Context())
	var payload createPayload
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&payload); err != nil {
		api.Fail(w, http.StatusBadRequest, "invalid_payload", "invalid request payload", reqID)
		return retropay.CreateInput{}, false
	}

	v := shared.NewValidator()
	v.Struct(payload)
	from, _ := v.Date("effectiveFrom", payload.EffectiveFrom)
	to, _ := v.Date("effectiveTo", payload.EffectiveTo)
	if v.Reject(w, reqID) {
		return retropay.CreateInput{}, false
	}

	dist := retropay.Distribution{
		Mode:       retropay.Mode(payload.Distribution.Mode),
		Month:      payload.Distribution.Month,
		Year:       payload.Distribution.Year,
		Count:      payload.Distribution.Count,
		StartMonth: payload.Distribution.StartMonth,
		StartYear:  payload.Distribution.StartYear,
	}
	for _, inst := range payload.Distribution.Installments {
		dist.Installments = append(dist.Installments, retropay.ScheduleItem{Month: inst.Month, Year: inst.Year, Amount: inst.Amount})
	}
	return retropay.CreateInput{
		EmployeeID: strings.TrimSpace(payload.EmployeeID),
		Reason:     payload.Reason,
		Notes:      payload.Notes,
		Plan: retropay.PlanRequest{
			OldAmount:     payload.OldAmount,
			NewAmount:     payload.NewAmount,
			EffectiveFrom: from,
			EffectiveTo:   to,
			Distribution:  dist,
		},
	}, true
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			api.Fail(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body too large", middleware.GetRequestID(r.Context()))
			return nil, false
		}
		api.Fail(w, http.StatusBadRequest, "invalid_payload", "failed to read request body", middleware.GetRequestID(r.Context()))
		return nil, false
	}
	return raw, true
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUser(r.Context())
	if !ok {
		api.Fail(w, http.StatusUnauthorized, "unauthorized", "authentication required", middleware.GetRequestID(r.Context()))
		return
	}
	reqID := middleware.GetRequestID(r.Context())

	raw, ok := readBody(w, r)
	if !ok {
		return
	}

	in, ok := decodeCreate(w, r, raw)
	if !ok {
		return
	}

	idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	requestHash := middleware.RequestHash(raw)
	claimed := false
	if idempotencyKey != "" && h.Idempotency != nil {
		stored, found, err := h.Idempotency.Claim(r.Context(), user.TenantID, user.UserID, idempotencyEndpointCreate, idempotencyKey, requestHash)
		switch {
		case errors.Is(err, middleware.ErrIdempotencyConflict):
			api.Fail(w, http.StatusConflict, "idempotency_conflict", "idempotency key was used with a different payload", reqID)
			return
		case errors.Is(err, middleware.ErrIdempotencyInProgress):
			w.Header().Set("Retry-After", "1")
			api.Fail(w, http.StatusConflict, "idempotency_in_progress", "a request with this idempotency key is still being processed", reqID)
			return
		case err != nil:
			h.writeError(w, r, fmt.Errorf("claim idempotency key: %w", err))
			return
		case found:
			api.Created(w, stored, reqID)
			return
		}
		claimed = true
	}

	rec, err := h.Service.Create(r.Context(), user.Actor(), in)
	if err != nil {
		if claimed {
			if err := h.Idempotency.Release(context.WithoutCancel(r.Context()), user.TenantID, user.UserID, idempotencyEndpointCreate, idempotencyKey); err != nil {
				slog.Warn("idempotency release failed", "err", err)
			}
		}
		h.writeError(w, r, err)
		return
	}

	if claimed {
		payload, err := json.Marshal(rec)
		if err != nil {
			slog.Warn("create response marshal failed", "err", err)
		} else if err := h.Idempotency.Save(context.WithoutCancel(r.Context()), user.TenantID, user.UserID, idempotencyEndpointCreate, idempotencyKey, requestHash, payload); err != nil {
			slog.Warn("idempotency save failed", "err", err)
		}
	}

	api.Created(w, rec, reqID)
}

func (h *Handler) handlePreview(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUser(r.Context())
	if !ok {
		api.Fail(w, http.StatusUnauthorized, "unauthorized", "authentication required", middleware.GetRequestID(r.Context()))
		return
	}
	raw, ok := readBody(w, r)
	if !ok {
		return
	}
	in, ok := decodeCreate(w, r, raw)
	if !ok {
		return
	}

	plan, err := h.Service.Preview(r.Context(), user.Actor(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.Success(w, plan, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUser(r.Context())
	if !ok {
		api.Fail(w, http.StatusUnauthorized, "unauthorized", "authentication required", middleware.GetRequestID(r.Context()))
		return
	}

	page := shared.ParsePagination(r, 50, 200)
	filter := retropay.ListFilter{
		EmployeeID: strings.TrimSpace(r.URL.Query().Get("employeeId")),
		Limit:      page.Limit,
		Offset:     page.Offset,
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			filter.Statuses = append(filter.Statuses, retropay.Status(strings.ToUpper(strings.TrimSpace(part))))
		}
	}

	result, err := h.Service.List(r.Context(), user.Actor(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("X-Total-Count", strconv.Itoa(result.Total))
	api.Success(w, result, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleStatistics(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUser(r.Context())
	if !ok {
		api.Fail(w, http.StatusUnauthorized, "unauthorized", "authentication required", middleware.GetRequestID(r.Context()))
		return
	}

	year, ok := shared.QueryInt(r, "year", time.Now().UTC().Year())
	if !ok {
		shared.FailValidation(w, middleware.GetRequestID(r.Context()), []shared.ValidationIssue{{Field: "year", Reason: "must be an integer"}})
		return
	}
	stats, err := h.Service.Statistics(r.Context(), user.Actor(), year)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.Success(w, stats, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handlePayouts(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUser(r.Context())
	if !ok {
		api.Fail(w, http.StatusUnauthorized, "unauthorized", "authentication required", middleware.GetRequestID(r.Context()))
		return
	}

	v := shared.NewValidator()
	employeeID := strings.TrimSpace(r.URL.Query().Get("employeeId"))
	v.Required("employeeId", employeeID, "required")
	month, okMonth := shared.QueryInt(r, "month", 0)
	year, okYear := shared.QueryInt(r, "year", 0)
	if !okMonth || month == 0 {
		v.Add("month", "required integer")
	}
	if !okYear || year == 0 {
		v.Add("year", "required integer")
	}
	if v.Reject(w, middleware.GetRequestID(r.Context())) {
		return
	}

	payout, err := h.Service.PayoutLines(r.Context(), user.Actor(), employeeID, month, year)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.Success(w, payout, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUser(r.Context())
	if !ok {
		api.Fail(w, http.StatusUnauthorized, "unauthorized", "authentication required", middleware.GetRequestID(r.Context()))
		return
	}

	rec, err := h.Service.Get(r.Context(), user.Actor(), chi.URLParam(r, "recordID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.Success(w, rec, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUser(r.Context())
	if !ok {
		api.Fail(w, http.StatusUnauthorized, "unauthorized", "authentication required", middleware.GetRequestID(r.Context()))
		return
	}

	rec, err := h.Service.Get(r.Context(), user.Actor(), chi.URLParam(r, "recordID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	events, err := h.History.ListForEntity(r.Context(), user.TenantID, retropay.EntityType, rec.ID)
	if err != nil {
		slog.Error("retropay history failed", "recordId", rec.ID, "err", err)
		api.Fail(w, http.StatusInternalServerError, "history_failed", "failed to load history", middleware.GetRequestID(r.Context()))
		return
	}
	api.Success(w, events, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUser(r.Context())
	if !ok {
		api.Fail(w, http.StatusUnauthorized, "unauthorized", "authentication required", middleware.GetRequestID(r.Context()))
		return
	}

	rec, err := h.Service.Approve(r.Context(), user.Actor(), chi.URLParam(r, "recordID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.Success(w, rec, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUser(r.Context())
	if !ok {
		api.Fail(w, http.StatusUnauthorized, "unauthorized", "authentication required", middleware.GetRequestID(r.Context()))
		return
	}

	var payload cancelPayload
	if err := shared.DecodeJSON(r, &payload); err != nil && !errors.Is(err, shared.ErrEmptyBody) {
		api.Fail(w, http.StatusBadRequest, "invalid_payload", "invalid request payload", middleware.GetRequestID(r.Context()))
		return
	}
	v := shared.NewValidator()
	v.Struct(payload)
	if v.Reject(w, middleware.GetRequestID(r.Context())) {
		return
	}

	rec, err := h.Service.Cancel(r.Context(), user.Actor(), chi.URLParam(r, "recordID"), payload.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.Success(w, rec, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handlePay(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUser(r.Context())
	if !ok {
		api.Fail(w, http.StatusUnauthorized, "unauthorized", "authentication required", middleware.GetRequestID(r.Context()))
		return
	}

	rec, err := h.Service.MarkPaid(r.Context(), user.Actor(), chi.URLParam(r, "recordID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.Success(w, rec, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handlePayInstallment(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUser(r.Context())
	if !ok {
		api.Fail(w, http.StatusUnauthorized, "unauthorized", "authentication required", middleware.GetRequestID(r.Context()))
		return
	}

	v := shared.NewValidator()
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil {
		v.Add("year", "must be an integer")
	}
	month, err := strconv.Atoi(chi.URLParam(r, "month"))
	if err != nil {
		v.Add("month", "must be an integer")
	}
	if v.Reject(w, middleware.GetRequestID(r.Context())) {
		return
	}

	rec, err := h.Service.MarkInstallmentPaid(r.Context(), user.Actor(), chi.URLParam(r, "recordID"), month, year)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.Success(w, rec, middleware.GetRequestID(r.Context()))
}
