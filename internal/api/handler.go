package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/carepulse/internal/alert"
	"github.com/lalithlochan/carepulse/internal/db"
	"github.com/lalithlochan/carepulse/internal/dispatch"
)

// NotificationStore is the read side of notification records.
type NotificationStore interface {
	GetNotificationEvent(ctx context.Context, id uuid.UUID) (*db.NotificationEvent, error)
	ListNotificationEventsByAlert(ctx context.Context, alertID uuid.UUID) ([]*db.NotificationEvent, error)
}

// Redeliverer retries a failed notification.
type Redeliverer interface {
	Redeliver(ctx context.Context, notificationID uuid.UUID) (dispatch.Result, error)
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
	Field  string `json:"field,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger        *zap.Logger
	alerts        *alert.Service
	shifts        *alert.ShiftService
	notifications NotificationStore
	redeliverer   Redeliverer // nil disables operator retries
}

func NewHandler(logger *zap.Logger, alerts *alert.Service, shifts *alert.ShiftService, notifications NotificationStore, redeliverer Redeliverer) *Handler {
	return &Handler{
		logger:        logger,
		alerts:        alerts,
		shifts:        shifts,
		notifications: notifications,
		redeliverer:   redeliverer,
	}
}

// Routes registers the actor-scoped API. The caller applies ActorMiddleware.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/alerts", h.CreateAlert)
	r.Get("/alerts", h.ListAlerts)
	r.Get("/alerts/{id}", h.GetAlert)
	r.Get("/alerts/{id}/escalation", h.GetEscalation)
	r.Post("/alerts/{id}/acknowledge", h.AcknowledgeAlert)
	r.Post("/alerts/{id}/resolve", h.ResolveAlert)
	r.Get("/alerts/{id}/notifications", h.ListAlertNotifications)
	r.Post("/notifications/{id}/retry", h.RetryNotification)
	r.Post("/shifts/toggle", h.ToggleShift)
	r.Get("/shifts/on-duty", h.OnDuty)
}

// CreateAlert handles POST /v1/alerts
func (h *Handler) CreateAlert(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())

	var req alert.CreateAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.HospitalID == uuid.Nil {
		req.HospitalID = actor.HospitalID
	}

	a, err := h.alerts.Create(r.Context(), actor, req)
	if err != nil {
		h.writeServiceError(w, err, "Failed to create alert")
		return
	}

	h.logger.Info("alert created",
		zap.String("id", a.ID.String()),
		zap.String("hospital_id", a.HospitalID.String()),
		zap.Int("urgency", a.UrgencyLevel),
	)
	writeJSON(w, http.StatusCreated, a)
}

// ListAlerts handles GET /v1/alerts?hospital_id=&status=&limit=&offset=
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())
	q := r.URL.Query()

	if raw := q.Get("hospital_id"); raw != "" {
		hospitalID, err := uuid.Parse(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid hospital_id", "hospital_id must be a valid UUID")
			return
		}
		if hospitalID != actor.HospitalID {
			h.writeError(w, http.StatusForbidden, "forbidden", "Forbidden", "alerts of another hospital")
			return
		}
	}

	limit, offset := 100, 0
	if l := q.Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}
	if o := q.Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	alerts, err := h.alerts.List(r.Context(), actor, db.AlertStatus(q.Get("status")), limit, offset)
	if err != nil {
		h.writeServiceError(w, err, "Failed to list alerts")
		return
	}
	if alerts == nil {
		alerts = []*db.Alert{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"limit":  limit,
		"offset": offset,
		"count":  len(alerts),
	})
}

// GetAlert handles GET /v1/alerts/{id}
func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	a, err := h.alerts.Get(r.Context(), ActorFrom(r.Context()), id)
	if err != nil {
		h.writeServiceError(w, err, "Failed to get alert")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// GetEscalation handles GET /v1/alerts/{id}/escalation
func (h *Handler) GetEscalation(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	st, err := h.alerts.Escalation(r.Context(), ActorFrom(r.Context()), id)
	if err != nil {
		h.writeServiceError(w, err, "Failed to get escalation state")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// AcknowledgeAlert handles POST /v1/alerts/{id}/acknowledge
func (h *Handler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	a, err := h.alerts.Acknowledge(r.Context(), ActorFrom(r.Context()), id)
	if err != nil {
		h.writeServiceError(w, err, "Failed to acknowledge alert")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// ResolveAlert handles POST /v1/alerts/{id}/resolve
func (h *Handler) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	a, err := h.alerts.Resolve(r.Context(), ActorFrom(r.Context()), id)
	if err != nil {
		h.writeServiceError(w, err, "Failed to resolve alert")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// ListAlertNotifications handles GET /v1/alerts/{id}/notifications
func (h *Handler) ListAlertNotifications(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if _, err := h.alerts.Get(r.Context(), ActorFrom(r.Context()), id); err != nil {
		h.writeServiceError(w, err, "Failed to get alert")
		return
	}

	events, err := h.notifications.ListNotificationEventsByAlert(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to list notifications", zap.Error(err), zap.String("alert_id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notifications", "")
		return
	}
	if events == nil {
		events = []*db.NotificationEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": events,
		"count":         len(events),
	})
}

// RetryNotification handles POST /v1/notifications/{id}/retry
func (h *Handler) RetryNotification(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())
	if !alert.Can(actor.Role, alert.CapRetryNotification) {
		h.writeError(w, http.StatusForbidden, "forbidden", "Forbidden", "role cannot retry notifications")
		return
	}
	if h.redeliverer == nil {
		h.writeError(w, http.StatusServiceUnavailable, "unavailable", "Redelivery disabled", "")
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	n, err := h.notifications.GetNotificationEvent(r.Context(), id)
	if err != nil || n.HospitalID != actor.HospitalID {
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			h.logger.Error("failed to load notification", zap.Error(err), zap.String("id", id.String()))
			h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load notification", "")
			return
		}
		h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
		return
	}

	res, err := h.redeliverer.Redeliver(r.Context(), id)
	switch {
	case errors.Is(err, dispatch.ErrNotRetryable):
		h.writeError(w, http.StatusConflict, "not_retryable", "Notification is not failed", "")
		return
	case err != nil:
		h.logger.Error("redelivery failed", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "redelivery_error", "Failed to redeliver notification", "")
		return
	}

	h.logger.Info("notification redelivered",
		zap.String("id", id.String()),
		zap.String("status", res.Status),
		zap.String("actor", actor.UserID.String()),
	)
	writeJSON(w, http.StatusOK, res)
}

type toggleShiftRequest struct {
	HospitalID uuid.UUID `json:"hospital_id"`
	Department string    `json:"department"`
}

// ToggleShift handles POST /v1/shifts/toggle
func (h *Handler) ToggleShift(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())

	var req toggleShiftRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
			return
		}
	}
	if req.HospitalID == uuid.Nil {
		req.HospitalID = actor.HospitalID
	}

	shift, err := h.shifts.Toggle(r.Context(), actor, req.HospitalID, req.Department)
	if err != nil {
		h.writeServiceError(w, err, "Failed to toggle shift")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"shift":   shift,
		"on_duty": shift.Active(),
	})
}

// OnDuty handles GET /v1/shifts/on-duty
func (h *Handler) OnDuty(w http.ResponseWriter, r *http.Request) {
	shifts, err := h.shifts.Roster(r.Context(), ActorFrom(r.Context()))
	if err != nil {
		h.writeServiceError(w, err, "Failed to list on-duty staff")
		return
	}
	if shifts == nil {
		shifts = []*db.ShiftAssignment{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"shifts": shifts,
		"count":  len(shifts),
	})
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// writeServiceError maps alert service errors onto problem responses.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error, title string) {
	var verr *alert.ValidationError
	switch {
	case errors.As(err, &verr):
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(ErrorResponse{
			Type:   "validation_error",
			Title:  "Invalid request",
			Status: http.StatusBadRequest,
			Detail: verr.Error(),
			Field:  verr.Field,
		})
	case errors.Is(err, alert.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Alert not found", "")
	case errors.Is(err, alert.ErrForbidden):
		h.writeError(w, http.StatusForbidden, "forbidden", "Forbidden", "")
	case errors.Is(err, alert.ErrInvalidTransition):
		h.writeError(w, http.StatusConflict, "invalid_transition", "Invalid status transition", err.Error())
	default:
		h.logger.Error(title, zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", title, "")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
