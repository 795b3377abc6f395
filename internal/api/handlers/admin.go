package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hugh/tenantgate/internal/api/dto"
	"github.com/hugh/tenantgate/internal/api/middleware"
	"github.com/hugh/tenantgate/internal/api/validation"
	"github.com/hugh/tenantgate/internal/lifecycle"
	"github.com/hugh/tenantgate/internal/tasks"
)

// AdminHandler serves operator endpoints: lifecycle administration and held
// billing events.
type AdminHandler struct {
	tracker *lifecycle.Tracker
	held    *tasks.HeldEvents
	logger  *slog.Logger
}

// NewAdminHandler builds an AdminHandler. held may be nil when no queue is
// configured.
func NewAdminHandler(tracker *lifecycle.Tracker, held *tasks.HeldEvents, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{tracker: tracker, held: held, logger: logger}
}

func (h *AdminHandler) ListOrganizations(w http.ResponseWriter, r *http.Request) {
	status, ok := validation.OrgStatus(r.URL.Query().Get("status"))
	if !ok {
		writeValidationErrors(w, map[string]string{"status": "Unknown status"})
		return
	}

	params := pagination(r)
	orgs, total, err := h.tracker.List(r.Context(), lifecycle.ListFilter{
		Status: status,
		Offset: params.Offset(),
		Limit:  params.PerPage,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}

	data := make([]dto.OrganizationResponse, len(orgs))
	for i := range orgs {
		data[i] = organizationResponse(&orgs[i])
	}

	totalPages := int(total) / params.PerPage
	if int(total)%params.PerPage > 0 {
		totalPages++
	}

	writeJSON(w, http.StatusOK, dto.PaginatedResponse{
		Data:       data,
		Total:      total,
		Page:       params.Page,
		PerPage:    params.PerPage,
		TotalPages: totalPages,
	})
}

func (h *AdminHandler) GetOrganization(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgIDParam(w, r)
	if !ok {
		return
	}
	org, err := h.tracker.Get(r.Context(), orgID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, organizationResponse(org))
}

func (h *AdminHandler) History(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgIDParam(w, r)
	if !ok {
		return
	}
	if _, err := h.tracker.Get(r.Context(), orgID); err != nil {
		writeAppError(w, err)
		return
	}
	events, err := h.tracker.History(r.Context(), orgID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse(events))
}

func (h *AdminHandler) Transition(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgIDParam(w, r)
	if !ok {
		return
	}
	tr, err := lifecycle.ParseTransition(chi.URLParam(r, "transition"))
	if err != nil {
		writeAppError(w, err)
		return
	}

	var req dto.TransitionRequest
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}
	// Required reasons are checked by the tracker once the transition is
	// known to be legal.
	reason, msg := validation.Reason(req.Reason, false)
	if msg != "" {
		writeValidationErrors(w, map[string]string{"reason": msg})
		return
	}

	actor := "operator:" + middleware.GetUserID(r.Context()).String()
	org, err := h.tracker.Apply(r.Context(), orgID, tr, reason, actor)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, organizationResponse(org))
}

func (h *AdminHandler) ListHeldEvents(w http.ResponseWriter, r *http.Request) {
	if h.held == nil {
		writeError(w, http.StatusServiceUnavailable, "queue not configured")
		return
	}
	params := pagination(r)
	events, err := h.held.List(params.Page, params.PerPage)
	if err != nil {
		h.logger.Error("failed to list held events", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list held events")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *AdminHandler) ReplayHeldEvent(w http.ResponseWriter, r *http.Request) {
	if h.held == nil {
		writeError(w, http.StatusServiceUnavailable, "queue not configured")
		return
	}
	id := chi.URLParam(r, "id")
	if !validation.IsValidProviderRef(id) {
		writeError(w, http.StatusBadRequest, "invalid event id")
		return
	}
	if err := h.held.Replay(id); err != nil {
		h.logger.Warn("failed to replay held event", "event_id", id, "error", err)
		writeError(w, http.StatusNotFound, "held event not found")
		return
	}
	h.logger.Info("held billing event replayed", "event_id", id, "operator", middleware.GetUserID(r.Context()))
	writeJSON(w, http.StatusAccepted, dto.SuccessResponse{Message: "event queued for replay"})
}

func (h *AdminHandler) DiscardHeldEvent(w http.ResponseWriter, r *http.Request) {
	if h.held == nil {
		writeError(w, http.StatusServiceUnavailable, "queue not configured")
		return
	}
	id := chi.URLParam(r, "id")
	if !validation.IsValidProviderRef(id) {
		writeError(w, http.StatusBadRequest, "invalid event id")
		return
	}
	if err := h.held.Discard(id); err != nil {
		h.logger.Warn("failed to discard held event", "event_id", id, "error", err)
		writeError(w, http.StatusNotFound, "held event not found")
		return
	}
	h.logger.Info("held billing event discarded", "event_id", id, "operator", middleware.GetUserID(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

func orgIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, ok := validation.ParseUUID(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid organization id")
		return uuid.Nil, false
	}
	return id, true
}

func pagination(r *http.Request) dto.PaginationParams {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	params := dto.PaginationParams{Page: page, PerPage: perPage}
	params.Normalize()
	return params
}
