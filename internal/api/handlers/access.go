package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/hugh/tenantgate/internal/access"
	"github.com/hugh/tenantgate/internal/api/dto"
	"github.com/hugh/tenantgate/internal/api/middleware"
	"github.com/hugh/tenantgate/internal/api/validation"
	"github.com/hugh/tenantgate/internal/entitlement"
)

type AccessHandler struct {
	assembler *access.Assembler
	store     *entitlement.Store
	logger    *slog.Logger
}

func NewAccessHandler(assembler *access.Assembler, store *entitlement.Store, logger *slog.Logger) *AccessHandler {
	return &AccessHandler{assembler: assembler, store: store, logger: logger}
}

// Session resolves the caller's access. With ?route= the response also
// carries the verdict for that route; with ?org_id= a specific membership is
// used instead of the caller's default organization.
func (h *AccessHandler) Session(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	resp := dto.AccessResponse{
		UserID:       s.UserID,
		Role:         s.Role,
		Organization: organizationResponse(&s.Organization),
		Entitlement:  entitlementResponse(s.Entitlement),
		Capabilities: s.Decision.Capabilities.Names(),
		Landing:      s.Decision.Landing(),
	}
	if route := r.URL.Query().Get("route"); route != "" {
		v := s.Guard(route)
		resp.Verdict = &v
	}

	writeJSON(w, http.StatusOK, resp)
}

// AdjustUsage moves one usage counter of the caller's organization. Only
// organizations that can manage listings count usage.
func (h *AccessHandler) AdjustUsage(w http.ResponseWriter, r *http.Request) {
	var req dto.UsageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Field = strings.TrimSpace(req.Field)
	if errs := validation.Usage(req.Field, req.Delta); len(errs) > 0 {
		writeValidationErrors(w, errs)
		return
	}

	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if !s.Decision.Has(access.CapListings) {
		writeError(w, http.StatusForbidden, "organization cannot record usage in its current state")
		return
	}

	field := entitlement.UsageField(req.Field)
	if err := h.store.AdjustUsage(r.Context(), s.Organization.ID, field, req.Delta); err != nil {
		writeAppError(w, err)
		return
	}

	view, err := h.store.Get(r.Context(), s.Organization.ID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entitlementResponse(view))
}

func (h *AccessHandler) session(w http.ResponseWriter, r *http.Request) (*access.Session, bool) {
	orgID := uuid.Nil
	if raw := r.URL.Query().Get("org_id"); raw != "" {
		id, ok := validation.ParseUUID(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid org_id")
			return nil, false
		}
		orgID = id
	}

	s, err := h.assembler.Assemble(r.Context(), middleware.GetUserID(r.Context()), orgID)
	if err != nil {
		writeAppError(w, err)
		return nil, false
	}
	return s, true
}
