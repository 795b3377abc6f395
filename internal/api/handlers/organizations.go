package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hugh/tenantgate/internal/api/dto"
	"github.com/hugh/tenantgate/internal/api/middleware"
	"github.com/hugh/tenantgate/internal/api/validation"
	"github.com/hugh/tenantgate/internal/lifecycle"
)

// Transitions an owner may drive on their own organization. The rest belong
// to operators.
var ownerTransitions = map[lifecycle.Transition]bool{
	lifecycle.TransitionStart:  true,
	lifecycle.TransitionSubmit: true,
	lifecycle.TransitionReopen: true,
}

type OrganizationHandler struct {
	tracker *lifecycle.Tracker
}

func NewOrganizationHandler(tracker *lifecycle.Tracker) *OrganizationHandler {
	return &OrganizationHandler{tracker: tracker}
}

// Create registers an organization for the caller. A caller who already owns
// one gets it back unchanged.
func (h *OrganizationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req dto.CreateOrganizationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	name, msg := validation.OrganizationName(req.Name)
	if msg != "" {
		writeValidationErrors(w, map[string]string{"name": msg})
		return
	}

	org, err := h.tracker.Create(r.Context(), middleware.GetUserID(r.Context()), name)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, organizationResponse(org))
}

// Transition applies an owner transition (start, submit, reopen).
func (h *OrganizationHandler) Transition(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgIDParam(w, r)
	if !ok {
		return
	}
	tr, err := lifecycle.ParseTransition(chi.URLParam(r, "transition"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	if !ownerTransitions[tr] {
		writeError(w, http.StatusForbidden, "transition is reserved for operators")
		return
	}

	userID := middleware.GetUserID(r.Context())
	org, err := h.tracker.Get(r.Context(), orgID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	// Other owners' organizations are reported as missing.
	if org.OwnerUserID != userID {
		writeError(w, http.StatusNotFound, "organization not found")
		return
	}

	org, err = h.tracker.Apply(r.Context(), orgID, tr, "", "user:"+userID.String())
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, organizationResponse(org))
}
