package controller

import (
	"net/http"

	customMW "github.com/cassiomorais/checkoutsync/internal/middleware"
	"github.com/go-chi/chi/v5"
)

type AppointmentController struct {
	reconciler Reconciler
}

func NewAppointmentController(reconciler Reconciler) *AppointmentController {
	return &AppointmentController{reconciler: reconciler}
}

// Fix handles POST /api/v1/appointments/{id}/payment/fix
func (h *AppointmentController) Fix(w http.ResponseWriter, r *http.Request) {
	snap, err := h.reconciler.FixAppointment(r.Context(), customMW.SessionFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FromSnapshot(snap))
}

// Status handles GET /api/v1/appointments/{id}/payment/status
func (h *AppointmentController) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.reconciler.Status(r.Context(), customMW.SessionFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FromStatus(status))
}
