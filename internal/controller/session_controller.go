package controller

import (
	"net/http"

	customMW "github.com/cassiomorais/checkoutsync/internal/middleware"
)

type SessionController struct {
	reconciler Reconciler
}

func NewSessionController(reconciler Reconciler) *SessionController {
	return &SessionController{reconciler: reconciler}
}

// Identity handles POST /api/v1/session/identity. It is called once the
// patient is signed in and drains the session's pending entry.
func (h *SessionController) Identity(w http.ResponseWriter, r *http.Request) {
	result, err := h.reconciler.OnIdentityAvailable(r.Context(), customMW.SessionFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FromDrainResult(result))
}

// End handles DELETE /api/v1/session
func (h *SessionController) End(w http.ResponseWriter, r *http.Request) {
	if err := h.reconciler.EndSession(r.Context(), customMW.SessionFromContext(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
