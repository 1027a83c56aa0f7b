package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/subsubl/gate-control/internal/service"
	"github.com/subsubl/gate-control/internal/util"
)

// AccessHandler serves the keypad endpoint. Bodies stay flat ({"status": ...})
// because deployed keypads parse exactly that.
type AccessHandler struct {
	responder
	access *service.AccessService
}

func NewAccessHandler(access *service.AccessService, logger *zap.Logger) *AccessHandler {
	return &AccessHandler{
		responder: responder{logger: logger},
		access:    access,
	}
}

type verifyRequest struct {
	PIN string `json:"pin"`
}

func (h *AccessHandler) RegisterRoutes(router chi.Router) {
	router.Post("/access/verify", h.Verify)
}

// Verify decides a PIN attempt. A body that does not parse is an attempt with no PIN.
func (h *AccessHandler) Verify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req verifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.logger.Debug("Unreadable verify body", util.ErrorField(err))
		req.PIN = ""
	}

	result := h.access.Verify(ctx, req.PIN, h.access.Now())

	status := http.StatusOK
	switch result.Decision {
	case service.DecisionDenied:
		status = http.StatusUnauthorized
	case service.DecisionLocked:
		status = http.StatusForbidden
	case service.DecisionGranted:
		if err := h.access.TriggerGate(ctx); err != nil {
			h.logger.Error("Gate trigger failed after grant", util.ErrorField(err))
		}
	}

	h.respondWithJSON(w, status, result)
}
