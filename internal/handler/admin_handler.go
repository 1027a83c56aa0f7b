package handler

import (
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/subsubl/gate-control/internal/models"
	"github.com/subsubl/gate-control/internal/relay"
	"github.com/subsubl/gate-control/internal/service"
	"github.com/subsubl/gate-control/internal/util"
)

const csvTimeLayout = "2006-01-02 15:04:05"

// RelayController is the part of the relay the admin console drives.
type RelayController interface {
	Config() models.RelayConfig
	Status() models.RelayStatus
	Reconfigure(cfg models.RelayConfig)
}

// LiveFeed upgrades an authenticated request to the audit websocket.
type LiveFeed interface {
	ServeWS(w http.ResponseWriter, r *http.Request, subject string)
}

type AdminHandler struct {
	responder
	access *service.AccessService
	relay  RelayController
	feed   LiveFeed
}

func NewAdminHandler(access *service.AccessService, relay RelayController, feed LiveFeed, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		responder: responder{logger: logger},
		access:    access,
		relay:     relay,
		feed:      feed,
	}
}

type pinRequest struct {
	PIN string `json:"pin"`
}

type updateUserRequest struct {
	PIN string `json:"pin"`
	service.CredentialUpdateRequest
}

type createdResponse struct {
	Status     string            `json:"status"`
	PIN        string            `json:"pin"`
	Credential models.Credential `json:"credential"`
}

type relayConfigRequest struct {
	Broker      *string `json:"uri"`
	CmdTopic    *string `json:"cmd_topic"`
	StatusTopic *string `json:"status_topic"`
}

// RegisterRoutes mounts the admin console API. Callers wrap it in RequireAdmin.
func (h *AdminHandler) RegisterRoutes(router chi.Router) {
	router.Route("/admin", func(r chi.Router) {
		r.Get("/users", h.ListUsers)
		r.Post("/users", h.CreateUser)
		r.Put("/users", h.UpdateUser)
		r.Delete("/users", h.DeleteUser)

		r.Get("/logs", h.ListLogs)
		r.Get("/logs/download", h.DownloadLogs)
		r.Get("/lockout", h.Lockout)
		r.Post("/open", h.Open)

		r.Get("/mqtt", h.GetRelay)
		r.Post("/mqtt", h.UpdateRelay)

		r.Get("/ws", h.LiveAudit)
	})
}

func (h *AdminHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	creds := h.access.ListCredentials(r.Context())
	resp := successResponse(creds, "")
	resp.Meta = &Meta{Total: len(creds)}
	h.respondWithJSON(w, http.StatusOK, resp)
}

func (h *AdminHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req service.CredentialCreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	cred, err := h.access.CreateCredential(ctx, &req)
	if err != nil {
		h.respondWithError(w, getStatusCode(err), err, "Failed to create user")
		return
	}

	h.respondWithJSON(w, http.StatusCreated, createdResponse{Status: "ok", PIN: cred.PIN, Credential: cred})
	h.logger.Info("Credential created via HTTP",
		util.String("name", cred.Name),
		util.Duration("duration", time.Since(startTime)),
	)
}

func (h *AdminHandler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	var req updateUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.PIN) == "" {
		h.respondWithError(w, http.StatusBadRequest, service.ErrInvalidInput, "pin is required")
		return
	}

	cred, err := h.access.UpdateCredential(r.Context(), req.PIN, &req.CredentialUpdateRequest)
	if err != nil {
		h.respondWithError(w, getStatusCode(err), err, "Failed to update user")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(cred, "User updated"))
}

func (h *AdminHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	var req pinRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.access.DeleteCredential(r.Context(), req.PIN); err != nil {
		h.respondWithError(w, getStatusCode(err), err, "Failed to delete user")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "User deleted"))
}

func (h *AdminHandler) ListLogs(w http.ResponseWriter, r *http.Request) {
	records := h.access.ListAuditLog(r.Context())
	resp := successResponse(records, "")
	resp.Meta = &Meta{Total: len(records)}
	h.respondWithJSON(w, http.StatusOK, resp)
}

func (h *AdminHandler) DownloadLogs(w http.ResponseWriter, r *http.Request) {
	records := h.access.ListAuditLog(r.Context())
	loc := h.access.Now().Location()

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="access_log.csv"`)
	w.WriteHeader(http.StatusOK)

	if err := writeAuditCSV(w, records, loc); err != nil {
		h.logger.Error("Failed to write audit CSV", util.ErrorField(err))
	}
}

func (h *AdminHandler) Lockout(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, successResponse(h.access.LockoutStatus(r.Context()), ""))
}

func (h *AdminHandler) Open(w http.ResponseWriter, r *http.Request) {
	if err := h.access.ManualOpen(r.Context()); err != nil {
		h.respondWithError(w, getStatusCode(err), err, "Failed to open gate")
		return
	}
	h.logger.Info("Gate opened from admin console", util.String("subject", subjectFrom(r.Context())))
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Gate opened"))
}

func (h *AdminHandler) GetRelay(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, successResponse(h.relay.Status(), ""))
}

// UpdateRelay queues new channel parameters. Omitted fields keep their values and
// the reply does not wait for the new connection.
func (h *AdminHandler) UpdateRelay(w http.ResponseWriter, r *http.Request) {
	var req relayConfigRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	cfg := h.relay.Config()
	if req.Broker != nil {
		cfg.Broker = strings.TrimSpace(*req.Broker)
	}
	if req.CmdTopic != nil && *req.CmdTopic != "" {
		cfg.CmdTopic = *req.CmdTopic
	}
	if req.StatusTopic != nil && *req.StatusTopic != "" {
		cfg.StatusTopic = *req.StatusTopic
	}

	if cfg.Broker != "" {
		if _, err := relay.TransportFor(cfg.Broker); err != nil {
			h.respondWithError(w, getStatusCode(err), err, "Unsupported broker address")
			return
		}
	}

	h.relay.Reconfigure(cfg)
	h.logger.Info("Relay reconfiguration queued", util.String("broker", cfg.Broker), util.String("cmd_topic", cfg.CmdTopic))
	h.respondWithJSON(w, http.StatusAccepted, successResponse(cfg, "Relay reconfiguration queued"))
}

func (h *AdminHandler) LiveAudit(w http.ResponseWriter, r *http.Request) {
	if h.feed == nil {
		h.respondWithError(w, http.StatusServiceUnavailable, fmt.Errorf("live feed disabled"), "Live feed unavailable")
		return
	}
	h.feed.ServeWS(w, r, subjectFrom(r.Context()))
}

// writeAuditCSV writes records in the order given with Time in loc.
func writeAuditCSV(out io.Writer, records []models.AuditRecord, loc *time.Location) error {
	cw := csv.NewWriter(out)
	if err := cw.Write([]string{"Time", "User", "Granted", "Details"}); err != nil {
		return err
	}
	for _, rec := range records {
		granted := "NO"
		if rec.Granted {
			granted = "YES"
		}
		row := []string{
			rec.Timestamp.In(loc).Format(csvTimeLayout),
			rec.ActorName,
			granted,
			rec.Details,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
