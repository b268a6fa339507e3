// Package handler provides HTTP request handlers for the coordinator.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	apperrors "github.com/devrev/ledgerbridge/internal/errors"
	"github.com/devrev/ledgerbridge/internal/ledger"
	"github.com/devrev/ledgerbridge/internal/model"
	"github.com/devrev/ledgerbridge/internal/service"
	"github.com/devrev/ledgerbridge/internal/validation"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	coordinator service.Coordinator
	validator   *validation.Validator
	errors      *ErrorWriter
	logger      *zap.Logger
	timeout     time.Duration
}

// NewHandlers creates a new Handlers instance. timeout bounds ?wait=true
// requests and reconnects.
func NewHandlers(
	coordinator service.Coordinator,
	validator *validation.Validator,
	errorWriter *ErrorWriter,
	logger *zap.Logger,
	timeout time.Duration,
) *Handlers {
	if validator == nil {
		validator = validation.NewValidator()
	}
	return &Handlers{
		coordinator: coordinator,
		validator:   validator,
		errors:      errorWriter,
		logger:      logger,
		timeout:     timeout,
	}
}

// GetView handles GET /v1/view requests.
func (h *Handlers) GetView(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, http.StatusOK, newViewResponse(h.coordinator.GetView(), h.coordinator.InterfaceName()))
}

// RefreshView handles POST /v1/view/refresh requests.
func (h *Handlers) RefreshView(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.coordinator.Refresh(ctx); err != nil {
		h.errors.HandleError(w, r, asCoordinatorError(err))
		return
	}
	h.writeJSONResponse(w, http.StatusOK, newViewResponse(h.coordinator.GetView(), h.coordinator.InterfaceName()))
}

// GetStatus handles GET /v1/status requests.
func (h *Handlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Status:    "success",
		Ready:     h.coordinator.Ready(),
		Interface: h.coordinator.InterfaceName(),
		Ledgers:   h.coordinator.GetConnectionStatus(),
		CheckedAt: time.Now().UTC(),
	}
	if id, ok := h.coordinator.GraduationInFlight(); ok {
		resp.Graduating = id
	}
	h.writeJSONResponse(w, http.StatusOK, resp)
}

// CreateRecord handles POST /v1/records requests.
func (h *Handlers) CreateRecord(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")

	req, err := decodeRecordRequest(r)
	if err != nil {
		h.errors.WriteBadRequest(w, err.Error(), requestID)
		return
	}
	ledgerID, fields, ok := h.recordInput(w, r, req)
	if !ok {
		return
	}

	cmd, err := h.coordinator.SubmitCreate(r.Context(), ledgerID, fields)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	h.respondCommand(w, r, cmd)
}

// UpdateRecord handles PUT /v1/records/{id} requests.
func (h *Handlers) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")

	id, err := recordIDParam(r)
	if err != nil {
		h.errors.WriteBadRequest(w, err.Error(), requestID)
		return
	}
	req, err := decodeRecordRequest(r)
	if err != nil {
		h.errors.WriteBadRequest(w, err.Error(), requestID)
		return
	}
	ledgerID, fields, ok := h.recordInput(w, r, req)
	if !ok {
		return
	}

	cmd, err := h.coordinator.SubmitUpdate(r.Context(), ledgerID, id, fields)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	h.respondCommand(w, r, cmd)
}

// DeleteRecord handles DELETE /v1/records/{id} requests.
func (h *Handlers) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")

	id, err := recordIDParam(r)
	if err != nil {
		h.errors.WriteBadRequest(w, err.Error(), requestID)
		return
	}
	ledgerID, err := ledgerParam(r, "")
	if err != nil {
		h.errors.HandleError(w, r, apperrors.Validation("ledger", err.Error()))
		return
	}

	cmd, err := h.coordinator.SubmitDelete(r.Context(), ledgerID, id)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	h.respondCommand(w, r, cmd)
}

// GraduateRecord handles POST /v1/records/{id}/graduate requests.
func (h *Handlers) GraduateRecord(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")

	id, err := recordIDParam(r)
	if err != nil {
		h.errors.WriteBadRequest(w, err.Error(), requestID)
		return
	}
	ledgerID, err := ledgerParam(r, "")
	if err != nil || ledgerID != model.LedgerOrigin {
		h.errors.HandleError(w, r, apperrors.Validation("ledger", "graduation is only possible from the origin ledger"))
		return
	}

	cmd, err := h.coordinator.SubmitGraduate(r.Context(), id)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	h.respondCommand(w, r, cmd)
}

// ListCommands handles GET /v1/commands requests.
func (h *Handlers) ListCommands(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, http.StatusOK, CommandListResponse{
		Status:   "success",
		Commands: h.coordinator.ListCommands(),
	})
}

// GetCommand handles GET /v1/commands/{command_id} requests.
func (h *Handlers) GetCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := h.coordinator.GetCommand(mux.Vars(r)["command_id"])
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	if waitParam(r) {
		h.respondCommand(w, r, cmd)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, CommandResponse{Status: "success", Command: cmd.Snapshot()})
}

// CancelCommand handles POST /v1/commands/{command_id}/cancel requests.
func (h *Handlers) CancelCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := h.coordinator.CancelCommand(mux.Vars(r)["command_id"])
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	// Give the lane a moment to observe the cancellation
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	snap, _ := cmd.Wait(ctx)
	h.writeJSONResponse(w, http.StatusOK, CommandResponse{Status: "success", Command: snap})
}

// ReconnectLedger handles POST /v1/ledgers/{ledger}/reconnect requests.
func (h *Handlers) ReconnectLedger(w http.ResponseWriter, r *http.Request) {
	id := model.LedgerID(mux.Vars(r)["ledger"])
	if !id.Valid() {
		h.errors.HandleError(w, r, apperrors.Validation("ledger", "unknown ledger "+string(id)))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	if err := h.coordinator.Reconnect(ctx, id); err != nil {
		h.errors.HandleError(w, r, asCoordinatorError(err))
		return
	}
	h.GetStatus(w, r)
}

// recordInput validates a create or update body. It writes the error
// response itself and reports false when the input is unusable.
func (h *Handlers) recordInput(w http.ResponseWriter, r *http.Request, req RecordRequest) (model.LedgerID, model.RecordFields, bool) {
	ledgerID, err := ledgerParam(r, req.Ledger)
	if err != nil {
		h.errors.HandleError(w, r, apperrors.Validation("ledger", err.Error()))
		return "", model.RecordFields{}, false
	}
	fields, err := req.Fields()
	if err != nil {
		h.errors.HandleError(w, r, apperrors.NewCoordinatorError(apperrors.ErrCodeValidation, err.Error(), nil))
		return "", model.RecordFields{}, false
	}
	if err := h.validator.ValidateForm(fields); err != nil {
		h.errors.HandleError(w, r, err)
		return "", model.RecordFields{}, false
	}
	return ledgerID, fields, true
}

// respondCommand answers 202 with the accepted command, or with ?wait=true
// blocks until the command and its follow-up work settle
func (h *Handlers) respondCommand(w http.ResponseWriter, r *http.Request, cmd *service.Command) {
	if !waitParam(r) {
		h.writeJSONResponse(w, http.StatusAccepted, CommandResponse{Status: "accepted", Command: cmd.Snapshot()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	snap, err := cmd.WaitSettled(ctx)
	switch {
	case err == nil:
		h.writeJSONResponse(w, http.StatusOK, CommandResponse{Status: "success", Command: snap})
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		// Still running; the caller polls the command
		h.writeJSONResponse(w, http.StatusAccepted, CommandResponse{Status: "accepted", Command: snap})
	default:
		resp := CommandResponse{
			Status:    "error",
			Command:   snap,
			ErrorCode: string(apperrors.GetCode(err)),
			Message:   err.Error(),
		}
		h.writeJSONResponse(w, apperrors.HTTPStatus(err), resp)
	}
}

func asCoordinatorError(err error) error {
	if apperrors.IsCoordinatorError(err) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.NewCoordinatorError(apperrors.ErrCodeConnection, "ledger did not respond in time", err)
	}
	if errors.Is(err, ledger.ErrDisconnected) {
		return apperrors.NewCoordinatorError(apperrors.ErrCodeConnection, "ledger connection lost", err)
	}
	return apperrors.InternalError(err.Error(), err)
}

// writeJSONResponse writes a JSON response.
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}
