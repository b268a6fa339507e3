package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	apperrors "github.com/devrev/ledgerbridge/internal/errors"
	"go.uber.org/zap"
)

// Codes that only exist at the HTTP boundary
const (
	ErrorCodeInvalidRequest apperrors.ErrorCode = "INVALID_REQUEST"
	ErrorCodeNotFound       apperrors.ErrorCode = "NOT_FOUND"
	ErrorCodeRateLimited    apperrors.ErrorCode = "RATE_LIMITED"
)

// ErrorResponse represents the standard error response format.
type ErrorResponse struct {
	Status    string                 `json:"status"`
	ErrorCode apperrors.ErrorCode    `json:"error_code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// ErrorWriter turns coordinator errors into JSON responses
type ErrorWriter struct {
	logger *zap.Logger
}

// NewErrorWriter creates a new error writer.
func NewErrorWriter(logger *zap.Logger) *ErrorWriter {
	return &ErrorWriter{logger: logger}
}

// HandleError writes err with the status its code maps to
func (e *ErrorWriter) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := r.Header.Get("X-Request-ID")

	var ce *apperrors.CoordinatorError
	if !errors.As(err, &ce) {
		e.logger.Error("Unclassified error",
			zap.String("request_id", requestID),
			zap.Error(err))
		e.write(w, http.StatusInternalServerError, ErrorResponse{
			Status:    "error",
			ErrorCode: apperrors.ErrCodeInternal,
			Message:   err.Error(),
			RequestID: requestID,
		})
		return
	}

	e.write(w, ce.HTTPStatus(), ErrorResponse{
		Status:    "error",
		ErrorCode: ce.Code,
		Message:   ce.Message,
		Details:   ce.Details,
		RequestID: requestID,
	})
}

// WriteErrorResponse writes a formatted error response.
func (e *ErrorWriter) WriteErrorResponse(w http.ResponseWriter, statusCode int, code apperrors.ErrorCode, message, requestID string) {
	e.write(w, statusCode, ErrorResponse{
		Status:    "error",
		ErrorCode: code,
		Message:   message,
		RequestID: requestID,
	})
}

// WriteBadRequest writes a malformed request response.
func (e *ErrorWriter) WriteBadRequest(w http.ResponseWriter, message, requestID string) {
	e.WriteErrorResponse(w, http.StatusBadRequest, ErrorCodeInvalidRequest, message, requestID)
}

func (e *ErrorWriter) write(w http.ResponseWriter, statusCode int, resp ErrorResponse) {
	e.logger.Warn("HTTP error response",
		zap.Int("status_code", statusCode),
		zap.String("error_code", string(resp.ErrorCode)),
		zap.String("message", resp.Message),
		zap.String("request_id", resp.RequestID),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		e.logger.Error("Failed to encode error response", zap.Error(err))
	}
}
