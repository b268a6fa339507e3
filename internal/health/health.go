// Package health provides liveness and readiness endpoints.
package health

import (
	"encoding/json"
	"net/http"

	"github.com/devrev/ledgerbridge/internal/model"
	"go.uber.org/zap"
)

// StatusSource reports the coordinator's connection state
type StatusSource interface {
	Ready() bool
	InterfaceName() string
	GetConnectionStatus() []model.ConnectionStatus
}

// HealthCheck serves health endpoints
type HealthCheck struct {
	source StatusSource
	logger *zap.Logger
}

// NewHealthCheck creates a new HealthCheck instance.
func NewHealthCheck(source StatusSource, logger *zap.Logger) *HealthCheck {
	return &HealthCheck{source: source, logger: logger}
}

// LivenessResponse represents the response for the liveness check.
type LivenessResponse struct {
	Status string `json:"status"`
}

// ReadinessResponse represents the response for the readiness check.
type ReadinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// LivenessHandler returns 200 while the process is running.
func (hc *HealthCheck) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	hc.write(w, http.StatusOK, LivenessResponse{Status: "healthy"})
}

// ReadinessHandler returns 200 once both ledgers are connected and the
// registry interface is resolved.
func (hc *HealthCheck) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	for _, st := range hc.source.GetConnectionStatus() {
		checks[string(st.Ledger)] = string(st.State)
	}
	if iface := hc.source.InterfaceName(); iface != "" {
		checks["interface"] = iface
	} else {
		checks["interface"] = "unresolved"
	}

	if hc.source.Ready() {
		hc.write(w, http.StatusOK, ReadinessResponse{Status: "ready", Checks: checks})
		return
	}
	hc.write(w, http.StatusServiceUnavailable, ReadinessResponse{Status: "not_ready", Checks: checks})
}

func (hc *HealthCheck) write(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		hc.logger.Error("failed to encode health response", zap.Error(err))
	}
}
