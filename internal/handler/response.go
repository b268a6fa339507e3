package handler

import (
	"time"

	"github.com/devrev/ledgerbridge/internal/model"
)

// ViewResponse is the body of GET /v1/view
type ViewResponse struct {
	Status      string         `json:"status"`
	Version     uint64         `json:"version"`
	Interface   string         `json:"interface,omitempty"`
	Origin      []model.Record `json:"origin"`
	Destination []model.Record `json:"destination"`
}

// StatusResponse is the body of GET /v1/status
type StatusResponse struct {
	Status     string                   `json:"status"`
	Ready      bool                     `json:"ready"`
	Interface  string                   `json:"interface,omitempty"`
	Ledgers    []model.ConnectionStatus `json:"ledgers"`
	Graduating string                   `json:"graduation_in_flight,omitempty"`
	CheckedAt  time.Time                `json:"checked_at"`
}

// CommandResponse wraps one command snapshot
type CommandResponse struct {
	Status    string                `json:"status"`
	Command   model.CommandSnapshot `json:"command"`
	ErrorCode string                `json:"error_code,omitempty"`
	Message   string                `json:"message,omitempty"`
}

// CommandListResponse is the body of GET /v1/commands
type CommandListResponse struct {
	Status   string                  `json:"status"`
	Commands []model.CommandSnapshot `json:"commands"`
}

func newViewResponse(v model.View, iface string) ViewResponse {
	resp := ViewResponse{
		Status:      "success",
		Version:     v.Version,
		Interface:   iface,
		Origin:      v.Origin,
		Destination: v.Destination,
	}
	if resp.Origin == nil {
		resp.Origin = []model.Record{}
	}
	if resp.Destination == nil {
		resp.Destination = []model.Record{}
	}
	return resp
}
