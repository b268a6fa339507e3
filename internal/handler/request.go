package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/devrev/ledgerbridge/internal/model"
	"github.com/gorilla/mux"
)

// maxBodyBytes bounds request bodies; records are a handful of short fields
const maxBodyBytes = 16 << 10

// RecordRequest is the body of create and update requests
type RecordRequest struct {
	Ledger  string        `json:"ledger,omitempty"`
	Name    string        `json:"name"`
	Surname string        `json:"surname"`
	Age     *uint32       `json:"age"`
	Gender  *model.Gender `json:"gender"`
}

// Fields converts the body into record fields
func (r RecordRequest) Fields() (model.RecordFields, error) {
	if r.Age == nil {
		return model.RecordFields{}, fmt.Errorf("age is required")
	}
	if r.Gender == nil {
		return model.RecordFields{}, fmt.Errorf("gender is required")
	}
	return model.RecordFields{
		Name:    r.Name,
		Surname: r.Surname,
		Age:     *r.Age,
		Gender:  *r.Gender,
	}, nil
}

func decodeRecordRequest(r *http.Request) (RecordRequest, error) {
	var req RecordRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return req, fmt.Errorf("failed to read request body: %w", err)
	}
	defer r.Body.Close()
	if len(body) > maxBodyBytes {
		return req, fmt.Errorf("request body exceeds %d bytes", maxBodyBytes)
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return req, fmt.Errorf("failed to parse request body: %w", err)
	}
	return req, nil
}

// ledgerParam picks the target ledger from the body, then the query string,
// defaulting to the origin
func ledgerParam(r *http.Request, fromBody string) (model.LedgerID, error) {
	raw := fromBody
	if raw == "" {
		raw = r.URL.Query().Get("ledger")
	}
	if raw == "" {
		return model.LedgerOrigin, nil
	}
	id := model.LedgerID(strings.ToLower(raw))
	if !id.Valid() {
		return "", fmt.Errorf("unknown ledger %q", raw)
	}
	return id, nil
}

func recordIDParam(r *http.Request) (uint32, error) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid record id %q", raw)
	}
	return uint32(id), nil
}

func waitParam(r *http.Request) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get("wait"))
	return err == nil && v
}
