package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/devrev/ledgerbridge/internal/config"
	"github.com/devrev/ledgerbridge/internal/connection"
	"github.com/devrev/ledgerbridge/internal/handler"
	"github.com/devrev/ledgerbridge/internal/ledger/memledger"
	"github.com/devrev/ledgerbridge/internal/metrics"
	"github.com/devrev/ledgerbridge/internal/model"
	"github.com/devrev/ledgerbridge/internal/resolver"
	"github.com/devrev/ledgerbridge/internal/service"
	"github.com/devrev/ledgerbridge/internal/store"
	"github.com/devrev/ledgerbridge/internal/validation"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testEnv struct {
	server  *httptest.Server
	network *memledger.Network
	origin  *memledger.Ledger
	coord   *service.CoordinatorService
}

func newTestEnv(t *testing.T, seed ...model.RecordFields) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	m := metrics.NewMetricsWith(prometheus.NewRegistry())

	cfg := config.DefaultConfig()
	cfg.Server.RequestTimeout = 5 * time.Second
	cfg.Server.CORSOrigins = []string{"*"}
	cfg.RateLimiter.Enabled = false

	network := memledger.NewNetwork("mem://origin", "mem://destination", memledger.Options{
		InclusionDelay: time.Millisecond,
		FinalityDelay:  2 * time.Millisecond,
		DeliveryDelay:  5 * time.Millisecond,
	}, logger)
	origin := network.Ledger("mem://origin")
	origin.Seed(seed...)

	connections := connection.NewManager(network.Dial, map[model.LedgerID]connection.Endpoint{
		model.LedgerOrigin:      {URL: "mem://origin", Label: "University Parachain (1000)"},
		model.LedgerDestination: {URL: "mem://destination", Label: "Company Parachain (2000)"},
	}, time.Second, m, logger)
	views := store.NewRegistryStore(m, logger)
	reconciler := service.NewReconcileService(connections, views, service.ReconcileConfig{
		GraceInterval:       5 * time.Millisecond,
		PollInitialInterval: 5 * time.Millisecond,
		PollMaxInterval:     20 * time.Millisecond,
		PollMultiplier:      2,
		GiveUpAfter:         time.Second,
	}, m, logger)
	validator := validation.NewValidator()
	commands := service.NewCommandService(connections, reconciler, validator, service.CommandConfig{
		QueueSize:       8,
		FinalityTimeout: 2 * time.Second,
	}, m, logger)
	coord := service.NewCoordinatorService(connections, resolver.New(nil, "", logger), views, commands, reconciler, logger)
	require.NoError(t, coord.Start(context.Background()))

	srv := NewServer(cfg, coord, validator, m, logger)
	srv.SetupRoutes()
	ts := httptest.NewServer(srv.GetHandler())

	t.Cleanup(func() {
		ts.Close()
		_ = coord.Shutdown()
		network.Close()
	})
	return &testEnv{server: ts, network: network, origin: origin, coord: coord}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func decode[T any](t *testing.T, body []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(body, &v), string(body))
	return v
}

const aliceJSON = `{"name":"Alice","surname":"Smith","age":21,"gender":"female"}`

func TestServer_Health(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodGet, "/health/live", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := env.do(t, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), memledger.DefaultInterface)
}

func TestServer_CreateAndWait(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/v1/records?wait=true", aliceJSON)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	cr := decode[handler.CommandResponse](t, body)
	assert.Equal(t, "success", cr.Status)
	assert.Equal(t, model.StateFinalized, cr.Command.State)
	assert.Equal(t, model.CommandCreate, cr.Command.Kind)

	resp, body = env.do(t, http.MethodGet, "/v1/view", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view := decode[handler.ViewResponse](t, body)
	require.Len(t, view.Origin, 1)
	assert.Equal(t, "Alice", view.Origin[0].Name)
	assert.Equal(t, model.GenderFemale, view.Origin[0].Gender)
	assert.Empty(t, view.Destination)
}

func TestServer_CreateWithoutWaitIsAccepted(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/v1/records", aliceJSON)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	cr := decode[handler.CommandResponse](t, body)
	assert.Equal(t, "accepted", cr.Status)

	resp, body = env.do(t, http.MethodGet, "/v1/commands/"+cr.Command.ID+"?wait=true", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, model.StateFinalized, decode[handler.CommandResponse](t, body).Command.State)

	resp, body = env.do(t, http.MethodGet, "/v1/commands", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[handler.CommandListResponse](t, body).Commands, 1)
}

func TestServer_FormValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"malformed json", `{"name":`, http.StatusBadRequest},
		{"missing name", `{"surname":"Smith","age":21,"gender":"male"}`, http.StatusBadRequest},
		{"missing age", `{"name":"Al","surname":"Smith","gender":"male"}`, http.StatusBadRequest},
		{"unknown gender", `{"name":"Al","surname":"Smith","age":21,"gender":"robot"}`, http.StatusBadRequest},
		{"too young", `{"name":"Al","surname":"Smith","age":5,"gender":"male"}`, http.StatusBadRequest},
		{"name too long", `{"name":"` + strings.Repeat("a", 65) + `","surname":"Smith","age":21,"gender":"male"}`, http.StatusBadRequest},
		{"unknown ledger", `{"ledger":"moon","name":"Al","surname":"Smith","age":21,"gender":"male"}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.do(t, http.MethodPost, "/v1/records", tt.body)
			assert.Equal(t, tt.code, resp.StatusCode, string(body))
			er := decode[handler.ErrorResponse](t, body)
			assert.Equal(t, "error", er.Status)
			assert.NotEmpty(t, er.RequestID)
		})
	}

	assert.Equal(t, uint32(0), env.origin.RecordCount())
}

func TestServer_UpdateMissingRecordIsRejected(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPut, "/v1/records/9?wait=true", aliceJSON)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, string(body))

	cr := decode[handler.CommandResponse](t, body)
	assert.Equal(t, "error", cr.Status)
	assert.Equal(t, "SUBMISSION_REJECTED", cr.ErrorCode)
	assert.Equal(t, model.StateRejected, cr.Command.State)
	assert.Contains(t, cr.Command.Reason, memledger.ErrStudentNotFound)
}

func TestServer_DeleteOnDestination(t *testing.T) {
	env := newTestEnv(t)
	env.network.Ledger("mem://destination").Seed(model.RecordFields{Name: "Bob", Surname: "Jones", Age: 30})

	resp, body := env.do(t, http.MethodDelete, "/v1/records/0?ledger=destination&wait=true", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Empty(t, env.coord.GetView().Destination)
}

func TestServer_GraduateAndReconcile(t *testing.T) {
	env := newTestEnv(t, model.RecordFields{Name: "Alice", Surname: "Smith", Age: 21, Gender: model.GenderFemale})

	resp, body := env.do(t, http.MethodPost, "/v1/records/0/graduate?wait=true", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	cr := decode[handler.CommandResponse](t, body)
	require.NotNil(t, cr.Command.Reconcile)
	assert.Equal(t, model.ReconcileDelivered, cr.Command.Reconcile.Outcome)

	view := env.coord.GetView()
	assert.Empty(t, view.Origin)
	require.Len(t, view.Destination, 1)
	assert.True(t, view.Destination[0].Graduated)
}

func TestServer_GraduateFromDestinationRefused(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/v1/records/0/graduate?ledger=destination", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))
}

func TestServer_CommandErrors(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodGet, "/v1/commands/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "COMMAND_NOT_FOUND", string(decode[handler.ErrorResponse](t, body).ErrorCode))

	resp, _ = env.do(t, http.MethodPost, "/v1/commands/nope/cancel", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPut, "/v1/records/abc", aliceJSON)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = env.do(t, http.MethodGet, "/v1/nothing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, handler.ErrorCodeNotFound, decode[handler.ErrorResponse](t, body).ErrorCode)

	resp, body = env.do(t, http.MethodPatch, "/v1/view", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, handler.ErrorCodeInvalidRequest, decode[handler.ErrorResponse](t, body).ErrorCode)

	resp, _ = env.do(t, http.MethodGet, "/v1/records/0/graduate", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/health/live", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServer_CancelStalledCommand(t *testing.T) {
	env := newTestEnv(t)
	env.origin.InjectFault(memledger.Fault{Kind: memledger.FaultStall})

	resp, body := env.do(t, http.MethodPost, "/v1/records", aliceJSON)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id := decode[handler.CommandResponse](t, body).Command.ID

	cmd, err := env.coord.GetCommand(id)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return cmd.State() == model.StateIncludedProvisionally
	}, 5*time.Second, 5*time.Millisecond)

	resp, body = env.do(t, http.MethodPost, "/v1/commands/"+id+"/cancel", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	cr := decode[handler.CommandResponse](t, body)
	assert.Equal(t, model.StateCancelled, cr.Command.State)
	assert.True(t, cr.Command.Ambiguous)
}

func TestServer_StatusAndReconnect(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodGet, "/v1/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decode[handler.StatusResponse](t, body)
	assert.True(t, status.Ready)
	require.Len(t, status.Ledgers, 2)
	assert.Equal(t, "University Parachain (1000)", status.Ledgers[0].Label)

	env.origin.SetUnreachable(true)
	resp, _ = env.do(t, http.MethodPost, "/v1/view/refresh", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	env.origin.SetUnreachable(false)
	resp, body = env.do(t, http.MethodPost, "/v1/ledgers/origin/reconnect", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.True(t, decode[handler.StatusResponse](t, body).Ready)

	resp, _ = env.do(t, http.MethodPost, "/v1/ledgers/moon/reconnect", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_ViewStream(t *testing.T) {
	env := newTestEnv(t)

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/v1/view/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var first handler.ViewResponse
	require.NoError(t, conn.ReadJSON(&first))
	assert.Empty(t, first.Origin)

	resp, _ := env.do(t, http.MethodPost, "/v1/records?wait=true", aliceJSON)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	for {
		var v handler.ViewResponse
		require.NoError(t, conn.ReadJSON(&v))
		if len(v.Origin) == 1 {
			assert.Greater(t, v.Version, first.Version)
			return
		}
	}
}
