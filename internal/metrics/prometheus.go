package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/devrev/ledgerbridge/internal/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Command lifecycle metrics
	CommandsTotal      *prometheus.CounterVec
	CommandTransitions *prometheus.CounterVec
	CommandDuration    *prometheus.HistogramVec
	CommandsInFlight   *prometheus.GaugeVec
	CommandsRejected   *prometheus.CounterVec

	// Reconciliation metrics
	ReconcileTotal    *prometheus.CounterVec
	ReconcileDuration prometheus.Histogram
	ReconcilePolls    prometheus.Histogram

	// Ledger metrics
	LedgerConnectionState *prometheus.GaugeVec
	LedgerReads           *prometheus.CounterVec
	LedgerReadDuration    *prometheus.HistogramVec
	ViewRecords           *prometheus.GaugeVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates metrics registered on a fresh registry that also carries
// the Go and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := NewMetricsWith(reg)
	m.registry = reg
	return m
}

// NewMetricsWith creates and registers metrics on reg
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CommandsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgerbridge_commands_total",
				Help: "Total number of commands by terminal state",
			},
			[]string{"ledger", "kind", "state"},
		),

		CommandTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgerbridge_command_transitions_total",
				Help: "Total number of command lifecycle transitions",
			},
			[]string{"kind", "state"},
		),

		CommandDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledgerbridge_command_duration_seconds",
				Help:    "Time from submission to terminal state",
				Buckets: []float64{0.5, 1, 2, 6, 12, 24, 48, 96, 192},
			},
			[]string{"kind", "state"},
		),

		CommandsInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ledgerbridge_commands_in_flight",
				Help: "Commands accepted but not yet terminal",
			},
			[]string{"ledger"},
		),

		CommandsRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgerbridge_commands_refused_total",
				Help: "Commands refused before submission",
			},
			[]string{"ledger", "reason"},
		),

		ReconcileTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgerbridge_reconcile_total",
				Help: "Graduation reconciliations by outcome",
			},
			[]string{"outcome"},
		),

		ReconcileDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ledgerbridge_reconcile_duration_seconds",
				Help:    "Time from graduation finality to reconcile outcome",
				Buckets: []float64{1, 3, 6, 12, 24, 48, 96, 192},
			},
		),

		ReconcilePolls: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ledgerbridge_reconcile_polls",
				Help:    "Number of destination polls per reconciliation",
				Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
			},
		),

		LedgerConnectionState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ledgerbridge_ledger_connection_state",
				Help: "1 for the current connection state of each ledger, 0 otherwise",
			},
			[]string{"ledger", "state"},
		),

		LedgerReads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgerbridge_ledger_reads_total",
				Help: "Full registry reads by result",
			},
			[]string{"ledger", "status"},
		),

		LedgerReadDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledgerbridge_ledger_read_duration_seconds",
				Help:    "Duration of a full registry read",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"ledger"},
		),

		ViewRecords: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ledgerbridge_view_records",
				Help: "Records currently held in the registry view",
			},
			[]string{"ledger"},
		),

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgerbridge_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledgerbridge_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"method", "route"},
		),
	}
}

// SetConnectionState marks state as current for ledger
func (m *Metrics) SetConnectionState(ledger model.LedgerID, state model.ConnectionState) {
	for _, s := range model.ConnectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.LedgerConnectionState.WithLabelValues(string(ledger), string(s)).Set(v)
	}
}

// RecordTransition counts one lifecycle transition
func (m *Metrics) RecordTransition(kind model.CommandKind, state model.CommandState) {
	m.CommandTransitions.WithLabelValues(string(kind), string(state)).Inc()
}

// RecordTerminal counts a command reaching a terminal state
func (m *Metrics) RecordTerminal(ledger model.LedgerID, kind model.CommandKind, state model.CommandState, elapsed time.Duration) {
	m.CommandsTotal.WithLabelValues(string(ledger), string(kind), string(state)).Inc()
	m.CommandDuration.WithLabelValues(string(kind), string(state)).Observe(elapsed.Seconds())
}

// RecordRead records a full registry read
func (m *Metrics) RecordRead(ledger model.LedgerID, err error, elapsed time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.LedgerReads.WithLabelValues(string(ledger), status).Inc()
	m.LedgerReadDuration.WithLabelValues(string(ledger)).Observe(elapsed.Seconds())
}

// RecordReconcile records a reconciliation outcome
func (m *Metrics) RecordReconcile(result model.ReconcileResult) {
	m.ReconcileTotal.WithLabelValues(string(result.Outcome)).Inc()
	m.ReconcileDuration.Observe(result.Elapsed.Seconds())
	m.ReconcilePolls.Observe(float64(result.Polls))
}

// RecordHTTPRequest records metrics for an HTTP request
func (m *Metrics) RecordHTTPRequest(method, route string, statusCode int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Handler serves the registry this Metrics was created with
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// MetricsServer provides a separate HTTP server for Prometheus metrics
type MetricsServer struct {
	server *http.Server
	logger *zap.Logger
}

// NewMetricsServer creates a new metrics server
func NewMetricsServer(port int, path string, handler http.Handler, logger *zap.Logger) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle(path, handler)

	return &MetricsServer{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start starts the metrics server
func (ms *MetricsServer) Start() error {
	ms.logger.Info("Starting metrics server", zap.String("address", ms.server.Addr))
	if err := ms.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the metrics server
func (ms *MetricsServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}
