// Package connection manages the long-lived handles to both ledgers.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/devrev/ledgerbridge/internal/errors"
	"github.com/devrev/ledgerbridge/internal/ledger"
	"github.com/devrev/ledgerbridge/internal/metrics"
	"github.com/devrev/ledgerbridge/internal/model"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var errConnectAborted = errors.New("connect aborted by disconnect")

// Endpoint is the address and display label of one ledger
type Endpoint struct {
	URL   string
	Label string
}

// handle is the mutable state of one ledger connection
type handle struct {
	id         model.LedgerID
	endpoint   Endpoint
	state      model.ConnectionState
	client     ledger.Client
	iface      string
	lastErr    error
	since      time.Time
	generation uint64
	// ready is closed when the in-progress connect attempt settles
	ready chan struct{}
}

// Manager owns one handle per ledger
type Manager struct {
	dial        ledger.Dialer
	dialTimeout time.Duration
	handles     map[model.LedgerID]*handle
	mu          sync.RWMutex
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// NewManager creates a manager with both handles Disconnected
func NewManager(
	dial ledger.Dialer,
	endpoints map[model.LedgerID]Endpoint,
	dialTimeout time.Duration,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Manager {
	if dialTimeout <= 0 {
		dialTimeout = 15 * time.Second
	}
	mgr := &Manager{
		dial:        dial,
		dialTimeout: dialTimeout,
		handles:     make(map[model.LedgerID]*handle, len(model.Ledgers)),
		metrics:     m,
		logger:      logger,
	}
	now := time.Now()
	for _, id := range model.Ledgers {
		mgr.handles[id] = &handle{
			id:       id,
			endpoint: endpoints[id],
			state:    model.ConnectionDisconnected,
			since:    now,
		}
		mgr.recordState(id, model.ConnectionDisconnected)
	}
	return mgr
}

func (m *Manager) recordState(id model.LedgerID, state model.ConnectionState) {
	if m.metrics != nil {
		m.metrics.SetConnectionState(id, state)
	}
}

// setStateLocked must be called with m.mu held
func (m *Manager) setStateLocked(h *handle, state model.ConnectionState, err error) {
	h.state = state
	h.lastErr = err
	h.since = time.Now()
	m.recordState(h.id, state)
}

func (m *Manager) get(id model.LedgerID) (*handle, error) {
	h, ok := m.handles[id]
	if !ok {
		return nil, apperrors.Validation("ledger", fmt.Sprintf("unknown ledger %q", id))
	}
	return h, nil
}

// Connect starts an asynchronous connection attempt. The returned channel
// yields exactly one result once the handle is Connected or Failed.
// Connecting an already connected handle succeeds immediately; a concurrent
// call joins the attempt in progress.
func (m *Manager) Connect(ctx context.Context, id model.LedgerID) <-chan error {
	result := make(chan error, 1)

	m.mu.Lock()
	h, err := m.get(id)
	if err != nil {
		m.mu.Unlock()
		result <- err
		return result
	}

	switch h.state {
	case model.ConnectionConnected:
		m.mu.Unlock()
		result <- nil
		return result
	case model.ConnectionConnecting:
		ready := h.ready
		m.mu.Unlock()
		go func() {
			<-ready
			result <- m.connectResult(id)
		}()
		return result
	}

	h.generation++
	generation := h.generation
	h.ready = make(chan struct{})
	m.setStateLocked(h, model.ConnectionConnecting, nil)
	endpoint := h.endpoint
	m.mu.Unlock()

	m.logger.Info("Connecting to ledger",
		zap.String("ledger", string(id)),
		zap.String("endpoint", endpoint.URL))

	go func() {
		dialCtx, cancel := context.WithTimeout(ctx, m.dialTimeout)
		defer cancel()

		start := time.Now()
		client, dialErr := m.dial(dialCtx, endpoint.URL)
		result <- m.finishConnect(id, generation, client, dialErr, time.Since(start))
	}()

	return result
}

func (m *Manager) finishConnect(id model.LedgerID, generation uint64, client ledger.Client, dialErr error, elapsed time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.handles[id]
	if h.generation != generation {
		// Disconnect ran while dialling
		if client != nil {
			_ = client.Close()
		}
		return apperrors.ConnectionFailed(string(id), h.endpoint.URL, errConnectAborted)
	}
	defer close(h.ready)

	if dialErr != nil {
		err := apperrors.ConnectionFailed(string(id), h.endpoint.URL, dialErr)
		m.setStateLocked(h, model.ConnectionFailed, err)
		m.logger.Error("Ledger connection failed",
			zap.String("ledger", string(id)),
			zap.String("endpoint", h.endpoint.URL),
			zap.Duration("elapsed", elapsed),
			zap.Error(dialErr))
		return err
	}

	h.client = client
	m.setStateLocked(h, model.ConnectionConnected, nil)
	m.logger.Info("Ledger connected",
		zap.String("ledger", string(id)),
		zap.String("endpoint", h.endpoint.URL),
		zap.Duration("elapsed", elapsed))
	return nil
}

func (m *Manager) connectResult(id model.LedgerID) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h := m.handles[id]
	switch h.state {
	case model.ConnectionConnected:
		return nil
	case model.ConnectionFailed:
		return h.lastErr
	default:
		return apperrors.ConnectionFailed(string(id), h.endpoint.URL, errConnectAborted)
	}
}

// ConnectAll connects both ledgers concurrently and waits for both attempts.
// Each handle settles independently; the first error is returned.
func (m *Manager) ConnectAll(ctx context.Context) error {
	var g errgroup.Group
	for _, id := range model.Ledgers {
		id := id
		g.Go(func() error {
			select {
			case err := <-m.Connect(ctx, id):
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	return g.Wait()
}

// SetInterface records the resolved registry interface name on every handle
func (m *Manager) SetInterface(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.handles {
		h.iface = name
	}
}

// Interface returns the resolved registry interface, or "" before resolution
func (m *Manager) Interface() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handles[model.LedgerOrigin].iface
}

// Client returns the open client for a Connected handle
func (m *Manager) Client(id model.LedgerID) (ledger.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, err := m.get(id)
	if err != nil {
		return nil, err
	}
	if h.state != model.ConnectionConnected {
		return nil, apperrors.NotConnected(string(id), string(h.state))
	}
	return h.client, nil
}

// Session returns the client and resolved interface name for a ledger
func (m *Manager) Session(id model.LedgerID) (ledger.Client, string, error) {
	client, err := m.Client(id)
	if err != nil {
		return nil, "", err
	}
	iface := m.Interface()
	if iface == "" {
		return nil, "", apperrors.NewCoordinatorError(apperrors.ErrCodeResolution, "registry interface not resolved", nil).
			WithDetail("ledger", string(id))
	}
	return client, iface, nil
}

// ReadAll reads every live record through the resolved interface: it fetches
// the count, then each index in [0, count), skipping empty slots.
func (m *Manager) ReadAll(ctx context.Context, id model.LedgerID) (records []model.Record, err error) {
	client, iface, err := m.Session(id)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() {
		if m.metrics != nil {
			m.metrics.RecordRead(id, err, time.Since(start))
		}
		if err != nil && errors.Is(err, ledger.ErrDisconnected) {
			m.MarkFailed(id, err)
		}
	}()

	count, err := client.Count(ctx, iface)
	if err != nil {
		return nil, fmt.Errorf("read %s count: %w", id, err)
	}

	records = make([]model.Record, 0, count)
	for i := uint32(0); i < count; i++ {
		rec, ok, err := client.Get(ctx, iface, i)
		if err != nil {
			return nil, fmt.Errorf("read %s record %d: %w", id, i, err)
		}
		if !ok {
			continue
		}
		rec.ID = i
		records = append(records, rec)
	}

	m.logger.Debug("Read ledger registry",
		zap.String("ledger", string(id)),
		zap.Uint32("count", count),
		zap.Int("live", len(records)),
		zap.Duration("elapsed", time.Since(start)))
	return records, nil
}

// MarkFailed moves a Connected handle to Failed after the session dropped
func (m *Manager) MarkFailed(id model.LedgerID, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.handles[id]
	if !ok || h.state != model.ConnectionConnected {
		return
	}
	if h.client != nil {
		_ = h.client.Close()
		h.client = nil
	}
	m.setStateLocked(h, model.ConnectionFailed, apperrors.ConnectionFailed(string(id), h.endpoint.URL, cause))
	m.logger.Warn("Ledger session dropped",
		zap.String("ledger", string(id)),
		zap.Error(cause))
}

// Disconnect closes the handle. It is idempotent and aborts a connect in progress.
func (m *Manager) Disconnect(id model.LedgerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, err := m.get(id)
	if err != nil {
		return err
	}
	if h.state == model.ConnectionDisconnected {
		return nil
	}

	wasConnecting := h.state == model.ConnectionConnecting
	h.generation++
	var closeErr error
	if h.client != nil {
		closeErr = h.client.Close()
		h.client = nil
	}
	m.setStateLocked(h, model.ConnectionDisconnected, nil)
	if wasConnecting {
		close(h.ready)
	}

	m.logger.Info("Ledger disconnected", zap.String("ledger", string(id)))
	if closeErr != nil {
		return fmt.Errorf("close %s: %w", id, closeErr)
	}
	return nil
}

// Close disconnects every handle
func (m *Manager) Close() error {
	var errs []error
	for _, id := range model.Ledgers {
		if err := m.Disconnect(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// State returns the current state of one handle
func (m *Manager) State(id model.LedgerID) model.ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if h, ok := m.handles[id]; ok {
		return h.state
	}
	return model.ConnectionDisconnected
}

// Status returns a snapshot of both handles in fixed order
func (m *Manager) Status() []model.ConnectionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.ConnectionStatus, 0, len(model.Ledgers))
	for _, id := range model.Ledgers {
		h := m.handles[id]
		st := model.ConnectionStatus{
			Ledger:    id,
			Endpoint:  h.endpoint.URL,
			Label:     h.endpoint.Label,
			State:     h.state,
			Interface: h.iface,
			Since:     h.since,
		}
		if h.lastErr != nil {
			st.LastError = h.lastErr.Error()
		}
		out = append(out, st)
	}
	return out
}
