package store

import (
	"sync"

	"github.com/devrev/ledgerbridge/internal/metrics"
	"github.com/devrev/ledgerbridge/internal/model"
	"go.uber.org/zap"
)

// ViewReader is the read side of the registry view handed to the HTTP surface
type ViewReader interface {
	Snapshot() model.View
	// Subscribe delivers the current view immediately and then every
	// replacement. Slow subscribers only ever see the latest view.
	Subscribe() (<-chan model.View, func())
}

// ViewWriter is the write side, owned by the reconciler alone. A writer
// takes a ticket before reading a ledger and hands it back with the result;
// results from reads that started before the last applied one are dropped.
type ViewWriter interface {
	BeginRead(id model.LedgerID) uint64
	ReplaceFrom(id model.LedgerID, ticket uint64, records []model.Record) bool
}

// RegistryStore holds the last full read of each ledger
type RegistryStore struct {
	views   map[model.LedgerID][]model.Record
	issued  map[model.LedgerID]uint64
	applied map[model.LedgerID]uint64
	version uint64
	subs    map[uint64]chan model.View
	nextSub uint64
	mu      sync.RWMutex
	metrics *metrics.Metrics
	logger  *zap.Logger
}

var (
	_ ViewReader = (*RegistryStore)(nil)
	_ ViewWriter = (*RegistryStore)(nil)
)

// NewRegistryStore creates an empty store
func NewRegistryStore(m *metrics.Metrics, logger *zap.Logger) *RegistryStore {
	return &RegistryStore{
		views:   make(map[model.LedgerID][]model.Record, len(model.Ledgers)),
		issued:  make(map[model.LedgerID]uint64, len(model.Ledgers)),
		applied: make(map[model.LedgerID]uint64, len(model.Ledgers)),
		subs:    make(map[uint64]chan model.View),
		metrics: m,
		logger:  logger,
	}
}

// BeginRead issues the next read ticket for a ledger
func (s *RegistryStore) BeginRead(id model.LedgerID) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issued[id]++
	return s.issued[id]
}

// Replace swaps one ledger's view wholesale with a read taken now
func (s *RegistryStore) Replace(id model.LedgerID, records []model.Record) {
	s.ReplaceFrom(id, s.BeginRead(id), records)
}

// ReplaceFrom swaps one ledger's view wholesale. There is no partial
// update. It reports false and keeps the current view when a read that
// started later has already been applied.
func (s *RegistryStore) ReplaceFrom(id model.LedgerID, ticket uint64, records []model.Record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ticket <= s.applied[id] {
		s.logger.Debug("Dropped stale registry read",
			zap.String("ledger", string(id)),
			zap.Uint64("ticket", ticket),
			zap.Uint64("applied", s.applied[id]))
		return false
	}
	s.applied[id] = ticket
	s.views[id] = model.CloneRecords(records)
	s.version++
	if s.metrics != nil {
		s.metrics.ViewRecords.WithLabelValues(string(id)).Set(float64(len(records)))
	}

	view := s.snapshotLocked()
	for _, ch := range s.subs {
		publish(ch, view.Clone())
	}

	s.logger.Debug("Registry view replaced",
		zap.String("ledger", string(id)),
		zap.Int("records", len(records)),
		zap.Uint64("version", s.version))
	return true
}

// publish delivers v, dropping an unread older view if the buffer is full
func publish(ch chan model.View, v model.View) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}

// Snapshot returns a deep copy of both views
func (s *RegistryStore) Snapshot() model.View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *RegistryStore) snapshotLocked() model.View {
	return model.View{
		Origin:      model.CloneRecords(s.views[model.LedgerOrigin]),
		Destination: model.CloneRecords(s.views[model.LedgerDestination]),
		Version:     s.version,
	}
}

// Subscribe registers a view listener. The cancel func is idempotent.
func (s *RegistryStore) Subscribe() (<-chan model.View, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan model.View, 1)
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	ch <- s.snapshotLocked()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}

// Subscribers returns the number of active subscriptions
func (s *RegistryStore) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
