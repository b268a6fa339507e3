package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/devrev/ledgerbridge/internal/ledger"
	"github.com/devrev/ledgerbridge/internal/metrics"
	"github.com/devrev/ledgerbridge/internal/model"
	"github.com/devrev/ledgerbridge/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// heldReader answers origin reads from its current records. The first
// origin read captures the records at entry and then waits for release.
type heldReader struct {
	mu      sync.Mutex
	records []model.Record
	calls   int
	entered chan struct{}
	release chan struct{}
}

func newHeldReader() *heldReader {
	return &heldReader{entered: make(chan struct{}), release: make(chan struct{})}
}

func (r *heldReader) set(records []model.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = records
}

func (r *heldReader) Session(model.LedgerID) (ledger.Client, string, error) {
	return nil, "", nil
}

func (r *heldReader) ReadAll(_ context.Context, id model.LedgerID) ([]model.Record, error) {
	if id != model.LedgerOrigin {
		return nil, nil
	}
	r.mu.Lock()
	r.calls++
	first := r.calls == 1
	records := model.CloneRecords(r.records)
	r.mu.Unlock()

	if first {
		close(r.entered)
		<-r.release
	}
	return records, nil
}

func TestReconcile_EarlierReadCannotOverwriteLaterRefresh(t *testing.T) {
	reader := newHeldReader()
	views := store.NewRegistryStore(metrics.NewMetricsWith(prometheus.NewRegistry()), zap.NewNop())
	svc := NewReconcileService(reader, views, ReconcileConfig{}, nil, zap.NewNop())
	ctx := waitCtx(t)

	held := make(chan error, 1)
	go func() { held <- svc.Refresh(ctx) }()

	select {
	case <-reader.entered:
	case <-ctx.Done():
		t.Fatal("first refresh never read the origin")
	}

	// The record lands after the first read was taken
	reader.set([]model.Record{{ID: 0, Name: "Alice", Surname: "Smith", Age: 21}})
	require.NoError(t, svc.Refresh(ctx))
	require.Len(t, views.Snapshot().Origin, 1)

	close(reader.release)
	select {
	case err := <-held:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("held refresh did not finish")
	}

	v := views.Snapshot()
	require.Len(t, v.Origin, 1)
	assert.Equal(t, "Alice", v.Origin[0].Name)
}
