package service

import (
	"context"
	"sync"
	"testing"
	"time"

	apperrors "github.com/devrev/ledgerbridge/internal/errors"
	"github.com/devrev/ledgerbridge/internal/lane"
	"github.com/devrev/ledgerbridge/internal/ledger"
	"github.com/devrev/ledgerbridge/internal/model"
	"github.com/devrev/ledgerbridge/internal/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockReconciler is a mock implementation of Reconciler
type MockReconciler struct {
	mock.Mock
}

func (m *MockReconciler) Refresh(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockReconciler) DestinationBaseline(ctx context.Context) uint32 {
	args := m.Called(ctx)
	return args.Get(0).(uint32)
}

func (m *MockReconciler) ReconcileGraduation(ctx context.Context, target GraduationTarget) model.ReconcileResult {
	args := m.Called(ctx, target)
	return args.Get(0).(model.ReconcileResult)
}

// slowSubmitClient accepts the payload only after release is closed,
// ignoring cancellation once past its entry check
type slowSubmitClient struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newSlowSubmitClient() *slowSubmitClient {
	return &slowSubmitClient{entered: make(chan struct{}), release: make(chan struct{})}
}

func (c *slowSubmitClient) Modules(context.Context) ([]ledger.Module, error) { return nil, nil }

func (c *slowSubmitClient) Count(context.Context, string) (uint32, error) { return 1, nil }

func (c *slowSubmitClient) Get(_ context.Context, _ string, index uint32) (model.Record, bool, error) {
	return model.Record{ID: index, Name: "Alice", Surname: "Smith", Age: 21}, true, nil
}

func (c *slowSubmitClient) Submit(ctx context.Context, _ ledger.Operation) (ledger.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.once.Do(func() { close(c.entered) })
	<-c.release
	return &silentSubscription{updates: make(chan ledger.TxUpdate)}, nil
}

func (c *slowSubmitClient) Close() error { return nil }

type silentSubscription struct {
	updates chan ledger.TxUpdate
}

func (s *silentSubscription) Updates() <-chan ledger.TxUpdate { return s.updates }
func (s *silentSubscription) Unsubscribe()                    {}

type staticSessions struct {
	client ledger.Client
}

func (s staticSessions) Session(model.LedgerID) (ledger.Client, string, error) {
	return s.client, "TemplatePallet", nil
}

func TestCommandService_CancelDuringSubmitIsAmbiguousAndKeepsSlot(t *testing.T) {
	client := newSlowSubmitClient()
	reconciler := new(MockReconciler)
	reconciler.On("DestinationBaseline", mock.Anything).Return(uint32(0))

	svc := NewCommandService(staticSessions{client: client}, reconciler, validation.NewValidator(),
		CommandConfig{QueueSize: 4, FinalityTimeout: time.Second}, nil, zap.NewNop())
	t.Cleanup(func() { _ = svc.Stop() })

	ctx := waitCtx(t)
	cmd, err := svc.Submit(ctx, Intent{Ledger: model.LedgerOrigin, Kind: model.CommandGraduate, RecordID: 0})
	require.NoError(t, err)

	select {
	case <-client.entered:
	case <-ctx.Done():
		t.Fatal("submission never reached the ledger client")
	}

	_, err = svc.Cancel(cmd.ID())
	require.NoError(t, err)

	// The lane owns the command while the payload is being handed over
	assert.Equal(t, model.StateBuilt, cmd.State())
	holder, held := svc.GraduationInFlight()
	assert.True(t, held)
	assert.Equal(t, cmd.ID(), holder)

	_, err = svc.Submit(ctx, Intent{Ledger: model.LedgerOrigin, Kind: model.CommandGraduate, RecordID: 1})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeGraduationInFlight))

	close(client.release)

	snap, err := cmd.WaitSettled(ctx)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCancelled))
	assert.Equal(t, model.StateCancelled, snap.State)
	assert.True(t, snap.Ambiguous)
	assert.NotEqual(t, "cancelled before submission", snap.Reason)
	assert.Contains(t, states(snap), model.StateSubmitted)

	_, held = svc.GraduationInFlight()
	assert.False(t, held)
	reconciler.AssertNotCalled(t, "ReconcileGraduation", mock.Anything, mock.Anything)
}

func TestCommandService_CancelBeforeSubmitReleasesSlot(t *testing.T) {
	client := newSlowSubmitClient()
	close(client.release)
	reconciler := new(MockReconciler)
	reconciler.On("DestinationBaseline", mock.Anything).Return(uint32(0)).Maybe()

	svc := NewCommandService(staticSessions{client: client}, reconciler, validation.NewValidator(),
		CommandConfig{QueueSize: 4}, nil, zap.NewNop())
	t.Cleanup(func() { _ = svc.Stop() })

	// Stall the lane so the graduation stays queued
	ctx := waitCtx(t)
	block := make(chan struct{})
	require.NoError(t, svc.lanes[model.LedgerOrigin].Submit(lane.Task{
		ID: "blocker",
		Fn: func(context.Context) error { <-block; return nil },
	}))

	cmd, err := svc.Submit(ctx, Intent{Ledger: model.LedgerOrigin, Kind: model.CommandGraduate, RecordID: 0})
	require.NoError(t, err)

	_, err = svc.Cancel(cmd.ID())
	require.NoError(t, err)
	assert.Equal(t, model.StateCancelled, cmd.State())
	assert.False(t, cmd.Snapshot().Ambiguous)

	_, held := svc.GraduationInFlight()
	assert.False(t, held)

	close(block)
	_, err = cmd.WaitSettled(ctx)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCancelled))
	assert.False(t, client.wasEntered())
}

func (c *slowSubmitClient) wasEntered() bool {
	select {
	case <-c.entered:
		return true
	default:
		return false
	}
}
