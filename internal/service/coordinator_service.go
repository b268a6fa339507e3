package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	apperrors "github.com/devrev/ledgerbridge/internal/errors"
	"github.com/devrev/ledgerbridge/internal/connection"
	"github.com/devrev/ledgerbridge/internal/model"
	"github.com/devrev/ledgerbridge/internal/resolver"
	"github.com/devrev/ledgerbridge/internal/store"
	"go.uber.org/zap"
)

// Coordinator is the surface the HTTP layer talks to
type Coordinator interface {
	GetView() model.View
	SubscribeView() (<-chan model.View, func())
	Refresh(ctx context.Context) error

	SubmitCreate(ctx context.Context, ledger model.LedgerID, fields model.RecordFields) (*Command, error)
	SubmitUpdate(ctx context.Context, ledger model.LedgerID, id uint32, fields model.RecordFields) (*Command, error)
	SubmitDelete(ctx context.Context, ledger model.LedgerID, id uint32) (*Command, error)
	SubmitGraduate(ctx context.Context, id uint32) (*Command, error)

	GetCommand(id string) (*Command, error)
	CancelCommand(id string) (*Command, error)
	ListCommands() []model.CommandSnapshot
	GraduationInFlight() (string, bool)

	GetConnectionStatus() []model.ConnectionStatus
	InterfaceName() string
	Reconnect(ctx context.Context, id model.LedgerID) error
	Ready() bool
}

var _ Coordinator = (*CoordinatorService)(nil)

// CoordinatorService ties the connection manager, resolver, command
// submitter, and reconciler together
type CoordinatorService struct {
	connections *connection.Manager
	resolver    *resolver.Resolver
	views       store.ViewReader
	commands    *CommandService
	reconciler  *ReconcileService
	started     atomic.Bool
	logger      *zap.Logger
}

// NewCoordinatorService creates a new coordinator service
func NewCoordinatorService(
	connections *connection.Manager,
	res *resolver.Resolver,
	views store.ViewReader,
	commands *CommandService,
	reconciler *ReconcileService,
	logger *zap.Logger,
) *CoordinatorService {
	return &CoordinatorService{
		connections: connections,
		resolver:    res,
		views:       views,
		commands:    commands,
		reconciler:  reconciler,
		logger:      logger,
	}
}

// Start connects both ledgers, resolves the registry interface against the
// origin, and loads the initial view. Failing to connect or to resolve is
// fatal.
func (s *CoordinatorService) Start(ctx context.Context) error {
	if err := s.connections.ConnectAll(ctx); err != nil {
		return fmt.Errorf("failed to connect ledgers: %w", err)
	}
	if err := s.resolve(ctx); err != nil {
		return err
	}
	if err := s.reconciler.Refresh(ctx); err != nil {
		s.logger.Warn("Initial view load incomplete", zap.Error(err))
	}
	s.started.Store(true)

	v := s.views.Snapshot()
	s.logger.Info("Coordinator started",
		zap.String("interface", s.connections.Interface()),
		zap.Int("origin_records", len(v.Origin)),
		zap.Int("destination_records", len(v.Destination)))
	return nil
}

func (s *CoordinatorService) resolve(ctx context.Context) error {
	client, err := s.connections.Client(model.LedgerOrigin)
	if err != nil {
		return err
	}
	iface, err := s.resolver.Resolve(ctx, client)
	if err != nil {
		return err
	}
	s.connections.SetInterface(iface)
	return nil
}

// GetView returns the last full read of both ledgers. It never touches the
// network.
func (s *CoordinatorService) GetView() model.View {
	return s.views.Snapshot()
}

// SubscribeView streams view replacements
func (s *CoordinatorService) SubscribeView() (<-chan model.View, func()) {
	return s.views.Subscribe()
}

// Refresh re-reads both ledgers into the view
func (s *CoordinatorService) Refresh(ctx context.Context) error {
	return s.reconciler.Refresh(ctx)
}

// SubmitCreate queues a create on the given ledger
func (s *CoordinatorService) SubmitCreate(ctx context.Context, ledger model.LedgerID, fields model.RecordFields) (*Command, error) {
	return s.commands.Submit(ctx, Intent{Ledger: ledger, Kind: model.CommandCreate, Fields: fields})
}

// SubmitUpdate queues an update of record id on the given ledger
func (s *CoordinatorService) SubmitUpdate(ctx context.Context, ledger model.LedgerID, id uint32, fields model.RecordFields) (*Command, error) {
	return s.commands.Submit(ctx, Intent{Ledger: ledger, Kind: model.CommandUpdate, RecordID: id, Fields: fields})
}

// SubmitDelete queues a delete of record id on the given ledger
func (s *CoordinatorService) SubmitDelete(ctx context.Context, ledger model.LedgerID, id uint32) (*Command, error) {
	return s.commands.Submit(ctx, Intent{Ledger: ledger, Kind: model.CommandDelete, RecordID: id})
}

// SubmitGraduate queues a graduation of origin record id
func (s *CoordinatorService) SubmitGraduate(ctx context.Context, id uint32) (*Command, error) {
	return s.commands.Submit(ctx, Intent{Ledger: model.LedgerOrigin, Kind: model.CommandGraduate, RecordID: id})
}

// GetCommand returns a tracked command
func (s *CoordinatorService) GetCommand(id string) (*Command, error) {
	return s.commands.Get(id)
}

// CancelCommand cancels a tracked command
func (s *CoordinatorService) CancelCommand(id string) (*Command, error) {
	return s.commands.Cancel(id)
}

// ListCommands returns tracked commands, newest first
func (s *CoordinatorService) ListCommands() []model.CommandSnapshot {
	return s.commands.List()
}

// GraduationInFlight returns the graduation currently holding the slot
func (s *CoordinatorService) GraduationInFlight() (string, bool) {
	return s.commands.GraduationInFlight()
}

// GetConnectionStatus reports both ledger handles
func (s *CoordinatorService) GetConnectionStatus() []model.ConnectionStatus {
	return s.connections.Status()
}

// InterfaceName returns the resolved registry interface
func (s *CoordinatorService) InterfaceName() string {
	return s.connections.Interface()
}

// Reconnect re-establishes one ledger after a failure. Nothing reconnects on
// its own; this is the only way back from Failed.
func (s *CoordinatorService) Reconnect(ctx context.Context, id model.LedgerID) error {
	if !id.Valid() {
		return apperrors.Validation("ledger", fmt.Sprintf("unknown ledger %q", id))
	}
	if s.connections.State(id) == model.ConnectionFailed {
		if err := s.connections.Disconnect(id); err != nil {
			s.logger.Warn("Disconnect before reconnect failed",
				zap.String("ledger", string(id)),
				zap.Error(err))
		}
	}

	select {
	case err := <-s.connections.Connect(ctx, id):
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	if s.connections.Interface() == "" {
		if err := s.resolve(ctx); err != nil {
			return err
		}
	}
	if err := s.reconciler.Refresh(ctx); err != nil {
		s.logger.Warn("View refresh after reconnect incomplete",
			zap.String("ledger", string(id)),
			zap.Error(err))
	}
	return nil
}

// Ready reports whether both ledgers are connected with a resolved interface
func (s *CoordinatorService) Ready() bool {
	if !s.started.Load() || s.connections.Interface() == "" {
		return false
	}
	for _, id := range model.Ledgers {
		if s.connections.State(id) != model.ConnectionConnected {
			return false
		}
	}
	return true
}

// Shutdown stops the command lanes and closes both ledger connections
func (s *CoordinatorService) Shutdown() error {
	s.logger.Info("Shutting down coordinator")
	s.started.Store(false)
	return errors.Join(
		s.commands.Stop(),
		s.connections.Close(),
	)
}
