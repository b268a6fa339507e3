package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "github.com/devrev/ledgerbridge/internal/errors"
	"github.com/devrev/ledgerbridge/internal/lane"
	"github.com/devrev/ledgerbridge/internal/ledger"
	"github.com/devrev/ledgerbridge/internal/metrics"
	"github.com/devrev/ledgerbridge/internal/model"
	"github.com/devrev/ledgerbridge/internal/validation"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// maxTrackedCommands bounds how many settled commands stay queryable
const maxTrackedCommands = 1024

// SessionProvider hands out the open client and resolved interface for a ledger
type SessionProvider interface {
	Session(id model.LedgerID) (ledger.Client, string, error)
}

// Reconciler keeps the registry view in step with the ledgers
type Reconciler interface {
	Refresh(ctx context.Context) error
	DestinationBaseline(ctx context.Context) uint32
	ReconcileGraduation(ctx context.Context, target GraduationTarget) model.ReconcileResult
}

// CommandConfig holds command submitter settings
type CommandConfig struct {
	QueueSize       int
	FinalityTimeout time.Duration
	StopTimeout     time.Duration
}

// CommandService drives commands through their lifecycle.
// Commands for the same ledger run one at a time in acceptance order; at
// most one graduation is in flight across the whole service. Nothing is
// retried.
type CommandService struct {
	sessions   SessionProvider
	reconciler Reconciler
	validator  *validation.Validator
	lanes      map[model.LedgerID]*lane.Lane
	cfg        CommandConfig

	mu       sync.RWMutex
	commands map[string]*Command
	order    []string

	gradMu     sync.Mutex
	graduation *Command

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewCommandService creates a command service with one lane per ledger
func NewCommandService(
	sessions SessionProvider,
	reconciler Reconciler,
	validator *validation.Validator,
	cfg CommandConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *CommandService {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 32
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	if validator == nil {
		validator = validation.NewValidator()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &CommandService{
		sessions:   sessions,
		reconciler: reconciler,
		validator:  validator,
		lanes:      make(map[model.LedgerID]*lane.Lane, len(model.Ledgers)),
		cfg:        cfg,
		commands:   make(map[string]*Command),
		ctx:        ctx,
		cancel:     cancel,
		metrics:    m,
		logger:     logger,
	}
	for _, id := range model.Ledgers {
		s.lanes[id] = lane.New(lane.Config{
			Name:      string(id),
			QueueSize: cfg.QueueSize,
			Logger:    logger,
		})
	}
	return s
}

// Submit validates the intent, builds a command, and queues it on the
// ledger's lane. It returns as soon as the command is accepted; use
// Command.Wait or Command.Watch to follow it.
func (s *CommandService) Submit(ctx context.Context, intent Intent) (*Command, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.validator.ValidateCommand(intent.Ledger, intent.Kind, intent.Fields); err != nil {
		s.refused(intent.Ledger, "validation")
		return nil, err
	}
	if intent.Kind == model.CommandGraduate && intent.Ledger != model.LedgerOrigin {
		s.refused(intent.Ledger, "validation")
		return nil, apperrors.Validation("ledger", "graduation is only possible from the origin ledger")
	}
	if _, _, err := s.sessions.Session(intent.Ledger); err != nil {
		s.refused(intent.Ledger, "not_connected")
		return nil, err
	}

	cmd := newCommand(s.ctx, uuid.New().String(), intent)

	if intent.Kind == model.CommandGraduate {
		if err := s.claimGraduation(cmd); err != nil {
			s.refused(intent.Ledger, "graduation_in_flight")
			return nil, err
		}
	}

	s.track(cmd)
	if s.metrics != nil {
		s.metrics.CommandsInFlight.WithLabelValues(string(intent.Ledger)).Inc()
		s.metrics.RecordTransition(intent.Kind, model.StateBuilt)
	}

	err := s.lanes[intent.Ledger].Submit(lane.Task{
		ID: cmd.id,
		Fn: func(context.Context) error { return s.execute(cmd) },
	})
	if err != nil {
		s.untrack(cmd.id)
		s.releaseGraduation(cmd)
		if s.metrics != nil {
			s.metrics.CommandsInFlight.WithLabelValues(string(intent.Ledger)).Dec()
		}
		cmd.cancel()
		if errors.Is(err, lane.ErrQueueFull) {
			s.refused(intent.Ledger, "busy")
			return nil, apperrors.LedgerBusy(string(intent.Ledger), s.cfg.QueueSize)
		}
		return nil, apperrors.InternalError("command service is stopped", err)
	}

	s.logger.Info("Command accepted",
		zap.String("command_id", cmd.id),
		zap.String("ledger", string(intent.Ledger)),
		zap.String("kind", string(intent.Kind)),
		zap.Uint32("record_id", intent.RecordID))
	return cmd, nil
}

func (s *CommandService) refused(ledgerID model.LedgerID, reason string) {
	if s.metrics != nil {
		s.metrics.CommandsRejected.WithLabelValues(string(ledgerID), reason).Inc()
	}
}

func (s *CommandService) claimGraduation(cmd *Command) error {
	s.gradMu.Lock()
	defer s.gradMu.Unlock()
	if s.graduation != nil {
		return apperrors.GraduationInFlight(s.graduation.id)
	}
	s.graduation = cmd
	return nil
}

func (s *CommandService) releaseGraduation(cmd *Command) {
	s.gradMu.Lock()
	defer s.gradMu.Unlock()
	if s.graduation == cmd {
		s.graduation = nil
	}
}

// GraduationInFlight returns the id of the graduation holding the slot
func (s *CommandService) GraduationInFlight() (string, bool) {
	s.gradMu.Lock()
	defer s.gradMu.Unlock()
	if s.graduation == nil {
		return "", false
	}
	return s.graduation.id, true
}

// execute runs on the ledger's lane
func (s *CommandService) execute(cmd *Command) error {
	logger := s.logger.With(
		zap.String("command_id", cmd.id),
		zap.String("ledger", string(cmd.intent.Ledger)),
		zap.String("kind", string(cmd.intent.Kind)))

	if cmd.State().IsTerminal() {
		// Cancelled while queued
		s.finish(cmd, logger)
		return nil
	}
	if cmd.ctx.Err() != nil {
		s.step(cmd, model.StateCancelled, "", "cancelled before submission", logger)
		s.finish(cmd, logger)
		return nil
	}

	client, iface, err := s.sessions.Session(cmd.intent.Ledger)
	if err != nil {
		s.step(cmd, model.StateFailed, "", err.Error(), logger)
		s.finish(cmd, logger)
		return err
	}

	var target GraduationTarget
	if cmd.intent.Kind == model.CommandGraduate {
		target = s.graduationTarget(cmd, client, iface, logger)
	}

	if !cmd.beginSend() {
		// Cancelled while the target was being captured
		s.finish(cmd, logger)
		return nil
	}

	sub, err := client.Submit(cmd.ctx, ledger.Operation{
		Interface: iface,
		Kind:      cmd.intent.Kind,
		RecordID:  cmd.intent.RecordID,
		Fields:    cmd.intent.Fields,
	})
	if err != nil {
		if cmd.ctx.Err() != nil {
			s.step(cmd, model.StateCancelled, "", "cancelled before submission", logger)
		} else {
			s.step(cmd, model.StateFailed, "", fmt.Sprintf("submission failed: %v", err), logger)
		}
		s.finish(cmd, logger)
		return err
	}

	s.step(cmd, model.StateSubmitted, "", "", logger)
	if cmd.ctx.Err() != nil {
		// Cancel arrived while the ledger was accepting the payload
		cmd.markAmbiguous()
		s.step(cmd, model.StateCancelled, "", "cancelled during submission; ledger outcome unknown", logger)
		sub.Unsubscribe()
		s.finish(cmd, logger)
		return nil
	}
	s.follow(cmd, sub, logger)
	sub.Unsubscribe()

	if cmd.State() == model.StateFinalized {
		s.afterFinalized(cmd, target, logger)
		return nil
	}
	s.finish(cmd, logger)
	return nil
}

// follow maps the ledger's status stream onto lifecycle transitions until a
// terminal state is reached
func (s *CommandService) follow(cmd *Command, sub ledger.Subscription, logger *zap.Logger) {
	var timeout <-chan time.Time
	if s.cfg.FinalityTimeout > 0 {
		timer := time.NewTimer(s.cfg.FinalityTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case u, ok := <-sub.Updates():
			if !ok {
				cmd.markAmbiguous()
				s.step(cmd, model.StateFailed, "", "status stream ended before finality", logger)
				return
			}
			if s.apply(cmd, u, logger) {
				return
			}

		case <-timeout:
			cmd.markAmbiguous()
			s.step(cmd, model.StateFailed, "", fmt.Sprintf("no finality within %s", s.cfg.FinalityTimeout), logger)
			return

		case <-cmd.ctx.Done():
			cmd.markAmbiguous()
			s.step(cmd, model.StateCancelled, "", "cancelled after submission; ledger outcome unknown", logger)
			return
		}
	}
}

// apply handles one status update and reports whether the command is terminal
func (s *CommandService) apply(cmd *Command, u ledger.TxUpdate, logger *zap.Logger) bool {
	switch u.Stage {
	case ledger.StageInBlock:
		if cmd.State() == model.StateSubmitted {
			s.step(cmd, model.StateIncludedProvisionally, u.BlockHash, "", logger)
		}
		return false

	case ledger.StageRetracted:
		if cmd.State() == model.StateIncludedProvisionally {
			s.step(cmd, model.StateSubmitted, "", "block retracted", logger)
		}
		return false

	case ledger.StageFinalized:
		// Finality always follows an observed inclusion
		if cmd.State() == model.StateSubmitted {
			s.step(cmd, model.StateIncludedProvisionally, u.BlockHash, "", logger)
		}
		if u.Reason != "" {
			s.step(cmd, model.StateRejected, u.BlockHash, u.Reason, logger)
		} else {
			s.step(cmd, model.StateFinalized, u.BlockHash, "", logger)
		}
		return true

	case ledger.StageInvalid:
		reason := u.Reason
		if reason == "" {
			reason = "invalid"
		}
		s.step(cmd, model.StateRejected, "", reason, logger)
		return true

	default:
		cmd.markAmbiguous()
		reason := u.Reason
		if u.Err != nil {
			reason = u.Err.Error()
		}
		s.step(cmd, model.StateFailed, u.BlockHash, reason, logger)
		return true
	}
}

func (s *CommandService) step(cmd *Command, to model.CommandState, blockHash, reason string, logger *zap.Logger) {
	if err := cmd.transition(to, blockHash, reason); err != nil {
		logger.Debug("Transition skipped", zap.String("state", string(to)), zap.Error(err))
		return
	}
	if s.metrics != nil {
		s.metrics.RecordTransition(cmd.intent.Kind, to)
	}

	fields := []zap.Field{zap.String("state", string(to))}
	if blockHash != "" {
		fields = append(fields, zap.String("block_hash", blockHash))
	}
	if reason != "" {
		fields = append(fields, zap.String("reason", reason))
	}
	switch to {
	case model.StateRejected, model.StateFailed:
		logger.Warn("Command transition", fields...)
	default:
		logger.Info("Command transition", fields...)
	}
}

// finish records the terminal state and settles a command with no follow-up work
func (s *CommandService) finish(cmd *Command, logger *zap.Logger) {
	s.recordTerminal(cmd)
	if cmd.intent.Kind == model.CommandGraduate {
		s.releaseGraduation(cmd)
	}
	close(cmd.settled)
	s.evict()
}

func (s *CommandService) recordTerminal(cmd *Command) {
	if s.metrics == nil {
		return
	}
	s.metrics.CommandsInFlight.WithLabelValues(string(cmd.intent.Ledger)).Dec()
	s.metrics.RecordTerminal(cmd.intent.Ledger, cmd.intent.Kind, cmd.State(), time.Since(cmd.createdAt))
}

// afterFinalized refreshes the view, or for a graduation, reconciles it. The
// graduation slot is held until reconciliation ends.
func (s *CommandService) afterFinalized(cmd *Command, target GraduationTarget, logger *zap.Logger) {
	s.recordTerminal(cmd)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.evict()
		defer close(cmd.settled)

		if cmd.intent.Kind != model.CommandGraduate {
			if err := s.reconciler.Refresh(s.ctx); err != nil {
				logger.Warn("View refresh after command failed", zap.Error(err))
			}
			return
		}

		defer s.releaseGraduation(cmd)
		res := s.reconciler.ReconcileGraduation(s.ctx, target)
		cmd.setReconcile(res)
	}()
}

// graduationTarget captures what reconciliation looks for: the record's
// fields as the origin holds them and the destination count before sending.
func (s *CommandService) graduationTarget(cmd *Command, client ledger.Client, iface string, logger *zap.Logger) GraduationTarget {
	target := GraduationTarget{
		CommandID: cmd.id,
		RecordID:  cmd.intent.RecordID,
		Baseline:  s.reconciler.DestinationBaseline(cmd.ctx),
	}
	rec, ok, err := client.Get(cmd.ctx, iface, cmd.intent.RecordID)
	switch {
	case err != nil:
		logger.Warn("Failed to read record before graduation", zap.Error(err))
	case ok:
		f := rec.Fields()
		target.Fields = &f
	}
	return target
}

func (s *CommandService) track(cmd *Command) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands[cmd.id] = cmd
	s.order = append(s.order, cmd.id)
}

func (s *CommandService) untrack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.commands, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// evict drops the oldest settled commands beyond the retention bound
func (s *CommandService) evict() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.order) > maxTrackedCommands {
		evicted := false
		for i, id := range s.order {
			cmd := s.commands[id]
			select {
			case <-cmd.settled:
				delete(s.commands, id)
				s.order = append(s.order[:i], s.order[i+1:]...)
				evicted = true
			default:
			}
			if evicted {
				break
			}
		}
		if !evicted {
			return
		}
	}
}

// Get returns a tracked command
func (s *CommandService) Get(id string) (*Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cmd, ok := s.commands[id]
	if !ok {
		return nil, apperrors.CommandNotFound(id)
	}
	return cmd, nil
}

// Cancel cancels a tracked command. Cancelling a terminal command is a no-op.
func (s *CommandService) Cancel(id string) (*Command, error) {
	cmd, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if cmd.Cancel() {
		// A command the lane has started sending keeps the slot until the lane settles it
		if cmd.intent.Kind == model.CommandGraduate && cmd.State() == model.StateCancelled && !cmd.submissionStarted() {
			s.releaseGraduation(cmd)
		}
		s.logger.Info("Command cancellation requested",
			zap.String("command_id", id),
			zap.String("state", string(cmd.State())))
	}
	return cmd, nil
}

// List returns snapshots of tracked commands, newest first
func (s *CommandService) List() []model.CommandSnapshot {
	s.mu.RLock()
	cmds := make([]*Command, 0, len(s.order))
	for _, id := range s.order {
		cmds = append(cmds, s.commands[id])
	}
	s.mu.RUnlock()

	out := make([]model.CommandSnapshot, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, c.Snapshot())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// LaneStats returns per-ledger lane statistics
func (s *CommandService) LaneStats() map[model.LedgerID]lane.Stats {
	out := make(map[model.LedgerID]lane.Stats, len(s.lanes))
	for id, l := range s.lanes {
		out[id] = l.Stats()
	}
	return out
}

// Stop cancels in-flight commands, drains the lanes, and waits for
// follow-up work.
func (s *CommandService) Stop() error {
	s.cancel()
	var errs []error
	for _, id := range model.Ledgers {
		if err := s.lanes[id].Stop(s.cfg.StopTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	s.wg.Wait()
	return errors.Join(errs...)
}
