package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/devrev/ledgerbridge/internal/metrics"
	"github.com/devrev/ledgerbridge/internal/model"
	"github.com/devrev/ledgerbridge/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RegistryReader reads a ledger's live records and opens sessions on it
type RegistryReader interface {
	SessionProvider
	ReadAll(ctx context.Context, id model.LedgerID) ([]model.Record, error)
}

// ReconcileConfig controls how a graduation is looked for on the destination
type ReconcileConfig struct {
	GraceInterval       time.Duration
	PollInitialInterval time.Duration
	PollMaxInterval     time.Duration
	PollMultiplier      float64
	// GiveUpAfter bounds polling after the grace interval. Zero means a
	// single read.
	GiveUpAfter time.Duration
}

// GraduationTarget describes the record a finalized graduation should
// deliver to the destination
type GraduationTarget struct {
	CommandID string
	RecordID  uint32
	// Fields of the origin record; nil when they could not be read, in which
	// case any new destination record counts.
	Fields *model.RecordFields
	// Baseline is the destination count before the graduation was sent;
	// delivered records get ids at or above it.
	Baseline uint32
}

var errNotYetVisible = errors.New("graduated record not yet visible on destination")

// ReconcileService re-reads both registries into the view store and
// confirms graduations arrived on the destination
type ReconcileService struct {
	reader  RegistryReader
	views   store.ViewWriter
	cfg     ReconcileConfig
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewReconcileService creates a new reconcile service
func NewReconcileService(
	reader RegistryReader,
	views store.ViewWriter,
	cfg ReconcileConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *ReconcileService {
	if cfg.PollInitialInterval <= 0 {
		cfg.PollInitialInterval = time.Second
	}
	if cfg.PollMaxInterval < cfg.PollInitialInterval {
		cfg.PollMaxInterval = cfg.PollInitialInterval
	}
	if cfg.PollMultiplier < 1 {
		cfg.PollMultiplier = 1
	}
	return &ReconcileService{
		reader:  reader,
		views:   views,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
	}
}

// Refresh reads both ledgers concurrently and replaces each view that was
// read successfully. A failed read leaves that ledger's view untouched.
func (s *ReconcileService) Refresh(ctx context.Context) error {
	_, err := s.refresh(ctx)
	return err
}

func (s *ReconcileService) refresh(ctx context.Context) (map[model.LedgerID][]model.Record, error) {
	results := make([][]model.Record, len(model.Ledgers))
	errs := make([]error, len(model.Ledgers))

	var g errgroup.Group
	for i, id := range model.Ledgers {
		i, id := i, id
		g.Go(func() error {
			ticket := s.views.BeginRead(id)
			records, err := s.reader.ReadAll(ctx, id)
			if err != nil {
				errs[i] = err
				return nil
			}
			results[i] = records
			s.views.ReplaceFrom(id, ticket, records)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[model.LedgerID][]model.Record, len(model.Ledgers))
	for i, id := range model.Ledgers {
		if errs[i] == nil {
			out[id] = results[i]
			continue
		}
		s.logger.Warn("Registry read failed",
			zap.String("ledger", string(id)),
			zap.Error(errs[i]))
	}
	return out, errors.Join(errs...)
}

// DestinationBaseline returns the destination's record count, falling back
// to one past the highest id in the last view when the count is unreadable.
func (s *ReconcileService) DestinationBaseline(ctx context.Context) uint32 {
	client, iface, err := s.reader.Session(model.LedgerDestination)
	if err == nil {
		count, cerr := client.Count(ctx, iface)
		if cerr == nil {
			return count
		}
		err = cerr
	}

	records, rerr := s.reader.ReadAll(ctx, model.LedgerDestination)
	if rerr != nil {
		s.logger.Warn("Could not establish destination baseline",
			zap.Error(err),
			zap.NamedError("read_error", rerr))
		return 0
	}
	var next uint32
	for _, r := range records {
		if r.ID >= next {
			next = r.ID + 1
		}
	}
	return next
}

// ReconcileGraduation waits the grace interval and then polls both ledgers
// until the graduated record shows up on the destination, polling is given
// up, or ctx is cancelled. Every poll refreshes both views.
func (s *ReconcileService) ReconcileGraduation(ctx context.Context, target GraduationTarget) model.ReconcileResult {
	start := time.Now()
	logger := s.logger.With(
		zap.String("command_id", target.CommandID),
		zap.Uint32("record_id", target.RecordID),
		zap.Uint32("baseline", target.Baseline))

	result := s.reconcile(ctx, target, logger)
	result.Elapsed = time.Since(start)

	if s.metrics != nil {
		s.metrics.RecordReconcile(result)
	}
	fields := []zap.Field{
		zap.String("outcome", string(result.Outcome)),
		zap.Int("polls", result.Polls),
		zap.Duration("elapsed", result.Elapsed),
	}
	if result.DestinationID != nil {
		fields = append(fields, zap.Uint32("destination_id", *result.DestinationID))
	}
	if result.Outcome == model.ReconcileDelivered {
		logger.Info("Graduation reconciled", fields...)
	} else {
		logger.Warn("Graduation not reconciled", fields...)
	}
	return result
}

func (s *ReconcileService) reconcile(ctx context.Context, target GraduationTarget, logger *zap.Logger) model.ReconcileResult {
	var result model.ReconcileResult

	if s.cfg.GraceInterval > 0 {
		timer := time.NewTimer(s.cfg.GraceInterval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			result.Outcome = model.ReconcileCancelled
			return result
		}
	}

	poll := func() error {
		result.Polls++
		views, err := s.refresh(ctx)
		if dest, ok := views[model.LedgerDestination]; ok {
			if id, found := findDelivered(dest, target); found {
				result.DestinationID = &id
				return nil
			}
		}
		if err != nil {
			result.LastError = err.Error()
			return fmt.Errorf("poll %d: %w", result.Polls, err)
		}
		return errNotYetVisible
	}

	if s.cfg.GiveUpAfter <= 0 {
		if err := poll(); err != nil {
			result.Outcome = model.ReconcileNotYetVisible
			if ctx.Err() != nil {
				result.Outcome = model.ReconcileCancelled
			}
			return result
		}
		result.Outcome = model.ReconcileDelivered
		return result
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.PollInitialInterval
	b.MaxInterval = s.cfg.PollMaxInterval
	b.Multiplier = s.cfg.PollMultiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = s.cfg.GiveUpAfter
	b.Reset()

	notify := func(err error, next time.Duration) {
		logger.Debug("Graduation not yet delivered",
			zap.Int("poll", result.Polls),
			zap.Duration("next_poll", next),
			zap.Error(err))
	}

	err := backoff.RetryNotify(poll, backoff.WithContext(b, ctx), notify)
	switch {
	case err == nil:
		result.Outcome = model.ReconcileDelivered
	case ctx.Err() != nil:
		result.Outcome = model.ReconcileCancelled
	default:
		result.Outcome = model.ReconcileTimedOut
	}
	return result
}

// findDelivered looks for the graduated copy among records with ids at or
// above the baseline
func findDelivered(records []model.Record, target GraduationTarget) (uint32, bool) {
	for _, r := range records {
		if r.ID < target.Baseline || !r.Graduated {
			continue
		}
		if target.Fields == nil || r.Matches(*target.Fields) {
			return r.ID, true
		}
	}
	return 0, false
}

var _ Reconciler = (*ReconcileService)(nil)
