// Package resolver discovers which registry interface a ledger exposes.
package resolver

import (
	"context"
	"fmt"

	apperrors "github.com/devrev/ledgerbridge/internal/errors"
	"github.com/devrev/ledgerbridge/internal/ledger"
	"go.uber.org/zap"
)

// DefaultCandidates is the search order used when none is configured
var DefaultCandidates = []string{
	"TemplatePallet",
	"StudentRegistry",
	"PalletStudentRegistry",
	"Student",
	"Students",
	"StudentPallet",
}

// Resolver picks the first candidate interface that exposes the count accessor
type Resolver struct {
	candidates []string
	accessor   string
	logger     *zap.Logger
}

// New creates a resolver. Empty candidates or accessor fall back to the defaults.
func New(candidates []string, accessor string, logger *zap.Logger) *Resolver {
	if len(candidates) == 0 {
		candidates = DefaultCandidates
	}
	if accessor == "" {
		accessor = ledger.CountAccessor
	}
	return &Resolver{
		candidates: append([]string(nil), candidates...),
		accessor:   accessor,
		logger:     logger,
	}
}

// Candidates returns the search order
func (r *Resolver) Candidates() []string {
	return append([]string(nil), r.candidates...)
}

// Resolve returns the first candidate, in search order, that the ledger exposes
// with the count accessor. When none match, the error lists every module the
// ledger exposes.
func (r *Resolver) Resolve(ctx context.Context, lister ledger.ModuleLister) (string, error) {
	modules, err := lister.Modules(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list ledger modules: %w", err)
	}

	byName := make(map[string]ledger.Module, len(modules))
	for _, m := range modules {
		byName[m.Name] = m
	}

	for _, candidate := range r.candidates {
		m, ok := byName[candidate]
		if !ok {
			continue
		}
		if !m.HasAccessor(r.accessor) {
			r.logger.Debug("Candidate interface lacks count accessor",
				zap.String("interface", candidate),
				zap.String("accessor", r.accessor))
			continue
		}
		r.logger.Info("Resolved registry interface", zap.String("interface", candidate))
		return candidate, nil
	}

	available := make([]string, 0, len(modules))
	for _, m := range modules {
		available = append(available, m.Name)
	}
	r.logger.Error("No registry interface found",
		zap.Strings("candidates", r.candidates),
		zap.Strings("available", available))
	return "", apperrors.ResolutionFailed(r.candidates, available)
}
