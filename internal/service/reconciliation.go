package service

import (
	"context"
	"fmt"
	"time"

	"github.com/ayo6706/arena-settlement/internal/domain"
	"github.com/ayo6706/arena-settlement/internal/observability"
	"github.com/ayo6706/arena-settlement/internal/repository"
	"go.uber.org/zap"
)

// ReconciliationService publishes a per-state census of payouts and flags
// records that have sat in a non-terminal state for too long.
type ReconciliationService struct {
	payouts  *PayoutService
	staleAge time.Duration
}

// NewReconciliationService creates a reconciliation service.
func NewReconciliationService(payouts *PayoutService, staleAge time.Duration) *ReconciliationService {
	if staleAge <= 0 {
		staleAge = time.Hour
	}
	return &ReconciliationService{payouts: payouts, staleAge: staleAge}
}

// Report is the outcome of one reconciliation run.
type Report struct {
	Counts map[domain.State]int64 `json:"counts"`
	Stale  map[domain.State]int   `json:"stale,omitempty"`
}

// Run counts payouts per state and logs stale in-flight records.
func (s *ReconciliationService) Run(ctx context.Context) (*Report, error) {
	counts, err := s.payouts.StateCensus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count payouts by state: %w", err)
	}

	report := &Report{
		Counts: make(map[domain.State]int64, len(domain.AllStates)),
		Stale:  make(map[domain.State]int),
	}
	for _, state := range domain.AllStates {
		report.Counts[state] = 0
	}
	for _, c := range counts {
		report.Counts[c.State] = c.Count
	}
	for state, n := range report.Counts {
		observability.SetPayoutStateCount(state.String(), n)
	}

	cutoff := s.payouts.now().Add(-s.staleAge)
	for _, state := range []domain.State{domain.StateSigned, domain.StateSubmitting, domain.StateSubmitted} {
		stale, err := s.payouts.ListDue(ctx, state, repository.ListOptions{UpdatedBefore: cutoff, Limit: 100})
		if err != nil {
			return nil, fmt.Errorf("list stale %s payouts: %w", state, err)
		}
		if len(stale) == 0 {
			continue
		}
		report.Stale[state] = len(stale)
		zap.L().Warn("payouts stuck in non-terminal state",
			zap.String("state", state.String()),
			zap.Int("count", len(stale)),
			zap.String("oldest_payout_id", stale[0].ID.String()),
			zap.Time("oldest_updated_at", stale[0].UpdatedAt),
		)
	}

	if failed := report.Counts[domain.StateFailed]; failed > 0 {
		zap.L().Info("failed payouts awaiting manual review", zap.Int64("count", failed))
	}
	return report, nil
}
