package service

import (
	"context"

	"github.com/ayo6706/arena-settlement/internal/domain"
	"github.com/ayo6706/arena-settlement/internal/models"
	"github.com/ayo6706/arena-settlement/internal/repository"
	"github.com/google/uuid"
)

// TransactionStore is the durable payout store. CompareAndUpdate is the only
// mutation primitive; implementations must reject stale versions with
// domain.ErrVersionConflict.
type TransactionStore interface {
	Create(ctx context.Context, p *models.PayoutTransaction) (*models.PayoutTransaction, bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.PayoutTransaction, error)
	ListByState(ctx context.Context, state domain.State, opts repository.ListOptions) ([]*models.PayoutTransaction, error)
	CompareAndUpdate(ctx context.Context, id uuid.UUID, expectedVersion int64, mutate repository.Mutation) (*models.PayoutTransaction, error)
	CountByState(ctx context.Context) ([]models.StateCount, error)
	ListTransitions(ctx context.Context, id uuid.UUID) ([]models.PayoutTransition, error)
}

// CacheInvalidator evicts aggregate read views after payout mutations.
type CacheInvalidator interface {
	InvalidateAggregates(ctx context.Context)
}

var (
	_ TransactionStore = (*repository.PostgresStore)(nil)
	_ TransactionStore = (*repository.MemoryStore)(nil)
)
