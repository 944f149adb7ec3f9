package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ayo6706/arena-settlement/internal/domain"
	"github.com/ayo6706/arena-settlement/internal/models"
	"github.com/google/uuid"
)

// MemoryStore keeps payout records in process memory. It honors the same
// version and transition rules as PostgresStore and backs tests and
// single-instance development runs.
type MemoryStore struct {
	mu          sync.Mutex
	records     map[uuid.UUID]*models.PayoutTransaction
	byKey       map[string]uuid.UUID
	transitions map[uuid.UUID][]models.PayoutTransition
	seq         int64
	now         func() time.Time
}

// NewMemoryStore creates an empty store using the wall clock.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:     make(map[uuid.UUID]*models.PayoutTransaction),
		byKey:       make(map[string]uuid.UUID),
		transitions: make(map[uuid.UUID][]models.PayoutTransition),
		now:         time.Now,
	}
}

// WithClock overrides the timestamp source.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) Create(ctx context.Context, p *models.PayoutTransaction) (*models.PayoutTransaction, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byKey[p.IdempotencyKey]; ok {
		return s.records[id].Clone(), false, nil
	}

	rec := p.Clone()
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if _, exists := s.records[rec.ID]; exists {
		return nil, false, fmt.Errorf("create payout: id %s already used", rec.ID)
	}
	now := s.now().UTC()
	rec.Version = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now

	s.records[rec.ID] = rec
	s.byKey[rec.IdempotencyKey] = rec.ID
	s.appendTransition(rec.ID, "", rec.State, rec.Version, "", now)
	return rec.Clone(), true, nil
}

func (s *MemoryStore) GetByID(ctx context.Context, id uuid.UUID) (*models.PayoutTransaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) ListByState(ctx context.Context, state domain.State, opts ListOptions) ([]*models.PayoutTransaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.PayoutTransaction
	for _, rec := range s.records {
		if rec.State != state {
			continue
		}
		if !opts.UpdatedBefore.IsZero() && rec.UpdatedAt.After(opts.UpdatedBefore) {
			continue
		}
		if !opts.After.follows(rec) {
			continue
		}
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit := opts.limit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CompareAndUpdate(ctx context.Context, id uuid.UUID, expectedVersion int64, mutate Mutation) (*models.PayoutTransaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if current.Version != expectedVersion {
		return nil, fmt.Errorf("%w: expected version %d, found %d", domain.ErrVersionConflict, expectedVersion, current.Version)
	}

	next, err := applyMutation(current, mutate, s.now().UTC())
	if err != nil {
		return nil, err
	}
	s.records[id] = next
	if next.State != current.State {
		s.appendTransition(id, current.State, next.State, next.Version, transitionReason(next), next.UpdatedAt)
	}
	return next.Clone(), nil
}

func (s *MemoryStore) CountByState(ctx context.Context) ([]models.StateCount, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[domain.State]int64)
	for _, rec := range s.records {
		counts[rec.State]++
	}
	out := make([]models.StateCount, 0, len(counts))
	for _, state := range domain.AllStates {
		if n, ok := counts[state]; ok {
			out = append(out, models.StateCount{State: state, Count: n})
		}
	}
	return out, nil
}

func (s *MemoryStore) ListTransitions(ctx context.Context, id uuid.UUID) ([]models.PayoutTransition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return nil, domain.ErrNotFound
	}
	return append([]models.PayoutTransition(nil), s.transitions[id]...), nil
}

// Ping always succeeds; it lets the readiness check treat both stores alike.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) appendTransition(id uuid.UUID, from, to domain.State, version int64, reason string, at time.Time) {
	s.seq++
	s.transitions[id] = append(s.transitions[id], models.PayoutTransition{
		ID:        s.seq,
		PayoutID:  id,
		FromState: from,
		ToState:   to,
		Version:   version,
		Reason:    reason,
		CreatedAt: at,
	})
}
