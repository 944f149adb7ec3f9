package repository

import (
	"fmt"
	"time"

	"github.com/ayo6706/arena-settlement/internal/domain"
	"github.com/ayo6706/arena-settlement/internal/models"
	"github.com/google/uuid"
)

// Mutation edits a copy of the current record inside CompareAndUpdate.
// Returning an error aborts the update and leaves the record untouched.
type Mutation func(p *models.PayoutTransaction) error

// ListOptions narrows ListByState.
type ListOptions struct {
	// UpdatedBefore, when set, only returns records last updated at or before it.
	UpdatedBefore time.Time
	// After, when set, resumes the listing past that position.
	After *Cursor
	Limit int
}

// Cursor is a position in the (updated_at, id) order used by ListByState.
type Cursor struct {
	UpdatedAt time.Time
	ID        uuid.UUID
}

// CursorAt returns the position of p.
func CursorAt(p *models.PayoutTransaction) *Cursor {
	return &Cursor{UpdatedAt: p.UpdatedAt, ID: p.ID}
}

// follows reports whether p sorts strictly after c.
func (c *Cursor) follows(p *models.PayoutTransaction) bool {
	if c == nil {
		return true
	}
	if !p.UpdatedAt.Equal(c.UpdatedAt) {
		return p.UpdatedAt.After(c.UpdatedAt)
	}
	return p.ID.String() > c.ID.String()
}

const defaultListLimit = 100

func (o ListOptions) limit() int {
	if o.Limit <= 0 {
		return defaultListLimit
	}
	return o.Limit
}

// applyMutation runs mutate on a copy of current and enforces the record invariants
// that every store implementation must hold.
func applyMutation(current *models.PayoutTransaction, mutate Mutation, now time.Time) (*models.PayoutTransaction, error) {
	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	if err := checkImmutable(current, next); err != nil {
		return nil, err
	}
	if next.State != current.State && !domain.CanTransition(current.State, next.State) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, current.State, next.State)
	}
	if err := checkPayloads(next); err != nil {
		return nil, err
	}
	next.Version = current.Version + 1
	next.UpdatedAt = now
	return next, nil
}

func checkImmutable(current, next *models.PayoutTransaction) error {
	switch {
	case next.ID != current.ID:
		return fmt.Errorf("%w: id", domain.ErrImmutableField)
	case next.IdempotencyKey != current.IdempotencyKey:
		return fmt.Errorf("%w: idempotency_key", domain.ErrImmutableField)
	case next.PayeeAddress != current.PayeeAddress:
		return fmt.Errorf("%w: payee_address", domain.ErrImmutableField)
	case !next.Amount.Equal(current.Amount):
		return fmt.Errorf("%w: amount", domain.ErrImmutableField)
	case next.Asset != current.Asset:
		return fmt.Errorf("%w: asset", domain.ErrImmutableField)
	case next.UnsignedPayload != current.UnsignedPayload:
		return fmt.Errorf("%w: unsigned_payload", domain.ErrImmutableField)
	case next.Version != current.Version:
		return fmt.Errorf("%w: version", domain.ErrImmutableField)
	case !next.CreatedAt.Equal(current.CreatedAt):
		return fmt.Errorf("%w: created_at", domain.ErrImmutableField)
	case next.AttemptCount < current.AttemptCount:
		return fmt.Errorf("%w: attempt_count decreased", domain.ErrImmutableField)
	}
	if current.SignedPayload != nil && (next.SignedPayload == nil || *next.SignedPayload != *current.SignedPayload) {
		return fmt.Errorf("%w: signed_payload", domain.ErrImmutableField)
	}
	if current.NetworkReference != nil && (next.NetworkReference == nil || *next.NetworkReference != *current.NetworkReference) {
		return fmt.Errorf("%w: network_reference", domain.ErrImmutableField)
	}
	return nil
}

// checkPayloads ties optional fields to the state that may carry them.
func checkPayloads(p *models.PayoutTransaction) error {
	signed := p.SignedPayload != nil
	referenced := p.NetworkReference != nil

	if referenced && !signed {
		return fmt.Errorf("%w: network_reference without signed_payload", domain.ErrInvalidTransition)
	}
	if (p.FailureReason != nil) != (p.State == domain.StateFailed) {
		return fmt.Errorf("%w: failure_reason only belongs to %s", domain.ErrInvalidTransition, domain.StateFailed)
	}

	switch p.State {
	case domain.StateCreated, domain.StateAwaitingSignature:
		if signed {
			return fmt.Errorf("%w: %s cannot carry a signed payload", domain.ErrInvalidTransition, p.State)
		}
	case domain.StateSigned, domain.StateSubmitting:
		if !signed || referenced {
			return fmt.Errorf("%w: %s requires a signed payload and no network reference", domain.ErrInvalidTransition, p.State)
		}
	case domain.StateSubmitted, domain.StateConfirmed:
		if !signed || !referenced {
			return fmt.Errorf("%w: %s requires a network reference", domain.ErrInvalidTransition, p.State)
		}
	}
	return nil
}

func transitionReason(p *models.PayoutTransaction) string {
	if p.FailureReason != nil {
		return *p.FailureReason
	}
	return ""
}
