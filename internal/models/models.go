package models

import (
	"time"

	"github.com/ayo6706/arena-settlement/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PayoutTransaction is one payout moving through the settlement lifecycle.
type PayoutTransaction struct {
	ID               uuid.UUID       `json:"id"`
	IdempotencyKey   string          `json:"idempotency_key"`
	State            domain.State    `json:"state"`
	PayeeAddress     string          `json:"payee_address"`
	Amount           decimal.Decimal `json:"amount"`
	Asset            string          `json:"asset"`
	UnsignedPayload  string          `json:"unsigned_payload"`
	SignedPayload    *string         `json:"signed_payload,omitempty"`
	NetworkReference *string         `json:"network_reference,omitempty"`
	FailureReason    *string         `json:"failure_reason,omitempty"`
	AttemptCount     int             `json:"attempt_count"`
	Version          int64           `json:"version"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	SubmittedAt      *time.Time      `json:"submitted_at,omitempty"`
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (p *PayoutTransaction) Clone() *PayoutTransaction {
	if p == nil {
		return nil
	}
	c := *p
	c.SignedPayload = cloneString(p.SignedPayload)
	c.NetworkReference = cloneString(p.NetworkReference)
	c.FailureReason = cloneString(p.FailureReason)
	if p.SubmittedAt != nil {
		at := *p.SubmittedAt
		c.SubmittedAt = &at
	}
	return &c
}

// PayoutTransition is one row of a payout's audit trail.
type PayoutTransition struct {
	ID        int64        `json:"id"`
	PayoutID  uuid.UUID    `json:"payout_id"`
	FromState domain.State `json:"from_state"`
	ToState   domain.State `json:"to_state"`
	Version   int64        `json:"version"`
	Reason    string       `json:"reason,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// StateCount is a per-state record census.
type StateCount struct {
	State domain.State `json:"state"`
	Count int64        `json:"count"`
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}
