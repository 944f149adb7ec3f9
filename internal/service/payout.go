package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ayo6706/arena-settlement/internal/domain"
	"github.com/ayo6706/arena-settlement/internal/ledger"
	"github.com/ayo6706/arena-settlement/internal/models"
	"github.com/ayo6706/arena-settlement/internal/observability"
	"github.com/ayo6706/arena-settlement/internal/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxIdempotencyKeyLength = 128

// Settings tunes the payout lifecycle.
type Settings struct {
	NetworkName    string
	MaxAttempts    int
	CallTimeout    time.Duration
	ConfirmMaxWait time.Duration
	// StoreTimeout bounds every single store read or write.
	StoreTimeout time.Duration
}

// DefaultSettings returns the settings used when none are configured.
func DefaultSettings() Settings {
	return Settings{
		NetworkName:    "testnet",
		MaxAttempts:    5,
		CallTimeout:    10 * time.Second,
		ConfirmMaxWait: 10 * time.Minute,
		StoreTimeout:   5 * time.Second,
	}
}

// PayoutService is the only authority for payout state transitions.
type PayoutService struct {
	store    TransactionStore
	network  ledger.Network
	cache    CacheInvalidator
	settings Settings
	now      func() time.Time
}

// NewPayoutService wires the service. cache may be nil.
func NewPayoutService(store TransactionStore, network ledger.Network, cache CacheInvalidator, settings Settings) *PayoutService {
	defaults := DefaultSettings()
	if settings.NetworkName == "" {
		settings.NetworkName = defaults.NetworkName
	}
	if settings.MaxAttempts <= 0 {
		settings.MaxAttempts = defaults.MaxAttempts
	}
	if settings.CallTimeout <= 0 {
		settings.CallTimeout = defaults.CallTimeout
	}
	if settings.ConfirmMaxWait <= 0 {
		settings.ConfirmMaxWait = defaults.ConfirmMaxWait
	}
	if settings.StoreTimeout <= 0 {
		settings.StoreTimeout = defaults.StoreTimeout
	}
	return &PayoutService{
		store:    store,
		network:  network,
		cache:    cache,
		settings: settings,
		now:      time.Now,
	}
}

// WithClock overrides the time source used for confirmation deadlines.
func (s *PayoutService) WithClock(now func() time.Time) *PayoutService {
	s.now = now
	return s
}

// Settings returns the effective settings.
func (s *PayoutService) Settings() Settings {
	return s.settings
}

// CreatePayoutRequest carries the economic payload of a new payout.
type CreatePayoutRequest struct {
	Payee          string
	Amount         decimal.Decimal
	Asset          string
	IdempotencyKey string
}

// CreatePayoutTransaction validates the request, builds the unsigned envelope
// and persists the payout in AWAITING_SIGNATURE. Replays with a known
// idempotency key return the existing record and replayed=true.
func (s *PayoutService) CreatePayoutTransaction(ctx context.Context, req CreatePayoutRequest) (*models.PayoutTransaction, bool, error) {
	payee, err := domain.NormalizePayee(req.Payee)
	if err != nil {
		return nil, false, err
	}
	if err := domain.ValidateAmount(req.Amount); err != nil {
		return nil, false, err
	}
	asset, err := domain.NormalizeAsset(req.Asset)
	if err != nil {
		return nil, false, err
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = uuid.NewString()
	}
	if len(key) > maxIdempotencyKeyLength {
		return nil, false, domain.NewValidationError("idempotency_key", "must be at most 128 characters")
	}

	unsigned, err := domain.BuildEnvelope(s.settings.NetworkName, payee, req.Amount, asset, key).Encode()
	if err != nil {
		return nil, false, err
	}

	createCtx, cancel := s.storeCtx(ctx)
	rec, created, err := s.store.Create(createCtx, &models.PayoutTransaction{
		IdempotencyKey:  key,
		State:           domain.StateCreated,
		PayeeAddress:    payee,
		Amount:          req.Amount,
		Asset:           asset,
		UnsignedPayload: string(unsigned),
	})
	cancel()
	if err != nil {
		return nil, false, fmt.Errorf("create payout: %w", err)
	}
	if !created && rec.UnsignedPayload != string(unsigned) {
		return nil, false, fmt.Errorf("%w: key %q", domain.ErrIdempotencyConflict, key)
	}

	// A replay may find the record still in CREATED if an earlier call died
	// between the insert and this step.
	if rec.State == domain.StateCreated {
		rec, err = s.apply(ctx, rec, func(cur *models.PayoutTransaction) (repository.Mutation, error) {
			if cur.State != domain.StateCreated {
				return nil, nil
			}
			return func(p *models.PayoutTransaction) error {
				p.State = domain.StateAwaitingSignature
				return nil
			}, nil
		})
		if err != nil {
			return nil, false, fmt.Errorf("await signature: %w", err)
		}
	}

	if created {
		zap.L().Info("payout created",
			zap.String("payout_id", rec.ID.String()),
			zap.String("asset", rec.Asset),
			zap.String("amount", rec.Amount.String()),
		)
		s.invalidate(ctx)
	}
	return rec, !created, nil
}

// GetPayout returns a payout by id.
func (s *PayoutService) GetPayout(ctx context.Context, id uuid.UUID) (*models.PayoutTransaction, error) {
	return s.get(ctx, id)
}

// ListTransitions returns the audit trail of a payout, oldest first.
func (s *PayoutService) ListTransitions(ctx context.Context, id uuid.UUID) ([]models.PayoutTransition, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.store.ListTransitions(ctx, id)
}

// ListPayouts returns payouts in state, oldest update first.
func (s *PayoutService) ListPayouts(ctx context.Context, state domain.State, limit int) ([]*models.PayoutTransaction, error) {
	return s.ListDue(ctx, state, repository.ListOptions{Limit: limit})
}

// ListDue returns payouts in state matching opts, oldest update first.
func (s *PayoutService) ListDue(ctx context.Context, state domain.State, opts repository.ListOptions) ([]*models.PayoutTransaction, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.store.ListByState(ctx, state, opts)
}

// StateCensus counts payouts per state.
func (s *PayoutService) StateCensus(ctx context.Context) ([]models.StateCount, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.store.CountByState(ctx)
}

// QueueSignedTransaction attaches the wallet's signed envelope after checking
// that it answers the stored unsigned payload and was signed by the payee.
func (s *PayoutService) QueueSignedTransaction(ctx context.Context, id uuid.UUID, signedPayload string) (*models.PayoutTransaction, error) {
	signedPayload = strings.TrimSpace(signedPayload)
	if signedPayload == "" {
		return nil, domain.NewValidationError("signed_payload", "is required")
	}
	rec, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}

	return s.apply(ctx, rec, func(cur *models.PayoutTransaction) (repository.Mutation, error) {
		if cur.State != domain.StateAwaitingSignature {
			return nil, domain.InvalidStateError("sign", cur.State)
		}
		if err := domain.VerifySignedPayload([]byte(cur.UnsignedPayload), []byte(signedPayload)); err != nil {
			return nil, err
		}
		return func(p *models.PayoutTransaction) error {
			p.State = domain.StateSigned
			p.SignedPayload = models.StringPtr(signedPayload)
			return nil
		}, nil
	})
}

// SubmitQueuedTransaction claims a SIGNED payout and submits it to the network.
// The claim goes through CompareAndUpdate, so when the API and the worker race
// on the same payout only one of them reaches the network.
//
// A permanent rejection, or running out of attempts, returns the FAILED record
// without an error. A transient failure returns the record together with an
// error wrapping domain.ErrTransientNetwork.
func (s *PayoutService) SubmitQueuedTransaction(ctx context.Context, id uuid.UUID) (*models.PayoutTransaction, error) {
	rec, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}

	claimed, err := s.apply(ctx, rec, func(cur *models.PayoutTransaction) (repository.Mutation, error) {
		if cur.State != domain.StateSigned {
			return nil, domain.InvalidStateError("submit", cur.State)
		}
		return func(p *models.PayoutTransaction) error {
			p.State = domain.StateSubmitting
			return nil
		}, nil
	})
	if err != nil {
		return nil, err
	}

	if claimed.AttemptCount >= s.settings.MaxAttempts {
		return s.finishSubmitting(ctx, claimed, failWith(fmt.Sprintf("gave up after %d submission attempts", claimed.AttemptCount), 0))
	}

	callCtx, cancel := context.WithTimeout(ctx, s.settings.CallTimeout)
	ref, err := s.network.Submit(callCtx, []byte(*claimed.SignedPayload))
	cancel()

	switch {
	case err == nil:
		submittedAt := s.now().UTC()
		return s.finishSubmitting(ctx, claimed, func(p *models.PayoutTransaction) error {
			p.State = domain.StateSubmitted
			p.NetworkReference = models.StringPtr(ref)
			p.SubmittedAt = &submittedAt
			return nil
		})

	case errors.Is(err, ledger.ErrRejected):
		rejected := fmt.Errorf("%w: %v", domain.ErrTerminalNetwork, err)
		zap.L().Warn("payout rejected by network", zap.String("payout_id", claimed.ID.String()), zap.Error(rejected))
		return s.finishSubmitting(ctx, claimed, failWith(rejected.Error(), 0))

	case ledger.IsAmbiguous(err):
		zap.L().Warn("payout submission outcome unknown, left for recovery",
			zap.String("payout_id", claimed.ID.String()),
			zap.Error(err),
		)
		return claimed, fmt.Errorf("%w: submission outcome unknown: %v", domain.ErrTransientNetwork, err)

	default:
		attempts := claimed.AttemptCount + 1
		if attempts >= s.settings.MaxAttempts {
			reason := fmt.Sprintf("network unavailable after %d attempts: %v", attempts, err)
			return s.finishSubmitting(ctx, claimed, failWith(reason, attempts))
		}
		zap.L().Info("payout submission failed transiently",
			zap.String("payout_id", claimed.ID.String()),
			zap.Int("attempt", attempts),
			zap.Error(err),
		)
		requeued, uerr := s.finishSubmitting(ctx, claimed, func(p *models.PayoutTransaction) error {
			p.State = domain.StateSigned
			p.AttemptCount = attempts
			return nil
		})
		if uerr != nil {
			return nil, uerr
		}
		return requeued, fmt.Errorf("%w: %v", domain.ErrTransientNetwork, err)
	}
}

// ConfirmSubmittedTransaction asks the network whether a SUBMITTED payout is
// final. Pending payouts stay SUBMITTED until ConfirmMaxWait has elapsed since
// submission, after which they fail.
func (s *PayoutService) ConfirmSubmittedTransaction(ctx context.Context, id uuid.UUID) (*models.PayoutTransaction, error) {
	rec, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.State != domain.StateSubmitted {
		return nil, domain.InvalidStateError("confirm", rec.State)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.settings.CallTimeout)
	status, err := s.network.Status(callCtx, *rec.NetworkReference)
	cancel()
	if err != nil {
		return rec, fmt.Errorf("%w: status query: %v", domain.ErrTransientNetwork, err)
	}

	var mutate repository.Mutation
	switch status {
	case ledger.StatusConfirmed:
		mutate = func(p *models.PayoutTransaction) error {
			p.State = domain.StateConfirmed
			return nil
		}
	case ledger.StatusFailed:
		mutate = failWith("network reported the transaction as failed", 0)
	default:
		submittedAt := rec.UpdatedAt
		if rec.SubmittedAt != nil {
			submittedAt = *rec.SubmittedAt
		}
		if s.now().Sub(submittedAt) <= s.settings.ConfirmMaxWait {
			return rec, nil
		}
		mutate = failWith(fmt.Sprintf("confirmation timed out after %s", s.settings.ConfirmMaxWait), 0)
	}

	return s.apply(context.WithoutCancel(ctx), rec, func(cur *models.PayoutTransaction) (repository.Mutation, error) {
		if cur.State != domain.StateSubmitted {
			return nil, domain.InvalidStateError("confirm", cur.State)
		}
		return mutate, nil
	})
}

// RecoverStuckSubmission resolves a payout left in SUBMITTING by an
// interrupted submit. The network locates the signed payload: a transaction it
// knows becomes SUBMITTED under the network's reference, an unknown one goes
// back to SIGNED with the attempt counted.
func (s *PayoutService) RecoverStuckSubmission(ctx context.Context, id uuid.UUID) (*models.PayoutTransaction, error) {
	rec, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.State != domain.StateSubmitting {
		return nil, domain.InvalidStateError("recover", rec.State)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.settings.CallTimeout)
	ref, status, err := s.network.Locate(callCtx, []byte(*rec.SignedPayload))
	cancel()
	if err != nil {
		return rec, fmt.Errorf("%w: status query: %v", domain.ErrTransientNetwork, err)
	}

	var mutate repository.Mutation
	switch status {
	case ledger.StatusNotFound:
		attempts := rec.AttemptCount + 1
		if attempts >= s.settings.MaxAttempts {
			mutate = failWith(fmt.Sprintf("submission outcome unknown after %d attempts", attempts), attempts)
		} else {
			mutate = func(p *models.PayoutTransaction) error {
				p.State = domain.StateSigned
				p.AttemptCount = attempts
				return nil
			}
		}
	case ledger.StatusFailed:
		mutate = failWith("network reported the transaction as failed", 0)
	default:
		submittedAt := s.now().UTC()
		mutate = func(p *models.PayoutTransaction) error {
			p.State = domain.StateSubmitted
			p.NetworkReference = models.StringPtr(ref)
			p.SubmittedAt = &submittedAt
			return nil
		}
	}

	zap.L().Info("recovering stuck submission", zap.String("payout_id", rec.ID.String()), zap.String("network_status", string(status)))
	return s.finishSubmitting(ctx, rec, mutate)
}

// finishSubmitting moves a payout out of SUBMITTING. It runs detached from
// the caller's cancellation so a network outcome, once known, is recorded.
func (s *PayoutService) finishSubmitting(ctx context.Context, rec *models.PayoutTransaction, mutate repository.Mutation) (*models.PayoutTransaction, error) {
	return s.apply(context.WithoutCancel(ctx), rec, func(cur *models.PayoutTransaction) (repository.Mutation, error) {
		if cur.State != domain.StateSubmitting {
			return nil, domain.InvalidStateError("finish submission", cur.State)
		}
		return mutate, nil
	})
}

// apply runs plan against rec and writes the resulting mutation. On a version
// conflict the record is re-read and plan is evaluated once more; a second
// conflict is returned to the caller. A nil mutation means there is nothing
// left to do and the current record is returned.
func (s *PayoutService) apply(ctx context.Context, rec *models.PayoutTransaction, plan func(cur *models.PayoutTransaction) (repository.Mutation, error)) (*models.PayoutTransaction, error) {
	current := rec
	for attempt := 0; ; attempt++ {
		mutate, err := plan(current)
		if err != nil {
			return nil, err
		}
		if mutate == nil {
			return current, nil
		}

		writeCtx, cancel := s.storeCtx(ctx)
		updated, err := s.store.CompareAndUpdate(writeCtx, current.ID, current.Version, mutate)
		cancel()
		if err == nil {
			s.transitioned(ctx, current, updated)
			return updated, nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) || attempt > 0 {
			return nil, err
		}

		current, err = s.get(ctx, current.ID)
		if err != nil {
			return nil, err
		}
	}
}

func (s *PayoutService) get(ctx context.Context, id uuid.UUID) (*models.PayoutTransaction, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.store.GetByID(ctx, id)
}

func (s *PayoutService) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.settings.StoreTimeout)
}

func (s *PayoutService) transitioned(ctx context.Context, before, after *models.PayoutTransaction) {
	if before.State == after.State {
		return
	}
	observability.IncrementPayoutTransition(before.State.String(), after.State.String())

	fields := []zap.Field{
		zap.String("payout_id", after.ID.String()),
		zap.String("from", before.State.String()),
		zap.String("to", after.State.String()),
		zap.Int64("version", after.Version),
	}
	if after.FailureReason != nil {
		fields = append(fields, zap.String("reason", *after.FailureReason))
	}
	zap.L().Info("payout transitioned", fields...)

	if after.State.IsTerminal() {
		s.invalidate(ctx)
	}
}

func (s *PayoutService) invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	s.cache.InvalidateAggregates(context.WithoutCancel(ctx))
}

// failWith returns a mutation to FAILED. A positive attempts value is recorded
// as the final attempt count.
func failWith(reason string, attempts int) repository.Mutation {
	return func(p *models.PayoutTransaction) error {
		p.State = domain.StateFailed
		p.FailureReason = models.StringPtr(reason)
		if attempts > p.AttemptCount {
			p.AttemptCount = attempts
		}
		return nil
	}
}
