package service

import (
	"context"
	"crypto/ecdsa"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ayo6706/arena-settlement/internal/domain"
	"github.com/ayo6706/arena-settlement/internal/ledger"
	"github.com/ayo6706/arena-settlement/internal/models"
	"github.com/ayo6706/arena-settlement/internal/repository"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// fakeNetwork replays scripted submit outcomes and reports statuses by reference.
type fakeNetwork struct {
	mu         sync.Mutex
	submitErrs []error
	onSubmit   func() error
	ref        string
	gate       chan struct{}
	submits    int
	statuses   map[string]ledger.Status
	statusErr  error
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{statuses: make(map[string]ledger.Status)}
}

func (f *fakeNetwork) Submit(ctx context.Context, signedPayload []byte) (string, error) {
	f.mu.Lock()
	f.submits++
	var err error
	if len(f.submitErrs) > 0 {
		err, f.submitErrs = f.submitErrs[0], f.submitErrs[1:]
	} else if f.onSubmit != nil {
		err = f.onSubmit()
	}
	gate := f.gate
	ref := f.ref
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	if ref == "" {
		ref = ledger.Reference(signedPayload)
	}
	return ref, nil
}

func (f *fakeNetwork) Status(ctx context.Context, reference string) (ledger.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return "", f.statusErr
	}
	status, ok := f.statuses[reference]
	if !ok {
		return ledger.StatusNotFound, nil
	}
	return status, nil
}

func (f *fakeNetwork) Locate(ctx context.Context, signedPayload []byte) (string, ledger.Status, error) {
	f.mu.Lock()
	ref := f.ref
	f.mu.Unlock()
	if ref == "" {
		ref = ledger.Reference(signedPayload)
	}
	status, err := f.Status(ctx, ref)
	if err != nil || status == ledger.StatusNotFound {
		return "", status, err
	}
	return ref, status, nil
}

func (f *fakeNetwork) setStatus(ref string, status ledger.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[ref] = status
}

func (f *fakeNetwork) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

type spyCache struct {
	calls atomic.Int32
}

func (c *spyCache) InvalidateAggregates(ctx context.Context) {
	c.calls.Add(1)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// conflictingStore forces a version conflict on the next n updates.
type conflictingStore struct {
	*repository.MemoryStore
	conflicts atomic.Int32
}

func (s *conflictingStore) CompareAndUpdate(ctx context.Context, id uuid.UUID, expectedVersion int64, mutate repository.Mutation) (*models.PayoutTransaction, error) {
	if s.conflicts.Add(-1) >= 0 {
		return nil, domain.ErrVersionConflict
	}
	return s.MemoryStore.CompareAndUpdate(ctx, id, expectedVersion, mutate)
}

// blockingStore hangs GetByID until the caller's context ends while blocked is set.
type blockingStore struct {
	*repository.MemoryStore
	blocked atomic.Bool
	waiting chan struct{}
}

func newBlockingStore(store *repository.MemoryStore) *blockingStore {
	return &blockingStore{MemoryStore: store, waiting: make(chan struct{}, 16)}
}

func (s *blockingStore) GetByID(ctx context.Context, id uuid.UUID) (*models.PayoutTransaction, error) {
	if !s.blocked.Load() {
		return s.MemoryStore.GetByID(ctx, id)
	}
	select {
	case s.waiting <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

type fixture struct {
	svc     *PayoutService
	store   *repository.MemoryStore
	network *fakeNetwork
	cache   *spyCache
	clock   *testClock
	key     *ecdsa.PrivateKey
	payee   string
}

func testSettings() Settings {
	return Settings{
		NetworkName:    "testnet",
		MaxAttempts:    3,
		CallTimeout:    time.Second,
		ConfirmMaxWait: 10 * time.Minute,
	}
}

func newFixture(t *testing.T, settings Settings) *fixture {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	clock := newTestClock()
	store := repository.NewMemoryStore().WithClock(clock.Now)
	network := newFakeNetwork()
	cache := &spyCache{}
	svc := NewPayoutService(store, network, cache, settings).WithClock(clock.Now)

	return &fixture{
		svc:     svc,
		store:   store,
		network: network,
		cache:   cache,
		clock:   clock,
		key:     key,
		payee:   crypto.PubkeyToAddress(key.PublicKey).Hex(),
	}
}

func (f *fixture) create(t *testing.T, amount string) *models.PayoutTransaction {
	t.Helper()
	rec, replayed, err := f.svc.CreatePayoutTransaction(context.Background(), CreatePayoutRequest{
		Payee:  f.payee,
		Amount: decimal.RequireFromString(amount),
		Asset:  "USDC",
	})
	require.NoError(t, err)
	require.False(t, replayed)
	return rec
}

func (f *fixture) signedPayload(t *testing.T, rec *models.PayoutTransaction) string {
	t.Helper()
	env, err := domain.DecodeEnvelope([]byte(rec.UnsignedPayload))
	require.NoError(t, err)
	signed, err := domain.SignEnvelope(env, f.key)
	require.NoError(t, err)
	return string(signed)
}

func (f *fixture) sign(t *testing.T, rec *models.PayoutTransaction) *models.PayoutTransaction {
	t.Helper()
	signed, err := f.svc.QueueSignedTransaction(context.Background(), rec.ID, f.signedPayload(t, rec))
	require.NoError(t, err)
	return signed
}

func requireValidTrail(t *testing.T, store TransactionStore, id uuid.UUID) {
	t.Helper()
	trail, err := store.ListTransitions(context.Background(), id)
	require.NoError(t, err)
	require.NotEmpty(t, trail)
	require.Equal(t, domain.StateCreated, trail[0].ToState)
	for _, step := range trail[1:] {
		require.True(t, domain.CanTransition(step.FromState, step.ToState), "%s -> %s", step.FromState, step.ToState)
	}
}
