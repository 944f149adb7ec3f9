package worker

import (
	"context"
	"crypto/ecdsa"
	"sync"
	"testing"
	"time"

	"github.com/ayo6706/arena-settlement/internal/domain"
	"github.com/ayo6706/arena-settlement/internal/ledger"
	"github.com/ayo6706/arena-settlement/internal/models"
	"github.com/ayo6706/arena-settlement/internal/repository"
	"github.com/ayo6706/arena-settlement/internal/service"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type stubNetwork struct {
	mu       sync.Mutex
	errs     []error
	gate     chan struct{}
	submits  int
	inFlight int
	peak     int
	statuses map[string]ledger.Status
}

func newStubNetwork() *stubNetwork {
	return &stubNetwork{statuses: make(map[string]ledger.Status)}
}

func (n *stubNetwork) Submit(ctx context.Context, signedPayload []byte) (string, error) {
	n.mu.Lock()
	n.submits++
	n.inFlight++
	if n.inFlight > n.peak {
		n.peak = n.inFlight
	}
	var err error
	if len(n.errs) > 0 {
		err, n.errs = n.errs[0], n.errs[1:]
	}
	gate := n.gate
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		n.inFlight--
		n.mu.Unlock()
	}()

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
	return ledger.Reference(signedPayload), nil
}

func (n *stubNetwork) Status(ctx context.Context, reference string) (ledger.Status, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if status, ok := n.statuses[reference]; ok {
		return status, nil
	}
	return ledger.StatusNotFound, nil
}

func (n *stubNetwork) Locate(ctx context.Context, signedPayload []byte) (string, ledger.Status, error) {
	ref := ledger.Reference(signedPayload)
	status, err := n.Status(ctx, ref)
	if err != nil || status == ledger.StatusNotFound {
		return "", status, err
	}
	return ref, status, nil
}

func (n *stubNetwork) setStatus(ref string, status ledger.Status) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses[ref] = status
}

func (n *stubNetwork) setGate(gate chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.gate = gate
}

func (n *stubNetwork) counts() (submits, peak int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.submits, n.peak
}

// hangingStore never answers GetByID before the caller's context ends.
type hangingStore struct {
	*repository.MemoryStore
	once sync.Once
	hung chan struct{}
}

func newHangingStore(store *repository.MemoryStore) *hangingStore {
	return &hangingStore{MemoryStore: store, hung: make(chan struct{})}
}

func (s *hangingStore) GetByID(ctx context.Context, id uuid.UUID) (*models.PayoutTransaction, error) {
	s.once.Do(func() { close(s.hung) })
	<-ctx.Done()
	return nil, ctx.Err()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	payouts *service.PayoutService
	store   *repository.MemoryStore
	network *stubNetwork
	clock   *fakeClock
	key     *ecdsa.PrivateKey
	payee   string
}

func newHarness(t *testing.T, callTimeout time.Duration) *harness {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	clock := &fakeClock{now: time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)}
	store := repository.NewMemoryStore().WithClock(clock.Now)
	network := newStubNetwork()
	payouts := service.NewPayoutService(store, network, nil, service.Settings{
		NetworkName:    "testnet",
		MaxAttempts:    3,
		CallTimeout:    callTimeout,
		ConfirmMaxWait: time.Hour,
	}).WithClock(clock.Now)

	return &harness{
		payouts: payouts,
		store:   store,
		network: network,
		clock:   clock,
		key:     key,
		payee:   crypto.PubkeyToAddress(key.PublicKey).Hex(),
	}
}

func (h *harness) worker() *SettlementWorker {
	return NewSettlementWorker(h.payouts).
		WithClock(h.clock.Now).
		WithMinDwell(0).
		WithConfirmPollInterval(10 * time.Second).
		WithStuckAfter(time.Minute).
		WithBackoff(time.Second, 10*time.Second)
}

// signed creates a payout and attaches a valid signature.
func (h *harness) signed(t *testing.T, amount string) *models.PayoutTransaction {
	t.Helper()
	ctx := context.Background()
	rec, _, err := h.payouts.CreatePayoutTransaction(ctx, service.CreatePayoutRequest{
		Payee:  h.payee,
		Amount: decimal.RequireFromString(amount),
		Asset:  "USDC",
	})
	require.NoError(t, err)

	env, err := domain.DecodeEnvelope([]byte(rec.UnsignedPayload))
	require.NoError(t, err)
	payload, err := domain.SignEnvelope(env, h.key)
	require.NoError(t, err)

	rec, err = h.payouts.QueueSignedTransaction(ctx, rec.ID, string(payload))
	require.NoError(t, err)
	return rec
}

func (h *harness) get(t *testing.T, rec *models.PayoutTransaction) *models.PayoutTransaction {
	t.Helper()
	got, err := h.payouts.GetPayout(context.Background(), rec.ID)
	require.NoError(t, err)
	return got
}
