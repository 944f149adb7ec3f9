package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ayo6706/arena-settlement/internal/domain"
	"github.com/ayo6706/arena-settlement/internal/ledger"
	"github.com/ayo6706/arena-settlement/internal/models"
	"github.com/ayo6706/arena-settlement/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettlementWorkerSubmitsAndConfirms(t *testing.T) {
	h := newHarness(t, time.Second)
	w := h.worker()
	ctx := context.Background()
	rec := h.signed(t, "25")

	res, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, ScanResult{Submitted: 1}, res)

	rec = h.get(t, rec)
	require.Equal(t, domain.StateSubmitted, rec.State)
	require.NotNil(t, rec.NetworkReference)

	res, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, ScanResult{}, res, "not yet due for a status poll")

	h.network.setStatus(*rec.NetworkReference, ledger.StatusConfirmed)
	h.clock.Advance(11 * time.Second)
	res, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, ScanResult{Confirmed: 1}, res)
	assert.Equal(t, domain.StateConfirmed, h.get(t, rec).State)

	status := w.Status()
	assert.Equal(t, int64(3), status.Scans)
	assert.Equal(t, 1, status.Totals.Submitted)
	assert.Equal(t, 1, status.Totals.Confirmed)
	require.NotNil(t, status.LastScanAt)
	assert.True(t, status.LastScanAt.Equal(h.clock.Now()))
	assert.Empty(t, status.LastError)
}

func TestSettlementWorkerHonorsMinDwell(t *testing.T) {
	h := newHarness(t, time.Second)
	w := h.worker().WithMinDwell(30 * time.Second)
	rec := h.signed(t, "1")

	res, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Submitted)
	assert.Equal(t, domain.StateSigned, h.get(t, rec).State)

	h.clock.Advance(31 * time.Second)
	res, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Submitted)
}

func TestSettlementWorkerBacksOffAfterTransientFailure(t *testing.T) {
	h := newHarness(t, time.Second)
	h.network.errs = []error{fmt.Errorf("%w: 503", ledger.ErrTransient)}
	w := h.worker()
	ctx := context.Background()
	rec := h.signed(t, "3")

	res, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, ScanResult{Retried: 1}, res)
	got := h.get(t, rec)
	assert.Equal(t, domain.StateSigned, got.State)
	assert.Equal(t, 1, got.AttemptCount)

	_, err = w.RunOnce(ctx)
	require.NoError(t, err)
	h.clock.Advance(time.Second)
	_, err = w.RunOnce(ctx)
	require.NoError(t, err)
	submits, _ := h.network.counts()
	assert.Equal(t, 1, submits, "retry must wait for base*2^1")

	h.clock.Advance(time.Second)
	res, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Submitted)
	assert.Equal(t, domain.StateSubmitted, h.get(t, rec).State)
}

func TestSettlementWorkerBackoffDoesNotStarveNewerRecords(t *testing.T) {
	h := newHarness(t, time.Second)
	h.network.errs = []error{
		fmt.Errorf("%w: 503", ledger.ErrTransient),
		fmt.Errorf("%w: 503", ledger.ErrTransient),
	}
	w := h.worker().WithBatchSize(2)
	ctx := context.Background()
	first := h.signed(t, "1")
	second := h.signed(t, "2")

	res, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, ScanResult{Retried: 2}, res)

	h.clock.Advance(100 * time.Millisecond)
	fresh := h.signed(t, "3")

	res, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, ScanResult{Submitted: 1}, res)
	assert.Equal(t, domain.StateSubmitted, h.get(t, fresh).State)
	assert.Equal(t, domain.StateSigned, h.get(t, first).State)
	assert.Equal(t, domain.StateSigned, h.get(t, second).State)
}

func TestSettlementWorkerConfirmWalksBacklog(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()

	var recs []*models.PayoutTransaction
	for i := 0; i < 3; i++ {
		rec := h.signed(t, fmt.Sprintf("%d", i+1))
		h.clock.Advance(time.Second)
		rec, err := h.payouts.SubmitQueuedTransaction(ctx, rec.ID)
		require.NoError(t, err)
		require.Equal(t, domain.StateSubmitted, rec.State)
		recs = append(recs, rec)
	}
	newest := recs[2]
	h.network.setStatus(*newest.NetworkReference, ledger.StatusConfirmed)
	h.clock.Advance(11 * time.Second)

	w := h.worker().WithBatchSize(1)
	for _, want := range []ScanResult{{Pending: 1}, {Pending: 1}, {Confirmed: 1}} {
		res, err := w.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, res)
	}
	assert.Equal(t, domain.StateConfirmed, h.get(t, newest).State)

	// the cursor wraps back to the oldest pending payout
	res, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, ScanResult{Pending: 1}, res)
}

func TestSettlementWorkerStopReturnsWhenStoreHangs(t *testing.T) {
	h := newHarness(t, time.Second)
	rec := h.signed(t, "5")

	store := newHangingStore(h.store)
	payouts := service.NewPayoutService(store, h.network, nil, service.Settings{
		NetworkName:    "testnet",
		MaxAttempts:    3,
		CallTimeout:    time.Second,
		ConfirmMaxWait: time.Hour,
		StoreTimeout:   50 * time.Millisecond,
	}).WithClock(h.clock.Now)
	w := NewSettlementWorker(payouts).
		WithClock(h.clock.Now).
		WithMinDwell(0).
		WithPollInterval(10 * time.Millisecond)

	stop := w.Run(context.Background())
	select {
	case <-store.hung:
	case <-time.After(time.Second):
		t.Fatal("worker never reached the store")
	}

	stopped := make(chan struct{})
	go func() {
		stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("stop blocked on a hung store call")
	}

	submits, _ := h.network.counts()
	assert.Zero(t, submits)
	assert.Equal(t, domain.StateSigned, h.get(t, rec).State)
	assert.NotZero(t, w.Status().Totals.Errors)
}

func TestSettlementWorkerRecoversStuckSubmission(t *testing.T) {
	cases := []struct {
		name      string
		known     bool
		wantState domain.State
		want      ScanResult
	}{
		{name: "unknown_to_network", known: false, wantState: domain.StateSigned, want: ScanResult{Retried: 1}},
		{name: "known_to_network", known: true, wantState: domain.StateSubmitted, want: ScanResult{Recovered: 1}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, 20*time.Millisecond)
			w := h.worker()
			ctx := context.Background()
			rec := h.signed(t, "9")

			h.network.setGate(make(chan struct{}))
			rec, err := h.payouts.SubmitQueuedTransaction(ctx, rec.ID)
			require.ErrorIs(t, err, domain.ErrTransientNetwork)
			require.Equal(t, domain.StateSubmitting, rec.State)
			h.network.setGate(nil)
			if tc.known {
				h.network.setStatus(ledger.Reference([]byte(*rec.SignedPayload)), ledger.StatusPending)
			}

			res, err := w.RunOnce(ctx)
			require.NoError(t, err)
			assert.Equal(t, ScanResult{}, res, "claim is not stale yet")

			h.clock.Advance(2 * time.Minute)
			res, err = w.RunOnce(ctx)
			require.NoError(t, err)
			assert.Equal(t, tc.want, res)
			assert.Equal(t, tc.wantState, h.get(t, rec).State)
		})
	}
}

func TestSettlementWorkerBoundsConcurrency(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	w := h.worker().WithConcurrency(3)
	var recs []*models.PayoutTransaction
	for i := 0; i < 12; i++ {
		recs = append(recs, h.signed(t, fmt.Sprintf("%d", i+1)))
	}

	gate := make(chan struct{})
	h.network.setGate(gate)

	done := make(chan ScanResult, 1)
	go func() {
		res, err := w.RunOnce(context.Background())
		assert.NoError(t, err)
		done <- res
	}()

	require.Eventually(t, func() bool {
		submits, _ := h.network.counts()
		return submits == 3
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(gate)

	res := <-done
	assert.Equal(t, 12, res.Submitted)
	submits, peak := h.network.counts()
	assert.Equal(t, 12, submits)
	assert.LessOrEqual(t, peak, 3)
	for _, rec := range recs {
		assert.Equal(t, domain.StateSubmitted, h.get(t, rec).State)
	}
}

func TestSettlementWorkerStopWaitsForInFlightSubmission(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	rec := h.signed(t, "4")
	gate := make(chan struct{})
	h.network.setGate(gate)

	w := h.worker().WithPollInterval(10 * time.Millisecond)
	stop := w.Run(context.Background())

	require.Eventually(t, func() bool {
		submits, _ := h.network.counts()
		return submits == 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, w.Status().Running)

	stopped := make(chan struct{})
	go func() {
		stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("stop returned while a submission was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return")
	}

	assert.Equal(t, domain.StateSubmitted, h.get(t, rec).State)
	assert.False(t, w.Status().Running)
	stop()
}

func TestSettlementWorkerConcurrentScansSubmitOnce(t *testing.T) {
	h := newHarness(t, time.Second)
	rec := h.signed(t, "8")
	a := h.worker()
	b := h.worker()

	var wg sync.WaitGroup
	for _, w := range []*SettlementWorker{a, b} {
		wg.Add(1)
		go func(w *SettlementWorker) {
			defer wg.Done()
			_, err := w.RunOnce(context.Background())
			assert.NoError(t, err)
		}(w)
	}
	wg.Wait()

	submits, _ := h.network.counts()
	assert.Equal(t, 1, submits)
	assert.Equal(t, domain.StateSubmitted, h.get(t, rec).State)
}

func TestSettlementWorkerReportsListErrors(t *testing.T) {
	h := newHarness(t, time.Second)
	w := h.worker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := w.RunOnce(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.NotEmpty(t, w.Status().LastError)
}

func TestRetryDelay(t *testing.T) {
	w := NewSettlementWorker(nil).WithBackoff(time.Second, 10*time.Second)
	cases := map[int]time.Duration{
		1:  2 * time.Second,
		2:  4 * time.Second,
		3:  8 * time.Second,
		4:  10 * time.Second,
		12: 10 * time.Second,
	}
	for attempts, want := range cases {
		assert.Equal(t, want, w.retryDelay(attempts), "attempts=%d", attempts)
	}
}

func TestClassify(t *testing.T) {
	submitted := &models.PayoutTransaction{State: domain.StateSubmitted}
	assert.Equal(t, "skipped", classify(phaseSubmit, nil, domain.InvalidStateError("submit", domain.StateSubmitting)))
	assert.Equal(t, "skipped", classify(phaseConfirm, nil, domain.ErrVersionConflict))
	assert.Equal(t, "retried", classify(phaseSubmit, nil, domain.ErrTransientNetwork))
	assert.Equal(t, "error", classify(phaseSubmit, nil, errors.New("boom")))
	assert.Equal(t, "submitted", classify(phaseSubmit, submitted, nil))
	assert.Equal(t, "recovered", classify(phaseRecover, submitted, nil))
	assert.Equal(t, "pending", classify(phaseConfirm, submitted, nil))
	assert.Equal(t, "failed", classify(phaseSubmit, &models.PayoutTransaction{State: domain.StateFailed}, nil))
}
