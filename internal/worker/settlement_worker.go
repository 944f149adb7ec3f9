package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ayo6706/arena-settlement/internal/domain"
	"github.com/ayo6706/arena-settlement/internal/models"
	"github.com/ayo6706/arena-settlement/internal/observability"
	"github.com/ayo6706/arena-settlement/internal/repository"
	"github.com/ayo6706/arena-settlement/internal/service"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	phaseRecover = "recover"
	phaseSubmit  = "submit"
	phaseConfirm = "confirm"
)

// ScanResult counts what one scan did, by outcome.
type ScanResult struct {
	Recovered int `json:"recovered"`
	Submitted int `json:"submitted"`
	Confirmed int `json:"confirmed"`
	Pending   int `json:"pending"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

func (r *ScanResult) add(o ScanResult) {
	r.Recovered += o.Recovered
	r.Submitted += o.Submitted
	r.Confirmed += o.Confirmed
	r.Pending += o.Pending
	r.Retried += o.Retried
	r.Failed += o.Failed
	r.Skipped += o.Skipped
	r.Errors += o.Errors
}

// Status is a point-in-time view of the worker.
type Status struct {
	Running    bool       `json:"running"`
	Scans      int64      `json:"scans"`
	LastScanAt *time.Time `json:"last_scan_at,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	Totals     ScanResult `json:"totals"`
}

// SettlementWorker drives signed payouts to a final state without a client
// present. Each scan recovers stuck submissions, submits eligible SIGNED
// payouts through a bounded pool and polls SUBMITTED payouts for finality.
// Several instances may run against one store; claims go through the
// payout version, so a record is only ever submitted once per attempt.
type SettlementWorker struct {
	payouts             *service.PayoutService
	pollInterval        time.Duration
	batchSize           int
	concurrency         int
	minDwell            time.Duration
	confirmPollInterval time.Duration
	stuckAfter          time.Duration
	backoffBase         time.Duration
	backoffMax          time.Duration
	now                 func() time.Time

	// scanMu serializes scans and guards confirmCursor.
	scanMu        sync.Mutex
	confirmCursor *repository.Cursor

	mu     sync.Mutex
	status Status
}

// NewSettlementWorker creates a worker with default tuning.
func NewSettlementWorker(payouts *service.PayoutService) *SettlementWorker {
	return &SettlementWorker{
		payouts:             payouts,
		pollInterval:        5 * time.Second,
		batchSize:           50,
		concurrency:         4,
		minDwell:            0,
		confirmPollInterval: 10 * time.Second,
		stuckAfter:          2 * time.Minute,
		backoffBase:         5 * time.Second,
		backoffMax:          5 * time.Minute,
		now:                 time.Now,
	}
}

// WithPollInterval sets the time between scans.
func (w *SettlementWorker) WithPollInterval(interval time.Duration) *SettlementWorker {
	if interval > 0 {
		w.pollInterval = interval
	}
	return w
}

// WithBatchSize caps how many records each phase of a scan picks up.
func (w *SettlementWorker) WithBatchSize(size int) *SettlementWorker {
	if size > 0 {
		w.batchSize = size
	}
	return w
}

// WithConcurrency caps the number of records processed in parallel.
func (w *SettlementWorker) WithConcurrency(n int) *SettlementWorker {
	if n > 0 {
		w.concurrency = n
	}
	return w
}

// WithMinDwell sets how long a payout must sit in SIGNED before the worker
// submits it, leaving room for a client-driven submit.
func (w *SettlementWorker) WithMinDwell(d time.Duration) *SettlementWorker {
	if d >= 0 {
		w.minDwell = d
	}
	return w
}

// WithConfirmPollInterval sets how long a SUBMITTED payout waits between status polls.
func (w *SettlementWorker) WithConfirmPollInterval(d time.Duration) *SettlementWorker {
	if d >= 0 {
		w.confirmPollInterval = d
	}
	return w
}

// WithStuckAfter sets the age at which a SUBMITTING payout is considered abandoned.
func (w *SettlementWorker) WithStuckAfter(d time.Duration) *SettlementWorker {
	if d > 0 {
		w.stuckAfter = d
	}
	return w
}

// WithBackoff sets the retry delay for payouts with failed attempts:
// min(base*2^attempts, max).
func (w *SettlementWorker) WithBackoff(base, max time.Duration) *SettlementWorker {
	if base > 0 {
		w.backoffBase = base
	}
	if max >= w.backoffBase {
		w.backoffMax = max
	}
	return w
}

// WithClock overrides the time source used for cutoffs.
func (w *SettlementWorker) WithClock(now func() time.Time) *SettlementWorker {
	w.now = now
	return w
}

// Start blocks and scans at the poll interval until ctx is canceled.
func (w *SettlementWorker) Start(ctx context.Context) {
	zap.L().Info("settlement worker starting",
		zap.Duration("poll_interval", w.pollInterval),
		zap.Int("batch_size", w.batchSize),
		zap.Int("concurrency", w.concurrency),
	)
	w.setRunning(true)
	defer w.setRunning(false)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("settlement worker stopping")
			return
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
				zap.L().Error("settlement scan failed", zap.Error(err))
			}
		}
	}
}

// Run starts the worker in a goroutine and returns a stop function. Stop
// cancels the loop and blocks until the scan in progress, including its
// network calls, has finished.
func (w *SettlementWorker) Run(ctx context.Context) func() {
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		w.Start(loopCtx)
	}()

	var once sync.Once
	return func() {
		once.Do(cancel)
		<-done
	}
}

// RunOnce performs a single scan. Scans never overlap: a call made while
// another scan is running waits for it.
func (w *SettlementWorker) RunOnce(ctx context.Context) (ScanResult, error) {
	w.scanMu.Lock()
	defer w.scanMu.Unlock()

	var (
		total ScanResult
		errs  []error
	)
	for _, phase := range []struct {
		name string
		run  func(context.Context) (ScanResult, error)
	}{
		{phaseRecover, w.recoverStuck},
		{phaseSubmit, w.submitSigned},
		{phaseConfirm, w.confirmSubmitted},
	} {
		res, err := phase.run(ctx)
		total.add(res)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", phase.name, err))
		}
	}
	err := errors.Join(errs...)

	w.recordScan(total, err)
	if err != nil {
		observability.IncrementWorkerRun("settlement", "failed")
	} else {
		observability.IncrementWorkerRun("settlement", "success")
	}
	return total, err
}

// Status returns a snapshot of the worker's counters.
func (w *SettlementWorker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.status
	if s.LastScanAt != nil {
		at := *s.LastScanAt
		s.LastScanAt = &at
	}
	return s
}

func (w *SettlementWorker) recoverStuck(ctx context.Context) (ScanResult, error) {
	due, err := w.payouts.ListDue(ctx, domain.StateSubmitting, repository.ListOptions{
		UpdatedBefore: w.now().Add(-w.stuckAfter),
		Limit:         w.batchSize,
	})
	if err != nil {
		return ScanResult{}, err
	}
	return w.process(ctx, phaseRecover, ids(due), w.payouts.RecoverStuckSubmission), nil
}

// submitSigned pages through SIGNED payouts until it has a full batch of
// records whose backoff has elapsed, so records waiting out a retry never
// crowd newer ones out of the batch.
func (w *SettlementWorker) submitSigned(ctx context.Context) (ScanResult, error) {
	now := w.now()
	opts := repository.ListOptions{UpdatedBefore: now.Add(-w.minDwell), Limit: w.batchSize}

	eligible := make([]uuid.UUID, 0, w.batchSize)
	for len(eligible) < w.batchSize {
		page, err := w.payouts.ListDue(ctx, domain.StateSigned, opts)
		if err != nil {
			return ScanResult{}, err
		}
		for _, rec := range page {
			if rec.AttemptCount > 0 && now.Sub(rec.UpdatedAt) < w.retryDelay(rec.AttemptCount) {
				continue
			}
			eligible = append(eligible, rec.ID)
			if len(eligible) == w.batchSize {
				break
			}
		}
		if len(page) < opts.Limit {
			break
		}
		opts.After = repository.CursorAt(page[len(page)-1])
	}
	return w.process(ctx, phaseSubmit, eligible, w.payouts.SubmitQueuedTransaction), nil
}

// confirmSubmitted polls one batch of SUBMITTED payouts per scan. A pending
// poll leaves the record untouched, so the worker walks the backlog with a
// cursor and wraps around at the end instead of restarting from the oldest.
func (w *SettlementWorker) confirmSubmitted(ctx context.Context) (ScanResult, error) {
	opts := repository.ListOptions{
		UpdatedBefore: w.now().Add(-w.confirmPollInterval),
		After:         w.confirmCursor,
		Limit:         w.batchSize,
	}
	due, err := w.payouts.ListDue(ctx, domain.StateSubmitted, opts)
	if err != nil {
		return ScanResult{}, err
	}

	if len(due) < w.batchSize && opts.After != nil {
		opts.After = nil
		opts.Limit = w.batchSize - len(due)
		head, err := w.payouts.ListDue(ctx, domain.StateSubmitted, opts)
		if err != nil {
			return ScanResult{}, err
		}
		seen := make(map[uuid.UUID]struct{}, len(due))
		for _, rec := range due {
			seen[rec.ID] = struct{}{}
		}
		for _, rec := range head {
			if _, dup := seen[rec.ID]; !dup {
				due = append(due, rec)
			}
		}
	}

	w.confirmCursor = nil
	if len(due) > 0 {
		w.confirmCursor = repository.CursorAt(due[len(due)-1])
	}
	return w.process(ctx, phaseConfirm, ids(due), w.payouts.ConfirmSubmittedTransaction), nil
}

// process runs op for every id through a pool of w.concurrency goroutines.
// Tasks run detached from ctx so that cancellation does not abandon a
// network call halfway; the service bounds each call with its own timeout.
func (w *SettlementWorker) process(ctx context.Context, phase string, ids []uuid.UUID, op func(context.Context, uuid.UUID) (*models.PayoutTransaction, error)) ScanResult {
	var (
		mu     sync.Mutex
		result ScanResult
		g      errgroup.Group
	)
	g.SetLimit(w.concurrency)
	taskCtx := context.WithoutCancel(ctx)

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			rec, err := op(taskCtx, id)
			outcome := classify(phase, rec, err)
			observability.IncrementSettlementTask(phase, outcome)
			if outcome == "error" {
				zap.L().Error("settlement task failed",
					zap.String("phase", phase),
					zap.String("payout_id", id.String()),
					zap.Error(err),
				)
			}

			mu.Lock()
			tally(&result, outcome)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return result
}

// retryDelay is min(base*2^attempts, max).
func (w *SettlementWorker) retryDelay(attempts int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     w.backoffBase,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         w.backoffMax,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	delay := b.NextBackOff()
	for i := 0; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func (w *SettlementWorker) recordScan(res ScanResult, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	at := w.now().UTC()
	w.status.Scans++
	w.status.LastScanAt = &at
	w.status.Totals.add(res)
	w.status.LastError = ""
	if err != nil {
		w.status.LastError = err.Error()
	}
}

func (w *SettlementWorker) setRunning(running bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status.Running = running
}

// String returns a string representation of the worker.
func (w *SettlementWorker) String() string {
	return fmt.Sprintf("SettlementWorker(interval=%v, batch=%d, concurrency=%d)", w.pollInterval, w.batchSize, w.concurrency)
}

func classify(phase string, rec *models.PayoutTransaction, err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrVersionConflict), errors.Is(err, domain.ErrNotFound):
		// another actor moved the record first
		return "skipped"
	case errors.Is(err, domain.ErrTransientNetwork):
		return "retried"
	case err != nil || rec == nil:
		return "error"
	}

	switch rec.State {
	case domain.StateConfirmed:
		return "confirmed"
	case domain.StateFailed:
		return "failed"
	case domain.StateSigned:
		return "retried"
	case domain.StateSubmitted:
		switch phase {
		case phaseRecover:
			return "recovered"
		case phaseConfirm:
			return "pending"
		}
		return "submitted"
	}
	return "skipped"
}

func tally(r *ScanResult, outcome string) {
	switch outcome {
	case "recovered":
		r.Recovered++
	case "submitted":
		r.Submitted++
	case "confirmed":
		r.Confirmed++
	case "pending":
		r.Pending++
	case "retried":
		r.Retried++
	case "failed":
		r.Failed++
	case "skipped":
		r.Skipped++
	default:
		r.Errors++
	}
}

func ids(recs []*models.PayoutTransaction) []uuid.UUID {
	out := make([]uuid.UUID, len(recs))
	for i, rec := range recs {
		out[i] = rec.ID
	}
	return out
}
