package worker

import (
	"context"
	"sync"
	"time"

	"github.com/ayo6706/arena-settlement/internal/observability"
	"github.com/ayo6706/arena-settlement/internal/service"
	"go.uber.org/zap"
)

// ReconciliationWorker periodically publishes the payout state census.
type ReconciliationWorker struct {
	svc      *service.ReconciliationService
	interval time.Duration

	mu   sync.Mutex
	last *service.Report
}

// NewReconciliationWorker constructs a worker with a default five minute interval.
func NewReconciliationWorker(svc *service.ReconciliationService) *ReconciliationWorker {
	return &ReconciliationWorker{
		svc:      svc,
		interval: 5 * time.Minute,
	}
}

// WithInterval updates the run interval.
func (w *ReconciliationWorker) WithInterval(interval time.Duration) *ReconciliationWorker {
	if interval > 0 {
		w.interval = interval
	}
	return w
}

// Start blocks and runs reconciliation at the configured interval.
func (w *ReconciliationWorker) Start(ctx context.Context) {
	zap.L().Info("reconciliation worker starting", zap.Duration("interval", w.interval))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Run once immediately at startup.
	w.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("reconciliation worker stopping")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// Run starts the worker in a goroutine and returns a stop function that
// waits for the loop to exit.
func (w *ReconciliationWorker) Run(ctx context.Context) func() {
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

// RunOnce performs one reconciliation pass and keeps its report.
func (w *ReconciliationWorker) RunOnce(ctx context.Context) *service.Report {
	report, err := w.svc.Run(ctx)
	if err != nil {
		observability.IncrementWorkerRun("reconciliation", "failed")
		if ctx.Err() == nil {
			zap.L().Error("reconciliation run failed", zap.Error(err))
		}
		return nil
	}
	observability.IncrementWorkerRun("reconciliation", "success")

	w.mu.Lock()
	w.last = report
	w.mu.Unlock()
	return report
}

// LastReport returns the most recent successful report, or nil.
func (w *ReconciliationWorker) LastReport() *service.Report {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}
