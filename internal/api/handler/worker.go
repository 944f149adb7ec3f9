package handler

import (
	"net/http"

	"github.com/ayo6706/arena-settlement/internal/api/middleware"
	"github.com/ayo6706/arena-settlement/internal/service"
	"github.com/ayo6706/arena-settlement/internal/worker"
	"go.uber.org/zap"
)

// WorkerHandler exposes operator controls for the background workers.
type WorkerHandler struct {
	settlement *worker.SettlementWorker
	reconciler *worker.ReconciliationWorker
}

// NewWorkerHandler builds the handler. reconciler may be nil.
func NewWorkerHandler(settlement *worker.SettlementWorker, reconciler *worker.ReconciliationWorker) *WorkerHandler {
	return &WorkerHandler{settlement: settlement, reconciler: reconciler}
}

type workerStatusResponse struct {
	Settlement     worker.Status   `json:"settlement"`
	Reconciliation *service.Report `json:"reconciliation,omitempty"`
}

// Status handles GET /worker/status.
func (h *WorkerHandler) Status(w http.ResponseWriter, r *http.Request) {
	resp := workerStatusResponse{Settlement: h.settlement.Status()}
	if h.reconciler != nil {
		resp.Reconciliation = h.reconciler.LastReport()
	}
	RespondJSON(w, http.StatusOK, resp)
}

// Run handles POST /worker/run: one settlement scan, synchronously.
func (h *WorkerHandler) Run(w http.ResponseWriter, r *http.Request) {
	zap.L().Info("manual settlement scan requested", zap.String("subject", middleware.SubjectFromContext(r.Context())))
	res, err := h.settlement.RunOnce(r.Context())
	if err != nil {
		zap.L().Error("manual settlement scan failed", zap.Error(err))
		RespondError(w, r, http.StatusInternalServerError, "worker/scan-failed", "settlement scan failed")
		return
	}
	RespondJSON(w, http.StatusOK, res)
}
