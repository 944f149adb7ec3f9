package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce            sync.Once
	httpDurationHistogram   *prometheus.HistogramVec
	payoutTransitionCounter *prometheus.CounterVec
	networkCallHistogram    *prometheus.HistogramVec
	settlementTaskCounter   *prometheus.CounterVec
	cacheEventCounter       *prometheus.CounterVec
	payoutStateGauge        *prometheus.GaugeVec
	workerRunCounter        *prometheus.CounterVec
)

// Init registers all Prometheus collectors.
func Init() {
	registerOnce.Do(func() {
		httpDurationHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"})

		payoutTransitionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payout_transitions_total",
			Help: "Payout state transitions applied",
		}, []string{"from", "to"})

		networkCallHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_network_call_duration_seconds",
			Help:    "Settlement network call latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"operation", "outcome"})

		settlementTaskCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_tasks_total",
			Help: "Settlement worker per-record outcomes",
		}, []string{"phase", "outcome"})

		cacheEventCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "response_cache_events_total",
			Help: "Response cache lookups and invalidations",
		}, []string{"event"})

		payoutStateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "payout_transactions",
			Help: "Payout records per lifecycle state at the last reconciliation",
		}, []string{"state"})

		workerRunCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_runs_total",
			Help: "Background worker run outcomes",
		}, []string{"worker", "result"})

		prometheus.MustRegister(
			httpDurationHistogram,
			payoutTransitionCounter,
			networkCallHistogram,
			settlementTaskCounter,
			cacheEventCounter,
			payoutStateGauge,
			workerRunCounter,
		)
	})
}

func ObserveHTTP(method, path string, status int, duration time.Duration) {
	if httpDurationHistogram == nil {
		return
	}
	httpDurationHistogram.WithLabelValues(method, path, strconv.Itoa(status)).Observe(duration.Seconds())
}

func IncrementPayoutTransition(from, to string) {
	if payoutTransitionCounter == nil {
		return
	}
	payoutTransitionCounter.WithLabelValues(from, to).Inc()
}

func ObserveNetworkCall(operation, outcome string, duration time.Duration) {
	if networkCallHistogram == nil {
		return
	}
	networkCallHistogram.WithLabelValues(operation, outcome).Observe(duration.Seconds())
}

func IncrementSettlementTask(phase, outcome string) {
	if settlementTaskCounter == nil {
		return
	}
	settlementTaskCounter.WithLabelValues(phase, outcome).Inc()
}

func IncrementCacheEvent(event string) {
	if cacheEventCounter == nil {
		return
	}
	cacheEventCounter.WithLabelValues(event).Inc()
}

func SetPayoutStateCount(state string, count int64) {
	if payoutStateGauge == nil {
		return
	}
	payoutStateGauge.WithLabelValues(state).Set(float64(count))
}

func IncrementWorkerRun(worker, result string) {
	if workerRunCounter == nil {
		return
	}
	workerRunCounter.WithLabelValues(worker, result).Inc()
}
