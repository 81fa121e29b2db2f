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
	ledgerImbalanceCounter  *prometheus.CounterVec
	idempotencyCounter      *prometheus.CounterVec
	creditIngestCounter     *prometheus.CounterVec
	balanceMutationCounter  *prometheus.CounterVec
	consistencyFailures     *prometheus.CounterVec
	storageRetryCounter     *prometheus.CounterVec
	eventSourceStateGauge   *prometheus.GaugeVec
	eventSourceReconnects   prometheus.Counter
	eventSourceFrameCounter *prometheus.CounterVec
	workerRunCounter        *prometheus.CounterVec
)

// EventSource connection states exported on wallet_eventsource_state.
var eventSourceStates = []string{"disconnected", "connecting", "authenticating", "authenticated", "subscribed", "closing"}

// Init registers all Prometheus collectors.
func Init() {
	registerOnce.Do(func() {
		httpDurationHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"})

		ledgerImbalanceCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_ledger_imbalance_total",
			Help: "Reconciliation runs that found balances diverging from minted supply",
		}, []string{"kind"})

		idempotencyCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idempotency_events_total",
			Help: "Idempotency middleware outcomes",
		}, []string{"outcome"})

		creditIngestCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_credit_events_total",
			Help: "External credit events by ingestion result",
		}, []string{"result"})

		balanceMutationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_balance_mutations_total",
			Help: "Credits and transfers by outcome",
		}, []string{"operation", "result"})

		consistencyFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_consistency_failures_total",
			Help: "Balance mutations whose outcome could not be confirmed",
		}, []string{"operation"})

		storageRetryCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_storage_retries_total",
			Help: "Retries of transient storage failures",
		}, []string{"operation"})

		eventSourceStateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wallet_eventsource_state",
			Help: "1 for the current event source session state",
		}, []string{"state"})

		eventSourceReconnects = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wallet_eventsource_reconnects_total",
			Help: "Event source reconnect attempts",
		})

		eventSourceFrameCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_eventsource_frames_total",
			Help: "Inbound event source frames by kind",
		}, []string{"kind"})

		workerRunCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_runs_total",
			Help: "Background worker run outcomes",
		}, []string{"worker", "result"})

		prometheus.MustRegister(
			httpDurationHistogram,
			ledgerImbalanceCounter,
			idempotencyCounter,
			creditIngestCounter,
			balanceMutationCounter,
			consistencyFailures,
			storageRetryCounter,
			eventSourceStateGauge,
			eventSourceReconnects,
			eventSourceFrameCounter,
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

func IncrementLedgerImbalance(kind string) {
	if ledgerImbalanceCounter == nil {
		return
	}
	ledgerImbalanceCounter.WithLabelValues(kind).Inc()
}

func IncrementIdempotencyEvent(outcome string) {
	if idempotencyCounter == nil {
		return
	}
	idempotencyCounter.WithLabelValues(outcome).Inc()
}

func IncrementCreditEvent(result string) {
	if creditIngestCounter == nil {
		return
	}
	creditIngestCounter.WithLabelValues(result).Inc()
}

func IncrementBalanceMutation(operation, result string) {
	if balanceMutationCounter == nil {
		return
	}
	balanceMutationCounter.WithLabelValues(operation, result).Inc()
}

func IncrementConsistencyFailure(operation string) {
	if consistencyFailures == nil {
		return
	}
	consistencyFailures.WithLabelValues(operation).Inc()
}

func IncrementStorageRetry(operation string) {
	if storageRetryCounter == nil {
		return
	}
	storageRetryCounter.WithLabelValues(operation).Inc()
}

// SetEventSourceState flips the state gauge so exactly one state reads 1.
func SetEventSourceState(state string) {
	if eventSourceStateGauge == nil {
		return
	}
	for _, s := range eventSourceStates {
		v := 0.0
		if s == state {
			v = 1
		}
		eventSourceStateGauge.WithLabelValues(s).Set(v)
	}
}

func IncrementEventSourceReconnect() {
	if eventSourceReconnects == nil {
		return
	}
	eventSourceReconnects.Inc()
}

func IncrementEventSourceFrame(kind string) {
	if eventSourceFrameCounter == nil {
		return
	}
	eventSourceFrameCounter.WithLabelValues(kind).Inc()
}

func IncrementWorkerRun(worker, result string) {
	if workerRunCounter == nil {
		return
	}
	workerRunCounter.WithLabelValues(worker, result).Inc()
}
