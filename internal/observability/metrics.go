package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kurir"

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	debounceMerged prometheus.Counter
	dedupDropped   prometheus.Counter

	storeDuration *prometheus.HistogramVec

	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	fallbackTotal    prometheus.Counter
	emptyRecoveries  *prometheus.CounterVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolRejectedTotal     *prometheus.CounterVec

	chainSteps    prometheus.Histogram
	outcomesTotal *prometheus.CounterVec
	tierTotal     *prometheus.CounterVec
	draftsTotal   *prometheus.CounterVec
	compactions   prometheus.Counter

	cronRuns       *prometheus.CounterVec
	inboundUpdates *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{Namespace: namespace, Name: "queue_size", Help: "Current queue size by lane."},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{Namespace: namespace, Name: "enqueue_total", Help: "Total enqueue operations by lane."},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{Namespace: namespace, Name: "dequeue_total", Help: "Total completed tasks by lane and status."},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{Namespace: namespace, Name: "task_duration_seconds", Help: "Task execution duration in seconds by lane.", Buckets: prometheus.DefBuckets},
				[]string{"lane"},
			),
			debounceMerged: prometheus.NewCounter(
				prometheus.CounterOpts{Namespace: namespace, Name: "debounce_merged_total", Help: "Messages absorbed into a later debounced submission."},
			),
			dedupDropped: prometheus.NewCounter(
				prometheus.CounterOpts{Namespace: namespace, Name: "dedup_dropped_total", Help: "Inbound updates dropped as duplicates."},
			),
			storeDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{Namespace: namespace, Name: "store_operation_duration_seconds", Help: "Conversation store operation duration by backend and operation.", Buckets: prometheus.DefBuckets},
				[]string{"backend", "op"},
			),
			providerCalls: prometheus.NewCounterVec(
				prometheus.CounterOpts{Namespace: namespace, Name: "provider_calls_total", Help: "Provider calls by provider, mode and status."},
				[]string{"provider", "mode", "status"},
			),
			providerDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{Namespace: namespace, Name: "provider_call_duration_seconds", Help: "Provider call duration in seconds.", Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}},
				[]string{"provider", "mode"},
			),
			fallbackTotal: prometheus.NewCounter(
				prometheus.CounterOpts{Namespace: namespace, Name: "provider_fallback_total", Help: "Requests served by the secondary provider after the primary failed."},
			),
			emptyRecoveries: prometheus.NewCounterVec(
				prometheus.CounterOpts{Namespace: namespace, Name: "empty_response_recoveries_total", Help: "Empty provider responses by reason and whether the retry recovered."},
				[]string{"reason", "recovered"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{Namespace: namespace, Name: "tool_execution_total", Help: "Total tool executions by tool and status."},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{Namespace: namespace, Name: "tool_execution_duration_seconds", Help: "Tool execution duration in seconds by tool.", Buckets: prometheus.DefBuckets},
				[]string{"tool"},
			),
			toolRejectedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{Namespace: namespace, Name: "tool_rejected_total", Help: "Tool calls rejected before execution by reason."},
				[]string{"reason"},
			),
			chainSteps: prometheus.NewHistogram(
				prometheus.HistogramOpts{Namespace: namespace, Name: "tool_chain_steps", Help: "Tool steps taken per orchestration.", Buckets: []float64{0, 1, 2, 3, 4, 6, 8, 12}},
			),
			outcomesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{Namespace: namespace, Name: "orchestration_outcomes_total", Help: "Orchestration outcomes by kind."},
				[]string{"kind"},
			),
			tierTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{Namespace: namespace, Name: "tier_selected_total", Help: "Model tier selections."},
				[]string{"tier"},
			),
			draftsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{Namespace: namespace, Name: "drafts_total", Help: "Streaming drafts by terminal state."},
				[]string{"state"},
			),
			compactions: prometheus.NewCounter(
				prometheus.CounterOpts{Namespace: namespace, Name: "compactions_total", Help: "Conversation auto-compactions."},
			),
			cronRuns: prometheus.NewCounterVec(
				prometheus.CounterOpts{Namespace: namespace, Name: "cron_runs_total", Help: "Scheduled job runs by job and status."},
				[]string{"job", "status"},
			),
			inboundUpdates: prometheus.NewCounterVec(
				prometheus.CounterOpts{Namespace: namespace, Name: "inbound_messages_total", Help: "Inbound messages by transport and result."},
				[]string{"transport", "result"},
			),
		}

		prometheus.MustRegister(
			m.queueSize, m.enqueueTotal, m.dequeueTotal, m.taskDuration,
			m.debounceMerged, m.dedupDropped,
			m.storeDuration,
			m.providerCalls, m.providerDuration, m.fallbackTotal, m.emptyRecoveries,
			m.toolExecutionTotal, m.toolExecutionDuration, m.toolRejectedTotal,
			m.chainSteps, m.outcomesTotal, m.tierTotal, m.draftsTotal, m.compactions,
			m.cronRuns, m.inboundUpdates,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetQueueSize(lane string, queueSize int) {
	getMetrics().queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(lane, status(success)).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

// ForgetLane drops per-lane series once a conversation lane is idle and removed.
func ForgetLane(lane string) {
	m := getMetrics()
	m.queueSize.DeleteLabelValues(lane)
	m.enqueueTotal.DeleteLabelValues(lane)
	m.taskDuration.DeleteLabelValues(lane)
	m.dequeueTotal.DeletePartialMatch(prometheus.Labels{"lane": lane})
}

func RecordDebounceMerged() {
	getMetrics().debounceMerged.Inc()
}

func RecordDedupDropped() {
	getMetrics().dedupDropped.Inc()
}

func RecordStoreOperation(backend, op string, duration time.Duration) {
	getMetrics().storeDuration.WithLabelValues(backend, op).Observe(duration.Seconds())
}

// RecordProviderCall records one provider round trip. mode is "batch" or "stream".
func RecordProviderCall(provider, mode string, duration time.Duration, success bool) {
	m := getMetrics()
	m.providerCalls.WithLabelValues(provider, mode, status(success)).Inc()
	m.providerDuration.WithLabelValues(provider, mode).Observe(duration.Seconds())
}

func RecordFallback() {
	getMetrics().fallbackTotal.Inc()
}

func RecordEmptyRecovery(reason string, recovered bool) {
	r := "false"
	if recovered {
		r = "true"
	}
	getMetrics().emptyRecoveries.WithLabelValues(reason, r).Inc()
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, status(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordToolRejected(reason string) {
	getMetrics().toolRejectedTotal.WithLabelValues(reason).Inc()
}

func RecordOutcome(kind string, steps int) {
	m := getMetrics()
	m.outcomesTotal.WithLabelValues(kind).Inc()
	m.chainSteps.Observe(float64(steps))
}

func RecordTier(tier string) {
	getMetrics().tierTotal.WithLabelValues(tier).Inc()
}

func RecordDraft(state string) {
	getMetrics().draftsTotal.WithLabelValues(state).Inc()
}

func RecordCompaction() {
	getMetrics().compactions.Inc()
}

func RecordCronRun(job, status string) {
	getMetrics().cronRuns.WithLabelValues(job, status).Inc()
}

// RecordInbound counts a message by what the pipeline did with it, e.g.
// "handled", "duplicate", "merged", "failed".
func RecordInbound(transport, result string) {
	getMetrics().inboundUpdates.WithLabelValues(transport, result).Inc()
}
