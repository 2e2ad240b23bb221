package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	flowRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowmark_flow_runs_total",
			Help: "Total flow runs reaching a terminal state, by state type",
		},
		[]string{"state"},
	)

	taskRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowmark_task_runs_total",
			Help: "Total task runs reaching a terminal state, by state type",
		},
		[]string{"state"},
	)

	runRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowmark_run_retries_total",
			Help: "Total retry cycles scheduled, by run kind (flow or task)",
		},
		[]string{"kind"},
	)

	logBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowmark_log_batches_total",
			Help: "Total log batch sends by result (sent or failed)",
		},
		[]string{"result"},
	)

	logRecordsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowmark_log_records_dropped_total",
			Help: "Total log records rejected at enqueue time",
		},
	)
)

// RecordFlowRun increments the terminal flow run counter.
// state should be the terminal state type name (e.g., "COMPLETED", "FAILED").
func RecordFlowRun(state string) {
	flowRuns.WithLabelValues(state).Inc()
}

// RecordTaskRun increments the terminal task run counter.
func RecordTaskRun(state string) {
	taskRuns.WithLabelValues(state).Inc()
}

// RecordRetry increments the retry cycle counter.
// kind should be "flow" or "task".
func RecordRetry(kind string) {
	runRetries.WithLabelValues(kind).Inc()
}

// RecordLogBatch increments the log batch counter.
// result should be "sent" or "failed".
func RecordLogBatch(result string) {
	logBatches.WithLabelValues(result).Inc()
}

// RecordLogRecordDropped increments the dropped log record counter.
func RecordLogRecordDropped() {
	logRecordsDropped.Inc()
}
