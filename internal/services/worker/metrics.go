package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the worker's counters on /metrics.
type Metrics struct {
	EventsIngested  prometheus.Counter
	EventsShed      prometheus.Counter
	Evaluations     prometheus.Counter
	EvaluationSkips prometheus.Counter
	Matches         prometheus.Counter
	Accepted        prometheus.Counter
	Suppressed      *prometheus.CounterVec
	Dispatches      *prometheus.CounterVec
	Compensations   prometheus.Counter
	LedgerErrors    prometheus.Counter
	QueueDepth      prometheus.GaugeFunc
}

func NewMetrics(reg prometheus.Registerer, queueDepth func() float64) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsIngested: f.NewCounter(prometheus.CounterOpts{
			Name: "ruleworker_events_ingested_total",
			Help: "Sensor events accepted into the ingestion queue.",
		}),
		EventsShed: f.NewCounter(prometheus.CounterOpts{
			Name: "ruleworker_events_shed_total",
			Help: "Sensor events dropped by the shedding policy.",
		}),
		Evaluations: f.NewCounter(prometheus.CounterOpts{
			Name: "ruleworker_evaluations_total",
			Help: "Evaluator invocations (events and ticks).",
		}),
		EvaluationSkips: f.NewCounter(prometheus.CounterOpts{
			Name: "ruleworker_evaluation_skips_total",
			Help: "Rules skipped for one input (e.g. missing history).",
		}),
		Matches: f.NewCounter(prometheus.CounterOpts{
			Name: "ruleworker_matches_total",
			Help: "Candidate triggers produced by the evaluator.",
		}),
		Accepted: f.NewCounter(prometheus.CounterOpts{
			Name: "ruleworker_triggers_accepted_total",
			Help: "Triggers accepted by the cooldown ledger.",
		}),
		Suppressed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ruleworker_triggers_suppressed_total",
			Help: "Triggers suppressed by the cooldown ledger.",
		}, []string{"reason"}),
		Dispatches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ruleworker_dispatches_total",
			Help: "Execution record outcomes.",
		}, []string{"outcome"}),
		Compensations: f.NewCounter(prometheus.CounterOpts{
			Name: "ruleworker_compensations_registered_total",
			Help: "Deferred compensating actions registered.",
		}),
		LedgerErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "ruleworker_ledger_errors_total",
			Help: "Ledger calls that failed; dispatch decisions pause.",
		}),
		QueueDepth: f.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "ruleworker_ingest_queue_depth",
			Help: "Current depth of the bounded ingestion queue.",
		}, queueDepth),
	}
}
