package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics of the agent.
type Metrics struct {
	// --- Scheduler ---
	CyclesTotal     prometheus.Counter
	CycleDuration   prometheus.Histogram
	EngineRunning   prometheus.Gauge
	ExecutionsTotal *prometheus.CounterVec
	LimitRejections *prometheus.CounterVec

	// --- Ledger ---
	LedgerSaves      *prometheus.CounterVec
	LedgerSaveErrors *prometheus.CounterVec
	LedgerPending    prometheus.Gauge
	LedgerDropped    prometheus.Counter
}

// NewMetrics registers all metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CyclesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "agent_cycles_total",
			Help: "Scheduler cycles started.",
		}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "agent_cycle_duration_seconds",
			Help:    "Wall time of one scheduler cycle.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		EngineRunning: f.NewGauge(prometheus.GaugeOpts{
			Name: "agent_engine_running",
			Help: "1 while the shared cycle timer is active.",
		}),
		ExecutionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_executions_total",
			Help: "Execution records produced, by strategy, type and status.",
		}, []string{"strategy", "type", "status"}),
		LimitRejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_safety_limit_rejections_total",
			Help: "Trade attempts rejected by the safety gate.",
		}, []string{"environment", "trade_type"}),

		LedgerSaves: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_ledger_saves_total",
			Help: "Executions confirmed durable, by path (direct or retry).",
		}, []string{"path"}),
		LedgerSaveErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_ledger_save_errors_total",
			Help: "Failed persistence attempts, by path (direct or retry).",
		}, []string{"path"}),
		LedgerPending: f.NewGauge(prometheus.GaugeOpts{
			Name: "agent_ledger_pending",
			Help: "Executions queued for a persistence retry.",
		}),
		LedgerDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "agent_ledger_dropped_total",
			Help: "Executions abandoned after exhausting their retries.",
		}),
	}
}
