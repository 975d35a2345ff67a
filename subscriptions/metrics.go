package subscriptions

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "orca"
const metricsSubsystem = "subscriptions"

// Metrics holds the Prometheus collectors of the Scheduler.
type Metrics struct {
	Passes       prometheus.Counter
	PassDuration prometheus.Histogram
	Matches      prometheus.Counter
	Deliveries   *prometheus.CounterVec
	ScanFailures prometheus.Counter
	Escalations  prometheus.Counter
}

// NewMetrics creates the Scheduler metrics and registers them with the given registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		Passes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "poll_passes_total",
			Help:      "Number of completed poll passes.",
		}),
		PassDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "poll_pass_duration_seconds",
			Help:      "Duration of poll passes.",
			Buckets:   prometheus.DefBuckets,
		}),
		Matches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "matches_total",
			Help:      "Number of resources that matched a subscription and were handed to a channel.",
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "deliveries_total",
			Help:      "Number of delivery attempts by channel type and outcome.",
		}, []string{"channel_type", "outcome"}),
		ScanFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "scan_failures_total",
			Help:      "Number of subscription scans that failed because the resource store was unavailable.",
		}),
		Escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "status_escalations_total",
			Help:      "Number of subscriptions that were set to status error after repeated delivery failures.",
		}),
	}
	registerer.MustRegister(m.Passes, m.PassDuration, m.Matches, m.Deliveries, m.ScanFailures, m.Escalations)
	return m
}

// RegisterSessionGauge exposes the number of bound socket sessions.
func RegisterSessionGauge(registerer prometheus.Registerer, sessions *SessionTable) {
	registerer.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "socket_sessions",
		Help:      "Number of socket sessions bound to a subscription.",
	}, func() float64 {
		return float64(sessions.Len())
	}))
}
