package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "climgrid"

// Metrics holds the Prometheus collectors for a run. It satisfies the
// metrics interfaces of the fetch and pipeline packages.
type Metrics struct {
	Dates         *prometheus.CounterVec   // labels: outcome={done,invalid_request,fetch,...}
	FetchAttempts *prometheus.CounterVec   // labels: result={ok,retry,failed,cached}
	FetchBytes    prometheus.Counter
	StageDuration *prometheus.HistogramVec // labels: stage={fetch,unpack,clip,summarize,write}
	WorkersBusy   prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which tests use to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Dates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dates_total",
			Help:      "Dates that reached a terminal state, by outcome.",
		}, []string{"outcome"}),
		FetchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_attempts_total",
			Help:      "Archive fetch attempts by result.",
		}, []string{"result"}),
		FetchBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_bytes_total",
			Help:      "Archive bytes downloaded.",
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of each per-date stage.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"stage"}),
		WorkersBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_busy",
			Help:      "Workers currently processing a date.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Dates,
			m.FetchAttempts,
			m.FetchBytes,
			m.StageDuration,
			m.WorkersBusy,
		)
	}
	return m
}

// ObserveDate counts a date reaching a terminal state.
func (m *Metrics) ObserveDate(outcome string) { m.Dates.WithLabelValues(outcome).Inc() }

// ObserveStage records how long a stage took.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// WorkerBusy moves the busy gauge by delta.
func (m *Metrics) WorkerBusy(delta int) { m.WorkersBusy.Add(float64(delta)) }

// ObserveFetchAttempt counts one fetch attempt.
func (m *Metrics) ObserveFetchAttempt(result string) { m.FetchAttempts.WithLabelValues(result).Inc() }

// AddFetchBytes adds downloaded bytes.
func (m *Metrics) AddFetchBytes(n int64) { m.FetchBytes.Add(float64(n)) }
