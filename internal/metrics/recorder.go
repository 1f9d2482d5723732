package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"matchflow/internal/domain"
)

// Recorder collects batch and manual matching metrics on a private registry.
// A nil *Recorder is valid and records nothing.
type Recorder struct {
	registry *prometheus.Registry

	batchRuns        *prometheus.CounterVec
	batchDuration    *prometheus.HistogramVec
	userOutcomes     *prometheus.CounterVec
	userDuration     *prometheus.HistogramVec
	userRetries      *prometheus.CounterVec
	manualTransition *prometheus.CounterVec
	runningBatches   *prometheus.GaugeVec
}

func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Recorder{
		registry: registry,
		batchRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "matchflow_batch_runs_total",
			Help: "Finished matching batches by country, trigger and final status.",
		}, []string{"country", "trigger", "status"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "matchflow_batch_duration_seconds",
			Help:    "Wall time of matching batches.",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		}, []string{"country", "status"}),
		userOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "matchflow_batch_user_outcomes_total",
			Help: "Per-user batch outcomes by country and detail status.",
		}, []string{"country", "status"}),
		userDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "matchflow_batch_user_duration_seconds",
			Help:    "Time spent selecting and assigning one user, retries included.",
			Buckets: prometheus.DefBuckets,
		}, []string{"country"}),
		userRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "matchflow_batch_user_retries_total",
			Help: "Retried user attempts.",
		}, []string{"country"}),
		manualTransition: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "matchflow_manual_transitions_total",
			Help: "Manual matching state transitions by target status and match type.",
		}, []string{"status", "match_type"}),
		runningBatches: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "matchflow_batches_running",
			Help: "Batches currently owned by this process.",
		}, []string{"country"}),
	}

	registry.MustRegister(r.batchRuns, r.batchDuration, r.userOutcomes, r.userDuration, r.userRetries, r.manualTransition, r.runningBatches)
	return r
}

func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) BatchStarted(country domain.Country) {
	if r == nil {
		return
	}
	r.runningBatches.WithLabelValues(string(country)).Inc()
}

func (r *Recorder) BatchFinished(b domain.BatchHistory, elapsed time.Duration) {
	if r == nil {
		return
	}
	country := string(b.Country)
	r.runningBatches.WithLabelValues(country).Dec()
	r.batchRuns.WithLabelValues(country, string(b.Metadata.Trigger), string(b.Status)).Inc()
	r.batchDuration.WithLabelValues(country, string(b.Status)).Observe(elapsed.Seconds())
}

func (r *Recorder) UserProcessed(country domain.Country, status domain.DetailStatus, elapsed time.Duration, attempts int) {
	if r == nil {
		return
	}
	r.userOutcomes.WithLabelValues(string(country), string(status)).Inc()
	r.userDuration.WithLabelValues(string(country)).Observe(elapsed.Seconds())
	if attempts > 1 {
		r.userRetries.WithLabelValues(string(country)).Add(float64(attempts - 1))
	}
}

func (r *Recorder) ManualTransition(status domain.ManualStatus, matchType domain.MatchType) {
	if r == nil {
		return
	}
	r.manualTransition.WithLabelValues(string(status), string(matchType)).Inc()
}
