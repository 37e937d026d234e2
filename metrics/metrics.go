package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"payrollbridge/ledger"
	"payrollbridge/payroll"
)

const metricPrefix = "payroll_"

var (
	registerOnce sync.Once

	runsTotal        *prometheus.CounterVec
	runDuration      prometheus.Histogram
	entriesByState   *prometheus.CounterVec
	workerErrors     *prometheus.CounterVec
	submissions      *prometheus.CounterVec
	submitLatency    prometheus.Histogram
	httpRequests     *prometheus.CounterVec
	reconcileResults *prometheus.CounterVec
)

func register() {
	registerOnce.Do(func() {
		runsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "runs_total",
				Help: "Payroll runs by outcome",
			},
			[]string{"outcome"},
		)
		runDuration = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "run_duration_seconds",
				Help:    "Wall time of completed payroll runs",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
		)
		entriesByState = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "run_entries_total",
				Help: "Ledger entries touched by runs, by final state",
			},
			[]string{"state"},
		)
		workerErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "worker_errors_total",
				Help: "Per-worker errors by kind",
			},
			[]string{"kind"},
		)
		submissions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "submissions_total",
				Help: "Payment provider submissions by outcome",
			},
			[]string{"outcome"},
		)
		submitLatency = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "submission_latency_seconds",
				Help:    "Payment provider submission latency",
				Buckets: prometheus.DefBuckets,
			},
		)
		httpRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "http_requests_total",
				Help: "Trigger API requests by route and status",
			},
			[]string{"route", "status"},
		)
		reconcileResults = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "reconcile_entries_total",
				Help: "Entries checked by reconciliation, by result",
			},
			[]string{"result"},
		)

		prometheus.MustRegister(
			runsTotal,
			runDuration,
			entriesByState,
			workerErrors,
			submissions,
			submitLatency,
			httpRequests,
			reconcileResults,
		)
	})
}

// Recorder implements payroll.Metrics on the default prometheus registry.
type Recorder struct{}

// NewRecorder registers the collectors on first use.
func NewRecorder() *Recorder {
	register()
	return &Recorder{}
}

func (*Recorder) ObserveRun(s payroll.RunSummary) {
	outcome := "clean"
	if !s.Clean() {
		outcome = "partial"
	}
	runsTotal.WithLabelValues(outcome).Inc()
	if !s.FinishedAt.IsZero() {
		runDuration.Observe(s.FinishedAt.Sub(s.StartedAt).Seconds())
	}
	for _, st := range ledger.States {
		if n := s.Counts[st]; n > 0 {
			entriesByState.WithLabelValues(string(st)).Add(float64(n))
		}
	}
}

func (*Recorder) ObserveRunAborted() {
	runsTotal.WithLabelValues("aborted").Inc()
}

func (*Recorder) ObserveSubmission(outcome string, elapsed time.Duration) {
	submissions.WithLabelValues(outcome).Inc()
	submitLatency.Observe(elapsed.Seconds())
}

func (*Recorder) ObserveWorkerError(kind string) {
	workerErrors.WithLabelValues(kind).Inc()
}

func (*Recorder) ObserveReconcile(s payroll.ReconcileSummary) {
	reconcileResults.WithLabelValues("confirmed").Add(float64(s.Confirmed))
	reconcileResults.WithLabelValues("failed").Add(float64(s.Failed))
	reconcileResults.WithLabelValues("pending").Add(float64(s.Pending))
	reconcileResults.WithLabelValues("error").Add(float64(len(s.Errors)))
}

func (*Recorder) ObserveHTTP(route string, status int) {
	httpRequests.WithLabelValues(route, http.StatusText(status)).Inc()
}

// Handler exposes the default registry.
func Handler() http.Handler {
	register()
	return promhttp.Handler()
}
