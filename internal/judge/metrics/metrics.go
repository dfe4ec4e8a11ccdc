// Package metrics exposes judge worker metrics to Prometheus.
package metrics

import (
	"time"

	"nojudge/internal/judge/pipeline"
	"nojudge/internal/judge/sandbox/observer"
	"nojudge/internal/judge/testdata"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "noj_judge"

var (
	// 10ms -> 2min
	stageBuckets = []float64{
		0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120,
	}

	// 1ms -> 16s
	caseBuckets = prometheus.ExponentialBuckets(0.001, 2, 15)
)

// Recorder implements the observation hooks of the pipeline, the sandbox and the testdata cache.
type Recorder struct {
	submissions   *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	testdata      *prometheus.CounterVec
	launches      *prometheus.HistogramVec
	caseTime      *prometheus.HistogramVec
	inFlight      prometheus.Gauge
}

var (
	_ pipeline.StageObserver   = (*Recorder)(nil)
	_ observer.MetricsRecorder = (*Recorder)(nil)
	_ testdata.Metrics         = (*Recorder)(nil)
)

// New creates a recorder and registers its collectors with reg.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "submissions_total",
			Help:      "Number of judged submissions by final status",
		}, []string{"status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "stage_duration_seconds",
			Help:      "Histogram for the wall time of pipeline stages",
			Buckets:   stageBuckets,
		}, []string{"stage", "status"}),
		testdata: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "testdata_cache_events_total",
			Help:      "Testdata cache hits, misses, downloads and evictions",
		}, []string{"event"}),
		launches: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "sandbox_container_seconds",
			Help:      "Histogram for sandbox container lifetimes by mode and outcome",
			Buckets:   stageBuckets,
		}, []string{"mode", "outcome"}),
		caseTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "case_time_seconds",
			Help:      "Histogram for reported test case running time",
			Buckets:   caseBuckets,
		}, []string{"language", "status"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "submissions_in_flight",
			Help:      "Number of submissions currently being judged",
		}),
	}
	reg.MustRegister(r.submissions, r.stageDuration, r.testdata, r.launches, r.caseTime, r.inFlight)
	return r
}

func (r *Recorder) ObserveSubmission(status string) {
	r.submissions.WithLabelValues(status).Inc()
}

func (r *Recorder) ObserveStage(stage, status string, d time.Duration) {
	r.stageDuration.WithLabelValues(stage, status).Observe(d.Seconds())
}

func (r *Recorder) ObserveTestdata(event string) {
	r.testdata.WithLabelValues(event).Inc()
}

func (r *Recorder) ObserveLaunch(mode, outcome string, elapsed time.Duration) {
	r.launches.WithLabelValues(mode, outcome).Observe(elapsed.Seconds())
}

func (r *Recorder) ObserveCase(language, status string, timeMs int64) {
	r.caseTime.WithLabelValues(language, status).Observe(float64(timeMs) / 1000)
}

// JudgeStarted and JudgeFinished track the in-flight gauge.
func (r *Recorder) JudgeStarted()  { r.inFlight.Inc() }
func (r *Recorder) JudgeFinished() { r.inFlight.Dec() }
