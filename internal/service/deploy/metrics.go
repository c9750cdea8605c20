package deploy

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var deployBuckets = []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}

// Metrics records dispatch decisions, attempts and stages in Prometheus.
type Metrics struct {
	once sync.Once

	events        *prometheus.CounterVec
	attempts      *prometheus.CounterVec
	attemptTime   *prometheus.HistogramVec
	stageTime     *prometheus.HistogramVec
	stageFailures *prometheus.CounterVec
	lockWait      prometheus.Histogram
	inFlight      prometheus.Gauge
}

// NewMetrics registers the deploy collectors with reg, or with the default
// registerer when reg is nil. Registering twice reuses the existing
// collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{}
	m.init(reg)
	return m
}

func (m *Metrics) init(reg prometheus.Registerer) {
	m.once.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		m.events = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autodeploy",
			Subsystem: "webhook",
			Name:      "events_total",
			Help:      "Repository events by dispatch outcome",
		}, []string{"outcome"})
		m.attempts = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autodeploy",
			Subsystem: "deploy",
			Name:      "attempts_total",
			Help:      "Finished deploy attempts by repository and state",
		}, []string{"repository", "state", "path"})
		m.attemptTime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "autodeploy",
			Subsystem: "deploy",
			Name:      "attempt_duration_seconds",
			Help:      "Wall time of deploy attempts, lock wait excluded",
			Buckets:   deployBuckets,
		}, []string{"repository", "state"})
		m.stageTime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "autodeploy",
			Subsystem: "deploy",
			Name:      "stage_duration_seconds",
			Help:      "Duration of individual git stages",
			Buckets:   deployBuckets,
		}, []string{"stage", "exit_status"})
		m.stageFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autodeploy",
			Subsystem: "deploy",
			Name:      "stage_failures_total",
			Help:      "Non-zero stage exits, split by whether the attempt carried on",
		}, []string{"stage", "tolerated"})
		m.lockWait = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "autodeploy",
			Subsystem: "deploy",
			Name:      "lock_wait_seconds",
			Help:      "Time attempts spent waiting for their repository lock",
			Buckets:   deployBuckets,
		})
		m.inFlight = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "autodeploy",
			Subsystem: "deploy",
			Name:      "in_flight",
			Help:      "Attempts queued or running",
		})

		m.events = register(reg, m.events)
		m.attempts = register(reg, m.attempts)
		m.attemptTime = register(reg, m.attemptTime)
		m.stageTime = register(reg, m.stageTime)
		m.stageFailures = register(reg, m.stageFailures)
		m.lockWait = register(reg, m.lockWait)
		m.inFlight = register(reg, m.inFlight)
	})
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

// StageCompleted implements StageObserver.
func (m *Metrics) StageCompleted(_ Attempt, s Step) {
	if m == nil {
		return
	}
	m.stageTime.With(prometheus.Labels{
		"stage":       string(s.Stage),
		"exit_status": strconv.Itoa(s.ExitStatus),
	}).Observe(s.Duration.Seconds())
}

// AttemptFinished implements ResultObserver. Failed intermediate stages are
// counted here, once their policy outcome is known.
func (m *Metrics) AttemptFinished(a Attempt, r Result) {
	if m == nil {
		return
	}
	for _, s := range r.Steps {
		if s.OK() {
			continue
		}
		m.stageFailures.With(prometheus.Labels{
			"stage":     string(s.Stage),
			"tolerated": strconv.FormatBool(s.Tolerated),
		}).Inc()
	}
	m.attempts.With(prometheus.Labels{
		"repository": a.Repository,
		"state":      string(r.State),
		"path":       string(r.Path),
	}).Inc()
	m.attemptTime.With(prometheus.Labels{
		"repository": a.Repository,
		"state":      string(r.State),
	}).Observe(r.Duration.Seconds())
}

func (m *Metrics) recordDecision(outcome Outcome) {
	if m == nil {
		return
	}
	m.events.With(prometheus.Labels{"outcome": string(outcome)}).Inc()
}

func (m *Metrics) recordLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
}

func (m *Metrics) trackInFlight(delta float64) {
	if m == nil {
		return
	}
	m.inFlight.Add(delta)
}
