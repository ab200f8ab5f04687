package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sitegauge/sitegauge/internal/progress"
)

// PrometheusSink exports engine progress metrics via Prometheus. It owns all
// collectors for jobs completed/running, per-stage transitions, and runtime.
type PrometheusSink struct {
	jobsCompleted *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
	jobRuntime    *prometheus.HistogramVec
	stageChanges  *prometheus.CounterVec
	positionPush  prometheus.Counter

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitegauge_jobs_finished_total",
			Help: "Total jobs finished partitioned by outcome.",
		}, []string{"outcome"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sitegauge_jobs_in_flight",
			Help: "Current number of jobs reporting progress.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sitegauge_job_runtime_seconds",
			Help:    "Wall time per finished job.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"outcome"}),
		stageChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitegauge_stage_transitions_total",
			Help: "Pipeline stage transitions partitioned by stage.",
		}, []string{"stage"}),
		positionPush: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitegauge_queue_position_events_total",
			Help: "Queue position updates pushed to clients.",
		}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsCompleted,
		s.jobsRunning,
		s.jobRuntime,
		s.stageChanges,
		s.positionPush,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Type {
	case progress.TypeStepChange:
		s.stageChanges.WithLabelValues(evt.Stage).Inc()
		if s.tracker.start(evt.JobID) {
			s.jobsRunning.Inc()
		}
	case progress.TypeQueuePosition:
		s.positionPush.Inc()
	case progress.TypeCompleted:
		s.finishJob(evt, "completed")
	case progress.TypeError:
		outcome := "failed"
		if evt.Classification == "cancelled" {
			outcome = "cancelled"
		}
		s.finishJob(evt, outcome)
	}
}

func (s *PrometheusSink) finishJob(evt progress.Event, outcome string) {
	s.jobsCompleted.WithLabelValues(outcome).Inc()
	if evt.Duration > 0 {
		s.jobRuntime.WithLabelValues(outcome).Observe(evt.Duration.Seconds())
	}
	if s.tracker.complete(evt.JobID) {
		s.jobsRunning.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]struct{})}
}

func (t *jobTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
