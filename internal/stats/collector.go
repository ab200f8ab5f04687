// Package stats aggregates queue metrics on a fixed interval and feeds them
// back to the submission adapter and Prometheus.
package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/sitegauge/sitegauge/internal/analysis"
)

// MetricsTarget receives each aggregate snapshot. The queue adapter
// implements it.
type MetricsTarget interface {
	SetMetrics(analysis.QueueMetrics)
	PushPositions(ctx context.Context)
	Paused() bool
}

// Config tunes the Collector.
type Config struct {
	// Interval between aggregate recomputations.
	Interval time.Duration
	// CompletionsWindow is how many recent completions feed the average
	// processing time.
	CompletionsWindow int
}

// Collector recomputes queue aggregates on a ticker: job counts by state and
// the average processing time across recent completions. Each snapshot is
// pushed to the adapter for wait estimation and exported via Prometheus.
type Collector struct {
	store  analysis.JobStore
	target MetricsTarget
	clock  analysis.Clock
	cfg    Config
	logger *zap.Logger

	jobsByState   *prometheus.GaugeVec
	avgProcessing prometheus.Gauge
	collectErrors prometheus.Counter
}

// New constructs a Collector and registers its collectors.
func New(
	store analysis.JobStore,
	target MetricsTarget,
	clock analysis.Clock,
	cfg Config,
	reg prometheus.Registerer,
	logger *zap.Logger,
) (*Collector, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.CompletionsWindow <= 0 {
		cfg.CompletionsWindow = 100
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		store:  store,
		target: target,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
		jobsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sitegauge_jobs_by_state",
			Help: "Number of jobs currently in each lifecycle state.",
		}, []string{"state"}),
		avgProcessing: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sitegauge_average_processing_seconds",
			Help: "Average processing time across recent completions.",
		}),
		collectErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitegauge_stats_collection_errors_total",
			Help: "Failed aggregate collection passes.",
		}),
	}
	for _, collector := range []prometheus.Collector{c.jobsByState, c.avgProcessing, c.collectErrors} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register stats collector: %w", err)
		}
	}
	return c, nil
}

// Run blocks, recomputing aggregates until the context finishes. The first
// pass happens immediately so callers never see a zero snapshot for a full
// interval after startup.
func (c *Collector) Run(ctx context.Context) {
	c.collect(ctx)
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

func (c *Collector) collect(ctx context.Context) {
	snapshot, err := c.Snapshot(ctx)
	if err != nil {
		c.collectErrors.Inc()
		c.logger.Warn("collect queue metrics", zap.Error(err))
		return
	}
	c.target.SetMetrics(snapshot)
	c.target.PushPositions(ctx)

	for state, count := range snapshot.Counts {
		c.jobsByState.WithLabelValues(string(state)).Set(float64(count))
	}
	c.avgProcessing.Set(snapshot.AverageProcessingTime.Seconds())
}

// Snapshot computes one aggregate pass without side effects on the target.
func (c *Collector) Snapshot(ctx context.Context) (analysis.QueueMetrics, error) {
	counts, err := c.store.CountJobs(ctx)
	if err != nil {
		return analysis.QueueMetrics{}, fmt.Errorf("count jobs: %w", err)
	}
	recent, err := c.store.RecentCompletions(ctx, c.cfg.CompletionsWindow)
	if err != nil {
		return analysis.QueueMetrics{}, fmt.Errorf("recent completions: %w", err)
	}
	return analysis.QueueMetrics{
		Counts:                counts,
		AverageProcessingTime: averageProcessing(recent),
		Paused:                c.target.Paused(),
		CollectedAt:           c.clock.Now(),
	}, nil
}

// averageProcessing averages wall time across completed jobs that carry both
// timestamps. Jobs missing either timestamp are skipped rather than skewing
// the average toward zero.
func averageProcessing(jobs []analysis.Job) time.Duration {
	var total time.Duration
	var n int
	for _, job := range jobs {
		if job.StartedAt == nil || job.CompletedAt == nil {
			continue
		}
		d := job.CompletedAt.Sub(*job.StartedAt)
		if d <= 0 {
			continue
		}
		total += d
		n++
	}
	if n == 0 {
		return 0
	}
	return total / time.Duration(n)
}
