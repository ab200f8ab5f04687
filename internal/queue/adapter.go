// Package queue implements the submission facade over the job store and the
// in-process ready queue. All client-facing job lifecycle operations
// (submit, status, cancel, retry) go through the Adapter.
package queue

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sitegauge/sitegauge/internal/analysis"
	"github.com/sitegauge/sitegauge/internal/progress"
)

// AdapterConfig tunes the Adapter.
type AdapterConfig struct {
	// Concurrency mirrors the worker pool size for wait estimation.
	Concurrency int
	// DefaultProcessingTime seeds wait estimates before any job completes.
	DefaultProcessingTime time.Duration
	// MaxBudgetSeconds bounds the per-job timeout budget a caller may request.
	MaxBudgetSeconds int
}

// Adapter exposes job lifecycle operations on top of the store and the ready
// queue. Its capability reflects whether the execution substrate is usable;
// every public method branches on it once at entry.
type Adapter struct {
	store   analysis.JobStore
	ready   analysis.ReadyQueue
	ids     analysis.IDGenerator
	clock   analysis.Clock
	emitter progress.Emitter
	cfg     AdapterConfig
	logger  *zap.Logger

	capability atomic.Int32
	paused     atomic.Bool

	metricsMu sync.RWMutex
	metrics   analysis.QueueMetrics
}

// NewAdapter constructs an Adapter. A nil ready queue produces a disabled
// adapter that rejects submissions instead of returning ids that would never
// progress.
func NewAdapter(
	store analysis.JobStore,
	ready analysis.ReadyQueue,
	ids analysis.IDGenerator,
	clock analysis.Clock,
	emitter progress.Emitter,
	cfg AdapterConfig,
	logger *zap.Logger,
) *Adapter {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.DefaultProcessingTime <= 0 {
		cfg.DefaultProcessingTime = 2 * time.Minute
	}
	if cfg.MaxBudgetSeconds <= 0 {
		cfg.MaxBudgetSeconds = 3600
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Adapter{
		store:   store,
		ready:   ready,
		ids:     ids,
		clock:   clock,
		emitter: emitter,
		cfg:     cfg,
		logger:  logger,
	}
	if ready == nil {
		a.capability.Store(int32(analysis.CapabilityDisabled))
		logger.Warn("ready queue unavailable, adapter starting disabled")
	}
	return a
}

// Capability returns the current operating mode.
func (a *Adapter) Capability() analysis.Capability {
	return analysis.Capability(a.capability.Load())
}

// SetCapability switches the operating mode; used by health probes.
func (a *Adapter) SetCapability(c analysis.Capability) {
	a.capability.Store(int32(c))
}

// Concurrency reports the worker pool size used for wait estimation.
func (a *Adapter) Concurrency() int {
	return a.cfg.Concurrency
}

// Submit validates the payload, persists a waiting job, and enqueues it. It
// returns the new job id.
func (a *Adapter) Submit(ctx context.Context, payload analysis.JobPayload) (string, error) {
	if a.Capability() == analysis.CapabilityDisabled {
		return "", analysis.ErrQueueDisabled
	}
	if err := a.validatePayload(payload); err != nil {
		return "", err
	}

	id, err := a.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	job := analysis.Job{
		ID:        id,
		Payload:   payload,
		State:     analysis.StateWaiting,
		CreatedAt: a.clock.Now(),
	}
	if err := a.store.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("persist job: %w", err)
	}

	err = a.ready.Enqueue(ctx, analysis.QueueItem{
		JobID:      id,
		UserID:     payload.UserID,
		Priority:   payload.Priority,
		EnqueuedAt: job.CreatedAt,
	})
	if err != nil {
		// The persisted job would never run; fail it so the caller's status
		// view tells the truth.
		failed := analysis.StateFailed
		class := analysis.ClassTransient
		reason := "queue rejected submission: " + err.Error()
		now := a.clock.Now()
		if _, uerr := a.store.UpdateJobFrom(ctx, id, analysis.StateWaiting, analysis.JobUpdate{
			State:          &failed,
			CompletedAt:    &now,
			FailureReason:  &reason,
			Classification: &class,
		}); uerr != nil {
			a.logger.Error("mark unqueued job failed", zap.String("job_id", id), zap.Error(uerr))
		}
		return "", fmt.Errorf("enqueue job: %w", err)
	}

	// A priority insert displaces every waiting job behind it, so refresh all
	// waiting clients, not just the new one.
	a.PushPositions(ctx)
	a.logger.Info("job submitted",
		zap.String("job_id", id),
		zap.String("url", payload.URL),
		zap.Int("priority", payload.Priority),
	)
	return id, nil
}

func (a *Adapter) validatePayload(payload analysis.JobPayload) error {
	if payload.URL == "" {
		return &analysis.ValidationError{Field: "url", Reason: "is required"}
	}
	parsed, err := url.Parse(payload.URL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return &analysis.ValidationError{Field: "url", Reason: "must be an absolute http(s) URL"}
	}
	if payload.UserID == "" {
		return &analysis.ValidationError{Field: "user_id", Reason: "is required"}
	}
	if payload.BudgetSeconds < 0 || payload.BudgetSeconds > a.cfg.MaxBudgetSeconds {
		return &analysis.ValidationError{
			Field:  "budget_seconds",
			Reason: fmt.Sprintf("must be between 0 and %d", a.cfg.MaxBudgetSeconds),
		}
	}
	if payload.BudgetMillis < 0 || payload.BudgetMillis > a.cfg.MaxBudgetSeconds*1000 {
		return &analysis.ValidationError{
			Field:  "budget_ms",
			Reason: fmt.Sprintf("must be between 0 and %d", a.cfg.MaxBudgetSeconds*1000),
		}
	}
	return nil
}

// Status returns the job together with its queue position and wait estimate
// when it is still waiting.
func (a *Adapter) Status(ctx context.Context, jobID string) (analysis.JobView, error) {
	job, err := a.store.GetJob(ctx, jobID)
	if err != nil {
		return analysis.JobView{}, err
	}
	view := analysis.JobView{Job: job}
	if job.State == analysis.StateWaiting {
		if pos := a.position(jobID); pos > 0 {
			view.Position = pos
			view.EstimatedWait = a.waitEstimate(pos)
		}
	}
	return view, nil
}

// Result returns the stored result for a completed job, or the failure
// artifact context as an error for terminal failures.
func (a *Adapter) Result(ctx context.Context, jobID string) (analysis.Result, error) {
	job, err := a.store.GetJob(ctx, jobID)
	if err != nil {
		return analysis.Result{}, err
	}
	if job.State != analysis.StateCompleted || job.Result == nil {
		return analysis.Result{}, fmt.Errorf("job %s has no result in state %s", jobID, job.State)
	}
	return *job.Result, nil
}

// Cancel requests cancellation. Waiting and delayed jobs finish immediately;
// active jobs get a cooperative flag the worker observes on its next poll.
// The boolean reports whether the request had any effect.
func (a *Adapter) Cancel(ctx context.Context, jobID string) (bool, error) {
	if a.Capability() == analysis.CapabilityDisabled {
		return false, analysis.ErrQueueDisabled
	}
	job, err := a.store.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}

	switch job.State {
	case analysis.StateWaiting:
		a.ready.Remove(jobID)
		ok, err := a.finishCancelled(ctx, job, analysis.StateWaiting)
		if ok {
			a.PushPositions(ctx)
		}
		return ok, err
	case analysis.StateDelayed:
		return a.finishCancelled(ctx, job, analysis.StateDelayed)
	case analysis.StateActive:
		flag := true
		ok, err := a.store.UpdateJobFrom(ctx, jobID, analysis.StateActive,
			analysis.JobUpdate{CancelRequested: &flag})
		if err != nil {
			return false, err
		}
		if !ok {
			// The worker's terminal write landed first; the job is done and
			// must not be touched.
			return false, nil
		}
		a.logger.Info("cancellation requested for active job", zap.String("job_id", jobID))
		return true, nil
	default:
		return false, nil
	}
}

func (a *Adapter) finishCancelled(ctx context.Context, job analysis.Job, from analysis.JobState) (bool, error) {
	cancelled := analysis.StateCancelled
	class := analysis.ClassCancelled
	reason := "cancelled by user"
	now := a.clock.Now()
	ok, err := a.store.UpdateJobFrom(ctx, job.ID, from, analysis.JobUpdate{
		State:          &cancelled,
		CompletedAt:    &now,
		FailureReason:  &reason,
		Classification: &class,
	})
	if err != nil || !ok {
		return false, err
	}

	artifact := analysis.FailureArtifact{
		JobID:          job.ID,
		UserID:         job.Payload.UserID,
		URL:            job.Payload.URL,
		Classification: analysis.ClassCancelled,
		Description:    reason,
		Attempts:       job.AttemptsMade,
		RecordedAt:     now,
	}
	if err := a.store.RecordFailureArtifact(ctx, artifact); err != nil {
		a.logger.Error("record cancellation artifact", zap.String("job_id", job.ID), zap.Error(err))
	}
	a.emitter.Emit(progress.Event{
		JobID:          job.ID,
		UserID:         job.Payload.UserID,
		Type:           progress.TypeError,
		TS:             now,
		Classification: string(analysis.ClassCancelled),
		Message:        reason,
	})
	a.logger.Info("job cancelled before execution", zap.String("job_id", job.ID))
	return true, nil
}

// Retry re-queues a terminally failed job. Only the failed state is
// retryable by users; completed and cancelled jobs stay put.
func (a *Adapter) Retry(ctx context.Context, jobID string) (bool, error) {
	if a.Capability() == analysis.CapabilityDisabled {
		return false, analysis.ErrQueueDisabled
	}
	job, err := a.store.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.State != analysis.StateFailed {
		return false, nil
	}

	waiting := analysis.StateWaiting
	cancelFlag := false
	ok, err := a.store.UpdateJobFrom(ctx, jobID, analysis.StateFailed, analysis.JobUpdate{
		State:           &waiting,
		CancelRequested: &cancelFlag,
		ClearFailure:    true,
	})
	if err != nil || !ok {
		return false, err
	}

	err = a.ready.Enqueue(ctx, analysis.QueueItem{
		JobID:      jobID,
		UserID:     job.Payload.UserID,
		Priority:   job.Payload.Priority,
		Attempt:    job.AttemptsMade,
		EnqueuedAt: a.clock.Now(),
	})
	if err != nil {
		// A waiting job without a queue entry would sit stranded until a
		// restart. Put it back in failed so a later Retry can try again.
		failed := analysis.StateFailed
		class := analysis.ClassTransient
		reason := "queue rejected retry: " + err.Error()
		now := a.clock.Now()
		if _, uerr := a.store.UpdateJobFrom(ctx, jobID, analysis.StateWaiting, analysis.JobUpdate{
			State:          &failed,
			CompletedAt:    &now,
			FailureReason:  &reason,
			Classification: &class,
		}); uerr != nil {
			a.logger.Error("mark unqueued retry failed", zap.String("job_id", jobID), zap.Error(uerr))
		}
		return false, fmt.Errorf("enqueue retried job: %w", err)
	}
	a.PushPositions(ctx)
	a.logger.Info("job retried by user", zap.String("job_id", jobID))
	return true, nil
}

// Metrics returns the last aggregate snapshot pushed by the stats collector.
func (a *Adapter) Metrics() analysis.QueueMetrics {
	a.metricsMu.RLock()
	defer a.metricsMu.RUnlock()
	return a.metrics
}

// SetMetrics installs a fresh aggregate snapshot.
func (a *Adapter) SetMetrics(m analysis.QueueMetrics) {
	m.Paused = a.paused.Load()
	a.metricsMu.Lock()
	a.metrics = m
	a.metricsMu.Unlock()
}

// Health reports the adapter capability and store reachability.
func (a *Adapter) Health(ctx context.Context) analysis.HealthReport {
	report := analysis.HealthReport{
		Status:  a.Capability().String(),
		Details: map[string]string{},
	}
	if err := a.store.Ping(ctx); err != nil {
		report.Status = analysis.CapabilityDegraded.String()
		report.Details["store"] = err.Error()
	} else {
		report.Details["store"] = "ok"
	}
	if a.paused.Load() {
		report.Details["queue"] = "paused"
	}
	return report
}

// Pause stops dispatching queued jobs; running jobs are unaffected.
func (a *Adapter) Pause() {
	if a.Capability() == analysis.CapabilityDisabled {
		return
	}
	a.paused.Store(true)
	a.ready.Pause()
	a.logger.Info("queue paused")
}

// Resume restarts dispatching.
func (a *Adapter) Resume() {
	if a.Capability() == analysis.CapabilityDisabled {
		return
	}
	a.paused.Store(false)
	a.ready.Resume()
	a.logger.Info("queue resumed")
}

// Paused reports whether dispatching is held.
func (a *Adapter) Paused() bool {
	return a.paused.Load()
}

// Cleanup removes terminal jobs older than the retention window and returns
// how many were purged.
func (a *Adapter) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := a.clock.Now().Add(-olderThan)
	n, err := a.store.PurgeTerminal(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge terminal jobs: %w", err)
	}
	if n > 0 {
		a.logger.Info("purged terminal jobs", zap.Int("count", n))
	}
	return n, nil
}

// PushPositions emits a queue_position event for every waiting job. Every
// queue-shape change (submit, retry, cancel of a waiting job) goes through
// it, as does the stats collector's tick, so waiting clients see their
// position move without polling.
func (a *Adapter) PushPositions(_ context.Context) {
	if a.Capability() == analysis.CapabilityDisabled {
		return
	}
	for i, item := range a.ready.Waiting() {
		a.emitPosition(item.JobID, item.UserID, i+1)
	}
}

func (a *Adapter) position(jobID string) int {
	for i, item := range a.ready.Waiting() {
		if item.JobID == jobID {
			return i + 1
		}
	}
	return 0
}

// waitEstimate applies ceil(position/concurrency) rounds of the average
// processing time.
func (a *Adapter) waitEstimate(position int) time.Duration {
	if position <= 0 {
		return 0
	}
	avg := a.Metrics().AverageProcessingTime
	if avg <= 0 {
		avg = a.cfg.DefaultProcessingTime
	}
	rounds := int(math.Ceil(float64(position) / float64(a.cfg.Concurrency)))
	return time.Duration(rounds) * avg
}

func (a *Adapter) emitPosition(jobID, userID string, position int) {
	if position <= 0 {
		return
	}
	a.emitter.Emit(progress.Event{
		JobID:         jobID,
		UserID:        userID,
		Type:          progress.TypeQueuePosition,
		TS:            a.clock.Now(),
		Position:      position,
		EstimatedWait: a.waitEstimate(position),
	})
}
