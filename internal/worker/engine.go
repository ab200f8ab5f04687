// Package worker implements the analysis pipeline execution loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sitegauge/sitegauge/internal/analysis"
)

// minRunWindow is the smallest analyzer deadline handed to an attempt when
// the safety margin consumes the whole budget.
const minRunWindow = 50 * time.Millisecond

// Config controls Engine behavior.
type Config struct {
	// Concurrency is the number of jobs processed in parallel.
	Concurrency int
	// CancelPollInterval bounds how stale an unobserved cancellation can be.
	CancelPollInterval time.Duration
	// SafetyMargin is subtracted from the job budget so the worker finishes
	// its terminal bookkeeping inside the caller's deadline.
	SafetyMargin time.Duration
	// DefaultBudget applies when the payload carries no budget.
	DefaultBudget time.Duration
	// HeartbeatInterval paces interpolated progress during the analyze call.
	HeartbeatInterval time.Duration
	ContentType       string
	BlobPrefix        string
	Topic             string
}

// Engine pulls jobs off the ready queue and drives each one through the
// staged pipeline: activate, analyze, score, store, finish. All terminal
// writes go through conditional updates so a concurrent cancellation never
// gets overwritten.
type Engine struct {
	queue    analysis.ReadyQueue
	store    analysis.JobStore
	analyzer analysis.Analyzer
	blobs    analysis.BlobStore
	notifier analysis.Notifier
	reporter *Reporter
	policy   *analysis.RetryPolicy
	hasher   analysis.Hasher
	clock    analysis.Clock
	cfg      Config
	logger   *zap.Logger

	retries sync.WaitGroup
}

// New constructs an Engine.
func New(
	queue analysis.ReadyQueue,
	store analysis.JobStore,
	analyzer analysis.Analyzer,
	blobs analysis.BlobStore,
	notifier analysis.Notifier,
	reporter *Reporter,
	policy *analysis.RetryPolicy,
	hasher analysis.Hasher,
	clock analysis.Clock,
	cfg Config,
	logger *zap.Logger,
) *Engine {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.CancelPollInterval <= 0 {
		cfg.CancelPollInterval = 10 * time.Second
	}
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = 5 * time.Second
	}
	if cfg.DefaultBudget <= 0 {
		cfg.DefaultBudget = 5 * time.Minute
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = time.Second
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		queue:    queue,
		store:    store,
		analyzer: analyzer,
		blobs:    blobs,
		notifier: notifier,
		reporter: reporter,
		policy:   policy,
		hasher:   hasher,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run blocks, consuming queue items until the context finishes. Pending
// delayed-retry timers are waited out or abandoned when the context ends.
func (e *Engine) Run(ctx context.Context) {
	e.recoverPending(ctx)

	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.workerLoop(ctx)
		}()
	}
	wg.Wait()
	e.retries.Wait()
}

func (e *Engine) workerLoop(ctx context.Context) {
	for {
		item, err := e.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		e.logger.Debug("dequeued job", zap.String("job_id", item.JobID))
		e.processJob(ctx, item)
	}
}

// recoverPending re-seeds the in-memory queue from the store after a restart.
// Waiting jobs go straight back on the queue; delayed jobs are promoted and
// re-queued immediately since their backoff origin was lost.
func (e *Engine) recoverPending(ctx context.Context) {
	for _, state := range []analysis.JobState{analysis.StateWaiting, analysis.StateDelayed} {
		jobs, err := e.store.ListJobsByState(ctx, state, 1000, 0)
		if err != nil {
			e.logger.Warn("recover pending jobs", zap.String("state", string(state)), zap.Error(err))
			continue
		}
		for _, job := range jobs {
			if state == analysis.StateDelayed {
				waiting := analysis.StateWaiting
				ok, err := e.store.UpdateJobFrom(ctx, job.ID, analysis.StateDelayed,
					analysis.JobUpdate{State: &waiting, ClearFailure: true})
				if err != nil || !ok {
					continue
				}
			}
			err := e.queue.Enqueue(ctx, analysis.QueueItem{
				JobID:      job.ID,
				UserID:     job.Payload.UserID,
				Priority:   job.Payload.Priority,
				Attempt:    job.AttemptsMade,
				EnqueuedAt: e.clock.Now(),
			})
			if err != nil {
				e.logger.Warn("requeue recovered job", zap.String("job_id", job.ID), zap.Error(err))
			}
		}
	}
}

func (e *Engine) processJob(ctx context.Context, item analysis.QueueItem) {
	job, err := e.store.GetJob(ctx, item.JobID)
	if err != nil {
		e.logger.Error("load job", zap.String("job_id", item.JobID), zap.Error(err))
		return
	}

	// Fast path: cancellation arrived while the job sat in the queue.
	if job.CancelRequested {
		e.finishCancelled(ctx, job, analysis.StateWaiting, "cancelled before execution")
		return
	}

	started := e.clock.Now()
	active := analysis.StateActive
	attempts := job.AttemptsMade + 1
	ok, err := e.store.UpdateJobFrom(ctx, job.ID, analysis.StateWaiting, analysis.JobUpdate{
		State:        &active,
		AttemptsMade: &attempts,
		StartedAt:    &started,
	})
	if err != nil {
		e.logger.Error("activate job", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if !ok {
		// Lost the race with a cancel or an admin action; nothing to run.
		e.logger.Debug("job no longer waiting", zap.String("job_id", job.ID))
		return
	}
	job.State = analysis.StateActive
	job.AttemptsMade = attempts
	job.StartedAt = &started

	rep := e.reporter.ForJob(job)
	result, runErr := e.runPipeline(ctx, job, rep)
	if runErr != nil {
		e.handleFailure(ctx, job, rep, runErr)
		return
	}
	e.finishCompleted(ctx, job, rep, result)
}

// runPipeline executes the staged analysis for one attempt.
func (e *Engine) runPipeline(ctx context.Context, job analysis.Job, rep *JobReporter) (analysis.Result, error) {
	rep.EnterStage(ctx, stageInitializing, "preparing analysis")

	budget := job.Payload.Budget()
	if budget <= 0 {
		budget = e.cfg.DefaultBudget
	}
	// The margin protects terminal bookkeeping, never extends the run: when
	// it eats the whole budget the attempt keeps a sliver of run time, capped
	// at the budget itself.
	deadline := budget - e.cfg.SafetyMargin
	if deadline < minRunWindow {
		deadline = minRunWindow
		if budget < deadline {
			deadline = budget
		}
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	runCtx, timeoutCancel := context.WithTimeout(runCtx, deadline)
	defer timeoutCancel()

	watcherDone := make(chan struct{})
	go e.watchCancellation(runCtx, job.ID, cancel, watcherDone)
	defer func() {
		timeoutCancel()
		<-watcherDone
	}()

	rep.EnterStage(runCtx, stageFetchingProject, "loading target configuration")
	rep.EnterStage(runCtx, stageCrawling, "fetching page content")
	rep.EnterStage(runCtx, stageAnalyzing, "running analysis checks")

	heartbeatStop := make(chan struct{})
	go e.heartbeat(runCtx, rep, heartbeatStop)

	result, err := e.analyzer.Analyze(runCtx, analysis.AnalysisRequest{
		JobID:         job.ID,
		URL:           job.Payload.URL,
		PreviousScore: job.Payload.PreviousScore,
		RenderJS:      job.Payload.RenderJS,
	})
	close(heartbeatStop)
	if err != nil {
		return analysis.Result{}, e.translateRunError(runCtx, err)
	}
	if err := context.Cause(runCtx); err != nil {
		return analysis.Result{}, e.translateRunError(runCtx, err)
	}
	if !result.Complete() {
		return analysis.Result{}, analysis.ErrIncompleteResult
	}

	rep.EnterStage(runCtx, stageScoring, "aggregating scores")
	if job.Payload.PreviousScore != nil {
		delta := result.OverallScore - *job.Payload.PreviousScore
		result.ScoreDelta = &delta
	}

	rep.EnterStage(runCtx, stageRecommendations, "compiling recommendations")

	rep.EnterStage(runCtx, stageStoringResults, "persisting snapshot")
	if err := e.storeSnapshot(runCtx, job.ID, &result); err != nil {
		return analysis.Result{}, e.translateRunError(runCtx, err)
	}

	result.Duration = e.clock.Now().Sub(*job.StartedAt)
	return result, nil
}

// watchCancellation polls the store for a cancellation flag and cancels the
// run context with a distinguishing cause when it appears.
func (e *Engine) watchCancellation(ctx context.Context, jobID string, cancel context.CancelCauseFunc, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.cfg.CancelPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, err := e.store.GetJob(ctx, jobID)
			if err != nil {
				if ctx.Err() == nil {
					e.logger.Warn("cancellation poll", zap.String("job_id", jobID), zap.Error(err))
				}
				continue
			}
			if job.CancelRequested {
				cancel(analysis.ErrCancelRequested)
				return
			}
		}
	}
}

// heartbeat interpolates percentage across the analyzing band so clients see
// movement during long analyzer calls. The reporter clamps it to the band's
// ceiling, so interpolation can never overrun a real stage transition.
func (e *Engine) heartbeat(ctx context.Context, rep *JobReporter, stop <-chan struct{}) {
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			rep.Tick(ctx, rep.Percentage()+2, "analysis in progress")
		}
	}
}

func (e *Engine) translateRunError(runCtx context.Context, err error) error {
	if cause := context.Cause(runCtx); cause != nil {
		if errors.Is(cause, analysis.ErrCancelRequested) {
			return analysis.ErrCancelRequested
		}
		if errors.Is(cause, context.DeadlineExceeded) {
			return context.DeadlineExceeded
		}
	}
	return err
}

func (e *Engine) storeSnapshot(ctx context.Context, jobID string, result *analysis.Result) error {
	if e.blobs == nil || len(result.HTML) == 0 {
		return nil
	}
	hash, err := e.hasher.Hash(result.HTML)
	if err != nil {
		return fmt.Errorf("hash snapshot: %w", err)
	}
	uri, err := e.blobs.PutObject(ctx, e.buildBlobPath(jobID, hash), e.cfg.ContentType, result.HTML)
	if err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	result.SnapshotURI = uri
	result.HTML = nil
	return nil
}

func (e *Engine) buildBlobPath(jobID, hash string) string {
	prefix := strings.Trim(e.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", jobID, hash)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, jobID, hash)
}

func (e *Engine) finishCompleted(ctx context.Context, job analysis.Job, rep *JobReporter, result analysis.Result) {
	completed := analysis.StateCompleted
	finishedAt := e.clock.Now()
	ok, err := e.store.UpdateJobFrom(ctx, job.ID, analysis.StateActive, analysis.JobUpdate{
		State:       &completed,
		CompletedAt: &finishedAt,
		Result:      &result,
	})
	if err != nil {
		e.logger.Error("finalize job", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if !ok {
		e.logger.Warn("job left active state before completion write", zap.String("job_id", job.ID))
		return
	}

	rep.Completed(ctx, result)
	e.publish(ctx, map[string]any{
		"job_id":    job.ID,
		"user_id":   job.Payload.UserID,
		"url":       job.Payload.URL,
		"status":    string(analysis.StateCompleted),
		"score":     result.OverallScore,
		"snapshot":  result.SnapshotURI,
		"timestamp": finishedAt.Format(time.RFC3339),
	})
	e.logger.Info("job completed",
		zap.String("job_id", job.ID),
		zap.Int("score", result.OverallScore),
		zap.Duration("duration", result.Duration),
	)
}

func (e *Engine) handleFailure(ctx context.Context, job analysis.Job, rep *JobReporter, runErr error) {
	class := analysis.Classify(runErr)

	if class == analysis.ClassCancelled {
		e.finishCancelled(ctx, job, analysis.StateActive, runErr.Error())
		rep.Failed(analysis.ClassCancelled, "cancelled by user")
		return
	}

	if e.policy.ShouldRetry(class, job.AttemptsMade) {
		e.scheduleRetry(ctx, job, class, runErr)
		return
	}
	e.finishFailed(ctx, job, rep, class, runErr)
}

func (e *Engine) scheduleRetry(ctx context.Context, job analysis.Job, class analysis.Classification, runErr error) {
	delayed := analysis.StateDelayed
	reason := runErr.Error()
	ok, err := e.store.UpdateJobFrom(ctx, job.ID, analysis.StateActive, analysis.JobUpdate{
		State:          &delayed,
		FailureReason:  &reason,
		Classification: &class,
	})
	if err != nil || !ok {
		if err != nil {
			e.logger.Error("mark job delayed", zap.String("job_id", job.ID), zap.Error(err))
		}
		return
	}

	delay := e.policy.Backoff(job.AttemptsMade)
	e.logger.Info("scheduling retry",
		zap.String("job_id", job.ID),
		zap.String("classification", string(class)),
		zap.Int("attempts_made", job.AttemptsMade),
		zap.Duration("delay", delay),
	)

	e.retries.Add(1)
	go func() {
		defer e.retries.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			// Left in delayed state; recoverPending picks it up on restart.
			return
		case <-timer.C:
		}
		waiting := analysis.StateWaiting
		ok, err := e.store.UpdateJobFrom(ctx, job.ID, analysis.StateDelayed,
			analysis.JobUpdate{State: &waiting, ClearFailure: true})
		if err != nil || !ok {
			// Cancelled while delayed, or store trouble; either way do not requeue.
			return
		}
		err = e.queue.Enqueue(ctx, analysis.QueueItem{
			JobID:      job.ID,
			UserID:     job.Payload.UserID,
			Priority:   job.Payload.Priority,
			Attempt:    job.AttemptsMade,
			EnqueuedAt: e.clock.Now(),
		})
		if err != nil {
			e.logger.Error("requeue delayed job", zap.String("job_id", job.ID), zap.Error(err))
		}
	}()
}

func (e *Engine) finishFailed(ctx context.Context, job analysis.Job, rep *JobReporter, class analysis.Classification, runErr error) {
	failed := analysis.StateFailed
	finishedAt := e.clock.Now()
	reason := runErr.Error()
	ok, err := e.store.UpdateJobFrom(ctx, job.ID, analysis.StateActive, analysis.JobUpdate{
		State:          &failed,
		CompletedAt:    &finishedAt,
		FailureReason:  &reason,
		Classification: &class,
	})
	if err != nil {
		e.logger.Error("mark job failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if !ok {
		e.logger.Warn("job left active state before failure write", zap.String("job_id", job.ID))
		return
	}

	e.recordArtifact(ctx, job, class, reason)
	rep.Failed(class, reason)
	e.publish(ctx, map[string]any{
		"job_id":         job.ID,
		"user_id":        job.Payload.UserID,
		"url":            job.Payload.URL,
		"status":         string(analysis.StateFailed),
		"classification": string(class),
		"reason":         reason,
		"timestamp":      finishedAt.Format(time.RFC3339),
	})
	e.logger.Warn("job failed",
		zap.String("job_id", job.ID),
		zap.String("classification", string(class)),
		zap.String("reason", reason),
	)
}

// finishCancelled moves a job from the given state to cancelled and records
// the failure artifact. Used both for the queued fast path and mid-run stops.
func (e *Engine) finishCancelled(ctx context.Context, job analysis.Job, from analysis.JobState, reason string) {
	cancelled := analysis.StateCancelled
	class := analysis.ClassCancelled
	finishedAt := e.clock.Now()
	ok, err := e.store.UpdateJobFrom(ctx, job.ID, from, analysis.JobUpdate{
		State:          &cancelled,
		CompletedAt:    &finishedAt,
		FailureReason:  &reason,
		Classification: &class,
	})
	if err != nil {
		e.logger.Error("mark job cancelled", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if !ok {
		return
	}

	e.recordArtifact(ctx, job, analysis.ClassCancelled, reason)
	e.publish(ctx, map[string]any{
		"job_id":    job.ID,
		"user_id":   job.Payload.UserID,
		"url":       job.Payload.URL,
		"status":    string(analysis.StateCancelled),
		"timestamp": finishedAt.Format(time.RFC3339),
	})
	e.logger.Info("job cancelled", zap.String("job_id", job.ID))
}

func (e *Engine) recordArtifact(ctx context.Context, job analysis.Job, class analysis.Classification, description string) {
	artifact := analysis.FailureArtifact{
		JobID:          job.ID,
		UserID:         job.Payload.UserID,
		URL:            job.Payload.URL,
		Classification: class,
		Description:    description,
		Attempts:       job.AttemptsMade,
		RecordedAt:     e.clock.Now(),
	}
	if err := e.store.RecordFailureArtifact(ctx, artifact); err != nil {
		e.logger.Error("record failure artifact", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (e *Engine) publish(ctx context.Context, payload map[string]any) {
	if e.notifier == nil || e.cfg.Topic == "" {
		return
	}
	if _, err := e.notifier.Publish(ctx, e.cfg.Topic, payload); err != nil {
		e.logger.Warn("publish job notification", zap.Error(err))
	}
}
