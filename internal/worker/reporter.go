package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sitegauge/sitegauge/internal/analysis"
	"github.com/sitegauge/sitegauge/internal/progress"
)

const defaultThrottle = time.Second

// Reporter fans job progress out to the persisted snapshot and the progress
// hub. Routine ticks are throttled to roughly one update per second per job;
// stage transitions and terminal events always go through.
type Reporter struct {
	store    analysis.JobStore
	emitter  progress.Emitter
	clock    analysis.Clock
	throttle time.Duration
	logger   *zap.Logger
}

// NewReporter constructs a Reporter. A non-positive throttle falls back to
// one second.
func NewReporter(store analysis.JobStore, emitter progress.Emitter, clock analysis.Clock, throttle time.Duration, logger *zap.Logger) *Reporter {
	if throttle <= 0 {
		throttle = defaultThrottle
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{
		store:    store,
		emitter:  emitter,
		clock:    clock,
		throttle: throttle,
		logger:   logger,
	}
}

// JobReporter tracks per-attempt progress state for one job. Percentage is
// monotonic within the attempt; a new attempt starts over from zero.
type JobReporter struct {
	r         *Reporter
	jobID     string
	userID    string
	startedAt time.Time

	mu       sync.Mutex
	lastEmit time.Time
	lastPct  int
	stage    Stage
}

// ForJob starts progress tracking for a freshly activated job attempt.
func (r *Reporter) ForJob(job analysis.Job) *JobReporter {
	started := r.clock.Now()
	if job.StartedAt != nil {
		started = *job.StartedAt
	}
	return &JobReporter{
		r:         r,
		jobID:     job.ID,
		userID:    job.Payload.UserID,
		startedAt: started,
	}
}

// EnterStage records a pipeline stage transition. Transitions bypass the
// throttle so clients never miss a step change.
func (jr *JobReporter) EnterStage(ctx context.Context, st Stage, details string) {
	jr.mu.Lock()
	jr.stage = st
	pct := st.Target
	if pct < jr.lastPct {
		pct = jr.lastPct
	}
	jr.lastPct = pct
	jr.lastEmit = jr.r.clock.Now()
	snapshot := jr.snapshotLocked(pct, details)
	jr.mu.Unlock()

	jr.persist(ctx, snapshot)
	jr.r.emitter.Emit(progress.Event{
		JobID:         jr.jobID,
		UserID:        jr.userID,
		Type:          progress.TypeStepChange,
		TS:            snapshot.UpdatedAt,
		Percentage:    snapshot.Percentage,
		Stage:         st.Name,
		CurrentStep:   st.Step,
		TotalSteps:    totalSteps,
		Details:       details,
		EstimatedLeft: snapshot.EstimatedLeft,
	})
}

// Tick reports incremental progress within the current stage. Ticks arriving
// inside the throttle window are discarded; the next accepted tick carries
// the latest value, so intermediate drops never lose ground.
func (jr *JobReporter) Tick(ctx context.Context, pct int, details string) {
	now := jr.r.clock.Now()

	jr.mu.Lock()
	if pct < jr.lastPct {
		pct = jr.lastPct
	}
	if ceiling := nextTarget(jr.stage); pct > ceiling {
		pct = ceiling
	}
	if now.Sub(jr.lastEmit) < jr.r.throttle {
		jr.lastPct = pct
		jr.mu.Unlock()
		return
	}
	jr.lastPct = pct
	jr.lastEmit = now
	snapshot := jr.snapshotLocked(pct, details)
	stage := jr.stage
	jr.mu.Unlock()

	jr.persist(ctx, snapshot)
	jr.r.emitter.Emit(progress.Event{
		JobID:         jr.jobID,
		UserID:        jr.userID,
		Type:          progress.TypeProgress,
		TS:            snapshot.UpdatedAt,
		Percentage:    snapshot.Percentage,
		Stage:         stage.Name,
		CurrentStep:   stage.Step,
		TotalSteps:    totalSteps,
		Details:       details,
		EstimatedLeft: snapshot.EstimatedLeft,
	})
}

// Completed emits the terminal success event with the result summary.
func (jr *JobReporter) Completed(ctx context.Context, res analysis.Result) {
	jr.EnterStage(ctx, stageCompleted, "analysis complete")
	jr.r.emitter.Emit(progress.Event{
		JobID:      jr.jobID,
		UserID:     jr.userID,
		Type:       progress.TypeCompleted,
		TS:         jr.r.clock.Now(),
		Score:      res.OverallScore,
		IssueCount: len(res.Issues),
		Duration:   res.Duration,
	})
}

// Failed emits the terminal error event.
func (jr *JobReporter) Failed(class analysis.Classification, message string) {
	jr.r.emitter.Emit(progress.Event{
		JobID:          jr.jobID,
		UserID:         jr.userID,
		Type:           progress.TypeError,
		TS:             jr.r.clock.Now(),
		Classification: string(class),
		Message:        message,
	})
}

// Percentage returns the last reported percentage.
func (jr *JobReporter) Percentage() int {
	jr.mu.Lock()
	defer jr.mu.Unlock()
	return jr.lastPct
}

func (jr *JobReporter) snapshotLocked(pct int, details string) analysis.ProgressSnapshot {
	now := jr.r.clock.Now()
	return analysis.ProgressSnapshot{
		Percentage:    pct,
		Stage:         jr.stage.Name,
		CurrentStep:   jr.stage.Step,
		TotalSteps:    totalSteps,
		StepProgress:  stepProgress(jr.stage, pct),
		Details:       details,
		EstimatedLeft: estimateRemaining(now.Sub(jr.startedAt), pct),
		UpdatedAt:     now,
	}
}

func (jr *JobReporter) persist(ctx context.Context, snapshot analysis.ProgressSnapshot) {
	if err := jr.r.store.UpdateProgress(ctx, jr.jobID, snapshot); err != nil {
		jr.r.logger.Warn("persist progress snapshot",
			zap.String("job_id", jr.jobID), zap.Error(err))
	}
}

// estimateRemaining extrapolates total runtime from progress so far. Below 1%
// the extrapolation is meaningless, so the floor keeps it finite.
func estimateRemaining(elapsed time.Duration, pct int) time.Duration {
	if elapsed <= 0 {
		return 0
	}
	if pct < 1 {
		pct = 1
	}
	total := time.Duration(float64(elapsed) / float64(pct) * 100)
	remaining := total - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// stepProgress maps the overall percentage into a 0-100 position inside the
// current stage's band.
func stepProgress(st Stage, pct int) int {
	ceiling := nextTarget(st)
	if ceiling <= st.Target {
		return 100
	}
	if pct <= st.Target {
		return 0
	}
	if pct >= ceiling {
		return 100
	}
	return (pct - st.Target) * 100 / (ceiling - st.Target)
}
