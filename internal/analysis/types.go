package analysis

import "time"

// JobState represents the lifecycle state of an analysis job.
type JobState string

// Job states persisted in the job store.
const (
	StateWaiting   JobState = "waiting"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateDelayed   JobState = "delayed"
	StateCancelled JobState = "cancelled"
)

// Terminal reports whether the state admits no further transitions other
// than an explicit user Retry (failed) or removal by retention.
func (s JobState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// JobPayload captures the immutable configuration supplied at submission.
type JobPayload struct {
	URL           string            `json:"url"`
	UserID        string            `json:"user_id"`
	Priority      int               `json:"priority"`
	BudgetSeconds int               `json:"budget_seconds"`
	BudgetMillis  int               `json:"budget_ms,omitempty"`
	RenderJS      bool              `json:"render_js"`
	PreviousScore *int              `json:"previous_score,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
}

// Budget returns the caller-supplied timeout budget as a duration. budget_ms
// takes precedence over budget_seconds and is the only way to express
// sub-second budgets.
func (p JobPayload) Budget() time.Duration {
	if p.BudgetMillis > 0 {
		return time.Duration(p.BudgetMillis) * time.Millisecond
	}
	return time.Duration(p.BudgetSeconds) * time.Second
}

// Job represents the metadata persisted for each submitted analysis request.
// Result and FailureReason are mutually exclusive and present only in
// terminal states.
type Job struct {
	ID              string            `json:"id"`
	Payload         JobPayload        `json:"payload"`
	State           JobState          `json:"state"`
	AttemptsMade    int               `json:"attempts_made"`
	CancelRequested bool              `json:"cancel_requested"`
	CreatedAt       time.Time         `json:"created_at"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	FailureReason   string            `json:"failure_reason,omitempty"`
	Classification  Classification    `json:"classification,omitempty"`
	Result          *Result           `json:"result,omitempty"`
	Progress        *ProgressSnapshot `json:"progress,omitempty"`
}

// ProgressSnapshot is the ephemeral, latest-wins progress view for a job.
// Percentage never regresses within a single attempt.
type ProgressSnapshot struct {
	Percentage    int           `json:"percentage"`
	Stage         string        `json:"stage"`
	CurrentStep   int           `json:"current_step"`
	TotalSteps    int           `json:"total_steps"`
	StepProgress  int           `json:"step_progress"`
	Details       string        `json:"details,omitempty"`
	EstimatedLeft time.Duration `json:"estimated_time_remaining,omitempty"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Issue describes a single finding reported by the analyzer.
type Issue struct {
	Severity       string `json:"severity"`
	Category       string `json:"category"`
	Message        string `json:"message"`
	Recommendation string `json:"recommendation,omitempty"`
}

// Result holds the normalized output of a completed analysis. HTML carries
// the raw page snapshot between the analyzer and the worker's storing stage
// and is never serialized.
type Result struct {
	OverallScore int            `json:"overall_score"`
	Scores       map[string]int `json:"scores"`
	Issues       []Issue        `json:"issues,omitempty"`
	PageTitle    string         `json:"page_title,omitempty"`
	ScoreDelta   *int           `json:"score_delta,omitempty"`
	SnapshotURI  string         `json:"snapshot_uri,omitempty"`
	Duration     time.Duration  `json:"duration"`
	HTML         []byte         `json:"-"`
}

// Complete reports whether the result is structurally usable. An empty
// score set is treated as an analyzer bug, not a transient fault.
func (r Result) Complete() bool {
	return len(r.Scores) > 0
}

// FailureArtifact is the durable record written for every terminally failed
// or cancelled job so downstream consumers never see a silent hole.
type FailureArtifact struct {
	JobID          string         `json:"job_id"`
	UserID         string         `json:"user_id"`
	URL            string         `json:"url"`
	Classification Classification `json:"classification"`
	Description    string         `json:"description"`
	Attempts       int            `json:"attempts"`
	RecordedAt     time.Time      `json:"recorded_at"`
}

// QueueMetrics is the aggregate view recomputed on a fixed interval.
type QueueMetrics struct {
	Counts                map[JobState]int `json:"counts"`
	AverageProcessingTime time.Duration    `json:"average_processing_time"`
	Paused                bool             `json:"paused"`
	CollectedAt           time.Time        `json:"collected_at"`
}

// JobView is the caller-facing status projection. Position is the 1-based
// rank among waiting jobs and is zero unless the job is waiting.
type JobView struct {
	Job
	Position      int           `json:"position,omitempty"`
	EstimatedWait time.Duration `json:"estimated_wait,omitempty"`
}

// Capability describes the adapter's operating mode. Every public adapter
// method branches once on this at entry.
type Capability int32

// Adapter operating modes.
const (
	CapabilityReady Capability = iota
	CapabilityDegraded
	CapabilityDisabled
)

// String returns the capability label used in health reports.
func (c Capability) String() string {
	switch c {
	case CapabilityReady:
		return "ready"
	case CapabilityDegraded:
		return "degraded"
	case CapabilityDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// HealthReport is returned by the adapter's Health check.
type HealthReport struct {
	Status  string            `json:"status"`
	Details map[string]string `json:"details,omitempty"`
}

// QueueItem wraps a job ready to run.
type QueueItem struct {
	JobID      string
	UserID     string
	Priority   int
	Attempt    int
	EnqueuedAt time.Time
}

// AnalysisRequest carries everything the analyzer needs for one attempt.
type AnalysisRequest struct {
	JobID         string
	URL           string
	PreviousScore *int
	RenderJS      bool
}
