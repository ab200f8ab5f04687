package analysis

import (
	"context"
	"time"
)

// JobUpdate describes a partial mutation applied to a persisted job. Nil
// fields are left untouched. ClearFailure resets failure fields on Retry.
type JobUpdate struct {
	State           *JobState
	AttemptsMade    *int
	CancelRequested *bool
	StartedAt       *time.Time
	CompletedAt     *time.Time
	FailureReason   *string
	Classification  *Classification
	Result          *Result
	ClearFailure    bool
}

// JobStore persists authoritative job state. UpdateJobFrom is the atomic
// conditional write that closes the race between a cancellation request and
// a worker's own terminal write.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	UpdateJob(ctx context.Context, jobID string, update JobUpdate) error
	// UpdateJobFrom applies the update only if the job is currently in the
	// given state. It returns false without error when the precondition
	// does not hold.
	UpdateJobFrom(ctx context.Context, jobID string, from JobState, update JobUpdate) (bool, error)
	UpdateProgress(ctx context.Context, jobID string, snapshot ProgressSnapshot) error
	ListJobsByState(ctx context.Context, state JobState, limit, offset int) ([]Job, error)
	CountJobs(ctx context.Context) (map[JobState]int, error)
	// RecentCompletions returns up to limit completed jobs ordered most
	// recent first, for processing-time estimation.
	RecentCompletions(ctx context.Context, limit int) ([]Job, error)
	RecordFailureArtifact(ctx context.Context, artifact FailureArtifact) error
	GetFailureArtifact(ctx context.Context, jobID string) (FailureArtifact, error)
	// PurgeTerminal removes terminal jobs finished before the cutoff and
	// returns how many were removed.
	PurgeTerminal(ctx context.Context, cutoff time.Time) (int, error)
	Ping(ctx context.Context) error
}

// ReadyQueue is the execution substrate workers pull from. Dequeue order is
// priority descending, FIFO within equal priority.
type ReadyQueue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
	// Remove deletes a waiting item and reports whether it was present.
	Remove(jobID string) bool
	// Waiting returns a snapshot of queued items in dequeue order.
	Waiting() []QueueItem
	Pause()
	Resume()
	Close()
}

// Analyzer runs the page analysis operation. Implementations must honor ctx
// so the worker can abandon a run on timeout or cancellation.
type Analyzer interface {
	Analyze(ctx context.Context, req AnalysisRequest) (Result, error)
}

// BlobStore writes raw page snapshots and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Hasher digests snapshot bytes for content-addressed blob paths.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Notifier pushes terminal job summaries to downstream consumers.
// Publishes are fire-and-forget from the worker's point of view.
type Notifier interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
