package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sitegauge/sitegauge/internal/analysis"
)

func newJob(id string, state analysis.JobState) analysis.Job {
	return analysis.Job{
		ID:        id,
		State:     state,
		CreatedAt: time.Now().UTC(),
		Payload: analysis.JobPayload{
			URL:    "https://example.com",
			UserID: "user-1",
		},
	}
}

func TestJobStore_CreateAndGet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewJobStore()
	require.NoError(t, store.CreateJob(ctx, newJob("a", analysis.StateWaiting)))
	require.ErrorIs(t, store.CreateJob(ctx, newJob("a", analysis.StateWaiting)), analysis.ErrJobExists)

	job, err := store.GetJob(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, analysis.StateWaiting, job.State)

	_, err = store.GetJob(ctx, "missing")
	require.ErrorIs(t, err, analysis.ErrJobNotFound)
}

func TestJobStore_UpdateJobFrom_Precondition(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewJobStore()
	require.NoError(t, store.CreateJob(ctx, newJob("a", analysis.StateActive)))

	completed := analysis.StateCompleted
	ok, err := store.UpdateJobFrom(ctx, "a", analysis.StateActive, analysis.JobUpdate{State: &completed})
	require.NoError(t, err)
	require.True(t, ok)

	// The job is terminal now; a competing cancel write must lose.
	cancelled := analysis.StateCancelled
	ok, err = store.UpdateJobFrom(ctx, "a", analysis.StateActive, analysis.JobUpdate{State: &cancelled})
	require.NoError(t, err)
	require.False(t, ok)

	job, err := store.GetJob(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, analysis.StateCompleted, job.State)
}

func TestJobStore_ClearFailureOnRetry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewJobStore()
	job := newJob("a", analysis.StateFailed)
	job.FailureReason = "boom"
	job.Classification = analysis.ClassFatal
	now := time.Now().UTC()
	job.CompletedAt = &now
	job.AttemptsMade = 2
	require.NoError(t, store.CreateJob(ctx, job))

	waiting := analysis.StateWaiting
	ok, err := store.UpdateJobFrom(ctx, "a", analysis.StateFailed, analysis.JobUpdate{
		State:        &waiting,
		ClearFailure: true,
	})
	require.NoError(t, err)
	require.True(t, ok)

	got, err := store.GetJob(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, analysis.StateWaiting, got.State)
	require.Empty(t, got.FailureReason)
	require.Empty(t, got.Classification)
	require.Nil(t, got.CompletedAt)
	require.Equal(t, 2, got.AttemptsMade, "attempts accumulate across retries")
}

func TestJobStore_CountsAndRecentCompletions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewJobStore()
	base := time.Now().UTC()
	for i, id := range []string{"c1", "c2", "c3"} {
		job := newJob(id, analysis.StateCompleted)
		started := base.Add(time.Duration(i) * time.Minute)
		finished := started.Add(30 * time.Second)
		job.StartedAt = &started
		job.CompletedAt = &finished
		require.NoError(t, store.CreateJob(ctx, job))
	}
	require.NoError(t, store.CreateJob(ctx, newJob("w1", analysis.StateWaiting)))

	counts, err := store.CountJobs(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, counts[analysis.StateCompleted])
	require.Equal(t, 1, counts[analysis.StateWaiting])

	recent, err := store.RecentCompletions(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, "c3", recent[0].ID)
	require.Equal(t, "c2", recent[1].ID)
}

func TestJobStore_ProgressAndArtifacts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewJobStore()
	require.NoError(t, store.CreateJob(ctx, newJob("a", analysis.StateActive)))

	require.NoError(t, store.UpdateProgress(ctx, "a", analysis.ProgressSnapshot{
		Percentage: 30,
		Stage:      "analyzing",
	}))
	job, err := store.GetJob(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, job.Progress)
	require.Equal(t, 30, job.Progress.Percentage)

	artifact := analysis.FailureArtifact{
		JobID:          "a",
		Classification: analysis.ClassTimeout,
		Description:    "deadline exceeded",
	}
	require.NoError(t, store.RecordFailureArtifact(ctx, artifact))
	got, err := store.GetFailureArtifact(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, analysis.ClassTimeout, got.Classification)
}

func TestJobStore_PurgeTerminal(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewJobStore()
	old := time.Now().UTC().Add(-48 * time.Hour)
	fresh := time.Now().UTC()

	stale := newJob("stale", analysis.StateFailed)
	stale.CompletedAt = &old
	recent := newJob("recent", analysis.StateCompleted)
	recent.CompletedAt = &fresh
	running := newJob("running", analysis.StateActive)

	for _, job := range []analysis.Job{stale, recent, running} {
		require.NoError(t, store.CreateJob(ctx, job))
	}

	removed, err := store.PurgeTerminal(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = store.GetJob(ctx, "stale")
	require.ErrorIs(t, err, analysis.ErrJobNotFound)
	_, err = store.GetJob(ctx, "recent")
	require.NoError(t, err)
}
