// Package memory provides storage implementations for development/testing.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sitegauge/sitegauge/internal/analysis"
)

// JobStore is an in-memory analysis.JobStore. It is the single writer of
// authoritative job state; all mutation is a short read-modify-write under
// one lock, which gives UpdateJobFrom its atomicity.
type JobStore struct {
	mu        sync.RWMutex
	jobs      map[string]analysis.Job
	artifacts map[string]analysis.FailureArtifact
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:      make(map[string]analysis.Job),
		artifacts: make(map[string]analysis.FailureArtifact),
	}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job analysis.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("create job %s: %w", job.ID, analysis.ErrJobExists)
	}
	s.jobs[job.ID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (analysis.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return analysis.Job{}, analysis.ErrJobNotFound
	}
	return job, nil
}

// UpdateJob applies a partial update unconditionally.
func (s *JobStore) UpdateJob(_ context.Context, jobID string, update analysis.JobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return analysis.ErrJobNotFound
	}
	applyUpdate(&job, update)
	s.jobs[jobID] = job
	return nil
}

// UpdateJobFrom applies the update only while the job is in the expected
// state, reporting false when the precondition fails.
func (s *JobStore) UpdateJobFrom(
	_ context.Context,
	jobID string,
	from analysis.JobState,
	update analysis.JobUpdate,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false, analysis.ErrJobNotFound
	}
	if job.State != from {
		return false, nil
	}
	applyUpdate(&job, update)
	s.jobs[jobID] = job
	return true, nil
}

// UpdateProgress overwrites the latest progress snapshot for a job.
func (s *JobStore) UpdateProgress(_ context.Context, jobID string, snapshot analysis.ProgressSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return analysis.ErrJobNotFound
	}
	job.Progress = &snapshot
	s.jobs[jobID] = job
	return nil
}

// ListJobsByState returns jobs in a state ordered by creation time.
func (s *JobStore) ListJobsByState(
	_ context.Context,
	state analysis.JobState,
	limit, offset int,
) ([]analysis.Job, error) {
	s.mu.RLock()
	matched := make([]analysis.Job, 0)
	for _, job := range s.jobs {
		if job.State == state {
			matched = append(matched, job)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

// CountJobs returns per-state counts.
func (s *JobStore) CountJobs(_ context.Context) (map[analysis.JobState]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[analysis.JobState]int)
	for _, job := range s.jobs {
		counts[job.State]++
	}
	return counts, nil
}

// RecentCompletions returns up to limit completed jobs, newest first.
func (s *JobStore) RecentCompletions(_ context.Context, limit int) ([]analysis.Job, error) {
	s.mu.RLock()
	completed := make([]analysis.Job, 0)
	for _, job := range s.jobs {
		if job.State == analysis.StateCompleted && job.CompletedAt != nil {
			completed = append(completed, job)
		}
	}
	s.mu.RUnlock()

	sort.Slice(completed, func(i, j int) bool {
		return completed[i].CompletedAt.After(*completed[j].CompletedAt)
	})
	if limit > 0 && limit < len(completed) {
		completed = completed[:limit]
	}
	return completed, nil
}

// RecordFailureArtifact stores the durable failure record for a job.
func (s *JobStore) RecordFailureArtifact(_ context.Context, artifact analysis.FailureArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[artifact.JobID] = artifact
	return nil
}

// GetFailureArtifact fetches the failure record for a job.
func (s *JobStore) GetFailureArtifact(_ context.Context, jobID string) (analysis.FailureArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	artifact, ok := s.artifacts[jobID]
	if !ok {
		return analysis.FailureArtifact{}, analysis.ErrJobNotFound
	}
	return artifact, nil
}

// PurgeTerminal removes terminal jobs finished before the cutoff, along
// with their failure artifacts.
func (s *JobStore) PurgeTerminal(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, job := range s.jobs {
		if !job.State.Terminal() || job.CompletedAt == nil {
			continue
		}
		if job.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			delete(s.artifacts, id)
			removed++
		}
	}
	return removed, nil
}

// Ping reports store reachability; always healthy for the memory store.
func (s *JobStore) Ping(context.Context) error {
	return nil
}

func applyUpdate(job *analysis.Job, update analysis.JobUpdate) {
	if update.State != nil {
		job.State = *update.State
	}
	if update.AttemptsMade != nil {
		job.AttemptsMade = *update.AttemptsMade
	}
	if update.CancelRequested != nil {
		job.CancelRequested = *update.CancelRequested
	}
	if update.StartedAt != nil {
		job.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		job.CompletedAt = update.CompletedAt
	}
	if update.FailureReason != nil {
		job.FailureReason = *update.FailureReason
	}
	if update.Classification != nil {
		job.Classification = *update.Classification
	}
	if update.Result != nil {
		job.Result = update.Result
	}
	if update.ClearFailure {
		job.FailureReason = ""
		job.Classification = ""
		job.Result = nil
		job.CompletedAt = nil
	}
}
