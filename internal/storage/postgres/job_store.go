// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sitegauge/sitegauge/internal/analysis"
)

const uniqueViolation = "23505"

// Config controls the Postgres connection pool used for job rows.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
	Close()
}

// JobStore implements analysis.JobStore on top of Postgres. Conditional
// updates are expressed as `UPDATE ... WHERE id = $n AND state = $m` so the
// cancel-versus-terminal race resolves inside the database.
type JobStore struct {
	pool db
}

// NewJobStore connects a pool using the provided config.
func NewJobStore(ctx context.Context, cfg Config) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &JobStore{pool: pool}, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily
// for testing).
func NewJobStoreWithPool(pool db) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{pool: pool}, nil
}

// Close closes the underlying connection pool.
func (s *JobStore) Close() {
	s.pool.Close()
}

// Ping reports database reachability.
func (s *JobStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// CreateJob inserts a new job row.
func (s *JobStore) CreateJob(ctx context.Context, job analysis.Job) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	query := `
		INSERT INTO analysis_jobs
			(id, state, payload, attempts_made, cancel_requested, created_at)
		VALUES ($1, $2, $3, $4, $5, $6);
	`
	_, err = s.pool.Exec(ctx, query,
		job.ID, string(job.State), payload, job.AttemptsMade, job.CancelRequested, job.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("create job %s: %w", job.ID, analysis.ErrJobExists)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a single job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (analysis.Job, error) {
	query := `
		SELECT id, state, payload, attempts_made, cancel_requested,
			created_at, started_at, completed_at, failure_reason,
			classification, result, progress
		FROM analysis_jobs
		WHERE id = $1;
	`
	return s.scanJob(s.pool.QueryRow(ctx, query, jobID))
}

// UpdateJob applies a partial update unconditionally.
func (s *JobStore) UpdateJob(ctx context.Context, jobID string, update analysis.JobUpdate) error {
	set, args, err := buildUpdate(update)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("UPDATE analysis_jobs SET %s WHERE id = $%d;",
		strings.Join(set, ", "), len(args)+1)
	args = append(args, jobID)
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return analysis.ErrJobNotFound
	}
	return nil
}

// UpdateJobFrom applies the update only while the job is in the expected
// state. The state predicate makes the read-modify-write atomic.
func (s *JobStore) UpdateJobFrom(
	ctx context.Context,
	jobID string,
	from analysis.JobState,
	update analysis.JobUpdate,
) (bool, error) {
	set, args, err := buildUpdate(update)
	if err != nil {
		return false, err
	}
	query := fmt.Sprintf("UPDATE analysis_jobs SET %s WHERE id = $%d AND state = $%d;",
		strings.Join(set, ", "), len(args)+1, len(args)+2)
	args = append(args, jobID, string(from))
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("conditional update job: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	// Distinguish a lost precondition from a missing row.
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return false, err
	}
	return false, nil
}

// UpdateProgress overwrites the latest progress snapshot for a job.
func (s *JobStore) UpdateProgress(ctx context.Context, jobID string, snapshot analysis.ProgressSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		"UPDATE analysis_jobs SET progress = $1 WHERE id = $2;", data, jobID)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return analysis.ErrJobNotFound
	}
	return nil
}

// ListJobsByState returns jobs in a state ordered by submission time.
func (s *JobStore) ListJobsByState(
	ctx context.Context,
	state analysis.JobState,
	limit, offset int,
) ([]analysis.Job, error) {
	query := `
		SELECT id, state, payload, attempts_made, cancel_requested,
			created_at, started_at, completed_at, failure_reason,
			classification, result, progress
		FROM analysis_jobs
		WHERE state = $1
		ORDER BY created_at ASC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, string(state), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return s.collectJobs(rows)
}

// CountJobs returns per-state counts.
func (s *JobStore) CountJobs(ctx context.Context) (map[analysis.JobState]int, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT state, COUNT(*) FROM analysis_jobs GROUP BY state;")
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[analysis.JobState]int)
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("scan count row: %w", err)
		}
		counts[analysis.JobState(state)] = count
	}
	return counts, rows.Err()
}

// RecentCompletions returns up to limit completed jobs, newest first.
func (s *JobStore) RecentCompletions(ctx context.Context, limit int) ([]analysis.Job, error) {
	query := `
		SELECT id, state, payload, attempts_made, cancel_requested,
			created_at, started_at, completed_at, failure_reason,
			classification, result, progress
		FROM analysis_jobs
		WHERE state = $1 AND completed_at IS NOT NULL
		ORDER BY completed_at DESC
		LIMIT $2;
	`
	rows, err := s.pool.Query(ctx, query, string(analysis.StateCompleted), limit)
	if err != nil {
		return nil, fmt.Errorf("recent completions: %w", err)
	}
	defer rows.Close()
	return s.collectJobs(rows)
}

// RecordFailureArtifact upserts the durable failure record for a job.
func (s *JobStore) RecordFailureArtifact(ctx context.Context, artifact analysis.FailureArtifact) error {
	query := `
		INSERT INTO failure_artifacts
			(job_id, user_id, url, classification, description, attempts, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (job_id) DO UPDATE
		SET classification = EXCLUDED.classification,
			description = EXCLUDED.description,
			attempts = EXCLUDED.attempts,
			recorded_at = EXCLUDED.recorded_at;
	`
	_, err := s.pool.Exec(ctx, query,
		artifact.JobID, artifact.UserID, artifact.URL, string(artifact.Classification),
		artifact.Description, artifact.Attempts, artifact.RecordedAt)
	if err != nil {
		return fmt.Errorf("record failure artifact: %w", err)
	}
	return nil
}

// GetFailureArtifact retrieves the failure record for a job.
func (s *JobStore) GetFailureArtifact(ctx context.Context, jobID string) (analysis.FailureArtifact, error) {
	query := `
		SELECT job_id, user_id, url, classification, description, attempts, recorded_at
		FROM failure_artifacts
		WHERE job_id = $1;
	`
	var artifact analysis.FailureArtifact
	var classification string
	err := s.pool.QueryRow(ctx, query, jobID).Scan(
		&artifact.JobID,
		&artifact.UserID,
		&artifact.URL,
		&classification,
		&artifact.Description,
		&artifact.Attempts,
		&artifact.RecordedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return analysis.FailureArtifact{}, analysis.ErrJobNotFound
		}
		return analysis.FailureArtifact{}, fmt.Errorf("get failure artifact: %w", err)
	}
	artifact.Classification = analysis.Classification(classification)
	return artifact, nil
}

// PurgeTerminal removes terminal jobs finished before the cutoff along with
// their failure artifacts.
func (s *JobStore) PurgeTerminal(ctx context.Context, cutoff time.Time) (int, error) {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM failure_artifacts
		WHERE job_id IN (
			SELECT id FROM analysis_jobs
			WHERE state IN ($1, $2, $3) AND completed_at < $4
		);`,
		string(analysis.StateCompleted), string(analysis.StateFailed),
		string(analysis.StateCancelled), cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge artifacts: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM analysis_jobs
		WHERE state IN ($1, $2, $3) AND completed_at < $4;`,
		string(analysis.StateCompleted), string(analysis.StateFailed),
		string(analysis.StateCancelled), cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *JobStore) scanJob(row pgx.Row) (analysis.Job, error) {
	var (
		job            analysis.Job
		state          string
		payload        []byte
		failureReason  *string
		classification *string
		result         []byte
		progress       []byte
	)
	err := row.Scan(
		&job.ID,
		&state,
		&payload,
		&job.AttemptsMade,
		&job.CancelRequested,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&failureReason,
		&classification,
		&result,
		&progress,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return analysis.Job{}, analysis.ErrJobNotFound
		}
		return analysis.Job{}, fmt.Errorf("scan job row: %w", err)
	}
	job.State = analysis.JobState(state)
	if failureReason != nil {
		job.FailureReason = *failureReason
	}
	if classification != nil {
		job.Classification = analysis.Classification(*classification)
	}
	if err := json.Unmarshal(payload, &job.Payload); err != nil {
		return analysis.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if len(result) > 0 {
		job.Result = &analysis.Result{}
		if err := json.Unmarshal(result, job.Result); err != nil {
			return analysis.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	if len(progress) > 0 {
		job.Progress = &analysis.ProgressSnapshot{}
		if err := json.Unmarshal(progress, job.Progress); err != nil {
			return analysis.Job{}, fmt.Errorf("unmarshal progress: %w", err)
		}
	}
	return job, nil
}

func (s *JobStore) collectJobs(rows pgx.Rows) ([]analysis.Job, error) {
	var jobs []analysis.Job
	for rows.Next() {
		job, err := s.scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func buildUpdate(update analysis.JobUpdate) ([]string, []any, error) {
	var set []string
	var args []any
	add := func(column string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if update.State != nil {
		add("state", string(*update.State))
	}
	if update.AttemptsMade != nil {
		add("attempts_made", *update.AttemptsMade)
	}
	if update.CancelRequested != nil {
		add("cancel_requested", *update.CancelRequested)
	}
	if update.StartedAt != nil {
		add("started_at", *update.StartedAt)
	}
	if update.CompletedAt != nil {
		add("completed_at", *update.CompletedAt)
	}
	if update.FailureReason != nil {
		add("failure_reason", *update.FailureReason)
	}
	if update.Classification != nil {
		add("classification", string(*update.Classification))
	}
	if update.Result != nil {
		data, err := json.Marshal(update.Result)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal result: %w", err)
		}
		add("result", data)
	}
	if update.ClearFailure {
		set = append(set,
			"failure_reason = NULL",
			"classification = NULL",
			"result = NULL",
			"completed_at = NULL")
	}
	if len(set) == 0 {
		return nil, nil, fmt.Errorf("empty job update")
	}
	return set, args, nil
}
