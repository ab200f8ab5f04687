package progress

import (
	"errors"
	"fmt"
	"time"
)

// EventType denotes what kind of milestone an Event represents.
type EventType string

// Supported event types on the progress channel.
const (
	TypeProgress      EventType = "progress"
	TypeStepChange    EventType = "step_change"
	TypeQueuePosition EventType = "queue_position"
	TypeCompleted     EventType = "completed"
	TypeError         EventType = "error"
)

// Event captures a single progress channel message. Events are addressed to
// the owning user and keyed by job id; unrelated fields stay zero.
type Event struct {
	// JobID identifies the job this event belongs to.
	JobID string `json:"job_id"`
	// UserID addresses the event to the submitting user.
	UserID string `json:"user_id"`
	// Type denotes which milestone occurred.
	Type EventType `json:"type"`
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time `json:"ts"`

	// Percentage and Stage describe pipeline progress (progress/step_change).
	Percentage  int    `json:"percentage,omitempty"`
	Stage       string `json:"stage,omitempty"`
	CurrentStep int    `json:"current_step,omitempty"`
	TotalSteps  int    `json:"total_steps,omitempty"`
	Details     string `json:"details,omitempty"`
	// EstimatedLeft is the derived time-remaining estimate; absent early.
	EstimatedLeft time.Duration `json:"estimated_time_remaining,omitempty"`

	// Position and EstimatedWait apply to queue_position events.
	Position      int           `json:"position,omitempty"`
	EstimatedWait time.Duration `json:"estimated_wait,omitempty"`

	// Summary fields for completed events.
	Score      int           `json:"score,omitempty"`
	IssueCount int           `json:"issue_count,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`

	// Classification and Message describe error events.
	Classification string `json:"classification,omitempty"`
	Message        string `json:"message,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Type {
	case TypeProgress:
		if e.Percentage < 0 || e.Percentage > 100 {
			return fmt.Errorf("percentage %d out of range", e.Percentage)
		}
	case TypeStepChange:
		if e.Stage == "" {
			return errors.New("step change requires stage")
		}
	case TypeQueuePosition:
		if e.Position < 1 {
			return errors.New("queue position must be >= 1")
		}
	case TypeCompleted:
	case TypeError:
		if e.Classification == "" {
			return errors.New("error event requires classification")
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return nil
}
