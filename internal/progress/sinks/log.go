package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/sitegauge/sitegauge/internal/progress"
)

// LogSink mirrors the progress stream into the service log. Mostly useful in
// development, where no WebSocket client is attached.
type LogSink struct {
	log *zap.Logger
}

// NewLogSink returns a sink writing to logger. A nil logger disables output.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{log: logger}
}

// Consume writes one log line per event, carrying only the fields relevant
// to the event type.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("job_id", evt.JobID),
			zap.String("user_id", evt.UserID),
			zap.String("type", string(evt.Type)),
		}
		switch evt.Type {
		case progress.TypeProgress, progress.TypeStepChange:
			fields = append(fields,
				zap.String("stage", evt.Stage),
				zap.Int("percentage", evt.Percentage))
		case progress.TypeQueuePosition:
			fields = append(fields,
				zap.Int("position", evt.Position),
				zap.Duration("estimated_wait", evt.EstimatedWait))
		case progress.TypeCompleted:
			fields = append(fields,
				zap.Int("score", evt.Score),
				zap.Duration("duration", evt.Duration))
		case progress.TypeError:
			fields = append(fields,
				zap.String("classification", evt.Classification),
				zap.String("message", evt.Message))
		}
		s.log.Info("progress event", fields...)
	}
	return nil
}

// Close is a no-op; the logger belongs to the caller.
func (s *LogSink) Close(context.Context) error {
	return nil
}
