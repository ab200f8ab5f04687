package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func (s *captureSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, batch...)
	return nil
}

func (s *captureSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *captureSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func progressEvent(jobID string, pct int) Event {
	return Event{
		JobID:      jobID,
		UserID:     "user-1",
		Type:       TypeProgress,
		TS:         time.Now().UTC(),
		Percentage: pct,
		Stage:      "analyzing",
	}
}

func TestHub_DeliversEventsToSinks(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	hub := NewHub(Config{MaxBatchWait: 10 * time.Millisecond}, sink)

	hub.Emit(progressEvent("job-1", 10))
	hub.Emit(progressEvent("job-1", 20))

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 2
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Close(context.Background()))
	require.True(t, sink.closed)
}

func TestHub_DropsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	hub := NewHub(Config{MaxBatchWait: 10 * time.Millisecond}, sink)
	defer func() { _ = hub.Close(context.Background()) }()

	hub.Emit(Event{Type: TypeProgress})                           // missing job id
	hub.Emit(Event{JobID: "job-1", Type: EventType("mystery"), TS: time.Now()}) // unknown type
	hub.Emit(progressEvent("job-1", 50))

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 1
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, 50, sink.snapshot()[0].Percentage)
}

func TestHub_CloseFlushesPending(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	// Long batch wait so events sit in the buffer until Close drains them.
	hub := NewHub(Config{MaxBatchWait: time.Minute}, sink)

	for i := 0; i < 5; i++ {
		hub.Emit(progressEvent("job-1", i*10))
	}
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.snapshot(), 5)
}

func TestHub_EmitAfterCloseIsIgnored(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	hub := NewHub(Config{}, sink)
	require.NoError(t, hub.Close(context.Background()))

	hub.Emit(progressEvent("job-1", 10))
	require.Empty(t, sink.snapshot())
}

func TestEvent_Validate(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	cases := []struct {
		name    string
		evt     Event
		wantErr bool
	}{
		{"valid progress", Event{JobID: "j", Type: TypeProgress, TS: now, Percentage: 50}, false},
		{"percentage out of range", Event{JobID: "j", Type: TypeProgress, TS: now, Percentage: 101}, true},
		{"missing timestamp", Event{JobID: "j", Type: TypeProgress}, true},
		{"step change without stage", Event{JobID: "j", Type: TypeStepChange, TS: now}, true},
		{"queue position zero", Event{JobID: "j", Type: TypeQueuePosition, TS: now}, true},
		{"valid queue position", Event{JobID: "j", Type: TypeQueuePosition, TS: now, Position: 1}, false},
		{"error without classification", Event{JobID: "j", Type: TypeError, TS: now}, true},
		{"valid error", Event{JobID: "j", Type: TypeError, TS: now, Classification: "timeout"}, false},
		{"valid completed", Event{JobID: "j", Type: TypeCompleted, TS: now, Score: 88}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.evt.Validate()
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
