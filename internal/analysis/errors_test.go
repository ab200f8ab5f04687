package analysis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify_ContextErrors(t *testing.T) {
	t.Parallel()

	require.Equal(t, ClassTimeout, Classify(context.DeadlineExceeded))
	require.Equal(t, ClassCancelled, Classify(context.Canceled))
	require.Equal(t, ClassCancelled, Classify(fmt.Errorf("poll: %w", ErrCancelRequested)))
}

func TestClassify_TransportErrors(t *testing.T) {
	t.Parallel()

	require.Equal(t, ClassTransient, Classify(&net.DNSError{Err: "lookup failed", Name: "example.com"}))
	require.Equal(t, ClassTransient, Classify(&net.OpError{Op: "dial", Err: errors.New("unreachable")}))
	require.Equal(t, ClassTransient, Classify(fmt.Errorf("fetch: %w", syscall.ECONNRESET)))
	require.Equal(t, ClassTransient, Classify(errors.New("read tcp: connection reset by peer")))
}

func TestClassify_PreclassifiedAndFallback(t *testing.T) {
	t.Parallel()

	require.Equal(t, ClassIncompleteResult, Classify(NewFailure(ClassIncompleteResult, ErrIncompleteResult)))
	require.Equal(t, ClassIncompleteResult, Classify(fmt.Errorf("validate: %w", ErrIncompleteResult)))
	require.Equal(t, ClassValidation, Classify(&ValidationError{Field: "url", Reason: "is required"}))
	require.Equal(t, ClassFatal, Classify(errors.New("panic in scorer")))
}

func TestClassification_Retryable(t *testing.T) {
	t.Parallel()

	require.True(t, ClassTimeout.Retryable())
	require.True(t, ClassTransient.Retryable())
	require.False(t, ClassCancelled.Retryable())
	require.False(t, ClassIncompleteResult.Retryable())
	require.False(t, ClassValidation.Retryable())
	require.False(t, ClassFatal.Retryable())
}

func TestFailure_Unwrap(t *testing.T) {
	t.Parallel()

	inner := errors.New("boom")
	failure := NewFailure(ClassFatal, inner)
	require.ErrorIs(t, failure, inner)
	require.Contains(t, failure.Error(), "fatal")
}

func TestJobState_Terminal(t *testing.T) {
	t.Parallel()

	for _, state := range []JobState{StateCompleted, StateFailed, StateCancelled} {
		require.True(t, state.Terminal(), "state %s", state)
	}
	for _, state := range []JobState{StateWaiting, StateActive, StateDelayed} {
		require.False(t, state.Terminal(), "state %s", state)
	}
}
