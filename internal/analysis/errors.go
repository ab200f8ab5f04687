package analysis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Classification buckets a failure for retry and reporting decisions.
type Classification string

// Failure classifications.
const (
	ClassValidation       Classification = "validation_error"
	ClassTimeout          Classification = "timeout"
	ClassCancelled        Classification = "cancelled"
	ClassTransient        Classification = "transient_infrastructure"
	ClassIncompleteResult Classification = "incomplete_result"
	ClassFatal            Classification = "fatal"
)

// Retryable reports whether jobs failing with this classification may be
// re-queued automatically. Cancellations and incomplete results only ever
// run again through an explicit user Retry.
func (c Classification) Retryable() bool {
	switch c {
	case ClassTimeout, ClassTransient:
		return true
	default:
		return false
	}
}

// Sentinel errors shared across the engine.
var (
	ErrJobNotFound      = errors.New("job not found")
	ErrJobExists        = errors.New("job already exists")
	ErrQueueDisabled    = errors.New("queue execution substrate is unavailable")
	ErrIncompleteResult = errors.New("analyzer returned a result with no scores")
	ErrCancelRequested  = errors.New("cancellation requested")
)

// ValidationError rejects a submission before any job is created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid payload: %s %s", e.Field, e.Reason)
}

// Failure couples an underlying error with its classification so the worker
// can report both without re-deriving.
type Failure struct {
	Class Classification
	Err   error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Class, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// NewFailure wraps err with an explicit classification.
func NewFailure(class Classification, err error) *Failure {
	return &Failure{Class: class, Err: err}
}

// Classify buckets an arbitrary execution error. Pre-classified failures
// keep their class; everything unrecognized is fatal.
func Classify(err error) Classification {
	if err == nil {
		return ""
	}
	var failure *Failure
	if errors.As(err, &failure) {
		return failure.Class
	}
	var validation *ValidationError
	if errors.As(err, &validation) {
		return ClassValidation
	}
	switch {
	case errors.Is(err, ErrCancelRequested), errors.Is(err, context.Canceled):
		return ClassCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case errors.Is(err, ErrIncompleteResult):
		return ClassIncompleteResult
	}
	if isTransport(err) {
		return ClassTransient
	}
	return ClassFatal
}

// isTransport matches the network/connection-reset/DNS error class.
func isTransport(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	switch {
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE):
		return true
	}
	// Some transports stringify connection failures before returning them.
	text := err.Error()
	for _, marker := range []string{"connection reset", "connection refused", "no such host", "EOF"} {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}
