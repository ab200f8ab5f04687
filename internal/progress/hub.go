package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config tunes buffering and delivery for the Hub. Zero values pick
// conservative defaults.
type Config struct {
	// BufferSize is the capacity of the intake channel.
	BufferSize int
	// MaxBatchEvents flushes a batch once it reaches this size.
	MaxBatchEvents int
	// MaxBatchWait bounds how long the first event of a batch waits.
	MaxBatchWait time.Duration
	// SinkTimeout bounds each sink call during a flush.
	SinkTimeout time.Duration
	// BaseContext is the parent context for sink calls.
	BaseContext context.Context
	// Logger receives drop and sink-failure warnings.
	Logger *zap.Logger
}

const (
	defaultBufferSize     = 1024
	defaultMaxBatchEvents = 256
	defaultMaxBatchWait   = 250 * time.Millisecond
	defaultSinkTimeout    = 5 * time.Second
	dropWarnEvery         = 5 * time.Second
)

// Hub is the fan-out point for job progress. Emitters hand it events and a
// single background goroutine batches them out to every registered sink.
// Emit never blocks; under sustained backpressure events are shed.
type Hub struct {
	cfg   Config
	sinks []Sink
	in    chan Event
	quit  chan struct{}
	done  chan struct{}
	log   *zap.Logger

	drops    atomic.Int64
	lastWarn atomic.Int64
	stopping atomic.Bool
	stopOnce sync.Once
	flushCtx context.Context
}

// NewHub starts the delivery goroutine and returns a Hub ready for Emit.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	h := &Hub{
		cfg:   cfg,
		sinks: append([]Sink(nil), sinks...),
		in:    make(chan Event, cfg.BufferSize),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
		log:   log,
	}
	go h.run()
	return h
}

// Emit queues an event for delivery. Malformed events are discarded, and when
// the intake buffer is full the event is dropped rather than blocking the
// caller.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.stopping.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.log.Debug("skipping malformed progress event",
			zap.String("job_id", evt.JobID), zap.Error(err))
		return
	}
	select {
	case h.in <- evt:
	default:
		h.noteDrop()
	}
}

// Close stops intake, drains buffered events to the sinks, closes the sinks,
// and waits for the delivery goroutine. Safe to call more than once.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.stopOnce.Do(func() {
		h.stopping.Store(true)
		h.flushCtx = ctx
		close(h.quit)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.done)

	var (
		pending []Event
		flush   *time.Timer
	)
	flushC := func() <-chan time.Time {
		if flush == nil {
			return nil
		}
		return flush.C
	}

	for {
		select {
		case evt := <-h.in:
			pending = append(pending, evt)
			if len(pending) >= h.cfg.MaxBatchEvents {
				h.deliver(pending)
				pending = pending[:0]
				if flush != nil {
					flush.Stop()
					flush = nil
				}
			} else if flush == nil {
				// Timer runs from the first event of the batch, so a
				// trickle of events still flushes within MaxBatchWait.
				flush = time.NewTimer(h.cfg.MaxBatchWait)
			}
		case <-flushC():
			flush = nil
			h.deliver(pending)
			pending = pending[:0]
		case <-h.quit:
			if flush != nil {
				flush.Stop()
			}
			h.drain(pending)
			return
		}
	}
}

// drain empties the intake channel after shutdown begins, then performs a
// final flush and closes the sinks.
func (h *Hub) drain(pending []Event) {
	for {
		select {
		case evt := <-h.in:
			pending = append(pending, evt)
		default:
			h.deliver(pending)
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) deliver(batch []Event) {
	if len(batch) == 0 {
		return
	}
	// The pending slice is reused by the run loop, so sinks get a copy.
	out := make([]Event, len(batch))
	copy(out, batch)

	for _, s := range h.sinks {
		if s == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		err := s.Consume(ctx, out)
		cancel()
		if err != nil {
			h.log.Warn("progress sink rejected batch", zap.Error(err))
		}
	}
}

func (h *Hub) closeSinks() {
	ctx := h.flushCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, s := range h.sinks {
		if s == nil {
			continue
		}
		if err := s.Close(ctx); err != nil {
			h.log.Warn("progress sink close failed", zap.Error(err))
		}
	}
}

// noteDrop counts a shed event and logs at most once per dropWarnEvery.
func (h *Hub) noteDrop() {
	h.drops.Add(1)
	now := time.Now().UnixNano()
	last := h.lastWarn.Load()
	if now-last < int64(dropWarnEvery) || !h.lastWarn.CompareAndSwap(last, now) {
		return
	}
	h.log.Warn("dropping progress events, sinks are not keeping up",
		zap.Int64("dropped", h.drops.Swap(0)))
}
