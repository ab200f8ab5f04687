package progress

import "context"

// Sink receives batches of events from the Hub. A batch is delivered to every
// sink in registration order; implementations must honor ctx deadlines and
// tolerate being called again after an error.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter is the narrow producer-side interface. The Hub satisfies it, which
// lets the worker and queue adapter publish without knowing about buffering
// or fan-out.
type Emitter interface {
	Emit(evt Event)
}
