package progress

import "context"

// Sink consumes batches of events. Implementations must honor ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter accepts individual events. Both Hub and Reporter satisfy it, so
// workers stay agnostic about how events are folded or fanned out.
type Emitter interface {
	Emit(evt Event)
}
