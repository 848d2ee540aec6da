package metrics

import (
	"context"
)

// Tracer creates spans around runs and cycles.
type Tracer interface {
	// StartRunSpan starts a span covering a whole run.
	// Returns a context carrying the span and a function that ends it.
	StartRunSpan(ctx context.Context, runID string, cursor int64) (context.Context, func())

	// StartCycleSpan starts a child span for one fetch/mutate/checkpoint cycle.
	StartCycleSpan(ctx context.Context, cycle int, cursor int64) (context.Context, func())

	// RecordError records an error in the current span.
	//
	// module: The component where the error occurred (e.g., "gateway", "checkpoint").
	RecordError(ctx context.Context, module string, err error)

	// RecordEvent records an event in the current span.
	RecordEvent(ctx context.Context, name string, attributes map[string]interface{})
}
