package metrics

import (
	"context"
	"time"
)

// MetricRecorder records batch cursor progress.
// Implementations must be safe to call from the engine goroutine while a scrape is in progress.
type MetricRecorder interface {
	// RecordRunStart records the start of a run.
	//
	// ctx: The context for the operation.
	// runID: Identifier of the run.
	// cursor: The cursor the run starts from.
	RecordRunStart(ctx context.Context, runID string, cursor int64)

	// RecordRunEnd records the end of a run.
	//
	// ctx: The context for the operation.
	// state: The terminal state ("Completed" or "Failed").
	// rows: Total rows mutated by the run.
	// duration: Wall time of the run.
	RecordRunEnd(ctx context.Context, runID string, state string, rows int64, duration time.Duration)

	// RecordCycle records one committed cycle: rows mutated, the new cursor and the cycle time.
	RecordCycle(ctx context.Context, rows int, cursor int64, duration time.Duration)

	// RecordRetry records a reconnection attempt.
	//
	// step: The step being retried ("fetch" or "mutate").
	// reason: A short classification of the failure.
	RecordRetry(ctx context.Context, step string, reason string)
}
