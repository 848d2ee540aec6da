// Package cursor runs a mutation over a table in small batches keyed by an ordered identifier.
//
// Each cycle fetches the next ids after the cursor, applies the mutation to them and then
// persists the new cursor. The checkpoint is written only after the mutation succeeded, so
// a restarted run repeats at most the batch that was in flight.
package cursor

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tigerroll/batchcursor/pkg/batch/adapter/database"
	metrics "github.com/tigerroll/batchcursor/pkg/batch/core/metrics"
	"github.com/tigerroll/batchcursor/pkg/batch/engine/step/retry"
	"github.com/tigerroll/batchcursor/pkg/batch/infrastructure/checkpoint"
	"github.com/tigerroll/batchcursor/pkg/batch/support/template"
	"github.com/tigerroll/batchcursor/pkg/batch/support/util/exception"
	"github.com/tigerroll/batchcursor/pkg/batch/support/util/logger"
)

const moduleName = "engine"

// Template parameter names.
const (
	ParamID        = "id"
	ParamBatchSize = "batchSize"
	ParamIDs       = "ids"
)

// Options describes one batch job.
type Options struct {
	// Query selects the next ids; it receives :id (the cursor) and :batchSize.
	Query string
	// Command mutates one batch; it receives :ids.
	Command string
	// BatchSize is the maximum number of ids per cycle. Must be at least 1.
	BatchSize int
	// StartID is the cursor used when no checkpoint exists.
	StartID int64
	// Override, when set, is used as the starting cursor regardless of any checkpoint.
	Override *int64
	// IDColumn is the column of Query holding the id. Defaults to "id".
	IDColumn string
}

// Result summarises a run.
type Result struct {
	RunID string
	State State
	// StartCursor is where the run began.
	StartCursor int64
	// Cursor is the highest id whose mutation succeeded.
	Cursor int64
	// Checkpointed is the last cursor persisted by this run, or StartCursor if none was.
	Checkpointed int64
	TotalRows    int64
	// Cycles counts committed cycles (mutation and checkpoint both succeeded).
	Cycles int
	// Retries counts reconnection attempts over the whole run.
	Retries  int
	Duration time.Duration
	Err      error
}

// Option customises an Engine.
type Option func(*Engine)

// WithMetricRecorder sets the recorder. Defaults to a no-op.
func WithMetricRecorder(r metrics.MetricRecorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithTracer sets the tracer. Defaults to a no-op.
func WithTracer(t metrics.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithSleep replaces the reconnect wait. The function must return ctx.Err() if ctx ends first.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = sleep }
}

// WithClock replaces time.Now for durations.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRunID sets the run identifier. Defaults to a random UUID.
func WithRunID(runID string) Option {
	return func(e *Engine) { e.runID = runID }
}

// WithStateListener registers a callback invoked on every state transition.
func WithStateListener(fn func(from, to State)) Option {
	return func(e *Engine) { e.listeners = append(e.listeners, fn) }
}

// Engine drives the fetch, mutate and checkpoint cycle. An Engine is not safe for concurrent Runs.
type Engine struct {
	gateway database.Gateway
	store   checkpoint.Store
	policy  retry.RetryPolicy
	opts    Options

	recorder  metrics.MetricRecorder
	tracer    metrics.Tracer
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time
	runID     string
	listeners []func(from, to State)

	state State
}

// New validates opts and creates an engine. A nil policy means no reconnection attempts.
func New(gateway database.Gateway, store checkpoint.Store, policy retry.RetryPolicy, opts Options, options ...Option) (*Engine, error) {
	var problems []string
	if gateway == nil {
		problems = append(problems, "gateway is required")
	}
	if store == nil {
		problems = append(problems, "checkpoint store is required")
	}
	if opts.BatchSize < 1 {
		problems = append(problems, fmt.Sprintf("batch size must be at least 1, got %d", opts.BatchSize))
	}
	if opts.StartID < 0 {
		problems = append(problems, fmt.Sprintf("start id must not be negative, got %d", opts.StartID))
	}
	if opts.Override != nil && *opts.Override < 0 {
		problems = append(problems, fmt.Sprintf("start id override must not be negative, got %d", *opts.Override))
	}
	if strings.TrimSpace(opts.Query) == "" {
		problems = append(problems, "query is empty")
	}
	if strings.TrimSpace(opts.Command) == "" {
		problems = append(problems, "command is empty")
	}
	if len(problems) > 0 {
		return nil, exception.NewBatchError(moduleName, strings.Join(problems, "; "), exception.ErrInvalidConfig, false)
	}

	if opts.IDColumn == "" {
		opts.IDColumn = "id"
	}
	if policy == nil {
		policy = retry.NewDefaultRetryPolicyFactory().Create(0, 0, nil)
	}
	e := &Engine{
		gateway:  gateway,
		store:    store,
		policy:   policy,
		opts:     opts,
		recorder: metrics.NewNoOpMetricRecorder(),
		tracer:   metrics.NewNoOpTracer(),
		sleep:    sleepContext,
		now:      time.Now,
	}
	for _, o := range options {
		o(e)
	}
	if e.runID == "" {
		e.runID = uuid.NewString()
	}
	return e, nil
}

// RunID returns the identifier used for the run.
func (e *Engine) RunID() string {
	return e.runID
}

// Run executes cycles until the query returns no rows or a step fails.
//
// ctx is observed before each fetch and during reconnect waits. Fetch, mutation and
// checkpoint calls run to completion once started so that a cancelled run never leaves a
// mutated batch without its checkpoint.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	res := Result{RunID: e.runID}
	started := e.now()
	e.state = StateInitializing

	cursor, err := e.initialCursor(ctx)
	if err != nil {
		return e.fail(ctx, &res, started, err)
	}
	res.StartCursor, res.Cursor, res.Checkpointed = cursor, cursor, cursor

	ctx, endRun := e.tracer.StartRunSpan(ctx, e.runID, cursor)
	defer endRun()
	e.recorder.RecordRunStart(ctx, e.runID, cursor)

	// Consecutive reconnection attempts; reset after every committed cycle.
	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			return e.fail(ctx, &res, started, exception.NewBatchError(moduleName,
				fmt.Sprintf("run cancelled at cursor %d", res.Cursor), err, false))
		}

		cycleStarted := e.now()
		cycleCtx, endCycle := e.tracer.StartCycleSpan(ctx, res.Cycles+1, res.Cursor)

		e.transition(StateFetching)
		ids, err := e.fetch(cycleCtx, &res, &attempts)
		if err != nil {
			e.tracer.RecordError(cycleCtx, moduleName, err)
			endCycle()
			return e.fail(ctx, &res, started, err)
		}
		if len(ids) == 0 {
			endCycle()
			return e.complete(ctx, &res, started)
		}

		e.transition(StateMutating)
		logger.Infof("   Processing batch for ids %d → %d", ids[0], ids[len(ids)-1])
		if err := e.mutate(cycleCtx, &res, &attempts, ids); err != nil {
			e.tracer.RecordError(cycleCtx, moduleName, err)
			endCycle()
			return e.fail(ctx, &res, started, err)
		}
		res.Cursor = ids[len(ids)-1]
		res.TotalRows += int64(len(ids))
		logger.Infof("   Processed batch, row count: %d", res.TotalRows)

		e.transition(StateCheckpointing)
		if err := e.store.Save(context.WithoutCancel(cycleCtx), res.Cursor); err != nil {
			err = e.cycleError(&res, "checkpoint", attempts, err)
			e.tracer.RecordError(cycleCtx, "checkpoint", err)
			endCycle()
			return e.fail(ctx, &res, started, err)
		}
		res.Checkpointed = res.Cursor
		res.Cycles++
		attempts = 0

		e.recorder.RecordCycle(cycleCtx, len(ids), res.Cursor, e.now().Sub(cycleStarted))
		endCycle()
	}
}

// initialCursor resolves the starting position: override, then checkpoint, then StartID.
func (e *Engine) initialCursor(ctx context.Context) (int64, error) {
	if e.opts.Override != nil {
		logger.Infof("Starting at id %d (explicit override, checkpoint %s ignored)", *e.opts.Override, e.store.Location())
		return *e.opts.Override, nil
	}
	cursor, found, err := e.store.Load(ctx)
	if err != nil {
		return 0, err
	}
	if found {
		logger.Infof("Resuming from checkpoint %s at id %d", e.store.Location(), cursor)
		return cursor, nil
	}
	logger.Infof("No checkpoint at %s; starting at id %d", e.store.Location(), e.opts.StartID)
	return e.opts.StartID, nil
}

// fetch runs the query for the current cursor and returns the ids in delivery order.
func (e *Engine) fetch(ctx context.Context, res *Result, attempts *int) ([]int64, error) {
	logger.Infof("Fetching batch with id > %d", res.Cursor)
	params := template.Params{ParamID: res.Cursor, ParamBatchSize: e.opts.BatchSize}

	var rows []database.Row
	err := e.withReconnect(ctx, res, "fetch", StateFetching, attempts, func(opCtx context.Context) error {
		var err error
		rows, err = e.gateway.Query(opCtx, e.opts.Query, params)
		return err
	})
	if err != nil {
		return nil, e.cycleError(res, "fetch", *attempts, err)
	}

	ids := make([]int64, 0, len(rows))
	prev := res.Cursor
	for i, row := range rows {
		raw, ok := row[e.opts.IDColumn]
		if !ok {
			return nil, e.cycleError(res, "fetch", *attempts,
				fmt.Errorf("row %d has no column %q", i, e.opts.IDColumn))
		}
		id, err := toInt64(raw)
		if err != nil {
			return nil, e.cycleError(res, "fetch", *attempts,
				fmt.Errorf("row %d column %q: %w", i, e.opts.IDColumn, err))
		}
		if id <= prev {
			return nil, e.cycleError(res, "fetch", *attempts,
				fmt.Errorf("%w: row %d id %d does not advance past %d; the query must filter on :%s and order by id",
					exception.ErrCursorRegression, i, id, prev, ParamID))
		}
		ids = append(ids, id)
		prev = id
	}
	if len(ids) > e.opts.BatchSize {
		logger.Warnf("Query returned %d rows for batch size %d", len(ids), e.opts.BatchSize)
	}
	return ids, nil
}

// mutate applies the command to ids.
func (e *Engine) mutate(ctx context.Context, res *Result, attempts *int, ids []int64) error {
	params := template.Params{ParamIDs: ids}
	err := e.withReconnect(ctx, res, "mutate", StateMutating, attempts, func(opCtx context.Context) error {
		affected, err := e.gateway.Exec(opCtx, e.opts.Command, params)
		if err == nil {
			logger.Debugf("Mutation affected %d rows", affected)
		}
		return err
	})
	if err != nil {
		return e.cycleError(res, "mutate", *attempts, err)
	}
	return nil
}

// withReconnect runs op until it succeeds, fails permanently, or the reconnection budget is spent.
// op always receives a context that is not cancelled with ctx.
func (e *Engine) withReconnect(ctx context.Context, res *Result, step string, state State, attempts *int, op func(context.Context) error) error {
	opCtx := context.WithoutCancel(ctx)
	for {
		err := op(opCtx)
		if err == nil {
			return nil
		}
		if !e.policy.ShouldRetry(err) {
			return err
		}
		maxAttempts := e.policy.GetMaxAttempts()
		if *attempts >= maxAttempts {
			return fmt.Errorf("%w after %d attempts: %w", exception.ErrRetriesExhausted, *attempts, err)
		}

		*attempts++
		res.Retries++
		e.transition(StateReconnecting)
		delay := e.policy.GetBackoffInterval(*attempts)
		logger.Warnf("%s failed, reconnecting in %s (attempt %d/%d): %v", step, delay, *attempts, maxAttempts, err)
		e.recorder.RecordRetry(ctx, step, "connection_lost")
		e.tracer.RecordEvent(ctx, "reconnect", map[string]interface{}{"step": step, "attempt": *attempts})

		if err := e.sleep(ctx, delay); err != nil {
			return fmt.Errorf("reconnect wait interrupted: %w", err)
		}
		e.transition(state)
	}
}

// cycleError wraps err with the position of the failure. The result is never retryable.
func (e *Engine) cycleError(res *Result, step string, attempts int, err error) error {
	return exception.NewBatchError(moduleName,
		fmt.Sprintf("%s failed in cycle %d at cursor %d (reconnection attempts %d)", step, res.Cycles+1, res.Cursor, attempts),
		err, false)
}

func (e *Engine) complete(ctx context.Context, res *Result, started time.Time) (Result, error) {
	e.transition(StateCompleted)
	res.State = StateCompleted
	res.Duration = e.now().Sub(started)
	logger.Infof("Processed %d rows", res.TotalRows)
	e.recorder.RecordRunEnd(ctx, e.runID, res.State.String(), res.TotalRows, res.Duration)
	return *res, nil
}

func (e *Engine) fail(ctx context.Context, res *Result, started time.Time, err error) (Result, error) {
	e.transition(StateFailed)
	res.State = StateFailed
	res.Err = err
	res.Duration = e.now().Sub(started)
	logger.Errorf("Error executing process: %v", err)
	logger.Infof("Last checkpoint is id %d; %d rows processed in this run", res.Checkpointed, res.TotalRows)
	e.tracer.RecordError(ctx, moduleName, err)
	e.recorder.RecordRunEnd(ctx, e.runID, res.State.String(), res.TotalRows, res.Duration)
	return *res, err
}

func (e *Engine) transition(to State) {
	from := e.state
	e.state = to
	logger.Debugf("State %s → %s", from, to)
	for _, fn := range e.listeners {
		fn(from, to)
	}
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// toInt64 converts a scanned id column to int64.
func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("id %d overflows int64", n)
		}
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint:
		if uint64(n) > math.MaxInt64 {
			return 0, fmt.Errorf("id %d overflows int64", n)
		}
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) || n > math.MaxInt64 || n < math.MinInt64 {
			return 0, fmt.Errorf("id %v is not an integer", n)
		}
		return int64(n), nil
	case string:
		return strconv.ParseInt(strings.TrimSpace(n), 10, 64)
	case []byte:
		return strconv.ParseInt(strings.TrimSpace(string(n)), 10, 64)
	case nil:
		return 0, fmt.Errorf("id is NULL")
	default:
		return 0, fmt.Errorf("unsupported id type %T", v)
	}
}
