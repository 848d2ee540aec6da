package cursor_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigerroll/batchcursor/pkg/batch/adapter/database"
	"github.com/tigerroll/batchcursor/pkg/batch/engine/cursor"
	"github.com/tigerroll/batchcursor/pkg/batch/engine/step/retry"
	"github.com/tigerroll/batchcursor/pkg/batch/support/template"
	"github.com/tigerroll/batchcursor/pkg/batch/support/util/exception"
)

const (
	testQuery   = "select id from source_table where id > :id order by id limit :batchSize"
	testCommand = "insert into destination_table select * from source_table where id in (:ids)"
)

func transientErr() error {
	return exception.NewBatchError("gateway", "query failed", fmt.Errorf("%w: unexpected EOF", exception.ErrConnectionLost), true)
}

// fakeGateway serves ids from an in-memory sorted table.
type fakeGateway struct {
	mu        sync.Mutex
	ids       []int64
	queryErrs []error
	execErrs  []error
	rows      func(after int64, limit int) []database.Row
	batches   [][]int64
	queries   int
}

func (g *fakeGateway) Query(ctx context.Context, tmpl string, params template.Params) ([]database.Row, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queries++
	if len(g.queryErrs) > 0 {
		err := g.queryErrs[0]
		g.queryErrs = g.queryErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	after := params["id"].(int64)
	limit := params["batchSize"].(int)
	if g.rows != nil {
		return g.rows(after, limit), nil
	}
	var rows []database.Row
	for _, id := range g.ids {
		if id > after && len(rows) < limit {
			rows = append(rows, database.Row{"id": id})
		}
	}
	return rows, nil
}

func (g *fakeGateway) Exec(ctx context.Context, tmpl string, params template.Params) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.execErrs) > 0 {
		err := g.execErrs[0]
		g.execErrs = g.execErrs[1:]
		if err != nil {
			return 0, err
		}
	}
	ids := append([]int64(nil), params["ids"].([]int64)...)
	g.batches = append(g.batches, ids)
	return int64(len(ids)), nil
}

func (g *fakeGateway) Close() error { return nil }

// fakeStore keeps the checkpoint in memory and records every save.
type fakeStore struct {
	cursor  int64
	found   bool
	loadErr error
	saveErr error
	saves   []int64
	resets  int
}

func (s *fakeStore) Load(ctx context.Context) (int64, bool, error) {
	return s.cursor, s.found, s.loadErr
}

func (s *fakeStore) Save(ctx context.Context, c int64) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves = append(s.saves, c)
	s.cursor, s.found = c, true
	return nil
}

func (s *fakeStore) Reset(ctx context.Context) error {
	s.resets++
	s.cursor, s.found = 0, false
	return nil
}

func (s *fakeStore) Location() string { return "memory" }

type sleepRecorder struct {
	calls []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.calls = append(r.calls, d)
	return ctx.Err()
}

func newEngine(t *testing.T, gw database.Gateway, store *fakeStore, maxAttempts int, opts cursor.Options, extra ...cursor.Option) (*cursor.Engine, *sleepRecorder) {
	t.Helper()
	if opts.Query == "" {
		opts.Query = testQuery
	}
	if opts.Command == "" {
		opts.Command = testCommand
	}
	sleeper := &sleepRecorder{}
	policy := retry.NewDefaultRetryPolicyFactory().Create(maxAttempts, 3, nil)
	options := append([]cursor.Option{cursor.WithSleep(sleeper.sleep), cursor.WithRunID("test-run")}, extra...)
	e, err := cursor.New(gw, store, policy, opts, options...)
	require.NoError(t, err)
	return e, sleeper
}

func TestEngine_ProcessesAllBatches(t *testing.T) {
	gw := &fakeGateway{ids: []int64{1, 2, 3, 4, 5}}
	store := &fakeStore{}
	e, _ := newEngine(t, gw, store, 3, cursor.Options{BatchSize: 2})

	res, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, cursor.StateCompleted, res.State)
	assert.Equal(t, int64(5), res.TotalRows)
	assert.Equal(t, int64(5), res.Cursor)
	assert.Equal(t, int64(5), res.Checkpointed)
	assert.Equal(t, 3, res.Cycles)
	assert.Equal(t, "test-run", res.RunID)
	assert.Equal(t, []int64{2, 4, 5}, store.saves)
	assert.Equal(t, [][]int64{{1, 2}, {3, 4}, {5}}, gw.batches)
	assert.Equal(t, 4, gw.queries)
}

func TestEngine_EmptyTableCompletesImmediately(t *testing.T) {
	gw := &fakeGateway{}
	store := &fakeStore{}
	e, _ := newEngine(t, gw, store, 3, cursor.Options{BatchSize: 10})

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cursor.StateCompleted, res.State)
	assert.Zero(t, res.TotalRows)
	assert.Empty(t, store.saves)
	assert.Empty(t, gw.batches)
}

func TestEngine_ResumesFromCheckpoint(t *testing.T) {
	gw := &fakeGateway{ids: []int64{1, 2, 3, 4, 5}}
	store := &fakeStore{cursor: 3, found: true}
	e, _ := newEngine(t, gw, store, 3, cursor.Options{BatchSize: 2, StartID: 1})

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.StartCursor)
	assert.Equal(t, [][]int64{{4, 5}}, gw.batches)
	assert.Equal(t, int64(2), res.TotalRows)
}

func TestEngine_StartIDWithoutCheckpoint(t *testing.T) {
	gw := &fakeGateway{ids: []int64{1, 2, 3, 4, 5}}
	store := &fakeStore{}
	e, _ := newEngine(t, gw, store, 3, cursor.Options{BatchSize: 10, StartID: 2})

	_, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, [][]int64{{3, 4, 5}}, gw.batches)
}

func TestEngine_OverrideWinsOverCheckpoint(t *testing.T) {
	gw := &fakeGateway{ids: []int64{1, 2, 3, 4, 5}}
	store := &fakeStore{cursor: 4, found: true}
	override := int64(1)
	e, _ := newEngine(t, gw, store, 3, cursor.Options{BatchSize: 10, StartID: 3, Override: &override})

	_, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, [][]int64{{2, 3, 4, 5}}, gw.batches)
}

func TestEngine_RerunAfterCompletionIsNoOp(t *testing.T) {
	gw := &fakeGateway{ids: []int64{1, 2, 3}}
	store := &fakeStore{}
	e, _ := newEngine(t, gw, store, 3, cursor.Options{BatchSize: 2})
	_, err := e.Run(context.Background())
	require.NoError(t, err)

	again, _ := newEngine(t, gw, store, 3, cursor.Options{BatchSize: 2})
	res, err := again.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.TotalRows)
	assert.Len(t, gw.batches, 2)
}

func TestEngine_RetriesExhausted(t *testing.T) {
	gw := &fakeGateway{
		ids:       []int64{1, 2, 3},
		queryErrs: []error{transientErr(), transientErr(), transientErr(), transientErr()},
	}
	store := &fakeStore{}
	e, sleeper := newEngine(t, gw, store, 3, cursor.Options{BatchSize: 2})

	res, err := e.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, exception.ErrRetriesExhausted)
	assert.ErrorIs(t, err, exception.ErrConnectionLost)
	assert.False(t, exception.IsTemporary(err))
	assert.Equal(t, cursor.StateFailed, res.State)
	assert.Equal(t, 3, res.Retries)
	assert.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second, 3 * time.Second}, sleeper.calls)
	assert.Equal(t, 4, gw.queries)
	assert.Empty(t, store.saves)
}

func TestEngine_RecoversWithinBudget(t *testing.T) {
	gw := &fakeGateway{
		ids:       []int64{1, 2, 3, 4, 5},
		queryErrs: []error{transientErr(), transientErr()},
	}
	store := &fakeStore{}
	e, sleeper := newEngine(t, gw, store, 3, cursor.Options{BatchSize: 2})

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Retries)
	assert.Len(t, sleeper.calls, 2)
	assert.Equal(t, []int64{2, 4, 5}, store.saves)
}

func TestEngine_RetryCounterResetsAfterEachCycle(t *testing.T) {
	gw := &fakeGateway{
		ids: []int64{1, 2, 3, 4},
		// Two failures on the first batch, two more on the second: never more than the budget in a row.
		execErrs: []error{transientErr(), transientErr(), nil, transientErr(), transientErr()},
	}
	store := &fakeStore{}
	e, _ := newEngine(t, gw, store, 2, cursor.Options{BatchSize: 2})

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, res.Retries)
	assert.Equal(t, [][]int64{{1, 2}, {3, 4}}, gw.batches)
	assert.Equal(t, []int64{2, 4}, store.saves)
}

func TestEngine_MutationRetryKeepsCursor(t *testing.T) {
	gw := &fakeGateway{
		ids:      []int64{1, 2, 3},
		execErrs: []error{transientErr()},
	}
	store := &fakeStore{}
	var transitions []string
	e, _ := newEngine(t, gw, store, 3, cursor.Options{BatchSize: 3},
		cursor.WithStateListener(func(from, to cursor.State) {
			transitions = append(transitions, to.String())
		}))

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, [][]int64{{1, 2, 3}}, gw.batches)
	assert.Equal(t, 2, gw.queries, "the batch is re-mutated, not re-fetched")
	assert.Equal(t, int64(3), res.TotalRows)
	assert.Equal(t, []string{
		"Fetching", "Mutating", "Reconnecting", "Mutating", "Checkpointing",
		"Fetching", "Completed",
	}, transitions)
}

func TestEngine_FatalErrorNotRetried(t *testing.T) {
	fatal := exception.NewBatchError("gateway", "query failed", errors.New("Error 1064: syntax error"), false)
	gw := &fakeGateway{ids: []int64{1}, queryErrs: []error{fatal}}
	store := &fakeStore{}
	e, sleeper := newEngine(t, gw, store, 3, cursor.Options{BatchSize: 2})

	res, err := e.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, cursor.StateFailed, res.State)
	assert.Empty(t, sleeper.calls)
	assert.Contains(t, err.Error(), "fetch failed in cycle 1 at cursor 0")
}

func TestEngine_CheckpointFailureIsFatal(t *testing.T) {
	saveErr := exception.NewBatchErrorf("checkpoint", "failed to replace checkpoint", errors.New("disk full"))
	gw := &fakeGateway{ids: []int64{1, 2, 3}}
	store := &fakeStore{saveErr: saveErr}
	e, _ := newEngine(t, gw, store, 3, cursor.Options{BatchSize: 2})

	res, err := e.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, saveErr)
	assert.Equal(t, cursor.StateFailed, res.State)
	assert.Equal(t, int64(2), res.Cursor)
	assert.Equal(t, int64(0), res.Checkpointed)
	assert.Equal(t, [][]int64{{1, 2}}, gw.batches, "no fetch after a failed checkpoint")
}

func TestEngine_CorruptCheckpointFailsBeforeQuerying(t *testing.T) {
	loadErr := exception.NewBatchError("checkpoint", "cannot parse", exception.ErrCorruptCheckpoint, false)
	gw := &fakeGateway{ids: []int64{1}}
	store := &fakeStore{loadErr: loadErr}
	e, _ := newEngine(t, gw, store, 3, cursor.Options{BatchSize: 2})

	res, err := e.Run(context.Background())
	assert.ErrorIs(t, err, exception.ErrCorruptCheckpoint)
	assert.Equal(t, cursor.StateFailed, res.State)
	assert.Zero(t, gw.queries)
}

func TestEngine_CursorRegression(t *testing.T) {
	gw := &fakeGateway{rows: func(after int64, limit int) []database.Row {
		// Ignores the cursor: the same page forever.
		return []database.Row{{"id": int64(1)}, {"id": int64(2)}}
	}}
	store := &fakeStore{}
	e, _ := newEngine(t, gw, store, 3, cursor.Options{BatchSize: 2})

	res, err := e.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, exception.ErrCursorRegression)
	assert.Equal(t, []int64{2}, store.saves)
	assert.Equal(t, cursor.StateFailed, res.State)
}

func TestEngine_IDColumnAndConversion(t *testing.T) {
	gw := &fakeGateway{rows: func(after int64, limit int) []database.Row {
		if after >= 20 {
			return nil
		}
		return []database.Row{{"order_id": "10"}, {"order_id": []byte("20")}}
	}}
	store := &fakeStore{}
	e, _ := newEngine(t, gw, store, 3, cursor.Options{BatchSize: 2, IDColumn: "order_id"})

	_, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, [][]int64{{10, 20}}, gw.batches)
}

func TestEngine_MissingIDColumn(t *testing.T) {
	gw := &fakeGateway{rows: func(after int64, limit int) []database.Row {
		return []database.Row{{"uuid": "x"}}
	}}
	e, _ := newEngine(t, gw, &fakeStore{}, 3, cursor.Options{BatchSize: 2})

	_, err := e.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `no column "id"`)
}

func TestEngine_CancelledBetweenCycles(t *testing.T) {
	gw := &fakeGateway{ids: []int64{1, 2, 3, 4, 5}}
	store := &fakeStore{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e, _ := newEngine(t, gw, store, 3, cursor.Options{BatchSize: 2},
		cursor.WithStateListener(func(from, to cursor.State) {
			// Signal arrives while the first mutation is running.
			if to == cursor.StateMutating {
				cancel()
			}
		}))

	res, err := e.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []int64{2}, store.saves, "the in-flight batch is still checkpointed")
	assert.Equal(t, int64(2), res.Checkpointed)
	assert.Equal(t, cursor.StateFailed, res.State)
}

func TestEngine_CancelledDuringReconnectWait(t *testing.T) {
	gw := &fakeGateway{ids: []int64{1}, queryErrs: []error{transientErr()}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e, sleeper := newEngine(t, gw, &fakeStore{}, 3, cursor.Options{BatchSize: 1},
		cursor.WithStateListener(func(from, to cursor.State) {
			if to == cursor.StateReconnecting {
				cancel()
			}
		}))

	res, err := e.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, sleeper.calls, 1)
	assert.Equal(t, 1, gw.queries)
	assert.Equal(t, cursor.StateFailed, res.State)
}

func TestEngine_CancelledBeforeStart(t *testing.T) {
	gw := &fakeGateway{ids: []int64{1}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e, _ := newEngine(t, gw, &fakeStore{}, 3, cursor.Options{BatchSize: 1})
	_, err := e.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, gw.queries)
}

func TestNew_InvalidOptions(t *testing.T) {
	gw := &fakeGateway{}
	store := &fakeStore{}
	negative := int64(-1)

	cases := map[string]cursor.Options{
		"zero batch size":   {Query: testQuery, Command: testCommand, BatchSize: 0},
		"negative start id": {Query: testQuery, Command: testCommand, BatchSize: 1, StartID: -5},
		"negative override": {Query: testQuery, Command: testCommand, BatchSize: 1, Override: &negative},
		"empty query":       {Command: testCommand, BatchSize: 1},
		"empty command":     {Query: testQuery, BatchSize: 1},
	}
	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := cursor.New(gw, store, nil, opts)
			assert.ErrorIs(t, err, exception.ErrInvalidConfig)
		})
	}

	_, err := cursor.New(nil, nil, nil, cursor.Options{Query: testQuery, Command: testCommand, BatchSize: 1})
	assert.ErrorIs(t, err, exception.ErrInvalidConfig)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "Checkpointing", cursor.StateCheckpointing.String())
	assert.Equal(t, "Unknown", cursor.State(99).String())
	assert.True(t, cursor.StateFailed.IsTerminal())
	assert.False(t, cursor.StateReconnecting.IsTerminal())
}
