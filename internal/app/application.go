// Package app wires the batch cursor engine with uber-fx and runs it once.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/fx"

	"github.com/tigerroll/batchcursor/pkg/batch/core/config"
	"github.com/tigerroll/batchcursor/pkg/batch/engine/cursor"
	infraMetrics "github.com/tigerroll/batchcursor/pkg/batch/infrastructure/metrics"
	"github.com/tigerroll/batchcursor/pkg/batch/support/util/exception"
	"github.com/tigerroll/batchcursor/pkg/batch/support/util/logger"
)

const moduleName = "app"

// lifecycleTimeout bounds application start and stop.
const lifecycleTimeout = 30 * time.Second

// outcome is filled by the run goroutine. done is closed when it returns.
type outcome struct {
	result cursor.Result
	err    error
	done   chan struct{}
}

// RunApplication builds the Fx graph for cfg, runs the engine to a terminal state and tears the
// graph down. appCtx cancellation stops the run at the next cycle boundary.
func RunApplication(appCtx context.Context, cfg *config.Config, override StartOverride, runID string) (cursor.Result, error) {
	if err := cfg.Validate(); err != nil {
		return cursor.Result{State: cursor.StateFailed, Err: err}, err
	}
	out := &outcome{done: make(chan struct{})}

	app := fx.New(
		fx.Supply(
			cfg,
			out,
			override,
			fx.Annotate(runID, fx.ResultTags(`name:"runID"`)),
			fx.Annotate(
				appCtx,
				fx.As(new(context.Context)),
				fx.ResultTags(`name:"appCtx"`),
			),
		),
		logger.Module,
		config.Module,
		infraMetrics.Module,
		Module,
		fx.Invoke(fx.Annotate(startRun, fx.ParamTags(
			"",              // lc fx.Lifecycle
			"",              // shutdowner fx.Shutdowner
			"",              // engine *cursor.Engine
			"",              // out *outcome
			`name:"appCtx"`, // appCtx context.Context
		))),
	)
	if err := app.Err(); err != nil {
		return cursor.Result{State: cursor.StateFailed, Err: err}, startupError(err)
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), lifecycleTimeout)
	defer cancelStart()
	if err := app.Start(startCtx); err != nil {
		return cursor.Result{State: cursor.StateFailed, Err: err}, startupError(err)
	}

	signal := <-app.Wait()
	logger.Debugf("Shutdown requested (exit code %d).", signal.ExitCode)
	// A signal delivered to Fx must not close the pool under an in-flight mutation.
	<-out.done

	stopCtx, cancelStop := context.WithTimeout(context.Background(), lifecycleTimeout)
	defer cancelStop()
	if err := app.Stop(stopCtx); err != nil {
		logger.Warnf("Failed to stop application cleanly: %v", err)
	}
	return out.result, out.err
}

// startupError keeps configuration problems recognisable after Fx wraps them.
func startupError(err error) error {
	if errors.Is(err, exception.ErrInvalidConfig) {
		return err
	}
	return exception.NewBatchError(moduleName, "failed to start application", err, false)
}

// startRun is invoked by Fx to launch the engine once the graph has started.
func startRun(
	lc fx.Lifecycle,
	shutdowner fx.Shutdowner,
	engine *cursor.Engine,
	out *outcome,
	appCtx context.Context,
) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				defer close(out.done)
				exitCode := 0
				defer func() {
					if r := recover(); r != nil {
						logger.Errorf("Panic recovered in batch run: %v", r)
						out.err = exception.NewBatchError(moduleName, fmt.Sprintf("panic in batch run: %v", r), nil, false)
						out.result.State = cursor.StateFailed
						exitCode = 1
					}
					logger.Debugf("Requesting application shutdown after run completion.")
					if err := shutdowner.Shutdown(fx.ExitCode(exitCode)); err != nil {
						logger.Errorf("Failed to shutdown application: %v", err)
					}
				}()

				logger.WithRunID(engine.RunID())
				out.result, out.err = engine.Run(appCtx)
				if out.err != nil {
					exitCode = 1
				}
			}()
			return nil
		},
	})
}
