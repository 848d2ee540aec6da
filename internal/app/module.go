package app

import (
	"context"
	"io"

	"go.uber.org/fx"

	"github.com/tigerroll/batchcursor/pkg/batch/adapter/database"
	"github.com/tigerroll/batchcursor/pkg/batch/adapter/database/sqldb"
	"github.com/tigerroll/batchcursor/pkg/batch/core/config"
	"github.com/tigerroll/batchcursor/pkg/batch/core/metrics"
	"github.com/tigerroll/batchcursor/pkg/batch/engine/cursor"
	"github.com/tigerroll/batchcursor/pkg/batch/engine/step/retry"
	"github.com/tigerroll/batchcursor/pkg/batch/infrastructure/checkpoint"
	"github.com/tigerroll/batchcursor/pkg/batch/support/util/logger"
)

// StartOverride carries the --start-id flag. A nil ID means no override.
type StartOverride struct {
	ID *int64
}

// NewGateway opens the database referenced by batch.db_ref. The pool is closed when the application stops.
func NewGateway(lc fx.Lifecycle, cfg *config.Config) (database.Gateway, error) {
	dbCfg, err := cfg.DatabaseConfig()
	if err != nil {
		return nil, err
	}
	gateway, err := sqldb.NewGateway(dbCfg, sqldb.NewErrorClassifier(cfg.BatchCursor.Retry.TransientErrors))
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			logger.Debugf("Closing database connection for '%s'.", cfg.BatchCursor.Batch.DBRef)
			return gateway.Close()
		},
	})
	return gateway, nil
}

// NewCheckpointStore builds the store for batch.checkpoint_path.
func NewCheckpointStore(lc fx.Lifecycle, cfg *config.Config) (checkpoint.Store, error) {
	cp := cfg.BatchCursor.Checkpoint
	store, err := checkpoint.NewStore(cfg.BatchCursor.Batch.CheckpointPath, checkpoint.Options{
		CredentialsFile: cp.CredentialsFile,
		Endpoint:        cp.Endpoint,
	})
	if err != nil {
		return nil, err
	}
	if closer, ok := store.(io.Closer); ok {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return closer.Close()
			},
		})
	}
	return store, nil
}

// NewRetryPolicy builds the reconnection policy from the retry section.
func NewRetryPolicy(cfg *config.Config) retry.RetryPolicy {
	r := cfg.BatchCursor.Retry
	return retry.NewDefaultRetryPolicyFactory().Create(r.MaxReconnectionAttempts, r.ReconnectTimeoutSeconds, nil)
}

// EngineParams defines the dependencies for NewEngine.
type EngineParams struct {
	fx.In
	Config   *config.Config
	Gateway  database.Gateway
	Store    checkpoint.Store
	Policy   retry.RetryPolicy
	Recorder metrics.MetricRecorder
	Tracer   metrics.Tracer
	Start    StartOverride `optional:"true"`
	RunID    string        `name:"runID" optional:"true"`
}

// NewEngine assembles the cursor engine.
func NewEngine(p EngineParams) (*cursor.Engine, error) {
	b := p.Config.BatchCursor.Batch
	options := []cursor.Option{
		cursor.WithMetricRecorder(p.Recorder),
		cursor.WithTracer(p.Tracer),
	}
	if p.RunID != "" {
		options = append(options, cursor.WithRunID(p.RunID))
	}
	return cursor.New(p.Gateway, p.Store, p.Policy, cursor.Options{
		Query:     b.SQLQuery,
		Command:   b.SQLCommand,
		BatchSize: b.BatchSize,
		StartID:   b.StartID,
		Override:  p.Start.ID,
		IDColumn:  b.IDColumn,
	}, options...)
}

// applyLogLevel sets the global log level from configuration.
func applyLogLevel(lcfg *config.LoggingConfig) {
	logger.SetLogLevel(lcfg.Level)
	logger.Debugf("Log level set to: %s", lcfg.Level)
}

// Module provides the gateway, checkpoint store, retry policy and engine.
var Module = fx.Options(
	fx.Provide(NewGateway),
	fx.Provide(NewCheckpointStore),
	fx.Provide(NewRetryPolicy),
	fx.Provide(NewEngine),
	fx.Invoke(applyLogLevel),
)
