package metrics

import (
	"context"

	"go.uber.org/fx"

	"github.com/tigerroll/batchcursor/pkg/batch/core/config"
	metrics "github.com/tigerroll/batchcursor/pkg/batch/core/metrics"
	"github.com/tigerroll/batchcursor/pkg/batch/support/util/logger"
)

// NewMetricRecorderProvider returns a PrometheusRecorder served over HTTP for the lifetime of the
// application when metrics are enabled, and a no-op recorder otherwise.
func NewMetricRecorderProvider(lc fx.Lifecycle, cfg *config.Config) metrics.MetricRecorder {
	mcfg := cfg.BatchCursor.Metrics
	if !mcfg.Enabled {
		return metrics.NewNoOpMetricRecorder()
	}

	recorder := NewPrometheusRecorder()
	server := NewServer(mcfg.ListenAddress, mcfg.Path, recorder.Handler())

	var cancel context.CancelFunc
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var runCtx context.Context
			runCtx, cancel = context.WithCancel(context.Background())
			go func() {
				defer close(done)
				if err := server.Run(runCtx); err != nil {
					logger.Errorf("Metrics endpoint stopped: %v", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-ctx.Done():
			}
			return nil
		},
	})
	return recorder
}

// NewTracerFromConfig returns an OTLP-exporting tracer when tracing is enabled, and a no-op
// tracer otherwise. Buffered spans are flushed when the application stops.
func NewTracerFromConfig(lc fx.Lifecycle, cfg *config.Config) (metrics.Tracer, error) {
	tcfg := cfg.BatchCursor.Tracing
	if !tcfg.Enabled {
		return metrics.NewNoOpTracer(), nil
	}

	provider, err := NewTracerProvider(context.Background(), tcfg)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return provider.Shutdown(ctx)
		},
	})
	logger.Infof("Tracing enabled: exporter=%s endpoint=%s", tcfg.Exporter, tcfg.Endpoint)
	return NewOpenTelemetryTracer(provider), nil
}

// Module provides the metric recorder and tracer selected by configuration.
var Module = fx.Options(
	fx.Provide(NewMetricRecorderProvider),
	fx.Provide(NewTracerFromConfig),
)
