package cmd

import (
	"context"
	"os"
	"time"

	"go.ntppool.org/common/config/depenv"
	"go.ntppool.org/common/logger"
	"go.ntppool.org/common/tracing"
)

// InitTracing sets up the trace provider when an OTLP endpoint is
// configured in the environment; otherwise it returns a no-op shutdown.
func InitTracing(ctx context.Context, deployEnv depenv.DeploymentEnvironment) (tracing.TpShutdownFunc, error) {
	if len(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")) == 0 &&
		len(os.Getenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT")) == 0 {
		return func(context.Context) error { return nil }, nil
	}

	tpShutdownFn, err := tracing.InitTracer(ctx,
		&tracing.TracerConfig{
			ServiceName: "speedprobe",
			Environment: deployEnv.String(),
		},
	)
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context) error {
		log := logger.FromContext(ctx)
		log.Debug("shutting down trace provider")
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return tpShutdownFn(shutdownCtx)
	}, nil
}
