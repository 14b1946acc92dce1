package metrics

import (
	"context"
	"log/slog"
	"sync"

	"go.ntppool.org/common/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	ProbeRuns        metric.Int64Counter
	ProbeAttempts    metric.Int64Counter
	BytesTransferred metric.Int64Counter
	SelectionWrites  metric.Int64Counter

	setupOnce sync.Once
	setupErr  error
)

// InitInstruments initializes all metric instruments for the client.
// This function is safe to call multiple times - it will only initialize once.
func InitInstruments() error {
	setupOnce.Do(func() {
		setupErr = initializeInstruments()
	})
	return setupErr
}

func initializeInstruments() error {
	log := slog.Default()
	meter := metrics.GetMeter("speedprobe.client")

	var err error

	ProbeRuns, err = meter.Int64Counter("speedprobe.probe_runs_total",
		metric.WithDescription("Total number of probe runs by profile and result"))
	if err != nil {
		log.ErrorContext(context.Background(), "failed to create ProbeRuns counter", "err", err)
		return err
	}

	ProbeAttempts, err = meter.Int64Counter("speedprobe.probe_attempts_total",
		metric.WithDescription("Total number of probe attempts by phase and result"))
	if err != nil {
		log.ErrorContext(context.Background(), "failed to create ProbeAttempts counter", "err", err)
		return err
	}

	BytesTransferred, err = meter.Int64Counter("speedprobe.bytes_transferred_total",
		metric.WithDescription("Payload bytes moved by download and upload probes"),
		metric.WithUnit("By"))
	if err != nil {
		log.ErrorContext(context.Background(), "failed to create BytesTransferred counter", "err", err)
		return err
	}

	SelectionWrites, err = meter.Int64Counter("speedprobe.selection_writes_total",
		metric.WithDescription("Selection requests sent to the backend by result"))
	if err != nil {
		log.ErrorContext(context.Background(), "failed to create SelectionWrites counter", "err", err)
		return err
	}

	log.Debug("client metrics instruments initialized successfully")
	return nil
}

// AddAttempt records one probe attempt. It's a no-op until the
// instruments are initialized.
func AddAttempt(ctx context.Context, phase string, ok bool) {
	if ProbeAttempts == nil {
		return
	}
	ProbeAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("phase", phase),
		attribute.String("result", result(ok)),
	))
}

func AddRun(ctx context.Context, profile string, ok bool) {
	if ProbeRuns == nil {
		return
	}
	ProbeRuns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("profile", profile),
		attribute.String("result", result(ok)),
	))
}

func AddBytes(ctx context.Context, direction string, n int64) {
	if BytesTransferred == nil || n <= 0 {
		return
	}
	BytesTransferred.Add(ctx, n, metric.WithAttributes(attribute.String("direction", direction)))
}

func AddSelectionWrite(ctx context.Context, outcome string) {
	if SelectionWrites == nil {
		return
	}
	SelectionWrites.Add(ctx, 1, metric.WithAttributes(attribute.String("result", outcome)))
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
