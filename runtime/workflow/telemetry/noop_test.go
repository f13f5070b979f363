package telemetry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"

	"github.com/weftlab/weft/runtime/workflow/telemetry"
)

func TestNoopLogger(_ *testing.T) {
	ctx := context.Background()
	logger := telemetry.NewNoopLogger()

	logger.Debug(ctx, "debug", "session_id", "s1")
	logger.Info(ctx, "info", "session_id", "s1")
	logger.Warn(ctx, "warn", "session_id", "s1")
	logger.Error(ctx, "error", "session_id", "s1")
}

func TestNoopMetrics(_ *testing.T) {
	metrics := telemetry.NewNoopMetrics()

	metrics.IncCounter("sessions.started", 1, "workflow", "math")
	metrics.RecordTimer("session.duration", 100*time.Millisecond, "workflow", "math")
	metrics.RecordGauge("sessions.live", 3)
}

func TestNoopTracer(t *testing.T) {
	ctx := context.Background()
	tracer := telemetry.NewNoopTracer()

	newCtx, span := tracer.Start(ctx, "session.run")
	require.Equal(t, ctx, newCtx)
	require.NotNil(t, span)

	span.AddEvent("phase", "name", "solve")
	span.SetStatus(codes.Ok, "completed")
	span.RecordError(errors.New("boom"))
	span.End()

	require.NotNil(t, tracer.Span(ctx))
}
