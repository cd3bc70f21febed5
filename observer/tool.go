package observer

import (
	"context"
	"time"

	polaris "github.com/aelish/polaris"

	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
)

// WrapTool returns a copy of t whose handler is instrumented: each
// invocation emits a span, counters, a duration sample, and a structured
// log record. Wrap tools before registering them.
func WrapTool(t polaris.Tool, inst *Instruments) polaris.Tool {
	name := t.Definition.Name
	inner := t.Handler
	t.Handler = func(params map[string]any) polaris.ToolResult {
		ctx, span := inst.Tracer.Start(context.Background(), "tool.execute")
		span.SetAttributes(AttrToolName.String(name))
		defer span.End()
		start := time.Now()

		result := inner(params)

		durationMs := float64(time.Since(start).Milliseconds())
		status := "ok"
		if !result.Success {
			status = "tool_error"
		}
		span.SetAttributes(
			AttrToolStatus.String(status),
			AttrToolResultLength.Int(len(result.Output)),
		)
		inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
			AttrToolName.String(name),
			attribute.String("status", status),
		))
		inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(
			AttrToolName.String(name),
		))

		var rec otellog.Record
		rec.SetSeverity(otellog.SeverityInfo)
		rec.SetBody(otellog.StringValue("tool executed"))
		rec.AddAttributes(
			otellog.String("tool.name", name),
			otellog.String("tool.status", status),
			otellog.Int("tool.result_length", len(result.Output)),
			otellog.Float64("tool.duration_ms", durationMs),
		)
		inst.Logger.Emit(ctx, rec)

		return result
	}
	return t
}
