package observer

import (
	"context"

	polaris "github.com/aelish/polaris"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedExecutor wraps a polaris.CodeExecutor with OTEL instrumentation.
type ObservedExecutor struct {
	inner polaris.CodeExecutor
	inst  *Instruments
}

// WrapExecutor returns an instrumented executor.
func WrapExecutor(inner polaris.CodeExecutor, inst *Instruments) *ObservedExecutor {
	return &ObservedExecutor{inner: inner, inst: inst}
}

var _ polaris.CodeExecutor = (*ObservedExecutor)(nil)

func (o *ObservedExecutor) Execute(ctx context.Context, req polaris.ExecRequest, dispatch polaris.ToolDispatchFunc) polaris.ExecutionResult {
	ctx, span := o.inst.Tracer.Start(ctx, "sandbox.execute", trace.WithAttributes(
		AttrCodeSize.Int(len(req.Code)),
	))
	defer span.End()

	result := o.inner.Execute(ctx, req, dispatch)

	status := "ok"
	if !result.Success {
		status = "error"
	}
	span.SetAttributes(
		AttrSandboxStatus.String(status),
		AttrSandboxToolCalls.Int(result.ToolCallsMade),
	)
	o.inst.CodeExecutions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))
	o.inst.SandboxCalls.Add(ctx, int64(result.ToolCallsMade), metric.WithAttributes())
	o.inst.CodeDuration.Record(ctx, float64(result.DurationMS), metric.WithAttributes(
		attribute.String("status", status),
	))
	return result
}
