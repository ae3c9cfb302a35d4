package agent

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/ent0n29/mnemo/internal/agent"

type tracedInvoker struct {
	next   Invoker
	tracer trace.Tracer
}

// Traced wraps inv so every call is recorded as a span on the global tracer
// provider. Without a configured provider the spans are no-ops.
func Traced(inv Invoker) Invoker {
	if inv == nil {
		return nil
	}
	if _, ok := inv.(*tracedInvoker); ok {
		return inv
	}
	return &tracedInvoker{next: inv, tracer: otel.Tracer(tracerName)}
}

func (t *tracedInvoker) Invoke(ctx context.Context, input []Item, ic InvokeContext) (Result, error) {
	ctx, span := t.tracer.Start(ctx, "agent.invoke", trace.WithAttributes(
		attribute.String("agent.backend", Describe(t.next)),
		attribute.String("mnemo.thread_id", ic.ThreadID),
		attribute.String("mnemo.user_id", ic.UserID),
		attribute.Int("agent.input_items", len(input)),
	))
	defer span.End()

	res, err := t.next.Invoke(ctx, input, ic)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	span.SetAttributes(attribute.Int("agent.output_items", len(res.Output)))
	return res, nil
}
