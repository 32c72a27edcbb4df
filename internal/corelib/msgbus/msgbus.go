// Package msgbus carries task-to-scheduler messages (§6): a job running on
// a worker host publishes "started"/"succeeded"/"failed"/custom-output
// messages back to the scheduler over NATS subjects shaped
// "cylc.<workflow>.<task>.<point>.<submit-num>". This replaces the direct
// pointer-based callbacks a single-process toy scheduler would use with a
// transport that also works when jobs run on remote hosts.
package msgbus

import (
	"context"
	"fmt"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var propagator = propagation.TraceContext{}

// Subject returns the canonical subject a job uses to message the scheduler.
func Subject(workflow, task, point string, submitNum int) string {
	return fmt.Sprintf("cylc.%s.%s.%s.%d", workflow, task, point, submitNum)
}

// Publish injects the current trace context into the message headers and
// publishes it on subject.
func Publish(ctx context.Context, nc *nats.Conn, subject string, data []byte) error {
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	return nc.PublishMsg(&nats.Msg{Subject: subject, Data: data, Header: hdr})
}

// Subscribe wraps nc.Subscribe, extracting trace context from each message
// and starting a consumer span before invoking handler.
func Subscribe(nc *nats.Conn, subject string, handler func(context.Context, *nats.Msg)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(m *nats.Msg) {
		ctx := propagator.Extract(context.Background(), propagation.HeaderCarrier(m.Header))
		tr := otel.Tracer("cylc-msgbus")
		ctx, span := tr.Start(ctx, "msgbus.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()
		handler(ctx, m)
	})
}
