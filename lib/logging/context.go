package logging

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

func init() {
	zerolog.DefaultContextLogger = &log.Logger
}

// WithSubscription returns a context carrying a logger that includes the subscription ID in every entry.
func WithSubscription(ctx context.Context, subscriptionID string) context.Context {
	return WithField(ctx, FieldSubscriptionID, subscriptionID)
}

// WithField returns a context carrying a logger that includes the given field in every entry.
// The logger is derived from the logger already in the context, if any.
func WithField(ctx context.Context, key string, value string) context.Context {
	return log.Ctx(ctx).With().Str(key, value).Logger().WithContext(ctx)
}

var _ zerolog.Hook = TracingHook{}

// TracingHook adds the OpenTelemetry trace and span ID of the event's context to log entries.
// Events need to be created with Ctx(ctx) for the hook to find the span.
type TracingHook struct{}

func (h TracingHook) Run(e *zerolog.Event, _ zerolog.Level, _ string) {
	ctx := e.GetCtx()
	if ctx == nil {
		return
	}
	if spanCtx := trace.SpanContextFromContext(ctx); spanCtx.IsValid() {
		e.Str(FieldTraceID, spanCtx.TraceID().String())
		e.Str(FieldSpanID, spanCtx.SpanID().String())
	}
}
