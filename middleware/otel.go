package middleware

import (
	"context"

	"github.com/qvcloud/mqrpc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Middleware decorates a handler.
type Middleware func(mqrpc.Handler) mqrpc.Handler

// Chain wraps h so that the first middleware is the outermost.
func Chain(h mqrpc.Handler, mws ...Middleware) mqrpc.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// OtelHandler wraps a handler in an internal span named after the handler.
// The dispatcher's consumer span, when present, becomes its parent.
func OtelHandler(name string, h mqrpc.Handler, opts ...Option) mqrpc.Handler {
	options := options{
		tracer: otel.Tracer("github.com/qvcloud/mqrpc/middleware"),
	}
	for _, o := range opts {
		o(&options)
	}

	return mqrpc.HandlerFunc(func(ctx context.Context, body []byte, props mqrpc.Properties) ([]byte, error) {
		ctx, span := options.tracer.Start(ctx, "mqrpc.handler",
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(
				attribute.String("mqrpc.handler", name),
				attribute.String("messaging.message.conversation_id", props.CorrelationID),
				attribute.Bool("mqrpc.reply_expected", props.ReplyTo != ""),
				attribute.Int("messaging.message.body.size", len(body)),
			),
		)
		defer span.End()

		reply, err := h.Handle(ctx, body, props)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return reply, err
		}
		span.SetAttributes(attribute.Int("mqrpc.reply.size", len(reply)))
		return reply, nil
	})
}

// Tracing is OtelHandler as a Middleware.
func Tracing(name string, opts ...Option) Middleware {
	return func(h mqrpc.Handler) mqrpc.Handler {
		return OtelHandler(name, h, opts...)
	}
}

type options struct {
	tracer trace.Tracer
}

type Option func(*options)

func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		o.tracer = t
	}
}
