package middleware

import (
	"context"
	"errors"
	"testing"

	"github.com/qvcloud/mqrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func attrs(kvs []attribute.KeyValue) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value, len(kvs))
	for _, kv := range kvs {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestOtelHandler(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(sr))
	tracer := tp.Tracer("test")

	h := OtelHandler("echo", mqrpc.HandlerFunc(func(ctx context.Context, body []byte, props mqrpc.Properties) ([]byte, error) {
		return body, nil
	}), WithTracer(tracer))

	reply, err := h.Handle(context.Background(), []byte("ping"), mqrpc.Properties{CorrelationID: "c-1", ReplyTo: "r"})
	require.NoError(t, err)
	assert.Equal(t, "ping", string(reply))

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "mqrpc.handler", spans[0].Name())

	a := attrs(spans[0].Attributes())
	assert.Equal(t, "echo", a["mqrpc.handler"].AsString())
	assert.Equal(t, "c-1", a["messaging.message.conversation_id"].AsString())
	assert.True(t, a["mqrpc.reply_expected"].AsBool())
	assert.Equal(t, int64(4), a["mqrpc.reply.size"].AsInt64())
}

func TestOtelHandler_Error(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(sr))

	h := OtelHandler("fail", mqrpc.HandlerFunc(func(context.Context, []byte, mqrpc.Properties) ([]byte, error) {
		return nil, errors.New("boom")
	}), WithTracer(tp.Tracer("test")))

	_, err := h.Handle(context.Background(), nil, mqrpc.Properties{})
	assert.EqualError(t, err, "boom")

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Len(t, spans[0].Events(), 1, "error recorded as an event")
}

func TestChain_Order(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next mqrpc.Handler) mqrpc.Handler {
			return mqrpc.HandlerFunc(func(ctx context.Context, body []byte, props mqrpc.Properties) ([]byte, error) {
				order = append(order, name)
				return next.Handle(ctx, body, props)
			})
		}
	}

	h := Chain(mqrpc.HandlerFunc(func(context.Context, []byte, mqrpc.Properties) ([]byte, error) {
		order = append(order, "handler")
		return nil, nil
	}), mark("outer"), mark("inner"))

	_, err := h.Handle(context.Background(), nil, mqrpc.Properties{})
	require.NoError(t, err)
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func TestTracing_Middleware(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(sr))

	h := Chain(mqrpc.HandlerFunc(func(context.Context, []byte, mqrpc.Properties) ([]byte, error) {
		return nil, nil
	}), Tracing("jobs", WithTracer(tp.Tracer("test"))))

	_, err := h.Handle(context.Background(), []byte("x"), mqrpc.Properties{})
	require.NoError(t, err)
	require.Len(t, sr.Ended(), 1)
	assert.False(t, attrs(sr.Ended()[0].Attributes())["mqrpc.reply_expected"].AsBool())
}
