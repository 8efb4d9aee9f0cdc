package metrics

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/qvcloud/mqrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPrometheusObserver_Observe(t *testing.T) {
	o := NewPrometheusObserver(Config{})

	o.ObserveOperation(mqrpc.OperationContext{Component: "nats", Operation: "publish", Duration: 5 * time.Millisecond, Size: 128})
	o.ObserveOperation(mqrpc.OperationContext{Component: "nats", Operation: "publish", Error: errors.New("bad")})
	o.ObserveOperation(mqrpc.OperationContext{Component: "nats", Operation: "fetch", Error: &mqrpc.TransportFault{Op: "fetch", Err: errors.New("eof")}})

	assert.Equal(t, 1.0, testutil.ToFloat64(o.operations.WithLabelValues("nats", "publish", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.operations.WithLabelValues("nats", "publish", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.operations.WithLabelValues("nats", "fetch", "fault")))
	assert.Equal(t, 3, testutil.CollectAndCount(o.operations))
	assert.Equal(t, 2, testutil.CollectAndCount(o.duration))
	assert.Equal(t, 1, testutil.CollectAndCount(o.bytes), "empty bodies are not sized")
}

func TestPrometheusObserver_ServiceLabel(t *testing.T) {
	o := NewPrometheusObserver(Config{ServiceName: "billing"})
	o.ObserveOperation(mqrpc.OperationContext{Component: "memory", Operation: "connect"})

	expected := `
# HELP mqrpc_operations_total Client operations by transport, operation and outcome.
# TYPE mqrpc_operations_total counter
mqrpc_operations_total{operation="connect",service="billing",status="ok",transport="memory"} 1
`
	require.NoError(t, testutil.GatherAndCompare(o.Registry, strings.NewReader(expected), "mqrpc_operations_total"))
}

func TestPrometheusObserver_Client(t *testing.T) {
	o := NewPrometheusObserver(Config{EnableDefaultCollectors: true})

	c, err := mqrpc.NewClient(mqrpc.NewMemoryTransport(),
		mqrpc.Auth("guest", "guest"),
		mqrpc.WithLogger(mqrpc.NewZapLogger(zap.NewNop())),
		mqrpc.WithObserver(o),
	)
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	_, err = c.CreateQueue(ctx, mqrpc.QueueName("orders"))
	require.NoError(t, err)
	require.NoError(t, c.Publish(ctx, "orders", []byte("hello")))

	assert.Equal(t, 1.0, testutil.ToFloat64(o.operations.WithLabelValues("memory", "connect", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.operations.WithLabelValues("memory", "create_queue", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.operations.WithLabelValues("memory", "publish", "ok")))

	rec := httptest.NewRecorder()
	o.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "mqrpc_message_bytes_bucket")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
