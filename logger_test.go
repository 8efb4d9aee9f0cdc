package mqrpc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := NewZapLogger(zap.New(core))

	l.Log("plain ", "message")
	l.Logf("formatted %d", 42)
	l.Infow("structured", "queue", "work")
	l.Errorw("failure", "error", "boom")

	entries := logs.All()
	require.Len(t, entries, 4)
	assert.Equal(t, "plain message", entries[0].Message)
	assert.Equal(t, "formatted 42", entries[1].Message)
	assert.Equal(t, "work", entries[2].ContextMap()["queue"])
	assert.Equal(t, zapcore.ErrorLevel, entries[3].Level)
}

func TestZapLogger_Nil(t *testing.T) {
	l := NewZapLogger(nil)
	assert.NotPanics(t, func() { l.Logf("dropped %s", "silently") })
	assert.NotNil(t, NewDefaultLogger())
}

func TestGuardLogsStructuredFault(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	tr := newFlakyTransport()
	c := newTestClient(t, tr, WithLogger(NewZapLogger(zap.New(core))))

	tr.failPublish.Store(1)
	require.NoError(t, c.Publish(t.Context(), "orders", []byte("x")))

	faults := logs.FilterMessage("mqrpc: transport fault").All()
	require.Len(t, faults, 1)
	fields := faults[0].ContextMap()
	assert.Equal(t, "publish", fields["op"])
	assert.Equal(t, "memory", fields["transport"])
	assert.Equal(t, uint64(1), fields["generation"])
	assert.Contains(t, fields["error"], errInjected.Error())
	assert.Equal(t, errInjected.Error(), fields["cause"])
	assert.Equal(t, 1, logs.FilterMessage("mqrpc: reconnected").Len())
}

func TestLogHelpers_PlainLogger(t *testing.T) {
	l := &recordLogger{}
	logError(l, "mqrpc: transport fault", "op", "publish", "error", errors.New("boom"))
	assert.True(t, l.contains("mqrpc: transport fault op=publish error=boom"))

	logInfo(nil, "ignored")
	assert.Equal(t, " a=1 dangling", formatFields([]any{"a", 1, "dangling"}))
}
