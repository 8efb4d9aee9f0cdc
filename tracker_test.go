package mqrpc_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/qvcloud/mqrpc"
	"github.com/stretchr/testify/assert"
)

type mockLogger struct {
	warnings []string
}

func (l *mockLogger) Log(v ...any) {}
func (l *mockLogger) Logf(format string, v ...any) {
	l.warnings = append(l.warnings, fmt.Sprintf(format, v...))
}

func TestOptionTracker(t *testing.T) {
	logger := &mockLogger{}
	ctx := context.Background()

	type testKey struct{}

	ctx = mqrpc.WithTrackedValue(ctx, testKey{}, "val", "test.WithOption")

	mqrpc.WarnUnconsumed(ctx, logger)
	assert.Len(t, logger.warnings, 1)
	assert.Contains(t, logger.warnings[0], "test.WithOption")

	logger.warnings = nil

	val := mqrpc.GetTrackedValue(ctx, testKey{})
	assert.Equal(t, "val", val)

	mqrpc.WarnUnconsumed(ctx, logger)
	assert.Len(t, logger.warnings, 0)
}

func TestOptionTracker_Untracked(t *testing.T) {
	type testKey struct{}
	logger := &mockLogger{}

	assert.Nil(t, mqrpc.GetTrackedValue(context.Background(), testKey{}))
	mqrpc.WarnUnconsumed(context.Background(), logger)
	assert.Empty(t, logger.warnings)

	ctx := mqrpc.TrackOptions(context.Background())
	assert.Equal(t, ctx, mqrpc.TrackOptions(ctx))
}
