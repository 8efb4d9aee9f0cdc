package mqrpc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
)

func TestFXModule(t *testing.T) {
	tr := newFlakyTransport()
	var client *Client

	app := fxtest.New(t,
		FXModule,
		fx.Provide(
			func() Config { return Config{User: "guest", Password: "guest"} },
			func() Transport { return tr },
			func() Logger { return &recordLogger{} },
		),
		fx.Populate(&client),
	)
	require.NotNil(t, client)
	assert.Equal(t, int32(0), tr.dials.Load(), "construction does not dial")

	app.RequireStart()
	assert.Equal(t, int32(1), tr.dials.Load())
	assert.Equal(t, uint64(1), client.Generation())

	app.RequireStop()
	assert.ErrorIs(t, client.Publish(context.Background(), "k", nil), ErrClientClosed)
}

func TestFXModule_InvalidConfig(t *testing.T) {
	app := fx.New(
		FXModule,
		fx.NopLogger,
		fx.Provide(
			func() Config { return Config{} },
			func() Transport { return NewMemoryTransport() },
		),
		fx.Invoke(func(*Client) {}),
	)
	require.Error(t, app.Err())
	assert.Contains(t, app.Err().Error(), ErrConfiguration.Error())
}
