package mqrpc

import (
	"context"

	"go.uber.org/fx"
)

// FXModule provides a *Client built from a Config and a Transport and ties
// its connection to the application lifecycle.
//
// Usage:
//
//	app := fx.New(
//	    mqrpc.FXModule,
//	    fx.Provide(
//	        func() mqrpc.Config { return loadConfig() },
//	        func() mqrpc.Transport { return rabbitmq.NewTransport() },
//	    ),
//	)
var FXModule = fx.Module("mqrpc",
	fx.Provide(NewClientWithDI),
	fx.Invoke(RegisterClientLifecycle),
)

// ClientParams groups the dependencies needed to create a Client.
type ClientParams struct {
	fx.In

	Config    Config
	Transport Transport
	Logger    Logger   `optional:"true"`
	Observer  Observer `optional:"true"`
}

// NewClientWithDI creates a Client for fx. The first dial is deferred to the
// OnStart hook so construction never touches the network.
func NewClientWithDI(params ClientParams) (*Client, error) {
	opts, err := params.Config.Options()
	if err != nil {
		return nil, err
	}
	opts = append(opts, LazyConnect())
	if params.Logger != nil {
		opts = append(opts, WithLogger(params.Logger))
	}
	if params.Observer != nil {
		opts = append(opts, WithObserver(params.Observer))
	}
	return NewClient(params.Transport, opts...)
}

// ClientLifecycleParams groups the dependencies needed for lifecycle management.
type ClientLifecycleParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Client    *Client
	Config    Config
}

// RegisterClientLifecycle connects on start unless the config asks for lazy
// connection, and closes the client on stop.
func RegisterClientLifecycle(params ClientLifecycleParams) {
	params.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if params.Config.LazyConnect {
				return nil
			}
			return params.Client.Connect(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return params.Client.Close()
		},
	})
}
