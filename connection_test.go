package mqrpc

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionManager_ConnectReplaces(t *testing.T) {
	var closed atomic.Int32
	closedCh := make(chan struct{}, 1)
	tr := &mockTransport{
		dialFunc: func(ctx context.Context, creds Credentials) (Session, error) {
			return &mockSession{closeFunc: func() error {
				closed.Add(1)
				closedCh <- struct{}{}
				return nil
			}}, nil
		},
	}
	m := NewConnectionManager(tr, Credentials{User: "guest"}, &recordLogger{})
	ctx := context.Background()

	assert.Equal(t, uint64(0), m.Generation())
	require.NoError(t, m.Connect(ctx))
	first, gen, err := m.Session(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gen)

	require.NoError(t, m.Connect(ctx))
	second, gen, err := m.Session(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), gen)
	assert.NotSame(t, first, second)

	<-closedCh
	assert.Equal(t, int32(1), closed.Load(), "replaced session closed")
}

func TestConnectionManager_MissingCredentials(t *testing.T) {
	tr := &mockTransport{
		dialFunc: func(ctx context.Context, creds Credentials) (Session, error) {
			t.Fatal("must not dial without credentials")
			return nil, nil
		},
	}
	m := NewConnectionManager(tr, Credentials{}, &recordLogger{})
	assert.ErrorIs(t, m.Connect(context.Background()), ErrConfiguration)
}

func TestConnectionManager_ReconnectIsGenerationChecked(t *testing.T) {
	var dials int
	tr := &mockTransport{
		dialFunc: func(ctx context.Context, creds Credentials) (Session, error) {
			dials++
			return &mockSession{}, nil
		},
	}
	m := NewConnectionManager(tr, Credentials{User: "guest"}, &recordLogger{})
	ctx := context.Background()
	require.NoError(t, m.Connect(ctx))

	dialed, err := m.reconnect(ctx, 1)
	require.NoError(t, err)
	assert.True(t, dialed)
	assert.Equal(t, uint64(2), m.Generation())

	dialed, err = m.reconnect(ctx, 1)
	require.NoError(t, err)
	assert.False(t, dialed, "generation 1 is already gone")
	assert.Equal(t, 2, dials)
}

func TestConnectionManager_FailedDialEmptiesSlot(t *testing.T) {
	fail := false
	tr := &mockTransport{
		dialFunc: func(ctx context.Context, creds Credentials) (Session, error) {
			if fail {
				return nil, errors.New("connection refused")
			}
			return &mockSession{}, nil
		},
	}
	m := NewConnectionManager(tr, Credentials{User: "guest"}, &recordLogger{})
	ctx := context.Background()
	require.NoError(t, m.Connect(ctx))

	fail = true
	_, err := m.reconnect(ctx, 1)
	assert.Error(t, err)
	assert.Equal(t, uint64(0), m.Generation())

	fail = false
	_, gen, err := m.Session(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), gen)
}

func TestConnectionManager_Close(t *testing.T) {
	var closed bool
	tr := &mockTransport{
		dialFunc: func(ctx context.Context, creds Credentials) (Session, error) {
			return &mockSession{closeFunc: func() error {
				closed = true
				return nil
			}}, nil
		},
	}
	m := NewConnectionManager(tr, Credentials{URL: "amqp://localhost"}, &recordLogger{})
	ctx := context.Background()
	require.NoError(t, m.Connect(ctx))

	require.NoError(t, m.Close())
	assert.True(t, closed)
	assert.ErrorIs(t, m.Connect(ctx), ErrClientClosed)
	_, _, err := m.Session(ctx)
	assert.ErrorIs(t, err, ErrClientClosed)
}
