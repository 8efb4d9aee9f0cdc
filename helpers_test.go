package mqrpc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

var errInjected = errors.New("injected broker failure")

type recordLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordLogger) Log(v ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprint(v...))
}

func (l *recordLogger) Logf(format string, v ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, v...))
}

func (l *recordLogger) contains(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

// flakyTransport wraps a MemoryTransport, counts dials and fails the next N
// calls of selected session methods.
type flakyTransport struct {
	*MemoryTransport

	dials       atomic.Int32
	failDial    atomic.Int32
	brokenDials atomic.Int32

	failPublish atomic.Int32
	failDeclare atomic.Int32
	failConsume atomic.Int32
}

func newFlakyTransport() *flakyTransport {
	return &flakyTransport{MemoryTransport: NewMemoryTransport()}
}

func (f *flakyTransport) Dial(ctx context.Context, creds Credentials) (Session, error) {
	f.dials.Add(1)
	if take(&f.failDial) {
		return nil, errInjected
	}
	s, err := f.MemoryTransport.Dial(ctx, creds)
	if err != nil {
		return nil, err
	}
	return &flakySession{Session: s, owner: f, broken: take(&f.brokenDials)}, nil
}

// flakySession fails injected calls; a broken session fails every publish.
type flakySession struct {
	Session
	owner  *flakyTransport
	broken bool
}

func (s *flakySession) Publish(ctx context.Context, exchange, routingKey string, msg *Message) error {
	if s.broken || take(&s.owner.failPublish) {
		return errInjected
	}
	return s.Session.Publish(ctx, exchange, routingKey, msg)
}

func (s *flakySession) DeclareQueue(ctx context.Context, name string) (string, error) {
	if take(&s.owner.failDeclare) {
		return "", errInjected
	}
	return s.Session.DeclareQueue(ctx, name)
}

func (s *flakySession) Consume(ctx context.Context, queue string) (Consumer, error) {
	if take(&s.owner.failConsume) {
		return nil, errInjected
	}
	return s.Session.Consume(ctx, queue)
}

func take(n *atomic.Int32) bool {
	for {
		v := n.Load()
		if v <= 0 {
			return false
		}
		if n.CompareAndSwap(v, v-1) {
			return true
		}
	}
}

func newTestClient(t testing.TB, tr Transport, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{Auth("guest", "guest"), WithLogger(&recordLogger{})}, opts...)
	c, err := NewClient(tr, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// mockSession is a function-field Session for dispatcher tests.
type mockSession struct {
	declareFunc  func(ctx context.Context, name string) (string, error)
	bindFunc     func(ctx context.Context, queue, exchange, routingKey string) error
	publishFunc  func(ctx context.Context, exchange, routingKey string, msg *Message) error
	consumeFunc  func(ctx context.Context, queue string) (Consumer, error)
	ackFunc      func(tag uint64) error
	prefetchFunc func(count int) error
	closeFunc    func() error
}

func (m *mockSession) DeclareQueue(ctx context.Context, name string) (string, error) {
	if m.declareFunc != nil {
		return m.declareFunc(ctx, name)
	}
	return name, nil
}

func (m *mockSession) BindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	if m.bindFunc != nil {
		return m.bindFunc(ctx, queue, exchange, routingKey)
	}
	return nil
}

func (m *mockSession) Publish(ctx context.Context, exchange, routingKey string, msg *Message) error {
	if m.publishFunc != nil {
		return m.publishFunc(ctx, exchange, routingKey, msg)
	}
	return nil
}

func (m *mockSession) Consume(ctx context.Context, queue string) (Consumer, error) {
	if m.consumeFunc != nil {
		return m.consumeFunc(ctx, queue)
	}
	return nil, ErrConsumerClosed
}

func (m *mockSession) Ack(tag uint64) error {
	if m.ackFunc != nil {
		return m.ackFunc(tag)
	}
	return nil
}

func (m *mockSession) SetPrefetch(count int) error {
	if m.prefetchFunc != nil {
		return m.prefetchFunc(count)
	}
	return nil
}

func (m *mockSession) Close() error {
	if m.closeFunc != nil {
		return m.closeFunc()
	}
	return nil
}

type mockTransport struct {
	dialFunc func(ctx context.Context, creds Credentials) (Session, error)
}

func (m *mockTransport) Dial(ctx context.Context, creds Credentials) (Session, error) {
	return m.dialFunc(ctx, creds)
}

func (m *mockTransport) String() string {
	return "mock"
}
