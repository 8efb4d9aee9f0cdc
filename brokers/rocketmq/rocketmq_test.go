package rocketmq

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/apache/rocketmq-client-go/v2/consumer"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/apache/rocketmq-client-go/v2/producer"
	"github.com/qvcloud/mqrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockProducer struct {
	startErr error
	sendFunc func(ctx context.Context, msgs ...*primitive.Message) (*primitive.SendResult, error)

	mu       sync.Mutex
	sent     []*primitive.Message
	shutdown bool
}

func (m *mockProducer) Start() error { return m.startErr }
func (m *mockProducer) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdown = true
	return nil
}
func (m *mockProducer) SendSync(ctx context.Context, msgs ...*primitive.Message) (*primitive.SendResult, error) {
	if m.sendFunc != nil {
		return m.sendFunc(ctx, msgs...)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msgs...)
	return &primitive.SendResult{Status: primitive.SendOK}, nil
}

type mockConsumer struct {
	startErr error

	mu        sync.Mutex
	selectors map[string]consumer.MessageSelector
	callbacks map[string]func(context.Context, ...*primitive.MessageExt) (consumer.ConsumeResult, error)
	started   bool
	shutdown  bool
}

func (m *mockConsumer) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = m.startErr == nil
	return m.startErr
}
func (m *mockConsumer) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdown = true
	return nil
}
func (m *mockConsumer) Subscribe(topic string, selector consumer.MessageSelector, f func(context.Context, ...*primitive.MessageExt) (consumer.ConsumeResult, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.selectors == nil {
		m.selectors = make(map[string]consumer.MessageSelector)
		m.callbacks = make(map[string]func(context.Context, ...*primitive.MessageExt) (consumer.ConsumeResult, error))
	}
	m.selectors[topic] = selector
	m.callbacks[topic] = f
	return nil
}

func (m *mockConsumer) deliver(topic string, msg *primitive.MessageExt) <-chan consumer.ConsumeResult {
	m.mu.Lock()
	cb := m.callbacks[topic]
	m.mu.Unlock()
	res := make(chan consumer.ConsumeResult, 1)
	go func() {
		r, _ := cb(context.Background(), msg)
		res <- r
	}()
	return res
}

type fixture struct {
	tr        *Transport
	producer  *mockProducer
	consumers []*mockConsumer
	prodOpts  int
	consOpts  int
}

func newFixture(opts ...mqrpc.Option) *fixture {
	f := &fixture{tr: NewTransport(opts...), producer: &mockProducer{}}
	f.tr.newProducer = func(opts ...producer.Option) (rmqProducer, error) {
		f.prodOpts = len(opts)
		return f.producer, nil
	}
	f.tr.newConsumer = func(opts ...consumer.Option) (rmqConsumer, error) {
		f.consOpts = len(opts)
		c := &mockConsumer{}
		f.consumers = append(f.consumers, c)
		return c, nil
	}
	return f
}

func (f *fixture) dial(t *testing.T) *session {
	t.Helper()
	s, err := f.tr.Dial(context.Background(), mqrpc.Credentials{User: "ak", Password: "sk"})
	require.NoError(t, err)
	return s.(*session)
}

func receive(t *testing.T, c mqrpc.Consumer) *mqrpc.Delivery {
	t.Helper()
	select {
	case d, ok := <-c.Deliveries():
		require.True(t, ok, "deliveries closed")
		return d
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
		return nil
	}
}

func TestRocketMQ_Basic(t *testing.T) {
	tr := NewTransport()
	assert.Equal(t, "rocketmq", tr.String())

	assert.NoError(t, tr.ValidateCredentials(mqrpc.Credentials{User: "ak"}))
	assert.NoError(t, tr.ValidateCredentials(mqrpc.Credentials{URL: "rocketmq://127.0.0.1:9876"}))
	assert.Error(t, tr.ValidateCredentials(mqrpc.Credentials{URL: "amqp://127.0.0.1"}))
	assert.Error(t, tr.ValidateCredentials(mqrpc.Credentials{URL: "rocketmq://"}))
}

func TestRocketMQ_Endpoints(t *testing.T) {
	tr := NewTransport()

	addrs, pc, err := tr.endpoints(mqrpc.Credentials{User: "ak", Password: "sk"})
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost:9876"}, addrs)
	assert.Equal(t, primitive.Credentials{AccessKey: "ak", SecretKey: "sk"}, pc)

	addrs, pc, err = tr.endpoints(mqrpc.Credentials{URL: "rocketmq://a:b@ns1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ns1:9876"}, addrs)
	assert.Equal(t, "a", pc.AccessKey)
	assert.Equal(t, "b", pc.SecretKey)
}

func TestRocketMQ_Dial(t *testing.T) {
	f := newFixture(mqrpc.ClientID("billing"), WithRetry(5))
	f.dial(t)
	assert.Equal(t, 5, f.tr.retry)
	assert.Equal(t, 5, f.prodOpts, "name server, retry, group, credentials and instance")

	f = newFixture()
	f.producer.startErr = errors.New("no name server")
	_, err := f.tr.Dial(context.Background(), mqrpc.Credentials{User: "ak"})
	assert.EqualError(t, err, "no name server")
}

func TestRocketMQ_Publish(t *testing.T) {
	f := newFixture()
	s := f.dial(t)
	ctx := context.Background()

	err := s.Publish(ctx, mqrpc.DefaultExchange, "rpc.ping", &mqrpc.Message{
		Body: []byte("ping"),
		Properties: mqrpc.Properties{
			ReplyTo:       "mqrpc_gen_1",
			CorrelationID: "c-1",
			MessageID:     "m-1",
			Headers:       map[string]string{"tenant": "acme"},
		},
	})
	require.NoError(t, err)
	require.NoError(t, s.Publish(ctx, "", "mqrpc_gen_1", &mqrpc.Message{Body: []byte("pong")}))

	require.Len(t, f.producer.sent, 2)
	m := f.producer.sent[0]
	assert.Equal(t, "amq_topic", m.Topic)
	assert.Equal(t, "rpc.ping", m.GetTags())
	assert.Equal(t, "m-1", m.GetKeys())
	assert.Equal(t, "mqrpc_gen_1", m.GetProperty(mqrpc.HeaderReplyTo))
	assert.Equal(t, "c-1", m.GetProperty(mqrpc.HeaderCorrelationID))
	assert.Equal(t, "acme", m.GetProperty("tenant"))

	reply := f.producer.sent[1]
	assert.Equal(t, "amq_topic", reply.Topic, "the default exchange shares the amq.topic topic")
	assert.Equal(t, "mqrpc_gen_1", reply.GetTags())

	f.producer.sendFunc = func(context.Context, ...*primitive.Message) (*primitive.SendResult, error) {
		return &primitive.SendResult{Status: primitive.SendFlushDiskTimeout, MsgID: "AC1F"}, nil
	}
	require.NotPanics(t, func() { err = s.Publish(ctx, "", "q", &mqrpc.Message{}) }, "results without a message queue")
	assert.ErrorContains(t, err, "send failed")
	assert.ErrorContains(t, err, `"AC1F"`)
}

func TestRocketMQ_Subscriptions(t *testing.T) {
	f := newFixture()
	s := f.dial(t)
	ctx := context.Background()

	name, err := s.DeclareQueue(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, "orders", name)

	require.NoError(t, s.BindQueue(ctx, "orders", mqrpc.DefaultExchange, "orders.created"))
	require.NoError(t, s.BindQueue(ctx, "orders", "billing.events", "#"))
	assert.ErrorIs(t, s.BindQueue(ctx, "orders", mqrpc.DefaultExchange, "orders.*"), ErrWildcardBinding)
	assert.Error(t, s.BindQueue(ctx, "orders", "", "x"))

	c, err := s.Consume(ctx, "orders")
	require.NoError(t, err)
	defer c.Cancel()

	require.Len(t, f.consumers, 1)
	mc := f.consumers[0]
	assert.True(t, mc.started)
	assert.Equal(t, consumer.MessageSelector{Type: consumer.TAG, Expression: "orders || orders.created"}, mc.selectors["amq_topic"])
	assert.Equal(t, consumer.MessageSelector{Type: consumer.TAG, Expression: "*"}, mc.selectors["billing_events"])
}

func TestRocketMQ_DeliveryWaitsForAck(t *testing.T) {
	f := newFixture()
	s := f.dial(t)

	require.NoError(t, s.SetPrefetch(1))
	c, err := s.Consume(context.Background(), "work")
	require.NoError(t, err)
	defer c.Cancel()

	msg := &primitive.MessageExt{Message: primitive.Message{Topic: "amq_topic", Body: []byte("job")}, ReconsumeTimes: 1}
	msg.WithProperty(mqrpc.HeaderReplyTo, "replies")
	msg.WithProperty("TAGS", "work")
	result := f.consumers[0].deliver("amq_topic", msg)

	d := receive(t, c)
	assert.Equal(t, "job", string(d.Body))
	assert.Equal(t, "work", d.Queue)
	assert.Equal(t, "replies", d.Properties.ReplyTo)
	assert.Nil(t, d.Properties.Headers, "system properties are not user headers")
	assert.True(t, d.Redelivered)

	select {
	case <-result:
		t.Fatal("consume callback returned before the ack")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, s.Ack(d.Tag))
	select {
	case r := <-result:
		assert.Equal(t, consumer.ConsumeSuccess, r)
	case <-time.After(time.Second):
		t.Fatal("consume callback did not return")
	}
	assert.ErrorIs(t, s.Ack(d.Tag), mqrpc.ErrUnknownDeliveryTag)
}

func TestRocketMQ_NackRetries(t *testing.T) {
	f := newFixture()
	s := f.dial(t)

	c, err := s.Consume(context.Background(), "work")
	require.NoError(t, err)
	defer c.Cancel()

	result := f.consumers[0].deliver("amq_topic", &primitive.MessageExt{Message: primitive.Message{Body: []byte("job")}})
	d := receive(t, c)

	require.NoError(t, s.Nack(d.Tag, true))
	select {
	case r := <-result:
		assert.Equal(t, consumer.ConsumeRetryLater, r)
	case <-time.After(time.Second):
		t.Fatal("consume callback did not return")
	}
	assert.ErrorIs(t, s.Nack(d.Tag, true), mqrpc.ErrUnknownDeliveryTag)
	assert.ErrorIs(t, s.Ack(d.Tag), mqrpc.ErrUnknownDeliveryTag)

	result = f.consumers[0].deliver("amq_topic", &primitive.MessageExt{Message: primitive.Message{Body: []byte("poison")}})
	d = receive(t, c)
	require.NoError(t, s.Nack(d.Tag, false))
	assert.Equal(t, consumer.ConsumeSuccess, <-result, "dropped messages are consumed")
}

func TestRocketMQ_CancelRetriesUnacked(t *testing.T) {
	f := newFixture()
	s := f.dial(t)

	c, err := s.Consume(context.Background(), "work")
	require.NoError(t, err)

	result := f.consumers[0].deliver("amq_topic", &primitive.MessageExt{Message: primitive.Message{Body: []byte("job")}})
	receive(t, c)

	require.NoError(t, c.Cancel())
	assert.Equal(t, consumer.ConsumeRetryLater, <-result)
	assert.True(t, f.consumers[0].shutdown)

	_, open := <-c.Deliveries()
	assert.False(t, open)
}

func TestRocketMQ_AnonymousQueue(t *testing.T) {
	f := newFixture()
	s := f.dial(t)
	ctx := context.Background()

	name, err := s.DeclareQueue(ctx, "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(name, AnonymousPrefix))
	assert.Equal(t, name, GroupName(name), "anonymous names need no sanitizing")

	c, err := s.Consume(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, consumer.MessageSelector{Type: consumer.TAG, Expression: name}, f.consumers[0].selectors["amq_topic"])

	require.NoError(t, c.Cancel())
	f.tr.mu.Lock()
	_, ok := f.tr.bindings[name]
	f.tr.mu.Unlock()
	assert.False(t, ok)
}

func TestRocketMQ_ConsumerStartFailure(t *testing.T) {
	f := newFixture()
	f.tr.newConsumer = func(opts ...consumer.Option) (rmqConsumer, error) {
		c := &mockConsumer{startErr: errors.New("topic route not found")}
		f.consumers = append(f.consumers, c)
		return c, nil
	}
	s := f.dial(t)

	_, err := s.Consume(context.Background(), "work")
	assert.EqualError(t, err, "topic route not found")
	assert.True(t, f.consumers[0].shutdown)
}

func TestRocketMQ_Close(t *testing.T) {
	f := newFixture()
	s := f.dial(t)
	ctx := context.Background()

	c, err := s.Consume(ctx, "work")
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.True(t, f.producer.shutdown)
	assert.True(t, f.consumers[0].shutdown)

	_, open := <-c.Deliveries()
	assert.False(t, open)

	assert.ErrorIs(t, s.Publish(ctx, "", "work", &mqrpc.Message{}), mqrpc.ErrSessionClosed)
	_, err = s.Consume(ctx, "work")
	assert.ErrorIs(t, err, mqrpc.ErrSessionClosed)
	assert.ErrorIs(t, s.Ack(1), mqrpc.ErrSessionClosed)
}

func TestRocketMQ_Names(t *testing.T) {
	assert.Equal(t, "amq_topic", TopicName("amq.topic"))
	assert.Equal(t, "rpc_echo", GroupName("rpc.echo"))
	assert.Equal(t, "a-b_c", TopicName("a-b c"))

	assert.True(t, isSystemProperty("UNIQ_KEY"))
	assert.False(t, isSystemProperty("tenant"))
	assert.False(t, isSystemProperty(mqrpc.HeaderReplyTo))
}
