package rocketmq

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/consumer"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/apache/rocketmq-client-go/v2/producer"
	"github.com/google/uuid"
	"github.com/qvcloud/mqrpc"
)

// DefaultPort is the name server port used when credentials omit one.
const DefaultPort = 9876

// AnonymousPrefix names anonymous queues. Queue names double as tags and
// consumer group names, so only characters RocketMQ accepts are used.
const AnonymousPrefix = "mqrpc_gen_"

// ErrWildcardBinding is returned for binding patterns other than an exact
// key or a lone #. Tag expressions have no partial wildcards.
var ErrWildcardBinding = errors.New("rocketmq: only exact keys and # can be bound")

const (
	defaultRetry        = 2
	defaultProducerName = "mqrpc_producer"
	timestampLayout     = "20060102150405"
	anonymousLookback   = time.Minute
)

type rmqProducer interface {
	Start() error
	Shutdown() error
	SendSync(ctx context.Context, msgs ...*primitive.Message) (*primitive.SendResult, error)
}

type rmqConsumer interface {
	Start() error
	Shutdown() error
	Subscribe(topic string, selector consumer.MessageSelector, f func(context.Context, ...*primitive.MessageExt) (consumer.ConsumeResult, error)) error
}

// Transport maps exchanges to topics and routing keys to tags. The default
// exchange shares the amq.topic topic and uses the queue name as the tag,
// so a queue consumes its own name plus every bound key. Each queue is a
// clustering consumer group; Ack completes the consume callback and
// anything left unacknowledged is retried by the broker.
type Transport struct {
	opts *mqrpc.Options

	retry     int
	groupName string

	mu       sync.Mutex
	bindings map[string]map[string]map[string]bool // queue -> topic -> tags

	// Internal factories for testing
	newProducer func(opts ...producer.Option) (rmqProducer, error)
	newConsumer func(opts ...consumer.Option) (rmqConsumer, error)
}

// NewTransport returns a RocketMQ transport.
func NewTransport(opts ...mqrpc.Option) *Transport {
	options := mqrpc.NewOptions(opts...)
	t := &Transport{
		opts:      options,
		retry:     defaultRetry,
		groupName: defaultProducerName,
		bindings:  make(map[string]map[string]map[string]bool),
		newProducer: func(opts ...producer.Option) (rmqProducer, error) {
			return rocketmq.NewProducer(opts...)
		},
		newConsumer: func(opts ...consumer.Option) (rmqConsumer, error) {
			return rocketmq.NewPushConsumer(opts...)
		},
	}

	if v, ok := mqrpc.GetTrackedValue(options.Context, retryKey{}).(int); ok {
		t.retry = v
	}
	if v, ok := mqrpc.GetTrackedValue(options.Context, groupNameKey{}).(string); ok {
		t.groupName = v
	}
	return t
}

func (t *Transport) String() string {
	return "rocketmq"
}

// ValidateCredentials accepts rocketmq:// URLs listing one or more comma
// separated name servers.
func (t *Transport) ValidateCredentials(creds mqrpc.Credentials) error {
	if creds.URL == "" {
		return nil
	}
	_, _, err := t.endpoints(creds)
	return err
}

func (t *Transport) endpoints(creds mqrpc.Credentials) ([]string, primitive.Credentials, error) {
	if creds.URL == "" {
		return []string{creds.Address(DefaultPort)}, primitive.Credentials{AccessKey: creds.User, SecretKey: creds.Password}, nil
	}

	u, err := url.Parse(creds.URL)
	if err != nil {
		return nil, primitive.Credentials{}, fmt.Errorf("rocketmq: invalid url: %w", err)
	}
	if u.Scheme != "rocketmq" {
		return nil, primitive.Credentials{}, fmt.Errorf("rocketmq: unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, primitive.Credentials{}, errors.New("rocketmq: url has no name servers")
	}
	var addrs []string
	for _, h := range strings.Split(u.Host, ",") {
		if !strings.Contains(h, ":") {
			h = fmt.Sprintf("%s:%d", h, DefaultPort)
		}
		addrs = append(addrs, h)
	}
	var pc primitive.Credentials
	if u.User != nil {
		pc.AccessKey = u.User.Username()
		pc.SecretKey, _ = u.User.Password()
	}
	return addrs, pc, nil
}

// Dial starts a producer. Consumers are started per Consume.
func (t *Transport) Dial(ctx context.Context, creds mqrpc.Credentials) (mqrpc.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	addrs, pc, err := t.endpoints(creds)
	if err != nil {
		return nil, err
	}

	opts := []producer.Option{
		producer.WithNameServer(addrs),
		producer.WithRetry(t.retry),
		producer.WithGroupName(t.groupName),
	}
	if pc.AccessKey != "" {
		opts = append(opts, producer.WithCredentials(pc))
	}
	if t.opts.ClientID != "" {
		opts = append(opts, producer.WithInstanceName(t.opts.ClientID))
	}

	p, err := t.newProducer(opts...)
	if err != nil {
		return nil, err
	}
	if err := p.Start(); err != nil {
		return nil, err
	}

	mqrpc.WarnUnconsumed(t.opts.Context, t.opts.Logger)

	return &session{
		transport:   t,
		nameServers: addrs,
		credentials: pc,
		producer:    p,
		inflight:    make(map[uint64]inflight),
		consumers:   make(map[*subscriber]struct{}),
	}, nil
}

func (t *Transport) bind(queue, topic, tag string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	topics, ok := t.bindings[queue]
	if !ok {
		topics = make(map[string]map[string]bool)
		t.bindings[queue] = topics
	}
	if topics[topic] == nil {
		topics[topic] = make(map[string]bool)
	}
	topics[topic][tag] = true
}

// subscriptions returns topic -> tag expression for queue, always including
// the queue's own name on the default topic.
func (t *Transport) subscriptions(queue string) map[string]string {
	t.bind(queue, TopicName(mqrpc.DefaultExchange), queue)

	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]string, len(t.bindings[queue]))
	for topic, tags := range t.bindings[queue] {
		if tags["#"] {
			out[topic] = "*"
			continue
		}
		list := make([]string, 0, len(tags))
		for tag := range tags {
			list = append(list, tag)
		}
		sort.Strings(list)
		out[topic] = strings.Join(list, " || ")
	}
	return out
}

func (t *Transport) forget(queue string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.bindings, queue)
}

type inflight struct {
	sub    *subscriber
	acked  chan struct{}
	nacked chan struct{}
}

type session struct {
	transport   *Transport
	nameServers []string
	credentials primitive.Credentials
	producer    rmqProducer

	sync.Mutex
	closed    bool
	prefetch  int
	tag       uint64
	inflight  map[uint64]inflight
	consumers map[*subscriber]struct{}
}

func (s *session) isClosed() bool {
	s.Lock()
	defer s.Unlock()
	return s.closed
}

// DeclareQueue only names the queue. Topics are created by the broker or
// its operator, and groups appear when a consumer starts.
func (s *session) DeclareQueue(ctx context.Context, name string) (string, error) {
	if s.isClosed() {
		return "", mqrpc.ErrSessionClosed
	}
	if name == "" {
		return AnonymousPrefix + strings.ReplaceAll(uuid.NewString(), "-", ""), nil
	}
	return name, nil
}

func (s *session) BindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	if s.isClosed() {
		return mqrpc.ErrSessionClosed
	}
	if exchange == "" {
		return errors.New("rocketmq: binding to the default exchange is not allowed")
	}
	if routingKey != "#" && strings.ContainsAny(routingKey, "*#") {
		return fmt.Errorf("%w: %q", ErrWildcardBinding, routingKey)
	}
	s.transport.bind(queue, TopicName(exchange), routingKey)
	return nil
}

func (s *session) Publish(ctx context.Context, exchange, routingKey string, msg *mqrpc.Message) error {
	if s.isClosed() {
		return mqrpc.ErrSessionClosed
	}
	if exchange == "" {
		exchange = mqrpc.DefaultExchange
	}

	m := primitive.NewMessage(TopicName(exchange), msg.Body)
	m.WithTag(routingKey)
	if msg.Properties.MessageID != "" {
		m.WithKeys([]string{msg.Properties.MessageID})
	}
	for k, v := range msg.Properties.EncodeHeaders() {
		m.WithProperty(k, v)
	}

	res, err := s.producer.SendSync(ctx, m)
	if err != nil {
		return err
	}
	if res.Status != primitive.SendOK {
		return fmt.Errorf("rocketmq: send failed: status %d, msg id %q", res.Status, res.MsgID)
	}
	return nil
}

func (s *session) Consume(ctx context.Context, queue string) (mqrpc.Consumer, error) {
	s.Lock()
	if s.closed {
		s.Unlock()
		return nil, mqrpc.ErrSessionClosed
	}
	prefetch := s.prefetch
	s.Unlock()

	anonymous := strings.HasPrefix(queue, AnonymousPrefix)
	opts := []consumer.Option{
		consumer.WithNameServer(s.nameServers),
		consumer.WithGroupName(GroupName(queue)),
		consumer.WithConsumerModel(consumer.Clustering),
		consumer.WithConsumeMessageBatchMaxSize(1),
	}
	if anonymous {
		// Replies may be sent before the group's first rebalance.
		opts = append(opts,
			consumer.WithConsumeFromWhere(consumer.ConsumeFromTimestamp),
			consumer.WithConsumeTimestamp(time.Now().Add(-anonymousLookback).Format(timestampLayout)),
		)
	} else {
		opts = append(opts, consumer.WithConsumeFromWhere(consumer.ConsumeFromFirstOffset))
	}
	if prefetch > 0 {
		opts = append(opts, consumer.WithConsumeGoroutineNums(prefetch))
	}
	if s.credentials.AccessKey != "" {
		opts = append(opts, consumer.WithCredentials(s.credentials))
	}
	if id := s.transport.opts.ClientID; id != "" {
		opts = append(opts, consumer.WithInstance(id))
	}

	pc, err := s.transport.newConsumer(opts...)
	if err != nil {
		return nil, err
	}

	c := &subscriber{
		session:   s,
		queue:     queue,
		anonymous: anonymous,
		push:      pc,
		in:        make(chan *mqrpc.Delivery),
		out:       make(chan *mqrpc.Delivery),
		done:      make(chan struct{}),
	}
	for topic, expr := range s.transport.subscriptions(queue) {
		selector := consumer.MessageSelector{Type: consumer.TAG, Expression: expr}
		if err := pc.Subscribe(topic, selector, c.receive); err != nil {
			pc.Shutdown()
			return nil, err
		}
	}
	if err := pc.Start(); err != nil {
		pc.Shutdown()
		return nil, err
	}

	s.Lock()
	s.consumers[c] = struct{}{}
	s.Unlock()

	go c.pump()
	return c, nil
}

func (s *session) Ack(tag uint64) error {
	s.Lock()
	if s.closed {
		s.Unlock()
		return mqrpc.ErrSessionClosed
	}
	in, ok := s.inflight[tag]
	delete(s.inflight, tag)
	s.Unlock()

	if !ok {
		return fmt.Errorf("%w: %d", mqrpc.ErrUnknownDeliveryTag, tag)
	}
	close(in.acked)
	return nil
}

// Nack completes the consume callback with a retry, so the broker redelivers
// the message to the group later. Without requeue it is consumed as done.
func (s *session) Nack(tag uint64, requeue bool) error {
	s.Lock()
	if s.closed {
		s.Unlock()
		return mqrpc.ErrSessionClosed
	}
	in, ok := s.inflight[tag]
	delete(s.inflight, tag)
	s.Unlock()

	if !ok {
		return fmt.Errorf("%w: %d", mqrpc.ErrUnknownDeliveryTag, tag)
	}
	if requeue {
		close(in.nacked)
	} else {
		close(in.acked)
	}
	return nil
}

// SetPrefetch bounds the consume goroutines of consumers created later.
// Each goroutine holds one delivery until it is acknowledged.
func (s *session) SetPrefetch(count int) error {
	s.Lock()
	defer s.Unlock()
	s.prefetch = count
	return nil
}

func (s *session) Close() error {
	s.Lock()
	if s.closed {
		s.Unlock()
		return nil
	}
	s.closed = true
	consumers := make([]*subscriber, 0, len(s.consumers))
	for c := range s.consumers {
		consumers = append(consumers, c)
	}
	s.Unlock()

	for _, c := range consumers {
		c.Cancel()
	}
	return s.producer.Shutdown()
}

func (s *session) track(c *subscriber, m *primitive.MessageExt) (*mqrpc.Delivery, inflight) {
	in := inflight{sub: c, acked: make(chan struct{}), nacked: make(chan struct{})}
	s.Lock()
	s.tag++
	tag := s.tag
	s.inflight[tag] = in
	s.Unlock()

	props := make(map[string]string)
	for k, v := range m.GetProperties() {
		if !isSystemProperty(k) {
			props[k] = v
		}
	}
	return &mqrpc.Delivery{
		Queue:       c.queue,
		Tag:         tag,
		Body:        m.Body,
		Properties:  mqrpc.DecodeHeaders(props),
		Redelivered: m.ReconsumeTimes > 0,
	}, in
}

type subscriber struct {
	session   *session
	queue     string
	anonymous bool
	push      rmqConsumer
	in        chan *mqrpc.Delivery
	out       chan *mqrpc.Delivery

	once sync.Once
	done chan struct{}
}

func (c *subscriber) Deliveries() <-chan *mqrpc.Delivery {
	return c.out
}

// receive runs on a consume goroutine and blocks until the delivery is
// acknowledged. Cancelling first hands the message back for retry.
func (c *subscriber) receive(ctx context.Context, msgs ...*primitive.MessageExt) (consumer.ConsumeResult, error) {
	for _, m := range msgs {
		d, in := c.session.track(c, m)
		select {
		case c.in <- d:
		case <-c.done:
			return consumer.ConsumeRetryLater, nil
		}
		select {
		case <-in.acked:
		case <-in.nacked:
			return consumer.ConsumeRetryLater, nil
		case <-c.done:
			return consumer.ConsumeRetryLater, nil
		}
	}
	return consumer.ConsumeSuccess, nil
}

func (c *subscriber) pump() {
	defer close(c.out)
	for {
		select {
		case <-c.done:
			return
		case d := <-c.in:
			select {
			case c.out <- d:
			case <-c.done:
				return
			}
		}
	}
}

func (c *subscriber) Cancel() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.push.Shutdown()

		c.session.Lock()
		delete(c.session.consumers, c)
		c.session.Unlock()
		if c.anonymous {
			c.session.transport.forget(c.queue)
		}
	})
	return err
}

// TopicName sanitizes an exchange name into a topic. Characters outside
// [A-Za-z0-9_-] become underscores.
func TopicName(exchange string) string {
	return sanitize(exchange)
}

// GroupName sanitizes a queue name into a consumer group.
func GroupName(queue string) string {
	return sanitize(queue)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		}
		return '_'
	}, s)
}

// isSystemProperty reports properties set by the client or broker, which
// are upper case by convention.
func isSystemProperty(k string) bool {
	for _, r := range k {
		if !(r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_') {
			return false
		}
	}
	return true
}

type retryKey struct{}
type groupNameKey struct{}

// WithRetry sets how often the producer retries a failed send.
func WithRetry(n int) mqrpc.Option {
	return func(o *mqrpc.Options) {
		o.Context = mqrpc.WithTrackedValue(o.Context, retryKey{}, n, "rocketmq.WithRetry")
	}
}

// WithProducerGroup names the producer group. Defaults to mqrpc_producer.
func WithProducerGroup(name string) mqrpc.Option {
	return func(o *mqrpc.Options) {
		o.Context = mqrpc.WithTrackedValue(o.Context, groupNameKey{}, name, "rocketmq.WithProducerGroup")
	}
}
