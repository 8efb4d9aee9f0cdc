package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qvcloud/mqrpc"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
)

// DefaultPort is the Kafka listener port used when credentials omit one.
const DefaultPort = 9092

// AnonymousPrefix names the topics created for anonymous queues.
const AnonymousPrefix = "mqrpc.gen-"

// ErrWildcardBinding is returned by BindQueue for patterns containing * or #.
// Kafka consumer groups subscribe to concrete topics only.
var ErrWildcardBinding = errors.New("kafka: wildcard bindings are not supported")

const (
	defaultMaxBytes      = 10e6
	defaultMaxWait       = 500 * time.Millisecond
	defaultDialTimeout   = 10 * time.Second
	defaultAckTimeout    = 10 * time.Second
	defaultDeleteTimeout = 5 * time.Second
	defaultPartitions    = 1
	defaultReplication   = 1
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaAdmin interface {
	Metadata(ctx context.Context, req *kafka.MetadataRequest) (*kafka.MetadataResponse, error)
	CreateTopics(ctx context.Context, req *kafka.CreateTopicsRequest) (*kafka.CreateTopicsResponse, error)
	DeleteTopics(ctx context.Context, req *kafka.DeleteTopicsRequest) (*kafka.DeleteTopicsResponse, error)
}

// Transport maps queues onto Kafka consumer groups. A queue named q reads
// topic q plus one topic per binding, with q as the group id. Exchanges
// other than the default and amq.topic prefix the topic name.
//
// Ack commits the delivery's offset. Kafka commits are cumulative per
// partition, so acknowledging out of order can skip redelivery of earlier
// messages; prefetch 1 avoids this.
type Transport struct {
	opts *mqrpc.Options

	balancer     kafka.Balancer
	batchSize    int
	requiredAcks kafka.RequiredAcks
	minBytes     int
	maxBytes     int
	startOffset  int64
	partitions   int
	replication  int

	mu     sync.Mutex
	queues map[string]*queueState

	// Internal factories for testing
	newWriter func(w *kafka.Writer) kafkaWriter
	newReader func(cfg kafka.ReaderConfig) kafkaReader
	newAdmin  func(c *kafka.Client) kafkaAdmin
}

type queueState struct {
	anonymous bool
	topics    []string
	consumers int
}

// NewTransport returns a Kafka transport.
func NewTransport(opts ...mqrpc.Option) *Transport {
	options := mqrpc.NewOptions(opts...)
	t := &Transport{
		opts:         options,
		balancer:     &kafka.Hash{},
		requiredAcks: kafka.RequireOne,
		minBytes:     1,
		maxBytes:     defaultMaxBytes,
		startOffset:  kafka.FirstOffset,
		partitions:   defaultPartitions,
		replication:  defaultReplication,
		queues:       make(map[string]*queueState),
		newWriter:    func(w *kafka.Writer) kafkaWriter { return w },
		newReader:    func(cfg kafka.ReaderConfig) kafkaReader { return kafka.NewReader(cfg) },
		newAdmin:     func(c *kafka.Client) kafkaAdmin { return c },
	}

	ctx := options.Context
	if v, ok := mqrpc.GetTrackedValue(ctx, balancerKey{}).(kafka.Balancer); ok {
		t.balancer = v
	}
	if v, ok := mqrpc.GetTrackedValue(ctx, batchSizeKey{}).(int); ok {
		t.batchSize = v
	}
	if v, ok := mqrpc.GetTrackedValue(ctx, acksKey{}).(int); ok {
		t.requiredAcks = kafka.RequiredAcks(v)
	}
	if v, ok := mqrpc.GetTrackedValue(ctx, minBytesKey{}).(int); ok {
		t.minBytes = v
	}
	if v, ok := mqrpc.GetTrackedValue(ctx, maxBytesKey{}).(int); ok {
		t.maxBytes = v
	}
	if v, ok := mqrpc.GetTrackedValue(ctx, offsetKey{}).(int64); ok {
		t.startOffset = v
	}
	if v, ok := mqrpc.GetTrackedValue(ctx, partitionsKey{}).(int); ok && v > 0 {
		t.partitions = v
	}
	if v, ok := mqrpc.GetTrackedValue(ctx, replicationKey{}).(int); ok && v > 0 {
		t.replication = v
	}
	return t
}

func (t *Transport) String() string {
	return "kafka"
}

// ValidateCredentials accepts kafka:// URLs with one or more comma
// separated brokers.
func (t *Transport) ValidateCredentials(creds mqrpc.Credentials) error {
	if creds.URL == "" {
		return nil
	}
	_, _, err := t.endpoints(creds)
	return err
}

// endpoints resolves broker addresses and the SASL mechanism.
func (t *Transport) endpoints(creds mqrpc.Credentials) ([]string, sasl.Mechanism, error) {
	if creds.URL == "" {
		var mech sasl.Mechanism
		if creds.User != "" && creds.Password != "" {
			mech = plain.Mechanism{Username: creds.User, Password: creds.Password}
		}
		return []string{creds.Address(DefaultPort)}, mech, nil
	}

	u, err := url.Parse(creds.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("kafka: invalid url: %w", err)
	}
	if u.Scheme != "kafka" {
		return nil, nil, fmt.Errorf("kafka: unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, nil, errors.New("kafka: url has no brokers")
	}
	var brokers []string
	for _, h := range strings.Split(u.Host, ",") {
		if !strings.Contains(h, ":") {
			h = fmt.Sprintf("%s:%d", h, DefaultPort)
		}
		brokers = append(brokers, h)
	}
	var mech sasl.Mechanism
	if pw, ok := u.User.Password(); ok && u.User.Username() != "" {
		mech = plain.Mechanism{Username: u.User.Username(), Password: pw}
	}
	return brokers, mech, nil
}

// Dial checks that the cluster answers a metadata request and prepares a
// writer. Readers are created per consumer.
func (t *Transport) Dial(ctx context.Context, creds mqrpc.Credentials) (mqrpc.Session, error) {
	brokers, mech, err := t.endpoints(creds)
	if err != nil {
		return nil, err
	}

	tlsConfig := t.opts.TLSConfig
	if tlsConfig == nil && t.opts.Secure {
		tlsConfig = &tls.Config{}
	}
	rt := &kafka.Transport{
		SASL:     mech,
		TLS:      tlsConfig,
		ClientID: t.opts.ClientID,
	}

	admin := t.newAdmin(&kafka.Client{Addr: kafka.TCP(brokers...), Transport: rt})
	if _, err := admin.Metadata(ctx, &kafka.MetadataRequest{}); err != nil {
		return nil, translateError(err)
	}

	writer := t.newWriter(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               t.balancer,
		BatchSize:              t.batchSize,
		RequiredAcks:           t.requiredAcks,
		AllowAutoTopicCreation: true,
		Transport:              rt,
	})

	mqrpc.WarnUnconsumed(t.opts.Context, t.opts.Logger)

	return &session{
		transport: t,
		brokers:   brokers,
		admin:     admin,
		writer:    writer,
		dialer: &kafka.Dialer{
			ClientID:      t.opts.ClientID,
			Timeout:       defaultDialTimeout,
			DualStack:     true,
			SASLMechanism: mech,
			TLS:           tlsConfig,
		},
		inflight:  make(map[uint64]inflight),
		consumers: make(map[*consumer]struct{}),
	}, nil
}

func (t *Transport) declare(name string, anonymous bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.queues[name]; !ok {
		t.queues[name] = &queueState{anonymous: anonymous, topics: []string{name}}
	}
}

func (t *Transport) bind(queue, topic string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[queue]
	if !ok {
		return fmt.Errorf("kafka: queue %q not declared", queue)
	}
	for _, existing := range q.topics {
		if existing == topic {
			return nil
		}
	}
	q.topics = append(q.topics, topic)
	return nil
}

func (t *Transport) attach(queue string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[queue]
	if !ok {
		q = &queueState{topics: []string{queue}}
		t.queues[queue] = q
	}
	q.consumers++
	return append([]string(nil), q.topics...)
}

// detach reports whether queue was anonymous and just lost its last
// consumer.
func (t *Transport) detach(queue string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[queue]
	if !ok {
		return false
	}
	q.consumers--
	if q.anonymous && q.consumers <= 0 {
		delete(t.queues, queue)
		return true
	}
	return false
}

type inflight struct {
	consumer *consumer
	message  kafka.Message
}

type session struct {
	transport *Transport
	brokers   []string
	admin     kafkaAdmin
	writer    kafkaWriter
	dialer    *kafka.Dialer

	sync.Mutex
	closed    bool
	prefetch  int
	tag       uint64
	inflight  map[uint64]inflight
	consumers map[*consumer]struct{}
}

func (s *session) isClosed() bool {
	s.Lock()
	defer s.Unlock()
	return s.closed
}

func (s *session) createTopic(ctx context.Context, topic string) error {
	resp, err := s.admin.CreateTopics(ctx, &kafka.CreateTopicsRequest{
		Topics: []kafka.TopicConfig{{
			Topic:             topic,
			NumPartitions:     s.transport.partitions,
			ReplicationFactor: s.transport.replication,
		}},
	})
	if err != nil {
		return translateError(err)
	}
	if err := resp.Errors[topic]; err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("kafka: create topic %s: %w", topic, err)
	}
	return nil
}

func (s *session) DeclareQueue(ctx context.Context, name string) (string, error) {
	if s.isClosed() {
		return "", mqrpc.ErrSessionClosed
	}
	anonymous := name == ""
	if anonymous {
		name = AnonymousPrefix + uuid.NewString()
	}
	if err := s.createTopic(ctx, name); err != nil {
		return "", err
	}
	s.transport.declare(name, anonymous)
	return name, nil
}

// BindQueue adds a topic to the queue's group. Consumers already running
// keep their topic set until they are restarted.
func (s *session) BindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	if s.isClosed() {
		return mqrpc.ErrSessionClosed
	}
	if exchange == "" {
		return errors.New("kafka: binding to the default exchange is not allowed")
	}
	if strings.ContainsAny(routingKey, "*#") {
		return fmt.Errorf("%w: %q", ErrWildcardBinding, routingKey)
	}
	topic := TopicName(exchange, routingKey)
	if err := s.createTopic(ctx, topic); err != nil {
		return err
	}
	return s.transport.bind(queue, topic)
}

func (s *session) Publish(ctx context.Context, exchange, routingKey string, msg *mqrpc.Message) error {
	if s.isClosed() {
		return mqrpc.ErrSessionClosed
	}

	h := msg.Properties.EncodeHeaders()
	h[mqrpc.HeaderRoutingKey] = routingKey
	headers := make([]kafka.Header, 0, len(h))
	for k, v := range h {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	err := s.writer.WriteMessages(ctx, kafka.Message{
		Topic:   TopicName(exchange, routingKey),
		Key:     []byte(routingKey),
		Value:   msg.Body,
		Headers: headers,
		Time:    msg.Properties.Timestamp,
	})
	return translateError(err)
}

func (s *session) Consume(ctx context.Context, queue string) (mqrpc.Consumer, error) {
	s.Lock()
	if s.closed {
		s.Unlock()
		return nil, mqrpc.ErrSessionClosed
	}
	prefetch := s.prefetch
	s.Unlock()

	topics := s.transport.attach(queue)
	reader := s.transport.newReader(kafka.ReaderConfig{
		Brokers:     s.brokers,
		GroupID:     queue,
		GroupTopics: topics,
		Dialer:      s.dialer,
		MinBytes:    s.transport.minBytes,
		MaxBytes:    s.transport.maxBytes,
		MaxWait:     defaultMaxWait,
		StartOffset: s.transport.startOffset,
	})

	cctx, cancel := context.WithCancel(context.Background())
	c := &consumer{
		session: s,
		queue:   queue,
		reader:  reader,
		out:     make(chan *mqrpc.Delivery),
		ctx:     cctx,
		cancel:  cancel,
	}
	if prefetch > 0 {
		c.slots = make(chan struct{}, prefetch)
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
	defer in.consumer.release()

	ctx, cancel := context.WithTimeout(in.consumer.ctx, defaultAckTimeout)
	defer cancel()
	return translateError(in.consumer.reader.CommitMessages(ctx, in.message))
}

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
	consumers := make([]*consumer, 0, len(s.consumers))
	for c := range s.consumers {
		consumers = append(consumers, c)
	}
	s.Unlock()

	for _, c := range consumers {
		c.Cancel()
	}
	return translateError(s.writer.Close())
}

func (s *session) track(c *consumer, m kafka.Message) *mqrpc.Delivery {
	s.Lock()
	s.tag++
	tag := s.tag
	s.inflight[tag] = inflight{consumer: c, message: m}
	s.Unlock()

	h := make(map[string]string, len(m.Headers))
	for _, kh := range m.Headers {
		h[kh.Key] = string(kh.Value)
	}
	props := mqrpc.DecodeHeaders(h)
	if props.Timestamp.IsZero() {
		props.Timestamp = m.Time
	}
	return &mqrpc.Delivery{
		Queue:      c.queue,
		Tag:        tag,
		Body:       m.Value,
		Properties: props,
	}
}

type consumer struct {
	session *session
	queue   string
	reader  kafkaReader
	out     chan *mqrpc.Delivery
	slots   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func (c *consumer) Deliveries() <-chan *mqrpc.Delivery {
	return c.out
}

func (c *consumer) pump() {
	defer close(c.out)
	for {
		if c.slots != nil {
			select {
			case c.slots <- struct{}{}:
			case <-c.ctx.Done():
				return
			}
		}
		m, err := c.reader.FetchMessage(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil && c.session.transport.opts.Logger != nil {
				c.session.transport.opts.Logger.Logf("kafka: fetch from %s failed: %v", c.queue, err)
			}
			return
		}
		select {
		case c.out <- c.session.track(c, m):
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *consumer) release() {
	if c.slots == nil {
		return
	}
	select {
	case <-c.slots:
	default:
	}
}

// Cancel stops the reader and deletes the topic of an anonymous queue
// once nobody reads it.
func (c *consumer) Cancel() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		err = translateError(c.reader.Close())

		c.session.Lock()
		delete(c.session.consumers, c)
		c.session.Unlock()

		if c.session.transport.detach(c.queue) {
			ctx, cancel := context.WithTimeout(context.Background(), defaultDeleteTimeout)
			defer cancel()
			if _, derr := c.session.admin.DeleteTopics(ctx, &kafka.DeleteTopicsRequest{Topics: []string{c.queue}}); derr != nil && err == nil {
				err = translateError(derr)
			}
		}
	})
	return err
}

// TopicName maps an exchange and routing key to a topic. The default
// exchange and amq.topic use the key itself.
func TopicName(exchange, routingKey string) string {
	if exchange == "" || exchange == mqrpc.DefaultExchange {
		return routingKey
	}
	return exchange + "." + routingKey
}

func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.ErrClosedPipe) {
		return fmt.Errorf("%w: %w", mqrpc.ErrSessionClosed, err)
	}
	return err
}

type balancerKey struct{}
type batchSizeKey struct{}
type acksKey struct{}
type minBytesKey struct{}
type maxBytesKey struct{}
type offsetKey struct{}
type partitionsKey struct{}
type replicationKey struct{}

func WithBalancer(b kafka.Balancer) mqrpc.Option {
	return func(o *mqrpc.Options) {
		o.Context = mqrpc.WithTrackedValue(o.Context, balancerKey{}, b, "kafka.WithBalancer")
	}
}

func WithBatchSize(size int) mqrpc.Option {
	return func(o *mqrpc.Options) {
		o.Context = mqrpc.WithTrackedValue(o.Context, batchSizeKey{}, size, "kafka.WithBatchSize")
	}
}

// WithAcks sets the writer's required acks: 0 none, 1 leader, -1 all.
func WithAcks(acks int) mqrpc.Option {
	return func(o *mqrpc.Options) {
		o.Context = mqrpc.WithTrackedValue(o.Context, acksKey{}, acks, "kafka.WithAcks")
	}
}

func WithMinBytes(n int) mqrpc.Option {
	return func(o *mqrpc.Options) {
		o.Context = mqrpc.WithTrackedValue(o.Context, minBytesKey{}, n, "kafka.WithMinBytes")
	}
}

func WithMaxBytes(n int) mqrpc.Option {
	return func(o *mqrpc.Options) {
		o.Context = mqrpc.WithTrackedValue(o.Context, maxBytesKey{}, n, "kafka.WithMaxBytes")
	}
}

// WithOffset sets where a new consumer group starts reading,
// kafka.FirstOffset by default.
func WithOffset(offset int64) mqrpc.Option {
	return func(o *mqrpc.Options) {
		o.Context = mqrpc.WithTrackedValue(o.Context, offsetKey{}, offset, "kafka.WithOffset")
	}
}

// WithPartitions sets the partition count of topics created by
// DeclareQueue and BindQueue.
func WithPartitions(n int) mqrpc.Option {
	return func(o *mqrpc.Options) {
		o.Context = mqrpc.WithTrackedValue(o.Context, partitionsKey{}, n, "kafka.WithPartitions")
	}
}

func WithReplicationFactor(n int) mqrpc.Option {
	return func(o *mqrpc.Options) {
		o.Context = mqrpc.WithTrackedValue(o.Context, replicationKey{}, n, "kafka.WithReplicationFactor")
	}
}
