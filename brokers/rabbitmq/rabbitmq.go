package rabbitmq

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qvcloud/mqrpc"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultPort is the AMQP port used when credentials omit one.
const DefaultPort = 5672

const defaultHeartbeat = 10 * time.Second

type rabbitConn interface {
	Channel() (rabbitChannel, error)
	Close() error
	IsClosed() bool
}

type rabbitChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	Cancel(consumer string, noWait bool) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Close() error
}

type connWrapper struct{ *amqp.Connection }

func (w *connWrapper) Channel() (rabbitChannel, error) {
	return w.Connection.Channel()
}

// Transport dials AMQP 0-9-1 sessions: one connection and one channel each.
type Transport struct {
	opts *mqrpc.Options

	heartbeat    time.Duration
	hasHeartbeat bool
	durable      bool
	persistent   bool
	exchangeKind string

	// Internal factory for testing
	newConn func(url string, config amqp.Config) (rabbitConn, error)
}

// NewTransport returns an AMQP transport. Credentials are supplied by the
// client at dial time; opts carry TLS, client id and rabbitmq options.
func NewTransport(opts ...mqrpc.Option) *Transport {
	options := mqrpc.NewOptions(opts...)
	t := &Transport{
		opts:         options,
		exchangeKind: amqp.ExchangeTopic,
		newConn: func(url string, config amqp.Config) (rabbitConn, error) {
			conn, err := amqp.DialConfig(url, config)
			if err != nil {
				return nil, err
			}
			return &connWrapper{conn}, nil
		},
	}

	if v, ok := mqrpc.GetTrackedValue(options.Context, heartbeatKey{}).(time.Duration); ok {
		t.heartbeat, t.hasHeartbeat = v, true
	}
	if v, ok := mqrpc.GetTrackedValue(options.Context, durableKey{}).(bool); ok {
		t.durable = v
	}
	if v, ok := mqrpc.GetTrackedValue(options.Context, persistentKey{}).(bool); ok {
		t.persistent = v
	}
	if v, ok := mqrpc.GetTrackedValue(options.Context, exchangeKindKey{}).(string); ok {
		t.exchangeKind = v
	}
	return t
}

func (t *Transport) String() string {
	return "rabbitmq"
}

// ValidateCredentials rejects URLs amqp091 cannot parse.
func (t *Transport) ValidateCredentials(creds mqrpc.Credentials) error {
	if creds.URL == "" {
		return nil
	}
	if _, err := amqp.ParseURI(creds.URL); err != nil {
		return fmt.Errorf("rabbitmq: invalid url: %w", err)
	}
	return nil
}

// Dial opens a connection and a channel on it.
func (t *Transport) Dial(ctx context.Context, creds mqrpc.Credentials) (mqrpc.Session, error) {
	scheme := "amqp"
	if t.opts.Secure || t.opts.TLSConfig != nil {
		scheme = "amqps"
	}
	url := creds.BuildURL(scheme, DefaultPort)

	config := amqp.Config{
		TLSClientConfig: t.opts.TLSConfig,
		Dial: func(network, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}
	config.Heartbeat = defaultHeartbeat
	if t.hasHeartbeat {
		config.Heartbeat = t.heartbeat
	}
	if t.opts.ClientID != "" {
		config.Properties = amqp.Table{
			"connection_name": t.opts.ClientID,
		}
	}

	conn, err := t.newConn(url, config)
	if err != nil {
		return nil, TranslateError(err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, TranslateError(err)
	}

	mqrpc.WarnUnconsumed(t.opts.Context, t.opts.Logger)

	return &session{
		transport: t,
		conn:      conn,
		ch:        ch,
		consumers: make(map[string]*consumer),
	}, nil
}

type session struct {
	transport *Transport
	conn      rabbitConn
	ch        rabbitChannel

	sync.Mutex
	closed    bool
	consumers map[string]*consumer
}

func (s *session) DeclareQueue(ctx context.Context, name string) (string, error) {
	durable, autoDelete := s.transport.durable, false
	if name == "" {
		durable, autoDelete = false, true
	}
	q, err := s.ch.QueueDeclare(
		name,       // name
		durable,    // durable
		autoDelete, // delete when unused
		false,      // exclusive
		false,      // no-wait
		nil,        // arguments
	)
	if err != nil {
		return "", TranslateError(err)
	}
	return q.Name, nil
}

func (s *session) BindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	if !strings.HasPrefix(exchange, "amq.") {
		if err := s.ch.ExchangeDeclare(exchange, s.transport.exchangeKind, s.transport.durable, false, false, false, nil); err != nil {
			return TranslateError(err)
		}
	}
	return TranslateError(s.ch.QueueBind(queue, routingKey, exchange, false, nil))
}

func (s *session) Publish(ctx context.Context, exchange, routingKey string, msg *mqrpc.Message) error {
	deliveryMode := amqp.Transient
	if s.transport.persistent {
		deliveryMode = amqp.Persistent
	}
	contentType := msg.Properties.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	err := s.ch.PublishWithContext(ctx,
		exchange,   // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			Headers:       stringMapToTable(msg.Properties.Headers),
			ContentType:   contentType,
			CorrelationId: msg.Properties.CorrelationID,
			ReplyTo:       msg.Properties.ReplyTo,
			MessageId:     msg.Properties.MessageID,
			Timestamp:     msg.Properties.Timestamp,
			DeliveryMode:  deliveryMode,
			Body:          msg.Body,
		})
	return TranslateError(err)
}

func (s *session) Consume(ctx context.Context, queue string) (mqrpc.Consumer, error) {
	s.Lock()
	closed := s.closed
	s.Unlock()
	if closed {
		return nil, mqrpc.ErrSessionClosed
	}

	tag := "mqrpc-" + uuid.NewString()
	msgs, err := s.ch.Consume(
		queue, // queue
		tag,   // consumer
		false, // manual ack, the dispatcher acks after the handler
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return nil, TranslateError(err)
	}

	c := &consumer{
		session: s,
		queue:   queue,
		tag:     tag,
		out:     make(chan *mqrpc.Delivery),
		done:    make(chan struct{}),
	}
	s.Lock()
	if s.consumers != nil {
		s.consumers[tag] = c
	} else {
		c.stop()
	}
	s.Unlock()

	go c.pump(msgs)
	return c, nil
}

func (s *session) Ack(tag uint64) error {
	return TranslateError(s.ch.Ack(tag, false))
}

// Nack rejects a single delivery; with requeue the broker redelivers it.
func (s *session) Nack(tag uint64, requeue bool) error {
	return TranslateError(s.ch.Nack(tag, false, requeue))
}

func (s *session) SetPrefetch(count int) error {
	return TranslateError(s.ch.Qos(count, 0, false))
}

func (s *session) Close() error {
	s.Lock()
	if s.closed {
		s.Unlock()
		return nil
	}
	s.closed = true
	consumers := s.consumers
	s.consumers = nil
	s.Unlock()

	for _, c := range consumers {
		c.stop()
	}
	s.ch.Close()
	if s.conn.IsClosed() {
		return nil
	}
	return TranslateError(s.conn.Close())
}

type consumer struct {
	session *session
	queue   string
	tag     string
	out     chan *mqrpc.Delivery

	once sync.Once
	done chan struct{}
}

func (c *consumer) Deliveries() <-chan *mqrpc.Delivery {
	return c.out
}

func (c *consumer) Cancel() error {
	c.session.Lock()
	delete(c.session.consumers, c.tag)
	c.session.Unlock()

	c.stop()
	return TranslateError(c.session.ch.Cancel(c.tag, false))
}

func (c *consumer) stop() {
	c.once.Do(func() { close(c.done) })
}

func (c *consumer) pump(msgs <-chan amqp.Delivery) {
	defer close(c.out)
	for {
		select {
		case <-c.done:
			return
		case d, ok := <-msgs:
			if !ok {
				return
			}
			select {
			case c.out <- toDelivery(c.queue, d):
			case <-c.done:
				return
			}
		}
	}
}

func toDelivery(queue string, d amqp.Delivery) *mqrpc.Delivery {
	var headers map[string]string
	if len(d.Headers) > 0 {
		headers = make(map[string]string, len(d.Headers))
		for k, v := range d.Headers {
			headers[k] = fmt.Sprint(v)
		}
	}
	return &mqrpc.Delivery{
		Queue: queue,
		Tag:   d.DeliveryTag,
		Body:  d.Body,
		Properties: mqrpc.Properties{
			ReplyTo:       d.ReplyTo,
			CorrelationID: d.CorrelationId,
			ContentType:   d.ContentType,
			MessageID:     d.MessageId,
			Timestamp:     d.Timestamp,
			Headers:       headers,
		},
		Redelivered: d.Redelivered,
	}
}

type heartbeatKey struct{}
type durableKey struct{}
type persistentKey struct{}
type exchangeKindKey struct{}

// WithHeartbeat overrides the AMQP heartbeat interval negotiated at dial.
func WithHeartbeat(d time.Duration) mqrpc.Option {
	return func(o *mqrpc.Options) {
		o.Context = mqrpc.WithTrackedValue(o.Context, heartbeatKey{}, d, "rabbitmq.WithHeartbeat")
	}
}

// WithDurableQueues declares named queues and custom exchanges as durable.
func WithDurableQueues(durable bool) mqrpc.Option {
	return func(o *mqrpc.Options) {
		o.Context = mqrpc.WithTrackedValue(o.Context, durableKey{}, durable, "rabbitmq.WithDurableQueues")
	}
}

// WithPersistent publishes every message with persistent delivery mode.
func WithPersistent(p bool) mqrpc.Option {
	return func(o *mqrpc.Options) {
		o.Context = mqrpc.WithTrackedValue(o.Context, persistentKey{}, p, "rabbitmq.WithPersistent")
	}
}

// WithExchangeKind sets the kind used when BindQueue declares a custom
// exchange. Defaults to topic.
func WithExchangeKind(kind string) mqrpc.Option {
	return func(o *mqrpc.Options) {
		o.Context = mqrpc.WithTrackedValue(o.Context, exchangeKindKey{}, kind, "rabbitmq.WithExchangeKind")
	}
}

func stringMapToTable(m map[string]string) amqp.Table {
	if m == nil {
		return nil
	}
	res := make(amqp.Table, len(m))
	for k, v := range m {
		res[k] = v
	}
	return res
}
