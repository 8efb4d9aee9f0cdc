package mqrpc

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Client is the messaging facade: queue declaration, one-way publish,
// request/reply fetch and consumer dispatch over one Transport. It is safe
// for concurrent use.
type Client struct {
	opts      *Options
	transport Transport
	conn      *ConnectionManager
	logger    Logger
	tel       *telemetry
	closed    atomic.Bool
}

// NewClient validates the credentials and, unless LazyConnect is set, dials
// the first session. A failed dial is returned as a *TransportFault.
func NewClient(t Transport, opts ...Option) (*Client, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: nil transport", ErrConfiguration)
	}
	options := NewOptions(opts...)
	if options.Logger == nil {
		options.Logger = NewDefaultLogger()
	}
	if options.Codec == nil {
		options.Codec = JsonMarshaler{}
	}

	creds := options.Credentials
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	if v, ok := t.(CredentialsValidator); ok {
		if err := v.ValidateCredentials(creds); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
		}
	}

	c := &Client{
		opts:      options,
		transport: t,
		conn:      NewConnectionManager(t, creds, options.Logger),
		logger:    options.Logger,
		tel:       newTelemetry(t.String(), options),
	}

	if !options.LazyConnect {
		if err := c.Connect(context.Background()); err != nil {
			if errors.Is(err, ErrConfiguration) {
				return nil, err
			}
			return nil, &TransportFault{Op: "connect", Transport: t.String(), Err: err}
		}
	}
	return c, nil
}

// Options returns a copy of the client configuration.
func (c *Client) Options() Options {
	return *c.opts
}

func (c *Client) String() string {
	return c.transport.String()
}

// Generation reports how many sessions the client has dialed so far, which
// is the generation of the live one.
func (c *Client) Generation() uint64 {
	return c.conn.Generation()
}

// Connect dials a new session, replacing the current one.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	start := time.Now()
	err := c.conn.Connect(ctx)
	c.observeOperation("connect", c.transport.String(), "", start, err, 0)
	return err
}

// Close closes the live session. The client cannot be reused.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.conn.Close()
	if s, ok := c.logger.(interface{ Sync() error }); ok {
		_ = s.Sync()
	}
	return err
}

// CreateQueue declares a queue and optionally binds it. Without QueueName the
// broker picks a unique name for an anonymous, auto-deleting queue.
func (c *Client) CreateQueue(ctx context.Context, opts ...QueueOption) (string, error) {
	qo := NewQueueOptions(opts...)
	start := time.Now()
	ctx, span := c.tel.start(ctx, "mqrpc.create_queue", trace.SpanKindClient,
		attribute.String("messaging.destination", qo.Name),
		attribute.String("messaging.exchange", qo.BindExchange),
		attribute.String("messaging.routing_key", qo.RoutingKey),
	)

	var name string
	err := c.guard(ctx, "create_queue", qo.Name, func(ctx context.Context, s Session) error {
		declared, err := s.DeclareQueue(ctx, qo.Name)
		if err != nil {
			return fmt.Errorf("declare queue %q: %w", qo.Name, err)
		}
		if qo.BindExchange != "" {
			if err := s.BindQueue(ctx, declared, qo.BindExchange, qo.RoutingKey); err != nil {
				return fmt.Errorf("bind %q to %q with %q: %w", declared, qo.BindExchange, qo.RoutingKey, err)
			}
		}
		name = declared
		return nil
	})

	span.SetAttributes(attribute.String("messaging.destination.resolved", name))
	endSpan(span, err)
	c.observeOperation("create_queue", name, qo.BindExchange, start, err, 0)
	return name, err
}

// Publish sends body to exchange (amq.topic unless Exchange is given) with
// routingKey. It returns once the transport accepted the message.
func (c *Client) Publish(ctx context.Context, routingKey string, body []byte, opts ...PublishOption) error {
	po := NewPublishOptions(opts...)
	start := time.Now()
	ctx, span := c.tel.start(ctx, "mqrpc.publish", trace.SpanKindProducer,
		attribute.String("messaging.destination", po.Exchange),
		attribute.String("messaging.routing_key", routingKey),
		attribute.Int("messaging.message.body.size", len(body)),
	)

	msg := c.newMessage(ctx, body, po)
	err := c.guard(ctx, "publish", po.Exchange, func(ctx context.Context, s Session) error {
		if err := s.Publish(ctx, po.Exchange, routingKey, msg); err != nil {
			return fmt.Errorf("publish to %q with %q: %w", po.Exchange, routingKey, err)
		}
		return nil
	})

	endSpan(span, err)
	c.observeOperation("publish", po.Exchange, routingKey, start, err, int64(len(body)))
	return err
}

// Fetch publishes body and blocks until one reply arrives on a private,
// anonymous reply queue. The wait is bounded by the context deadline or,
// without one, by the FetchTimeout option.
func (c *Client) Fetch(ctx context.Context, routingKey string, body []byte, opts ...PublishOption) ([]byte, error) {
	po := NewPublishOptions(opts...)
	if po.CorrelationID == "" {
		po.CorrelationID = uuid.NewString()
	}
	start := time.Now()
	ctx, span := c.tel.start(ctx, "mqrpc.fetch", trace.SpanKindClient,
		attribute.String("messaging.destination", po.Exchange),
		attribute.String("messaging.routing_key", routingKey),
		attribute.String("messaging.correlation_id", po.CorrelationID),
	)

	if _, ok := ctx.Deadline(); !ok && c.opts.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.FetchTimeout)
		defer cancel()
	}

	var reply []byte
	err := c.guard(ctx, "fetch", routingKey, func(ctx context.Context, s Session) error {
		queue, err := s.DeclareQueue(ctx, "")
		if err != nil {
			return fmt.Errorf("declare reply queue: %w", err)
		}
		consumer, err := s.Consume(ctx, queue)
		if err != nil {
			return fmt.Errorf("consume reply queue %q: %w", queue, err)
		}
		defer c.cancelConsumer(consumer, queue)

		po.ReplyTo = queue
		msg := c.newMessage(ctx, body, po)
		if err := s.Publish(ctx, po.Exchange, routingKey, msg); err != nil {
			return fmt.Errorf("publish to %q with %q: %w", po.Exchange, routingKey, err)
		}

		b, err := c.awaitReply(ctx, s, consumer, queue, po.CorrelationID)
		if err != nil {
			return err
		}
		reply = b
		return nil
	})
	var fault *TransportFault
	if ctx.Err() != nil && errors.Is(err, context.DeadlineExceeded) && !errors.As(err, &fault) {
		err = ErrFetchTimeout
	}

	c.tel.fetched(ctx, start, err)
	endSpan(span, err)
	c.observeOperation("fetch", po.Exchange, routingKey, start, err, int64(len(body)))
	return reply, err
}

func (c *Client) awaitReply(ctx context.Context, s Session, consumer Consumer, queue, correlationID string) ([]byte, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case d, ok := <-consumer.Deliveries():
			if !ok {
				return nil, fmt.Errorf("reply queue %q: %w", queue, ErrConsumerClosed)
			}
			if d.markAcked() {
				if err := s.Ack(d.Tag); err != nil {
					return nil, fmt.Errorf("ack reply on %q: %w", queue, err)
				}
			}
			if id := d.Properties.CorrelationID; id != "" && id != correlationID {
				logInfo(c.logger, "mqrpc: discarding reply with foreign correlation id",
					"queue", queue,
					"expected", correlationID,
					"got", id,
				)
				continue
			}
			return d.Body, nil
		}
	}
}

// Listen consumes queue with a prefetch of one and hands each delivery to h.
// It returns nil once ctx is done.
func (c *Client) Listen(ctx context.Context, queue string, h Handler) error {
	if h == nil {
		return fmt.Errorf("%w: nil handler", ErrConfiguration)
	}
	start := time.Now()
	ctx, span := c.tel.start(ctx, "mqrpc.listen", trace.SpanKindConsumer,
		attribute.String("messaging.destination", queue),
	)

	err := c.guard(ctx, "listen", queue, func(ctx context.Context, s Session) error {
		if err := s.SetPrefetch(1); err != nil {
			return fmt.Errorf("set prefetch: %w", err)
		}
		consumer, err := s.Consume(ctx, queue)
		if err != nil {
			return fmt.Errorf("consume %q: %w", queue, err)
		}

		d := &dispatcher{
			session: s,
			queue:   queue,
			handler: h,
			logger:  c.logger,
			tel:     c.tel,
		}
		err = d.run(ctx, consumer.Deliveries())
		// cancel first so a requeued delivery cannot come back to this consumer
		c.cancelConsumer(consumer, queue)
		d.requeue(err)
		return err
	})
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		err = nil
	}

	endSpan(span, err)
	c.observeOperation("listen", queue, "", start, err, 0)
	return err
}

// Serve runs Listen until ctx is done, pausing ReconnectInterval between
// rounds that end in a fault.
func (c *Client) Serve(ctx context.Context, queue string, h Handler) error {
	for {
		err := c.Listen(ctx, queue, h)
		if ctx.Err() != nil {
			return nil
		}
		var fault *TransportFault
		if err != nil && !errors.As(err, &fault) {
			return err
		}

		logInfo(c.logger, "mqrpc: listener stopped, restarting",
			"queue", queue,
			"interval", c.opts.ReconnectInterval.String(),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.opts.ReconnectInterval):
		}
	}
}

// PublishValue encodes v with the configured codec and publishes it.
func (c *Client) PublishValue(ctx context.Context, routingKey string, v any, opts ...PublishOption) error {
	body, err := c.opts.Codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("mqrpc: encode %s: %w", c.opts.Codec, err)
	}
	return c.Publish(ctx, routingKey, body, c.withContentType(opts)...)
}

// FetchValue encodes req, performs a Fetch and decodes the reply into resp.
// resp is left untouched when a swallowed fault produced no reply.
func (c *Client) FetchValue(ctx context.Context, routingKey string, req, resp any, opts ...PublishOption) error {
	body, err := c.opts.Codec.Marshal(req)
	if err != nil {
		return fmt.Errorf("mqrpc: encode %s: %w", c.opts.Codec, err)
	}
	reply, err := c.Fetch(ctx, routingKey, body, c.withContentType(opts)...)
	if err != nil || reply == nil {
		return err
	}
	if err := c.opts.Codec.Unmarshal(reply, resp); err != nil {
		return fmt.Errorf("mqrpc: decode %s: %w", c.opts.Codec, err)
	}
	return nil
}

func (c *Client) withContentType(opts []PublishOption) []PublishOption {
	if c.opts.Codec.String() != "json" {
		return opts
	}
	return append([]PublishOption{ContentType("application/json")}, opts...)
}

func (c *Client) newMessage(ctx context.Context, body []byte, po PublishOptions) *Message {
	headers := make(map[string]string, len(po.Headers))
	for k, v := range po.Headers {
		headers[k] = v
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
	if len(headers) == 0 {
		headers = nil
	}

	return &Message{
		Body: body,
		Properties: Properties{
			ReplyTo:       po.ReplyTo,
			CorrelationID: po.CorrelationID,
			ContentType:   po.ContentType,
			MessageID:     uuid.NewString(),
			Timestamp:     time.Now(),
			Headers:       headers,
		},
	}
}

func (c *Client) cancelConsumer(consumer Consumer, queue string) {
	if err := consumer.Cancel(); err != nil && !errors.Is(err, ErrSessionClosed) {
		logInfo(c.logger, "mqrpc: cancel consumer failed",
			"queue", queue,
			"error", err.Error(),
		)
	}
}
