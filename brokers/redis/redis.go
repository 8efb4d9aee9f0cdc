package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qvcloud/mqrpc"
	"github.com/redis/go-redis/v9"
)

// DefaultPort is the Redis port used when credentials omit one.
const DefaultPort = 6379

// AnonymousPrefix names the streams created for anonymous queues.
const AnonymousPrefix = "mqrpc.gen-"

const (
	defaultKeyPrefix = "mqrpc:"
	defaultBlock     = time.Second
	defaultClaimIdle = 30 * time.Second
	consumerGroup    = "mqrpc"
	bodyField        = "mqrpc-body"
)

type redisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAutoClaim(ctx context.Context, a *redis.XAutoClaimArgs) *redis.XAutoClaimCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Transport maps queues onto Redis streams read through one consumer group.
// Bindings live in Redis sets so every process routes the same way:
// <prefix>bindings:<exchange> holds "<pattern> <queue>" members matched
// with topic semantics. Messages left unacknowledged longer than the claim
// idle time are claimed by a live consumer and redelivered.
type Transport struct {
	opts *mqrpc.Options

	db        int
	hasDB     bool
	keyPrefix string
	maxLen    int64
	claimIdle time.Duration
	block     time.Duration

	mu        sync.Mutex
	anonymous map[string]int

	// Internal factory for testing
	newClient func(opts *redis.Options) redisClient
}

// NewTransport returns a Redis streams transport.
func NewTransport(opts ...mqrpc.Option) *Transport {
	options := mqrpc.NewOptions(opts...)
	t := &Transport{
		opts:      options,
		keyPrefix: defaultKeyPrefix,
		claimIdle: defaultClaimIdle,
		block:     defaultBlock,
		anonymous: make(map[string]int),
		newClient: func(opts *redis.Options) redisClient {
			return redis.NewClient(opts)
		},
	}

	if v, ok := mqrpc.GetTrackedValue(options.Context, dbKey{}).(int); ok {
		t.db, t.hasDB = v, true
	}
	if v, ok := mqrpc.GetTrackedValue(options.Context, keyPrefixKey{}).(string); ok {
		t.keyPrefix = v
	}
	if v, ok := mqrpc.GetTrackedValue(options.Context, maxLenKey{}).(int64); ok {
		t.maxLen = v
	}
	if v, ok := mqrpc.GetTrackedValue(options.Context, claimIdleKey{}).(time.Duration); ok && v > 0 {
		t.claimIdle = v
	}
	return t
}

func (t *Transport) String() string {
	return "redis"
}

// ValidateCredentials rejects URLs go-redis cannot parse.
func (t *Transport) ValidateCredentials(creds mqrpc.Credentials) error {
	if creds.URL == "" {
		return nil
	}
	if _, err := redis.ParseURL(creds.URL); err != nil {
		return fmt.Errorf("redis: invalid url: %w", err)
	}
	return nil
}

func (t *Transport) clientOptions(creds mqrpc.Credentials) (*redis.Options, error) {
	var ro *redis.Options
	if creds.URL != "" {
		parsed, err := redis.ParseURL(creds.URL)
		if err != nil {
			return nil, fmt.Errorf("redis: invalid url: %w", err)
		}
		ro = parsed
	} else {
		ro = &redis.Options{
			Addr:     creds.Address(DefaultPort),
			Username: creds.User,
			Password: creds.Password,
		}
	}
	if t.hasDB {
		ro.DB = t.db
	}
	if t.opts.TLSConfig != nil {
		ro.TLSConfig = t.opts.TLSConfig
	}
	if t.opts.ClientID != "" {
		ro.ClientName = t.opts.ClientID
	}
	return ro, nil
}

// Dial opens a client and pings the server.
func (t *Transport) Dial(ctx context.Context, creds mqrpc.Credentials) (mqrpc.Session, error) {
	ro, err := t.clientOptions(creds)
	if err != nil {
		return nil, err
	}

	client := t.newClient(ro)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, translateError(err)
	}

	mqrpc.WarnUnconsumed(t.opts.Context, t.opts.Logger)

	return &session{
		transport: t,
		client:    client,
		inflight:  make(map[uint64]inflight),
		consumers: make(map[*consumer]struct{}),
	}, nil
}

func (t *Transport) streamKey(queue string) string {
	return t.keyPrefix + "queue:" + queue
}

func (t *Transport) bindingsKey(exchange string) string {
	return t.keyPrefix + "bindings:" + exchange
}

// queueBindingsKey indexes a queue's bindings as "<exchange> <pattern>" so
// they can be removed with the queue.
func (t *Transport) queueBindingsKey(queue string) string {
	return t.keyPrefix + "queue-bindings:" + queue
}

func (t *Transport) attach(queue string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n, ok := t.anonymous[queue]; ok {
		t.anonymous[queue] = n + 1
	}
}

func (t *Transport) detach(queue string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.anonymous[queue]
	if !ok {
		return false
	}
	if n <= 1 {
		delete(t.anonymous, queue)
		return true
	}
	t.anonymous[queue] = n - 1
	return false
}

type inflight struct {
	consumer *consumer
	id       string
}

type session struct {
	transport *Transport
	client    redisClient

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

func (s *session) DeclareQueue(ctx context.Context, name string) (string, error) {
	if s.isClosed() {
		return "", mqrpc.ErrSessionClosed
	}
	anonymous := name == ""
	if anonymous {
		name = AnonymousPrefix + uuid.NewString()
	}

	err := s.client.XGroupCreateMkStream(ctx, s.transport.streamKey(name), consumerGroup, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return "", translateError(err)
	}
	if anonymous {
		s.transport.mu.Lock()
		s.transport.anonymous[name] = 0
		s.transport.mu.Unlock()
	}
	return name, nil
}

func (s *session) BindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	if s.isClosed() {
		return mqrpc.ErrSessionClosed
	}
	if exchange == "" {
		return errors.New("redis: binding to the default exchange is not allowed")
	}
	t := s.transport
	if err := s.client.SAdd(ctx, t.bindingsKey(exchange), routingKey+" "+queue).Err(); err != nil {
		return translateError(err)
	}
	return translateError(s.client.SAdd(ctx, t.queueBindingsKey(queue), exchange+" "+routingKey).Err())
}

// route resolves the queues a publish reaches.
func (s *session) route(ctx context.Context, exchange, routingKey string) ([]string, error) {
	if exchange == "" {
		return []string{routingKey}, nil
	}
	members, err := s.client.SMembers(ctx, s.transport.bindingsKey(exchange)).Result()
	if err != nil {
		return nil, translateError(err)
	}
	seen := make(map[string]bool)
	var queues []string
	for _, m := range members {
		pattern, queue, ok := strings.Cut(m, " ")
		if !ok || seen[queue] || !mqrpc.MatchTopic(pattern, routingKey) {
			continue
		}
		seen[queue] = true
		queues = append(queues, queue)
	}
	return queues, nil
}

// Publish appends the message to every routed stream. Streams that do not
// exist are skipped, so unroutable messages are dropped.
func (s *session) Publish(ctx context.Context, exchange, routingKey string, msg *mqrpc.Message) error {
	if s.isClosed() {
		return mqrpc.ErrSessionClosed
	}
	queues, err := s.route(ctx, exchange, routingKey)
	if err != nil {
		return err
	}

	values := make(map[string]interface{})
	for k, v := range msg.Properties.EncodeHeaders() {
		values[k] = v
	}
	values[mqrpc.HeaderRoutingKey] = routingKey
	values[bodyField] = msg.Body

	for _, q := range queues {
		args := &redis.XAddArgs{
			Stream:     s.transport.streamKey(q),
			NoMkStream: true,
			Values:     values,
		}
		if s.transport.maxLen > 0 {
			args.MaxLen = s.transport.maxLen
			args.Approx = true
		}
		if err := s.client.XAdd(ctx, args).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return translateError(err)
		}
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

	stream := s.transport.streamKey(queue)
	err := s.client.XGroupCreateMkStream(ctx, stream, consumerGroup, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, translateError(err)
	}
	s.transport.attach(queue)

	cctx, cancel := context.WithCancel(context.Background())
	c := &consumer{
		session: s,
		queue:   queue,
		stream:  stream,
		name:    "mqrpc-" + uuid.NewString(),
		batch:   1,
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
	return translateError(s.client.XAck(context.Background(), in.consumer.stream, consumerGroup, in.id).Err())
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
	return translateError(s.client.Close())
}

func (s *session) track(c *consumer, m redis.XMessage, redelivered bool) *mqrpc.Delivery {
	s.Lock()
	s.tag++
	tag := s.tag
	s.inflight[tag] = inflight{consumer: c, id: m.ID}
	s.Unlock()

	var body []byte
	fields := make(map[string]string, len(m.Values))
	for k, v := range m.Values {
		str := fmt.Sprint(v)
		if k == bodyField {
			body = []byte(str)
			continue
		}
		fields[k] = str
	}
	return &mqrpc.Delivery{
		Queue:       c.queue,
		Tag:         tag,
		Body:        body,
		Properties:  mqrpc.DecodeHeaders(fields),
		Redelivered: redelivered,
	}
}

type consumer struct {
	session *session
	queue   string
	stream  string
	name    string
	batch   int64
	out     chan *mqrpc.Delivery
	slots   chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	once      sync.Once
	lastClaim time.Time
}

func (c *consumer) Deliveries() <-chan *mqrpc.Delivery {
	return c.out
}

func (c *consumer) logf(format string, v ...any) {
	if l := c.session.transport.opts.Logger; l != nil {
		l.Logf(format, v...)
	}
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

		m, redelivered, err := c.next()
		if err != nil {
			if c.ctx.Err() == nil {
				c.logf("redis: read from %s failed: %v", c.queue, err)
			}
			return
		}
		select {
		case c.out <- c.session.track(c, m, redelivered):
		case <-c.ctx.Done():
			return
		}
	}
}

// next blocks until one message is available, preferring messages claimed
// from consumers that stopped acknowledging.
func (c *consumer) next() (redis.XMessage, bool, error) {
	t := c.session.transport
	for {
		if err := c.ctx.Err(); err != nil {
			return redis.XMessage{}, false, err
		}

		if time.Since(c.lastClaim) >= t.claimIdle/2 {
			c.lastClaim = time.Now()
			claimed, _, err := c.session.client.XAutoClaim(c.ctx, &redis.XAutoClaimArgs{
				Stream:   c.stream,
				Group:    consumerGroup,
				Consumer: c.name,
				MinIdle:  t.claimIdle,
				Start:    "0-0",
				Count:    c.batch,
			}).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return redis.XMessage{}, false, translateError(err)
			}
			if len(claimed) > 0 {
				return claimed[0], true, nil
			}
		}

		streams, err := c.session.client.XReadGroup(c.ctx, &redis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: c.name,
			Streams:  []string{c.stream, ">"},
			Count:    c.batch,
			Block:    t.block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return redis.XMessage{}, false, translateError(err)
		}
		for _, st := range streams {
			if len(st.Messages) > 0 {
				return st.Messages[0], false, nil
			}
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

// Cancel stops reading. The last consumer of an anonymous queue deletes its
// stream and bindings.
func (c *consumer) Cancel() error {
	var err error
	c.once.Do(func() {
		c.cancel()

		s := c.session
		s.Lock()
		delete(s.consumers, c)
		s.Unlock()

		if s.transport.detach(c.queue) {
			err = s.deleteQueue(context.Background(), c.queue)
		}
	})
	return err
}

func (s *session) deleteQueue(ctx context.Context, queue string) error {
	t := s.transport
	bindings, err := s.client.SMembers(ctx, t.queueBindingsKey(queue)).Result()
	if err != nil {
		return translateError(err)
	}
	for _, b := range bindings {
		exchange, pattern, ok := strings.Cut(b, " ")
		if !ok {
			continue
		}
		if err := s.client.SRem(ctx, t.bindingsKey(exchange), pattern+" "+queue).Err(); err != nil {
			return translateError(err)
		}
	}
	return translateError(s.client.Del(ctx, t.streamKey(queue), t.queueBindingsKey(queue)).Err())
}

func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("%w: %w", mqrpc.ErrSessionClosed, err)
	}
	return err
}

type dbKey struct{}
type keyPrefixKey struct{}
type maxLenKey struct{}
type claimIdleKey struct{}

// WithDB selects the logical database, overriding one given in the URL.
func WithDB(db int) mqrpc.Option {
	return func(o *mqrpc.Options) {
		o.Context = mqrpc.WithTrackedValue(o.Context, dbKey{}, db, "redis.WithDB")
	}
}

// WithKeyPrefix namespaces every key the transport touches. Defaults to
// "mqrpc:".
func WithKeyPrefix(prefix string) mqrpc.Option {
	return func(o *mqrpc.Options) {
		o.Context = mqrpc.WithTrackedValue(o.Context, keyPrefixKey{}, prefix, "redis.WithKeyPrefix")
	}
}

// WithMaxLen caps each stream at roughly l entries.
func WithMaxLen(l int64) mqrpc.Option {
	return func(o *mqrpc.Options) {
		o.Context = mqrpc.WithTrackedValue(o.Context, maxLenKey{}, l, "redis.WithMaxLen")
	}
}

// WithClaimIdle sets how long a delivery may stay unacknowledged before
// another consumer claims it.
func WithClaimIdle(d time.Duration) mqrpc.Option {
	return func(o *mqrpc.Options) {
		o.Context = mqrpc.WithTrackedValue(o.Context, claimIdleKey{}, d, "redis.WithClaimIdle")
	}
}
