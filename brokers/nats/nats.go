package nats

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/qvcloud/mqrpc"
)

// DefaultPort is the NATS client port used when credentials omit one.
const DefaultPort = 4222

const defaultBufferSize = 256

type natsConn interface {
	PublishMsg(m *nats.Msg) error
	QueueSubscribe(subj, queue string, cb nats.MsgHandler) (natsSubscription, error)
	IsClosed() bool
	Close()
}

type natsSubscription interface {
	Unsubscribe() error
}

type connWrapper struct{ *nats.Conn }

func (w *connWrapper) QueueSubscribe(subj, queue string, cb nats.MsgHandler) (natsSubscription, error) {
	return w.Conn.QueueSubscribe(subj, queue, cb)
}

// Transport maps the queue model onto core NATS. A queue is a queue group
// subscribed to its own name plus one subject per binding, so publishing
// to the default exchange with a queue name reaches that queue and replies
// interoperate with plain NATS request inboxes.
//
// Core NATS has no acknowledgements: Ack only releases the prefetch slot
// and unacknowledged messages are not redelivered.
type Transport struct {
	opts *mqrpc.Options

	maxReconnect     int
	hasMaxReconnect  bool
	reconnectWait    time.Duration
	hasReconnectWait bool
	bufferSize       int

	mu     sync.Mutex
	queues map[string]*queueState

	// Internal factory for testing
	newConn func(url string, opts ...nats.Option) (natsConn, error)
}

type queueState struct {
	anonymous bool
	subjects  []string
	consumers int
}

// NewTransport returns a NATS transport.
func NewTransport(opts ...mqrpc.Option) *Transport {
	options := mqrpc.NewOptions(opts...)
	t := &Transport{
		opts:       options,
		bufferSize: defaultBufferSize,
		queues:     make(map[string]*queueState),
		newConn: func(url string, opts ...nats.Option) (natsConn, error) {
			conn, err := nats.Connect(url, opts...)
			if err != nil {
				return nil, err
			}
			return &connWrapper{conn}, nil
		},
	}

	if v, ok := mqrpc.GetTrackedValue(options.Context, maxReconnectKey{}).(int); ok {
		t.maxReconnect, t.hasMaxReconnect = v, true
	}
	if v, ok := mqrpc.GetTrackedValue(options.Context, reconnectWaitKey{}).(time.Duration); ok {
		t.reconnectWait, t.hasReconnectWait = v, true
	}
	if v, ok := mqrpc.GetTrackedValue(options.Context, bufferSizeKey{}).(int); ok && v > 0 {
		t.bufferSize = v
	}
	return t
}

func (t *Transport) String() string {
	return "nats"
}

// ValidateCredentials accepts nats, tls, ws and wss URLs.
func (t *Transport) ValidateCredentials(creds mqrpc.Credentials) error {
	if creds.URL == "" {
		return nil
	}
	u, err := url.Parse(creds.URL)
	if err != nil {
		return fmt.Errorf("nats: invalid url: %w", err)
	}
	switch u.Scheme {
	case "nats", "tls", "ws", "wss":
		return nil
	}
	return fmt.Errorf("nats: unsupported url scheme %q", u.Scheme)
}

func (t *Transport) Dial(ctx context.Context, creds mqrpc.Credentials) (mqrpc.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	addr := creds.URL
	var opts []nats.Option
	if addr == "" {
		scheme := "nats"
		if t.opts.Secure || t.opts.TLSConfig != nil {
			scheme = "tls"
		}
		addr = scheme + "://" + creds.Address(DefaultPort)
		opts = append(opts, nats.UserInfo(creds.User, creds.Password))
	}
	if t.opts.TLSConfig != nil {
		opts = append(opts, nats.Secure(t.opts.TLSConfig))
	} else if t.opts.Secure {
		opts = append(opts, nats.Secure())
	}
	if t.opts.ClientID != "" {
		opts = append(opts, nats.Name(t.opts.ClientID))
	}
	if t.hasMaxReconnect {
		opts = append(opts, nats.MaxReconnects(t.maxReconnect))
	}
	if t.hasReconnectWait {
		opts = append(opts, nats.ReconnectWait(t.reconnectWait))
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}

	// The closed handler fires from the nats goroutine once reconnects are
	// exhausted; the session may not exist yet.
	var self atomic.Pointer[session]
	opts = append(opts, nats.ClosedHandler(func(*nats.Conn) {
		if s := self.Load(); s != nil {
			s.stopConsumers()
		}
	}))

	conn, err := t.newConn(addr, opts...)
	if err != nil {
		if t.opts.Logger != nil {
			t.opts.Logger.Logf("nats: connect error to %s: %v", creds, err)
		}
		return nil, translateError(err)
	}

	mqrpc.WarnUnconsumed(t.opts.Context, t.opts.Logger)

	s := &session{
		transport: t,
		conn:      conn,
		inflight:  make(map[uint64]*consumer),
		consumers: make(map[*consumer]struct{}),
	}
	self.Store(s)
	return s, nil
}

// declare registers a queue subscribed to its own name. It is idempotent.
func (t *Transport) declare(name string, anonymous bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.queues[name]; !ok {
		t.queues[name] = &queueState{anonymous: anonymous, subjects: []string{name}}
	}
}

func (t *Transport) bind(queue, subject string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[queue]
	if !ok {
		return false, fmt.Errorf("nats: queue %q not declared", queue)
	}
	for _, s := range q.subjects {
		if s == subject {
			return false, nil
		}
	}
	q.subjects = append(q.subjects, subject)
	return true, nil
}

// attach counts a consumer on queue, declaring it on first sight, and
// returns its subjects.
func (t *Transport) attach(queue string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[queue]
	if !ok {
		q = &queueState{subjects: []string{queue}}
		t.queues[queue] = q
	}
	q.consumers++
	return append([]string(nil), q.subjects...)
}

// detach forgets anonymous queues once their last consumer leaves.
func (t *Transport) detach(queue string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[queue]
	if !ok {
		return
	}
	q.consumers--
	if q.anonymous && q.consumers <= 0 {
		delete(t.queues, queue)
	}
}

type session struct {
	transport *Transport
	conn      natsConn

	sync.Mutex
	closed    bool
	prefetch  int
	tag       uint64
	inflight  map[uint64]*consumer
	consumers map[*consumer]struct{}
}

func (s *session) isClosed() bool {
	s.Lock()
	defer s.Unlock()
	return s.closed || s.conn.IsClosed()
}

func (s *session) DeclareQueue(ctx context.Context, name string) (string, error) {
	if s.isClosed() {
		return "", mqrpc.ErrSessionClosed
	}
	anonymous := name == ""
	if anonymous {
		name = nats.NewInbox()
	}
	s.transport.declare(name, anonymous)
	return name, nil
}

func (s *session) BindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	if s.isClosed() {
		return mqrpc.ErrSessionClosed
	}
	if exchange == "" {
		return errors.New("nats: binding to the default exchange is not allowed")
	}
	subject, err := BindingSubject(exchange, routingKey)
	if err != nil {
		return err
	}
	added, err := s.transport.bind(queue, subject)
	if err != nil || !added {
		return err
	}

	s.Lock()
	var live []*consumer
	for c := range s.consumers {
		if c.queue == queue {
			live = append(live, c)
		}
	}
	s.Unlock()
	for _, c := range live {
		if err := c.subscribe(subject); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) Publish(ctx context.Context, exchange, routingKey string, msg *mqrpc.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.isClosed() {
		return mqrpc.ErrSessionClosed
	}

	nm := &nats.Msg{
		Subject: PublishSubject(exchange, routingKey),
		Reply:   msg.Properties.ReplyTo,
		Data:    msg.Body,
	}
	if h := msg.Properties.EncodeHeaders(); len(h) > 0 {
		nm.Header = make(nats.Header, len(h))
		for k, v := range h {
			nm.Header[k] = []string{v}
		}
	}
	return translateError(s.conn.PublishMsg(nm))
}

func (s *session) Consume(ctx context.Context, queue string) (mqrpc.Consumer, error) {
	s.Lock()
	if s.closed {
		s.Unlock()
		return nil, mqrpc.ErrSessionClosed
	}
	c := &consumer{
		session: s,
		queue:   queue,
		buffer:  make(chan *nats.Msg, s.transport.bufferSize),
		out:     make(chan *mqrpc.Delivery),
		done:    make(chan struct{}),
	}
	if s.prefetch > 0 {
		c.slots = make(chan struct{}, s.prefetch)
	}
	s.consumers[c] = struct{}{}
	s.Unlock()

	for _, subject := range s.transport.attach(queue) {
		if err := c.subscribe(subject); err != nil {
			c.Cancel()
			return nil, err
		}
	}

	go c.pump()
	return c, nil
}

func (s *session) Ack(tag uint64) error {
	s.Lock()
	if s.closed {
		s.Unlock()
		return mqrpc.ErrSessionClosed
	}
	c, ok := s.inflight[tag]
	delete(s.inflight, tag)
	s.Unlock()

	if !ok {
		return fmt.Errorf("%w: %d", mqrpc.ErrUnknownDeliveryTag, tag)
	}
	c.release()
	return nil
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
	s.Unlock()

	s.stopConsumers()
	s.conn.Close()
	return nil
}

func (s *session) stopConsumers() {
	s.Lock()
	consumers := make([]*consumer, 0, len(s.consumers))
	for c := range s.consumers {
		consumers = append(consumers, c)
	}
	s.Unlock()

	for _, c := range consumers {
		c.Cancel()
	}
}

func (s *session) track(c *consumer, m *nats.Msg) *mqrpc.Delivery {
	s.Lock()
	s.tag++
	tag := s.tag
	s.inflight[tag] = c
	s.Unlock()

	flat := make(map[string]string, len(m.Header))
	for k, v := range m.Header {
		if len(v) > 0 {
			flat[k] = v[0]
		}
	}
	props := mqrpc.DecodeHeaders(flat)
	if props.ReplyTo == "" {
		props.ReplyTo = m.Reply
	}
	return &mqrpc.Delivery{
		Queue:      c.queue,
		Tag:        tag,
		Body:       m.Data,
		Properties: props,
	}
}

type consumer struct {
	session *session
	queue   string
	buffer  chan *nats.Msg
	out     chan *mqrpc.Delivery
	slots   chan struct{}

	mu   sync.Mutex
	subs []natsSubscription

	once sync.Once
	done chan struct{}
}

func (c *consumer) Deliveries() <-chan *mqrpc.Delivery {
	return c.out
}

func (c *consumer) subscribe(subject string) error {
	sub, err := c.session.conn.QueueSubscribe(subject, c.queue, c.receive)
	if err != nil {
		return translateError(err)
	}
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return nil
}

func (c *consumer) receive(m *nats.Msg) {
	select {
	case c.buffer <- m:
	case <-c.done:
	}
}

func (c *consumer) pump() {
	defer close(c.out)
	for {
		select {
		case <-c.done:
			return
		case m := <-c.buffer:
			if c.slots != nil {
				select {
				case c.slots <- struct{}{}:
				case <-c.done:
					return
				}
			}
			select {
			case c.out <- c.session.track(c, m):
			case <-c.done:
				return
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

func (c *consumer) Cancel() error {
	var err error
	c.once.Do(func() {
		close(c.done)

		c.mu.Lock()
		subs := c.subs
		c.subs = nil
		c.mu.Unlock()
		if !c.session.conn.IsClosed() {
			for _, sub := range subs {
				if uerr := sub.Unsubscribe(); uerr != nil && err == nil {
					err = translateError(uerr)
				}
			}
		}

		c.session.Lock()
		delete(c.session.consumers, c)
		c.session.Unlock()
		c.session.transport.detach(c.queue)
	})
	return err
}

// PublishSubject maps an exchange and routing key to a NATS subject. The
// default exchange and amq.topic publish on the key itself; other exchanges
// prefix it.
func PublishSubject(exchange, routingKey string) string {
	if exchange == "" || exchange == mqrpc.DefaultExchange {
		return routingKey
	}
	return exchange + "." + routingKey
}

// BindingSubject maps an AMQP topic pattern to a NATS subscription subject.
// A trailing # becomes >, which unlike # requires at least one word.
func BindingSubject(exchange, pattern string) (string, error) {
	words := strings.Split(pattern, ".")
	for i, w := range words {
		if w != "#" {
			continue
		}
		if i != len(words)-1 {
			return "", fmt.Errorf("nats: pattern %q: # is only supported as the last word", pattern)
		}
		words[i] = ">"
	}
	return PublishSubject(exchange, strings.Join(words, ".")), nil
}

func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
		return fmt.Errorf("%w: %w", mqrpc.ErrSessionClosed, err)
	}
	return err
}

type maxReconnectKey struct{}
type reconnectWaitKey struct{}
type bufferSizeKey struct{}

// WithMaxReconnect bounds the client library's own reconnect attempts before
// the session is reported closed.
func WithMaxReconnect(max int) mqrpc.Option {
	return func(o *mqrpc.Options) {
		o.Context = mqrpc.WithTrackedValue(o.Context, maxReconnectKey{}, max, "nats.WithMaxReconnect")
	}
}

func WithReconnectWait(wait time.Duration) mqrpc.Option {
	return func(o *mqrpc.Options) {
		o.Context = mqrpc.WithTrackedValue(o.Context, reconnectWaitKey{}, wait, "nats.WithReconnectWait")
	}
}

// WithBufferSize sets how many messages a consumer buffers client side
// while its prefetch window is full.
func WithBufferSize(n int) mqrpc.Option {
	return func(o *mqrpc.Options) {
		o.Context = mqrpc.WithTrackedValue(o.Context, bufferSizeKey{}, n, "nats.WithBufferSize")
	}
}
